// Presenced runs an occupancy sensor node: it polls an LD2410S radar
// module over a serial link and reports presence to Home Assistant over
// MQTT, with remote calibrate and restart commands.
//
// Usage:
//
//	presenced serve              Run the node
//	presenced init [dir]         Write an example config into dir
//	presenced identity           Print the derived device ID and topics
//	presenced version            Print version and build information
//	presenced -o json version    Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/nugget/presence-node/internal/buildinfo"
	"github.com/nugget/presence-node/internal/config"
	"github.com/nugget/presence-node/internal/identity"
)

func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. Arguments are parsed by hand so run has
// no package-level state and can be driven from tests.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, stderr, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "identity":
		return runIdentity(stdout, configPath, outputFmt)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Current()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, info)
	fmt.Fprintf(w, "  %-12s %s\n", "go_version:", info.GoVersion)
	fmt.Fprintf(w, "  %-12s %s\n", "platform:", info.Platform)
	fmt.Fprintf(w, "  %-12s %s\n", "sw_version:", buildinfo.SWVersion())
	return nil
}

// identityReport is the output of the identity subcommand.
type identityReport struct {
	DeviceID        string   `json:"device_id"`
	Source          string   `json:"source"`
	StateTopic      string   `json:"state_topic"`
	CommandTopic    string   `json:"command_topic"`
	DiscoveryTopics []string `json:"discovery_topics"`
}

// runIdentity resolves the device identity the way serve would and
// prints it with the topics derived from it. It does not need a valid
// broker configuration.
func runIdentity(w io.Writer, configPath, outputFmt string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	dev, source, err := identity.Resolve(cfg.Device, cfg.Program, cfg.DataDir)
	if err != nil {
		return fmt.Errorf("resolve identity: %w", err)
	}

	rep := identityReport{
		DeviceID:     dev.ID,
		Source:       string(source),
		StateTopic:   dev.StateTopic(),
		CommandTopic: dev.CommandTopic(),
		DiscoveryTopics: []string{
			dev.DiscoveryTopic("binary_sensor", "occupancy"),
			dev.DiscoveryTopic("sensor", "distance"),
			dev.DiscoveryTopic("button", "calibrate"),
			dev.DiscoveryTopic("button", "restart"),
		},
	}

	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(rep)
	}
	fmt.Fprintf(w, "device_id:     %s (%s)\n", rep.DeviceID, rep.Source)
	fmt.Fprintf(w, "state topic:   %s\n", rep.StateTopic)
	fmt.Fprintf(w, "command topic: %s\n", rep.CommandTopic)
	fmt.Fprintln(w, "discovery:")
	for _, t := range rep.DiscoveryTopics {
		fmt.Fprintf(w, "  %s\n", t)
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "presenced - LD2410S presence sensor node for Home Assistant")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: presenced [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Run the sensor node")
	fmt.Fprintln(w, "  init [dir]   Write an example config.yaml (default: .)")
	fmt.Fprintln(w, "  identity     Print the device ID and MQTT topics")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  "+strings.Join(config.DefaultSearchPaths(), ", "))
	return nil
}

// loadConfig locates and parses the YAML configuration file. If explicit
// is non-empty, that exact path is used (and must exist).
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}
