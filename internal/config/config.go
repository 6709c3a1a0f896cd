// Package config handles presenced configuration loading.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultProgram is the topic namespace used when program is not set.
// Home Assistant entities created by earlier firmware builds live under
// this prefix, so changing it orphans them.
const DefaultProgram = "presence_detection"

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/presenced/config.yaml, /etc/presenced/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "presenced", "config.yaml"))
	}

	paths = append(paths, "/etc/presenced/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all presenced configuration.
type Config struct {
	Program   string        `yaml:"program"`
	DataDir   string        `yaml:"data_dir"`
	LogLevel  string        `yaml:"log_level"`
	LogFormat string        `yaml:"log_format"`
	Device    DeviceConfig  `yaml:"device"`
	Network   NetworkConfig `yaml:"network"`
	MQTT      MQTTConfig    `yaml:"mqtt"`
	Sensor    SensorConfig  `yaml:"sensor"`
	Loop      LoopConfig    `yaml:"loop"`
	Metrics   MetricsConfig `yaml:"metrics"`
}

// DeviceConfig describes how the node identifies itself to the hub.
type DeviceConfig struct {
	// ID overrides the hardware-derived device ID. Leave empty in
	// production; two units sharing an ID fight over the same topics.
	ID string `yaml:"id"`
	// Interface names the NIC whose MAC address seeds the device ID.
	// Empty means the first non-loopback interface with a hardware address.
	Interface    string `yaml:"interface"`
	Name         string `yaml:"name"`
	Manufacturer string `yaml:"manufacturer"`
	Model        string `yaml:"model"`
}

// NetworkConfig defines the link the node must hold to report state.
type NetworkConfig struct {
	// Interface is the preferred network interface. When it is missing
	// from the scan, the first usable interface is chosen instead.
	Interface      string        `yaml:"interface"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// MQTTConfig defines the broker session.
type MQTTConfig struct {
	Broker         string        `yaml:"broker"` // mqtt://host:1883, mqtts://host:8883
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	ClientID       string        `yaml:"client_id"` // Default: device ID
	KeepAliveSec   int           `yaml:"keepalive_sec"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	// CommandRateLimit caps inbound commands per minute. Zero disables
	// the limit.
	CommandRateLimit int `yaml:"command_rate_limit"`
}

// Configured reports whether enough is set to attempt a broker session.
func (c MQTTConfig) Configured() bool {
	return c.Broker != ""
}

// SensorConfig defines the serial link to the radar module.
type SensorConfig struct {
	Device      string        `yaml:"device"`
	BaudRate    int           `yaml:"baud_rate"`
	ReadTimeout time.Duration `yaml:"read_timeout"`

	// InitTimeout bounds a single open-and-configure attempt. A module
	// that stops answering mid-handshake is closed and reopened.
	InitTimeout time.Duration `yaml:"init_timeout"`

	Reporting   ReportingConfig   `yaml:"reporting"`
	Calibration CalibrationConfig `yaml:"calibration"`
}

// Response speeds accepted by ReportingConfig.ResponseSpeed.
const (
	ResponseNormal = 5
	ResponseFast   = 10
)

// ReportingConfig holds the module parameters written during Init.
// Frequencies are in Hz, in 0.5 Hz steps up to 8.
type ReportingConfig struct {
	DistanceHz    float64 `yaml:"distance_hz"`
	StatusHz      float64 `yaml:"status_hz"`
	ResponseSpeed int     `yaml:"response_speed"`
}

// CalibrationConfig holds the auto-threshold parameters sent on a
// calibrate command.
type CalibrationConfig struct {
	TriggerFactor   int `yaml:"trigger_factor"`
	RetentionFactor int `yaml:"retention_factor"`
	ScanSeconds     int `yaml:"scan_seconds"`
}

// Connectivity policies accepted by LoopConfig.Policy.
const (
	PolicyStrict   = "strict"
	PolicyTolerant = "tolerant"
)

// LoopConfig tunes the orchestrator.
type LoopConfig struct {
	Tick time.Duration `yaml:"tick"`
	// Policy is "strict" (link loss resets the node) or "tolerant"
	// (link loss waits GraceWindow, then reconnects).
	Policy       string        `yaml:"policy"`
	GraceWindow  time.Duration `yaml:"grace_window"`
	RestartDelay time.Duration `yaml:"restart_delay"`
}

// MetricsConfig defines the optional Prometheus endpoint.
type MetricsConfig struct {
	Listen string `yaml:"listen"` // Empty disables the endpoint
	Path   string `yaml:"path"`
}

// Load reads configuration from a YAML file. A .env file in the same
// directory, if present, is loaded into the process environment first so
// that credentials can stay out of the YAML. Variables already set in the
// environment win over the .env file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	envPath := filepath.Join(filepath.Dir(path), ".env")
	if err := godotenv.Load(envPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load %s: %w", envPath, err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a default configuration. Load starts from these
// values, so any key omitted from the file keeps its default.
func Default() *Config {
	return &Config{
		Program:   DefaultProgram,
		DataDir:   "./data",
		LogLevel:  "info",
		LogFormat: LogFormatText,
		Device: DeviceConfig{
			Manufacturer: "mvdschee",
			Model:        "LD2410S",
		},
		Network: NetworkConfig{
			ConnectTimeout: 60 * time.Second,
		},
		MQTT: MQTTConfig{
			KeepAliveSec:     30,
			ConnectTimeout:   30 * time.Second,
			CommandRateLimit: 30,
		},
		Sensor: SensorConfig{
			Device:      "/dev/ttyUSB0",
			BaudRate:    115200,
			ReadTimeout: 50 * time.Millisecond,
			InitTimeout: 10 * time.Second,
			Reporting: ReportingConfig{
				DistanceHz:    8,
				StatusHz:      8,
				ResponseSpeed: ResponseFast,
			},
			Calibration: CalibrationConfig{
				TriggerFactor:   2,
				RetentionFactor: 1,
				ScanSeconds:     120,
			},
		},
		Loop: LoopConfig{
			Tick:         250 * time.Millisecond,
			Policy:       PolicyTolerant,
			GraceWindow:  10 * time.Minute,
			RestartDelay: 5 * time.Second,
		},
		Metrics: MetricsConfig{
			Path: "/metrics",
		},
	}
}

// Validate checks the configuration for values the node cannot run
// with. All problems are reported together.
func (c *Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.Program) == "" {
		errs = append(errs, errors.New("program must not be empty"))
	}
	if strings.ContainsAny(c.Program, "/#+") {
		errs = append(errs, fmt.Errorf("program %q must not contain MQTT topic separators or wildcards", c.Program))
	}
	if strings.ContainsAny(c.Device.ID, "/#+ ") {
		errs = append(errs, fmt.Errorf("device.id %q must not contain spaces, separators or wildcards", c.Device.ID))
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.LogFormat != "" && c.LogFormat != LogFormatText && c.LogFormat != LogFormatJSON {
		errs = append(errs, fmt.Errorf("log_format %q must be text or json", c.LogFormat))
	}

	if !c.MQTT.Configured() {
		errs = append(errs, errors.New("mqtt.broker is required"))
	} else if u, err := url.Parse(c.MQTT.Broker); err != nil || u.Host == "" {
		errs = append(errs, fmt.Errorf("mqtt.broker %q is not a valid URL", c.MQTT.Broker))
	}
	if c.MQTT.KeepAliveSec < 0 || c.MQTT.KeepAliveSec > 65535 {
		errs = append(errs, fmt.Errorf("mqtt.keepalive_sec %d out of range", c.MQTT.KeepAliveSec))
	}
	if c.MQTT.ConnectTimeout <= 0 {
		errs = append(errs, errors.New("mqtt.connect_timeout must be positive"))
	}
	if c.MQTT.CommandRateLimit < 0 {
		errs = append(errs, errors.New("mqtt.command_rate_limit must not be negative"))
	}

	if c.Network.ConnectTimeout <= 0 {
		errs = append(errs, errors.New("network.connect_timeout must be positive"))
	}

	if c.Sensor.Device == "" {
		errs = append(errs, errors.New("sensor.device is required"))
	}
	if c.Sensor.BaudRate <= 0 {
		errs = append(errs, errors.New("sensor.baud_rate must be positive"))
	}
	if c.Sensor.ReadTimeout <= 0 {
		errs = append(errs, errors.New("sensor.read_timeout must be positive"))
	}
	if c.Sensor.InitTimeout <= 0 {
		errs = append(errs, errors.New("sensor.init_timeout must be positive"))
	}
	if !validReportHz(c.Sensor.Reporting.DistanceHz) {
		errs = append(errs, fmt.Errorf("sensor.reporting.distance_hz %v must be a multiple of 0.5 between 0.5 and 8", c.Sensor.Reporting.DistanceHz))
	}
	if !validReportHz(c.Sensor.Reporting.StatusHz) {
		errs = append(errs, fmt.Errorf("sensor.reporting.status_hz %v must be a multiple of 0.5 between 0.5 and 8", c.Sensor.Reporting.StatusHz))
	}
	switch c.Sensor.Reporting.ResponseSpeed {
	case ResponseNormal, ResponseFast:
	default:
		errs = append(errs, fmt.Errorf("sensor.reporting.response_speed %d must be %d (normal) or %d (fast)",
			c.Sensor.Reporting.ResponseSpeed, ResponseNormal, ResponseFast))
	}

	if c.Loop.Tick <= 0 {
		errs = append(errs, errors.New("loop.tick must be positive"))
	}
	switch c.Loop.Policy {
	case PolicyStrict:
	case PolicyTolerant:
		if c.Loop.GraceWindow <= 0 {
			errs = append(errs, errors.New("loop.grace_window must be positive for the tolerant policy"))
		}
	default:
		errs = append(errs, fmt.Errorf("loop.policy %q must be %q or %q", c.Loop.Policy, PolicyStrict, PolicyTolerant))
	}
	if c.Loop.RestartDelay < 0 {
		errs = append(errs, errors.New("loop.restart_delay must not be negative"))
	}

	if c.Metrics.Listen != "" && !strings.HasPrefix(c.Metrics.Path, "/") {
		errs = append(errs, fmt.Errorf("metrics.path %q must start with /", c.Metrics.Path))
	}

	return errors.Join(errs...)
}

// validReportHz reports whether hz is a rate the module accepts.
func validReportHz(hz float64) bool {
	return hz >= 0.5 && hz <= 8 && hz*2 == float64(int(hz*2))
}
