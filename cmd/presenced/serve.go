package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/nugget/presence-node/internal/backoff"
	"github.com/nugget/presence-node/internal/buildinfo"
	"github.com/nugget/presence-node/internal/config"
	"github.com/nugget/presence-node/internal/identity"
	"github.com/nugget/presence-node/internal/metrics"
	"github.com/nugget/presence-node/internal/mqtt"
	"github.com/nugget/presence-node/internal/network"
	"github.com/nugget/presence-node/internal/node"
	"github.com/nugget/presence-node/internal/presence"
	"github.com/nugget/presence-node/internal/report"
)

// runServe handles the "presenced serve" subcommand. It resolves the
// device identity once, then hands control to the node supervisor,
// which builds, runs and rebuilds the node until SIGINT or SIGTERM.
func runServe(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	logger := config.NewLogger(stdout, slog.LevelInfo, config.LogFormatText)
	logger.Info("starting presenced", "build", buildinfo.Current())

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config %s: %w", cfgPath, err)
	}

	logger = cfg.Logger(stdout)

	logger.Info("config loaded",
		"path", cfgPath,
		"broker", cfg.MQTT.Broker,
		"sensor", cfg.Sensor.Device,
		"policy", cfg.Loop.Policy,
		"tick", cfg.Loop.Tick,
	)

	dev, source, err := identity.Resolve(cfg.Device, cfg.Program, cfg.DataDir)
	if err != nil {
		return fmt.Errorf("resolve identity: %w", err)
	}
	logger.Info("device identity resolved",
		"device_id", dev.ID,
		"source", source,
		"state_topic", dev.StateTopic(),
		"command_topic", dev.CommandTopic(),
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	if cfg.Metrics.Listen != "" {
		srv := metrics.NewServer(cfg.Metrics.Listen, cfg.Metrics.Path, reg, logger.With("component", "metrics"))
		go func() {
			if err := srv.Run(ctx); err != nil {
				logger.Error("metrics endpoint failed", "error", err)
			}
		}()
	}

	sup := node.NewSupervisor(nodeFactory(cfg, dev, m, logger), cfg.Loop.RestartDelay, m, logger.With("component", "supervisor"))
	if err := sup.Run(ctx); err != nil {
		return err
	}

	logger.Info("presenced stopped")
	return nil
}

// nodeFactory builds a fresh node for every supervisor cycle. Nothing
// but dev carries over between cycles.
func nodeFactory(cfg *config.Config, dev identity.Device, m *metrics.Metrics, logger *slog.Logger) node.Factory {
	return func(ctx context.Context) (*node.Orchestrator, error) {
		sensor, err := acquireSensor(ctx, cfg.Sensor, backoff.DefaultConfig(), presence.Open, logger.With("component", "sensor"))
		if err != nil {
			return nil, err
		}

		return node.New(node.Options{
			Policy:      cfg.Loop.Policy,
			GraceWindow: cfg.Loop.GraceWindow,
			Tick:        cfg.Loop.Tick,
			Sensor:      sensor,
			Link:        network.New(cfg.Network, logger.With("component", "network")),
			OpenSession: sessionFactory(cfg, dev, m, logger),
			Metrics:     m,
			Logger:      logger.With("component", "node"),
		}), nil
	}
}

// sensorOpener opens the serial link; presence.Open in production.
type sensorOpener func(config.SensorConfig, *slog.Logger) (*presence.Sensor, error)

// acquireSensor opens and initializes the sensor, retrying with
// backoff until it answers or ctx ends. The node cannot run without it.
// Each attempt is bounded by cfg.InitTimeout; a module that stalls
// mid-handshake is closed and reopened.
func acquireSensor(ctx context.Context, cfg config.SensorConfig, retry backoff.Config, open sensorOpener, logger *slog.Logger) (*presence.Sensor, error) {
	retry.AttemptTimeout = cfg.InitTimeout

	var sensor *presence.Sensor
	err := backoff.Retry(ctx, retry, "sensor acquire", logger, func(ctx context.Context) error {
		s, err := open(cfg, logger)
		if err != nil {
			return err
		}
		if err := s.Init(ctx); err != nil {
			s.Close()
			return err
		}
		sensor = s
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sensor, nil
}

// sessionFactory dials the broker and binds a reporter to the new
// bridge. The bridge is the only holder of the MQTT connection.
func sessionFactory(cfg *config.Config, dev identity.Device, m *metrics.Metrics, logger *slog.Logger) node.SessionFactory {
	return func(ctx context.Context) (*node.Session, error) {
		bridge, err := mqtt.Dial(ctx, cfg.MQTT, dev, m, logger.With("component", "mqtt"))
		if err != nil {
			return nil, err
		}
		return &node.Session{
			Events:   bridge,
			Reporter: report.New(bridge, dev, cfg.Device, m, logger.With("component", "report")),
			Close:    bridge.Close,
		}, nil
	}
}
