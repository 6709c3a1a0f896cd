// Package report turns presence readings into broker publishes: a
// deduplicated state topic and the one-time Home Assistant discovery
// registration.
package report

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nugget/presence-node/internal/config"
	"github.com/nugget/presence-node/internal/identity"
	"github.com/nugget/presence-node/internal/metrics"
	"github.com/nugget/presence-node/internal/mqtt"
	"github.com/nugget/presence-node/internal/presence"
)

// Transport is the broker session the reporter publishes through.
// [mqtt.Bridge] satisfies it.
type Transport interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	SubscribeCommands(ctx context.Context) error
}

// Reporter publishes presence state and discovery payloads. It is not
// safe for concurrent use; the orchestrator is its only caller.
type Reporter struct {
	transport Transport
	device    identity.Device
	info      mqtt.DeviceInfo
	metrics   *metrics.Metrics
	logger    *slog.Logger

	// last is the most recent successfully published reading, nil until
	// the first publish succeeds.
	last *presence.Reading
}

// New creates a Reporter for dev publishing through t.
func New(t Transport, dev identity.Device, cfg config.DeviceConfig, m *metrics.Metrics, logger *slog.Logger) *Reporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reporter{
		transport: t,
		device:    dev,
		info:      mqtt.NewDeviceInfo(dev, cfg),
		metrics:   m,
		logger:    logger,
	}
}

// Report publishes r to the state topic unless it equals the last
// published reading. The dedup cache is updated only after the publish
// succeeds, so a failed reading is retried on the next call.
func (r *Reporter) Report(ctx context.Context, reading presence.Reading) error {
	if r.last != nil && *r.last == reading {
		r.metrics.Deduplicated()
		return nil
	}

	payload, err := json.Marshal(reading)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	topic := r.device.StateTopic()
	err = r.transport.Publish(ctx, topic, payload)
	r.metrics.Published("state", err)
	if err != nil {
		return fmt.Errorf("report state: %w", err)
	}

	r.last = &reading
	r.metrics.StateReported(reading.Occupied, reading.Distance)
	r.logger.Debug("presence state published",
		"occupied", reading.Occupied,
		"distance", reading.Distance,
		"topic", topic,
	)
	return nil
}

// LastReported returns the last successfully published reading.
func (r *Reporter) LastReported() (presence.Reading, bool) {
	if r.last == nil {
		return presence.Reading{}, false
	}
	return *r.last, true
}

// SubscribeCommands (re-)subscribes to the command topic.
func (r *Reporter) SubscribeCommands(ctx context.Context) error {
	return r.transport.SubscribeCommands(ctx)
}

// entity is one discovery registration.
type entity struct {
	component string // binary_sensor, sensor, button
	key       string
	config    mqtt.EntityConfig
}

func (r *Reporter) entities() []entity {
	state := r.device.StateTopic()
	cmd := r.device.CommandTopic()
	return []entity{
		{
			component: "binary_sensor",
			key:       "occupancy",
			config: mqtt.EntityConfig{
				Name:          "Occupancy",
				UniqueID:      r.device.UniqueID("occupancy"),
				StateTopic:    state,
				ValueTemplate: "{{ 'ON' if value_json.occupied else 'OFF' }}",
				DeviceClass:   "motion",
				Device:        r.info,
			},
		},
		{
			component: "sensor",
			key:       "distance",
			config: mqtt.EntityConfig{
				Name:              "Distance",
				UniqueID:          r.device.UniqueID("distance"),
				StateTopic:        state,
				ValueTemplate:     "{{ value_json.distance }}",
				DeviceClass:       "distance",
				StateClass:        "measurement",
				UnitOfMeasurement: "cm",
				Device:            r.info,
			},
		},
		{
			component: "button",
			key:       "calibrate",
			config: mqtt.EntityConfig{
				Name:         "Calibrate Sensor",
				UniqueID:     r.device.UniqueID("calibrate"),
				CommandTopic: cmd,
				PayloadPress: "calibrate",
				Icon:         "mdi:target",
				Device:       r.info,
			},
		},
		{
			component: "button",
			key:       "restart",
			config: mqtt.EntityConfig{
				Name:         "Restart Device",
				UniqueID:     r.device.UniqueID("restart"),
				CommandTopic: cmd,
				PayloadPress: "restart",
				DeviceClass:  "restart",
				Device:       r.info,
			},
		},
	}
}

// Register publishes the four discovery payloads. It stops at the first
// failure and returns it; the caller treats that as fatal.
func (r *Reporter) Register(ctx context.Context) error {
	for _, e := range r.entities() {
		topic := r.device.DiscoveryTopic(e.component, e.key)
		payload, err := json.Marshal(e.config)
		if err != nil {
			return fmt.Errorf("marshal discovery %s: %w", e.key, err)
		}

		err = r.transport.Publish(ctx, topic, payload)
		r.metrics.Published("discovery", err)
		if err != nil {
			return fmt.Errorf("register %s: %w", e.key, err)
		}
		r.logger.Debug("mqtt discovery published", "entity", e.key, "topic", topic)
	}

	r.logger.Info("registered entities with Home Assistant", "device_id", r.device.ID)
	return nil
}
