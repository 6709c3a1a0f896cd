package mqtt

import (
	"github.com/nugget/presence-node/internal/buildinfo"
	"github.com/nugget/presence-node/internal/config"
	"github.com/nugget/presence-node/internal/identity"
)

// DeviceInfo holds the Home Assistant device registry fields shared by
// every discovery payload, so HA groups the entities under one device.
type DeviceInfo struct {
	Name         string   `json:"name"`
	Identifiers  []string `json:"identifiers"`
	Manufacturer string   `json:"manufacturer"`
	Model        string   `json:"model"`
	SWVersion    string   `json:"sw_version,omitempty"`
}

// EntityConfig is the JSON payload of one HA MQTT discovery message.
// Sensors set StateTopic; buttons set CommandTopic and PayloadPress.
type EntityConfig struct {
	Name              string     `json:"name"`
	UniqueID          string     `json:"unique_id"`
	StateTopic        string     `json:"state_topic,omitempty"`
	CommandTopic      string     `json:"command_topic,omitempty"`
	PayloadPress      string     `json:"payload_press,omitempty"`
	ValueTemplate     string     `json:"value_template,omitempty"`
	DeviceClass       string     `json:"device_class,omitempty"`
	StateClass        string     `json:"state_class,omitempty"`
	UnitOfMeasurement string     `json:"unit_of_measurement,omitempty"`
	Icon              string     `json:"icon,omitempty"`
	Device            DeviceInfo `json:"device"`
}

// NewDeviceInfo builds the shared device block. The registry identifier
// is "<program>_<id>"; the name defaults to "<program with spaces> <id>".
func NewDeviceInfo(dev identity.Device, cfg config.DeviceConfig) DeviceInfo {
	name := cfg.Name
	if name == "" {
		name = dev.DisplayName()
	}
	return DeviceInfo{
		Name:         name,
		Identifiers:  []string{dev.ModelID()},
		Manufacturer: cfg.Manufacturer,
		Model:        cfg.Model,
		SWVersion:    buildinfo.SWVersion(),
	}
}
