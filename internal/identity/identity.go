// Package identity derives the node's device ID, which namespaces every
// MQTT topic and every Home Assistant unique_id.
//
// The ID is the last three bytes of a hardware MAC address in lowercase
// hex ("a1b2c3"), so it is stable across reinstalls on the same unit and
// distinct across units. Hosts without a usable hardware address fall
// back to a UUIDv7 persisted in the data directory.
package identity

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/nugget/presence-node/internal/config"
)

// Device is the immutable identity of one node. It is resolved once at
// startup and survives node resets.
type Device struct {
	// ID is the per-unit suffix used verbatim in topics.
	ID string
	// Program is the topic namespace, e.g. "presence_detection".
	Program string
}

// Source reports how an ID was obtained, for logging.
type Source string

const (
	SourceConfig   Source = "config"
	SourceHardware Source = "hardware"
	SourceInstance Source = "instance_file"
)

// ErrNoHardwareAddr is returned when no interface qualifies for
// automatic selection.
var ErrNoHardwareAddr = errors.New("no interface with a hardware address")

// Resolve determines the device identity. An explicit cfg.ID wins; then
// the MAC of cfg.Interface, or of the first interface that looks like
// real hardware; then the persisted instance ID in dataDir.
func Resolve(cfg config.DeviceConfig, program, dataDir string) (Device, Source, error) {
	return resolve(cfg, program, dataDir, net.Interfaces)
}

func resolve(cfg config.DeviceConfig, program, dataDir string, list func() ([]net.Interface, error)) (Device, Source, error) {
	if cfg.ID != "" {
		return Device{ID: cfg.ID, Program: program}, SourceConfig, nil
	}

	mac, err := hardwareAddr(cfg.Interface, list)
	if err == nil {
		return Device{ID: SuffixFromMAC(mac), Program: program}, SourceHardware, nil
	}
	if cfg.Interface != "" {
		// A named interface that is missing is a misconfiguration, not a
		// reason to silently mint a new identity.
		return Device{}, "", err
	}

	id, ierr := instanceSuffix(dataDir)
	if ierr != nil {
		return Device{}, "", fmt.Errorf("derive device id: %w", errors.Join(err, ierr))
	}
	return Device{ID: id, Program: program}, SourceInstance, nil
}

// hardwareAddr finds the MAC address to derive the ID from. Without a
// name, interfaces that are down or loopback are skipped, as are
// locally administered addresses: docker bridges and veth pairs get
// random ones that change across reboots. Hosts where interface order
// is not stable should set device.interface.
func hardwareAddr(name string, list func() ([]net.Interface, error)) (net.HardwareAddr, error) {
	ifaces, err := list()
	if err != nil {
		return nil, fmt.Errorf("list interfaces: %w", err)
	}

	for _, iface := range ifaces {
		if name != "" {
			if iface.Name != name {
				continue
			}
			if len(iface.HardwareAddr) < 3 {
				return nil, fmt.Errorf("interface %s has no hardware address", name)
			}
			return iface.HardwareAddr, nil
		}
		if !stableHardware(iface) {
			continue
		}
		return iface.HardwareAddr, nil
	}

	if name != "" {
		return nil, fmt.Errorf("interface %s not found", name)
	}
	return nil, ErrNoHardwareAddr
}

// stableHardware reports whether iface is a candidate for automatic
// selection.
func stableHardware(iface net.Interface) bool {
	if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
		return false
	}
	mac := iface.HardwareAddr
	// Bit 1 of the first octet marks a locally administered address.
	return len(mac) >= 3 && mac[0]&0x02 == 0
}

// SuffixFromMAC returns the last three bytes of mac as lowercase hex.
func SuffixFromMAC(mac net.HardwareAddr) string {
	if len(mac) < 3 {
		return hex.EncodeToString(mac)
	}
	return hex.EncodeToString(mac[len(mac)-3:])
}

// StateTopic is where presence state is published.
func (d Device) StateTopic() string {
	return d.Program + "/" + d.ID + "/state"
}

// CommandTopic is where the node receives commands.
func (d Device) CommandTopic() string {
	return d.Program + "/" + d.ID + "/cmd"
}

// DiscoveryTopic is the Home Assistant discovery config topic for one
// entity, e.g. homeassistant/binary_sensor/a1b2c3_occupancy/config.
func (d Device) DiscoveryTopic(component, entity string) string {
	return "homeassistant/" + component + "/" + d.ID + "_" + entity + "/config"
}

// UniqueID is the Home Assistant unique_id for one entity.
func (d Device) UniqueID(entity string) string {
	return d.ID + "_" + entity
}

// ModelID is the shared device registry identifier.
func (d Device) ModelID() string {
	return d.Program + "_" + d.ID
}

// DisplayName is the default human-readable device name,
// "presence detection a1b2c3".
func (d Device) DisplayName() string {
	return strings.ReplaceAll(d.Program, "_", " ") + " " + d.ID
}
