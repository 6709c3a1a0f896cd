// Package presence reads occupancy from an HLK-LD2410S mmWave radar
// over a serial link.
//
// The module streams data frames continuously once powered. [Sensor]
// buffers whatever bytes are available on each poll, decodes complete
// frames and reports the most recent one as a [Reading]. Configuration
// commands (enable/end config mode, auto-threshold calibration) are
// request/ACK exchanges on the same link.
package presence

import "errors"

// Reading is one decoded presence report.
type Reading struct {
	Occupied bool `json:"occupied"`
	// Distance to the nearest target in centimetres. Zero means no
	// target or unknown.
	Distance uint16 `json:"distance"`
}

// ErrNoReading is returned by [Sensor.Measure] when no complete data
// frame arrived since the previous poll. It is transient.
var ErrNoReading = errors.New("no presence frame available")
