package presence

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"go.bug.st/serial"

	"github.com/nugget/presence-node/internal/config"
)

// ackTimeout bounds how long a configuration command waits for the
// module's ACK.
const ackTimeout = 2 * time.Second

// readChunk is the size of each serial read. A standard data frame is
// 80 bytes; at the fastest 8 Hz report rate a 250ms tick accumulates
// well under this.
const readChunk = 512

// Port is the serial link to the module. [serial.Port] satisfies it.
type Port interface {
	io.ReadWriteCloser
}

// Sensor drives one LD2410S module. Methods must be called from a
// single goroutine; the orchestrator is its only user.
type Sensor struct {
	port   Port
	cfg    config.SensorConfig
	logger *slog.Logger

	dec  decoder
	rbuf []byte
	// latest holds a data frame decoded while waiting for an ACK, so a
	// calibrate command does not swallow the next poll's reading.
	latest *Reading

	closeOnce sync.Once
}

// Open opens the serial device named in cfg and wraps it in a Sensor.
// The port read timeout is set to cfg.ReadTimeout so [Sensor.Measure]
// never blocks a tick for longer than that.
func Open(cfg config.SensorConfig, logger *slog.Logger) (*Sensor, error) {
	port, err := serial.Open(cfg.Device, &serial.Mode{
		BaudRate: cfg.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("open serial %s: %w", cfg.Device, err)
	}
	if err := port.SetReadTimeout(cfg.ReadTimeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("set read timeout on %s: %w", cfg.Device, err)
	}
	if err := port.ResetInputBuffer(); err != nil {
		logger.Debug("serial input flush failed", "device", cfg.Device, "error", err)
	}
	return New(port, cfg, logger), nil
}

// New wraps an already-open port. Reads on port must time out rather
// than block indefinitely. Only the reporting and calibration settings
// of cfg are used.
func New(port Port, cfg config.SensorConfig, logger *slog.Logger) *Sensor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sensor{
		port:   port,
		cfg:    cfg,
		logger: logger,
		rbuf:   make([]byte, readChunk),
	}
}

// setting is one configuration write performed by Init.
type setting struct {
	name  string
	cmd   uint16
	value []byte
}

// settings lists the writes Init performs, in order.
func (s *Sensor) settings() []setting {
	r := s.cfg.Reporting
	return []setting{
		{"output_mode", cmdOutputMode, paramValue(0x0000, outputStandard)},
		{"distance_hz", cmdWriteParams, paramValue(paramDistanceHz, tenthsHz(r.DistanceHz))},
		{"status_hz", cmdWriteParams, paramValue(paramStatusHz, tenthsHz(r.StatusHz))},
		{"response_speed", cmdWriteParams, paramValue(paramResponseSpeed, uint32(r.ResponseSpeed))},
	}
}

// Init enters configuration mode, selects standard output, writes the
// report rates and response speed, and leaves configuration mode. The
// handshake must be acknowledged; a refused setting leaves the module's
// previous value in place and is only logged.
func (s *Sensor) Init(ctx context.Context) error {
	if err := s.command(ctx, cmdEnableConfig, le16s(0x0001)); err != nil {
		return fmt.Errorf("sensor init: %w", err)
	}
	for _, st := range s.settings() {
		err := s.command(ctx, st.cmd, st.value)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("sensor init: %w", ctxErr)
		}
		if err != nil {
			s.logger.Warn("sensor setting not applied", "setting", st.name, "error", err)
		}
	}
	if err := s.command(ctx, cmdEndConfig, nil); err != nil {
		return fmt.Errorf("sensor init: %w", err)
	}
	s.logger.Info("presence sensor initialized",
		"distance_hz", s.cfg.Reporting.DistanceHz,
		"status_hz", s.cfg.Reporting.StatusHz,
		"response_speed", s.cfg.Reporting.ResponseSpeed,
	)
	return nil
}

// Calibrate starts the module's automatic threshold scan. The module
// scans for ScanSeconds on its own; Calibrate returns once the command
// is acknowledged. The room should be empty for the duration.
func (s *Sensor) Calibrate(ctx context.Context) error {
	if err := s.command(ctx, cmdEnableConfig, le16s(0x0001)); err != nil {
		return fmt.Errorf("calibrate: %w", err)
	}
	cal := s.cfg.Calibration
	err := s.command(ctx, cmdAutoThreshold, le16s(
		uint16(cal.TriggerFactor),
		uint16(cal.RetentionFactor),
		uint16(cal.ScanSeconds),
	))
	// Always try to leave config mode; the module stops streaming data
	// frames while in it.
	if endErr := s.command(ctx, cmdEndConfig, nil); endErr != nil && err == nil {
		err = endErr
	}
	if err != nil {
		return fmt.Errorf("calibrate: %w", err)
	}
	s.logger.Info("sensor calibration started",
		"scan_seconds", cal.ScanSeconds,
		"trigger_factor", cal.TriggerFactor,
		"retention_factor", cal.RetentionFactor,
	)
	return nil
}

// Measure drains the bytes currently available on the link and returns
// the most recent reading. It returns [ErrNoReading] when no complete
// data frame arrived.
func (s *Sensor) Measure(ctx context.Context) (Reading, error) {
	if err := ctx.Err(); err != nil {
		return Reading{}, err
	}

	// A full read buffer means more may be waiting; keep reading until
	// a short read.
	for {
		n, err := s.fill()
		if err != nil {
			return Reading{}, fmt.Errorf("read sensor: %w", err)
		}
		if n < len(s.rbuf) {
			break
		}
	}

	latest := s.latest
	s.latest = nil
	for {
		f, ok := s.dec.next()
		if !ok {
			break
		}
		if f.kind == frameData {
			r := f.reading
			latest = &r
		}
	}

	if latest == nil {
		return Reading{}, ErrNoReading
	}
	return *latest, nil
}

// Close releases the serial port.
func (s *Sensor) Close() error {
	var err error
	s.closeOnce.Do(func() { err = s.port.Close() })
	return err
}

// fill performs one read from the port into the decoder.
func (s *Sensor) fill() (int, error) {
	n, err := s.port.Read(s.rbuf)
	if n > 0 {
		s.logger.Log(context.Background(), config.LevelTrace, "sensor bytes read",
			"bytes", fmt.Sprintf("% x", s.rbuf[:n]))
		s.dec.write(s.rbuf[:n])
	}
	if errors.Is(err, io.EOF) {
		err = nil
	}
	return n, err
}

// command writes one command frame and waits for its ACK. Data frames
// seen while waiting are kept for the next Measure.
func (s *Sensor) command(ctx context.Context, cmd uint16, value []byte) error {
	if _, err := s.port.Write(encodeCommand(cmd, value)); err != nil {
		return fmt.Errorf("write command 0x%04x: %w", cmd, err)
	}

	deadline := time.Now().Add(ackTimeout)
	for {
		for {
			f, ok := s.dec.next()
			if !ok {
				break
			}
			switch f.kind {
			case frameData:
				r := f.reading
				s.latest = &r
			case frameAck:
				if f.command != cmd {
					continue
				}
				if f.status != 0 {
					return fmt.Errorf("command 0x%04x rejected with status 0x%04x", cmd, f.status)
				}
				return nil
			}
		}

		if err := ctx.Err(); err != nil {
			return err
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("command 0x%04x: no ACK within %s", cmd, ackTimeout)
		}
		if _, err := s.fill(); err != nil {
			return fmt.Errorf("command 0x%04x: %w", cmd, err)
		}
	}
}
