package main

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nugget/presence-node/internal/backoff"
	"github.com/nugget/presence-node/internal/config"
	"github.com/nugget/presence-node/internal/presence"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestRun_Usage(t *testing.T) {
	for _, args := range [][]string{nil, {"-h"}, {"--help"}} {
		var out bytes.Buffer
		if err := run(context.Background(), &out, &out, args); err != nil {
			t.Fatalf("run(%v) error = %v", args, err)
		}
		if !strings.Contains(out.String(), "Usage: presenced") {
			t.Errorf("run(%v) output missing usage: %s", args, out.String())
		}
	}
}

func TestRun_Errors(t *testing.T) {
	tests := []struct {
		args    []string
		wantErr string
	}{
		{[]string{"bogus"}, "unknown command: bogus"},
		{[]string{"-x", "serve"}, "unknown flag: -x"},
		{[]string{"-o", "yaml", "version"}, "unknown output format"},
		{[]string{"-config", "/nonexistent/config.yaml", "serve"}, "config file not found"},
	}
	for _, tt := range tests {
		var out bytes.Buffer
		err := run(context.Background(), &out, &out, tt.args)
		if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
			t.Errorf("run(%v) error = %v, want %q", tt.args, err, tt.wantErr)
		}
	}
}

func TestRun_Version(t *testing.T) {
	var out bytes.Buffer
	if err := run(context.Background(), &out, &out, []string{"version"}); err != nil {
		t.Fatalf("version error = %v", err)
	}
	if !strings.Contains(out.String(), "presenced") || !strings.Contains(out.String(), "go_version:") {
		t.Errorf("version output = %s", out.String())
	}

	out.Reset()
	if err := run(context.Background(), &out, &out, []string{"-o", "json", "version"}); err != nil {
		t.Fatalf("version json error = %v", err)
	}
	var info map[string]string
	if err := json.Unmarshal(out.Bytes(), &info); err != nil {
		t.Fatalf("version json not decodable: %v", err)
	}
	if info["version"] == "" {
		t.Error("version json missing version")
	}
}

func TestRun_Identity(t *testing.T) {
	path := writeConfig(t, "device:\n  id: a1b2c3\n")

	var out bytes.Buffer
	if err := run(context.Background(), &out, &out, []string{"-config", path, "-o", "json", "identity"}); err != nil {
		t.Fatalf("identity error = %v", err)
	}

	var rep identityReport
	if err := json.Unmarshal(out.Bytes(), &rep); err != nil {
		t.Fatalf("identity json not decodable: %v", err)
	}
	if rep.DeviceID != "a1b2c3" || rep.Source != "config" {
		t.Errorf("device = %s (%s), want a1b2c3 (config)", rep.DeviceID, rep.Source)
	}
	if rep.StateTopic != "presence_detection/a1b2c3/state" {
		t.Errorf("state topic = %s", rep.StateTopic)
	}
	if rep.CommandTopic != "presence_detection/a1b2c3/cmd" {
		t.Errorf("command topic = %s", rep.CommandTopic)
	}
	if len(rep.DiscoveryTopics) != 4 || rep.DiscoveryTopics[0] != "homeassistant/binary_sensor/a1b2c3_occupancy/config" {
		t.Errorf("discovery topics = %v", rep.DiscoveryTopics)
	}

	out.Reset()
	if err := run(context.Background(), &out, &out, []string{"-config=" + path, "identity"}); err != nil {
		t.Fatalf("identity text error = %v", err)
	}
	if !strings.Contains(out.String(), "a1b2c3 (config)") {
		t.Errorf("identity text output = %s", out.String())
	}
}

func TestRunServe_InvalidConfig(t *testing.T) {
	path := writeConfig(t, "loop:\n  policy: sometimes\n")

	var out bytes.Buffer
	err := run(context.Background(), &out, &out, []string{"-config", path, "serve"})
	if err == nil {
		t.Fatal("serve with invalid config should error")
	}
	for _, want := range []string{"mqtt.broker is required", "loop.policy"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error = %v, want it to mention %q", err, want)
		}
	}
}

func TestAcquireSensor_GivesUpWhenCancelled(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	cfg := config.Default().Sensor
	cfg.Device = filepath.Join(t.TempDir(), "no-such-tty")

	if _, err := acquireSensor(ctx, cfg, backoff.DefaultConfig(), presence.Open, config.NewLogger(&bytes.Buffer{}, config.LevelTrace, config.LogFormatText)); err == nil {
		t.Fatal("acquireSensor() on a missing device should fail once ctx ends")
	}
}

// serialStub stands in for a serial port. When ack is set every command
// frame written is answered with a success ACK; otherwise the module
// stays silent. Reads time out like a serial port with a read timeout.
type serialStub struct {
	mu     sync.Mutex
	ack    bool
	rx     bytes.Buffer
	closed bool
}

func (p *serialStub) Read(b []byte) (int, error) {
	p.mu.Lock()
	n, _ := p.rx.Read(b)
	p.mu.Unlock()
	if n == 0 {
		time.Sleep(time.Millisecond)
		return 0, io.EOF
	}
	return n, nil
}

func (p *serialStub) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ack && len(b) >= 8 {
		cmd := binary.LittleEndian.Uint16(b[6:8])
		p.rx.Write([]byte{0xFD, 0xFC, 0xFB, 0xFA, 0x04, 0x00})
		p.rx.Write(binary.LittleEndian.AppendUint16(nil, cmd|0x0100))
		p.rx.Write([]byte{0x00, 0x00, 0x04, 0x03, 0x02, 0x01})
	}
	return len(b), nil
}

func (p *serialStub) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func TestAcquireSensor_ReopensStalledModule(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cfg := config.Default().Sensor
	cfg.InitTimeout = 50 * time.Millisecond
	retry := backoff.Config{InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}

	var ports []*serialStub
	open := func(cfg config.SensorConfig, logger *slog.Logger) (*presence.Sensor, error) {
		p := &serialStub{ack: len(ports) > 0}
		ports = append(ports, p)
		return presence.New(p, cfg, logger), nil
	}

	start := time.Now()
	sensor, err := acquireSensor(ctx, cfg, retry, open, config.NewLogger(&bytes.Buffer{}, slog.LevelInfo, config.LogFormatText))
	if err != nil {
		t.Fatalf("acquireSensor() error = %v", err)
	}
	defer sensor.Close()

	if len(ports) != 2 {
		t.Fatalf("opened %d ports, want 2", len(ports))
	}
	if !ports[0].closed {
		t.Error("stalled port was not closed before reopening")
	}
	if ports[1].closed {
		t.Error("acquired port was closed")
	}
	// A single command waits up to two seconds for its ACK; the init
	// timeout must cut the silent attempt short well before that.
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("acquire took %v, want the stalled attempt abandoned after init_timeout", elapsed)
	}
}
