package report

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/nugget/presence-node/internal/config"
	"github.com/nugget/presence-node/internal/identity"
	"github.com/nugget/presence-node/internal/metrics"
	"github.com/nugget/presence-node/internal/presence"
)

type publish struct {
	topic   string
	payload string
}

// fakeTransport records publishes. failOn, when set, decides per call
// whether the publish fails.
type fakeTransport struct {
	published  []publish
	attempts   int
	failOn     func(attempt int, topic string) bool
	subscribes int
}

var errBroken = errors.New("session broken")

func (f *fakeTransport) Publish(_ context.Context, topic string, payload []byte) error {
	f.attempts++
	if f.failOn != nil && f.failOn(f.attempts, topic) {
		return errBroken
	}
	f.published = append(f.published, publish{topic, string(payload)})
	return nil
}

func (f *fakeTransport) SubscribeCommands(context.Context) error {
	f.subscribes++
	return nil
}

var testDevice = identity.Device{ID: "a1b2c3", Program: "presence_detection"}

func testDeviceConfig() config.DeviceConfig {
	return config.DeviceConfig{Manufacturer: "mvdschee", Model: "LD2410S"}
}

func newTestReporter(tr *fakeTransport) *Reporter {
	return New(tr, testDevice, testDeviceConfig(), nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestReport_DedupOnChange(t *testing.T) {
	tr := &fakeTransport{}
	r := newTestReporter(tr)

	readings := []presence.Reading{
		{Occupied: true, Distance: 120},
		{Occupied: true, Distance: 120},
		{Occupied: false, Distance: 0},
		{Occupied: false, Distance: 0},
		{Occupied: true, Distance: 50},
	}
	for _, rd := range readings {
		if err := r.Report(context.Background(), rd); err != nil {
			t.Fatalf("Report(%+v) error = %v", rd, err)
		}
	}

	want := []string{
		`{"occupied":true,"distance":120}`,
		`{"occupied":false,"distance":0}`,
		`{"occupied":true,"distance":50}`,
	}
	if len(tr.published) != len(want) {
		t.Fatalf("published %d times, want %d: %+v", len(tr.published), len(want), tr.published)
	}
	for i, w := range want {
		if tr.published[i].payload != w {
			t.Errorf("payload[%d] = %s, want %s", i, tr.published[i].payload, w)
		}
		if tr.published[i].topic != "presence_detection/a1b2c3/state" {
			t.Errorf("topic[%d] = %s", i, tr.published[i].topic)
		}
	}
}

func TestReport_IdenticalRunPublishesOnce(t *testing.T) {
	tr := &fakeTransport{}
	r := newTestReporter(tr)

	rd := presence.Reading{Occupied: true, Distance: 75}
	for range 50 {
		if err := r.Report(context.Background(), rd); err != nil {
			t.Fatalf("Report() error = %v", err)
		}
	}
	if len(tr.published) != 1 {
		t.Errorf("published %d times for 50 identical readings, want 1", len(tr.published))
	}
}

func TestReport_FailureDoesNotPoisonCache(t *testing.T) {
	tr := &fakeTransport{}
	r := newTestReporter(tr)

	before := presence.Reading{Occupied: false, Distance: 0}
	if err := r.Report(context.Background(), before); err != nil {
		t.Fatalf("Report() error = %v", err)
	}

	tr.failOn = func(int, string) bool { return true }
	rd := presence.Reading{Occupied: true, Distance: 120}
	if err := r.Report(context.Background(), rd); !errors.Is(err, errBroken) {
		t.Fatalf("Report() error = %v, want wrapped transport error", err)
	}
	if last, ok := r.LastReported(); !ok || last != before {
		t.Errorf("LastReported() = %+v, %v; want %+v unchanged", last, ok, before)
	}

	tr.failOn = nil
	attempts := tr.attempts
	if err := r.Report(context.Background(), rd); err != nil {
		t.Fatalf("retry Report() error = %v", err)
	}
	if tr.attempts != attempts+1 {
		t.Error("identical reading after a failed publish was treated as a duplicate")
	}
	if last, _ := r.LastReported(); last != rd {
		t.Errorf("LastReported() = %+v, want %+v", last, rd)
	}
}

func TestReport_FirstFailureLeavesNoState(t *testing.T) {
	tr := &fakeTransport{failOn: func(int, string) bool { return true }}
	r := newTestReporter(tr)

	if err := r.Report(context.Background(), presence.Reading{Occupied: true, Distance: 1}); err == nil {
		t.Fatal("Report() = nil, want error")
	}
	if _, ok := r.LastReported(); ok {
		t.Error("LastReported() reports state after the only publish failed")
	}
}

func TestReport_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	r := New(&fakeTransport{}, testDevice, testDeviceConfig(), m, nil)

	rd := presence.Reading{Occupied: true, Distance: 200}
	r.Report(context.Background(), rd)
	r.Report(context.Background(), rd)

	if got := testutil.ToFloat64(m.DedupSkipped); got != 1 {
		t.Errorf("dedup skipped = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.DistanceCM); got != 200 {
		t.Errorf("distance gauge = %v, want 200", got)
	}
}

func TestRegister_Payloads(t *testing.T) {
	tr := &fakeTransport{}
	r := newTestReporter(tr)

	if err := r.Register(context.Background()); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	wantTopics := []string{
		"homeassistant/binary_sensor/a1b2c3_occupancy/config",
		"homeassistant/sensor/a1b2c3_distance/config",
		"homeassistant/button/a1b2c3_calibrate/config",
		"homeassistant/button/a1b2c3_restart/config",
	}
	if len(tr.published) != len(wantTopics) {
		t.Fatalf("published %d discovery payloads, want %d", len(tr.published), len(wantTopics))
	}

	for i, want := range wantTopics {
		if tr.published[i].topic != want {
			t.Errorf("topic[%d] = %s, want %s", i, tr.published[i].topic, want)
		}
	}

	var occupancy map[string]any
	if err := json.Unmarshal([]byte(tr.published[0].payload), &occupancy); err != nil {
		t.Fatalf("occupancy payload is not JSON: %v", err)
	}
	if occupancy["state_topic"] != "presence_detection/a1b2c3/state" {
		t.Errorf("state_topic = %v", occupancy["state_topic"])
	}
	if occupancy["unique_id"] != "a1b2c3_occupancy" {
		t.Errorf("unique_id = %v", occupancy["unique_id"])
	}
	if occupancy["device_class"] != "motion" {
		t.Errorf("device_class = %v", occupancy["device_class"])
	}
	if _, ok := occupancy["command_topic"]; ok {
		t.Error("binary_sensor payload carries a command_topic")
	}

	device, _ := occupancy["device"].(map[string]any)
	if device["name"] != "presence detection a1b2c3" {
		t.Errorf("device.name = %v", device["name"])
	}
	if ids, _ := device["identifiers"].([]any); len(ids) != 1 || ids[0] != "presence_detection_a1b2c3" {
		t.Errorf("device.identifiers = %v", device["identifiers"])
	}
	if device["manufacturer"] != "mvdschee" || device["model"] != "LD2410S" {
		t.Errorf("device manufacturer/model = %v/%v", device["manufacturer"], device["model"])
	}

	var restart map[string]any
	json.Unmarshal([]byte(tr.published[3].payload), &restart)
	if restart["command_topic"] != "presence_detection/a1b2c3/cmd" || restart["payload_press"] != "restart" {
		t.Errorf("restart button = %v", restart)
	}
	if _, ok := restart["state_topic"]; ok {
		t.Error("button payload carries a state_topic")
	}

	var distance map[string]any
	json.Unmarshal([]byte(tr.published[1].payload), &distance)
	if distance["unit_of_measurement"] != "cm" || distance["state_class"] != "measurement" {
		t.Errorf("distance sensor = %v", distance)
	}
}

func TestRegister_AbortsOnFirstFailure(t *testing.T) {
	tr := &fakeTransport{failOn: func(attempt int, _ string) bool { return attempt == 2 }}
	r := newTestReporter(tr)

	err := r.Register(context.Background())
	if !errors.Is(err, errBroken) {
		t.Fatalf("Register() error = %v, want wrapped transport error", err)
	}
	if tr.attempts != 2 {
		t.Errorf("publish attempts = %d, want 2 (abort after the failure)", tr.attempts)
	}
}

func TestSubscribeCommands_Delegates(t *testing.T) {
	tr := &fakeTransport{}
	r := newTestReporter(tr)
	if err := r.SubscribeCommands(context.Background()); err != nil {
		t.Fatalf("SubscribeCommands() error = %v", err)
	}
	if tr.subscribes != 1 {
		t.Errorf("subscribes = %d, want 1", tr.subscribes)
	}
}
