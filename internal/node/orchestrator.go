// Package node runs the control loop of one presence node: it drains
// broker events, applies the connectivity policy, polls the sensor and
// reports state. A [Supervisor] rebuilds the whole node when the loop
// asks for a reset.
package node

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/nugget/presence-node/internal/config"
	"github.com/nugget/presence-node/internal/metrics"
	"github.com/nugget/presence-node/internal/mqtt"
	"github.com/nugget/presence-node/internal/presence"
)

// PresenceSource is the sensor. [presence.Sensor] satisfies it.
type PresenceSource interface {
	Measure(ctx context.Context) (presence.Reading, error)
	Calibrate(ctx context.Context) error
	Close() error
}

// Link is the network connection. [network.Supervisor] satisfies it.
type Link interface {
	Connect(ctx context.Context) error
	IsConnected() bool
}

// Events is the consumer side of the broker event queue.
type Events interface {
	TryNext() (mqtt.Event, bool)
}

// StateReporter publishes state and discovery. [report.Reporter]
// satisfies it.
type StateReporter interface {
	Report(ctx context.Context, r presence.Reading) error
	Register(ctx context.Context) error
	SubscribeCommands(ctx context.Context) error
}

// Session is one broker session: its event queue, the reporter bound to
// it, and the function that ends it.
type Session struct {
	Events   Events
	Reporter StateReporter
	Close    func(ctx context.Context) error
}

// SessionFactory opens a broker session.
type SessionFactory func(ctx context.Context) (*Session, error)

// ConnectivityState is the orchestrator's view of the link. Zero times
// mean "never" or "not degraded".
type ConnectivityState struct {
	Connected       bool
	LastConnectedAt time.Time
	DownSince       time.Time
}

// Options configures an Orchestrator.
type Options struct {
	Policy      string        // config.PolicyStrict or config.PolicyTolerant
	GraceWindow time.Duration // tolerant only
	Tick        time.Duration

	Sensor      PresenceSource
	Link        Link
	OpenSession SessionFactory

	Metrics *metrics.Metrics
	Logger  *slog.Logger

	// Now is the clock; nil means time.Now.
	Now func() time.Time
}

// Orchestrator owns the sensor, the link and the broker session for one
// node lifetime. It runs on a single goroutine.
type Orchestrator struct {
	policy string
	grace  time.Duration
	tick   time.Duration

	sensor      PresenceSource
	link        Link
	openSession SessionFactory

	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time

	session *Session
	state   ConnectivityState
}

// New creates an Orchestrator. It does not touch the network until
// Start.
func New(opts Options) *Orchestrator {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Policy == "" {
		opts.Policy = config.PolicyTolerant
	}
	return &Orchestrator{
		policy:      opts.Policy,
		grace:       opts.GraceWindow,
		tick:        opts.Tick,
		sensor:      opts.Sensor,
		link:        opts.Link,
		openSession: opts.OpenSession,
		metrics:     opts.Metrics,
		logger:      opts.Logger,
		now:         opts.Now,
	}
}

// State returns the current connectivity state.
func (o *Orchestrator) State() ConnectivityState {
	return o.state
}

// Reporting reports whether a broker session is open.
func (o *Orchestrator) Reporting() bool {
	return o.session != nil
}

func (o *Orchestrator) strict() bool {
	return o.policy == config.PolicyStrict
}

// Start brings up the link and the broker session and registers
// discovery. Under the strict policy any failure is a [*ResetError].
// Under the tolerant policy failures are logged and the loop starts
// with reporting disabled; Step retries after the grace window.
func (o *Orchestrator) Start(ctx context.Context) error {
	if err := o.link.Connect(ctx); err != nil {
		if o.strict() {
			return resetAt(StageConnect, err)
		}
		o.logger.Warn("network unavailable at startup, reporting disabled",
			"grace_window", o.grace, "error", err)
		return nil
	}
	o.state.Connected = true
	o.state.LastConnectedAt = o.now()
	o.metrics.Link(true)

	if stage, err := o.startSession(ctx); err != nil {
		if o.strict() {
			return resetAt(stage, err)
		}
		o.logger.Warn("broker session unavailable at startup, reporting disabled",
			"stage", stage, "grace_window", o.grace, "error", err)
	}
	return nil
}

// startSession opens a session and registers discovery on it. On
// failure nothing is left open and the failing stage is returned.
func (o *Orchestrator) startSession(ctx context.Context) (string, error) {
	sess, err := o.openSession(ctx)
	if err != nil {
		return StageSession, err
	}
	if err := sess.Reporter.Register(ctx); err != nil {
		if cerr := sess.Close(ctx); cerr != nil {
			o.logger.Debug("session close after failed register", "error", cerr)
		}
		return StageRegister, err
	}
	o.session = sess
	return "", nil
}

func (o *Orchestrator) closeSession(ctx context.Context) {
	if o.session == nil {
		return
	}
	if err := o.session.Close(ctx); err != nil {
		o.logger.Warn("broker session close failed", "error", err)
	}
	o.session = nil
}

// Step runs one tick: at most one broker event, the connectivity
// policy, then one sensor poll. A non-nil return is a [*ResetError].
func (o *Orchestrator) Step(ctx context.Context) error {
	if err := o.handleEvent(ctx); err != nil {
		return err
	}
	if err := o.superviseLink(ctx); err != nil {
		return err
	}
	return o.measure(ctx)
}

func (o *Orchestrator) handleEvent(ctx context.Context) error {
	if o.session == nil {
		return nil
	}
	ev, ok := o.session.Events.TryNext()
	if !ok {
		return nil
	}
	o.metrics.BrokerEvent(ev.Kind.String())

	switch ev.Kind {
	case mqtt.EventConnected:
		if err := o.session.Reporter.SubscribeCommands(ctx); err != nil {
			return resetAt(StageSubscribe, err)
		}
	case mqtt.EventDisconnected:
		o.logger.Info("broker session lost, transport will reconnect")
	case mqtt.EventCommand:
		return o.dispatch(ctx, ParseCommand(ev.Command))
	}
	return nil
}

func (o *Orchestrator) dispatch(ctx context.Context, cmd Command) error {
	o.metrics.Command(cmd.Kind.String())

	switch cmd.Kind {
	case CommandCalibrate:
		o.logger.Info("calibration requested")
		if err := o.sensor.Calibrate(ctx); err != nil {
			o.logger.Error("calibration failed", "error", err)
		}
	case CommandRestart:
		o.logger.Warn("restart requested")
		return resetAt(StageCommand, ErrRestartRequested)
	default:
		o.logger.Warn("unknown command ignored", "command", cmd.Raw)
	}
	return nil
}

// superviseLink applies the connectivity policy. Under the tolerant
// policy the node is degraded while the link is down or no session is
// open; DownSince records when that began.
func (o *Orchestrator) superviseLink(ctx context.Context) error {
	now := o.now()
	up := o.link.IsConnected()
	o.metrics.Link(up)

	if up != o.state.Connected {
		if up {
			o.logger.Info("network link restored")
		} else {
			o.logger.Warn("network link lost", "policy", o.policy)
		}
	}
	o.state.Connected = up
	if up {
		o.state.LastConnectedAt = now
	}

	if o.strict() {
		if !up {
			return resetAt(StageLink, ErrLinkDown)
		}
		return nil
	}

	if up && o.session != nil {
		o.state.DownSince = time.Time{}
		return nil
	}
	if o.state.DownSince.IsZero() {
		o.state.DownSince = now
		o.logger.Warn("node degraded, reconnect scheduled",
			"link_up", up, "reporting", o.session != nil, "grace_window", o.grace)
		return nil
	}
	if now.Sub(o.state.DownSince) < o.grace {
		return nil
	}

	o.reconnect(ctx)
	return nil
}

// reconnect runs the full connection setup once. Failure is not fatal:
// the grace cycle starts over.
func (o *Orchestrator) reconnect(ctx context.Context) {
	o.logger.Info("grace window elapsed, reconnecting",
		"down_since", o.state.DownSince, "grace_window", o.grace)

	o.closeSession(ctx)

	stage := StageConnect
	err := o.link.Connect(ctx)
	if err == nil {
		stage, err = o.startSession(ctx)
	}
	o.metrics.Reconnect(err)

	now := o.now()
	if err != nil {
		o.logger.Error("reconnect failed, retrying after grace window",
			"stage", stage, "error", err)
		o.state.Connected = o.link.IsConnected()
		o.state.LastConnectedAt = time.Time{}
		o.state.DownSince = now
		return
	}

	o.state.Connected = true
	o.state.LastConnectedAt = now
	o.state.DownSince = time.Time{}
	o.metrics.Link(true)
	o.logger.Info("reconnected")
}

func (o *Orchestrator) measure(ctx context.Context) error {
	reading, err := o.sensor.Measure(ctx)
	if err != nil {
		if errors.Is(err, presence.ErrNoReading) {
			o.logger.Log(ctx, config.LevelTrace, "no sensor frame this tick")
		} else {
			o.metrics.SensorError()
			o.logger.Warn("sensor read failed", "error", err)
		}
		return nil
	}

	if o.session == nil || !o.state.Connected {
		return nil
	}
	if err := o.session.Reporter.Report(ctx, reading); err != nil {
		return resetAt(StageReport, err)
	}
	return nil
}

// Run starts the node and ticks until ctx is done or a reset is
// requested. It returns ctx.Err() on cancellation and a [*ResetError]
// otherwise. Run does not release resources; call Close afterwards.
func (o *Orchestrator) Run(ctx context.Context) error {
	if err := o.Start(ctx); err != nil {
		return err
	}
	o.logger.Info("control loop started", "tick", o.tick, "policy", o.policy)

	ticker := time.NewTicker(o.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := o.Step(ctx); err != nil {
				return err
			}
		}
	}
}

// Close ends the broker session and releases the sensor.
func (o *Orchestrator) Close(ctx context.Context) error {
	o.closeSession(ctx)
	if o.sensor == nil {
		return nil
	}
	return o.sensor.Close()
}
