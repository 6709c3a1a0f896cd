package mqtt

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/presence-node/internal/config"
	"github.com/nugget/presence-node/internal/identity"
	"github.com/nugget/presence-node/internal/metrics"
)

// ErrNotConnected is returned by Publish and SubscribeCommands on a
// bridge that has been closed.
var ErrNotConnected = errors.New("mqtt bridge not connected")

// connection is the subset of [autopaho.ConnectionManager] the bridge
// uses.
type connection interface {
	Publish(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error)
	Subscribe(ctx context.Context, s *paho.Subscribe) (*paho.Suback, error)
	Disconnect(ctx context.Context) error
}

// Bridge is the single owner of the broker session. It exposes the
// event queue and thin publish/subscribe forwarders; nothing else holds
// a handle to the transport.
type Bridge struct {
	cmdTopic string
	queue    Queue
	gate     *commandGate
	metrics  *metrics.Metrics
	logger   *slog.Logger

	mu     sync.Mutex
	conn   connection
	cancel context.CancelFunc
}

func newBridge(dev identity.Device, rateLimit int, m *metrics.Metrics, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bridge{
		cmdTopic: dev.CommandTopic(),
		metrics:  m,
		logger:   logger,
	}
	if rateLimit > 0 {
		b.gate = newCommandGate(rateLimit, time.Minute, m, logger)
	}
	return b
}

// Dial connects to the broker and returns a bridge whose queue receives
// the session's events. It waits up to cfg.ConnectTimeout for the first
// connection; on failure the session is torn down and an error returned.
// The session lives until Close is called or ctx is cancelled.
func Dial(ctx context.Context, cfg config.MQTTConfig, dev identity.Device, m *metrics.Metrics, logger *slog.Logger) (*Bridge, error) {
	brokerURL, err := url.Parse(cfg.Broker)
	if err != nil {
		return nil, fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	b := newBridge(dev, cfg.CommandRateLimit, m, logger)

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = dev.ID
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:                    []*url.URL{brokerURL},
		KeepAlive:                     uint16(cfg.KeepAliveSec),
		CleanStartOnInitialConnection: true,
		ConnectUsername:               cfg.Username,
		ConnectPassword:               []byte(cfg.Password),
		OnConnectionUp: func(_ *autopaho.ConnectionManager, _ *paho.Connack) {
			b.onConnectionUp()
		},
		OnConnectionDown: func() bool {
			b.onConnectionDown()
			return true // keep reconnecting
		},
		OnConnectError: func(err error) {
			b.logger.Warn("mqtt connection error", "broker", cfg.Broker, "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: clientID,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				b.onPublishReceived,
			},
			OnClientError: b.onClientError,
			OnServerDisconnect: func(d *paho.Disconnect) {
				b.logger.Warn("mqtt server requested disconnect", "reason_code", d.ReasonCode)
			},
		},
	}

	// Enable TLS for mqtts:// or ssl:// schemes.
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	sessionCtx, cancel := context.WithCancel(ctx)

	b.logger.Info("connecting to mqtt broker", "broker", cfg.Broker, "client_id", clientID)
	cm, err := autopaho.NewConnection(sessionCtx, pahoCfg)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}

	b.mu.Lock()
	b.conn = cm
	b.cancel = cancel
	b.mu.Unlock()

	awaitCtx, awaitCancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer awaitCancel()
	if err := cm.AwaitConnection(awaitCtx); err != nil {
		cancel()
		return nil, fmt.Errorf("mqtt connect to %s: %w", cfg.Broker, err)
	}

	return b, nil
}

// TryNext returns the oldest pending event without blocking.
func (b *Bridge) TryNext() (Event, bool) {
	return b.queue.TryNext()
}

// CommandTopic returns the topic the bridge routes to EventCommand.
func (b *Bridge) CommandTopic() string {
	return b.cmdTopic
}

// SubscribeCommands subscribes to the command topic at QoS 1. Call it
// after every EventConnected.
func (b *Bridge) SubscribeCommands(ctx context.Context) error {
	conn := b.connection()
	if conn == nil {
		return ErrNotConnected
	}

	suback, err := conn.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{
			{Topic: b.cmdTopic, QoS: 1},
		},
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", b.cmdTopic, err)
	}
	if suback != nil && len(suback.Reasons) > 0 && suback.Reasons[0] >= 0x80 {
		return fmt.Errorf("subscribe %s: broker refused with reason 0x%02x", b.cmdTopic, suback.Reasons[0])
	}

	b.logger.Info("subscribed to command topic", "topic", b.cmdTopic)
	return nil
}

// Publish sends payload to topic at QoS 1, not retained. There is no
// retry: a failure means the session is broken and the caller decides
// how to recover.
func (b *Bridge) Publish(ctx context.Context, topic string, payload []byte) error {
	conn := b.connection()
	if conn == nil {
		return ErrNotConnected
	}

	if _, err := conn.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     1,
		Retain:  false,
	}); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Close disconnects from the broker and stops the session. It is safe
// to call more than once.
func (b *Bridge) Close(ctx context.Context) error {
	b.mu.Lock()
	conn, cancel := b.conn, b.cancel
	b.conn, b.cancel = nil, nil
	b.mu.Unlock()

	if b.gate != nil {
		b.gate.flush()
	}
	if conn == nil {
		return nil
	}
	err := conn.Disconnect(ctx)
	if cancel != nil {
		cancel()
	}
	if err != nil {
		return fmt.Errorf("mqtt disconnect: %w", err)
	}
	return nil
}

func (b *Bridge) connection() connection {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conn
}

// --- Paho callbacks. These run on Paho goroutines and must not block. ---

func (b *Bridge) onConnectionUp() {
	b.logger.Info("mqtt connected")
	b.queue.Push(Event{Kind: EventConnected})
}

func (b *Bridge) onConnectionDown() {
	b.logger.Warn("mqtt disconnected")
	b.queue.Push(Event{Kind: EventDisconnected})
}

func (b *Bridge) onClientError(err error) {
	b.logger.Error("mqtt client error", "error", err)
}

// onPublishReceived routes command-topic payloads to the queue. Other
// topics are logged and dropped.
func (b *Bridge) onPublishReceived(pr paho.PublishReceived) (bool, error) {
	p := pr.Packet
	if p == nil {
		return false, nil
	}
	if p.Topic != b.cmdTopic {
		b.logger.Debug("mqtt message on unexpected topic dropped",
			"topic", p.Topic, "payload_size", len(p.Payload))
		return false, nil
	}
	if !utf8.Valid(p.Payload) {
		b.logger.Warn("mqtt command is not valid UTF-8, dropped",
			"topic", p.Topic, "payload_size", len(p.Payload))
		return true, nil
	}
	if b.gate != nil && !b.gate.admit(string(p.Payload)) {
		return true, nil
	}

	b.queue.Push(Event{Kind: EventCommand, Command: string(p.Payload)})
	return true, nil
}
