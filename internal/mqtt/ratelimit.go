package mqtt

import (
	"log/slog"
	"sync"
	"time"

	"github.com/nugget/presence-node/internal/metrics"
)

// maxLoggedPayload truncates the dropped command quoted in the window
// summary.
const maxLoggedPayload = 64

// commandGate admits at most limit commands per window from the command
// topic. Anyone who can publish there could otherwise flood the queue
// with calibrate requests. Each drop is counted in metrics as it
// happens; a window that dropped anything is summarized in one warning
// when the next window opens or the session closes.
//
// Windows are fixed and opened lazily by the first command after the
// previous one expired, so an idle gate needs no goroutine.
type commandGate struct {
	limit   int
	window  time.Duration
	now     func() time.Time
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu          sync.Mutex
	opened      time.Time
	admitted    int
	dropped     int
	lastDropped string
}

func newCommandGate(limit int, window time.Duration, m *metrics.Metrics, logger *slog.Logger) *commandGate {
	return &commandGate{
		limit:   limit,
		window:  window,
		now:     time.Now,
		metrics: m,
		logger:  logger,
	}
}

// admit reports whether command may be queued. It is called from the
// Paho callback and never blocks on I/O.
func (g *commandGate) admit(command string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if now := g.now(); now.Sub(g.opened) >= g.window {
		g.closeWindow()
		g.opened = now
	}
	if g.admitted < g.limit {
		g.admitted++
		return true
	}

	g.dropped++
	if len(command) > maxLoggedPayload {
		command = command[:maxLoggedPayload]
	}
	g.lastDropped = command
	g.metrics.CommandDropped()
	return false
}

// flush reports drops in the current window and starts a fresh one.
func (g *commandGate) flush() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closeWindow()
	g.opened = time.Time{}
}

// closeWindow summarizes and clears the current window. g.mu is held.
func (g *commandGate) closeWindow() {
	if g.dropped > 0 {
		g.logger.Warn("mqtt commands dropped due to rate limit",
			"admitted", g.admitted,
			"dropped", g.dropped,
			"last_dropped", g.lastDropped,
			"window", g.window.String(),
			"limit", g.limit,
		)
	}
	g.admitted, g.dropped, g.lastDropped = 0, 0, ""
}
