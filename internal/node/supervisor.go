package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nugget/presence-node/internal/backoff"
	"github.com/nugget/presence-node/internal/metrics"
)

// closeTimeout bounds teardown of a node being rebuilt or shut down.
const closeTimeout = 5 * time.Second

// Factory builds a fresh Orchestrator with new components. Only the
// device identity may be shared between builds.
type Factory func(ctx context.Context) (*Orchestrator, error)

// Supervisor runs orchestrators back to back, rebuilding after each
// reset.
type Supervisor struct {
	build        Factory
	restartDelay time.Duration
	metrics      *metrics.Metrics
	logger       *slog.Logger
}

// NewSupervisor creates a Supervisor that waits restartDelay between a
// reset and the next build.
func NewSupervisor(build Factory, restartDelay time.Duration, m *metrics.Metrics, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		build:        build,
		restartDelay: restartDelay,
		metrics:      m,
		logger:       logger,
	}
}

// Run builds and runs orchestrators until ctx is cancelled. It returns
// nil on cancellation and an error only for failures that are not
// resets.
func (s *Supervisor) Run(ctx context.Context) error {
	for generation := 1; ; generation++ {
		err := s.runOnce(ctx, generation)
		if ctx.Err() != nil {
			return nil
		}

		var reset *ResetError
		if !errors.As(err, &reset) {
			if err == nil {
				return nil
			}
			return err
		}

		s.metrics.Reset(reset.Stage)
		s.logger.Error("node reset",
			"stage", reset.Stage,
			"error", reset.Err,
			"generation", generation,
			"restart_delay", s.restartDelay,
		)

		if !backoff.Sleep(ctx, s.restartDelay) {
			return nil
		}
	}
}

func (s *Supervisor) runOnce(ctx context.Context, generation int) error {
	orch, err := s.build(ctx)
	if err != nil {
		return resetAt(StageBuild, fmt.Errorf("build node: %w", err))
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
		defer cancel()
		if err := orch.Close(closeCtx); err != nil {
			s.logger.Warn("node teardown failed", "generation", generation, "error", err)
		}
	}()

	s.logger.Debug("node built", "generation", generation)
	return orch.Run(ctx)
}
