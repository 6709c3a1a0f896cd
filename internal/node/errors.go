package node

import (
	"errors"
	"fmt"
)

// Stages name the point at which a reset was requested. They appear in
// logs and as the stage label of the resets metric.
const (
	StageConnect   = "connect"
	StageSession   = "session"
	StageRegister  = "register"
	StageSubscribe = "subscribe"
	StageReport    = "report"
	StageLink      = "link"
	StageCommand   = "command"
	StageBuild     = "build"
)

var (
	// ErrRestartRequested is the cause of a reset asked for by the
	// restart command.
	ErrRestartRequested = errors.New("restart requested")

	// ErrLinkDown is the cause of a reset for link loss under the strict
	// policy.
	ErrLinkDown = errors.New("network link down")
)

// ResetError asks the [Supervisor] to tear the node down and rebuild it.
type ResetError struct {
	Stage string
	Err   error
}

func (e *ResetError) Error() string {
	return fmt.Sprintf("reset at %s: %v", e.Stage, e.Err)
}

func (e *ResetError) Unwrap() error { return e.Err }

func resetAt(stage string, err error) error {
	return &ResetError{Stage: stage, Err: err}
}
