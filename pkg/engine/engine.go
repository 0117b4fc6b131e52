// Package engine executes pipelines: the step dispatch loop, approval gate
// handling, single-step execution against the agent backend, and the crash
// recovery supervisor. One Runner owns one pipeline execution end to end; the
// Manager owns the in-flight run directory and the per-pipeline approval
// signals.
package engine

import (
	"context"
	"errors"

	"github.com/baton-dev/baton/pkg/backend"
)

var (
	// ErrPipelineActive is returned when a pipeline already has an in-flight
	// execution.
	ErrPipelineActive = errors.New("pipeline execution already in flight")
	// ErrStepFailed marks a step-level failure already persisted by the
	// runner; callers stop the pipeline without re-recording anything.
	ErrStepFailed = errors.New("step execution failed")
)

// BackendClient is the slice of the agent backend surface the engine needs.
// *backend.Client satisfies it; tests substitute a stub.
type BackendClient interface {
	CreateSession(ctx context.Context, title string) (*backend.Session, error)
	SendMessage(ctx context.Context, sessionID, prompt, agent, model string) (*backend.Message, error)
	AbortSession(ctx context.Context, sessionID string) error
	DeleteSession(ctx context.Context, sessionID string) error
}
