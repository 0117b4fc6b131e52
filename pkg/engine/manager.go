package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/baton-dev/baton/pkg/eventbus"
	"github.com/baton-dev/baton/pkg/events"
	"github.com/baton-dev/baton/pkg/models"
	"github.com/baton-dev/baton/pkg/persistence"
	"github.com/baton-dev/baton/pkg/registry"
)

// run tracks one in-flight pipeline execution.
type run struct {
	runner *Runner
	cancel context.CancelFunc
	done   chan struct{}
}

// Manager owns pipeline executions: it spawns one goroutine per pipeline,
// keeps the in-flight run directory and the approval signal directory, and
// guards every run so an unexpected failure can never leave a pipeline
// silently stuck in running.
type Manager struct {
	logger      *slog.Logger
	client      BackendClient
	persistence persistence.Persistence
	registry    *registry.Registry
	eventBus    eventbus.EventBus
	stepTimeout time.Duration

	signals *signalDirectory

	mu   sync.Mutex
	runs map[string]*run
	wg   sync.WaitGroup
}

func NewManager(
	logger *slog.Logger,
	client BackendClient,
	store persistence.Persistence,
	reg *registry.Registry,
	bus eventbus.EventBus,
	stepTimeout time.Duration,
) *Manager {
	return &Manager{
		logger:      logger,
		client:      client,
		persistence: store,
		registry:    reg,
		eventBus:    bus,
		stepTimeout: stepTimeout,
		signals:     newSignalDirectory(),
		runs:        make(map[string]*run),
	}
}

// StartPipeline launches execution of a freshly-persisted pipeline in the
// background. templateSteps carries the resolved template configuration;
// pass the synthesized step list for ad-hoc pipelines.
func (m *Manager) StartPipeline(pipelineID string, templateSteps []registry.TemplateStep) error {
	return m.launch(pipelineID, func(ctx context.Context, runner *Runner) error {
		return runner.RunPipeline(ctx, pipelineID, templateSteps)
	})
}

// ResumePipeline launches continuation of an interrupted pipeline in the
// background. Gate reminders are disabled on resume.
func (m *Manager) ResumePipeline(pipelineID string) error {
	return m.launch(pipelineID, func(ctx context.Context, runner *Runner) error {
		return runner.ResumePipeline(ctx, pipelineID)
	})
}

// launch registers the approval signal and the run entry, then spawns the
// guarded execution goroutine. The signal and the entry are removed only by
// that goroutine's own completion handler.
func (m *Manager) launch(pipelineID string, execute func(context.Context, *Runner) error) error {
	m.mu.Lock()

	if _, active := m.runs[pipelineID]; active {
		m.mu.Unlock()

		return fmt.Errorf("pipeline %s: %w", pipelineID, ErrPipelineActive)
	}

	runner := newRunner(m.logger, m.client, m.persistence, m.registry, m.eventBus, m.signals, m.stepTimeout)
	runCtx, cancel := context.WithCancel(context.Background())
	entry := &run{
		runner: runner,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	m.signals.register(pipelineID)
	m.runs[pipelineID] = entry
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer func() {
			m.mu.Lock()
			delete(m.runs, pipelineID)
			m.signals.remove(pipelineID)
			m.mu.Unlock()

			close(entry.done)
			m.wg.Done()
			cancel()
		}()

		err := execute(runCtx, runner)
		if err == nil {
			return
		}

		if errors.Is(err, context.Canceled) {
			// Cancellation leaves the pipeline as its last commit recorded;
			// crash recovery or the abort path owns the final status.
			m.logger.Info("Pipeline execution cancelled", "pipeline_id", pipelineID)

			return
		}

		m.logger.Error("Pipeline execution failed unexpectedly", "pipeline_id", pipelineID, "error", err)
		m.forceFailed(pipelineID)
	}()

	return nil
}

// forceFailed is the outer guard: after an unexpected execution error, move
// the pipeline to failed unless a terminal status was already committed.
func (m *Manager) forceFailed(pipelineID string) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()

	pipeline, err := m.persistence.PipelineByID(ctx, pipelineID)
	if err != nil {
		m.logger.Error("Failed to load pipeline for failure guard", "pipeline_id", pipelineID, "error", err)

		return
	}

	if pipeline.Status.IsTerminal() {
		return
	}

	if err := m.persistence.UpdatePipelineStatus(ctx, pipelineID, models.PipelineStatusFailed); err != nil {
		m.logger.Error("Failed to force pipeline failed", "pipeline_id", pipelineID, "error", err)

		return
	}

	if m.eventBus != nil {
		event := &events.PipelineFailed{
			BaseEvent: events.BaseEvent{
				ID:         m.eventBus.GenerateID(),
				Type:       events.PipelineFailedEvent,
				PipelineID: pipelineID,
				Timestamp:  time.Now().UTC(),
			},
			Reason: "unexpected execution failure",
		}
		if err := m.eventBus.Publish(ctx, pipelineID, event); err != nil {
			m.logger.Warn("Failed to publish lifecycle event", "pipeline_id", pipelineID, "error", err)
		}
	}
}

// SignalApproval wakes the pipeline's waiting gate step after a decision was
// committed. It reports whether an execution was actually waiting.
func (m *Manager) SignalApproval(pipelineID string) bool {
	return m.signals.fire(pipelineID)
}

// CurrentSessionID returns the backend session in flight for the pipeline's
// execution, if any.
func (m *Manager) CurrentSessionID(pipelineID string) (string, bool) {
	m.mu.Lock()
	entry, ok := m.runs[pipelineID]
	m.mu.Unlock()

	if !ok {
		return "", false
	}

	sessionID := entry.runner.CurrentSessionID()

	return sessionID, sessionID != ""
}

// AbortPipeline cancels exactly one pipeline's execution: best-effort abort
// of its in-flight backend session, cancellation of its goroutine, and the
// terminal failed status. Other pipelines are unaffected.
func (m *Manager) AbortPipeline(ctx context.Context, pipelineID string) error {
	m.mu.Lock()
	entry, active := m.runs[pipelineID]
	m.mu.Unlock()

	if active {
		if sessionID := entry.runner.CurrentSessionID(); sessionID != "" {
			if err := m.client.AbortSession(ctx, sessionID); err != nil {
				m.logger.Warn("Failed to abort backend session",
					"pipeline_id", pipelineID, "session_id", sessionID, "error", err)
			}
		}

		entry.cancel()

		select {
		case <-entry.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if err := m.persistence.UpdatePipelineStatus(ctx, pipelineID, models.PipelineStatusFailed); err != nil {
		return fmt.Errorf("failed to mark aborted pipeline %s failed: %w", pipelineID, err)
	}

	if m.eventBus != nil {
		event := &events.PipelineFailed{
			BaseEvent: events.BaseEvent{
				ID:         m.eventBus.GenerateID(),
				Type:       events.PipelineFailedEvent,
				PipelineID: pipelineID,
				Timestamp:  time.Now().UTC(),
			},
			Reason: "aborted",
		}
		if err := m.eventBus.Publish(ctx, pipelineID, event); err != nil {
			m.logger.Warn("Failed to publish lifecycle event", "pipeline_id", pipelineID, "error", err)
		}
	}

	return nil
}

// RecoverInterrupted finds every pipeline left in running status by a crash
// and resumes each as an independent background execution. A failure
// resuming one pipeline marks only that pipeline failed.
func (m *Manager) RecoverInterrupted(ctx context.Context) error {
	pipelines, err := m.persistence.RunningPipelines(ctx)
	if err != nil {
		return fmt.Errorf("failed to query interrupted pipelines: %w", err)
	}

	for _, pipeline := range pipelines {
		m.logger.Info("Recovering interrupted pipeline", "pipeline_id", pipeline.ID)

		if err := m.ResumePipeline(pipeline.ID); err != nil {
			m.logger.Error("Failed to launch pipeline recovery", "pipeline_id", pipeline.ID, "error", err)
		}
	}

	return nil
}

// Shutdown cancels all in-flight executions and waits for them to finish or
// for the context to expire. Cancelled pipelines keep their last committed
// status and are picked up by RecoverInterrupted on next start.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	for _, entry := range m.runs {
		entry.cancel()
	}
	m.mu.Unlock()

	finished := make(chan struct{})

	go func() {
		m.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
