package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baton-dev/baton/pkg/backend"
	"github.com/baton-dev/baton/pkg/handoff"
	"github.com/baton-dev/baton/pkg/models"
	"github.com/baton-dev/baton/pkg/persistence"
	"github.com/baton-dev/baton/pkg/persistence/file"
	"github.com/baton-dev/baton/pkg/registry"
)

type stubCall struct {
	SessionID string
	Prompt    string
	Agent     string
	Model     string
}

// stubBackend is an in-memory BackendClient. Replies are consumed in call
// order; when block is set every SendMessage hangs until its context ends.
type stubBackend struct {
	mu       sync.Mutex
	sessions int
	calls    []stubCall
	aborted  []string
	deleted  []string

	replies []string
	sendErr error
	block   bool
	started chan struct{}
}

func (s *stubBackend) CreateSession(_ context.Context, title string) (*backend.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sessions++

	return &backend.Session{ID: fmt.Sprintf("ses-%d", s.sessions), Title: title}, nil
}

func (s *stubBackend) SendMessage(ctx context.Context, sessionID, prompt, agent, model string) (*backend.Message, error) {
	s.mu.Lock()
	s.calls = append(s.calls, stubCall{SessionID: sessionID, Prompt: prompt, Agent: agent, Model: model})
	index := len(s.calls) - 1
	s.mu.Unlock()

	if s.started != nil {
		select {
		case s.started <- struct{}{}:
		default:
		}
	}

	if s.block {
		<-ctx.Done()

		return nil, ctx.Err()
	}

	if s.sendErr != nil {
		return nil, s.sendErr
	}

	reply := ""
	if index < len(s.replies) {
		reply = s.replies[index]
	}

	return &backend.Message{Parts: []backend.MessagePart{{Type: "text", Content: reply}}}, nil
}

func (s *stubBackend) AbortSession(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.aborted = append(s.aborted, sessionID)

	return nil
}

func (s *stubBackend) DeleteSession(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.deleted = append(s.deleted, sessionID)

	return nil
}

func (s *stubBackend) sentCalls() []stubCall {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]stubCall(nil), s.calls...)
}

func (s *stubBackend) abortedSessions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]string(nil), s.aborted...)
}

func testRegistry(t *testing.T) *registry.Registry {
	t.Helper()

	return registry.NewFromConfig(slog.Default(), &registry.Config{
		Agents: []registry.AgentProfile{
			{Name: "developer", BackendAgent: "build", DefaultModel: "model-dev"},
			{Name: "reviewer", BackendAgent: "plan", DefaultModel: "model-rev"},
		},
	})
}

func createPipeline(t *testing.T, store persistence.Persistence, prompt string, agents ...string) *models.Pipeline {
	t.Helper()

	steps := make([]*models.Step, 0, len(agents))
	for _, agent := range agents {
		steps = append(steps, &models.Step{AgentName: agent})
	}

	pipeline := &models.Pipeline{
		Title:    "Engine test pipeline",
		Template: "dev-flow",
		Prompt:   prompt,
		Status:   models.PipelineStatusRunning,
		Steps:    steps,
	}

	require.NoError(t, store.CreatePipeline(t.Context(), pipeline))

	return pipeline
}

func newTestRunner(t *testing.T, store persistence.Persistence, client BackendClient, stepTimeout time.Duration) *Runner {
	t.Helper()

	return NewRunner(slog.Default(), client, store, testRegistry(t), nil, stepTimeout)
}

func loadPipeline(t *testing.T, store persistence.Persistence, id string) *models.Pipeline {
	t.Helper()

	pipeline, err := store.PipelineByID(t.Context(), id)
	require.NoError(t, err)

	return pipeline
}

func TestRunPipeline_ChainsStepOutputs(t *testing.T) {
	store := file.NewPersistence(t.TempDir())
	client := &stubBackend{replies: []string{"implemented the fix", "review passed"}}
	runner := newTestRunner(t, store, client, time.Minute)

	pipeline := createPipeline(t, store, "Fix the login bug", "developer", "reviewer")

	require.NoError(t, runner.RunPipeline(t.Context(), pipeline.ID, nil))

	calls := client.sentCalls()
	require.Len(t, calls, 2)
	assert.Equal(t, "Fix the login bug", calls[0].Prompt)
	assert.Equal(t, "build", calls[0].Agent)
	assert.Equal(t, "model-dev", calls[0].Model)

	// Raw output chains verbatim when no structured handoff was extracted.
	assert.Equal(t, "implemented the fix", calls[1].Prompt)
	assert.Equal(t, "plan", calls[1].Agent)

	loaded := loadPipeline(t, store, pipeline.ID)
	assert.Equal(t, models.PipelineStatusDone, loaded.Status)

	for _, step := range loaded.Steps {
		assert.Equal(t, models.StepStatusDone, step.Status)
		require.NotNil(t, step.FinishedAt)
	}

	latest, err := store.LatestHandoff(t.Context(), loaded.Steps[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "implemented the fix", latest.Content)

	// Every session was cleaned up.
	assert.Len(t, client.deleted, 2)
}

func TestRunPipeline_StructuredHandoffBecomesContextHeader(t *testing.T) {
	structured := "# What was done\nImplemented the login fix.\n\n# Next agent context\nReview the change in auth.go.\n"

	store := file.NewPersistence(t.TempDir())
	client := &stubBackend{replies: []string{structured, "approved"}}
	runner := newTestRunner(t, store, client, time.Minute)

	pipeline := createPipeline(t, store, "Fix the login bug", "developer", "reviewer")

	require.NoError(t, runner.RunPipeline(t.Context(), pipeline.ID, nil))

	expected := (&handoff.Record{
		WhatWasDone:      "Implemented the login fix.",
		NextAgentContext: "Review the change in auth.go.",
	}).ContextHeader("developer")

	calls := client.sentCalls()
	require.Len(t, calls, 2)
	assert.Equal(t, expected, calls[1].Prompt)

	latest, err := store.LatestHandoff(t.Context(), pipeline.Steps[0].ID)
	require.NoError(t, err)
	require.NotNil(t, latest.Metadata)
}

func TestRunPipeline_ModelOverride(t *testing.T) {
	store := file.NewPersistence(t.TempDir())
	client := &stubBackend{replies: []string{"done"}}
	runner := newTestRunner(t, store, client, time.Minute)

	override := "model-custom"
	pipeline := &models.Pipeline{
		Title:    "Override",
		Template: models.CustomTemplate,
		Prompt:   "Go",
		Status:   models.PipelineStatusRunning,
		Steps:    []*models.Step{{AgentName: "developer", Model: &override}},
	}
	require.NoError(t, store.CreatePipeline(t.Context(), pipeline))

	require.NoError(t, runner.RunPipeline(t.Context(), pipeline.ID, nil))

	calls := client.sentCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, override, calls[0].Model)
}

func TestRunPipeline_WorkingDirPreamble(t *testing.T) {
	store := file.NewPersistence(t.TempDir())
	client := &stubBackend{replies: []string{"done"}}
	runner := newTestRunner(t, store, client, time.Minute)

	workingDir := "/srv/project"
	pipeline := &models.Pipeline{
		Title:      "Dir",
		Template:   models.CustomTemplate,
		Prompt:     "Go",
		WorkingDir: &workingDir,
		Status:     models.PipelineStatusRunning,
		Steps:      []*models.Step{{AgentName: "developer"}},
	}
	require.NoError(t, store.CreatePipeline(t.Context(), pipeline))

	require.NoError(t, runner.RunPipeline(t.Context(), pipeline.ID, nil))

	calls := client.sentCalls()
	require.Len(t, calls, 1)
	assert.Contains(t, calls[0].Prompt, "Working directory: /srv/project")
	assert.Contains(t, calls[0].Prompt, "Go")
}

func TestRunPipeline_StepFailureStopsPipeline(t *testing.T) {
	store := file.NewPersistence(t.TempDir())
	client := &stubBackend{sendErr: &backend.ClientError{Message: "model refused", StatusCode: 500}}
	runner := newTestRunner(t, store, client, time.Minute)

	pipeline := createPipeline(t, store, "Fix it", "developer", "reviewer")

	// Protocol failures are persisted, not returned.
	require.NoError(t, runner.RunPipeline(t.Context(), pipeline.ID, nil))

	loaded := loadPipeline(t, store, pipeline.ID)
	assert.Equal(t, models.PipelineStatusFailed, loaded.Status)
	assert.Equal(t, models.StepStatusFailed, loaded.Steps[0].Status)
	require.NotNil(t, loaded.Steps[0].ErrorMsg)
	assert.Contains(t, *loaded.Steps[0].ErrorMsg, "model refused")

	// The second step never ran.
	assert.Equal(t, models.StepStatusPending, loaded.Steps[1].Status)
	assert.Len(t, client.sentCalls(), 1)

	events, err := store.AuditEvents(t.Context(), pipeline.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, models.AuditStepFailed, events[0].EventType)
}

func TestRunPipeline_StepTimeout(t *testing.T) {
	store := file.NewPersistence(t.TempDir())
	client := &stubBackend{block: true}
	runner := newTestRunner(t, store, client, 50*time.Millisecond)

	pipeline := createPipeline(t, store, "Fix it", "developer", "reviewer")

	require.NoError(t, runner.RunPipeline(t.Context(), pipeline.ID, nil))

	loaded := loadPipeline(t, store, pipeline.ID)
	assert.Equal(t, models.PipelineStatusFailed, loaded.Status)
	assert.Equal(t, models.StepStatusFailed, loaded.Steps[0].Status)
	require.NotNil(t, loaded.Steps[0].ErrorMsg)
	assert.Contains(t, *loaded.Steps[0].ErrorMsg, "timed out after 50ms")

	// Exactly one best-effort session abort.
	assert.Equal(t, []string{"ses-1"}, client.abortedSessions())
	assert.Len(t, client.sentCalls(), 1)
}

func TestRunPipeline_UnknownAgent(t *testing.T) {
	store := file.NewPersistence(t.TempDir())
	client := &stubBackend{}
	runner := newTestRunner(t, store, client, time.Minute)

	pipeline := createPipeline(t, store, "Fix it", "ghost")

	require.NoError(t, runner.RunPipeline(t.Context(), pipeline.ID, nil))

	loaded := loadPipeline(t, store, pipeline.ID)
	assert.Equal(t, models.PipelineStatusFailed, loaded.Status)
	require.NotNil(t, loaded.Steps[0].ErrorMsg)
	assert.Contains(t, *loaded.Steps[0].ErrorMsg, `unknown agent "ghost"`)
	assert.Empty(t, client.sentCalls())
}

func TestResumePipeline_AllStepsDone(t *testing.T) {
	store := file.NewPersistence(t.TempDir())
	client := &stubBackend{}
	runner := newTestRunner(t, store, client, time.Minute)

	pipeline := createPipeline(t, store, "Fix it", "developer")
	markStepDone(t, store, pipeline, pipeline.Steps[0], "all done")

	require.NoError(t, runner.ResumePipeline(t.Context(), pipeline.ID))

	loaded := loadPipeline(t, store, pipeline.ID)
	assert.Equal(t, models.PipelineStatusDone, loaded.Status)
	assert.Empty(t, client.sentCalls())
}

func TestResumePipeline_ContinuesFromLatestHandoff(t *testing.T) {
	store := file.NewPersistence(t.TempDir())
	client := &stubBackend{replies: []string{"review passed"}}
	runner := newTestRunner(t, store, client, time.Minute)

	pipeline := createPipeline(t, store, "Fix it", "developer", "reviewer")
	markStepDone(t, store, pipeline, pipeline.Steps[0], "from step zero")

	require.NoError(t, runner.ResumePipeline(t.Context(), pipeline.ID))

	calls := client.sentCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, "from step zero", calls[0].Prompt)
	assert.Equal(t, "plan", calls[0].Agent)

	loaded := loadPipeline(t, store, pipeline.ID)
	assert.Equal(t, models.PipelineStatusDone, loaded.Status)
	assert.Equal(t, models.StepStatusDone, loaded.Steps[1].Status)
}

func markStepDone(t *testing.T, store persistence.Persistence, pipeline *models.Pipeline, step *models.Step, content string) {
	t.Helper()

	now := time.Now().UTC()
	step.Status = models.StepStatusDone
	step.FinishedAt = &now

	require.NoError(t, store.RecordStepResult(t.Context(), &persistence.StepResultRecord{
		Step:    step,
		Handoff: &models.Handoff{StepID: step.ID, Content: content},
	}))
}

func TestNextPrompt(t *testing.T) {
	metadata := `{"what_was_done": "Fixed it"}`
	h := &models.Handoff{Content: "raw output", Metadata: &metadata}
	assert.Equal(t, (&handoff.Record{WhatWasDone: "Fixed it"}).ContextHeader("developer"), nextPrompt(h, "developer"))

	broken := "{not json"
	h = &models.Handoff{Content: "raw output", Metadata: &broken}
	assert.Equal(t, "raw output", nextPrompt(h, "developer"))

	h = &models.Handoff{Content: "raw output"}
	assert.Equal(t, "raw output", nextPrompt(h, "developer"))
}
