package file

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baton-dev/baton/pkg/models"
	"github.com/baton-dev/baton/pkg/persistence"
)

func newTestStore(t *testing.T) *Persistence {
	t.Helper()

	return NewPersistence(t.TempDir())
}

func seedPipeline(t *testing.T, store *Persistence, agents ...string) *models.Pipeline {
	t.Helper()

	steps := make([]*models.Step, 0, len(agents))
	for _, agent := range agents {
		steps = append(steps, &models.Step{AgentName: agent})
	}

	pipeline := &models.Pipeline{
		Title:    "Test pipeline",
		Template: "dev-flow",
		Prompt:   "Fix the bug",
		Status:   models.PipelineStatusRunning,
		Steps:    steps,
	}

	require.NoError(t, store.CreatePipeline(t.Context(), pipeline))

	return pipeline
}

func TestCreatePipeline_AssignsIdentity(t *testing.T) {
	store := newTestStore(t)
	pipeline := seedPipeline(t, store, "developer", "reviewer")

	assert.NotEmpty(t, pipeline.ID)
	assert.False(t, pipeline.CreatedAt.IsZero())

	loaded, err := store.PipelineByID(t.Context(), pipeline.ID)
	require.NoError(t, err)
	require.Len(t, loaded.Steps, 2)

	for i, step := range loaded.Steps {
		assert.NotEmpty(t, step.ID)
		assert.Equal(t, pipeline.ID, step.PipelineID)
		assert.Equal(t, i, step.Position)
		assert.Equal(t, models.StepStatusPending, step.Status)
	}
}

func TestPipelineByID_NotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.PipelineByID(t.Context(), "missing")
	require.ErrorIs(t, err, persistence.ErrPipelineNotFound)
}

func TestPipelines_NewestFirst(t *testing.T) {
	store := newTestStore(t)

	older := &models.Pipeline{
		Title: "older", Template: "t", CreatedAt: time.Now().UTC().Add(-time.Hour),
	}
	require.NoError(t, store.CreatePipeline(t.Context(), older))

	newer := seedPipeline(t, store, "developer")

	pipelines, err := store.Pipelines(t.Context())
	require.NoError(t, err)
	require.Len(t, pipelines, 2)
	assert.Equal(t, newer.ID, pipelines[0].ID)
	assert.Equal(t, older.ID, pipelines[1].ID)
}

func TestRunningPipelines_FiltersByStatus(t *testing.T) {
	store := newTestStore(t)

	running := seedPipeline(t, store, "developer")
	finished := seedPipeline(t, store, "developer")
	require.NoError(t, store.UpdatePipelineStatus(t.Context(), finished.ID, models.PipelineStatusDone))

	got, err := store.RunningPipelines(t.Context())
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, running.ID, got[0].ID)
}

func TestSaveStep_ReplacesExisting(t *testing.T) {
	store := newTestStore(t)
	pipeline := seedPipeline(t, store, "developer")

	step := pipeline.Steps[0]
	step.Status = models.StepStatusRunning
	now := time.Now().UTC()
	step.StartedAt = &now

	require.NoError(t, store.SaveStep(t.Context(), step))

	steps, err := store.StepsByPipeline(t.Context(), pipeline.ID)
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, models.StepStatusRunning, steps[0].Status)
	require.NotNil(t, steps[0].StartedAt)
}

func TestSaveStep_UnknownStep(t *testing.T) {
	store := newTestStore(t)
	pipeline := seedPipeline(t, store, "developer")

	err := store.SaveStep(t.Context(), &models.Step{ID: "ghost", PipelineID: pipeline.ID})
	require.ErrorIs(t, err, persistence.ErrStepNotFound)
}

func TestRecordStepResult_AppendsHandoffWithRisingSeq(t *testing.T) {
	store := newTestStore(t)
	pipeline := seedPipeline(t, store, "developer")
	step := pipeline.Steps[0]

	for _, content := range []string{"first attempt", "second attempt"} {
		step.Status = models.StepStatusDone

		err := store.RecordStepResult(t.Context(), &persistence.StepResultRecord{
			Step:    step,
			Handoff: &models.Handoff{StepID: step.ID, Content: content},
			Events: []*models.AuditEvent{
				{PipelineID: pipeline.ID, StepID: &step.ID, EventType: models.AuditHandoffCreated},
			},
		})
		require.NoError(t, err)
	}

	handoffs, err := store.HandoffsByStep(t.Context(), step.ID)
	require.NoError(t, err)
	require.Len(t, handoffs, 2)
	assert.Greater(t, handoffs[1].Seq, handoffs[0].Seq)

	latest, err := store.LatestHandoff(t.Context(), step.ID)
	require.NoError(t, err)
	assert.Equal(t, "second attempt", latest.Content)
	assert.NotEmpty(t, latest.ID)
	assert.False(t, latest.CreatedAt.IsZero())
}

func TestLatestHandoff_NoneRecorded(t *testing.T) {
	store := newTestStore(t)
	pipeline := seedPipeline(t, store, "developer")

	_, err := store.LatestHandoff(t.Context(), pipeline.Steps[0].ID)
	require.ErrorIs(t, err, persistence.ErrHandoffNotFound)
}

func TestRecordStepTransition_CommitsStepAndPipeline(t *testing.T) {
	store := newTestStore(t)
	pipeline := seedPipeline(t, store, "developer")
	step := pipeline.Steps[0]

	step.Status = models.StepStatusFailed
	errMsg := "agent produced no output"
	step.ErrorMsg = &errMsg
	pipeline.Status = models.PipelineStatusFailed

	err := store.RecordStepTransition(t.Context(), &persistence.StepTransitionRecord{
		Step:     step,
		Pipeline: pipeline,
		Events: []*models.AuditEvent{
			{PipelineID: pipeline.ID, StepID: &step.ID, EventType: models.AuditStepFailed},
		},
	})
	require.NoError(t, err)

	loaded, err := store.PipelineByID(t.Context(), pipeline.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PipelineStatusFailed, loaded.Status)
	assert.Equal(t, models.StepStatusFailed, loaded.Steps[0].Status)

	events, err := store.AuditEvents(t.Context(), pipeline.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, models.AuditStepFailed, events[0].EventType)
}

func TestApprovalLifecycle(t *testing.T) {
	store := newTestStore(t)
	pipeline := seedPipeline(t, store, models.ApprovalGateAgent)
	step := pipeline.Steps[0]

	step.Status = models.StepStatusRunning
	pipeline.Status = models.PipelineStatusWaitingForApproval

	err := store.RecordApprovalRequest(t.Context(), &persistence.ApprovalRequestRecord{
		Step:     step,
		Approval: &models.Approval{StepID: step.ID, Status: models.ApprovalStatusPending},
		Pipeline: pipeline,
		Event:    &models.AuditEvent{PipelineID: pipeline.ID, StepID: &step.ID, EventType: models.AuditApprovalRequested},
	})
	require.NoError(t, err)

	approval, err := store.ApprovalByStep(t.Context(), step.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ApprovalStatusPending, approval.Status)
	assert.NotEmpty(t, approval.ID)

	loaded, err := store.PipelineByID(t.Context(), pipeline.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PipelineStatusWaitingForApproval, loaded.Status)

	comment := "ship it"
	decidedBy := "alice"

	decided, err := store.DecideApproval(t.Context(), step.ID, models.ApprovalStatusApproved, &comment, &decidedBy)
	require.NoError(t, err)
	assert.Equal(t, models.ApprovalStatusApproved, decided.Status)
	require.NotNil(t, decided.DecidedAt)
	assert.Equal(t, &comment, decided.Comment)

	_, err = store.DecideApproval(t.Context(), step.ID, models.ApprovalStatusRejected, nil, nil)
	require.ErrorIs(t, err, persistence.ErrApprovalAlreadyDecided)
}

func TestApprovalByStep_NotFound(t *testing.T) {
	store := newTestStore(t)
	pipeline := seedPipeline(t, store, "developer")

	_, err := store.ApprovalByStep(t.Context(), pipeline.Steps[0].ID)
	require.ErrorIs(t, err, persistence.ErrApprovalNotFound)

	_, err = store.ApprovalByStep(t.Context(), "ghost-step")
	require.ErrorIs(t, err, persistence.ErrStepNotFound)
}

func TestAppendAuditEvent_PreservesOrder(t *testing.T) {
	store := newTestStore(t)
	pipeline := seedPipeline(t, store, "developer")

	for _, eventType := range []string{models.AuditApprovalRequested, models.AuditApprovalGranted} {
		require.NoError(t, store.AppendAuditEvent(t.Context(), &models.AuditEvent{
			PipelineID: pipeline.ID,
			EventType:  eventType,
		}))
	}

	events, err := store.AuditEvents(t.Context(), pipeline.ID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, models.AuditApprovalRequested, events[0].EventType)
	assert.Equal(t, models.AuditApprovalGranted, events[1].EventType)
	assert.NotEmpty(t, events[0].ID)
}

func TestHealthCheck(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.HealthCheck(t.Context()))

	missing := NewPersistence("/nonexistent/baton-data")
	require.Error(t, missing.HealthCheck(t.Context()))
}
