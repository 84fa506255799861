package storage_test

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quorumlabs/quorum/internal/model"
	"github.com/quorumlabs/quorum/internal/storage"
	"github.com/quorumlabs/quorum/internal/testutil"
)

var testDB *storage.DB

func TestMain(m *testing.M) {
	if os.Getenv("SKIP_INTEGRATION") != "" {
		os.Exit(0)
	}
	tc := testutil.MustStartPostgres()
	defer tc.Terminate()

	var err error
	testDB, err = tc.NewTestDB(context.Background(), testutil.TestLogger())
	if err != nil {
		tc.Terminate()
		panic(err)
	}
	code := m.Run()
	testDB.Close()
	tc.Terminate()
	os.Exit(code)
}

func thisWeek() time.Time {
	return model.WeekStartUTC(time.Now())
}

func usageEvent(userID uuid.UUID, cents int64) model.UsageEvent {
	now := time.Now().UTC()
	return model.UsageEvent{
		ID:               uuid.New(),
		UserID:           userID,
		ModelID:          model.ModelGPT5,
		Provider:         model.ProviderOpenAI,
		PromptTokens:     100,
		CompletionTokens: 200,
		InputCents:       0,
		OutputCents:      cents,
		TotalCents:       cents,
		Kind:             model.EventKindUsage,
		WeekStart:        thisWeek(),
		MonthStart:       model.MonthStartUTC(now),
		CreatedAt:        now,
	}
}

func TestAuthorizeBudgetReserveAndRelease(t *testing.T) {
	ctx := context.Background()
	userID := uuid.New()
	week := thisWeek()

	// 10¢ reservation under a 30¢ limit fits, twice; the third does not.
	require.NoError(t, testDB.AuthorizeBudget(ctx, userID, week, 10, 30))
	require.NoError(t, testDB.AuthorizeBudget(ctx, userID, week, 10, 30))
	err := testDB.AuthorizeBudget(ctx, userID, week, 15, 30)
	assert.ErrorIs(t, err, storage.ErrBudgetExceeded)

	weekly, err := testDB.GetWeeklyUsage(ctx, userID, week)
	require.NoError(t, err)
	assert.Equal(t, int64(20), weekly.ReservedCents)
	assert.Equal(t, int64(0), weekly.TotalCents, "reservations are not spend")

	// Releasing one reservation reopens the gate.
	require.NoError(t, testDB.ReleaseReservation(ctx, userID, week, 10))
	require.NoError(t, testDB.AuthorizeBudget(ctx, userID, week, 15, 30))
}

func TestInsertUsageEventUpdatesAggregate(t *testing.T) {
	ctx := context.Background()
	userID := uuid.New()
	week := thisWeek()

	require.NoError(t, testDB.AuthorizeBudget(ctx, userID, week, 10, 1000))

	// Events accumulate spend without touching the run's reservation.
	require.NoError(t, testDB.InsertUsageEvent(ctx, usageEvent(userID, 7)))
	require.NoError(t, testDB.InsertUsageEvent(ctx, usageEvent(userID, 5)))

	weekly, err := testDB.GetWeeklyUsage(ctx, userID, week)
	require.NoError(t, err)
	assert.Equal(t, int64(12), weekly.TotalCents)
	assert.Equal(t, int64(10), weekly.ReservedCents, "reservation held until the run releases it")
	assert.Equal(t, int64(200), weekly.PromptTokens)
	assert.Equal(t, int64(400), weekly.CompletionTokens)
	assert.Equal(t, int64(2), weekly.Requests)

	require.NoError(t, testDB.ReleaseReservation(ctx, userID, week, 10))
	weekly, err = testDB.GetWeeklyUsage(ctx, userID, week)
	require.NoError(t, err)
	assert.Equal(t, int64(0), weekly.ReservedCents)

	events, err := testDB.ListUsageEvents(ctx, userID, week)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, int64(7), events[0].TotalCents)
	assert.Equal(t, model.ModelGPT5, events[0].ModelID)
}

func TestGetWeeklyUsageMissingRowIsZero(t *testing.T) {
	weekly, err := testDB.GetWeeklyUsage(context.Background(), uuid.New(), thisWeek())
	require.NoError(t, err)
	assert.Equal(t, int64(0), weekly.TotalCents)
	assert.Equal(t, int64(0), weekly.Requests)
}

func TestReUpOncePerPeriod(t *testing.T) {
	ctx := context.Background()
	userID := uuid.New()
	week := thisWeek()
	periodKey := "2026-08-15"

	require.NoError(t, testDB.InsertUsageEvent(ctx, usageEvent(userID, 42)))

	buildEvent := func(total int64) model.UsageEvent {
		e := usageEvent(userID, -total)
		e.ModelID = model.AdjustmentModelID
		e.Provider = model.AdjustmentProvider
		e.Kind = model.EventKindReUp
		e.PromptTokens = 0
		e.CompletionTokens = 0
		return e
	}

	total, err := testDB.ReUp(ctx, userID, periodKey, week, buildEvent)
	require.NoError(t, err)
	assert.Equal(t, int64(42), total)

	weekly, err := testDB.GetWeeklyUsage(ctx, userID, week)
	require.NoError(t, err)
	assert.Equal(t, int64(0), weekly.TotalCents)
	assert.Equal(t, int64(0), weekly.PromptTokens)

	// The compensating event is part of the permanent ledger.
	events, err := testDB.ListUsageEvents(ctx, userID, week)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, model.EventKindReUp, events[1].Kind)
	assert.Equal(t, int64(-42), events[1].TotalCents)

	// Second attempt in the same period fails.
	_, err = testDB.ReUp(ctx, userID, periodKey, week, buildEvent)
	assert.ErrorIs(t, err, storage.ErrReUpAlreadyUsed)

	// A different period key is a fresh re-up.
	total, err = testDB.ReUp(ctx, userID, "2026-09-15", week, buildEvent)
	require.NoError(t, err)
	assert.Equal(t, int64(0), total, "nothing left to compensate")
}

func TestReUpZeroSpendConsumesPeriod(t *testing.T) {
	ctx := context.Background()
	userID := uuid.New()

	total, err := testDB.ReUp(ctx, userID, "2026-08", thisWeek(), func(int64) model.UsageEvent {
		t.Fatal("buildEvent must not run with zero spend")
		return model.UsageEvent{}
	})
	require.NoError(t, err)
	assert.Equal(t, int64(0), total)

	_, err = testDB.ReUp(ctx, userID, "2026-08", thisWeek(), nil)
	assert.ErrorIs(t, err, storage.ErrReUpAlreadyUsed)
}

func newStoredRun(t *testing.T) model.DebateRun {
	t.Helper()
	run := model.DebateRun{
		ID:              uuid.New(),
		UserID:          uuid.New(),
		MasterMessageID: uuid.New(),
		MasterThreadID:  uuid.New(),
		MasterModelID:   model.ModelGPT5,
		AllRuns: []model.ModelRun{
			{ModelID: model.ModelGPT5, ThreadID: uuid.New(), IsMaster: true, Status: model.ModelRunInitial},
			{ModelID: model.ModelClaudeSonnet, ThreadID: uuid.New(), Status: model.ModelRunInitial},
		},
	}
	created, err := testDB.CreateRun(context.Background(), run)
	require.NoError(t, err)
	return created
}

func TestCreateRunDuplicateMasterMessage(t *testing.T) {
	ctx := context.Background()
	run := newStoredRun(t)

	dup := run
	dup.ID = uuid.New()
	for i := range dup.AllRuns {
		dup.AllRuns[i].ThreadID = uuid.New()
	}
	_, err := testDB.CreateRun(ctx, dup)
	assert.ErrorIs(t, err, storage.ErrRunExists)

	got, err := testDB.GetRunByMasterMessage(ctx, run.MasterMessageID)
	require.NoError(t, err)
	assert.Equal(t, run.ID, got.ID)
}

func TestUpdateRunStatusForwardOnly(t *testing.T) {
	ctx := context.Background()
	run := newStoredRun(t)
	threadID := run.AllRuns[1].ThreadID

	promptID := uuid.New()
	require.NoError(t, testDB.UpdateRunStatus(ctx, run.MasterMessageID, threadID, storage.StatusUpdate{
		Status:                 model.ModelRunInitial,
		InitialPromptMessageID: &promptID,
	}))
	require.NoError(t, testDB.UpdateRunStatus(ctx, run.MasterMessageID, threadID, storage.StatusUpdate{
		Status: model.ModelRunDebate,
	}))
	require.NoError(t, testDB.UpdateRunStatus(ctx, run.MasterMessageID, threadID, storage.StatusUpdate{
		Status: model.ModelRunComplete,
	}))

	// complete is terminal: a late error report is dropped, not an error.
	msg := "late failure"
	require.NoError(t, testDB.UpdateRunStatus(ctx, run.MasterMessageID, threadID, storage.StatusUpdate{
		Status:       model.ModelRunError,
		ErrorMessage: &msg,
	}))

	got, err := testDB.GetRunByMasterMessage(ctx, run.MasterMessageID)
	require.NoError(t, err)
	i := got.RunByThread(threadID)
	require.GreaterOrEqual(t, i, 0)
	assert.Equal(t, model.ModelRunComplete, got.AllRuns[i].Status)
	assert.Nil(t, got.AllRuns[i].ErrorMessage)
	require.NotNil(t, got.AllRuns[i].InitialPromptMessageID)
	assert.Equal(t, promptID, *got.AllRuns[i].InitialPromptMessageID)

	// The sibling entry is untouched.
	assert.Equal(t, model.ModelRunInitial, got.AllRuns[0].Status)

	// Missing run and foreign thread are no-ops.
	require.NoError(t, testDB.UpdateRunStatus(ctx, uuid.New(), threadID, storage.StatusUpdate{
		Status: model.ModelRunDebate,
	}))
	require.NoError(t, testDB.UpdateRunStatus(ctx, run.MasterMessageID, uuid.New(), storage.StatusUpdate{
		Status: model.ModelRunDebate,
	}))
}

func TestAttachSummaryAndLatestRun(t *testing.T) {
	ctx := context.Background()
	run := newStoredRun(t)

	summary := model.StructuredSummary{
		Overview:    "models broadly agreed",
		Agreements:  []string{"the sky is blue"},
		Convergence: "full convergence",
		ModelEntries: []model.SummaryEntry{
			{ModelID: model.ModelGPT5, ChangedPosition: false, KeyPoints: []string{"held position"}},
		},
	}
	require.NoError(t, testDB.AttachSummary(ctx, run.MasterThreadID, summary))

	got, err := testDB.GetLatestRunByThread(ctx, run.MasterThreadID)
	require.NoError(t, err)
	require.NotNil(t, got.Summary)
	assert.Equal(t, summary.Overview, got.Summary.Overview)
	assert.Equal(t, summary.ModelEntries, got.Summary.ModelEntries)

	assert.ErrorIs(t, testDB.AttachSummary(ctx, uuid.New(), summary), storage.ErrNotFound)

	_, err = testDB.GetRunByMasterMessage(ctx, uuid.New())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestMessagesHiddenFilterAndCascade(t *testing.T) {
	ctx := context.Background()
	mid := model.ModelGPT5
	thread, err := testDB.CreateThread(ctx, model.Thread{
		UserID:  uuid.New(),
		ModelID: &mid,
		Title:   "GPT-5",
	})
	require.NoError(t, err)

	_, err = testDB.SaveMessage(ctx, model.Message{
		ThreadID: thread.ID, Role: model.RoleUser, Content: "question",
		FileParts: []model.FilePart{{FileID: uuid.New(), Name: "notes.pdf", MimeType: "application/pdf"}},
	})
	require.NoError(t, err)
	_, err = testDB.SaveMessage(ctx, model.Message{
		ThreadID: thread.ID, Role: model.RoleUser, Content: "[quorum-synthesis] merge", Hidden: true,
	})
	require.NoError(t, err)
	_, err = testDB.SaveMessage(ctx, model.Message{
		ThreadID: thread.ID, Role: model.RoleAssistant, Content: "answer",
	})
	require.NoError(t, err)

	all, err := testDB.ListMessages(ctx, thread.ID, false)
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Len(t, all[0].FileParts, 1)
	assert.Equal(t, "notes.pdf", all[0].FileParts[0].Name)

	visible, err := testDB.ListMessages(ctx, thread.ID, true)
	require.NoError(t, err)
	require.Len(t, visible, 2)
	for _, m := range visible {
		assert.False(t, m.Hidden)
	}

	// Deleting the thread cascades to its messages; re-delete is a no-op.
	require.NoError(t, testDB.DeleteThread(ctx, thread.ID))
	require.NoError(t, testDB.DeleteThread(ctx, thread.ID))
	gone, err := testDB.ListMessages(ctx, thread.ID, false)
	require.NoError(t, err)
	assert.Empty(t, gone)

	_, err = testDB.GetThread(ctx, thread.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestActiveGenerationsClampAtZero(t *testing.T) {
	ctx := context.Background()
	thread, err := testDB.CreateThread(ctx, model.Thread{UserID: uuid.New(), Title: "t"})
	require.NoError(t, err)

	require.NoError(t, testDB.AddActiveGenerations(ctx, thread.ID, 2))
	require.NoError(t, testDB.AddActiveGenerations(ctx, thread.ID, -5))

	got, err := testDB.GetThread(ctx, thread.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.ActiveGenerations)
}

func TestWorkflowStepLog(t *testing.T) {
	ctx := context.Background()
	id := uuid.New()

	require.NoError(t, testDB.CreateWorkflow(ctx, id, "debate", json.RawMessage(`{"run_id":"x"}`)))
	// Re-registration is a no-op, not an error.
	require.NoError(t, testDB.CreateWorkflow(ctx, id, "debate", json.RawMessage(`{"run_id":"y"}`)))

	pending, err := testDB.ListPendingWorkflows(ctx)
	require.NoError(t, err)
	var found bool
	for _, p := range pending {
		if p.ID == id {
			found = true
			assert.Equal(t, "debate", p.Kind)
			assert.JSONEq(t, `{"run_id":"x"}`, string(p.Payload), "first registration wins")
		}
	}
	assert.True(t, found)

	// First write wins on steps.
	require.NoError(t, testDB.SaveWorkflowStep(ctx, id, "round1", json.RawMessage(`{"text":"first"}`)))
	require.NoError(t, testDB.SaveWorkflowStep(ctx, id, "round1", json.RawMessage(`{"text":"second"}`)))
	require.NoError(t, testDB.SaveWorkflowStep(ctx, id, "round2", json.RawMessage(`{"text":"other"}`)))

	steps, err := testDB.LoadWorkflowSteps(ctx, id)
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.JSONEq(t, `{"text":"first"}`, string(steps["round1"]))

	// Completion removes it from the pending sweep.
	require.NoError(t, testDB.CompleteWorkflow(ctx, id))
	pending, err = testDB.ListPendingWorkflows(ctx)
	require.NoError(t, err)
	for _, p := range pending {
		assert.NotEqual(t, id, p.ID)
	}
}
