package store

import (
	"errors"
	"path/filepath"
	"testing"

	"chat-analytics-etl/internal/model"

	"github.com/go-playground/assert/v2"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "runs.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestRunLifecycle(t *testing.T) {
	db := openTestDB(t)

	run, err := db.CreateRun("run-1")
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	assert.Equal(t, run.Phase, model.PhasePending)

	for _, phase := range []model.Phase{
		model.PhaseExtracting, model.PhaseTransforming, model.PhaseLoading, model.PhaseCompleted,
	} {
		if err := db.SetPhase("run-1", phase, ""); err != nil {
			t.Fatalf("SetPhase(%s): %v", phase, err)
		}
	}

	got, err := db.GetRun("run-1")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	assert.Equal(t, got.Phase, model.PhaseCompleted)
	if got.CompletedAt == nil {
		t.Fatal("terminal run missing completed_at")
	}
}

func TestTerminalPhaseIsImmutable(t *testing.T) {
	db := openTestDB(t)
	db.CreateRun("run-1")
	if err := db.SetPhase("run-1", model.PhaseFailed, "boom"); err != nil {
		t.Fatalf("SetPhase: %v", err)
	}

	err := db.SetPhase("run-1", model.PhaseExtracting, "")
	if !errors.Is(err, ErrTerminalPhase) {
		t.Fatalf("expected ErrTerminalPhase, got %v", err)
	}
	err = db.RequestCancel("run-1")
	if !errors.Is(err, ErrTerminalPhase) {
		t.Fatalf("expected ErrTerminalPhase on cancel, got %v", err)
	}

	got, _ := db.GetRun("run-1")
	assert.Equal(t, got.Phase, model.PhaseFailed)
	assert.Equal(t, got.LastError, "boom")
}

func TestMissingRun(t *testing.T) {
	db := openTestDB(t)
	_, err := db.GetRun("nope")
	if !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("expected ErrRunNotFound, got %v", err)
	}
	if err := db.SetPhase("nope", model.PhaseExtracting, ""); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("expected ErrRunNotFound, got %v", err)
	}
}

func TestCancelFlag(t *testing.T) {
	db := openTestDB(t)
	db.CreateRun("run-1")

	requested, err := db.CancelRequested("run-1")
	if err != nil {
		t.Fatalf("CancelRequested: %v", err)
	}
	assert.Equal(t, requested, false)

	if err := db.RequestCancel("run-1"); err != nil {
		t.Fatalf("RequestCancel: %v", err)
	}
	requested, _ = db.CancelRequested("run-1")
	assert.Equal(t, requested, true)
}

func TestActivityAttemptsAccumulate(t *testing.T) {
	db := openTestDB(t)
	db.CreateRun("run-1")

	attempt, err := db.BeginActivity("run-1", "extract:users")
	if err != nil {
		t.Fatalf("BeginActivity: %v", err)
	}
	assert.Equal(t, attempt, 1)

	db.FinishActivity("run-1", "extract:users", model.ActivityFailed, "timeout")
	attempt, _ = db.BeginActivity("run-1", "extract:users")
	assert.Equal(t, attempt, 2)

	if err := db.Heartbeat("run-1", "extract:users"); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	state, err := db.GetActivity("run-1", "extract:users")
	if err != nil {
		t.Fatalf("GetActivity: %v", err)
	}
	assert.Equal(t, state.Attempts, 2)
	assert.Equal(t, state.Status, model.ActivityRunning)
	if state.HeartbeatAt == nil {
		t.Fatal("heartbeat not recorded")
	}

	db.FinishActivity("run-1", "extract:users", model.ActivityDone, "")
	states, err := db.ListActivities("run-1")
	if err != nil {
		t.Fatalf("ListActivities: %v", err)
	}
	assert.Equal(t, len(states), 1)
	assert.Equal(t, states[0].Status, model.ActivityDone)
}

func TestSnapshotRoundTrip(t *testing.T) {
	db := openTestDB(t)
	db.CreateRun("run-1")

	set := model.NewEntitySet(model.KindUsers, 2)
	set.Users[1] = model.User{ID: 1, Username: "alice", IsActive: true}
	set.Users[2] = model.User{ID: 2, Username: "bob"}
	if err := db.SaveSnapshot("run-1", set); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}

	got, err := db.LoadSnapshot("run-1", model.KindUsers)
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	assert.Equal(t, got.Total, 2)
	assert.Equal(t, got.Users[1].Username, "alice")

	// Re-saving overwrites instead of duplicating.
	set.Users[3] = model.User{ID: 3, Username: "carol"}
	set.Total = 3
	db.SaveSnapshot("run-1", set)
	got, _ = db.LoadSnapshot("run-1", model.KindUsers)
	assert.Equal(t, got.Len(), 3)

	missing, err := db.LoadSnapshot("run-1", model.KindChats)
	if err != nil {
		t.Fatalf("LoadSnapshot(chats): %v", err)
	}
	if missing != nil {
		t.Fatal("expected nil for never-extracted kind")
	}

	snap, err := db.LoadSnapshots("run-1")
	if err != nil {
		t.Fatalf("LoadSnapshots: %v", err)
	}
	assert.Equal(t, snap.Complete(), false)
	assert.Equal(t, len(snap.Users()), 3)
}

func TestResumableRuns(t *testing.T) {
	db := openTestDB(t)
	db.CreateRun("done")
	db.SetPhase("done", model.PhaseCompleted, "")
	db.CreateRun("stuck")
	db.SetPhase("stuck", model.PhaseTransforming, "")

	runs, err := db.ResumableRuns()
	if err != nil {
		t.Fatalf("ResumableRuns: %v", err)
	}
	assert.Equal(t, len(runs), 1)
	assert.Equal(t, runs[0].RunID, "stuck")
	assert.Equal(t, runs[0].Phase, model.PhaseTransforming)
}
