package stores

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/openfroyo/froyo-agent/pkg/telemetry"
)

// setupTestStore creates a migrated file-backed store for testing
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(Config{
		Path: filepath.Join(t.TempDir(), "journal.db"),
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}

	t.Cleanup(func() { _ = store.Close() })
	return store
}

// TestStoreLifecycle tests database initialization and closure
func TestStoreLifecycle(t *testing.T) {
	store, err := NewSQLiteStore(Config{
		Path: ":memory:",
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}

	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("migrate failed: %v", err)
	}
	// Second run is a no-op.
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("second migrate failed: %v", err)
	}

	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}
}

func TestNewSQLiteStoreRequiresPath(t *testing.T) {
	if _, err := NewSQLiteStore(Config{}); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestMigrateBeforeInit(t *testing.T) {
	store, _ := NewSQLiteStore(Config{Path: ":memory:"})
	if err := store.Migrate(context.Background()); err == nil {
		t.Fatal("expected error when migrating an unopened store")
	}
}

func TestRunLifecycle(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	started := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	if err := store.StartRun(ctx, &Run{
		ID:        "run-1",
		PlanID:    "plan-a",
		Stamp:     5,
		Commands:  3,
		StartedAt: started,
	}); err != nil {
		t.Fatalf("StartRun failed: %v", err)
	}

	run, err := store.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if run.Status != RunStatusRunning || run.Stamp != 5 || run.Commands != 3 {
		t.Errorf("unexpected running row: %+v", run)
	}
	if run.CompletedAt != nil {
		t.Errorf("running run has completed_at %v", run.CompletedAt)
	}
	if !run.StartedAt.Equal(started) {
		t.Errorf("started_at = %v, want %v", run.StartedAt, started)
	}

	completed := started.Add(2 * time.Minute)
	if err := store.FinishRun(ctx, &Run{
		ID:          "run-1",
		PlanID:      "plan-a",
		Status:      RunStatusCompleted,
		Failures:    1,
		Reboot:      true,
		CompletedAt: &completed,
	}); err != nil {
		t.Fatalf("FinishRun failed: %v", err)
	}

	run, err = store.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if run.Status != RunStatusCompleted || run.Failures != 1 || !run.Reboot {
		t.Errorf("unexpected finished row: %+v", run)
	}
	if run.Stamp != 5 {
		t.Errorf("finishing must keep the stamp, got %d", run.Stamp)
	}
	if run.CompletedAt == nil || !run.CompletedAt.Equal(completed) {
		t.Errorf("completed_at = %v, want %v", run.CompletedAt, completed)
	}
	if !run.StartedAt.Equal(started) {
		t.Errorf("finishing must keep started_at, got %v", run.StartedAt)
	}
}

func TestFinishRunWithoutStart(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	reason := "scripts[0]: illegal base64 data"
	if err := store.FinishRun(ctx, &Run{
		ID:     "run-x",
		PlanID: "plan-x",
		Status: RunStatusFailed,
		Error:  &reason,
	}); err != nil {
		t.Fatalf("FinishRun failed: %v", err)
	}

	run, err := store.GetRun(ctx, "run-x")
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if run.Error == nil || *run.Error != reason {
		t.Errorf("error = %v, want %q", run.Error, reason)
	}
	if run.CompletedAt == nil || !run.StartedAt.Equal(*run.CompletedAt) {
		t.Errorf("started_at %v should equal completed_at %v", run.StartedAt, run.CompletedAt)
	}
}

func TestFinishRunRejectsRunningStatus(t *testing.T) {
	store := setupTestStore(t)
	err := store.FinishRun(context.Background(), &Run{ID: "r", PlanID: "p", Status: RunStatusRunning})
	if err == nil {
		t.Fatal("expected error for non-terminal status")
	}
}

func TestGetRunNotFound(t *testing.T) {
	store := setupTestStore(t)
	if _, err := store.GetRun(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListRunsAndCounts(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	runs := []struct {
		id     string
		plan   string
		status RunStatus
	}{
		{"r1", "a", RunStatusCompleted},
		{"r2", "b", RunStatusFailed},
		{"r3", "a", RunStatusDropped},
		{"r4", "a", RunStatusRunning},
	}
	for i, r := range runs {
		run := &Run{ID: r.id, PlanID: r.plan, Status: r.status, StartedAt: base.Add(time.Duration(i) * time.Hour)}
		var err error
		if r.status == RunStatusRunning {
			err = store.StartRun(ctx, run)
		} else {
			err = store.FinishRun(ctx, run)
		}
		if err != nil {
			t.Fatalf("failed to record %s: %v", r.id, err)
		}
	}

	tests := []struct {
		name   string
		plan   string
		limit  int
		offset int
		want   []string
	}{
		{"all newest first", "", 0, 0, []string{"r4", "r3", "r2", "r1"}},
		{"by plan", "a", 0, 0, []string{"r4", "r3", "r1"}},
		{"limit", "", 2, 0, []string{"r4", "r3"}},
		{"offset", "", 2, 2, []string{"r2", "r1"}},
		{"unknown plan", "zzz", 0, 0, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := store.ListRuns(ctx, tt.plan, tt.limit, tt.offset)
			if err != nil {
				t.Fatalf("ListRuns failed: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %d runs, want %d", len(got), len(tt.want))
			}
			for i, id := range tt.want {
				if got[i].ID != id {
					t.Errorf("runs[%d] = %s, want %s", i, got[i].ID, id)
				}
			}
		})
	}

	counts, err := store.CountRunsByStatus(ctx)
	if err != nil {
		t.Fatalf("CountRunsByStatus failed: %v", err)
	}
	want := map[RunStatus]int{
		RunStatusCompleted: 1,
		RunStatusFailed:    1,
		RunStatusDropped:   1,
		RunStatusRunning:   1,
	}
	for status, n := range want {
		if counts[status] != n {
			t.Errorf("count[%s] = %d, want %d", status, counts[status], n)
		}
	}
}

func TestEventsQuery(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	run := "run-1"
	plan := "plan-a"
	other := "plan-b"
	events := []*Event{
		{EventID: "e1", RunID: &run, PlanID: &plan, Type: telemetry.EventTypePlanStarted, Level: "info", Message: "started"},
		{EventID: "e2", RunID: &run, PlanID: &plan, Type: telemetry.EventTypeCommandCompleted, Level: "info", Message: "cmd"},
		{EventID: "e3", PlanID: &other, Type: telemetry.EventTypePlanRejected, Level: "error", Message: "rejected"},
	}
	for _, e := range events {
		e.Timestamp = time.Now()
		if err := store.AppendEvent(ctx, e); err != nil {
			t.Fatalf("AppendEvent failed: %v", err)
		}
		if e.ID == 0 {
			t.Errorf("event %s was not assigned an id", e.EventID)
		}
	}

	tests := []struct {
		name string
		q    EventQuery
		want []string
	}{
		{"all", EventQuery{}, []string{"e1", "e2", "e3"}},
		{"by run", EventQuery{RunID: run}, []string{"e1", "e2"}},
		{"by plan", EventQuery{PlanID: other}, []string{"e3"}},
		{"by type", EventQuery{Type: telemetry.EventTypeCommandCompleted}, []string{"e2"}},
		{"paged", EventQuery{Limit: 1, Offset: 1}, []string{"e2"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := store.GetEvents(ctx, tt.q)
			if err != nil {
				t.Fatalf("GetEvents failed: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %d events, want %d", len(got), len(tt.want))
			}
			for i, id := range tt.want {
				if got[i].EventID != id {
					t.Errorf("events[%d] = %s, want %s", i, got[i].EventID, id)
				}
			}
		})
	}
}

func TestPruneBefore(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	old := time.Now().Add(-48 * time.Hour)
	if err := store.FinishRun(ctx, &Run{ID: "old", PlanID: "p", Status: RunStatusCompleted, CompletedAt: &old}); err != nil {
		t.Fatalf("FinishRun failed: %v", err)
	}
	if err := store.FinishRun(ctx, &Run{ID: "new", PlanID: "p", Status: RunStatusCompleted}); err != nil {
		t.Fatalf("FinishRun failed: %v", err)
	}
	if err := store.StartRun(ctx, &Run{ID: "live", PlanID: "p", StartedAt: old}); err != nil {
		t.Fatalf("StartRun failed: %v", err)
	}

	n, err := store.PruneBefore(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("PruneBefore failed: %v", err)
	}
	if n != 1 {
		t.Errorf("pruned %d runs, want 1", n)
	}
	if _, err := store.GetRun(ctx, "old"); !errors.Is(err, ErrNotFound) {
		t.Errorf("old run should be gone, got %v", err)
	}
	for _, id := range []string{"new", "live"} {
		if _, err := store.GetRun(ctx, id); err != nil {
			t.Errorf("run %s should remain: %v", id, err)
		}
	}
}
