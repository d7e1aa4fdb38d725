package planstore

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/openfroyo/froyo-agent/pkg/engine"
)

func setupStore(t *testing.T) *Store {
	t.Helper()

	s, err := New(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return s
}

func TestValidateID(t *testing.T) {
	tests := []struct {
		id      string
		wantErr bool
	}{
		{"plan-1", false},
		{"3f2a9c1e-0000-4000-8000-000000000000", false},
		{"unknown", false},
		{".hidden", false},
		{"", true},
		{".", true},
		{"..", true},
		{"../etc/passwd", true},
		{"a/b", true},
		{`a\b`, true},
		{"..sneaky", true},
	}

	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			err := ValidateID(tt.id)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateID(%q) error = %v, wantErr %v", tt.id, err, tt.wantErr)
			}
		})
	}
}

func TestStagePlan(t *testing.T) {
	s := setupStore(t)

	path, err := s.StagePlan("abc", []byte(`{"commands":[]}`), "")
	if err != nil {
		t.Fatalf("StagePlan failed: %v", err)
	}
	if path != filepath.Join(s.Dir(), "abc.json") {
		t.Errorf("path = %q", path)
	}
	data, err := os.ReadFile(path)
	if err != nil || string(data) != `{"commands":[]}` {
		t.Errorf("staged content = %q, %v", data, err)
	}

	unknown, err := s.StagePlan("", []byte("{}"), "reply-q")
	if err != nil {
		t.Fatalf("StagePlan without id failed: %v", err)
	}
	if IDFromPath(unknown) != engine.UnknownID {
		t.Errorf("id = %q, want %q", IDFromPath(unknown), engine.UnknownID)
	}
	if got := s.ReadRoute(unknown); got != "reply-q" {
		t.Errorf("route = %q, want reply-q", got)
	}

	_, err = s.StagePlan("../escape", []byte("{}"), "")
	if !engine.IsPlan(err) {
		t.Errorf("expected plan error for traversal id, got %v", err)
	}
}

func TestPendingPlansAndOrphans(t *testing.T) {
	s := setupStore(t)

	for _, id := range []string{"b", "a", "c"} {
		if _, err := s.StagePlan(id, []byte("{}"), ""); err != nil {
			t.Fatalf("StagePlan(%s) failed: %v", id, err)
		}
	}
	// a finished: plan removed, result present
	if err := s.WriteResult(s.PlanPath("a"), []byte(`{"isException":false,"result":[]}`)); err != nil {
		t.Fatalf("WriteResult failed: %v", err)
	}
	if err := s.RemovePlan(s.PlanPath("a")); err != nil {
		t.Fatalf("RemovePlan failed: %v", err)
	}
	// b has a stale result but its plan is still pending
	if err := s.WriteResult(s.PlanPath("b"), []byte("{}")); err != nil {
		t.Fatalf("WriteResult failed: %v", err)
	}
	// c is running
	if err := s.WriteCheckpoint(s.PlanPath("c"), []byte(`[]`)); err != nil {
		t.Fatalf("WriteCheckpoint failed: %v", err)
	}

	pending, err := s.PendingPlans()
	if err != nil {
		t.Fatalf("PendingPlans failed: %v", err)
	}
	want := []string{s.PlanPath("b"), s.PlanPath("c")}
	if !reflect.DeepEqual(pending, want) {
		t.Errorf("pending = %v, want %v", pending, want)
	}

	orphans, err := s.OrphanResults()
	if err != nil {
		t.Fatalf("OrphanResults failed: %v", err)
	}
	if len(orphans) != 1 || IDFromPath(orphans[0]) != "a" {
		t.Errorf("orphans = %v, want only a", orphans)
	}

	if err := s.RemoveResult(orphans[0]); err != nil {
		t.Fatalf("RemoveResult failed: %v", err)
	}
	if err := s.RemoveResult(orphans[0]); err != nil {
		t.Errorf("second RemoveResult should be a no-op, got %v", err)
	}
}

func TestCheckpointLifecycle(t *testing.T) {
	s := setupStore(t)
	plan := s.PlanPath("p")

	if _, err := s.ReadCheckpoint(plan); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected not-exist, got %v", err)
	}

	for _, body := range []string{`[1]`, `[1,2]`} {
		if err := s.WriteCheckpoint(plan, []byte(body)); err != nil {
			t.Fatalf("WriteCheckpoint failed: %v", err)
		}
		got, err := s.ReadCheckpoint(plan)
		if err != nil || string(got) != body {
			t.Fatalf("ReadCheckpoint = %q, %v, want %q", got, err, body)
		}
	}

	if err := s.RemoveCheckpoint(plan); err != nil {
		t.Fatalf("RemoveCheckpoint failed: %v", err)
	}
	if err := s.RemoveCheckpoint(plan); err != nil {
		t.Errorf("RemoveCheckpoint on missing file should succeed, got %v", err)
	}

	entries, _ := os.ReadDir(s.Dir())
	for _, e := range entries {
		if filepath.Ext(e.Name()) != ".json" && e.Name() != StampFile {
			t.Errorf("leftover file %s", e.Name())
		}
	}
}

func TestStamp(t *testing.T) {
	s := setupStore(t)

	v, err := s.Stamp()
	if err != nil || v != 0 {
		t.Fatalf("initial stamp = %d, %v, want 0", v, err)
	}

	if err := s.SetStamp(42); err != nil {
		t.Fatalf("SetStamp failed: %v", err)
	}
	data, _ := os.ReadFile(filepath.Join(s.Dir(), StampFile))
	if string(data) != "42" {
		t.Errorf("stamp file = %q, want 42", data)
	}

	// A fresh store reads it back.
	reopened, err := New(s.Dir(), nil)
	if err != nil {
		t.Fatalf("failed to reopen store: %v", err)
	}
	if v, _ := reopened.Stamp(); v != 42 {
		t.Errorf("reopened stamp = %d, want 42", v)
	}

	// The value is cached after the first read.
	_ = os.WriteFile(filepath.Join(s.Dir(), StampFile), []byte("7"), 0o600)
	if v, _ := reopened.Stamp(); v != 42 {
		t.Errorf("cached stamp = %d, want 42", v)
	}
}

func TestStampGarbageIsZero(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, StampFile), []byte("not-a-number"), 0o600); err != nil {
		t.Fatalf("failed to write stamp: %v", err)
	}
	s, err := New(dir, nil)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	if v, err := s.Stamp(); err != nil || v != 0 {
		t.Errorf("Stamp() = %d, %v, want 0, nil", v, err)
	}
}

func TestIDFromPath(t *testing.T) {
	tests := map[string]string{
		"/x/abc.json":            "abc",
		"/x/abc.json.result":     "abc",
		"/x/abc.json.result.tmp": "abc",
		"/x/abc.json.route":      "abc",
		"unknown.json":           "unknown",
	}
	for path, want := range tests {
		if got := IDFromPath(path); got != want {
			t.Errorf("IDFromPath(%q) = %q, want %q", path, got, want)
		}
	}
}

func TestAtomicWriteReplaces(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "f.json")
	if err := AtomicWrite(path, []byte("one"), 0o600); err != nil {
		t.Fatalf("AtomicWrite failed: %v", err)
	}
	if err := AtomicWrite(path, []byte("two"), 0o600); err != nil {
		t.Fatalf("AtomicWrite failed: %v", err)
	}
	data, _ := os.ReadFile(path)
	if string(data) != "two" {
		t.Errorf("content = %q, want two", data)
	}
	info, _ := os.Stat(path)
	if info.Mode().Perm() != 0o600 {
		t.Errorf("mode = %v, want 0600", info.Mode().Perm())
	}
	entries, _ := os.ReadDir(filepath.Dir(path))
	if len(entries) != 1 {
		t.Errorf("expected only the target file, found %d entries", len(entries))
	}
}
