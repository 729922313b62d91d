package state

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

func tempDB(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := NewStore(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateInitialAndGetCurrent(t *testing.T) {
	s := tempDB(t)

	rec, err := s.CreateInitialState(Initial())
	if err != nil {
		t.Fatalf("CreateInitialState: %v", err)
	}
	if rec.VersionID == "" {
		t.Fatal("expected non-empty version ID")
	}
	if rec.ParentID != "" {
		t.Fatalf("expected empty parent, got %s", rec.ParentID)
	}

	cur, err := s.GetCurrent()
	if err != nil {
		t.Fatalf("GetCurrent: %v", err)
	}
	if cur.VersionID != rec.VersionID {
		t.Fatalf("expected %s, got %s", rec.VersionID, cur.VersionID)
	}
	if !cur.State.Equal(Initial()) {
		t.Fatalf("expected initial state, got %+v", cur.State)
	}
	if cur.Trigger != TriggerInit {
		t.Fatalf("expected trigger %s, got %s", TriggerInit, cur.Trigger)
	}
}

func TestCommitStateLinksParent(t *testing.T) {
	s := tempDB(t)

	v1, err := s.CreateInitialState(Initial())
	if err != nil {
		t.Fatalf("CreateInitialState: %v", err)
	}

	now := time.Date(2025, 3, 1, 12, 0, 0, 123, time.UTC)
	next := SystemState{AlignmentScore: 0.8, CoherenceLevel: 1, EthicalDriftDetected: true, LastSynthesis: &now}
	v2, err := s.CommitState(next, TriggerDrift)
	if err != nil {
		t.Fatalf("CommitState: %v", err)
	}
	if v2.ParentID != v1.VersionID {
		t.Fatalf("expected parent %s, got %s", v1.VersionID, v2.ParentID)
	}

	cur, err := s.GetCurrent()
	if err != nil {
		t.Fatalf("GetCurrent: %v", err)
	}
	if cur.VersionID != v2.VersionID {
		t.Fatalf("expected %s, got %s", v2.VersionID, cur.VersionID)
	}
	if !cur.State.Equal(next) {
		t.Fatalf("state mismatch: %+v vs %+v", cur.State, next)
	}
}

func TestCommitWithoutInitialState(t *testing.T) {
	s := tempDB(t)

	rec, err := s.CommitState(Initial(), TriggerSynthesis)
	if err != nil {
		t.Fatalf("CommitState: %v", err)
	}
	if rec.ParentID != "" {
		t.Fatalf("expected no parent, got %s", rec.ParentID)
	}
	cur, err := s.GetCurrent()
	if err != nil {
		t.Fatalf("GetCurrent: %v", err)
	}
	if cur.VersionID != rec.VersionID {
		t.Fatalf("expected %s active, got %s", rec.VersionID, cur.VersionID)
	}
}

func TestListVersions(t *testing.T) {
	s := tempDB(t)
	s.CreateInitialState(Initial())
	last, _ := s.CommitState(SystemState{AlignmentScore: 0.5}, TriggerDrift)

	versions, err := s.ListVersions(10)
	if err != nil {
		t.Fatalf("ListVersions: %v", err)
	}
	if len(versions) != 2 {
		t.Fatalf("expected 2 versions, got %d", len(versions))
	}
	if versions[0].VersionID != last.VersionID {
		t.Fatalf("expected newest first, got %s", versions[0].VersionID)
	}

	one, _ := s.ListVersions(1)
	if len(one) != 1 {
		t.Fatalf("expected limit to apply, got %d", len(one))
	}
}

func TestNewStoreInvalidPath(t *testing.T) {
	_, err := NewStore(filepath.Join(string(os.PathSeparator), "nonexistent", "deep", "path", "test.db"))
	if err == nil {
		t.Fatal("expected error for invalid path")
	}
}

func TestGetVersionNotFound(t *testing.T) {
	s := tempDB(t)
	s.CreateInitialState(Initial())

	if _, err := s.GetVersion("nonexistent-id"); err == nil {
		t.Fatal("expected error for nonexistent version")
	}
}

func TestGetCurrentNoActiveState(t *testing.T) {
	s := tempDB(t)
	if _, err := s.GetCurrent(); err == nil {
		t.Fatal("expected error when no active state exists")
	}
}

func TestSystemStateCloneAndEqual(t *testing.T) {
	now := time.Now()
	a := SystemState{AlignmentScore: 1, CoherenceLevel: 1, LastSynthesis: &now}
	b := a.Clone()
	if !a.Equal(b) {
		t.Fatal("clone should be equal")
	}
	later := now.Add(time.Second)
	*b.LastSynthesis = later
	if a.LastSynthesis.Equal(later) {
		t.Fatal("clone must not alias LastSynthesis")
	}
	if a.Equal(Initial()) {
		t.Fatal("states with and without synthesis time must differ")
	}
}
