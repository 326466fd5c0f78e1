package state

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

var stages = []string{"extract", "transform", "load", "aggregate"}

func stores(t *testing.T) map[string]Store {
	t.Helper()
	dir := t.TempDir()

	fs, err := NewFileStore(filepath.Join(dir, "runs"))
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	sq, err := NewSQLiteStore(filepath.Join(dir, "state.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { sq.Close() })

	return map[string]Store{
		"file":   fs,
		"sqlite": sq,
		"memory": NewMemoryStore(),
	}
}

func TestStore_SaveLoad(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2024, 3, 1, 6, 0, 0, 0, time.UTC)

	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			run := NewRun("run-1", "2024-03-01", stages, start)
			if err := s.Save(ctx, run); err != nil {
				t.Fatalf("Save: %v", err)
			}

			// Transition and save again; the latest version wins.
			ex := run.Task("extract")
			ex.Status = StatusSuccess
			ex.Attempts = 2
			ex.StartedAt = start
			ex.EndedAt = start.Add(time.Minute)
			run.Task("transform").Status = StatusFailed
			run.Task("transform").Error = "boom"
			run.Status = StatusFailed
			run.EndedAt = start.Add(2 * time.Minute)
			if err := s.Save(ctx, run); err != nil {
				t.Fatalf("Save: %v", err)
			}

			got, err := s.Load(ctx, "run-1")
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if got.Status != StatusFailed {
				t.Errorf("status: got %s", got.Status)
			}
			if len(got.Tasks) != 4 {
				t.Fatalf("tasks: got %d", len(got.Tasks))
			}
			if got.Tasks[0].Task != "extract" || got.Tasks[3].Task != "aggregate" {
				t.Errorf("task order lost: %+v", got.Tasks)
			}
			if got.Tasks[0].Attempts != 2 || !got.Tasks[0].EndedAt.Equal(start.Add(time.Minute)) {
				t.Errorf("extract state: %+v", got.Tasks[0])
			}
			if got.Task("transform").Error != "boom" {
				t.Errorf("transform error: %q", got.Task("transform").Error)
			}
			if got.Task("load").Status != StatusPending {
				t.Errorf("load status: %s", got.Task("load").Status)
			}
			if got.Duration() != 2*time.Minute {
				t.Errorf("duration: %v", got.Duration())
			}
		})
	}
}

func TestStore_NotFound(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			if _, err := s.Load(ctx, "missing"); !errors.Is(err, ErrNotFound) {
				t.Errorf("Load: expected ErrNotFound, got %v", err)
			}
			if _, err := s.LastRun(ctx, "2024-01-01"); !errors.Is(err, ErrNotFound) {
				t.Errorf("LastRun: expected ErrNotFound, got %v", err)
			}
		})
	}
}

func TestStore_LastRunAndList(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 6, 0, 0, 0, time.UTC)

	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			first := NewRun("a", "2024-03-01", stages, base)
			first.Status = StatusFailed
			retry := NewRun("b", "2024-03-01", stages, base.Add(10*time.Minute))
			retry.Status = StatusSuccess
			next := NewRun("c", "2024-03-02", stages, base.Add(24*time.Hour))

			for _, r := range []*Run{retry, next, first} {
				if err := s.Save(ctx, r); err != nil {
					t.Fatalf("Save: %v", err)
				}
			}

			last, err := s.LastRun(ctx, "2024-03-01")
			if err != nil {
				t.Fatalf("LastRun: %v", err)
			}
			if last.ID != "b" || last.Status != StatusSuccess {
				t.Errorf("LastRun: got %s/%s", last.ID, last.Status)
			}

			all, err := s.List(ctx, 0)
			if err != nil {
				t.Fatalf("List: %v", err)
			}
			if len(all) != 3 || all[0].ID != "c" || all[2].ID != "a" {
				t.Errorf("List order: %v", ids(all))
			}

			limited, err := s.List(ctx, 2)
			if err != nil {
				t.Fatalf("List: %v", err)
			}
			if len(limited) != 2 {
				t.Errorf("List limit: got %d", len(limited))
			}
		})
	}
}

func TestMemoryStore_DoesNotAlias(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	run := NewRun("x", "2024-03-01", stages, time.Now())
	s.Save(ctx, run)

	run.Task("extract").Status = StatusRunning

	got, _ := s.Load(ctx, "x")
	if got.Task("extract").Status != StatusPending {
		t.Errorf("stored run was mutated through caller's pointer")
	}
}

func TestNewStore(t *testing.T) {
	if _, err := NewStore(Config{Backend: "redis"}); err == nil {
		t.Error("expected error for unknown backend")
	}
	s, err := NewStore(Config{Backend: "file", Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if _, ok := s.(*FileStore); !ok {
		t.Errorf("expected *FileStore, got %T", s)
	}
}

func TestStatus_Done(t *testing.T) {
	for _, s := range []Status{StatusSuccess, StatusFailed, StatusSkipped, StatusUpstreamFailed} {
		if !s.Done() {
			t.Errorf("%s should be done", s)
		}
	}
	for _, s := range []Status{StatusPending, StatusRunning, StatusUpForRetry} {
		if s.Done() {
			t.Errorf("%s should not be done", s)
		}
	}
}

func ids(runs []*Run) []string {
	out := make([]string, len(runs))
	for i, r := range runs {
		out[i] = r.ID
	}
	return out
}
