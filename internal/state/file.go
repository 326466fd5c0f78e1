package state

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// FileStore persists each run as a JSON file in a directory.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

// NewFileStore creates the directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("state directory is required")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create state directory %s: %w", dir, err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) runPath(runID string) string {
	return filepath.Join(s.dir, "run_"+runID+".json")
}

// Save writes the run atomically via a temp file and rename.
func (s *FileStore) Save(ctx context.Context, run *Run) error {
	if run.ID == "" {
		return fmt.Errorf("run has no ID")
	}

	data, err := json.MarshalIndent(run, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal run: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.runPath(run.ID)
	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("write run temp file: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("rename run file: %w", err)
	}
	return nil
}

// Load reads a run by ID.
func (s *FileStore) Load(ctx context.Context, runID string) (*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadFromPath(s.runPath(runID))
}

func (s *FileStore) loadFromPath(path string) (*Run, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read run file: %w", err)
	}

	var run Run
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, fmt.Errorf("parse run file %s: %w", filepath.Base(path), err)
	}
	return &run, nil
}

// LastRun scans every run file for the logical date.
func (s *FileStore) LastRun(ctx context.Context, logicalDate string) (*Run, error) {
	runs, err := s.all()
	if err != nil {
		return nil, err
	}
	var matching []*Run
	for _, r := range runs {
		if r.LogicalDate == logicalDate {
			matching = append(matching, r)
		}
	}
	if len(matching) == 0 {
		return nil, ErrNotFound
	}
	newestFirst(matching)
	return matching[0], nil
}

// List returns the newest runs first.
func (s *FileStore) List(ctx context.Context, limit int) ([]*Run, error) {
	runs, err := s.all()
	if err != nil {
		return nil, err
	}
	newestFirst(runs)
	return truncate(runs, limit), nil
}

func (s *FileStore) all() ([]*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read state directory: %w", err)
	}

	var runs []*Run
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || filepath.Ext(name) != ".json" || !strings.HasPrefix(name, "run_") {
			continue
		}
		run, err := s.loadFromPath(filepath.Join(s.dir, name))
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, nil
}

func (s *FileStore) Close() error { return nil }
