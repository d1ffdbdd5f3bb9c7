package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/vidforge/renderqueue/internal/queue"
)

// snapshotVersion tags the on-disk schema. An unknown version fails fast
// with queue.ErrCorruptState instead of being misinterpreted.
const snapshotVersion = 1

// snapshot is the durable representation of the whole queue. Jobs are kept
// as an ordered list so FIFO fairness survives a reload.
type snapshot struct {
	Version int          `json:"version"`
	Jobs    []*queue.Job `json:"jobs"`
}

// FileStore is a file-backed Store. The full snapshot is rewritten with
// write-to-temp-then-rename semantics on every mutation, so a crash mid-write
// never leaves a half-written file behind.
type FileStore struct {
	path   string
	logger *slog.Logger

	mu    sync.Mutex
	jobs  map[string]*queue.Job
	order []string
}

// OpenFileStore loads the snapshot at path, creating an empty store when the
// file does not exist yet. A file that exists but cannot be parsed yields an
// error wrapping queue.ErrCorruptState; the caller decides whether to abort
// or start over, unknown jobs are never silently dropped.
func OpenFileStore(path string, logger *slog.Logger) (*FileStore, error) {
	s := &FileStore{
		path:   path,
		logger: logger,
		jobs:   make(map[string]*queue.Job),
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			s.logger.Info("No queue snapshot found, starting empty",
				slog.String("path", path),
			)
			return s, nil
		}
		return nil, fmt.Errorf("failed to read queue snapshot: %w", err)
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("%w: %v (path %s)", queue.ErrCorruptState, err, path)
	}
	if snap.Version != snapshotVersion {
		return nil, fmt.Errorf("%w: unsupported snapshot version %d (path %s)",
			queue.ErrCorruptState, snap.Version, path)
	}

	for _, job := range snap.Jobs {
		if job.ID == "" || !job.State.Valid() {
			return nil, fmt.Errorf("%w: malformed job record %q", queue.ErrCorruptState, job.ID)
		}
		if _, ok := s.jobs[job.ID]; ok {
			return nil, fmt.Errorf("%w: duplicate job id %q", queue.ErrCorruptState, job.ID)
		}
		s.jobs[job.ID] = job
		s.order = append(s.order, job.ID)
	}

	s.logger.Info("Queue snapshot loaded",
		slog.String("path", path),
		slog.Int("jobs", len(s.order)),
	)

	return s, nil
}

// Append adds a new job and persists the snapshot.
func (s *FileStore) Append(ctx context.Context, job *queue.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[job.ID]; ok {
		return fmt.Errorf("%w: %s", queue.ErrDuplicateID, job.ID)
	}

	s.jobs[job.ID] = job.Clone()
	s.order = append(s.order, job.ID)

	if err := s.save(); err != nil {
		// Roll back so memory never claims more than disk holds.
		delete(s.jobs, job.ID)
		s.order = s.order[:len(s.order)-1]
		return err
	}

	return nil
}

// Update applies fn to a copy of the job, and only on success swaps it in
// and persists. A failed mutation leaves both memory and disk untouched.
func (s *FileStore) Update(ctx context.Context, id string, fn Mutation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", queue.ErrJobNotFound, id)
	}

	next := current.Clone()
	if err := fn(next); err != nil {
		return err
	}

	s.jobs[id] = next
	if err := s.save(); err != nil {
		s.jobs[id] = current
		return err
	}

	return nil
}

// Get returns a copy of one job.
func (s *FileStore) Get(ctx context.Context, id string) (*queue.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", queue.ErrJobNotFound, id)
	}
	return job.Clone(), nil
}

// List returns copies of all jobs in insertion order.
func (s *FileStore) List(ctx context.Context) ([]*queue.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	jobs := make([]*queue.Job, 0, len(s.order))
	for _, id := range s.order {
		jobs = append(jobs, s.jobs[id].Clone())
	}
	return jobs, nil
}

// ClearTerminal drops archived jobs that need no further scheduling.
func (s *FileStore) ClearTerminal(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var kept []string
	removed := 0
	for _, id := range s.order {
		if s.jobs[id].Done() {
			removed++
			continue
		}
		kept = append(kept, id)
	}
	if removed == 0 {
		return 0, nil
	}

	prevJobs := s.jobs
	prevOrder := s.order

	jobs := make(map[string]*queue.Job, len(kept))
	for _, id := range kept {
		jobs[id] = s.jobs[id]
	}
	s.jobs = jobs
	s.order = kept

	if err := s.save(); err != nil {
		s.jobs = prevJobs
		s.order = prevOrder
		return 0, err
	}

	s.logger.Info("Cleared terminal jobs", slog.Int("removed", removed))
	return removed, nil
}

// Close is a no-op for the file backend; every mutation is already durable.
func (s *FileStore) Close() error {
	return nil
}

// save writes the full snapshot atomically. Callers hold s.mu.
func (s *FileStore) save() error {
	snap := snapshot{Version: snapshotVersion, Jobs: make([]*queue.Job, 0, len(s.order))}
	for _, id := range s.order {
		snap.Jobs = append(snap.Jobs, s.jobs[id])
	}

	data, err := json.MarshalIndent(&snap, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal queue snapshot: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create snapshot directory: %w", err)
	}

	// Temp file in the same directory so the rename stays on one filesystem.
	tmp, err := os.CreateTemp(dir, ".queue-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp snapshot: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write temp snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to sync temp snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp snapshot: %w", err)
	}

	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace queue snapshot: %w", err)
	}

	return nil
}
