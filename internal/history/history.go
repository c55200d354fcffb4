// Package history stores run snapshots and hands out build numbers.
package history

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"

	"stagerun/internal/core"
)

var ErrNotFound = errors.New("run not found")

// Store persists runs. It is also the build counter of the coordinator.
type Store interface {
	core.BuildCounter
	SaveRun(ctx context.Context, snap core.Snapshot) error
	GetRun(ctx context.Context, id string) (core.Snapshot, error)
	// ListRuns returns the runs of pipelineID, newest first. An empty
	// pipelineID lists every run; limit <= 0 means no limit.
	ListRuns(ctx context.Context, pipelineID string, limit int) ([]core.Snapshot, error)
}

// MemoryStore keeps history for the lifetime of the process.
type MemoryStore struct {
	mu       sync.RWMutex
	runs     map[string]core.Snapshot
	counters map[string]int64
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{runs: make(map[string]core.Snapshot), counters: make(map[string]int64)}
}

func (m *MemoryStore) NextBuildNumber(_ context.Context, pipelineID, stageID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := pipelineID + "\x00" + stageID
	m.counters[key]++
	return m.counters[key], nil
}

func (m *MemoryStore) SaveRun(_ context.Context, snap core.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[snap.ID] = snap
	return nil
}

func (m *MemoryStore) GetRun(_ context.Context, id string) (core.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snap, ok := m.runs[id]
	if !ok {
		return core.Snapshot{}, ErrNotFound
	}
	return snap, nil
}

func (m *MemoryStore) ListRuns(_ context.Context, pipelineID string, limit int) ([]core.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []core.Snapshot
	for _, snap := range m.runs {
		if pipelineID == "" || snap.PipelineID == pipelineID {
			out = append(out, snap)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Recorder saves a snapshot of the run whenever it changes.
type Recorder struct {
	Store  Store
	Logger *slog.Logger
}

var _ core.Observer = (*Recorder)(nil)

func NewRecorder(store Store, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Recorder{Store: store, Logger: logger}
}

func (r *Recorder) save(ctx context.Context, run *core.Run) {
	if err := r.Store.SaveRun(ctx, run.Snapshot()); err != nil {
		r.Logger.Error("cannot save run history", "run", run.ID, "error", err)
	}
}

func (r *Recorder) RunStarted(ctx context.Context, run *core.Run)              { r.save(ctx, run) }
func (r *Recorder) StageStarted(ctx context.Context, run *core.Run, _ string) { r.save(ctx, run) }
func (r *Recorder) StageFinished(ctx context.Context, run *core.Run, _ core.StageRunResult) {
	r.save(ctx, run)
}
func (r *Recorder) RunFinished(ctx context.Context, run *core.Run) { r.save(ctx, run) }
