package history

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"stagerun/internal/core"
)

func TestMemoryStoreBuildNumbers(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	for want := int64(1); want <= 3; want++ {
		if n, _ := m.NextBuildNumber(ctx, "app", "build"); n != want {
			t.Errorf("build = %d, want %d", n, want)
		}
	}
	if n, _ := m.NextBuildNumber(ctx, "app", "deploy"); n != 1 {
		t.Errorf("deploy counter shared with build: %d", n)
	}
	if n, _ := m.NextBuildNumber(ctx, "other", "build"); n != 1 {
		t.Errorf("counter shared across pipelines: %d", n)
	}
}

func TestMemoryStoreRuns(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"r1", "r2", "r3"} {
		pipeline := "app"
		if id == "r2" {
			pipeline = "docs"
		}
		if err := m.SaveRun(ctx, core.Snapshot{ID: id, PipelineID: pipeline, CreatedAt: base.Add(time.Duration(i) * time.Minute)}); err != nil {
			t.Fatal(err)
		}
	}

	runs, _ := m.ListRuns(ctx, "app", 0)
	if len(runs) != 2 || runs[0].ID != "r3" || runs[1].ID != "r1" {
		t.Errorf("ListRuns(app) = %+v", runs)
	}
	runs, _ = m.ListRuns(ctx, "", 1)
	if len(runs) != 1 || runs[0].ID != "r3" {
		t.Errorf("ListRuns(all, 1) = %+v", runs)
	}
	if _, err := m.GetRun(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetRun(missing) = %v", err)
	}
}

func TestRecorderTracksRunProgress(t *testing.T) {
	m := NewMemoryStore()
	rec := NewRecorder(m, nil)
	def := &core.Definition{ID: "app", Stages: []*core.Stage{{ID: "build"}}}
	run := core.NewRun(def, core.VCSRef{Ref: "refs/heads/main", Branch: "main"})
	ctx := context.Background()

	rec.RunStarted(ctx, run)
	snap, err := m.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if snap.PipelineID != "app" || len(snap.Stages) != 1 || snap.Stages[0].Status != core.StatusPending {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestPostgresQueries(t *testing.T) {
	if !strings.Contains(nextBuildNumberQuery, "ON CONFLICT (pipeline_id, stage_id) DO UPDATE") ||
		!strings.Contains(nextBuildNumberQuery, "RETURNING last_number") {
		t.Fatalf("build counter must be an atomic upsert")
	}
	if !strings.Contains(upsertRunQuery, "ON CONFLICT (run_id) DO UPDATE") {
		t.Fatalf("expected idempotent run upsert")
	}
	if !strings.Contains(listRunsQuery, "ORDER BY created_at DESC") {
		t.Fatalf("expected newest first ordering")
	}
}

func TestPostgresStoreRequiresDB(t *testing.T) {
	s := NewPostgresStore(nil)
	if s != nil {
		t.Fatal("expected nil store without a database")
	}
	if _, err := s.NextBuildNumber(context.Background(), "app", "build"); err == nil {
		t.Error("expected error from nil store")
	}
	if err := s.SaveRun(context.Background(), core.Snapshot{ID: "r"}); err == nil {
		t.Error("expected error from nil store")
	}
}
