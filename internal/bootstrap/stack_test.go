package bootstrap

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"stagerun/internal/config"
	"stagerun/internal/core"
	"stagerun/internal/trigger"
)

const pipeline = `
id: release
stages:
  - id: build
    steps:
      - run: echo v1 > version.txt
    artifacts: [version.txt]
  - id: package
    steps:
      - run: test "$(cat version.txt)" = v1
    dependencies:
      - stage: build
        artifacts: [version.txt]
  - id: publish
    steps:
      - run: exit 3
    dependencies:
      - stage: package
`

func testConfig(t *testing.T) config.Config {
	dir := t.TempDir()
	return config.Config{
		DataDir:         dir,
		WorkDir:         filepath.Join(dir, "work"),
		LogDir:          filepath.Join(dir, "logs"),
		LedgerPath:      filepath.Join(dir, "ledger.jsonl"),
		KeysDir:         filepath.Join(dir, "keys"),
		LocalAgents:     2,
		StepTimeout:     time.Minute,
		ArtifactBackend: config.ArtifactBackendLocal,
		ArtifactDir:     filepath.Join(dir, "artifacts"),
	}
}

func TestBuildRunsPipelineAndRecordsIt(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	st, err := Build(ctx, cfg, nil)
	if err != nil {
		t.Fatalf("Build() err=%v", err)
	}
	defer st.Close()

	def, err := core.ParseDefinition([]byte(pipeline))
	if err != nil {
		t.Fatal(err)
	}
	run, d, err := st.Coordinator.Trigger(ctx, def, trigger.Event{Ref: "main"})
	if err != nil || !d.Start {
		t.Fatalf("Trigger() decision=%+v err=%v", d, err)
	}
	if got := run.Status(); got != core.StatusFailed {
		t.Fatalf("run status = %s, want FAILED", got)
	}
	first, ok := run.FirstFailure()
	if !ok || first.StageID != "publish" || first.ExitCode != 3 {
		t.Errorf("first failure = %+v", first)
	}

	snap, err := st.History.GetRun(ctx, run.ID)
	if err != nil || snap.Status != core.StatusFailed {
		t.Errorf("history = %+v, %v", snap, err)
	}
	if n := len(st.Ledger.RunBlocks(run.ID)); n != 3 {
		t.Errorf("ledger blocks = %d, want 3", n)
	}
	if err := st.Ledger.VerifyChain(st.Ledger.PublicKey()); err != nil {
		t.Errorf("VerifyChain() err=%v", err)
	}
	keys, err := st.Artifacts.List(ctx, run.ID, "build")
	if err != nil || len(keys) != 1 {
		t.Errorf("published artifacts = %v, %v", keys, err)
	}
}

func TestBuildReopensLedgerWithSameKeys(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	st, err := Build(ctx, cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	def, err := core.ParseDefinition([]byte(pipeline))
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := st.Coordinator.Trigger(ctx, def, trigger.Event{Ref: "main"}); err != nil {
		t.Fatal(err)
	}
	pub := st.Ledger.PublicKey()
	_ = st.Close()

	again, err := Build(ctx, cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer again.Close()
	if !again.Ledger.PublicKey().Equal(pub) {
		t.Fatalf("ledger key changed across restarts")
	}
	if again.Ledger.Len() != 3 {
		t.Errorf("reopened ledger has %d blocks", again.Ledger.Len())
	}
	if err := again.Ledger.VerifyChain(pub); err != nil {
		t.Errorf("VerifyChain() err=%v", err)
	}
}

func TestBuildRejectsUnknownBackend(t *testing.T) {
	cfg := testConfig(t)
	cfg.ArtifactBackend = "tape"
	if _, err := Build(context.Background(), cfg, nil); err == nil {
		t.Fatalf("Build() expected error")
	}
}
