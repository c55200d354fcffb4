package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"stagerun/internal/agent"
	"stagerun/internal/artifact"
	"stagerun/internal/core"
	"stagerun/internal/history"
	"stagerun/internal/ledger"
	"stagerun/internal/metrics"
	"stagerun/internal/params"
	"stagerun/internal/security"
	"stagerun/internal/storage"
	"stagerun/internal/trigger"
)

const pipelineYAML = `
id: app
vcs:
  defaultBranch: main
trigger:
  branchFilter: |
    +:*
    -:wip/*
stages:
  - id: build
    steps:
      - run: echo jar > app.jar
    artifacts: [app.jar]
  - id: test
    steps:
      - run: test -f app.jar
    dependencies:
      - stage: build
        artifacts: [app.jar]
`

type fixture struct {
	srv     *Server
	http    *httptest.Server
	history *history.MemoryStore
	ledger  *ledger.Ledger
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	backend, err := artifact.NewLocalBackend(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	store := artifact.NewStore(backend)
	_, priv, err := security.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	led, err := ledger.Open(t.TempDir()+"/ledger.jsonl", priv)
	if err != nil {
		t.Fatal(err)
	}
	hist := history.NewMemoryStore()
	m := metrics.New()
	pool := agent.NewLocalPool(2, nil)

	coord := &core.Coordinator{
		Executor:  &core.StageExecutor{Artifacts: store, Logs: storage.NewLogStorage(t.TempDir()), DefaultTimeout: time.Minute},
		Artifacts: store,
		Agents:    pool,
		Params:    params.NewResolver(nil),
		Counter:   hist,
		Observers: []core.Observer{history.NewRecorder(hist, nil), ledger.NewRecorder(led, nil), m},
		WorkDir:   t.TempDir(),
	}
	srv := New(coord, nil)
	srv.History = hist
	srv.Agents = pool
	srv.Ledger = led
	srv.Metrics = m
	srv.WebhookSecret = "s3cret"

	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(func() {
		ts.Close()
		srv.Close()
	})
	return fixture{srv: srv, http: ts, history: hist, ledger: led}
}

func (f fixture) do(t *testing.T, method, path, contentType string, body []byte, out any) int {
	t.Helper()
	req, err := http.NewRequest(method, f.http.URL+path, bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := f.http.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s %s: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

func TestSubmitAndTriggerRun(t *testing.T) {
	f := newFixture(t)

	var view pipelineView
	if code := f.do(t, http.MethodPost, "/pipelines", "application/x-yaml", []byte(pipelineYAML), &view); code != http.StatusCreated {
		t.Fatalf("submit status = %d", code)
	}
	if view.ID != "app" || strings.Join(view.Order, ",") != "build,test" {
		t.Errorf("view = %+v", view)
	}

	var resp triggerResponse
	body, _ := json.Marshal(trigger.Event{Ref: "main", Commit: "abc"})
	if code := f.do(t, http.MethodPost, "/pipelines/app/runs?wait=true", "application/json", body, &resp); code != http.StatusOK {
		t.Fatalf("trigger status = %d", code)
	}
	if !resp.Started || resp.Run == nil || resp.Run.Status != core.StatusSuccess {
		t.Fatalf("trigger response = %+v", resp)
	}

	var snap core.Snapshot
	if code := f.do(t, http.MethodGet, "/runs/"+resp.RunID, "", nil, &snap); code != http.StatusOK || snap.ID != resp.RunID {
		t.Errorf("get run = %d %+v", code, snap)
	}
	f.srv.Wait()
	var runs []core.Snapshot
	f.do(t, http.MethodGet, "/pipelines/app/runs", "", nil, &runs)
	if len(runs) != 1 || runs[0].Status != core.StatusSuccess {
		t.Errorf("history = %+v", runs)
	}

	var verify map[string]any
	if code := f.do(t, http.MethodGet, "/ledger/verify", "", nil, &verify); code != http.StatusOK || verify["ok"] != true {
		t.Errorf("ledger verify = %d %v", code, verify)
	}
	if n := len(f.ledger.RunBlocks(resp.RunID)); n != 2 {
		t.Errorf("ledger blocks for run = %d, want 2", n)
	}
}

func TestTriggerFilteredEvent(t *testing.T) {
	f := newFixture(t)
	f.do(t, http.MethodPost, "/pipelines", "application/x-yaml", []byte(pipelineYAML), nil)

	var resp triggerResponse
	body, _ := json.Marshal(trigger.Event{Ref: "wip/spike"})
	if code := f.do(t, http.MethodPost, "/pipelines/app/runs", "application/json", body, &resp); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if resp.Started || resp.RunID != "" || resp.Reason == "" {
		t.Errorf("response = %+v", resp)
	}
}

func TestSubmitInvalidPipeline(t *testing.T) {
	f := newFixture(t)
	doc := "id: app\ndefaultFailurePolicy: explode\nstages:\n  - id: a\n    steps: [{run: x}]\n"
	var body errorBody
	if code := f.do(t, http.MethodPost, "/pipelines", "application/x-yaml", []byte(doc), &body); code != http.StatusBadRequest {
		t.Fatalf("status = %d", code)
	}
	if body.Kind != "configuration" || len(body.Issues) == 0 {
		t.Errorf("error body = %+v", body)
	}
}

func TestNotFound(t *testing.T) {
	f := newFixture(t)
	for _, path := range []string{"/pipelines/nope", "/runs/nope"} {
		if code := f.do(t, http.MethodGet, path, "", nil, nil); code != http.StatusNotFound {
			t.Errorf("GET %s = %d", path, code)
		}
	}
	if code := f.do(t, http.MethodPost, "/pipelines/nope/runs", "application/json", []byte(`{}`), nil); code != http.StatusNotFound {
		t.Errorf("trigger unknown pipeline = %d", code)
	}
}

func TestGitHubHook(t *testing.T) {
	f := newFixture(t)
	f.do(t, http.MethodPost, "/pipelines", "application/x-yaml", []byte(pipelineYAML), nil)

	payload := []byte(`{"ref":"refs/heads/main","after":"abc123","deleted":false,"head_commit":{"id":"abc123"}}`)
	send := func(sig string) (int, triggerResponse) {
		req, _ := http.NewRequest(http.MethodPost, f.http.URL+"/hooks/github/app", bytes.NewReader(payload))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", "GitHub-Hookshot/abc")
		req.Header.Set("X-GitHub-Event", "push")
		req.Header.Set("X-Hub-Signature-256", sig)
		resp, err := f.http.Client().Do(req)
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		var out triggerResponse
		_ = json.NewDecoder(resp.Body).Decode(&out)
		return resp.StatusCode, out
	}

	if code, _ := send("sha256=00"); code != http.StatusBadRequest {
		t.Errorf("bad signature accepted: %d", code)
	}
	code, resp := send(trigger.SignGitHubPayload(payload, "s3cret"))
	if code != http.StatusAccepted || !resp.Started || resp.Branch != "main" {
		t.Fatalf("hook = %d %+v", code, resp)
	}
	f.srv.Wait()
	snap, err := f.history.GetRun(context.Background(), resp.RunID)
	if err != nil || snap.Status != core.StatusSuccess || snap.VCS.Commit != "abc123" {
		t.Errorf("run = %+v, %v", snap, err)
	}
}

func TestRegisterAgent(t *testing.T) {
	f := newFixture(t)
	body, _ := json.Marshal(agent.Registration{ID: "remote-1", URL: "http://127.0.0.1:1", Tags: map[string]string{"docker": "true"}})
	if code := f.do(t, http.MethodPost, "/agents/register", "application/json", body, nil); code != http.StatusCreated {
		t.Fatalf("register status = %d", code)
	}
	var agents []agent.Status
	f.do(t, http.MethodGet, "/agents", "", nil, &agents)
	if len(agents) != 3 || agents[2].ID != "remote-1" || agents[2].Tags["docker"] != "true" {
		t.Errorf("agents = %+v", agents)
	}
	if code := f.do(t, http.MethodPost, "/agents/register", "application/json", []byte(`{"id":""}`), nil); code != http.StatusBadRequest {
		t.Errorf("empty registration accepted: %d", code)
	}
}

func TestRegisterAgentRequiresToken(t *testing.T) {
	f := newFixture(t)
	f.srv.AgentToken = "t0ken"
	reg := agent.Registration{ID: "remote-1", URL: "http://127.0.0.1:1"}
	body, _ := json.Marshal(reg)
	if code := f.do(t, http.MethodPost, "/agents/register", "application/json", body, nil); code != http.StatusUnauthorized {
		t.Errorf("unsigned registration = %d, want 401", code)
	}
	if err := agent.Register(context.Background(), f.http.Client(), f.http.URL, "t0ken", reg); err != nil {
		t.Fatalf("signed registration: %v", err)
	}
	var agents []agent.Status
	f.do(t, http.MethodGet, "/agents", "", nil, &agents)
	if len(agents) != 3 {
		t.Errorf("agents = %+v", agents)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t)
	if code := f.do(t, http.MethodGet, "/healthz", "", nil, nil); code != http.StatusOK {
		t.Errorf("healthz = %d", code)
	}
	resp, err := f.http.Client().Get(f.http.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("metrics = %d", resp.StatusCode)
	}
}
