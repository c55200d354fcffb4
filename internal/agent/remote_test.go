package agent

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"stagerun/internal/core"
)

func TestRemoteRunnerRoundTrip(t *testing.T) {
	srv := httptest.NewServer(Handler(core.NewLocalRunner(), "", nil))
	defer srv.Close()

	r := NewRemoteRunner(srv.URL+"/", "")
	out, err := r.RunStep(context.Background(), core.StepRequest{
		StageID: "build",
		Step:    "compile",
		Command: "echo $MODE; echo warn >&2; exit 4",
		Dir:     t.TempDir(),
		Env:     []string{"MODE=release"},
		Timeout: time.Minute,
	})
	if err != nil {
		t.Fatalf("RunStep: %v", err)
	}
	if out.ExitCode != 4 || strings.TrimSpace(out.Stdout) != "release" || strings.TrimSpace(out.Stderr) != "warn" {
		t.Errorf("output = %+v", out)
	}

	out, err = r.RunStep(context.Background(), core.StepRequest{Command: "sleep 5", Timeout: 50 * time.Millisecond})
	if err != nil || !out.TimedOut {
		t.Errorf("timeout: %+v, %v", out, err)
	}
}

func TestRemoteRunnerLaunchError(t *testing.T) {
	srv := httptest.NewServer(Handler(&core.LocalRunner{Shell: "/nonexistent/shell"}, "", nil))
	defer srv.Close()

	_, err := NewRemoteRunner(srv.URL, "").RunStep(context.Background(), core.StepRequest{Command: "true"})
	if err == nil {
		t.Fatal("expected launch error")
	}
}

func TestHandlerRejectsBadRequests(t *testing.T) {
	h := Handler(core.NewLocalRunner(), "", nil)
	for _, body := range []string{"{", `{"command": "  "}`} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/run", strings.NewReader(body)))
		if rec.Code != http.StatusBadRequest {
			t.Errorf("body %q: status = %d", body, rec.Code)
		}
	}
}

func TestHandlerRequiresSignature(t *testing.T) {
	srv := httptest.NewServer(Handler(core.NewLocalRunner(), "t0ken", nil))
	defer srv.Close()
	step := core.StepRequest{Command: "echo signed", Dir: t.TempDir()}

	if _, err := NewRemoteRunner(srv.URL, "").RunStep(context.Background(), step); err == nil || !strings.Contains(err.Error(), "401") {
		t.Errorf("unsigned request: err = %v, want 401", err)
	}
	if _, err := NewRemoteRunner(srv.URL, "other").RunStep(context.Background(), step); err == nil {
		t.Error("request signed with the wrong token accepted")
	}
	out, err := NewRemoteRunner(srv.URL, "t0ken").RunStep(context.Background(), step)
	if err != nil || strings.TrimSpace(out.Stdout) != "signed" {
		t.Errorf("signed request: %+v, %v", out, err)
	}
}

func TestRemoteRunnerUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()
	if _, err := NewRemoteRunner(url, "").RunStep(context.Background(), core.StepRequest{Command: "true"}); err == nil {
		t.Error("expected error for unreachable agent")
	}
}

func TestRegister(t *testing.T) {
	var got Registration
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/agents/register" || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		body, _ := io.ReadAll(r.Body)
		if err := Verify(body, r.Header.Get(SignatureHeader), "t0ken"); err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		_ = json.Unmarshal(body, &got)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	reg := Registration{ID: "a1", URL: "http://agent:9090", Tags: map[string]string{"docker": "true"}}
	if err := Register(context.Background(), srv.Client(), srv.URL, "wrong", reg); err == nil {
		t.Error("registration with the wrong token accepted")
	}
	if err := Register(context.Background(), srv.Client(), srv.URL, "t0ken", reg); err != nil {
		t.Fatal(err)
	}
	if got.ID != "a1" || got.Tags["docker"] != "true" {
		t.Errorf("server received %+v", got)
	}
	if err := Register(context.Background(), srv.Client(), srv.URL+"/nope", "t0ken", reg); err == nil {
		t.Error("expected error for non-2xx reply")
	}
}
