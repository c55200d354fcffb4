package trigger

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func newHookRequest(event, body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/hooks/github/p", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "GitHub-Hookshot/abc")
	req.Header.Set("X-GitHub-Event", event)
	return req
}

func TestExtractGitHubPush(t *testing.T) {
	body := `{"ref":"refs/heads/main","after":"a1","head_commit":{"id":"c0ffee"}}`
	ev, proceed, err := ExtractGitHub(newHookRequest("push", body), "")
	if err != nil {
		t.Fatalf("ExtractGitHub: %v", err)
	}
	if !proceed {
		t.Fatalf("push should proceed")
	}
	want := Event{Ref: "refs/heads/main", Kind: EventPush, Commit: "c0ffee"}
	if ev != want {
		t.Errorf("event = %+v, want %+v", ev, want)
	}
}

func TestExtractGitHubTagAndDelete(t *testing.T) {
	ev, proceed, err := ExtractGitHub(newHookRequest("push", `{"ref":"refs/tags/v1","after":"a1"}`), "")
	if err != nil || !proceed || ev.Kind != EventTag || ev.Commit != "a1" {
		t.Errorf("tag push = %+v proceed=%v err=%v", ev, proceed, err)
	}

	_, proceed, err = ExtractGitHub(newHookRequest("push", `{"ref":"refs/heads/x","deleted":true}`), "")
	if err != nil || proceed {
		t.Errorf("branch deletion should be acknowledged without a run: proceed=%v err=%v", proceed, err)
	}
}

func TestExtractGitHubPullRequest(t *testing.T) {
	body := `{"action":"synchronize","number":12,"pull_request":{"head":{"sha":"beef"}}}`
	ev, proceed, err := ExtractGitHub(newHookRequest("pull_request", body), "")
	if err != nil || !proceed {
		t.Fatalf("pull_request: proceed=%v err=%v", proceed, err)
	}
	want := Event{Ref: "refs/pull/12/head", Kind: EventPullRequest, Commit: "beef"}
	if ev != want {
		t.Errorf("event = %+v, want %+v", ev, want)
	}

	_, proceed, _ = ExtractGitHub(newHookRequest("pull_request", `{"action":"closed","number":12}`), "")
	if proceed {
		t.Errorf("closed pull requests should not start a run")
	}
}

func TestExtractGitHubPing(t *testing.T) {
	_, proceed, err := ExtractGitHub(newHookRequest("ping", `{}`), "")
	if err != nil || proceed {
		t.Errorf("ping: proceed=%v err=%v", proceed, err)
	}
}

func TestExtractGitHubRejectsBadRequests(t *testing.T) {
	req := newHookRequest("push", `{}`)
	req.Header.Set("User-Agent", "curl/8")
	if _, _, err := ExtractGitHub(req, ""); err == nil {
		t.Errorf("expected error for non GitHub user agent")
	}

	req = newHookRequest("issues", `{}`)
	if _, _, err := ExtractGitHub(req, ""); err == nil {
		t.Errorf("expected error for unknown event")
	}

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	if _, _, err := ExtractGitHub(req, ""); err == nil {
		t.Errorf("expected error for GET")
	}
}

func TestExtractGitHubSignature(t *testing.T) {
	body := `{"ref":"refs/heads/main","after":"a1"}`

	req := newHookRequest("push", body)
	req.Header.Set("X-Hub-Signature-256", SignGitHubPayload([]byte(body), "s3cret"))
	if _, proceed, err := ExtractGitHub(req, "s3cret"); err != nil || !proceed {
		t.Fatalf("signed delivery rejected: proceed=%v err=%v", proceed, err)
	}

	req = newHookRequest("push", body)
	req.Header.Set("X-Hub-Signature-256", SignGitHubPayload([]byte(body), "other"))
	if _, _, err := ExtractGitHub(req, "s3cret"); err == nil {
		t.Errorf("expected signature mismatch")
	}
}
