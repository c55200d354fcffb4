package trigger

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
)

type gitHubCommit struct {
	ID      string `json:"id,omitempty"`
	Message string `json:"message,omitempty"`
}

type gitHubPushEvent struct {
	Ref        string       `json:"ref,omitempty"`
	After      string       `json:"after,omitempty"`
	Deleted    bool         `json:"deleted,omitempty"`
	HeadCommit gitHubCommit `json:"head_commit,omitempty"`
}

type gitHubPullRequestEvent struct {
	Action      string `json:"action"`
	Number      int    `json:"number"`
	PullRequest struct {
		Head struct {
			SHA string `json:"sha"`
		} `json:"head"`
	} `json:"pull_request"`
}

// maxWebhookBody bounds the payload read from a webhook request.
const maxWebhookBody = 5 << 20

// ExtractGitHub converts a GitHub webhook request into an Event. proceed is
// false for deliveries that must be acknowledged without starting a run
// (ping, branch deletion, pull request actions that do not move the head).
// When secret is not empty the X-Hub-Signature-256 header is verified.
func ExtractGitHub(req *http.Request, secret string) (ev Event, proceed bool, err error) {
	if err = verifyRequest(req); err != nil {
		return
	}
	body, err := io.ReadAll(io.LimitReader(req.Body, maxWebhookBody))
	if err != nil {
		return
	}
	if secret != "" {
		if err = verifySignature(body, secret, req.Header.Get("X-Hub-Signature-256")); err != nil {
			return
		}
	}

	switch method := req.Header.Get("X-GitHub-Event"); method {
	case "ping":
		return
	case "push":
		var push gitHubPushEvent
		if err = json.Unmarshal(body, &push); err != nil {
			return
		}
		if push.Deleted {
			return
		}
		ev = Event{Ref: push.Ref, Kind: EventPush, Commit: push.After}
		if push.HeadCommit.ID != "" {
			ev.Commit = push.HeadCommit.ID
		}
		if strings.HasPrefix(push.Ref, tagsPrefix) {
			ev.Kind = EventTag
		}
		return ev, true, nil
	case "pull_request":
		var pr gitHubPullRequestEvent
		if err = json.Unmarshal(body, &pr); err != nil {
			return
		}
		switch pr.Action {
		case "opened", "synchronize", "reopened":
		default:
			return
		}
		ev = Event{
			Ref:    pullPrefix + strconv.Itoa(pr.Number) + "/head",
			Kind:   EventPullRequest,
			Commit: pr.PullRequest.Head.SHA,
		}
		return ev, true, nil
	default:
		err = fmt.Errorf("unknown X-GitHub-Event %s", method)
		return
	}
}

func verifyRequest(req *http.Request) error {
	if method := req.Method; method != http.MethodPost {
		return fmt.Errorf("unsupported HTTP method %s", method)
	}
	if contentType := req.Header.Get("Content-Type"); contentType != "application/json" {
		return fmt.Errorf("unsupported Content-Type %s", contentType)
	}
	if userAgent := req.Header.Get("User-Agent"); !strings.HasPrefix(userAgent, "GitHub-Hookshot/") {
		return fmt.Errorf("unsupported User-Agent %s", userAgent)
	}
	if req.Header.Get("X-GitHub-Event") == "" {
		return errors.New("missing X-GitHub-Event")
	}
	return nil
}

func verifySignature(body []byte, secret, header string) error {
	sig, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return errors.New("missing or malformed X-Hub-Signature-256")
	}
	got, err := hex.DecodeString(sig)
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return errors.New("signature does not match")
	}
	return nil
}

// SignGitHubPayload returns the X-Hub-Signature-256 value for body.
func SignGitHubPayload(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
