package agent

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"stagerun/internal/core"
)

// RunResponse is the body of a POST /run reply. Error is set when the agent
// could not launch the process at all.
type RunResponse struct {
	core.StepOutput
	Error string `json:"error,omitempty"`
}

// Registration is what an agent announces to the server.
type Registration struct {
	ID   string            `json:"id"`
	URL  string            `json:"url"`
	Tags map[string]string `json:"tags"`
}

// SignatureHeader carries the HMAC-SHA256 of the request body, keyed with the
// token shared by the server and its agents.
const SignatureHeader = "X-Stagerun-Signature"

// Sign returns the SignatureHeader value for body.
func Sign(body []byte, token string) string {
	mac := hmac.New(sha256.New, []byte(token))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a SignatureHeader value. An empty token accepts everything.
func Verify(body []byte, signature, token string) error {
	if token == "" {
		return nil
	}
	hexSig, ok := strings.CutPrefix(signature, "sha256=")
	if !ok {
		return errors.New("missing or malformed signature")
	}
	got, err := hex.DecodeString(hexSig)
	if err != nil {
		return errors.New("malformed signature")
	}
	mac := hmac.New(sha256.New, []byte(token))
	mac.Write(body)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return errors.New("signature does not match")
	}
	return nil
}

// RemoteRunner runs steps on an agent process over HTTP. The agent must see
// the same working directories as the coordinator.
type RemoteRunner struct {
	BaseURL string
	Token   string
	Client  *http.Client
}

var _ core.ProcessRunner = (*RemoteRunner)(nil)

func NewRemoteRunner(baseURL, token string) *RemoteRunner {
	return &RemoteRunner{BaseURL: strings.TrimRight(baseURL, "/"), Token: token, Client: &http.Client{}}
}

func (r *RemoteRunner) RunStep(ctx context.Context, req core.StepRequest) (core.StepOutput, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return core.StepOutput{}, fmt.Errorf("encode step request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.BaseURL+"/run", bytes.NewReader(body))
	if err != nil {
		return core.StepOutput{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if r.Token != "" {
		httpReq.Header.Set(SignatureHeader, Sign(body, r.Token))
	}

	client := r.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return core.StepOutput{ExitCode: -1}, ctx.Err()
		}
		return core.StepOutput{}, fmt.Errorf("agent %s: %w", r.BaseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return core.StepOutput{}, fmt.Errorf("agent %s: %s: %s", r.BaseURL, resp.Status, strings.TrimSpace(string(msg)))
	}
	var out RunResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return core.StepOutput{}, fmt.Errorf("agent %s: decode response: %w", r.BaseURL, err)
	}
	if out.Error != "" {
		return out.StepOutput, errors.New(out.Error)
	}
	return out.StepOutput, nil
}

// maxStepRequest bounds the body of POST /run.
const maxStepRequest = 1 << 20

// Handler serves the agent API on top of runner. With a non-empty token every
// step request must carry a valid SignatureHeader.
func Handler(runner core.ProcessRunner, token string, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Post("/run", func(w http.ResponseWriter, req *http.Request) {
		body, err := io.ReadAll(io.LimitReader(req.Body, maxStepRequest))
		if err != nil {
			http.Error(w, "read step request: "+err.Error(), http.StatusBadRequest)
			return
		}
		if err := Verify(body, req.Header.Get(SignatureHeader), token); err != nil {
			logger.Warn("rejected unsigned step request", "remote", req.RemoteAddr, "error", err)
			http.Error(w, "unauthorized: "+err.Error(), http.StatusUnauthorized)
			return
		}
		var step core.StepRequest
		if err := json.Unmarshal(body, &step); err != nil {
			http.Error(w, "invalid step request: "+err.Error(), http.StatusBadRequest)
			return
		}
		if strings.TrimSpace(step.Command) == "" {
			http.Error(w, "command is required", http.StatusBadRequest)
			return
		}

		logger.Info("running step", "run", step.RunID, "stage", step.StageID, "step", step.Step)
		out, err := runner.RunStep(req.Context(), step)
		resp := RunResponse{StepOutput: out}
		if err != nil {
			if req.Context().Err() != nil {
				logger.Warn("step interrupted", "stage", step.StageID, "step", step.Step)
				return
			}
			resp.Error = err.Error()
		}
		logger.Info("step finished", "stage", step.StageID, "step", step.Step, "exit_code", out.ExitCode, "duration", out.Duration)

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	})
	return r
}

// Register announces reg to the server at serverURL, signing the request
// when token is set.
func Register(ctx context.Context, client *http.Client, serverURL, token string, reg Registration) error {
	body, err := json.Marshal(reg)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(serverURL, "/")+"/agents/register", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set(SignatureHeader, Sign(body, token))
	}
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("register agent: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("register agent: %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}
	return nil
}
