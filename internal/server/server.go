// Package server exposes pipelines, runs, agents and the audit ledger over
// HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"stagerun/internal/agent"
	"stagerun/internal/core"
	"stagerun/internal/errdefs"
	"stagerun/internal/history"
	"stagerun/internal/ledger"
	"stagerun/internal/metrics"
	"stagerun/internal/trigger"
)

const maxDefinitionBody = 1 << 20

// Server owns the registered pipelines and the runs started through it.
type Server struct {
	Coordinator   *core.Coordinator
	History       history.Store
	Agents        *agent.Pool
	Ledger        *ledger.Ledger
	Metrics       *metrics.Metrics
	WebhookSecret string
	// AgentToken signs agent registrations and the step requests sent to
	// remote agents; empty disables both checks.
	AgentToken string
	Logger     *slog.Logger

	mu        sync.RWMutex
	pipelines map[string]*core.Definition
	runs      *core.Runs

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a server. Runs started through it are cancelled by Close.
func New(coord *core.Coordinator, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		Coordinator: coord,
		Logger:      logger,
		pipelines:   make(map[string]*core.Definition),
		runs:        core.NewRuns(),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Close cancels runs in progress and waits for them to settle.
func (s *Server) Close() {
	s.cancel()
	s.wg.Wait()
}

// Wait blocks until every run started so far has finished.
func (s *Server) Wait() { s.wg.Wait() }

// AddPipeline registers def, replacing a definition with the same id.
func (s *Server) AddPipeline(def *core.Definition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pipelines[def.ID] = def
}

func (s *Server) pipeline(id string) (*core.Definition, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	def, ok := s.pipelines[id]
	return def, ok
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"service": "stagerun", "status": "ok"})
	})
	if s.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.Metrics.Handler())
	}

	r.Route("/pipelines", func(r chi.Router) {
		r.Get("/", s.handleListPipelines)
		r.Post("/", s.handleSubmitPipeline)
		r.Get("/{id}", s.handleGetPipeline)
		r.Post("/{id}/runs", s.handleTriggerRun)
		r.Get("/{id}/runs", s.handleListRuns)
	})
	r.Post("/hooks/github/{id}", s.handleGitHubHook)
	r.Get("/runs/{id}", s.handleGetRun)

	r.Post("/agents/register", s.handleRegisterAgent)
	r.Get("/agents", s.handleListAgents)

	r.Get("/ledger/verify", s.handleVerifyLedger)
	r.Get("/ledger/runs/{id}", s.handleLedgerRun)
	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.Logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"request_id", middleware.GetReqID(r.Context()))
	})
}

type pipelineView struct {
	ID     string   `json:"id"`
	Name   string   `json:"name,omitempty"`
	Stages []string `json:"stages"`
	Order  []string `json:"order"`
}

func viewOf(def *core.Definition) pipelineView {
	v := pipelineView{ID: def.ID, Name: def.Name, Stages: def.StageIDs()}
	if g, err := core.NewGraph(def); err == nil {
		v.Order = g.Order()
	}
	return v
}

// POST /pipelines: body is the YAML definition.
func (s *Server) handleSubmitPipeline(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxDefinitionBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	def, err := core.ParseDefinition(data)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	s.AddPipeline(def)
	s.Logger.Info("pipeline registered", "pipeline", def.ID, "stages", len(def.Stages))
	writeJSON(w, http.StatusCreated, viewOf(def))
}

func (s *Server) handleListPipelines(w http.ResponseWriter, _ *http.Request) {
	s.mu.RLock()
	out := make([]pipelineView, 0, len(s.pipelines))
	for _, def := range s.pipelines {
		out = append(out, viewOf(def))
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetPipeline(w http.ResponseWriter, r *http.Request) {
	def, ok := s.pipeline(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, errors.New("pipeline not found"))
		return
	}
	writeJSON(w, http.StatusOK, viewOf(def))
}

type triggerResponse struct {
	Started bool           `json:"started"`
	Ref     string         `json:"ref"`
	Branch  string         `json:"branch,omitempty"`
	Reason  string         `json:"reason,omitempty"`
	RunID   string         `json:"runId,omitempty"`
	Run     *core.Snapshot `json:"run,omitempty"`
}

// POST /pipelines/{id}/runs: body is a trigger.Event. With ?wait=true the
// reply is sent once the run has finished.
func (s *Server) handleTriggerRun(w http.ResponseWriter, r *http.Request) {
	def, ok := s.pipeline(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, errors.New("pipeline not found"))
		return
	}
	var ev trigger.Event
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if ev.Kind == "" {
		ev.Kind = trigger.EventPush
	}
	wait, _ := strconv.ParseBool(r.URL.Query().Get("wait"))
	s.startRun(w, def, ev, wait)
}

// POST /hooks/github/{id}
func (s *Server) handleGitHubHook(w http.ResponseWriter, r *http.Request) {
	def, ok := s.pipeline(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, errors.New("pipeline not found"))
		return
	}
	ev, proceed, err := trigger.ExtractGitHub(r, s.WebhookSecret)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if !proceed {
		writeJSON(w, http.StatusOK, triggerResponse{Reason: "delivery acknowledged"})
		return
	}
	s.startRun(w, def, ev, false)
}

func (s *Server) startRun(w http.ResponseWriter, def *core.Definition, ev trigger.Event, wait bool) {
	run, d := core.Plan(def, ev)
	if s.Metrics != nil {
		s.Metrics.ObserveTrigger(def.ID, run != nil)
	}
	resp := triggerResponse{Started: d.Start, Ref: d.Ref, Branch: d.Branch, Reason: d.Reason}
	if run == nil {
		s.Logger.Info("event ignored", "pipeline", def.ID, "ref", d.Ref, "reason", d.Reason)
		writeJSON(w, http.StatusOK, resp)
		return
	}
	s.runs.Add(run)
	resp.RunID = run.ID

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.Coordinator.Execute(s.ctx, run); err != nil {
			s.Logger.Error("run could not be scheduled", "run", run.ID, "error", err)
		}
	}()

	if !wait {
		writeJSON(w, http.StatusAccepted, resp)
		return
	}
	<-run.Done()
	snap := run.Snapshot()
	resp.Run = &snap
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if run, ok := s.runs.Get(id); ok {
		writeJSON(w, http.StatusOK, run.Snapshot())
		return
	}
	if s.History != nil {
		snap, err := s.History.GetRun(r.Context(), id)
		if err == nil {
			writeJSON(w, http.StatusOK, snap)
			return
		}
		if !errors.Is(err, history.ErrNotFound) {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
	}
	writeError(w, http.StatusNotFound, errors.New("run not found"))
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	if s.History == nil {
		writeJSON(w, http.StatusOK, []core.Snapshot{})
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	runs, err := s.History.ListRuns(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if runs == nil {
		runs = []core.Snapshot{}
	}
	writeJSON(w, http.StatusOK, runs)
}

// POST /agents/register
func (s *Server) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	if s.Agents == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("agent pool disabled"))
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 64<<10))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := agent.Verify(body, r.Header.Get(agent.SignatureHeader), s.AgentToken); err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}
	var reg agent.Registration
	if err := json.Unmarshal(body, &reg); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(reg.ID) == "" || strings.TrimSpace(reg.URL) == "" {
		writeError(w, http.StatusBadRequest, errors.New("id and url are required"))
		return
	}
	s.Agents.Register(agent.Agent{ID: reg.ID, Tags: reg.Tags, URL: reg.URL, Runner: agent.NewRemoteRunner(reg.URL, s.AgentToken)})
	s.Logger.Info("agent registered", "agent", reg.ID, "url", reg.URL, "tags", agent.FormatRequirements(reg.Tags))
	writeJSON(w, http.StatusCreated, reg)
}

func (s *Server) handleListAgents(w http.ResponseWriter, _ *http.Request) {
	if s.Agents == nil {
		writeJSON(w, http.StatusOK, []agent.Status{})
		return
	}
	writeJSON(w, http.StatusOK, s.Agents.Agents())
}

// GET /ledger/verify
func (s *Server) handleVerifyLedger(w http.ResponseWriter, _ *http.Request) {
	if s.Ledger == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("ledger disabled"))
		return
	}
	if err := s.Ledger.VerifyChain(s.Ledger.PublicKey()); err != nil {
		writeJSON(w, http.StatusConflict, map[string]any{"ok": false, "blocks": s.Ledger.Len(), "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "blocks": s.Ledger.Len()})
}

func (s *Server) handleLedgerRun(w http.ResponseWriter, r *http.Request) {
	if s.Ledger == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("ledger disabled"))
		return
	}
	blocks := s.Ledger.RunBlocks(chi.URLParam(r, "id"))
	if blocks == nil {
		blocks = []ledger.Block{}
	}
	writeJSON(w, http.StatusOK, blocks)
}

type errorBody struct {
	Error  string   `json:"error"`
	Kind   string   `json:"kind,omitempty"`
	Reason string   `json:"reason,omitempty"`
	Stage  string   `json:"stage,omitempty"`
	Issues []string `json:"issues,omitempty"`
}

func writeError(w http.ResponseWriter, status int, err error) {
	body := errorBody{Error: err.Error()}
	if k := errdefs.KindOf(err); k != errdefs.KindUnknown {
		body.Kind = string(k)
		body.Reason = string(errdefs.ReasonOf(err))
		body.Stage = errdefs.StageOf(err)
	}
	var verr *core.ValidationError
	if errors.As(err, &verr) {
		for _, is := range verr.Issues {
			body.Issues = append(body.Issues, is.String())
		}
	}
	writeJSON(w, status, body)
}
