package core

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"stagerun/internal/artifact"
	"stagerun/internal/errdefs"
	"stagerun/internal/trigger"
)

// Status is the state of a stage or a run.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusSuccess   Status = "SUCCESS"
	StatusFailed    Status = "FAILED"
	StatusSkipped   Status = "SKIPPED"
	StatusCancelled Status = "CANCELLED"
)

// Terminal reports whether s is final.
func (s Status) Terminal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusSkipped, StatusCancelled:
		return true
	}
	return false
}

// StageRunResult is the outcome of one stage in a run.
type StageRunResult struct {
	StageID     string            `json:"stageId"`
	Status      Status            `json:"status"`
	Reason      errdefs.Reason    `json:"reason,omitempty"`
	Message     string            `json:"message,omitempty"`
	BuildNumber int64             `json:"buildNumber,omitempty"`
	AgentID     string            `json:"agentId,omitempty"`
	Artifacts   artifact.Set      `json:"artifacts,omitempty"`
	Params      map[string]string `json:"params,omitempty"`
	Steps       []StepResult      `json:"steps,omitempty"`
	FailedStep  int               `json:"failedStep"`
	ExitCode    int               `json:"exitCode,omitempty"`
	StderrTail  string            `json:"stderrTail,omitempty"`
	LogDir      string            `json:"logDir,omitempty"`
	StartedAt   time.Time         `json:"startedAt,omitempty"`
	FinishedAt  time.Time         `json:"finishedAt,omitempty"`

	Err error `json:"-"`
}

// Duration is how long the stage ran, zero if it never started.
func (r StageRunResult) Duration() time.Duration {
	if r.StartedAt.IsZero() || r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// FailedStepName returns the name of the failing step, if any.
func (r StageRunResult) FailedStepName() string {
	if r.FailedStep < 0 || r.FailedStep >= len(r.Steps) {
		return ""
	}
	return r.Steps[r.FailedStep].Name
}

// VCSRef is the commit reference a run builds.
type VCSRef struct {
	Ref    string            `json:"ref"`
	Branch string            `json:"branch"`
	Commit string            `json:"commit,omitempty"`
	Kind   trigger.EventKind `json:"kind,omitempty"`
}

// Run is one execution of a definition against a VCS reference. Results are
// written by the coordinator only; readers get copies.
type Run struct {
	ID         string
	Definition *Definition
	VCS        VCSRef
	CreatedAt  time.Time

	mu         sync.RWMutex
	status     Status
	cancelled  bool
	results    map[string]*StageRunResult
	startedAt  time.Time
	finishedAt time.Time
	done       chan struct{}
}

// NewRun creates a pending run with a fresh id.
func NewRun(def *Definition, ref VCSRef) *Run {
	r := &Run{
		ID:         uuid.NewString(),
		Definition: def,
		VCS:        ref,
		CreatedAt:  time.Now().UTC(),
		status:     StatusPending,
		results:    make(map[string]*StageRunResult, len(def.Stages)),
		done:       make(chan struct{}),
	}
	for _, s := range def.Stages {
		r.results[s.ID] = &StageRunResult{StageID: s.ID, Status: StatusPending, FailedStep: -1}
	}
	return r
}

// Status returns the current run status.
func (r *Run) Status() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.status
}

// Done is closed when the run reaches a terminal status.
func (r *Run) Done() <-chan struct{} { return r.done }

// Result returns a copy of the result of stageID.
func (r *Run) Result(stageID string) (StageRunResult, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res, ok := r.results[stageID]
	if !ok {
		return StageRunResult{}, false
	}
	return *res, true
}

// Results returns every stage result in declaration order.
func (r *Run) Results() []StageRunResult {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]StageRunResult, 0, len(r.results))
	for _, s := range r.Definition.Stages {
		out = append(out, *r.results[s.ID])
	}
	return out
}

func (r *Run) setResult(res StageRunResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results[res.StageID] = &res
}

func (r *Run) markStarted() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = StatusRunning
	r.startedAt = time.Now().UTC()
}

func (r *Run) markCancelled() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancelled = true
}

func (r *Run) isCancelled() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cancelled
}

// finish derives the run status from the stage results.
func (r *Run) finish() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finishedAt = time.Now().UTC()
	switch {
	case r.cancelled:
		r.status = StatusCancelled
	default:
		r.status = StatusSuccess
		for _, res := range r.results {
			if res.Status == StatusFailed || (res.Status == StatusSkipped && res.Reason == errdefs.ReasonUpstreamFailed) {
				r.status = StatusFailed
				break
			}
		}
	}
	close(r.done)
}

// fail ends a run that could not start at all.
func (r *Run) fail() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = StatusFailed
	r.finishedAt = time.Now().UTC()
	close(r.done)
}

// FirstFailure returns the first failed stage in topological order.
func (r *Run) FirstFailure() (StageRunResult, bool) {
	g, err := NewGraph(r.Definition)
	order := r.Definition.StageIDs()
	if err == nil {
		order = g.Order()
	}
	for _, id := range order {
		if res, ok := r.Result(id); ok && res.Status == StatusFailed {
			return res, true
		}
	}
	return StageRunResult{}, false
}

// Snapshot is a JSON friendly copy of a run.
type Snapshot struct {
	ID         string           `json:"id"`
	PipelineID string           `json:"pipelineId"`
	VCS        VCSRef           `json:"vcs"`
	Status     Status           `json:"status"`
	CreatedAt  time.Time        `json:"createdAt"`
	StartedAt  time.Time        `json:"startedAt,omitempty"`
	FinishedAt time.Time        `json:"finishedAt,omitempty"`
	Stages     []StageRunResult `json:"stages"`
}

func (r *Run) Snapshot() Snapshot {
	stages := r.Results()
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Snapshot{
		ID:         r.ID,
		PipelineID: r.Definition.ID,
		VCS:        r.VCS,
		Status:     r.status,
		CreatedAt:  r.CreatedAt,
		StartedAt:  r.startedAt,
		FinishedAt: r.finishedAt,
		Stages:     stages,
	}
}

func (r *Run) MarshalJSON() ([]byte, error) { return json.Marshal(r.Snapshot()) }
