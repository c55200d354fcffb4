package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"stagerun/internal/artifact"
	"stagerun/internal/errdefs"
	"stagerun/internal/params"
	"stagerun/internal/trigger"
)

// Lease is an agent reserved for one stage until Release is called.
type Lease struct {
	AgentID string
	Runner  ProcessRunner
	Release func()
}

// AgentPool hands out agents whose tags satisfy a stage's requirements.
type AgentPool interface {
	Acquire(ctx context.Context, requirements map[string]string) (*Lease, error)
}

// BuildCounter assigns build numbers per (pipeline, stage).
type BuildCounter interface {
	NextBuildNumber(ctx context.Context, pipelineID, stageID string) (int64, error)
}

// Observer is notified of run progress. All calls for one run come from the
// coordinator's scheduling goroutine, in order.
type Observer interface {
	RunStarted(ctx context.Context, run *Run)
	StageStarted(ctx context.Context, run *Run, stageID string)
	StageFinished(ctx context.Context, run *Run, result StageRunResult)
	RunFinished(ctx context.Context, run *Run)
}

// NopObserver can be embedded to implement only some Observer methods.
type NopObserver struct{}

func (NopObserver) RunStarted(context.Context, *Run)                    {}
func (NopObserver) StageStarted(context.Context, *Run, string)          {}
func (NopObserver) StageFinished(context.Context, *Run, StageRunResult) {}
func (NopObserver) RunFinished(context.Context, *Run)                   {}

// Coordinator drives runs to completion.
type Coordinator struct {
	Executor  *StageExecutor
	Artifacts *artifact.Store
	Agents    AgentPool
	Params    *params.Resolver
	Counter   BuildCounter
	Observers []Observer
	Logger    *slog.Logger

	// WorkDir holds one working directory per stage of every run.
	WorkDir string
	// KeepWorkDirs leaves stage working directories in place after the run.
	KeepWorkDirs bool
	// MaxParallel bounds concurrently executing stages; zero leaves the bound
	// to the agent pool.
	MaxParallel int
}

type gateAction int

const (
	gateProceed gateAction = iota
	gateSkip
	gateCancel
)

type stageDone struct {
	result StageRunResult
}

// Trigger evaluates ev against def and, when it matches, executes a new run.
// The returned run is nil when the event does not start one.
func (c *Coordinator) Trigger(ctx context.Context, def *Definition, ev trigger.Event) (*Run, trigger.Decision, error) {
	run, d := Plan(def, ev)
	if run == nil {
		return nil, d, nil
	}
	return run, d, c.Execute(ctx, run)
}

// Plan evaluates ev against def and returns the pending run it starts, or
// nil with the reason the event was ignored.
func Plan(def *Definition, ev trigger.Event) (*Run, trigger.Decision) {
	d := trigger.Evaluate(ev, def.VCS, def.Trigger)
	if !d.Start {
		return nil, d
	}
	return NewRun(def, VCSRef{Ref: d.Ref, Branch: d.Branch, Commit: ev.Commit, Kind: ev.Kind}), d
}

// Execute runs every stage of run in topological order and returns once all
// stages are terminal. Stage failures are recorded in the run; the returned
// error is only set when the run could not be scheduled at all.
func (c *Coordinator) Execute(ctx context.Context, run *Run) error {
	logger := c.logger().With("run", run.ID, "pipeline", run.Definition.ID)
	g, err := NewGraph(run.Definition)
	if err != nil {
		run.fail()
		return err
	}
	notifyCtx := context.WithoutCancel(ctx)

	run.markStarted()
	logger.Info("run started", "ref", run.VCS.Ref, "branch", run.VCS.Branch, "commit", run.VCS.Commit)
	for _, o := range c.Observers {
		o.RunStarted(notifyCtx, run)
	}

	order := g.Order()
	started := make(map[string]bool, len(order))
	finished := 0
	running := 0
	done := make(chan stageDone, len(order))

	var eg errgroup.Group
	if c.MaxParallel > 0 {
		eg.SetLimit(c.MaxParallel)
	}

	record := func(res StageRunResult) {
		run.setResult(res)
		finished++
		logger.Info("stage finished", "stage", res.StageID, "status", res.Status, "reason", res.Reason)
		for _, o := range c.Observers {
			o.StageFinished(notifyCtx, run, res)
		}
	}
	settle := func(id string, status Status, reason errdefs.Reason, msg string) {
		started[id] = true
		now := time.Now().UTC()
		record(StageRunResult{StageID: id, Status: status, Reason: reason, Message: msg, FailedStep: -1, FinishedAt: now})
	}
	cancelRest := func() {
		for _, id := range order {
			if !started[id] {
				settle(id, StatusCancelled, errdefs.ReasonRunCancelled, "run cancelled before the stage started")
			}
		}
	}

	ctxDone := ctx.Done()
	for finished < len(order) {
		for _, id := range order {
			if started[id] || run.isCancelled() {
				continue
			}
			if !c.upstreamsTerminal(run, g, id) {
				continue
			}
			action, reason, msg := c.gate(run, id)
			switch action {
			case gateCancel:
				run.markCancelled()
				settle(id, StatusCancelled, reason, msg)
				logger.Warn("cancelling run", "stage", id, "reason", msg)
				continue
			case gateSkip:
				settle(id, StatusSkipped, reason, msg)
				continue
			}

			stage, _ := run.Definition.Stage(id)
			started[id] = true
			running++
			run.setResult(StageRunResult{StageID: id, Status: StatusRunning, FailedStep: -1, StartedAt: time.Now().UTC()})
			logger.Info("stage started", "stage", id)
			for _, o := range c.Observers {
				o.StageStarted(notifyCtx, run, id)
			}
			eg.Go(func() error {
				done <- stageDone{result: c.runStage(ctx, run, g, stage)}
				return nil
			})
		}
		if run.isCancelled() {
			cancelRest()
		}
		if finished == len(order) {
			break
		}
		if running == 0 {
			// cannot happen on a validated DAG
			run.fail()
			return fmt.Errorf("run %s: no runnable stage left", run.ID)
		}

		select {
		case d := <-done:
			running--
			record(d.result)
		case <-ctxDone:
			ctxDone = nil
			run.markCancelled()
			logger.Warn("run cancelled by caller", "error", ctx.Err())
		}
	}
	_ = eg.Wait()

	if !c.KeepWorkDirs {
		if err := os.RemoveAll(filepath.Join(c.workRoot(), run.ID)); err != nil {
			logger.Warn("cannot remove run workdir", "error", err)
		}
	}
	run.finish()
	logger.Info("run finished", "status", run.Status())
	for _, o := range c.Observers {
		o.RunFinished(notifyCtx, run)
	}
	return nil
}

func (c *Coordinator) upstreamsTerminal(run *Run, g *Graph, id string) bool {
	for _, up := range g.Upstream(id) {
		res, _ := run.Result(up)
		if !res.Status.Terminal() {
			return false
		}
	}
	return true
}

// gate applies the failure policy of every incoming edge and the stage trigger
// rule. Cancellation wins over skipping, skipping over proceeding.
func (c *Coordinator) gate(run *Run, id string) (gateAction, errdefs.Reason, string) {
	stage, _ := run.Definition.Stage(id)
	action := gateProceed
	var reason errdefs.Reason
	var msg string
	escalate := func(a gateAction, r errdefs.Reason, m string) {
		if a > action {
			action, reason, msg = a, r, m
		}
	}

	for _, dep := range stage.Dependencies {
		up, _ := run.Result(dep.Upstream)
		policy := effectivePolicy(run.Definition, dep)
		switch up.Status {
		case StatusFailed, StatusCancelled:
			switch policy {
			case PolicyCancel:
				escalate(gateCancel, errdefs.ReasonUpstreamFailed, fmt.Sprintf("upstream %s is %s", dep.Upstream, up.Status))
			case PolicySkip:
				escalate(gateSkip, errdefs.ReasonUpstreamFailed, fmt.Sprintf("upstream %s is %s", dep.Upstream, up.Status))
			}
		case StatusSkipped:
			if policy != PolicyIgnore {
				escalate(gateSkip, errdefs.ReasonUpstreamSkipped, fmt.Sprintf("upstream %s was skipped", dep.Upstream))
			}
		}
	}
	if action != gateProceed {
		return action, reason, msg
	}
	if stage.Trigger != nil && !stage.Trigger.Match(run.VCS.Branch, run.VCS.Ref, run.Definition.VCS.DefaultLogical()) {
		return gateSkip, errdefs.ReasonTriggerFiltered, fmt.Sprintf("branch %s does not match the stage trigger", run.VCS.Branch)
	}
	return gateProceed, "", ""
}

// runStage acquires an agent, resolves parameters, materialises inputs and
// executes the stage.
func (c *Coordinator) runStage(ctx context.Context, run *Run, g *Graph, stage *Stage) StageRunResult {
	res := StageRunResult{StageID: stage.ID, Status: StatusRunning, FailedStep: -1, StartedAt: time.Now().UTC()}
	end := func(status Status, reason errdefs.Reason, err error) StageRunResult {
		res.Status = status
		res.Reason = reason
		res.Err = err
		if err != nil {
			res.Message = err.Error()
		}
		res.FinishedAt = time.Now().UTC()
		return res
	}
	cancelled := func(err error) StageRunResult {
		return end(StatusCancelled, errdefs.ReasonRunCancelled, err)
	}
	failed := func(err error) StageRunResult {
		reason := errdefs.ReasonOf(err)
		if reason == "" {
			reason = errdefs.ReasonLaunchFailed
		}
		return end(StatusFailed, reason, errdefs.WithStage(err, stage.ID))
	}

	if c.Agents == nil {
		return failed(errdefs.Configuration(errdefs.ReasonNoCompatibleAgent, stage.ID, "no agent pool configured"))
	}
	lease, err := c.Agents.Acquire(ctx, stage.Requirements)
	if err != nil {
		if ctx.Err() != nil {
			return cancelled(ctx.Err())
		}
		return failed(err)
	}
	defer lease.Release()
	res.AgentID = lease.AgentID

	if c.Counter != nil {
		n, err := c.Counter.NextBuildNumber(ctx, run.Definition.ID, stage.ID)
		if err != nil {
			return failed(fmt.Errorf("assign build number: %w", err))
		}
		res.BuildNumber = n
	}

	resolved, err := c.resolveParams(ctx, run, g, stage, res.BuildNumber)
	if err != nil {
		return failed(err)
	}
	if err := checkReferences(stage, resolved); err != nil {
		return failed(withStageID(err, stage.ID))
	}

	workDir := filepath.Join(c.workRoot(), run.ID, stage.ID)
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return failed(errdefs.Artifact(errdefs.ReasonArtifactIO, stage.ID, err, "create working directory"))
	}
	if err := c.materialize(ctx, run, g, stage, workDir); err != nil {
		if ctx.Err() != nil {
			return cancelled(ctx.Err())
		}
		return failed(err)
	}

	out := c.Executor.Execute(ctx, StageRequest{
		RunID:       run.ID,
		Stage:       stage,
		BuildNumber: res.BuildNumber,
		WorkDir:     workDir,
		Params:      resolved,
		Runner:      lease.Runner,
	})
	res.Steps = out.Steps
	res.FailedStep = out.FailedStep
	res.ExitCode = out.ExitCode
	res.StderrTail = out.StderrTail
	res.Artifacts = out.Artifacts
	if len(out.Steps) > 0 && out.Steps[0].LogPath != "" {
		res.LogDir = filepath.Dir(out.Steps[0].LogPath)
	}
	res.Params = resolved.Public(params.ScopeStage, params.ScopeBuiltin, params.ScopeRuntime)
	if out.Status == StatusSuccess {
		return end(StatusSuccess, "", nil)
	}
	return end(out.Status, out.Reason, out.Err)
}

// resolveParams merges, lowest precedence first: global parameters, run
// built-ins, parameters of finished ancestors as dep.<id>.<name>, stage
// parameters and stage built-ins.
func (c *Coordinator) resolveParams(ctx context.Context, run *Run, g *Graph, stage *Stage, build int64) (*params.Resolved, error) {
	runBuiltins := map[string]string{
		"run.id":      run.ID,
		"pipeline.id": run.Definition.ID,
		"vcs.ref":     run.VCS.Ref,
		"vcs.branch":  run.VCS.Branch,
		"vcs.commit":  run.VCS.Commit,
	}
	deps := make(map[string]string)
	for _, anc := range g.Ancestors(stage.ID) {
		res, _ := run.Result(anc)
		if !res.Status.Terminal() || res.StartedAt.IsZero() {
			continue
		}
		prefix := "dep." + anc + "."
		for k, v := range res.Params {
			deps[prefix+k] = v
		}
		if res.BuildNumber > 0 {
			deps[prefix+"build.number"] = strconv.FormatInt(res.BuildNumber, 10)
		}
	}
	stageBuiltins := map[string]string{
		"build.number": strconv.FormatInt(build, 10),
		"stage.id":     stage.ID,
	}

	resolver := c.Params
	if resolver == nil {
		resolver = params.NewResolver(nil)
	}
	resolved, err := resolver.Resolve(ctx,
		params.Layer{Scope: params.ScopeGlobal, Params: run.Definition.Params},
		params.FromMap(params.ScopeRun, runBuiltins),
		params.FromMap(params.ScopeDependency, deps),
		params.Layer{Scope: params.ScopeStage, Params: stage.Params},
		params.FromMap(params.ScopeBuiltin, stageBuiltins),
	)
	if err != nil {
		return nil, errdefs.WithStage(err, stage.ID)
	}
	return resolved, nil
}

// materialize copies the inputs of stage into workDir. Rules whose upstream
// did not succeed contribute nothing.
func (c *Coordinator) materialize(ctx context.Context, run *Run, g *Graph, stage *Stage, workDir string) error {
	inputs, err := g.Inputs(stage.ID)
	if err != nil {
		return err
	}
	for _, in := range inputs {
		up, _ := run.Result(in.Upstream)
		if up.Status != StatusSuccess {
			continue
		}
		if c.Artifacts == nil {
			return errdefs.Artifact(errdefs.ReasonArtifactIO, stage.ID, nil, "no artifact store configured")
		}
		if _, err := c.Artifacts.Resolve(ctx, run.ID, in.Upstream, in.Rule, workDir); err != nil {
			var nm *artifact.NoMatchError
			if errors.As(err, &nm) {
				nm.StageID = stage.ID
				return nm
			}
			return errdefs.WithStage(err, stage.ID)
		}
	}
	return nil
}

func (c *Coordinator) workRoot() string {
	if c.WorkDir == "" {
		return filepath.Join(os.TempDir(), "stagerun")
	}
	return c.WorkDir
}

func (c *Coordinator) logger() *slog.Logger {
	if c.Logger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return c.Logger
}

// Runs tracks the runs of a process so they can be looked up by id.
type Runs struct {
	mu   sync.RWMutex
	runs map[string]*Run
}

func NewRuns() *Runs { return &Runs{runs: make(map[string]*Run)} }

func (rs *Runs) Add(run *Run) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.runs[run.ID] = run
}

func (rs *Runs) Get(id string) (*Run, bool) {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	r, ok := rs.runs[id]
	return r, ok
}
