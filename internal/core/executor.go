package core

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"stagerun/internal/artifact"
	"stagerun/internal/errdefs"
	"stagerun/internal/params"
	"stagerun/internal/storage"
)

// StepRequest is everything a process runner needs to launch one step.
type StepRequest struct {
	RunID   string        `json:"runId"`
	StageID string        `json:"stageId"`
	Step    string        `json:"step"`
	Command string        `json:"command"`
	Dir     string        `json:"dir"`
	Env     []string      `json:"env,omitempty"`
	Timeout time.Duration `json:"timeout"`
}

// StepOutput is the captured result of a finished process.
type StepOutput struct {
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	Combined string        `json:"combined"`
	ExitCode int           `json:"exitCode"`
	TimedOut bool          `json:"timedOut"`
	Duration time.Duration `json:"duration"`
}

// ProcessRunner launches step processes. A non nil error means the process
// could not be launched or the caller's context ended; a process that ran and
// exited non-zero is reported through StepOutput.ExitCode.
type ProcessRunner interface {
	RunStep(ctx context.Context, req StepRequest) (StepOutput, error)
}

// LocalRunner runs steps with "sh -c" on this host.
type LocalRunner struct {
	Shell string
	// WaitDelay bounds how long output pipes are drained after the process
	// was killed.
	WaitDelay time.Duration
}

func NewLocalRunner() *LocalRunner {
	return &LocalRunner{Shell: "sh", WaitDelay: 5 * time.Second}
}

// RunStep executes the step in a shell (sh -c "cmd").
func (r *LocalRunner) RunStep(ctx context.Context, req StepRequest) (StepOutput, error) {
	stepCtx := ctx
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}
	shell := r.Shell
	if shell == "" {
		shell = "sh"
	}

	cmd := exec.CommandContext(stepCtx, shell, "-c", req.Command)
	cmd.Dir = req.Dir
	cmd.Env = append(os.Environ(), req.Env...)
	cmd.WaitDelay = r.WaitDelay

	var stdout, stderr bytes.Buffer
	combined := &lockedBuffer{}
	cmd.Stdout = io.MultiWriter(&stdout, combined)
	cmd.Stderr = io.MultiWriter(&stderr, combined)

	start := time.Now()
	err := cmd.Run()
	out := StepOutput{Duration: time.Since(start)}
	out.Stdout, out.Stderr, out.Combined = stdout.String(), stderr.String(), combined.String()

	switch {
	case err == nil:
		return out, nil
	case ctx.Err() != nil:
		out.ExitCode = -1
		return out, ctx.Err()
	case errors.Is(stepCtx.Err(), context.DeadlineExceeded):
		out.ExitCode = -1
		out.TimedOut = true
		return out, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		out.ExitCode = exitErr.ExitCode()
		if out.ExitCode == 0 {
			out.ExitCode = -1
		}
		return out, nil
	}
	return out, err
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// setParameterRE matches ##stagerun[setParameter name='X' value='Y'].
var setParameterRE = regexp.MustCompile(`^##stagerun\[setParameter\s+name='((?:[^'|]|\|.)*)'\s+value='((?:[^'|]|\|.)*)'\s*\]\s*$`)

// publishedNameRE finds setParameter names written literally into a step
// command.
var publishedNameRE = regexp.MustCompile(`##stagerun\[setParameter\s+name='((?:[^'|]|\|.)*)'`)

// checkReferences fails when a step refers to a parameter that no scope
// defines. Names an earlier step of the same stage publishes are left to
// the executor, which resolves them once that step has run.
func checkReferences(stage *Stage, resolved *params.Resolved) error {
	published := make(map[string]bool)
	for _, step := range stage.Steps {
		_, err := resolved.Expand(step.Run)
		var ue *params.UnresolvedError
		if errors.As(err, &ue) && !ue.Cycle {
			var missing []string
			for _, name := range ue.Names {
				if !published[name] {
					missing = append(missing, name)
				}
			}
			if len(missing) > 0 {
				return &params.UnresolvedError{Names: missing}
			}
		} else if err != nil {
			return err
		}
		for _, m := range publishedNameRE.FindAllStringSubmatch(step.Run, -1) {
			published[unescapeMessage(m[1])] = true
		}
	}
	return nil
}

// ServiceMessage is a parameter published by a step through its stdout.
type ServiceMessage struct {
	Name  string
	Value string
}

// ParseServiceMessages extracts setParameter messages from step output.
func ParseServiceMessages(stdout string) []ServiceMessage {
	var msgs []ServiceMessage
	for _, line := range strings.Split(stdout, "\n") {
		m := setParameterRE.FindStringSubmatch(strings.TrimRight(line, "\r"))
		if m == nil {
			continue
		}
		msgs = append(msgs, ServiceMessage{Name: unescapeMessage(m[1]), Value: unescapeMessage(m[2])})
	}
	return msgs
}

// unescapeMessage reverses the '|' escaping used inside service messages:
// |' |[ |] || |n |r.
func unescapeMessage(s string) string {
	if !strings.Contains(s, "|") {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] != '|' || i+1 == len(s) {
			b.WriteByte(s[i])
			continue
		}
		i++
		switch s[i] {
		case 'n':
			b.WriteByte('\n')
		case 'r':
			b.WriteByte('\r')
		default:
			b.WriteByte(s[i])
		}
	}
	return b.String()
}

// StageRequest describes one stage execution.
type StageRequest struct {
	RunID       string
	Stage       *Stage
	BuildNumber int64
	WorkDir     string
	Params      *params.Resolved
	Runner      ProcessRunner
}

// StageOutcome is what the executor reports back for one stage.
type StageOutcome struct {
	Status     Status
	Reason     errdefs.Reason
	Err        error
	Steps      []StepResult
	FailedStep int
	ExitCode   int
	StderrTail string
	Artifacts  artifact.Set
	Published  map[string]string
}

// StageExecutor runs the steps of a stage sequentially and publishes its
// artifacts on success.
type StageExecutor struct {
	Artifacts      *artifact.Store
	Logs           *storage.LogStorage
	DefaultTimeout time.Duration
	Logger         *slog.Logger
	// TailLines bounds the stderr tail kept on failure.
	TailLines int
}

const defaultTailLines = 20

// Execute runs every step of req.Stage. The first step that exits non-zero,
// times out or cannot be launched aborts the remaining steps.
func (e *StageExecutor) Execute(ctx context.Context, req StageRequest) StageOutcome {
	logger := e.logger().With("run", req.RunID, "stage", req.Stage.ID)
	out := StageOutcome{Status: StatusSuccess, FailedStep: -1, Published: map[string]string{}}

	for i, step := range req.Stage.Steps {
		command, err := req.Params.Expand(step.Run)
		if err != nil {
			return e.fail(out, i, 0, errdefs.ReasonUnresolvedParameter, withStageID(err, req.Stage.ID))
		}
		env, err := req.Params.Env()
		if err != nil {
			return e.fail(out, i, 0, errdefs.ReasonUnresolvedParameter, withStageID(err, req.Stage.ID))
		}
		env = append(env,
			"STAGERUN_RUN_ID="+req.RunID,
			"STAGERUN_STAGE_ID="+req.Stage.ID,
			"BUILD_NUMBER="+strconv.FormatInt(req.BuildNumber, 10),
		)
		timeout := step.Timeout
		if timeout <= 0 {
			timeout = e.DefaultTimeout
		}

		logger.Debug("running step", "step", step.Name, "index", i)
		res, runErr := req.Runner.RunStep(ctx, StepRequest{
			RunID:   req.RunID,
			StageID: req.Stage.ID,
			Step:    step.Name,
			Command: command,
			Dir:     req.WorkDir,
			Env:     env,
			Timeout: timeout,
		})

		for _, msg := range ParseServiceMessages(res.Stdout) {
			secret := req.Params.IsSecret(msg.Name)
			if err := req.Params.Set(msg.Name, msg.Value, secret); err != nil {
				logger.Warn("ignoring service message", "step", step.Name, "error", err)
				continue
			}
			if !secret {
				out.Published[msg.Name] = req.Params.Masker().Mask(msg.Value)
			}
		}

		masker := req.Params.Masker()
		result := StepResult{Name: step.Name, ExitCode: res.ExitCode, Duration: res.Duration, TimedOut: res.TimedOut}
		if e.Logs != nil {
			path, err := e.Logs.SaveStepLog(req.RunID, req.Stage.ID, i, step.Name, masker.Mask(res.Combined))
			if err != nil {
				logger.Warn("cannot save step log", "step", step.Name, "error", err)
			}
			result.LogPath = path
		}
		out.Steps = append(out.Steps, result)
		tail := tailLines(masker.Mask(firstNonEmpty(res.Stderr, res.Combined)), e.tailLines())

		switch {
		case runErr != nil && ctx.Err() != nil:
			out.Status = StatusCancelled
			out.Reason = errdefs.ReasonRunCancelled
			out.Err = ctx.Err()
			out.FailedStep = i
			out.StderrTail = tail
			return out
		case runErr != nil:
			out.StderrTail = tail
			return e.fail(out, i, -1, errdefs.ReasonLaunchFailed,
				errdefs.Execution(errdefs.ReasonLaunchFailed, req.Stage.ID, "step %q: launch: %s", step.Name, masker.Mask(runErr.Error())))
		case res.TimedOut:
			out.StderrTail = tail
			return e.fail(out, i, res.ExitCode, errdefs.ReasonTimeout,
				errdefs.Execution(errdefs.ReasonTimeout, req.Stage.ID, "step %q timed out after %s", step.Name, timeout))
		case res.ExitCode != 0:
			out.StderrTail = tail
			return e.fail(out, i, res.ExitCode, errdefs.ReasonStepFailed,
				errdefs.Execution(errdefs.ReasonStepFailed, req.Stage.ID, "step %q exited with code %d", step.Name, res.ExitCode))
		}
		logger.Debug("step completed", "step", step.Name, "duration", res.Duration)
	}

	if len(req.Stage.Artifacts) > 0 && e.Artifacts != nil {
		set, err := e.Artifacts.Publish(ctx, req.RunID, req.Stage.ID, req.WorkDir, req.Stage.Artifacts)
		if err != nil {
			reason := errdefs.ReasonOf(err)
			if reason == "" {
				reason = errdefs.ReasonArtifactIO
			}
			return e.fail(out, -1, 0, reason, err)
		}
		out.Artifacts = set
	}
	return out
}

func (e *StageExecutor) fail(out StageOutcome, step, code int, reason errdefs.Reason, err error) StageOutcome {
	out.Status = StatusFailed
	out.Reason = reason
	out.Err = err
	out.FailedStep = step
	out.ExitCode = code
	return out
}

func (e *StageExecutor) logger() *slog.Logger {
	if e.Logger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return e.Logger
}

func (e *StageExecutor) tailLines() int {
	if e.TailLines <= 0 {
		return defaultTailLines
	}
	return e.TailLines
}

func withStageID(err error, stageID string) error {
	var ue *params.UnresolvedError
	if errors.As(err, &ue) && ue.StageID == "" {
		ue.StageID = stageID
		return ue
	}
	return errdefs.WithStage(err, stageID)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func tailLines(s string, n int) string {
	s = strings.TrimRight(s, "\n")
	if s == "" {
		return ""
	}
	lines := strings.Split(s, "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}

func (o StageOutcome) String() string {
	if o.Err == nil {
		return string(o.Status)
	}
	return fmt.Sprintf("%s (%s): %v", o.Status, o.Reason, o.Err)
}
