// Package errdefs defines the error taxonomy shared by the pipeline components.
//
// Every error raised by the orchestrator carries a machine-readable Kind and
// Reason, and the stage it belongs to when there is one. Callers inspect them
// with KindOf, ReasonOf and StageOf instead of matching on messages.
package errdefs

import (
	"errors"
	"fmt"
)

// Kind groups errors by how the orchestrator reacts to them.
type Kind string

const (
	// KindConfiguration errors are detected at load or pre-execution time
	// and are never retried.
	KindConfiguration Kind = "configuration"
	// KindExecution errors fail the owning stage and propagate per edge policy.
	KindExecution Kind = "execution"
	// KindArtifact errors fail the stage that required the artifact.
	KindArtifact Kind = "artifact"
	// KindUnknown is reported for errors outside the taxonomy.
	KindUnknown Kind = "unknown"
)

// Reason is the specific cause within a Kind.
type Reason string

const (
	ReasonCycle                Reason = "CYCLE"
	ReasonUnknownStage         Reason = "UNKNOWN_STAGE"
	ReasonArtifactRuleConflict Reason = "ARTIFACT_RULE_CONFLICT"
	ReasonUnresolvedParameter  Reason = "UNRESOLVED_PARAMETER"
	ReasonInvalidDefinition    Reason = "INVALID_DEFINITION"
	ReasonDuplicateStage       Reason = "DUPLICATE_STAGE"
	ReasonInvalidFilter        Reason = "INVALID_FILTER"
	ReasonInvalidArtifactRule  Reason = "INVALID_ARTIFACT_RULE"
	ReasonSecretUnavailable    Reason = "SECRET_UNAVAILABLE"
	ReasonNoCompatibleAgent    Reason = "NO_COMPATIBLE_AGENT"

	ReasonStepFailed   Reason = "STEP_FAILED"
	ReasonTimeout      Reason = "TIMEOUT"
	ReasonLaunchFailed Reason = "LAUNCH_FAILED"

	ReasonNoMatch    Reason = "NO_MATCH"
	ReasonArtifactIO Reason = "ARTIFACT_IO"

	// Reasons recorded on results that are not errors.
	ReasonUpstreamFailed  Reason = "UPSTREAM_FAILED"
	ReasonUpstreamSkipped Reason = "UPSTREAM_SKIPPED"
	ReasonRunCancelled    Reason = "RUN_CANCELLED"
	ReasonTriggerFiltered Reason = "TRIGGER_FILTERED"
)

// Classified is implemented by every error of the taxonomy.
type Classified interface {
	error
	Kind() Kind
	Reason() Reason
	Stage() string
}

// Error is the generic classified error.
type Error struct {
	K       Kind
	R       Reason
	StageID string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.R)
	}
	if e.StageID != "" {
		msg = fmt.Sprintf("stage %s: %s", e.StageID, msg)
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error  { return e.Err }
func (e *Error) Kind() Kind     { return e.K }
func (e *Error) Reason() Reason { return e.R }
func (e *Error) Stage() string  { return e.StageID }

// Configuration returns a configuration error.
func Configuration(reason Reason, stageID, format string, args ...any) *Error {
	return &Error{K: KindConfiguration, R: reason, StageID: stageID, Message: fmt.Sprintf(format, args...)}
}

// Execution returns an execution error.
func Execution(reason Reason, stageID, format string, args ...any) *Error {
	return &Error{K: KindExecution, R: reason, StageID: stageID, Message: fmt.Sprintf(format, args...)}
}

// Artifact returns an artifact error wrapping err, which may be nil.
func Artifact(reason Reason, stageID string, err error, format string, args ...any) *Error {
	return &Error{K: KindArtifact, R: reason, StageID: stageID, Message: fmt.Sprintf(format, args...), Err: err}
}

// WithStage returns err attributed to stageID when it is an *Error without a
// stage. Other errors are returned unchanged.
func WithStage(err error, stageID string) error {
	if e, ok := err.(*Error); ok && e.StageID == "" {
		cp := *e
		cp.StageID = stageID
		return &cp
	}
	return err
}

// KindOf reports the Kind of err, or KindUnknown.
func KindOf(err error) Kind {
	var c Classified
	if errors.As(err, &c) {
		return c.Kind()
	}
	return KindUnknown
}

// ReasonOf reports the Reason of err, or the empty reason.
func ReasonOf(err error) Reason {
	var c Classified
	if errors.As(err, &c) {
		return c.Reason()
	}
	return ""
}

// StageOf reports the stage err belongs to, if any.
func StageOf(err error) string {
	var c Classified
	if errors.As(err, &c) {
		return c.Stage()
	}
	return ""
}

// IsConfiguration reports whether err is a configuration error.
func IsConfiguration(err error) bool { return KindOf(err) == KindConfiguration }
