package core

import (
	"fmt"
	"strings"

	"stagerun/internal/artifact"
	"stagerun/internal/params"
	"stagerun/internal/trigger"
)

// FailurePolicy decides how a stage reacts to a non successful upstream.
type FailurePolicy string

const (
	// PolicyCancel cancels the run when the upstream failed or was cancelled.
	PolicyCancel FailurePolicy = "CANCEL"
	// PolicySkip skips the stage when the upstream failed.
	PolicySkip FailurePolicy = "SKIP"
	// PolicyIgnore runs the stage regardless of the upstream result.
	PolicyIgnore FailurePolicy = "IGNORE"
)

// DefaultFailurePolicy applies when neither the edge nor the definition names one.
const DefaultFailurePolicy = PolicyCancel

// ParseFailurePolicy accepts the policy names case-insensitively. The empty
// string yields "" so callers can apply their own default.
func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch p := FailurePolicy(strings.ToUpper(strings.TrimSpace(s))); p {
	case "", PolicyCancel, PolicySkip, PolicyIgnore:
		return p, nil
	default:
		return "", fmt.Errorf("unknown failure policy %q", s)
	}
}

// Definition is a loaded pipeline. It is never mutated after loading and may
// be shared by concurrent runs.
type Definition struct {
	ID                   string
	Name                 string
	VCS                  trigger.VCSRoot
	Trigger              *trigger.Filter
	DefaultFailurePolicy FailurePolicy
	Params               []params.Parameter
	Stages               []*Stage

	// Source is the document the definition was parsed from.
	Source []byte

	index map[string]*Stage
}

// Stage returns the stage with the given id.
func (d *Definition) Stage(id string) (*Stage, bool) {
	s, ok := d.index[id]
	return s, ok
}

// StageIDs returns stage ids in declaration order.
func (d *Definition) StageIDs() []string {
	ids := make([]string, len(d.Stages))
	for i, s := range d.Stages {
		ids[i] = s.ID
	}
	return ids
}

func (d *Definition) reindex() {
	d.index = make(map[string]*Stage, len(d.Stages))
	for _, s := range d.Stages {
		if _, dup := d.index[s.ID]; !dup {
			d.index[s.ID] = s
		}
	}
}

// Stage is one unit of pipeline work.
type Stage struct {
	ID           string
	Name         string
	Description  string
	Steps        []Step
	Dependencies []DependencyEdge
	Params       []params.Parameter
	Trigger      *trigger.Filter
	// Requirements maps agent tag names to required values; an empty value
	// only requires the tag to be present.
	Requirements map[string]string
	Artifacts    []artifact.Rule
}

// DependencyEdge ties a stage to one of its upstreams.
type DependencyEdge struct {
	Upstream  string
	Artifacts []artifact.Rule
	Policy    FailurePolicy
}

// ParseRequirement splits "key=value" or a bare "key".
func ParseRequirement(s string) (key, value string, err error) {
	key, value, _ = strings.Cut(strings.TrimSpace(s), "=")
	key = strings.TrimSpace(key)
	value = strings.TrimSpace(value)
	if key == "" {
		return "", "", fmt.Errorf("empty requirement %q", s)
	}
	return key, value, nil
}
