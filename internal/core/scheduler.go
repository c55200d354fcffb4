package core

import (
	"fmt"
	"strings"

	"stagerun/internal/artifact"
	"stagerun/internal/errdefs"
)

// CycleError names a dependency cycle, first stage repeated at the end.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return "dependency cycle: " + strings.Join(e.Path, " -> ")
}

func (e *CycleError) Kind() errdefs.Kind     { return errdefs.KindConfiguration }
func (e *CycleError) Reason() errdefs.Reason { return errdefs.ReasonCycle }
func (e *CycleError) Stage() string {
	if len(e.Path) == 0 {
		return ""
	}
	return e.Path[0]
}

// UnknownStageError reports a dependency on a stage that does not exist.
type UnknownStageError struct {
	StageID  string
	Upstream string
}

func (e *UnknownStageError) Error() string {
	return fmt.Sprintf("stage %s: depends on unknown stage %q", e.StageID, e.Upstream)
}

func (e *UnknownStageError) Kind() errdefs.Kind     { return errdefs.KindConfiguration }
func (e *UnknownStageError) Reason() errdefs.Reason { return errdefs.ReasonUnknownStage }
func (e *UnknownStageError) Stage() string          { return e.StageID }

// ArtifactRuleConflictError reports two dependency edges writing overlapping
// destinations from different sources.
type ArtifactRuleConflictError struct {
	StageID string
	First   Input
	Second  Input
}

func (e *ArtifactRuleConflictError) Error() string {
	return fmt.Sprintf("stage %s: artifact rule %q from %s conflicts with %q from %s",
		e.StageID, e.First.Rule.String(), e.First.Upstream, e.Second.Rule.String(), e.Second.Upstream)
}

func (e *ArtifactRuleConflictError) Kind() errdefs.Kind { return errdefs.KindConfiguration }
func (e *ArtifactRuleConflictError) Reason() errdefs.Reason {
	return errdefs.ReasonArtifactRuleConflict
}
func (e *ArtifactRuleConflictError) Stage() string { return e.StageID }

// Input is one artifact rule a stage pulls from an upstream.
type Input struct {
	Upstream string
	Rule     artifact.Rule
	Policy   FailurePolicy
}

// Graph is the validated dependency DAG of a definition.
type Graph struct {
	def        *Definition
	order      []string
	decl       map[string]int
	upstream   map[string][]string
	downstream map[string][]string
}

// NewGraph validates the dependency edges of def and computes a stable
// topological order. It fails with UnknownStageError, CycleError or
// ArtifactRuleConflictError.
func NewGraph(def *Definition) (*Graph, error) {
	g := &Graph{
		def:        def,
		decl:       make(map[string]int, len(def.Stages)),
		upstream:   make(map[string][]string, len(def.Stages)),
		downstream: make(map[string][]string, len(def.Stages)),
	}
	for i, s := range def.Stages {
		if _, dup := g.decl[s.ID]; dup {
			return nil, errdefs.Configuration(errdefs.ReasonDuplicateStage, s.ID, "duplicate stage id")
		}
		g.decl[s.ID] = i
	}
	for _, s := range def.Stages {
		seen := make(map[string]bool, len(s.Dependencies))
		for _, dep := range s.Dependencies {
			if _, ok := g.decl[dep.Upstream]; !ok {
				return nil, &UnknownStageError{StageID: s.ID, Upstream: dep.Upstream}
			}
			if seen[dep.Upstream] {
				return nil, errdefs.Configuration(errdefs.ReasonInvalidDefinition, s.ID, "duplicate dependency on %s", dep.Upstream)
			}
			seen[dep.Upstream] = true
			g.upstream[s.ID] = append(g.upstream[s.ID], dep.Upstream)
			g.downstream[dep.Upstream] = append(g.downstream[dep.Upstream], s.ID)
		}
	}
	if cycle := g.findCycle(); cycle != nil {
		return nil, &CycleError{Path: cycle}
	}
	g.order = g.topoSort()
	for _, s := range def.Stages {
		if _, err := g.Inputs(s.ID); err != nil {
			return nil, err
		}
	}
	return g, nil
}

func (g *Graph) findCycle() []string {
	const (
		white = iota
		grey
		black
	)
	color := make(map[string]int, len(g.decl))
	var stack []string
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = grey
		stack = append(stack, id)
		for _, up := range g.upstream[id] {
			switch color[up] {
			case grey:
				for i, s := range stack {
					if s == up {
						// stack runs downstream to upstream; report it upstream first
						path := append([]string(nil), stack[i:]...)
						for l, r := 0, len(path)-1; l < r; l, r = l+1, r-1 {
							path[l], path[r] = path[r], path[l]
						}
						cycle = append(path, path[0])
						return true
					}
				}
			case white:
				if visit(up) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		return false
	}
	for _, s := range g.def.Stages {
		if color[s.ID] == white && visit(s.ID) {
			return cycle
		}
	}
	return nil
}

// topoSort is Kahn's algorithm picking the earliest declared ready stage.
func (g *Graph) topoSort() []string {
	indegree := make(map[string]int, len(g.decl))
	for id, ups := range g.upstream {
		indegree[id] = len(ups)
	}
	var ready []string
	push := func(id string) {
		i := len(ready)
		for i > 0 && g.decl[ready[i-1]] > g.decl[id] {
			i--
		}
		ready = append(ready, "")
		copy(ready[i+1:], ready[i:])
		ready[i] = id
	}
	for _, s := range g.def.Stages {
		if indegree[s.ID] == 0 {
			push(s.ID)
		}
	}
	order := make([]string, 0, len(g.decl))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)
		for _, down := range g.downstream[id] {
			indegree[down]--
			if indegree[down] == 0 {
				push(down)
			}
		}
	}
	return order
}

// Order returns every stage id, upstreams before downstreams, ties broken by
// declaration order.
func (g *Graph) Order() []string { return append([]string(nil), g.order...) }

// Upstream returns the direct upstreams of id in declaration order of its edges.
func (g *Graph) Upstream(id string) []string { return append([]string(nil), g.upstream[id]...) }

// Downstream returns the stages that depend directly on id.
func (g *Graph) Downstream(id string) []string { return append([]string(nil), g.downstream[id]...) }

// Ancestors returns every transitive upstream of id in topological order.
func (g *Graph) Ancestors(id string) []string {
	seen := make(map[string]bool)
	var walk func(string)
	walk = func(s string) {
		for _, up := range g.upstream[s] {
			if !seen[up] {
				seen[up] = true
				walk(up)
			}
		}
	}
	walk(id)
	out := make([]string, 0, len(seen))
	for _, s := range g.order {
		if seen[s] {
			out = append(out, s)
		}
	}
	return out
}

// Inputs merges the artifact rules of every dependency edge of id. Rules of
// different edges may not write overlapping destinations.
func (g *Graph) Inputs(id string) ([]Input, error) {
	stage, ok := g.def.Stage(id)
	if !ok {
		return nil, &UnknownStageError{StageID: id, Upstream: id}
	}
	var inputs []Input
	for _, dep := range stage.Dependencies {
		for _, r := range dep.Artifacts {
			in := Input{Upstream: dep.Upstream, Rule: r, Policy: g.policy(dep)}
			for _, prev := range inputs {
				if prev.Upstream == in.Upstream {
					continue
				}
				if artifact.Overlaps(prev.Rule.Footprint(), in.Rule.Footprint()) {
					return nil, &ArtifactRuleConflictError{StageID: id, First: prev, Second: in}
				}
			}
			inputs = append(inputs, in)
		}
	}
	return inputs, nil
}

func (g *Graph) policy(dep DependencyEdge) FailurePolicy {
	return effectivePolicy(g.def, dep)
}

func effectivePolicy(def *Definition, dep DependencyEdge) FailurePolicy {
	if dep.Policy != "" {
		return dep.Policy
	}
	if def.DefaultFailurePolicy != "" {
		return def.DefaultFailurePolicy
	}
	return DefaultFailurePolicy
}
