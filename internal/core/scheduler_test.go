package core

import (
	"errors"
	"fmt"
	"math/rand"
	"reflect"
	"testing"

	"stagerun/internal/artifact"
)

func stage(id string, deps ...string) *Stage {
	s := &Stage{ID: id, Name: id, Steps: []Step{{Name: "noop", Run: "true"}}}
	for _, d := range deps {
		s.Dependencies = append(s.Dependencies, DependencyEdge{Upstream: d})
	}
	return s
}

func definition(stages ...*Stage) *Definition {
	def := &Definition{ID: "p", Stages: stages, DefaultFailurePolicy: PolicyCancel}
	def.reindex()
	return def
}

func TestOrderIsStable(t *testing.T) {
	g, err := NewGraph(definition(
		stage("lint"),
		stage("deploy", "docker", "test"),
		stage("build"),
		stage("docker", "build"),
		stage("test", "build"),
	))
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"lint", "build", "docker", "test", "deploy"}
	if got := g.Order(); !reflect.DeepEqual(got, want) {
		t.Errorf("Order() = %v, want %v", got, want)
	}
	if got := g.Ancestors("deploy"); !reflect.DeepEqual(got, []string{"build", "docker", "test"}) {
		t.Errorf("Ancestors(deploy) = %v", got)
	}
	if got := g.Downstream("build"); !reflect.DeepEqual(got, []string{"docker", "test"}) {
		t.Errorf("Downstream(build) = %v", got)
	}
	if got := g.Upstream("deploy"); !reflect.DeepEqual(got, []string{"docker", "test"}) {
		t.Errorf("Upstream(deploy) = %v", got)
	}
}

func TestSelfDependencyIsCycle(t *testing.T) {
	_, err := NewGraph(definition(stage("a", "a")))
	var ce *CycleError
	if !errors.As(err, &ce) || !reflect.DeepEqual(ce.Path, []string{"a", "a"}) {
		t.Errorf("err = %v, want cycle a -> a", err)
	}
}

func TestUnknownUpstream(t *testing.T) {
	_, err := NewGraph(definition(stage("a"), stage("b", "ghost")))
	var ue *UnknownStageError
	if !errors.As(err, &ue) || ue.StageID != "b" || ue.Upstream != "ghost" {
		t.Errorf("err = %v, want UnknownStageError", err)
	}
}

func randomDAG(r *rand.Rand, n int) []*Stage {
	stages := make([]*Stage, n)
	for i := range stages {
		stages[i] = stage(fmt.Sprintf("s%d", i))
	}
	// edges only point from lower to higher creation index, then shuffle
	// declaration order
	for i := 1; i < n; i++ {
		for j := 0; j < i; j++ {
			if r.Intn(4) == 0 {
				stages[i].Dependencies = append(stages[i].Dependencies, DependencyEdge{Upstream: stages[j].ID})
			}
		}
	}
	r.Shuffle(n, func(i, j int) { stages[i], stages[j] = stages[j], stages[i] })
	return stages
}

func TestOrderRespectsEveryEdge(t *testing.T) {
	r := rand.New(rand.NewSource(42))
	for iter := 0; iter < 200; iter++ {
		stages := randomDAG(r, 1+r.Intn(12))
		g, err := NewGraph(definition(stages...))
		if err != nil {
			t.Fatalf("iteration %d: %v", iter, err)
		}
		pos := make(map[string]int)
		for i, id := range g.Order() {
			pos[id] = i
		}
		if len(pos) != len(stages) {
			t.Fatalf("iteration %d: order has %d stages, want %d", iter, len(pos), len(stages))
		}
		for _, s := range stages {
			for _, d := range s.Dependencies {
				if pos[d.Upstream] >= pos[s.ID] {
					t.Fatalf("iteration %d: %s ordered after %s", iter, d.Upstream, s.ID)
				}
			}
		}
	}
}

func TestAnyCycleIsRejected(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	for iter := 0; iter < 200; iter++ {
		stages := randomDAG(r, 2+r.Intn(10))
		// close a cycle along a dependency path, or add a back edge
		var from, to *Stage
		for _, s := range stages {
			if len(s.Dependencies) > 0 {
				from = s
				break
			}
		}
		if from == nil {
			from, to = stages[0], stages[1]
			from.Dependencies = append(from.Dependencies, DependencyEdge{Upstream: to.ID})
		} else {
			up := from.Dependencies[0].Upstream
			for _, s := range stages {
				if s.ID == up {
					to = s
				}
			}
		}
		to.Dependencies = append(to.Dependencies, DependencyEdge{Upstream: from.ID})

		_, err := NewGraph(definition(stages...))
		var ce *CycleError
		if !errors.As(err, &ce) {
			t.Fatalf("iteration %d: err = %v, want CycleError", iter, err)
		}
		if ce.Path[0] != ce.Path[len(ce.Path)-1] {
			t.Fatalf("iteration %d: cycle path not closed: %v", iter, ce.Path)
		}
	}
}

func TestInputsMergeAndConflicts(t *testing.T) {
	rules := func(specs ...string) []artifact.Rule {
		rs, err := artifact.ParseRules(specs)
		if err != nil {
			t.Fatal(err)
		}
		return rs
	}

	consumer := stage("deploy")
	consumer.Dependencies = []DependencyEdge{
		{Upstream: "build", Artifacts: rules("app.jar", "config/** => config"), Policy: PolicySkip},
		{Upstream: "docs", Artifacts: rules("site => public")},
	}
	g, err := NewGraph(definition(stage("build"), stage("docs"), consumer))
	if err != nil {
		t.Fatal(err)
	}
	inputs, err := g.Inputs("deploy")
	if err != nil {
		t.Fatal(err)
	}
	if len(inputs) != 3 || inputs[0].Policy != PolicySkip || inputs[2].Upstream != "docs" || inputs[2].Policy != PolicyCancel {
		t.Errorf("Inputs = %+v", inputs)
	}

	conflicting := stage("deploy")
	conflicting.Dependencies = []DependencyEdge{
		{Upstream: "build", Artifacts: rules("out/app.jar => bin")},
		{Upstream: "docs", Artifacts: rules("app.jar => bin")},
	}
	_, err = NewGraph(definition(stage("build"), stage("docs"), conflicting))
	var ce *ArtifactRuleConflictError
	if !errors.As(err, &ce) || ce.StageID != "deploy" {
		t.Fatalf("err = %v, want ArtifactRuleConflictError", err)
	}

	disjoint := stage("deploy")
	disjoint.Dependencies = []DependencyEdge{
		{Upstream: "build", Artifacts: rules("app.jar")},
		{Upstream: "docs", Artifacts: rules("site")},
	}
	if _, err := NewGraph(definition(stage("build"), stage("docs"), disjoint)); err != nil {
		t.Errorf("disjoint destinations rejected: %v", err)
	}
}
