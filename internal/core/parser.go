package core

import (
	_ "embed"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"

	"stagerun/internal/artifact"
	"stagerun/internal/errdefs"
	"stagerun/internal/params"
	"stagerun/internal/trigger"
)

//go:embed schema/pipeline.schema.json
var definitionSchema []byte

var (
	compiledSchema *gojsonschema.Schema
	compileOnce    sync.Once
	compileErr     error
)

func getSchema() (*gojsonschema.Schema, error) {
	compileOnce.Do(func() {
		compiledSchema, compileErr = gojsonschema.NewSchema(gojsonschema.NewBytesLoader(definitionSchema))
	})
	return compiledSchema, compileErr
}

// Issue is one problem found in a pipeline document.
type Issue struct {
	Path    string
	Message string
	Err     error
}

func (i Issue) String() string {
	if i.Path == "" {
		return i.Message
	}
	return i.Path + ": " + i.Message
}

// ValidationError aggregates every issue of a document.
type ValidationError struct {
	Issues []Issue
}

func (e *ValidationError) Error() string {
	if len(e.Issues) == 0 {
		return "pipeline validation failed"
	}
	parts := make([]string, len(e.Issues))
	for i, is := range e.Issues {
		parts[i] = is.String()
	}
	return "pipeline validation failed: " + strings.Join(parts, "; ")
}

// Unwrap exposes the classified cause of each issue.
func (e *ValidationError) Unwrap() []error {
	var errs []error
	for _, is := range e.Issues {
		if is.Err != nil {
			errs = append(errs, is.Err)
		}
	}
	return errs
}

func (e *ValidationError) Kind() errdefs.Kind     { return errdefs.KindConfiguration }
func (e *ValidationError) Reason() errdefs.Reason { return errdefs.ReasonInvalidDefinition }
func (e *ValidationError) Stage() string          { return "" }

func (e *ValidationError) add(path string, err error) {
	e.Issues = append(e.Issues, Issue{Path: path, Message: err.Error(), Err: err})
}

func (e *ValidationError) addf(path, format string, args ...any) {
	e.Issues = append(e.Issues, Issue{Path: path, Message: fmt.Sprintf(format, args...)})
}

func (e *ValidationError) orNil() error {
	if e == nil || len(e.Issues) == 0 {
		return nil
	}
	return e
}

type document struct {
	ID                   string     `yaml:"id"`
	Name                 string     `yaml:"name"`
	VCS                  vcsDoc     `yaml:"vcs"`
	Trigger              triggerDoc `yaml:"trigger"`
	DefaultFailurePolicy string     `yaml:"defaultFailurePolicy"`
	Params               []paramDoc `yaml:"params"`
	Stages               []stageDoc `yaml:"stages"`
}

type vcsDoc struct {
	DefaultBranch     string `yaml:"defaultBranch"`
	BranchSpec        string `yaml:"branchSpec"`
	UseTagsAsBranches bool   `yaml:"useTagsAsBranches"`
}

type triggerDoc struct {
	BranchFilter string `yaml:"branchFilter"`
}

type paramDoc struct {
	Name   string `yaml:"name"`
	Value  string `yaml:"value"`
	Secret bool   `yaml:"secret"`
}

type stageDoc struct {
	ID           string          `yaml:"id"`
	Name         string          `yaml:"name"`
	Description  string          `yaml:"description"`
	Requirements []string        `yaml:"requirements"`
	Params       []paramDoc      `yaml:"params"`
	Trigger      triggerDoc      `yaml:"trigger"`
	Artifacts    []string        `yaml:"artifacts"`
	Steps        []stepDoc       `yaml:"steps"`
	Dependencies []dependencyDoc `yaml:"dependencies"`
}

type stepDoc struct {
	Name    string `yaml:"name"`
	Run     string `yaml:"run"`
	Timeout string `yaml:"timeout"`
}

type dependencyDoc struct {
	Stage     string   `yaml:"stage"`
	Artifacts []string `yaml:"artifacts"`
	OnFailure string   `yaml:"onFailure"`
}

// ParseDefinition parses a YAML pipeline document, validates it against the
// embedded JSON schema and semantically, and builds its stage graph once to
// reject cycles, unknown upstreams and conflicting artifact rules.
func ParseDefinition(data []byte) (*Definition, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, errdefs.Configuration(errdefs.ReasonInvalidDefinition, "", "parse pipeline yaml: %v", err)
	}
	if raw == nil {
		return nil, errdefs.Configuration(errdefs.ReasonInvalidDefinition, "", "empty pipeline document")
	}
	if err := validateSchema(raw); err != nil {
		return nil, err
	}

	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, errdefs.Configuration(errdefs.ReasonInvalidDefinition, "", "decode pipeline: %v", err)
	}
	def, err := doc.compile()
	if err != nil {
		return nil, err
	}
	if _, err := NewGraph(def); err != nil {
		return nil, err
	}
	def.Source = append([]byte(nil), data...)
	return def, nil
}

// LoadDefinition reads and parses the pipeline file at path.
func LoadDefinition(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pipeline %s: %w", path, err)
	}
	return ParseDefinition(data)
}

func validateSchema(raw any) error {
	schema, err := getSchema()
	if err != nil {
		return fmt.Errorf("compiling pipeline schema: %w", err)
	}
	result, err := schema.Validate(gojsonschema.NewGoLoader(raw))
	if err != nil {
		return errdefs.Configuration(errdefs.ReasonInvalidDefinition, "", "validating pipeline: %v", err)
	}
	if result.Valid() {
		return nil
	}
	verr := &ValidationError{}
	for _, e := range result.Errors() {
		verr.addf(e.Field(), "%s", e.Description())
	}
	return verr
}

func (doc *document) compile() (*Definition, error) {
	verr := &ValidationError{}
	def := &Definition{
		ID:   doc.ID,
		Name: doc.Name,
		VCS: trigger.VCSRoot{
			DefaultBranch:     doc.VCS.DefaultBranch,
			UseTagsAsBranches: doc.VCS.UseTagsAsBranches,
		},
	}
	if def.Name == "" {
		def.Name = def.ID
	}
	if strings.TrimSpace(doc.VCS.BranchSpec) != "" {
		spec, err := trigger.ParseBranchSpec(doc.VCS.BranchSpec)
		if err != nil {
			verr.add("vcs.branchSpec", err)
		}
		def.VCS.BranchSpec = spec
	}
	if f, err := trigger.ParseFilter(doc.Trigger.BranchFilter); err != nil {
		verr.add("trigger.branchFilter", err)
	} else {
		def.Trigger = f
	}
	policy, err := ParseFailurePolicy(doc.DefaultFailurePolicy)
	if err != nil {
		verr.add("defaultFailurePolicy", err)
	}
	if policy == "" {
		policy = DefaultFailurePolicy
	}
	def.DefaultFailurePolicy = policy
	def.Params = compileParams(verr, "params", doc.Params, params.ScopeGlobal)

	seen := make(map[string]bool, len(doc.Stages))
	for i, sd := range doc.Stages {
		path := fmt.Sprintf("stages[%d]", i)
		if seen[sd.ID] {
			verr.add(path+".id", errdefs.Configuration(errdefs.ReasonDuplicateStage, sd.ID, "duplicate stage id"))
			continue
		}
		seen[sd.ID] = true
		def.Stages = append(def.Stages, sd.compile(verr, path))
	}
	if err := verr.orNil(); err != nil {
		return nil, err
	}
	def.reindex()
	return def, nil
}

func (sd *stageDoc) compile(verr *ValidationError, path string) *Stage {
	s := &Stage{
		ID:          sd.ID,
		Name:        sd.Name,
		Description: sd.Description,
	}
	if s.Name == "" {
		s.Name = s.ID
	}
	for i, st := range sd.Steps {
		step := Step{Name: st.Name, Run: st.Run}
		if step.Name == "" {
			step.Name = fmt.Sprintf("step %d", i+1)
		}
		if st.Timeout != "" {
			d, err := time.ParseDuration(st.Timeout)
			if err != nil || d <= 0 {
				verr.addf(fmt.Sprintf("%s.steps[%d].timeout", path, i), "invalid timeout %q", st.Timeout)
			}
			step.Timeout = d
		}
		s.Steps = append(s.Steps, step)
	}
	for _, req := range sd.Requirements {
		k, v, err := ParseRequirement(req)
		if err != nil {
			verr.add(path+".requirements", err)
			continue
		}
		if s.Requirements == nil {
			s.Requirements = make(map[string]string)
		}
		s.Requirements[k] = v
	}
	s.Params = compileParams(verr, path+".params", sd.Params, params.ScopeStage)
	if strings.TrimSpace(sd.Trigger.BranchFilter) != "" {
		f, err := trigger.ParseFilter(sd.Trigger.BranchFilter)
		if err != nil {
			verr.add(path+".trigger.branchFilter", errdefs.WithStage(err, s.ID))
		}
		s.Trigger = f
	}
	rules, err := artifact.ParseRules(sd.Artifacts)
	if err != nil {
		verr.add(path+".artifacts", errdefs.WithStage(err, s.ID))
	}
	s.Artifacts = rules

	for i, dd := range sd.Dependencies {
		dpath := fmt.Sprintf("%s.dependencies[%d]", path, i)
		edge := DependencyEdge{Upstream: dd.Stage}
		p, err := ParseFailurePolicy(dd.OnFailure)
		if err != nil {
			verr.add(dpath+".onFailure", err)
		}
		edge.Policy = p
		rules, err := artifact.ParseRules(dd.Artifacts)
		if err != nil {
			verr.add(dpath+".artifacts", errdefs.WithStage(err, s.ID))
		}
		edge.Artifacts = rules
		s.Dependencies = append(s.Dependencies, edge)
	}
	return s
}

func compileParams(verr *ValidationError, path string, docs []paramDoc, scope params.Scope) []params.Parameter {
	var out []params.Parameter
	seen := make(map[string]bool, len(docs))
	for i, pd := range docs {
		name := strings.TrimSpace(pd.Name)
		switch {
		case !params.ValidName(name):
			verr.addf(fmt.Sprintf("%s[%d].name", path, i), "invalid parameter name %q", pd.Name)
			continue
		case seen[name]:
			verr.addf(fmt.Sprintf("%s[%d].name", path, i), "duplicate parameter %q", name)
			continue
		}
		seen[name] = true
		out = append(out, params.Parameter{Name: name, Value: pd.Value, Secret: pd.Secret, Scope: scope})
	}
	return out
}
