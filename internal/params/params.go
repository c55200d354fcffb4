// Package params resolves %name% parameter references against a layered,
// typed scope.
package params

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"stagerun/internal/errdefs"
)

// Scope names the layer a parameter comes from.
type Scope string

const (
	ScopeGlobal     Scope = "global"
	ScopeRun        Scope = "run"
	ScopeDependency Scope = "dependency"
	ScopeStage      Scope = "stage"
	ScopeBuiltin    Scope = "builtin"
	ScopeRuntime    Scope = "runtime"
)

// SecretRefPrefix marks a value that is looked up in the secret store.
const SecretRefPrefix = "secret:"

// EnvPrefix marks parameters exported to steps as environment variables.
const EnvPrefix = "env."

// Mask replaces secret values in any output.
const Mask = "******"

var nameRE = regexp.MustCompile(`^[A-Za-z0-9_.\-]+$`)

// ValidName reports whether name can be used as a parameter name.
func ValidName(name string) bool { return nameRE.MatchString(name) }

// Parameter is a named string value.
type Parameter struct {
	Name   string `yaml:"name" json:"name"`
	Value  string `yaml:"value" json:"value"`
	Secret bool   `yaml:"secret,omitempty" json:"secret,omitempty"`
	Scope  Scope  `yaml:"-" json:"scope,omitempty"`
}

// IsSecret reports whether the parameter is flagged secret or refers to the
// secret store.
func (p Parameter) IsSecret() bool {
	return p.Secret || strings.HasPrefix(p.Value, SecretRefPrefix)
}

// Layer is one scope of parameters. Later layers override earlier ones.
type Layer struct {
	Scope  Scope
	Params []Parameter
}

// FromMap builds a layer from a map, in sorted name order.
func FromMap(scope Scope, m map[string]string) Layer {
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	sort.Strings(names)
	l := Layer{Scope: scope}
	for _, k := range names {
		l.Params = append(l.Params, Parameter{Name: k, Value: m[k], Scope: scope})
	}
	return l
}

// UnresolvedError reports references that no scope defines.
type UnresolvedError struct {
	StageID string
	Names   []string
	Cycle   bool
}

func (e *UnresolvedError) Error() string {
	prefix := ""
	if e.StageID != "" {
		prefix = "stage " + e.StageID + ": "
	}
	if e.Cycle {
		return prefix + "cyclic parameter reference: " + strings.Join(e.Names, " -> ")
	}
	return prefix + "unresolved parameter reference(s): " + strings.Join(e.Names, ", ")
}

func (e *UnresolvedError) Kind() errdefs.Kind     { return errdefs.KindConfiguration }
func (e *UnresolvedError) Reason() errdefs.Reason { return errdefs.ReasonUnresolvedParameter }
func (e *UnresolvedError) Stage() string          { return e.StageID }

// Resolver merges layers and looks up secret references.
type Resolver struct {
	secrets SecretStore
}

// NewResolver returns a resolver backed by secrets; nil disables secret
// references.
func NewResolver(secrets SecretStore) *Resolver {
	return &Resolver{secrets: secrets}
}

// Resolve merges layers in order and resolves secret references eagerly.
// Parameter references are expanded lazily by Expand so that a broken value
// only fails the stages that actually use it.
func (r *Resolver) Resolve(ctx context.Context, layers ...Layer) (*Resolved, error) {
	res := &Resolved{
		raw:     make(map[string]Parameter),
		memo:    make(map[string]string),
		secret:  make(map[string]bool),
		literal: make(map[string]bool),
	}
	for _, l := range layers {
		for _, p := range l.Params {
			if !ValidName(p.Name) {
				return nil, errdefs.Configuration(errdefs.ReasonInvalidDefinition, "", "invalid parameter name %q", p.Name)
			}
			if p.Scope == "" {
				p.Scope = l.Scope
			}
			res.raw[p.Name] = p
		}
	}

	for name, p := range res.raw {
		if !p.IsSecret() {
			continue
		}
		res.secret[name] = true
		ref, ok := strings.CutPrefix(p.Value, SecretRefPrefix)
		if !ok {
			continue
		}
		if r.secrets == nil {
			return nil, errdefs.Configuration(errdefs.ReasonSecretUnavailable, "", "parameter %s refers to secret %q but no secret store is configured", name, ref)
		}
		value, err := r.secrets.Lookup(ctx, ref)
		if err != nil {
			if errors.Is(err, ErrSecretNotFound) {
				return nil, errdefs.Configuration(errdefs.ReasonSecretUnavailable, "", "parameter %s: secret %q not found", name, ref)
			}
			return nil, fmt.Errorf("lookup secret for %s: %w", name, err)
		}
		p.Value = value
		res.raw[name] = p
		res.literal[name] = true
	}
	return res, nil
}

// Resolved is a merged parameter scope. It is not safe for concurrent use.
type Resolved struct {
	raw    map[string]Parameter
	memo   map[string]string
	secret map[string]bool
	// literal values come from the secret store and are never expanded
	literal map[string]bool
}

// Names returns every defined parameter name in sorted order.
func (r *Resolved) Names() []string {
	names := make([]string, 0, len(r.raw))
	for k := range r.raw {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// IsSecret reports whether name holds a secret.
func (r *Resolved) IsSecret(name string) bool { return r.secret[name] }

// Get returns the fully expanded value of name.
func (r *Resolved) Get(name string) (string, error) {
	if _, ok := r.raw[name]; !ok {
		return "", &UnresolvedError{Names: []string{name}}
	}
	var missing []string
	v, err := r.value(name, nil, &missing)
	if err != nil {
		return "", err
	}
	if len(missing) > 0 {
		return "", &UnresolvedError{Names: dedupe(missing)}
	}
	return v, nil
}

// Expand substitutes every %name% reference in template. "%%" is a literal
// percent sign; a '%' that does not start a valid reference is kept as is.
// All missing names are reported together.
func (r *Resolved) Expand(template string) (string, error) {
	var missing []string
	out, err := r.expand(template, nil, &missing)
	if err != nil {
		return "", err
	}
	if len(missing) > 0 {
		return "", &UnresolvedError{Names: dedupe(missing)}
	}
	return out, nil
}

func (r *Resolved) expand(template string, stack []string, missing *[]string) (string, error) {
	if !strings.Contains(template, "%") {
		return template, nil
	}
	var b strings.Builder
	for i := 0; i < len(template); {
		c := template[i]
		if c != '%' {
			b.WriteByte(c)
			i++
			continue
		}
		if i+1 < len(template) && template[i+1] == '%' {
			b.WriteByte('%')
			i += 2
			continue
		}
		end := strings.IndexByte(template[i+1:], '%')
		if end < 0 {
			b.WriteString(template[i:])
			break
		}
		name := template[i+1 : i+1+end]
		if !ValidName(name) {
			b.WriteByte('%')
			i++
			continue
		}
		if _, ok := r.raw[name]; !ok {
			*missing = append(*missing, name)
			i += end + 2
			continue
		}
		v, err := r.value(name, stack, missing)
		if err != nil {
			return "", err
		}
		b.WriteString(v)
		i += end + 2
	}
	return b.String(), nil
}

func (r *Resolved) value(name string, stack []string, missing *[]string) (string, error) {
	if r.literal[name] {
		return r.raw[name].Value, nil
	}
	if v, ok := r.memo[name]; ok {
		return v, nil
	}
	for i, s := range stack {
		if s == name {
			cycle := append(append([]string(nil), stack[i:]...), name)
			return "", &UnresolvedError{Names: cycle, Cycle: true}
		}
	}
	before := len(*missing)
	v, err := r.expand(r.raw[name].Value, append(stack, name), missing)
	if err != nil {
		return "", err
	}
	if len(*missing) == before {
		r.memo[name] = v
	}
	return v, nil
}

// Env returns the env.* parameters as NAME=value pairs, sorted by name.
func (r *Resolved) Env() ([]string, error) {
	var env []string
	for _, name := range r.Names() {
		key, ok := strings.CutPrefix(name, EnvPrefix)
		if !ok || key == "" {
			continue
		}
		v, err := r.Get(name)
		if err != nil {
			return nil, err
		}
		env = append(env, key+"="+v)
	}
	return env, nil
}

// Public returns the expanded values of the non-secret parameters of the
// given scopes, with any secret value they embed masked. Values that cannot
// be expanded are left out.
func (r *Resolved) Public(scopes ...Scope) map[string]string {
	want := make(map[Scope]bool, len(scopes))
	for _, s := range scopes {
		want[s] = true
	}
	masker := r.Masker()
	out := make(map[string]string)
	for _, name := range r.Names() {
		p := r.raw[name]
		if r.secret[name] || !want[p.Scope] {
			continue
		}
		if v, err := r.Get(name); err == nil {
			out[name] = masker.Mask(v)
		}
	}
	return out
}

// Set defines or overrides a parameter at runtime scope.
func (r *Resolved) Set(name, value string, secret bool) error {
	if !ValidName(name) {
		return errdefs.Configuration(errdefs.ReasonInvalidDefinition, "", "invalid parameter name %q", name)
	}
	r.raw[name] = Parameter{Name: name, Value: value, Secret: secret, Scope: ScopeRuntime}
	delete(r.literal, name)
	if secret {
		r.secret[name] = true
	} else {
		delete(r.secret, name)
	}
	// values of other parameters may reference name
	r.memo = make(map[string]string)
	return nil
}

// Masker returns a masker for every secret value currently defined.
func (r *Resolved) Masker() *Masker {
	var values []string
	for name := range r.secret {
		v, err := r.Get(name)
		if err != nil {
			v = r.raw[name].Value
		}
		values = append(values, v)
	}
	return NewMasker(values...)
}

func dedupe(names []string) []string {
	seen := make(map[string]bool, len(names))
	out := names[:0:0]
	for _, n := range names {
		if !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
	}
	sort.Strings(out)
	return out
}
