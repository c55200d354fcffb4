package params

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"

	"stagerun/internal/errdefs"
)

func resolve(t *testing.T, secrets SecretStore, layers ...Layer) *Resolved {
	t.Helper()
	res, err := NewResolver(secrets).Resolve(context.Background(), layers...)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	return res
}

func TestExpandBasics(t *testing.T) {
	res := resolve(t, nil,
		FromMap(ScopeGlobal, map[string]string{"branch": "refs/heads/main", "name": "app"}),
	)

	tests := []struct {
		template string
		want     string
	}{
		{"echo %branch%", "echo refs/heads/main"},
		{"%name%:%name%", "app:app"},
		{"100%% done", "100% done"},
		{"50% of %name%", "50% of app"},
		{"trailing %", "trailing %"},
		{"no refs", "no refs"},
	}
	for _, tt := range tests {
		t.Run(tt.template, func(t *testing.T) {
			got, err := res.Expand(tt.template)
			if err != nil {
				t.Fatalf("Expand(%q): %v", tt.template, err)
			}
			if got != tt.want {
				t.Errorf("Expand(%q) = %q, want %q", tt.template, got, tt.want)
			}
		})
	}
}

func TestLaterLayersOverride(t *testing.T) {
	res := resolve(t, nil,
		FromMap(ScopeGlobal, map[string]string{"branch": "refs/heads/main", "env.JDK": "/opt/jdk"}),
		FromMap(ScopeStage, map[string]string{"branch": "%dep.build.branch%", "env.JAVA_HOME": "%env.JDK%"}),
		FromMap(ScopeDependency, map[string]string{"dep.build.branch": "refs/heads/dev"}),
	)
	got, err := res.Expand("%branch%")
	if err != nil {
		t.Fatal(err)
	}
	if got != "refs/heads/dev" {
		t.Errorf("branch = %q, want refs/heads/dev", got)
	}

	env, err := res.Env()
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"JAVA_HOME=/opt/jdk", "JDK=/opt/jdk"}
	if !reflect.DeepEqual(env, want) {
		t.Errorf("Env() = %v, want %v", env, want)
	}
}

func TestExpandIsDeterministic(t *testing.T) {
	layers := []Layer{
		FromMap(ScopeGlobal, map[string]string{"a": "%b%-%c%", "b": "x", "c": "%b%y"}),
		FromMap(ScopeDependency, map[string]string{"dep.build.build.number": "42"}),
	}
	template := "%a% %dep.build.build.number% %c%"

	first, err := resolve(t, nil, layers...).Expand(template)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		again, err := resolve(t, nil, layers...).Expand(template)
		if err != nil {
			t.Fatal(err)
		}
		if again != first {
			t.Fatalf("Expand not deterministic: %q vs %q", again, first)
		}
	}
	if first != "x-xy 42 xy" {
		t.Errorf("Expand = %q", first)
	}
}

func TestUnresolvedReferences(t *testing.T) {
	res := resolve(t, nil, FromMap(ScopeGlobal, map[string]string{"a": "%missing1%"}))

	_, err := res.Expand("%a% %missing2% %missing1%")
	var ue *UnresolvedError
	if !errors.As(err, &ue) {
		t.Fatalf("Expand err = %v, want *UnresolvedError", err)
	}
	if !reflect.DeepEqual(ue.Names, []string{"missing1", "missing2"}) {
		t.Errorf("Names = %v", ue.Names)
	}
	if errdefs.ReasonOf(err) != errdefs.ReasonUnresolvedParameter || !errdefs.IsConfiguration(err) {
		t.Errorf("unresolved references must be UNRESOLVED_PARAMETER configuration errors")
	}
}

func TestCyclicReferences(t *testing.T) {
	res := resolve(t, nil, FromMap(ScopeGlobal, map[string]string{"a": "%b%", "b": "%a%"}))
	_, err := res.Expand("%a%")
	var ue *UnresolvedError
	if !errors.As(err, &ue) || !ue.Cycle {
		t.Fatalf("Expand err = %v, want cyclic UnresolvedError", err)
	}
}

func TestSecretsResolvedAndMasked(t *testing.T) {
	secrets := StaticSecrets{"REGISTRY": "hunter2"}
	res := resolve(t, secrets,
		Layer{Scope: ScopeGlobal, Params: []Parameter{
			{Name: "DockerRegistryPassword", Value: "secret:REGISTRY"},
			{Name: "literal", Value: "p4ss", Secret: true},
			{Name: "user", Value: "bot"},
		}},
	)
	cmd, err := res.Expand("echo %DockerRegistryPassword% | login -u %user% -p %literal%")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(cmd, "hunter2") {
		t.Fatalf("secret not substituted: %q", cmd)
	}
	masked := res.Masker().Mask(cmd)
	if strings.Contains(masked, "hunter2") || strings.Contains(masked, "p4ss") {
		t.Errorf("secret leaked after masking: %q", masked)
	}
	if !strings.Contains(masked, "bot") {
		t.Errorf("non-secret value masked: %q", masked)
	}

	pub := res.Public(ScopeGlobal)
	if _, ok := pub["DockerRegistryPassword"]; ok {
		t.Errorf("Public() exposes a secret")
	}
	if pub["user"] != "bot" {
		t.Errorf("Public()[user] = %q", pub["user"])
	}
}

func TestPublicMasksEmbeddedSecrets(t *testing.T) {
	res := resolve(t, StaticSecrets{"TOKEN": "s3cr3t-value"},
		Layer{Scope: ScopeGlobal, Params: []Parameter{{Name: "token", Value: "secret:TOKEN"}}},
		FromMap(ScopeStage, map[string]string{"auth": "Bearer %token%"}),
	)
	if err := res.Set("leak", "s3cr3t-value", false); err != nil {
		t.Fatal(err)
	}
	pub := res.Public(ScopeStage, ScopeRuntime)
	if pub["auth"] != "Bearer "+Mask {
		t.Errorf("Public()[auth] = %q", pub["auth"])
	}
	if pub["leak"] != Mask {
		t.Errorf("Public()[leak] = %q", pub["leak"])
	}
	if v, _ := res.Get("auth"); v != "Bearer s3cr3t-value" {
		t.Errorf("Get(auth) = %q, masking must not change expansion", v)
	}
}

func TestSecretValuesAreNotExpanded(t *testing.T) {
	res := resolve(t, StaticSecrets{"PW": "a%b%c"}, FromMap(ScopeGlobal, map[string]string{"pw": "secret:PW"}))
	got, err := res.Expand("%pw%")
	if err != nil {
		t.Fatalf("Expand: %v", err)
	}
	if got != "a%b%c" {
		t.Errorf("secret plaintext altered: %q", got)
	}
}

func TestMissingSecret(t *testing.T) {
	_, err := NewResolver(StaticSecrets{}).Resolve(context.Background(),
		FromMap(ScopeGlobal, map[string]string{"token": "secret:GITHUB_TOKEN"}))
	if errdefs.ReasonOf(err) != errdefs.ReasonSecretUnavailable {
		t.Fatalf("err = %v, want SECRET_UNAVAILABLE", err)
	}

	_, err = NewResolver(nil).Resolve(context.Background(),
		FromMap(ScopeGlobal, map[string]string{"token": "secret:GITHUB_TOKEN"}))
	if errdefs.ReasonOf(err) != errdefs.ReasonSecretUnavailable {
		t.Fatalf("err = %v, want SECRET_UNAVAILABLE without a store", err)
	}
}

func TestEnvSecrets(t *testing.T) {
	t.Setenv("SR_SECRET_TOKEN", "abc")
	v, err := EnvSecrets{Prefix: "SR_SECRET_"}.Lookup(context.Background(), "TOKEN")
	if err != nil || v != "abc" {
		t.Errorf("Lookup = %q, %v", v, err)
	}
	if _, err := (EnvSecrets{Prefix: "SR_SECRET_"}).Lookup(context.Background(), "NOPE"); !errors.Is(err, ErrSecretNotFound) {
		t.Errorf("err = %v, want ErrSecretNotFound", err)
	}
}

func TestRuntimeSet(t *testing.T) {
	res := resolve(t, nil, FromMap(ScopeStage, map[string]string{"image": "repo:%IMAGE_TAG%"}))
	if _, err := res.Expand("%image%"); err == nil {
		t.Fatalf("expected unresolved IMAGE_TAG before it is set")
	}
	if err := res.Set("IMAGE_TAG", "17", false); err != nil {
		t.Fatal(err)
	}
	got, err := res.Expand("%image%")
	if err != nil || got != "repo:17" {
		t.Errorf("Expand after Set = %q, %v", got, err)
	}
	if err := res.Set("bad name", "x", false); err == nil {
		t.Errorf("Set should reject invalid names")
	}
}

func TestInvalidParameterName(t *testing.T) {
	_, err := NewResolver(nil).Resolve(context.Background(),
		Layer{Scope: ScopeGlobal, Params: []Parameter{{Name: "has space", Value: "x"}}})
	if !errdefs.IsConfiguration(err) {
		t.Errorf("err = %v, want configuration error", err)
	}
}

func TestMaskerPrefersLongestValue(t *testing.T) {
	m := NewMasker("abc", "abcdef", "")
	if got := m.Mask("x abcdef y abc"); got != "x "+Mask+" y "+Mask {
		t.Errorf("Mask = %q", got)
	}
	var nilMasker *Masker
	if nilMasker.Mask("plain") != "plain" {
		t.Errorf("nil masker should pass text through")
	}
}
