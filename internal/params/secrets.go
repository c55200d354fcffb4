package params

import (
	"context"
	"errors"
	"os"
	"strings"
)

// ErrSecretNotFound is returned by a SecretStore for unknown names.
var ErrSecretNotFound = errors.New("secret not found")

// SecretStore resolves secret references to plaintext.
type SecretStore interface {
	Lookup(ctx context.Context, name string) (string, error)
}

// EnvSecrets reads secrets from environment variables named Prefix+name.
type EnvSecrets struct {
	Prefix string
}

func (s EnvSecrets) Lookup(_ context.Context, name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", ErrSecretNotFound
	}
	if v, ok := os.LookupEnv(s.Prefix + name); ok {
		return v, nil
	}
	return "", ErrSecretNotFound
}

// StaticSecrets is an in-memory SecretStore.
type StaticSecrets map[string]string

func (s StaticSecrets) Lookup(_ context.Context, name string) (string, error) {
	if v, ok := s[name]; ok {
		return v, nil
	}
	return "", ErrSecretNotFound
}
