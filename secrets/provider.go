// Package secrets resolves named configuration secrets (configuration
// source tokens, object store credentials, the dashboard shared
// secret) from a pluggable backend instead of raw environment
// variables, selected by ORCH_SECRETS_BACKEND.
package secrets

import (
	"context"
	"os"
)

// Provider resolves a named secret.
type Provider interface {
	Resolve(ctx context.Context, name string) (string, error)
}

// EnvProvider resolves secrets from plain environment variables. It is
// the fallback used when no backend is configured, and the only
// provider that cannot fail to "find" a name — a missing variable just
// resolves to the empty string, matching the rest of this service's
// env-var configuration conventions.
type EnvProvider struct{}

func (EnvProvider) Resolve(ctx context.Context, name string) (string, error) {
	return os.Getenv(name), nil
}
