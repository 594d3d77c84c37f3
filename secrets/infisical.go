package secrets

import (
	"context"
	"fmt"

	infisical "github.com/infisical/go-sdk"
)

// InfisicalConfig names the project/environment this provider resolves
// secrets from.
type InfisicalConfig struct {
	Host         string
	ClientID     string
	ClientSecret string
	ProjectID    string
	Environment  string
}

// InfisicalProvider resolves secrets from an Infisical project
// environment. The full secret list is fetched once at construction
// via universal auth and kept resident rather than refetched per
// lookup.
type InfisicalProvider struct {
	cache       map[string]string
	projectID   string
	environment string
}

// NewInfisicalProvider authenticates and fetches every secret in
// cfg.ProjectID/cfg.Environment up front.
func NewInfisicalProvider(ctx context.Context, cfg InfisicalConfig) (*InfisicalProvider, error) {
	client := infisical.NewInfisicalClient(ctx, infisical.Config{
		SiteUrl:          "https://" + cfg.Host,
		AutoTokenRefresh: true,
	})

	if _, err := client.Auth().UniversalAuthLogin(cfg.ClientID, cfg.ClientSecret); err != nil {
		return nil, fmt.Errorf("authenticating with infisical: %w", err)
	}

	raw, err := client.Secrets().List(infisical.ListSecretsOptions{
		AttachToProcessEnv: false,
		Environment:        cfg.Environment,
		ProjectID:          cfg.ProjectID,
		SecretPath:         "/",
		IncludeImports:     true,
	})
	if err != nil {
		return nil, fmt.Errorf("listing infisical secrets: %w", err)
	}

	cache := make(map[string]string, len(raw))
	for _, s := range raw {
		cache[s.SecretKey] = s.SecretValue
	}

	return &InfisicalProvider{cache: cache, projectID: cfg.ProjectID, environment: cfg.Environment}, nil
}

func (p *InfisicalProvider) Resolve(ctx context.Context, name string) (string, error) {
	value, ok := p.cache[name]
	if !ok {
		return "", fmt.Errorf("secret %s not found in infisical project %s/%s", name, p.projectID, p.environment)
	}
	return value, nil
}
