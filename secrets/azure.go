package secrets

import (
	"context"
	"fmt"

	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/keyvault/azsecrets"
)

// AzureKeyVaultProvider resolves secrets from an Azure Key Vault, for
// operators running on Azure instead of self-hosting Infisical.
type AzureKeyVaultProvider struct {
	client *azsecrets.Client
}

// NewAzureKeyVaultProvider authenticates with the ambient Azure
// identity (managed identity, environment credentials, or az cli
// login, whichever DefaultAzureCredential finds first) against the
// vault at vaultURL (e.g. "https://my-vault.vault.azure.net").
func NewAzureKeyVaultProvider(vaultURL string) (*AzureKeyVaultProvider, error) {
	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, fmt.Errorf("creating azure credential: %w", err)
	}

	client, err := azsecrets.NewClient(vaultURL, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("creating key vault client: %w", err)
	}

	return &AzureKeyVaultProvider{client: client}, nil
}

func (p *AzureKeyVaultProvider) Resolve(ctx context.Context, name string) (string, error) {
	resp, err := p.client.GetSecret(ctx, name, "", nil)
	if err != nil {
		return "", fmt.Errorf("fetching secret %s from key vault: %w", name, err)
	}
	if resp.Value == nil {
		return "", fmt.Errorf("secret %s has no value in key vault", name)
	}
	return *resp.Value, nil
}
