package entitlements

import (
	"context"
	"fmt"
	"strings"

	"github.com/goliatone/go-entitlements/secrets"
	"github.com/goliatone/go-entitlements/webhooks"
)

// SealedHMACConfig describes an HMAC-signed provider endpoint whose signing
// secret is stored sealed and must be opened before verification can run.
type SealedHMACConfig struct {
	ProviderID      string
	SignatureHeader string
	SignaturePrefix string
	Encoding        string
	SealedSecret    []byte
	DeliveryHeaders []string
}

// SealedTokenConfig describes a shared-token provider endpoint whose token is
// stored sealed.
type SealedTokenConfig struct {
	ProviderID      string
	TokenHeader     string
	SealedToken     []byte
	DeliveryHeaders []string
}

// SealedHMACWebhookTemplate opens the sealed signing secret through the secret
// provider and builds the verification template for the endpoint.
func SealedHMACWebhookTemplate(
	ctx context.Context,
	provider secrets.SecretProvider,
	cfg SealedHMACConfig,
) (webhooks.ProviderWebhookTemplate, error) {
	if provider == nil {
		return webhooks.ProviderWebhookTemplate{}, fmt.Errorf("entitlements: secret provider is required")
	}
	if strings.TrimSpace(cfg.ProviderID) == "" {
		return webhooks.ProviderWebhookTemplate{}, fmt.Errorf("entitlements: webhook provider id is required")
	}
	if len(cfg.SealedSecret) == 0 {
		return webhooks.ProviderWebhookTemplate{}, fmt.Errorf("entitlements: sealed signing secret is required")
	}

	secret, err := provider.Decrypt(ctx, cfg.SealedSecret)
	if err != nil {
		return webhooks.ProviderWebhookTemplate{}, fmt.Errorf("entitlements: open signing secret for %s: %w", cfg.ProviderID, err)
	}

	return webhooks.NewHMACWebhookTemplate(
		cfg.ProviderID,
		cfg.SignatureHeader,
		cfg.SignaturePrefix,
		cfg.Encoding,
		string(secret),
		cfg.DeliveryHeaders...,
	), nil
}

// SealedTokenWebhookTemplate opens the sealed shared token and builds the
// verification template for the endpoint.
func SealedTokenWebhookTemplate(
	ctx context.Context,
	provider secrets.SecretProvider,
	cfg SealedTokenConfig,
) (webhooks.ProviderWebhookTemplate, error) {
	if provider == nil {
		return webhooks.ProviderWebhookTemplate{}, fmt.Errorf("entitlements: secret provider is required")
	}
	if strings.TrimSpace(cfg.ProviderID) == "" {
		return webhooks.ProviderWebhookTemplate{}, fmt.Errorf("entitlements: webhook provider id is required")
	}
	if len(cfg.SealedToken) == 0 {
		return webhooks.ProviderWebhookTemplate{}, fmt.Errorf("entitlements: sealed verification token is required")
	}

	token, err := provider.Decrypt(ctx, cfg.SealedToken)
	if err != nil {
		return webhooks.ProviderWebhookTemplate{}, fmt.Errorf("entitlements: open verification token for %s: %w", cfg.ProviderID, err)
	}

	return webhooks.NewTokenWebhookTemplate(
		cfg.ProviderID,
		cfg.TokenHeader,
		string(token),
		cfg.DeliveryHeaders...,
	), nil
}

// SealedWebhookPack opens every sealed endpoint config and bundles the
// resulting templates under one pack name, ready for RegisterWebhookPack.
func SealedWebhookPack(
	ctx context.Context,
	provider secrets.SecretProvider,
	name string,
	hmacConfigs []SealedHMACConfig,
	tokenConfigs []SealedTokenConfig,
) (WebhookTemplatePack, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return WebhookTemplatePack{}, fmt.Errorf("entitlements: webhook pack name is required")
	}
	if len(hmacConfigs) == 0 && len(tokenConfigs) == 0 {
		return WebhookTemplatePack{}, fmt.Errorf("entitlements: webhook pack %q has no endpoint configs", name)
	}

	pack := WebhookTemplatePack{Name: name}
	for _, cfg := range hmacConfigs {
		template, err := SealedHMACWebhookTemplate(ctx, provider, cfg)
		if err != nil {
			return WebhookTemplatePack{}, err
		}
		pack.Templates = append(pack.Templates, template)
	}
	for _, cfg := range tokenConfigs {
		template, err := SealedTokenWebhookTemplate(ctx, provider, cfg)
		if err != nil {
			return WebhookTemplatePack{}, err
		}
		pack.Templates = append(pack.Templates, template)
	}
	return pack, nil
}
