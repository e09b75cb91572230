package secrets

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"time"
)

type FailurePolicy string

const (
	FailurePolicyStrict   FailurePolicy = "strict_fail"
	FailurePolicyFallback FailurePolicy = "fallback_allowed"
)

type Diagnostic struct {
	OccurredAt time.Time
	Operation  string
	Policy     FailurePolicy
	Outcome    string
	Primary    string
	Fallback   string
	Error      string
}

type DiagnosticHook func(event Diagnostic)

type FailoverOption func(*FailoverSecretProvider)

// FailoverSecretProvider wraps a primary provider with an optional fallback
// for key rotation windows where sealed values span two keys.
type FailoverSecretProvider struct {
	primary        SecretProvider
	fallback       SecretProvider
	policy         FailurePolicy
	diagnosticHook DiagnosticHook
	now            func() time.Time
}

func NewFailoverSecretProvider(primary SecretProvider, opts ...FailoverOption) (*FailoverSecretProvider, error) {
	if primary == nil {
		return nil, fmt.Errorf("secrets: primary secret provider is required")
	}
	provider := &FailoverSecretProvider{
		primary: primary,
		policy:  FailurePolicyStrict,
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(provider)
	}
	provider.policy = normalizeFailurePolicy(provider.policy)
	if provider.policy == FailurePolicyFallback && provider.fallback == nil {
		return nil, fmt.Errorf("secrets: fallback policy requires a configured fallback secret provider")
	}
	if provider.now == nil {
		provider.now = func() time.Time { return time.Now().UTC() }
	}
	return provider, nil
}

func WithFallbackSecretProvider(provider SecretProvider) FailoverOption {
	return func(f *FailoverSecretProvider) {
		if f == nil {
			return
		}
		f.fallback = provider
	}
}

func WithFailurePolicy(policy FailurePolicy) FailoverOption {
	return func(f *FailoverSecretProvider) {
		if f == nil {
			return
		}
		f.policy = normalizeFailurePolicy(policy)
	}
}

func WithDiagnostics(hook DiagnosticHook) FailoverOption {
	return func(f *FailoverSecretProvider) {
		if f == nil {
			return
		}
		f.diagnosticHook = hook
	}
}

func WithFailoverClock(now func() time.Time) FailoverOption {
	return func(f *FailoverSecretProvider) {
		if f == nil {
			return
		}
		f.now = now
	}
}

func (p *FailoverSecretProvider) Encrypt(ctx context.Context, plaintext []byte) ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("secrets: secret provider is nil")
	}
	if len(plaintext) == 0 {
		return nil, fmt.Errorf("secrets: plaintext is required")
	}
	ciphertext, err := p.primary.Encrypt(ctx, plaintext)
	if err == nil {
		return ciphertext, nil
	}
	p.emit("encrypt", "primary_failed", err)
	if p.policy == FailurePolicyStrict || p.fallback == nil {
		return nil, fmt.Errorf("secrets: primary encrypt failed with %s policy: %w", p.policy, err)
	}
	fallbackCiphertext, fallbackErr := p.fallback.Encrypt(ctx, plaintext)
	if fallbackErr != nil {
		p.emit("encrypt", "fallback_failed", fallbackErr)
		return nil, fmt.Errorf("secrets: primary encrypt failed: %v; fallback encrypt failed: %w", err, fallbackErr)
	}
	p.emit("encrypt", "fallback_succeeded", err)
	return fallbackCiphertext, nil
}

func (p *FailoverSecretProvider) Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("secrets: secret provider is nil")
	}
	if len(ciphertext) == 0 {
		return nil, fmt.Errorf("secrets: ciphertext is required")
	}
	plaintext, err := p.primary.Decrypt(ctx, ciphertext)
	if err == nil {
		return plaintext, nil
	}
	p.emit("decrypt", "primary_failed", err)
	if p.policy == FailurePolicyStrict || p.fallback == nil {
		return nil, fmt.Errorf("secrets: primary decrypt failed with %s policy: %w", p.policy, err)
	}
	fallbackPlaintext, fallbackErr := p.fallback.Decrypt(ctx, ciphertext)
	if fallbackErr != nil {
		p.emit("decrypt", "fallback_failed", fallbackErr)
		return nil, fmt.Errorf("secrets: primary decrypt failed: %v; fallback decrypt failed: %w", err, fallbackErr)
	}
	p.emit("decrypt", "fallback_succeeded", err)
	return fallbackPlaintext, nil
}

func (p *FailoverSecretProvider) emit(operation string, outcome string, err error) {
	if p == nil || p.diagnosticHook == nil {
		return
	}
	now := p.now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	p.diagnosticHook(Diagnostic{
		OccurredAt: now().UTC(),
		Operation:  operation,
		Policy:     p.policy,
		Outcome:    outcome,
		Primary:    describeSecretProvider(p.primary),
		Fallback:   describeSecretProvider(p.fallback),
		Error:      msg,
	})
}

func normalizeFailurePolicy(policy FailurePolicy) FailurePolicy {
	normalized := FailurePolicy(strings.ToLower(strings.TrimSpace(string(policy))))
	switch normalized {
	case FailurePolicyFallback:
		return FailurePolicyFallback
	default:
		return FailurePolicyStrict
	}
}

func describeSecretProvider(provider SecretProvider) string {
	if provider == nil {
		return ""
	}
	label := reflect.TypeOf(provider).String()
	if metadataProvider, ok := provider.(interface {
		KeyID() string
		Version() int
	}); ok {
		keyID := strings.TrimSpace(metadataProvider.KeyID())
		if keyID != "" && metadataProvider.Version() > 0 {
			return fmt.Sprintf("%s(%s:%d)", label, keyID, metadataProvider.Version())
		}
	}
	return label
}

var _ SecretProvider = (*FailoverSecretProvider)(nil)
