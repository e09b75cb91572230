package webhooks

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/goliatone/go-entitlements/core"
)

const (
	DeliveryStatusPending    = "pending"
	DeliveryStatusProcessed  = "processed"
	DeliveryStatusRetryReady = "retry_ready"
)

// DeliveryRecord is one row of the delivery ledger. The (ProviderID,
// DeliveryID) pair is unique, so a replayed delivery resolves to the same
// record regardless of how many times the provider sends it.
type DeliveryRecord struct {
	ID            string
	ProviderID    string
	DeliveryID    string
	Status        string
	Attempts      int
	NextAttemptAt *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type DeliveryLedger interface {
	Reserve(ctx context.Context, providerID string, deliveryID string, payload []byte) (DeliveryRecord, bool, error)
	Get(ctx context.Context, providerID string, deliveryID string) (DeliveryRecord, error)
	MarkProcessed(ctx context.Context, providerID string, deliveryID string) error
	MarkRetry(ctx context.Context, providerID string, deliveryID string, cause error, nextAttemptAt time.Time) error
}

type Verifier interface {
	Verify(ctx context.Context, req core.InboundRequest) error
}

type DeliveryIDExtractor func(req core.InboundRequest) (string, error)

type RetryPolicy interface {
	NextDelay(attempt int) time.Duration
}

type Handler interface {
	Handle(ctx context.Context, req core.InboundRequest) (core.InboundResult, error)
}

type ExponentialRetryPolicy struct {
	Initial time.Duration
	Max     time.Duration
}

func (p ExponentialRetryPolicy) NextDelay(attempt int) time.Duration {
	initial := p.Initial
	if initial <= 0 {
		initial = time.Second
	}
	maximum := p.Max
	if maximum <= 0 {
		maximum = 30 * time.Second
	}
	delay := initial
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maximum {
			return maximum
		}
	}
	if delay > maximum {
		return maximum
	}
	return delay
}

// Processor turns a raw provider delivery into a purchase trigger. Signature
// verification runs before any state is touched; the delivery ledger absorbs
// provider replays; the pending purchase row inside the ledger remains the
// idempotency boundary for the actual entitlement mutation.
type Processor struct {
	Verifier    Verifier
	Ledger      DeliveryLedger
	Handler     Handler
	ExtractID   DeliveryIDExtractor
	Burst       BurstController
	RetryPolicy RetryPolicy
	Now         func() time.Time
}

func NewProcessor(verifier Verifier, ledger DeliveryLedger, handler Handler) *Processor {
	return &Processor{
		Verifier:    verifier,
		Ledger:      ledger,
		Handler:     handler,
		ExtractID:   DefaultDeliveryIDExtractor,
		RetryPolicy: ExponentialRetryPolicy{},
		Now: func() time.Time {
			return time.Now().UTC()
		},
	}
}

func (p *Processor) Process(ctx context.Context, req core.InboundRequest) (core.InboundResult, error) {
	if p == nil || p.Handler == nil || p.Ledger == nil {
		return core.InboundResult{}, fmt.Errorf("webhooks: processor requires handler and ledger")
	}

	providerID := strings.TrimSpace(req.ProviderID)
	if providerID == "" {
		return core.InboundResult{}, fmt.Errorf("webhooks: provider id is required")
	}
	req.ProviderID = providerID

	if p.Verifier != nil {
		if err := p.Verifier.Verify(ctx, req); err != nil {
			return core.InboundResult{
				Accepted:   false,
				StatusCode: http.StatusUnauthorized,
				Metadata: map[string]any{
					"provider_id": providerID,
					"rejected":    true,
				},
			}, err
		}
	}

	extractor := p.ExtractID
	if extractor == nil {
		extractor = DefaultDeliveryIDExtractor
	}
	deliveryID, err := extractor(req)
	if err != nil {
		return core.InboundResult{}, err
	}

	delivery, replay, err := p.Ledger.Reserve(ctx, providerID, deliveryID, req.Body)
	if err != nil {
		return core.InboundResult{}, err
	}
	if replay && delivery.Status == DeliveryStatusProcessed {
		return core.InboundResult{
			Accepted:   true,
			StatusCode: http.StatusOK,
			Outcome:    core.PurchaseOutcome{Kind: core.OutcomeAlreadyProcessed, Reason: "delivery already processed"},
			Metadata: map[string]any{
				"provider_id": providerID,
				"delivery_id": delivery.DeliveryID,
				"deduped":     true,
			},
		}, nil
	}

	if p.Burst != nil {
		decision, burstErr := p.Burst.Allow(ctx, req)
		if burstErr != nil {
			return core.InboundResult{}, burstErr
		}
		if !decision.Allow {
			nextAttemptAt := p.now().Add(p.retryPolicy().NextDelay(delivery.Attempts))
			cause := fmt.Errorf("webhooks: burst limit reached for provider %s", providerID)
			if markErr := p.Ledger.MarkRetry(ctx, providerID, deliveryID, cause, nextAttemptAt); markErr != nil {
				return core.InboundResult{}, markErr
			}
			metadata := ensureMetadata(decision.Metadata)
			metadata["provider_id"] = providerID
			metadata["delivery_id"] = deliveryID
			return core.InboundResult{
				Accepted:   false,
				StatusCode: http.StatusTooManyRequests,
				Metadata:   metadata,
			}, cause
		}
	}

	result, err := p.Handler.Handle(ctx, req)
	if err != nil {
		// Rejections and other terminal 4xx results never succeed on retry.
		// The delivery is marked processed so provider redeliveries dedupe,
		// and the handler's terminal result goes back to the caller.
		if core.IsRejection(err) || isTerminalFailure(result) {
			if markErr := p.Ledger.MarkProcessed(ctx, providerID, deliveryID); markErr != nil {
				return core.InboundResult{}, markErr
			}
			result.Metadata = ensureMetadata(result.Metadata)
			result.Metadata["provider_id"] = providerID
			result.Metadata["delivery_id"] = deliveryID
			return result, err
		}
		nextAttemptAt := p.now().Add(p.retryPolicy().NextDelay(delivery.Attempts))
		_ = p.Ledger.MarkRetry(ctx, providerID, deliveryID, err, nextAttemptAt)
		return core.InboundResult{}, err
	}

	if !result.Accepted || result.StatusCode >= http.StatusInternalServerError {
		retryErr := fmt.Errorf("webhooks: delivery handler returned retryable status %d", result.StatusCode)
		nextAttemptAt := p.now().Add(p.retryPolicy().NextDelay(delivery.Attempts))
		_ = p.Ledger.MarkRetry(ctx, providerID, deliveryID, retryErr, nextAttemptAt)
		return result, retryErr
	}

	if err := p.Ledger.MarkProcessed(ctx, providerID, deliveryID); err != nil {
		return core.InboundResult{}, err
	}
	result.Metadata = ensureMetadata(result.Metadata)
	result.Metadata["provider_id"] = providerID
	result.Metadata["delivery_id"] = deliveryID
	return result, nil
}

// DefaultDeliveryIDExtractor prefers the purchase id carried in the request
// metadata so that provider retries and cross-provider duplicates of the same
// purchase collapse onto one delivery row.
func DefaultDeliveryIDExtractor(req core.InboundRequest) (string, error) {
	if req.Metadata != nil {
		if value := strings.TrimSpace(fmt.Sprint(req.Metadata["purchase_id"])); value != "" && value != "<nil>" {
			return value, nil
		}
		if value := strings.TrimSpace(fmt.Sprint(req.Metadata["delivery_id"])); value != "" && value != "<nil>" {
			return value, nil
		}
	}
	if req.Headers != nil {
		if value := headerValue(req.Headers, "x-delivery-id"); value != "" {
			return value, nil
		}
		if value := headerValue(req.Headers, "x-request-id"); value != "" {
			return value, nil
		}
	}
	return "", fmt.Errorf("webhooks: delivery id is required for dedupe")
}

func (p *Processor) now() time.Time {
	if p != nil && p.Now != nil {
		return p.Now().UTC()
	}
	return time.Now().UTC()
}

func (p *Processor) retryPolicy() RetryPolicy {
	if p != nil && p.RetryPolicy != nil {
		return p.RetryPolicy
	}
	return ExponentialRetryPolicy{}
}

// isTerminalFailure reports whether the handler produced an explicit 4xx
// result. A zero result or a 5xx status stays retryable.
func isTerminalFailure(result core.InboundResult) bool {
	return !result.Accepted &&
		result.StatusCode >= http.StatusBadRequest &&
		result.StatusCode < http.StatusInternalServerError
}

func ensureMetadata(metadata map[string]any) map[string]any {
	if len(metadata) == 0 {
		return map[string]any{}
	}
	return metadata
}

func headerValue(headers map[string][]string, key string) string {
	if len(headers) == 0 {
		return ""
	}
	for existing, values := range headers {
		if !strings.EqualFold(strings.TrimSpace(existing), strings.TrimSpace(key)) {
			continue
		}
		for _, value := range values {
			if trimmed := strings.TrimSpace(value); trimmed != "" {
				return trimmed
			}
		}
	}
	return ""
}
