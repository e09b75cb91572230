package webhooks

import (
	"context"
	"errors"
	"testing"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-entitlements/core"
)

func TestProcessor_DedupesProcessedDeliveries(t *testing.T) {
	ledger := newMemoryDeliveryLedger()
	handler := &stubWebhookHandler{
		result: core.InboundResult{
			Accepted:   true,
			StatusCode: 200,
			Outcome:    core.PurchaseOutcome{Kind: core.OutcomeCommitted},
		},
	}
	processor := NewProcessor(stubVerifier{err: nil}, ledger, handler)

	req := core.InboundRequest{
		ProviderID: "payments",
		Metadata: map[string]any{
			"purchase_id": "purchase-1",
		},
	}

	first, err := processor.Process(context.Background(), req)
	if err != nil {
		t.Fatalf("process first delivery: %v", err)
	}
	if !first.Accepted {
		t.Fatalf("expected first delivery accepted")
	}
	if handler.calls != 1 {
		t.Fatalf("expected handler to be called once")
	}

	second, err := processor.Process(context.Background(), req)
	if err != nil {
		t.Fatalf("process duplicate delivery: %v", err)
	}
	if !second.Accepted {
		t.Fatalf("expected duplicate to be accepted as deduped")
	}
	if second.Metadata["deduped"] != true {
		t.Fatalf("expected deduped metadata marker")
	}
	if second.Outcome.Kind != core.OutcomeAlreadyProcessed {
		t.Fatalf("expected already-processed outcome, got %q", second.Outcome.Kind)
	}
	if handler.calls != 1 {
		t.Fatalf("expected handler call count to remain unchanged for duplicate")
	}
}

func TestProcessor_ReplaysPendingDeliveryToHandler(t *testing.T) {
	ledger := newMemoryDeliveryLedger()
	handler := &stubWebhookHandler{err: errors.New("temporary failure")}
	processor := NewProcessor(stubVerifier{}, ledger, handler)

	req := core.InboundRequest{
		ProviderID: "payments",
		Metadata: map[string]any{
			"purchase_id": "purchase-retry",
		},
	}
	if _, err := processor.Process(context.Background(), req); err == nil {
		t.Fatalf("expected first attempt to fail")
	}

	// The provider retry of a delivery that never processed runs the
	// handler again instead of deduping.
	handler.err = nil
	handler.result = core.InboundResult{Accepted: true, StatusCode: 200}
	result, err := processor.Process(context.Background(), req)
	if err != nil {
		t.Fatalf("process retried delivery: %v", err)
	}
	if !result.Accepted {
		t.Fatalf("expected retried delivery accepted")
	}
	if handler.calls != 2 {
		t.Fatalf("expected handler to run on retry, calls=%d", handler.calls)
	}
}

func TestProcessor_RecordsRetryOnHandlerFailure(t *testing.T) {
	ledger := newMemoryDeliveryLedger()
	handler := &stubWebhookHandler{
		err: errors.New("temporary failure"),
	}
	processor := NewProcessor(stubVerifier{}, ledger, handler)
	processor.RetryPolicy = ExponentialRetryPolicy{Initial: time.Second, Max: 4 * time.Second}
	processor.Now = func() time.Time {
		return time.Date(2026, 8, 13, 12, 0, 0, 0, time.UTC)
	}

	req := core.InboundRequest{
		ProviderID: "payments",
		Headers: map[string][]string{
			"X-Delivery-Id": {"42"},
		},
	}
	if _, err := processor.Process(context.Background(), req); err == nil {
		t.Fatalf("expected retryable handler failure")
	}

	record, err := ledger.Get(context.Background(), "payments", "42")
	if err != nil {
		t.Fatalf("load delivery record: %v", err)
	}
	if record.Status != DeliveryStatusRetryReady {
		t.Fatalf("expected retry-ready status, got %q", record.Status)
	}
	if record.Attempts != 2 {
		t.Fatalf("expected attempts to increment to 2, got %d", record.Attempts)
	}
	if record.NextAttemptAt == nil || !record.NextAttemptAt.After(time.Date(2026, 8, 13, 12, 0, 0, 0, time.UTC)) {
		t.Fatalf("expected a future retry slot, got %v", record.NextAttemptAt)
	}
}

func TestProcessor_MarksRejectedDeliveryProcessed(t *testing.T) {
	ledger := newMemoryDeliveryLedger()
	handler := &stubWebhookHandler{
		result: core.InboundResult{
			Accepted:   false,
			StatusCode: 422,
			Outcome:    core.PurchaseOutcome{Kind: core.OutcomeRejected, Reason: "insufficient balance"},
		},
		err: goerrors.New("insufficient balance", goerrors.CategoryConflict),
	}
	processor := NewProcessor(stubVerifier{}, ledger, handler)

	req := core.InboundRequest{
		ProviderID: "payments",
		Metadata: map[string]any{
			"purchase_id": "purchase-rejected",
		},
	}
	result, err := processor.Process(context.Background(), req)
	if err == nil {
		t.Fatalf("expected rejection error to surface to the caller")
	}
	if result.StatusCode != 422 {
		t.Fatalf("expected terminal status 422, got %d", result.StatusCode)
	}
	if result.Outcome.Kind != core.OutcomeRejected {
		t.Fatalf("expected rejected outcome, got %q", result.Outcome.Kind)
	}

	// A rejection can never succeed, so the delivery is terminal and provider
	// redeliveries dedupe instead of re-running the purchase.
	record, getErr := ledger.Get(context.Background(), "payments", "purchase-rejected")
	if getErr != nil {
		t.Fatalf("load rejected delivery: %v", getErr)
	}
	if record.Status != DeliveryStatusProcessed {
		t.Fatalf("expected rejected delivery marked processed, got %q", record.Status)
	}

	replay, err := processor.Process(context.Background(), req)
	if err != nil {
		t.Fatalf("process redelivered rejection: %v", err)
	}
	if replay.Outcome.Kind != core.OutcomeAlreadyProcessed {
		t.Fatalf("expected redelivery to dedupe, got %q", replay.Outcome.Kind)
	}
	if handler.calls != 1 {
		t.Fatalf("expected handler not to re-run a rejected purchase, calls=%d", handler.calls)
	}
}

func TestProcessor_MarksTerminalBadRequestProcessed(t *testing.T) {
	ledger := newMemoryDeliveryLedger()
	handler := &stubWebhookHandler{
		result: core.InboundResult{Accepted: false, StatusCode: 400},
		err:    errors.New("webhooks: purchase payload requires purchase_id and owner_id"),
	}
	processor := NewProcessor(stubVerifier{}, ledger, handler)

	result, err := processor.Process(context.Background(), core.InboundRequest{
		ProviderID: "payments",
		Headers: map[string][]string{
			"X-Delivery-Id": {"malformed-7"},
		},
	})
	if err == nil {
		t.Fatalf("expected decode failure to surface to the caller")
	}
	if result.StatusCode != 400 {
		t.Fatalf("expected terminal status 400, got %d", result.StatusCode)
	}

	record, getErr := ledger.Get(context.Background(), "payments", "malformed-7")
	if getErr != nil {
		t.Fatalf("load malformed delivery: %v", getErr)
	}
	if record.Status != DeliveryStatusProcessed {
		t.Fatalf("expected malformed delivery marked processed, got %q", record.Status)
	}
}

func TestProcessor_RejectsInvalidSignature(t *testing.T) {
	ledger := newMemoryDeliveryLedger()
	handler := &stubWebhookHandler{}
	processor := NewProcessor(stubVerifier{err: errors.New("signature mismatch")}, ledger, handler)

	result, err := processor.Process(context.Background(), core.InboundRequest{
		ProviderID: "payments",
		Metadata: map[string]any{
			"purchase_id": "purchase-2",
		},
	})
	if err == nil {
		t.Fatalf("expected verifier error")
	}
	if result.StatusCode != 401 {
		t.Fatalf("expected unauthorized status code, got %d", result.StatusCode)
	}
	if handler.calls != 0 {
		t.Fatalf("expected handler not to run when verification fails")
	}
	if len(ledger.records) != 0 {
		t.Fatalf("expected no delivery reserved for rejected signature")
	}
}

func TestProcessor_ThrottlesOwnerBursts(t *testing.T) {
	ledger := newMemoryDeliveryLedger()
	handler := &stubWebhookHandler{
		result: core.InboundResult{Accepted: true, StatusCode: 200},
	}
	now := time.Date(2026, 8, 13, 12, 0, 0, 0, time.UTC)
	processor := NewProcessor(stubVerifier{}, ledger, handler)
	processor.Burst = NewBurstController(BurstOptions{
		Capacity:       2,
		RefillInterval: 10 * time.Second,
		Now: func() time.Time {
			return now
		},
	})

	send := func(purchaseID string) (core.InboundResult, error) {
		return processor.Process(context.Background(), core.InboundRequest{
			ProviderID: "payments",
			Metadata: map[string]any{
				"purchase_id": purchaseID,
				"owner_id":    "owner-1",
			},
		})
	}

	for _, purchaseID := range []string{"purchase-b1", "purchase-b2"} {
		if _, err := send(purchaseID); err != nil {
			t.Fatalf("process delivery %s: %v", purchaseID, err)
		}
	}
	if handler.calls != 2 {
		t.Fatalf("expected two deliveries within capacity, got %d", handler.calls)
	}

	throttled, err := send("purchase-b3")
	if err == nil {
		t.Fatalf("expected throttled delivery to report an error")
	}
	if throttled.StatusCode != 429 {
		t.Fatalf("expected 429 for throttled delivery, got %d", throttled.StatusCode)
	}
	if handler.calls != 2 {
		t.Fatalf("expected handler not to run for throttled delivery")
	}
	record, getErr := ledger.Get(context.Background(), "payments", "purchase-b3")
	if getErr != nil {
		t.Fatalf("load throttled delivery: %v", getErr)
	}
	if record.Status != DeliveryStatusRetryReady {
		t.Fatalf("expected throttled delivery marked for retry, got %q", record.Status)
	}

	// Tokens regrow after the refill interval passes.
	now = now.Add(25 * time.Second)
	if _, err := send("purchase-b4"); err != nil {
		t.Fatalf("process delivery after refill: %v", err)
	}
	if handler.calls != 3 {
		t.Fatalf("expected handler to run after refill, got %d", handler.calls)
	}
}

type stubVerifier struct {
	err error
}

func (v stubVerifier) Verify(context.Context, core.InboundRequest) error {
	return v.err
}

type stubWebhookHandler struct {
	result core.InboundResult
	err    error
	calls  int
}

func (h *stubWebhookHandler) Handle(context.Context, core.InboundRequest) (core.InboundResult, error) {
	h.calls++
	return h.result, h.err
}

type memoryDeliveryLedger struct {
	records map[string]DeliveryRecord
}

func newMemoryDeliveryLedger() *memoryDeliveryLedger {
	return &memoryDeliveryLedger{records: map[string]DeliveryRecord{}}
}

func (l *memoryDeliveryLedger) Reserve(_ context.Context, providerID string, deliveryID string, _ []byte) (DeliveryRecord, bool, error) {
	key := providerID + ":" + deliveryID
	record, ok := l.records[key]
	if ok {
		return record, true, nil
	}
	now := time.Now().UTC()
	record = DeliveryRecord{
		ID:         key,
		ProviderID: providerID,
		DeliveryID: deliveryID,
		Status:     DeliveryStatusPending,
		Attempts:   1,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	l.records[key] = record
	return record, false, nil
}

func (l *memoryDeliveryLedger) Get(_ context.Context, providerID string, deliveryID string) (DeliveryRecord, error) {
	key := providerID + ":" + deliveryID
	record, ok := l.records[key]
	if !ok {
		return DeliveryRecord{}, errors.New("missing delivery")
	}
	return record, nil
}

func (l *memoryDeliveryLedger) MarkProcessed(_ context.Context, providerID string, deliveryID string) error {
	key := providerID + ":" + deliveryID
	record, ok := l.records[key]
	if !ok {
		return errors.New("missing delivery")
	}
	record.Status = DeliveryStatusProcessed
	record.UpdatedAt = time.Now().UTC()
	l.records[key] = record
	return nil
}

func (l *memoryDeliveryLedger) MarkRetry(
	_ context.Context,
	providerID string,
	deliveryID string,
	_ error,
	nextAttemptAt time.Time,
) error {
	key := providerID + ":" + deliveryID
	record, ok := l.records[key]
	if !ok {
		return errors.New("missing delivery")
	}
	record.Status = DeliveryStatusRetryReady
	record.Attempts++
	record.UpdatedAt = time.Now().UTC()
	record.NextAttemptAt = &nextAttemptAt
	l.records[key] = record
	return nil
}
