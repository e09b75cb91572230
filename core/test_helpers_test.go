package core

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

type ledgerState struct {
	nextID       int
	entitlements map[string]Entitlement
	byOwner      map[string]string
	purchases    map[string]PendingPurchase
	payments     map[string]Payment
	balances     map[string]int64
	rewards      map[string]ReferralReward
	promos       map[string]PromoCode
	outbox       []LifecycleEvent
	outboxStatus map[string]string
}

func newLedgerState() *ledgerState {
	return &ledgerState{
		entitlements: map[string]Entitlement{},
		byOwner:      map[string]string{},
		purchases:    map[string]PendingPurchase{},
		payments:     map[string]Payment{},
		balances:     map[string]int64{},
		rewards:      map[string]ReferralReward{},
		promos:       map[string]PromoCode{},
		outboxStatus: map[string]string{},
	}
}

func (s *ledgerState) clone() *ledgerState {
	copied := newLedgerState()
	copied.nextID = s.nextID
	for k, v := range s.entitlements {
		copied.entitlements[k] = v
	}
	for k, v := range s.byOwner {
		copied.byOwner[k] = v
	}
	for k, v := range s.purchases {
		copied.purchases[k] = v
	}
	for k, v := range s.payments {
		copied.payments[k] = v
	}
	for k, v := range s.balances {
		copied.balances[k] = v
	}
	for k, v := range s.rewards {
		copied.rewards[k] = v
	}
	for k, v := range s.promos {
		copied.promos[k] = v
	}
	copied.outbox = append([]LifecycleEvent(nil), s.outbox...)
	for k, v := range s.outboxStatus {
		copied.outboxStatus[k] = v
	}
	return copied
}

// memoryLedger implements LedgerStore, EntitlementReader and OutboxStore with
// real transaction semantics: RunInTx stages mutations on a copy and commits
// only when fn returns nil.
type memoryLedger struct {
	mu    sync.Mutex
	state *ledgerState
}

func newMemoryLedger() *memoryLedger {
	return &memoryLedger{state: newLedgerState()}
}

func (l *memoryLedger) RunInTx(ctx context.Context, fn func(ctx context.Context, tx LedgerTx) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	staged := l.state.clone()
	if err := fn(ctx, &memoryTx{state: staged}); err != nil {
		return err
	}
	l.state = staged
	return nil
}

func (l *memoryLedger) CreatePendingPurchase(_ context.Context, purchase PendingPurchase) (PendingPurchase, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.state.purchases[purchase.PurchaseID]; exists {
		return PendingPurchase{}, fmt.Errorf("duplicate purchase %q", purchase.PurchaseID)
	}
	purchase.Status = PurchaseStatusPending
	l.state.purchases[purchase.PurchaseID] = purchase
	return purchase, nil
}

func (l *memoryLedger) GetPendingPurchase(_ context.Context, purchaseID string) (PendingPurchase, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	purchase, ok := l.state.purchases[purchaseID]
	return purchase, ok, nil
}

func (l *memoryLedger) Get(_ context.Context, id string) (Entitlement, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	row, ok := l.state.entitlements[id]
	return row, ok, nil
}

func (l *memoryLedger) GetByOwner(_ context.Context, ownerID string) (Entitlement, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	id, ok := l.state.byOwner[ownerID]
	if !ok {
		return Entitlement{}, false, nil
	}
	row, ok := l.state.entitlements[id]
	return row, ok, nil
}

func (l *memoryLedger) ListExpiringWithin(_ context.Context, window time.Duration, claimedAfter time.Time, limit int) ([]Entitlement, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now().UTC()
	out := make([]Entitlement, 0)
	for _, row := range l.state.entitlements {
		if row.Status != EntitlementStatusActive {
			continue
		}
		if row.ExpiresAt.After(now.Add(window)) {
			continue
		}
		if row.LastRenewalAt != nil && row.LastRenewalAt.After(claimedAfter) {
			continue
		}
		out = append(out, row)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (l *memoryLedger) ListExpired(_ context.Context, now time.Time, afterID string, limit int) ([]Entitlement, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Entitlement, 0)
	for _, row := range l.state.entitlements {
		if row.Status != EntitlementStatusActive || row.ExpiresAt.After(now) {
			continue
		}
		if afterID != "" && row.ID <= afterID {
			continue
		}
		out = append(out, row)
	}
	sortEntitlementsByID(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (l *memoryLedger) ListPendingActivation(_ context.Context, maxAttempts int, limit int) ([]Entitlement, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Entitlement, 0)
	for _, row := range l.state.entitlements {
		if row.Status != EntitlementStatusPendingActivation {
			continue
		}
		if maxAttempts > 0 && row.ActivationAttempts >= maxAttempts {
			continue
		}
		out = append(out, row)
	}
	sortEntitlementsByID(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (l *memoryLedger) ListCredentialIDs(_ context.Context) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0)
	for _, row := range l.state.entitlements {
		if strings.TrimSpace(row.CredentialID) != "" {
			out = append(out, row.CredentialID)
		}
	}
	return out, nil
}

func (l *memoryLedger) FindByCredentialID(_ context.Context, credentialID string) (Entitlement, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, row := range l.state.entitlements {
		if row.CredentialID == credentialID {
			return row, true, nil
		}
	}
	return Entitlement{}, false, nil
}

func (l *memoryLedger) HasActivePaid(_ context.Context, ownerID string, now time.Time) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, row := range l.state.entitlements {
		if row.OwnerID == ownerID && row.Source == EntitlementSourcePaid &&
			row.Status == EntitlementStatusActive && row.ExpiresAt.After(now) {
			return true, nil
		}
	}
	return false, nil
}

func (l *memoryLedger) Enqueue(_ context.Context, event LifecycleEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.state.outbox = append(l.state.outbox, event)
	l.state.outboxStatus[event.ID] = "pending"
	return nil
}

func (l *memoryLedger) ClaimBatch(_ context.Context, limit int) ([]LifecycleEvent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]LifecycleEvent, 0)
	for _, event := range l.state.outbox {
		if l.state.outboxStatus[event.ID] != "pending" {
			continue
		}
		l.state.outboxStatus[event.ID] = "processing"
		out = append(out, event)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (l *memoryLedger) Ack(_ context.Context, eventID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.state.outboxStatus[eventID] = "delivered"
	return nil
}

func (l *memoryLedger) Retry(_ context.Context, eventID string, _ error, nextAttemptAt time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if nextAttemptAt.IsZero() {
		l.state.outboxStatus[eventID] = "failed"
		return nil
	}
	l.state.outboxStatus[eventID] = "pending"
	for i := range l.state.outbox {
		if l.state.outbox[i].ID != eventID {
			continue
		}
		if l.state.outbox[i].Metadata == nil {
			l.state.outbox[i].Metadata = map[string]any{}
		}
		attempts := nextAttemptIndex(l.state.outbox[i])
		l.state.outbox[i].Metadata[MetadataKeyOutboxAttempts] = attempts + 1
	}
	return nil
}

func (l *memoryLedger) pendingEvents() []LifecycleEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]LifecycleEvent, 0)
	for _, event := range l.state.outbox {
		if l.state.outboxStatus[event.ID] == "pending" {
			out = append(out, event)
		}
	}
	return out
}

func (l *memoryLedger) allEvents() []LifecycleEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]LifecycleEvent(nil), l.state.outbox...)
}

func (l *memoryLedger) balance(ownerID string) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state.balances[ownerID]
}

func (l *memoryLedger) setBalance(ownerID string, amount int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.state.balances[ownerID] = amount
}

func (l *memoryLedger) seedPromo(promo PromoCode) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.state.promos[promo.Code] = promo
}

func (l *memoryLedger) seedEntitlement(row Entitlement) Entitlement {
	l.mu.Lock()
	defer l.mu.Unlock()
	if strings.TrimSpace(row.ID) == "" {
		l.state.nextID++
		row.ID = fmt.Sprintf("ent_%04d", l.state.nextID)
	}
	l.state.entitlements[row.ID] = row
	l.state.byOwner[row.OwnerID] = row.ID
	return row
}

func (l *memoryLedger) entitlement(id string) (Entitlement, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	row, ok := l.state.entitlements[id]
	return row, ok
}

type memoryTx struct {
	state *ledgerState
}

func (t *memoryTx) ClaimPurchase(_ context.Context, purchaseID string) (bool, error) {
	purchase, ok := t.state.purchases[purchaseID]
	if !ok || purchase.Status != PurchaseStatusPending {
		return false, nil
	}
	purchase.Status = PurchaseStatusPaid
	purchase.UpdatedAt = time.Now().UTC()
	t.state.purchases[purchaseID] = purchase
	return true, nil
}

func (t *memoryTx) GetPurchase(_ context.Context, purchaseID string) (PendingPurchase, bool, error) {
	purchase, ok := t.state.purchases[purchaseID]
	return purchase, ok, nil
}

func (t *memoryTx) CreatePayment(_ context.Context, in CreatePaymentInput) (Payment, error) {
	t.state.nextID++
	payment := Payment{
		ID:             fmt.Sprintf("pay_%04d", t.state.nextID),
		OwnerID:        in.OwnerID,
		PurchaseID:     in.PurchaseID,
		Amount:         in.Amount,
		Status:         in.Status,
		IdempotencyKey: in.IdempotencyKey,
		CreatedAt:      time.Now().UTC(),
	}
	if payment.Status == "" {
		payment.Status = PaymentStatusPending
	}
	t.state.payments[payment.ID] = payment
	return payment, nil
}

func (t *memoryTx) ApprovePayment(_ context.Context, paymentID string) error {
	payment, ok := t.state.payments[paymentID]
	if !ok {
		return fmt.Errorf("payment %q not found", paymentID)
	}
	if err := payment.TransitionTo(PaymentStatusApproved, time.Now().UTC()); err != nil {
		return err
	}
	t.state.payments[paymentID] = payment
	return nil
}

func (t *memoryTx) GetEntitlement(_ context.Context, entitlementID string) (Entitlement, bool, error) {
	row, ok := t.state.entitlements[entitlementID]
	return row, ok, nil
}

func (t *memoryTx) GetEntitlementByOwner(_ context.Context, ownerID string) (Entitlement, bool, error) {
	id, ok := t.state.byOwner[ownerID]
	if !ok {
		return Entitlement{}, false, nil
	}
	row, ok := t.state.entitlements[id]
	return row, ok, nil
}

func (t *memoryTx) UpsertEntitlement(_ context.Context, in UpsertEntitlementInput) (Entitlement, error) {
	now := time.Now().UTC()
	if id, ok := t.state.byOwner[in.OwnerID]; ok {
		row := t.state.entitlements[id]
		row.CredentialID = in.CredentialID
		row.Status = in.Status
		row.Source = in.Source
		row.ExpiresAt = in.ExpiresAt
		row.UpdatedAt = now
		t.state.entitlements[id] = row
		return row, nil
	}
	t.state.nextID++
	row := Entitlement{
		ID:           fmt.Sprintf("ent_%04d", t.state.nextID),
		OwnerID:      in.OwnerID,
		CredentialID: in.CredentialID,
		Status:       in.Status,
		Source:       in.Source,
		ExpiresAt:    in.ExpiresAt,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	t.state.entitlements[row.ID] = row
	t.state.byOwner[row.OwnerID] = row.ID
	return row, nil
}

func (t *memoryTx) RenewEntitlement(_ context.Context, in RenewEntitlementInput) (bool, error) {
	row, ok := t.state.entitlements[in.EntitlementID]
	if !ok {
		return false, nil
	}
	if !row.ExpiresAt.Equal(in.PriorExpiresAt) {
		return false, nil
	}
	row.ExpiresAt = in.NewExpiresAt
	row.Status = EntitlementStatusActive
	row.Source = in.Source
	renewedAt := in.RenewedAt
	row.LastRenewalAt = &renewedAt
	row.UpdatedAt = in.RenewedAt
	t.state.entitlements[in.EntitlementID] = row
	return true, nil
}

func (t *memoryTx) ActivateEntitlement(_ context.Context, entitlementID string, credentialID string, now time.Time) (bool, error) {
	row, ok := t.state.entitlements[entitlementID]
	if !ok || row.Status != EntitlementStatusPendingActivation {
		return false, nil
	}
	row.Status = EntitlementStatusActive
	row.CredentialID = credentialID
	row.UpdatedAt = now
	t.state.entitlements[entitlementID] = row
	return true, nil
}

func (t *memoryTx) ExpireEntitlement(_ context.Context, entitlementID string, credentialID string, now time.Time) (bool, error) {
	row, ok := t.state.entitlements[entitlementID]
	if !ok || row.Status == EntitlementStatusExpired {
		return false, nil
	}
	if row.CredentialID != credentialID {
		return false, nil
	}
	row.Status = EntitlementStatusExpired
	row.CredentialID = ""
	row.UpdatedAt = now
	t.state.entitlements[entitlementID] = row
	return true, nil
}

func (t *memoryTx) RecordActivationAttempt(_ context.Context, entitlementID string) error {
	row, ok := t.state.entitlements[entitlementID]
	if !ok {
		return fmt.Errorf("entitlement %q not found", entitlementID)
	}
	row.ActivationAttempts++
	row.UpdatedAt = time.Now().UTC()
	t.state.entitlements[entitlementID] = row
	return nil
}

func (t *memoryTx) DebitBalance(_ context.Context, ownerID string, amount int64) error {
	if amount < 0 {
		return fmt.Errorf("core: invariant: debit amount must not be negative")
	}
	current := t.state.balances[ownerID]
	if current < amount {
		return fmt.Errorf("core: insufficient balance for owner %q", ownerID)
	}
	t.state.balances[ownerID] = current - amount
	return nil
}

func (t *memoryTx) CreditBalance(_ context.Context, ownerID string, amount int64) error {
	if amount < 0 {
		return fmt.Errorf("core: invariant: credit amount must not be negative")
	}
	t.state.balances[ownerID] += amount
	return nil
}

func (t *memoryTx) GetBalance(_ context.Context, ownerID string) (Balance, error) {
	return Balance{OwnerID: ownerID, Amount: t.state.balances[ownerID]}, nil
}

func (t *memoryTx) CreateReferralReward(_ context.Context, reward ReferralReward) (bool, error) {
	key := reward.ReferrerID + "|" + reward.PurchaseID
	if _, exists := t.state.rewards[key]; exists {
		return false, nil
	}
	t.state.rewards[key] = reward
	return true, nil
}

func (t *memoryTx) ConsumePromoCode(_ context.Context, code string) (bool, error) {
	promo, ok := t.state.promos[code]
	if !ok {
		return false, nil
	}
	if promo.MaxUses > 0 && promo.Uses >= promo.MaxUses {
		return false, nil
	}
	if promo.ExpiresAt != nil && promo.ExpiresAt.Before(time.Now().UTC()) {
		return false, nil
	}
	promo.Uses++
	t.state.promos[code] = promo
	return true, nil
}

func (t *memoryTx) EnqueueEvent(_ context.Context, event LifecycleEvent) error {
	t.state.outbox = append(t.state.outbox, event)
	t.state.outboxStatus[event.ID] = "pending"
	return nil
}

func sortEntitlementsByID(rows []Entitlement) {
	for i := 1; i < len(rows); i++ {
		for j := i; j > 0 && rows[j].ID < rows[j-1].ID; j-- {
			rows[j], rows[j-1] = rows[j-1], rows[j]
		}
	}
}

type fakeProvisioner struct {
	mu         sync.Mutex
	next       int
	existing   map[string]time.Time
	createErrs []error
	updateErrs []error
	deleteErrs []error
	deleted    []string
	updates    map[string]time.Time
}

func newFakeProvisioner() *fakeProvisioner {
	return &fakeProvisioner{
		existing: map[string]time.Time{},
		updates:  map[string]time.Time{},
	}
}

func (p *fakeProvisioner) Create(_ context.Context, _ string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.createErrs) > 0 {
		err := p.createErrs[0]
		p.createErrs = p.createErrs[1:]
		if err != nil {
			return "", err
		}
	}
	p.next++
	id := fmt.Sprintf("cred_%04d", p.next)
	p.existing[id] = time.Now().UTC()
	return id, nil
}

func (p *fakeProvisioner) Update(_ context.Context, credentialID string, validUntil time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.updateErrs) > 0 {
		err := p.updateErrs[0]
		p.updateErrs = p.updateErrs[1:]
		if err != nil {
			return err
		}
	}
	p.updates[credentialID] = validUntil
	return nil
}

func (p *fakeProvisioner) Delete(_ context.Context, credentialID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.deleteErrs) > 0 {
		err := p.deleteErrs[0]
		p.deleteErrs = p.deleteErrs[1:]
		if err != nil {
			return err
		}
	}
	delete(p.existing, credentialID)
	p.deleted = append(p.deleted, credentialID)
	return nil
}

func (p *fakeProvisioner) ListCredentialIDs(_ context.Context) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.existing))
	for id := range p.existing {
		out = append(out, id)
	}
	return out, nil
}

func (p *fakeProvisioner) has(credentialID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.existing[credentialID]
	return ok
}

func (p *fakeProvisioner) seed(credentialID string, createdAt time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.existing[credentialID] = createdAt
}

func newTestService(t interface {
	Helper()
	Fatalf(format string, args ...any)
}, ledger *memoryLedger, provisioner *fakeProvisioner, extra ...Option) *Service {
	t.Helper()
	options := append([]Option{
		WithLedgerStore(ledger),
		WithEntitlementReader(ledger),
		WithOutboxStore(ledger),
		WithProvisioner(provisioner),
	}, extra...)
	svc, err := NewService(testConfig(), options...)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc
}

func testConfig() Config {
	return Config{
		Cleanup: CleanupConfig{
			MaxAttempts:    3,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     5 * time.Millisecond,
		},
	}
}
