package sqlstore_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"math/rand"
	"testing"
	"time"

	"github.com/goliatone/go-entitlements/core"
	entmigrations "github.com/goliatone/go-entitlements/migrations"
	sqlstore "github.com/goliatone/go-entitlements/store/sql"
	"github.com/goliatone/go-entitlements/webhooks"
	persistence "github.com/goliatone/go-persistence-bun"
	_ "github.com/mattn/go-sqlite3"
	"github.com/uptrace/bun/dialect/sqlitedialect"
)

type testPersistenceConfig struct {
	driver string
	server string
}

func (c testPersistenceConfig) GetDebug() bool {
	return false
}

func (c testPersistenceConfig) GetDriver() string {
	return c.driver
}

func (c testPersistenceConfig) GetServer() string {
	return c.server
}

func (c testPersistenceConfig) GetPingTimeout() time.Duration {
	return time.Second
}

func (c testPersistenceConfig) GetOtelIdentifier() string {
	return "go-entitlements-tests"
}

func newSQLiteClient(t *testing.T) (*persistence.Client, func()) {
	t.Helper()

	dsn := fmt.Sprintf(
		"file:entitlements-test-%d?mode=memory&cache=shared&_foreign_keys=on",
		time.Now().UnixNano(),
	)
	sqlDB, err := sql.Open("sqlite3", dsn)
	if err != nil {
		t.Fatalf("open sqlite db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	cfg := testPersistenceConfig{
		driver: "sqlite3",
		server: dsn,
	}
	client, err := persistence.New(cfg, sqlDB, sqlitedialect.New())
	if err != nil {
		_ = sqlDB.Close()
		t.Fatalf("new persistence client: %v", err)
	}

	ctx := context.Background()
	_, err = entmigrations.Register(ctx, func(_ context.Context, dialect string, _ string, fsys fs.FS) error {
		if dialect != entmigrations.DialectSQLite {
			return nil
		}
		client.RegisterSQLMigrations(fsys)
		return nil
	}, entmigrations.WithValidationTargets(entmigrations.DialectSQLite))
	if err != nil {
		_ = client.Close()
		t.Fatalf("register migrations: %v", err)
	}
	if err := client.Migrate(ctx); err != nil {
		_ = client.Close()
		t.Fatalf("migrate: %v", err)
	}

	return client, func() {
		_ = client.Close()
	}
}

func newTestFactory(t *testing.T) (*sqlstore.RepositoryFactory, func()) {
	t.Helper()
	client, cleanup := newSQLiteClient(t)
	factory, err := sqlstore.NewRepositoryFactoryFromPersistence(client)
	if err != nil {
		cleanup()
		t.Fatalf("build stores: %v", err)
	}
	return factory, cleanup
}

func seedPurchase(t *testing.T, store core.LedgerStore, purchase core.PendingPurchase) core.PendingPurchase {
	t.Helper()
	created, err := store.CreatePendingPurchase(context.Background(), purchase)
	if err != nil {
		t.Fatalf("create pending purchase: %v", err)
	}
	return created
}

func issueEntitlement(t *testing.T, store core.LedgerStore, in core.UpsertEntitlementInput) core.Entitlement {
	t.Helper()
	var created core.Entitlement
	err := store.RunInTx(context.Background(), func(ctx context.Context, tx core.LedgerTx) error {
		row, upsertErr := tx.UpsertEntitlement(ctx, in)
		if upsertErr != nil {
			return upsertErr
		}
		created = row
		return nil
	})
	if err != nil {
		t.Fatalf("upsert entitlement: %v", err)
	}
	return created
}

func TestMigrationSmokeApplySQLite(t *testing.T) {
	client, cleanup := newSQLiteClient(t)
	defer cleanup()

	var tableName string
	if err := client.DB().NewRaw(
		"SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?",
		"entitlements",
	).Scan(context.Background(), &tableName); err != nil {
		t.Fatalf("query sqlite master: %v", err)
	}
	if tableName != "entitlements" {
		t.Fatalf("expected entitlements table, got %q", tableName)
	}
}

func TestPurchaseClaimWinsExactlyOnce(t *testing.T) {
	factory, cleanup := newTestFactory(t)
	defer cleanup()
	store := factory.LedgerStore()

	seedPurchase(t, store, core.PendingPurchase{
		PurchaseID: "purchase_claim_1",
		OwnerID:    "owner_claim_1",
		Amount:     1000,
		Duration:   30 * 24 * time.Hour,
	})

	// Registering the same trigger again returns the existing row.
	replay := seedPurchase(t, store, core.PendingPurchase{
		PurchaseID: "purchase_claim_1",
		OwnerID:    "owner_claim_1",
		Amount:     1000,
		Duration:   30 * 24 * time.Hour,
	})
	if replay.Status != core.PurchaseStatusPending {
		t.Fatalf("expected replayed registration to keep pending status, got %q", replay.Status)
	}

	var firstClaim, secondClaim bool
	err := store.RunInTx(context.Background(), func(ctx context.Context, tx core.LedgerTx) error {
		claimed, claimErr := tx.ClaimPurchase(ctx, "purchase_claim_1")
		firstClaim = claimed
		return claimErr
	})
	if err != nil {
		t.Fatalf("first claim tx: %v", err)
	}
	err = store.RunInTx(context.Background(), func(ctx context.Context, tx core.LedgerTx) error {
		claimed, claimErr := tx.ClaimPurchase(ctx, "purchase_claim_1")
		secondClaim = claimed
		return claimErr
	})
	if err != nil {
		t.Fatalf("second claim tx: %v", err)
	}

	if !firstClaim {
		t.Fatalf("expected first claim to win")
	}
	if secondClaim {
		t.Fatalf("expected second claim to observe zero affected rows")
	}

	purchase, found, err := store.GetPendingPurchase(context.Background(), "purchase_claim_1")
	if err != nil || !found {
		t.Fatalf("get pending purchase: found=%v err=%v", found, err)
	}
	if purchase.Status != core.PurchaseStatusPaid {
		t.Fatalf("expected paid purchase, got %q", purchase.Status)
	}
}

func TestUpsertKeepsOneRowPerOwner(t *testing.T) {
	factory, cleanup := newTestFactory(t)
	defer cleanup()
	store := factory.LedgerStore()

	expiresAt := time.Now().UTC().Add(30 * 24 * time.Hour).Truncate(time.Second)
	first := issueEntitlement(t, store, core.UpsertEntitlementInput{
		OwnerID:      "owner_upsert_1",
		CredentialID: "cred_upsert_1",
		Status:       core.EntitlementStatusActive,
		Source:       core.EntitlementSourceTrial,
		ExpiresAt:    expiresAt,
	})
	second := issueEntitlement(t, store, core.UpsertEntitlementInput{
		OwnerID:      "owner_upsert_1",
		CredentialID: "cred_upsert_2",
		Status:       core.EntitlementStatusActive,
		Source:       core.EntitlementSourcePaid,
		ExpiresAt:    expiresAt.Add(24 * time.Hour),
	})

	if first.ID != second.ID {
		t.Fatalf("expected upsert to reuse the owner row, got %q then %q", first.ID, second.ID)
	}
	if second.CredentialID != "cred_upsert_2" {
		t.Fatalf("expected credential to be replaced, got %q", second.CredentialID)
	}
	if second.Source != core.EntitlementSourcePaid {
		t.Fatalf("expected source paid, got %q", second.Source)
	}
}

func TestRenewalGuardRejectsStaleExpiry(t *testing.T) {
	factory, cleanup := newTestFactory(t)
	defer cleanup()
	store := factory.LedgerStore()

	expiresAt := time.Now().UTC().Add(24 * time.Hour).Truncate(time.Second)
	row := issueEntitlement(t, store, core.UpsertEntitlementInput{
		OwnerID:      "owner_renew_1",
		CredentialID: "cred_renew_1",
		Status:       core.EntitlementStatusActive,
		Source:       core.EntitlementSourcePaid,
		ExpiresAt:    expiresAt,
	})

	newExpiry := expiresAt.Add(30 * 24 * time.Hour)
	var renewed bool
	err := store.RunInTx(context.Background(), func(ctx context.Context, tx core.LedgerTx) error {
		fresh, found, readErr := tx.GetEntitlement(ctx, row.ID)
		if readErr != nil || !found {
			return fmt.Errorf("read fresh row: found=%v err=%w", found, readErr)
		}
		ok, renewErr := tx.RenewEntitlement(ctx, core.RenewEntitlementInput{
			EntitlementID:  row.ID,
			PriorExpiresAt: fresh.ExpiresAt,
			NewExpiresAt:   newExpiry,
			Source:         core.EntitlementSourcePaid,
			RenewedAt:      time.Now().UTC(),
		})
		renewed = ok
		return renewErr
	})
	if err != nil {
		t.Fatalf("renew tx: %v", err)
	}
	if !renewed {
		t.Fatalf("expected renewal with fresh prior expiry to win")
	}

	// A rival renewal carrying the stale prior expiry must see zero rows.
	var staleRenewed bool
	err = store.RunInTx(context.Background(), func(ctx context.Context, tx core.LedgerTx) error {
		ok, renewErr := tx.RenewEntitlement(ctx, core.RenewEntitlementInput{
			EntitlementID:  row.ID,
			PriorExpiresAt: expiresAt,
			NewExpiresAt:   expiresAt.Add(60 * 24 * time.Hour),
			Source:         core.EntitlementSourcePaid,
			RenewedAt:      time.Now().UTC(),
		})
		staleRenewed = ok
		return renewErr
	})
	if err != nil {
		t.Fatalf("stale renew tx: %v", err)
	}
	if staleRenewed {
		t.Fatalf("expected stale renewal to be rejected by the expiry guard")
	}
}

func TestActivationAndExpiryGuards(t *testing.T) {
	factory, cleanup := newTestFactory(t)
	defer cleanup()
	store := factory.LedgerStore()

	expiresAt := time.Now().UTC().Add(24 * time.Hour).Truncate(time.Second)
	row := issueEntitlement(t, store, core.UpsertEntitlementInput{
		OwnerID:   "owner_lifecycle_1",
		Status:    core.EntitlementStatusPendingActivation,
		Source:    core.EntitlementSourcePaid,
		ExpiresAt: expiresAt,
	})

	err := store.RunInTx(context.Background(), func(ctx context.Context, tx core.LedgerTx) error {
		if attemptErr := tx.RecordActivationAttempt(ctx, row.ID); attemptErr != nil {
			return attemptErr
		}
		ok, activateErr := tx.ActivateEntitlement(ctx, row.ID, "cred_lifecycle_1", time.Now().UTC())
		if activateErr != nil {
			return activateErr
		}
		if !ok {
			return fmt.Errorf("expected pending row to activate")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("activate tx: %v", err)
	}

	// A second activation attempt sees the row no longer pending.
	err = store.RunInTx(context.Background(), func(ctx context.Context, tx core.LedgerTx) error {
		ok, activateErr := tx.ActivateEntitlement(ctx, row.ID, "cred_other", time.Now().UTC())
		if activateErr != nil {
			return activateErr
		}
		if ok {
			return fmt.Errorf("expected second activation to observe zero rows")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("second activate tx: %v", err)
	}

	// Expiry guarded by a rival credential id is a no-op.
	err = store.RunInTx(context.Background(), func(ctx context.Context, tx core.LedgerTx) error {
		ok, expireErr := tx.ExpireEntitlement(ctx, row.ID, "cred_rival", time.Now().UTC())
		if expireErr != nil {
			return expireErr
		}
		if ok {
			return fmt.Errorf("expected credential mismatch to block expiry")
		}
		ok, expireErr = tx.ExpireEntitlement(ctx, row.ID, "cred_lifecycle_1", time.Now().UTC())
		if expireErr != nil {
			return expireErr
		}
		if !ok {
			return fmt.Errorf("expected matching credential to expire the row")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expire tx: %v", err)
	}

	final, found, err := factory.EntitlementReader().Get(context.Background(), row.ID)
	if err != nil || !found {
		t.Fatalf("read final row: found=%v err=%v", found, err)
	}
	if final.Status != core.EntitlementStatusExpired {
		t.Fatalf("expected expired status, got %q", final.Status)
	}
	if final.CredentialID != "" {
		t.Fatalf("expected credential reference cleared, got %q", final.CredentialID)
	}
	if final.ActivationAttempts != 1 {
		t.Fatalf("expected one recorded activation attempt, got %d", final.ActivationAttempts)
	}
}

func TestBalanceEnforcesFloor(t *testing.T) {
	factory, cleanup := newTestFactory(t)
	defer cleanup()
	store := factory.LedgerStore()

	ctx := context.Background()
	err := store.RunInTx(ctx, func(ctx context.Context, tx core.LedgerTx) error {
		return tx.CreditBalance(ctx, "owner_balance_1", 500)
	})
	if err != nil {
		t.Fatalf("credit tx: %v", err)
	}

	err = store.RunInTx(ctx, func(ctx context.Context, tx core.LedgerTx) error {
		return tx.DebitBalance(ctx, "owner_balance_1", 200)
	})
	if err != nil {
		t.Fatalf("debit tx: %v", err)
	}

	err = store.RunInTx(ctx, func(ctx context.Context, tx core.LedgerTx) error {
		return tx.DebitBalance(ctx, "owner_balance_1", 400)
	})
	if !errors.Is(err, core.ErrNegativeBalance) {
		t.Fatalf("expected balance floor error, got %v", err)
	}

	var balance core.Balance
	err = store.RunInTx(ctx, func(ctx context.Context, tx core.LedgerTx) error {
		current, balanceErr := tx.GetBalance(ctx, "owner_balance_1")
		balance = current
		return balanceErr
	})
	if err != nil {
		t.Fatalf("get balance tx: %v", err)
	}
	if balance.Amount != 300 {
		t.Fatalf("expected failed debit to leave balance at 300, got %d", balance.Amount)
	}
}

func TestBalanceHoldsFloorUnderRandomDebits(t *testing.T) {
	factory, cleanup := newTestFactory(t)
	defer cleanup()
	store := factory.LedgerStore()

	ctx := context.Background()
	rng := rand.New(rand.NewSource(42))
	ownerID := "owner_balance_random"
	var expected int64

	for i := 0; i < 200; i++ {
		amount := int64(rng.Intn(400) + 1)
		if rng.Intn(3) == 0 {
			err := store.RunInTx(ctx, func(ctx context.Context, tx core.LedgerTx) error {
				return tx.CreditBalance(ctx, ownerID, amount)
			})
			if err != nil {
				t.Fatalf("credit %d: %v", amount, err)
			}
			expected += amount
			continue
		}

		err := store.RunInTx(ctx, func(ctx context.Context, tx core.LedgerTx) error {
			return tx.DebitBalance(ctx, ownerID, amount)
		})
		if amount > expected {
			// The conditional update sees insufficient funds and the attempt
			// rolls back without touching the row.
			if !errors.Is(err, core.ErrNegativeBalance) {
				t.Fatalf("debit %d over balance %d: expected floor error, got %v", amount, expected, err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("debit %d with balance %d: %v", amount, expected, err)
		}
		expected -= amount
	}

	var balance core.Balance
	err := store.RunInTx(ctx, func(ctx context.Context, tx core.LedgerTx) error {
		current, balanceErr := tx.GetBalance(ctx, ownerID)
		balance = current
		return balanceErr
	})
	if err != nil {
		t.Fatalf("get balance tx: %v", err)
	}
	if balance.Amount != expected {
		t.Fatalf("expected balance %d after random sequence, got %d", expected, balance.Amount)
	}
	if balance.Amount < 0 {
		t.Fatalf("balance floor violated: %d", balance.Amount)
	}
}

func TestReferralRewardPairIsUnique(t *testing.T) {
	factory, cleanup := newTestFactory(t)
	defer cleanup()
	store := factory.LedgerStore()

	reward := core.ReferralReward{
		ReferrerID: "referrer_1",
		PurchaseID: "purchase_reward_1",
		Amount:     250,
	}
	var first, second bool
	err := store.RunInTx(context.Background(), func(ctx context.Context, tx core.LedgerTx) error {
		created, rewardErr := tx.CreateReferralReward(ctx, reward)
		first = created
		return rewardErr
	})
	if err != nil {
		t.Fatalf("first reward tx: %v", err)
	}
	err = store.RunInTx(context.Background(), func(ctx context.Context, tx core.LedgerTx) error {
		created, rewardErr := tx.CreateReferralReward(ctx, reward)
		second = created
		return rewardErr
	})
	if err != nil {
		t.Fatalf("second reward tx: %v", err)
	}

	if !first {
		t.Fatalf("expected first reward to be created")
	}
	if second {
		t.Fatalf("expected duplicate reward pair to be reported as existing")
	}
}

func TestPromoCodeConsumptionRespectsLimits(t *testing.T) {
	factory, cleanup := newTestFactory(t)
	defer cleanup()
	store := factory.LedgerStore()

	ctx := context.Background()
	if _, err := factory.DB().NewRaw(
		`INSERT INTO promo_codes (code, discount, max_uses, uses, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		"LAUNCH50", 500, 2, 0, time.Now().UTC(), time.Now().UTC(),
	).Exec(ctx); err != nil {
		t.Fatalf("seed promo code: %v", err)
	}

	consume := func() bool {
		var consumed bool
		err := store.RunInTx(ctx, func(ctx context.Context, tx core.LedgerTx) error {
			ok, consumeErr := tx.ConsumePromoCode(ctx, "LAUNCH50")
			consumed = ok
			return consumeErr
		})
		if err != nil {
			t.Fatalf("consume tx: %v", err)
		}
		return consumed
	}

	if !consume() || !consume() {
		t.Fatalf("expected both uses within max_uses to succeed")
	}
	if consume() {
		t.Fatalf("expected exhausted promo code to be rejected")
	}
}

func TestOutboxClaimAckRetryRoundTrip(t *testing.T) {
	factory, cleanup := newTestFactory(t)
	defer cleanup()
	store := factory.LedgerStore()
	outbox := factory.OutboxStore()

	ctx := context.Background()
	err := store.RunInTx(ctx, func(ctx context.Context, tx core.LedgerTx) error {
		return tx.EnqueueEvent(ctx, core.LifecycleEvent{
			ID:            "evt_outbox_1",
			Name:          core.EventEntitlementCommitted,
			OwnerID:       "owner_outbox_1",
			EntitlementID: "ent_outbox_1",
			Kind:          string(core.ProvisionKindIssue),
			Source:        string(core.EntitlementSourcePaid),
			OccurredAt:    time.Now().UTC(),
			Payload:       map[string]any{"amount": 1000},
		})
	})
	if err != nil {
		t.Fatalf("enqueue tx: %v", err)
	}

	events, err := outbox.ClaimBatch(ctx, 10)
	if err != nil {
		t.Fatalf("claim batch: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected one claimed event, got %d", len(events))
	}
	if events[0].ID != "evt_outbox_1" {
		t.Fatalf("unexpected event id %q", events[0].ID)
	}

	// Claimed rows stay invisible to a second claim.
	rival, err := outbox.ClaimBatch(ctx, 10)
	if err != nil {
		t.Fatalf("rival claim batch: %v", err)
	}
	if len(rival) != 0 {
		t.Fatalf("expected rival claim to see nothing, got %d", len(rival))
	}

	retryAt := time.Now().UTC().Add(-time.Second)
	if err := outbox.Retry(ctx, "evt_outbox_1", fmt.Errorf("projector offline"), retryAt); err != nil {
		t.Fatalf("retry: %v", err)
	}
	events, err = outbox.ClaimBatch(ctx, 10)
	if err != nil {
		t.Fatalf("claim after retry: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected retried event to be claimable, got %d", len(events))
	}
	attempts, ok := events[0].Metadata[core.MetadataKeyOutboxAttempts]
	if !ok {
		t.Fatalf("expected attempts metadata on claimed event")
	}
	if fmt.Sprint(attempts) != "1" {
		t.Fatalf("expected one recorded attempt, got %v", attempts)
	}

	if err := outbox.Ack(ctx, "evt_outbox_1"); err != nil {
		t.Fatalf("ack: %v", err)
	}
	events, err = outbox.ClaimBatch(ctx, 10)
	if err != nil {
		t.Fatalf("claim after ack: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected delivered event to stay out of claims, got %d", len(events))
	}
}

func TestEntitlementReaderWorkerSelections(t *testing.T) {
	factory, cleanup := newTestFactory(t)
	defer cleanup()
	store := factory.LedgerStore()
	reader := factory.EntitlementReader()

	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	expiringSoon := issueEntitlement(t, store, core.UpsertEntitlementInput{
		OwnerID:      "owner_reader_soon",
		CredentialID: "cred_reader_soon",
		Status:       core.EntitlementStatusActive,
		Source:       core.EntitlementSourcePaid,
		ExpiresAt:    now.Add(6 * time.Hour),
	})
	issueEntitlement(t, store, core.UpsertEntitlementInput{
		OwnerID:      "owner_reader_far",
		CredentialID: "cred_reader_far",
		Status:       core.EntitlementStatusActive,
		Source:       core.EntitlementSourcePaid,
		ExpiresAt:    now.Add(90 * 24 * time.Hour),
	})
	overdue := issueEntitlement(t, store, core.UpsertEntitlementInput{
		OwnerID:      "owner_reader_overdue",
		CredentialID: "cred_reader_overdue",
		Status:       core.EntitlementStatusActive,
		Source:       core.EntitlementSourceTrial,
		ExpiresAt:    now.Add(-time.Hour),
	})
	pending := issueEntitlement(t, store, core.UpsertEntitlementInput{
		OwnerID:   "owner_reader_pending",
		Status:    core.EntitlementStatusPendingActivation,
		Source:    core.EntitlementSourcePaid,
		ExpiresAt: now.Add(30 * 24 * time.Hour),
	})

	expiring, err := reader.ListExpiringWithin(ctx, 24*time.Hour, now.Add(-10*time.Minute), 10)
	if err != nil {
		t.Fatalf("list expiring: %v", err)
	}
	if len(expiring) != 1 || expiring[0].ID != expiringSoon.ID {
		t.Fatalf("expected only the soon-expiring row, got %d rows", len(expiring))
	}

	expired, err := reader.ListExpired(ctx, now, "", 10)
	if err != nil {
		t.Fatalf("list expired: %v", err)
	}
	if len(expired) != 1 || expired[0].ID != overdue.ID {
		t.Fatalf("expected only the overdue row, got %d rows", len(expired))
	}
	afterLast, err := reader.ListExpired(ctx, now, overdue.ID, 10)
	if err != nil {
		t.Fatalf("list expired keyset: %v", err)
	}
	if len(afterLast) != 0 {
		t.Fatalf("expected keyset cursor past the only row to return nothing, got %d", len(afterLast))
	}

	pendingRows, err := reader.ListPendingActivation(ctx, 5, 10)
	if err != nil {
		t.Fatalf("list pending activation: %v", err)
	}
	if len(pendingRows) != 1 || pendingRows[0].ID != pending.ID {
		t.Fatalf("expected only the pending row, got %d rows", len(pendingRows))
	}

	credentialIDs, err := reader.ListCredentialIDs(ctx)
	if err != nil {
		t.Fatalf("list credential ids: %v", err)
	}
	if len(credentialIDs) != 3 {
		t.Fatalf("expected 3 referenced credentials, got %d", len(credentialIDs))
	}

	byCredential, found, err := reader.FindByCredentialID(ctx, "cred_reader_soon")
	if err != nil || !found {
		t.Fatalf("find by credential: found=%v err=%v", found, err)
	}
	if byCredential.ID != expiringSoon.ID {
		t.Fatalf("expected credential to resolve the soon-expiring row, got %q", byCredential.ID)
	}

	hasPaid, err := reader.HasActivePaid(ctx, "owner_reader_soon", now)
	if err != nil {
		t.Fatalf("has active paid: %v", err)
	}
	if !hasPaid {
		t.Fatalf("expected owner with active paid row to report true")
	}
	hasPaid, err = reader.HasActivePaid(ctx, "owner_reader_overdue", now)
	if err != nil {
		t.Fatalf("has active paid for overdue owner: %v", err)
	}
	if hasPaid {
		t.Fatalf("expected overdue trial owner to report false")
	}
}

func TestWebhookDeliveryReserveReplay(t *testing.T) {
	client, cleanup := newSQLiteClient(t)
	defer cleanup()

	store, err := sqlstore.NewWebhookDeliveryStore(client.DB())
	if err != nil {
		t.Fatalf("new webhook delivery store: %v", err)
	}

	ctx := context.Background()
	record, replay, err := store.Reserve(ctx, "payments", "delivery_1", []byte(`{"purchase_id":"p1"}`))
	if err != nil {
		t.Fatalf("first reserve: %v", err)
	}
	if replay {
		t.Fatalf("expected first reserve to be fresh")
	}
	if record.Attempts != 1 {
		t.Fatalf("expected first attempt recorded, got %d", record.Attempts)
	}

	_, replay, err = store.Reserve(ctx, "payments", "delivery_1", []byte(`{"purchase_id":"p1"}`))
	if err != nil {
		t.Fatalf("second reserve: %v", err)
	}
	if !replay {
		t.Fatalf("expected duplicate delivery to be detected")
	}

	if err := store.MarkProcessed(ctx, "payments", "delivery_1"); err != nil {
		t.Fatalf("mark processed: %v", err)
	}
	processed, err := store.Get(ctx, "payments", "delivery_1")
	if err != nil {
		t.Fatalf("get processed delivery: %v", err)
	}
	if processed.Status != webhooks.DeliveryStatusProcessed {
		t.Fatalf("expected processed status, got %q", processed.Status)
	}
}
