package sqlstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-entitlements/core"
	repository "github.com/goliatone/go-repository-bun"
	"github.com/uptrace/bun"
)

const defaultReaderLimit = 100

// EntitlementReader is the non-transactional read surface workers select
// batches from. Deciding reads stay inside LedgerTx.
type EntitlementReader struct {
	db   *bun.DB
	repo repository.Repository[*entitlementRecord]
}

func NewEntitlementReader(db *bun.DB) (*EntitlementReader, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	return &EntitlementReader{
		db:   db,
		repo: repository.NewRepository[*entitlementRecord](db, entitlementHandlers()),
	}, nil
}

func (r *EntitlementReader) Get(ctx context.Context, id string) (core.Entitlement, bool, error) {
	if r == nil || r.repo == nil {
		return core.Entitlement{}, false, fmt.Errorf("sqlstore: entitlement reader is not configured")
	}
	trimmed := strings.TrimSpace(id)
	if trimmed == "" {
		return core.Entitlement{}, false, fmt.Errorf("sqlstore: entitlement id is required")
	}
	records, _, err := r.repo.List(ctx,
		repository.SelectBy("id", "=", trimmed),
		repository.SelectPaginate(1, 0),
	)
	if err != nil {
		return core.Entitlement{}, false, err
	}
	if len(records) == 0 {
		return core.Entitlement{}, false, nil
	}
	return entitlementRecordToDomain(records[0]), true, nil
}

func (r *EntitlementReader) GetByOwner(ctx context.Context, ownerID string) (core.Entitlement, bool, error) {
	if r == nil || r.repo == nil {
		return core.Entitlement{}, false, fmt.Errorf("sqlstore: entitlement reader is not configured")
	}
	trimmed := strings.TrimSpace(ownerID)
	if trimmed == "" {
		return core.Entitlement{}, false, fmt.Errorf("sqlstore: owner id is required")
	}
	records, _, err := r.repo.List(ctx,
		repository.SelectBy("owner_id", "=", trimmed),
		repository.OrderBy("created_at DESC, id DESC"),
		repository.SelectPaginate(1, 0),
	)
	if err != nil {
		return core.Entitlement{}, false, err
	}
	if len(records) == 0 {
		return core.Entitlement{}, false, nil
	}
	return entitlementRecordToDomain(records[0]), true, nil
}

func (r *EntitlementReader) ListExpiringWithin(ctx context.Context, window time.Duration, claimedAfter time.Time, limit int) ([]core.Entitlement, error) {
	if r == nil || r.repo == nil {
		return nil, fmt.Errorf("sqlstore: entitlement reader is not configured")
	}
	if limit <= 0 {
		limit = defaultReaderLimit
	}
	now := time.Now().UTC()
	horizon := now.Add(window)
	records, _, err := r.repo.List(ctx,
		repository.SelectBy("status", "=", string(core.EntitlementStatusActive)),
		repository.SelectRawProcessor(func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.
				Where("?TableAlias.expires_at > ?", now).
				Where("?TableAlias.expires_at <= ?", horizon).
				Where("(?TableAlias.last_renewal_at IS NULL OR ?TableAlias.last_renewal_at <= ?)", claimedAfter.UTC())
		}),
		repository.OrderBy("expires_at ASC"),
		repository.SelectPaginate(limit, 0),
	)
	if err != nil {
		return nil, err
	}
	return entitlementRecordsToDomain(records), nil
}

func (r *EntitlementReader) ListExpired(ctx context.Context, now time.Time, afterID string, limit int) ([]core.Entitlement, error) {
	if r == nil || r.repo == nil {
		return nil, fmt.Errorf("sqlstore: entitlement reader is not configured")
	}
	if limit <= 0 {
		limit = defaultReaderLimit
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}
	records, _, err := r.repo.List(ctx,
		repository.SelectBy("status", "=", string(core.EntitlementStatusActive)),
		repository.SelectRawProcessor(func(q *bun.SelectQuery) *bun.SelectQuery {
			q = q.Where("?TableAlias.expires_at <= ?", now.UTC())
			if trimmed := strings.TrimSpace(afterID); trimmed != "" {
				q = q.Where("?TableAlias.id > ?", trimmed)
			}
			return q
		}),
		repository.OrderBy("id ASC"),
		repository.SelectPaginate(limit, 0),
	)
	if err != nil {
		return nil, err
	}
	return entitlementRecordsToDomain(records), nil
}

func (r *EntitlementReader) ListPendingActivation(ctx context.Context, maxAttempts int, limit int) ([]core.Entitlement, error) {
	if r == nil || r.repo == nil {
		return nil, fmt.Errorf("sqlstore: entitlement reader is not configured")
	}
	if limit <= 0 {
		limit = defaultReaderLimit
	}
	records, _, err := r.repo.List(ctx,
		repository.SelectBy("status", "=", string(core.EntitlementStatusPendingActivation)),
		repository.SelectRawProcessor(func(q *bun.SelectQuery) *bun.SelectQuery {
			if maxAttempts > 0 {
				q = q.Where("?TableAlias.activation_attempts < ?", maxAttempts)
			}
			return q
		}),
		repository.OrderBy("created_at ASC"),
		repository.SelectPaginate(limit, 0),
	)
	if err != nil {
		return nil, err
	}
	return entitlementRecordsToDomain(records), nil
}

func (r *EntitlementReader) ListCredentialIDs(ctx context.Context) ([]string, error) {
	if r == nil || r.db == nil {
		return nil, fmt.Errorf("sqlstore: entitlement reader is not configured")
	}
	var ids []string
	err := r.db.NewSelect().
		Model((*entitlementRecord)(nil)).
		Column("credential_id").
		Where("credential_id != ''").
		Scan(ctx, &ids)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: list credential ids: %w", err)
	}
	return ids, nil
}

func (r *EntitlementReader) FindByCredentialID(ctx context.Context, credentialID string) (core.Entitlement, bool, error) {
	if r == nil || r.repo == nil {
		return core.Entitlement{}, false, fmt.Errorf("sqlstore: entitlement reader is not configured")
	}
	trimmed := strings.TrimSpace(credentialID)
	if trimmed == "" {
		return core.Entitlement{}, false, fmt.Errorf("sqlstore: credential id is required")
	}
	records, _, err := r.repo.List(ctx,
		repository.SelectBy("credential_id", "=", trimmed),
		repository.SelectPaginate(1, 0),
	)
	if err != nil {
		return core.Entitlement{}, false, err
	}
	if len(records) == 0 {
		return core.Entitlement{}, false, nil
	}
	return entitlementRecordToDomain(records[0]), true, nil
}

func (r *EntitlementReader) HasActivePaid(ctx context.Context, ownerID string, now time.Time) (bool, error) {
	if r == nil || r.db == nil {
		return false, fmt.Errorf("sqlstore: entitlement reader is not configured")
	}
	trimmed := strings.TrimSpace(ownerID)
	if trimmed == "" {
		return false, fmt.Errorf("sqlstore: owner id is required")
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}
	exists, err := r.db.NewSelect().
		Model((*entitlementRecord)(nil)).
		Where("owner_id = ?", trimmed).
		Where("status = ?", string(core.EntitlementStatusActive)).
		Where("source = ?", string(core.EntitlementSourcePaid)).
		Where("expires_at > ?", now.UTC()).
		Exists(ctx)
	if err != nil {
		return false, fmt.Errorf("sqlstore: has active paid: %w", err)
	}
	return exists, nil
}

func entitlementRecordsToDomain(records []*entitlementRecord) []core.Entitlement {
	out := make([]core.Entitlement, 0, len(records))
	for _, record := range records {
		out = append(out, entitlementRecordToDomain(record))
	}
	return out
}
