package sqlstore

import (
	"database/sql"
	"fmt"

	"github.com/goliatone/go-entitlements/core"
	persistence "github.com/goliatone/go-persistence-bun"
	repositorycache "github.com/goliatone/go-repository-cache/cache"
	_ "github.com/lib/pq"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
)

type RepositoryFactory struct {
	db    *bun.DB
	cache repositorycache.CacheService

	ledgerStore       *LedgerStore
	entitlementReader core.EntitlementReader
	outboxStore       *OutboxStore
}

func NewRepositoryFactory() *RepositoryFactory {
	return &RepositoryFactory{}
}

// WithCache enables the cached single-row reader. Must be set before
// BuildStores resolves the stores.
func (f *RepositoryFactory) WithCache(cacheService repositorycache.CacheService) *RepositoryFactory {
	if f != nil {
		f.cache = cacheService
	}
	return f
}

func NewRepositoryFactoryFromPersistence(client *persistence.Client) (*RepositoryFactory, error) {
	factory := NewRepositoryFactory()
	if _, err := factory.BuildStores(client); err != nil {
		return nil, err
	}
	return factory, nil
}

func NewRepositoryFactoryFromDB(db *bun.DB) (*RepositoryFactory, error) {
	factory := NewRepositoryFactory()
	if _, err := factory.BuildStores(db); err != nil {
		return nil, err
	}
	return factory, nil
}

// NewRepositoryFactoryFromPostgresDSN opens a Postgres-backed factory directly
// from a DSN for deployments that do not run the persistence client.
func NewRepositoryFactoryFromPostgresDSN(dsn string) (*RepositoryFactory, error) {
	if dsn == "" {
		return nil, fmt.Errorf("sqlstore: postgres dsn is required")
	}
	sqlDB, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open postgres: %w", err)
	}
	return NewRepositoryFactoryFromDB(bun.NewDB(sqlDB, pgdialect.New()))
}

func (f *RepositoryFactory) BuildStores(persistenceClient any) (core.StoreProvider, error) {
	if f == nil {
		return nil, fmt.Errorf("sqlstore: repository factory is nil")
	}
	if f.db == nil {
		db, err := resolveBunDB(persistenceClient)
		if err != nil {
			return nil, err
		}
		f.db = db
	}
	if f.ledgerStore != nil && f.entitlementReader != nil {
		return f, nil
	}
	if err := f.initStores(); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *RepositoryFactory) LedgerStore() core.LedgerStore {
	if f == nil {
		return nil
	}
	return f.ledgerStore
}

func (f *RepositoryFactory) EntitlementReader() core.EntitlementReader {
	if f == nil {
		return nil
	}
	return f.entitlementReader
}

func (f *RepositoryFactory) OutboxStore() core.OutboxStore {
	if f == nil {
		return nil
	}
	return f.outboxStore
}

func (f *RepositoryFactory) DB() *bun.DB {
	if f == nil {
		return nil
	}
	return f.db
}

func (f *RepositoryFactory) initStores() error {
	ledgerStore, err := NewLedgerStore(f.db)
	if err != nil {
		return err
	}
	f.ledgerStore = ledgerStore

	reader, err := NewEntitlementReader(f.db)
	if err != nil {
		return err
	}
	f.entitlementReader = reader
	if f.cache != nil {
		cachedReader, err := NewCachedEntitlementReader(reader, f.cache)
		if err != nil {
			return err
		}
		f.entitlementReader = cachedReader
	}

	outboxStore, err := NewOutboxStore(f.db)
	if err != nil {
		return err
	}
	f.outboxStore = outboxStore

	return nil
}

func resolveBunDB(candidate any) (*bun.DB, error) {
	switch typed := candidate.(type) {
	case nil:
		return nil, fmt.Errorf("sqlstore: persistence client is required")
	case *bun.DB:
		return typed, nil
	case interface{ DB() *bun.DB }:
		db := typed.DB()
		if db == nil {
			return nil, fmt.Errorf("sqlstore: persistence client returned nil bun db")
		}
		return db, nil
	default:
		return nil, fmt.Errorf("sqlstore: unsupported persistence client type %T", candidate)
	}
}
