package sqlstore

import "github.com/goliatone/go-entitlements/core"

var (
	_ core.LedgerStore            = (*LedgerStore)(nil)
	_ core.LedgerTx               = (*ledgerTx)(nil)
	_ core.EntitlementReader      = (*EntitlementReader)(nil)
	_ core.EntitlementReader      = (*CachedEntitlementReader)(nil)
	_ core.OutboxStore            = (*OutboxStore)(nil)
	_ core.StoreProvider          = (*RepositoryFactory)(nil)
	_ core.RepositoryStoreFactory = (*RepositoryFactory)(nil)
)
