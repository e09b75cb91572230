// Package core contains the canonical entitlement domain contracts, entities,
// and orchestration logic. Lower-level adapters (stores, provisioner clients,
// workers, transports) must depend on this package; core must not depend on
// storage-specific or transport-specific adapters.
package core
