// Package workers contains the periodic schedulers that keep the entitlement
// ledger converged: renewal ahead of expiry, expiry of overdue rows,
// activation retries, reconciliation against the external provisioner, and
// outbox dispatch. Every worker tolerates concurrent instances; the guarded
// conditional updates in the store decide which instance wins.
package workers
