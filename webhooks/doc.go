// Package webhooks turns provider payment deliveries into purchase triggers.
//
// A delivery passes signature verification, reserves a row in the delivery
// ledger keyed on (provider_id, delivery_id), then runs the purchase
// handler. The pending purchase row stays the real idempotency boundary; the
// delivery ledger only absorbs transport-level replays and schedules retries
// for transient failures.
package webhooks
