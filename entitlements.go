package entitlements

import "github.com/goliatone/go-entitlements/core"

type Config = core.Config

type WorkerConfig = core.WorkerConfig

type Option = core.Option

type Service = core.Service

type ServiceDependencies = core.ServiceDependencies
type LedgerStore = core.LedgerStore
type LedgerTx = core.LedgerTx
type EntitlementReader = core.EntitlementReader
type OutboxStore = core.OutboxStore
type CredentialProvisioner = core.CredentialProvisioner
type MetricsRecorder = core.MetricsRecorder
type LifecycleEventHandler = core.LifecycleEventHandler
type ProjectorRegistry = core.ProjectorRegistry

type Entitlement = core.Entitlement
type PendingPurchase = core.PendingPurchase
type Payment = core.Payment
type LifecycleEvent = core.LifecycleEvent
type PurchaseOutcome = core.PurchaseOutcome

type PurchaseRequest = core.PurchaseRequest
type TrialRequest = core.TrialRequest
type RenewalRequest = core.RenewalRequest
type GrantRequest = core.GrantRequest

type InboundRequest = core.InboundRequest
type InboundResult = core.InboundResult

var (
	WithLogger            = core.WithLogger
	WithLoggerProvider    = core.WithLoggerProvider
	WithMetricsRecorder   = core.WithMetricsRecorder
	WithErrorFactory      = core.WithErrorFactory
	WithErrorMapper       = core.WithErrorMapper
	WithPersistenceClient = core.WithPersistenceClient
	WithRepositoryFactory = core.WithRepositoryFactory
	WithConfigProvider    = core.WithConfigProvider
	WithOptionsResolver   = core.WithOptionsResolver
	WithLedgerStore       = core.WithLedgerStore
	WithEntitlementReader = core.WithEntitlementReader
	WithOutboxStore       = core.WithOutboxStore
	WithProvisioner       = core.WithProvisioner
	WithIDGenerator       = core.WithIDGenerator
	WithClock             = core.WithClock
)

func DefaultConfig() Config {
	return core.DefaultConfig()
}

func NewService(cfg Config, opts ...Option) (*Service, error) {
	return core.NewService(cfg, opts...)
}
