package core

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-config/cfgx"
	goerrors "github.com/goliatone/go-errors"
	opts "github.com/goliatone/go-options"
)

type ErrorFactory func(message string, category ...goerrors.Category) *goerrors.Error

type ErrorMapper func(err error) *goerrors.Error

type ConfigProvider interface {
	Load(ctx context.Context, defaults Config) (Config, error)
}

type RawConfigLoader interface {
	LoadRaw(ctx context.Context) (map[string]any, error)
}

type OptionsResolver interface {
	Resolve(defaults Config, loaded Config, runtime Config) (Config, error)
}

type serviceBuilder struct {
	runtimeConfig     Config
	logger            Logger
	loggerProvider    LoggerProvider
	metricsRecorder   MetricsRecorder
	errorFactory      ErrorFactory
	errorMapper       ErrorMapper
	persistenceClient any
	repositoryFactory any
	configProvider    ConfigProvider
	optionsResolver   OptionsResolver
	ledgerStore       LedgerStore
	entitlementReader EntitlementReader
	outboxStore       OutboxStore
	provisioner       CredentialProvisioner
	idGenerator       func() string
	now               func() time.Time
}

type Option func(*serviceBuilder)

func WithLogger(logger Logger) Option {
	return func(b *serviceBuilder) {
		b.logger = logger
	}
}

func WithLoggerProvider(provider LoggerProvider) Option {
	return func(b *serviceBuilder) {
		b.loggerProvider = provider
	}
}

func WithMetricsRecorder(recorder MetricsRecorder) Option {
	return func(b *serviceBuilder) {
		b.metricsRecorder = recorder
	}
}

func WithErrorFactory(factory ErrorFactory) Option {
	return func(b *serviceBuilder) {
		b.errorFactory = factory
	}
}

func WithErrorMapper(mapper ErrorMapper) Option {
	return func(b *serviceBuilder) {
		b.errorMapper = mapper
	}
}

func WithPersistenceClient(client any) Option {
	return func(b *serviceBuilder) {
		b.persistenceClient = client
	}
}

func WithRepositoryFactory(factory any) Option {
	return func(b *serviceBuilder) {
		b.repositoryFactory = factory
	}
}

func WithConfigProvider(provider ConfigProvider) Option {
	return func(b *serviceBuilder) {
		b.configProvider = provider
	}
}

func WithOptionsResolver(resolver OptionsResolver) Option {
	return func(b *serviceBuilder) {
		b.optionsResolver = resolver
	}
}

func WithLedgerStore(store LedgerStore) Option {
	return func(b *serviceBuilder) {
		b.ledgerStore = store
	}
}

func WithEntitlementReader(reader EntitlementReader) Option {
	return func(b *serviceBuilder) {
		b.entitlementReader = reader
	}
}

func WithOutboxStore(store OutboxStore) Option {
	return func(b *serviceBuilder) {
		b.outboxStore = store
	}
}

func WithProvisioner(provisioner CredentialProvisioner) Option {
	return func(b *serviceBuilder) {
		b.provisioner = provisioner
	}
}

func WithIDGenerator(generator func() string) Option {
	return func(b *serviceBuilder) {
		b.idGenerator = generator
	}
}

func WithClock(now func() time.Time) Option {
	return func(b *serviceBuilder) {
		b.now = now
	}
}

func defaultServiceBuilder(cfg Config) serviceBuilder {
	return serviceBuilder{
		runtimeConfig: cfg,
	}
}

func defaultErrorMapper(err error) *goerrors.Error {
	if err == nil {
		return nil
	}
	return entitlementErrorMapper(err)
}

type staticRawConfigLoader struct {
	Values map[string]any
}

func (l staticRawConfigLoader) LoadRaw(context.Context) (map[string]any, error) {
	if len(l.Values) == 0 {
		return map[string]any{}, nil
	}
	out := make(map[string]any, len(l.Values))
	for key, value := range l.Values {
		out[key] = value
	}
	return out, nil
}

type CfgxConfigProvider struct {
	Loader RawConfigLoader
}

func NewCfgxConfigProvider(loader RawConfigLoader) *CfgxConfigProvider {
	return &CfgxConfigProvider{Loader: loader}
}

func (p *CfgxConfigProvider) Load(ctx context.Context, defaults Config) (Config, error) {
	if p == nil {
		return defaults, nil
	}
	loader := p.Loader
	if loader == nil {
		loader = staticRawConfigLoader{}
	}
	raw, err := loader.LoadRaw(ctx)
	if err != nil {
		return Config{}, err
	}
	cfg, err := cfgx.Build[Config](raw,
		cfgx.WithDefaults(defaults),
		cfgx.WithValidator[Config]((*Config).Validate),
	)
	if err != nil {
		return Config{}, err
	}
	return cfg, nil
}

type GoOptionsResolver struct{}

func (GoOptionsResolver) Resolve(defaults Config, loaded Config, runtime Config) (Config, error) {
	defaultLayer := configToLayerMap(defaults, true)
	loadedLayer := configToLayerMap(loaded, false)
	runtimeLayer := configToLayerMap(runtime, false)

	stack, err := opts.NewStack(
		opts.NewLayer(
			opts.NewScope("defaults", 0),
			defaultLayer,
			opts.WithSnapshotID[map[string]any]("defaults"),
		),
		opts.NewLayer(
			opts.NewScope("config", 10),
			loadedLayer,
			opts.WithSnapshotID[map[string]any]("config"),
		),
		opts.NewLayer(
			opts.NewScope("runtime", 20),
			runtimeLayer,
			opts.WithSnapshotID[map[string]any]("runtime"),
		),
	)
	if err != nil {
		return Config{}, fmt.Errorf("core: options stack build failed: %w", err)
	}
	merged, err := stack.Merge()
	if err != nil {
		return Config{}, fmt.Errorf("core: options merge failed: %w", err)
	}
	resolved, err := cfgx.Build[Config](merged.Value,
		cfgx.WithDefaults(defaults),
		cfgx.WithValidator[Config]((*Config).Validate),
	)
	if err != nil {
		return Config{}, err
	}
	if err := resolved.Validate(); err != nil {
		return Config{}, err
	}
	return resolved, nil
}

func configToLayerMap(cfg Config, includeZero bool) map[string]any {
	layer := map[string]any{}
	if includeZero || strings.TrimSpace(cfg.ServiceName) != "" {
		layer["service_name"] = cfg.ServiceName
	}
	if renewal := renewalLayerMap(cfg.Renewal, includeZero); len(renewal) > 0 {
		layer["renewal"] = renewal
	}
	if expiry := workerLayerMap(cfg.Expiry, includeZero); len(expiry) > 0 {
		layer["expiry"] = expiry
	}
	if activation := activationLayerMap(cfg.Activation, includeZero); len(activation) > 0 {
		layer["activation"] = activation
	}
	if reconcile := reconcileLayerMap(cfg.Reconcile, includeZero); len(reconcile) > 0 {
		layer["reconcile"] = reconcile
	}
	if cleanup := cleanupLayerMap(cfg.Cleanup, includeZero); len(cleanup) > 0 {
		layer["cleanup"] = cleanup
	}
	return layer
}

func workerLayerMap(cfg WorkerConfig, includeZero bool) map[string]any {
	layer := map[string]any{}
	if includeZero || cfg.Interval > 0 {
		layer["interval"] = cfg.Interval
	}
	if includeZero || cfg.StartupJitter > 0 {
		layer["startup_jitter"] = cfg.StartupJitter
	}
	if includeZero || cfg.BatchSize > 0 {
		layer["batch_size"] = cfg.BatchSize
	}
	if includeZero || cfg.BatchBudget > 0 {
		layer["batch_budget"] = cfg.BatchBudget
	}
	return layer
}

func renewalLayerMap(cfg RenewalConfig, includeZero bool) map[string]any {
	layer := map[string]any{}
	if worker := workerLayerMap(cfg.Worker, includeZero); len(worker) > 0 {
		layer["worker"] = worker
	}
	if includeZero || cfg.Lookahead > 0 {
		layer["lookahead"] = cfg.Lookahead
	}
	if includeZero || cfg.ClaimWindow > 0 {
		layer["claim_window"] = cfg.ClaimWindow
	}
	if includeZero || cfg.Duration > 0 {
		layer["duration"] = cfg.Duration
	}
	if includeZero || cfg.Price > 0 {
		layer["price"] = cfg.Price
	}
	return layer
}

func activationLayerMap(cfg ActivationConfig, includeZero bool) map[string]any {
	layer := map[string]any{}
	if worker := workerLayerMap(cfg.Worker, includeZero); len(worker) > 0 {
		layer["worker"] = worker
	}
	if includeZero || cfg.MaxAttempts > 0 {
		layer["max_attempts"] = cfg.MaxAttempts
	}
	return layer
}

func reconcileLayerMap(cfg ReconcileConfig, includeZero bool) map[string]any {
	layer := map[string]any{}
	if worker := workerLayerMap(cfg.Worker, includeZero); len(worker) > 0 {
		layer["worker"] = worker
	}
	if includeZero || cfg.GraceWindow > 0 {
		layer["grace_window"] = cfg.GraceWindow
	}
	return layer
}

func cleanupLayerMap(cfg CleanupConfig, includeZero bool) map[string]any {
	layer := map[string]any{}
	if includeZero || cfg.MaxAttempts > 0 {
		layer["max_attempts"] = cfg.MaxAttempts
	}
	if includeZero || cfg.InitialBackoff > 0 {
		layer["initial_backoff"] = cfg.InitialBackoff
	}
	if includeZero || cfg.MaxBackoff > 0 {
		layer["max_backoff"] = cfg.MaxBackoff
	}
	return layer
}
