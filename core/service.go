package core

import (
	"context"
	"time"

	goerrors "github.com/goliatone/go-errors"
	glog "github.com/goliatone/go-logger/glog"
	"github.com/google/uuid"
)

// Service is the entitlement lifecycle orchestrator. Given a trigger
// (purchase, renewal, admin action) it decides issuance vs renewal, executes
// the two-phase provisioning protocol against the external provisioner and
// commits the ledger transaction.
type Service struct {
	config            Config
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

type ServiceDependencies struct {
	Logger            Logger
	LoggerProvider    LoggerProvider
	MetricsRecorder   MetricsRecorder
	ErrorFactory      ErrorFactory
	ErrorMapper       ErrorMapper
	PersistenceClient any
	RepositoryFactory any
	ConfigProvider    ConfigProvider
	OptionsResolver   OptionsResolver
	LedgerStore       LedgerStore
	EntitlementReader EntitlementReader
	OutboxStore       OutboxStore
	Provisioner       CredentialProvisioner
}

func NewService(cfg Config, options ...Option) (*Service, error) {
	builder := defaultServiceBuilder(cfg)
	for _, opt := range options {
		if opt == nil {
			continue
		}
		opt(&builder)
	}

	provider, logger := glog.Resolve("entitlements", builder.loggerProvider, builder.logger)
	logger = glog.Ensure(logger)
	if provider != nil {
		if named := provider.GetLogger("entitlements"); named != nil {
			logger = glog.Ensure(named)
		}
	}

	if builder.errorFactory == nil {
		builder.errorFactory = goerrors.New
	}
	if builder.metricsRecorder == nil {
		builder.metricsRecorder = NopMetricsRecorder{}
	}
	if builder.errorMapper == nil {
		builder.errorMapper = defaultErrorMapper
	}
	if builder.configProvider == nil {
		builder.configProvider = NewCfgxConfigProvider(nil)
	}
	if builder.optionsResolver == nil {
		builder.optionsResolver = GoOptionsResolver{}
	}
	if builder.idGenerator == nil {
		builder.idGenerator = uuid.NewString
	}
	if builder.now == nil {
		builder.now = func() time.Time {
			return time.Now().UTC()
		}
	}

	defaults := DefaultConfig()
	loaded, err := builder.configProvider.Load(context.Background(), defaults)
	if err != nil {
		return nil, mapBuildError(builder.errorMapper, err)
	}
	finalConfig, err := builder.optionsResolver.Resolve(defaults, loaded, builder.runtimeConfig)
	if err != nil {
		return nil, mapBuildError(builder.errorMapper, err)
	}

	if (builder.ledgerStore == nil || builder.entitlementReader == nil || builder.outboxStore == nil) &&
		builder.repositoryFactory != nil {
		if storeFactory, ok := builder.repositoryFactory.(RepositoryStoreFactory); ok {
			provider, buildErr := storeFactory.BuildStores(builder.persistenceClient)
			if buildErr != nil {
				return nil, mapBuildError(builder.errorMapper, buildErr)
			}
			if provider != nil {
				applyStoreProvider(&builder, provider)
			}
		} else if provider, ok := builder.repositoryFactory.(StoreProvider); ok {
			applyStoreProvider(&builder, provider)
		}
	}

	return &Service{
		config:            finalConfig,
		logger:            logger,
		loggerProvider:    provider,
		metricsRecorder:   builder.metricsRecorder,
		errorFactory:      builder.errorFactory,
		errorMapper:       builder.errorMapper,
		persistenceClient: builder.persistenceClient,
		repositoryFactory: builder.repositoryFactory,
		configProvider:    builder.configProvider,
		optionsResolver:   builder.optionsResolver,
		ledgerStore:       builder.ledgerStore,
		entitlementReader: builder.entitlementReader,
		outboxStore:       builder.outboxStore,
		provisioner:       builder.provisioner,
		idGenerator:       builder.idGenerator,
		now:               builder.now,
	}, nil
}

func applyStoreProvider(builder *serviceBuilder, provider StoreProvider) {
	if builder.ledgerStore == nil {
		builder.ledgerStore = provider.LedgerStore()
	}
	if builder.entitlementReader == nil {
		builder.entitlementReader = provider.EntitlementReader()
	}
	if builder.outboxStore == nil {
		builder.outboxStore = provider.OutboxStore()
	}
}

func (s *Service) Config() Config {
	if s == nil {
		return Config{}
	}
	return s.config
}

func (s *Service) Provisioner() CredentialProvisioner {
	if s == nil {
		return nil
	}
	return s.provisioner
}

func (s *Service) EntitlementReader() EntitlementReader {
	if s == nil {
		return nil
	}
	return s.entitlementReader
}

func (s *Service) mapError(err error) error {
	if err == nil {
		return nil
	}
	if s == nil || s.errorMapper == nil {
		return err
	}
	if mapped := s.errorMapper(err); mapped != nil {
		return mapped
	}
	return err
}

func mapBuildError(mapper ErrorMapper, err error) error {
	if err == nil {
		return nil
	}
	if mapper == nil {
		return err
	}
	if mapped := mapper(err); mapped != nil {
		return mapped
	}
	return err
}
