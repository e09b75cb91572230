package entitlements

import (
	"fmt"

	entitlementscommand "github.com/goliatone/go-entitlements/command"
	"github.com/goliatone/go-entitlements/core"
	entitlementsquery "github.com/goliatone/go-entitlements/query"
)

type CommandQueryService interface {
	entitlementscommand.MutatingService
}

type Commands struct {
	RegisterPurchase *entitlementscommand.RegisterPurchaseCommand
	ProcessPurchase  *entitlementscommand.ProcessPurchaseCommand
	StartTrial       *entitlementscommand.StartTrialCommand
	Renew            *entitlementscommand.RenewEntitlementCommand
	Expire           *entitlementscommand.ExpireEntitlementCommand
	Activate         *entitlementscommand.ActivateEntitlementCommand
	Grant            *entitlementscommand.GrantEntitlementCommand
	Revoke           *entitlementscommand.RevokeEntitlementCommand
}

type Queries struct {
	GetEntitlement        *entitlementsquery.GetEntitlementQuery
	GetOwnerEntitlement   *entitlementsquery.GetOwnerEntitlementQuery
	ListExpiring          *entitlementsquery.ListExpiringEntitlementsQuery
	ListPendingActivation *entitlementsquery.ListPendingActivationQuery
	FindByCredential      *entitlementsquery.FindByCredentialQuery
	HasActivePaid         *entitlementsquery.HasActivePaidQuery
}

type Facade struct {
	service  CommandQueryService
	commands Commands
	queries  Queries
}

type FacadeOption func(*facadeOptions)

type facadeOptions struct {
	reader core.EntitlementReader
}

func WithQueryReader(reader core.EntitlementReader) FacadeOption {
	return func(options *facadeOptions) {
		options.reader = reader
	}
}

func NewFacade(service CommandQueryService, opts ...FacadeOption) (*Facade, error) {
	if service == nil {
		return nil, fmt.Errorf("entitlements: command/query service is required")
	}
	cfg := facadeOptions{}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(&cfg)
	}

	reader := cfg.reader
	if reader == nil {
		reader = resolveEntitlementReader(service)
	}
	if reader == nil {
		return nil, fmt.Errorf("entitlements: entitlement reader is required; pass WithQueryReader or a service exposing one")
	}

	facade := &Facade{service: service}
	facade.commands = Commands{
		RegisterPurchase: entitlementscommand.NewRegisterPurchaseCommand(service),
		ProcessPurchase:  entitlementscommand.NewProcessPurchaseCommand(service),
		StartTrial:       entitlementscommand.NewStartTrialCommand(service),
		Renew:            entitlementscommand.NewRenewEntitlementCommand(service),
		Expire:           entitlementscommand.NewExpireEntitlementCommand(service),
		Activate:         entitlementscommand.NewActivateEntitlementCommand(service),
		Grant:            entitlementscommand.NewGrantEntitlementCommand(service),
		Revoke:           entitlementscommand.NewRevokeEntitlementCommand(service),
	}
	facade.queries = Queries{
		GetEntitlement:        entitlementsquery.NewGetEntitlementQuery(reader),
		GetOwnerEntitlement:   entitlementsquery.NewGetOwnerEntitlementQuery(reader),
		ListExpiring:          entitlementsquery.NewListExpiringEntitlementsQuery(reader),
		ListPendingActivation: entitlementsquery.NewListPendingActivationQuery(reader),
		FindByCredential:      entitlementsquery.NewFindByCredentialQuery(reader),
		HasActivePaid:         entitlementsquery.NewHasActivePaidQuery(reader),
	}

	return facade, nil
}

func (f *Facade) Commands() Commands {
	if f == nil {
		return Commands{}
	}
	return f.commands
}

func (f *Facade) Queries() Queries {
	if f == nil {
		return Queries{}
	}
	return f.queries
}

func (f *Facade) Service() CommandQueryService {
	if f == nil {
		return nil
	}
	return f.service
}

func resolveEntitlementReader(service CommandQueryService) core.EntitlementReader {
	if service == nil {
		return nil
	}
	if reader, ok := service.(core.EntitlementReader); ok {
		return reader
	}
	accessor, ok := service.(interface {
		EntitlementReader() core.EntitlementReader
	})
	if !ok {
		return nil
	}
	return accessor.EntitlementReader()
}
