package query

import (
	gocmd "github.com/goliatone/go-command"
	"github.com/goliatone/go-entitlements/core"
)

var (
	_ gocmd.Querier[GetEntitlementMessage, core.Entitlement]               = (*GetEntitlementQuery)(nil)
	_ gocmd.Querier[GetOwnerEntitlementMessage, core.Entitlement]          = (*GetOwnerEntitlementQuery)(nil)
	_ gocmd.Querier[ListExpiringEntitlementsMessage, []core.Entitlement]   = (*ListExpiringEntitlementsQuery)(nil)
	_ gocmd.Querier[ListPendingActivationMessage, []core.Entitlement]      = (*ListPendingActivationQuery)(nil)
	_ gocmd.Querier[FindByCredentialMessage, core.Entitlement]             = (*FindByCredentialQuery)(nil)
	_ gocmd.Querier[HasActivePaidMessage, bool]                            = (*HasActivePaidQuery)(nil)

	_ EntitlementLookupReader   = (core.EntitlementReader)(nil)
	_ EntitlementScheduleReader = (core.EntitlementReader)(nil)
	_ PaidAccessReader          = (core.EntitlementReader)(nil)
)
