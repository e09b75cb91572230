package command

import gocmd "github.com/goliatone/go-command"

var (
	_ gocmd.Commander[RegisterPurchaseMessage]    = (*RegisterPurchaseCommand)(nil)
	_ gocmd.Commander[ProcessPurchaseMessage]     = (*ProcessPurchaseCommand)(nil)
	_ gocmd.Commander[StartTrialMessage]          = (*StartTrialCommand)(nil)
	_ gocmd.Commander[RenewEntitlementMessage]    = (*RenewEntitlementCommand)(nil)
	_ gocmd.Commander[ExpireEntitlementMessage]   = (*ExpireEntitlementCommand)(nil)
	_ gocmd.Commander[ActivateEntitlementMessage] = (*ActivateEntitlementCommand)(nil)
	_ gocmd.Commander[GrantEntitlementMessage]    = (*GrantEntitlementCommand)(nil)
	_ gocmd.Commander[RevokeEntitlementMessage]   = (*RevokeEntitlementCommand)(nil)
)
