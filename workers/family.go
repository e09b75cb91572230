package workers

import (
	"context"
	"fmt"
	"sync"

	"github.com/goliatone/go-entitlements/core"
)

// Family bundles the full scheduler family around one entitlement service:
// renewal, expiry, activation retry, reconciliation and outbox dispatch.
type Family struct {
	runners []*Runner
}

func NewFamily(
	service *core.Service,
	dispatcher Dispatcher,
	outboxCfg core.WorkerConfig,
	logger core.Logger,
) (*Family, error) {
	if service == nil {
		return nil, fmt.Errorf("workers: service is required")
	}
	cfg := service.Config()
	reader := service.EntitlementReader()

	runners := []*Runner{
		NewRunner(NewRenewalWorker(service, reader, cfg.Renewal, logger), cfg.Renewal.Worker, logger),
		NewRunner(NewExpiryWorker(service, reader, cfg.Expiry, logger), cfg.Expiry, logger),
		NewRunner(NewActivationWorker(service, reader, cfg.Activation, logger), cfg.Activation.Worker, logger),
		NewRunner(NewReconcileWorker(service.Provisioner(), reader, service, cfg.Reconcile, logger), cfg.Reconcile.Worker, logger),
	}
	if dispatcher != nil {
		runners = append(runners, NewRunner(NewOutboxWorker(dispatcher, outboxCfg, logger), outboxCfg, logger))
	}
	return &Family{runners: runners}, nil
}

// Run blocks until ctx is cancelled, driving every worker loop.
func (f *Family) Run(ctx context.Context) error {
	if f == nil || len(f.runners) == 0 {
		return fmt.Errorf("workers: family has no runners")
	}
	var wg sync.WaitGroup
	for _, runner := range f.runners {
		wg.Add(1)
		go func(r *Runner) {
			defer wg.Done()
			_ = r.Run(ctx)
		}(runner)
	}
	wg.Wait()
	return ctx.Err()
}

// Runners exposes the individual runners for external schedulers that drive
// ticks themselves.
func (f *Family) Runners() []*Runner {
	if f == nil {
		return nil
	}
	return append([]*Runner(nil), f.runners...)
}
