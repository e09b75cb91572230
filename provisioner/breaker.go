package provisioner

import (
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	goerrors "github.com/goliatone/go-errors"

	"github.com/goliatone/go-entitlements/core"
)

type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

// OpenCircuitError reports that calls to one provisioner endpoint are being
// shed after repeated consecutive failures.
type OpenCircuitError struct {
	Endpoint   string
	RetryAfter time.Duration
}

func (e OpenCircuitError) Error() string {
	return fmt.Sprintf(
		"provisioner: circuit open for endpoint %q, retry in %s",
		strings.TrimSpace(e.Endpoint),
		e.RetryAfter,
	)
}

func (e OpenCircuitError) ToError() *goerrors.Error {
	metadata := map[string]any{
		"endpoint": strings.TrimSpace(e.Endpoint),
	}
	if e.RetryAfter > 0 {
		metadata["retry_after_ms"] = e.RetryAfter.Milliseconds()
	}
	return goerrors.New(e.Error(), goerrors.CategoryExternal).
		WithCode(http.StatusBadGateway).
		WithTextCode(core.EntitlementErrorProvisionerUnavailable).
		WithMetadata(metadata)
}

type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens the
	// circuit.
	FailureThreshold int
	// Cooldown is how long the circuit stays open before a single probe call
	// is let through.
	Cooldown time.Duration
}

func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
	}
}

// Breaker is a per-endpoint circuit breaker. Closed passes every call; open
// sheds calls until the cooldown elapses; half-open admits one probe whose
// outcome decides the next state.
type Breaker struct {
	mu       sync.Mutex
	endpoint string
	config   BreakerConfig
	now      func() time.Time

	state    breakerState
	failures int
	openedAt time.Time
}

func NewBreaker(endpoint string, config BreakerConfig) *Breaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = DefaultBreakerConfig().FailureThreshold
	}
	if config.Cooldown <= 0 {
		config.Cooldown = DefaultBreakerConfig().Cooldown
	}
	return &Breaker{
		endpoint: strings.TrimSpace(endpoint),
		config:   config,
		now: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Allow reports whether the next call may proceed. In the open state it
// returns OpenCircuitError until the cooldown elapses, then transitions to
// half-open and admits exactly one probe.
func (b *Breaker) Allow() error {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case breakerClosed:
		return nil
	case breakerHalfOpen:
		// One probe is already in flight; shed everything else.
		return OpenCircuitError{Endpoint: b.endpoint, RetryAfter: b.config.Cooldown}.ToError()
	default:
		elapsed := b.now().Sub(b.openedAt)
		if elapsed < b.config.Cooldown {
			return OpenCircuitError{Endpoint: b.endpoint, RetryAfter: b.config.Cooldown - elapsed}.ToError()
		}
		b.state = breakerHalfOpen
		return nil
	}
}

func (b *Breaker) RecordSuccess() {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = breakerClosed
	b.failures = 0
}

func (b *Breaker) RecordFailure() {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == breakerHalfOpen {
		b.state = breakerOpen
		b.openedAt = b.now()
		return
	}
	b.failures++
	if b.failures >= b.config.FailureThreshold {
		b.state = breakerOpen
		b.openedAt = b.now()
	}
}
