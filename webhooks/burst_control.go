package webhooks

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/goliatone/go-entitlements/core"
)

type BurstDecision struct {
	Allow    bool
	Metadata map[string]any
}

type BurstController interface {
	Allow(ctx context.Context, req core.InboundRequest) (BurstDecision, error)
}

type BurstKeyExtractor func(req core.InboundRequest) (string, bool)

type BurstOptions struct {
	// Capacity is the number of deliveries one key may burst before the
	// refill rate applies.
	Capacity int
	// RefillInterval is the time it takes to regain one token.
	RefillInterval time.Duration
	MaxEntries     int
	ExtractKey     BurstKeyExtractor
	Now            func() time.Time
}

// TokenBucketBurstController throttles deliveries per owner. Each key holds
// an in-memory bucket; a delivery consumes one token and tokens regrow at the
// refill interval. Deliveries rejected here are marked for retry, not
// dropped.
type TokenBucketBurstController struct {
	capacity       int
	refillInterval time.Duration
	maxEntries     int
	extractKey     BurstKeyExtractor
	now            func() time.Time

	mu      sync.Mutex
	buckets map[string]*tokenBucket
}

type tokenBucket struct {
	tokens   float64
	lastSeen time.Time
}

func NewBurstController(opts BurstOptions) *TokenBucketBurstController {
	capacity := opts.Capacity
	if capacity <= 0 {
		capacity = 5
	}
	refillInterval := opts.RefillInterval
	if refillInterval <= 0 {
		refillInterval = 2 * time.Second
	}
	maxEntries := opts.MaxEntries
	if maxEntries <= 0 {
		maxEntries = 4096
	}
	extractKey := opts.ExtractKey
	if extractKey == nil {
		extractKey = DefaultBurstKeyExtractor
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &TokenBucketBurstController{
		capacity:       capacity,
		refillInterval: refillInterval,
		maxEntries:     maxEntries,
		extractKey:     extractKey,
		now:            now,
		buckets:        map[string]*tokenBucket{},
	}
}

func (c *TokenBucketBurstController) Allow(_ context.Context, req core.InboundRequest) (BurstDecision, error) {
	if c == nil {
		return BurstDecision{Allow: true}, nil
	}
	key, ok := c.extractKey(req)
	if !ok {
		return BurstDecision{Allow: true}, nil
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return BurstDecision{Allow: true}, nil
	}

	now := c.now().UTC()
	c.mu.Lock()
	defer c.mu.Unlock()

	bucket, exists := c.buckets[key]
	if !exists {
		bucket = &tokenBucket{tokens: float64(c.capacity)}
		c.buckets[key] = bucket
	} else {
		regained := float64(now.Sub(bucket.lastSeen)) / float64(c.refillInterval)
		bucket.tokens += regained
		if bucket.tokens > float64(c.capacity) {
			bucket.tokens = float64(c.capacity)
		}
	}
	bucket.lastSeen = now
	c.cleanup(now)

	if bucket.tokens >= 1 {
		bucket.tokens--
		return BurstDecision{Allow: true}, nil
	}

	return BurstDecision{
		Allow: false,
		Metadata: map[string]any{
			"burst_key":                key,
			"burst_capacity":           c.capacity,
			"burst_refill_interval_ms": c.refillInterval.Milliseconds(),
		},
	}, nil
}

func (c *TokenBucketBurstController) cleanup(now time.Time) {
	idleCutoff := time.Duration(c.capacity) * c.refillInterval
	if len(c.buckets) <= c.maxEntries {
		for key, bucket := range c.buckets {
			if now.Sub(bucket.lastSeen) > idleCutoff*4 {
				delete(c.buckets, key)
			}
		}
		return
	}
	for key, bucket := range c.buckets {
		if now.Sub(bucket.lastSeen) > idleCutoff {
			delete(c.buckets, key)
		}
		if len(c.buckets) <= c.maxEntries {
			break
		}
	}
}

// DefaultBurstKeyExtractor buckets deliveries by owner when the transport
// layer put the owner id in the request metadata, and by provider otherwise.
func DefaultBurstKeyExtractor(req core.InboundRequest) (string, bool) {
	providerID := strings.TrimSpace(strings.ToLower(req.ProviderID))
	if providerID == "" {
		return "", false
	}
	if req.Metadata != nil {
		for _, key := range []string{"owner_id", "burst_key"} {
			value := strings.TrimSpace(fmt.Sprint(req.Metadata[key]))
			if value != "" && value != "<nil>" {
				return providerID + ":" + strings.ToLower(value), true
			}
		}
	}
	return providerID, true
}

var _ BurstController = (*TokenBucketBurstController)(nil)
