package distribution

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/kausnet/settlecore/pkg/circuit"
)

// RevenueSource reports one external feed's current-period revenue in
// KRW. Sources are external collaborators (ad platform, partner
// integrations); a failing source skips its share of the run rather than
// aborting the distribution.
type RevenueSource interface {
	Name() string
	Revenue(ctx context.Context) (decimal.Decimal, error)
}

// RedisRevenueSource reads the revenue figure an upstream platform drops
// into a Redis key. Calls go through a circuit breaker so a dead Redis
// does not stall every run on connection timeouts.
type RedisRevenueSource struct {
	name    string
	key     string
	client  *redis.Client
	breaker *circuit.Breaker
}

// NewRedisRevenueSource creates a Redis-backed revenue feed.
func NewRedisRevenueSource(name, key string, client *redis.Client, breaker *circuit.Breaker) *RedisRevenueSource {
	return &RedisRevenueSource{
		name:    name,
		key:     key,
		client:  client,
		breaker: breaker,
	}
}

func (s *RedisRevenueSource) Name() string { return s.name }

func (s *RedisRevenueSource) Revenue(ctx context.Context) (decimal.Decimal, error) {
	var raw string
	err := s.breaker.Execute(ctx, func() error {
		var err error
		raw, err = s.client.Get(ctx, s.key).Result()
		return err
	})
	if err == redis.Nil {
		// No figure published for this period yet.
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to read revenue feed %s: %w", s.name, err)
	}

	rev, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid revenue figure %q from %s: %w", raw, s.name, err)
	}
	if rev.IsNegative() {
		return decimal.Zero, fmt.Errorf("negative revenue figure %s from %s", rev, s.name)
	}
	return rev, nil
}

// StaticRevenueSource returns a fixed figure. Used in tests and as a
// placeholder for feeds still being integrated.
type StaticRevenueSource struct {
	SourceName string
	Amount     decimal.Decimal
	Err        error
}

func (s *StaticRevenueSource) Name() string { return s.SourceName }

func (s *StaticRevenueSource) Revenue(ctx context.Context) (decimal.Decimal, error) {
	return s.Amount, s.Err
}
