package balance

import (
	"context"
	"sync"
	"time"

	logx "datafarm/pkg/logx"
)

const refreshTimeout = 5 * time.Second

// CacheConfig tunes the Cache wrapper. Zero fields fall back to defaults.
type CacheConfig struct {
	TTL         time.Duration // serve the cached value this long (default 30s)
	FallbackUSD float64       // used when no fetch has ever succeeded (default 1000)
}

// Cache wraps a Provider with a TTL and makes it infallible: inside the TTL
// it serves the cached value; on refresh failure it serves the last good
// value, and before any fetch has succeeded, the configured fallback. A
// failed refresh does not advance the cache time, so the next call retries.
type Cache struct {
	provider Provider
	ttl      time.Duration
	fallback float64
	log      logx.Logger

	mu       sync.Mutex
	value    float64
	fetched  time.Time
	haveGood bool
}

func NewCache(provider Provider, cfg CacheConfig, log logx.Logger) *Cache {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * time.Second
	}
	if cfg.FallbackUSD <= 0 {
		cfg.FallbackUSD = 1000
	}
	return &Cache{
		provider: provider,
		ttl:      cfg.TTL,
		fallback: cfg.FallbackUSD,
		log:      log,
	}
}

// USD returns the balance without ever failing. It satisfies the allocator's
// BalanceFunc contract and is called under the ledger lock, so providers
// behind it must stay cheap.
func (c *Cache) USD() float64 {
	v, _ := c.BalanceUSD(context.Background())
	return v
}

// BalanceUSD implements Provider. The returned error is always nil; it exists
// so a Cache can stand wherever a Provider is expected.
func (c *Cache) BalanceUSD(ctx context.Context) (float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if c.haveGood && now.Sub(c.fetched) < c.ttl {
		return c.value, nil
	}

	rctx, cancel := context.WithTimeout(ctx, refreshTimeout)
	v, err := c.provider.BalanceUSD(rctx)
	cancel()
	if err == nil {
		c.value = v
		c.fetched = now
		c.haveGood = true
		return v, nil
	}

	if c.haveGood {
		c.log.Warn("balance refresh failed; serving last known value",
			logx.Err(err),
			logx.Float64("last_usd", c.value),
		)
		return c.value, nil
	}
	c.log.Warn("balance unavailable; using configured fallback",
		logx.Err(err),
		logx.Float64("fallback_usd", c.fallback),
	)
	return c.fallback, nil
}
