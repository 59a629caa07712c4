package judge

import (
	"context"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// Cached memoizes verdicts per (profile, candidate). Errors are not cached.
type Cached struct {
	inner Judge
	cache *ttlcache.Cache[string, Verdict]
}

// NewCached wraps inner and starts the expiry loop; call Stop when done.
func NewCached(inner Judge, ttl time.Duration) *Cached {
	c := &Cached{
		inner: inner,
		cache: ttlcache.New(
			ttlcache.WithTTL[string, Verdict](ttl),
			ttlcache.WithDisableTouchOnHit[string, Verdict](),
		),
	}
	go c.cache.Start()
	return c
}

func (c *Cached) Judge(ctx context.Context, req Request) (Verdict, error) {
	key := req.ProfileID + "/" + req.Candidate.ID
	if item := c.cache.Get(key); item != nil {
		return item.Value(), nil
	}
	v, err := c.inner.Judge(ctx, req)
	if err != nil {
		return Verdict{}, err
	}
	c.cache.Set(key, v, ttlcache.DefaultTTL)
	return v, nil
}

// Len returns the number of cached verdicts.
func (c *Cached) Len() int { return c.cache.Len() }

// Stop ends the expiry loop.
func (c *Cached) Stop() { c.cache.Stop() }
