package plans

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// CachedCatalog is a read-through cache over a Catalog. Plans are effectively
// immutable once referenced by a live subscription, so a short TTL only
// bounds how long a deactivation takes to be observed.
type CachedCatalog struct {
	inner  Catalog
	byID   *expirable.LRU[int64, *Plan]
	byName *expirable.LRU[string, *Plan]
}

// NewCachedCatalog wraps a catalog with an expiring LRU cache
func NewCachedCatalog(inner Catalog, size int, ttl time.Duration) *CachedCatalog {
	if size <= 0 {
		size = 128
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}

	return &CachedCatalog{
		inner:  inner,
		byID:   expirable.NewLRU[int64, *Plan](size, nil, ttl),
		byName: expirable.NewLRU[string, *Plan](size, nil, ttl),
	}
}

// GetPlan retrieves a plan by id, serving from cache when possible
func (c *CachedCatalog) GetPlan(ctx context.Context, id int64) (*Plan, error) {
	if plan, ok := c.byID.Get(id); ok {
		return plan, nil
	}

	plan, err := c.inner.GetPlan(ctx, id)
	if err != nil {
		return nil, err
	}

	c.byID.Add(id, plan)
	return plan, nil
}

// GetPlanByName retrieves an active plan by name, serving from cache when possible
func (c *CachedCatalog) GetPlanByName(ctx context.Context, name string) (*Plan, error) {
	if plan, ok := c.byName.Get(name); ok {
		return plan, nil
	}

	plan, err := c.inner.GetPlanByName(ctx, name)
	if err != nil {
		return nil, err
	}

	c.byName.Add(name, plan)
	return plan, nil
}

// ListActive always hits the store; listings are admin-only and infrequent
func (c *CachedCatalog) ListActive(ctx context.Context) ([]*Plan, error) {
	return c.inner.ListActive(ctx)
}

// Invalidate drops a plan from the cache after an admin edit
func (c *CachedCatalog) Invalidate(id int64, name string) {
	c.byID.Remove(id)
	if name != "" {
		c.byName.Remove(name)
	}
}
