package plans

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingCatalog struct {
	plan  *Plan
	calls int
}

func (c *countingCatalog) GetPlan(ctx context.Context, id int64) (*Plan, error) {
	c.calls++
	if c.plan == nil || c.plan.ID != id {
		return nil, &NotFoundError{ID: id}
	}
	return c.plan, nil
}

func (c *countingCatalog) GetPlanByName(ctx context.Context, name string) (*Plan, error) {
	c.calls++
	if c.plan == nil || c.plan.Name != name {
		return nil, &NotFoundError{}
	}
	return c.plan, nil
}

func (c *countingCatalog) ListActive(ctx context.Context) ([]*Plan, error) {
	c.calls++
	return []*Plan{c.plan}, nil
}

func TestCachedCatalogServesRepeatReadsFromCache(t *testing.T) {
	inner := &countingCatalog{plan: &Plan{ID: 2, Name: "growth", Active: true}}
	cached := NewCachedCatalog(inner, 16, time.Minute)

	for i := 0; i < 3; i++ {
		plan, err := cached.GetPlan(context.Background(), 2)
		require.NoError(t, err)
		assert.Equal(t, "growth", plan.Name)
	}
	assert.Equal(t, 1, inner.calls, "one store read, two cache hits")

	for i := 0; i < 3; i++ {
		_, err := cached.GetPlanByName(context.Background(), "growth")
		require.NoError(t, err)
	}
	assert.Equal(t, 2, inner.calls, "name lookups cached independently")
}

func TestCachedCatalogDoesNotCacheMisses(t *testing.T) {
	inner := &countingCatalog{plan: &Plan{ID: 2, Name: "growth"}}
	cached := NewCachedCatalog(inner, 16, time.Minute)

	for i := 0; i < 2; i++ {
		_, err := cached.GetPlan(context.Background(), 99)
		require.Error(t, err)
		assert.True(t, IsNotFound(err))
	}
	assert.Equal(t, 2, inner.calls)
}

func TestCachedCatalogInvalidate(t *testing.T) {
	inner := &countingCatalog{plan: &Plan{ID: 2, Name: "growth"}}
	cached := NewCachedCatalog(inner, 16, time.Minute)

	_, err := cached.GetPlan(context.Background(), 2)
	require.NoError(t, err)
	_, err = cached.GetPlanByName(context.Background(), "growth")
	require.NoError(t, err)
	require.Equal(t, 2, inner.calls)

	cached.Invalidate(2, "growth")

	_, err = cached.GetPlan(context.Background(), 2)
	require.NoError(t, err)
	_, err = cached.GetPlanByName(context.Background(), "growth")
	require.NoError(t, err)
	assert.Equal(t, 4, inner.calls, "both entries refetched after invalidation")
}

func TestCachedCatalogListActiveBypassesCache(t *testing.T) {
	inner := &countingCatalog{plan: &Plan{ID: 2, Name: "growth"}}
	cached := NewCachedCatalog(inner, 16, time.Minute)

	for i := 0; i < 2; i++ {
		_, err := cached.ListActive(context.Background())
		require.NoError(t, err)
	}
	assert.Equal(t, 2, inner.calls)
}
