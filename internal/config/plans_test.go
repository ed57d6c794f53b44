package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func writePlans(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "plans.yml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestPlanCatalogFromFile(t *testing.T) {
	path := writePlans(t, `
plans:
  prices:
    tier1: price_basic
    tier2: price_pro
`)

	holder, err := NewPlanCatalogHolder(Config{PlansFile: path}, zaptest.NewLogger(t))
	require.NoError(t, err)

	catalog := holder.Get()
	price, ok := catalog.PriceFor("TIER2")
	require.True(t, ok)
	assert.Equal(t, "price_pro", price)

	plan, ok := catalog.PlanFor("price_basic")
	require.True(t, ok)
	assert.Equal(t, "tier1", plan)

	_, ok = catalog.PriceFor("tier3")
	assert.False(t, ok)
	_, ok = catalog.PlanFor("price_unknown")
	assert.False(t, ok)
}

func TestPlanCatalogEnvOverride(t *testing.T) {
	t.Setenv("BILLINGSYNC_PLANS_PRICES_TIER1", "price_env")

	holder, err := NewPlanCatalogHolder(Config{}, zaptest.NewLogger(t))
	require.NoError(t, err)

	price, ok := holder.Get().PriceFor("tier1")
	require.True(t, ok)
	assert.Equal(t, "price_env", price)
}

func TestPlanCatalogRejectsDuplicatePrice(t *testing.T) {
	path := writePlans(t, `
plans:
  prices:
    tier1: price_same
    tier2: price_same
`)

	_, err := NewPlanCatalogHolder(Config{PlansFile: path}, zaptest.NewLogger(t))
	assert.Error(t, err)
}

func TestStaticPlanCatalogNormalizes(t *testing.T) {
	holder := NewStaticPlanCatalogHolder(PlanCatalog{Prices: map[string]string{
		" Tier3 ": " price_enterprise ",
		"tier1":   "",
	}})

	price, ok := holder.Get().PriceFor("tier3")
	require.True(t, ok)
	assert.Equal(t, "price_enterprise", price)
	_, ok = holder.Get().PriceFor("tier1")
	assert.False(t, ok)

	var nilHolder *PlanCatalogHolder
	assert.Empty(t, nilHolder.Get().Prices)
}
