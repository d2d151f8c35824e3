package bridge_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"journeyline/internal/bridge"
	"journeyline/internal/domain"
)

func TestDefaultPairs(t *testing.T) {
	pairs := bridge.Default().Pairs()
	assert.Equal(t, []bridge.Pair{
		{From: "five_whys", To: "bmc"},
		{From: "pestle", To: "porters"},
		{From: "pestle", To: "swot"},
		{From: "porters", To: "swot"},
		{From: "swot", To: "bmc"},
	}, pairs)
}

func TestFiveWhysToBMCInjectsDesignConstraints(t *testing.T) {
	c := domain.StrategicContext{Insights: map[string]any{
		"rootCauses":            []any{"thin margins"},
		"strategicImplications": []any{"price for retention"},
	}}
	out, added := bridge.Default().Apply("five_whys", "bmc", c)
	assert.Equal(t, []string{"bmcDesignConstraints"}, added)
	assert.Equal(t, []string{"Address root cause: thin margins", "Respect implication: price for retention"}, out.Insights["bmcDesignConstraints"])
	assert.NotContains(t, c.Insights, "bmcDesignConstraints")
	assert.Equal(t, c.Insights["rootCauses"], out.Insights["rootCauses"])
}

func TestApplyWithoutBridgeIsIdentity(t *testing.T) {
	c := domain.StrategicContext{Insights: map[string]any{"x": 1}}
	out, added := bridge.Default().Apply("bmc", "five_whys", c)
	assert.Empty(t, added)
	assert.Equal(t, c, out)
}

func TestApplyNeverOverwritesExistingInsights(t *testing.T) {
	table := bridge.NewTable()
	require.NoError(t, table.Register("a", "b", func(c domain.StrategicContext) domain.StrategicContext {
		c.Insights["rootCauses"] = "clobbered"
		delete(c.Insights, "whysPath")
		c.Insights["fresh"] = true
		c.CurrentFrameworkIndex = 99
		return c
	}))
	c := domain.StrategicContext{CurrentFrameworkIndex: 1, Insights: map[string]any{"rootCauses": "kept", "whysPath": "kept"}}
	out, added := table.Apply("a", "b", c)
	assert.Equal(t, []string{"fresh"}, added)
	assert.Equal(t, "kept", out.Insights["rootCauses"])
	assert.Equal(t, "kept", out.Insights["whysPath"])
	assert.Equal(t, true, out.Insights["fresh"])
	assert.Equal(t, 1, out.CurrentFrameworkIndex)
	assert.Len(t, c.Insights, 2)
}

func TestApplyRefreshesEarlierBridgeOutput(t *testing.T) {
	table := bridge.Default()
	c := domain.StrategicContext{Insights: map[string]any{"rootCauses": []any{"thin margins"}}}
	c, added := table.Apply("five_whys", "bmc", c)
	assert.Equal(t, []string{"bmcDesignConstraints"}, added)
	assert.Equal(t, []string{"bmcDesignConstraints"}, c.BridgedKeys)

	// The pair runs again later in the journey with new root causes.
	c.Insights["rootCauses"] = []any{"slow delivery"}
	out, written := table.Apply("five_whys", "bmc", c)
	assert.Equal(t, []string{"bmcDesignConstraints"}, written)
	assert.Equal(t, []string{"Address root cause: slow delivery"}, out.Insights["bmcDesignConstraints"])
	assert.Equal(t, []string{"bmcDesignConstraints"}, out.BridgedKeys)
	assert.Equal(t, []string{"Address root cause: thin margins"}, c.Insights["bmcDesignConstraints"])
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	table := bridge.NewTable()
	noop := func(c domain.StrategicContext) domain.StrategicContext { return c }
	require.NoError(t, table.Register("a", "b", noop))
	assert.Error(t, table.Register("a", "b", noop))
	assert.Error(t, table.Register("", "b", noop))
	assert.Error(t, table.Register("a", "c", nil))
}

func TestPortersToSWOTLabelsForces(t *testing.T) {
	c := domain.StrategicContext{Insights: map[string]any{
		"portersForces":        map[string]any{"rivalry": []any{"high"}, "buyers": []any{"price sensitive"}},
		"competitivePressures": []any{"discounting"},
	}}
	out, _ := bridge.Default().Apply("porters", "swot", c)
	assert.Equal(t, map[string]any{
		"forces":    []string{"buyers: price sensitive", "rivalry: high"},
		"pressures": []string{"discounting"},
	}, out.Insights["swotExternalFactors"])
}
