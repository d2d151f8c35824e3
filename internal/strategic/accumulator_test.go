package strategic_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"journeyline/internal/domain"
	"journeyline/internal/strategic"
)

func fixedAccumulator() strategic.Accumulator {
	acc := strategic.New()
	acc.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	return acc
}

func TestInitializeContext(t *testing.T) {
	acc := fixedAccumulator()
	c := acc.InitializeContext(domain.Understanding{ID: "u-1", UserInput: "Launch a meal kit"}, "s-1", "business_model_innovation")
	assert.Equal(t, "u-1", c.UnderstandingID)
	assert.Equal(t, "s-1", c.SessionID)
	assert.Equal(t, "Launch a meal kit", c.UserInput)
	assert.Equal(t, 0, c.CurrentFrameworkIndex)
	assert.Empty(t, c.CompletedFrameworks)
	assert.Empty(t, c.Insights)
	assert.Equal(t, domain.ContextInitializing, c.Status)
	assert.Equal(t, "2024-01-01T00:00:00.000Z", c.CreatedAt)
}

func TestAddFrameworkResultAdvancesByOneAndDoesNotMutateInput(t *testing.T) {
	acc := fixedAccumulator()
	c0 := acc.InitializeContext(domain.Understanding{ID: "u-1"}, "s-1", "j")
	c1 := acc.AddFrameworkResult(c0, domain.FrameworkResult{
		FrameworkName: "five_whys",
		Data:          map[string]any{"rootCauses": []any{"no repeat buyers"}, "whysPath": []any{"why 1"}, "ignored": true},
	})
	assert.Equal(t, 0, c0.CurrentFrameworkIndex)
	assert.Empty(t, c0.Insights)
	assert.Empty(t, c0.CompletedFrameworks)

	assert.Equal(t, 1, c1.CurrentFrameworkIndex)
	assert.Equal(t, []string{"five_whys"}, c1.CompletedFrameworks)
	assert.Equal(t, []any{"no repeat buyers"}, c1.Insights["rootCauses"])
	assert.Contains(t, c1.Insights, "whysPath")
	assert.NotContains(t, c1.Insights, "ignored")
	assert.Equal(t, domain.ContextInProgress, c1.Status)
}

func TestMergeOverwritesAtKeyAndKeepsOtherKeys(t *testing.T) {
	acc := fixedAccumulator()
	c := acc.InitializeContext(domain.Understanding{ID: "u-1"}, "s-1", "j")
	c = acc.AddFrameworkResult(c, domain.FrameworkResult{FrameworkName: "swot", Data: map[string]any{
		"strengths": []any{"brand"}, "threats": []any{"price war"},
	}})
	c = acc.AddFrameworkResult(c, domain.FrameworkResult{FrameworkName: "swot", Data: map[string]any{
		"strengths": []any{"logistics"},
	}})
	assert.Equal(t, []any{"logistics"}, c.Insights["swotStrengths"])
	assert.Equal(t, []any{"price war"}, c.Insights["swotThreats"])
	assert.Equal(t, []string{"swot", "swot"}, c.CompletedFrameworks)
	assert.Equal(t, 2, c.CurrentFrameworkIndex)
}

func TestUnknownFrameworkFallsBackToDataKey(t *testing.T) {
	acc := fixedAccumulator()
	c := acc.InitializeContext(domain.Understanding{ID: "u-1"}, "s-1", "j")
	data := map[string]any{"score": 7.0}
	c = acc.AddFrameworkResult(c, domain.FrameworkResult{FrameworkName: "okr", Data: data})
	assert.Equal(t, data, c.Insights["okr_data"])
}

func TestFailedResultStillAdvances(t *testing.T) {
	acc := fixedAccumulator()
	c := acc.InitializeContext(domain.Understanding{ID: "u-1"}, "s-1", "j")
	c = acc.AddFrameworkResult(c, domain.FrameworkResult{FrameworkName: "bmc", Errors: []string{"executor timeout"}})
	assert.Equal(t, 1, c.CurrentFrameworkIndex)
	assert.Equal(t, []string{"bmc"}, c.CompletedFrameworks)
	assert.Empty(t, c.Insights)
}

func TestCustomMergerSource(t *testing.T) {
	acc := fixedAccumulator()
	acc.Mergers = strategic.MergerMap{"okr": strategic.Fields(map[string][]string{"objectives": {"objectives"}})}
	c := acc.InitializeContext(domain.Understanding{ID: "u-1"}, "s-1", "j")
	c = acc.AddFrameworkResult(c, domain.FrameworkResult{FrameworkName: "okr", Data: map[string]any{"objectives": []any{"grow"}}})
	assert.Equal(t, []any{"grow"}, c.Insights["objectives"])
	// Names missing from a custom source fall back as well.
	c = acc.AddFrameworkResult(c, domain.FrameworkResult{FrameworkName: "five_whys", Data: map[string]any{"rootCauses": "x"}})
	assert.Contains(t, c.Insights, "five_whys_data")
}

func TestAddMarketResearchConcatenates(t *testing.T) {
	acc := fixedAccumulator()
	c := acc.InitializeContext(domain.Understanding{ID: "u-1"}, "s-1", "j")
	c1 := acc.AddMarketResearch(c, domain.MarketResearch{
		Findings: []domain.ResearchFinding{{Fact: "market grows 8%"}},
		Sources:  []domain.ResearchSource{{URL: "https://example.com/a"}},
	})
	c2 := acc.AddMarketResearch(c1, domain.MarketResearch{
		Findings:       []domain.ResearchFinding{{Fact: "two incumbents"}},
		Contradictions: []string{"growth estimates differ"},
	})
	require.NotNil(t, c2.MarketResearch)
	assert.Len(t, c2.MarketResearch.Findings, 2)
	assert.Len(t, c2.MarketResearch.Sources, 1)
	assert.Equal(t, []string{"growth estimates differ"}, c2.MarketResearch.Contradictions)
	assert.Len(t, c1.MarketResearch.Findings, 1)
	assert.Nil(t, c.MarketResearch)
}

func TestFinalizeContext(t *testing.T) {
	acc := fixedAccumulator()
	c := acc.InitializeContext(domain.Understanding{ID: "u-1"}, "s-1", "j")
	decisions := []domain.Decision{{ID: "d-1", Topic: "pricing", Decision: "subscription"}}
	f := acc.FinalizeContext(c, decisions)
	assert.Equal(t, domain.ContextCompleted, f.Status)
	assert.Equal(t, decisions, f.Decisions)
	assert.Equal(t, domain.ContextInitializing, c.Status)
}

func TestSynthesizeCriticalItems(t *testing.T) {
	c := domain.StrategicContext{Insights: map[string]any{
		"swotThreats":          []any{"Price war with incumbents"},
		"swotOpportunities":    []any{"Corporate catering"},
		"bmcDesignConstraints": []string{"Address root cause: thin margins"},
		"portersForces":        map[string]any{"rivalry": []any{"High rivalry in urban markets"}},
		"whysPath":             []any{"customers leave after trial"},
	}}
	items := strategic.SynthesizeCriticalItems(c)
	assert.Equal(t, []string{"Address root cause: thin margins"}, items.Constraints)
	assert.ElementsMatch(t, []string{"Price war with incumbents", "High rivalry in urban markets"}, items.Risks)
	assert.Equal(t, []string{"Corporate catering"}, items.Opportunities)
	assert.Len(t, c.Insights, 5)
}

func TestStringList(t *testing.T) {
	assert.Equal(t, []string{"a", "b", "c"}, strategic.StringList([]any{"a", map[string]any{"description": "b"}, []string{"c", " "}}))
	assert.Nil(t, strategic.StringList(42))
}
