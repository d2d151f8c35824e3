package framework

import (
	"context"
	"fmt"
	"strings"

	"journeyline/internal/domain"
	"journeyline/internal/strategic"
)

// LocalExecutor produces deterministic framework output from the user input
// and the insights gathered so far. It backs offline runs and tests.
type LocalExecutor struct{}

func (LocalExecutor) Execute(ctx context.Context, name string, c domain.StrategicContext) (map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	topic := subject(c.UserInput)
	switch name {
	case "five_whys":
		return map[string]any{
			"whysPath": []any{
				"Why is " + topic + " underperforming? Customers do not return.",
				"Why do customers not return? The offer is not differentiated.",
				"Why is it not differentiated? Positioning was never validated.",
			},
			"rootCauses":            []any{"Unvalidated positioning for " + topic},
			"strategicImplications": []any{"Validate the value proposition before scaling " + topic},
		}, nil
	case "bmc":
		blocks := map[string]any{
			"valuePropositions": []any{"Differentiated " + topic},
			"customerSegments":  []any{"Early adopters"},
			"channels":          []any{"Direct online"},
			"revenueStreams":    []any{"Subscription"},
		}
		recs := []any{"Prototype the core offer for " + topic}
		for _, s := range strategic.StringList(c.Insights["bmcDesignConstraints"]) {
			recs = append(recs, "Design around: "+s)
		}
		return map[string]any{"blocks": blocks, "contradictions": []any{}, "recommendations": recs}, nil
	case "porters":
		return map[string]any{
			"forces": map[string]any{
				"rivalry":       []any{"Moderate rivalry around " + topic},
				"newEntrants":   []any{"Low barriers to entry"},
				"buyerPower":    []any{"Price sensitive buyers"},
				"supplierPower": []any{"Few specialised suppliers"},
				"substitutes":   []any{"Do-it-yourself alternatives"},
			},
			"competitivePressures": []any{"Discounting by incumbents"},
		}, nil
	case "pestle":
		return map[string]any{
			"trendFactors": map[string]any{
				"political":     []any{"Stable policy outlook"},
				"economic":      []any{"Tight consumer budgets"},
				"social":        []any{"Growing demand for convenience"},
				"technological": []any{"Cheap automation tooling"},
				"legal":         []any{"Data protection compliance required"},
				"environmental": []any{"Packaging waste scrutiny"},
			},
			"macroTrends": []any{"Convenience economy growth"},
		}, nil
	case "swot":
		return map[string]any{
			"strengths":     []any{"Focused offer for " + topic},
			"weaknesses":    []any{"Limited brand awareness"},
			"opportunities": []any{"Emerging online channels"},
			"threats":       []any{"Incumbent price war"},
		}, nil
	case "ansoff":
		return map[string]any{
			"growthOptions":         []any{"Market penetration", "Product development"},
			"recommendedGrowthPath": "Market penetration for " + topic,
		}, nil
	case "blue_ocean":
		return map[string]any{
			"valueInnovations": []any{"Bundle service with " + topic},
			"eliminateReduceRaiseCreate": map[string]any{
				"eliminate": []any{"Long contracts"},
				"reduce":    []any{"Onboarding time"},
				"raise":     []any{"Personalisation"},
				"create":    []any{"Community features"},
			},
		}, nil
	}
	return map[string]any{"summary": fmt.Sprintf("%s applied to %s", name, topic)}, nil
}

func subject(input string) string {
	words := strings.Fields(input)
	if len(words) == 0 {
		return "the business"
	}
	if len(words) > 6 {
		words = words[:6]
	}
	return strings.Join(words, " ")
}
