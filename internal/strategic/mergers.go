package strategic

import (
	"sort"
	"strings"
	"sync"
)

// Merger copies the insight keys a framework owns from its result data into
// insights. It writes only those keys and overwrites any earlier value.
type Merger func(insights, data map[string]any)

// MergerSource resolves the merger registered for a framework name.
type MergerSource interface {
	Merger(name string) (Merger, bool)
}

// MergerMap is a static MergerSource.
type MergerMap map[string]Merger

func (m MergerMap) Merger(name string) (Merger, bool) {
	fn, ok := m[name]
	return fn, ok
}

// Fields builds a merger from insight key to the data keys accepted for it,
// first match wins.
func Fields(fields map[string][]string) Merger {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return func(insights, data map[string]any) {
		for _, key := range keys {
			for _, src := range fields[key] {
				if v, ok := data[src]; ok {
					insights[key] = v
					break
				}
			}
		}
	}
}

// Fallback stores the whole payload under name+"_data".
func Fallback(name string) Merger {
	return func(insights, data map[string]any) {
		insights[name+"_data"] = data
	}
}

var (
	defaultOnce    sync.Once
	defaultMergers MergerMap
)

// DefaultMergers returns the built-in insight layout per framework.
func DefaultMergers() MergerMap {
	defaultOnce.Do(func() {
		defaultMergers = MergerMap{
			"five_whys": Fields(map[string][]string{
				"rootCauses":            {"rootCauses", "root_causes"},
				"whysPath":              {"whysPath", "whys_path", "whys"},
				"strategicImplications": {"strategicImplications", "strategic_implications", "implications"},
			}),
			"bmc": Fields(map[string][]string{
				"bmcBlocks":          {"blocks", "bmcBlocks"},
				"bmcContradictions":  {"contradictions", "bmcContradictions"},
				"bmcRecommendations": {"recommendations", "bmcRecommendations"},
			}),
			"porters": Fields(map[string][]string{
				"portersForces":        {"forces", "portersForces"},
				"competitivePressures": {"competitivePressures", "competitive_pressures", "pressures"},
			}),
			"pestle": Fields(map[string][]string{
				"trendFactors": {"trendFactors", "trend_factors", "factors"},
				"macroTrends":  {"macroTrends", "macro_trends", "trends"},
			}),
			"swot": Fields(map[string][]string{
				"swotStrengths":     {"strengths", "swotStrengths"},
				"swotWeaknesses":    {"weaknesses", "swotWeaknesses"},
				"swotOpportunities": {"opportunities", "swotOpportunities"},
				"swotThreats":       {"threats", "swotThreats"},
			}),
			"ansoff": Fields(map[string][]string{
				"growthOptions":         {"growthOptions", "growth_options", "options"},
				"recommendedGrowthPath": {"recommendedGrowthPath", "recommended_growth_path", "recommendation"},
			}),
			"blue_ocean": Fields(map[string][]string{
				"valueInnovations":           {"valueInnovations", "value_innovations", "innovations"},
				"eliminateReduceRaiseCreate": {"eliminateReduceRaiseCreate", "errc", "fourActions"},
			}),
		}
	})
	return defaultMergers
}

// StringList flattens v into strings. It accepts strings, string slices and
// lists of objects carrying a text-like field.
func StringList(v any) []string {
	switch t := v.(type) {
	case nil:
		return nil
	case string:
		if s := strings.TrimSpace(t); s != "" {
			return []string{s}
		}
		return nil
	case []string:
		out := make([]string, 0, len(t))
		for _, s := range t {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
		return out
	case []any:
		var out []string
		for _, item := range t {
			out = append(out, StringList(item)...)
		}
		return out
	case map[string]any:
		for _, k := range []string{"text", "description", "title", "name", "summary"} {
			if s, ok := t[k].(string); ok && strings.TrimSpace(s) != "" {
				return []string{strings.TrimSpace(s)}
			}
		}
	}
	return nil
}
