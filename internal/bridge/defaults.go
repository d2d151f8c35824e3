package bridge

import (
	"sort"

	"journeyline/internal/domain"
	"journeyline/internal/strategic"
)

// Default returns a table holding the built-in bridges.
func Default() *Table {
	t := NewTable()
	t.MustRegister("five_whys", "bmc", inject("bmcDesignConstraints", designConstraints))
	t.MustRegister("pestle", "porters", inject("portersMarketContext", marketContext))
	t.MustRegister("porters", "swot", inject("swotExternalFactors", externalFactors))
	t.MustRegister("swot", "bmc", inject("bmcStrategicPriorities", strategicPriorities))
	t.MustRegister("pestle", "swot", inject("swotMacroSignals", macroSignals))
	return t
}

func inject(key string, derive func(map[string]any) any) Transform {
	return func(c domain.StrategicContext) domain.StrategicContext {
		c.Insights[key] = derive(c.Insights)
		return c
	}
}

func prefixed(prefix string, items []string) []string {
	out := make([]string, 0, len(items))
	for _, s := range items {
		out = append(out, prefix+s)
	}
	return out
}

// designConstraints turns root causes into constraints the business model
// has to respect.
func designConstraints(in map[string]any) any {
	out := prefixed("Address root cause: ", strategic.StringList(in["rootCauses"]))
	return append(out, prefixed("Respect implication: ", strategic.StringList(in["strategicImplications"]))...)
}

func marketContext(in map[string]any) any {
	return map[string]any{
		"macroTrends":  nonNil(strategic.StringList(in["macroTrends"])),
		"trendFactors": labelled(in["trendFactors"]),
	}
}

func externalFactors(in map[string]any) any {
	return map[string]any{
		"forces":    labelled(in["portersForces"]),
		"pressures": nonNil(strategic.StringList(in["competitivePressures"])),
	}
}

func strategicPriorities(in map[string]any) any {
	out := prefixed("Leverage: ", strategic.StringList(in["swotStrengths"]))
	out = append(out, prefixed("Fix: ", strategic.StringList(in["swotWeaknesses"]))...)
	out = append(out, prefixed("Pursue: ", strategic.StringList(in["swotOpportunities"]))...)
	return append(out, prefixed("Defend against: ", strategic.StringList(in["swotThreats"]))...)
}

func macroSignals(in map[string]any) any {
	return map[string]any{
		"trends":  nonNil(strategic.StringList(in["macroTrends"])),
		"factors": labelled(in["trendFactors"]),
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// labelled flattens an object of lists into "key: item" strings. Other
// shapes are flattened as plain lists.
func labelled(v any) []string {
	m, ok := v.(map[string]any)
	if !ok {
		return nonNil(strategic.StringList(v))
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := []string{}
	for _, k := range keys {
		for _, s := range strategic.StringList(m[k]) {
			out = append(out, k+": "+s)
		}
	}
	return out
}
