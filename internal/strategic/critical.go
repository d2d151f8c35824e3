package strategic

import (
	"sort"
	"strings"

	"journeyline/internal/domain"
)

var (
	riskWords        = []string{"risk", "threat", "weak", "declin", "churn", "vulnerab", "depend", "rival", "substitut", "regulat"}
	opportunityWords = []string{"opportunit", "growth", "emerging", "untapped", "expand", "demand", "innovat", "leverage", "strength"}
	constraintWords  = []string{"constraint", "limit", "budget", "cannot", "must", "require", "legacy", "shortage", "compliance"}
)

// SynthesizeCriticalItems classifies the string insights of c into risks,
// opportunities and constraints. The insight key is checked first, then the
// text of each item. It does not modify c.
func SynthesizeCriticalItems(c domain.StrategicContext) domain.CriticalItems {
	items := domain.CriticalItems{Risks: []string{}, Opportunities: []string{}, Constraints: []string{}}
	seen := map[string]bool{}
	add := func(list *[]string, s string) {
		key := strings.ToLower(s)
		if seen[key] {
			return
		}
		seen[key] = true
		*list = append(*list, s)
	}

	keys := make([]string, 0, len(c.Insights))
	for k := range c.Insights {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		groups := flatten(key, c.Insights[key], 0)
		labels := make([]string, 0, len(groups))
		for l := range groups {
			labels = append(labels, l)
		}
		sort.Strings(labels)
		for _, label := range labels {
			for _, s := range groups[label] {
				switch {
				case matches(label, constraintWords) || matches(s, constraintWords):
					add(&items.Constraints, s)
				case matches(label, riskWords) || matches(s, riskWords):
					add(&items.Risks, s)
				case matches(label, opportunityWords) || matches(s, opportunityWords):
					add(&items.Opportunities, s)
				}
			}
		}
	}
	return items
}

// flatten maps a key path to its string items, descending one level of
// nested objects.
func flatten(label string, v any, depth int) map[string][]string {
	out := map[string][]string{}
	if m, ok := v.(map[string]any); ok && depth < 1 {
		for k, inner := range m {
			for l, s := range flatten(label+"."+k, inner, depth+1) {
				out[l] = append(out[l], s...)
			}
		}
		return out
	}
	if list := StringList(v); len(list) > 0 {
		out[label] = list
	}
	return out
}

func matches(s string, words []string) bool {
	s = strings.ToLower(s)
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}
