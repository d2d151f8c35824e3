// Package strategic builds the context threaded through a journey. Every
// function returns a new value and leaves its inputs untouched.
package strategic

import (
	"maps"
	"slices"
	"time"

	"journeyline/internal/domain"
)

type Accumulator struct {
	Now     func() time.Time
	Mergers MergerSource
}

func New() Accumulator {
	return Accumulator{Now: time.Now, Mergers: DefaultMergers()}
}

func (a Accumulator) now() string {
	if a.Now == nil {
		return domain.FormatTime(time.Now())
	}
	return domain.FormatTime(a.Now())
}

func (a Accumulator) merger(name string) Merger {
	src := a.Mergers
	if src == nil {
		src = DefaultMergers()
	}
	if fn, ok := src.Merger(name); ok && fn != nil {
		return fn
	}
	return Fallback(name)
}

// InitializeContext starts an empty context for a new session.
func (a Accumulator) InitializeContext(u domain.Understanding, sessionID, journeyType string) domain.StrategicContext {
	ts := a.now()
	return domain.StrategicContext{
		UnderstandingID:     u.ID,
		SessionID:           sessionID,
		UserInput:           u.UserInput,
		JourneyType:         journeyType,
		CompletedFrameworks: []string{},
		Insights:            map[string]any{},
		Status:              domain.ContextInitializing,
		CreatedAt:           ts,
		UpdatedAt:           ts,
	}
}

// AddFrameworkResult advances the context by one step. Results carrying
// errors still advance; whatever data they hold is merged.
func (a Accumulator) AddFrameworkResult(c domain.StrategicContext, r domain.FrameworkResult) domain.StrategicContext {
	out := Clone(c)
	out.CurrentFrameworkIndex = c.CurrentFrameworkIndex + 1
	out.CompletedFrameworks = append(out.CompletedFrameworks, r.FrameworkName)
	if len(r.Data) > 0 {
		a.merger(r.FrameworkName)(out.Insights, r.Data)
	}
	out.Status = domain.ContextInProgress
	out.UpdatedAt = a.now()
	return out
}

// AddMarketResearch appends findings, sources and contradictions.
func (a Accumulator) AddMarketResearch(c domain.StrategicContext, research domain.MarketResearch) domain.StrategicContext {
	out := Clone(c)
	merged := domain.MarketResearch{}
	if c.MarketResearch != nil {
		merged.Findings = slices.Clone(c.MarketResearch.Findings)
		merged.Sources = slices.Clone(c.MarketResearch.Sources)
		merged.Contradictions = slices.Clone(c.MarketResearch.Contradictions)
	}
	merged.Findings = append(merged.Findings, research.Findings...)
	merged.Sources = append(merged.Sources, research.Sources...)
	merged.Contradictions = append(merged.Contradictions, research.Contradictions...)
	out.MarketResearch = &merged
	out.UpdatedAt = a.now()
	return out
}

// FinalizeContext records the decisions and marks the context completed.
func (a Accumulator) FinalizeContext(c domain.StrategicContext, decisions []domain.Decision) domain.StrategicContext {
	out := Clone(c)
	if decisions != nil {
		out.Decisions = slices.Clone(decisions)
	}
	out.Status = domain.ContextCompleted
	out.UpdatedAt = a.now()
	return out
}

// Clone copies the containers of c. Insight values are shared since merges
// only ever replace them.
func Clone(c domain.StrategicContext) domain.StrategicContext {
	out := c
	out.CompletedFrameworks = append([]string{}, c.CompletedFrameworks...)
	out.Insights = make(map[string]any, len(c.Insights))
	maps.Copy(out.Insights, c.Insights)
	out.Decisions = slices.Clone(c.Decisions)
	out.BridgedKeys = slices.Clone(c.BridgedKeys)
	if c.MarketResearch != nil {
		mr := *c.MarketResearch
		mr.Findings = slices.Clone(mr.Findings)
		mr.Sources = slices.Clone(mr.Sources)
		mr.Contradictions = slices.Clone(mr.Contradictions)
		out.MarketResearch = &mr
	}
	return out
}
