// Package policy decides whether a user may start a given journey type.
package policy

import (
	"context"
	"fmt"

	"github.com/open-policy-agent/opa/rego"
)

// Engine evaluates the journey availability policy.
type Engine struct {
	query rego.PreparedEvalQuery
}

// JourneyInput describes the requested journey as configured.
type JourneyInput struct {
	Type         string   `json:"type"`
	Defined      bool     `json:"defined"`
	Available    bool     `json:"available"`
	Frameworks   []string `json:"frameworks"`
	AllowedUsers []string `json:"allowed_users"`
}

type Input struct {
	UserID  string       `json:"user_id"`
	Journey JourneyInput `json:"journey"`
}

type Decision struct {
	Allow  bool
	Reason string
}

// NewEngine compiles policyContent, which must define data.journeys.decision.
func NewEngine(ctx context.Context, policyContent string) (*Engine, error) {
	if policyContent == "" {
		policyContent = DefaultPolicy
	}
	r := rego.New(
		rego.Query("data.journeys.decision"),
		rego.Module("journeys.rego", policyContent),
	)
	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rego: %w", err)
	}
	return &Engine{query: query}, nil
}

func (e *Engine) Evaluate(ctx context.Context, in Input) (Decision, error) {
	if in.Journey.Frameworks == nil {
		in.Journey.Frameworks = []string{}
	}
	if in.Journey.AllowedUsers == nil {
		in.Journey.AllowedUsers = []string{}
	}
	results, err := e.query.Eval(ctx, rego.EvalInput(in))
	if err != nil {
		return Decision{}, fmt.Errorf("failed to evaluate policy: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return Decision{Reason: "policy produced no decision"}, nil
	}
	switch v := results[0].Expressions[0].Value.(type) {
	case bool:
		return Decision{Allow: v}, nil
	case map[string]interface{}:
		allow, _ := v["allow"].(bool)
		reason, _ := v["reason"].(string)
		return Decision{Allow: allow, Reason: reason}, nil
	}
	return Decision{Reason: "unexpected decision type"}, nil
}

// DefaultPolicy allows defined, available journeys. A non-empty
// allowed_users list restricts the journey to those users.
const DefaultPolicy = `
package journeys

default decision = {"allow": false, "reason": "journey type is not defined"}

decision = {"allow": false, "reason": "journey type is disabled"} {
	input.journey.defined
	not input.journey.available
}

decision = {"allow": false, "reason": "user may not start this journey"} {
	input.journey.defined
	input.journey.available
	not user_allowed
}

decision = {"allow": true, "reason": "available"} {
	input.journey.defined
	input.journey.available
	user_allowed
}

user_allowed {
	count(input.journey.allowed_users) == 0
}

user_allowed {
	input.journey.allowed_users[_] == input.user_id
}
`
