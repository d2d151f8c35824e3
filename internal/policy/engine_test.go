package policy_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"journeyline/internal/policy"
)

func TestDefaultPolicy(t *testing.T) {
	ctx := context.Background()
	engine, err := policy.NewEngine(ctx, "")
	require.NoError(t, err)

	cases := []struct {
		name   string
		input  policy.Input
		allow  bool
		reason string
	}{
		{
			name:   "undefined",
			input:  policy.Input{UserID: "alice", Journey: policy.JourneyInput{Type: "nope"}},
			reason: "journey type is not defined",
		},
		{
			name:   "disabled",
			input:  policy.Input{UserID: "alice", Journey: policy.JourneyInput{Type: "growth", Defined: true}},
			reason: "journey type is disabled",
		},
		{
			name:   "open to everyone",
			input:  policy.Input{UserID: "alice", Journey: policy.JourneyInput{Type: "growth", Defined: true, Available: true}},
			allow:  true,
			reason: "available",
		},
		{
			name: "restricted and listed",
			input: policy.Input{UserID: "alice", Journey: policy.JourneyInput{
				Type: "growth", Defined: true, Available: true, AllowedUsers: []string{"bob", "alice"},
			}},
			allow:  true,
			reason: "available",
		},
		{
			name: "restricted and not listed",
			input: policy.Input{UserID: "mallory", Journey: policy.JourneyInput{
				Type: "growth", Defined: true, Available: true, AllowedUsers: []string{"alice"},
			}},
			reason: "user may not start this journey",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d, err := engine.Evaluate(ctx, tc.input)
			require.NoError(t, err)
			assert.Equal(t, tc.allow, d.Allow)
			assert.Equal(t, tc.reason, d.Reason)
		})
	}
}

func TestCustomPolicy(t *testing.T) {
	ctx := context.Background()
	engine, err := policy.NewEngine(ctx, `
package journeys

default decision = false

decision = true {
	input.journey.type == "always"
}
`)
	require.NoError(t, err)
	d, err := engine.Evaluate(ctx, policy.Input{Journey: policy.JourneyInput{Type: "always"}})
	require.NoError(t, err)
	assert.True(t, d.Allow)
	d, err = engine.Evaluate(ctx, policy.Input{Journey: policy.JourneyInput{Type: "other"}})
	require.NoError(t, err)
	assert.False(t, d.Allow)
}

func TestInvalidPolicy(t *testing.T) {
	_, err := policy.NewEngine(context.Background(), "package journeys\n decision = {")
	assert.Error(t, err)
}
