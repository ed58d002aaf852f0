// Package policy evaluates speaker eligibility through OPA rego policies.
package policy

import (
	"context"
	"fmt"

	"github.com/open-policy-agent/opa/rego"
)

// Decision values returned by the eligibility policy.
const (
	DecisionEligible   = "eligible"
	DecisionIneligible = "ineligible"
)

// EligibilityInput is the input document for the speaker policy. The
// requesting identity is passed in explicitly rather than read from ambient
// state so evaluation stays deterministic and testable.
type EligibilityInput struct {
	SpeakerID   string `json:"speaker_id"`
	Kind        string `json:"kind"`
	Active      bool   `json:"active"`
	Muted       bool   `json:"muted"`
	RequestedBy string `json:"requested_by,omitempty"`
}

// Engine is the OPA policy engine.
type Engine struct {
	query rego.PreparedEvalQuery
}

// NewEngine creates a new policy engine with the given policy content.
func NewEngine(ctx context.Context, policyContent string) (*Engine, error) {
	r := rego.New(
		rego.Query("data.speaker_policy.decision"),
		rego.Module("speaker_policy.rego", policyContent),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rego: %w", err)
	}

	return &Engine{query: query}, nil
}

// Evaluate checks whether the speaker may take the claimed turn.
// Returns the decision string; an empty result set defaults to eligible.
func (e *Engine) Evaluate(ctx context.Context, input EligibilityInput) (string, error) {
	results, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return "", fmt.Errorf("failed to evaluate policy: %w", err)
	}

	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return DecisionEligible, nil
	}

	if s, ok := results[0].Expressions[0].Value.(string); ok {
		return s, nil
	}
	return DecisionEligible, nil
}

// DefaultPolicy is the default eligibility policy: a speaker is eligible
// unless deactivated or muted.
const DefaultPolicy = `
package speaker_policy

import rego.v1

default decision := "eligible"

decision := "ineligible" if not input.active

decision := "ineligible" if input.muted
`
