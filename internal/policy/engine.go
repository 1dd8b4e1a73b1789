// Package policy evaluates the session archive policy with OPA.
package policy

import (
	"context"
	"fmt"
	"os"

	"github.com/open-policy-agent/opa/rego"

	"github.com/xiaot623/gogo/sessionsync/internal/domain"
)

const (
	DecisionArchive = "archive"
	DecisionKeep    = "keep"
)

// Engine is the OPA policy engine.
type Engine struct {
	query rego.PreparedEvalQuery
}

// NewEngine creates a new policy engine with the given policy content.
func NewEngine(ctx context.Context, policyContent string) (*Engine, error) {
	r := rego.New(
		rego.Query("data.archive_policy.decision"),
		rego.Module("archive_policy.rego", policyContent),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rego: %w", err)
	}

	return &Engine{query: query}, nil
}

// NewEngineFromFile loads the policy module from path, or the default policy
// when path is empty.
func NewEngineFromFile(ctx context.Context, path string) (*Engine, error) {
	if path == "" {
		return NewEngine(ctx, DefaultPolicy)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}
	return NewEngine(ctx, string(content))
}

// Input is the document the archive policy is evaluated against.
type Input struct {
	SessionType string `json:"session_type"`
	Idle        bool   `json:"idle"`
	Explicit    bool   `json:"explicit"`
}

// Evaluate returns the decision for input: "archive" or "keep".
func (e *Engine) Evaluate(ctx context.Context, input Input) (string, error) {
	results, err := e.query.Eval(ctx, rego.EvalInput(map[string]interface{}{
		"session_type": input.SessionType,
		"idle":         input.Idle,
		"explicit":     input.Explicit,
	}))
	if err != nil {
		return "", fmt.Errorf("failed to evaluate policy: %w", err)
	}

	// The policy declares a default, so no result means a broken module.
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return DecisionKeep, nil
	}

	if s, ok := results[0].Expressions[0].Value.(string); ok {
		return s, nil
	}
	return DecisionKeep, nil
}

// ShouldArchive reports whether a session of the given type should be
// archived now. idle is the completion detector's verdict, explicit marks an
// end-of-session action from the ticket integration.
func (e *Engine) ShouldArchive(ctx context.Context, sessionType domain.SessionType, idle, explicit bool) (bool, error) {
	decision, err := e.Evaluate(ctx, Input{
		SessionType: string(sessionType),
		Idle:        idle,
		Explicit:    explicit,
	})
	if err != nil {
		return false, err
	}
	return decision == DecisionArchive, nil
}

// DefaultPolicy archives ask sessions as soon as they go idle. Chat and admin
// sessions sit idle between user turns and are only archived on an explicit
// end-of-session action.
const DefaultPolicy = `
package archive_policy

default decision = "keep"

decision = "archive" {
	input.explicit
}

decision = "archive" {
	input.idle
	input.session_type == "ask"
}
`
