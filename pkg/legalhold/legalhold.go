// Package legalhold marks steps as held rather than deleted when a
// jurisdiction's hold rules apply. Held steps satisfy phase checkpoints but
// surface as exceptions in the certificate of destruction. Hold-rule
// conditions are CEL expressions evaluated against workflow attributes.
package legalhold

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/Debjyoti-19/ghostprotocol/pkg/contracts"
	"github.com/Debjyoti-19/ghostprotocol/pkg/policy"
	"github.com/Debjyoti-19/ghostprotocol/pkg/workflow"
)

// Manager applies and evaluates legal holds.
type Manager struct {
	workflows *workflow.Manager
	env       *cel.Env
	logger    *slog.Logger
	now       func() time.Time
}

// NewManager builds the hold manager. The CEL environment exposes the
// workflow attributes hold rules may reference.
func NewManager(workflows *workflow.Manager) (*Manager, error) {
	env, err := cel.NewEnv(
		cel.Variable("jurisdiction", cel.StringType),
		cel.Variable("user_id", cel.StringType),
		cel.Variable("system", cel.StringType),
		cel.Variable("phase", cel.StringType),
		cel.Variable("reason", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("legalhold: build cel env: %w", err)
	}
	return &Manager{
		workflows: workflows,
		env:       env,
		logger:    slog.Default().With("component", "legalhold"),
		now:       func() time.Time { return time.Now().UTC() },
	}, nil
}

// WithClock overrides the manager's clock. Test hook.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// ApplyHold sets a step to LEGAL_HOLD, recording reason and expiry. The
// attempt counter is left untouched.
func (m *Manager) ApplyHold(ctx context.Context, workflowID, stepName string, conditions []string, maxDurationDays int) (*contracts.Workflow, error) {
	now := m.now()
	status := contracts.StepLegalHold
	return m.workflows.UpdateStep(ctx, workflowID, stepName, workflow.StepPatch{
		Status: &status,
		Evidence: &contracts.Evidence{
			Timestamp: now,
			Hold: &contracts.HoldEvidence{
				Reason:     "legal hold per jurisdictional policy",
				Conditions: conditions,
				AppliedAt:  now,
				ExpiresAt:  now.AddDate(0, 0, maxDurationDays),
			},
		},
	})
}

// RuleApplies evaluates a hold rule's conditions against a workflow and
// step. Every condition must hold. Rules that fail to compile are skipped
// with a warning so a bad expression cannot block deletions.
func (m *Manager) RuleApplies(wf *contracts.Workflow, rule policy.HoldRule, stepName string) bool {
	if rule.System != stepName {
		return false
	}
	activation := map[string]any{
		"jurisdiction": string(wf.Jurisdiction),
		"user_id":      wf.User.UserID,
		"system":       stepName,
		"phase":        string(wf.Phase),
		"reason":       wf.Reason,
	}
	for _, cond := range rule.Conditions {
		ast, iss := m.env.Compile(cond)
		if iss != nil && iss.Err() != nil {
			m.logger.Warn("skipping uncompilable hold condition",
				"condition", cond, "error", iss.Err())
			return false
		}
		prg, err := m.env.Program(ast)
		if err != nil {
			m.logger.Warn("skipping unprogrammable hold condition",
				"condition", cond, "error", err)
			return false
		}
		out, _, err := prg.Eval(activation)
		if err != nil {
			m.logger.Warn("hold condition evaluation failed",
				"condition", cond, "error", err)
			return false
		}
		b, ok := out.Value().(bool)
		if !ok || !b {
			return false
		}
	}
	return len(rule.Conditions) > 0
}
