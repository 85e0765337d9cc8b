package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Debjyoti-19/ghostprotocol/pkg/bus"
	"github.com/Debjyoti-19/ghostprotocol/pkg/connector"
	"github.com/Debjyoti-19/ghostprotocol/pkg/contracts"
	"github.com/Debjyoti-19/ghostprotocol/pkg/monitor"
	"github.com/Debjyoti-19/ghostprotocol/pkg/policy"
	"github.com/Debjyoti-19/ghostprotocol/pkg/workflow"
)

// defaultHoldDays bounds a hold the connector reported without a matching
// policy rule.
const defaultHoldDays = 3650

// deletionHandler builds the executor for one system's deletion topic.
//
// A handler error triggers dispatcher redelivery with attempt+1; the step
// stays IN_PROGRESS across retries and is finalized as FAILED by the
// dead-letter hook once the budget is spent.
func (o *Orchestrator) deletionHandler(system contracts.System) bus.Handler {
	return func(ctx context.Context, env bus.Envelope) error {
		var p contracts.StepPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			o.logger.Error("malformed step payload, dropping",
				"topic", env.Topic, "error", err)
			return nil
		}
		if p.WorkflowID == "" || p.User.UserID == "" {
			o.logger.Error("step payload missing required fields, dropping",
				"topic", env.Topic)
			return nil
		}
		stepName := string(system)

		wf, err := o.workflows.Get(ctx, p.WorkflowID)
		if err != nil {
			return err
		}
		if wf.Status.Terminal() {
			return nil
		}
		pol, err := o.workflows.Policy(ctx, wf.WorkflowID)
		if err != nil {
			return err
		}

		// Redelivery of an already finished step: re-announce the outcome so
		// the checkpoint still converges; the receipt is never rewritten.
		if rec := wf.Step(stepName); rec.Status.Terminal() {
			return o.publishValidation(ctx, wf.WorkflowID, stepName, rec.Status)
		}

		phase := stepPhase(pol, stepName)
		if phase == contracts.PhaseParallelDeletion && !wf.IdentityCriticalCompleted {
			return workflow.NewStateError(wf.WorkflowID, "identity-critical checkpoint not completed")
		}

		// Policy-driven hold check before touching the external system.
		for _, rule := range pol.LegalHoldRules {
			if o.holds.RuleApplies(wf, rule, stepName) {
				return o.finalizeHold(ctx, wf.WorkflowID, stepName, phase, pol, rule.Conditions, rule.MaxDurationDays)
			}
		}

		inProgress := contracts.StepInProgress
		attempt := env.Attempt
		if _, err := o.workflows.UpdateStep(ctx, wf.WorkflowID, stepName, workflow.StepPatch{
			Status:   &inProgress,
			Attempts: &attempt,
		}); err != nil {
			return err
		}
		if _, err := o.trail.Append(ctx, wf.WorkflowID, contracts.AuditEvent{
			EventType: contracts.AuditStepStarted,
			Data:      map[string]any{"step": stepName, "attempt": attempt},
		}); err != nil {
			return err
		}

		conn, ok := o.connectors[system]
		if !ok {
			return fmt.Errorf("no connector registered for system %s", system)
		}
		callCtx := ctx
		finish := func(string, error) {}
		if o.obs != nil {
			callCtx, finish = o.obs.TrackStep(ctx, stepName)
		}
		res, err := conn.DeleteUser(callCtx, p.User)
		finish(stepOutcome(res, err), err)
		switch {
		case errors.Is(err, connector.ErrLegalHold):
			// Hold discovered at the vendor rather than by policy.
			return o.finalizeHold(ctx, wf.WorkflowID, stepName, phase, pol, nil, defaultHoldDays)
		case errors.Is(err, connector.ErrNotFound):
			// Already absent: the data is gone either way.
			res, err = &connector.Result{Success: true}, nil
		}
		if err != nil {
			if !connector.Retryable(err) {
				// A semantic rejection will not heal with retries: fail the
				// step now at the current attempt instead of burning the
				// remaining budget.
				return o.finalizeFailed(ctx, wf.WorkflowID, stepName, attempt, err, true)
			}
			return fmt.Errorf("delete %s for workflow %s: %w", stepName, wf.WorkflowID, err)
		}
		if res == nil || !res.Success {
			// Ambiguous connector outcome counts as failure.
			return fmt.Errorf("delete %s for workflow %s: connector reported failure: %s", stepName, wf.WorkflowID, resultError(res))
		}

		return o.finalizeDeleted(ctx, wf.WorkflowID, stepName, phase, pol, attempt, res)
	}
}

func stepOutcome(res *connector.Result, err error) string {
	switch {
	case errors.Is(err, connector.ErrLegalHold):
		return string(contracts.StepLegalHold)
	case err == nil && res != nil && res.Success, errors.Is(err, connector.ErrNotFound):
		return string(contracts.StepDeleted)
	default:
		return string(contracts.StepFailed)
	}
}

func resultError(res *connector.Result) string {
	if res == nil || res.Err == "" {
		return "no result"
	}
	return res.Err
}

// finalizeDeleted records evidence, audits, and announces a successful step.
// Identity-critical steps chain the next step in the critical sequence.
func (o *Orchestrator) finalizeDeleted(ctx context.Context, workflowID, stepName string, phase contracts.Phase, pol *policy.Policy, attempt int, res *connector.Result) error {
	deleted := contracts.StepDeleted
	wf, err := o.workflows.UpdateStep(ctx, workflowID, stepName, workflow.StepPatch{
		Status: &deleted,
		Evidence: &contracts.Evidence{
			Receipt:     res.Receipt,
			Timestamp:   o.now(),
			APIResponse: res.APIResponse,
		},
	})
	if err != nil {
		return err
	}
	rec := wf.Step(stepName)

	if _, err := o.trail.Append(ctx, workflowID, contracts.AuditEvent{
		EventType: contracts.AuditStepCompleted,
		Data: map[string]any{
			"step":     stepName,
			"attempts": attempt,
			"receipt":  rec.Evidence.Receipt,
		},
	}); err != nil {
		return err
	}

	result := contracts.MustMarshal(contracts.StepResultPayload{
		WorkflowID: workflowID,
		StepName:   stepName,
		Status:     contracts.StepDeleted,
		Receipt:    rec.Evidence.Receipt,
		Attempts:   attempt,
	})
	if err := o.publisher.Publish(ctx, bus.Envelope{
		Topic: contracts.TopicStepCompleted, WorkflowID: workflowID, Payload: result,
	}); err != nil {
		return err
	}
	if phase == contracts.PhaseParallelDeletion {
		if err := o.publisher.Publish(ctx, bus.Envelope{
			Topic: contracts.TopicParallelStepCompleted, WorkflowID: workflowID, Payload: result,
		}); err != nil {
			return err
		}
	}
	if err := o.publishValidation(ctx, workflowID, stepName, contracts.StepDeleted); err != nil {
		return err
	}

	if phase == contracts.PhaseIdentityCritical {
		if next := nextCriticalStep(pol, stepName); next != "" {
			return o.publisher.Publish(ctx, bus.Envelope{
				Topic:      contracts.DeletionTopic(contracts.System(next)),
				WorkflowID: workflowID,
				Payload: contracts.MustMarshal(contracts.StepPayload{
					WorkflowID: workflowID,
					User:       wf.User,
					StepName:   next,
					Attempt:    1,
				}),
			})
		}
	}
	return nil
}

// finalizeHold marks a step LEGAL_HOLD. Holds satisfy the checkpoint but
// surface as certificate exceptions; the attempt counter is untouched. A held
// identity-critical step still chains the next critical step.
func (o *Orchestrator) finalizeHold(ctx context.Context, workflowID, stepName string, phase contracts.Phase, pol *policy.Policy, conditions []string, maxDurationDays int) error {
	wf, err := o.holds.ApplyHold(ctx, workflowID, stepName, conditions, maxDurationDays)
	if err != nil {
		return err
	}
	if _, err := o.trail.Append(ctx, workflowID, contracts.AuditEvent{
		EventType: contracts.AuditStepCompleted,
		Data: map[string]any{
			"step":       stepName,
			"legal_hold": true,
		},
	}); err != nil {
		return err
	}
	o.monitor.Status(monitor.StatusRecord{
		WorkflowID: workflowID,
		StepName:   stepName,
		Status:     string(contracts.StepLegalHold),
		Detail:     "deletion replaced by legal hold",
	})
	if err := o.publishValidation(ctx, workflowID, stepName, contracts.StepLegalHold); err != nil {
		return err
	}

	if phase == contracts.PhaseIdentityCritical {
		if next := nextCriticalStep(pol, stepName); next != "" {
			return o.publisher.Publish(ctx, bus.Envelope{
				Topic:      contracts.DeletionTopic(contracts.System(next)),
				WorkflowID: workflowID,
				Payload: contracts.MustMarshal(contracts.StepPayload{
					WorkflowID: workflowID,
					User:       wf.User,
					StepName:   next,
					Attempt:    1,
				}),
			})
		}
	}
	return nil
}

// publishValidation feeds the checkpoint validator join-point.
func (o *Orchestrator) publishValidation(ctx context.Context, workflowID, stepName string, status contracts.StepStatus) error {
	return o.publisher.Publish(ctx, bus.Envelope{
		Topic:      contracts.TopicCheckpointValidation,
		WorkflowID: workflowID,
		Payload: contracts.MustMarshal(contracts.CheckpointValidationPayload{
			WorkflowID:  workflowID,
			StepName:    stepName,
			Status:      status,
			CompletedAt: o.now(),
		}),
	})
}

// finalizeFailed records a terminal step failure: status FAILED at the
// given attempt count, an audit entry carrying the cause, then step-failed
// and checkpoint-validation so the phase can still close. Retryable
// failures arrive here with the budget spent; permanent rejections arrive
// at whatever attempt the connector refused, with permanent set.
func (o *Orchestrator) finalizeFailed(ctx context.Context, workflowID, stepName string, attempts int, cause error, permanent bool) error {
	failed := contracts.StepFailed
	if _, err := o.workflows.UpdateStep(ctx, workflowID, stepName, workflow.StepPatch{
		Status:   &failed,
		Attempts: &attempts,
	}); err != nil {
		return err
	}
	if _, err := o.trail.Append(ctx, workflowID, contracts.AuditEvent{
		EventType: contracts.AuditStepFailed,
		Data: map[string]any{
			"step":      stepName,
			"attempts":  attempts,
			"error":     cause.Error(),
			"permanent": permanent,
		},
	}); err != nil {
		return err
	}
	if err := o.publisher.Publish(ctx, bus.Envelope{
		Topic:      contracts.TopicStepFailed,
		WorkflowID: workflowID,
		Payload: contracts.MustMarshal(contracts.StepResultPayload{
			WorkflowID: workflowID,
			StepName:   stepName,
			Status:     contracts.StepFailed,
			Error:      cause.Error(),
			Attempts:   attempts,
		}),
	}); err != nil {
		return err
	}
	return o.publishValidation(ctx, workflowID, stepName, contracts.StepFailed)
}

// HandleDeadLetter finalizes events whose retry budget is exhausted. For
// deletion topics the step becomes FAILED and the checkpoint is informed so
// the phase can still close.
func (o *Orchestrator) HandleDeadLetter(env bus.Envelope, cause error) {
	if !strings.HasSuffix(env.Topic, "-deletion") {
		o.logger.Error("non-step event exhausted retries",
			"topic", env.Topic, "workflow_id", env.WorkflowID, "error", cause)
		return
	}
	var p contracts.StepPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		o.logger.Error("dead-lettered step payload is malformed",
			"topic", env.Topic, "error", err)
		return
	}
	stepName := strings.TrimSuffix(env.Topic, "-deletion")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := o.finalizeFailed(ctx, p.WorkflowID, stepName, env.Attempt, cause, false); err != nil {
		o.logger.Error("finalizing dead-lettered step failed",
			"workflow_id", p.WorkflowID, "step", stepName, "error", err)
	}
}
