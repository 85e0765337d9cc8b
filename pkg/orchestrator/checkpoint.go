package orchestrator

import (
	"context"
	"encoding/json"
	"time"

	"github.com/Debjyoti-19/ghostprotocol/pkg/bus"
	"github.com/Debjyoti-19/ghostprotocol/pkg/contracts"
	"github.com/Debjyoti-19/ghostprotocol/pkg/monitor"
	"github.com/Debjyoti-19/ghostprotocol/pkg/policy"
	"github.com/Debjyoti-19/ghostprotocol/pkg/store"
	"github.com/Debjyoti-19/ghostprotocol/pkg/workflow"
)

// checkpointEntry is one accumulated step outcome in the workflow's
// checkpoint namespace.
type checkpointEntry struct {
	StepName    string               `json:"step_name"`
	Status      contracts.StepStatus `json:"status"`
	CompletedAt time.Time            `json:"completed_at"`
}

// handleCheckpointValidation is the phase join-point. It records each step
// outcome idempotently, and when the current phase's required set is covered
// it passes or fails the checkpoint and drives the phase transition.
func (o *Orchestrator) handleCheckpointValidation(ctx context.Context, env bus.Envelope) error {
	var p contracts.CheckpointValidationPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		o.logger.Error("malformed checkpoint-validation payload, dropping", "error", err)
		return nil
	}

	ns := contracts.CheckpointNamespace(p.WorkflowID)

	// Last-writer-wins, except a recorded FAILED is never downgraded by a
	// late DELETED for the same step.
	var prior checkpointEntry
	ok, err := store.GetJSON(ctx, o.store, ns, p.StepName, &prior)
	if err != nil {
		return err
	}
	if !(ok && prior.Status == contracts.StepFailed && p.Status != contracts.StepFailed) {
		if err := store.SetJSON(ctx, o.store, ns, p.StepName, checkpointEntry{
			StepName:    p.StepName,
			Status:      p.Status,
			CompletedAt: p.CompletedAt,
		}); err != nil {
			return err
		}
	}

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

	phase := stepPhase(pol, p.StepName)
	if phase == "" {
		o.logger.Warn("checkpoint event for unknown step, ignoring",
			"workflow_id", p.WorkflowID, "step", p.StepName)
		return nil
	}
	// Events arriving after the phase advanced (or the checkpoint closed)
	// are recorded above but do not re-trigger transitions.
	if wf.Checkpoints[phase] != nil {
		return nil
	}
	if contracts.PhaseRank(wf.Phase) > contracts.PhaseRank(phase) {
		return nil
	}

	required := pol.RequiredSteps(phase)
	var validated, failed []string
	covered := true
	for _, stepName := range required {
		var entry checkpointEntry
		ok, err := store.GetJSON(ctx, o.store, ns, stepName, &entry)
		if err != nil {
			return err
		}
		if !ok {
			covered = false
			continue
		}
		switch entry.Status {
		case contracts.StepDeleted, contracts.StepLegalHold:
			validated = append(validated, stepName)
		case contracts.StepFailed:
			failed = append(failed, stepName)
		default:
			covered = false
		}
	}

	// The identity-critical chain stops at the first failure, so the steps
	// behind it will never report; a failure closes that checkpoint now.
	if len(failed) > 0 && phase == contracts.PhaseIdentityCritical {
		return o.failCheckpoint(ctx, wf, pol, phase, validated, failed)
	}
	if !covered {
		// Phase not yet covered; wait for more step outcomes.
		return nil
	}

	if len(failed) == 0 {
		return o.passCheckpoint(ctx, wf, pol, phase, validated)
	}
	return o.failCheckpoint(ctx, wf, pol, phase, validated, failed)
}

func (o *Orchestrator) passCheckpoint(ctx context.Context, wf *contracts.Workflow, pol *policy.Policy, phase contracts.Phase, validated []string) error {
	if _, err := o.workflows.RecordCheckpoint(ctx, wf.WorkflowID, phase, contracts.CheckpointRecord{
		Status:         contracts.CheckpointPassed,
		ValidatedSteps: validated,
	}); err != nil {
		return err
	}
	if _, err := o.trail.Append(ctx, wf.WorkflowID, contracts.AuditEvent{
		EventType: contracts.AuditCheckpointPassed,
		Data:      map[string]any{"phase": string(phase), "validated_steps": validated},
	}); err != nil {
		return err
	}
	if err := o.publisher.Publish(ctx, bus.Envelope{
		Topic:      contracts.TopicCheckpointPassed,
		WorkflowID: wf.WorkflowID,
		Payload: contracts.MustMarshal(contracts.CheckpointResultPayload{
			WorkflowID:     wf.WorkflowID,
			Phase:          phase,
			Status:         contracts.CheckpointPassed,
			ValidatedSteps: validated,
		}),
	}); err != nil {
		return err
	}

	switch phase {
	case contracts.PhaseIdentityCritical:
		if _, err := o.workflows.AdvancePhase(ctx, wf.WorkflowID, contracts.PhaseParallelDeletion); err != nil {
			return err
		}
		return o.publisher.Publish(ctx, bus.Envelope{
			Topic:      contracts.TopicParallelDeletionTrigger,
			WorkflowID: wf.WorkflowID,
			Payload: contracts.MustMarshal(contracts.ParallelTriggerPayload{
				WorkflowID: wf.WorkflowID,
				User:       wf.User,
				Steps:      orderedSteps(pol, contracts.PhaseParallelDeletion),
			}),
		})

	case contracts.PhaseParallelDeletion:
		background := orderedSteps(pol, contracts.PhaseBackground)
		if len(background) == 0 {
			return o.publishCompleted(ctx, wf.WorkflowID, contracts.StatusCompleted)
		}
		if _, err := o.workflows.AdvancePhase(ctx, wf.WorkflowID, contracts.PhaseBackground); err != nil {
			return err
		}
		return o.fanOutSteps(ctx, wf, background)

	case contracts.PhaseBackground:
		return o.publishCompleted(ctx, wf.WorkflowID, contracts.StatusCompleted)
	}
	return nil
}

// failCheckpoint closes a phase with failures: a mid-pipeline failure parks
// the workflow for manual review, while failures at the final phase still
// complete the workflow with exceptions on the certificate.
func (o *Orchestrator) failCheckpoint(ctx context.Context, wf *contracts.Workflow, pol *policy.Policy, phase contracts.Phase, validated, failed []string) error {
	if _, err := o.workflows.RecordCheckpoint(ctx, wf.WorkflowID, phase, contracts.CheckpointRecord{
		Status:         contracts.CheckpointFailed,
		ValidatedSteps: validated,
		FailedSteps:    failed,
	}); err != nil {
		return err
	}
	if _, err := o.trail.Append(ctx, wf.WorkflowID, contracts.AuditEvent{
		EventType: contracts.AuditCheckpointFailed,
		Data: map[string]any{
			"phase":           string(phase),
			"validated_steps": validated,
			"failed_steps":    failed,
		},
	}); err != nil {
		return err
	}
	if err := o.publisher.Publish(ctx, bus.Envelope{
		Topic:      contracts.TopicCheckpointFailed,
		WorkflowID: wf.WorkflowID,
		Payload: contracts.MustMarshal(contracts.CheckpointResultPayload{
			WorkflowID:     wf.WorkflowID,
			Phase:          phase,
			Status:         contracts.CheckpointFailed,
			ValidatedSteps: validated,
			FailedSteps:    failed,
		}),
	}); err != nil {
		return err
	}

	final := phase == contracts.PhaseBackground ||
		(phase == contracts.PhaseParallelDeletion && len(orderedSteps(pol, contracts.PhaseBackground)) == 0)
	if final {
		return o.publishCompleted(ctx, wf.WorkflowID, contracts.StatusCompletedExceptions)
	}

	if _, err := o.workflows.SetStatus(ctx, wf.WorkflowID, contracts.StatusAwaitingManualReview); err != nil {
		return err
	}
	o.monitor.Error(monitor.ErrorRecord{
		WorkflowID:      wf.WorkflowID,
		Category:        "checkpoint-failure",
		Remediation:     "review failed steps and resume via manual override",
		Retryable:       false,
		AffectedSystems: failed,
	})
	return nil
}

// handleParallelTrigger fans out the non-critical deletion set. A trigger
// arriving before the identity-critical checkpoint completed is rejected.
func (o *Orchestrator) handleParallelTrigger(ctx context.Context, env bus.Envelope) error {
	var p contracts.ParallelTriggerPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		o.logger.Error("malformed parallel-deletion-trigger payload, dropping", "error", err)
		return nil
	}
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
	steps := p.Steps
	if len(steps) == 0 {
		steps = orderedSteps(pol, contracts.PhaseParallelDeletion)
	}
	if len(steps) == 0 {
		return o.publishCompleted(ctx, wf.WorkflowID, contracts.StatusCompleted)
	}
	if !wf.IdentityCriticalCompleted {
		if len(orderedSteps(pol, contracts.PhaseIdentityCritical)) > 0 {
			return workflow.NewStateError(wf.WorkflowID, "identity-critical checkpoint not completed")
		}
		// Vacuous identity-critical phase: advance directly.
		if wf, err = o.workflows.AdvancePhase(ctx, wf.WorkflowID, contracts.PhaseParallelDeletion); err != nil {
			return err
		}
	}
	return o.fanOutSteps(ctx, wf, steps)
}

func (o *Orchestrator) fanOutSteps(ctx context.Context, wf *contracts.Workflow, steps []string) error {
	for _, stepName := range steps {
		if err := o.publisher.Publish(ctx, bus.Envelope{
			Topic:      contracts.DeletionTopic(contracts.System(stepName)),
			WorkflowID: wf.WorkflowID,
			Payload: contracts.MustMarshal(contracts.StepPayload{
				WorkflowID: wf.WorkflowID,
				User:       wf.User,
				StepName:   stepName,
				Attempt:    1,
			}),
		}); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) publishCompleted(ctx context.Context, workflowID string, status contracts.WorkflowStatus) error {
	return o.publisher.Publish(ctx, bus.Envelope{
		Topic:      contracts.TopicWorkflowCompleted,
		WorkflowID: workflowID,
		Payload: contracts.MustMarshal(contracts.WorkflowCompletedPayload{
			WorkflowID: workflowID,
			Status:     status,
		}),
	})
}
