// Package orchestrator wires the erasure engine's event handlers: the
// identity-critical kickoff, the per-system step executors, the checkpoint
// validator, the parallel fan-out, and the completion handler that issues
// the certificate of destruction and schedules zombie re-verification.
//
// Handlers are idempotent with respect to workflow state: they read current
// step status before mutating and key evidence on the deletion receipt, so
// at-least-once delivery is safe.
package orchestrator

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"time"

	"github.com/Debjyoti-19/ghostprotocol/pkg/audit"
	"github.com/Debjyoti-19/ghostprotocol/pkg/bus"
	"github.com/Debjyoti-19/ghostprotocol/pkg/certificate"
	"github.com/Debjyoti-19/ghostprotocol/pkg/connector"
	"github.com/Debjyoti-19/ghostprotocol/pkg/contracts"
	"github.com/Debjyoti-19/ghostprotocol/pkg/legalhold"
	"github.com/Debjyoti-19/ghostprotocol/pkg/monitor"
	"github.com/Debjyoti-19/ghostprotocol/pkg/observability"
	"github.com/Debjyoti-19/ghostprotocol/pkg/policy"
	"github.com/Debjyoti-19/ghostprotocol/pkg/store"
	"github.com/Debjyoti-19/ghostprotocol/pkg/workflow"
)

// ZombieScheduler schedules post-completion re-verification of deletion.
type ZombieScheduler interface {
	Schedule(ctx context.Context, wf *contracts.Workflow, completedAt time.Time, pol *policy.Policy) (*contracts.ZombieSchedule, error)
}

// Orchestrator owns every bus handler of the erasure engine.
type Orchestrator struct {
	store      store.StateStore
	workflows  *workflow.Manager
	holds      *legalhold.Manager
	trail      *audit.Trail
	certs      *certificate.Generator
	zombies    ZombieScheduler
	connectors map[contracts.System]connector.Connector
	monitor    *monitor.Fanout
	publisher  workflow.Publisher
	obs        *observability.Provider
	logger     *slog.Logger
	now        func() time.Time
}

// New wires the orchestrator. connectors must cover every system the
// built-in policies name.
func New(
	st store.StateStore,
	workflows *workflow.Manager,
	holds *legalhold.Manager,
	trail *audit.Trail,
	certs *certificate.Generator,
	zombies ZombieScheduler,
	connectors map[contracts.System]connector.Connector,
	mon *monitor.Fanout,
	pub workflow.Publisher,
) *Orchestrator {
	return &Orchestrator{
		store:      st,
		workflows:  workflows,
		holds:      holds,
		trail:      trail,
		certs:      certs,
		zombies:    zombies,
		connectors: connectors,
		monitor:    mon,
		publisher:  pub,
		logger:     slog.Default().With("component", "orchestrator"),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the orchestrator's clock. Test hook.
func (o *Orchestrator) WithClock(now func() time.Time) *Orchestrator {
	o.now = now
	return o
}

// WithObservability attaches the tracing/metrics provider.
func (o *Orchestrator) WithObservability(obs *observability.Provider) *Orchestrator {
	o.obs = obs
	return o
}

// Register subscribes every handler on the dispatcher.
func (o *Orchestrator) Register(d *bus.Dispatcher) {
	d.Subscribe(contracts.TopicWorkflowCreated, o.handleWorkflowCreated)
	for _, sys := range contracts.Systems {
		d.Subscribe(contracts.DeletionTopic(sys), o.deletionHandler(sys))
	}
	d.Subscribe(contracts.TopicCheckpointValidation, o.handleCheckpointValidation)
	d.Subscribe(contracts.TopicParallelDeletionTrigger, o.handleParallelTrigger)
	d.Subscribe(contracts.TopicWorkflowCompleted, o.handleWorkflowCompleted)

	// Monitoring fan-out. These never fail a delivery.
	d.Subscribe(contracts.TopicStepCompleted, o.forwardStepStatus)
	d.Subscribe(contracts.TopicStepFailed, o.forwardStepFailure)
	d.Subscribe(contracts.TopicCheckpointPassed, o.forwardCheckpoint)
	d.Subscribe(contracts.TopicCheckpointFailed, o.forwardCheckpoint)
}

// handleWorkflowCreated starts the identity-critical phase: validates the
// workflow is fresh, advances the phase, and emits the first
// identity-critical deletion step. No other side effects.
func (o *Orchestrator) handleWorkflowCreated(ctx context.Context, env bus.Envelope) error {
	var p contracts.WorkflowCreatedPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		o.logger.Error("malformed workflow-created payload", "error", err)
		return nil
	}

	wf, err := o.workflows.Get(ctx, p.WorkflowID)
	if err != nil {
		return err
	}
	if wf.Phase != contracts.PhaseCreated {
		// Redelivery after the phase already advanced.
		return nil
	}

	pol, err := o.workflows.Policy(ctx, wf.WorkflowID)
	if err != nil {
		return err
	}

	wf, err = o.workflows.AdvancePhase(ctx, wf.WorkflowID, contracts.PhaseIdentityCritical)
	if err != nil {
		return err
	}

	critical := orderedSteps(pol, contracts.PhaseIdentityCritical)
	if _, err := o.trail.Append(ctx, wf.WorkflowID, contracts.AuditEvent{
		EventType: contracts.AuditIdentityCriticalStarted,
		Data:      map[string]any{"steps": critical},
	}); err != nil {
		return err
	}

	o.monitor.Status(monitor.StatusRecord{
		WorkflowID: wf.WorkflowID,
		Phase:      string(wf.Phase),
		Status:     string(wf.Status),
		Detail:     "identity-critical phase started",
	})
	if o.obs != nil {
		o.obs.RecordWorkflowCreated(ctx, string(wf.Jurisdiction))
	}

	if len(critical) == 0 {
		// Degenerate policy with no identity-critical systems: pass the
		// checkpoint vacuously by fanning out the parallel set.
		return o.publisher.Publish(ctx, bus.Envelope{
			Topic:      contracts.TopicParallelDeletionTrigger,
			WorkflowID: wf.WorkflowID,
			Payload: contracts.MustMarshal(contracts.ParallelTriggerPayload{
				WorkflowID: wf.WorkflowID,
				User:       wf.User,
				Steps:      orderedSteps(pol, contracts.PhaseParallelDeletion),
			}),
		})
	}

	return o.publisher.Publish(ctx, bus.Envelope{
		Topic:      contracts.DeletionTopic(contracts.System(critical[0])),
		WorkflowID: wf.WorkflowID,
		Payload: contracts.MustMarshal(contracts.StepPayload{
			WorkflowID: wf.WorkflowID,
			User:       wf.User,
			StepName:   critical[0],
			Attempt:    1,
		}),
	})
}

// stepPhase maps a step to its phase via the policy's retention priorities.
func stepPhase(pol *policy.Policy, stepName string) contracts.Phase {
	for _, r := range pol.RetentionRules {
		if r.System != stepName {
			continue
		}
		switch {
		case r.Priority <= 2:
			return contracts.PhaseIdentityCritical
		case r.Priority <= 4:
			return contracts.PhaseParallelDeletion
		default:
			return contracts.PhaseBackground
		}
	}
	return ""
}

// orderedSteps returns the phase's required steps sorted by priority, then
// name, so identity-critical chaining is deterministic.
func orderedSteps(pol *policy.Policy, phase contracts.Phase) []string {
	required := pol.RequiredSteps(phase)
	prio := make(map[string]int, len(pol.RetentionRules))
	for _, r := range pol.RetentionRules {
		prio[r.System] = r.Priority
	}
	sort.Slice(required, func(i, j int) bool {
		if prio[required[i]] != prio[required[j]] {
			return prio[required[i]] < prio[required[j]]
		}
		return required[i] < required[j]
	})
	return required
}

// nextCriticalStep returns the identity-critical step that follows stepName,
// or "" at the end of the chain.
func nextCriticalStep(pol *policy.Policy, stepName string) string {
	chain := orderedSteps(pol, contracts.PhaseIdentityCritical)
	for i, s := range chain {
		if s == stepName && i+1 < len(chain) {
			return chain[i+1]
		}
	}
	return ""
}

func (o *Orchestrator) forwardStepStatus(ctx context.Context, env bus.Envelope) error {
	var p contracts.StepResultPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return nil
	}
	o.monitor.Status(monitor.StatusRecord{
		WorkflowID: p.WorkflowID,
		StepName:   p.StepName,
		Status:     string(p.Status),
	})
	return nil
}

func (o *Orchestrator) forwardStepFailure(ctx context.Context, env bus.Envelope) error {
	var p contracts.StepResultPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return nil
	}
	o.monitor.Error(monitor.ErrorRecord{
		WorkflowID:      p.WorkflowID,
		Category:        "step-failure",
		Remediation:     "inspect connector logs and retry via manual override",
		Retryable:       false,
		AffectedSystems: []string{p.StepName},
	})
	return nil
}

func (o *Orchestrator) forwardCheckpoint(ctx context.Context, env bus.Envelope) error {
	var p contracts.CheckpointResultPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return nil
	}
	o.monitor.Status(monitor.StatusRecord{
		WorkflowID: p.WorkflowID,
		Phase:      string(p.Phase),
		Status:     string(p.Status),
		Detail:     "checkpoint",
	})
	return nil
}
