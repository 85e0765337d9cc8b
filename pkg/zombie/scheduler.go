// Package zombie re-verifies deletion after a policy-defined interval. The
// scheduler records one check per completed workflow; the cron scanner probes
// every external system and, when subject data resurfaces, escalates to the
// legal team and spawns a remediation erasure workflow.
package zombie

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Debjyoti-19/ghostprotocol/pkg/audit"
	"github.com/Debjyoti-19/ghostprotocol/pkg/bus"
	"github.com/Debjyoti-19/ghostprotocol/pkg/contracts"
	"github.com/Debjyoti-19/ghostprotocol/pkg/policy"
	"github.com/Debjyoti-19/ghostprotocol/pkg/store"
	"github.com/Debjyoti-19/ghostprotocol/pkg/workflow"
)

// workflowIndex maps a workflow to its zombie schedule.
type workflowIndex struct {
	WorkflowID string `json:"workflow_id"`
	ScheduleID string `json:"schedule_id"`
}

// Scheduler creates and cancels zombie-check schedules.
type Scheduler struct {
	store     store.StateStore
	trail     *audit.Trail
	publisher workflow.Publisher
	logger    *slog.Logger
	now       func() time.Time
}

// NewScheduler wires the zombie scheduler.
func NewScheduler(st store.StateStore, trail *audit.Trail, pub workflow.Publisher) *Scheduler {
	return &Scheduler{
		store:     st,
		trail:     trail,
		publisher: pub,
		logger:    slog.Default().With("component", "zombie"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the scheduler's clock. Test hook.
func (s *Scheduler) WithClock(now func() time.Time) *Scheduler {
	s.now = now
	return s
}

// Schedule records a re-verification due the policy interval after
// completedAt. Idempotent per workflow: a second call returns the existing
// schedule.
func (s *Scheduler) Schedule(ctx context.Context, wf *contracts.Workflow, completedAt time.Time, pol *policy.Policy) (*contracts.ZombieSchedule, error) {
	var idx workflowIndex
	ok, err := store.GetJSON(ctx, s.store, contracts.NSZombieByWorkflow, wf.WorkflowID, &idx)
	if err != nil {
		return nil, err
	}
	if ok {
		return s.Get(ctx, idx.ScheduleID)
	}

	sched := &contracts.ZombieSchedule{
		ScheduleID:     uuid.New().String(),
		WorkflowID:     wf.WorkflowID,
		User:           wf.User,
		Jurisdiction:   wf.Jurisdiction,
		ScheduledFor:   completedAt.UTC().AddDate(0, 0, pol.ZombieCheckDays),
		Status:         contracts.ZombieScheduled,
		SystemsToCheck: pol.AllSystems(),
		CreatedAt:      s.now(),
	}
	if err := store.SetJSON(ctx, s.store, contracts.NSZombieSchedules, sched.ScheduleID, sched); err != nil {
		return nil, err
	}
	if err := store.SetJSON(ctx, s.store, contracts.NSZombieByWorkflow, wf.WorkflowID, workflowIndex{
		WorkflowID: wf.WorkflowID, ScheduleID: sched.ScheduleID,
	}); err != nil {
		return nil, err
	}

	if _, err := s.trail.Append(ctx, wf.WorkflowID, contracts.AuditEvent{
		EventType: contracts.AuditZombieCheckScheduled,
		Data: map[string]any{
			"schedule_id":   sched.ScheduleID,
			"scheduled_for": sched.ScheduledFor.Format(time.RFC3339),
			"interval_days": pol.ZombieCheckDays,
		},
	}); err != nil {
		return nil, err
	}
	if err := s.publisher.Publish(ctx, bus.Envelope{
		Topic:      contracts.TopicZombieCheckScheduled,
		WorkflowID: wf.WorkflowID,
		Payload: contracts.MustMarshal(contracts.ZombieCheckPayload{
			ScheduleID:   sched.ScheduleID,
			WorkflowID:   wf.WorkflowID,
			ScheduledFor: sched.ScheduledFor,
		}),
	}); err != nil {
		return nil, err
	}

	s.logger.Info("zombie check scheduled",
		"workflow_id", wf.WorkflowID,
		"schedule_id", sched.ScheduleID,
		"scheduled_for", sched.ScheduledFor,
	)
	return sched, nil
}

// Get loads one schedule.
func (s *Scheduler) Get(ctx context.Context, scheduleID string) (*contracts.ZombieSchedule, error) {
	var sched contracts.ZombieSchedule
	ok, err := store.GetJSON(ctx, s.store, contracts.NSZombieSchedules, scheduleID, &sched)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, workflow.NewStateError(scheduleID, "zombie schedule not found")
	}
	return &sched, nil
}

// ForWorkflow loads the schedule created for a workflow, or nil when none
// exists.
func (s *Scheduler) ForWorkflow(ctx context.Context, workflowID string) (*contracts.ZombieSchedule, error) {
	var idx workflowIndex
	ok, err := store.GetJSON(ctx, s.store, contracts.NSZombieByWorkflow, workflowID, &idx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return s.Get(ctx, idx.ScheduleID)
}

// Cancel removes a workflow's schedule. Schedules are deleted only through
// this explicit cancel.
func (s *Scheduler) Cancel(ctx context.Context, workflowID string) error {
	var idx workflowIndex
	ok, err := store.GetJSON(ctx, s.store, contracts.NSZombieByWorkflow, workflowID, &idx)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if err := s.store.Delete(ctx, contracts.NSZombieSchedules, idx.ScheduleID); err != nil {
		return err
	}
	return s.store.Delete(ctx, contracts.NSZombieByWorkflow, workflowID)
}
