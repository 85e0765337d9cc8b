package zombie_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Debjyoti-19/ghostprotocol/pkg/audit"
	"github.com/Debjyoti-19/ghostprotocol/pkg/bus"
	"github.com/Debjyoti-19/ghostprotocol/pkg/contracts"
	"github.com/Debjyoti-19/ghostprotocol/pkg/policy"
	"github.com/Debjyoti-19/ghostprotocol/pkg/store"
	"github.com/Debjyoti-19/ghostprotocol/pkg/workflow"
	"github.com/Debjyoti-19/ghostprotocol/pkg/zombie"
)

type capturePublisher struct {
	mu   sync.Mutex
	envs []bus.Envelope
}

func (p *capturePublisher) Publish(ctx context.Context, env bus.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.envs = append(p.envs, env)
	return nil
}

func (p *capturePublisher) byTopic(topic string) []bus.Envelope {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []bus.Envelope
	for _, env := range p.envs {
		if env.Topic == topic {
			out = append(out, env)
		}
	}
	return out
}

type schedEnv struct {
	store     store.StateStore
	trail     *audit.Trail
	pub       *capturePublisher
	workflows *workflow.Manager
	policies  *policy.Manager
	scheduler *zombie.Scheduler
	wf        *contracts.Workflow
}

func newSchedEnv(t *testing.T) *schedEnv {
	t.Helper()
	ctx := context.Background()
	st := store.NewMemoryStore()
	trail := audit.NewTrail(st)
	pub := &capturePublisher{}
	policies := policy.NewManager(st)
	workflows := workflow.NewManager(st, policies, trail, pub)

	wf, err := workflows.Create(ctx, &contracts.ErasureRequest{
		User:         contracts.UserIdentifiers{UserID: "u1"},
		Jurisdiction: contracts.JurisdictionEU,
		RequestedBy:  "dpo@example.com",
		LegalProof:   "dsr-2026-0117",
	})
	require.NoError(t, err)

	return &schedEnv{
		store:     st,
		trail:     trail,
		pub:       pub,
		workflows: workflows,
		policies:  policies,
		scheduler: zombie.NewScheduler(st, trail, pub),
		wf:        wf,
	}
}

func TestSchedule(t *testing.T) {
	ctx := context.Background()
	e := newSchedEnv(t)
	completedAt := time.Date(2026, 5, 1, 14, 30, 0, 0, time.UTC)
	pol := e.policies.ForJurisdiction(contracts.JurisdictionEU)

	sched, err := e.scheduler.Schedule(ctx, e.wf, completedAt, pol)
	require.NoError(t, err)

	assert.NotEmpty(t, sched.ScheduleID)
	assert.Equal(t, e.wf.WorkflowID, sched.WorkflowID)
	assert.Equal(t, contracts.ZombieScheduled, sched.Status)
	assert.Equal(t, completedAt.AddDate(0, 0, 30), sched.ScheduledFor, "EU re-verifies after 30 days")
	assert.ElementsMatch(t, []string{"stripe", "database", "intercom", "sendgrid", "crm", "analytics"}, sched.SystemsToCheck)

	entries, err := e.trail.Entries(ctx, e.wf.WorkflowID)
	require.NoError(t, err)
	last := entries[len(entries)-1]
	assert.Equal(t, contracts.AuditZombieCheckScheduled, last.Event.EventType)
	assert.Equal(t, sched.ScheduleID, last.Event.Data["schedule_id"])

	scheduled := e.pub.byTopic(contracts.TopicZombieCheckScheduled)
	require.Len(t, scheduled, 1)
	var payload contracts.ZombieCheckPayload
	require.NoError(t, json.Unmarshal(scheduled[0].Payload, &payload))
	assert.Equal(t, sched.ScheduleID, payload.ScheduleID)
}

func TestSchedule_IdempotentPerWorkflow(t *testing.T) {
	ctx := context.Background()
	e := newSchedEnv(t)
	completedAt := time.Now().UTC()
	pol := e.policies.ForJurisdiction(contracts.JurisdictionEU)

	first, err := e.scheduler.Schedule(ctx, e.wf, completedAt, pol)
	require.NoError(t, err)
	second, err := e.scheduler.Schedule(ctx, e.wf, completedAt.Add(time.Hour), pol)
	require.NoError(t, err)
	assert.Equal(t, first.ScheduleID, second.ScheduleID)

	assert.Len(t, e.pub.byTopic(contracts.TopicZombieCheckScheduled), 1)
}

func TestScheduleIntervals_ByJurisdiction(t *testing.T) {
	ctx := context.Background()
	e := newSchedEnv(t)
	completedAt := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	us := e.policies.ForJurisdiction(contracts.JurisdictionUS)
	other := e.policies.ForJurisdiction(contracts.JurisdictionOther)

	usWf := &contracts.Workflow{WorkflowID: "wf-us", User: contracts.UserIdentifiers{UserID: "u2"}, Jurisdiction: contracts.JurisdictionUS}
	require.NoError(t, e.trail.Init(ctx, "wf-us", completedAt))
	otherWf := &contracts.Workflow{WorkflowID: "wf-other", User: contracts.UserIdentifiers{UserID: "u3"}, Jurisdiction: contracts.JurisdictionOther}
	require.NoError(t, e.trail.Init(ctx, "wf-other", completedAt))

	usSched, err := e.scheduler.Schedule(ctx, usWf, completedAt, us)
	require.NoError(t, err)
	assert.Equal(t, completedAt.AddDate(0, 0, 45), usSched.ScheduledFor)

	otherSched, err := e.scheduler.Schedule(ctx, otherWf, completedAt, other)
	require.NoError(t, err)
	assert.Equal(t, completedAt.AddDate(0, 0, 60), otherSched.ScheduledFor)
}

func TestForWorkflowAndCancel(t *testing.T) {
	ctx := context.Background()
	e := newSchedEnv(t)
	pol := e.policies.ForJurisdiction(contracts.JurisdictionEU)

	none, err := e.scheduler.ForWorkflow(ctx, e.wf.WorkflowID)
	require.NoError(t, err)
	assert.Nil(t, none)

	sched, err := e.scheduler.Schedule(ctx, e.wf, time.Now().UTC(), pol)
	require.NoError(t, err)

	got, err := e.scheduler.ForWorkflow(ctx, e.wf.WorkflowID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, sched.ScheduleID, got.ScheduleID)

	require.NoError(t, e.scheduler.Cancel(ctx, e.wf.WorkflowID))
	gone, err := e.scheduler.ForWorkflow(ctx, e.wf.WorkflowID)
	require.NoError(t, err)
	assert.Nil(t, gone)

	// Cancel of an unscheduled workflow is a no-op.
	require.NoError(t, e.scheduler.Cancel(ctx, "never-scheduled"))
}
