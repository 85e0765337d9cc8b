package zombie_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Debjyoti-19/ghostprotocol/pkg/audit"
	"github.com/Debjyoti-19/ghostprotocol/pkg/bus"
	"github.com/Debjyoti-19/ghostprotocol/pkg/connector"
	"github.com/Debjyoti-19/ghostprotocol/pkg/contracts"
	"github.com/Debjyoti-19/ghostprotocol/pkg/monitor"
	"github.com/Debjyoti-19/ghostprotocol/pkg/policy"
	"github.com/Debjyoti-19/ghostprotocol/pkg/store"
	"github.com/Debjyoti-19/ghostprotocol/pkg/workflow"
	"github.com/Debjyoti-19/ghostprotocol/pkg/zombie"
)

type scanEnv struct {
	store     store.StateStore
	trail     *audit.Trail
	pub       *capturePublisher
	sink      *monitor.MemorySink
	workflows *workflow.Manager
	policies  *policy.Manager
	scheduler *zombie.Scheduler
	scanner   *zombie.Scanner
	fakes     map[contracts.System]*connector.Fake
	wf        *contracts.Workflow
	sched     *contracts.ZombieSchedule
}

// newScanEnv creates a completed workflow with a zombie check already due.
func newScanEnv(t *testing.T) *scanEnv {
	t.Helper()
	ctx := context.Background()
	st := store.NewMemoryStore()
	trail := audit.NewTrail(st)
	pub := &capturePublisher{}
	sink := monitor.NewMemorySink()
	policies := policy.NewManager(st)
	workflows := workflow.NewManager(st, policies, trail, pub)

	fakes := make(map[contracts.System]*connector.Fake)
	connectors := make(map[contracts.System]connector.Connector)
	for _, sys := range []contracts.System{
		contracts.SystemStripe, contracts.SystemDatabase, contracts.SystemIntercom,
		contracts.SystemSendgrid, contracts.SystemCRM, contracts.SystemAnalytics,
	} {
		f := connector.NewFake(sys, st)
		fakes[sys] = f
		connectors[sys] = f
	}

	wf, err := workflows.Create(ctx, &contracts.ErasureRequest{
		User:         contracts.UserIdentifiers{UserID: "u1"},
		Jurisdiction: contracts.JurisdictionEU,
		RequestedBy:  "dpo@example.com",
		LegalProof:   "dsr-2026-0117",
	})
	require.NoError(t, err)
	_, err = workflows.SetStatus(ctx, wf.WorkflowID, contracts.StatusCompleted)
	require.NoError(t, err)
	require.NoError(t, workflows.ReleaseUserLock(ctx, wf.WorkflowID))

	scheduler := zombie.NewScheduler(st, trail, pub)
	sched, err := scheduler.Schedule(ctx, wf, time.Now().UTC(), policies.ForJurisdiction(contracts.JurisdictionEU))
	require.NoError(t, err)

	scanner := zombie.NewScanner(st, trail, pub, workflows, connectors, monitor.NewFanout(sink))
	scanner.WithClock(func() time.Time { return time.Now().UTC().AddDate(0, 0, 31) })

	return &scanEnv{
		store: st, trail: trail, pub: pub, sink: sink,
		workflows: workflows, policies: policies,
		scheduler: scheduler, scanner: scanner,
		fakes: fakes, wf: wf, sched: sched,
	}
}

func TestRunOnce_SkipsFutureSchedules(t *testing.T) {
	ctx := context.Background()
	e := newScanEnv(t)
	e.scanner.WithClock(func() time.Time { return time.Now().UTC() })

	n, err := e.scanner.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	sched, err := e.scheduler.Get(ctx, e.sched.ScheduleID)
	require.NoError(t, err)
	assert.Equal(t, contracts.ZombieScheduled, sched.Status)
}

func TestRunOnce_CleanVerification(t *testing.T) {
	ctx := context.Background()
	e := newScanEnv(t)

	n, err := e.scanner.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	sched, err := e.scheduler.Get(ctx, e.sched.ScheduleID)
	require.NoError(t, err)
	assert.Equal(t, contracts.ZombieCompleted, sched.Status)
	assert.False(t, sched.ZombieDataDetected)
	assert.Empty(t, sched.ZombieDataSources)
	require.NotNil(t, sched.CheckedAt)

	completed := e.pub.byTopic(contracts.TopicZombieCheckCompleted)
	require.Len(t, completed, 1)
	assert.Empty(t, e.pub.byTopic(contracts.TopicZombieDataDetected), "no escalation on a clean pass")
	assert.Empty(t, e.pub.byTopic(contracts.TopicCreateErasureRequest))

	entries, err := e.trail.Entries(ctx, e.wf.WorkflowID)
	require.NoError(t, err)
	last := entries[len(entries)-1]
	assert.Equal(t, contracts.AuditZombieCheckCompleted, last.Event.EventType)
	assert.Equal(t, false, last.Event.Data["zombie_data_detected"])
}

// TestRunOnce_ZombieDataDetected covers resurfaced data: the check records
// the sources, alerts the legal team and requests a remediation erasure
// pointing back at the original workflow.
func TestRunOnce_ZombieDataDetected(t *testing.T) {
	ctx := context.Background()
	e := newScanEnv(t)
	require.NoError(t, e.fakes[contracts.SystemStripe].Seed(ctx, "u1"))
	require.NoError(t, e.fakes[contracts.SystemAnalytics].Seed(ctx, "u1"))

	n, err := e.scanner.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	sched, err := e.scheduler.Get(ctx, e.sched.ScheduleID)
	require.NoError(t, err)
	assert.Equal(t, contracts.ZombieCompleted, sched.Status)
	assert.True(t, sched.ZombieDataDetected)
	assert.ElementsMatch(t, []string{"stripe", "analytics"}, sched.ZombieDataSources)

	alerts := e.pub.byTopic(contracts.TopicZombieDataDetected)
	require.Len(t, alerts, 1)
	var alert contracts.ZombieAlertPayload
	require.NoError(t, json.Unmarshal(alerts[0].Payload, &alert))
	assert.Equal(t, "HIGH", alert.Severity)
	assert.True(t, alert.AlertLegalTeam)
	assert.ElementsMatch(t, []string{"stripe", "analytics"}, alert.ZombieDataSources)

	requests := e.pub.byTopic(contracts.TopicCreateErasureRequest)
	require.Len(t, requests, 1)
	var req contracts.ErasureRequest
	require.NoError(t, json.Unmarshal(requests[0].Payload, &req))
	assert.Equal(t, "u1", req.User.UserID)
	assert.Equal(t, "zombie-scanner", req.RequestedBy)
	assert.Equal(t, contracts.ReasonZombieData, req.Reason)
	assert.Equal(t, e.wf.WorkflowID, req.OriginalWorkflowID)
	assert.Equal(t, e.wf.LegalProof, req.LegalProof, "remediation inherits the original legal basis")

	errs := e.sink.Records(monitor.StreamErrors)
	require.Len(t, errs, 1)
	assert.Equal(t, "zombie-data", errs[0].(monitor.ErrorRecord).Category)
}

func TestRunOnce_MissingConnectorFailsSchedule(t *testing.T) {
	ctx := context.Background()
	e := newScanEnv(t)

	// Corrupt the schedule to reference a system with no adapter.
	e.sched.SystemsToCheck = append(e.sched.SystemsToCheck, "mainframe")
	require.NoError(t, store.SetJSON(ctx, e.store, contracts.NSZombieSchedules, e.sched.ScheduleID, e.sched))

	n, err := e.scanner.RunOnce(ctx)
	require.NoError(t, err, "per-schedule errors do not abort the pass")
	assert.Equal(t, 1, n)

	sched, err := e.scheduler.Get(ctx, e.sched.ScheduleID)
	require.NoError(t, err)
	assert.Equal(t, contracts.ZombieFailed, sched.Status)

	entries, err := e.trail.Entries(ctx, e.wf.WorkflowID)
	require.NoError(t, err)
	last := entries[len(entries)-1]
	assert.Equal(t, contracts.AuditZombieCheckFailed, last.Event.EventType)
}

func TestRunOnce_CompletedScheduleNotReprocessed(t *testing.T) {
	ctx := context.Background()
	e := newScanEnv(t)

	n, err := e.scanner.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	n, err = e.scanner.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Len(t, e.pub.byTopic(contracts.TopicZombieCheckCompleted), 1)
}

// TestRemediationWorkflowCreated runs detection through a live dispatcher so
// the create-erasure-request event round-trips into a fresh workflow.
func TestRemediationWorkflowCreated(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	trail := audit.NewTrail(st)
	policies := policy.NewManager(st)

	d := bus.NewDispatcher(bus.Options{
		Shards:        2,
		QueueCapacity: 64,
		Retry:         bus.RetryPolicy{MaxAttempts: 3, InitialDelay: time.Millisecond, Multiplier: 2.0},
	})
	defer func() { _ = d.Close(context.Background()) }()

	workflows := workflow.NewManager(st, policies, trail, d)

	connectors := make(map[contracts.System]connector.Connector)
	var stripe *connector.Fake
	for _, sys := range []contracts.System{
		contracts.SystemStripe, contracts.SystemDatabase, contracts.SystemIntercom,
		contracts.SystemSendgrid, contracts.SystemCRM, contracts.SystemAnalytics,
	} {
		f := connector.NewFake(sys, st)
		if sys == contracts.SystemStripe {
			stripe = f
		}
		connectors[sys] = f
	}

	original, err := workflows.Create(ctx, &contracts.ErasureRequest{
		User:         contracts.UserIdentifiers{UserID: "u1"},
		Jurisdiction: contracts.JurisdictionEU,
		RequestedBy:  "dpo@example.com",
		LegalProof:   "dsr-2026-0117",
	})
	require.NoError(t, err)
	_, err = workflows.SetStatus(ctx, original.WorkflowID, contracts.StatusCompleted)
	require.NoError(t, err)
	require.NoError(t, workflows.ReleaseUserLock(ctx, original.WorkflowID))

	scheduler := zombie.NewScheduler(st, trail, d)
	_, err = scheduler.Schedule(ctx, original, time.Now().UTC(), policies.ForJurisdiction(contracts.JurisdictionEU))
	require.NoError(t, err)

	scanner := zombie.NewScanner(st, trail, d, workflows, connectors, monitor.NewFanout(monitor.NewMemorySink()))
	scanner.WithClock(func() time.Time { return time.Now().UTC().AddDate(0, 0, 31) })
	scanner.Register(d)

	require.NoError(t, stripe.Seed(ctx, "u1"))
	n, err := scanner.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	qctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, d.Quiesce(qctx))

	// Find the remediation workflow spawned for the original.
	raws, err := st.GetGroup(ctx, contracts.NSWorkflow)
	require.NoError(t, err)
	var remediation *contracts.Workflow
	for _, raw := range raws {
		var wf contracts.Workflow
		if err := json.Unmarshal(raw, &wf); err != nil {
			continue
		}
		if wf.OriginalWorkflowID == original.WorkflowID {
			remediation = &wf
			break
		}
	}
	require.NotNil(t, remediation, "zombie detection spawns a remediation workflow")
	assert.NotEqual(t, original.WorkflowID, remediation.WorkflowID)
	assert.Equal(t, contracts.ReasonZombieData, remediation.Reason)
	assert.Equal(t, contracts.StatusInProgress, remediation.Status)
}
