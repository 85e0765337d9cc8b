package orchestrator_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Debjyoti-19/ghostprotocol/pkg/audit"
	"github.com/Debjyoti-19/ghostprotocol/pkg/bus"
	"github.com/Debjyoti-19/ghostprotocol/pkg/certificate"
	"github.com/Debjyoti-19/ghostprotocol/pkg/connector"
	"github.com/Debjyoti-19/ghostprotocol/pkg/contracts"
	"github.com/Debjyoti-19/ghostprotocol/pkg/crypto"
	"github.com/Debjyoti-19/ghostprotocol/pkg/legalhold"
	"github.com/Debjyoti-19/ghostprotocol/pkg/monitor"
	"github.com/Debjyoti-19/ghostprotocol/pkg/orchestrator"
	"github.com/Debjyoti-19/ghostprotocol/pkg/policy"
	"github.com/Debjyoti-19/ghostprotocol/pkg/store"
	"github.com/Debjyoti-19/ghostprotocol/pkg/workflow"
	"github.com/Debjyoti-19/ghostprotocol/pkg/zombie"
)

// engine is a fully wired erasure engine over in-memory infrastructure, with
// millisecond retry delays so retry and dead-letter paths run fast.
type engine struct {
	store      store.StateStore
	trail      *audit.Trail
	policies   *policy.Manager
	workflows  *workflow.Manager
	certs      *certificate.Generator
	scheduler  *zombie.Scheduler
	dispatcher *bus.Dispatcher
	sink       *monitor.MemorySink
	signer     *crypto.Ed25519Signer
	fakes      map[contracts.System]*connector.Fake
}

func newEngine(t *testing.T) *engine {
	t.Helper()

	st := store.NewMemoryStore()
	trail := audit.NewTrail(st)
	policies := policy.NewManager(st)

	// The dead-letter hook needs the orchestrator, which needs the
	// dispatcher; bind it late through the closure.
	var orch *orchestrator.Orchestrator
	d := bus.NewDispatcher(bus.Options{
		Shards:        4,
		QueueCapacity: 256,
		Retry: bus.RetryPolicy{
			MaxAttempts:  3,
			InitialDelay: time.Millisecond,
			Multiplier:   2.0,
		},
		DeadLetter: func(env bus.Envelope, err error) {
			if orch != nil {
				orch.HandleDeadLetter(env, err)
			}
		},
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = d.Close(ctx)
	})

	workflows := workflow.NewManager(st, policies, trail, d).WithCanceller(d)
	holds, err := legalhold.NewManager(workflows)
	require.NoError(t, err)

	signer, err := crypto.NewEd25519Signer("policy-" + policy.PolicyVersion)
	require.NoError(t, err)
	certs := certificate.NewGenerator(st, signer)
	scheduler := zombie.NewScheduler(st, trail, d)

	fakes := make(map[contracts.System]*connector.Fake)
	connectors := make(map[contracts.System]connector.Connector)
	for _, sys := range contracts.Systems {
		f := connector.NewFake(sys, st)
		fakes[sys] = f
		connectors[sys] = f
	}

	sink := monitor.NewMemorySink()
	orch = orchestrator.New(st, workflows, holds, trail, certs, scheduler, connectors, monitor.NewFanout(sink), d)
	orch.Register(d)

	return &engine{
		store:      st,
		trail:      trail,
		policies:   policies,
		workflows:  workflows,
		certs:      certs,
		scheduler:  scheduler,
		dispatcher: d,
		sink:       sink,
		signer:     signer,
		fakes:      fakes,
	}
}

func (e *engine) quiesce(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, e.dispatcher.Quiesce(ctx))
}

// run creates a workflow from req and drains the bus to a stable state.
func (e *engine) run(t *testing.T, req *contracts.ErasureRequest) *contracts.Workflow {
	t.Helper()
	ctx := context.Background()
	created, err := e.workflows.Create(ctx, req)
	require.NoError(t, err)
	e.quiesce(t)

	wf, err := e.workflows.Get(ctx, created.WorkflowID)
	require.NoError(t, err)
	return wf
}

func euRequest(userID string) *contracts.ErasureRequest {
	return &contracts.ErasureRequest{
		User:         contracts.UserIdentifiers{UserID: userID, Emails: []string{userID + "@example.com"}},
		Jurisdiction: contracts.JurisdictionEU,
		RequestedBy:  "dpo@example.com",
		LegalProof:   "dsr-2026-0117",
	}
}

func seedAll(t *testing.T, e *engine, userID string) {
	t.Helper()
	for _, f := range e.fakes {
		require.NoError(t, f.Seed(context.Background(), userID))
	}
}

func auditEventTypes(t *testing.T, e *engine, workflowID string) []contracts.AuditEventType {
	t.Helper()
	entries, err := e.trail.Entries(context.Background(), workflowID)
	require.NoError(t, err)
	out := make([]contracts.AuditEventType, len(entries))
	for i, entry := range entries {
		out[i] = entry.Event.EventType
	}
	return out
}

// TestHappyPath drives a full EU erasure end to end: sequential
// identity-critical deletions, parallel fan-out, both checkpoints, a signed
// certificate, and a scheduled zombie re-verification.
func TestHappyPath(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)
	seedAll(t, e, "u1")

	wf := e.run(t, euRequest("u1"))

	assert.Equal(t, contracts.StatusCompleted, wf.Status)
	assert.Equal(t, contracts.PhaseCompleted, wf.Phase)
	assert.True(t, wf.IdentityCriticalCompleted)

	require.Len(t, wf.Steps, 6)
	for name, rec := range wf.Steps {
		assert.Equal(t, contracts.StepDeleted, rec.Status, "step %s", name)
		require.NotNil(t, rec.Evidence, "step %s", name)
		assert.NotEmpty(t, rec.Evidence.Receipt, "step %s", name)
	}
	for _, f := range e.fakes {
		gone, err := f.VerifyDeletion(ctx, "u1")
		require.NoError(t, err)
		assert.True(t, gone)
	}

	require.NotNil(t, wf.Checkpoints[contracts.PhaseIdentityCritical])
	assert.Equal(t, contracts.CheckpointPassed, wf.Checkpoints[contracts.PhaseIdentityCritical].Status)
	require.NotNil(t, wf.Checkpoints[contracts.PhaseParallelDeletion])
	assert.Equal(t, contracts.CheckpointPassed, wf.Checkpoints[contracts.PhaseParallelDeletion].Status)

	// Certificate: issued, signed, anchored on an intact chain.
	cert, err := e.certs.Get(ctx, wf.WorkflowID)
	require.NoError(t, err)
	assert.Empty(t, cert.Exceptions)
	assert.Len(t, cert.SystemReceipts, 6)
	require.NoError(t, certificate.Verify(cert, e.signer.PublicKey(), policy.PolicyVersion))

	ok, err := e.trail.VerifyIntegrity(ctx, wf.WorkflowID)
	require.NoError(t, err)
	assert.True(t, ok)

	sched, err := e.scheduler.ForWorkflow(ctx, wf.WorkflowID)
	require.NoError(t, err)
	require.NotNil(t, sched)
	assert.Equal(t, contracts.ZombieScheduled, sched.Status)

	// Lock released: the subject can be re-erased later.
	raw, err := e.store.Get(ctx, contracts.NSWorkflow, contracts.UserLockKey("u1"))
	require.NoError(t, err)
	assert.Nil(t, raw)

	completions := e.sink.Records(monitor.StreamCompletions)
	require.Len(t, completions, 1)
	done := completions[0].(monitor.CompletionRecord)
	assert.Equal(t, string(contracts.StatusCompleted), done.Status)
	assert.Equal(t, cert.CertificateID, done.CertificateID)

	types := auditEventTypes(t, e, wf.WorkflowID)
	assert.Equal(t, contracts.AuditWorkflowCreated, types[0])
	assert.Contains(t, types, contracts.AuditIdentityCriticalStarted)
	assert.Contains(t, types, contracts.AuditCheckpointPassed)
	assert.Contains(t, types, contracts.AuditCertificateGenerated)
	assert.Contains(t, types, contracts.AuditZombieCheckScheduled)
}

// TestIdentityCriticalOrdering verifies stripe completes before database
// starts: the critical chain is strictly sequential.
func TestIdentityCriticalOrdering(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)
	wf := e.run(t, euRequest("u1"))
	require.Equal(t, contracts.StatusCompleted, wf.Status)

	entries, err := e.trail.Entries(ctx, wf.WorkflowID)
	require.NoError(t, err)

	indexOf := func(eventType contracts.AuditEventType, step string) int {
		for i, entry := range entries {
			if entry.Event.EventType == eventType && entry.Event.Data["step"] == step {
				return i
			}
		}
		return -1
	}
	stripeDone := indexOf(contracts.AuditStepCompleted, "stripe")
	dbStarted := indexOf(contracts.AuditStepStarted, "database")
	require.GreaterOrEqual(t, stripeDone, 0)
	require.GreaterOrEqual(t, dbStarted, 0)
	assert.Less(t, stripeDone, dbStarted, "database must not start before stripe completed")
}

// TestTransientFailureRetries covers scenario recovery: two scripted CRM
// failures are absorbed by redelivery and the workflow still completes clean.
func TestTransientFailureRetries(t *testing.T) {
	e := newEngine(t)
	e.fakes[contracts.SystemCRM].FailTimes("u1", 2)

	wf := e.run(t, euRequest("u1"))

	assert.Equal(t, contracts.StatusCompleted, wf.Status)
	rec := wf.Step("crm")
	assert.Equal(t, contracts.StepDeleted, rec.Status)
	assert.Equal(t, 3, rec.Attempts, "two failures then success consumes three attempts")
	assert.Equal(t, 3, e.fakes[contracts.SystemCRM].Calls("u1"))

	cert, err := e.certs.Get(context.Background(), wf.WorkflowID)
	require.NoError(t, err)
	assert.Empty(t, cert.Exceptions, "recovered retries leave no exceptions")
}

// TestIdentityCriticalFailureParksWorkflow: exhausting the retry budget on
// stripe fails the identity-critical checkpoint, so the workflow stops for
// manual review with no parallel fan-out.
func TestIdentityCriticalFailureParksWorkflow(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)
	e.fakes[contracts.SystemStripe].FailAlways("u1")

	wf := e.run(t, euRequest("u1"))

	assert.Equal(t, contracts.StatusAwaitingManualReview, wf.Status)
	assert.Equal(t, contracts.PhaseIdentityCritical, wf.Phase)
	assert.False(t, wf.IdentityCriticalCompleted)

	rec := wf.Step("stripe")
	assert.Equal(t, contracts.StepFailed, rec.Status)
	assert.Equal(t, 3, rec.Attempts)

	require.NotNil(t, wf.Checkpoints[contracts.PhaseIdentityCritical])
	assert.Equal(t, contracts.CheckpointFailed, wf.Checkpoints[contracts.PhaseIdentityCritical].Status)
	assert.Equal(t, []string{"stripe"}, wf.Checkpoints[contracts.PhaseIdentityCritical].FailedSteps)

	// The chain stopped: database and the parallel set never ran.
	for _, name := range []string{"database", "intercom", "sendgrid", "crm", "analytics"} {
		if rec, ok := wf.Steps[name]; ok {
			assert.Equal(t, contracts.StepNotStarted, rec.Status, "step %s", name)
		}
	}
	assert.Equal(t, 0, e.fakes[contracts.SystemDatabase].Calls("u1"))

	_, err := e.certs.Get(ctx, wf.WorkflowID)
	assert.ErrorIs(t, err, certificate.ErrNotFound, "no certificate for a parked workflow")

	types := auditEventTypes(t, e, wf.WorkflowID)
	assert.Contains(t, types, contracts.AuditStepFailed)
	assert.Contains(t, types, contracts.AuditCheckpointFailed)
}

// TestPermanentRejectionShortCircuitsRetries: a non-retryable vendor
// rejection fails the step at the attempt it happened on instead of burning
// the remaining retry budget with calls that cannot succeed.
func TestPermanentRejectionShortCircuitsRetries(t *testing.T) {
	e := newEngine(t)
	e.fakes[contracts.SystemStripe].RejectUser("u1")

	wf := e.run(t, euRequest("u1"))

	assert.Equal(t, contracts.StatusAwaitingManualReview, wf.Status)
	rec := wf.Step("stripe")
	assert.Equal(t, contracts.StepFailed, rec.Status)
	assert.Equal(t, 1, rec.Attempts, "a rejection terminates at the first attempt")
	assert.Equal(t, 1, e.fakes[contracts.SystemStripe].Calls("u1"), "no further vendor calls after a rejection")
	assert.Equal(t, 0, e.fakes[contracts.SystemDatabase].Calls("u1"))

	require.NotNil(t, wf.Checkpoints[contracts.PhaseIdentityCritical])
	assert.Equal(t, contracts.CheckpointFailed, wf.Checkpoints[contracts.PhaseIdentityCritical].Status)

	types := auditEventTypes(t, e, wf.WorkflowID)
	assert.Contains(t, types, contracts.AuditStepFailed)
}

// TestParallelFailureCompletesWithExceptions: a permanent CRM failure in the
// final deletion phase closes the workflow COMPLETED_WITH_EXCEPTIONS, with
// the failure on the certificate.
func TestParallelFailureCompletesWithExceptions(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)
	e.fakes[contracts.SystemCRM].FailAlways("u1")

	wf := e.run(t, euRequest("u1"))

	assert.Equal(t, contracts.StatusCompletedExceptions, wf.Status)
	assert.Equal(t, contracts.PhaseCompleted, wf.Phase)
	assert.Equal(t, contracts.StepFailed, wf.Step("crm").Status)
	for _, name := range []string{"stripe", "database", "intercom", "sendgrid", "analytics"} {
		assert.Equal(t, contracts.StepDeleted, wf.Step(name).Status, "step %s", name)
	}

	require.NotNil(t, wf.Checkpoints[contracts.PhaseParallelDeletion])
	assert.Equal(t, contracts.CheckpointFailed, wf.Checkpoints[contracts.PhaseParallelDeletion].Status)

	cert, err := e.certs.Get(ctx, wf.WorkflowID)
	require.NoError(t, err)
	require.Len(t, cert.Exceptions, 1)
	assert.Equal(t, "crm", cert.Exceptions[0].System)
	assert.Equal(t, contracts.StepFailed, cert.Exceptions[0].Status)
	require.NoError(t, certificate.Verify(cert, e.signer.PublicKey(), policy.PolicyVersion))

	// Exceptional completions still schedule re-verification.
	sched, err := e.scheduler.ForWorkflow(ctx, wf.WorkflowID)
	require.NoError(t, err)
	assert.NotNil(t, sched)

	completions := e.sink.Records(monitor.StreamCompletions)
	require.Len(t, completions, 1)
	assert.Equal(t, []string{"crm"}, completions[0].(monitor.CompletionRecord).FailedSteps)
}

// TestLegalHoldCompletes: a litigation hold on stripe replaces its deletion,
// the chain continues, and the workflow completes with the hold as a
// certificate exception.
func TestLegalHoldCompletes(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)
	seedAll(t, e, "u1")

	req := euRequest("u1")
	req.Reason = "LITIGATION_HOLD"
	wf := e.run(t, req)

	assert.Equal(t, contracts.StatusCompleted, wf.Status, "holds pass checkpoints")
	assert.Equal(t, contracts.PhaseCompleted, wf.Phase)

	held := wf.Step("stripe")
	assert.Equal(t, contracts.StepLegalHold, held.Status)
	assert.Equal(t, 0, held.Attempts)
	require.NotNil(t, held.Evidence)
	require.NotNil(t, held.Evidence.Hold)
	assert.NotEmpty(t, held.Evidence.Hold.Reason)

	// Stripe data stays put; everything else is gone.
	gone, err := e.fakes[contracts.SystemStripe].VerifyDeletion(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, gone)
	for _, name := range []string{"database", "intercom", "sendgrid", "crm", "analytics"} {
		assert.Equal(t, contracts.StepDeleted, wf.Step(name).Status, "step %s", name)
	}

	cert, err := e.certs.Get(ctx, wf.WorkflowID)
	require.NoError(t, err)
	require.Len(t, cert.Exceptions, 1)
	assert.Equal(t, "stripe", cert.Exceptions[0].System)
	assert.Equal(t, contracts.StepLegalHold, cert.Exceptions[0].Status)

	completions := e.sink.Records(monitor.StreamCompletions)
	require.Len(t, completions, 1)
	assert.Equal(t, []string{"stripe"}, completions[0].(monitor.CompletionRecord).LegalHolds)
}

// TestVendorReportedHold: the hold surfaces from the connector rather than a
// policy rule; identity-critical chaining must still continue.
func TestVendorReportedHold(t *testing.T) {
	e := newEngine(t)
	e.fakes[contracts.SystemStripe].HoldUser("u1")

	wf := e.run(t, euRequest("u1"))

	assert.Equal(t, contracts.StatusCompleted, wf.Status)
	assert.Equal(t, contracts.StepLegalHold, wf.Step("stripe").Status)
	assert.Equal(t, contracts.StepDeleted, wf.Step("database").Status, "chain continues past a held step")
}

// TestDuplicateRequest: identical submissions coalesce into one workflow with
// one certificate and one zombie schedule.
func TestDuplicateRequest(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)

	first, err := e.workflows.Create(ctx, euRequest("u1"))
	require.NoError(t, err)
	second, err := e.workflows.Create(ctx, euRequest("u1"))
	require.NoError(t, err)
	assert.Equal(t, first.WorkflowID, second.WorkflowID)
	e.quiesce(t)

	wf, err := e.workflows.Get(ctx, first.WorkflowID)
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusCompleted, wf.Status)

	_, err = e.certs.Get(ctx, wf.WorkflowID)
	require.NoError(t, err)
	sched, err := e.scheduler.ForWorkflow(ctx, wf.WorkflowID)
	require.NoError(t, err)
	assert.NotNil(t, sched)
}

// TestRedeliveryIsIdempotent replays control events against a completed
// workflow and expects no state drift.
func TestRedeliveryIsIdempotent(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)
	wf := e.run(t, euRequest("u1"))
	require.Equal(t, contracts.StatusCompleted, wf.Status)

	before, err := e.trail.Entries(ctx, wf.WorkflowID)
	require.NoError(t, err)
	receipt := wf.Step("stripe").Evidence.Receipt

	// Replay the kickoff and one deletion step, as a crashed node would.
	require.NoError(t, e.dispatcher.Publish(ctx, bus.Envelope{
		Topic:      contracts.TopicWorkflowCreated,
		WorkflowID: wf.WorkflowID,
		Payload: contracts.MustMarshal(contracts.WorkflowCreatedPayload{
			WorkflowID: wf.WorkflowID, Jurisdiction: wf.Jurisdiction,
		}),
	}))
	require.NoError(t, e.dispatcher.Publish(ctx, bus.Envelope{
		Topic:      contracts.DeletionTopic(contracts.SystemStripe),
		WorkflowID: wf.WorkflowID,
		Payload: contracts.MustMarshal(contracts.StepPayload{
			WorkflowID: wf.WorkflowID, User: wf.User, StepName: "stripe", Attempt: 1,
		}),
	}))
	e.quiesce(t)

	after, err := e.workflows.Get(ctx, wf.WorkflowID)
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusCompleted, after.Status)
	assert.Equal(t, receipt, after.Step("stripe").Evidence.Receipt, "receipts are never rewritten")

	entries, err := e.trail.Entries(ctx, wf.WorkflowID)
	require.NoError(t, err)
	assert.Len(t, entries, len(before), "replays append no new audit entries")
}

// TestPrematureParallelTriggerRejected: a forged or misrouted trigger before
// the identity-critical checkpoint must not fan out the parallel set.
func TestPrematureParallelTriggerRejected(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)
	e.fakes[contracts.SystemStripe].FailAlways("u1")

	wf := e.run(t, euRequest("u1"))
	require.Equal(t, contracts.StatusAwaitingManualReview, wf.Status)

	require.NoError(t, e.dispatcher.Publish(ctx, bus.Envelope{
		Topic:      contracts.TopicParallelDeletionTrigger,
		WorkflowID: wf.WorkflowID,
		Payload: contracts.MustMarshal(contracts.ParallelTriggerPayload{
			WorkflowID: wf.WorkflowID, User: wf.User,
		}),
	}))
	e.quiesce(t)

	for _, sys := range []contracts.System{contracts.SystemIntercom, contracts.SystemSendgrid, contracts.SystemCRM, contracts.SystemAnalytics} {
		assert.Equal(t, 0, e.fakes[sys].Calls("u1"), "system %s", sys)
	}
}

// TestCorruptChainFailsWorkflow: completion over a tampered audit chain
// fails the workflow instead of issuing a certificate.
func TestCorruptChainFailsWorkflow(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)
	e.fakes[contracts.SystemStripe].FailAlways("u1")

	// Park the workflow mid-pipeline, then corrupt its chain.
	wf := e.run(t, euRequest("u1"))
	require.Equal(t, contracts.StatusAwaitingManualReview, wf.Status)

	raw, err := e.store.Get(ctx, contracts.NSAuditTrails, wf.WorkflowID)
	require.NoError(t, err)
	var stored map[string]any
	require.NoError(t, json.Unmarshal(raw, &stored))
	entry := stored["entries"].([]any)[0].(map[string]any)
	entry["event"].(map[string]any)["data"].(map[string]any)["user_id"] = "someone-else"
	mutated, err := json.Marshal(stored)
	require.NoError(t, err)
	require.NoError(t, e.store.Set(ctx, contracts.NSAuditTrails, wf.WorkflowID, mutated))

	require.NoError(t, e.dispatcher.Publish(ctx, bus.Envelope{
		Topic:      contracts.TopicWorkflowCompleted,
		WorkflowID: wf.WorkflowID,
		Payload: contracts.MustMarshal(contracts.WorkflowCompletedPayload{
			WorkflowID: wf.WorkflowID, Status: contracts.StatusCompleted,
		}),
	}))
	e.quiesce(t)

	after, err := e.workflows.Get(ctx, wf.WorkflowID)
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusFailed, after.Status)

	_, err = e.certs.Get(ctx, wf.WorkflowID)
	assert.ErrorIs(t, err, certificate.ErrNotFound, "no certificate over a corrupt chain")

	var integrity bool
	for _, rec := range e.sink.Records(monitor.StreamErrors) {
		if rec.(monitor.ErrorRecord).Category == "integrity-failure" {
			integrity = true
		}
	}
	assert.True(t, integrity, "operators are alerted on integrity failure")
}

// TestOtherJurisdictionUnsignedCertificate: OTHER does not require signing,
// so the certificate is issued unsigned and verifies without a key.
func TestOtherJurisdictionUnsignedCertificate(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)

	req := euRequest("u1")
	req.Jurisdiction = contracts.JurisdictionOther
	wf := e.run(t, req)

	assert.Equal(t, contracts.StatusCompleted, wf.Status)
	cert, err := e.certs.Get(ctx, wf.WorkflowID)
	require.NoError(t, err)
	assert.Empty(t, cert.Signature)
	require.NoError(t, certificate.Verify(cert, "", policy.PolicyVersion))
}

// TestCancelledWorkflowDropsPendingWork: cancelling mid-flight stops
// deliveries and leaves the workflow CANCELLED without a certificate.
func TestCancelledWorkflowDropsPendingWork(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)
	e.fakes[contracts.SystemStripe].FailAlways("u1")

	wf := e.run(t, euRequest("u1"))
	require.Equal(t, contracts.StatusAwaitingManualReview, wf.Status)

	require.NoError(t, e.workflows.Cancel(ctx, wf.WorkflowID))
	e.quiesce(t)

	after, err := e.workflows.Get(ctx, wf.WorkflowID)
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusCancelled, after.Status)
	assert.True(t, e.dispatcher.IsCancelled(wf.WorkflowID))

	_, err = e.certs.Get(ctx, wf.WorkflowID)
	assert.ErrorIs(t, err, certificate.ErrNotFound)
}
