// Package workflow implements the durable workflow state manager: idempotent
// creation with user-level locking and request-hash dedupe, transactional
// step and checkpoint updates, and legal phase transitions. All mutations of
// one workflow are serialized by the dispatcher's per-workflow affinity;
// this package enforces the record-level invariants.
package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Debjyoti-19/ghostprotocol/pkg/audit"
	"github.com/Debjyoti-19/ghostprotocol/pkg/bus"
	"github.com/Debjyoti-19/ghostprotocol/pkg/canonicalize"
	"github.com/Debjyoti-19/ghostprotocol/pkg/contracts"
	"github.com/Debjyoti-19/ghostprotocol/pkg/policy"
	"github.com/Debjyoti-19/ghostprotocol/pkg/store"
)

// Publisher is the slice of the event bus the manager needs.
type Publisher interface {
	Publish(ctx context.Context, env bus.Envelope) error
}

// Canceller lets the manager drop pending bus events on workflow cancel.
type Canceller interface {
	Cancel(workflowID string)
}

// userLock pins a user to their active workflow for idempotent creation.
type userLock struct {
	UserID     string    `json:"user_id"`
	WorkflowID string    `json:"workflow_id"`
	LockedAt   time.Time `json:"locked_at"`
}

// requestIndex maps a request hash to the workflow it created.
type requestIndex struct {
	RequestHash string    `json:"request_hash"`
	WorkflowID  string    `json:"workflow_id"`
	CreatedAt   time.Time `json:"created_at"`
}

// allowed phase edges. parallel-deletion may skip background when the
// policy's background step set is empty.
var phaseEdges = map[contracts.Phase][]contracts.Phase{
	contracts.PhaseCreated:          {contracts.PhaseIdentityCritical},
	contracts.PhaseIdentityCritical: {contracts.PhaseParallelDeletion},
	contracts.PhaseParallelDeletion: {contracts.PhaseBackground, contracts.PhaseCompleted},
	contracts.PhaseBackground:       {contracts.PhaseCompleted},
}

// Manager owns workflow records and the invariants over them.
type Manager struct {
	store     store.StateStore
	policies  *policy.Manager
	trail     *audit.Trail
	publisher Publisher
	canceller Canceller
	logger    *slog.Logger
	now       func() time.Time

	// creating serializes Create per user so concurrent requests for the
	// same subject resolve to one workflow.
	creating sync.Map // userID -> *sync.Mutex
}

// NewManager wires the workflow state manager.
func NewManager(st store.StateStore, policies *policy.Manager, trail *audit.Trail, pub Publisher) *Manager {
	return &Manager{
		store:     st,
		policies:  policies,
		trail:     trail,
		publisher: pub,
		logger:    slog.Default().With("component", "workflow"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// WithCanceller attaches the bus-side cancel hook.
func (m *Manager) WithCanceller(c Canceller) *Manager {
	m.canceller = c
	return m
}

// WithClock overrides the manager's clock. Test hook.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// RequestHash computes the dedupe key for a request: the canonical hash of
// the identifying triple.
func RequestHash(req *contracts.ErasureRequest) (string, error) {
	return canonicalize.Hash(map[string]any{
		"user":         req.User,
		"legal_proof":  req.LegalProof,
		"jurisdiction": req.Jurisdiction,
	})
}

// Create builds and persists a new workflow, or returns the existing one
// when the request duplicates an earlier submission or the user already has
// an active workflow. Exactly one WORKFLOW_CREATED audit entry is produced
// per workflow.
func (m *Manager) Create(ctx context.Context, req *contracts.ErasureRequest) (*contracts.Workflow, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	if req.Jurisdiction != contracts.JurisdictionEU && req.Jurisdiction != contracts.JurisdictionUS {
		req.Jurisdiction = contracts.JurisdictionOther
	}

	reqHash, err := RequestHash(req)
	if err != nil {
		return nil, fmt.Errorf("hash request: %w", err)
	}

	muAny, _ := m.creating.LoadOrStore(req.User.UserID, &sync.Mutex{})
	mu := muAny.(*sync.Mutex)
	mu.Lock()
	defer mu.Unlock()

	// Identical resubmission: return the prior workflow while it is still
	// active. Once it is terminal an identical request (e.g. zombie
	// remediation) legitimately starts a fresh erasure.
	var idx requestIndex
	if ok, err := store.GetJSON(ctx, m.store, contracts.NSRequest, reqHash, &idx); err != nil {
		return nil, err
	} else if ok {
		prior, err := m.Get(ctx, idx.WorkflowID)
		if err == nil && !prior.Status.Terminal() {
			return prior, nil
		}
	}

	// Active workflow for the same user: return it instead of creating.
	var lock userLock
	lockKey := contracts.UserLockKey(req.User.UserID)
	if ok, err := store.GetJSON(ctx, m.store, contracts.NSWorkflow, lockKey, &lock); err != nil {
		return nil, err
	} else if ok {
		existing, err := m.Get(ctx, lock.WorkflowID)
		if err == nil && !existing.Status.Terminal() {
			return existing, nil
		}
		// Stale lock from a finished workflow: fall through and replace.
	}

	pol := m.policies.ForJurisdiction(req.Jurisdiction)
	now := m.now()

	wf := &contracts.Workflow{
		WorkflowID:         uuid.New().String(),
		RequestID:          req.RequestID,
		User:               req.User,
		Jurisdiction:       req.Jurisdiction,
		RequestedBy:        req.RequestedBy,
		LegalProof:         req.LegalProof,
		Reason:             req.Reason,
		OriginalWorkflowID: req.OriginalWorkflowID,
		PolicyVersion:      pol.Version,
		Phase:              contracts.PhaseCreated,
		Status:             contracts.StatusInProgress,
		CreatedAt:          now,
		UpdatedAt:          now,
		Steps:              make(map[string]*contracts.StepRecord),
		Checkpoints:        make(map[contracts.Phase]*contracts.CheckpointRecord),
		DataLineage:        req.DataLineage,
	}
	if wf.RequestID == "" {
		wf.RequestID = uuid.New().String()
	}

	if err := m.policies.RecordApplication(ctx, wf.WorkflowID, pol); err != nil {
		return nil, fmt.Errorf("record policy application: %w", err)
	}
	if err := m.save(ctx, wf); err != nil {
		return nil, err
	}
	if err := store.SetJSON(ctx, m.store, contracts.NSWorkflow, lockKey, userLock{
		UserID: req.User.UserID, WorkflowID: wf.WorkflowID, LockedAt: now,
	}); err != nil {
		return nil, err
	}
	if err := store.SetJSON(ctx, m.store, contracts.NSRequest, reqHash, requestIndex{
		RequestHash: reqHash, WorkflowID: wf.WorkflowID, CreatedAt: now,
	}); err != nil {
		return nil, err
	}

	if err := m.trail.Init(ctx, wf.WorkflowID, now); err != nil {
		return nil, err
	}
	if _, err := m.trail.Append(ctx, wf.WorkflowID, contracts.AuditEvent{
		EventType: contracts.AuditWorkflowCreated,
		Data: map[string]any{
			"request_id":     wf.RequestID,
			"user_id":        wf.User.UserID,
			"jurisdiction":   string(wf.Jurisdiction),
			"policy_version": wf.PolicyVersion,
			"reason":         wf.Reason,
		},
	}); err != nil {
		return nil, err
	}

	if err := m.publisher.Publish(ctx, bus.Envelope{
		Topic:      contracts.TopicWorkflowCreated,
		WorkflowID: wf.WorkflowID,
		Payload: contracts.MustMarshal(contracts.WorkflowCreatedPayload{
			WorkflowID:   wf.WorkflowID,
			Jurisdiction: wf.Jurisdiction,
		}),
	}); err != nil {
		return nil, fmt.Errorf("publish workflow-created: %w", err)
	}

	m.logger.Info("workflow created",
		"workflow_id", wf.WorkflowID,
		"user_id", wf.User.UserID,
		"jurisdiction", string(wf.Jurisdiction),
	)
	return wf, nil
}

// Get loads a workflow record.
func (m *Manager) Get(ctx context.Context, workflowID string) (*contracts.Workflow, error) {
	var wf contracts.Workflow
	ok, err := store.GetJSON(ctx, m.store, contracts.NSWorkflow, workflowID, &wf)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, NewStateError(workflowID, "workflow not found")
	}
	return &wf, nil
}

// Policy returns the snapshot recorded for a workflow at creation.
func (m *Manager) Policy(ctx context.Context, workflowID string) (*policy.Policy, error) {
	app, err := m.policies.GetApplication(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	return &app.Policy, nil
}

// StepPatch is a partial update of one step record.
type StepPatch struct {
	Status   *contracts.StepStatus
	Attempts *int
	Evidence *contracts.Evidence
}

// UpdateStep applies a patch to one step, enforcing monotonic status
// progression, the retry budget, and receipt write-once.
func (m *Manager) UpdateStep(ctx context.Context, workflowID, stepName string, patch StepPatch) (*contracts.Workflow, error) {
	wf, err := m.Get(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if wf.Status.Terminal() {
		return nil, NewStateError(workflowID, "cannot update step %s: workflow status %s is terminal", stepName, wf.Status)
	}

	rec := wf.Step(stepName)

	if patch.Status != nil {
		next := *patch.Status
		if rec.Status.Terminal() && next != rec.Status {
			return nil, NewStateError(workflowID, "step %s is terminal (%s), cannot move to %s", stepName, rec.Status, next)
		}
		if contracts.StepRank(next) < contracts.StepRank(rec.Status) {
			return nil, NewStateError(workflowID, "step %s: non-monotonic transition %s -> %s", stepName, rec.Status, next)
		}
		rec.Status = next
	}

	if patch.Attempts != nil {
		pol, err := m.Policy(ctx, workflowID)
		if err != nil {
			return nil, err
		}
		if *patch.Attempts > pol.MaxRetryAttempts {
			return nil, NewStateError(workflowID, "step %s: attempts %d exceeds budget %d", stepName, *patch.Attempts, pol.MaxRetryAttempts)
		}
		if *patch.Attempts > rec.Attempts {
			rec.Attempts = *patch.Attempts
		}
	}

	if patch.Evidence != nil {
		ev := *patch.Evidence
		if rec.Evidence != nil && rec.Evidence.Receipt != "" {
			// Receipt is written once; identical rewrites are silent no-ops.
			ev.Receipt = rec.Evidence.Receipt
		}
		rec.Evidence = &ev
	}

	wf.UpdatedAt = m.now()
	if err := m.save(ctx, wf); err != nil {
		return nil, err
	}
	return wf, nil
}

// RecordCheckpoint stores a phase checkpoint outcome on the workflow.
func (m *Manager) RecordCheckpoint(ctx context.Context, workflowID string, phase contracts.Phase, rec contracts.CheckpointRecord) (*contracts.Workflow, error) {
	wf, err := m.Get(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if wf.Checkpoints == nil {
		wf.Checkpoints = make(map[contracts.Phase]*contracts.CheckpointRecord)
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = m.now()
	}
	wf.Checkpoints[phase] = &rec
	wf.UpdatedAt = m.now()
	if err := m.save(ctx, wf); err != nil {
		return nil, err
	}
	return wf, nil
}

// AdvancePhase moves the workflow along a legal phase edge.
func (m *Manager) AdvancePhase(ctx context.Context, workflowID string, next contracts.Phase) (*contracts.Workflow, error) {
	wf, err := m.Get(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if wf.Status.Terminal() && wf.Status != contracts.StatusCompleted && wf.Status != contracts.StatusCompletedExceptions {
		return nil, NewStateError(workflowID, "cannot advance phase: status %s", wf.Status)
	}
	legal := false
	for _, p := range phaseEdges[wf.Phase] {
		if p == next {
			legal = true
			break
		}
	}
	if !legal {
		return nil, NewStateError(workflowID, "illegal phase transition %s -> %s", wf.Phase, next)
	}

	wf.Phase = next
	if next == contracts.PhaseParallelDeletion {
		wf.IdentityCriticalCompleted = true
	}
	wf.UpdatedAt = m.now()
	if err := m.save(ctx, wf); err != nil {
		return nil, err
	}
	return wf, nil
}

// SetStatus moves the workflow to a new status. Terminal statuses are
// sticky.
func (m *Manager) SetStatus(ctx context.Context, workflowID string, status contracts.WorkflowStatus) (*contracts.Workflow, error) {
	wf, err := m.Get(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if wf.Status.Terminal() && wf.Status != status {
		return nil, NewStateError(workflowID, "status %s is terminal, cannot move to %s", wf.Status, status)
	}
	wf.Status = status
	wf.UpdatedAt = m.now()
	if err := m.save(ctx, wf); err != nil {
		return nil, err
	}
	return wf, nil
}

// Cancel terminates a workflow: pending bus events are dropped and a single
// terminal STATE_UPDATED(cancelled) entry lands in the trail.
func (m *Manager) Cancel(ctx context.Context, workflowID string) error {
	wf, err := m.Get(ctx, workflowID)
	if err != nil {
		return err
	}
	if wf.Status.Terminal() {
		return NewStateError(workflowID, "cannot cancel: status %s is terminal", wf.Status)
	}

	if m.canceller != nil {
		m.canceller.Cancel(workflowID)
	}
	wf.Status = contracts.StatusCancelled
	wf.UpdatedAt = m.now()
	if err := m.save(ctx, wf); err != nil {
		return err
	}
	if err := m.releaseUserLock(ctx, wf); err != nil {
		return err
	}

	_, err = m.trail.Append(ctx, workflowID, contracts.AuditEvent{
		EventType: contracts.AuditStateUpdated,
		Data:      map[string]any{"status": string(contracts.StatusCancelled)},
	})
	return err
}

// OverrideStep forcibly re-opens or resolves a terminal step on operator
// authority. The override is recorded in the audit trail with the actor.
func (m *Manager) OverrideStep(ctx context.Context, workflowID, stepName string, status contracts.StepStatus, actor string) (*contracts.Workflow, error) {
	if actor == "" {
		return nil, &ValidationError{Field: "actor", Msg: "manual override requires an actor"}
	}
	wf, err := m.Get(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	rec := wf.Step(stepName)
	prev := rec.Status
	rec.Status = status
	wf.UpdatedAt = m.now()
	if err := m.save(ctx, wf); err != nil {
		return nil, err
	}

	if _, err := m.trail.Append(ctx, workflowID, contracts.AuditEvent{
		EventType: contracts.AuditStateUpdated,
		Data: map[string]any{
			"override": true,
			"step":     stepName,
			"from":     string(prev),
			"to":       string(status),
		},
		Metadata: map[string]string{"actor": actor},
	}); err != nil {
		return nil, err
	}
	return wf, nil
}

// ReleaseUserLock frees the user lock once a workflow reaches a terminal
// status, allowing a later re-erasure (e.g. zombie remediation) to create a
// fresh workflow.
func (m *Manager) ReleaseUserLock(ctx context.Context, workflowID string) error {
	wf, err := m.Get(ctx, workflowID)
	if err != nil {
		return err
	}
	return m.releaseUserLock(ctx, wf)
}

func (m *Manager) releaseUserLock(ctx context.Context, wf *contracts.Workflow) error {
	lockKey := contracts.UserLockKey(wf.User.UserID)
	var lock userLock
	ok, err := store.GetJSON(ctx, m.store, contracts.NSWorkflow, lockKey, &lock)
	if err != nil {
		return err
	}
	if ok && lock.WorkflowID == wf.WorkflowID {
		return m.store.Delete(ctx, contracts.NSWorkflow, lockKey)
	}
	return nil
}

func (m *Manager) save(ctx context.Context, wf *contracts.Workflow) error {
	return store.SetJSON(ctx, m.store, contracts.NSWorkflow, wf.WorkflowID, wf)
}
