// Package contracts defines the shared typed records exchanged between the
// erasure-workflow orchestrator, the state store, the event bus, and the
// audit trail. All persistence namespaces and bus topics are declared here so
// key construction stays in one place.
package contracts

import (
	"encoding/json"
	"time"
)

// Jurisdiction selects the policy profile applied to a workflow.
type Jurisdiction string

const (
	JurisdictionEU    Jurisdiction = "EU"
	JurisdictionUS    Jurisdiction = "US"
	JurisdictionOther Jurisdiction = "OTHER"
)

// Phase is the coarse position of a workflow in its deletion plan.
type Phase string

const (
	PhaseCreated          Phase = "created"
	PhaseIdentityCritical Phase = "identity-critical"
	PhaseParallelDeletion Phase = "parallel-deletion"
	PhaseBackground       Phase = "background"
	PhaseCompleted        Phase = "completed"
)

// phaseOrder gives the legal forward ordering of phases.
var phaseOrder = map[Phase]int{
	PhaseCreated:          0,
	PhaseIdentityCritical: 1,
	PhaseParallelDeletion: 2,
	PhaseBackground:       3,
	PhaseCompleted:        4,
}

// PhaseRank returns the position of p in the forward phase ordering,
// or -1 for an unknown phase.
func PhaseRank(p Phase) int {
	r, ok := phaseOrder[p]
	if !ok {
		return -1
	}
	return r
}

// WorkflowStatus is the operator-visible state of a workflow.
type WorkflowStatus string

const (
	StatusInProgress           WorkflowStatus = "IN_PROGRESS"
	StatusAwaitingManualReview WorkflowStatus = "AWAITING_MANUAL_REVIEW"
	StatusCompleted            WorkflowStatus = "COMPLETED"
	StatusCompletedExceptions  WorkflowStatus = "COMPLETED_WITH_EXCEPTIONS"
	StatusFailed               WorkflowStatus = "FAILED"
	StatusCancelled            WorkflowStatus = "CANCELLED"
)

// Terminal reports whether s admits no further transitions.
func (s WorkflowStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCompletedExceptions, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// StepStatus tracks a single external-system deletion.
type StepStatus string

const (
	StepNotStarted StepStatus = "NOT_STARTED"
	StepInProgress StepStatus = "IN_PROGRESS"
	StepDeleted    StepStatus = "DELETED"
	StepFailed     StepStatus = "FAILED"
	StepLegalHold  StepStatus = "LEGAL_HOLD"
)

// stepRank enforces monotonic step-status progression. DELETED, FAILED and
// LEGAL_HOLD are terminal absent an explicit manual override.
var stepRank = map[StepStatus]int{
	StepNotStarted: 0,
	StepInProgress: 1,
	StepDeleted:    2,
	StepFailed:     2,
	StepLegalHold:  2,
}

// StepRank returns the monotonicity rank of a step status.
func StepRank(s StepStatus) int { return stepRank[s] }

// Terminal reports whether the step status admits no further transitions.
func (s StepStatus) Terminal() bool {
	return s == StepDeleted || s == StepFailed || s == StepLegalHold
}

// UserIdentifiers names the data subject across external systems.
type UserIdentifiers struct {
	UserID  string   `json:"user_id"`
	Emails  []string `json:"emails,omitempty"`
	Phones  []string `json:"phones,omitempty"`
	Aliases []string `json:"aliases,omitempty"`
}

// HoldEvidence records why a step was held instead of deleted.
type HoldEvidence struct {
	Reason     string    `json:"reason"`
	Conditions []string  `json:"conditions,omitempty"`
	AppliedAt  time.Time `json:"applied_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Evidence is the proof attached to a completed step. Receipt is written
// once; re-executions of a successful step must not alter it.
type Evidence struct {
	Receipt     string          `json:"receipt,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
	APIResponse json.RawMessage `json:"api_response,omitempty"`
	Hold        *HoldEvidence   `json:"hold,omitempty"`
}

// StepRecord tracks one external-system deletion within a workflow.
type StepRecord struct {
	Status   StepStatus `json:"status"`
	Attempts int        `json:"attempts"`
	Evidence *Evidence  `json:"evidence,omitempty"`
}

// CheckpointStatus is the outcome of a phase join-point.
type CheckpointStatus string

const (
	CheckpointPassed CheckpointStatus = "PASSED"
	CheckpointFailed CheckpointStatus = "FAILED"
)

// CheckpointRecord is the recorded outcome of a phase checkpoint.
type CheckpointRecord struct {
	Status         CheckpointStatus `json:"status"`
	ValidatedSteps []string         `json:"validated_steps"`
	FailedSteps    []string         `json:"failed_steps,omitempty"`
	Timestamp      time.Time        `json:"timestamp"`
}

// Workflow is the primary aggregate of the erasure engine.
type Workflow struct {
	WorkflowID                string                      `json:"workflow_id"`
	RequestID                 string                      `json:"request_id"`
	User                      UserIdentifiers             `json:"user"`
	Jurisdiction              Jurisdiction                `json:"jurisdiction"`
	RequestedBy               string                      `json:"requested_by"`
	LegalProof                string                      `json:"legal_proof"`
	Reason                    string                      `json:"reason,omitempty"`
	OriginalWorkflowID        string                      `json:"original_workflow_id,omitempty"`
	PolicyVersion             string                      `json:"policy_version"`
	Phase                     Phase                       `json:"phase"`
	Status                    WorkflowStatus              `json:"status"`
	CreatedAt                 time.Time                   `json:"created_at"`
	UpdatedAt                 time.Time                   `json:"updated_at"`
	IdentityCriticalCompleted bool                        `json:"identity_critical_completed"`
	Steps                     map[string]*StepRecord      `json:"steps"`
	Checkpoints               map[Phase]*CheckpointRecord `json:"checkpoints"`
	DataLineage               json.RawMessage             `json:"data_lineage,omitempty"`
}

// Step returns the record for stepName, creating it lazily.
func (w *Workflow) Step(stepName string) *StepRecord {
	if w.Steps == nil {
		w.Steps = make(map[string]*StepRecord)
	}
	rec, ok := w.Steps[stepName]
	if !ok {
		rec = &StepRecord{Status: StepNotStarted}
		w.Steps[stepName] = rec
	}
	return rec
}

// ErasureRequest is the inbound request that creates a workflow.
type ErasureRequest struct {
	RequestID          string          `json:"request_id,omitempty"`
	User               UserIdentifiers `json:"user"`
	Jurisdiction       Jurisdiction    `json:"jurisdiction"`
	RequestedBy        string          `json:"requested_by"`
	LegalProof         string          `json:"legal_proof"`
	Reason             string          `json:"reason,omitempty"`
	OriginalWorkflowID string          `json:"original_workflow_id,omitempty"`
	DataLineage        json.RawMessage `json:"data_lineage,omitempty"`
}

// ReasonZombieData marks a remediation request spawned by the zombie scanner.
const ReasonZombieData = "ZOMBIE_DATA_DETECTED"
