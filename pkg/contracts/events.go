package contracts

import (
	"encoding/json"
	"time"
)

// System names an external system holding personal data. Step records and
// deletion topics are keyed by system name.
type System string

const (
	SystemStripe    System = "stripe"
	SystemDatabase  System = "database"
	SystemIntercom  System = "intercom"
	SystemSendgrid  System = "sendgrid"
	SystemCRM       System = "crm"
	SystemAnalytics System = "analytics"
)

// Systems is the fixed set of erasure targets, in identity-critical-first
// order.
var Systems = []System{
	SystemStripe,
	SystemDatabase,
	SystemIntercom,
	SystemSendgrid,
	SystemCRM,
	SystemAnalytics,
}

// Bus topics. One topic per deletion step plus the control-flow topics that
// drive the orchestrator. Every payload type below is fixed per topic; the
// dispatcher routes on the topic tag alone.
const (
	TopicWorkflowCreated         = "workflow-created"
	TopicStepCompleted           = "step-completed"
	TopicStepFailed              = "step-failed"
	TopicParallelStepCompleted   = "parallel-step-completed"
	TopicCheckpointValidation    = "checkpoint-validation"
	TopicCheckpointPassed        = "checkpoint-passed"
	TopicCheckpointFailed        = "checkpoint-failed"
	TopicParallelDeletionTrigger = "parallel-deletion-trigger"
	TopicWorkflowCompleted       = "workflow-completed"
	TopicZombieCheckScheduled    = "zombie-check-scheduled"
	TopicZombieCheckCompleted    = "zombie-check-completed"
	TopicZombieDataDetected      = "zombie-data-detected"
	TopicCreateErasureRequest    = "create-erasure-request"
)

// Audit entries never ride the bus: handlers append to the trail before
// emitting the event that depends on them, so the chain write is already
// durable when downstream handlers run.

// DeletionTopic returns the bus topic driving the deletion step for system.
func DeletionTopic(system System) string {
	return string(system) + "-deletion"
}

// WorkflowCreatedPayload announces a freshly persisted workflow.
type WorkflowCreatedPayload struct {
	WorkflowID   string       `json:"workflow_id"`
	Jurisdiction Jurisdiction `json:"jurisdiction"`
}

// StepPayload drives one deletion-step execution attempt.
type StepPayload struct {
	WorkflowID string          `json:"workflow_id"`
	User       UserIdentifiers `json:"user"`
	StepName   string          `json:"step_name"`
	Attempt    int             `json:"attempt"`
}

// StepResultPayload reports a terminal step outcome on step-completed and
// step-failed.
type StepResultPayload struct {
	WorkflowID string     `json:"workflow_id"`
	StepName   string     `json:"step_name"`
	Status     StepStatus `json:"status"`
	Receipt    string     `json:"receipt,omitempty"`
	Error      string     `json:"error,omitempty"`
	Attempts   int        `json:"attempts"`
}

// CheckpointValidationPayload feeds the checkpoint validator join-point.
type CheckpointValidationPayload struct {
	WorkflowID  string     `json:"workflow_id"`
	StepName    string     `json:"step_name"`
	Status      StepStatus `json:"status"`
	CompletedAt time.Time  `json:"completed_at"`
}

// CheckpointResultPayload reports a phase checkpoint outcome.
type CheckpointResultPayload struct {
	WorkflowID     string           `json:"workflow_id"`
	Phase          Phase            `json:"phase"`
	Status         CheckpointStatus `json:"status"`
	ValidatedSteps []string         `json:"validated_steps"`
	FailedSteps    []string         `json:"failed_steps,omitempty"`
}

// ParallelTriggerPayload fans out the non-critical deletion set.
type ParallelTriggerPayload struct {
	WorkflowID string          `json:"workflow_id"`
	User       UserIdentifiers `json:"user"`
	Steps      []string        `json:"steps"`
}

// WorkflowCompletedPayload signals that all phases have terminated.
type WorkflowCompletedPayload struct {
	WorkflowID string         `json:"workflow_id"`
	Status     WorkflowStatus `json:"status"`
}

// ZombieCheckPayload reports scheduler and scanner activity.
type ZombieCheckPayload struct {
	ScheduleID         string    `json:"schedule_id"`
	WorkflowID         string    `json:"workflow_id"`
	ScheduledFor       time.Time `json:"scheduled_for,omitempty"`
	ZombieDataDetected bool      `json:"zombie_data_detected,omitempty"`
	ZombieDataSources  []string  `json:"zombie_data_sources,omitempty"`
}

// ZombieAlertPayload escalates detected zombie data to the legal team.
type ZombieAlertPayload struct {
	WorkflowID        string   `json:"workflow_id"`
	Severity          string   `json:"severity"`
	AlertLegalTeam    bool     `json:"alert_legal_team"`
	ZombieDataSources []string `json:"zombie_data_sources"`
}

// MustMarshal serializes a payload that is known to be marshalable.
// Payload structs above contain no channels, funcs, or cycles.
func MustMarshal(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic("contracts: unmarshalable payload: " + err.Error())
	}
	return b
}
