package contracts

import "time"

// AuditEventType classifies audit-trail entries.
type AuditEventType string

const (
	AuditWorkflowCreated         AuditEventType = "WORKFLOW_CREATED"
	AuditStepStarted             AuditEventType = "STEP_STARTED"
	AuditStepCompleted           AuditEventType = "STEP_COMPLETED"
	AuditStepFailed              AuditEventType = "STEP_FAILED"
	AuditStateUpdated            AuditEventType = "STATE_UPDATED"
	AuditCheckpointPassed        AuditEventType = "CHECKPOINT_PASSED"
	AuditCheckpointFailed        AuditEventType = "CHECKPOINT_FAILED"
	AuditCertificateGenerated    AuditEventType = "CERTIFICATE_GENERATED"
	AuditZombieCheckScheduled    AuditEventType = "ZOMBIE_CHECK_SCHEDULED"
	AuditZombieCheckCompleted    AuditEventType = "ZOMBIE_CHECK_COMPLETED"
	AuditZombieCheckFailed       AuditEventType = "ZOMBIE_CHECK_FAILED"
	AuditIdentityCriticalStarted AuditEventType = "IDENTITY_CRITICAL_PHASE_STARTED"
)

// AuditEvent is the content of one audit-trail entry. The entry hash is
// computed over the canonical JSON form of this struct, so field types here
// must stay JSON-stable.
type AuditEvent struct {
	EventID    string            `json:"event_id"`
	WorkflowID string            `json:"workflow_id"`
	EventType  AuditEventType    `json:"event_type"`
	Timestamp  time.Time         `json:"timestamp"`
	Data       map[string]any    `json:"data,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// AuditEntry is one link of a workflow's hash chain.
type AuditEntry struct {
	Event        AuditEvent `json:"event"`
	Hash         string     `json:"hash"`
	PreviousHash string     `json:"previous_hash"`
}
