package contracts

import "time"

// ZombieStatus tracks a scheduled re-verification of deletion.
type ZombieStatus string

const (
	ZombieScheduled  ZombieStatus = "SCHEDULED"
	ZombieProcessing ZombieStatus = "PROCESSING"
	ZombieCompleted  ZombieStatus = "COMPLETED"
	ZombieFailed     ZombieStatus = "FAILED"
)

// ZombieSchedule re-verifies deletion a policy-defined interval after a
// workflow completed. Deleted only by explicit cancel.
type ZombieSchedule struct {
	ScheduleID         string          `json:"schedule_id"`
	WorkflowID         string          `json:"workflow_id"`
	User               UserIdentifiers `json:"user"`
	Jurisdiction       Jurisdiction    `json:"jurisdiction"`
	ScheduledFor       time.Time       `json:"scheduled_for"`
	Status             ZombieStatus    `json:"status"`
	SystemsToCheck     []string        `json:"systems_to_check"`
	ZombieDataDetected bool            `json:"zombie_data_detected"`
	ZombieDataSources  []string        `json:"zombie_data_sources,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
	CheckedAt          *time.Time      `json:"checked_at,omitempty"`
}
