package contracts

// State-store namespaces. Each namespace isolates one record family; keys
// within a namespace follow the builders below.
const (
	NSWorkflow           = "workflow"
	NSRequest            = "request"
	NSCertificate        = "certificate"
	NSAuditTrails        = "audit_trails"
	NSZombieSchedules    = "zombie_check_schedules"
	NSZombieByWorkflow   = "zombie_checks_by_workflow"
	NSPolicyApplications = "policy_applications"
	NSSystemData         = "system_data"
)

// CheckpointNamespace returns the per-workflow namespace holding checkpoint
// completion records accumulated by the validator.
func CheckpointNamespace(workflowID string) string {
	return "gdpr-checkpoint-" + workflowID
}

// UserLockKey is the key under NSWorkflow that pins a user to their active
// workflow for idempotent creation.
func UserLockKey(userID string) string {
	return "user:" + userID
}

// SystemDataKey addresses a presence probe record written by connectors.
func SystemDataKey(system, userID string) string {
	return system + ":user:" + userID
}
