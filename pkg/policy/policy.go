// Package policy resolves the jurisdictional rules that parameterize an
// erasure workflow: retention windows, legal-hold rules, confidence
// thresholds, zombie-check intervals, and deletion timelines. Policies are
// built in, versioned, and immutable within a version; the full policy
// applied to a workflow is snapshotted so later reads cannot drift.
package policy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/Debjyoti-19/ghostprotocol/pkg/contracts"
	"github.com/Debjyoti-19/ghostprotocol/pkg/store"
)

// ErrUnknownSystem is returned when a retention rule is requested for a
// system outside the fixed erasure set.
var ErrUnknownSystem = errors.New("policy: unknown system")

// RetentionRule bounds how long one system may retain subject data.
// Priorities 1-2 are identity-critical, 3-4 parallel, 5 background.
type RetentionRule struct {
	System        string `json:"system"`
	RetentionDays int    `json:"retention_days"`
	Priority      int    `json:"priority"`
	Notes         string `json:"notes,omitempty"`
}

// HoldRule describes when a system's deletion may be replaced by a legal
// hold. Conditions are CEL expressions evaluated against the workflow.
type HoldRule struct {
	System          string   `json:"system"`
	Conditions      []string `json:"conditions"`
	MaxDurationDays int      `json:"max_duration_days"`
}

// Thresholds gate automatic deletion versus manual review of PII findings.
// AutoDelete must be >= ManualReview.
type Thresholds struct {
	AutoDelete   float64 `json:"auto_delete"`
	ManualReview float64 `json:"manual_review"`
}

// Timeline bounds how quickly each phase must complete.
type Timeline struct {
	IdentityCriticalHours int `json:"identity_critical_hours"`
	NonCriticalHours      int `json:"non_critical_hours"`
	BackgroundScansDays   int `json:"background_scans_days"`
}

// CertificateRequirements control certificate issuance per jurisdiction.
type CertificateRequirements struct {
	SignCertificates bool `json:"sign_certificates"`
	IncludeReceipts  bool `json:"include_receipts"`
}

// Policy is the full rule set for one jurisdiction at one version.
type Policy struct {
	Version              string                  `json:"version"`
	Jurisdiction         contracts.Jurisdiction  `json:"jurisdiction"`
	RetentionRules       []RetentionRule         `json:"retention_rules"`
	LegalHoldRules       []HoldRule              `json:"legal_hold_rules,omitempty"`
	ZombieCheckDays      int                     `json:"zombie_check_interval_days"`
	Thresholds           Thresholds              `json:"confidence_thresholds"`
	Timeline             Timeline                `json:"deletion_timeline"`
	Certificate          CertificateRequirements `json:"certificate_requirements"`
	MaxRetryAttempts     int                     `json:"max_retry_attempts"`
	RetentionYearsAudit  int                     `json:"audit_retention_years"`
}

// RequiredSteps returns the step names required in the given phase, derived
// from retention-rule priorities.
func (p *Policy) RequiredSteps(phase contracts.Phase) []string {
	var lo, hi int
	switch phase {
	case contracts.PhaseIdentityCritical:
		lo, hi = 1, 2
	case contracts.PhaseParallelDeletion:
		lo, hi = 3, 4
	case contracts.PhaseBackground:
		lo, hi = 5, 5
	default:
		return nil
	}
	var steps []string
	for _, r := range p.RetentionRules {
		if r.Priority >= lo && r.Priority <= hi {
			steps = append(steps, r.System)
		}
	}
	return steps
}

// AllSystems returns every system named by the policy's retention rules.
func (p *Policy) AllSystems() []string {
	out := make([]string, 0, len(p.RetentionRules))
	for _, r := range p.RetentionRules {
		out = append(out, r.System)
	}
	return out
}

// Application is the snapshot of a policy at the moment it was applied to a
// workflow.
type Application struct {
	WorkflowID string    `json:"workflow_id"`
	Policy     Policy    `json:"policy"`
	AppliedAt  time.Time `json:"applied_at"`
}

// Manager serves built-in policies and records per-workflow applications.
type Manager struct {
	store    store.StateStore
	policies map[contracts.Jurisdiction]*Policy
	now      func() time.Time
}

// NewManager creates a policy manager over the built-in policy set.
func NewManager(st store.StateStore) *Manager {
	return &Manager{
		store:    st,
		policies: builtinPolicies(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// ForJurisdiction resolves the policy for j. Unknown jurisdictions fall back
// to OTHER.
func (m *Manager) ForJurisdiction(j contracts.Jurisdiction) *Policy {
	if p, ok := m.policies[j]; ok {
		return p
	}
	return m.policies[contracts.JurisdictionOther]
}

// RetentionRule returns the rule for system under jurisdiction j.
func (m *Manager) RetentionRule(system string, j contracts.Jurisdiction) (*RetentionRule, error) {
	p := m.ForJurisdiction(j)
	for i := range p.RetentionRules {
		if p.RetentionRules[i].System == system {
			return &p.RetentionRules[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownSystem, system)
}

// ConfidenceThresholds returns the PII-finding thresholds for j.
func (m *Manager) ConfidenceThresholds(j contracts.Jurisdiction) Thresholds {
	return m.ForJurisdiction(j).Thresholds
}

// ZombieCheckInterval returns the re-verification interval in days for j.
func (m *Manager) ZombieCheckInterval(j contracts.Jurisdiction) int {
	return m.ForJurisdiction(j).ZombieCheckDays
}

// RecordApplication snapshots the policy applied to a workflow.
func (m *Manager) RecordApplication(ctx context.Context, workflowID string, p *Policy) error {
	app := Application{WorkflowID: workflowID, Policy: *p, AppliedAt: m.now()}
	return store.SetJSON(ctx, m.store, contracts.NSPolicyApplications, workflowID, app)
}

// GetApplication loads the policy snapshot recorded for a workflow.
func (m *Manager) GetApplication(ctx context.Context, workflowID string) (*Application, error) {
	var app Application
	ok, err := store.GetJSON(ctx, m.store, contracts.NSPolicyApplications, workflowID, &app)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("policy: no application recorded for workflow %s", workflowID)
	}
	return &app, nil
}

// CompatibleVersions reports whether a certificate issued under
// issuedVersion verifies under currentVersion: same major version.
func CompatibleVersions(issuedVersion, currentVersion string) (bool, error) {
	iv, err := semver.NewVersion(issuedVersion)
	if err != nil {
		return false, fmt.Errorf("policy: bad issued version %q: %w", issuedVersion, err)
	}
	cv, err := semver.NewVersion(currentVersion)
	if err != nil {
		return false, fmt.Errorf("policy: bad current version %q: %w", currentVersion, err)
	}
	return iv.Major() == cv.Major(), nil
}
