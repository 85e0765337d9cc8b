package policy

import "github.com/Debjyoti-19/ghostprotocol/pkg/contracts"

// PolicyVersion is the version of the built-in policy set. Bumping the major
// component rotates the certificate signing key.
const PolicyVersion = "2.1.0"

// Built-in jurisdictional policies. Invariants kept by these tables (and
// asserted in tests):
//   - every system in the fixed erasure set has a retention rule with
//     priority in [1,5];
//   - identity-critical retention and zombie intervals order EU <= US <= OTHER;
//   - auto-delete threshold >= manual-review threshold.
func builtinPolicies() map[contracts.Jurisdiction]*Policy {
	return map[contracts.Jurisdiction]*Policy{
		contracts.JurisdictionEU: {
			Version:      PolicyVersion,
			Jurisdiction: contracts.JurisdictionEU,
			RetentionRules: []RetentionRule{
				{System: "stripe", RetentionDays: 30, Priority: 1, Notes: "payment records; statutory invoice copies excluded"},
				{System: "database", RetentionDays: 30, Priority: 2, Notes: "primary user record"},
				{System: "intercom", RetentionDays: 60, Priority: 3},
				{System: "sendgrid", RetentionDays: 60, Priority: 3},
				{System: "crm", RetentionDays: 60, Priority: 4},
				{System: "analytics", RetentionDays: 90, Priority: 4},
			},
			LegalHoldRules: []HoldRule{
				{
					System:          "stripe",
					Conditions:      []string{`jurisdiction == "EU" && reason == "LITIGATION_HOLD"`},
					MaxDurationDays: 3650,
				},
			},
			ZombieCheckDays:     30,
			Thresholds:          Thresholds{AutoDelete: 0.95, ManualReview: 0.75},
			Timeline:            Timeline{IdentityCriticalHours: 24, NonCriticalHours: 72, BackgroundScansDays: 30},
			Certificate:         CertificateRequirements{SignCertificates: true, IncludeReceipts: true},
			MaxRetryAttempts:    3,
			RetentionYearsAudit: 7,
		},
		contracts.JurisdictionUS: {
			Version:      PolicyVersion,
			Jurisdiction: contracts.JurisdictionUS,
			RetentionRules: []RetentionRule{
				{System: "stripe", RetentionDays: 90, Priority: 1, Notes: "state-level regimes vary; CCPA baseline"},
				{System: "database", RetentionDays: 90, Priority: 2},
				{System: "intercom", RetentionDays: 120, Priority: 3},
				{System: "sendgrid", RetentionDays: 120, Priority: 3},
				{System: "crm", RetentionDays: 180, Priority: 4},
				{System: "analytics", RetentionDays: 180, Priority: 4},
			},
			LegalHoldRules: []HoldRule{
				{
					System:          "database",
					Conditions:      []string{`jurisdiction == "US" && reason == "LITIGATION_HOLD"`},
					MaxDurationDays: 2555,
				},
			},
			ZombieCheckDays:     45,
			Thresholds:          Thresholds{AutoDelete: 0.9, ManualReview: 0.7},
			Timeline:            Timeline{IdentityCriticalHours: 48, NonCriticalHours: 120, BackgroundScansDays: 45},
			Certificate:         CertificateRequirements{SignCertificates: true, IncludeReceipts: true},
			MaxRetryAttempts:    3,
			RetentionYearsAudit: 7,
		},
		contracts.JurisdictionOther: {
			Version:      PolicyVersion,
			Jurisdiction: contracts.JurisdictionOther,
			RetentionRules: []RetentionRule{
				{System: "stripe", RetentionDays: 180, Priority: 1},
				{System: "database", RetentionDays: 180, Priority: 2},
				{System: "intercom", RetentionDays: 365, Priority: 3},
				{System: "sendgrid", RetentionDays: 365, Priority: 3},
				{System: "crm", RetentionDays: 365, Priority: 4},
				{System: "analytics", RetentionDays: 365, Priority: 4},
			},
			ZombieCheckDays:     60,
			Thresholds:          Thresholds{AutoDelete: 0.85, ManualReview: 0.6},
			Timeline:            Timeline{IdentityCriticalHours: 72, NonCriticalHours: 168, BackgroundScansDays: 60},
			Certificate:         CertificateRequirements{SignCertificates: false, IncludeReceipts: true},
			MaxRetryAttempts:    3,
			RetentionYearsAudit: 7,
		},
	}
}
