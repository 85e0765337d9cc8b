package contracts

import "time"

// SystemReceipt binds one step's deletion proof into a certificate.
type SystemReceipt struct {
	System    string     `json:"system"`
	Receipt   string     `json:"receipt,omitempty"`
	Status    StepStatus `json:"status"`
	Timestamp time.Time  `json:"timestamp"`
}

// CertificateException flags a step that did not end in DELETED: legal holds
// and terminal failures both surface here.
type CertificateException struct {
	System string     `json:"system"`
	Status StepStatus `json:"status"`
	Reason string     `json:"reason,omitempty"`
}

// Certificate is the signed certificate of destruction anchoring the audit
// hash root at issuance time.
type Certificate struct {
	CertificateID  string                 `json:"certificate_id"`
	WorkflowID     string                 `json:"workflow_id"`
	AuditHashRoot  string                 `json:"audit_hash_root"`
	Signature      string                 `json:"signature,omitempty"`
	SignatureType  string                 `json:"signature_type,omitempty"`
	SystemReceipts []SystemReceipt        `json:"system_receipts"`
	Exceptions     []CertificateException `json:"exceptions,omitempty"`
	PolicyVersion  string                 `json:"policy_version"`
	IssuedAt       time.Time              `json:"issued_at"`
}
