// Package certificate issues and verifies certificates of destruction. A
// certificate anchors the workflow's audit hash root, carries per-system
// deletion receipts, lists exceptions for holds and failures, and is signed
// with an ed25519 key derived from the policy version when the jurisdiction
// requires signing.
package certificate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/Debjyoti-19/ghostprotocol/pkg/canonicalize"
	"github.com/Debjyoti-19/ghostprotocol/pkg/contracts"
	"github.com/Debjyoti-19/ghostprotocol/pkg/crypto"
	"github.com/Debjyoti-19/ghostprotocol/pkg/policy"
	"github.com/Debjyoti-19/ghostprotocol/pkg/store"
)

var (
	// ErrNotFound is returned when no certificate exists for a workflow.
	ErrNotFound = errors.New("certificate: not found")
	// ErrSignatureInvalid is returned when verification fails.
	ErrSignatureInvalid = errors.New("certificate: signature invalid")
	// ErrVersionIncompatible is returned when the issuing policy version is
	// from a different major line than the verifier's.
	ErrVersionIncompatible = errors.New("certificate: policy version incompatible")
)

// signingPayload is the exact structure whose canonical JSON is signed. The
// receipts and exceptions are committed indirectly: they are audited before
// issuance, so the hash root covers them.
type signingPayload struct {
	WorkflowID    string    `json:"workflowId"`
	AuditHashRoot string    `json:"auditHashRoot"`
	PolicyVersion string    `json:"policyVersion"`
	IssuedAt      time.Time `json:"issuedAt"`
}

// SigningBytes returns the canonical byte string a certificate's signature
// covers.
func SigningBytes(c *contracts.Certificate) ([]byte, error) {
	return canonicalize.JCS(signingPayload{
		WorkflowID:    c.WorkflowID,
		AuditHashRoot: c.AuditHashRoot,
		PolicyVersion: c.PolicyVersion,
		IssuedAt:      c.IssuedAt.UTC(),
	})
}

// Generator issues certificates at workflow completion.
type Generator struct {
	store  store.StateStore
	signer crypto.Signer
	logger *slog.Logger
	now    func() time.Time
}

// NewGenerator wires the certificate generator. signer may be nil when no
// jurisdiction served by this node requires signed certificates.
func NewGenerator(st store.StateStore, signer crypto.Signer) *Generator {
	return &Generator{
		store:  st,
		signer: signer,
		logger: slog.Default().With("component", "certificate"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the generator's clock. Test hook.
func (g *Generator) WithClock(now func() time.Time) *Generator {
	g.now = now
	return g
}

// Issue builds, signs (when the policy requires it) and persists the
// certificate for a finished workflow. Receipts come from step evidence;
// every step that did not end DELETED becomes an exception.
func (g *Generator) Issue(ctx context.Context, wf *contracts.Workflow, pol *policy.Policy, auditHashRoot string) (*contracts.Certificate, error) {
	cert := &contracts.Certificate{
		CertificateID: uuid.New().String(),
		WorkflowID:    wf.WorkflowID,
		AuditHashRoot: auditHashRoot,
		PolicyVersion: pol.Version,
		IssuedAt:      g.now(),
	}

	names := make([]string, 0, len(wf.Steps))
	for name := range wf.Steps {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		rec := wf.Steps[name]
		if pol.Certificate.IncludeReceipts {
			sr := contracts.SystemReceipt{System: name, Status: rec.Status}
			if rec.Evidence != nil {
				sr.Receipt = rec.Evidence.Receipt
				sr.Timestamp = rec.Evidence.Timestamp
			}
			cert.SystemReceipts = append(cert.SystemReceipts, sr)
		}
		switch rec.Status {
		case contracts.StepFailed:
			cert.Exceptions = append(cert.Exceptions, contracts.CertificateException{
				System: name, Status: rec.Status, Reason: "deletion failed after exhausting retries",
			})
		case contracts.StepLegalHold:
			reason := "legal hold"
			if rec.Evidence != nil && rec.Evidence.Hold != nil {
				reason = rec.Evidence.Hold.Reason
			}
			cert.Exceptions = append(cert.Exceptions, contracts.CertificateException{
				System: name, Status: rec.Status, Reason: reason,
			})
		}
	}

	if pol.Certificate.SignCertificates {
		if g.signer == nil {
			return nil, fmt.Errorf("certificate: policy %s requires signing but no signer is configured", pol.Version)
		}
		data, err := SigningBytes(cert)
		if err != nil {
			return nil, fmt.Errorf("certificate: canonicalize signing payload: %w", err)
		}
		sig, err := g.signer.Sign(data)
		if err != nil {
			return nil, fmt.Errorf("certificate: sign: %w", err)
		}
		cert.Signature = sig
		cert.SignatureType = crypto.SigPrefixEd25519 + crypto.SigSeparator + g.signer.KeyID()
	}

	if err := store.SetJSON(ctx, g.store, contracts.NSCertificate, wf.WorkflowID, cert); err != nil {
		return nil, err
	}

	g.logger.Info("certificate issued",
		"workflow_id", wf.WorkflowID,
		"certificate_id", cert.CertificateID,
		"signed", cert.Signature != "",
		"exceptions", len(cert.Exceptions),
	)
	return cert, nil
}

// Get loads the certificate issued for a workflow.
func (g *Generator) Get(ctx context.Context, workflowID string) (*contracts.Certificate, error) {
	var cert contracts.Certificate
	ok, err := store.GetJSON(ctx, g.store, contracts.NSCertificate, workflowID, &cert)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: workflow %s", ErrNotFound, workflowID)
	}
	return &cert, nil
}

// Verify checks a certificate's signature against pubKeyHex and confirms its
// issuing policy version is compatible with currentVersion. Unsigned
// certificates verify only when their jurisdiction did not require signing,
// which the caller asserts by passing an empty pubKeyHex.
func Verify(cert *contracts.Certificate, pubKeyHex, currentVersion string) error {
	ok, err := policy.CompatibleVersions(cert.PolicyVersion, currentVersion)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: issued %s, current %s", ErrVersionIncompatible, cert.PolicyVersion, currentVersion)
	}

	if cert.Signature == "" {
		if pubKeyHex == "" {
			return nil
		}
		return fmt.Errorf("%w: certificate is unsigned", ErrSignatureInvalid)
	}

	data, err := SigningBytes(cert)
	if err != nil {
		return fmt.Errorf("certificate: canonicalize signing payload: %w", err)
	}
	valid, err := crypto.Verify(pubKeyHex, cert.Signature, data)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
	if !valid {
		return ErrSignatureInvalid
	}
	return nil
}
