package orchestrator

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/Debjyoti-19/ghostprotocol/pkg/bus"
	"github.com/Debjyoti-19/ghostprotocol/pkg/certificate"
	"github.com/Debjyoti-19/ghostprotocol/pkg/contracts"
	"github.com/Debjyoti-19/ghostprotocol/pkg/monitor"
)

// handleWorkflowCompleted finalizes a workflow: verifies the audit chain,
// issues the certificate of destruction anchored at the chain head,
// schedules the zombie re-verification, sets the terminal status, and
// releases the user lock so a later remediation can create a fresh workflow.
func (o *Orchestrator) handleWorkflowCompleted(ctx context.Context, env bus.Envelope) error {
	var p contracts.WorkflowCompletedPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		o.logger.Error("malformed workflow-completed payload, dropping", "error", err)
		return nil
	}

	wf, err := o.workflows.Get(ctx, p.WorkflowID)
	if err != nil {
		return err
	}
	if wf.Status.Terminal() {
		return nil
	}

	// A corrupt chain is non-recoverable: mark FAILED and alert, do not
	// issue a certificate over untrustworthy evidence.
	corruptAt, err := o.trail.DetectTampering(ctx, wf.WorkflowID)
	if err != nil {
		return err
	}
	if corruptAt >= 0 {
		if _, err := o.workflows.SetStatus(ctx, wf.WorkflowID, contracts.StatusFailed); err != nil {
			return err
		}
		o.monitor.Error(monitor.ErrorRecord{
			WorkflowID:  wf.WorkflowID,
			Category:    "integrity-failure",
			Remediation: "audit chain corrupt; restore from backup and escalate to operators",
			Retryable:   false,
		})
		o.logger.Error("audit chain corrupt at completion",
			"workflow_id", wf.WorkflowID, "corrupt_index", corruptAt)
		return nil
	}

	pol, err := o.workflows.Policy(ctx, wf.WorkflowID)
	if err != nil {
		return err
	}

	cert, err := o.certs.Get(ctx, wf.WorkflowID)
	switch {
	case errors.Is(err, certificate.ErrNotFound):
		head, err := o.trail.HeadHash(ctx, wf.WorkflowID)
		if err != nil {
			return err
		}
		cert, err = o.certs.Issue(ctx, wf, pol, head)
		if err != nil {
			return err
		}
		if _, err := o.trail.Append(ctx, wf.WorkflowID, contracts.AuditEvent{
			EventType: contracts.AuditCertificateGenerated,
			Data: map[string]any{
				"certificate_id":  cert.CertificateID,
				"audit_hash_root": cert.AuditHashRoot,
				"signed":          cert.Signature != "",
			},
		}); err != nil {
			return err
		}
	case err != nil:
		return err
	}

	completedAt := o.now()
	if _, err := o.zombies.Schedule(ctx, wf, completedAt, pol); err != nil {
		return err
	}

	if wf.Phase != contracts.PhaseCompleted {
		if _, err := o.workflows.AdvancePhase(ctx, wf.WorkflowID, contracts.PhaseCompleted); err != nil {
			return err
		}
	}
	if _, err := o.workflows.SetStatus(ctx, wf.WorkflowID, p.Status); err != nil {
		return err
	}
	if err := o.workflows.ReleaseUserLock(ctx, wf.WorkflowID); err != nil {
		return err
	}

	var failedSteps, heldSteps []string
	for _, ex := range cert.Exceptions {
		switch ex.Status {
		case contracts.StepFailed:
			failedSteps = append(failedSteps, ex.System)
		case contracts.StepLegalHold:
			heldSteps = append(heldSteps, ex.System)
		}
	}
	o.monitor.Completion(monitor.CompletionRecord{
		WorkflowID:    wf.WorkflowID,
		Status:        string(p.Status),
		FailedSteps:   failedSteps,
		LegalHolds:    heldSteps,
		CertificateID: cert.CertificateID,
	})

	if o.obs != nil {
		o.obs.RecordWorkflowFinished(ctx, string(wf.Jurisdiction))
	}

	o.logger.Info("workflow completed",
		"workflow_id", wf.WorkflowID,
		"status", string(p.Status),
		"certificate_id", cert.CertificateID,
	)
	return nil
}
