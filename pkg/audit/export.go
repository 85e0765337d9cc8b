package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Debjyoti-19/ghostprotocol/pkg/canonicalize"
	"github.com/Debjyoti-19/ghostprotocol/pkg/contracts"
)

// EvidenceBundle is an exportable slice of a workflow's chain for regulator
// hand-off. The bundle hash covers the serialized entries.
type EvidenceBundle struct {
	BundleID   string                 `json:"bundle_id"`
	WorkflowID string                 `json:"workflow_id"`
	CreatedAt  time.Time              `json:"created_at"`
	EntryCount int                    `json:"entry_count"`
	Entries    []contracts.AuditEntry `json:"entries"`
	ChainHead  string                 `json:"chain_head"`
	BundleHash string                 `json:"bundle_hash"`
}

// ExportBundle packages a workflow's full chain for external verification.
func (t *Trail) ExportBundle(ctx context.Context, workflowID string) (*EvidenceBundle, error) {
	entries, err := t.Entries(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	head, err := t.HeadHash(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	bundle := &EvidenceBundle{
		BundleID:   uuid.New().String(),
		WorkflowID: workflowID,
		CreatedAt:  t.now(),
		EntryCount: len(entries),
		Entries:    entries,
		ChainHead:  head,
	}

	data, err := json.Marshal(bundle.Entries)
	if err != nil {
		return nil, fmt.Errorf("audit: marshal bundle entries: %w", err)
	}
	bundle.BundleHash = canonicalize.HashBytes(data)
	return bundle, nil
}

// VerifyBundle checks a bundle's hash and internal chain linkage without
// access to the originating store.
func VerifyBundle(bundle *EvidenceBundle) error {
	data, err := json.Marshal(bundle.Entries)
	if err != nil {
		return fmt.Errorf("audit: marshal bundle entries: %w", err)
	}
	if canonicalize.HashBytes(data) != bundle.BundleHash {
		return fmt.Errorf("%w: bundle hash mismatch", ErrChainBroken)
	}
	for i := 1; i < len(bundle.Entries); i++ {
		if bundle.Entries[i].PreviousHash != bundle.Entries[i-1].Hash {
			return fmt.Errorf("%w: bundle linkage broken at entry %d", ErrChainBroken, i)
		}
	}
	return nil
}
