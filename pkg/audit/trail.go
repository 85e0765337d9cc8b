// Package audit implements the per-workflow tamper-evident event log. Each
// workflow owns an append-only hash chain: the genesis hash commits to the
// workflow id and creation time, and every entry's hash covers the previous
// hash plus the canonical JSON of its event. Any single-byte mutation of a
// stored entry breaks verification.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Debjyoti-19/ghostprotocol/pkg/canonicalize"
	"github.com/Debjyoti-19/ghostprotocol/pkg/contracts"
	"github.com/Debjyoti-19/ghostprotocol/pkg/store"
)

var (
	// ErrTrailNotFound is returned when a workflow has no initialized trail.
	ErrTrailNotFound = errors.New("audit: trail not found")
	// ErrChainBroken is returned when hash verification fails.
	ErrChainBroken = errors.New("audit: hash chain is broken")
)

// storedTrail is the persisted form of one workflow's chain.
type storedTrail struct {
	WorkflowID  string                 `json:"workflow_id"`
	CreatedAt   time.Time              `json:"created_at"`
	GenesisHash string                 `json:"genesis_hash"`
	Entries     []contracts.AuditEntry `json:"entries"`
}

func (t *storedTrail) headHash() string {
	if len(t.Entries) == 0 {
		return t.GenesisHash
	}
	return t.Entries[len(t.Entries)-1].Hash
}

// Trail manages hash-chained audit logs over the state store.
type Trail struct {
	store  store.StateStore
	logger *slog.Logger
	now    func() time.Time
}

// NewTrail creates an audit trail manager.
func NewTrail(st store.StateStore) *Trail {
	return &Trail{
		store:  st,
		logger: slog.Default().With("component", "audit"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the trail's clock. Test hook.
func (t *Trail) WithClock(now func() time.Time) *Trail {
	t.now = now
	return t
}

// GenesisHash computes the chain anchor for a workflow.
func GenesisHash(workflowID string, createdAt time.Time) string {
	seed := fmt.Sprintf("genesis:%s:%s", workflowID, createdAt.UTC().Format(time.RFC3339Nano))
	sum := sha256.Sum256([]byte(seed))
	return hex.EncodeToString(sum[:])
}

// Init creates an empty trail for a workflow. Idempotent: re-initializing an
// existing trail is a no-op.
func (t *Trail) Init(ctx context.Context, workflowID string, createdAt time.Time) error {
	existing, err := t.load(ctx, workflowID)
	if err != nil && !errors.Is(err, ErrTrailNotFound) {
		return err
	}
	if existing != nil {
		return nil
	}
	trail := &storedTrail{
		WorkflowID:  workflowID,
		CreatedAt:   createdAt.UTC(),
		GenesisHash: GenesisHash(workflowID, createdAt),
	}
	return t.save(ctx, trail)
}

// Append adds an event to the workflow's chain and returns the stored entry.
// The event id and timestamp are filled in when absent.
func (t *Trail) Append(ctx context.Context, workflowID string, event contracts.AuditEvent) (*contracts.AuditEntry, error) {
	trail, err := t.load(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	if event.EventID == "" {
		event.EventID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = t.now()
	}
	event.WorkflowID = workflowID

	prev := trail.headHash()
	hash, err := canonicalize.ChainHash(prev, event)
	if err != nil {
		return nil, fmt.Errorf("audit: hashing event failed: %w", err)
	}

	entry := contracts.AuditEntry{Event: event, Hash: hash, PreviousHash: prev}
	trail.Entries = append(trail.Entries, entry)
	if err := t.save(ctx, trail); err != nil {
		return nil, err
	}

	t.logger.Debug("audit entry appended",
		"workflow_id", workflowID,
		"event_type", string(event.EventType),
		"sequence", len(trail.Entries),
	)
	return &entry, nil
}

// Entries returns the full chain for a workflow in append order.
func (t *Trail) Entries(ctx context.Context, workflowID string) ([]contracts.AuditEntry, error) {
	trail, err := t.load(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	out := make([]contracts.AuditEntry, len(trail.Entries))
	copy(out, trail.Entries)
	return out, nil
}

// HeadHash returns the current last hash of the chain (the audit hash root
// anchored by a certificate).
func (t *Trail) HeadHash(ctx context.Context, workflowID string) (string, error) {
	trail, err := t.load(ctx, workflowID)
	if err != nil {
		return "", err
	}
	return trail.headHash(), nil
}

// VerifyIntegrity recomputes every linked hash in the workflow's chain.
func (t *Trail) VerifyIntegrity(ctx context.Context, workflowID string) (bool, error) {
	idx, err := t.DetectTampering(ctx, workflowID)
	if err != nil {
		return false, err
	}
	return idx < 0, nil
}

// DetectTampering returns the index of the first corrupt entry, or -1 when
// the chain is intact.
func (t *Trail) DetectTampering(ctx context.Context, workflowID string) (int, error) {
	trail, err := t.load(ctx, workflowID)
	if err != nil {
		return -1, err
	}

	expectedPrev := trail.GenesisHash
	for i, entry := range trail.Entries {
		if entry.PreviousHash != expectedPrev {
			return i, nil
		}
		recomputed, err := canonicalize.ChainHash(entry.PreviousHash, entry.Event)
		if err != nil {
			return i, fmt.Errorf("audit: rehash of entry %d failed: %w", i, err)
		}
		if recomputed != entry.Hash {
			return i, nil
		}
		expectedPrev = entry.Hash
	}
	return -1, nil
}

func (t *Trail) load(ctx context.Context, workflowID string) (*storedTrail, error) {
	var trail storedTrail
	ok, err := store.GetJSON(ctx, t.store, contracts.NSAuditTrails, workflowID, &trail)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: workflow %s", ErrTrailNotFound, workflowID)
	}
	return &trail, nil
}

func (t *Trail) save(ctx context.Context, trail *storedTrail) error {
	return store.SetJSON(ctx, t.store, contracts.NSAuditTrails, trail.WorkflowID, trail)
}
