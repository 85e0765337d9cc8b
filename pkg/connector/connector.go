// Package connector defines the per-system deletion adapters the orchestrator
// drives. Connectors are dependency-injected so executors run against fakes
// in tests; the real adapters (Stripe, CRM, email, analytics, warehouse,
// object storage) live behind the same two-method contract.
package connector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/Debjyoti-19/ghostprotocol/pkg/contracts"
)

// ErrNotFound signals the subject was already absent from the system.
// Executors treat it as success: the data is gone either way.
var ErrNotFound = errors.New("connector: subject not found")

// ErrLegalHold signals the system refused deletion because the subject's
// data is under a legal hold. Executors record the step as LEGAL_HOLD.
var ErrLegalHold = errors.New("connector: subject under legal hold")

// Error is a connector failure carrying retryability. Network errors, 5xx
// responses and timeouts are retryable; semantic 4xx failures are not.
type Error struct {
	System    string
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	kind := "permanent"
	if e.Retryable {
		kind = "retryable"
	}
	return fmt.Sprintf("connector %s: %s failure: %v", e.System, kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether err is worth re-attempting.
func Retryable(err error) bool {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Retryable
	}
	// Unclassified errors (including deadline expiry) are treated as
	// transient so the retry budget decides.
	return true
}

// Result is the outcome of a deletion call. Receipt is an opaque identifier
// that uniquely identifies the deletion across retries.
type Result struct {
	Success     bool            `json:"success"`
	Receipt     string          `json:"receipt,omitempty"`
	APIResponse json.RawMessage `json:"api_response,omitempty"`
	Err         string          `json:"error,omitempty"`
}

// Connector is the contract every external-system adapter exposes.
type Connector interface {
	// DeleteUser erases all personal data for the identified subject.
	DeleteUser(ctx context.Context, ids contracts.UserIdentifiers) (*Result, error)
	// VerifyDeletion probes whether subject data is still present.
	// true means the data is gone.
	VerifyDeletion(ctx context.Context, userID string) (bool, error)
}

// ObjectInfo describes one stored object found during a bucket scan.
type ObjectInfo struct {
	Key          string    `json:"key"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"last_modified"`
}

// ObjectStoreConnector extends Connector for blob storage, where deletion
// requires scanning for subject-linked objects first.
type ObjectStoreConnector interface {
	Connector
	ScanBucket(ctx context.Context, ids contracts.UserIdentifiers) ([]ObjectInfo, error)
	DeleteFiles(ctx context.Context, keys []string) error
	ListObjects(ctx context.Context, prefix string) ([]ObjectInfo, error)
}

// Base carries the shared behavior of concrete connectors: a per-system
// rate limiter and a hard call timeout.
type Base struct {
	system  string
	limiter *rate.Limiter
	timeout time.Duration
}

// NewBase creates the shared connector core. timeout bounds each outbound
// call; r and burst bound the call rate against the vendor API.
func NewBase(system string, timeout time.Duration, r rate.Limit, burst int) *Base {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Base{
		system:  system,
		limiter: rate.NewLimiter(r, burst),
		timeout: timeout,
	}
}

// System returns the external-system name this connector serves.
func (b *Base) System() string { return b.system }

// Acquire waits for rate-limiter capacity and returns a context bounded by
// the per-system timeout.
func (b *Base) Acquire(ctx context.Context) (context.Context, context.CancelFunc, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, nil, fmt.Errorf("connector %s: rate limit wait: %w", b.system, err)
	}
	callCtx, cancel := context.WithTimeout(ctx, b.timeout)
	return callCtx, cancel, nil
}
