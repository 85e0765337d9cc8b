package connector

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/Debjyoti-19/ghostprotocol/pkg/contracts"
	"github.com/Debjyoti-19/ghostprotocol/pkg/store"
)

// Fake is an in-memory connector for tests and local runs. Presence is
// tracked in the system_data namespace so the zombie scanner can probe the
// same records the executors delete. Failures can be scripted per user.
type Fake struct {
	system string
	store  store.StateStore

	mu           sync.Mutex
	failuresLeft map[string]int
	permanent    map[string]bool
	rejected     map[string]bool
	held         map[string]bool
	calls        map[string]int
}

// NewFake creates a fake connector for system backed by st.
func NewFake(system contracts.System, st store.StateStore) *Fake {
	return &Fake{
		system:       string(system),
		store:        st,
		failuresLeft: make(map[string]int),
		permanent:    make(map[string]bool),
		rejected:     make(map[string]bool),
		held:         make(map[string]bool),
		calls:        make(map[string]int),
	}
}

// HoldUser makes DeleteUser report a legal hold for userID.
func (f *Fake) HoldUser(userID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.held[userID] = true
}

// FailTimes makes the next n DeleteUser calls for userID fail retryably.
func (f *Fake) FailTimes(userID string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failuresLeft[userID] = n
}

// FailAlways makes every DeleteUser call for userID fail retryably.
func (f *Fake) FailAlways(userID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.permanent[userID] = true
}

// RejectUser makes DeleteUser fail non-retryably for userID, the way a
// vendor API refuses a semantically invalid request.
func (f *Fake) RejectUser(userID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rejected[userID] = true
}

// Calls returns how many DeleteUser calls were made for userID.
func (f *Fake) Calls(userID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[userID]
}

// Seed marks subject data present in this system.
func (f *Fake) Seed(ctx context.Context, userID string) error {
	rec, _ := json.Marshal(map[string]string{"system": f.system, "user_id": userID})
	return f.store.Set(ctx, contracts.NSSystemData, contracts.SystemDataKey(f.system, userID), rec)
}

// DeleteUser implements Connector. The receipt is derived from the system
// and subject so re-execution after a crash yields the same receipt.
func (f *Fake) DeleteUser(ctx context.Context, ids contracts.UserIdentifiers) (*Result, error) {
	f.mu.Lock()
	f.calls[ids.UserID]++
	if f.held[ids.UserID] {
		f.mu.Unlock()
		return nil, ErrLegalHold
	}
	if f.rejected[ids.UserID] {
		f.mu.Unlock()
		return nil, &Error{System: f.system, Retryable: false, Err: errors.New("scripted rejection")}
	}
	if f.permanent[ids.UserID] {
		f.mu.Unlock()
		return nil, &Error{System: f.system, Retryable: true, Err: errors.New("scripted failure")}
	}
	if n := f.failuresLeft[ids.UserID]; n > 0 {
		f.failuresLeft[ids.UserID] = n - 1
		f.mu.Unlock()
		return nil, &Error{System: f.system, Retryable: true, Err: errors.New("scripted transient failure")}
	}
	f.mu.Unlock()

	if err := f.store.Delete(ctx, contracts.NSSystemData, contracts.SystemDataKey(f.system, ids.UserID)); err != nil {
		return nil, &Error{System: f.system, Retryable: true, Err: err}
	}

	resp, _ := json.Marshal(map[string]string{"deleted": ids.UserID, "system": f.system})
	return &Result{
		Success:     true,
		Receipt:     deterministicReceipt(f.system, ids.UserID),
		APIResponse: resp,
	}, nil
}

// VerifyDeletion implements Connector: true when no subject data remains.
func (f *Fake) VerifyDeletion(ctx context.Context, userID string) (bool, error) {
	raw, err := f.store.Get(ctx, contracts.NSSystemData, contracts.SystemDataKey(f.system, userID))
	if err != nil {
		return false, err
	}
	return raw == nil, nil
}

func deterministicReceipt(system, userID string) string {
	sum := sha256.Sum256([]byte(system + ":" + userID))
	return fmt.Sprintf("rcpt-%s-%s", system, hex.EncodeToString(sum[:8]))
}
