package bus

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"
)

// RetryPolicy bounds redelivery of failed events.
type RetryPolicy struct {
	// MaxAttempts is the per-event delivery budget, first attempt included.
	MaxAttempts int
	// InitialDelay is the wait before the first retry.
	InitialDelay time.Duration
	// Multiplier is the exponential growth factor between retries.
	Multiplier float64
	// MaxJitter caps the deterministic jitter added to each delay.
	// Zero disables jitter.
	MaxJitter time.Duration
}

// DefaultRetryPolicy matches the engine defaults: 1s initial delay, doubling,
// three attempts.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  3,
		InitialDelay: time.Second,
		Multiplier:   2.0,
	}
}

// Backoff returns the redelivery delay before the given attempt.
// attempt is the upcoming attempt number (2 for the first retry), so the
// delay is InitialDelay * Multiplier^(attempt-2) plus deterministic jitter.
func (p RetryPolicy) Backoff(workflowID, topic string, attempt int) time.Duration {
	exp := attempt - 2
	if exp < 0 {
		exp = 0
	}
	delay := float64(p.InitialDelay)
	for i := 0; i < exp; i++ {
		delay *= p.Multiplier
	}
	return time.Duration(delay) + p.jitter(workflowID, topic, attempt)
}

// jitter derives a stable pseudo-random offset from the event identity, so
// redelivery schedules are reproducible across replays.
func (p RetryPolicy) jitter(workflowID, topic string, attempt int) time.Duration {
	if p.MaxJitter <= 0 {
		return 0
	}
	seed := fmt.Sprintf("%s:%s:%d", workflowID, topic, attempt)
	sum := sha256.Sum256([]byte(seed))
	basis := binary.BigEndian.Uint64(sum[:8])
	return time.Duration(basis % uint64(p.MaxJitter))
}
