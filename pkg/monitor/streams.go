// Package monitor fans workflow activity out to append-only status streams.
// Streams exist for operators and UIs; they never affect workflow
// correctness, so publish failures are logged and swallowed.
package monitor

import (
	"log/slog"
	"sync"
	"time"
)

// Stream names.
const (
	StreamWorkflowStatus = "workflowStatus"
	StreamErrors         = "errorNotifications"
	StreamCompletions    = "completionNotifications"
)

// StatusRecord reports a workflow state change.
type StatusRecord struct {
	WorkflowID string    `json:"workflow_id"`
	Phase      string    `json:"phase,omitempty"`
	Status     string    `json:"status,omitempty"`
	StepName   string    `json:"step_name,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// ErrorRecord reports a step or workflow failure with remediation guidance.
type ErrorRecord struct {
	WorkflowID      string    `json:"workflow_id"`
	Category        string    `json:"category"`
	Remediation     string    `json:"remediation,omitempty"`
	Retryable       bool      `json:"retryable"`
	AffectedSystems []string  `json:"affected_systems,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}

// CompletionRecord reports terminal workflow outcomes, listing failures and
// holds for COMPLETED_WITH_EXCEPTIONS.
type CompletionRecord struct {
	WorkflowID    string    `json:"workflow_id"`
	Status        string    `json:"status"`
	FailedSteps   []string  `json:"failed_steps,omitempty"`
	LegalHolds    []string  `json:"legal_holds,omitempty"`
	CertificateID string    `json:"certificate_id,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// Sink receives records appended to a named stream.
type Sink interface {
	Append(stream string, record any) error
}

// Fanout publishes monitoring records to a sink, downgrading sink failures
// to log lines.
type Fanout struct {
	sink   Sink
	logger *slog.Logger
	now    func() time.Time
}

// NewFanout wires a fan-out over the given sink.
func NewFanout(sink Sink) *Fanout {
	return &Fanout{
		sink:   sink,
		logger: slog.Default().With("component", "monitor"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Status appends to the workflowStatus stream.
func (f *Fanout) Status(rec StatusRecord) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = f.now()
	}
	f.append(StreamWorkflowStatus, rec)
}

// Error appends to the errorNotifications stream.
func (f *Fanout) Error(rec ErrorRecord) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = f.now()
	}
	f.append(StreamErrors, rec)
}

// Completion appends to the completionNotifications stream.
func (f *Fanout) Completion(rec CompletionRecord) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = f.now()
	}
	f.append(StreamCompletions, rec)
}

func (f *Fanout) append(stream string, rec any) {
	if f.sink == nil {
		return
	}
	if err := f.sink.Append(stream, rec); err != nil {
		f.logger.Warn("stream publish failed", "stream", stream, "error", err)
	}
}

// MemorySink is an in-process sink for tests and single-node deployments.
type MemorySink struct {
	mu      sync.RWMutex
	streams map[string][]any
}

// NewMemorySink creates an empty sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{streams: make(map[string][]any)}
}

func (s *MemorySink) Append(stream string, record any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streams[stream] = append(s.streams[stream], record)
	return nil
}

// Records returns a copy of a stream's contents in append order.
func (s *MemorySink) Records(stream string) []any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]any, len(s.streams[stream]))
	copy(out, s.streams[stream])
	return out
}
