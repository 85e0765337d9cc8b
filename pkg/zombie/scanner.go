package zombie

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/Debjyoti-19/ghostprotocol/pkg/audit"
	"github.com/Debjyoti-19/ghostprotocol/pkg/bus"
	"github.com/Debjyoti-19/ghostprotocol/pkg/connector"
	"github.com/Debjyoti-19/ghostprotocol/pkg/contracts"
	"github.com/Debjyoti-19/ghostprotocol/pkg/monitor"
	"github.com/Debjyoti-19/ghostprotocol/pkg/store"
	"github.com/Debjyoti-19/ghostprotocol/pkg/workflow"
)

// DefaultScanInterval is the cron cadence of the scanner, interpreted in UTC.
const DefaultScanInterval = 6 * time.Hour

// Directory is the slice of the workflow manager the scanner needs: reading
// the original workflow and creating the remediation one.
type Directory interface {
	Get(ctx context.Context, workflowID string) (*contracts.Workflow, error)
	Create(ctx context.Context, req *contracts.ErasureRequest) (*contracts.Workflow, error)
}

// Scanner drains due zombie schedules, probing each external system for
// resurfaced subject data.
type Scanner struct {
	store      store.StateStore
	trail      *audit.Trail
	publisher  workflow.Publisher
	workflows  Directory
	connectors map[contracts.System]connector.Connector
	monitor    *monitor.Fanout
	logger     *slog.Logger
	now        func() time.Time

	interval time.Duration
	jitter   time.Duration
}

// NewScanner wires the cron scanner.
func NewScanner(st store.StateStore, trail *audit.Trail, pub workflow.Publisher, workflows Directory, connectors map[contracts.System]connector.Connector, mon *monitor.Fanout) *Scanner {
	return &Scanner{
		store:      st,
		trail:      trail,
		publisher:  pub,
		workflows:  workflows,
		connectors: connectors,
		monitor:    mon,
		logger:     slog.Default().With("component", "zombie"),
		now:        func() time.Time { return time.Now().UTC() },
		interval:   DefaultScanInterval,
		jitter:     5 * time.Minute,
	}
}

// WithClock overrides the scanner's clock. Test hook.
func (s *Scanner) WithClock(now func() time.Time) *Scanner {
	s.now = now
	return s
}

// WithInterval overrides the cron cadence and jitter.
func (s *Scanner) WithInterval(interval, jitter time.Duration) *Scanner {
	s.interval = interval
	s.jitter = jitter
	return s
}

// Register subscribes the remediation handler: a create-erasure-request
// event re-enters workflow creation with the zombie reason attached.
func (s *Scanner) Register(d *bus.Dispatcher) {
	d.Subscribe(contracts.TopicCreateErasureRequest, s.handleCreateRequest)
}

// Run executes the scanner on its cron cadence until ctx is cancelled.
// Jitter spreads multi-node deployments off the shared tick.
func (s *Scanner) Run(ctx context.Context) {
	for {
		wait := s.interval
		if s.jitter > 0 {
			wait += time.Duration(rand.Int63n(int64(s.jitter)))
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
		if n, err := s.RunOnce(ctx); err != nil {
			s.logger.Error("zombie scan pass failed", "error", err)
		} else if n > 0 {
			s.logger.Info("zombie scan pass finished", "processed", n)
		}
	}
}

// RunOnce processes every SCHEDULED record whose due time has passed and
// returns how many were processed. Per-schedule errors mark that schedule
// FAILED and do not abort the pass.
func (s *Scanner) RunOnce(ctx context.Context) (int, error) {
	raws, err := s.store.GetGroup(ctx, contracts.NSZombieSchedules)
	if err != nil {
		return 0, fmt.Errorf("zombie: list schedules: %w", err)
	}

	now := s.now()
	processed := 0
	for _, raw := range raws {
		var sched contracts.ZombieSchedule
		if err := json.Unmarshal(raw, &sched); err != nil {
			s.logger.Error("skipping undecodable zombie schedule", "error", err)
			continue
		}
		if sched.Status != contracts.ZombieScheduled || sched.ScheduledFor.After(now) {
			continue
		}
		processed++
		if err := s.process(ctx, &sched); err != nil {
			s.fail(ctx, &sched, err)
		}
	}
	return processed, nil
}

func (s *Scanner) process(ctx context.Context, sched *contracts.ZombieSchedule) error {
	sched.Status = contracts.ZombieProcessing
	if err := s.save(ctx, sched); err != nil {
		return err
	}

	var sources []string
	for _, system := range sched.SystemsToCheck {
		conn, ok := s.connectors[contracts.System(system)]
		if !ok {
			return fmt.Errorf("no connector registered for system %s", system)
		}
		gone, err := conn.VerifyDeletion(ctx, sched.User.UserID)
		if err != nil {
			return fmt.Errorf("verify %s: %w", system, err)
		}
		if !gone {
			sources = append(sources, system)
		}
	}
	detected := len(sources) > 0

	if _, err := s.trail.Append(ctx, sched.WorkflowID, contracts.AuditEvent{
		EventType: contracts.AuditZombieCheckCompleted,
		Data: map[string]any{
			"schedule_id":          sched.ScheduleID,
			"zombie_data_detected": detected,
			"zombie_data_sources":  sources,
		},
	}); err != nil {
		return err
	}
	if err := s.publisher.Publish(ctx, bus.Envelope{
		Topic:      contracts.TopicZombieCheckCompleted,
		WorkflowID: sched.WorkflowID,
		Payload: contracts.MustMarshal(contracts.ZombieCheckPayload{
			ScheduleID:         sched.ScheduleID,
			WorkflowID:         sched.WorkflowID,
			ZombieDataDetected: detected,
			ZombieDataSources:  sources,
		}),
	}); err != nil {
		return err
	}

	if detected {
		if err := s.escalate(ctx, sched, sources); err != nil {
			return err
		}
	}

	checkedAt := s.now()
	sched.Status = contracts.ZombieCompleted
	sched.ZombieDataDetected = detected
	sched.ZombieDataSources = sources
	sched.CheckedAt = &checkedAt
	return s.save(ctx, sched)
}

// escalate alerts the legal team and spawns a remediation workflow carrying
// the original workflow id.
func (s *Scanner) escalate(ctx context.Context, sched *contracts.ZombieSchedule, sources []string) error {
	if err := s.publisher.Publish(ctx, bus.Envelope{
		Topic:      contracts.TopicZombieDataDetected,
		WorkflowID: sched.WorkflowID,
		Payload: contracts.MustMarshal(contracts.ZombieAlertPayload{
			WorkflowID:        sched.WorkflowID,
			Severity:          "HIGH",
			AlertLegalTeam:    true,
			ZombieDataSources: sources,
		}),
	}); err != nil {
		return err
	}
	s.monitor.Error(monitor.ErrorRecord{
		WorkflowID:      sched.WorkflowID,
		Category:        "zombie-data",
		Remediation:     "remediation workflow spawned; legal team alerted",
		Retryable:       true,
		AffectedSystems: sources,
	})

	original, err := s.workflows.Get(ctx, sched.WorkflowID)
	if err != nil {
		return err
	}
	return s.publisher.Publish(ctx, bus.Envelope{
		Topic:      contracts.TopicCreateErasureRequest,
		WorkflowID: sched.WorkflowID,
		Payload: contracts.MustMarshal(contracts.ErasureRequest{
			User:               sched.User,
			Jurisdiction:       sched.Jurisdiction,
			RequestedBy:        "zombie-scanner",
			LegalProof:         original.LegalProof,
			Reason:             contracts.ReasonZombieData,
			OriginalWorkflowID: sched.WorkflowID,
		}),
	})
}

// handleCreateRequest re-enters workflow creation for a remediation request.
func (s *Scanner) handleCreateRequest(ctx context.Context, env bus.Envelope) error {
	var req contracts.ErasureRequest
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		s.logger.Error("malformed create-erasure-request payload, dropping", "error", err)
		return nil
	}
	wf, err := s.workflows.Create(ctx, &req)
	if err != nil {
		return err
	}
	s.logger.Info("remediation workflow created",
		"workflow_id", wf.WorkflowID,
		"original_workflow_id", req.OriginalWorkflowID,
	)
	return nil
}

func (s *Scanner) fail(ctx context.Context, sched *contracts.ZombieSchedule, cause error) {
	s.logger.Error("zombie check failed",
		"schedule_id", sched.ScheduleID,
		"workflow_id", sched.WorkflowID,
		"error", cause,
	)
	sched.Status = contracts.ZombieFailed
	if err := s.save(ctx, sched); err != nil {
		s.logger.Error("recording zombie failure failed", "schedule_id", sched.ScheduleID, "error", err)
	}
	if _, err := s.trail.Append(ctx, sched.WorkflowID, contracts.AuditEvent{
		EventType: contracts.AuditZombieCheckFailed,
		Data: map[string]any{
			"schedule_id": sched.ScheduleID,
			"error":       cause.Error(),
		},
	}); err != nil {
		s.logger.Error("auditing zombie failure failed", "schedule_id", sched.ScheduleID, "error", err)
	}
}

func (s *Scanner) save(ctx context.Context, sched *contracts.ZombieSchedule) error {
	return store.SetJSON(ctx, s.store, contracts.NSZombieSchedules, sched.ScheduleID, sched)
}
