// Package bus implements the topic-based event dispatcher driving the
// erasure engine: a bounded queue drained by a sharded worker pool with
// per-workflow ordering, at-least-once delivery, and exponential-backoff
// redelivery of failed events.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"hash/fnv"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrQueueFull is returned by TryPublish when the target shard is at
	// capacity. Cron producers retry on the next tick; API producers
	// surface 503.
	ErrQueueFull = errors.New("bus: queue full")
	// ErrClosed is returned when publishing to a closed dispatcher.
	ErrClosed = errors.New("bus: dispatcher closed")
)

// Envelope is the versioned wrapper every event travels in. The payload
// schema is fixed per topic; handlers decode it by topic tag alone.
type Envelope struct {
	Topic      string          `json:"topic"`
	WorkflowID string          `json:"workflow_id"`
	Attempt    int             `json:"attempt"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// Handler consumes one event delivery. A non-nil error triggers redelivery
// until the retry budget is spent; handlers must therefore be idempotent
// with respect to workflow state.
type Handler func(ctx context.Context, env Envelope) error

// DeadLetterFunc receives events whose retry budget is exhausted.
type DeadLetterFunc func(env Envelope, err error)

// Options configures a Dispatcher.
type Options struct {
	// Shards is the worker-pool width. Events are routed to a shard by
	// hash(workflowID), which serializes deliveries per workflow.
	Shards int
	// QueueCapacity bounds each shard's queue; Publish blocks when full.
	QueueCapacity int
	Retry         RetryPolicy
	DeadLetter    DeadLetterFunc
}

// Dispatcher routes envelopes to per-topic handlers over a sharded pool.
type Dispatcher struct {
	opts   Options
	logger *slog.Logger

	mu       sync.RWMutex
	handlers map[string][]Handler

	shards []chan Envelope
	wg     sync.WaitGroup

	// Per-shard spillover for publishes made from inside a handler. A
	// handler runs on the shard goroutine, so blocking on its own full
	// queue would deadlock the shard; those sends land here instead and
	// the worker drains them between deliveries.
	overflowMu []sync.Mutex
	overflow   [][]Envelope

	cancelled sync.Map // workflowID -> struct{}

	closed   atomic.Bool
	inflight atomic.Int64
	timersWG sync.WaitGroup
}

// NewDispatcher creates and starts a dispatcher.
func NewDispatcher(opts Options) *Dispatcher {
	if opts.Shards <= 0 {
		opts.Shards = 4
	}
	if opts.QueueCapacity <= 0 {
		opts.QueueCapacity = 256
	}
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry = DefaultRetryPolicy()
	}

	d := &Dispatcher{
		opts:       opts,
		logger:     slog.Default().With("component", "bus"),
		handlers:   make(map[string][]Handler),
		shards:     make([]chan Envelope, opts.Shards),
		overflowMu: make([]sync.Mutex, opts.Shards),
		overflow:   make([][]Envelope, opts.Shards),
	}
	for i := range d.shards {
		d.shards[i] = make(chan Envelope, opts.QueueCapacity)
		d.wg.Add(1)
		go d.run(i)
	}
	return d
}

// Subscribe registers a handler for a topic. Multiple handlers per topic run
// sequentially within the owning shard.
func (d *Dispatcher) Subscribe(topic string, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[topic] = append(d.handlers[topic], h)
}

// handlerCtxKey marks contexts passed to handlers, so Publish can tell a
// shard-goroutine caller from an external producer.
type handlerCtxKey struct{}

// Publish enqueues an event, blocking while the target shard is full. Calls
// made from inside a handler never block: they spill to the shard's overflow
// list instead, since the caller occupies the very goroutine that would
// drain the queue.
func (d *Dispatcher) Publish(ctx context.Context, env Envelope) error {
	if d.closed.Load() {
		return ErrClosed
	}
	d.normalize(&env)
	d.inflight.Add(1)
	shard := d.shardFor(env.WorkflowID)
	if ctx.Value(handlerCtxKey{}) != nil {
		d.enqueueLocal(shard, env)
		return nil
	}
	select {
	case d.shards[shard] <- env:
		return nil
	case <-ctx.Done():
		d.inflight.Add(-1)
		return ctx.Err()
	}
}

// enqueueLocal places an event on the shard without ever blocking: straight
// onto the channel when there is room and nothing already spilled, otherwise
// appended to the overflow list the worker drains between deliveries.
func (d *Dispatcher) enqueueLocal(shard int, env Envelope) {
	d.overflowMu[shard].Lock()
	defer d.overflowMu[shard].Unlock()
	if len(d.overflow[shard]) == 0 {
		select {
		case d.shards[shard] <- env:
			return
		default:
		}
	}
	d.overflow[shard] = append(d.overflow[shard], env)
}

// TryPublish enqueues an event or fails immediately with ErrQueueFull.
func (d *Dispatcher) TryPublish(env Envelope) error {
	if d.closed.Load() {
		return ErrClosed
	}
	d.normalize(&env)
	d.inflight.Add(1)
	select {
	case d.shards[d.shardFor(env.WorkflowID)] <- env:
		return nil
	default:
		d.inflight.Add(-1)
		return ErrQueueFull
	}
}

// Cancel marks a workflow as cancelled; pending and future events for it are
// dropped by the shard loops.
func (d *Dispatcher) Cancel(workflowID string) {
	d.cancelled.Store(workflowID, struct{}{})
}

// IsCancelled reports whether a workflow has been cancelled.
func (d *Dispatcher) IsCancelled(workflowID string) bool {
	_, ok := d.cancelled.Load(workflowID)
	return ok
}

// Quiesce blocks until no deliveries or retry timers are pending, or ctx
// expires. Used by tests and by graceful shutdown.
func (d *Dispatcher) Quiesce(ctx context.Context) error {
	tick := time.NewTicker(5 * time.Millisecond)
	defer tick.Stop()
	for {
		if d.inflight.Load() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
		}
	}
}

// Close drains pending work and stops the workers. No publishes are accepted
// after Close begins.
func (d *Dispatcher) Close(ctx context.Context) error {
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := d.Quiesce(ctx)
	d.timersWG.Wait()
	for _, ch := range d.shards {
		close(ch)
	}
	d.wg.Wait()
	return err
}

func (d *Dispatcher) normalize(env *Envelope) {
	if env.Attempt <= 0 {
		env.Attempt = 1
	}
	if env.EnqueuedAt.IsZero() {
		env.EnqueuedAt = time.Now().UTC()
	}
}

func (d *Dispatcher) shardFor(workflowID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(workflowID))
	return int(h.Sum32() % uint32(len(d.shards)))
}

func (d *Dispatcher) run(shard int) {
	defer d.wg.Done()
	for env := range d.shards[shard] {
		d.deliver(shard, env)
		d.inflight.Add(-1)
		d.drainOverflow(shard)
	}
}

// drainOverflow moves spilled events back onto the shard channel in arrival
// order, stopping as soon as the channel is full again.
func (d *Dispatcher) drainOverflow(shard int) {
	d.overflowMu[shard].Lock()
	defer d.overflowMu[shard].Unlock()
	for len(d.overflow[shard]) > 0 {
		select {
		case d.shards[shard] <- d.overflow[shard][0]:
			d.overflow[shard] = d.overflow[shard][1:]
		default:
			return
		}
	}
}

// deliver runs all handlers for the envelope's topic. The first handler
// error schedules a redelivery; exhausted budgets go to the dead-letter
// hook.
func (d *Dispatcher) deliver(shard int, env Envelope) {
	if d.IsCancelled(env.WorkflowID) {
		d.logger.Debug("dropping event for cancelled workflow",
			"workflow_id", env.WorkflowID, "topic", env.Topic)
		return
	}

	d.mu.RLock()
	handlers := d.handlers[env.Topic]
	d.mu.RUnlock()
	if len(handlers) == 0 {
		d.logger.Warn("no handler for topic", "topic", env.Topic)
		return
	}

	ctx := context.WithValue(context.Background(), handlerCtxKey{}, shard)
	for _, h := range handlers {
		if err := h(ctx, env); err != nil {
			d.retry(env, err)
			return
		}
	}
}

func (d *Dispatcher) retry(env Envelope, cause error) {
	if env.Attempt >= d.opts.Retry.MaxAttempts {
		d.logger.Error("event failed terminally",
			"topic", env.Topic,
			"workflow_id", env.WorkflowID,
			"attempts", env.Attempt,
			"error", cause,
		)
		if d.opts.DeadLetter != nil {
			d.opts.DeadLetter(env, cause)
		}
		return
	}

	next := env
	next.Attempt++
	delay := d.opts.Retry.Backoff(env.WorkflowID, env.Topic, next.Attempt)
	d.logger.Warn("event failed, scheduling redelivery",
		"topic", env.Topic,
		"workflow_id", env.WorkflowID,
		"attempt", next.Attempt,
		"delay", delay,
		"error", cause,
	)

	// Redelivery rides a timer rather than sleeping a worker; the shard
	// stays free for other workflows.
	d.inflight.Add(1)
	d.timersWG.Add(1)
	time.AfterFunc(delay, func() {
		defer d.timersWG.Done()
		if d.closed.Load() || d.IsCancelled(next.WorkflowID) {
			d.inflight.Add(-1)
			return
		}
		d.shards[d.shardFor(next.WorkflowID)] <- next
	})
}
