package publisher

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	id "cohort/pkg/domain"
	audit "cohort/pkg/platform/audit"
)

var (
	// ErrBufferFull is returned by an async publisher that cannot accept
	// another event without blocking.
	ErrBufferFull = errors.New("audit buffer full")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("audit publisher closed")
)

// Publisher captures structured audit events. It is append-only and uses the
// storage layer for persistence so tests can swap sinks easily.
//
// In sync mode Emit returns once the store has the event. With an async
// buffer Emit only enqueues and a single goroutine persists in order.
type Publisher struct {
	store   audit.Store
	sinks   []audit.Sink
	logger  *slog.Logger
	metrics *Metrics
	breaker *CircuitBreaker
	hasher  *audit.SubjectHasher

	buffer chan audit.Event
	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool
}

type Option func(*Publisher)

// WithAsyncBuffer makes Emit non-blocking with room for size pending events.
func WithAsyncBuffer(size int) Option {
	return func(p *Publisher) {
		if size > 0 {
			p.buffer = make(chan audit.Event, size)
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(p *Publisher) {
		p.logger = logger
	}
}

func WithMetrics(m *Metrics) Option {
	return func(p *Publisher) {
		p.metrics = m
	}
}

// WithSink mirrors every persisted event to sink.
func WithSink(sink audit.Sink) Option {
	return func(p *Publisher) {
		p.sinks = append(p.sinks, sink)
	}
}

// WithCircuitBreaker skips mirroring to sinks after threshold consecutive
// sink failures, for cooldown.
func WithCircuitBreaker(threshold int, cooldown time.Duration) Option {
	return func(p *Publisher) {
		p.breaker = NewCircuitBreaker(threshold, cooldown)
	}
}

// WithSubjectHasher sets the key used to pseudonymise Event.Subject. Without
// it the publisher draws a random key at construction.
func WithSubjectHasher(h *audit.SubjectHasher) Option {
	return func(p *Publisher) {
		p.hasher = h
	}
}

func NewPublisher(store audit.Store, opts ...Option) *Publisher {
	p := &Publisher{store: store, logger: slog.Default()}
	for _, opt := range opts {
		opt(p)
	}
	if p.hasher == nil {
		h, err := audit.NewEphemeralSubjectHasher()
		if err != nil {
			p.logger.Error("audit subjects will be dropped", "error", err)
		}
		p.hasher = h
	}
	if p.buffer != nil {
		p.wg.Add(1)
		go p.run()
	}
	return p
}

func (p *Publisher) Emit(ctx context.Context, event audit.Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	event.Category = audit.AuditEvent(event.Action).Category()
	if event.Subject != "" {
		if p.hasher != nil {
			event.SubjectHash = p.hasher.Hash(event.Subject)
		}
		event.Subject = ""
	}

	if p.buffer == nil {
		return p.persist(ctx, event)
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}
	select {
	case p.buffer <- event:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		p.metrics.incDropped()
		p.logger.WarnContext(ctx, "audit buffer full, dropping event", "action", event.Action)
		return ErrBufferFull
	}
}

// List returns the recorded events of one batch.
func (p *Publisher) List(ctx context.Context, batchID id.BatchID) ([]audit.Event, error) {
	return p.store.ListByBatch(ctx, batchID)
}

// Recent returns up to limit events, newest first.
func (p *Publisher) Recent(ctx context.Context, limit int) ([]audit.Event, error) {
	return p.store.ListRecent(ctx, limit)
}

// Close stops accepting events and drains the async buffer.
func (p *Publisher) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	if p.buffer != nil {
		close(p.buffer)
	}
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *Publisher) run() {
	defer p.wg.Done()
	for event := range p.buffer {
		if err := p.persist(context.Background(), event); err != nil {
			p.logger.Error("async audit persistence failed", "action", event.Action, "error", err)
		}
	}
}

func (p *Publisher) persist(ctx context.Context, event audit.Event) error {
	if err := p.store.Append(ctx, event); err != nil {
		p.metrics.incFailures()
		return err
	}
	p.metrics.incEmitted(event.Category)
	p.mirror(ctx, event)
	return nil
}

func (p *Publisher) mirror(ctx context.Context, event audit.Event) {
	if len(p.sinks) == 0 {
		return
	}
	if p.breaker != nil && !p.breaker.Allow() {
		p.metrics.incDropped()
		return
	}
	failed := false
	for _, sink := range p.sinks {
		if err := sink.Append(ctx, event); err != nil {
			failed = true
			p.metrics.incFailures()
			p.logger.WarnContext(ctx, "audit sink append failed", "action", event.Action, "error", err)
		}
	}
	if p.breaker == nil {
		return
	}
	if failed {
		p.breaker.RecordFailure()
	} else {
		p.breaker.RecordSuccess()
	}
	p.metrics.setBreakerState(p.breaker.IsOpen())
}
