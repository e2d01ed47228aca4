package publisher

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	audit "cohort/pkg/platform/audit"
	"cohort/pkg/platform/audit/store/memory"
)

func TestPublisher_SyncMode(t *testing.T) {
	store := memory.NewInMemoryStore()
	pub := NewPublisher(store)
	defer pub.Close()

	err := pub.Emit(context.Background(), audit.Event{
		BatchID: 1,
		Action:  string(audit.EventParticipantJoined),
	})
	require.NoError(t, err)

	events, err := pub.List(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, string(audit.EventParticipantJoined), events[0].Action)
	assert.Equal(t, audit.CategoryCompliance, events[0].Category)
}

func TestPublisher_SubjectIsKeyedHash(t *testing.T) {
	key := []byte("0123456789abcdef0123456789abcdef")
	hasher, err := audit.NewSubjectHasher(key)
	require.NoError(t, err)
	store := memory.NewInMemoryStore()
	pub := NewPublisher(store, WithSubjectHasher(hasher))
	defer pub.Close()

	require.NoError(t, pub.Emit(context.Background(), audit.Event{
		BatchID: 2,
		Subject: "acct-42",
		Action:  string(audit.EventParticipantJoined),
	}))

	events, err := store.ListByBatch(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Empty(t, events[0].Subject, "raw subject never reaches the store")
	assert.Equal(t, hasher.Hash("acct-42"), events[0].SubjectHash)
	assert.NotContains(t, events[0].SubjectHash, "acct-42")

	other, err := audit.NewSubjectHasher([]byte("fedcba9876543210fedcba9876543210"))
	require.NoError(t, err)
	assert.NotEqual(t, other.Hash("acct-42"), events[0].SubjectHash,
		"a guessed identity hashed without the server key does not match")
}

func TestPublisher_DefaultHasherStillPseudonymises(t *testing.T) {
	store := memory.NewInMemoryStore()
	pub := NewPublisher(store)
	defer pub.Close()

	require.NoError(t, pub.Emit(context.Background(), audit.Event{
		BatchID: 5,
		Subject: "KIT-AB12CD34",
		Action:  string(audit.EventVerificationFailed),
	}))

	events, err := store.ListByBatch(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Empty(t, events[0].Subject)
	assert.Len(t, events[0].SubjectHash, 64)
}

func TestPublisher_AsyncDrainsOnClose(t *testing.T) {
	store := memory.NewInMemoryStore()
	pub := NewPublisher(store, WithAsyncBuffer(100))

	for range 10 {
		err := pub.Emit(context.Background(), audit.Event{
			BatchID: 3,
			Action:  string(audit.EventBalancePaid),
		})
		require.NoError(t, err)
	}

	pub.Close()

	events, err := store.ListByBatch(context.Background(), 3)
	require.NoError(t, err)
	assert.Len(t, events, 10, "all events should be drained on close")
}

func TestPublisher_EmitAfterClose(t *testing.T) {
	pub := NewPublisher(memory.NewInMemoryStore(), WithAsyncBuffer(1))
	pub.Close()
	pub.Close()

	err := pub.Emit(context.Background(), audit.Event{Action: string(audit.EventTokenIssued)})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestPublisher_BufferFullDropsEvent(t *testing.T) {
	blocking := &blockingStore{InMemoryStore: memory.NewInMemoryStore(), release: make(chan struct{})}
	reg := prometheus.NewRegistry()
	pub := NewPublisher(blocking, WithAsyncBuffer(1), WithMetrics(NewMetrics(reg)))

	// First event is picked up by the worker and blocks it; second fills the
	// buffer; third has nowhere to go.
	require.NoError(t, pub.Emit(context.Background(), audit.Event{Action: "a"}))
	require.Eventually(t, func() bool { return blocking.entered.Load() }, time.Second, time.Millisecond)
	require.NoError(t, pub.Emit(context.Background(), audit.Event{Action: "b"}))

	err := pub.Emit(context.Background(), audit.Event{Action: "c"})
	assert.ErrorIs(t, err, ErrBufferFull)
	assert.Equal(t, float64(1), testutil.ToFloat64(pub.metrics.Dropped))

	close(blocking.release)
	pub.Close()
}

func TestPublisher_SetsTimestamp(t *testing.T) {
	store := memory.NewInMemoryStore()
	pub := NewPublisher(store)
	defer pub.Close()

	before := time.Now()
	require.NoError(t, pub.Emit(context.Background(), audit.Event{
		BatchID: 1,
		Action:  string(audit.EventBatchCreated),
	}))
	after := time.Now()

	events, err := pub.List(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.False(t, events[0].Timestamp.Before(before))
	assert.False(t, events[0].Timestamp.After(after))
}

func TestPublisher_PreservesExistingTimestamp(t *testing.T) {
	store := memory.NewInMemoryStore()
	pub := NewPublisher(store)
	defer pub.Close()

	customTime := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, pub.Emit(context.Background(), audit.Event{
		BatchID:   1,
		Action:    string(audit.EventBatchCreated),
		Timestamp: customTime,
	}))

	events, err := pub.List(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, customTime, events[0].Timestamp)
}

func TestPublisher_StoreFailureIsReturnedInSyncMode(t *testing.T) {
	pub := NewPublisher(failingStore{memory.NewInMemoryStore()})
	err := pub.Emit(context.Background(), audit.Event{Action: string(audit.EventBalancePaid)})
	require.Error(t, err)
}

func TestPublisher_MirrorsToSinks(t *testing.T) {
	store := memory.NewInMemoryStore()
	sink := &recordingSink{}
	pub := NewPublisher(store, WithSink(sink))
	defer pub.Close()

	require.NoError(t, pub.Emit(context.Background(), audit.Event{
		BatchID: 2,
		Action:  string(audit.EventVerificationFailed),
	}))

	require.Len(t, sink.events(), 1)
	assert.Equal(t, audit.CategorySecurity, sink.events()[0].Category)
}

func TestPublisher_SinkFailuresOpenCircuit(t *testing.T) {
	store := memory.NewInMemoryStore()
	sink := &recordingSink{err: errors.New("broker down")}
	pub := NewPublisher(store, WithSink(sink), WithCircuitBreaker(2, time.Hour))
	defer pub.Close()

	for range 5 {
		require.NoError(t, pub.Emit(context.Background(), audit.Event{
			BatchID: 1,
			Action:  string(audit.EventTokenIssued),
		}), "sink failures never fail the emitting operation")
	}

	assert.Equal(t, int32(2), sink.calls.Load(), "open circuit skips the sink")
	events, err := store.ListByBatch(context.Background(), 1)
	require.NoError(t, err)
	assert.Len(t, events, 5)
}

func TestCircuitBreaker_HalfOpenTrial(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cb := NewCircuitBreaker(1, time.Minute)
	cb.now = func() time.Time { return now }

	cb.RecordFailure()
	assert.True(t, cb.IsOpen())
	assert.False(t, cb.Allow())

	now = now.Add(2 * time.Minute)
	assert.True(t, cb.Allow(), "first call after cooldown is a trial")
	assert.False(t, cb.Allow(), "only one trial call at a time")

	cb.RecordSuccess()
	assert.False(t, cb.IsOpen())
	assert.True(t, cb.Allow())
}

type failingStore struct{ *memory.InMemoryStore }

func (failingStore) Append(context.Context, audit.Event) error {
	return errors.New("disk full")
}

type blockingStore struct {
	*memory.InMemoryStore
	entered atomic.Bool
	release chan struct{}
}

func (b *blockingStore) Append(ctx context.Context, e audit.Event) error {
	b.entered.Store(true)
	<-b.release
	return b.InMemoryStore.Append(ctx, e)
}

type recordingSink struct {
	mu    sync.Mutex
	got   []audit.Event
	err   error
	calls atomic.Int32
}

func (r *recordingSink) Append(_ context.Context, e audit.Event) error {
	r.calls.Add(1)
	if r.err != nil {
		return r.err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, e)
	return nil
}

func (r *recordingSink) events() []audit.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]audit.Event{}, r.got...)
}
