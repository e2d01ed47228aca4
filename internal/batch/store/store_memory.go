package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"cohort/internal/batch/models"
	id "cohort/pkg/domain"
	dErrors "cohort/pkg/domain-errors"
	"cohort/pkg/platform/sentinel"
)

// numBatchShards spreads per-batch locks so unrelated batches do not
// contend on a single lock.
const numBatchShards = 64

// defaultExecuteTimeout bounds how long Execute waits for a batch lock when
// the caller's context has no deadline.
const defaultExecuteTimeout = 5 * time.Second

// InMemory keeps batches in process memory for tests and single-node dev.
//
// Error Contract:
//   - ErrNotFound when the batch does not exist
//   - CodeTimeout when the context ends before the batch lock is acquired
//   - validate errors are returned unchanged and nothing is written
type InMemory struct {
	mu      sync.RWMutex
	batches map[id.BatchID]*models.Batch
	nextID  id.BatchID

	// Each shard is a weight-1 semaphore so waiting for it honours ctx.
	shards [numBatchShards]*semaphore.Weighted
}

func NewInMemory() *InMemory {
	s := &InMemory{
		batches: make(map[id.BatchID]*models.Batch),
		nextID:  1,
	}
	for i := range s.shards {
		s.shards[i] = semaphore.NewWeighted(1)
	}
	return s
}

// EnsurePending returns the lowest pending batch, creating one when none
// exists.
func (s *InMemory) EnsurePending(_ context.Context, capacity int, now time.Time) (*models.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if current := s.lowestPendingLocked(); current != nil {
		return current.Clone(), nil
	}
	b, err := models.NewBatch(s.nextID, capacity, now)
	if err != nil {
		return nil, err
	}
	s.batches[b.ID] = b
	s.nextID++
	return b.Clone(), nil
}

func (s *InMemory) FindByID(_ context.Context, batchID id.BatchID) (*models.Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.batches[batchID]
	if !ok {
		return nil, fmt.Errorf("batch %s: %w", batchID, sentinel.ErrNotFound)
	}
	return b.Clone(), nil
}

// FindCurrent returns the lowest-numbered pending batch.
func (s *InMemory) FindCurrent(_ context.Context) (*models.Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if current := s.lowestPendingLocked(); current != nil {
		return current.Clone(), nil
	}
	return nil, fmt.Errorf("no pending batch: %w", sentinel.ErrNotFound)
}

func (s *InMemory) List(_ context.Context) ([]*models.Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Batch, 0, len(s.batches))
	for _, b := range s.batches {
		out = append(out, b.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Execute runs validate and mutate against a private copy of the batch while
// holding the batch's lock, then commits the copy. A validate error leaves
// the stored batch untouched.
func (s *InMemory) Execute(
	ctx context.Context,
	batchID id.BatchID,
	validate func(*models.Batch) error,
	mutate func(*models.Batch),
) (*models.Batch, error) {
	if err := ctx.Err(); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeTimeout, "batch update aborted: context cancelled")
	}
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultExecuteTimeout)
		defer cancel()
	}

	shard := s.shards[uint64(batchID)%numBatchShards]
	if err := shard.Acquire(ctx, 1); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeTimeout, "timed out waiting for batch lock")
	}
	defer shard.Release(1)

	s.mu.RLock()
	stored, ok := s.batches[batchID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("batch %s: %w", batchID, sentinel.ErrNotFound)
	}

	working := stored.Clone()
	if err := validate(working); err != nil {
		return nil, err
	}
	mutate(working)
	working.Version = stored.Version + 1

	s.mu.Lock()
	s.batches[batchID] = working
	s.mu.Unlock()

	return working.Clone(), nil
}

func (s *InMemory) lowestPendingLocked() *models.Batch {
	var lowest *models.Batch
	for _, b := range s.batches {
		if b.State != models.StatePending {
			continue
		}
		if lowest == nil || b.ID < lowest.ID {
			lowest = b
		}
	}
	return lowest
}

// Ping always succeeds for the in-memory store.
func (s *InMemory) Ping(context.Context) error {
	return nil
}
