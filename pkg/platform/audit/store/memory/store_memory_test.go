package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	audit "cohort/pkg/platform/audit"
)

func TestInMemoryStoreQueries(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()
	base := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	for i, e := range []audit.Event{
		{BatchID: 1, Action: "participant_joined", Timestamp: base},
		{BatchID: 2, Action: "participant_joined", Timestamp: base.Add(time.Minute)},
		{BatchID: 1, Action: "batch_transitioned", Timestamp: base.Add(2 * time.Minute)},
	} {
		require.NoError(t, store.Append(ctx, e), "event %d", i)
	}

	t.Run("by batch keeps emission order", func(t *testing.T) {
		events, err := store.ListByBatch(ctx, 1)
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.Equal(t, "participant_joined", events[0].Action)
		assert.Equal(t, "batch_transitioned", events[1].Action)
	})

	t.Run("recent is newest first and limited", func(t *testing.T) {
		events, err := store.ListRecent(ctx, 2)
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.Equal(t, "batch_transitioned", events[0].Action)
		assert.Equal(t, 2, int(events[1].BatchID))
	})

	t.Run("unknown batch is empty", func(t *testing.T) {
		events, err := store.ListByBatch(ctx, 9)
		require.NoError(t, err)
		assert.Empty(t, events)
	})
}
