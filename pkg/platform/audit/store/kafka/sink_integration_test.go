//go:build integration

package kafka_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	tcredpanda "github.com/testcontainers/testcontainers-go/modules/redpanda"
	"github.com/twmb/franz-go/pkg/kgo"

	audit "cohort/pkg/platform/audit"
	"cohort/pkg/platform/audit/store/kafka"
)

func TestSinkProducesKeyedRecords(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx := context.Background()

	container, err := tcredpanda.Run(ctx, "docker.redpanda.com/redpandadata/redpanda:v24.1.1")
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	broker, err := container.KafkaSeedBroker(ctx)
	require.NoError(t, err)

	sink, err := kafka.New([]string{broker}, "cohort.audit")
	require.NoError(t, err)
	t.Cleanup(sink.Close)
	require.NoError(t, sink.EnsureTopic(ctx, 1, 1))
	require.NoError(t, sink.EnsureTopic(ctx, 1, 1), "second call tolerates an existing topic")

	require.NoError(t, sink.Append(ctx, audit.Event{
		Timestamp:   time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
		BatchID:     7,
		SubjectHash: "c3a1f0e9d8b7a6958473625140f1e2d3c4b5a69788796a5b4c3d2e1f0a9b8c7d",
		Action:      string(audit.EventParticipantSlashed),
	}))

	consumer, err := kgo.NewClient(
		kgo.SeedBrokers(broker),
		kgo.ConsumeTopics("cohort.audit"),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
	)
	require.NoError(t, err)
	t.Cleanup(consumer.Close)

	pollCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()
	fetches := consumer.PollFetches(pollCtx)
	require.Empty(t, fetches.Errors())

	records := fetches.Records()
	require.Len(t, records, 1)
	require.Equal(t, "7", string(records[0].Key))

	var got map[string]any
	require.NoError(t, json.Unmarshal(records[0].Value, &got))
	require.Equal(t, "compliance", got["Category"])
	require.Equal(t, "participant_slashed", got["Action"])
	require.Equal(t, "c3a1f0e9d8b7a6958473625140f1e2d3c4b5a69788796a5b4c3d2e1f0a9b8c7d", got["SubjectHash"])
}
