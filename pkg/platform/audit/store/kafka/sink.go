// Package kafka streams audit events to a Kafka topic for downstream SIEM and
// compliance consumers.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"

	audit "cohort/pkg/platform/audit"
)

// Sink produces one record per audit event. Records are keyed by batch id so
// a batch's history stays ordered within a partition.
type Sink struct {
	client *kgo.Client
	topic  string
}

// payload is the JSON record value. Field names match audit.Event.
type payload struct {
	Category    string `json:"Category"`
	Timestamp   string `json:"Timestamp"`
	BatchID     uint64 `json:"BatchID,omitempty"`
	SubjectHash string `json:"SubjectHash,omitempty"`
	Action      string `json:"Action"`
	Decision    string `json:"Decision,omitempty"`
	Reason      string `json:"Reason,omitempty"`
	RequestID   string `json:"RequestID,omitempty"`
	ActorID     string `json:"ActorID,omitempty"`
	IP          string `json:"IP,omitempty"`
	Client      string `json:"Client,omitempty"`
}

// New connects a producer to brokers for topic.
func New(brokers []string, topic string) (*Sink, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka sink requires at least one broker")
	}
	if topic == "" {
		return nil, errors.New("kafka sink requires a topic")
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.DefaultProduceTopic(topic),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerLinger(5*time.Millisecond),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}
	return &Sink{client: client, topic: topic}, nil
}

// EnsureTopic creates the topic when it does not exist yet.
func (s *Sink) EnsureTopic(ctx context.Context, partitions int32, replicationFactor int16) error {
	adm := kadm.NewClient(s.client)
	resp, err := adm.CreateTopic(ctx, partitions, replicationFactor, nil, s.topic)
	if err != nil {
		return fmt.Errorf("create audit topic: %w", err)
	}
	if resp.Err != nil && !errors.Is(resp.Err, kerr.TopicAlreadyExists) {
		return fmt.Errorf("create audit topic: %w", resp.Err)
	}
	return nil
}

// Append produces the event synchronously.
func (s *Sink) Append(ctx context.Context, event audit.Event) error {
	value, err := json.Marshal(payload{
		Category:    string(audit.AuditEvent(event.Action).Category()),
		Timestamp:   event.Timestamp.Format(time.RFC3339Nano),
		BatchID:     uint64(event.BatchID),
		SubjectHash: event.SubjectHash,
		Action:      event.Action,
		Decision:    event.Decision,
		Reason:      event.Reason,
		RequestID:   event.RequestID,
		ActorID:     event.ActorID,
		IP:          event.IP,
		Client:      event.Client,
	})
	if err != nil {
		return fmt.Errorf("marshal audit payload: %w", err)
	}

	record := &kgo.Record{
		Key:   []byte(strconv.FormatUint(uint64(event.BatchID), 10)),
		Value: value,
		Headers: []kgo.RecordHeader{
			{Key: "category", Value: []byte(audit.AuditEvent(event.Action).Category())},
		},
	}
	if err := s.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("produce audit event: %w", err)
	}
	return nil
}

// Close flushes buffered records and closes the client.
func (s *Sink) Close() {
	s.client.Close()
}
