// Package events publishes job lifecycle and scan events to Kafka.
package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/commercewatch/prodscan/internal/domain"
)

// Publisher implements domain.EventPublisher on a Kafka topic. Events are
// keyed by job id so all events of one job land on the same partition in
// order.
type Publisher struct {
	client *kgo.Client
	topic  string
}

// NewPublisher connects to the given brokers. The caller owns Close.
func NewPublisher(brokers []string, topic string) (*Publisher, error) {
	if len(brokers) == 0 || topic == "" {
		return nil, fmt.Errorf("op=events.new: %w: brokers and topic required", domain.ErrInvalidArgument)
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.DefaultProduceTopic(topic),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
	)
	if err != nil {
		return nil, fmt.Errorf("op=events.new: %w", err)
	}
	return &Publisher{client: client, topic: topic}, nil
}

// Publish sends one event synchronously; callers decide whether delivery
// failures fail their node.
func (p *Publisher) Publish(ctx context.Context, e domain.Event) error {
	rec, err := buildRecord(p.topic, e)
	if err != nil {
		return err
	}
	if err := p.client.ProduceSync(ctx, rec).FirstErr(); err != nil {
		return fmt.Errorf("op=events.publish: %w", err)
	}
	return nil
}

// Close flushes buffered records and releases the client.
func (p *Publisher) Close() {
	p.client.Close()
}

func buildRecord(topic string, e domain.Event) (*kgo.Record, error) {
	value, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("op=events.encode: %w", err)
	}
	return &kgo.Record{
		Topic: topic,
		Key:   []byte(e.JobID),
		Value: value,
		Headers: []kgo.RecordHeader{
			{Key: "kind", Value: []byte(e.Kind)},
			{Key: "platform", Value: []byte(e.Platform)},
		},
	}, nil
}
