// Package eventbus fans gateway decision events out to Kafka so downstream
// consumers (case timelines, analytics) see every executed or rejected
// request without polling the audit table.
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
)

// DecisionEvent is the wire shape published per request. Values carried in
// the plan never appear here; only identifiers and outcome metadata.
type DecisionEvent struct {
	RequestID       string `json:"request_id"`
	Role            string `json:"role"`
	Resource        string `json:"resource"`
	Operation       string `json:"operation"`
	Outcome         string `json:"outcome"`
	PlanFingerprint string `json:"plan_fingerprint,omitempty"`
	RowCount        int    `json:"row_count"`
	At              string `json:"at"`
}

type Publisher interface {
	Publish(ctx context.Context, evt DecisionEvent) error
	Close() error
}

type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaPublisher struct {
	writer kafkaWriter
}

type KafkaConfig struct {
	Brokers []string
	Topic   string
}

func NewKafkaPublisher(cfg KafkaConfig) (*KafkaPublisher, error) {
	brokers := make([]string, 0, len(cfg.Brokers))
	for _, b := range cfg.Brokers {
		trimmed := strings.TrimSpace(b)
		if trimmed != "" {
			brokers = append(brokers, trimmed)
		}
	}
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers required")
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, fmt.Errorf("kafka topic required")
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
	}
	return &KafkaPublisher{writer: w}, nil
}

func (p *KafkaPublisher) Publish(ctx context.Context, evt DecisionEvent) error {
	if p == nil || p.writer == nil {
		return fmt.Errorf("kafka publisher not initialized")
	}
	if evt.At == "" {
		evt.At = time.Now().UTC().Format(time.RFC3339Nano)
	}
	value, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal decision event: %w", err)
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(evt.RequestID),
		Value: value,
	})
}

func (p *KafkaPublisher) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}

// NopPublisher drops events. Used when no brokers are configured.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, DecisionEvent) error { return nil }
func (NopPublisher) Close() error                                 { return nil }
