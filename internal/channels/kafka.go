package channels

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl"
	"github.com/segmentio/kafka-go/sasl/plain"
	"github.com/segmentio/kafka-go/sasl/scram"

	"github.com/KafClaw/nexa/internal/dispatch"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaOptions configures the escalation producer.
type KafkaOptions struct {
	Brokers       []string
	Topic         string
	SASLMechanism string // "", PLAIN, SCRAM-SHA-256 or SCRAM-SHA-512
	Username      string
	Password      string
	WriteTimeout  time.Duration
}

// KafkaEscalator hands escalations to a Kafka topic for the on-call tooling.
// Records are keyed by the idempotency key, so consumers deduplicate on it and
// every retry of the same action lands in the same partition.
type KafkaEscalator struct {
	writer messageWriter
	topic  string
}

// NewKafkaEscalator builds a synchronous writer that waits for all replicas.
func NewKafkaEscalator(opts KafkaOptions) (*KafkaEscalator, error) {
	if len(opts.Brokers) == 0 {
		return nil, errors.New("kafka escalation: no brokers configured")
	}
	if strings.TrimSpace(opts.Topic) == "" {
		return nil, errors.New("kafka escalation: no topic configured")
	}
	mech, err := saslMechanism(opts.SASLMechanism, opts.Username, opts.Password)
	if err != nil {
		return nil, err
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(opts.Brokers...),
		Topic:        opts.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		WriteTimeout: opts.WriteTimeout,
		Transport: &kafka.Transport{
			SASL:        mech,
			DialTimeout: opts.WriteTimeout,
		},
	}
	return &KafkaEscalator{writer: w, topic: opts.Topic}, nil
}

func saslMechanism(name, username, password string) (sasl.Mechanism, error) {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "":
		return nil, nil
	case "PLAIN":
		return plain.Mechanism{Username: username, Password: password}, nil
	case "SCRAM-SHA-256":
		return scram.Mechanism(scram.SHA256, username, password)
	case "SCRAM-SHA-512":
		return scram.Mechanism(scram.SHA512, username, password)
	}
	return nil, fmt.Errorf("unsupported sasl mechanism: %s", name)
}

type escalationRecord struct {
	IdempotencyKey string           `json:"idempotency_key"`
	Room           string           `json:"room"`
	Action         dispatch.Payload `json:"action"`
}

func (k *KafkaEscalator) Send(ctx context.Context, room string, p dispatch.Payload, key string) (string, error) {
	body, err := json.Marshal(escalationRecord{IdempotencyKey: key, Room: room, Action: p})
	if err != nil {
		return "", fmt.Errorf("encode escalation: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(key),
		Value: body,
		Headers: []kafka.Header{
			{Key: "idempotency-key", Value: []byte(key)},
			{Key: "action-kind", Value: []byte(p.Kind)},
			{Key: "platform", Value: []byte(p.Platform)},
		},
		Time: time.Now(),
	}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		return "", fmt.Errorf("kafka write %s: %w", k.topic, err)
	}
	return "kafka:" + k.topic + ":" + shortKey(key), nil
}

func (k *KafkaEscalator) Close() error {
	return k.writer.Close()
}
