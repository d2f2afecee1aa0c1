package channels

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/segmentio/kafka-go"

	"github.com/KafClaw/nexa/internal/actions"
	"github.com/KafClaw/nexa/internal/dispatch"
)

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (f *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error { return nil }

func TestKafkaEscalatorKeysByIdempotencyKey(t *testing.T) {
	w := &fakeWriter{}
	k := &KafkaEscalator{writer: w, topic: "nexa.escalations"}
	p := dispatch.Payload{ActionID: 3, MessageID: "m-1", Platform: "whatsapp", Kind: actions.KindEscalate, Label: "SUPPORT"}

	ref, err := k.Send(context.Background(), "room-1", p, "abcdef0123456789abcdef")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if ref != "kafka:nexa.escalations:abcdef0123456789" {
		t.Fatalf("ref = %q", ref)
	}
	if len(w.msgs) != 1 {
		t.Fatalf("expected one message, got %d", len(w.msgs))
	}
	msg := w.msgs[0]
	if string(msg.Key) != "abcdef0123456789abcdef" {
		t.Fatalf("message key = %q", msg.Key)
	}
	var rec escalationRecord
	if err := json.Unmarshal(msg.Value, &rec); err != nil {
		t.Fatalf("decode value: %v", err)
	}
	if rec.Room != "room-1" || rec.Action.Label != "SUPPORT" || rec.IdempotencyKey != "abcdef0123456789abcdef" {
		t.Fatalf("unexpected record: %+v", rec)
	}
	headers := map[string]string{}
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}
	if headers["action-kind"] != "ESCALATE" || headers["idempotency-key"] == "" {
		t.Fatalf("unexpected headers: %v", headers)
	}
}

func TestKafkaEscalatorWriteError(t *testing.T) {
	k := &KafkaEscalator{writer: &fakeWriter{err: errors.New("leader not available")}, topic: "t"}
	if _, err := k.Send(context.Background(), "r", dispatch.Payload{}, "k"); err == nil {
		t.Fatal("expected write error")
	}
}

func TestNewKafkaEscalatorValidates(t *testing.T) {
	if _, err := NewKafkaEscalator(KafkaOptions{Topic: "t"}); err == nil {
		t.Fatal("expected error without brokers")
	}
	if _, err := NewKafkaEscalator(KafkaOptions{Brokers: []string{"localhost:9092"}}); err == nil {
		t.Fatal("expected error without topic")
	}
	if _, err := NewKafkaEscalator(KafkaOptions{Brokers: []string{"localhost:9092"}, Topic: "t", SASLMechanism: "GSSAPI"}); err == nil {
		t.Fatal("expected unsupported mechanism error")
	}
	k, err := NewKafkaEscalator(KafkaOptions{Brokers: []string{"localhost:9092"}, Topic: "t", SASLMechanism: "scram-sha-512", Username: "u", Password: "p"})
	if err != nil {
		t.Fatalf("scram config: %v", err)
	}
	_ = k.Close()
}
