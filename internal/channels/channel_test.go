package channels

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/KafClaw/nexa/internal/actions"
	"github.com/KafClaw/nexa/internal/dispatch"
)

type memLedger struct {
	mu      sync.Mutex
	refs    map[string]string
	lookErr error
}

func newMemLedger() *memLedger { return &memLedger{refs: map[string]string{}} }

func (m *memLedger) LookupDelivery(ctx context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lookErr != nil {
		return "", false, m.lookErr
	}
	ref, ok := m.refs[key]
	return ref, ok, nil
}

func (m *memLedger) RecordDelivery(ctx context.Context, key, channel, ref string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.refs[key]; !ok {
		m.refs[key] = ref
	}
	return nil
}

type countingAdapter struct {
	calls int
	err   error
}

func (c *countingAdapter) Send(ctx context.Context, room string, p dispatch.Payload, key string) (string, error) {
	c.calls++
	if c.err != nil {
		return "", c.err
	}
	return "ref-" + key, nil
}

func TestDedupeSendsOncePerKey(t *testing.T) {
	inner := &countingAdapter{}
	d := Dedupe("slack", inner, newMemLedger(), nil)
	p := dispatch.Payload{ActionID: 1, Kind: actions.KindNotify}

	first, err := d.Send(context.Background(), "C1", p, "k1")
	if err != nil {
		t.Fatalf("first send: %v", err)
	}
	second, err := d.Send(context.Background(), "C1", p, "k1")
	if err != nil {
		t.Fatalf("second send: %v", err)
	}
	if inner.calls != 1 {
		t.Fatalf("expected one transport call, got %d", inner.calls)
	}
	if first != second {
		t.Fatalf("expected the same reference, got %q and %q", first, second)
	}
	if _, err := d.Send(context.Background(), "C1", p, "k2"); err != nil || inner.calls != 2 {
		t.Fatalf("a new key must reach the transport, calls=%d err=%v", inner.calls, err)
	}
}

type failingRecordLedger struct{ *memLedger }

func (failingRecordLedger) RecordDelivery(ctx context.Context, key, channel, ref string, now time.Time) error {
	return errors.New("disk I/O error")
}

func TestDedupeLogsThroughInjectedLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	ledger := newMemLedger()
	ledger.refs["k1"] = "ts-1"
	p := dispatch.Payload{ActionID: 7, Kind: actions.KindNotify}

	d := Dedupe("slack", &countingAdapter{}, ledger, logger)
	if ref, err := d.Send(context.Background(), "C1", p, "k1"); err != nil || ref != "ts-1" {
		t.Fatalf("send = %q, %v", ref, err)
	}
	if !strings.Contains(buf.String(), "Delivery already recorded") || !strings.Contains(buf.String(), "action_id=7") {
		t.Fatalf("skip not logged to injected logger: %q", buf.String())
	}

	buf.Reset()
	d = Dedupe("slack", &countingAdapter{}, failingRecordLedger{newMemLedger()}, logger)
	if _, err := d.Send(context.Background(), "C1", p, "k2"); err != nil {
		t.Fatalf("send after delivered effect must succeed: %v", err)
	}
	if !strings.Contains(buf.String(), "level=WARN") || !strings.Contains(buf.String(), "disk I/O error") {
		t.Fatalf("record failure not logged to injected logger: %q", buf.String())
	}
}

func TestDedupeDoesNotRecordFailures(t *testing.T) {
	inner := &countingAdapter{err: errors.New("boom")}
	ledger := newMemLedger()
	d := Dedupe("slack", inner, ledger, nil)
	if _, err := d.Send(context.Background(), "C1", dispatch.Payload{}, "k1"); err == nil {
		t.Fatal("expected transport error")
	}
	if _, found, _ := ledger.LookupDelivery(context.Background(), "k1"); found {
		t.Fatal("failed sends must not be recorded")
	}
}

func TestDedupeLedgerErrorFailsSend(t *testing.T) {
	inner := &countingAdapter{}
	ledger := newMemLedger()
	ledger.lookErr = errors.New("database is locked")
	d := Dedupe("slack", inner, ledger, nil)
	if _, err := d.Send(context.Background(), "C1", dispatch.Payload{}, "k1"); err == nil {
		t.Fatal("expected ledger error")
	}
	if inner.calls != 0 {
		t.Fatal("transport must not be called when the ledger is unreadable")
	}
}

func TestRouterSelectsByPlatform(t *testing.T) {
	wa := &countingAdapter{}
	fallback := &countingAdapter{}
	r := NewRouter(fallback)
	r.Handle("WhatsApp", wa)

	if _, err := r.Send(context.Background(), "x", dispatch.Payload{Platform: "whatsapp"}, "k"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if _, err := r.Send(context.Background(), "x", dispatch.Payload{Platform: "matrix"}, "k"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if wa.calls != 1 || fallback.calls != 1 {
		t.Fatalf("unexpected routing: whatsapp=%d fallback=%d", wa.calls, fallback.calls)
	}
	if got := r.Platforms(); len(got) != 1 || got[0] != "whatsapp" {
		t.Fatalf("platforms = %v", got)
	}
}

func TestRouterWithoutFallback(t *testing.T) {
	r := NewRouter(nil)
	if _, err := r.Send(context.Background(), "x", dispatch.Payload{Platform: "matrix"}, "k"); err == nil {
		t.Fatal("expected error for unrouted platform")
	}
}

func TestLogAdapter(t *testing.T) {
	var buf bytes.Buffer
	l := LogAdapter{Name: "escalation", Logger: slog.New(slog.NewTextHandler(&buf, nil))}
	ref, err := l.Send(context.Background(), "room-1", dispatch.Payload{Kind: actions.KindEscalate, MessageID: "m-1"}, "0123456789abcdef0123")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if ref != "log:escalation:0123456789abcdef" {
		t.Fatalf("ref = %q", ref)
	}
	out := buf.String()
	if !strings.Contains(out, "level=WARN") || !strings.Contains(out, "message_id=m-1") {
		t.Fatalf("unexpected log output: %s", out)
	}
}
