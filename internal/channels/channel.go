// Package channels holds the side-effect adapters the dispatcher calls:
// chat replies (WhatsApp, Slack), escalation hand-offs (Kafka, Slack) and a
// log-only fallback.
package channels

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/KafClaw/nexa/internal/actions"
	"github.com/KafClaw/nexa/internal/dispatch"
)

// Ledger remembers which idempotency keys an adapter has already delivered.
type Ledger interface {
	LookupDelivery(ctx context.Context, key string) (ref string, found bool, err error)
	RecordDelivery(ctx context.Context, key, channel, ref string, now time.Time) error
}

// Deduplicated wraps an adapter whose transport has no idempotency support of
// its own. A key found in the ledger returns the recorded reference without
// calling the transport again.
type Deduplicated struct {
	name   string
	inner  dispatch.Adapter
	ledger Ledger
	now    func() time.Time
	logger *slog.Logger
}

// Dedupe wraps inner with ledger-backed deduplication under name. A nil
// logger uses slog.Default().
func Dedupe(name string, inner dispatch.Adapter, ledger Ledger, logger *slog.Logger) *Deduplicated {
	if logger == nil {
		logger = slog.Default()
	}
	return &Deduplicated{name: name, inner: inner, ledger: ledger, now: time.Now, logger: logger}
}

func (d *Deduplicated) Send(ctx context.Context, room string, p dispatch.Payload, key string) (string, error) {
	ref, found, err := d.ledger.LookupDelivery(ctx, key)
	if err != nil {
		return "", fmt.Errorf("%s: %w", d.name, err)
	}
	if found {
		d.logger.Info("Delivery already recorded, skipping send", "channel", d.name, "action_id", p.ActionID, "ref", ref)
		return ref, nil
	}
	ref, err = d.inner.Send(ctx, room, p, key)
	if err != nil {
		return "", err
	}
	if err := d.ledger.RecordDelivery(ctx, key, d.name, ref, d.now()); err != nil {
		// The effect happened; the next attempt may repeat it if this record is lost.
		d.logger.Warn("Failed to record delivery", "channel", d.name, "action_id", p.ActionID, "error", err)
	}
	return ref, nil
}

// Router picks the notify adapter by the action's platform.
type Router struct {
	routes   map[string]dispatch.Adapter
	fallback dispatch.Adapter
}

// NewRouter builds a router; fallback handles platforms without a route and may be nil.
func NewRouter(fallback dispatch.Adapter) *Router {
	return &Router{routes: map[string]dispatch.Adapter{}, fallback: fallback}
}

// Handle registers adapter for platform (case-insensitive).
func (r *Router) Handle(platform string, adapter dispatch.Adapter) {
	r.routes[strings.ToLower(strings.TrimSpace(platform))] = adapter
}

// Platforms lists the registered platforms.
func (r *Router) Platforms() []string {
	out := make([]string, 0, len(r.routes))
	for p := range r.routes {
		out = append(out, p)
	}
	slices.Sort(out)
	return out
}

func (r *Router) Send(ctx context.Context, room string, p dispatch.Payload, key string) (string, error) {
	adapter, ok := r.routes[strings.ToLower(strings.TrimSpace(p.Platform))]
	if !ok {
		adapter = r.fallback
	}
	if adapter == nil {
		return "", fmt.Errorf("no adapter for platform %q", p.Platform)
	}
	return adapter.Send(ctx, room, p, key)
}

// LogAdapter performs no external effect; it records the action in the log.
// Used when a platform or escalation path is not configured.
type LogAdapter struct {
	Name   string
	Logger *slog.Logger
}

func (l LogAdapter) Send(ctx context.Context, room string, p dispatch.Payload, key string) (string, error) {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	level := slog.LevelInfo
	if p.Kind == actions.KindEscalate {
		level = slog.LevelWarn
	}
	logger.Log(ctx, level, string(p.Kind), "channel", l.Name, "room", room, "message_id", p.MessageID, "label", p.Label, "text", p.Text)
	return "log:" + l.Name + ":" + shortKey(key), nil
}

func shortKey(key string) string {
	if len(key) > 16 {
		return key[:16]
	}
	return key
}
