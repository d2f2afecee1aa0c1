// Package dispatch maps a claimed action to the side effect its kind calls for.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/KafClaw/nexa/internal/actions"
)

// ErrUnknownKind marks an action whose kind has no handler. Retrying cannot fix it.
var ErrUnknownKind = errors.New("unknown action kind")

// Payload is what an adapter needs to perform a side effect.
type Payload struct {
	ActionID   int64        `json:"action_id"`
	MessageID  string       `json:"message_id"`
	Platform   string       `json:"platform"`
	RoomID     string       `json:"room_id"`
	Label      string       `json:"label"`
	Kind       actions.Kind `json:"action_kind"`
	Confidence float64      `json:"confidence"`
	Text       string       `json:"text"`
	CreatedAt  time.Time    `json:"created_at"`
}

// Adapter performs one kind of side effect. Calling Send again with the same
// key must not repeat the effect and must return the same reference; a key seen
// before is success, not an error.
type Adapter interface {
	Send(ctx context.Context, room string, payload Payload, key string) (ref string, err error)
}

// AdapterFunc lets a function satisfy Adapter.
type AdapterFunc func(ctx context.Context, room string, payload Payload, key string) (string, error)

func (f AdapterFunc) Send(ctx context.Context, room string, payload Payload, key string) (string, error) {
	return f(ctx, room, payload, key)
}

// Result is the outcome of a successful dispatch.
type Result struct {
	ExternalRef string
	// SideEffect is false for kinds that intentionally do nothing.
	SideEffect bool
}

// Dispatcher routes actions to adapters. It never retries.
type Dispatcher struct {
	notify   Adapter
	escalate Adapter
	timeout  time.Duration
	render   func(*actions.Action) string
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithTimeout bounds every adapter call.
func WithTimeout(d time.Duration) Option {
	return func(x *Dispatcher) { x.timeout = d }
}

// WithRenderer sets how the outgoing text is built from an action.
func WithRenderer(fn func(*actions.Action) string) Option {
	return func(x *Dispatcher) {
		if fn != nil {
			x.render = fn
		}
	}
}

// New builds a dispatcher. Both adapters are required.
func New(notify, escalate Adapter, opts ...Option) (*Dispatcher, error) {
	if notify == nil || escalate == nil {
		return nil, errors.New("dispatch: notify and escalate adapters are required")
	}
	d := &Dispatcher{
		notify:   notify,
		escalate: escalate,
		timeout:  30 * time.Second,
		render:   DefaultText,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Dispatch performs the side effect for a, passing key as the idempotency token.
func (d *Dispatcher) Dispatch(ctx context.Context, a *actions.Action, key string) (Result, error) {
	var adapter Adapter
	switch a.Kind {
	case actions.KindNotify:
		adapter = d.notify
	case actions.KindEscalate:
		adapter = d.escalate
	case actions.KindSuppress, actions.KindIgnore:
		return Result{}, nil
	default:
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownKind, a.Kind)
	}
	if key == "" {
		return Result{}, fmt.Errorf("dispatch action %d: missing idempotency key", a.ID)
	}

	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}
	ref, err := adapter.Send(ctx, a.RoomID, d.payload(a), key)
	if err != nil {
		return Result{}, fmt.Errorf("%s action %d: %w", a.Kind, a.ID, err)
	}
	return Result{ExternalRef: ref, SideEffect: true}, nil
}

func (d *Dispatcher) payload(a *actions.Action) Payload {
	return Payload{
		ActionID:   a.ID,
		MessageID:  a.MessageID,
		Platform:   a.Platform,
		RoomID:     a.RoomID,
		Label:      a.Label,
		Kind:       a.Kind,
		Confidence: a.Confidence,
		Text:       d.render(a),
		CreatedAt:  a.CreatedAt,
	}
}

// DefaultText is the message used when no renderer is configured.
func DefaultText(a *actions.Action) string {
	switch a.Kind {
	case actions.KindEscalate:
		return fmt.Sprintf("[ESCALATE] %s message %s in %s/%s (confidence %.2f)",
			a.Label, a.MessageID, a.Platform, a.RoomID, a.Confidence)
	default:
		return "Thanks for your message, we will get back to you shortly."
	}
}
