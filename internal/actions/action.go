// Package actions is the durable store for decided side effects and the
// lease protocol workers use to execute each of them at most effectively once.
package actions

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// Kind is the side effect an action asks for.
type Kind string

const (
	KindNotify   Kind = "NOTIFY"
	KindEscalate Kind = "ESCALATE"
	KindSuppress Kind = "SUPPRESS"
	KindIgnore   Kind = "IGNORE"
)

// Kinds lists every kind the dispatcher knows how to handle.
var Kinds = []Kind{KindNotify, KindEscalate, KindSuppress, KindIgnore}

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindNotify, KindEscalate, KindSuppress, KindIgnore:
		return true
	}
	return false
}

// ParseKind accepts any casing and surrounding whitespace.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToUpper(strings.TrimSpace(s)))
	if !k.Valid() {
		return "", fmt.Errorf("unknown action kind %q", s)
	}
	return k, nil
}

// State is the lifecycle position of an action.
type State string

const (
	StatePending   State = "PENDING"
	StateExecuting State = "EXECUTING"
	StateDone      State = "DONE"
	StateFailed    State = "FAILED"
	StateDead      State = "DEAD"
)

// States lists every state in lifecycle order.
var States = []State{StatePending, StateExecuting, StateDone, StateFailed, StateDead}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateDone || s == StateDead
}

// ParseState accepts any casing and surrounding whitespace.
func ParseState(s string) (State, error) {
	st := State(strings.ToUpper(strings.TrimSpace(s)))
	for _, known := range States {
		if st == known {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown action state %q", s)
}

// Action is one persisted decision awaiting (or done with) execution.
type Action struct {
	ID          int64      `json:"id"`
	MessageID   string     `json:"message_id"`
	Platform    string     `json:"platform"`
	RoomID      string     `json:"room_id"`
	Label       string     `json:"label"`
	Kind        Kind       `json:"action_kind"`
	Confidence  float64    `json:"confidence"`
	State       State      `json:"state"`
	Attempts    int        `json:"attempts"`
	ExternalID  string     `json:"external_id,omitempty"`
	ExternalRef string     `json:"external_ref,omitempty"`
	ClaimedAt   *time.Time `json:"claimed_at,omitempty"`
	ExecutorID  string     `json:"executor_id,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	ExecutedAt  *time.Time `json:"executed_at,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
}

var (
	// ErrNotFound is returned when no action has the requested id.
	ErrNotFound = errors.New("action not found")
	// ErrLeaseLost means the caller no longer owns the EXECUTING row it tried to update.
	ErrLeaseLost = errors.New("action lease lost")
	// ErrInvalidAction rejects producer input missing required fields.
	ErrInvalidAction = errors.New("invalid action")
)

// Validate checks the fields a producer must supply.
func (a *Action) Validate() error {
	switch {
	case strings.TrimSpace(a.MessageID) == "":
		return fmt.Errorf("%w: message_id is required", ErrInvalidAction)
	case strings.TrimSpace(a.Platform) == "":
		return fmt.Errorf("%w: platform is required", ErrInvalidAction)
	case strings.TrimSpace(a.RoomID) == "":
		return fmt.Errorf("%w: room_id is required", ErrInvalidAction)
	case !a.Kind.Valid():
		return fmt.Errorf("%w: unknown action kind %q", ErrInvalidAction, a.Kind)
	case a.Confidence < 0 || a.Confidence > 1:
		return fmt.Errorf("%w: confidence %.3f outside [0,1]", ErrInvalidAction, a.Confidence)
	}
	return nil
}

// MaxErrorLen bounds last_error.
const MaxErrorLen = 512

// TruncateError shortens msg to at most MaxErrorLen bytes without splitting a rune.
func TruncateError(msg string) string {
	if len(msg) <= MaxErrorLen {
		return msg
	}
	cut := MaxErrorLen
	for cut > 0 && !utf8.RuneStart(msg[cut]) {
		cut--
	}
	return msg[:cut]
}

// RecoveryMode decides where an abandoned lease goes.
type RecoveryMode string

const (
	// RecoverPenalize moves abandoned rows to FAILED so the lost attempt counts
	// and the normal backoff applies.
	RecoverPenalize RecoveryMode = "penalize"
	// RecoverRequeue moves abandoned rows back to PENDING, claimable at once.
	// It skips the backoff only: the abandoned attempt was already counted by
	// its claim, so it still consumes budget and an exhausted row goes to DEAD.
	RecoverRequeue RecoveryMode = "requeue"
)

// ParseRecoveryMode defaults to RecoverPenalize for an empty string.
func ParseRecoveryMode(s string) (RecoveryMode, error) {
	switch RecoveryMode(strings.ToLower(strings.TrimSpace(s))) {
	case "", RecoverPenalize:
		return RecoverPenalize, nil
	case RecoverRequeue:
		return RecoverRequeue, nil
	}
	return "", fmt.Errorf("unknown recovery mode %q (want penalize or requeue)", s)
}

func (m RecoveryMode) state() State {
	if m == RecoverRequeue {
		return StatePending
	}
	return StateFailed
}

func toMillis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }
