// Package policy turns a classified message into the action kind to take.
package policy

import (
	"fmt"
	"strings"

	"github.com/KafClaw/nexa/internal/actions"
)

// DefaultMinConfidence is the threshold below which a label is not acted on.
const DefaultMinConfidence = 0.6

// Input is a classifier result for one message.
type Input struct {
	Label      string
	Confidence float64
}

// Decision is the result of a policy evaluation.
type Decision struct {
	Kind   actions.Kind
	Reason string
}

// Engine decides which action a classification calls for.
type Engine interface {
	Decide(in Input) Decision
}

// DefaultEngine maps labels to kinds through a fixed table.
type DefaultEngine struct {
	// MinConfidence is the lowest confidence that may produce a side effect.
	MinConfidence float64
	// Rules maps upper-cased labels to kinds. Unlisted labels become IGNORE.
	Rules map[string]actions.Kind
}

// NewDefaultEngine creates an engine with the stock label table.
func NewDefaultEngine() *DefaultEngine {
	return &DefaultEngine{
		MinConfidence: DefaultMinConfidence,
		Rules: map[string]actions.Kind{
			"ENQUIRY":   actions.KindNotify,
			"SUPPORT":   actions.KindEscalate,
			"COMPLAINT": actions.KindEscalate,
			"URGENT":    actions.KindEscalate,
			"SPAM":      actions.KindSuppress,
		},
	}
}

// Decide applies the confidence floor, then the label table.
func (e *DefaultEngine) Decide(in Input) Decision {
	label := strings.ToUpper(strings.TrimSpace(in.Label))
	if in.Confidence < e.MinConfidence {
		return Decision{
			Kind:   actions.KindIgnore,
			Reason: fmt.Sprintf("confidence_below_threshold: %.2f < %.2f", in.Confidence, e.MinConfidence),
		}
	}
	kind, ok := e.Rules[label]
	if !ok || !kind.Valid() {
		return Decision{Kind: actions.KindIgnore, Reason: fmt.Sprintf("no_rule_for_label: %s", label)}
	}
	return Decision{Kind: kind, Reason: fmt.Sprintf("label_%s", strings.ToLower(label))}
}

// SetRule overrides the kind for label.
func (e *DefaultEngine) SetRule(label string, kind actions.Kind) error {
	if !kind.Valid() {
		return fmt.Errorf("invalid action kind %q", kind)
	}
	if e.Rules == nil {
		e.Rules = map[string]actions.Kind{}
	}
	e.Rules[strings.ToUpper(strings.TrimSpace(label))] = kind
	return nil
}
