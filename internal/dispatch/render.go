package dispatch

import (
	"fmt"
	"strings"
	"text/template"

	"github.com/KafClaw/nexa/internal/actions"
)

// TemplateRenderer parses tpl and returns a renderer that applies it to NOTIFY
// actions. Other kinds, and any execution error, fall back to DefaultText.
func TemplateRenderer(tpl string) (func(*actions.Action) string, error) {
	if strings.TrimSpace(tpl) == "" {
		return DefaultText, nil
	}
	t, err := template.New("notify").Option("missingkey=error").Parse(tpl)
	if err != nil {
		return nil, fmt.Errorf("parse notify template: %w", err)
	}
	return func(a *actions.Action) string {
		if a.Kind != actions.KindNotify {
			return DefaultText(a)
		}
		var b strings.Builder
		if err := t.Execute(&b, a); err != nil {
			return DefaultText(a)
		}
		return b.String()
	}, nil
}
