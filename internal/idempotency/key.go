// Package idempotency derives the deterministic key that lets adapters
// deduplicate repeated side effects for the same decided action.
package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/KafClaw/nexa/internal/actions"
)

// MakeKey hashes the stable identity of a decision. The result depends only on
// its inputs, never on attempts, time, or the worker computing it.
func MakeKey(platform, roomID, messageID string, kind actions.Kind) string {
	raw := strings.Join([]string{platform, roomID, messageID, string(kind)}, ":")
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// KeyFor is MakeKey over an action's identifying fields.
func KeyFor(a *actions.Action) string {
	return MakeKey(a.Platform, a.RoomID, a.MessageID, a.Kind)
}

// Short returns a prefix of key suitable for log lines and transport IDs.
func Short(key string, n int) string {
	if n <= 0 || len(key) <= n {
		return key
	}
	return key[:n]
}
