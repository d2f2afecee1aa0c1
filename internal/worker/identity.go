package worker

import (
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
)

// NewIdentity returns override when set, otherwise hostname plus a random
// suffix. Call it once per process and hand the result to every worker.
func NewIdentity(override string) string {
	if id := strings.TrimSpace(override); id != "" {
		return id
	}
	host, err := os.Hostname()
	if err != nil || strings.TrimSpace(host) == "" {
		host = "nexa"
	}
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("%s-%s", host, suffix)
}

// MemberID names the n-th worker of a pool sharing one process identity.
func MemberID(identity string, n, size int) string {
	if size <= 1 {
		return identity
	}
	return fmt.Sprintf("%s-%d", identity, n)
}
