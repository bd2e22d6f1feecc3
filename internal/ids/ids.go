// Package ids provides opaque prefix-tagged identifiers and the monotonic
// millisecond clock the core uses for every timestamp (spec §3, C1).
package ids

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Prefixes for each entity kind. No consumer parses the suffix; these exist
// purely so logs and errors are self-describing.
const (
	PrefixWorkflow   = "wf"
	PrefixTask       = "tk"
	PrefixCheckpoint = "cp"
	PrefixWorkspace  = "ws"
	PrefixRepository = "rp"
	PrefixTemplate   = "tmpl"
	PrefixAgent      = "ag"
	PrefixMessage    = "msg"
	PrefixSession    = "ss"
	PrefixMemory     = "mem"
	PrefixThread     = "thr"
)

// New returns a new opaque id of the form "<prefix>_<12 lowercase base32-ish
// characters>", derived from a random UUID.
func New(prefix string) string {
	raw := strings.ReplaceAll(uuid.New().String(), "-", "")
	suffix := raw[:12]
	return prefix + "_" + suffix
}

// Clock issues monotonically non-decreasing millisecond timestamps. A naive
// time.Now().UnixMilli() can repeat or (rarely, across NTP steps) move
// backwards within the same process; Clock guards against both so that
// sequence-like ordering derived from timestamps never goes backwards.
type Clock struct {
	mu   sync.Mutex
	last int64
}

// NewClock creates a Clock.
func NewClock() *Clock {
	return &Clock{}
}

// NowMillis returns the current time in epoch milliseconds, guaranteed to be
// strictly greater than any value previously returned by this Clock.
func (c *Clock) NowMillis() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now().UnixMilli()
	if now <= c.last {
		now = c.last + 1
	}
	c.last = now
	return now
}

// defaultClock backs the package-level NowMillis convenience function.
var defaultClock = NewClock()

// NowMillis returns a monotonic millisecond timestamp from the shared
// package-level clock. Services that need independent guarantees (e.g. for
// testing) should construct their own Clock instead.
func NowMillis() int64 {
	return defaultClock.NowMillis()
}
