package ids

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNew_Prefixed(t *testing.T) {
	id := New(PrefixWorkflow)
	require.True(t, strings.HasPrefix(id, "wf_"))
	require.Len(t, strings.TrimPrefix(id, "wf_"), 12)
}

func TestNew_Unique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := New(PrefixTask)
		require.False(t, seen[id])
		seen[id] = true
	}
}

func TestClock_Monotonic(t *testing.T) {
	c := NewClock()
	var last int64
	for i := 0; i < 1000; i++ {
		now := c.NowMillis()
		require.Greater(t, now, last)
		last = now
	}
}
