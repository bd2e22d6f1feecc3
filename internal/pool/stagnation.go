package pool

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// StagnationLevel is the monotonic escalation level a stagnation monitor
// assigns to a running agent (spec §4.10 step 4).
type StagnationLevel int

const (
	LevelNone StagnationLevel = iota
	LevelWarn
	LevelPause
	LevelAbort
)

func (l StagnationLevel) String() string {
	switch l {
	case LevelWarn:
		return "warn"
	case LevelPause:
		return "pause"
	case LevelAbort:
		return "abort"
	default:
		return "none"
	}
}

// ProgressEvent is what a spawner reports after each agent turn, the
// (turns, wall-clock, state-fingerprint) tuple the monitor observes.
type ProgressEvent struct {
	Turn            int
	LastToolCall    string
	FilesTouched    []string
	TurnCountBucket int
}

// Fingerprint is a SHA-256 digest of the spawner-reported
// (last_tool_call, files_touched, turn_count_bucket) tuple — concrete
// enough to detect a repeated state without inventing new spec behavior.
func (e ProgressEvent) Fingerprint() string {
	files := append([]string(nil), e.FilesTouched...)
	sort.Strings(files)
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%d", e.LastToolCall, strings.Join(files, ","), e.TurnCountBucket)
	return hex.EncodeToString(h.Sum(nil))
}

// MonitorParams configures a StagnationMonitor's escalation thresholds.
type MonitorParams struct {
	WarnTurns       int
	AbortTurns      int
	WarnTimeMs      int64
	AbortTimeMs     int64
	RepeatThreshold int
	HistoryWindow   int
}

// DefaultMonitorParams mirrors the teacher's debounce-style defaults
// (internal/orchestration/v2/nudger.DefaultDebounce), scaled to agent turns
// rather than message batching.
var DefaultMonitorParams = MonitorParams{
	WarnTurns: 15, AbortTurns: 40, WarnTimeMs: 5 * 60 * 1000, AbortTimeMs: 20 * 60 * 1000,
	RepeatThreshold: 3, HistoryWindow: 6,
}

// StagnationMonitor watches one running agent's progress events and
// escalates none->warn->pause->abort. The level is monotonic: once raised,
// it is never lowered for the lifetime of the monitor.
type StagnationMonitor struct {
	params MonitorParams
	clock  nudgerClock
	start  time.Time

	mu      sync.Mutex
	level   StagnationLevel
	history []string // most recent fingerprints, bounded to HistoryWindow
}

// nudgerClock mirrors nudger.Clock's shape so tests can inject a fake.
type nudgerClock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// NewStagnationMonitor constructs a monitor with params, defaulting any
// zero field to DefaultMonitorParams.
func NewStagnationMonitor(params MonitorParams) *StagnationMonitor {
	if params.WarnTurns == 0 {
		params.WarnTurns = DefaultMonitorParams.WarnTurns
	}
	if params.AbortTurns == 0 {
		params.AbortTurns = DefaultMonitorParams.AbortTurns
	}
	if params.WarnTimeMs == 0 {
		params.WarnTimeMs = DefaultMonitorParams.WarnTimeMs
	}
	if params.AbortTimeMs == 0 {
		params.AbortTimeMs = DefaultMonitorParams.AbortTimeMs
	}
	if params.RepeatThreshold == 0 {
		params.RepeatThreshold = DefaultMonitorParams.RepeatThreshold
	}
	if params.HistoryWindow == 0 {
		params.HistoryWindow = DefaultMonitorParams.HistoryWindow
	}
	return &StagnationMonitor{params: params, clock: realClock{}, start: time.Now()}
}

// Observe records a progress event and returns the (possibly escalated)
// level. Escalation never decreases: Observe always returns max(current,
// newly computed).
func (m *StagnationMonitor) Observe(e ProgressEvent) StagnationLevel {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	m.history = append(m.history, e.Fingerprint())
	m.pruneLocked()

	next := m.level
	if repeated := m.repeatCountLocked(e.Fingerprint()); repeated >= m.params.RepeatThreshold {
		next = maxLevel(next, LevelPause)
	}
	if e.Turn >= m.params.AbortTurns {
		next = maxLevel(next, LevelAbort)
	} else if e.Turn >= m.params.WarnTurns {
		next = maxLevel(next, LevelWarn)
	}
	elapsed := now.Sub(m.start).Milliseconds()
	if elapsed >= m.params.AbortTimeMs {
		next = maxLevel(next, LevelAbort)
	} else if elapsed >= m.params.WarnTimeMs {
		next = maxLevel(next, LevelWarn)
	}

	m.level = next
	return m.level
}

// Level returns the current escalation level.
func (m *StagnationMonitor) Level() StagnationLevel {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.level
}

// pruneLocked keeps only the most recent historyWindow records — the spec
// names historyWindow as a record count, not a time span.
func (m *StagnationMonitor) pruneLocked() {
	if len(m.history) > m.params.HistoryWindow {
		m.history = m.history[len(m.history)-m.params.HistoryWindow:]
	}
}

func (m *StagnationMonitor) repeatCountLocked(fingerprint string) int {
	count := 0
	for _, h := range m.history {
		if h == fingerprint {
			count++
		}
	}
	return count
}

func maxLevel(a, b StagnationLevel) StagnationLevel {
	if b > a {
		return b
	}
	return a
}
