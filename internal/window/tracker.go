package window

import (
	"sync"
	"time"
)

// SuspiciousJoin is a windowed record of a join that tripped the account
// heuristics.
type SuspiciousJoin struct {
	UserID  string
	Reasons []string
	At      time.Time
}

// Tracker keeps two independent rolling windows per guild: raw joins and
// suspicious joins. Entries older than the window bound are pruned on every
// insert and count, so sizes always reflect a live trailing window.
type Tracker struct {
	mu               sync.Mutex
	joinWindow       time.Duration
	suspiciousWindow time.Duration
	guilds           map[string]*guildWindows
}

type guildWindows struct {
	joins      []time.Time
	suspicious []SuspiciousJoin
}

func NewTracker(joinWindow, suspiciousWindow time.Duration) *Tracker {
	if joinWindow <= 0 {
		joinWindow = 60 * time.Second
	}
	if suspiciousWindow <= 0 {
		suspiciousWindow = 2 * time.Minute
	}
	return &Tracker{
		joinWindow:       joinWindow,
		suspiciousWindow: suspiciousWindow,
		guilds:           make(map[string]*guildWindows),
	}
}

// RecordJoin appends a join at now, prunes, and returns the window size.
func (t *Tracker) RecordJoin(guildID string, now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	windows := t.windowsLocked(guildID)
	windows.joins = pruneTimes(windows.joins, now.Add(-t.joinWindow))
	windows.joins = append(windows.joins, now)
	return len(windows.joins)
}

// RecordSuspicious appends a suspicious join, prunes, and returns the window
// size.
func (t *Tracker) RecordSuspicious(guildID string, entry SuspiciousJoin) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	windows := t.windowsLocked(guildID)
	windows.suspicious = pruneSuspicious(windows.suspicious, entry.At.Add(-t.suspiciousWindow))
	windows.suspicious = append(windows.suspicious, entry)
	return len(windows.suspicious)
}

func (t *Tracker) RecentJoins(guildID string, now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	windows := t.guilds[guildID]
	if windows == nil {
		return 0
	}
	windows.joins = pruneTimes(windows.joins, now.Add(-t.joinWindow))
	return len(windows.joins)
}

func (t *Tracker) RecentSuspicious(guildID string, now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	windows := t.guilds[guildID]
	if windows == nil {
		return 0
	}
	windows.suspicious = pruneSuspicious(windows.suspicious, now.Add(-t.suspiciousWindow))
	return len(windows.suspicious)
}

// Reset drops both windows for a guild; counting starts fresh.
func (t *Tracker) Reset(guildID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.guilds, guildID)
}

func (t *Tracker) windowsLocked(guildID string) *guildWindows {
	windows := t.guilds[guildID]
	if windows == nil {
		windows = &guildWindows{}
		t.guilds[guildID] = windows
	}
	return windows
}

func pruneTimes(entries []time.Time, cutoff time.Time) []time.Time {
	idx := 0
	for _, entry := range entries {
		if entry.After(cutoff) {
			break
		}
		idx++
	}
	return entries[idx:]
}

func pruneSuspicious(entries []SuspiciousJoin, cutoff time.Time) []SuspiciousJoin {
	idx := 0
	for _, entry := range entries {
		if entry.At.After(cutoff) {
			break
		}
		idx++
	}
	return entries[idx:]
}
