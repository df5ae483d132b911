package raidmode

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"warden/internal/modules/audit"
)

type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type Timer interface {
	Stop() bool
}

type realClock struct{}

type realTimer struct{ t *time.Timer }

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return realTimer{t: time.AfterFunc(d, f)}
}

func (t realTimer) Stop() bool { return t.t.Stop() }

// Actions are the guild-wide defensive operations the controller drives but
// does not implement. Every call is best-effort: a failure is logged and the
// remaining steps still run. Implementations must not call back into the
// controller; transitions for a guild are serialized while actions run.
type Actions interface {
	LockChannels(ctx context.Context, guildID string) ([]string, error)
	UnlockChannels(ctx context.Context, guildID string) error
	RaiseVerification(ctx context.Context, guildID string) (bool, error)
	DisableInvites(ctx context.Context, guildID string) error
	EnableInvites(ctx context.Context, guildID string) error
	NotifyAdmins(ctx context.Context, guildID, message string)
}

// Stats is the window snapshot included in the activation summary.
type Stats struct {
	RecentJoins      int
	RecentSuspicious int
}

type Config struct {
	Duration time.Duration
}

// Controller owns the per-guild raid-mode flag and the side effects of
// flipping it. Activation and deactivation are idempotent, so concurrent
// triggers during a burst never double-apply the lockdown or leave two
// revert timers running.
type Controller struct {
	mu           sync.Mutex
	cfg          Config
	clock        Clock
	actions      Actions
	audit        *audit.Logger
	states       map[string]*guildState
	onDeactivate func(guildID string)
}

type guildState struct {
	active      bool
	activatedAt time.Time
	revert      Timer

	// transition serializes the side effects of flipping the flag, so a
	// deactivation arriving mid-activation restores state only after the
	// lockdown finished applying.
	transition sync.Mutex
}

func New(cfg Config, actions Actions, auditLogger *audit.Logger) *Controller {
	if cfg.Duration <= 0 {
		cfg.Duration = 15 * time.Minute
	}
	return &Controller{
		cfg:     cfg,
		clock:   realClock{},
		actions: actions,
		audit:   auditLogger,
		states:  make(map[string]*guildState),
	}
}

// WithClock replaces the wall clock, for tests.
func (c *Controller) WithClock(clock Clock) {
	c.clock = clock
}

// SetOnDeactivate registers a hook run after every deactivation; the
// orchestrator uses it to clear the join windows.
func (c *Controller) SetOnDeactivate(hook func(guildID string)) {
	c.onDeactivate = hook
}

func (c *Controller) Active(guildID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	state := c.states[guildID]
	return state != nil && state.active
}

// ActiveSince reports the raid-mode flag and when it was last raised.
func (c *Controller) ActiveSince(guildID string) (bool, time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	state := c.states[guildID]
	if state == nil {
		return false, time.Time{}
	}
	return state.active, state.activatedAt
}

// Activate raises raid mode for the guild and applies the defensive
// measures. Returns false if raid mode was already active.
func (c *Controller) Activate(ctx context.Context, guildID, reason string, stats Stats) bool {
	c.mu.Lock()
	state := c.stateLocked(guildID)
	if state.active {
		c.mu.Unlock()
		return false
	}
	state.active = true
	state.activatedAt = c.clock.Now()
	if state.revert != nil {
		state.revert.Stop()
		state.revert = nil
	}
	c.mu.Unlock()

	state.transition.Lock()
	defer state.transition.Unlock()

	var measures []string
	if locked, err := c.actions.LockChannels(ctx, guildID); err != nil {
		c.audit.Log(ctx, audit.LevelWarn, guildID, "", audit.EventActionFailed, "channel lockdown failed: "+err.Error())
	} else if len(locked) > 0 {
		measures = append(measures, fmt.Sprintf("locked %d channels", len(locked)))
	}
	if raised, err := c.actions.RaiseVerification(ctx, guildID); err != nil {
		c.audit.Log(ctx, audit.LevelWarn, guildID, "", audit.EventActionFailed, "verification raise failed: "+err.Error())
	} else if raised {
		measures = append(measures, "verification raised to medium")
	}
	if err := c.actions.DisableInvites(ctx, guildID); err != nil {
		c.audit.Log(ctx, audit.LevelWarn, guildID, "", audit.EventActionFailed, "invite disable failed: "+err.Error())
	} else {
		measures = append(measures, "invites disabled")
	}

	detail := fmt.Sprintf("reason=%s measures=%s joins=%d suspicious=%d",
		reason, strings.Join(measures, ","), stats.RecentJoins, stats.RecentSuspicious)
	c.audit.Log(ctx, audit.LevelCrit, guildID, "", audit.EventRaidMode, detail)
	c.actions.NotifyAdmins(ctx, guildID, "Raid mode activated: "+reason+". The server is under automatic security measures.")

	c.mu.Lock()
	if state.active {
		gid := guildID
		state.revert = c.clock.AfterFunc(c.cfg.Duration, func() {
			c.Deactivate(context.Background(), gid)
		})
	}
	c.mu.Unlock()
	return true
}

// Deactivate lowers raid mode and lifts the defensive measures. Returns
// false if raid mode was not active. A pending auto-revert timer is
// cancelled, though a late firing is harmless since the second call is a
// no-op.
func (c *Controller) Deactivate(ctx context.Context, guildID string) bool {
	c.mu.Lock()
	state := c.states[guildID]
	if state == nil || !state.active {
		c.mu.Unlock()
		return false
	}
	state.active = false
	if state.revert != nil {
		state.revert.Stop()
		state.revert = nil
	}
	c.mu.Unlock()

	state.transition.Lock()
	defer state.transition.Unlock()

	if err := c.actions.UnlockChannels(ctx, guildID); err != nil {
		c.audit.Log(ctx, audit.LevelWarn, guildID, "", audit.EventActionFailed, "channel unlock failed: "+err.Error())
	}
	if err := c.actions.EnableInvites(ctx, guildID); err != nil {
		c.audit.Log(ctx, audit.LevelWarn, guildID, "", audit.EventActionFailed, "invite enable failed: "+err.Error())
	}

	c.audit.Log(ctx, audit.LevelInfo, guildID, "", audit.EventRaidModeLifted, "defensive measures lifted")
	if c.onDeactivate != nil {
		c.onDeactivate(guildID)
	}
	return true
}

func (c *Controller) stateLocked(guildID string) *guildState {
	state := c.states[guildID]
	if state == nil {
		state = &guildState{}
		c.states[guildID] = state
	}
	return state
}
