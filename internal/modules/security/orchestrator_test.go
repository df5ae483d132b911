package security

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"warden/internal/config"
	"warden/internal/heuristics"
	"warden/internal/modules/audit"
	"warden/internal/raidmode"
	"warden/internal/storage"
	"warden/internal/window"

	"go.uber.org/zap"
)

type fakeTimer struct{ stopped bool }

func (t *fakeTimer) Stop() bool {
	t.stopped = true
	return true
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) AfterFunc(d time.Duration, fn func()) raidmode.Timer {
	return &fakeTimer{}
}

type fakeActions struct {
	locks    int
	unlocks  int
	notifies []string
}

func (a *fakeActions) LockChannels(ctx context.Context, guildID string) ([]string, error) {
	a.locks++
	return []string{"c1"}, nil
}

func (a *fakeActions) UnlockChannels(ctx context.Context, guildID string) error {
	a.unlocks++
	return nil
}

func (a *fakeActions) RaiseVerification(ctx context.Context, guildID string) (bool, error) {
	return true, nil
}

func (a *fakeActions) DisableInvites(ctx context.Context, guildID string) error { return nil }

func (a *fakeActions) EnableInvites(ctx context.Context, guildID string) error { return nil }

func (a *fakeActions) NotifyAdmins(ctx context.Context, guildID, message string) {
	a.notifies = append(a.notifies, message)
}

type sentWarning struct {
	channelID string
	content   string
	ttl       time.Duration
}

type fakePlatform struct {
	botAdds    []BotAdd
	botAddsErr error
	panicAudit bool
	kicked     []string
	deleted    []string
	warnings   []sentWarning
	notified   []string
}

func (p *fakePlatform) RecentBotAdds(ctx context.Context, guildID string, limit int) ([]BotAdd, error) {
	if p.panicAudit {
		panic("audit trail unavailable")
	}
	return p.botAdds, p.botAddsErr
}

func (p *fakePlatform) KickMember(ctx context.Context, guildID, userID, reason string) error {
	p.kicked = append(p.kicked, userID)
	return nil
}

func (p *fakePlatform) DeleteMessage(ctx context.Context, channelID, messageID string) error {
	p.deleted = append(p.deleted, messageID)
	return nil
}

func (p *fakePlatform) SendTransientWarning(ctx context.Context, channelID, content string, ttl time.Duration) {
	p.warnings = append(p.warnings, sentWarning{channelID: channelID, content: content, ttl: ttl})
}

func (p *fakePlatform) NotifyAdmins(ctx context.Context, guildID, message string) {
	p.notified = append(p.notified, message)
}

type fakeVerified struct {
	ids map[string]bool
}

func (v *fakeVerified) IsVerified(ctx context.Context, guildID, userID string) bool {
	return v.ids[guildID+":"+userID]
}

type testFixture struct {
	orchestrator *Orchestrator
	actions      *fakeActions
	platform     *fakePlatform
	verified     *fakeVerified
	clock        *fakeClock
	store        *storage.Store
}

func newFixture(t *testing.T) *testFixture {
	t.Helper()
	store, _ := storage.New(":memory:")
	t.Cleanup(store.Close)
	_ = store.Migrate()
	auditLogger := audit.NewLogger(store, zap.NewNop())

	clock := &fakeClock{now: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)}
	actions := &fakeActions{}
	controller := raidmode.New(raidmode.Config{Duration: 15 * time.Minute}, actions, auditLogger)
	controller.WithClock(clock)

	evaluator := heuristics.NewEvaluator(config.HeuristicsConfig{MinSignals: 2, MinAccountAgeDays: 2})
	evaluator.WithClock(clock.Now)

	tracker := window.NewTracker(60*time.Second, 2*time.Minute)
	platform := &fakePlatform{}
	verified := &fakeVerified{ids: map[string]bool{}}

	orchestrator := New(Config{
		RaidJoins:       8,
		SuspiciousJoins: 3,
		MentionLimit:    5,
		WarningTTL:      10 * time.Second,
	}, evaluator, tracker, controller, platform, verified, auditLogger, zap.NewNop())
	orchestrator.WithClock(clock.Now)

	return &testFixture{
		orchestrator: orchestrator,
		actions:      actions,
		platform:     platform,
		verified:     verified,
		clock:        clock,
		store:        store,
	}
}

func cleanProfile(id string, now time.Time) heuristics.Profile {
	return heuristics.Profile{
		ID:          id,
		DisplayName: "Lavender",
		CreatedAt:   now.AddDate(-1, 0, 0),
		HasAvatar:   true,
		HasBanner:   true,
	}
}

func suspiciousProfile(id string, now time.Time) heuristics.Profile {
	return heuristics.Profile{
		ID:          id,
		DisplayName: "user48213907",
		CreatedAt:   now.Add(-6 * time.Hour),
	}
}

func TestMassJoinsActivateOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := f.clock.Now()

	for i := 0; i < 9; i++ {
		f.orchestrator.HandleJoin(ctx, "g1", cleanProfile(string(rune('a'+i)), now))
	}
	active, _ := f.orchestrator.raid.ActiveSince("g1")
	if !active {
		t.Fatalf("expected raid mode after 9 joins")
	}
	if f.actions.locks != 1 {
		t.Fatalf("expected exactly one lockdown, got %d", f.actions.locks)
	}

	f.orchestrator.HandleJoin(ctx, "g1", cleanProfile("tenth", now))
	if f.actions.locks != 1 {
		t.Fatalf("tenth join must not trigger a second lockdown, got %d", f.actions.locks)
	}
	if len(f.actions.notifies) != 1 || !strings.Contains(f.actions.notifies[0], "mass joins detected") {
		t.Fatalf("expected one mass-join broadcast, got %v", f.actions.notifies)
	}
}

func TestSuspiciousJoinsActivate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := f.clock.Now()

	for i := 0; i < 3; i++ {
		f.orchestrator.HandleJoin(ctx, "g1", suspiciousProfile(string(rune('a'+i)), now))
	}
	if f.orchestrator.raid.Active("g1") {
		t.Fatalf("three suspicious joins must not yet activate raid mode")
	}

	f.orchestrator.HandleJoin(ctx, "g1", suspiciousProfile("d", now))
	if !f.orchestrator.raid.Active("g1") {
		t.Fatalf("expected raid mode after fourth suspicious join")
	}
	if len(f.actions.notifies) != 1 || !strings.Contains(f.actions.notifies[0], "multiple suspicious joins") {
		t.Fatalf("expected suspicious-join broadcast, got %v", f.actions.notifies)
	}
}

func TestVerifiedUserSkipsScoring(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := f.clock.Now()
	f.verified.ids["g1:staff"] = true

	f.orchestrator.HandleJoin(ctx, "g1", suspiciousProfile("staff", now))
	joins, suspicious := f.orchestrator.Status("g1")
	if joins != 1 {
		t.Fatalf("verified joins still count toward the raw window, got %d", joins)
	}
	if suspicious != 0 {
		t.Fatalf("verified user must not be scored, got %d suspicious", suspicious)
	}
}

func TestUnauthorizedBotKicked(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := f.clock.Now()

	f.platform.botAdds = []BotAdd{{TargetID: "bot1", ActorID: "mod", ActorAdmin: false}}
	f.orchestrator.HandleJoin(ctx, "g1", heuristics.Profile{ID: "bot1", DisplayName: "helper", CreatedAt: now, Bot: true})
	if len(f.platform.kicked) != 1 || f.platform.kicked[0] != "bot1" {
		t.Fatalf("expected bot1 kicked, got %v", f.platform.kicked)
	}
	if len(f.platform.notified) != 1 {
		t.Fatalf("expected admin notification, got %v", f.platform.notified)
	}

	joins, _ := f.orchestrator.Status("g1")
	if joins != 0 {
		t.Fatalf("bot joins must not count toward the join window, got %d", joins)
	}
}

func TestAdminAddedBotTrusted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := f.clock.Now()

	f.platform.botAdds = []BotAdd{{TargetID: "bot1", ActorID: "owner", ActorAdmin: true}}
	f.orchestrator.HandleJoin(ctx, "g1", heuristics.Profile{ID: "bot1", DisplayName: "helper", CreatedAt: now, Bot: true})
	if len(f.platform.kicked) != 0 {
		t.Fatalf("admin-added bot must not be kicked, got %v", f.platform.kicked)
	}
}

func TestBotAuditLookupFailureKicks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := f.clock.Now()

	f.platform.botAddsErr = errors.New("missing permission")
	f.orchestrator.HandleJoin(ctx, "g1", heuristics.Profile{ID: "bot1", DisplayName: "helper", CreatedAt: now, Bot: true})
	if len(f.platform.kicked) != 1 {
		t.Fatalf("audit lookup failure must still remove the bot, got %v", f.platform.kicked)
	}
}

func TestMentionSpamDeleted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	msg := Message{
		GuildID:   "g1",
		ChannelID: "c1",
		ID:        "m1",
		AuthorID:  "u1",
		Content:   "hey everyone",
		Mentions:  []string{"a", "b", "c", "d", "e", "f"},
	}
	f.orchestrator.HandleMessage(ctx, msg)
	if len(f.platform.deleted) != 1 || f.platform.deleted[0] != "m1" {
		t.Fatalf("expected message deleted, got %v", f.platform.deleted)
	}
	if len(f.platform.warnings) != 1 {
		t.Fatalf("expected one warning, got %d", len(f.platform.warnings))
	}
	if f.platform.warnings[0].ttl != 10*time.Second {
		t.Fatalf("expected 10s warning ttl, got %v", f.platform.warnings[0].ttl)
	}

	logs, err := f.store.ListAuditLogs(ctx, "g1", time.Unix(0, 0))
	if err != nil {
		t.Fatalf("list audit logs: %v", err)
	}
	var incident *storage.AuditLog
	for i := range logs {
		if logs[i].Event == audit.EventMentionSpam {
			incident = &logs[i]
			break
		}
	}
	if incident == nil {
		t.Fatalf("expected a mention spam incident in the audit log, got %v", logs)
	}
	if !strings.Contains(incident.Details, "mentions=6") {
		t.Fatalf("expected mention count 6 in details, got %q", incident.Details)
	}
	if incident.UserID != "u1" {
		t.Fatalf("expected incident attributed to u1, got %q", incident.UserID)
	}
}

func TestDuplicateMentionsCollapse(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	msg := Message{
		GuildID:   "g1",
		ChannelID: "c1",
		ID:        "m1",
		AuthorID:  "u1",
		Mentions:  []string{"a", "a", "b", "c", "d", "e"},
	}
	f.orchestrator.HandleMessage(ctx, msg)
	if len(f.platform.deleted) != 0 {
		t.Fatalf("five distinct mentions must not be deleted, got %v", f.platform.deleted)
	}
}

func TestScamLinkDeleted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	msg := Message{
		GuildID:   "g1",
		ChannelID: "c1",
		ID:        "m1",
		AuthorID:  "u1",
		Content:   "free nitro at https://discord.gift/abc",
	}
	f.orchestrator.HandleMessage(ctx, msg)
	if len(f.platform.deleted) != 1 {
		t.Fatalf("expected scam message deleted, got %v", f.platform.deleted)
	}
	if !strings.Contains(f.platform.warnings[0].content, "gift links") {
		t.Fatalf("expected gift-link warning, got %q", f.platform.warnings[0].content)
	}
}

func TestMentionCheckPrecedesScamCheck(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	msg := Message{
		GuildID:   "g1",
		ChannelID: "c1",
		ID:        "m1",
		AuthorID:  "u1",
		Content:   "claim https://discord.gift/abc",
		Mentions:  []string{"a", "b", "c", "d", "e", "f"},
	}
	f.orchestrator.HandleMessage(ctx, msg)
	if len(f.platform.deleted) != 1 {
		t.Fatalf("expected a single delete, got %v", f.platform.deleted)
	}
	if len(f.platform.warnings) != 1 || !strings.Contains(f.platform.warnings[0].content, "mass mention") {
		t.Fatalf("mention check must win, got %v", f.platform.warnings)
	}
}

func TestBotAuthorIgnored(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	msg := Message{
		GuildID:   "g1",
		ChannelID: "c1",
		ID:        "m1",
		AuthorID:  "u1",
		AuthorBot: true,
		Content:   "https://discord.gift/abc",
	}
	f.orchestrator.HandleMessage(ctx, msg)
	if len(f.platform.deleted) != 0 {
		t.Fatalf("bot authors must be ignored, got %v", f.platform.deleted)
	}
}

func TestHandlerPanicRecovered(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := f.clock.Now()

	f.platform.panicAudit = true
	// Must not crash the caller.
	f.orchestrator.HandleJoin(ctx, "g1", heuristics.Profile{ID: "bot1", CreatedAt: now, Bot: true})
}

func TestScanProfiles(t *testing.T) {
	f := newFixture(t)
	now := f.clock.Now()

	profiles := []heuristics.Profile{
		cleanProfile("a", now),
		suspiciousProfile("b", now),
		{ID: "c", DisplayName: "helper", CreatedAt: now, Bot: true},
		suspiciousProfile("d", now),
	}
	if count := f.orchestrator.ScanProfiles(profiles); count != 2 {
		t.Fatalf("expected 2 suspicious profiles, got %d", count)
	}
}
