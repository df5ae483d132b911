package bot

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"warden/internal/config"
	"warden/internal/modules/audit"
	"warden/internal/storage"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

type failingTransport struct{}

func (failingTransport) RoundTrip(*http.Request) (*http.Response, error) {
	return nil, errors.New("gateway unavailable")
}

func newTestBot(t *testing.T) *Bot {
	t.Helper()
	store, err := storage.New(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(store.Close)
	if err := store.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	session, err := discordgo.New("Bot test")
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	session.Client = &http.Client{Transport: failingTransport{}}

	return &Bot{
		cfg:         config.DefaultConfig(),
		logger:      zap.NewNop(),
		store:       store,
		session:     session,
		logChannels: make(map[string]string),
		lockdownMap: make(map[string]*lockdownSnapshot),
		auditAgg:    make(map[string]*auditAggregate),
	}
}

func TestNotifyAuditEditFailureSurvives(t *testing.T) {
	b := newTestBot(t)
	ctx := context.Background()

	settings := b.guildSettings(ctx, "g1")
	settings.SecurityLogChannel = "c1"
	if err := b.store.UpsertGuildSettings(ctx, settings); err != nil {
		t.Fatalf("settings: %v", err)
	}

	entry := storage.AuditLog{
		GuildID:   "g1",
		Level:     audit.LevelWarn,
		Event:     audit.EventSuspiciousJoin,
		Details:   "signals=2",
		CreatedAt: time.Now(),
	}
	key := entry.GuildID + "|" + entry.Level + "|" + entry.Event + "|" + entry.Details + "|" + entry.UserID
	b.auditAgg[key] = &auditAggregate{channelID: "c1", messageID: "m1", count: 1, lastAt: time.Now()}

	// The embed edit fails against this session; the aggregate must be
	// dropped and the call must return normally.
	b.notifyAudit(ctx, entry)

	b.auditAggMu.Lock()
	_, kept := b.auditAgg[key]
	b.auditAggMu.Unlock()
	if kept {
		t.Fatalf("stale aggregate must be dropped after a failed edit")
	}

	// A second entry goes down the fresh-message path with no aggregate.
	b.notifyAudit(ctx, entry)
}

func TestProfilesJoinedSince(t *testing.T) {
	now := time.Now()
	members := []*discordgo.Member{
		{User: &discordgo.User{ID: "1", Username: "recent"}, JoinedAt: now.Add(-2 * time.Hour)},
		{User: &discordgo.User{ID: "2", Username: "old"}, JoinedAt: now.Add(-72 * time.Hour)},
		{User: &discordgo.User{ID: "3", Username: "unknown"}},
		nil,
		{JoinedAt: now.Add(-time.Hour)},
	}

	profiles := profilesJoinedSince(members, now.Add(-24*time.Hour))
	if len(profiles) != 1 {
		t.Fatalf("expected only the recent joiner, got %d profiles", len(profiles))
	}
	if profiles[0].ID != "1" {
		t.Fatalf("expected member 1, got %s", profiles[0].ID)
	}
}

func TestNotifyAuditSkipsWithoutChannel(t *testing.T) {
	b := newTestBot(t)
	b.cfg.SecurityLogChannel = ""

	b.notifyAudit(context.Background(), storage.AuditLog{
		GuildID:   "g1",
		Level:     audit.LevelInfo,
		Event:     audit.EventRaidModeLifted,
		CreatedAt: time.Now(),
	})
	if len(b.auditAgg) != 0 {
		t.Fatalf("no aggregate expected without a log channel, got %d", len(b.auditAgg))
	}
}
