package security

import (
	"context"
	"fmt"
	"strings"
	"time"

	"warden/internal/heuristics"
	"warden/internal/modules/audit"
	"warden/internal/raidmode"
	"warden/internal/utils"
	"warden/internal/window"

	"go.uber.org/zap"
)

// Platform is the narrow boundary to the chat platform. The bot package
// implements it over discordgo; tests use a recorder.
type Platform interface {
	RecentBotAdds(ctx context.Context, guildID string, limit int) ([]BotAdd, error)
	KickMember(ctx context.Context, guildID, userID, reason string) error
	DeleteMessage(ctx context.Context, channelID, messageID string) error
	SendTransientWarning(ctx context.Context, channelID, content string, ttl time.Duration)
	NotifyAdmins(ctx context.Context, guildID, message string)
}

// VerifiedSet answers whether a member is explicitly trusted. The set is
// managed elsewhere; the orchestrator only reads it.
type VerifiedSet interface {
	IsVerified(ctx context.Context, guildID, userID string) bool
}

// BotAdd is one bot-add entry from the platform's action audit trail.
type BotAdd struct {
	TargetID   string
	ActorID    string
	ActorAdmin bool
}

// Message is the platform-neutral view of an inbound guild message.
type Message struct {
	GuildID   string
	ChannelID string
	ID        string
	AuthorID  string
	AuthorBot bool
	Content   string
	Mentions  []string
}

type Config struct {
	RaidJoins       int
	SuspiciousJoins int
	MentionLimit    int
	WarningTTL      time.Duration
}

// Orchestrator wires inbound join and message events to the heuristics, the
// join windows and the raid-mode controller. One instance serves all guilds;
// all state underneath it is keyed by guild ID.
type Orchestrator struct {
	cfg       Config
	evaluator *heuristics.Evaluator
	tracker   *window.Tracker
	raid      *raidmode.Controller
	platform  Platform
	verified  VerifiedSet
	audit     *audit.Logger
	logger    *zap.Logger
	now       func() time.Time
}

func New(cfg Config, evaluator *heuristics.Evaluator, tracker *window.Tracker, raid *raidmode.Controller, platform Platform, verified VerifiedSet, auditLogger *audit.Logger, logger *zap.Logger) *Orchestrator {
	if cfg.RaidJoins <= 0 {
		cfg.RaidJoins = 8
	}
	if cfg.SuspiciousJoins <= 0 {
		cfg.SuspiciousJoins = 3
	}
	if cfg.MentionLimit <= 0 {
		cfg.MentionLimit = 5
	}
	if cfg.WarningTTL <= 0 {
		cfg.WarningTTL = 10 * time.Second
	}

	orchestrator := &Orchestrator{
		cfg:       cfg,
		evaluator: evaluator,
		tracker:   tracker,
		raid:      raid,
		platform:  platform,
		verified:  verified,
		audit:     auditLogger,
		logger:    logger,
		now:       time.Now,
	}
	raid.SetOnDeactivate(tracker.Reset)
	return orchestrator
}

// WithClock replaces the wall clock, for tests.
func (o *Orchestrator) WithClock(now func() time.Time) {
	o.now = now
}

// HandleJoin processes one member-join event. It never panics outward; a
// failure in scoring drops the event and keeps the process alive.
func (o *Orchestrator) HandleJoin(ctx context.Context, guildID string, profile heuristics.Profile) {
	defer o.recoverHandler("member_join")

	if profile.Bot {
		o.handleBotJoin(ctx, guildID, profile)
		return
	}

	now := o.now()
	joins := o.tracker.RecordJoin(guildID, now)
	if joins > o.cfg.RaidJoins && !o.raid.Active(guildID) {
		o.raid.Activate(ctx, guildID, "mass joins detected", raidmode.Stats{
			RecentJoins:      joins,
			RecentSuspicious: o.tracker.RecentSuspicious(guildID, now),
		})
	}

	if o.verified != nil && o.verified.IsVerified(ctx, guildID, profile.ID) {
		return
	}

	verdict := o.evaluator.Evaluate(profile)
	if !verdict.Suspicious {
		return
	}

	suspicious := o.tracker.RecordSuspicious(guildID, window.SuspiciousJoin{
		UserID:  profile.ID,
		Reasons: verdict.Reasons,
		At:      now,
	})
	o.audit.Log(ctx, audit.LevelWarn, guildID, profile.ID, audit.EventSuspiciousJoin,
		fmt.Sprintf("signals=%d reasons=%s", len(verdict.Reasons), strings.Join(verdict.Reasons, "; ")))

	if suspicious > o.cfg.SuspiciousJoins && !o.raid.Active(guildID) {
		o.raid.Activate(ctx, guildID, "multiple suspicious joins", raidmode.Stats{
			RecentJoins:      o.tracker.RecentJoins(guildID, now),
			RecentSuspicious: suspicious,
		})
	}
}

// handleBotJoin treats automated accounts as binary trusted or untrusted:
// added by an administrator means trusted, anything else (including an audit
// lookup failure) means removal.
func (o *Orchestrator) handleBotJoin(ctx context.Context, guildID string, profile heuristics.Profile) {
	entries, err := o.platform.RecentBotAdds(ctx, guildID, 5)
	if err == nil {
		for _, entry := range entries {
			if entry.TargetID != profile.ID {
				continue
			}
			if entry.ActorAdmin {
				o.logger.Info("bot add authorized",
					zap.String("guild_id", guildID),
					zap.String("bot_id", profile.ID),
					zap.String("actor_id", entry.ActorID))
				return
			}
			break
		}
	}

	if err := o.platform.KickMember(ctx, guildID, profile.ID, "unauthorized bot"); err != nil {
		o.audit.Log(ctx, audit.LevelWarn, guildID, profile.ID, audit.EventActionFailed, "bot kick failed: "+err.Error())
		return
	}
	o.audit.Log(ctx, audit.LevelCrit, guildID, profile.ID, audit.EventUnauthorizedBot,
		fmt.Sprintf("bot=%s removed without administrative authorization", profile.DisplayName))
	o.platform.NotifyAdmins(ctx, guildID,
		fmt.Sprintf("Unauthorized bot removed: %s was kicked automatically because it was not added by an administrator.", profile.DisplayName))
}

// HandleMessage runs the message checks in fixed order: mention spam first,
// then scam links; the first hit acts and returns.
func (o *Orchestrator) HandleMessage(ctx context.Context, msg Message) {
	defer o.recoverHandler("message")

	if msg.AuthorBot || msg.GuildID == "" {
		return
	}

	if mentions := distinct(msg.Mentions); len(mentions) > o.cfg.MentionLimit {
		if err := o.platform.DeleteMessage(ctx, msg.ChannelID, msg.ID); err != nil {
			o.audit.Log(ctx, audit.LevelWarn, msg.GuildID, msg.AuthorID, audit.EventActionFailed, "mention spam delete failed: "+err.Error())
		}
		o.platform.SendTransientWarning(ctx, msg.ChannelID,
			fmt.Sprintf("<@%s> do not mass mention (maximum %d mentions per message).", msg.AuthorID, o.cfg.MentionLimit),
			o.cfg.WarningTTL)
		o.audit.Log(ctx, audit.LevelWarn, msg.GuildID, msg.AuthorID, audit.EventMentionSpam,
			fmt.Sprintf("mentions=%d channel=%s", len(mentions), msg.ChannelID))
		return
	}

	if domain, ok := utils.ContainsScamLink(msg.Content); ok {
		if err := o.platform.DeleteMessage(ctx, msg.ChannelID, msg.ID); err != nil {
			o.audit.Log(ctx, audit.LevelWarn, msg.GuildID, msg.AuthorID, audit.EventActionFailed, "scam link delete failed: "+err.Error())
		}
		o.platform.SendTransientWarning(ctx, msg.ChannelID,
			fmt.Sprintf("<@%s> fake gift links are not allowed.", msg.AuthorID),
			o.cfg.WarningTTL)
		o.audit.Log(ctx, audit.LevelWarn, msg.GuildID, msg.AuthorID, audit.EventScamLink, "domain="+domain)
		return
	}

	// Rate-based message spam detection is a deliberate no-op for now.
}

// ScanProfiles re-runs the heuristics over a batch of profiles and returns
// how many score suspicious. Used by the member-scan command.
func (o *Orchestrator) ScanProfiles(profiles []heuristics.Profile) int {
	suspicious := 0
	for _, profile := range profiles {
		if profile.Bot {
			continue
		}
		if verdict := o.evaluator.Evaluate(profile); verdict.Suspicious {
			suspicious++
		}
	}
	return suspicious
}

// Status reports the current window counts for a guild.
func (o *Orchestrator) Status(guildID string) (recentJoins, recentSuspicious int) {
	now := o.now()
	return o.tracker.RecentJoins(guildID, now), o.tracker.RecentSuspicious(guildID, now)
}

func (o *Orchestrator) recoverHandler(event string) {
	if r := recover(); r != nil {
		o.logger.Error("event handler panic",
			zap.String("event", event),
			zap.Any("panic", r))
	}
}

func distinct(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := ids[:0:0]
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
