package bot

import (
	"context"
	"fmt"
	"sync"
	"time"

	"warden/internal/analytics"
	"warden/internal/config"
	"warden/internal/heuristics"
	"warden/internal/modules/audit"
	"warden/internal/modules/security"
	"warden/internal/raidmode"
	"warden/internal/storage"
	"warden/internal/window"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

type Bot struct {
	cfg       config.Config
	logger    *zap.Logger
	store     *storage.Store
	audit     *audit.Logger
	analytics *analytics.Service
	session   *discordgo.Session
	raid      *raidmode.Controller
	security  *security.Orchestrator

	logChannelMu sync.Mutex
	logChannels  map[string]string

	lockdownMu  sync.Mutex
	lockdownMap map[string]*lockdownSnapshot

	auditAggMu sync.Mutex
	auditAgg   map[string]*auditAggregate
}

type auditAggregate struct {
	channelID string
	messageID string
	count     int
	lastAt    time.Time
}

type lockdownSnapshot struct {
	channels     map[string]channelSnapshot
	verification discordgo.VerificationLevel
	raisedVerify bool
}

type channelSnapshot struct {
	allow   int64
	deny    int64
	hasPerm bool
}

func New(cfg config.Config, logger *zap.Logger, store *storage.Store, auditLogger *audit.Logger, analyticsService *analytics.Service) (*Bot, error) {
	session, err := discordgo.New("Bot " + cfg.DiscordToken)
	if err != nil {
		return nil, err
	}

	session.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsGuildMembers |
		discordgo.IntentsMessageContent

	b := &Bot{
		cfg:         cfg,
		logger:      logger,
		store:       store,
		audit:       auditLogger,
		analytics:   analyticsService,
		session:     session,
		logChannels: make(map[string]string),
		lockdownMap: make(map[string]*lockdownSnapshot),
		auditAgg:    make(map[string]*auditAggregate),
	}

	evaluator := heuristics.NewEvaluator(cfg.Heuristics)
	tracker := window.NewTracker(
		time.Duration(cfg.Thresholds.RaidWindowSeconds)*time.Second,
		time.Duration(cfg.Thresholds.SuspiciousWindowSeconds)*time.Second,
	)
	b.raid = raidmode.New(raidmode.Config{
		Duration: time.Duration(cfg.RaidMode.DurationMinutes) * time.Minute,
	}, b, auditLogger)
	b.security = security.New(security.Config{
		RaidJoins:       cfg.Thresholds.RaidJoins,
		SuspiciousJoins: cfg.Thresholds.SuspiciousJoins,
		MentionLimit:    cfg.Moderation.MentionLimit,
		WarningTTL:      time.Duration(cfg.Moderation.WarningTTLSeconds) * time.Second,
	}, evaluator, tracker, b.raid, b, b, auditLogger, logger)

	auditLogger.SetNotifier(b.notifyAudit)

	return b, nil
}

func (b *Bot) Start() error {
	b.session.AddHandler(b.onReady)
	b.session.AddHandler(b.onGuildMemberAdd)
	b.session.AddHandler(b.onMessageCreate)
	b.session.AddHandler(b.onInteractionCreate)

	if err := b.session.Open(); err != nil {
		return err
	}

	return b.registerCommands()
}

func (b *Bot) Close(ctx context.Context) {
	_ = ctx
	if b.session != nil {
		_ = b.session.Close()
	}
}

// IsVerified exposes the persisted verified-member list to the security
// checks. A read failure counts as not verified.
func (b *Bot) IsVerified(ctx context.Context, guildID, userID string) bool {
	verified, err := b.store.IsVerifiedUser(ctx, guildID, userID)
	if err != nil {
		b.logger.Warn("verified lookup failed", zap.Error(err))
		return false
	}
	return verified
}

func (b *Bot) guildSettings(ctx context.Context, guildID string) storage.GuildSettings {
	defaults := storage.GuildSettings{
		GuildID:                 guildID,
		SecurityLogChannel:      "",
		AdminRoleID:             b.cfg.AdminRoleID,
		RetentionDays:           b.cfg.RetentionDays,
		RaidJoins:               b.cfg.Thresholds.RaidJoins,
		RaidWindowSeconds:       b.cfg.Thresholds.RaidWindowSeconds,
		SuspiciousJoins:         b.cfg.Thresholds.SuspiciousJoins,
		SuspiciousWindowSeconds: b.cfg.Thresholds.SuspiciousWindowSeconds,
		MinSignals:              b.cfg.Heuristics.MinSignals,
		RaidDurationMinutes:     b.cfg.RaidMode.DurationMinutes,
	}

	settings, err := b.store.GetGuildSettings(ctx, guildID, defaults)
	if err != nil {
		b.logger.Warn("guild settings fallback", zap.Error(err))
		return defaults
	}
	return settings
}

// notifyAudit mirrors audit entries into the guild's security log channel.
// Repeats of the same entry within ten minutes edit the existing embed
// instead of flooding the channel.
func (b *Bot) notifyAudit(ctx context.Context, entry storage.AuditLog) {
	if entry.GuildID == "" {
		return
	}
	channelID := b.securityLogChannel(ctx, entry.GuildID)
	if channelID == "" {
		return
	}

	key := entry.GuildID + "|" + entry.Level + "|" + entry.Event + "|" + entry.Details + "|" + entry.UserID
	window := 10 * time.Minute

	b.auditAggMu.Lock()
	agg := b.auditAgg[key]
	aggregated := agg != nil && agg.channelID == channelID && time.Since(agg.lastAt) <= window
	count := 0
	messageID := ""
	if aggregated {
		agg.count++
		agg.lastAt = time.Now()
		count = agg.count
		messageID = agg.messageID
	}
	b.auditAggMu.Unlock()

	if aggregated {
		embed := b.buildAuditEmbed(entry, count)
		if _, err := b.session.ChannelMessageEditEmbed(channelID, messageID, embed); err == nil {
			return
		}
		// Aggregated message is gone or unwritable; fall back to a fresh one.
		b.auditAggMu.Lock()
		delete(b.auditAgg, key)
		b.auditAggMu.Unlock()
	}

	embed := b.buildAuditEmbed(entry, 1)
	msg, err := b.session.ChannelMessageSendEmbed(channelID, embed)
	if err != nil || msg == nil {
		return
	}
	b.auditAggMu.Lock()
	b.auditAgg[key] = &auditAggregate{channelID: channelID, messageID: msg.ID, count: 1, lastAt: time.Now()}
	b.auditAggMu.Unlock()
}

func (b *Bot) buildAuditEmbed(entry storage.AuditLog, count int) *discordgo.MessageEmbed {
	userValue := "<@" + entry.UserID + ">"
	if entry.UserID == "" {
		userValue = "system"
	}
	fields := []*discordgo.MessageEmbedField{
		{Name: "Event", Value: auditEventLabel(entry.Event), Inline: false},
		{Name: "Level", Value: entry.Level, Inline: true},
		{Name: "User", Value: userValue, Inline: true},
	}
	if count > 1 {
		fields = append(fields, &discordgo.MessageEmbedField{Name: "Count", Value: fmt.Sprintf("%d", count), Inline: true})
	}
	if entry.Details != "" {
		fields = append(fields, &discordgo.MessageEmbedField{Name: "Details", Value: entry.Details, Inline: false})
	}
	return &discordgo.MessageEmbed{
		Title:     "Security Event",
		Color:     auditLevelColor(entry.Level),
		Footer:    &discordgo.MessageEmbedFooter{Text: "Warden"},
		Timestamp: entry.CreatedAt.Format(time.RFC3339),
		Fields:    fields,
	}
}

func auditEventLabel(event string) string {
	switch event {
	case audit.EventRaidMode:
		return "Raid mode activated"
	case audit.EventRaidModeLifted:
		return "Raid mode lifted"
	case audit.EventSuspiciousJoin:
		return "Suspicious join"
	case audit.EventUnauthorizedBot:
		return "Unauthorized bot removed"
	case audit.EventMentionSpam:
		return "Mention spam"
	case audit.EventScamLink:
		return "Scam link"
	case audit.EventActionFailed:
		return "Action failed"
	default:
		return event
	}
}

func auditLevelColor(level string) int {
	switch level {
	case audit.LevelCrit:
		return 0xe74c3c
	case audit.LevelWarn:
		return 0xe67e22
	default:
		return 0x3498db
	}
}

func (b *Bot) memberForUser(guildID, userID string) *discordgo.Member {
	member, err := b.session.State.Member(guildID, userID)
	if err == nil && member != nil {
		return member
	}
	member, _ = b.session.GuildMember(guildID, userID)
	return member
}

func (b *Bot) memberHasAdmin(guild *discordgo.Guild, member *discordgo.Member) bool {
	if guild == nil || member == nil {
		return false
	}
	perms := int64(0)
	for _, role := range guild.Roles {
		if role.ID == guild.ID {
			perms |= role.Permissions
			break
		}
	}
	roleMap := make(map[string]*discordgo.Role, len(guild.Roles))
	for _, role := range guild.Roles {
		roleMap[role.ID] = role
	}
	for _, roleID := range member.Roles {
		if role := roleMap[roleID]; role != nil {
			perms |= role.Permissions
		}
	}
	return perms&discordgo.PermissionAdministrator != 0
}

func (b *Bot) guildForID(guildID string) *discordgo.Guild {
	guild, err := b.session.State.Guild(guildID)
	if err != nil || guild == nil {
		guild, _ = b.session.Guild(guildID)
	}
	return guild
}

func (b *Bot) respond(session *discordgo.Session, interaction *discordgo.InteractionCreate, content string, ephemeral bool) {
	flags := discordgo.MessageFlags(0)
	if ephemeral {
		flags = discordgo.MessageFlagsEphemeral
	}
	_ = session.InteractionRespond(interaction.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Content: content,
			Flags:   flags,
		},
	})
}

func (b *Bot) respondEmbed(session *discordgo.Session, interaction *discordgo.InteractionCreate, embed *discordgo.MessageEmbed, ephemeral bool) {
	if embed == nil {
		b.respond(session, interaction, "No response available.", ephemeral)
		return
	}
	flags := discordgo.MessageFlags(0)
	if ephemeral {
		flags = discordgo.MessageFlagsEphemeral
	}
	_ = session.InteractionRespond(interaction.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Embeds: []*discordgo.MessageEmbed{embed},
			Flags:  flags,
		},
	})
}

func commandEmbed(title, description string, color int, fields []*discordgo.MessageEmbedField) *discordgo.MessageEmbed {
	return &discordgo.MessageEmbed{
		Title:       title,
		Description: description,
		Color:       color,
		Timestamp:   time.Now().Format(time.RFC3339),
		Fields:      fields,
	}
}
