package bot

import (
	"context"
	"fmt"
	"strings"
	"time"

	"warden/internal/heuristics"
	"warden/internal/modules/audit"
	"warden/internal/modules/security"
	"warden/internal/raidmode"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

func (b *Bot) onReady(session *discordgo.Session, event *discordgo.Ready) {
	b.logger.Info("discord ready",
		zap.String("user", session.State.User.Username),
		zap.Int("guilds", len(event.Guilds)))
}

func (b *Bot) onGuildMemberAdd(session *discordgo.Session, event *discordgo.GuildMemberAdd) {
	if event.GuildID == "" || event.User == nil {
		return
	}
	_ = session
	b.security.HandleJoin(context.Background(), event.GuildID, profileFromUser(event.User))
}

func (b *Bot) onMessageCreate(session *discordgo.Session, msg *discordgo.MessageCreate) {
	if msg.Author == nil || msg.GuildID == "" {
		return
	}
	_ = session

	mentions := make([]string, 0, len(msg.Mentions))
	for _, user := range msg.Mentions {
		if user != nil {
			mentions = append(mentions, user.ID)
		}
	}

	b.security.HandleMessage(context.Background(), security.Message{
		GuildID:   msg.GuildID,
		ChannelID: msg.ChannelID,
		ID:        msg.ID,
		AuthorID:  msg.Author.ID,
		AuthorBot: msg.Author.Bot,
		Content:   msg.Content,
		Mentions:  mentions,
	})
}

func profileFromUser(user *discordgo.User) heuristics.Profile {
	created, err := discordgo.SnowflakeTimestamp(user.ID)
	if err != nil {
		created = time.Now()
	}
	return heuristics.Profile{
		ID:          user.ID,
		DisplayName: user.Username,
		CreatedAt:   created,
		HasAvatar:   user.Avatar != "",
		HasBanner:   user.Banner != "",
		Bot:         user.Bot,
	}
}

func (b *Bot) onInteractionCreate(session *discordgo.Session, interaction *discordgo.InteractionCreate) {
	if interaction.Type != discordgo.InteractionApplicationCommand {
		return
	}
	if interaction.GuildID == "" {
		b.respond(session, interaction, "This command only works in a server.", true)
		return
	}

	ctx := context.Background()
	data := interaction.ApplicationCommandData()
	switch data.Name {
	case "status":
		b.handleStatusCommand(ctx, session, interaction)
	case "raidmode":
		b.handleRaidModeCommand(ctx, session, interaction, data.Options)
	case "scan":
		b.handleScanCommand(ctx, session, interaction, data.Options)
	case "logs":
		b.handleLogsCommand(ctx, session, interaction, data.Options)
	case "verify":
		b.handleVerifyCommand(ctx, session, interaction, data.Options)
	case "report":
		b.handleReportCommand(ctx, session, interaction, data.Options)
	default:
		b.respond(session, interaction, "Unknown command.", true)
	}
}

func (b *Bot) handleStatusCommand(ctx context.Context, session *discordgo.Session, interaction *discordgo.InteractionCreate) {
	guildID := interaction.GuildID
	joins, suspicious := b.security.Status(guildID)
	active, since := b.raid.ActiveSince(guildID)

	raidValue := "inactive"
	if active {
		raidValue = fmt.Sprintf("active since <t:%d:R>", since.Unix())
	}
	verified, err := b.store.ListVerifiedUsers(ctx, guildID)
	verifiedValue := "unavailable"
	if err == nil {
		verifiedValue = fmt.Sprintf("%d", len(verified))
	}

	fields := []*discordgo.MessageEmbedField{
		{Name: "Raid mode", Value: raidValue, Inline: true},
		{Name: "Recent joins", Value: fmt.Sprintf("%d", joins), Inline: true},
		{Name: "Suspicious joins", Value: fmt.Sprintf("%d", suspicious), Inline: true},
		{Name: "Verified members", Value: verifiedValue, Inline: true},
	}
	b.respondEmbed(session, interaction, commandEmbed("Security Status", "Current security state for this server.", 0x3498db, fields), true)
}

func (b *Bot) handleRaidModeCommand(ctx context.Context, session *discordgo.Session, interaction *discordgo.InteractionCreate, options []*discordgo.ApplicationCommandInteractionDataOption) {
	if len(options) == 0 {
		b.respond(session, interaction, "Missing on/off value.", true)
		return
	}
	guildID := interaction.GuildID

	switch options[0].StringValue() {
	case "on":
		joins, suspicious := b.security.Status(guildID)
		stats := raidmode.Stats{RecentJoins: joins, RecentSuspicious: suspicious}
		if !b.raid.Activate(ctx, guildID, "manual activation", stats) {
			b.respond(session, interaction, "Raid mode is already active.", true)
			return
		}
		b.respond(session, interaction, "Raid mode activated. It will lift automatically.", true)
	case "off":
		if !b.raid.Deactivate(ctx, guildID) {
			b.respond(session, interaction, "Raid mode is not active.", true)
			return
		}
		b.respond(session, interaction, "Raid mode deactivated.", true)
	default:
		b.respond(session, interaction, "Use on or off.", true)
	}
}

func (b *Bot) handleScanCommand(ctx context.Context, session *discordgo.Session, interaction *discordgo.InteractionCreate, options []*discordgo.ApplicationCommandInteractionDataOption) {
	_ = ctx
	guildID := interaction.GuildID

	hours := 24
	for _, opt := range options {
		if opt.Name == "hours" && opt.Type == discordgo.ApplicationCommandOptionInteger {
			if value := int(opt.IntValue()); value > 0 {
				hours = value
			}
		}
	}
	cutoff := time.Now().Add(-time.Duration(hours) * time.Hour)

	// Member listing can take a while on large guilds, so acknowledge first.
	_ = session.InteractionRespond(interaction.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{Flags: discordgo.MessageFlagsEphemeral},
	})

	var members []*discordgo.Member
	after := ""
	for {
		page, err := session.GuildMembers(guildID, after, 1000)
		if err != nil {
			_, _ = session.InteractionResponseEdit(interaction.Interaction, &discordgo.WebhookEdit{
				Content: strPtr("Member scan failed: " + err.Error()),
			})
			return
		}
		if len(page) == 0 {
			break
		}
		members = append(members, page...)
		for _, member := range page {
			if member != nil && member.User != nil {
				after = member.User.ID
			}
		}
		if len(page) < 1000 {
			break
		}
	}

	profiles := profilesJoinedSince(members, cutoff)
	suspicious := b.security.ScanProfiles(profiles)
	content := fmt.Sprintf("Scanned %d members who joined in the last %d hours: %d match suspicious account patterns.",
		len(profiles), hours, suspicious)
	_, _ = session.InteractionResponseEdit(interaction.Interaction, &discordgo.WebhookEdit{Content: &content})
}

// profilesJoinedSince keeps members whose join time is known and falls after
// the cutoff.
func profilesJoinedSince(members []*discordgo.Member, cutoff time.Time) []heuristics.Profile {
	var profiles []heuristics.Profile
	for _, member := range members {
		if member == nil || member.User == nil {
			continue
		}
		if member.JoinedAt.IsZero() || !member.JoinedAt.After(cutoff) {
			continue
		}
		profiles = append(profiles, profileFromUser(member.User))
	}
	return profiles
}

func (b *Bot) handleLogsCommand(ctx context.Context, session *discordgo.Session, interaction *discordgo.InteractionCreate, options []*discordgo.ApplicationCommandInteractionDataOption) {
	settings := b.guildSettings(ctx, interaction.GuildID)

	if len(options) == 0 {
		value := settings.SecurityLogChannel
		if value == "" {
			value = "auto (" + b.cfg.SecurityLogChannel + ")"
		} else {
			value = "<#" + value + ">"
		}
		b.respond(session, interaction, "Security log channel: "+value, true)
		return
	}

	channel := options[0].ChannelValue(session)
	if channel == nil {
		b.respond(session, interaction, "Could not resolve that channel.", true)
		return
	}
	settings.SecurityLogChannel = channel.ID
	if err := b.store.UpsertGuildSettings(ctx, settings); err != nil {
		b.logger.Warn("log channel update failed", zap.Error(err))
		b.respond(session, interaction, "Failed to save the log channel.", true)
		return
	}
	b.respond(session, interaction, "Security logs will go to <#"+channel.ID+">.", true)
}

func (b *Bot) handleVerifyCommand(ctx context.Context, session *discordgo.Session, interaction *discordgo.InteractionCreate, options []*discordgo.ApplicationCommandInteractionDataOption) {
	if len(options) == 0 {
		b.respond(session, interaction, "Missing action.", true)
		return
	}
	guildID := interaction.GuildID
	action := options[0].StringValue()

	if action == "list" {
		users, err := b.store.ListVerifiedUsers(ctx, guildID)
		if err != nil {
			b.respond(session, interaction, "Failed to read the verified list.", true)
			return
		}
		if len(users) == 0 {
			b.respond(session, interaction, "No verified members.", true)
			return
		}
		lines := make([]string, 0, len(users))
		for _, id := range users {
			lines = append(lines, "<@"+id+">")
		}
		b.respond(session, interaction, "Verified members:\n"+strings.Join(lines, "\n"), true)
		return
	}

	var userID string
	for _, opt := range options[1:] {
		if opt.Name == "user" && opt.Type == discordgo.ApplicationCommandOptionUser {
			if user := opt.UserValue(session); user != nil {
				userID = user.ID
			}
		}
	}
	if userID == "" {
		b.respond(session, interaction, "A user is required for add/remove.", true)
		return
	}

	switch action {
	case "add":
		addedBy := ""
		if interaction.Member != nil && interaction.Member.User != nil {
			addedBy = interaction.Member.User.ID
		}
		if err := b.store.AddVerifiedUser(ctx, guildID, userID, addedBy); err != nil {
			b.respond(session, interaction, "Failed to verify the user.", true)
			return
		}
		b.respond(session, interaction, "<@"+userID+"> is now exempt from join heuristics.", true)
	case "remove":
		if err := b.store.RemoveVerifiedUser(ctx, guildID, userID); err != nil {
			b.respond(session, interaction, "Failed to remove the user.", true)
			return
		}
		b.respond(session, interaction, "<@"+userID+"> removed from the verified list.", true)
	default:
		b.respond(session, interaction, "Use add, remove, or list.", true)
	}
}

func (b *Bot) handleReportCommand(ctx context.Context, session *discordgo.Session, interaction *discordgo.InteractionCreate, options []*discordgo.ApplicationCommandInteractionDataOption) {
	if len(options) == 0 {
		b.respond(session, interaction, "Missing period.", true)
		return
	}
	start := time.Now().Add(-24 * time.Hour)
	if options[0].StringValue() == "week" {
		start = time.Now().Add(-7 * 24 * time.Hour)
	}

	report, err := b.analytics.Report(ctx, interaction.GuildID, start)
	if err != nil {
		b.respond(session, interaction, "Failed to build the report.", true)
		return
	}

	eventLines := make([]string, 0, 5)
	for _, count := range report.TopEvents(5) {
		eventLines = append(eventLines, fmt.Sprintf("%s: %d", auditEventLabel(count.Event), count.Count))
	}
	eventsValue := "none"
	if len(eventLines) > 0 {
		eventsValue = strings.Join(eventLines, "\n")
	}

	fields := []*discordgo.MessageEmbedField{
		{Name: "Total", Value: fmt.Sprintf("%d", report.Total), Inline: true},
		{Name: "Warnings", Value: fmt.Sprintf("%d", report.ByLevel[audit.LevelWarn]), Inline: true},
		{Name: "Critical", Value: fmt.Sprintf("%d", report.ByLevel[audit.LevelCrit]), Inline: true},
		{Name: "Top events", Value: eventsValue, Inline: false},
	}
	b.respondEmbed(session, interaction, commandEmbed("Security Report", "Audit activity since "+start.Format("2006-01-02 15:04"), 0x3498db, fields), true)
}

func strPtr(s string) *string { return &s }
