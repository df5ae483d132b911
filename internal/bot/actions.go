package bot

import (
	"context"
	"errors"
	"sort"
	"time"

	"warden/internal/modules/security"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

const featureInvitesDisabled = discordgo.GuildFeature("INVITES_DISABLED")

// LockChannels denies SendMessages for @everyone on every text and news
// channel, remembering the previous overwrites so unlock can restore them.
// Channels that fail to lock are skipped; the rest still lock.
func (b *Bot) LockChannels(ctx context.Context, guildID string) ([]string, error) {
	_ = ctx
	b.lockdownMu.Lock()
	if _, exists := b.lockdownMap[guildID]; exists {
		b.lockdownMu.Unlock()
		return nil, nil
	}
	b.lockdownMu.Unlock()

	channels, err := b.session.GuildChannels(guildID)
	if err != nil {
		return nil, err
	}

	snapshot := &lockdownSnapshot{channels: make(map[string]channelSnapshot)}
	var locked []string
	for _, channel := range channels {
		if channel == nil {
			continue
		}
		if channel.Type != discordgo.ChannelTypeGuildText && channel.Type != discordgo.ChannelTypeGuildNews {
			continue
		}
		snap := channelSnapshot{}
		for _, overwrite := range channel.PermissionOverwrites {
			if overwrite.Type == discordgo.PermissionOverwriteTypeRole && overwrite.ID == guildID {
				snap.allow = overwrite.Allow
				snap.deny = overwrite.Deny
				snap.hasPerm = true
				break
			}
		}

		deny := snap.deny | discordgo.PermissionSendMessages
		if err := b.session.ChannelPermissionSet(channel.ID, guildID, discordgo.PermissionOverwriteTypeRole, snap.allow, deny); err != nil {
			b.logger.Warn("channel lock failed",
				zap.String("guild_id", guildID),
				zap.String("channel_id", channel.ID),
				zap.Error(err))
			continue
		}
		snapshot.channels[channel.ID] = snap
		locked = append(locked, channel.ID)
	}

	b.lockdownMu.Lock()
	b.lockdownMap[guildID] = snapshot
	b.lockdownMu.Unlock()
	return locked, nil
}

// UnlockChannels restores the overwrites captured at lock time, and lowers
// the verification level again if raid mode raised it.
func (b *Bot) UnlockChannels(ctx context.Context, guildID string) error {
	_ = ctx
	b.lockdownMu.Lock()
	snapshot := b.lockdownMap[guildID]
	delete(b.lockdownMap, guildID)
	b.lockdownMu.Unlock()
	if snapshot == nil {
		return nil
	}

	for channelID, snap := range snapshot.channels {
		if snap.hasPerm {
			_ = b.session.ChannelPermissionSet(channelID, guildID, discordgo.PermissionOverwriteTypeRole, snap.allow, snap.deny)
		} else {
			_ = b.session.ChannelPermissionDelete(channelID, guildID)
		}
	}

	if snapshot.raisedVerify {
		level := snapshot.verification
		_, err := b.session.GuildEdit(guildID, &discordgo.GuildParams{VerificationLevel: &level})
		if err != nil {
			b.logger.Warn("verification restore failed", zap.String("guild_id", guildID), zap.Error(err))
		}
	}
	return nil
}

// RaiseVerification bumps the guild verification level to medium. Returns
// false without error when the level is already medium or higher.
func (b *Bot) RaiseVerification(ctx context.Context, guildID string) (bool, error) {
	_ = ctx
	guild := b.guildForID(guildID)
	if guild == nil {
		return false, errors.New("guild unavailable")
	}
	if guild.VerificationLevel >= discordgo.VerificationLevelMedium {
		return false, nil
	}

	previous := guild.VerificationLevel
	level := discordgo.VerificationLevelMedium
	if _, err := b.session.GuildEdit(guildID, &discordgo.GuildParams{VerificationLevel: &level}); err != nil {
		return false, err
	}

	b.lockdownMu.Lock()
	if snapshot := b.lockdownMap[guildID]; snapshot != nil {
		snapshot.verification = previous
		snapshot.raisedVerify = true
	}
	b.lockdownMu.Unlock()
	return true, nil
}

func (b *Bot) DisableInvites(ctx context.Context, guildID string) error {
	return b.setInvitesDisabled(ctx, guildID, true)
}

func (b *Bot) EnableInvites(ctx context.Context, guildID string) error {
	return b.setInvitesDisabled(ctx, guildID, false)
}

func (b *Bot) setInvitesDisabled(ctx context.Context, guildID string, disabled bool) error {
	_ = ctx
	guild := b.guildForID(guildID)
	if guild == nil {
		return errors.New("guild unavailable")
	}

	features := make([]discordgo.GuildFeature, 0, len(guild.Features)+1)
	present := false
	for _, feature := range guild.Features {
		if feature == featureInvitesDisabled {
			present = true
			if !disabled {
				continue
			}
		}
		features = append(features, feature)
	}
	if disabled {
		if present {
			return nil
		}
		features = append(features, featureInvitesDisabled)
	} else if !present {
		return nil
	}

	_, err := b.session.GuildEdit(guildID, &discordgo.GuildParams{Features: features})
	return err
}

// NotifyAdmins posts to the guild's security log channel, falling back to
// the first channel the bot can send to.
func (b *Bot) NotifyAdmins(ctx context.Context, guildID, message string) {
	channelID := b.securityLogChannel(ctx, guildID)
	if channelID == "" {
		channelID = b.firstSendableChannel(guildID)
	}
	if channelID == "" {
		b.logger.Warn("no channel for admin notification", zap.String("guild_id", guildID))
		return
	}
	if _, err := b.session.ChannelMessageSend(channelID, message); err != nil {
		b.logger.Warn("admin notification failed", zap.String("guild_id", guildID), zap.Error(err))
	}
}

// RecentBotAdds reads the newest bot-add audit entries and marks whether the
// actor holds administrator permission.
func (b *Bot) RecentBotAdds(ctx context.Context, guildID string, limit int) ([]security.BotAdd, error) {
	_ = ctx
	logs, err := b.session.GuildAuditLog(guildID, "", "", int(discordgo.AuditLogActionBotAdd), limit)
	if err != nil {
		return nil, err
	}
	if logs == nil {
		return nil, nil
	}

	guild := b.guildForID(guildID)
	adds := make([]security.BotAdd, 0, len(logs.AuditLogEntries))
	for _, entry := range logs.AuditLogEntries {
		if entry == nil {
			continue
		}
		add := security.BotAdd{TargetID: entry.TargetID, ActorID: entry.UserID}
		if guild != nil && entry.UserID != "" {
			if guild.OwnerID == entry.UserID {
				add.ActorAdmin = true
			} else if member := b.memberForUser(guildID, entry.UserID); member != nil {
				add.ActorAdmin = b.memberHasAdmin(guild, member)
			}
		}
		adds = append(adds, add)
	}
	return adds, nil
}

func (b *Bot) KickMember(ctx context.Context, guildID, userID, reason string) error {
	_ = ctx
	return b.session.GuildMemberDeleteWithReason(guildID, userID, reason)
}

func (b *Bot) DeleteMessage(ctx context.Context, channelID, messageID string) error {
	_ = ctx
	return b.session.ChannelMessageDelete(channelID, messageID)
}

// SendTransientWarning posts a warning that deletes itself after the TTL.
func (b *Bot) SendTransientWarning(ctx context.Context, channelID, content string, ttl time.Duration) {
	_ = ctx
	msg, err := b.session.ChannelMessageSend(channelID, content)
	if err != nil || msg == nil {
		return
	}
	messageID := msg.ID
	time.AfterFunc(ttl, func() {
		_ = b.session.ChannelMessageDelete(channelID, messageID)
	})
}

// securityLogChannel resolves the guild's security log channel, creating it
// when missing. Guild settings take precedence over the configured name.
func (b *Bot) securityLogChannel(ctx context.Context, guildID string) string {
	settings := b.guildSettings(ctx, guildID)
	if settings.SecurityLogChannel != "" {
		return settings.SecurityLogChannel
	}

	b.logChannelMu.Lock()
	if id, ok := b.logChannels[guildID]; ok {
		b.logChannelMu.Unlock()
		return id
	}
	b.logChannelMu.Unlock()

	name := b.cfg.SecurityLogChannel
	if name == "" {
		return ""
	}

	channels, err := b.session.GuildChannels(guildID)
	if err != nil {
		return ""
	}
	for _, channel := range channels {
		if channel == nil || channel.Type != discordgo.ChannelTypeGuildText {
			continue
		}
		if channel.Name == name {
			b.cacheLogChannel(guildID, channel.ID)
			return channel.ID
		}
	}

	created, err := b.session.GuildChannelCreateComplex(guildID, discordgo.GuildChannelCreateData{
		Name: name,
		Type: discordgo.ChannelTypeGuildText,
		PermissionOverwrites: []*discordgo.PermissionOverwrite{
			{
				ID:   guildID,
				Type: discordgo.PermissionOverwriteTypeRole,
				Deny: discordgo.PermissionViewChannel,
			},
		},
	})
	if err != nil || created == nil {
		b.logger.Warn("log channel create failed", zap.String("guild_id", guildID), zap.Error(err))
		return ""
	}
	b.cacheLogChannel(guildID, created.ID)
	return created.ID
}

func (b *Bot) cacheLogChannel(guildID, channelID string) {
	b.logChannelMu.Lock()
	b.logChannels[guildID] = channelID
	b.logChannelMu.Unlock()
}

// firstSendableChannel picks the lowest-positioned text channel as a
// notification fallback.
func (b *Bot) firstSendableChannel(guildID string) string {
	channels, err := b.session.GuildChannels(guildID)
	if err != nil {
		return ""
	}
	text := channels[:0]
	for _, channel := range channels {
		if channel != nil && channel.Type == discordgo.ChannelTypeGuildText {
			text = append(text, channel)
		}
	}
	if len(text) == 0 {
		return ""
	}
	sort.Slice(text, func(i, j int) bool { return text[i].Position < text[j].Position })
	return text[0].ID
}
