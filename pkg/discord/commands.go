// Copyright 2024-2026 Aiku AI

package discord

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/aiku/telehook/pkg/bridge"
)

// managedCommands require the Manage Channels permission in the channel the
// command is issued from.
var managedCommands = map[string]bool{
	"link":   true,
	"unlink": true,
	"list":   true,
	"clear":  true,
}

func (b *Bot) dispatchCommand(ctx context.Context, m *discordgo.Message) {
	fields := strings.Fields(strings.TrimPrefix(m.Content, b.cfg.CommandPrefix))
	if len(fields) == 0 {
		return
	}
	name := strings.ToLower(fields[0])
	args := fields[1:]
	endpoint := bridge.EndpointID(m.ChannelID)

	log := b.log.With().
		Str("command", name).
		Str("channel_id", m.ChannelID).
		Str("user_id", m.Author.ID).
		Logger()

	if managedCommands[name] {
		ok, err := b.hasManageRights(m.Author.ID, m.ChannelID)
		if err != nil {
			log.Warn().Err(err).Msg("Permission check failed")
			return
		}
		if !ok {
			b.reply(endpoint, fmt.Sprintf("⚠ **`%s%s`** requires the **Manage Channels** permission.", b.cfg.CommandPrefix, name))
			return
		}
	}

	var err error
	switch name {
	case "link":
		err = b.bridge.Connect(ctx, endpoint, firstArg(args), m.Author.ID)
	case "unlink":
		err = b.bridge.Disconnect(ctx, endpoint, firstArg(args))
	case "list":
		b.cmdList(ctx, endpoint)
	case "clear":
		err = b.bridge.DisconnectAll(ctx, endpoint)
	case "check":
		b.cmdCheck(ctx, endpoint)
	case "ping":
		b.cmdPing(endpoint)
	case "help":
		b.cmdHelp(endpoint)
	case "confirm":
		// Only reached when no handshake waiter consumed the message.
		b.reply(endpoint, "ℹ Nothing here is waiting for a confirmation.")
	default:
		return
	}
	if err != nil {
		log.Warn().Err(err).Msg("Command failed")
	}
}

func (b *Bot) cmdList(ctx context.Context, endpoint bridge.EndpointID) {
	conns := b.bridge.ListConnections(ctx, endpoint)
	if len(conns) == 0 {
		b.reply(endpoint, "ℹ This channel has no connections.")
		return
	}
	sort.Slice(conns, func(i, j int) bool { return conns[i].PartnerID < conns[j].PartnerID })
	var sb strings.Builder
	fmt.Fprintf(&sb, "ℹ Connections of this channel (%d):\n", len(conns))
	for _, conn := range conns {
		fmt.Fprintf(&sb, "• **%s** (`%s`) — %s\n", conn.Label, conn.PartnerID, conn.Direction)
	}
	b.reply(endpoint, sb.String())
}

func (b *Bot) cmdCheck(ctx context.Context, endpoint bridge.EndpointID) {
	if err := b.bridge.CheckRequiredRights(ctx, endpoint); err != nil {
		b.reply(endpoint, "⚠ I need the **Manage Webhooks** permission in this channel.")
		return
	}
	b.reply(endpoint, "✅ I can manage webhooks in this channel.")
}

func (b *Bot) cmdPing(endpoint bridge.EndpointID) {
	msg, err := b.session.ChannelMessageSend(string(endpoint), "🏓 Measuring ...")
	if err != nil {
		return
	}
	content := fmt.Sprintf("🏓 Gateway latency: %d ms", b.session.HeartbeatLatency().Milliseconds())
	if _, err := b.session.ChannelMessageEdit(string(endpoint), msg.ID, content); err != nil {
		b.log.Debug().Err(err).Msg("Failed to edit ping message")
	}
}

func (b *Bot) cmdHelp(endpoint bridge.EndpointID) {
	p := b.cfg.CommandPrefix
	b.reply(endpoint, strings.Join([]string{
		"**Telehook** connects channels across servers.",
		fmt.Sprintf("`%slink <channel-id>` — connect this channel to another one", p),
		fmt.Sprintf("`%sunlink <channel-id>` — remove the connection to a channel", p),
		fmt.Sprintf("`%slist` — show this channel's connections", p),
		fmt.Sprintf("`%sclear` — remove every connection of this channel", p),
		fmt.Sprintf("`%scheck` — verify I can manage webhooks here", p),
		fmt.Sprintf("`%sping` — measure the gateway latency", p),
		fmt.Sprintf("This channel's ID is **`%s`**.", endpoint),
	}, "\n"))
}

func (b *Bot) reply(endpoint bridge.EndpointID, content string) {
	if _, err := b.session.ChannelMessageSend(string(endpoint), content); err != nil {
		b.log.Debug().Err(err).Str("channel_id", string(endpoint)).Msg("Reply not delivered")
	}
}

func (b *Bot) hasManageRights(userID, channelID string) (bool, error) {
	perms, err := b.session.UserChannelPermissions(userID, channelID)
	if err != nil {
		return false, classify(err)
	}
	return perms&discordgo.PermissionManageChannels != 0, nil
}

func firstArg(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return args[0]
}
