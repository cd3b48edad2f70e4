// Copyright 2024-2026 Aiku AI

package discord

import (
	"context"
	"strings"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"

	"github.com/aiku/telehook/pkg/bridge"
)

// Bot binds the gateway event stream to the bridge. Each discordgo handler
// runs in its own goroutine, so a blocking handshake never stalls the event
// loop.
type Bot struct {
	session *discordgo.Session
	bridge  *bridge.Bridge
	cfg     bridge.Config
	log     zerolog.Logger
}

func NewBot(session *discordgo.Session, br *bridge.Bridge, cfg bridge.Config, log zerolog.Logger) *Bot {
	b := &Bot{
		session: session,
		bridge:  br,
		cfg:     cfg,
		log:     log.With().Str("component", "bot").Logger(),
	}
	session.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsGuildMessageReactions |
		discordgo.IntentMessageContent
	session.AddHandler(b.onReady)
	session.AddHandler(b.onMessageCreate)
	session.AddHandler(b.onMessageUpdate)
	session.AddHandler(b.onMessageDelete)
	session.AddHandler(b.onReactionAdd)
	session.AddHandler(b.onWebhooksUpdate)
	session.AddHandler(b.onChannelDelete)
	return b
}

// Run opens the gateway connection, rebuilds the link registry from live
// webhook state, and blocks until ctx is cancelled.
func (b *Bot) Run(ctx context.Context) error {
	if err := b.session.Open(); err != nil {
		return err
	}
	defer func() {
		if err := b.session.Close(); err != nil {
			b.log.Warn().Err(err).Msg("Error closing gateway connection")
		}
	}()

	if err := b.bridge.Recover(ctx); err != nil {
		b.log.Error().Err(err).Msg("Startup recovery failed")
	}
	b.log.Info().Msg("Bot is running")
	<-ctx.Done()
	return nil
}

func (b *Bot) onReady(s *discordgo.Session, _ *discordgo.Ready) {
	b.log.Info().Str("user_id", s.State.User.ID).Msg("Gateway session ready")
	if err := s.UpdateGameStatus(0, b.cfg.CommandPrefix+"help"); err != nil {
		b.log.Debug().Err(err).Msg("Failed to set presence")
	}
}

func (b *Bot) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if !b.fromUser(m.Message) {
		return
	}
	ctx := context.Background()
	msg := toBridgeMessage(m.Message)
	if strings.HasPrefix(msg.Content, b.cfg.CommandPrefix) {
		// A pending handshake confirmation gets first pick of the command.
		if b.bridge.HandleCommandMessage(ctx, msg) {
			return
		}
		b.dispatchCommand(ctx, m.Message)
		return
	}
	b.bridge.HandleMessageCreated(ctx, msg)
}

func (b *Bot) onMessageUpdate(s *discordgo.Session, m *discordgo.MessageUpdate) {
	// Embed unfurls arrive as author-less updates; only user edits matter.
	if m.Author == nil || !b.fromUser(m.Message) {
		return
	}
	b.bridge.HandleMessageEdited(context.Background(), toBridgeMessage(m.Message))
}

func (b *Bot) onMessageDelete(s *discordgo.Session, m *discordgo.MessageDelete) {
	b.bridge.HandleMessageDeleted(context.Background(), m.ID)
}

func (b *Bot) onReactionAdd(s *discordgo.Session, r *discordgo.MessageReactionAdd) {
	if s.State.User != nil && r.UserID == s.State.User.ID {
		return
	}
	b.bridge.HandleReactionAdded(context.Background(), bridge.ReactionSignal{
		EndpointID: bridge.EndpointID(r.ChannelID),
		MessageID:  r.MessageID,
		UserID:     r.UserID,
		Emoji:      r.Emoji.Name,
	})
}

func (b *Bot) onWebhooksUpdate(s *discordgo.Session, w *discordgo.WebhooksUpdate) {
	b.bridge.HandleCredentialsChanged(context.Background(), bridge.EndpointID(w.ChannelID))
}

func (b *Bot) onChannelDelete(s *discordgo.Session, c *discordgo.ChannelDelete) {
	b.bridge.HandleEndpointDeleted(context.Background(), bridge.EndpointID(c.ID))
}

// fromUser filters out the bot's own traffic and webhook posts, which is
// what keeps relayed messages from echoing back.
func (b *Bot) fromUser(m *discordgo.Message) bool {
	if m.WebhookID != "" || m.Author == nil || m.Author.Bot {
		return false
	}
	return m.GuildID != ""
}

func toBridgeMessage(m *discordgo.Message) *bridge.Message {
	msg := &bridge.Message{
		ID:         m.ID,
		EndpointID: bridge.EndpointID(m.ChannelID),
		Content:    m.Content,
	}
	if m.Author != nil {
		msg.AuthorID = m.Author.ID
		msg.AuthorName = m.Author.Username
		msg.AuthorAvatarURL = m.Author.AvatarURL("")
	}
	for _, att := range m.Attachments {
		msg.Attachments = append(msg.Attachments, bridge.Attachment{
			URL:      att.URL,
			Filename: att.Filename,
		})
	}
	return msg
}
