// Copyright 2024-2026 Aiku AI

package discord

import (
	"context"
	"errors"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/aiku/telehook/pkg/bridge"
)

// Client implements bridge.Platform on top of a discordgo session.
// Webhook executions share a token-bucket limiter so a burst of relayed
// traffic cannot trip Discord's per-route rate limits.
type Client struct {
	session *discordgo.Session
	limiter *rate.Limiter
	log     zerolog.Logger
}

var _ bridge.Platform = (*Client)(nil)

func NewClient(session *discordgo.Session, cfg bridge.Config, log zerolog.Logger) *Client {
	return &Client{
		session: session,
		limiter: rate.NewLimiter(rate.Limit(cfg.WebhookRate), cfg.WebhookBurst),
		log:     log.With().Str("component", "discord").Logger(),
	}
}

func (c *Client) ResolveEndpoint(ctx context.Context, id bridge.EndpointID) (*bridge.Endpoint, error) {
	ch, err := c.channel(string(id))
	if err != nil {
		return nil, classify(err)
	}
	return c.toEndpoint(ch), nil
}

func (c *Client) ListEndpoints(ctx context.Context) ([]bridge.EndpointID, error) {
	var out []bridge.EndpointID
	for _, guild := range c.session.State.Guilds {
		channels, err := c.session.GuildChannels(guild.ID)
		if err != nil {
			c.log.Warn().Err(err).Str("guild_id", guild.ID).Msg("Failed to list guild channels")
			continue
		}
		for _, ch := range channels {
			if holdsWebhooks(ch) {
				out = append(out, bridge.EndpointID(ch.ID))
			}
		}
	}
	return out, nil
}

// ListCredentials returns only webhooks this bot created and tagged; foreign
// webhooks on the channel are invisible to the bridge.
func (c *Client) ListCredentials(ctx context.Context, endpoint bridge.EndpointID) ([]bridge.Credential, error) {
	hooks, err := c.session.ChannelWebhooks(string(endpoint))
	if err != nil {
		return nil, classify(err)
	}
	botID := c.botUserID()
	var out []bridge.Credential
	for _, hook := range hooks {
		if hook.User == nil || hook.User.ID != botID {
			continue
		}
		source, ok := bridge.ParseCredentialTag(hook.Name)
		if !ok {
			continue
		}
		out = append(out, bridge.Credential{
			ID:         hook.ID,
			Token:      hook.Token,
			EndpointID: bridge.EndpointID(hook.ChannelID),
			SourceID:   source,
		})
	}
	return out, nil
}

func (c *Client) CreateCredential(ctx context.Context, endpoint bridge.EndpointID, name string) (bridge.Credential, error) {
	hook, err := c.session.WebhookCreate(string(endpoint), name, "")
	if err != nil {
		return bridge.Credential{}, classify(err)
	}
	source, _ := bridge.ParseCredentialTag(hook.Name)
	return bridge.Credential{
		ID:         hook.ID,
		Token:      hook.Token,
		EndpointID: bridge.EndpointID(hook.ChannelID),
		SourceID:   source,
	}, nil
}

func (c *Client) DeleteCredential(ctx context.Context, cred bridge.Credential) {
	if err := c.session.WebhookDelete(cred.ID); err != nil {
		err = classify(err)
		if errors.Is(err, bridge.ErrNotFound) {
			return
		}
		c.log.Warn().Err(err).Str("webhook_id", cred.ID).Msg("Failed to delete webhook")
	}
}

func (c *Client) PostViaCredential(ctx context.Context, cred bridge.Credential, post bridge.WebhookPost) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", err
	}
	msg, err := c.session.WebhookExecute(cred.ID, cred.Token, true, &discordgo.WebhookParams{
		Content:   post.Content,
		Username:  post.Username,
		AvatarURL: post.AvatarURL,
	})
	if err != nil {
		return "", classify(err)
	}
	return msg.ID, nil
}

func (c *Client) DeleteCredentialMessage(ctx context.Context, cred bridge.Credential, messageID string) {
	if err := c.session.WebhookMessageDelete(cred.ID, cred.Token, messageID); err != nil {
		err = classify(err)
		if errors.Is(err, bridge.ErrNotFound) {
			return
		}
		c.log.Warn().Err(err).
			Str("webhook_id", cred.ID).
			Str("message_id", messageID).
			Msg("Failed to delete webhook message")
	}
}

func (c *Client) SendMessage(ctx context.Context, endpoint bridge.EndpointID, content string) (string, error) {
	msg, err := c.session.ChannelMessageSend(string(endpoint), content)
	if err != nil {
		return "", classify(err)
	}
	return msg.ID, nil
}

func (c *Client) React(ctx context.Context, endpoint bridge.EndpointID, messageID, emoji string) error {
	if err := c.session.MessageReactionAdd(string(endpoint), messageID, emoji); err != nil {
		return classify(err)
	}
	return nil
}

func (c *Client) HasManageRights(ctx context.Context, endpoint bridge.EndpointID, userID string) (bool, error) {
	perms, err := c.session.UserChannelPermissions(userID, string(endpoint))
	if err != nil {
		return false, classify(err)
	}
	return perms&discordgo.PermissionManageChannels != 0, nil
}

func (c *Client) channel(id string) (*discordgo.Channel, error) {
	if ch, err := c.session.State.Channel(id); err == nil {
		return ch, nil
	}
	return c.session.Channel(id)
}

func (c *Client) toEndpoint(ch *discordgo.Channel) *bridge.Endpoint {
	guildName := ch.GuildID
	if guild, err := c.session.State.Guild(ch.GuildID); err == nil {
		guildName = guild.Name
	}
	return &bridge.Endpoint{
		ID:        bridge.EndpointID(ch.ID),
		Name:      ch.Name,
		GuildName: guildName,
		ParentID:  bridge.EndpointID(ch.ParentID),
		IsText:    holdsWebhooks(ch),
	}
}

func (c *Client) botUserID() string {
	if c.session.State.User != nil {
		return c.session.State.User.ID
	}
	return ""
}

// holdsWebhooks reports whether the channel type can carry webhooks.
// Categories cannot, but they still resolve as endpoints so links can be
// anchored at them.
func holdsWebhooks(ch *discordgo.Channel) bool {
	return ch.Type == discordgo.ChannelTypeGuildText || ch.Type == discordgo.ChannelTypeGuildNews
}
