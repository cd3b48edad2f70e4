// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/rs/zerolog"
)

// Bridge wires the registry, handshake coordinator, relay engine and
// integrity monitor together and exposes the event and operation entry
// points the platform adapter calls.
type Bridge struct {
	platform Platform
	cfg      Config
	log      zerolog.Logger

	registry  *Registry
	lineage   *Lineage
	relay     *Relay
	monitor   *Monitor
	handshake *Handshake
	reactions *Waiters[ReactionSignal]
	commands  *Waiters[*Message]
}

func New(platform Platform, cfg Config, log zerolog.Logger) *Bridge {
	b := &Bridge{
		platform:  platform,
		cfg:       cfg,
		log:       log.With().Str("component", "bridge").Logger(),
		registry:  NewRegistry(platform, log),
		lineage:   NewLineage(),
		reactions: NewWaiters[ReactionSignal](),
		commands:  NewWaiters[*Message](),
	}
	b.relay = NewRelay(platform, b.registry, b.lineage, log)
	b.monitor = NewMonitor(platform, b.registry, log)
	b.handshake = NewHandshake(platform, b.registry, b.reactions, b.commands, cfg, log)
	b.relay.breakLink = b.breakLink
	b.monitor.breakLink = b.breakLink
	return b
}

// Recover rebuilds the link registry from platform truth. Must be called
// once at startup before events are handled; registry contents never
// survive a restart.
func (b *Bridge) Recover(ctx context.Context) error {
	return b.registry.Recover(ctx)
}

// Registry exposes the link registry. Test hook.
func (b *Bridge) Registry() *Registry {
	return b.registry
}

// HandleMessageCreated processes an inbound user message: a pending
// confirmation waiter may consume it, commands are never relayed, and
// everything else fans out to the linked destinations.
func (b *Bridge) HandleMessageCreated(ctx context.Context, msg *Message) {
	if strings.HasPrefix(msg.Content, b.cfg.CommandPrefix) {
		b.commands.Publish(msg)
		return
	}
	b.relay.HandleMessage(ctx, msg)
}

// HandleCommandMessage offers a prefixed message to the pending handshake
// waiters and reports whether one consumed it. The adapter calls this
// before its own command dispatch.
func (b *Bridge) HandleCommandMessage(_ context.Context, msg *Message) bool {
	return b.commands.Publish(msg)
}

// HandleMessageEdited propagates an edit to every derived copy.
func (b *Bridge) HandleMessageEdited(ctx context.Context, msg *Message) {
	if strings.HasPrefix(msg.Content, b.cfg.CommandPrefix) {
		return
	}
	b.relay.HandleEdit(ctx, msg)
}

// HandleMessageDeleted removes every derived copy of the deleted message.
func (b *Bridge) HandleMessageDeleted(ctx context.Context, messageID string) {
	b.relay.HandleDelete(ctx, messageID)
}

// HandleReactionAdded feeds a reaction into the pending handshake waiters.
func (b *Bridge) HandleReactionAdded(_ context.Context, sig ReactionSignal) {
	b.reactions.Publish(sig)
}

// HandleCredentialsChanged revalidates the endpoint's links against its
// live credential set.
func (b *Bridge) HandleCredentialsChanged(ctx context.Context, endpoint EndpointID) {
	b.monitor.HandleCredentialsChanged(ctx, endpoint)
}

// HandleEndpointDeleted tears down every link involving a deleted endpoint
// and notifies the surviving partners.
func (b *Bridge) HandleEndpointDeleted(ctx context.Context, endpoint EndpointID) {
	partners := make(map[EndpointID]bool)
	for dest := range b.registry.OutgoingAt(endpoint) {
		partners[dest] = true
	}
	for source := range b.registry.IncomingAt(endpoint) {
		partners[source] = true
	}
	for partner := range partners {
		b.registry.Destroy(ctx, endpoint, partner)
		b.registry.Destroy(ctx, partner, endpoint)
		b.notify(ctx, partner, "⛔ A linked channel was deleted; the connection was removed.")
	}
	b.registry.Forget(endpoint)
}

var endpointArgPattern = regexp.MustCompile(`^\d+$`)

// Connect runs a full handshake from endpoint towards the channel named by
// partnerArg, on behalf of userID. Blocks for the duration of the
// handshake.
func (b *Bridge) Connect(ctx context.Context, endpoint EndpointID, partnerArg, userID string) error {
	if !endpointArgPattern.MatchString(partnerArg) {
		b.notify(ctx, endpoint, "⚠ Specify the ID of the channel to connect.")
		return nil
	}
	return b.handshake.Run(ctx, endpoint, EndpointID(partnerArg), userID)
}

// Disconnect removes the links between endpoint and the named partner in
// both directions. Unknown partners still get an orphan-credential sweep,
// so a half-created pair can always be cleaned up from either side.
func (b *Bridge) Disconnect(ctx context.Context, endpoint EndpointID, partnerArg string) error {
	if !endpointArgPattern.MatchString(partnerArg) {
		b.notify(ctx, endpoint, "⚠ Specify the ID of the channel to disconnect.")
		return nil
	}
	partner := EndpointID(partnerArg)
	if partner == endpoint {
		b.notify(ctx, endpoint, "⚠ The specified channel is this channel.")
		return nil
	}

	_, outgoing := b.registry.Peek(endpoint, partner)
	_, incoming := b.registry.Peek(partner, endpoint)
	b.registry.Destroy(ctx, endpoint, partner)
	b.registry.Destroy(ctx, partner, endpoint)

	if !outgoing && !incoming {
		b.notify(ctx, endpoint, "⚠ The specified channel is not connected.")
		return nil
	}
	b.notify(ctx, endpoint, fmt.Sprintf("⛔ Disconnected from **%s**.", b.label(ctx, partner)))
	b.notify(ctx, partner, fmt.Sprintf("⛔ Disconnected from **%s**.", b.label(ctx, endpoint)))
	return nil
}

// DisconnectAll removes every connection of the endpoint.
func (b *Bridge) DisconnectAll(ctx context.Context, endpoint EndpointID) error {
	partners := make(map[EndpointID]bool)
	for dest := range b.registry.LookupOutgoing(ctx, endpoint) {
		partners[dest] = true
	}
	for source := range b.registry.IncomingAt(endpoint) {
		partners[source] = true
	}
	for partner := range partners {
		b.registry.Destroy(ctx, endpoint, partner)
		b.registry.Destroy(ctx, partner, endpoint)
		b.notify(ctx, partner, fmt.Sprintf("⛔ Disconnected from **%s**.", b.label(ctx, endpoint)))
	}
	// Sweep whatever tagged credentials are still living here, e.g. from
	// sources the registry never resolved.
	if creds, err := b.platform.ListCredentials(ctx, endpoint); err == nil {
		for _, cred := range creds {
			b.registry.Destroy(ctx, cred.SourceID, endpoint)
		}
	}
	b.notify(ctx, endpoint, fmt.Sprintf("⛔ Removed %d connection(s).", len(partners)))
	return nil
}

// Connection describes one partner of an endpoint as reported by
// ListConnections.
type Connection struct {
	PartnerID EndpointID
	Label     string
	Direction string
}

// ListConnections reports every partner of the endpoint with the achieved
// directionality as seen from the endpoint's side.
func (b *Bridge) ListConnections(ctx context.Context, endpoint EndpointID) []Connection {
	outgoing := b.registry.LookupOutgoing(ctx, endpoint)
	incoming := b.registry.IncomingAt(endpoint)

	partners := make(map[EndpointID]bool)
	for dest := range outgoing {
		partners[dest] = true
	}
	for source := range incoming {
		partners[source] = true
	}

	conns := make([]Connection, 0, len(partners))
	for partner := range partners {
		_, out := outgoing[partner]
		_, in := incoming[partner]
		conns = append(conns, Connection{
			PartnerID: partner,
			Label:     b.label(ctx, partner),
			Direction: directionality(out, in),
		})
	}
	sort.Slice(conns, func(i, j int) bool { return conns[i].PartnerID < conns[j].PartnerID })
	return conns
}

// CheckRequiredRights verifies the bridge can manage credentials at the
// endpoint, i.e. that linking from there can work at all.
func (b *Bridge) CheckRequiredRights(ctx context.Context, endpoint EndpointID) error {
	_, err := b.platform.ListCredentials(ctx, endpoint)
	return err
}

// breakLink tears down both directions between two endpoints and notifies
// both sides once. Safe to call redundantly: if neither direction is known
// any more, nothing is sent.
func (b *Bridge) breakLink(ctx context.Context, x, y EndpointID, reason string) {
	_, xy := b.registry.Peek(x, y)
	_, yx := b.registry.Peek(y, x)
	if !xy && !yx {
		return
	}
	b.registry.Destroy(ctx, x, y)
	b.registry.Destroy(ctx, y, x)
	b.notify(ctx, x, fmt.Sprintf("⛔ Disconnected from **%s**: %s.", b.label(ctx, y), reason))
	b.notify(ctx, y, fmt.Sprintf("⛔ Disconnected from **%s**: %s.", b.label(ctx, x), reason))
}

// label resolves an endpoint to its user-facing name, falling back to the
// raw ID when the endpoint is gone.
func (b *Bridge) label(ctx context.Context, endpoint EndpointID) string {
	ep, err := b.platform.ResolveEndpoint(ctx, endpoint)
	if err != nil {
		return string(endpoint)
	}
	return endpointLabel(ep)
}

func (b *Bridge) notify(ctx context.Context, endpoint EndpointID, content string) {
	if _, err := b.platform.SendMessage(ctx, endpoint, content); err != nil {
		b.log.Debug().Err(err).Str("endpoint", string(endpoint)).Msg("Notification not delivered")
	}
}
