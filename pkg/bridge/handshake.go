// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Mode is the directionality a handshake can settle on. Exactly one mode
// survives mode selection; its legs say which credentials to create.
type Mode int

const (
	// ModeMutual links both directions.
	ModeMutual Mode = iota + 1
	// ModeSendOnly lets the initiator post into the partner only.
	ModeSendOnly
	// ModeReceiveOnly lets the partner post into the initiator only.
	ModeReceiveOnly
)

func (m Mode) String() string {
	switch m {
	case ModeMutual:
		return "mutual"
	case ModeSendOnly:
		return "send-only"
	case ModeReceiveOnly:
		return "receive-only"
	default:
		return "unknown"
	}
}

// leg is one credential to create: at dest, representing source.
type leg struct {
	source EndpointID
	dest   EndpointID
}

// legs returns the credentials the mode requires, outgoing leg first.
func (m Mode) legs(initiator, partner EndpointID) []leg {
	switch m {
	case ModeMutual:
		return []leg{{initiator, partner}, {partner, initiator}}
	case ModeSendOnly:
		return []leg{{initiator, partner}}
	case ModeReceiveOnly:
		return []leg{{partner, initiator}}
	default:
		return nil
	}
}

// Reaction emoji offered on the mode-selection prompt.
const (
	emojiMutual  = "🔁"
	emojiSend    = "📤"
	emojiReceive = "📥"
)

func modeForEmoji(emoji string) (Mode, bool) {
	switch emoji {
	case emojiMutual:
		return ModeMutual, true
	case emojiSend:
		return ModeSendOnly, true
	case emojiReceive:
		return ModeReceiveOnly, true
	default:
		return 0, false
	}
}

// Handshake runs the two-party negotiation that must complete before the
// registry is mutated: Validating → ModeSelection → (PartnerConfirmation) →
// Committing. Every abort path leaves the registry exactly as it was.
type Handshake struct {
	platform  Platform
	registry  *Registry
	reactions *Waiters[ReactionSignal]
	commands  *Waiters[*Message]
	cfg       Config
	log       zerolog.Logger

	active *pairGuard
}

func NewHandshake(platform Platform, registry *Registry, reactions *Waiters[ReactionSignal], commands *Waiters[*Message], cfg Config, log zerolog.Logger) *Handshake {
	return &Handshake{
		platform:  platform,
		registry:  registry,
		reactions: reactions,
		commands:  commands,
		cfg:       cfg,
		log:       log.With().Str("component", "handshake").Logger(),
		active:    newPairGuard(),
	}
}

// Run executes one link-creation attempt initiated by userID in the
// initiator endpoint. It blocks for the duration of the handshake; callers
// run it from the per-event goroutine so unrelated events keep flowing.
func (h *Handshake) Run(ctx context.Context, initiator, partner EndpointID, userID string) error {
	log := h.log.With().
		Str("attempt", uuid.NewString()).
		Str("initiator", string(initiator)).
		Str("partner", string(partner)).
		Logger()

	// Validating.
	if initiator == partner {
		h.notify(ctx, initiator, "⚠ The specified channel is this channel.")
		return nil
	}
	release, ok := h.active.acquire(initiator, partner)
	if !ok {
		h.notify(ctx, initiator, "ℹ A connection attempt with that channel is already in progress.")
		return nil
	}
	defer release()

	partnerEp, err := h.platform.ResolveEndpoint(ctx, partner)
	switch {
	case errors.Is(err, ErrNotFound):
		h.notify(ctx, initiator, "⚠ The specified channel does not exist.")
		return nil
	case errors.Is(err, ErrPermissionDenied):
		h.notify(ctx, initiator, "⚠ The bot has not been added to the specified channel.")
		return nil
	case err != nil:
		return fmt.Errorf("resolve partner: %w", err)
	}

	outgoing := h.registry.HasLink(ctx, initiator, partner)
	incoming := h.registry.HasLink(ctx, partner, initiator)
	if outgoing || incoming {
		h.notify(ctx, initiator, fmt.Sprintf(
			"ℹ Already connected to **%s** (%s).", endpointLabel(partnerEp), directionality(outgoing, incoming)))
		return nil
	}

	// ModeSelection.
	mode, err := h.selectMode(ctx, initiator, partnerEp, userID)
	if err != nil {
		if errors.Is(err, ErrTimeout) {
			h.notify(ctx, initiator, "⌛ No mode was chosen in time. Nothing was changed.")
			return nil
		}
		return err
	}
	log = log.With().Stringer("mode", mode).Logger()

	// PartnerConfirmation, unless the initiating user can manage the
	// partner channel themselves.
	confirmedBy := ""
	canManage, err := h.platform.HasManageRights(ctx, partner, userID)
	if err != nil {
		canManage = false
	}
	if !canManage {
		confirmedBy, err = h.awaitConfirmation(ctx, initiator, partnerEp, mode)
		if err != nil {
			if errors.Is(err, ErrTimeout) {
				h.notify(ctx, initiator, fmt.Sprintf(
					"⌛ Nobody confirmed the connection in **%s**. Nothing was changed.", endpointLabel(partnerEp)))
				h.notify(ctx, partner, "⌛ The pending connection request expired.")
				return nil
			}
			return err
		}
	}

	// Committing. Compensating rollback of whichever legs are already
	// recorded as done, so partial links never persist.
	var done []leg
	for _, l := range mode.legs(initiator, partner) {
		if _, err := h.registry.Create(ctx, l.source, l.dest); err != nil {
			for _, d := range done {
				h.registry.Destroy(ctx, d.source, d.dest)
			}
			h.notify(ctx, initiator, fmt.Sprintf("%s Re-run **`%slink %s`** to try again.",
				commitFailureNotice(err, l.dest), h.cfg.CommandPrefix, partner))
			log.Warn().Err(err).Msg("Handshake commit failed, rolled back")
			return err
		}
		done = append(done, l)
	}

	// Success.
	initiatorEp, err := h.platform.ResolveEndpoint(ctx, initiator)
	initiatorLabel := string(initiator)
	if err == nil {
		initiatorLabel = endpointLabel(initiatorEp)
	}
	h.notify(ctx, initiator, fmt.Sprintf("✅ Connected to **%s** (%s).", endpointLabel(partnerEp), mode))
	partnerNotice := fmt.Sprintf("✅ Connected to **%s** (%s).", initiatorLabel, mode)
	if confirmedBy != "" {
		partnerNotice += fmt.Sprintf(" Confirmed by <@%s>.", confirmedBy)
	}
	h.notify(ctx, partner, partnerNotice)
	log.Info().Msg("Handshake complete")
	return nil
}

// selectMode posts the acknowledgement-signal prompt and waits for the
// initiating user to react with one of the three mode emoji.
func (h *Handshake) selectMode(ctx context.Context, initiator EndpointID, partner *Endpoint, userID string) (Mode, error) {
	promptID, err := h.platform.SendMessage(ctx, initiator, fmt.Sprintf(
		"How should **%s** be connected?\n%s mutual / %s send-only / %s receive-only",
		endpointLabel(partner), emojiMutual, emojiSend, emojiReceive))
	if err != nil {
		return 0, fmt.Errorf("send mode prompt: %w", err)
	}
	for _, emoji := range []string{emojiMutual, emojiSend, emojiReceive} {
		if err := h.platform.React(ctx, initiator, promptID, emoji); err != nil {
			h.log.Debug().Err(err).Str("emoji", emoji).Msg("Prompt reaction failed")
		}
	}

	sig, err := h.reactions.Wait(ctx, h.cfg.ModeSelectTimeout, func(s ReactionSignal) bool {
		if s.MessageID != promptID || s.UserID != userID {
			return false
		}
		_, known := modeForEmoji(s.Emoji)
		return known
	})
	if err != nil {
		return 0, err
	}
	mode, _ := modeForEmoji(sig.Emoji)
	return mode, nil
}

// awaitConfirmation posts instructions in the partner endpoint and waits
// for a member with management rights there to enter the confirmation
// command. Matching messages from members without rights are answered and
// the wait continues until the deadline.
func (h *Handshake) awaitConfirmation(ctx context.Context, initiator EndpointID, partner *Endpoint, mode Mode) (string, error) {
	command := h.cfg.CommandPrefix + "confirm " + string(initiator)
	_, err := h.platform.SendMessage(ctx, partner.ID, fmt.Sprintf(
		"🔗 Channel **%s** requests a %s connection with this channel.\n"+
			"A member with **Manage Channels** here must enter **`%s`** to accept.",
		initiator, mode, command))
	if err != nil {
		return "", fmt.Errorf("send confirmation instructions: %w", err)
	}
	h.notify(ctx, initiator, fmt.Sprintf("⏳ Waiting for **`%s`** in **%s**...", command, endpointLabel(partner)))

	deadline := time.Now().Add(h.cfg.ConfirmTimeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return "", ErrTimeout
		}
		msg, err := h.commands.Wait(ctx, remaining, func(m *Message) bool {
			return m.EndpointID == partner.ID && strings.TrimSpace(m.Content) == command
		})
		if err != nil {
			return "", err
		}
		canManage, err := h.platform.HasManageRights(ctx, partner.ID, msg.AuthorID)
		if err != nil || !canManage {
			h.notify(ctx, partner.ID, fmt.Sprintf(
				"⚠ **`%s`** requires the **Manage Channels** permission.", command))
			continue
		}
		return msg.AuthorID, nil
	}
}

func (h *Handshake) notify(ctx context.Context, endpoint EndpointID, content string) {
	if _, err := h.platform.SendMessage(ctx, endpoint, content); err != nil {
		h.log.Debug().Err(err).Str("endpoint", string(endpoint)).Msg("Notification not delivered")
	}
}

// commitFailureNotice explains which side failed and that nothing happened.
func commitFailureNotice(err error, dest EndpointID) string {
	switch {
	case errors.Is(err, ErrQuotaExceeded):
		return fmt.Sprintf("⚠ Channel **%s** already holds the maximum number of webhooks. Nothing was changed.", dest)
	case errors.Is(err, ErrPermissionDenied):
		return fmt.Sprintf("⚠ The bot needs the **Manage Webhooks** permission in **%s**. Nothing was changed.", dest)
	default:
		return "⚠ Creating the connection failed. Nothing was changed."
	}
}

// directionality renders the existing state of a pair as seen from the
// initiator side.
func directionality(outgoing, incoming bool) string {
	switch {
	case outgoing && incoming:
		return "mutual"
	case outgoing:
		return "send-only"
	case incoming:
		return "receive-only"
	default:
		return "not connected"
	}
}

// endpointLabel renders an endpoint the way users know it.
func endpointLabel(ep *Endpoint) string {
	if ep.GuildName == "" {
		return "#" + ep.Name
	}
	return fmt.Sprintf("%s #%s", ep.GuildName, ep.Name)
}

// pairGuard admits at most one handshake per endpoint pair at a time,
// regardless of which side initiated.
type pairGuard struct {
	mu     sync.Mutex
	active map[string]bool
}

func newPairGuard() *pairGuard {
	return &pairGuard{active: make(map[string]bool)}
}

func (g *pairGuard) acquire(a, b EndpointID) (func(), bool) {
	if b < a {
		a, b = b, a
	}
	key := string(a) + "|" + string(b)
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.active[key] {
		return nil, false
	}
	g.active[key] = true
	return func() {
		g.mu.Lock()
		delete(g.active, key)
		g.mu.Unlock()
	}, true
}
