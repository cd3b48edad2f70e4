// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// Relay fans inbound messages out to every linked destination and tracks
// lineage so later edits and deletes can find the derived copies.
type Relay struct {
	platform Platform
	registry *Registry
	lineage  *Lineage
	log      zerolog.Logger

	// breakLink tears down both directions between two endpoints and
	// notifies both sides. Installed by the bridge façade.
	breakLink func(ctx context.Context, a, b EndpointID, reason string)
}

func NewRelay(platform Platform, registry *Registry, lineage *Lineage, log zerolog.Logger) *Relay {
	return &Relay{
		platform: platform,
		registry: registry,
		lineage:  lineage,
		log:      log.With().Str("component", "relay").Logger(),
	}
}

// HandleMessage mirrors msg into every destination linked from its endpoint
// or from the endpoint's parent container. Dispatches run in parallel; the
// call returns only once all of them have been joined, so lineage is
// complete before a subsequent edit or delete of the same message can be
// processed.
func (r *Relay) HandleMessage(ctx context.Context, msg *Message) {
	source, err := r.platform.ResolveEndpoint(ctx, msg.EndpointID)
	if err != nil {
		r.log.Warn().Err(err).Str("endpoint", string(msg.EndpointID)).Msg("Cannot resolve message source")
		return
	}

	dests := r.registry.LookupOutgoing(ctx, msg.EndpointID)
	if source.ParentID != "" {
		for dest, cred := range r.registry.LookupOutgoing(ctx, source.ParentID) {
			if _, ok := dests[dest]; !ok && dest != msg.EndpointID {
				dests[dest] = cred
			}
		}
	}
	if len(dests) == 0 {
		return
	}

	done := r.lineage.Begin(msg.ID)
	defer done()

	var wg sync.WaitGroup
	for dest, cred := range dests {
		wg.Add(1)
		go func(dest EndpointID, cred Credential) {
			defer wg.Done()
			r.dispatch(ctx, source, msg, dest, cred)
		}(dest, cred)
	}
	wg.Wait()
}

// dispatch delivers one message to one destination. Failures here never
// affect delivery to the other destinations.
func (r *Relay) dispatch(ctx context.Context, source *Endpoint, msg *Message, dest EndpointID, cred Credential) {
	if _, err := r.platform.ResolveEndpoint(ctx, dest); err != nil && !IsTransient(err) {
		r.breakLink(ctx, cred.SourceID, dest, "the linked channel no longer exists")
		return
	}

	post := WebhookPost{
		Username:  relayDisplayName(msg.AuthorName, source),
		AvatarURL: msg.AuthorAvatarURL,
	}

	if msg.Content != "" {
		post.Content = msg.Content
		if !r.post(ctx, msg, dest, cred, post) {
			return
		}
	}
	if len(msg.Attachments) > 0 {
		post.Content = attachmentListing(msg.Attachments)
		r.post(ctx, msg, dest, cred, post)
	}
}

// post executes a single webhook post and records lineage. Returns false
// when the destination should get nothing further for this message.
func (r *Relay) post(ctx context.Context, msg *Message, dest EndpointID, cred Credential, post WebhookPost) bool {
	postedID, err := r.platform.PostViaCredential(ctx, cred, post)
	switch {
	case err == nil:
		r.lineage.Record(msg.ID, Derived{MessageID: postedID, EndpointID: dest, Credential: cred})
		return true
	case errors.Is(err, ErrNotFound):
		// The credential was revoked out-of-band: the link is definitively
		// broken, not just this delivery.
		r.breakLink(ctx, cred.SourceID, dest, "the webhook backing the link was deleted")
		return false
	default:
		r.log.Warn().Err(err).
			Str("message_id", msg.ID).
			Str("dest", string(dest)).
			Msg("Relay delivery failed")
		return false
	}
}

// HandleEdit propagates an edit: every derived copy (including the
// attachment-listing companion post) is deleted and the edited content is
// relayed afresh, rebuilding lineage. An edit with no lineage is a no-op.
func (r *Relay) HandleEdit(ctx context.Context, msg *Message) {
	if err := r.lineage.Await(ctx, msg.ID); err != nil {
		return
	}
	derived := r.lineage.Take(msg.ID)
	if len(derived) == 0 {
		return
	}
	for _, d := range derived {
		r.platform.DeleteCredentialMessage(ctx, d.Credential, d.MessageID)
	}
	r.HandleMessage(ctx, msg)
}

// HandleDelete removes every derived copy of a deleted source message and
// discards its lineage.
func (r *Relay) HandleDelete(ctx context.Context, messageID string) {
	if err := r.lineage.Await(ctx, messageID); err != nil {
		return
	}
	for _, d := range r.lineage.Take(messageID) {
		r.platform.DeleteCredentialMessage(ctx, d.Credential, d.MessageID)
	}
}

// relayDisplayName annotates the original author with where the message
// came from, e.g. "alice (@Guild #general)".
func relayDisplayName(author string, source *Endpoint) string {
	return fmt.Sprintf("%s (@%s #%s)", author, source.GuildName, source.Name)
}

// attachmentListing renders the companion post for attachment references,
// one per line.
func attachmentListing(attachments []Attachment) string {
	var b strings.Builder
	for i, a := range attachments {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString("📎 ")
		b.WriteString(a.URL)
	}
	return b.String()
}
