// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
)

// EndpointID is the platform-assigned identifier of a channel or
// channel-like container. It is opaque to this package.
type EndpointID string

// Endpoint is a resolved channel handle. Endpoints are owned by the
// platform; the bridge only references them.
type Endpoint struct {
	ID        EndpointID
	Name      string
	GuildName string
	// ParentID is the category container the endpoint sits in, if any.
	// Links anchored at the parent also apply to messages posted here.
	ParentID EndpointID
	IsText   bool
}

// Credential is a platform-issued webhook bound to exactly one endpoint.
// SourceID is parsed from the credential's display-name tag and identifies
// the endpoint whose messages the credential posts on behalf of.
type Credential struct {
	ID         string
	Token      string
	EndpointID EndpointID
	SourceID   EndpointID
}

// Attachment references a file uploaded with a message. Only the reference
// is mirrored, never the content.
type Attachment struct {
	URL      string
	Filename string
}

// Message is an inbound platform message, already filtered by the adapter
// so that bot- and webhook-authored messages never reach the bridge.
type Message struct {
	ID              string
	EndpointID      EndpointID
	AuthorID        string
	AuthorName      string
	AuthorAvatarURL string
	Content         string
	Attachments     []Attachment
}

// WebhookPost is the payload for posting through a credential with a
// spoofed author identity.
type WebhookPost struct {
	Username  string
	AvatarURL string
	Content   string
}

// ReactionSignal is published into the bridge when a user reacts to a
// message. The handshake coordinator consumes these for mode selection.
type ReactionSignal struct {
	EndpointID EndpointID
	MessageID  string
	UserID     string
	Emoji      string
}

// Platform is the external collaborator every bridge component talks to.
// Implementations classify raw platform errors into this package's error
// taxonomy (ErrNotFound, ErrPermissionDenied, ErrQuotaExceeded) at the call
// boundary; anything else is treated as transient.
type Platform interface {
	// ResolveEndpoint returns a live handle for the endpoint, ErrNotFound
	// if it no longer exists, or ErrPermissionDenied if it is not visible.
	ResolveEndpoint(ctx context.Context, id EndpointID) (*Endpoint, error)

	// ListEndpoints enumerates every endpoint the bridge can currently
	// reach. Used only by startup recovery.
	ListEndpoints(ctx context.Context) ([]EndpointID, error)

	// ListCredentials returns the bridge-owned, correctly tagged
	// credentials living at the endpoint. Credentials owned by others or
	// with unparsable names are not returned.
	ListCredentials(ctx context.Context, endpoint EndpointID) ([]Credential, error)

	// CreateCredential creates a credential at the endpoint with the given
	// display name.
	CreateCredential(ctx context.Context, endpoint EndpointID, name string) (Credential, error)

	// DeleteCredential removes a credential. Best-effort: a credential
	// that is already gone is not a failure, so no error is returned.
	DeleteCredential(ctx context.Context, cred Credential)

	// PostViaCredential posts through the credential and returns the
	// resulting message ID. Returns ErrNotFound when the credential has
	// been revoked out-of-band.
	PostViaCredential(ctx context.Context, cred Credential, post WebhookPost) (string, error)

	// DeleteCredentialMessage removes a message previously posted through
	// the credential. Best-effort.
	DeleteCredentialMessage(ctx context.Context, cred Credential, messageID string)

	// SendMessage posts a plain bot message into the endpoint and returns
	// its ID. Used for prompts and user-visible notifications.
	SendMessage(ctx context.Context, endpoint EndpointID, content string) (string, error)

	// React adds a reaction to a message, offering it as a choice the user
	// can acknowledge.
	React(ctx context.Context, endpoint EndpointID, messageID, emoji string) error

	// HasManageRights reports whether the user holds channel-management
	// rights on the endpoint.
	HasManageRights(ctx context.Context, endpoint EndpointID, userID string) (bool, error)
}
