// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
)

// Monitor reacts to platform-side credential-change notifications and keeps
// the registry honest: any link whose backing credential was deleted,
// renamed or re-tagged outside this system is torn down on both sides.
type Monitor struct {
	platform Platform
	registry *Registry
	log      zerolog.Logger

	breakLink func(ctx context.Context, a, b EndpointID, reason string)
}

func NewMonitor(platform Platform, registry *Registry, log zerolog.Logger) *Monitor {
	return &Monitor{
		platform: platform,
		registry: registry,
		log:      log.With().Str("component", "monitor").Logger(),
	}
}

// HandleCredentialsChanged revalidates every link the registry believes is
// anchored at the endpoint against the live credential list. If the list
// has become unreadable the links are left in place and marked errored for
// lazy recovery instead of being deleted outright.
func (m *Monitor) HandleCredentialsChanged(ctx context.Context, endpoint EndpointID) {
	creds, err := m.platform.ListCredentials(ctx, endpoint)
	if err != nil {
		if errors.Is(err, ErrPermissionDenied) {
			m.log.Warn().Str("endpoint", string(endpoint)).Msg("Credential list unreadable, deferring to recovery")
		} else {
			m.log.Warn().Err(err).Str("endpoint", string(endpoint)).Msg("Credential list failed")
		}
		m.registry.MarkErrored(endpoint)
		return
	}

	live := make(map[string]EndpointID, len(creds))
	for _, c := range creds {
		live[c.ID] = c.SourceID
	}

	for source, cred := range m.registry.IncomingAt(endpoint) {
		taggedSource, present := live[cred.ID]
		if present && taggedSource == source {
			continue
		}
		m.log.Info().
			Str("credential_id", cred.ID).
			Str("source", string(source)).
			Str("dest", string(endpoint)).
			Bool("present", present).
			Msg("Credential no longer matches, tearing down link")
		m.breakLink(ctx, source, endpoint, "the webhook backing the link was changed outside the bot")
	}
}
