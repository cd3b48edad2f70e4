// Copyright 2024-2026 Aiku AI

// Package bridge implements webhook-based channel-to-channel message
// bridging without a database.
//
// Every directed link between two channels ("endpoints") is represented
// solely by a webhook ("posting credential") created at the destination and
// tagged with the source endpoint ID in its display name. All link state is
// therefore owned by the platform itself; the in-process [Registry] is a
// cache that [Registry.Recover] can rebuild from scratch at any time.
//
// # Core Types
//
// [Bridge] is the façade wired to the platform adapter. It receives gateway
// events (message created/edited/deleted, reaction added, credential-set
// changed, endpoint deleted) and exposes the user-facing operations:
// Connect, Disconnect, DisconnectAll and ListConnections.
//
// [Registry] owns credential creation, lookup, teardown and startup
// recovery. [Handshake] runs the two-party negotiation (mode selection plus
// optional partner confirmation) that must complete before the registry is
// mutated. [Relay] fans inbound messages out to all linked destinations and
// tracks [Lineage] so edits and deletes propagate to the derived copies.
// [Monitor] revalidates registry state against the platform when a
// credential set changes and tears down links that no longer match.
//
// # Echo Prevention
//
// Messages authored by bots or posted through webhooks must be filtered by
// the platform adapter before they reach [Bridge.HandleMessageCreated];
// relayed copies are webhook posts, so this filter is what prevents two
// mutually linked channels from ping-ponging a message forever.
package bridge
