// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"sync"

	"github.com/rs/zerolog"
)

// credentialTagPattern is the display-name format that makes a link
// reconstructible from the platform alone. The embedded ID is the source
// endpoint the credential posts on behalf of. The format must stay stable
// across restarts or recovery breaks.
var credentialTagPattern = regexp.MustCompile(`^Telehook<(\d+)>$`)

// FormatCredentialTag renders the display name of a credential representing
// the given source endpoint.
func FormatCredentialTag(source EndpointID) string {
	return fmt.Sprintf("Telehook<%s>", source)
}

// ParseCredentialTag extracts the source endpoint ID from a credential
// display name. Returns false for names not owned by this system.
func ParseCredentialTag(name string) (EndpointID, bool) {
	m := credentialTagPattern.FindStringSubmatch(name)
	if m == nil {
		return "", false
	}
	return EndpointID(m[1]), true
}

// Registry is the in-memory index of directed links. It is a cache over
// platform state, never a system of record: everything in it can be rebuilt
// by Recover from the tagged credentials living at each endpoint.
//
// All mutations are scoped per (source, destination) pair, so concurrent
// duplicate creations collapse to a single credential without a global lock.
type Registry struct {
	platform Platform
	log      zerolog.Logger

	mu      sync.Mutex
	links   map[EndpointID]map[EndpointID]Credential // source → dest → credential at dest
	sources map[string]EndpointID                    // credential ID → declared source
	seen    map[EndpointID]bool                      // endpoints reconciled at least once
	errored map[EndpointID]bool                      // credential list unreadable, retried on next access

	pairMu sync.Mutex
	pairs  map[string]*sync.Mutex
}

func NewRegistry(platform Platform, log zerolog.Logger) *Registry {
	return &Registry{
		platform: platform,
		log:      log.With().Str("component", "registry").Logger(),
		links:    make(map[EndpointID]map[EndpointID]Credential),
		sources:  make(map[string]EndpointID),
		seen:     make(map[EndpointID]bool),
		errored:  make(map[EndpointID]bool),
		pairs:    make(map[string]*sync.Mutex),
	}
}

// lockPair serializes mutations on an endpoint pair, in either direction.
func (r *Registry) lockPair(a, b EndpointID) func() {
	if b < a {
		a, b = b, a
	}
	key := string(a) + "|" + string(b)
	r.pairMu.Lock()
	m, ok := r.pairs[key]
	if !ok {
		m = &sync.Mutex{}
		r.pairs[key] = m
	}
	r.pairMu.Unlock()
	m.Lock()
	return m.Unlock
}

// Create acquires or creates the credential at dest representing source.
// It is idempotent: an existing matching credential (left by a prior partial
// run) is adopted instead of erroring, and surplus duplicates are pruned to
// the one with the lowest ID.
func (r *Registry) Create(ctx context.Context, source, dest EndpointID) (Credential, error) {
	unlock := r.lockPair(source, dest)
	defer unlock()

	creds, err := r.platform.ListCredentials(ctx, dest)
	if err != nil {
		return Credential{}, fmt.Errorf("list credentials at %s: %w", dest, err)
	}

	var matching []Credential
	for _, c := range creds {
		if c.SourceID == source {
			matching = append(matching, c)
		}
	}

	if len(matching) > 0 {
		sort.Slice(matching, func(i, j int) bool { return matching[i].ID < matching[j].ID })
		for _, extra := range matching[1:] {
			r.log.Warn().
				Str("credential_id", extra.ID).
				Str("source", string(source)).
				Str("dest", string(dest)).
				Msg("Pruning duplicate credential")
			r.platform.DeleteCredential(ctx, extra)
		}
		cred := matching[0]
		r.put(cred)
		return cred, nil
	}

	cred, err := r.platform.CreateCredential(ctx, dest, FormatCredentialTag(source))
	if err != nil {
		return Credential{}, fmt.Errorf("create credential at %s: %w", dest, err)
	}
	cred.EndpointID = dest
	cred.SourceID = source
	r.put(cred)
	r.log.Info().
		Str("credential_id", cred.ID).
		Str("source", string(source)).
		Str("dest", string(dest)).
		Msg("Link created")
	return cred, nil
}

// Destroy removes the source→dest link and its credential. A credential
// that is already gone is success, not an error, so rollback paths may call
// this redundantly. Orphaned credentials at dest carrying the same source
// tag are swept as well.
func (r *Registry) Destroy(ctx context.Context, source, dest EndpointID) {
	unlock := r.lockPair(source, dest)
	defer unlock()

	r.mu.Lock()
	cred, ok := r.links[source][dest]
	if ok {
		delete(r.links[source], dest)
		if len(r.links[source]) == 0 {
			delete(r.links, source)
		}
		delete(r.sources, cred.ID)
	}
	r.mu.Unlock()

	if ok {
		r.platform.DeleteCredential(ctx, cred)
		r.log.Info().
			Str("credential_id", cred.ID).
			Str("source", string(source)).
			Str("dest", string(dest)).
			Msg("Link destroyed")
	}

	// Sweep orphans left by partial runs. List failures are ignored; the
	// next recovery pass picks the orphans up.
	creds, err := r.platform.ListCredentials(ctx, dest)
	if err != nil {
		return
	}
	for _, c := range creds {
		if c.SourceID == source && (!ok || c.ID != cred.ID) {
			r.platform.DeleteCredential(ctx, c)
		}
	}
}

// LookupOutgoing returns every destination linked from source, with the
// credential to post through. Always returns a (possibly empty) map, never
// an error.
func (r *Registry) LookupOutgoing(ctx context.Context, source EndpointID) map[EndpointID]Credential {
	r.ensure(ctx, source)

	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[EndpointID]Credential, len(r.links[source]))
	for dest, cred := range r.links[source] {
		out[dest] = cred
	}
	return out
}

// HasLink reports whether a source→dest link exists.
func (r *Registry) HasLink(ctx context.Context, source, dest EndpointID) bool {
	r.ensure(ctx, dest)

	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.links[source][dest]
	return ok
}

// Peek returns the source→dest credential from the cache without touching
// the platform. Used on paths that must not trigger lazy reconciliation.
func (r *Registry) Peek(source, dest EndpointID) (Credential, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cred, ok := r.links[source][dest]
	return cred, ok
}

// OutgoingAt is LookupOutgoing without lazy reconciliation.
func (r *Registry) OutgoingAt(source EndpointID) map[EndpointID]Credential {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[EndpointID]Credential, len(r.links[source]))
	for dest, cred := range r.links[source] {
		out[dest] = cred
	}
	return out
}

// IncomingAt returns the links terminating at dest, keyed by source.
func (r *Registry) IncomingAt(dest EndpointID) map[EndpointID]Credential {
	r.mu.Lock()
	defer r.mu.Unlock()
	in := make(map[EndpointID]Credential)
	for source, dests := range r.links {
		if cred, ok := dests[dest]; ok {
			in[source] = cred
		}
	}
	return in
}

// CredentialSource resolves a credential ID to its declared source without
// re-parsing names.
func (r *Registry) CredentialSource(credentialID string) (EndpointID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	source, ok := r.sources[credentialID]
	return source, ok
}

// MarkErrored flags an endpoint whose credential list could not be read.
// Its links stay in place and the endpoint is reconciled again on next
// access instead of being torn down.
func (r *Registry) MarkErrored(endpoint EndpointID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errored[endpoint] = true
}

// Forget drops every registry entry involving the endpoint without touching
// the platform. Used when the endpoint itself has been deleted.
func (r *Registry) Forget(endpoint EndpointID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, cred := range r.links[endpoint] {
		delete(r.sources, cred.ID)
	}
	delete(r.links, endpoint)
	for source, dests := range r.links {
		if cred, ok := dests[endpoint]; ok {
			delete(r.sources, cred.ID)
			delete(dests, endpoint)
			if len(dests) == 0 {
				delete(r.links, source)
			}
		}
	}
	delete(r.seen, endpoint)
	delete(r.errored, endpoint)
}

// Recover rebuilds the registry from platform truth. Endpoints whose
// credential list is temporarily unreadable are marked errored and retried
// on next access; they never block recovery of the others.
func (r *Registry) Recover(ctx context.Context) error {
	endpoints, err := r.platform.ListEndpoints(ctx)
	if err != nil {
		return fmt.Errorf("list endpoints: %w", err)
	}
	for _, ep := range endpoints {
		if err := r.reconcile(ctx, ep); err != nil {
			r.log.Warn().Err(err).Str("endpoint", string(ep)).Msg("Recovery deferred for endpoint")
		}
	}
	r.log.Info().Int("endpoints", len(endpoints)).Msg("Recovery complete")
	return nil
}

// ensure lazily reconciles an endpoint that has never been seen or whose
// last credential-list read failed. For newly seen endpoints the partners
// discovered there are reconciled too, so a mutual pair resumed mid-flight
// gets both directions.
func (r *Registry) ensure(ctx context.Context, endpoint EndpointID) {
	r.mu.Lock()
	current := r.seen[endpoint] && !r.errored[endpoint]
	r.mu.Unlock()
	if current {
		return
	}

	if err := r.reconcile(ctx, endpoint); err != nil {
		return
	}

	for _, source := range r.incomingSources(endpoint) {
		r.mu.Lock()
		known := r.seen[source] && !r.errored[source]
		r.mu.Unlock()
		if !known {
			if err := r.reconcile(ctx, source); err != nil {
				r.log.Debug().Err(err).Str("endpoint", string(source)).Msg("Partner reconcile deferred")
			}
		}
	}
}

func (r *Registry) incomingSources(dest EndpointID) []EndpointID {
	r.mu.Lock()
	defer r.mu.Unlock()
	var sources []EndpointID
	for source, dests := range r.links {
		if _, ok := dests[dest]; ok {
			sources = append(sources, source)
		}
	}
	return sources
}

// reconcile reads the credentials at one endpoint and makes the registry's
// incoming view of that endpoint match: duplicates are pruned to one
// canonical credential, credentials whose source endpoint can no longer be
// resolved are deleted (the endpoint is told its inbound link is lost), and
// stale cache entries are dropped.
func (r *Registry) reconcile(ctx context.Context, endpoint EndpointID) error {
	creds, err := r.platform.ListCredentials(ctx, endpoint)
	if err != nil {
		r.mu.Lock()
		r.errored[endpoint] = true
		r.mu.Unlock()
		return fmt.Errorf("list credentials at %s: %w", endpoint, err)
	}

	bySource := make(map[EndpointID][]Credential)
	for _, c := range creds {
		bySource[c.SourceID] = append(bySource[c.SourceID], c)
	}

	found := make(map[EndpointID]Credential, len(bySource))
	for source, group := range bySource {
		sort.Slice(group, func(i, j int) bool { return group[i].ID < group[j].ID })
		for _, extra := range group[1:] {
			r.log.Warn().
				Str("credential_id", extra.ID).
				Str("source", string(source)).
				Str("dest", string(endpoint)).
				Msg("Pruning duplicate credential during recovery")
			r.platform.DeleteCredential(ctx, extra)
		}
		cred := group[0]

		_, err := r.platform.ResolveEndpoint(ctx, source)
		switch {
		case err == nil:
			found[source] = cred
		case IsTransient(err):
			// Keep the credential; the source may come back.
			found[source] = cred
		default:
			r.log.Info().
				Str("credential_id", cred.ID).
				Str("source", string(source)).
				Str("dest", string(endpoint)).
				Msg("Deleting credential with unresolvable source")
			r.platform.DeleteCredential(ctx, cred)
			r.notify(ctx, endpoint, fmt.Sprintf(
				"⛔ The channel **%s** that was posting here no longer exists; the inbound link was removed.", source))
		}
	}

	r.mu.Lock()
	for source, dests := range r.links {
		if cred, ok := dests[endpoint]; ok {
			if _, still := found[source]; !still {
				delete(r.sources, cred.ID)
				delete(dests, endpoint)
				if len(dests) == 0 {
					delete(r.links, source)
				}
			}
		}
	}
	for source, cred := range found {
		r.putLocked(Credential{ID: cred.ID, Token: cred.Token, EndpointID: endpoint, SourceID: source})
	}
	r.seen[endpoint] = true
	delete(r.errored, endpoint)
	r.mu.Unlock()
	return nil
}

func (r *Registry) put(cred Credential) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.putLocked(cred)
}

func (r *Registry) putLocked(cred Credential) {
	dests, ok := r.links[cred.SourceID]
	if !ok {
		dests = make(map[EndpointID]Credential)
		r.links[cred.SourceID] = dests
	}
	dests[cred.EndpointID] = cred
	r.sources[cred.ID] = cred.SourceID
}

func (r *Registry) notify(ctx context.Context, endpoint EndpointID, content string) {
	if _, err := r.platform.SendMessage(ctx, endpoint, content); err != nil {
		r.log.Debug().Err(err).Str("endpoint", string(endpoint)).Msg("Notification not delivered")
	}
}
