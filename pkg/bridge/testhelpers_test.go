// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package bridge

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// sentMessage records a plain bot message sent into an endpoint.
type sentMessage struct {
	Endpoint EndpointID
	Content  string
	ID       string
}

// webhookPost records a message posted through a credential.
type webhookPost struct {
	CredentialID string
	Endpoint     EndpointID
	Post         WebhookPost
	ID           string
}

// fakePlatform is an in-memory Platform with canned failures and call
// recording, standing in for the real chat platform in tests.
type fakePlatform struct {
	mu     sync.Mutex
	nextID int

	endpoints map[EndpointID]*Endpoint
	creds     map[EndpointID][]Credential
	manage    map[string]bool // "endpoint|user" → rights
	noManage  bool            // default rights answer is inverted

	sent         []sentMessage
	posts        []webhookPost
	deletedPosts []string // "credID|messageID"

	failList   map[EndpointID]error
	failCreate map[EndpointID]error
	failPost   map[string]error // credential ID → error

	createCalls int
	deleteCalls int
}

func newFakePlatform() *fakePlatform {
	return &fakePlatform{
		endpoints:  make(map[EndpointID]*Endpoint),
		creds:      make(map[EndpointID][]Credential),
		manage:     make(map[string]bool),
		failList:   make(map[EndpointID]error),
		failCreate: make(map[EndpointID]error),
		failPost:   make(map[string]error),
	}
}

func (f *fakePlatform) addEndpoint(id EndpointID, name, guild string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.endpoints[id] = &Endpoint{ID: id, Name: name, GuildName: guild, IsText: true}
}

func (f *fakePlatform) addCategoryChild(id EndpointID, name, guild string, parent EndpointID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.endpoints[id] = &Endpoint{ID: id, Name: name, GuildName: guild, ParentID: parent, IsText: true}
}

func (f *fakePlatform) removeEndpoint(id EndpointID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.endpoints, id)
}

// seedCredential plants a credential at an endpoint, as if left there by an
// earlier process run. Returns it for assertions.
func (f *fakePlatform) seedCredential(at, source EndpointID) Credential {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	cred := Credential{
		ID:         fmt.Sprintf("wh%04d", f.nextID),
		Token:      fmt.Sprintf("tok%04d", f.nextID),
		EndpointID: at,
		SourceID:   source,
	}
	f.creds[at] = append(f.creds[at], cred)
	return cred
}

func (f *fakePlatform) removeCredential(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for ep, creds := range f.creds {
		kept := creds[:0]
		for _, c := range creds {
			if c.ID != id {
				kept = append(kept, c)
			}
		}
		f.creds[ep] = kept
	}
}

// retagCredential changes the declared source of a stored credential, as if
// someone renamed the webhook by hand.
func (f *fakePlatform) retagCredential(id string, newSource EndpointID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for ep, creds := range f.creds {
		for i, c := range creds {
			if c.ID == id {
				c.SourceID = newSource
				f.creds[ep][i] = c
			}
		}
	}
}

func (f *fakePlatform) setManage(endpoint EndpointID, user string, ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.manage[string(endpoint)+"|"+user] = ok
}

func (f *fakePlatform) credentialsAt(endpoint EndpointID) []Credential {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Credential, len(f.creds[endpoint]))
	copy(out, f.creds[endpoint])
	return out
}

func (f *fakePlatform) credentialTaggedAt(at, source EndpointID) (Credential, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.creds[at] {
		if c.SourceID == source {
			return c, true
		}
	}
	return Credential{}, false
}

// snapshot renders the full credential state, sorted, for byte-for-byte
// before/after comparisons.
func (f *fakePlatform) snapshot() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var lines []string
	for ep, creds := range f.creds {
		for _, c := range creds {
			lines = append(lines, fmt.Sprintf("%s:%s:%s", ep, c.ID, c.SourceID))
		}
	}
	sort.Strings(lines)
	return strings.Join(lines, "\n")
}

func (f *fakePlatform) postsTo(endpoint EndpointID) []webhookPost {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []webhookPost
	for _, p := range f.posts {
		if p.Endpoint == endpoint {
			out = append(out, p)
		}
	}
	return out
}

func (f *fakePlatform) sentTo(endpoint EndpointID, substr string) []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sentMessage
	for _, m := range f.sent {
		if m.Endpoint == endpoint && strings.Contains(m.Content, substr) {
			out = append(out, m)
		}
	}
	return out
}

// waitSent polls until a bot message containing substr shows up in the
// endpoint. Handshakes run in their own goroutine, so test assertions on
// prompts have to wait for them.
func (f *fakePlatform) waitSent(t *testing.T, endpoint EndpointID, substr string) sentMessage {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got := f.sentTo(endpoint, substr); len(got) > 0 {
			return got[0]
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("no message containing %q sent to %s; got %v", substr, endpoint, f.sentTo(endpoint, ""))
	return sentMessage{}
}

// Platform implementation.

func (f *fakePlatform) ResolveEndpoint(_ context.Context, id EndpointID) (*Endpoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ep, ok := f.endpoints[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *ep
	return &cp, nil
}

func (f *fakePlatform) ListEndpoints(_ context.Context) ([]EndpointID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]EndpointID, 0, len(f.endpoints))
	for id := range f.endpoints {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (f *fakePlatform) ListCredentials(_ context.Context, endpoint EndpointID) ([]Credential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failList[endpoint]; err != nil {
		return nil, err
	}
	out := make([]Credential, len(f.creds[endpoint]))
	copy(out, f.creds[endpoint])
	return out, nil
}

func (f *fakePlatform) CreateCredential(_ context.Context, endpoint EndpointID, name string) (Credential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls++
	if err := f.failCreate[endpoint]; err != nil {
		return Credential{}, err
	}
	if _, ok := f.endpoints[endpoint]; !ok {
		return Credential{}, ErrNotFound
	}
	source, ok := ParseCredentialTag(name)
	if !ok {
		return Credential{}, fmt.Errorf("unexpected credential name %q", name)
	}
	f.nextID++
	cred := Credential{
		ID:         fmt.Sprintf("wh%04d", f.nextID),
		Token:      fmt.Sprintf("tok%04d", f.nextID),
		EndpointID: endpoint,
		SourceID:   source,
	}
	f.creds[endpoint] = append(f.creds[endpoint], cred)
	return cred, nil
}

func (f *fakePlatform) DeleteCredential(_ context.Context, cred Credential) {
	f.mu.Lock()
	f.deleteCalls++
	f.mu.Unlock()
	f.removeCredential(cred.ID)
}

func (f *fakePlatform) PostViaCredential(_ context.Context, cred Credential, post WebhookPost) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failPost[cred.ID]; err != nil {
		return "", err
	}
	live := false
	for _, c := range f.creds[cred.EndpointID] {
		if c.ID == cred.ID {
			live = true
		}
	}
	if !live {
		return "", ErrNotFound
	}
	f.nextID++
	id := fmt.Sprintf("wm%04d", f.nextID)
	f.posts = append(f.posts, webhookPost{CredentialID: cred.ID, Endpoint: cred.EndpointID, Post: post, ID: id})
	return id, nil
}

func (f *fakePlatform) DeleteCredentialMessage(_ context.Context, cred Credential, messageID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletedPosts = append(f.deletedPosts, cred.ID+"|"+messageID)
	kept := f.posts[:0]
	for _, p := range f.posts {
		if p.ID != messageID {
			kept = append(kept, p)
		}
	}
	f.posts = kept
}

func (f *fakePlatform) SendMessage(_ context.Context, endpoint EndpointID, content string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.endpoints[endpoint]; !ok {
		return "", ErrNotFound
	}
	f.nextID++
	id := fmt.Sprintf("bm%04d", f.nextID)
	f.sent = append(f.sent, sentMessage{Endpoint: endpoint, Content: content, ID: id})
	return id, nil
}

func (f *fakePlatform) React(_ context.Context, _ EndpointID, _, _ string) error {
	return nil
}

func (f *fakePlatform) HasManageRights(_ context.Context, endpoint EndpointID, user string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ok, set := f.manage[string(endpoint)+"|"+user]; set {
		return ok, nil
	}
	return !f.noManage, nil
}

// testConfig returns a config with handshake timeouts short enough for
// tests.
func testConfig() Config {
	return Config{
		CommandPrefix:     "+",
		ModeSelectTimeout: 150 * time.Millisecond,
		ConfirmTimeout:    300 * time.Millisecond,
		WebhookRate:       100,
		WebhookBurst:      100,
		LogLevel:          "disabled",
	}
}

func newTestBridge(f *fakePlatform) *Bridge {
	return New(f, testConfig(), zerolog.Nop())
}

// userMessage builds an inbound message for tests.
func userMessage(id string, endpoint EndpointID, author, content string) *Message {
	return &Message{
		ID:              id,
		EndpointID:      endpoint,
		AuthorID:        author,
		AuthorName:      author,
		AuthorAvatarURL: "https://cdn.example/" + author + ".png",
		Content:         content,
	}
}
