// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"strings"
	"testing"
)

// linkPair creates credentials for a mutual link between a and b and
// recovers the registry so the bridge knows about them.
func linkPair(t *testing.T, f *fakePlatform, b *Bridge, a, bEp EndpointID) {
	t.Helper()
	f.seedCredential(bEp, a)
	f.seedCredential(a, bEp)
	if err := b.Recover(context.Background()); err != nil {
		t.Fatalf("Recover: %v", err)
	}
}

func TestRelayNoLinksIsNoop(t *testing.T) {
	t.Parallel()
	f := newFakePlatform()
	f.addEndpoint("1", "alpha", "G")
	b := newTestBridge(f)

	b.HandleMessageCreated(context.Background(), userMessage("s1", "1", "alice", "hello"))

	if len(f.posts) != 0 {
		t.Errorf("unexpected posts: %+v", f.posts)
	}
}

func TestRelayIdentityAnnotation(t *testing.T) {
	t.Parallel()
	f := newFakePlatform()
	f.addEndpoint("1", "general", "Alpha Guild")
	f.addEndpoint("2", "mirror", "Beta Guild")
	b := newTestBridge(f)
	linkPair(t, f, b, "1", "2")

	b.HandleMessageCreated(context.Background(), userMessage("s1", "1", "alice", "hello"))

	posts := f.postsTo("2")
	if len(posts) != 1 {
		t.Fatalf("posts into 2: %+v", posts)
	}
	if want := "alice (@Alpha Guild #general)"; posts[0].Post.Username != want {
		t.Errorf("username: got %q, want %q", posts[0].Post.Username, want)
	}
	if posts[0].Post.AvatarURL == "" {
		t.Error("avatar not carried over")
	}
}

func TestRelayAttachmentsCompanionPost(t *testing.T) {
	t.Parallel()
	f := newFakePlatform()
	f.addEndpoint("1", "a", "G")
	f.addEndpoint("2", "b", "G")
	b := newTestBridge(f)
	linkPair(t, f, b, "1", "2")

	msg := userMessage("s1", "1", "alice", "look at this")
	msg.Attachments = []Attachment{
		{URL: "https://cdn.example/one.png", Filename: "one.png"},
		{URL: "https://cdn.example/two.png", Filename: "two.png"},
	}
	b.HandleMessageCreated(context.Background(), msg)

	posts := f.postsTo("2")
	if len(posts) != 2 {
		t.Fatalf("expected text post plus attachment post, got %+v", posts)
	}
	if posts[0].Post.Content != "look at this" {
		t.Errorf("text post: %q", posts[0].Post.Content)
	}
	listing := posts[1].Post.Content
	if !strings.Contains(listing, "📎 https://cdn.example/one.png") ||
		!strings.Contains(listing, "📎 https://cdn.example/two.png") {
		t.Errorf("attachment listing: %q", listing)
	}
}

func TestRelayLineageRoundTrip(t *testing.T) {
	t.Parallel()
	f := newFakePlatform()
	f.addEndpoint("1", "a", "G")
	f.addEndpoint("2", "b", "G")
	b := newTestBridge(f)
	linkPair(t, f, b, "1", "2")
	ctx := context.Background()

	msg := userMessage("s1", "1", "alice", "v1")
	msg.Attachments = []Attachment{{URL: "https://cdn.example/f.png"}}
	b.HandleMessageCreated(ctx, msg)

	first := f.postsTo("2")
	if len(first) != 2 {
		t.Fatalf("initial relay posts: %+v", first)
	}

	// Edit: old copies (text and companion) deleted, new copies posted,
	// lineage rebuilt to point only at the new copies.
	edited := userMessage("s1", "1", "alice", "v2")
	edited.Attachments = msg.Attachments
	b.HandleMessageEdited(ctx, edited)

	second := f.postsTo("2")
	if len(second) != 2 {
		t.Fatalf("posts after edit: %+v", second)
	}
	if second[0].Post.Content != "v2" {
		t.Errorf("edited content: %q", second[0].Post.Content)
	}
	for _, old := range first {
		for _, cur := range second {
			if cur.ID == old.ID {
				t.Errorf("old copy %s survived the edit", old.ID)
			}
		}
	}

	// Delete: every derived copy removed, lineage cleared.
	b.HandleMessageDeleted(ctx, "s1")
	if got := f.postsTo("2"); len(got) != 0 {
		t.Errorf("copies left after delete: %+v", got)
	}
	if b.lineage.Len() != 0 {
		t.Errorf("lineage entries left: %d", b.lineage.Len())
	}

	// A second delete is a no-op.
	b.HandleMessageDeleted(ctx, "s1")
}

func TestRelayEditWithoutLineageIsNoop(t *testing.T) {
	t.Parallel()
	f := newFakePlatform()
	f.addEndpoint("1", "a", "G")
	f.addEndpoint("2", "b", "G")
	b := newTestBridge(f)
	linkPair(t, f, b, "1", "2")

	b.HandleMessageEdited(context.Background(), userMessage("unknown", "1", "alice", "edited"))

	if got := f.postsTo("2"); len(got) != 0 {
		t.Errorf("edit without lineage relayed: %+v", got)
	}
}

func TestRelayRevokedCredentialTearsDownBothDirections(t *testing.T) {
	t.Parallel()
	f := newFakePlatform()
	f.addEndpoint("1", "a", "G")
	f.addEndpoint("2", "b", "G")
	b := newTestBridge(f)
	linkPair(t, f, b, "1", "2")
	ctx := context.Background()

	// Revoke the credential at 2 behind the bridge's back.
	cred, _ := f.credentialTaggedAt("2", "1")
	f.removeCredential(cred.ID)

	b.HandleMessageCreated(ctx, userMessage("s1", "1", "alice", "hello"))

	if _, ok := b.Registry().Peek("1", "2"); ok {
		t.Error("link 1→2 survived credential revocation")
	}
	if _, ok := b.Registry().Peek("2", "1"); ok {
		t.Error("link 2→1 survived credential revocation")
	}
	if got := len(f.credentialsAt("1")); got != 0 {
		t.Errorf("reverse credential not cleaned up: %d", got)
	}
	if len(f.sentTo("1", "Disconnected")) != 1 || len(f.sentTo("2", "Disconnected")) != 1 {
		t.Error("both endpoints should be notified exactly once")
	}
}

func TestRelayOneFailingDestinationDoesNotBlockOthers(t *testing.T) {
	t.Parallel()
	f := newFakePlatform()
	f.addEndpoint("1", "a", "G")
	f.addEndpoint("2", "b", "G")
	f.addEndpoint("3", "c", "G")
	credAt2 := f.seedCredential("2", "1")
	f.seedCredential("3", "1")
	b := newTestBridge(f)
	if err := b.Recover(context.Background()); err != nil {
		t.Fatalf("Recover: %v", err)
	}

	// Transient failure towards 2; 3 is healthy.
	f.mu.Lock()
	f.failPost[credAt2.ID] = context.DeadlineExceeded
	f.mu.Unlock()

	b.HandleMessageCreated(context.Background(), userMessage("s1", "1", "alice", "hello"))

	if got := f.postsTo("3"); len(got) != 1 {
		t.Errorf("healthy destination missed the message: %+v", got)
	}
	// Transient failures do not tear the link down.
	if _, ok := b.Registry().Peek("1", "2"); !ok {
		t.Error("transient failure tore down the link")
	}
}

func TestRelayParentContainerDestinationsUnioned(t *testing.T) {
	t.Parallel()
	f := newFakePlatform()
	f.addEndpoint("10", "category", "G")
	f.addCategoryChild("11", "child", "G", "10")
	f.addEndpoint("2", "b", "G")
	f.seedCredential("2", "10") // the category is linked, not the child
	b := newTestBridge(f)
	if err := b.Recover(context.Background()); err != nil {
		t.Fatalf("Recover: %v", err)
	}

	b.HandleMessageCreated(context.Background(), userMessage("s1", "11", "alice", "hello"))

	if got := f.postsTo("2"); len(got) != 1 {
		t.Errorf("message in child of linked category not relayed: %+v", got)
	}
}
