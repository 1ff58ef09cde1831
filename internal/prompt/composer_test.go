package prompt

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/nl2sql/backend/internal/knowledge"
)

func newTestStore(t *testing.T) *knowledge.Store {
	t.Helper()
	store, err := knowledge.NewStore(filepath.Join(t.TempDir(), "knowledge.db"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if err := store.InitSchema(); err != nil {
		t.Fatalf("InitSchema: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestActiveContentFallsBackToBuiltinDefault(t *testing.T) {
	store := newTestStore(t)
	c := New(store, 10)

	content, err := c.ActiveContent(context.Background(), "system_prompt")
	if err != nil {
		t.Fatalf("ActiveContent: %v", err)
	}
	if content != defaults["system_prompt"] {
		t.Fatalf("got=%q want the built-in default when no active version exists", content)
	}
}

func TestActiveContentPrefersActiveVersionOverDefault(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.UpsertPromptVersion(ctx, "system_prompt", "v2", "custom system prompt body"); err != nil {
		t.Fatalf("UpsertPromptVersion: %v", err)
	}
	if err := store.ActivatePromptVersion(ctx, "system_prompt", "v2"); err != nil {
		t.Fatalf("ActivatePromptVersion: %v", err)
	}

	c := New(store, 10)
	content, err := c.ActiveContent(ctx, "system_prompt")
	if err != nil {
		t.Fatalf("ActiveContent: %v", err)
	}
	if content != "custom system prompt body" {
		t.Fatalf("got=%q want the activated version's body", content)
	}
}

func TestActiveContentCachesRawBodyAcrossLookups(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	_ = store.UpsertPromptVersion(ctx, "system_prompt", "v1", "cached body")
	_ = store.ActivatePromptVersion(ctx, "system_prompt", "v1")

	c := New(store, 10)
	first, err := c.ActiveContent(ctx, "system_prompt")
	if err != nil {
		t.Fatalf("ActiveContent: %v", err)
	}

	_ = store.UpsertPromptVersion(ctx, "system_prompt", "v2", "newer body never read due to cache")
	if err := store.ActivatePromptVersion(ctx, "system_prompt", "v2"); err != nil {
		t.Fatalf("activate v2: %v", err)
	}

	second, err := c.ActiveContent(ctx, "system_prompt")
	if err != nil {
		t.Fatalf("ActiveContent: %v", err)
	}
	if second != first {
		t.Fatalf("got=%q want=%q, the second lookup should hit the cache rather than re-query", second, first)
	}
}

func TestFormatSubstitutesKnownPlaceholdersAndLeavesUnknownInPlace(t *testing.T) {
	out := Format("Hello {name}, your role is {role}", map[string]string{"name": "Ada"})
	if out != "Hello Ada, your role is {role}" {
		t.Fatalf("got=%q", out)
	}
}

func TestComposeForUserCachesRenderedResultByFingerprint(t *testing.T) {
	store := newTestStore(t)
	c := New(store, 10)
	ctx := context.Background()

	vars := map[string]string{"question": "销量如何"}
	first, err := c.ComposeForUser(ctx, "rewrite_prompt", "user-1", "fp-a", vars)
	if err != nil {
		t.Fatalf("ComposeForUser: %v", err)
	}
	if first == "" {
		t.Fatalf("expected a non-empty rendered prompt")
	}
	if cached, ok := c.cache.get("rewrite_prompt|user-1|fp-a"); !ok || cached != first {
		t.Fatalf("got cached=%q ok=%v, want the rendered prompt cached under (name, userID, fingerprint)", cached, ok)
	}

	second, err := c.ComposeForUser(ctx, "rewrite_prompt", "user-2", "fp-a", vars)
	if err != nil {
		t.Fatalf("ComposeForUser: %v", err)
	}
	if second != first {
		t.Fatalf("a different userID with the same fingerprint and vars rendered a different prompt: got=%q want=%q", second, first)
	}
}

func TestRefreshCacheDropsRawBodyForName(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	_ = store.UpsertPromptVersion(ctx, "system_prompt", "v1", "first body")
	_ = store.ActivatePromptVersion(ctx, "system_prompt", "v1")

	c := New(store, 10)
	if _, err := c.ActiveContent(ctx, "system_prompt"); err != nil {
		t.Fatalf("ActiveContent: %v", err)
	}

	_ = store.UpsertPromptVersion(ctx, "system_prompt", "v2", "second body")
	_ = store.ActivatePromptVersion(ctx, "system_prompt", "v2")
	c.RefreshCache("system_prompt")

	content, err := c.ActiveContent(ctx, "system_prompt")
	if err != nil {
		t.Fatalf("ActiveContent: %v", err)
	}
	if content != "second body" {
		t.Fatalf("got=%q want=%q after refreshing the cache", content, "second body")
	}
}

func TestLRUCacheEvictsLeastRecentlyUsed(t *testing.T) {
	c := newLRUCache(2)
	c.put("a", "1")
	c.put("b", "2")
	c.get("a")
	c.put("c", "3")

	if _, ok := c.get("b"); ok {
		t.Fatalf("expected b to be evicted as the least recently used entry")
	}
	if v, ok := c.get("a"); !ok || v != "1" {
		t.Fatalf("expected a to survive eviction since it was just accessed")
	}
	if v, ok := c.get("c"); !ok || v != "3" {
		t.Fatalf("expected c to be present")
	}
}
