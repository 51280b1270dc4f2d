package domaincache_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/basket/drawproxy/internal/domaincache"
	"github.com/basket/drawproxy/internal/store"
	"github.com/basket/drawproxy/internal/task"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "drawproxy.db")
	s, err := store.Open(dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestDomainsForPromptMatchesAndPlural(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if err := s.SaveKeywordSet(ctx, store.KeywordKindDomain, &task.KeywordSet{
		ID: "animals", Keywords: []string{"cat", "dog"}, Enabled: true,
	}); err != nil {
		t.Fatalf("save keyword set: %v", err)
	}

	c := domaincache.New(s)
	matched, err := c.DomainsForPrompt(ctx, "a photo of three Cats, running")
	if err != nil {
		t.Fatalf("domains for prompt: %v", err)
	}
	if len(matched) != 1 || matched[0] != "animals" {
		t.Fatalf("expected plural-tolerant match, got %+v", matched)
	}
}

func TestDomainsForPromptIgnoresDisabledSet(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if err := s.SaveKeywordSet(ctx, store.KeywordKindDomain, &task.KeywordSet{
		ID: "animals", Keywords: []string{"cat"}, Enabled: false,
	}); err != nil {
		t.Fatalf("save keyword set: %v", err)
	}

	c := domaincache.New(s)
	matched, err := c.DomainsForPrompt(ctx, "a cat")
	if err != nil {
		t.Fatalf("domains for prompt: %v", err)
	}
	if len(matched) != 0 {
		t.Fatalf("expected disabled set to be ignored, got %+v", matched)
	}
}

func TestBannedWordWordBoundaryCaseInsensitive(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if err := s.SaveKeywordSet(ctx, store.KeywordKindBanned, &task.KeywordSet{
		ID: "blocklist", Keywords: []string{"gore"}, Enabled: true,
	}); err != nil {
		t.Fatalf("save keyword set: %v", err)
	}

	c := domaincache.New(s)

	word, ok, err := c.BannedWord(ctx, "a GORE scene")
	if err != nil {
		t.Fatalf("banned word: %v", err)
	}
	if !ok || word == "" {
		t.Fatalf("expected banned word match")
	}

	_, ok, err = c.BannedWord(ctx, "allegory about kindness")
	if err != nil {
		t.Fatalf("banned word: %v", err)
	}
	if ok {
		t.Fatalf("expected no match: 'allegory' must not match 'gore' substring")
	}
}

func TestInvalidateForcesRebuild(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	c := domaincache.New(s)

	matched, err := c.DomainsForPrompt(ctx, "a cat")
	if err != nil {
		t.Fatalf("domains for prompt: %v", err)
	}
	if len(matched) != 0 {
		t.Fatalf("expected no match before keyword set exists")
	}

	if err := s.SaveKeywordSet(ctx, store.KeywordKindDomain, &task.KeywordSet{
		ID: "animals", Keywords: []string{"cat"}, Enabled: true,
	}); err != nil {
		t.Fatalf("save keyword set: %v", err)
	}
	c.Invalidate()

	matched, err = c.DomainsForPrompt(ctx, "a cat")
	if err != nil {
		t.Fatalf("domains for prompt: %v", err)
	}
	if len(matched) != 1 {
		t.Fatalf("expected match after invalidate, got %+v", matched)
	}
}
