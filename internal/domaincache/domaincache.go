// Package domaincache implements C7: derived, TTL-bounded views over the
// domain-routing and banned-word keyword sets. Both views are rebuilt
// lazily on first read after expiry or explicit invalidation, never on
// a background timer, so a burst of writes costs one rebuild rather
// than one per write.
package domaincache

import (
	"context"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/basket/drawproxy/internal/store"
)

const derivedTTL = 30 * time.Minute

type domainEntry struct {
	id       string
	keywords map[string]struct{}
}

// Cache holds the derived domain-keyword and banned-word views.
type Cache struct {
	store *store.Store

	mu         sync.Mutex
	domains    []domainEntry
	domainsAt  time.Time
	banned     []*regexp.Regexp
	bannedAt   time.Time
}

// New constructs an empty Cache backed by s.
func New(s *store.Store) *Cache {
	return &Cache{store: s}
}

// Invalidate forces both derived views to rebuild on next read. Call
// this after any mutation to a domain or banned keyword set.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.domains = nil
	c.banned = nil
}

// InvalidateDomains forces only the domain-keyword view to rebuild.
func (c *Cache) InvalidateDomains() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.domains = nil
}

// InvalidateBanned forces only the banned-word view to rebuild.
func (c *Cache) InvalidateBanned() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.banned = nil
}

// DomainsForPrompt tokenizes prompt and returns the ids of every
// enabled domain keyword set with at least one matching token. A token
// also matches a keyword's simple plural form ("cats" matches "cat").
func (c *Cache) DomainsForPrompt(ctx context.Context, prompt string) ([]string, error) {
	entries, err := c.domainEntries(ctx)
	if err != nil {
		return nil, err
	}
	tokens := tokenize(prompt)

	var matched []string
	for _, d := range entries {
		if domainMatches(d, tokens) {
			matched = append(matched, d.id)
		}
	}
	return matched, nil
}

func domainMatches(d domainEntry, tokens []string) bool {
	for _, tok := range tokens {
		if _, ok := d.keywords[tok]; ok {
			return true
		}
		if strings.HasSuffix(tok, "s") {
			if _, ok := d.keywords[strings.TrimSuffix(tok, "s")]; ok {
				return true
			}
		} else if _, ok := d.keywords[tok+"s"]; ok {
			return true
		}
	}
	return false
}

// tokenize lower-cases prompt and splits on comma, period, hyphen, and
// whitespace, discarding empty tokens.
func tokenize(prompt string) []string {
	lower := strings.ToLower(prompt)
	fields := strings.FieldsFunc(lower, func(r rune) bool {
		switch r {
		case ',', '.', '-', ' ', '\t', '\n', '\r':
			return true
		}
		return false
	})
	return fields
}

// BannedWord scans prompt for the first banned word, matched whole-word
// and case-insensitively. ok is false if nothing matched.
func (c *Cache) BannedWord(ctx context.Context, prompt string) (word string, ok bool, err error) {
	patterns, err := c.bannedPatterns(ctx)
	if err != nil {
		return "", false, err
	}
	for _, re := range patterns {
		if m := re.FindString(prompt); m != "" {
			return m, true, nil
		}
	}
	return "", false, nil
}

func (c *Cache) domainEntries(ctx context.Context) ([]domainEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.domains != nil && time.Since(c.domainsAt) < derivedTTL {
		return c.domains, nil
	}

	sets, err := c.store.ListKeywordSets(ctx, store.KeywordKindDomain)
	if err != nil {
		return nil, err
	}
	entries := make([]domainEntry, 0, len(sets))
	for _, s := range sets {
		if !s.Enabled {
			continue
		}
		kw := make(map[string]struct{}, len(s.Keywords))
		for _, k := range s.Keywords {
			kw[strings.ToLower(k)] = struct{}{}
		}
		entries = append(entries, domainEntry{id: s.ID, keywords: kw})
	}
	c.domains = entries
	c.domainsAt = time.Now()
	return c.domains, nil
}

func (c *Cache) bannedPatterns(ctx context.Context) ([]*regexp.Regexp, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.banned != nil && time.Since(c.bannedAt) < derivedTTL {
		return c.banned, nil
	}

	sets, err := c.store.ListKeywordSets(ctx, store.KeywordKindBanned)
	if err != nil {
		return nil, err
	}
	var patterns []*regexp.Regexp
	for _, s := range sets {
		if !s.Enabled {
			continue
		}
		for _, word := range s.Keywords {
			re, err := regexp.Compile(`(?i)\b` + regexp.QuoteMeta(word) + `\b`)
			if err != nil {
				continue
			}
			patterns = append(patterns, re)
		}
	}
	c.banned = patterns
	c.bannedAt = time.Now()
	return c.banned, nil
}
