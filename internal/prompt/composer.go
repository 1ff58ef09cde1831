// Package prompt is C5: prompt-version lookup, placeholder interpolation,
// and an LRU cache of rendered prompts keyed by (prompt name, userID,
// analysisFingerprint) so that per-user personalization doesn't require
// re-fetching and re-formatting on every request. The key holds the prompt
// name, not the version: activating another version does not change it.
package prompt

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/nl2sql/backend/internal/knowledge"
	"go.uber.org/zap"

	"github.com/nl2sql/backend/pkg/logger"
)

// defaults holds the built-in fallback body for each well-known prompt
// name, used when the knowledge store has no active version, mirroring
// the original's fallback argument to get_active_prompt_content.
var defaults = map[string]string{
	"system_prompt":       "You are a data analyst assistant. Answer questions using the available tools.",
	"rewrite_prompt":      "Rewrite the question {question} to be clearer given this knowledge: {knowledge}",
	"table_select_prompt": "Given this schema:\n{schema_description}\nSelect the tables relevant to: {question}",
}

type Composer struct {
	store *knowledge.Store
	cache *lruCache
}

func New(store *knowledge.Store, cacheSize int) *Composer {
	return &Composer{store: store, cache: newLRUCache(cacheSize)}
}

// ActiveContent returns the active body for name, falling back to the
// built-in default. An active version's raw (unformatted) body is cached
// under name so repeated lookups for that prompt name skip the database
// round trip; the built-in default is not cached.
func (c *Composer) ActiveContent(ctx context.Context, name string) (string, error) {
	if cached, ok := c.cache.get("raw:" + name); ok {
		return cached, nil
	}

	active, err := c.store.GetActivePromptVersion(ctx, name)
	if err != nil {
		return "", fmt.Errorf("lookup active prompt %s: %w", name, err)
	}
	if active != nil && active.Body != "" {
		c.cache.put("raw:"+name, active.Body)
		logger.Info("using active prompt version", zap.String("name", name), zap.String("version", active.Version))
		return active.Body, nil
	}

	if fallback, ok := defaults[name]; ok {
		logger.Warn("no active prompt version, using built-in default", zap.String("name", name))
		return fallback, nil
	}
	logger.Error("no active prompt version and no default available", zap.String("name", name))
	return "", nil
}

var placeholderPattern = regexp.MustCompile(`\{(\w+)\}`)

// Format substitutes {key} placeholders with vars. A placeholder with no
// matching var is left in place rather than erroring, mirroring the
// original's "format failed, return the unformatted content" behavior.
func Format(content string, vars map[string]string) string {
	missing := false
	result := placeholderPattern.ReplaceAllStringFunc(content, func(match string) string {
		key := match[1 : len(match)-1]
		if v, ok := vars[key]; ok {
			return v
		}
		missing = true
		return match
	})
	if missing {
		logger.Warn("prompt formatting missing one or more placeholders", zap.String("content_prefix", preview(content)))
	}
	return result
}

func preview(s string) string {
	if len(s) > 40 {
		return s[:40]
	}
	return s
}

// ComposeForUser resolves the active body for name, formats it with vars,
// and caches the final rendered string under (name, userID, fingerprint)
// so repeated identical requests skip both the DB lookup and the format
// pass entirely. A cached rendering is returned until it is evicted:
// RefreshCache(name) drops only the raw body, so a version activated later
// is not seen for an already cached (name, userID, fingerprint).
func (c *Composer) ComposeForUser(ctx context.Context, name, userID, fingerprint string, vars map[string]string) (string, error) {
	cacheKey := strings.Join([]string{name, userID, fingerprint}, "|")
	if cached, ok := c.cache.get(cacheKey); ok {
		return cached, nil
	}

	content, err := c.ActiveContent(ctx, name)
	if err != nil {
		return "", err
	}
	rendered := Format(content, vars)
	c.cache.put(cacheKey, rendered)
	return rendered, nil
}

// RefreshCache drops the cached raw body for name (or everything, if name
// is empty), forcing the next lookup to re-read the active version.
func (c *Composer) RefreshCache(name string) {
	if name == "" {
		c.cache = newLRUCache(c.cache.capacity)
		return
	}
	c.cache.remove("raw:" + name)
}
