// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel

package llm

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/pkoukk/tiktoken-go"
)

// TokenCounter counts tokens for a model, falling back to a rough
// character-based estimate when no tokenizer is available for the
// model's driver family. Results are cached for 24h, keyed by
// hash(model||text), since re-encoding identical prompts on every
// turn is wasted work.
type TokenCounter struct {
	model    string
	encoding *tiktoken.Tiktoken // nil if unavailable, triggers char/4 fallback

	mu    sync.Mutex
	cache map[string]cacheEntry
}

type cacheEntry struct {
	count   int
	cachedAt time.Time
}

const tokenCacheTTL = 24 * time.Hour

var (
	encodingCache   = make(map[string]*tiktoken.Tiktoken)
	encodingCacheMu sync.RWMutex
)

// NewTokenCounter returns a counter for model, using tiktoken's
// cl100k_base encoding as a fallback when the model isn't recognized.
// A nil encoding (no tokenizer at all) is never returned by this
// constructor; the fallback estimator (EstimateTokens) is what's used
// when a driver has no remote or local tokenizer.
func NewTokenCounter(model string) *TokenCounter {
	encodingCacheMu.RLock()
	cached, ok := encodingCache[model]
	encodingCacheMu.RUnlock()
	if ok {
		return &TokenCounter{model: model, encoding: cached, cache: make(map[string]cacheEntry)}
	}

	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return &TokenCounter{model: model, cache: make(map[string]cacheEntry)}
		}
	}

	encodingCacheMu.Lock()
	encodingCache[model] = enc
	encodingCacheMu.Unlock()

	return &TokenCounter{model: model, encoding: enc, cache: make(map[string]cacheEntry)}
}

func cacheKey(model, text string) string {
	h := sha256.Sum256([]byte(model + "||" + text))
	return hex.EncodeToString(h[:])
}

// Count returns the token count for text, serving from the 24h cache
// when available.
func (tc *TokenCounter) Count(text string) int {
	key := cacheKey(tc.model, text)

	tc.mu.Lock()
	if e, ok := tc.cache[key]; ok && time.Since(e.cachedAt) < tokenCacheTTL {
		tc.mu.Unlock()
		return e.count
	}
	tc.mu.Unlock()

	var n int
	if tc.encoding != nil {
		n = len(tc.encoding.Encode(text, nil, nil))
	} else {
		n = EstimateTokens(text)
	}

	tc.mu.Lock()
	tc.cache[key] = cacheEntry{count: n, cachedAt: time.Now()}
	tc.mu.Unlock()

	return n
}

// CountMessage sums role/content/tool-call JSON lengths for one
// ChatMessage, with OpenAI-cookbook-style per-message overhead.
func (tc *TokenCounter) CountMessage(m ChatMessage) int {
	const perMessageOverhead = 3 // <|start|>role|message<|end|>
	n := perMessageOverhead
	n += tc.Count(string(m.Role))
	n += tc.Count(m.Content)
	n += tc.Count(m.Thinking)
	for _, tcCall := range m.ToolCalls {
		n += tc.Count(tcCall.Name)
		n += tc.Count(tcCall.RawArgs)
	}
	return n
}

// CountMessages sums CountMessage over a slice plus reply priming.
func (tc *TokenCounter) CountMessages(messages []ChatMessage) int {
	total := 0
	for _, m := range messages {
		total += tc.CountMessage(m)
	}
	total += 3 // reply priming: <|start|>assistant<|message|>
	return total
}

// Model returns the model name this counter is configured for.
func (tc *TokenCounter) Model() string { return tc.model }

// EstimateTokens is the no-tokenizer fallback: ceil(char_count / 4).
func EstimateTokens(text string) int {
	if len(text) == 0 {
		return 0
	}
	return (len(text) + 3) / 4
}

// DescribeCacheKey is exposed for diagnostics/logging only.
func DescribeCacheKey(model, text string) string {
	return fmt.Sprintf("tok:%s", cacheKey(model, text))
}
