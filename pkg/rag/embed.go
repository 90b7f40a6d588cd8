// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel

package rag

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/nouscore/orchestrator/pkg/convo"
)

// EmbedBatcher embeds batches of text against the active backend's
// embedding API, consulting the embedding cache before each call and
// writing newly computed vectors back (insert-or-update), per
// spec.md §4.6.
type EmbedBatcher struct {
	cache convo.EmbeddingCacheStore
}

// NewEmbedBatcher builds an EmbedBatcher backed by cache.
func NewEmbedBatcher(cache convo.EmbeddingCacheStore) *EmbedBatcher {
	return &EmbedBatcher{cache: cache}
}

// Embedder is the subset of llm.Driver's embedding surface EmbedBatcher
// needs; satisfied directly by llm.Driver.
type Embedder interface {
	GenerateEmbeddings(ctx context.Context, texts []string, model string) ([][]float32, error)
}

// ContentHash returns the cache key for a piece of text: a hex-encoded
// SHA-256 digest, stable across process restarts.
func ContentHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// EmbedBatch embeds texts, serving any (contentHash, model) pair already
// in cache and only calling the embedder for cache misses. Returns
// vectors in the same order as texts.
func (b *EmbedBatcher) EmbedBatch(ctx context.Context, embedder Embedder, model string, texts []string) ([][]float32, error) {
	vectors := make([][]float32, len(texts))
	hashes := make([]string, len(texts))

	var missIdx []int
	var missTexts []string
	for i, text := range texts {
		hash := ContentHash(text)
		hashes[i] = hash
		entry, found, err := b.cache.Get(ctx, hash, model)
		if err != nil {
			return nil, err
		}
		if found {
			vectors[i] = entry.Vector
			continue
		}
		missIdx = append(missIdx, i)
		missTexts = append(missTexts, text)
	}

	if len(missTexts) == 0 {
		return vectors, nil
	}

	computed, err := embedder.GenerateEmbeddings(ctx, missTexts, model)
	if err != nil {
		return nil, err
	}
	for j, idx := range missIdx {
		vectors[idx] = computed[j]
		if err := b.cache.Put(ctx, &convo.EmbeddingCacheEntry{
			ContentHash:    hashes[idx],
			EmbeddingModel: model,
			Vector:         computed[j],
			CreatedAt:      time.Now(),
		}); err != nil {
			return nil, err
		}
	}
	return vectors, nil
}
