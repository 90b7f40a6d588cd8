// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel

package embedder

import (
	"context"
	"fmt"
)

// Driver is the subset of llm.Driver's embedding surface DriverAdapter
// needs. Any backend driver that supports embeddings already satisfies
// this without changes.
type Driver interface {
	SupportsEmbeddings() bool
	GenerateEmbeddings(ctx context.Context, texts []string, model string) ([][]float32, error)
	EmbeddingDimensions(model string) int
	Disconnect() error
}

// DriverAdapter wraps a backend driver so it can serve as an Embedder
// for doctool and memtool, which predate per-pipeline embedder wiring
// and expect the single-text/batch/dimension shape rather than
// llm.Driver's (texts, model) signature.
//
// Unlike pkg/rag's Embedder (satisfied by llm.Driver directly, since
// the RAG pipeline already threads a model string through), doctool
// and memtool have no place to carry one, so DriverAdapter pins a
// model at construction time.
type DriverAdapter struct {
	driver Driver
	model  string
}

// NewDriverAdapter builds an Embedder backed by driver, fixed to model.
// Returns an error if driver doesn't support embeddings.
func NewDriverAdapter(driver Driver, model string) (*DriverAdapter, error) {
	if !driver.SupportsEmbeddings() {
		return nil, fmt.Errorf("embedder: driver does not support embeddings")
	}
	return &DriverAdapter{driver: driver, model: model}, nil
}

func (a *DriverAdapter) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := a.driver.GenerateEmbeddings(ctx, []string{text}, a.model)
	if err != nil {
		return nil, err
	}
	if len(vectors) == 0 {
		return nil, fmt.Errorf("embedder: backend returned no vectors")
	}
	return vectors[0], nil
}

func (a *DriverAdapter) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return a.driver.GenerateEmbeddings(ctx, texts, a.model)
}

func (a *DriverAdapter) Dimension() int {
	return a.driver.EmbeddingDimensions(a.model)
}

func (a *DriverAdapter) Model() string {
	return a.model
}

func (a *DriverAdapter) Close() error {
	return a.driver.Disconnect()
}
