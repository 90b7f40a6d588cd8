// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel

package embedder

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDriver struct {
	supportsEmbeddings bool
	vectors            [][]float32
	dimension          int
}

func (d *fakeDriver) SupportsEmbeddings() bool { return d.supportsEmbeddings }
func (d *fakeDriver) GenerateEmbeddings(ctx context.Context, texts []string, model string) ([][]float32, error) {
	return d.vectors, nil
}
func (d *fakeDriver) EmbeddingDimensions(model string) int { return d.dimension }
func (d *fakeDriver) Disconnect() error                    { return nil }

func TestNewDriverAdapter_RejectsDriverWithoutEmbeddingSupport(t *testing.T) {
	_, err := NewDriverAdapter(&fakeDriver{supportsEmbeddings: false}, "fake-model")
	require.Error(t, err)
}

func TestDriverAdapter_EmbedReturnsFirstVector(t *testing.T) {
	driver := &fakeDriver{supportsEmbeddings: true, vectors: [][]float32{{0.1, 0.2, 0.3}}, dimension: 3}
	adapter, err := NewDriverAdapter(driver, "fake-model")
	require.NoError(t, err)

	vec, err := adapter.Embed(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, vec)
	assert.Equal(t, 3, adapter.Dimension())
	assert.Equal(t, "fake-model", adapter.Model())
}

func TestDriverAdapter_EmbedBatchPassesThrough(t *testing.T) {
	driver := &fakeDriver{supportsEmbeddings: true, vectors: [][]float32{{1}, {2}}, dimension: 1}
	adapter, err := NewDriverAdapter(driver, "fake-model")
	require.NoError(t, err)

	vecs, err := adapter.EmbedBatch(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	assert.Len(t, vecs, 2)
}
