// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package memstore is an in-process implementation of the convo store
// interfaces, grounded on the teacher's in-memory session store: one
// mutex-guarded map per entity kind, values copied in and out so callers
// can't mutate store state through an aliased pointer.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/nouscore/orchestrator/pkg/convo"
)

// Store bundles an in-memory implementation of every convo store
// interface. Safe for concurrent use. Not durable: state is lost on
// process exit, which is fine for tests and for running without an
// external database.
type Store struct {
	Conversations      *ConversationStore
	Messages           *MessageStore
	Documents          *DocumentStore
	MessageEmbeddings  *MessageEmbeddingStore
	Summaries          *SummaryStore
	Embeddings         *EmbeddingCacheStore
	Agents             *AgentStore
}

// New returns a Store with every sub-store initialized and empty.
func New() *Store {
	return &Store{
		Conversations: &ConversationStore{m: make(map[string]convo.Conversation)},
		Messages:      &MessageStore{m: make(map[string][]convo.Message)},
		Documents: &DocumentStore{
			docs:   make(map[string]convo.Document),
			stages: make(map[string][]convo.DocumentStage),
			chunks: make(map[string][]convo.Chunk),
		},
		MessageEmbeddings: &MessageEmbeddingStore{m: make(map[string][]convo.MessageEmbedding)},
		Summaries:         &SummaryStore{m: make(map[string]convo.Summary)},
		Embeddings:        &EmbeddingCacheStore{m: make(map[string]convo.EmbeddingCacheEntry)},
		Agents:            &AgentStore{m: make(map[string]convo.Agent)},
	}
}

// AgentStore implements convo.AgentStore over a map.
type AgentStore struct {
	mu sync.RWMutex
	m  map[string]convo.Agent
}

func (s *AgentStore) Create(ctx context.Context, a *convo.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[a.ID] = *a
	return nil
}

func (s *AgentStore) Get(ctx context.Context, id string) (*convo.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.m[id]
	if !ok {
		return nil, convo.ErrNotFound
	}
	return &a, nil
}

func (s *AgentStore) Update(ctx context.Context, a *convo.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.m[a.ID]; !ok {
		return convo.ErrNotFound
	}
	s.m[a.ID] = *a
	return nil
}

// ConversationStore implements convo.ConversationStore over a map.
type ConversationStore struct {
	mu sync.RWMutex
	m  map[string]convo.Conversation
}

func (s *ConversationStore) Create(ctx context.Context, c *convo.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[c.ID] = *c
	return nil
}

func (s *ConversationStore) Get(ctx context.Context, id string) (*convo.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.m[id]
	if !ok {
		return nil, convo.ErrNotFound
	}
	return &c, nil
}

func (s *ConversationStore) Update(ctx context.Context, c *convo.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.m[c.ID]; !ok {
		return convo.ErrNotFound
	}
	s.m[c.ID] = *c
	return nil
}

func (s *ConversationStore) CompareAndSwapStatus(ctx context.Context, id string, from, to convo.ConversationStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.m[id]
	if !ok {
		return false, convo.ErrNotFound
	}
	if c.Status != from {
		return false, nil
	}
	c.Status = to
	c.UpdatedAt = time.Now()
	s.m[id] = c
	return true, nil
}

// MessageStore implements convo.MessageStore over a per-conversation slice.
type MessageStore struct {
	mu sync.RWMutex
	m  map[string][]convo.Message
}

func (s *MessageStore) Append(ctx context.Context, m *convo.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[m.ConversationID] = append(s.m[m.ConversationID], *m)
	return nil
}

func (s *MessageStore) ListByConversation(ctx context.Context, conversationID string) ([]*convo.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := s.m[conversationID]
	out := make([]*convo.Message, len(msgs))
	for i := range msgs {
		m := msgs[i]
		out[i] = &m
	}
	return out, nil
}

func (s *MessageStore) Get(ctx context.Context, id string) (*convo.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, msgs := range s.m {
		for _, m := range msgs {
			if m.ID == id {
				m := m
				return &m, nil
			}
		}
	}
	return nil, convo.ErrNotFound
}

// DocumentStore implements convo.DocumentStore over three maps.
type DocumentStore struct {
	mu     sync.RWMutex
	docs   map[string]convo.Document
	stages map[string][]convo.DocumentStage
	chunks map[string][]convo.Chunk
}

func (s *DocumentStore) PutDocument(ctx context.Context, d *convo.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[d.ID] = *d
	return nil
}

func (s *DocumentStore) GetDocument(ctx context.Context, id string) (*convo.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.docs[id]
	if !ok {
		return nil, convo.ErrNotFound
	}
	return &d, nil
}

func (s *DocumentStore) AppendStage(ctx context.Context, st *convo.DocumentStage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stages[st.DocumentID] = append(s.stages[st.DocumentID], *st)
	return nil
}

func (s *DocumentStore) ListStages(ctx context.Context, documentID string) ([]*convo.DocumentStage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stages := s.stages[documentID]
	out := make([]*convo.DocumentStage, len(stages))
	for i := range stages {
		st := stages[i]
		out[i] = &st
	}
	return out, nil
}

func (s *DocumentStore) PutChunks(ctx context.Context, chunks []*convo.Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range chunks {
		existing := s.chunks[c.DocumentID]
		replaced := false
		for i, e := range existing {
			if e.ID == c.ID {
				existing[i] = *c
				replaced = true
				break
			}
		}
		if !replaced {
			existing = append(existing, *c)
		}
		s.chunks[c.DocumentID] = existing
	}
	return nil
}

func (s *DocumentStore) ListChunks(ctx context.Context, documentID string) ([]*convo.Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	chunks := s.chunks[documentID]
	out := make([]*convo.Chunk, len(chunks))
	for i := range chunks {
		c := chunks[i]
		out[i] = &c
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ordinal < out[j].Ordinal })
	return out, nil
}

func (s *DocumentStore) AllChunks(ctx context.Context) ([]*convo.Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*convo.Chunk
	for _, chunks := range s.chunks {
		for i := range chunks {
			c := chunks[i]
			out = append(out, &c)
		}
	}
	return out, nil
}

// MessageEmbeddingStore implements convo.MessageEmbeddingStore over a
// per-conversation slice.
type MessageEmbeddingStore struct {
	mu sync.RWMutex
	m  map[string][]convo.MessageEmbedding
}

func (s *MessageEmbeddingStore) Put(ctx context.Context, e *convo.MessageEmbedding) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing := s.m[e.ConversationID]
	for i, ex := range existing {
		if ex.MessageID == e.MessageID {
			existing[i] = *e
			s.m[e.ConversationID] = existing
			return nil
		}
	}
	s.m[e.ConversationID] = append(existing, *e)
	return nil
}

func (s *MessageEmbeddingStore) ListByConversation(ctx context.Context, conversationID string) ([]*convo.MessageEmbedding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	embeddings := s.m[conversationID]
	out := make([]*convo.MessageEmbedding, len(embeddings))
	for i := range embeddings {
		e := embeddings[i]
		out[i] = &e
	}
	return out, nil
}

// SummaryStore implements convo.SummaryStore over a map.
type SummaryStore struct {
	mu sync.RWMutex
	m  map[string]convo.Summary
}

func (s *SummaryStore) Put(ctx context.Context, sm *convo.Summary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[sm.ID] = *sm
	return nil
}

func (s *SummaryStore) Get(ctx context.Context, id string) (*convo.Summary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sm, ok := s.m[id]
	if !ok {
		return nil, convo.ErrNotFound
	}
	return &sm, nil
}

func (s *SummaryStore) ListByConversation(ctx context.Context, conversationID string) ([]*convo.Summary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*convo.Summary
	for _, sm := range s.m {
		if sm.ConversationID == conversationID {
			sm := sm
			out = append(out, &sm)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// EmbeddingCacheStore implements convo.EmbeddingCacheStore over a map.
type EmbeddingCacheStore struct {
	mu sync.RWMutex
	m  map[string]convo.EmbeddingCacheEntry
}

func cacheKey(contentHash, model string) string { return contentHash + "|" + model }

func (s *EmbeddingCacheStore) Get(ctx context.Context, contentHash, model string) (*convo.EmbeddingCacheEntry, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.m[cacheKey(contentHash, model)]
	if !ok {
		return nil, false, nil
	}
	return &e, true, nil
}

func (s *EmbeddingCacheStore) Put(ctx context.Context, e *convo.EmbeddingCacheEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[cacheKey(e.ContentHash, e.EmbeddingModel)] = *e
	return nil
}

func (s *EmbeddingCacheStore) Prune(ctx context.Context, ttl time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().Add(-ttl)
	removed := 0
	for k, e := range s.m {
		if e.CreatedAt.Before(cutoff) {
			delete(s.m, k)
			removed++
		}
	}
	return removed, nil
}
