// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel

// Package sse broadcasts per-conversation turn events to HTTP clients
// over Server-Sent Events, grounded on the teacher's restStreamWrapper
// (pkg/transport/rest_gateway.go), which writes `event: <name>\ndata:
// <json>\n\n` frames and flushes after every write. This package
// generalizes that single-request wrapper into a fan-out broadcaster
// decoupled from the turn engine by a per-conversation channel, per
// spec.md §4.9.
package sse

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/nouscore/orchestrator/pkg/llm"
)

// EventKind names one of the wire event types spec.md §4.9 enumerates.
type EventKind string

const (
	EventTextChunk     EventKind = "text_chunk"
	EventToolExecuting EventKind = "tool_executing"
	EventToolCompleted EventKind = "tool_completed"
	EventToolRequest   EventKind = "tool_request"
	EventCompleted     EventKind = "completed"
	EventFailed        EventKind = "failed"
)

// Event is one message pushed to a conversation's subscribers.
type Event struct {
	Kind EventKind
	Data any
}

// TextChunkData is the payload of an EventTextChunk.
type TextChunkData struct {
	Kind string `json:"kind"` // "content" or "thinking"
	Text string `json:"text"`
}

// ToolExecutingData is the payload of an EventToolExecuting.
type ToolExecutingData struct {
	ToolCall llm.ToolCall `json:"tool_call"`
}

// ToolCompletedData is the payload of an EventToolCompleted.
type ToolCompletedData struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Success bool   `json:"success"`
	Output  string `json:"output"`
}

// ToolRequestData is the payload of an EventToolRequest, emitted when
// pausing for a client-executed tool.
type ToolRequestData struct {
	ToolCall llm.ToolCall `json:"tool_call"`
}

// FailedData is the payload of an EventFailed.
type FailedData struct {
	Error string `json:"error"`
}

const (
	// backlogSize bounds how many unread events a subscriber may queue
	// before it's considered slow and disconnected.
	backlogSize = 64
	// heartbeatInterval is comfortably under spec.md's "≤15s" ceiling.
	heartbeatInterval = 10 * time.Second
	// paddingCommentBytes is the minimum comment-line payload size sent
	// immediately after headers: some reverse proxies buffer a response
	// until a threshold of bytes arrives, which would otherwise delay
	// the first real event indefinitely.
	paddingCommentBytes = 2048
)

// paddingComment is a single space-padded SSE comment line at least
// paddingCommentBytes long, sent once per connection right after
// headers to defeat proxy response buffering.
var paddingComment = strings.Repeat(" ", paddingCommentBytes)

type subscriber struct {
	ch   chan Event
	done chan struct{}
}

// Broadcaster fans out Events to per-conversation subscribers. A
// subscriber that falls behind its backlog is disconnected rather than
// blocking the producer, per spec.md §4.9.
type Broadcaster struct {
	mu   sync.Mutex
	subs map[string]map[*subscriber]struct{}
}

// NewBroadcaster returns an empty Broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[string]map[*subscriber]struct{})}
}

// Publish delivers ev to every current subscriber of conversationID.
// Non-blocking: a subscriber whose backlog is full is dropped instead
// of stalling the caller (the turn engine).
func (b *Broadcaster) Publish(conversationID string, ev Event) {
	b.mu.Lock()
	subs := make([]*subscriber, 0, len(b.subs[conversationID]))
	for s := range b.subs[conversationID] {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		select {
		case s.ch <- ev:
		default:
			b.disconnect(conversationID, s)
		}
	}
}

func (b *Broadcaster) subscribe(conversationID string) *subscriber {
	s := &subscriber{ch: make(chan Event, backlogSize), done: make(chan struct{})}
	b.mu.Lock()
	if b.subs[conversationID] == nil {
		b.subs[conversationID] = make(map[*subscriber]struct{})
	}
	b.subs[conversationID][s] = struct{}{}
	b.mu.Unlock()
	return s
}

func (b *Broadcaster) disconnect(conversationID string, s *subscriber) {
	b.mu.Lock()
	if _, ok := b.subs[conversationID][s]; ok {
		delete(b.subs[conversationID], s)
		close(s.done)
	}
	b.mu.Unlock()
}

// SubscriberCount reports how many active subscribers a conversation
// currently has. Used by tests and diagnostics.
func (b *Broadcaster) SubscriberCount(conversationID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[conversationID])
}

// ServeHTTP streams conversationID's events to w until the request
// context is cancelled, the subscriber is disconnected for falling
// behind, or an EventCompleted/EventFailed frame is sent. Reconnection
// rejoins at "now": no prior events are replayed.
func (b *Broadcaster) ServeHTTP(w http.ResponseWriter, r *http.Request, conversationID string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream; charset=UTF-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if err := WriteComment(w, paddingComment); err != nil {
		return
	}
	flusher.Flush()

	s := b.subscribe(conversationID)
	defer b.disconnect(conversationID, s)

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case ev := <-s.ch:
			if err := WriteEvent(w, ev); err != nil {
				return
			}
			flusher.Flush()
			if ev.Kind == EventCompleted || ev.Kind == EventFailed {
				return
			}
		case <-ticker.C:
			if err := WriteComment(w, "heartbeat"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// WriteEvent writes ev in the exact wire format spec.md §4.9 mandates:
// `event: <name>\ndata: <json>\n\n`.
func WriteEvent(w io.Writer, ev Event) error {
	data, err := json.Marshal(ev.Data)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, data)
	return err
}

// WriteComment writes an SSE comment line (`: <text>\n\n`), used for
// heartbeats.
func WriteComment(w io.Writer, text string) error {
	_, err := fmt.Fprintf(w, ": %s\n\n", text)
	return err
}

// Sink narrows Broadcaster to the publish-only surface the turn engine
// needs, so it can depend on an interface rather than the concrete type.
type Sink interface {
	Publish(conversationID string, ev Event)
}

var _ Sink = (*Broadcaster)(nil)
