// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel

package transport

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/nouscore/orchestrator/pkg/convo"
	"github.com/nouscore/orchestrator/pkg/llm"
	"github.com/nouscore/orchestrator/pkg/queue"
)

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

// createConversation handles POST /conversations.
func (s *Server) createConversation(w http.ResponseWriter, r *http.Request) {
	var req createConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.UserID == "" || req.AgentID == "" {
		writeError(w, http.StatusBadRequest, errMissingUserOrAgent)
		return
	}

	agent, err := s.Agents.Get(r.Context(), req.AgentID)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}

	now := time.Now()
	conv := &convo.Conversation{
		ID:          uuid.NewString(),
		UserID:      req.UserID,
		AgentID:     req.AgentID,
		Status:      convo.StatusIdle,
		Backend:     req.Backend,
		Model:       req.Model,
		MaxTurns:    req.MaxTurns,
		DocumentIDs: req.DocumentIDs,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if conv.Backend == "" {
		conv.Backend = agent.BackendKey
	}
	if err := s.Conversations.Create(r.Context(), conv); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusCreated, newConversationResponse(conv))
}

// postMessage handles POST /conversations/{conversationID}/messages: it
// appends a user message and enqueues a turn job, per spec.md §6.
func (s *Server) postMessage(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "conversationID")

	var req postMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	conv, err := s.Conversations.Get(r.Context(), conversationID)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if conv.Status == convo.StatusPaused {
		writeError(w, http.StatusConflict, errConversationPaused)
		return
	}

	history, err := s.Messages.ListByConversation(r.Context(), conversationID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	msg := &convo.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Position:       nextPosition(history),
		Role:           convo.RoleUser,
		Content:        req.Content,
		Images:         toImageParts(req.Images),
		CreatedAt:      time.Now(),
	}
	if err := s.Messages.Append(r.Context(), msg); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	if len(req.ClientTools) > 0 {
		s.setClientTools(conversationID, toToolSchemas(req.ClientTools))
	}

	if conv.Status == convo.StatusCompleted {
		conv.RequestTurnCount = 0
	}
	conv.Status = convo.StatusActive
	conv.UpdatedAt = time.Now()
	if err := s.Conversations.Update(r.Context(), conv); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	if s.Jobs != nil {
		if err := s.Jobs.Enqueue(r.Context(), queue.Job{Key: conversationID, Payload: []byte(conversationID)}); err != nil && err != queue.ErrAlreadyQueued {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
	}

	writeJSON(w, http.StatusAccepted, newMessageResponse(msg))
}

// listMessages handles GET /conversations/{conversationID}/messages?after=<position>.
func (s *Server) listMessages(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "conversationID")

	after := -1
	if v := r.URL.Query().Get("after"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, errInvalidAfter)
			return
		}
		after = parsed
	}

	history, err := s.Messages.ListByConversation(r.Context(), conversationID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	out := make([]messageResponse, 0, len(history))
	for _, m := range history {
		if m.Position > after {
			out = append(out, newMessageResponse(m))
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// streamConversation handles GET /conversations/{conversationID}/stream,
// delegating directly to the SSE broadcaster.
func (s *Server) streamConversation(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "conversationID")
	s.Broadcaster.ServeHTTP(w, r, conversationID)
}

// postToolResult handles POST /conversations/{conversationID}/tools/{toolCallID}/result.
func (s *Server) postToolResult(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "conversationID")
	toolCallID := chi.URLParam(r, "toolCallID")

	var req toolResultRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	success := req.Error == ""
	output := req.Output
	if !success {
		output = req.Error
	}

	if err := s.Engine.ResumeClientTool(r.Context(), conversationID, toolCallID, output, success); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// cancelConversation handles POST /conversations/{conversationID}/cancel.
func (s *Server) cancelConversation(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "conversationID")

	conv, err := s.Conversations.Get(r.Context(), conversationID)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}

	now := time.Now()
	conv.Cancelled = true
	conv.CancelledAt = &now
	conv.UpdatedAt = now
	if err := s.Conversations.Update(r.Context(), conv); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, newConversationResponse(conv))
}

func nextPosition(history []*convo.Message) int {
	if len(history) == 0 {
		return 0
	}
	return history[len(history)-1].Position + 1
}

func toImageParts(images []imagePartDTO) []llm.ImagePart {
	if len(images) == 0 {
		return nil
	}
	out := make([]llm.ImagePart, 0, len(images))
	for _, img := range images {
		out = append(out, llm.ImagePart{URL: img.URL, Base64: img.Base64, MediaType: img.MediaType})
	}
	return out
}

func toToolSchemas(schemas []toolSchemaDTO) []llm.ToolSchema {
	out := make([]llm.ToolSchema, 0, len(schemas))
	for _, s := range schemas {
		out = append(out, llm.ToolSchema{Name: s.Name, Description: s.Description, Parameters: s.Parameters})
	}
	return out
}
