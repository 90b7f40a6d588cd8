// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel

package transport

import "errors"

var (
	errMissingUserOrAgent = errors.New("transport: user_id and agent_id are required")
	errConversationPaused = errors.New("transport: conversation is paused waiting on a client tool result")
	errInvalidAfter       = errors.New("transport: after must be an integer position")
)
