// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel

package rag

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClean_RemovesControlCharactersButKeepsTabsAndNewlines(t *testing.T) {
	text, warnings := Clean("hello\x00world\tfoo.\nbar")
	assert.Equal(t, "helloworld\tfoo.\nbar", text)
	assert.NotEmpty(t, warnings)
}

func TestClean_CollapsesRepeatedWhitespace(t *testing.T) {
	text, _ := Clean("a    b\n\n\n\nc")
	assert.Equal(t, "a b\n\nc", text)
}

func TestClean_NormalizesCurlyQuotesAndDashes(t *testing.T) {
	text, _ := Clean("“hello” — world…")
	assert.Equal(t, `"hello" - world...`, text)
}

func TestClean_RemovesRepeatedHeaderFooterLines(t *testing.T) {
	doc := strings.Repeat("Confidential Report\nbody text here\n", 4)
	text, warnings := Clean(doc)
	assert.NotContains(t, text, "Confidential Report")
	assert.NotEmpty(t, warnings)
}

func TestClean_RemovesBoilerplatePatterns(t *testing.T) {
	text, _ := Clean("Copyright 2024 Example Corp.\nReal content line.\nPage 1 of 10")
	assert.NotContains(t, text, "Copyright 2024")
	assert.NotContains(t, text, "Page 1 of 10")
	assert.Contains(t, text, "Real content line")
}

func TestClean_StripsLeadingBOM(t *testing.T) {
	text, _ := Clean("﻿hello")
	assert.Equal(t, "hello", text)
}
