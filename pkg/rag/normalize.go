// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel

package rag

import (
	"regexp"
	"strings"
)

// Section is one detected section of a normalized document: a title
// (empty for the leading, untitled section) and its [start, end) byte
// offsets into the normalized text.
type Section struct {
	Title string
	Start int
	End   int
}

var sectionHeadingPatterns = []*regexp.Regexp{
	regexp.MustCompile(`^#{1,6}\s+(.+)$`),               // markdown heading
	regexp.MustCompile(`^([A-Z][A-Za-z0-9 /&-]{2,80})$`), // a short all-caps-leading line standing alone
	regexp.MustCompile(`^\d+(\.\d+)*\.?\s+([A-Z].{2,80})$`), // "1. Introduction" / "2.3 Methods"
}

// Normalize detects section boundaries in cleaned text, splitting on
// lines that look like headings (markdown ATX headings, numbered
// section titles, or short title-case standalone lines bounded by blank
// lines). Returns the unmodified text and the detected sections.
func Normalize(text string) (string, []Section) {
	lines := strings.Split(text, "\n")
	var sections []Section
	currentTitle := ""
	currentStart := 0
	offset := 0

	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if title, ok := matchHeading(trimmed, lines, i); ok {
			if offset > currentStart {
				sections = append(sections, Section{Title: currentTitle, Start: currentStart, End: offset})
			}
			currentTitle = title
			currentStart = offset
		}
		offset += len(line) + 1 // +1 for the newline Split consumed
	}
	if offset > currentStart {
		end := offset
		if end > len(text) {
			end = len(text)
		}
		sections = append(sections, Section{Title: currentTitle, Start: currentStart, End: end})
	}
	return text, sections
}

func matchHeading(trimmed string, lines []string, i int) (string, bool) {
	if trimmed == "" {
		return "", false
	}
	if m := sectionHeadingPatterns[0].FindStringSubmatch(trimmed); m != nil {
		return strings.TrimSpace(m[1]), true
	}
	// Numbered and bare-heading patterns must stand alone (blank line
	// before and after, or start/end of document) to avoid misfiring on
	// ordinary body sentences.
	standalone := (i == 0 || strings.TrimSpace(lines[i-1]) == "") &&
		(i == len(lines)-1 || strings.TrimSpace(lines[i+1]) == "")
	if !standalone {
		return "", false
	}
	if m := sectionHeadingPatterns[2].FindStringSubmatch(trimmed); m != nil {
		return strings.TrimSpace(m[2]), true
	}
	if sectionHeadingPatterns[1].MatchString(trimmed) && len(trimmed) <= 80 {
		return trimmed, true
	}
	return "", false
}

// SectionAt returns the section title covering byte offset pos, or ""
// if pos falls outside every detected section.
func SectionAt(sections []Section, pos int) string {
	for _, s := range sections {
		if pos >= s.Start && pos < s.End {
			return s.Title
		}
	}
	return ""
}
