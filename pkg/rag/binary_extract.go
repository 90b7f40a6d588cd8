// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel

package rag

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"github.com/ledongthuc/pdf"
	"github.com/nguyenthenguyen/docx"
	"github.com/xuri/excelize/v2"
)

// PDFExtractor extracts page text from a PDF body, concatenating pages
// in order and noting any page that failed to decode as a warning
// rather than failing the whole document. Ported from the teacher's
// native_parsers.go pdfParser, adapted from a filesystem path to a
// raw body since this pipeline ingests bytes already held in memory.
type PDFExtractor struct{}

func (PDFExtractor) Extract(body []byte) (Extracted, error) {
	reader, err := pdf.NewReader(bytes.NewReader(body), int64(len(body)))
	if err != nil {
		return Extracted{}, fmt.Errorf("rag: parsing pdf: %w", err)
	}

	var parts []string
	var warnings []string
	total := reader.NumPage()
	for pageNum := 1; pageNum <= total; pageNum++ {
		page := reader.Page(pageNum)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("page %d: %v", pageNum, err))
			continue
		}
		if strings.TrimSpace(text) != "" {
			parts = append(parts, text)
		}
	}

	return Extracted{
		Text:     strings.Join(parts, "\n\n"),
		Warnings: warnings,
	}, nil
}

// DocxExtractor extracts the editable text content of a Word document.
// The underlying library only opens from a filesystem path (it reads
// the docx zip archive via os.Open), so the body is spooled to a temp
// file for the duration of the call and removed before returning.
// Ported from the teacher's native_parsers.go officeParser.parseWordDocument.
type DocxExtractor struct{}

func (DocxExtractor) Extract(body []byte) (Extracted, error) {
	tmp, err := os.CreateTemp("", "document-*.docx")
	if err != nil {
		return Extracted{}, fmt.Errorf("rag: spooling docx body: %w", err)
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()
	if _, err := tmp.Write(body); err != nil {
		return Extracted{}, fmt.Errorf("rag: spooling docx body: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return Extracted{}, fmt.Errorf("rag: spooling docx body: %w", err)
	}

	doc, err := docx.ReadDocxFile(tmp.Name())
	if err != nil {
		return Extracted{}, fmt.Errorf("rag: parsing docx: %w", err)
	}
	defer doc.Close()

	return Extracted{Text: doc.Editable().GetContent()}, nil
}

// XlsxExtractor flattens every sheet's non-empty cells into a cell-ref
// text block ("A1: value"), capping cells per sheet so a dense
// spreadsheet doesn't blow past the chunker's expectations. Ported from
// the teacher's native_parsers.go officeParser.parseExcelDocument.
type XlsxExtractor struct{}

const maxCellsPerSheet = 1000

func (XlsxExtractor) Extract(body []byte) (Extracted, error) {
	f, err := excelize.OpenReader(bytes.NewReader(body))
	if err != nil {
		return Extracted{}, fmt.Errorf("rag: parsing xlsx: %w", err)
	}
	defer f.Close()

	var parts []string
	var warnings []string
	for _, sheetName := range f.GetSheetList() {
		rows, err := f.GetRows(sheetName)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("sheet %q: %v", sheetName, err))
			continue
		}

		var sheet strings.Builder
		fmt.Fprintf(&sheet, "--- Sheet: %s ---\n", sheetName)
		cellCount := 0
		for rowIndex, row := range rows {
			if cellCount >= maxCellsPerSheet {
				sheet.WriteString("... (truncated)\n")
				break
			}
			for colIndex, cell := range row {
				if cellCount >= maxCellsPerSheet {
					break
				}
				text := strings.TrimSpace(cell)
				if text == "" {
					continue
				}
				fmt.Fprintf(&sheet, "%s%d: %s\n", columnLetter(colIndex), rowIndex+1, text)
				cellCount++
			}
		}
		if text := strings.TrimSpace(sheet.String()); text != "" {
			parts = append(parts, text)
		}
	}

	return Extracted{
		Text:     strings.Join(parts, "\n\n"),
		Warnings: warnings,
	}, nil
}

// columnLetter converts a 0-based column index to its Excel column
// letter (A, B, ..., Z, AA, AB, ...).
func columnLetter(index int) string {
	result := ""
	for {
		result = string(rune('A'+index%26)) + result
		index = index/26 - 1
		if index < 0 {
			break
		}
	}
	return result
}
