package core

import (
	"errors"
	"strings"
)

// ErrEmptyInput is returned when a grid has no data rows beneath its header.
// It is the only error that aborts a batch, and it is reported before any
// record is reconciled.
var ErrEmptyInput = errors.New("empty file: spreadsheet needs a header row and at least one data row")

// RawGrid is decoded spreadsheet content: rows of cell values with row 0 as
// the header. A cell past the end of a row is absent; "" is a blank cell.
type RawGrid [][]string

// NormalizedRecord is one keyed row destined for reconciliation.
type NormalizedRecord struct {
	ID       string `json:"id"`
	Response string `json:"response"`
	Notes    string `json:"notes"`
}

// ExtractStats describes how a grid was reduced to records.
type ExtractStats struct {
	DataRows int `json:"data_rows"` // rows beneath the header
	Emitted  int `json:"emitted"`
	Skipped  int `json:"skipped"` // rows with no columns or a blank ID
}

// Column positions within a data row.
const (
	colID = iota
	colFirst
	colSecond
	colThird
)

// Extract converts a grid into records in row order.
func Extract(grid RawGrid) ([]NormalizedRecord, error) {
	records, _, err := ExtractWithStats(grid)
	return records, err
}

// ExtractWithStats is Extract plus row accounting for previews and logs.
//
// The header row is skipped by position. A row yields a record only when its
// first cell is non-blank after trimming. Response and notes are read by
// layout:
//
//   - wide rows (a fourth column exists): response is column 2, falling back
//     to column 1; notes is column 3, falling back to column 2 when column 2
//     was not taken as the response.
//   - narrow rows: response is column 1 and notes is column 2.
func ExtractWithStats(grid RawGrid) ([]NormalizedRecord, ExtractStats, error) {
	if len(grid) < 2 {
		return nil, ExtractStats{}, ErrEmptyInput
	}

	stats := ExtractStats{DataRows: len(grid) - 1}
	records := make([]NormalizedRecord, 0, len(grid)-1)

	for _, row := range grid[1:] {
		rec, ok := extractRow(row)
		if !ok {
			stats.Skipped++
			continue
		}
		records = append(records, rec)
	}

	stats.Emitted = len(records)
	return records, stats, nil
}

func extractRow(row []string) (NormalizedRecord, bool) {
	if len(row) == 0 {
		return NormalizedRecord{}, false
	}

	id := cleanID(cellAt(row, colID))
	if id == "" {
		return NormalizedRecord{}, false
	}

	rec := NormalizedRecord{ID: id}

	if len(row) > colThird {
		// A blank column 2 can never be consumed as the response, so the
		// notes fallback to column 2 always yields "" on wide rows.
		rec.Response = cellAt(row, colSecond)
		if rec.Response == "" {
			rec.Response = cellAt(row, colFirst)
		}
		rec.Notes = cellAt(row, colThird)
		return rec, true
	}

	rec.Response = cellAt(row, colFirst)
	rec.Notes = cellAt(row, colSecond)
	return rec, true
}

// cellAt returns the trimmed cell at index i, or "" when the row is too short.
func cellAt(row []string, i int) string {
	if i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}

// cleanID unwraps the ="..." text formula that exports use to keep leading
// zeros, so ="00123" and 00123 name the same record.
func cleanID(s string) string {
	if len(s) >= 3 && strings.HasPrefix(s, `="`) && strings.HasSuffix(s, `"`) {
		return strings.TrimSpace(s[2 : len(s)-1])
	}
	return s
}
