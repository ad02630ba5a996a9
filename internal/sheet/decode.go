// Package sheet decodes uploaded spreadsheets into rows of string cells.
// Row 0 is the file's first row; interpreting the header is left to callers.
package sheet

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"
)

var (
	// ErrUnsupportedFormat is returned for file extensions Decode cannot read.
	ErrUnsupportedFormat = errors.New("unsupported format")

	// ErrNoVisibleSheet is returned when every sheet of a workbook is hidden.
	ErrNoVisibleSheet = errors.New("no visible sheet in workbook")
)

// Format identifies how a file is decoded.
type Format string

const (
	FormatXLSX Format = "xlsx"
	FormatCSV  Format = "csv"
)

// FormatOf picks the decoder from a file name's extension.
func FormatOf(name string) (Format, error) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".xlsx", ".xlsm":
		return FormatXLSX, nil
	case ".csv":
		return FormatCSV, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, filepath.Ext(name))
	}
}

// Result is a decoded spreadsheet.
type Result struct {
	Rows   [][]string
	Sheet  string // worksheet the rows came from; "" for CSV
	Format Format
	Bytes  int64 // bytes read from the source
}

// Decode reads a spreadsheet from r, choosing the format by name.
//
// Workbooks are read from the first sheet not marked hidden. Every row is
// padded to the header's width so a blank trailing cell keeps its column.
func Decode(name string, r io.Reader) (*Result, error) {
	format, err := FormatOf(name)
	if err != nil {
		return nil, err
	}

	counter := NewCountingReader(r)
	res := &Result{Format: format}

	switch format {
	case FormatXLSX:
		res.Rows, res.Sheet, err = decodeWorkbook(counter)
	case FormatCSV:
		res.Rows, err = decodeCSV(counter)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", name, err)
	}

	res.Rows = padRows(res.Rows)
	res.Bytes = counter.Bytes
	return res, nil
}

// DecodeFile opens path and decodes it.
func DecodeFile(path string) (*Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	return Decode(filepath.Base(path), f)
}

func decodeWorkbook(r io.Reader) ([][]string, string, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, "", fmt.Errorf("open workbook: %w", err)
	}
	defer f.Close()

	name, err := firstVisibleSheet(f.GetSheetList(), f.GetSheetVisible)
	if err != nil {
		return nil, "", err
	}

	rows, err := f.GetRows(name)
	if err != nil {
		return nil, "", fmt.Errorf("read sheet %q: %w", name, err)
	}
	return rows, name, nil
}

// firstVisibleSheet returns the first sheet in workbook order that is not hidden.
func firstVisibleSheet(names []string, visible func(string) (bool, error)) (string, error) {
	for _, name := range names {
		ok, err := visible(name)
		if err != nil {
			return "", fmt.Errorf("sheet %q visibility: %w", name, err)
		}
		if ok {
			return name, nil
		}
	}
	return "", ErrNoVisibleSheet
}

func decodeCSV(r io.Reader) ([][]string, error) {
	cr := csv.NewReader(NewTextReader(r))
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true

	rows, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("invalid csv: %w", err)
	}
	return rows, nil
}

// padRows extends short rows to the width of row 0.
func padRows(rows [][]string) [][]string {
	if len(rows) == 0 {
		return rows
	}
	width := len(rows[0])
	for i := 1; i < len(rows); i++ {
		// Rows with no cells are left empty for the extractor to skip.
		if n := len(rows[i]); n > 0 && n < width {
			padded := make([]string, width)
			copy(padded, rows[i])
			rows[i] = padded
		}
	}
	return rows
}
