package core

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/JonMunkholm/sheetsync/internal/sheet"
)

func TestMapError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode string
	}{
		{"nil error returns empty", nil, ""},
		{"empty input", ErrEmptyInput, "FILE005"},
		{"wrapped empty input", fmt.Errorf("extract answers.xlsx: %w", ErrEmptyInput), "FILE005"},
		{"unsupported format", fmt.Errorf("decode: %w", sheet.ErrUnsupportedFormat), "FILE002"},
		{"hidden workbook", sheet.ErrNoVisibleSheet, "FILE006"},
		{"busy", ErrTooManyUploads, "UPL002"},
		{"run not found", fmt.Errorf("%w: abc", ErrRunNotFound), "UPL003"},
		{"cancelled", context.Canceled, "UPL004"},
		{"deadline", fmt.Errorf("query: %w", context.DeadlineExceeded), "UPL005"},
		{"connection refused", errors.New("dial tcp 127.0.0.1:5432: connect: connection refused"), "STO001"},
		{"missing relation", errors.New(`ERROR: relation "responses" does not exist (SQLSTATE 42P01)`), "STO002"},
		{"missing sqlite table", errors.New("SQL logic error: no such table: responses (1)"), "STO002"},
		{"permission", errors.New("ERROR: permission denied for table responses"), "STO003"},
		{"body too large", errors.New("http: request body too large"), "FILE001"},
		{"case insensitive", errors.New("RATE LIMIT exceeded"), "RATE001"},
		{"unknown", errors.New("some random internal error"), "ERR000"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := MapError(tt.err)
			if got.Code != tt.wantCode {
				t.Errorf("MapError(%v).Code = %q, want %q", tt.err, got.Code, tt.wantCode)
			}
			if tt.err != nil && got.Message == "" {
				t.Errorf("MapError(%v).Message is empty", tt.err)
			}
		})
	}
}

func TestFormatUserError(t *testing.T) {
	got := FormatUserError(ErrTooManyUploads)
	want := "Too many uploads in progress (Code: UPL002). Please wait a moment and try again"
	if got != want {
		t.Errorf("FormatUserError() = %q, want %q", got, want)
	}

	if got := FormatUserError(nil); got != "" {
		t.Errorf("FormatUserError(nil) = %q, want empty", got)
	}
}

func TestIsUserFacing(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{ErrEmptyInput, true},
		{errors.New("connection refused"), true},
		{errors.New("nil pointer dereference"), false},
	}

	for _, tt := range tests {
		if got := IsUserFacing(tt.err); got != tt.want {
			t.Errorf("IsUserFacing(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestOutcomeMessage(t *testing.T) {
	tests := []struct {
		kind OutcomeKind
		want string
	}{
		{OutcomeNotFound, "REC001"},
		{OutcomeAccessError, "REC002"},
		{OutcomeNoOp, "REC003"},
		{OutcomeUpdateFailed, "REC004"},
		{OutcomeUpdated, ""},
	}

	for _, tt := range tests {
		if got := OutcomeMessage(tt.kind).Code; got != tt.want {
			t.Errorf("OutcomeMessage(%v).Code = %q, want %q", tt.kind, got, tt.want)
		}
	}
}
