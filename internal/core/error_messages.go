package core

// error_messages.go maps technical errors to user-facing messages with codes
// for support reference. Users quote the code; support looks it up here.
//
// # Record Outcomes (REC001-REC099)
//
//	REC001 - Not found: No matching entity for the record ID
//	REC002 - Access error: The datastore collection could not be queried
//	REC003 - Nothing to update: The row had neither a response nor notes
//	REC004 - Update failed: The datastore rejected the change
//
// # Store Errors (STO001-STO099)
//
//	STO001 - Connection refused: Unable to reach the datastore
//	STO002 - Missing collection: The configured table does not exist
//	STO003 - Permission denied: The datastore user cannot read or write
//	STO004 - Timeout: The datastore did not answer in time
//
// # File Errors (FILE001-FILE099)
//
//	FILE001 - File too large
//	FILE002 - Unsupported format (only .xlsx, .xlsm and .csv)
//	FILE003 - Encoding error
//	FILE004 - No file provided
//	FILE005 - Empty file: header row but no data rows
//	FILE006 - No visible sheet in the workbook
//
// # Upload Errors (UPL001-UPL099)
//
//	UPL002 - System busy: all batch slots are taken
//	UPL003 - Run not found or expired
//	UPL004 - Request cancelled
//	UPL005 - Request timed out
//
// # Rate Limiting (RATE001)
//
//	RATE001 - Too many requests
//
// # Default (ERR000)
//
// Returned when nothing matches. Check the logs for the technical error.
//
// Sentinel errors are matched first with errors.Is. Remaining errors are
// matched case-insensitively against message patterns; the first match wins.

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/JonMunkholm/sheetsync/internal/sheet"
)

// UserMessage provides user-friendly error information with actionable guidance.
type UserMessage struct {
	Message string `json:"message"` // What happened (user-friendly)
	Action  string `json:"action"`  // What to do about it
	Code    string `json:"code"`    // Error code for support reference
}

type sentinelMessage struct {
	err error
	msg UserMessage
}

var (
	msgEmptyFile = UserMessage{
		Message: "The spreadsheet has no data rows",
		Action:  "Add at least one row beneath the header and upload again",
		Code:    "FILE005",
	}
	msgUnsupported = UserMessage{
		Message: "Unsupported file format",
		Action:  "Upload an .xlsx, .xlsm or .csv file",
		Code:    "FILE002",
	}
	msgNoVisibleSheet = UserMessage{
		Message: "The workbook has no visible sheet",
		Action:  "Unhide the sheet that holds the responses",
		Code:    "FILE006",
	}
	msgBusy = UserMessage{
		Message: "Too many uploads in progress",
		Action:  "Please wait a moment and try again",
		Code:    "UPL002",
	}
	msgRunNotFound = UserMessage{
		Message: "Upload run not found",
		Action:  "The run may have expired. Check the run history",
		Code:    "UPL003",
	}
	msgCancelled = UserMessage{
		Message: "Request was cancelled",
		Action:  "Please try again",
		Code:    "UPL004",
	}
	msgTimeout = UserMessage{
		Message: "Request timed out",
		Action:  "Try a smaller file or check your connection",
		Code:    "UPL005",
	}
)

var sentinelMessages = []sentinelMessage{
	{ErrEmptyInput, msgEmptyFile},
	{sheet.ErrUnsupportedFormat, msgUnsupported},
	{sheet.ErrNoVisibleSheet, msgNoVisibleSheet},
	{ErrTooManyUploads, msgBusy},
	{ErrRunNotFound, msgRunNotFound},
	{context.Canceled, msgCancelled},
	{context.DeadlineExceeded, msgTimeout},
}

type errorPattern struct {
	pattern string
	msg     UserMessage
}

// errorPatterns are checked in order, so specific patterns come first.
var errorPatterns = []errorPattern{
	{"connection refused", UserMessage{
		Message: "Unable to reach the datastore",
		Action:  "Please try again in a few moments",
		Code:    "STO001",
	}},
	{"does not exist", UserMessage{
		Message: "The configured collection does not exist",
		Action:  "Check the RECONCILE_* collection settings",
		Code:    "STO002",
	}},
	{"no such table", UserMessage{
		Message: "The configured collection does not exist",
		Action:  "Check the RECONCILE_* collection settings",
		Code:    "STO002",
	}},
	{"permission denied", UserMessage{
		Message: "The datastore refused access",
		Action:  "Ask an administrator to grant read and update rights",
		Code:    "STO003",
	}},
	{"timeout", UserMessage{
		Message: "The datastore did not answer in time",
		Action:  "Please try again later",
		Code:    "STO004",
	}},
	{"file too large", UserMessage{
		Message: "File exceeds the maximum size limit",
		Action:  "Split the spreadsheet into smaller files",
		Code:    "FILE001",
	}},
	{"request body too large", UserMessage{
		Message: "File exceeds the maximum size limit",
		Action:  "Split the spreadsheet into smaller files",
		Code:    "FILE001",
	}},
	{"encoding error", UserMessage{
		Message: "File contains invalid characters",
		Action:  "Save the file as UTF-8",
		Code:    "FILE003",
	}},
	{"no file provided", UserMessage{
		Message: "No file was selected",
		Action:  "Please select a spreadsheet to upload",
		Code:    "FILE004",
	}},
	{"rate limit", UserMessage{
		Message: "Too many requests",
		Action:  "Please wait a moment before trying again",
		Code:    "RATE001",
	}},
}

var outcomeMessages = map[OutcomeKind]UserMessage{
	OutcomeNotFound: {
		Message: "No matching record in the datastore",
		Action:  "Check the ID in the first column",
		Code:    "REC001",
	},
	OutcomeAccessError: {
		Message: "The datastore collection could not be queried",
		Action:  "Check the store connection and collection names",
		Code:    "REC002",
	},
	OutcomeNoOp: {
		Message: "Nothing to update",
		Action:  "Fill in a response or notes for this row",
		Code:    "REC003",
	},
	OutcomeUpdateFailed: {
		Message: "The datastore rejected the update",
		Action:  "Download the failures and review the details",
		Code:    "REC004",
	},
}

// defaultMessage is returned when no pattern matches (ERR000).
var defaultMessage = UserMessage{
	Message: "An unexpected error occurred",
	Action:  "Please try again or contact support",
	Code:    "ERR000",
}

// MapError converts a technical error to a user-friendly message.
func MapError(err error) UserMessage {
	if err == nil {
		return UserMessage{}
	}

	for _, s := range sentinelMessages {
		if errors.Is(err, s.err) {
			return s.msg
		}
	}

	errStr := strings.ToLower(err.Error())
	for _, ep := range errorPatterns {
		if strings.Contains(errStr, ep.pattern) {
			return ep.msg
		}
	}

	return defaultMessage
}

// OutcomeMessage describes a failed outcome kind. Updated yields an empty message.
func OutcomeMessage(kind OutcomeKind) UserMessage {
	return outcomeMessages[kind]
}

// FormatUserError creates a formatted error string for display.
// The format is: "Message (Code: XXX). Action"
func FormatUserError(err error) string {
	msg := MapError(err)
	if msg.Message == "" {
		return ""
	}
	return fmt.Sprintf("%s (Code: %s). %s", msg.Message, msg.Code, msg.Action)
}

// IsUserFacing reports whether err maps to a specific message rather than ERR000.
func IsUserFacing(err error) bool {
	if err == nil {
		return false
	}
	return MapError(err).Code != defaultMessage.Code
}
