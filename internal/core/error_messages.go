package core

// error_messages.go maps technical errors to operator-facing messages with
// codes that can be quoted in support requests.
//
// # Storage (DB001-DB099)
//
//	DB001 - Duplicate key          "duplicate key", "unique constraint"
//	DB004 - Connection refused     "connection refused"
//	DB005 - Connection reset       "connection reset"
//	DB006 - Timeout                "timeout"
//	DB007 - Busy / deadlock        "deadlock", "database is locked"
//	DB008 - Schema mismatch        "schema version mismatch"
//
// # Staging (STG001-STG099)
//
//	STG001 - Batch not found       "batch not found"
//	STG002 - Duplicate item key    "duplicate natural key"
//	STG003 - Batch busy            "batch is already processing"
//	STG004 - Too many batches      "too many batches"
//	STG005 - Failure not found     "failure not found"
//	STG006 - Concurrent edit       "version conflict"
//	STG007 - Item not found        "item not found"
//
// # Validation (VAL001-VAL099)
//
//	VAL001 - Unknown source        "unknown source type"
//	VAL002 - Invalid merge rules   "merge rules"
//	VAL003 - Invalid input         "invalid input"
//
// # File (FILE001-FILE099)
//
//	FILE001 - Too many rows        "too many rows"
//	FILE002 - Invalid CSV          "invalid csv"
//	FILE003 - Encoding error       "encoding error"
//	FILE005 - Empty file           "empty file"
//
// # Request (REQ001-REQ099)
//
//	REQ001 - Cancelled             "context canceled"
//	REQ002 - Deadline              "context deadline exceeded"
//
// Patterns are matched case-insensitively with strings.Contains and the first
// match wins, so specific patterns precede general ones. ERR000 is the
// fallback; the original error is in the logs.

import (
	"fmt"
	"strings"
)

// UserMessage provides operator-facing error information.
type UserMessage struct {
	Message string `json:"message"`
	Action  string `json:"action"`
	Code    string `json:"code"`
}

type errorPattern struct {
	pattern string
	msg     UserMessage
}

var errorPatterns = []errorPattern{
	// Staging
	{"batch not found", UserMessage{"Batch not found", "Check the batch id", "STG001"}},
	{"duplicate natural key", UserMessage{"The input lists the same item more than once", "Remove duplicate item ids and resubmit", "STG002"}},
	{"batch is already processing", UserMessage{"This batch is already being processed", "Wait for the current run to finish", "STG003"}},
	{"too many batches", UserMessage{"System is busy processing other batches", "Please wait a moment and try again", "STG004"}},
	{"failure not found", UserMessage{"Failure record not found", "Check the failure id", "STG005"}},
	{"version conflict", UserMessage{"The item was changed by another batch", "Re-run the batch to merge against the latest version", "STG006"}},
	{"item not found", UserMessage{"Item not found", "Check the item id", "STG007"}},

	// Validation
	{"unknown source type", UserMessage{"Unknown source type", "Use source=automated or source=manual", "VAL001"}},
	{"merge rules", UserMessage{"Merge rules are invalid", "Fix the rules file; run 'stagectl rules check'", "VAL002"}},

	// File
	{"too many rows", UserMessage{"Input exceeds the maximum row count", "Split the file into smaller batches", "FILE001"}},
	{"invalid csv", UserMessage{"File is not a valid CSV", "Ensure file is comma-separated with consistent columns", "FILE002"}},
	{"encoding error", UserMessage{"File contains invalid characters", "Save file as UTF-8 encoding", "FILE003"}},
	{"empty file", UserMessage{"The submitted input has no data rows", "Submit a file with a header row and data rows", "FILE005"}},

	// Storage
	{"duplicate key", UserMessage{"A record with this ID already exists", "Re-run processing; the existing record will be merged", "DB001"}},
	{"unique constraint", UserMessage{"A record with this ID already exists", "Re-run processing; the existing record will be merged", "DB001"}},
	{"connection refused", UserMessage{"Unable to connect to database", "Please try again in a few moments", "DB004"}},
	{"connection reset", UserMessage{"Database connection was interrupted", "Please try again", "DB005"}},
	{"schema version mismatch", UserMessage{"Database schema is from a different release", "Migrate or recreate the database", "DB008"}},

	// Request
	{"context canceled", UserMessage{"Request was cancelled", "Please try again", "REQ001"}},
	{"context deadline exceeded", UserMessage{"Request timed out", "Resume the batch; completed entries are kept", "REQ002"}},

	// General storage patterns last, they overlap the request patterns.
	{"timeout", UserMessage{"Operation timed out", "Please try again later", "DB006"}},
	{"deadlock", UserMessage{"Database was busy with conflicting operations", "Please try again", "DB007"}},
	{"database is locked", UserMessage{"Database was busy with conflicting operations", "Please try again", "DB007"}},

	{"invalid input", UserMessage{"The request contains invalid values", "Check the request parameters", "VAL003"}},
}

var defaultMessage = UserMessage{
	Message: "An unexpected error occurred",
	Action:  "Please try again or contact support",
	Code:    "ERR000",
}

// MapError converts a technical error to a user-facing message.
// Unmatched errors map to ERR000.
func MapError(err error) UserMessage {
	if err == nil {
		return UserMessage{}
	}

	errStr := strings.ToLower(err.Error())
	for _, ep := range errorPatterns {
		if strings.Contains(errStr, ep.pattern) {
			return ep.msg
		}
	}
	return defaultMessage
}

// FormatUserError renders "Message (Code: XXX). Action".
func FormatUserError(err error) string {
	msg := MapError(err)
	if msg.Message == "" {
		return ""
	}
	return fmt.Sprintf("%s (Code: %s). %s", msg.Message, msg.Code, msg.Action)
}

// IsUserFacing reports whether err matches a known pattern.
func IsUserFacing(err error) bool {
	if err == nil {
		return false
	}
	return MapError(err).Code != defaultMessage.Code
}

// UserError pairs a technical error with its mapped message.
type UserError struct {
	Technical error
	User      UserMessage
}

func (e *UserError) Error() string {
	return e.User.Message
}

func (e *UserError) Unwrap() error {
	return e.Technical
}

// NewUserError maps err; it returns nil for a nil error.
func NewUserError(err error) *UserError {
	if err == nil {
		return nil
	}
	return &UserError{Technical: err, User: MapError(err)}
}
