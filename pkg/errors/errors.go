// Package errors defines the flat error taxonomy shared by all pipeline
// components. Every failure surfaced to a caller carries a Kind, a stable
// error code, and an optional wrapped cause.
package errors

import (
	"errors"
	"fmt"
)

// Kind classifies an error into one of the taxonomy categories.
type Kind string

const (
	// KindDocument signals the driver could not open, read, save, or
	// restore a file.
	KindDocument Kind = "document"
	// KindDriver signals an automation primitive failed mid-call.
	KindDriver Kind = "driver"
	// KindLLMTransport covers timeouts, connection resets and non-2xx
	// responses from the LLM endpoint.
	KindLLMTransport Kind = "llm_transport"
	// KindLLMAuth signals authentication failure against the LLM endpoint.
	KindLLMAuth Kind = "llm_auth"
	// KindLLMFormat signals the response could not be parsed as JSON after
	// the retry budget was exhausted.
	KindLLMFormat Kind = "llm_format"
	// KindLLMCancelled signals the LLM call was cancelled cooperatively.
	KindLLMCancelled Kind = "llm_cancelled"
	// KindPlanValidation signals the LLM output failed root-level schema
	// validation and is not recoverable.
	KindPlanValidation Kind = "plan_validation"
	// KindFormatProtection signals a task was blocked by an authorization
	// gate.
	KindFormatProtection Kind = "format_protection"
	// KindTaskExecution signals a locator miss or a rejected mutation,
	// scoped to a single task.
	KindTaskExecution Kind = "task_execution"
	// KindConfiguration signals missing credentials, an unsupported input
	// file type, or malformed config.
	KindConfiguration Kind = "configuration"
	// KindCancelled signals cooperative cancellation of the run.
	KindCancelled Kind = "cancelled"
)

// Error is the typed error carried across component boundaries.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s [%s]: %s: %v", e.Kind, e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s [%s]: %s", e.Kind, e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a typed error with the default code for the kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Code: DefaultCode(kind), Message: message}
}

// Newf creates a typed error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return New(kind, fmt.Sprintf(format, args...))
}

// Wrap wraps a cause with a typed error.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Code: DefaultCode(kind), Message: message, Err: err}
}

// WithCode overrides the error code.
func (e *Error) WithCode(code string) *Error {
	e.Code = code
	return e
}

// IsKind reports whether err or any error in its chain has the given kind.
func IsKind(err error, kind Kind) bool {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind == kind
	}
	return false
}

// KindOf returns the kind of err, or an empty Kind for untyped errors.
func KindOf(err error) Kind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return ""
}

// CodeOf returns the error code of err, or "" for untyped errors.
func CodeOf(err error) string {
	var te *Error
	if errors.As(err, &te) {
		return te.Code
	}
	return ""
}

// DefaultCode maps a kind to its primary error code.
func DefaultCode(kind Kind) string {
	switch kind {
	case KindDocument:
		return "DOC_001"
	case KindDriver:
		return "DRV_001"
	case KindLLMTransport:
		return "LLM_001"
	case KindLLMAuth:
		return "LLM_002"
	case KindLLMFormat:
		return "LLM_003"
	case KindLLMCancelled:
		return "LLM_004"
	case KindPlanValidation:
		return "PLAN_001"
	case KindFormatProtection:
		return "FMT_001"
	case KindTaskExecution:
		return "TASK_001"
	case KindConfiguration:
		return "CFG_001"
	case KindCancelled:
		return "CANCELLED"
	default:
		return "UNKNOWN"
	}
}

// suggestions holds the fixed remediation hints printed under --verbose,
// keyed by error code.
var suggestions = map[string][]string{
	"DOC_001": {
		"Check that the document exists and is not open in another program",
		"Verify the file is a supported .docx document",
	},
	"DOC_002": {
		"The document could not be saved; check disk space and permissions",
	},
	"DOC_003": {
		"Restore from the backup file next to the original document",
		"The original file may be in an inconsistent state",
	},
	"DRV_001": {
		"Retry the operation; the document driver reported a transient failure",
	},
	"LLM_001": {
		"Check network connectivity to the LLM endpoint",
		"Retry later; the service may be rate limiting requests",
	},
	"LLM_002": {
		"Verify the API key environment variable is set and valid",
	},
	"LLM_003": {
		"The model did not return valid JSON; try a different model",
	},
	"LLM_004": {
		"The request was cancelled before completion",
	},
	"PLAN_001": {
		"The model response did not match the task schema",
		"Re-run with --verbose to inspect the raw response",
	},
	"FMT_001": {
		"A format change without annotation authorization was blocked",
		"Add a reviewer annotation that explicitly requests the change",
	},
	"TASK_001": {
		"The task locator did not match any document content",
	},
	"TASK_002": {
		"The mutation was rejected by the document driver",
	},
	"CFG_001": {
		"Set the required API key environment variables",
		"Run 'margo check' to validate the environment",
	},
}

// Suggestions returns the fixed hint list for a code. The returned slice
// must not be modified.
func Suggestions(code string) []string {
	return suggestions[code]
}

// As is a convenience re-export so callers do not need to import both this
// package and the standard library errors package.
func As(err error, target any) bool { return errors.As(err, target) }

// Is re-exports the standard library errors.Is.
func Is(err, target error) bool { return errors.Is(err, target) }
