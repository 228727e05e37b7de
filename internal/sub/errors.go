package sub

import (
	"fmt"
	"strings"

	"github.com/medusa-proxy/medusa/internal/model"
)

const (
	CodeUnsupportedScheme = "SUB_UNSUPPORTED_SCHEME"
	CodeMalformedURI      = "SUB_MALFORMED_URI"
	CodeNotImplemented    = "SUB_NOT_IMPLEMENTED"
)

// ParseError is a line-level parse failure. It is always recovered into the
// conversion report, never surfaced as a pipeline failure.
type ParseError struct {
	AppError model.AppError
	Cause    error
}

func (e *ParseError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.AppError.Code, e.AppError.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.AppError.Code, e.AppError.Message, e.Cause)
}

func (e *ParseError) Unwrap() error { return e.Cause }

// malformed builds the error for a missing or unparseable required field.
// The parser fills in source URL and line number afterwards.
func malformed(field, message, line string, cause error) error {
	return &ParseError{
		AppError: model.AppError{
			Code:    CodeMalformedURI,
			Message: message,
			Stage:   "parse",
			Field:   field,
			Snippet: truncateSnippet(line, 200),
		},
		Cause: cause,
	}
}

func truncateSnippet(s string, max int) string {
	s = strings.ReplaceAll(s, "\r", "")
	s = strings.ReplaceAll(s, "\n", "")
	if max <= 0 {
		return ""
	}
	if len(s) <= max {
		return s
	}
	return s[:max]
}
