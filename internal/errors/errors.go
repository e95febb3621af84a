// Package apperrors defines the error taxonomy shared across the onboarding
// service: lookup failures, duplicate credentials, schema mismatches in the
// panel database, template problems, and lock/creation timeouts.
package apperrors

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound indicates the inbound, client, or pending request does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict indicates a duplicate email or UUID (or a duplicate pending request).
	ErrConflict = errors.New("already exists")

	// ErrLockTimeout indicates the store lock could not be acquired within the wait bound.
	ErrLockTimeout = errors.New("lock wait timed out")

	// ErrInvalidInput indicates caller-supplied data that fails validation.
	ErrInvalidInput = errors.New("invalid input")

	// ErrLinkUnavailable indicates the client was created but no share link
	// could be rendered. Callers must treat this as partial success: the minted
	// UUID is still reported.
	ErrLinkUnavailable = errors.New("share link unavailable")
)

// SchemaError reports a required table or column that could not be resolved in
// the panel database, or a malformed JSON field. It always names the specific
// missing pieces so an operator can fix the deployment without log-diving.
type SchemaError struct {
	Table   string
	Missing []string // logical field names that did not resolve
	Columns []string // physical columns actually present, for diagnostics
	Reason  string
}

func (e *SchemaError) Error() string {
	var b strings.Builder
	b.WriteString("schema error")
	if e.Table != "" {
		fmt.Fprintf(&b, " in table %q", e.Table)
	}
	if len(e.Missing) > 0 {
		fmt.Fprintf(&b, ": missing %s", strings.Join(e.Missing, ", "))
	}
	if e.Reason != "" {
		fmt.Fprintf(&b, ": %s", e.Reason)
	}
	if len(e.Columns) > 0 {
		fmt.Fprintf(&b, " (columns: %s)", strings.Join(e.Columns, ", "))
	}
	return b.String()
}

// IsSchemaError checks if an error is a SchemaError.
func IsSchemaError(err error) bool {
	var se *SchemaError
	return errors.As(err, &se)
}

// TemplateError reports an unparsable share-link template or one missing
// REALITY-required fields.
type TemplateError struct {
	Missing []string // required query parameters absent from the template
	Reason  string
}

func (e *TemplateError) Error() string {
	if len(e.Missing) > 0 {
		return fmt.Sprintf("invalid template: missing %s", strings.Join(e.Missing, ", "))
	}
	return fmt.Sprintf("invalid template: %s", e.Reason)
}

// IsTemplateError checks if an error is a TemplateError.
func IsTemplateError(err error) bool {
	var te *TemplateError
	return errors.As(err, &te)
}

// CreationError reports a failed or timed-out external credential creation
// step. Output carries the tail of the helper's raw output for diagnostics.
type CreationError struct {
	Output string
	Err    error
}

func (e *CreationError) Error() string {
	if e.Output != "" {
		return fmt.Sprintf("credential creation failed: %v: %s", e.Err, e.Output)
	}
	return fmt.Sprintf("credential creation failed: %v", e.Err)
}

func (e *CreationError) Unwrap() error { return e.Err }

// IsCreationError checks if an error is a CreationError.
func IsCreationError(err error) bool {
	var ce *CreationError
	return errors.As(err, &ce)
}

// TailOf returns the last n bytes of raw process output with carriage returns
// stripped, for attaching to CreationError and operator-facing messages.
func TailOf(s string, n int) string {
	s = strings.TrimSpace(strings.ReplaceAll(s, "\r", ""))
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
