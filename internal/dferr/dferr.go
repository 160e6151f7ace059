// Package dferr defines the error taxonomy shared by the document
// ingestion pipeline. Every failure that can terminate a document is
// classified into one of the kinds below; the ledger renders errors as
// "{kind}: {detail}" so operators can triage without reading stack traces.
package dferr

import (
	"errors"
	"fmt"
)

// Kind classifies a pipeline failure.
type Kind string

const (
	KindParse         Kind = "ParseError"         // malformed XML
	KindValidation    Kind = "ValidationError"    // schema, structural or required-field failure
	KindConfiguration Kind = "ConfigurationError" // missing interface, rules or XSD
	KindTransform     Kind = "TransformError"     // transformation or type coercion failed
	KindPersistence   Kind = "PersistenceError"   // repository call failed after retries
	KindCircuitOpen   Kind = "CircuitOpen"        // dependency currently unavailable
	KindTimeout       Kind = "Timeout"            // per-call or end-to-end deadline exceeded
	KindInterrupted   Kind = "Interrupted"        // graceful or forced cancellation
)

// Error carries a classified pipeline failure. FieldPath is set for
// validation and transform errors that can name the offending location.
type Error struct {
	Kind      Kind   // Failure classification
	Detail    string // Human-readable reason
	FieldPath string // XPath or column that failed, when known
	Err       error  // Underlying cause, when any
}

func (e *Error) Error() string {
	if e.FieldPath != "" {
		return fmt.Sprintf("%s: %s (field %s)", e.Kind, e.Detail, e.FieldPath)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a classified error from a detail string.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error, keeping it reachable via errors.Is/As.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...), Err: err}
}

// Field builds a classified error that names the failing field or path.
func Field(kind Kind, fieldPath, format string, args ...any) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...), FieldPath: fieldPath}
}

// KindOf extracts the classification of err. Unclassified errors report
// KindPersistence when they bubble out of a repository and would otherwise
// be invisible to the ledger, so the fallback here is the generic kind "".
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Is reports whether err carries the given kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
