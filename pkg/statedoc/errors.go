package statedoc

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for state document operations.
var (
	// ErrStateNotFound indicates the state document does not exist.
	ErrStateNotFound = errors.New("state document not found")

	// ErrStateExists indicates Init found an existing document.
	ErrStateExists = errors.New("state document already exists")

	// ErrInvalidStateDocument indicates the document is not structurally
	// usable (not JSON, or wrong JSON types).
	ErrInvalidStateDocument = errors.New("invalid state document")

	// ErrSchemaNotFound indicates the embedded schema is missing.
	ErrSchemaNotFound = errors.New("state document schema not found")
)

// Diagnostic is one schema violation.
type Diagnostic struct {
	// Pointer is the JSON pointer to the offending value (e.g. "/shepherds/shepherd-1/issue").
	Pointer string `json:"pointer"`

	// Message describes the violation.
	Message string `json:"message"`
}

// InvalidStateDocumentError lists why a document could not be loaded.
type InvalidStateDocumentError struct {
	Path        string
	Diagnostics []Diagnostic
	Cause       error
}

// Error implements the error interface.
func (e *InvalidStateDocumentError) Error() string {
	var b strings.Builder
	b.WriteString("invalid state document")
	if e.Path != "" {
		b.WriteString(" ")
		b.WriteString(e.Path)
	}
	if e.Cause != nil {
		fmt.Fprintf(&b, ": %v", e.Cause)
	}
	for _, d := range e.Diagnostics {
		fmt.Fprintf(&b, "\n  - %s: %s", d.Pointer, d.Message)
	}
	return b.String()
}

// Unwrap returns ErrInvalidStateDocument for errors.Is support.
func (e *InvalidStateDocumentError) Unwrap() error {
	return ErrInvalidStateDocument
}

// IsNotFound returns true if the document does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrStateNotFound)
}

// IsInvalid returns true if the document failed structural validation.
func IsInvalid(err error) bool {
	return errors.Is(err, ErrInvalidStateDocument)
}
