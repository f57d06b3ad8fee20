package journal

import (
	"errors"
	"fmt"
)

// Sentinel errors for journal operations.
var (
	// ErrDocumentNotFound indicates no journal exists for the task.
	ErrDocumentNotFound = errors.New("progress document not found")

	// ErrDocumentExists indicates Start found an existing journal.
	ErrDocumentExists = errors.New("progress document already exists")

	// ErrCorruptDocument indicates the on-disk journal is not well-formed.
	ErrCorruptDocument = errors.New("corrupt progress document")

	// ErrInvalidTaskID indicates a task handle that does not match TaskIDPattern.
	ErrInvalidTaskID = errors.New("invalid task id")

	// ErrInvalidPayload indicates an event payload missing a required field.
	ErrInvalidPayload = errors.New("invalid event payload")
)

// CorruptError describes why a journal failed validation.
type CorruptError struct {
	TaskID string
	Reason string
}

// Error implements the error interface.
func (e *CorruptError) Error() string {
	return fmt.Sprintf("progress document %s: %s", e.TaskID, e.Reason)
}

// Unwrap returns ErrCorruptDocument for errors.Is support.
func (e *CorruptError) Unwrap() error {
	return ErrCorruptDocument
}

// IsNotFound returns true if the journal does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrDocumentNotFound)
}

// IsCorrupt returns true if the journal failed validation.
func IsCorrupt(err error) bool {
	return errors.Is(err, ErrCorruptDocument)
}
