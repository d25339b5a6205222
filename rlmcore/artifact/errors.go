package artifact

import (
	"errors"
	"fmt"
)

// =============================================================================
// READER ERRORS
// =============================================================================

// NotFoundError is raised when a document is not ready in the store.
type NotFoundError struct {
	DocumentID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("document not found: %s", e.DocumentID)
}

// NewNotFoundError creates a new NotFoundError.
func NewNotFoundError(docID string) *NotFoundError {
	return &NotFoundError{DocumentID: docID}
}

// OutOfRangeError is raised when a byte range falls outside the canonical text.
type OutOfRangeError struct {
	DocumentID string
	Start      uint64
	End        uint64
	Length     uint64
}

func (e *OutOfRangeError) Error() string {
	return fmt.Sprintf("range [%d, %d) out of bounds for document %s (length %d)",
		e.Start, e.End, e.DocumentID, e.Length)
}

// NewOutOfRangeError creates a new OutOfRangeError.
func NewOutOfRangeError(docID string, start, end, length uint64) *OutOfRangeError {
	return &OutOfRangeError{DocumentID: docID, Start: start, End: end, Length: length}
}

// TransportError wraps a transient backend failure. Reads that fail with a
// TransportError are safe to retry; everything else is terminal.
type TransportError struct {
	Op    string
	Cause error
}

func (e *TransportError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("transport failure during %s: %v", e.Op, e.Cause)
	}
	return fmt.Sprintf("transport failure during %s", e.Op)
}

func (e *TransportError) Unwrap() error {
	return e.Cause
}

// NewTransportError creates a new TransportError.
func NewTransportError(op string, cause error) *TransportError {
	return &TransportError{Op: op, Cause: cause}
}

// IsTransient reports whether err is a retryable transport failure.
func IsTransient(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
