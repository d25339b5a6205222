package sandbox

import (
	"fmt"
)

// =============================================================================
// SANDBOX ERRORS
// =============================================================================

// RangeError is raised when a program addresses bytes outside a document.
type RangeError struct {
	DocumentID string
	Start      int64
	End        int64
	Length     uint64
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("RangeError: [%d, %d) out of bounds for document %s (length %d)",
		e.Start, e.End, e.DocumentID, e.Length)
}

// DocNotFoundError is raised when a program references an unknown document.
type DocNotFoundError struct {
	Ref string
}

func (e *DocNotFoundError) Error() string {
	return fmt.Sprintf("DocNotFound: %s", e.Ref)
}

// MultiFinalError is raised when a step calls FINAL more than once.
type MultiFinalError struct{}

func (e *MultiFinalError) Error() string {
	return "MultiFinal: FINAL called more than once in a step"
}

// LimitError carries a tripped cap out of the running program.
type LimitError struct {
	Kind string
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("limit exceeded: %s", e.Kind)
}

// FinalSignal is the terminal unwinding raised by tool.FINAL. The executor
// catches it as the step's normal terminal condition.
type FinalSignal struct{}

func (e *FinalSignal) Error() string {
	return "final"
}

// NonJSONError is raised when a value cannot cross the JSON boundary.
type NonJSONError struct {
	Message string
}

func (e *NonJSONError) Error() string {
	return fmt.Sprintf("NonJsonState: %s", e.Message)
}
