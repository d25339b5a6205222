// Package spanlog records the byte ranges a sandboxed program observed.
//
// A Log is append-only while its step runs and sealed (immutable) when the
// step ends. Entries appear in observation order; duplicates are allowed and
// adjacent or overlapping ranges are never coalesced - coalescing is a
// citation-engine concern.
package spanlog

import (
	"fmt"

	"github.com/0xfauzi/rlm-core/rlmcore/artifact"
)

// Entry is one observed byte range. PayloadSHA256 is the sha256 of the
// canonical bytes in [Start, End).
type Entry struct {
	DocumentID    string `json:"doc_id"`
	Start         uint64 `json:"start"`
	End           uint64 `json:"end"`
	PayloadSHA256 string `json:"sha256"`
	Label         string `json:"label,omitempty"`
}

// NewEntry builds an Entry, computing the payload checksum.
func NewEntry(docID string, start, end uint64, payload []byte, label string) Entry {
	return Entry{
		DocumentID:    docID,
		Start:         start,
		End:           end,
		PayloadSHA256: artifact.SHA256Hex(payload),
		Label:         label,
	}
}

// SealedError is raised when appending to a sealed log.
type SealedError struct{}

func (e *SealedError) Error() string {
	return "span log is sealed"
}

// CapacityError is raised when a log exceeds its configured entry cap.
type CapacityError struct {
	Capacity int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("span log capacity exceeded (%d entries)", e.Capacity)
}

// Log is the per-step span log. A step is single-threaded, so the log takes
// no locks; ownership transfers to the execution record once sealed.
type Log struct {
	entries  []Entry
	capacity int
	sealed   bool
}

// NewLog creates a Log holding at most capacity entries. capacity <= 0 means
// unbounded.
func NewLog(capacity int) *Log {
	return &Log{capacity: capacity}
}

// Append records an entry in observation order.
func (l *Log) Append(e Entry) error {
	if l.sealed {
		return &SealedError{}
	}
	if l.capacity > 0 && len(l.entries) >= l.capacity {
		return &CapacityError{Capacity: l.capacity}
	}
	l.entries = append(l.entries, e)
	return nil
}

// Len returns the number of recorded entries.
func (l *Log) Len() int {
	return len(l.entries)
}

// Iter returns a copy of the entries in observation order.
func (l *Log) Iter() []Entry {
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Seal makes the log immutable. Sealing twice is a no-op.
func (l *Log) Seal() {
	l.sealed = true
}

// Sealed reports whether the log has been sealed.
func (l *Log) Sealed() bool {
	return l.sealed
}

// Covers reports whether [start, end) of docID lies inside at least one
// logged entry for the same document.
func (l *Log) Covers(docID string, start, end uint64) bool {
	for _, e := range l.entries {
		if e.DocumentID == docID && e.Start <= start && end <= e.End {
			return true
		}
	}
	return false
}
