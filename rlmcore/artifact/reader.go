// Package artifact provides read access to the canonical text of ingested
// documents.
//
// The canonical text is the sole source of truth for citations: a reader
// must return the stored bytes exactly, never truncated, re-encoded, or
// normalized. Readers are pure functions of (doc_id, start, end) and are
// safe to retry.
package artifact

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
)

// CanonicalReader reads byte ranges from the canonical text of a document.
//
// Read returns exactly end-start bytes for the half-open range [start, end).
// All methods must be deterministic, idempotent, and safe under concurrent
// use.
type CanonicalReader interface {
	Read(ctx context.Context, docID string, start, end uint64) ([]byte, error)
	Length(ctx context.Context, docID string) (uint64, error)
	Exists(ctx context.Context, docID string) (bool, error)
}

// CheckRange validates a half-open byte range against a document length.
func CheckRange(docID string, start, end, length uint64) error {
	if start > end || end > length {
		return NewOutOfRangeError(docID, start, end, length)
	}
	return nil
}

// SHA256Hex returns the lowercase hex sha256 of payload.
func SHA256Hex(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
