// Package testutil provides shared test utilities and mocks.
//
// All mocks in this package are designed for testing the core components in
// isolation without external dependencies.
package testutil

import (
	"context"
	"sync"

	"github.com/0xfauzi/rlm-core/rlmcore/artifact"
	"github.com/0xfauzi/rlm-core/rlmcore/executor"
)

// =============================================================================
// CORPUS BUILDER
// =============================================================================

// BuildCorpus ingests the given texts under deterministic ids doc0, doc1,
// ... and returns the store plus a descriptor listing them in order.
func BuildCorpus(texts ...string) (*artifact.MemoryStore, executor.ContextDescriptor) {
	store := artifact.NewMemoryStore()
	descriptor := executor.ContextDescriptor{SessionID: "sess_test"}
	for i, text := range texts {
		docID := "doc" + string(rune('0'+i))
		if err := store.Put(docID, []byte(text)); err != nil {
			panic(err)
		}
		descriptor.Documents = append(descriptor.Documents, docID)
	}
	return store, descriptor
}

// =============================================================================
// FLAKY READER
// =============================================================================

// FlakyReader fails the first Failures reads with a TransportError, then
// delegates. Use it to exercise retry behavior.
type FlakyReader struct {
	Inner    artifact.CanonicalReader
	Failures int
	Cause    error

	// Attempts counts Read calls including failures.
	Attempts int

	mu sync.Mutex
}

// Read implements artifact.CanonicalReader.
func (r *FlakyReader) Read(ctx context.Context, docID string, start, end uint64) ([]byte, error) {
	r.mu.Lock()
	r.Attempts++
	fail := r.Attempts <= r.Failures
	r.mu.Unlock()

	if fail {
		return nil, artifact.NewTransportError("read", r.Cause)
	}
	return r.Inner.Read(ctx, docID, start, end)
}

// Length implements artifact.CanonicalReader.
func (r *FlakyReader) Length(ctx context.Context, docID string) (uint64, error) {
	return r.Inner.Length(ctx, docID)
}

// Exists implements artifact.CanonicalReader.
func (r *FlakyReader) Exists(ctx context.Context, docID string) (bool, error) {
	return r.Inner.Exists(ctx, docID)
}

// =============================================================================
// COUNTING READER
// =============================================================================

// CountingReader counts reads against a backing reader. Use it to assert
// cache behavior.
type CountingReader struct {
	Inner artifact.CanonicalReader

	Reads   int
	Lengths int

	mu sync.Mutex
}

// Read implements artifact.CanonicalReader.
func (r *CountingReader) Read(ctx context.Context, docID string, start, end uint64) ([]byte, error) {
	r.mu.Lock()
	r.Reads++
	r.mu.Unlock()
	return r.Inner.Read(ctx, docID, start, end)
}

// Length implements artifact.CanonicalReader.
func (r *CountingReader) Length(ctx context.Context, docID string) (uint64, error) {
	r.mu.Lock()
	r.Lengths++
	r.mu.Unlock()
	return r.Inner.Length(ctx, docID)
}

// Exists implements artifact.CanonicalReader.
func (r *CountingReader) Exists(ctx context.Context, docID string) (bool, error) {
	return r.Inner.Exists(ctx, docID)
}

// =============================================================================
// RECORDING LOGGER
// =============================================================================

// LogEntry records one logger call.
type LogEntry struct {
	Level  string
	Msg    string
	Fields []any
}

// RecordingLogger captures log calls for assertions.
type RecordingLogger struct {
	Entries []LogEntry
	mu      sync.Mutex
}

func (l *RecordingLogger) record(level, msg string, fields []any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Entries = append(l.Entries, LogEntry{Level: level, Msg: msg, Fields: fields})
}

// Debug implements the Logger interface.
func (l *RecordingLogger) Debug(msg string, keysAndValues ...any) {
	l.record("debug", msg, keysAndValues)
}

// Info implements the Logger interface.
func (l *RecordingLogger) Info(msg string, keysAndValues ...any) {
	l.record("info", msg, keysAndValues)
}

// Warn implements the Logger interface.
func (l *RecordingLogger) Warn(msg string, keysAndValues ...any) {
	l.record("warn", msg, keysAndValues)
}

// Error implements the Logger interface.
func (l *RecordingLogger) Error(msg string, keysAndValues ...any) {
	l.record("error", msg, keysAndValues)
}

// Has reports whether a message was logged at any level.
func (l *RecordingLogger) Has(msg string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, entry := range l.Entries {
		if entry.Msg == msg {
			return true
		}
	}
	return false
}
