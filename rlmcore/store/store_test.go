package store_test

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0xfauzi/rlm-core/rlmcore/artifact"
	"github.com/0xfauzi/rlm-core/rlmcore/citation"
	"github.com/0xfauzi/rlm-core/rlmcore/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)

	s, err := store.NewFromDB(db)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// =============================================================================
// DOCUMENT PERSISTENCE
// =============================================================================

func TestStoreDocumentRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutDocument(ctx, "doc0", []byte("Alpha Beta Gamma")))

	body, err := s.Read(ctx, "doc0", 6, 10)
	require.NoError(t, err)
	assert.Equal(t, []byte("Beta"), body)

	length, err := s.Length(ctx, "doc0")
	require.NoError(t, err)
	assert.Equal(t, uint64(16), length)

	exists, err := s.Exists(ctx, "doc0")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestStoreDocumentImmutable(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutDocument(ctx, "doc0", []byte("v1")))
	assert.Error(t, s.PutDocument(ctx, "doc0", []byte("v2")))

	body, err := s.Read(ctx, "doc0", 0, 2)
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), body)
}

func TestStoreReaderErrors(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Read(ctx, "ghost", 0, 1)
	var notFound *artifact.NotFoundError
	require.ErrorAs(t, err, &notFound)

	require.NoError(t, s.PutDocument(ctx, "doc0", []byte("abc")))
	_, err = s.Read(ctx, "doc0", 0, 10)
	var outOfRange *artifact.OutOfRangeError
	require.ErrorAs(t, err, &outOfRange)

	exists, err := s.Exists(ctx, "ghost")
	require.NoError(t, err)
	assert.False(t, exists)
}

// =============================================================================
// EXECUTION PERSISTENCE
// =============================================================================

func TestStoreExecutionRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	refs := []citation.SpanRef{
		{DocumentID: "doc0", Start: 0, End: 5, SHA256: artifact.SHA256Hex([]byte("Alpha")), Preview: "Alpha Beta"},
		{DocumentID: "doc0", Start: 6, End: 10, SHA256: artifact.SHA256Hex([]byte("Beta")), Preview: "Alpha Beta Gamma"},
	}
	row := store.ExecutionRow{
		ID:              "exec_test",
		SessionID:       "sess_test",
		Terminated:      true,
		TerminalOutcome: "final",
		Answer:          "A",
	}
	require.NoError(t, s.SaveExecution(ctx, row, refs))

	loaded, err := s.LoadSpanRefs(ctx, "exec_test")
	require.NoError(t, err)
	assert.Equal(t, refs, loaded)
}

func TestStoreSaveExecutionReplacesRefs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	row := store.ExecutionRow{ID: "exec_test", SessionID: "sess_test"}
	first := []citation.SpanRef{{DocumentID: "doc0", Start: 0, End: 1, SHA256: "aa", Preview: "a"}}
	require.NoError(t, s.SaveExecution(ctx, row, first))

	row.Terminated = true
	row.TerminalOutcome = "final"
	second := []citation.SpanRef{{DocumentID: "doc0", Start: 2, End: 3, SHA256: "bb", Preview: "b"}}
	require.NoError(t, s.SaveExecution(ctx, row, second))

	loaded, err := s.LoadSpanRefs(ctx, "exec_test")
	require.NoError(t, err)
	assert.Equal(t, second, loaded)
}

func TestStoreLoadSpanRefsUnknownExecution(t *testing.T) {
	s := newTestStore(t)

	refs, err := s.LoadSpanRefs(context.Background(), "ghost")
	require.NoError(t, err)
	assert.Empty(t, refs)
}
