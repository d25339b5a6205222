package spanlog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEntryComputesChecksum(t *testing.T) {
	entry := NewEntry("doc0", 0, 5, []byte("Alpha"), "")

	assert.Equal(t, "doc0", entry.DocumentID)
	assert.Equal(t, uint64(0), entry.Start)
	assert.Equal(t, uint64(5), entry.End)
	// sha256("Alpha")
	assert.Equal(t, "b1a96dd646bccaa24cef7a3db22a6f995f05658f4f1c3272913e258c03e6fb24", entry.PayloadSHA256)
}

func TestLogAppendPreservesOrder(t *testing.T) {
	log := NewLog(0)

	require.NoError(t, log.Append(NewEntry("doc0", 5, 9, []byte("Beta"), "")))
	require.NoError(t, log.Append(NewEntry("doc0", 0, 5, []byte("Alpha"), "")))
	require.NoError(t, log.Append(NewEntry("doc0", 5, 9, []byte("Beta"), "")))

	entries := log.Iter()
	require.Len(t, entries, 3)
	assert.Equal(t, uint64(5), entries[0].Start)
	assert.Equal(t, uint64(0), entries[1].Start)
	// Duplicates are allowed and never coalesced.
	assert.Equal(t, entries[0], entries[2])
}

func TestLogSealRejectsAppend(t *testing.T) {
	log := NewLog(0)
	require.NoError(t, log.Append(NewEntry("doc0", 0, 1, []byte("A"), "")))

	log.Seal()
	assert.True(t, log.Sealed())

	err := log.Append(NewEntry("doc0", 1, 2, []byte("l"), ""))
	require.Error(t, err)
	assert.IsType(t, &SealedError{}, err)
	assert.Equal(t, 1, log.Len())
}

func TestLogCapacity(t *testing.T) {
	log := NewLog(2)
	require.NoError(t, log.Append(NewEntry("doc0", 0, 1, []byte("A"), "")))
	require.NoError(t, log.Append(NewEntry("doc0", 1, 2, []byte("l"), "")))

	err := log.Append(NewEntry("doc0", 2, 3, []byte("p"), ""))
	require.Error(t, err)
	assert.IsType(t, &CapacityError{}, err)
}

func TestLogIterReturnsCopy(t *testing.T) {
	log := NewLog(0)
	require.NoError(t, log.Append(NewEntry("doc0", 0, 1, []byte("A"), "")))

	entries := log.Iter()
	entries[0].Start = 99
	assert.Equal(t, uint64(0), log.Iter()[0].Start)
}

func TestLogCovers(t *testing.T) {
	log := NewLog(0)
	require.NoError(t, log.Append(NewEntry("doc0", 10, 20, []byte("0123456789"), "")))

	assert.True(t, log.Covers("doc0", 10, 20))
	assert.True(t, log.Covers("doc0", 12, 15))
	assert.True(t, log.Covers("doc0", 15, 15))
	assert.False(t, log.Covers("doc0", 9, 15))
	assert.False(t, log.Covers("doc0", 15, 21))
	assert.False(t, log.Covers("doc1", 12, 15))
}
