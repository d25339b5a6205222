package artifact

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultPageSize is the alignment of cached range reads.
const DefaultPageSize = 64 * 1024

// CachingReader caches hot ranges of a backing reader in page-aligned chunks.
// Canonical text is immutable, so cached pages never need invalidation.
type CachingReader struct {
	inner    CanonicalReader
	pageSize uint64
	pages    *lru.Cache[string, []byte]
	lengths  *lru.Cache[string, uint64]
}

// NewCachingReader creates a CachingReader holding up to maxPages pages of
// DefaultPageSize bytes each.
func NewCachingReader(inner CanonicalReader, maxPages int) (*CachingReader, error) {
	if maxPages <= 0 {
		maxPages = 256
	}
	pages, err := lru.New[string, []byte](maxPages)
	if err != nil {
		return nil, err
	}
	lengths, err := lru.New[string, uint64](maxPages)
	if err != nil {
		return nil, err
	}
	return &CachingReader{
		inner:    inner,
		pageSize: DefaultPageSize,
		pages:    pages,
		lengths:  lengths,
	}, nil
}

// Read implements CanonicalReader. The assembled bytes are exactly the
// backing store's bytes for [start, end).
func (r *CachingReader) Read(ctx context.Context, docID string, start, end uint64) ([]byte, error) {
	length, err := r.Length(ctx, docID)
	if err != nil {
		return nil, err
	}
	if err := CheckRange(docID, start, end, length); err != nil {
		return nil, err
	}
	if start == end {
		return []byte{}, nil
	}

	out := make([]byte, 0, end-start)
	firstPage := start / r.pageSize
	lastPage := (end - 1) / r.pageSize

	for page := firstPage; page <= lastPage; page++ {
		body, err := r.page(ctx, docID, page, length)
		if err != nil {
			return nil, err
		}

		pageStart := page * r.pageSize
		lo := uint64(0)
		if start > pageStart {
			lo = start - pageStart
		}
		hi := uint64(len(body))
		if end < pageStart+hi {
			hi = end - pageStart
		}
		out = append(out, body[lo:hi]...)
	}

	return out, nil
}

// page returns the cached page, fetching from the backing reader on miss.
func (r *CachingReader) page(ctx context.Context, docID string, page, length uint64) ([]byte, error) {
	key := fmt.Sprintf("%s#%d", docID, page)
	if body, ok := r.pages.Get(key); ok {
		return body, nil
	}

	pageStart := page * r.pageSize
	pageEnd := pageStart + r.pageSize
	if pageEnd > length {
		pageEnd = length
	}

	body, err := r.inner.Read(ctx, docID, pageStart, pageEnd)
	if err != nil {
		return nil, err
	}
	r.pages.Add(key, body)
	return body, nil
}

// Length implements CanonicalReader.
func (r *CachingReader) Length(ctx context.Context, docID string) (uint64, error) {
	if length, ok := r.lengths.Get(docID); ok {
		return length, nil
	}
	length, err := r.inner.Length(ctx, docID)
	if err != nil {
		return 0, err
	}
	r.lengths.Add(docID, length)
	return length, nil
}

// Exists implements CanonicalReader.
func (r *CachingReader) Exists(ctx context.Context, docID string) (bool, error) {
	if _, ok := r.lengths.Get(docID); ok {
		return true, nil
	}
	return r.inner.Exists(ctx, docID)
}

// Ensure CachingReader implements CanonicalReader
var _ CanonicalReader = (*CachingReader)(nil)
