package artifact

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// MemoryStore holds canonical texts in memory. Documents are written once by
// ingestion and read-only thereafter.
type MemoryStore struct {
	docs map[string][]byte
	mu   sync.RWMutex
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs: make(map[string][]byte),
	}
}

// Put stores the canonical text for docID. Overwriting an existing document
// is an error: canonical text is immutable once ingested.
func (s *MemoryStore) Put(docID string, body []byte) error {
	if docID == "" {
		return fmt.Errorf("document id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.docs[docID]; exists {
		return fmt.Errorf("document already ingested: %s", docID)
	}

	owned := make([]byte, len(body))
	copy(owned, body)
	s.docs[docID] = owned
	return nil
}

// PutText ingests body under a generated document id and returns the id.
func (s *MemoryStore) PutText(body string) (string, error) {
	docID := "doc_" + uuid.New().String()[:16]
	if err := s.Put(docID, []byte(body)); err != nil {
		return "", err
	}
	return docID, nil
}

// Read implements CanonicalReader.
func (s *MemoryStore) Read(ctx context.Context, docID string, start, end uint64) ([]byte, error) {
	s.mu.RLock()
	body, exists := s.docs[docID]
	s.mu.RUnlock()

	if !exists {
		return nil, NewNotFoundError(docID)
	}
	if err := CheckRange(docID, start, end, uint64(len(body))); err != nil {
		return nil, err
	}

	out := make([]byte, end-start)
	copy(out, body[start:end])
	return out, nil
}

// Length implements CanonicalReader.
func (s *MemoryStore) Length(ctx context.Context, docID string) (uint64, error) {
	s.mu.RLock()
	body, exists := s.docs[docID]
	s.mu.RUnlock()

	if !exists {
		return 0, NewNotFoundError(docID)
	}
	return uint64(len(body)), nil
}

// Exists implements CanonicalReader.
func (s *MemoryStore) Exists(ctx context.Context, docID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, exists := s.docs[docID]
	return exists, nil
}

// Ensure MemoryStore implements CanonicalReader
var _ CanonicalReader = (*MemoryStore)(nil)
