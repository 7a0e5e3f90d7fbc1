package carerecords

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Collections held by the local store.
const (
	CollectionPendingChanges = "pendingChanges"
	CollectionOfflineData    = "offlineData"
)

// Record is one stored item. Timestamp is the ordering index: the enqueue
// time for pending changes, the last write time for cached entities.
type Record struct {
	ID        string
	Timestamp time.Time
	Data      []byte
}

// Store is the local durable key/record store. Implementations must survive
// process restarts (MemoryStore excepted) and report any backend failure as
// ErrStorageUnavailable.
type Store interface {
	// Put upserts rec by ID.
	Put(ctx context.Context, collection string, rec Record) error
	Get(ctx context.Context, collection, id string) (Record, bool, error)
	// GetAll returns every record ordered by (Timestamp, ID).
	GetAll(ctx context.Context, collection string) ([]Record, error)
	// Delete removes a record; a missing ID is not an error.
	Delete(ctx context.Context, collection, id string) error
	Clear(ctx context.Context, collection string) error
	Close() error
}

// ============================================================================
// MemoryStore
// ============================================================================

// MemoryStore is a goroutine-safe in-memory Store. Nothing survives the
// process; use it for tests or as the fallback when the durable store cannot
// be opened.
type MemoryStore struct {
	mu          sync.RWMutex
	collections map[string]map[string]Record
	closed      bool
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{collections: make(map[string]map[string]Record)}
}

func (s *MemoryStore) Put(_ context.Context, collection string, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("%w: store closed", ErrStorageUnavailable)
	}
	c := s.collections[collection]
	if c == nil {
		c = make(map[string]Record)
		s.collections[collection] = c
	}
	rec.Data = append([]byte(nil), rec.Data...)
	c[rec.ID] = rec
	return nil
}

func (s *MemoryStore) Get(_ context.Context, collection, id string) (Record, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return Record{}, false, fmt.Errorf("%w: store closed", ErrStorageUnavailable)
	}
	rec, ok := s.collections[collection][id]
	if !ok {
		return Record{}, false, nil
	}
	rec.Data = append([]byte(nil), rec.Data...)
	return rec, true, nil
}

func (s *MemoryStore) GetAll(_ context.Context, collection string) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, fmt.Errorf("%w: store closed", ErrStorageUnavailable)
	}
	result := make([]Record, 0, len(s.collections[collection]))
	for _, rec := range s.collections[collection] {
		rec.Data = append([]byte(nil), rec.Data...)
		result = append(result, rec)
	}
	sortRecords(result)
	return result, nil
}

func (s *MemoryStore) Delete(_ context.Context, collection, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("%w: store closed", ErrStorageUnavailable)
	}
	delete(s.collections[collection], id)
	return nil
}

func (s *MemoryStore) Clear(_ context.Context, collection string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("%w: store closed", ErrStorageUnavailable)
	}
	delete(s.collections, collection)
	return nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func sortRecords(recs []Record) {
	sort.Slice(recs, func(i, j int) bool {
		if !recs[i].Timestamp.Equal(recs[j].Timestamp) {
			return recs[i].Timestamp.Before(recs[j].Timestamp)
		}
		return recs[i].ID < recs[j].ID
	})
}
