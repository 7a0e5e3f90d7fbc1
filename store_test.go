package carerecords

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"
)

func storeImplementations(t *testing.T) map[string]func() Store {
	dir := t.TempDir()
	n := 0
	return map[string]func() Store{
		"memory": func() Store { return NewMemoryStore() },
		"sqlite": func() Store {
			n++
			s, err := OpenSQLiteStore(filepath.Join(dir, "store", fmt.Sprintf("%d.db", n)))
			if err != nil {
				t.Fatalf("open sqlite store: %v", err)
			}
			return s
		},
	}
}

func TestStoreContract(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	for name, open := range storeImplementations(t) {
		t.Run(name, func(t *testing.T) {
			t.Run("put is an idempotent upsert", func(t *testing.T) {
				s := open()
				defer s.Close()
				rec := Record{ID: "a", Timestamp: base, Data: []byte(`{"v":1}`)}
				if err := s.Put(ctx, CollectionPendingChanges, rec); err != nil {
					t.Fatalf("put: %v", err)
				}
				if err := s.Put(ctx, CollectionPendingChanges, rec); err != nil {
					t.Fatalf("second put: %v", err)
				}
				all, err := s.GetAll(ctx, CollectionPendingChanges)
				if err != nil {
					t.Fatalf("get all: %v", err)
				}
				if len(all) != 1 {
					t.Fatalf("expected 1 record, got %d", len(all))
				}

				rec.Data = []byte(`{"v":2}`)
				s.Put(ctx, CollectionPendingChanges, rec)
				got, ok, err := s.Get(ctx, CollectionPendingChanges, "a")
				if err != nil || !ok {
					t.Fatalf("get: ok=%v err=%v", ok, err)
				}
				if string(got.Data) != `{"v":2}` {
					t.Fatalf("expected updated data, got %s", got.Data)
				}
				if !got.Timestamp.Equal(base) {
					t.Fatalf("expected timestamp %v, got %v", base, got.Timestamp)
				}
			})

			t.Run("get all orders by timestamp then id", func(t *testing.T) {
				s := open()
				defer s.Close()
				s.Put(ctx, CollectionPendingChanges, Record{ID: "c", Timestamp: base.Add(2 * time.Second), Data: []byte("3")})
				s.Put(ctx, CollectionPendingChanges, Record{ID: "b", Timestamp: base, Data: []byte("2")})
				s.Put(ctx, CollectionPendingChanges, Record{ID: "a", Timestamp: base, Data: []byte("1")})
				s.Put(ctx, CollectionPendingChanges, Record{ID: "d", Timestamp: base.Add(time.Second), Data: []byte("4")})

				for i := 0; i < 2; i++ {
					all, err := s.GetAll(ctx, CollectionPendingChanges)
					if err != nil {
						t.Fatalf("get all: %v", err)
					}
					var ids string
					for _, r := range all {
						ids += r.ID
					}
					if ids != "abdc" {
						t.Fatalf("expected order abdc, got %s", ids)
					}
				}
			})

			t.Run("collections are independent", func(t *testing.T) {
				s := open()
				defer s.Close()
				s.Put(ctx, CollectionPendingChanges, Record{ID: "x", Timestamp: base, Data: []byte("1")})
				s.Put(ctx, CollectionOfflineData, Record{ID: "x", Timestamp: base, Data: []byte("2")})

				if err := s.Clear(ctx, CollectionPendingChanges); err != nil {
					t.Fatalf("clear: %v", err)
				}
				pending, _ := s.GetAll(ctx, CollectionPendingChanges)
				if len(pending) != 0 {
					t.Fatalf("expected pending cleared, got %d", len(pending))
				}
				got, ok, _ := s.Get(ctx, CollectionOfflineData, "x")
				if !ok || string(got.Data) != "2" {
					t.Fatalf("expected offline data untouched, got ok=%v %s", ok, got.Data)
				}
			})

			t.Run("delete of missing id is a no-op", func(t *testing.T) {
				s := open()
				defer s.Close()
				if err := s.Delete(ctx, CollectionPendingChanges, "missing"); err != nil {
					t.Fatalf("delete: %v", err)
				}
				if _, ok, err := s.Get(ctx, CollectionPendingChanges, "missing"); ok || err != nil {
					t.Fatalf("expected not found, ok=%v err=%v", ok, err)
				}
			})

			t.Run("closed store is unavailable", func(t *testing.T) {
				s := open()
				s.Close()
				err := s.Put(ctx, CollectionPendingChanges, Record{ID: "a", Timestamp: base})
				if !errors.Is(err, ErrStorageUnavailable) {
					t.Fatalf("expected ErrStorageUnavailable, got %v", err)
				}
				if _, err := s.GetAll(ctx, CollectionPendingChanges); !errors.Is(err, ErrStorageUnavailable) {
					t.Fatalf("expected ErrStorageUnavailable, got %v", err)
				}
			})
		})
	}
}

func TestSQLiteStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "offline.db")
	at := time.Date(2026, 3, 1, 9, 0, 0, 123456789, time.UTC)

	s, err := OpenSQLiteStore(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	s.Put(ctx, CollectionPendingChanges, Record{ID: "c1", Timestamp: at, Data: []byte(`{"id":"c1"}`)})
	s.Close()

	s, err = OpenSQLiteStore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	all, err := s.GetAll(ctx, CollectionPendingChanges)
	if err != nil {
		t.Fatalf("get all: %v", err)
	}
	if len(all) != 1 || all[0].ID != "c1" || string(all[0].Data) != `{"id":"c1"}` {
		t.Fatalf("unexpected records after reopen: %+v", all)
	}
	if !all[0].Timestamp.Equal(at) {
		t.Fatalf("expected nanosecond timestamp to survive, got %v", all[0].Timestamp)
	}
}

func TestMemoryStoreCopiesData(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	data := []byte("abc")
	s.Put(ctx, CollectionOfflineData, Record{ID: "k", Data: data})
	data[0] = 'z'

	got, _, _ := s.Get(ctx, CollectionOfflineData, "k")
	if string(got.Data) != "abc" {
		t.Fatalf("expected stored copy to be isolated, got %s", got.Data)
	}
}
