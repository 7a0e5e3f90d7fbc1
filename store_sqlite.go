package carerecords

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS records (
	collection TEXT    NOT NULL,
	id         TEXT    NOT NULL,
	ts         INTEGER NOT NULL,
	data       BLOB    NOT NULL,
	PRIMARY KEY (collection, id)
);
CREATE INDEX IF NOT EXISTS idx_records_collection_ts ON records (collection, ts, id);
`

// SQLiteStore is a Store backed by a SQLite file.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens (creating if needed) the store at path. Use ":memory:"
// for a throwaway database.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("%w: failed to create store directory: %v", ErrStorageUnavailable, err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open database: %v", ErrStorageUnavailable, err)
	}
	// A single connection keeps ":memory:" databases alive and serializes
	// writers without SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: failed to initialize schema: %v", ErrStorageUnavailable, err)
	}
	return &SQLiteStore{db: db}, nil
}

// NewSQLiteStore wraps an already-open database and applies the schema.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if _, err := db.Exec(sqliteSchema); err != nil {
		return nil, fmt.Errorf("%w: failed to initialize schema: %v", ErrStorageUnavailable, err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Put(ctx context.Context, collection string, rec Record) error {
	if rec.Data == nil {
		rec.Data = []byte{}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO records (collection, id, ts, data) VALUES (?, ?, ?, ?)
		 ON CONFLICT (collection, id) DO UPDATE SET ts = excluded.ts, data = excluded.data`,
		collection, rec.ID, rec.Timestamp.UnixNano(), rec.Data,
	)
	if err != nil {
		return storageErr("put record", err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, collection, id string) (Record, bool, error) {
	var (
		ts  int64
		rec = Record{ID: id}
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT ts, data FROM records WHERE collection = ? AND id = ?",
		collection, id,
	).Scan(&ts, &rec.Data)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, storageErr("get record", err)
	}
	rec.Timestamp = time.Unix(0, ts).UTC()
	return rec, true, nil
}

func (s *SQLiteStore) GetAll(ctx context.Context, collection string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, ts, data FROM records WHERE collection = ? ORDER BY ts, id",
		collection,
	)
	if err != nil {
		return nil, storageErr("list records", err)
	}
	defer rows.Close()

	var result []Record
	for rows.Next() {
		var (
			rec Record
			ts  int64
		)
		if err := rows.Scan(&rec.ID, &ts, &rec.Data); err != nil {
			return nil, storageErr("scan record", err)
		}
		rec.Timestamp = time.Unix(0, ts).UTC()
		result = append(result, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list records", err)
	}
	return result, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, collection, id string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM records WHERE collection = ? AND id = ?", collection, id); err != nil {
		return storageErr("delete record", err)
	}
	return nil
}

func (s *SQLiteStore) Clear(ctx context.Context, collection string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM records WHERE collection = ?", collection); err != nil {
		return storageErr("clear collection", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%w: failed to %s: %v", ErrStorageUnavailable, op, err)
}
