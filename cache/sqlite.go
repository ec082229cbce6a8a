package cache

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
	"github.com/opencontainers/go-digest"
)

const activeBucketMetaKey = "active-bucket"

type SQLiteCache struct {
	db         *sql.DB
	writeMutex *sync.Mutex
}

// NewSQLiteCache creates a new cache with the given filename as the db.
// If file name is empty, a new in-memory db is opened.
func NewSQLiteCache(filename string) (SQLiteCache, error) {
	if filename == "" {
		filename = "file::memory:?cache=shared"
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return SQLiteCache{}, err
	}
	statements := []string{
		`CREATE TABLE IF NOT EXISTS buckets (
			name TEXT PRIMARY KEY,
			created_at INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS entries (
			bucket TEXT NOT NULL,
			key TEXT NOT NULL,
			digest TEXT,
			stored_at INTEGER,
			bytes BLOB,
			PRIMARY KEY (bucket, key)
		)`,
		`CREATE TABLE IF NOT EXISTS meta (
			name TEXT PRIMARY KEY,
			value TEXT
		)`,
		"PRAGMA journal_mode=WAL",
	}
	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return SQLiteCache{}, err
		}
	}
	return SQLiteCache{
		db:         db,
		writeMutex: &sync.Mutex{},
	}, nil
}

func (s SQLiteCache) Buckets(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT name FROM buckets ORDER BY created_at, name")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	names := make([]string, 0)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return names, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s SQLiteCache) PutBucket(ctx context.Context, bucket string, entries []CacheEntry) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	_, err = tx.ExecContext(ctx,
		"INSERT OR IGNORE INTO buckets (name, created_at) VALUES (?, ?)",
		bucket, time.Now().Unix())
	if err != nil {
		return err
	}
	for _, ce := range entries {
		_, err = tx.ExecContext(ctx, `INSERT OR REPLACE INTO entries
			(bucket, key, digest, stored_at, bytes) VALUES (?, ?, ?, ?, ?)`,
			bucket, ce.Key, ce.Digest.String(), ce.StoredAt.Unix(), ce.Bytes)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s SQLiteCache) DeleteBucket(ctx context.Context, bucket string) (bool, error) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, "DELETE FROM entries WHERE bucket = ?", bucket); err != nil {
		return false, err
	}
	result, err := tx.ExecContext(ctx, "DELETE FROM buckets WHERE name = ?", bucket)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, tx.Commit()
}

func (s SQLiteCache) Get(ctx context.Context, bucket, key string) (CacheEntry, bool, error) {
	var (
		entry    CacheEntry
		dgst     string
		storedAt int64
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT digest, stored_at, bytes FROM entries WHERE bucket = ? AND key = ?",
		bucket, key).Scan(&dgst, &storedAt, &entry.Bytes)
	if errors.Is(err, sql.ErrNoRows) {
		return entry, false, nil
	}
	if err != nil {
		return entry, false, err
	}
	entry.Key = key
	entry.Digest = digest.Digest(dgst)
	entry.StoredAt = time.Unix(storedAt, 0)
	return entry, true, nil
}

func (s SQLiteCache) Put(ctx context.Context, bucket string, ce CacheEntry) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	// only insert if the bucket still exists
	result, err := s.db.ExecContext(ctx, `INSERT OR REPLACE INTO entries
		(bucket, key, digest, stored_at, bytes)
		SELECT ?, ?, ?, ?, ? WHERE EXISTS (SELECT 1 FROM buckets WHERE name = ?)`,
		bucket, ce.Key, ce.Digest.String(), ce.StoredAt.Unix(), ce.Bytes, bucket)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrBucketNotFound
	}
	return nil
}

func (s SQLiteCache) Keys(ctx context.Context, bucket string, cb func(string)) error {
	rows, err := s.db.QueryContext(ctx, "SELECT key FROM entries WHERE bucket = ? ORDER BY key", bucket)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return err
		}
		cb(key)
	}
	return rows.Err()
}

func (s SQLiteCache) ActiveBucket(ctx context.Context) (string, error) {
	var name string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM meta WHERE name = ?", activeBucketMetaKey).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return name, err
}

func (s SQLiteCache) SetActiveBucket(ctx context.Context, bucket string) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO meta (name, value) VALUES (?, ?)",
		activeBucketMetaKey, bucket)
	return err
}

func (s SQLiteCache) Close() error {
	return s.db.Close()
}
