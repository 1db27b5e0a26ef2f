package cache

import (
	"context"
	"database/sql"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
	"github.com/jmgilman/go/errors"
)

type SQLiteProvider struct {
	db         *sql.DB
	writeMutex *sync.Mutex
}

var _ Provider = SQLiteProvider{}

// NewSQLiteProvider creates a new provider with the given filename as the db.
// If file name is empty, a new in-memory db is opened.
func NewSQLiteProvider(filename string) (SQLiteProvider, error) {
	inMemory := filename == ""
	if inMemory {
		filename = ":memory:"
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return SQLiteProvider{}, errors.Wrap(err, errors.CodeDatabase, "Could not open cache db")
	}
	// a single connection keeps an in-memory db alive and serializes writers
	db.SetMaxOpenConns(1)

	statements := []string{
		`CREATE TABLE IF NOT EXISTS partitions (
			name TEXT PRIMARY KEY,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS entries (
			partition TEXT NOT NULL,
			key TEXT NOT NULL,
			stored_at INTEGER NOT NULL,
			bytes BLOB,
			PRIMARY KEY (partition, key)
		)`,
	}
	if !inMemory {
		statements = append(statements, "PRAGMA journal_mode=WAL")
	}
	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return SQLiteProvider{}, errors.Wrap(err, errors.CodeDatabase, "Could not initialize cache db")
		}
	}
	return SQLiteProvider{
		db:         db,
		writeMutex: &sync.Mutex{},
	}, nil
}

func (s SQLiteProvider) Create(ctx context.Context, name string) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO partitions (name, created_at) VALUES (?, ?)",
		name, time.Now().UnixNano())
	return wrapDB(err)
}

func (s SQLiteProvider) Names(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT name FROM partitions ORDER BY created_at ASC, rowid ASC")
	if err != nil {
		return nil, wrapDB(err)
	}
	defer rows.Close()
	names := make([]string, 0)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return names, wrapDB(err)
		}
		names = append(names, name)
	}
	return names, wrapDB(rows.Err())
}

func (s SQLiteProvider) Has(ctx context.Context, name string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, "SELECT 1 FROM partitions WHERE name = ?", name).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, wrapDB(err)
	}
	return true, nil
}

func (s SQLiteProvider) Delete(ctx context.Context, name string) (bool, error) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, wrapDB(err)
	}
	defer tx.Rollback()
	result, err := tx.ExecContext(ctx, "DELETE FROM partitions WHERE name = ?", name)
	if err != nil {
		return false, wrapDB(err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM entries WHERE partition = ?", name); err != nil {
		return false, wrapDB(err)
	}
	if err := tx.Commit(); err != nil {
		return false, wrapDB(err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, wrapDB(err)
	}
	return rows > 0, nil
}

func (s SQLiteProvider) Get(ctx context.Context, name, key string) ([]byte, bool, error) {
	var bytes []byte
	err := s.db.QueryRowContext(ctx,
		"SELECT bytes FROM entries WHERE partition = ? AND key = ?", name, key).Scan(&bytes)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, wrapDB(err)
	}
	return bytes, true, nil
}

func (s SQLiteProvider) Put(ctx context.Context, name, key string, storedAt time.Time, bytes []byte) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapDB(err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx,
		"INSERT OR IGNORE INTO partitions (name, created_at) VALUES (?, ?)",
		name, time.Now().UnixNano()); err != nil {
		return wrapDB(err)
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT OR REPLACE INTO entries (partition, key, stored_at, bytes) VALUES (?, ?, ?, ?)",
		name, key, storedAt.UnixNano(), bytes); err != nil {
		return wrapDB(err)
	}
	return wrapDB(tx.Commit())
}

func (s SQLiteProvider) Purge(ctx context.Context, name, key string) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.ExecContext(ctx, "DELETE FROM entries WHERE partition = ? AND key = ?", name, key)
	return wrapDB(err)
}

func (s SQLiteProvider) Keys(ctx context.Context, name string, cb func(string)) error {
	rows, err := s.db.QueryContext(ctx,
		"SELECT key FROM entries WHERE partition = ? ORDER BY key ASC", name)
	if err != nil {
		return wrapDB(err)
	}
	keys := make([]string, 0)
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			rows.Close()
			return wrapDB(err)
		}
		keys = append(keys, key)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return wrapDB(err)
	}
	// the connection is released before calling back into user code
	for _, key := range keys {
		cb(key)
	}
	return nil
}

func (s SQLiteProvider) Close() error {
	return s.db.Close()
}

func wrapDB(err error) error {
	if err == nil {
		return nil
	}
	return errors.Wrap(err, errors.CodeDatabase, "Cache db operation failed")
}
