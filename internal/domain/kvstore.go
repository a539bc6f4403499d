// Package domain implements the Domain Worker (component C): a
// per-domain serialized executor over a durable ordered key-value map.
package domain

import (
	"database/sql"
	"fmt"
	"sort"

	_ "modernc.org/sqlite"
)

// Entry is one persisted (value, version) pair.
type Entry struct {
	Value   string
	Version string
}

// KVStore is the durable ordered map backing one domain (spec §4.7):
// a single SQLite file, WAL mode, one `kv` table. Grounded on
// daviddao/clockmail/pkg/store.Store: dsn pragma string, connection
// pool sizing, and the migrate-on-open shape are all reused from
// there. Resolves spec.md §1's externally-scoped "persistent
// key/value back-end" requirement to a concrete, pure-Go choice.
type KVStore struct {
	db *sql.DB
}

// OpenKVStore opens (or creates) the SQLite file at path and ensures
// its schema exists.
func OpenKVStore(path string) (*KVStore, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(60000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open kv store: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)

	s := &KVStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate kv store: %w", err)
	}
	return s, nil
}

func (s *KVStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS kv (
			key     TEXT PRIMARY KEY,
			value   TEXT NOT NULL,
			version TEXT NOT NULL
		);
	`)
	return err
}

// Close closes the underlying database connection.
func (s *KVStore) Close() error { return s.db.Close() }

// Get returns the entry stored at key, if any.
func (s *KVStore) Get(key string) (Entry, bool, error) {
	var e Entry
	err := s.db.QueryRow(`SELECT value, version FROM kv WHERE key = ?`, key).Scan(&e.Value, &e.Version)
	if err == sql.ErrNoRows {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	return e, true, nil
}

// Put inserts or overwrites the entry at key.
func (s *KVStore) Put(key string, e Entry) error {
	return retryOnContention(func() error {
		_, err := s.db.Exec(
			`INSERT INTO kv (key, value, version) VALUES (?, ?, ?)
			 ON CONFLICT(key) DO UPDATE SET value = excluded.value, version = excluded.version`,
			key, e.Value, e.Version,
		)
		return err
	})
}

// Delete removes key. It is not an error to delete a missing key.
func (s *KVStore) Delete(key string) error {
	return retryOnContention(func() error {
		_, err := s.db.Exec(`DELETE FROM kv WHERE key = ?`, key)
		return err
	})
}

// Snapshot returns every persisted (key, Entry) pair in lexicographic
// key order, read inside a single transaction so replay sees one
// worker-ordered point in time (spec §5: "batch operations (replay)
// execute under a single store transaction").
func (s *KVStore) Snapshot() ([]string, map[string]Entry, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, nil, err
	}
	defer tx.Rollback()

	rows, err := tx.Query(`SELECT key, value, version FROM kv ORDER BY key`)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	keys := make([]string, 0)
	m := make(map[string]Entry)
	for rows.Next() {
		var key string
		var e Entry
		if err := rows.Scan(&key, &e.Value, &e.Version); err != nil {
			return nil, nil, err
		}
		keys = append(keys, key)
		m[key] = e
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, nil, err
	}
	// ORDER BY already sorts lexicographically, but sort.Strings keeps
	// the guarantee explicit regardless of SQLite collation settings.
	sort.Strings(keys)
	return keys, m, nil
}
