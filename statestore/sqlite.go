package statestore

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/hazyhaar/domscout/dbopen"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS browser_state (
    key        TEXT PRIMARY KEY,
    value      BLOB NOT NULL,
    updated_at TEXT NOT NULL
);
`

// SQLite is the SQLite backend, for deployments that already carry a
// database and want state under the same durability story.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens (or creates) the database at path.
func NewSQLite(path string) (*SQLite, error) {
	db, err := dbopen.Open(path, dbopen.WithMkdirAll(), dbopen.WithSchema(sqliteSchema))
	if err != nil {
		return nil, fmt.Errorf("statestore: open sqlite: %w", err)
	}
	return &SQLite{db: db}, nil
}

// NewSQLiteDB wraps an existing database, applying the schema.
func NewSQLiteDB(db *sql.DB) (*SQLite, error) {
	if _, err := db.Exec(sqliteSchema); err != nil {
		return nil, fmt.Errorf("statestore: apply schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Put(key string, data []byte) error {
	_, err := s.db.Exec(`
		INSERT INTO browser_state (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, data, time.Now().UTC().Format(time.RFC3339Nano))
	return err
}

func (s *SQLite) Get(key string) ([]byte, bool, error) {
	var data []byte
	err := s.db.QueryRow(`SELECT value FROM browser_state WHERE key = ?`, key).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func (s *SQLite) Delete(key string) error {
	_, err := s.db.Exec(`DELETE FROM browser_state WHERE key = ?`, key)
	return err
}

func (s *SQLite) List(prefix string) ([]string, error) {
	rows, err := s.db.Query(
		`SELECT key FROM browser_state WHERE key LIKE ? || '%' ORDER BY key`, prefix)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (s *SQLite) Close() error { return s.db.Close() }
