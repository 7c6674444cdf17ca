package cache

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"
)

// ErrNotCached indicates no entry exists for the requested key.
var ErrNotCached = errors.New("cache: entry not found")

// Store persists serialized descriptor sets in SQLite, keyed by pack
// name and the fingerprint of the target image they were compiled
// against. A recompile against a changed image produces a different
// fingerprint and therefore a distinct entry.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// Open opens (creating if needed) a cache database at the given path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("cache: opening database: %w", err)
	}

	// Busy timeout for concurrent access.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("cache: setting busy timeout: %w", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS descriptor_sets (
		pack        TEXT NOT NULL,
		fingerprint TEXT NOT NULL,
		data        BLOB NOT NULL,
		PRIMARY KEY (pack, fingerprint)
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("cache: creating table: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Put stores a serialized descriptor set for a pack compiled against
// the image with the given fingerprint. An existing entry is replaced.
func (s *Store) Put(pack, fingerprint string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		"INSERT OR REPLACE INTO descriptor_sets (pack, fingerprint, data) VALUES (?, ?, ?)",
		pack, fingerprint, data,
	)
	if err != nil {
		return fmt.Errorf("cache: storing %s@%s: %w", pack, fingerprint, err)
	}
	return nil
}

// Get retrieves the serialized descriptor set for a pack and image
// fingerprint. Returns ErrNotCached when no entry exists.
func (s *Store) Get(pack, fingerprint string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var data []byte
	err := s.db.QueryRow(
		"SELECT data FROM descriptor_sets WHERE pack = ? AND fingerprint = ?",
		pack, fingerprint,
	).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotCached
		}
		return nil, fmt.Errorf("cache: querying %s@%s: %w", pack, fingerprint, err)
	}
	return data, nil
}

// Evict removes every entry for a pack, regardless of fingerprint.
func (s *Store) Evict(pack string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec("DELETE FROM descriptor_sets WHERE pack = ?", pack); err != nil {
		return fmt.Errorf("cache: evicting %s: %w", pack, err)
	}
	return nil
}
