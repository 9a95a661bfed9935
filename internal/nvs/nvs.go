// Package nvs provides the byte-addressed non-volatile store the node keeps
// its credential record in.
//
// The store behaves like a microcontroller EEPROM emulation: the whole image
// is loaded into RAM on Open, Write only changes the RAM copy, and Commit
// persists the image in a single SQLite transaction.
package nvs

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

// Store is the interface the bootstrap state machine persists through.
type Store interface {
	Read(offset, n int) ([]byte, error)
	Write(offset int, b []byte) error
	Commit() error
}

// ErrOutOfRange is returned for accesses beyond the image size.
var ErrOutOfRange = errors.New("nvs: access out of range")

const upsertImageSQL = `
INSERT INTO eeprom (id, data, committed_at)
VALUES (1, ?, strftime('%Y-%m-%dT%H:%M:%fZ','now'))
ON CONFLICT(id) DO UPDATE SET data = excluded.data, committed_at = excluded.committed_at`

// SQLiteStore is a Store backed by a single-row SQLite table.
type SQLiteStore struct {
	db *sql.DB

	mu      sync.Mutex
	image   []byte
	durable []byte // image as last loaded or committed
	dirty   bool
}

// Open opens (creating if needed) the database at path, applies migrations
// and loads an image of size bytes. A missing row yields an all-zero image.
func Open(path string, size int) (*SQLiteStore, error) {
	return open(path, size, nil)
}

// OpenTraced is Open with every SQL statement logged on logger at debug level.
func OpenTraced(path string, size int, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	return open(path, size, logger)
}

func open(path string, size int, logger *slog.Logger) (*SQLiteStore, error) {
	if size <= 0 {
		return nil, fmt.Errorf("nvs: invalid image size %d", size)
	}
	dsn, err := buildDSN(path)
	if err != nil {
		return nil, err
	}
	var db *sql.DB
	if logger != nil {
		db = sql.OpenDB(newTraceConnector(dsn, logger))
	} else {
		db, err = sql.Open("sqlite3", dsn)
		if err != nil {
			return nil, fmt.Errorf("nvs open: %w", err)
		}
	}
	// One owner, and ":memory:" databases are per connection.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("nvs ping: %w", err)
	}
	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteStore{db: db, image: make([]byte, size), durable: make([]byte, size)}
	if err := s.load(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) load() error {
	var data []byte
	err := s.db.QueryRow(`SELECT data FROM eeprom WHERE id = 1`).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("nvs load: %w", err)
	}
	copy(s.image, data)
	copy(s.durable, s.image)
	return nil
}

// Size returns the image size in bytes.
func (s *SQLiteStore) Size() int { return len(s.image) }

// Read returns a copy of n bytes starting at offset.
func (s *SQLiteStore) Read(offset, n int) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if offset < 0 || n < 0 || offset+n > len(s.image) {
		return nil, ErrOutOfRange
	}
	out := make([]byte, n)
	copy(out, s.image[offset:offset+n])
	return out, nil
}

// Write changes the in-memory image. Nothing is durable until Commit.
func (s *SQLiteStore) Write(offset int, b []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if offset < 0 || offset+len(b) > len(s.image) {
		return ErrOutOfRange
	}
	copy(s.image[offset:], b)
	s.dirty = true
	return nil
}

// Commit persists the image if it has changed since the last commit. On
// failure the pending writes are discarded and the image reverts to its last
// durable content.
func (s *SQLiteStore) Commit() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.dirty {
		return nil
	}
	if err := s.persist(); err != nil {
		copy(s.image, s.durable)
		s.dirty = false
		return fmt.Errorf("nvs commit: %w", err)
	}
	copy(s.durable, s.image)
	s.dirty = false
	return nil
}

func (s *SQLiteStore) persist() error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	if _, err := tx.Exec(upsertImageSQL, s.image); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// Close releases the database. Uncommitted writes are lost.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func buildDSN(path string) (string, error) {
	if path == "" {
		return "", errors.New("nvs: empty path")
	}
	params := []string{
		"_busy_timeout=5000",
		"_journal_mode=WAL",
		"_synchronous=FULL",
	}
	if path == ":memory:" {
		return "file::memory:?" + strings.Join(params[:1], "&"), nil
	}

	if strings.HasPrefix(path, "file:") {
		sep := "?"
		if strings.Contains(path, "?") {
			sep = "&"
		}
		return path + sep + strings.Join(params, "&"), nil
	}

	dir := filepath.Dir(path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("mkdir %s: %w", dir, err)
		}
	}
	return fmt.Sprintf("file:%s?%s", path, strings.Join(params, "&")), nil
}
