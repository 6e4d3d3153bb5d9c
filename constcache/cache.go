// Package constcache stores finished const-eval outcomes in SQLite,
// keyed by the content hash of (program, entry, target). The machine
// never consults the cache itself; drivers check it before evaluating
// and store after.
package constcache

import (
	"crypto/sha256"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	_ "modernc.org/sqlite"

	"github.com/chazu/ferrite/interp"
	"github.com/chazu/ferrite/mir"
)

// ErrMiss indicates no cached outcome exists for the key.
var ErrMiss = errors.New("const cache miss")

// Cache is a SQLite-backed outcome store. Safe for concurrent use by
// one process; the busy timeout covers other processes on the same
// file.
type Cache struct {
	db *sql.DB
	mu sync.Mutex
}

// Open opens (creating if needed) a cache database at path.
func Open(path string) (*Cache, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening cache database: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS outcomes (
		key BLOB PRIMARY KEY,
		entry TEXT NOT NULL,
		target TEXT NOT NULL,
		outcome BLOB NOT NULL,
		created INTEGER NOT NULL
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating outcomes table: %w", err)
	}

	return &Cache{db: db}, nil
}

// Close closes the database connection.
func (c *Cache) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

// Key computes the cache key for evaluating entry from prog on the
// named target: SHA-256 over a tagged, length-prefixed encoding.
func Key(prog *mir.Program, entry, targetName string) ([32]byte, error) {
	progHash, err := prog.Hash()
	if err != nil {
		return [32]byte{}, err
	}

	var buf []byte
	writeString := func(s string) {
		var n [4]byte
		binary.BigEndian.PutUint32(n[:], uint32(len(s)))
		buf = append(buf, n[:]...)
		buf = append(buf, s...)
	}

	// Tag byte for cache key format
	buf = append(buf, 0x02)
	buf = append(buf, progHash[:]...)
	writeString(entry)
	writeString(targetName)
	return sha256.Sum256(buf), nil
}

// Get returns the cached outcome for key, or ErrMiss.
func (c *Cache) Get(key [32]byte) (*interp.Outcome, error) {
	var blob []byte
	err := c.db.QueryRow("SELECT outcome FROM outcomes WHERE key = ?", key[:]).Scan(&blob)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrMiss
		}
		return nil, fmt.Errorf("querying outcome: %w", err)
	}

	var o interp.Outcome
	if err := cbor.Unmarshal(blob, &o); err != nil {
		return nil, fmt.Errorf("decoding cached outcome: %w", err)
	}
	return &o, nil
}

// Put stores an outcome under key, replacing any existing entry.
func (c *Cache) Put(key [32]byte, o *interp.Outcome) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	blob, err := cbor.Marshal(o)
	if err != nil {
		return fmt.Errorf("encoding outcome: %w", err)
	}

	_, err = c.db.Exec(
		"INSERT OR REPLACE INTO outcomes (key, entry, target, outcome, created) VALUES (?, ?, ?, ?, ?)",
		key[:], o.Entry, o.Target, blob, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("storing outcome: %w", err)
	}
	return nil
}

// Len reports the number of cached outcomes.
func (c *Cache) Len() (int, error) {
	var n int
	if err := c.db.QueryRow("SELECT COUNT(*) FROM outcomes").Scan(&n); err != nil {
		return 0, fmt.Errorf("counting outcomes: %w", err)
	}
	return n, nil
}
