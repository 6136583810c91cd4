// Package runtime provides host-side runtime support for embedding the
// Krait VM: a persistent on-disk cache of compiled code objects, keyed by
// content hash.
package runtime

import (
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/krait-lang/krait/vm"
	"github.com/krait-lang/krait/vm/dist"
)

// ErrCodeNotFound indicates the requested code object doesn't exist
var ErrCodeNotFound = errors.New("code object not found")

// CodeCache handles SQLite storage for compiled code objects. Entries are
// keyed by content hash, so the cache never holds two copies of the same
// program and a corrupted payload is detectable on load.
type CodeCache struct {
	db     *sql.DB
	dbPath string
	mu     sync.Mutex
}

// CacheEntry describes one cached code object.
type CacheEntry struct {
	Hash [32]byte
	Name string
}

// NewCodeCache opens (or creates) a code cache at the given path.
func NewCodeCache(dbPath string) (*CodeCache, error) {
	c := &CodeCache{dbPath: dbPath}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	c.db = db

	// Set busy timeout for concurrent access
	_, err = db.Exec("PRAGMA busy_timeout = 5000")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	// Create table if needed
	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS code_objects (
		hash TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		payload BLOB NOT NULL
	)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating table: %w", err)
	}

	return c, nil
}

// NewCodeCacheDefault creates a code cache at the default database path.
func NewCodeCacheDefault() (*CodeCache, error) {
	dbPath := os.Getenv("KRAIT_CODE_CACHE")
	if dbPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("getting home dir: %w", err)
		}
		dbPath = filepath.Join(home, ".krait", "codecache.db")
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("creating cache dir: %w", err)
	}
	return NewCodeCache(dbPath)
}

// Close closes the database connection
func (c *CodeCache) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

// Path returns the database path the cache was opened with.
func (c *CodeCache) Path() string {
	return c.dbPath
}

// Put persists a code object to the cache and returns its content hash.
// The object is validated and encoded through the wire codec, so anything
// the cache holds can be loaded by any peer that speaks the same code
// version.
func (c *CodeCache) Put(code *vm.CodeObject) ([32]byte, error) {
	payload, err := dist.EncodeCode(code)
	if err != nil {
		return [32]byte{}, err
	}
	h := vm.HashCode(code)

	c.mu.Lock()
	defer c.mu.Unlock()

	_, err = c.db.Exec(
		"INSERT OR REPLACE INTO code_objects (hash, name, payload) VALUES (?, ?, ?)",
		hex.EncodeToString(h[:]), code.Name, payload,
	)
	if err != nil {
		return [32]byte{}, fmt.Errorf("saving code object: %w", err)
	}
	return h, nil
}

// Get retrieves a code object from the cache. The payload is decoded and
// re-hashed; a row whose content no longer matches its key is reported as
// corrupt rather than returned.
func (c *CodeCache) Get(hash [32]byte) (*vm.CodeObject, error) {
	var payload []byte
	err := c.db.QueryRow(
		"SELECT payload FROM code_objects WHERE hash = ?",
		hex.EncodeToString(hash[:]),
	).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrCodeNotFound
		}
		return nil, fmt.Errorf("querying code object: %w", err)
	}

	code, err := dist.DecodeCode(payload)
	if err != nil {
		return nil, fmt.Errorf("decoding cached code object: %w", err)
	}
	if vm.HashCode(code) != hash {
		return nil, fmt.Errorf("cache entry %x is corrupt: content hash mismatch", hash)
	}
	return code, nil
}

// Has reports whether the cache holds a code object with the given hash.
func (c *CodeCache) Has(hash [32]byte) (bool, error) {
	var one int
	err := c.db.QueryRow(
		"SELECT 1 FROM code_objects WHERE hash = ?",
		hex.EncodeToString(hash[:]),
	).Scan(&one)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("querying code object: %w", err)
	}
	return true, nil
}

// Delete removes a code object from the cache.
func (c *CodeCache) Delete(hash [32]byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, err := c.db.Exec("DELETE FROM code_objects WHERE hash = ?", hex.EncodeToString(hash[:]))
	if err != nil {
		return fmt.Errorf("deleting code object: %w", err)
	}
	return nil
}

// List returns the hash and name of every cached code object.
func (c *CodeCache) List() ([]CacheEntry, error) {
	rows, err := c.db.Query("SELECT hash, name FROM code_objects ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("listing code objects: %w", err)
	}
	defer rows.Close()

	var entries []CacheEntry
	for rows.Next() {
		var hashHex, name string
		if err := rows.Scan(&hashHex, &name); err != nil {
			return nil, fmt.Errorf("scanning entry: %w", err)
		}
		raw, err := hex.DecodeString(hashHex)
		if err != nil || len(raw) != 32 {
			continue
		}
		var e CacheEntry
		copy(e.Hash[:], raw)
		e.Name = name
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// SaveStore persists every code object held by a content store.
func (c *CodeCache) SaveStore(store *vm.ContentStore) error {
	for _, h := range store.Hashes() {
		code := store.Lookup(h)
		if code == nil {
			continue
		}
		if _, err := c.Put(code); err != nil {
			return err
		}
	}
	return nil
}

// LoadStore hydrates a content store with every loadable cache entry.
// Corrupt rows are skipped with a warning. Returns the number of code
// objects loaded.
func (c *CodeCache) LoadStore(store *vm.ContentStore) (int, error) {
	rows, err := c.db.Query("SELECT hash, payload FROM code_objects")
	if err != nil {
		return 0, fmt.Errorf("querying all code objects: %w", err)
	}
	defer rows.Close()

	loaded := 0
	for rows.Next() {
		var hashHex string
		var payload []byte
		if err := rows.Scan(&hashHex, &payload); err != nil {
			return loaded, fmt.Errorf("scanning code object: %w", err)
		}

		code, err := dist.DecodeCode(payload)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to load cached code %s: %v\n", hashHex, err)
			continue
		}
		if _, err := store.Index(code); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to index cached code %s: %v\n", hashHex, err)
			continue
		}
		loaded++
	}
	return loaded, rows.Err()
}
