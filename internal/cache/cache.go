// Package cache is a file-backed TTL cache for expensive or rate-limited
// remote calls. Entries live under a module's output directory; a corrupted
// or expired entry degrades to a miss, never an error.
package cache

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/zeebo/blake3"
)

// Entry is the on-disk representation of one cached payload.
type Entry struct {
	Key        string          `json:"key"`
	CachedAt   time.Time       `json:"cached_at"`
	TTLSeconds int64           `json:"ttl_seconds"`
	Payload    json.RawMessage `json:"payload"`
}

// Cache stores JSON payloads keyed by a stable hash of normalized call
// parameters. Writes are atomic-replace; reads within one run are unguarded
// and tolerate the benign race of a redundant remote call.
type Cache struct {
	dir string
	ttl time.Duration
	now func() time.Time
}

// New creates a cache rooted at dir with the given TTL. The directory is
// created on first use.
func New(dir string, ttl time.Duration) *Cache {
	return &Cache{dir: dir, ttl: ttl, now: time.Now}
}

// Key derives a stable cache key from normalized call parameters. Parameter
// order does not affect the key.
func Key(params map[string]string) string {
	parts := make([]string, 0, len(params))
	for k, v := range params {
		parts = append(parts, k+"="+strings.ToLower(strings.TrimSpace(v)))
	}
	sort.Strings(parts)
	sum := blake3.Sum256([]byte(strings.Join(parts, "&")))
	return hex.EncodeToString(sum[:16])
}

// Get returns the payload for key if a valid entry younger than the TTL
// exists. Absent, expired, or corrupted entries report a miss; corrupted
// and expired files are removed on the way out.
func (c *Cache) Get(key string) (json.RawMessage, bool) {
	path := c.entryPath(key)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil || entry.Key != key {
		_ = os.Remove(path)
		return nil, false
	}

	ttl := c.ttl
	if entry.TTLSeconds > 0 {
		ttl = time.Duration(entry.TTLSeconds) * time.Second
	}
	if c.now().Sub(entry.CachedAt) >= ttl {
		_ = os.Remove(path)
		return nil, false
	}

	return entry.Payload, true
}

// Put stores payload under key. The entry file is written to a temp name and
// renamed into place so readers never observe a partial write.
func (c *Cache) Put(key string, payload json.RawMessage) error {
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return fmt.Errorf("create cache directory: %w", err)
	}

	entry := Entry{
		Key:        key,
		CachedAt:   c.now().UTC(),
		TTLSeconds: int64(c.ttl / time.Second),
		Payload:    payload,
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}

	tmp, err := os.CreateTemp(c.dir, key+".tmp-*")
	if err != nil {
		return fmt.Errorf("create cache temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write cache entry: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close cache temp file: %w", err)
	}
	if err := os.Rename(tmpName, c.entryPath(key)); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("replace cache entry: %w", err)
	}
	return nil
}

func (c *Cache) entryPath(key string) string {
	return filepath.Join(c.dir, key+".json")
}
