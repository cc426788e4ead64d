package cache

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestKeyStableAcrossParamOrder(t *testing.T) {
	t.Parallel()

	a := Key(map[string]string{"target": "1.2.3.4", "endpoint": "host"})
	b := Key(map[string]string{"endpoint": "host", "target": "1.2.3.4"})
	if a != b {
		t.Fatalf("key must be order-independent: %s != %s", a, b)
	}

	c := Key(map[string]string{"target": "1.2.3.5", "endpoint": "host"})
	if a == c {
		t.Fatal("different params must produce different keys")
	}

	d := Key(map[string]string{"target": " 1.2.3.4 ", "endpoint": "HOST"})
	if a != d {
		t.Fatal("key must normalize case and whitespace")
	}
}

func TestCacheHitWithinTTL(t *testing.T) {
	t.Parallel()

	c := New(t.TempDir(), time.Hour)
	key := Key(map[string]string{"target": "example.com"})

	if _, ok := c.Get(key); ok {
		t.Fatal("expected miss on empty cache")
	}

	payload := json.RawMessage(`{"ports":[22,443]}`)
	if err := c.Put(key, payload); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, ok := c.Get(key)
	if !ok {
		t.Fatal("expected hit after Put")
	}
	if string(got) != string(payload) {
		t.Fatalf("payload mismatch: %s", got)
	}
}

func TestCacheExpiryIsAMiss(t *testing.T) {
	t.Parallel()

	c := New(t.TempDir(), 50*time.Millisecond)
	key := Key(map[string]string{"target": "example.com"})

	if err := c.Put(key, json.RawMessage(`{}`)); err != nil {
		t.Fatalf("Put: %v", err)
	}

	base := time.Now()
	c.now = func() time.Time { return base.Add(time.Minute) }

	if _, ok := c.Get(key); ok {
		t.Fatal("expected expired entry to miss")
	}
	if _, err := os.Stat(c.entryPath(key)); !os.IsNotExist(err) {
		t.Fatal("expired entry should be removed")
	}
}

func TestCacheCorruptionDegradesToMiss(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	c := New(dir, time.Hour)
	key := Key(map[string]string{"target": "example.com"})

	if err := os.WriteFile(filepath.Join(dir, key+".json"), []byte("{not json"), 0o644); err != nil {
		t.Fatalf("write corrupt entry: %v", err)
	}

	if _, ok := c.Get(key); ok {
		t.Fatal("corrupt entry must degrade to a miss")
	}

	// The cache must recover: a fresh Put then hits.
	if err := c.Put(key, json.RawMessage(`{"ok":true}`)); err != nil {
		t.Fatalf("Put after corruption: %v", err)
	}
	if _, ok := c.Get(key); !ok {
		t.Fatal("expected hit after refresh")
	}
}
