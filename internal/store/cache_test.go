package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestCacheAccessCreatesShardedFile(t *testing.T) {
	dir := t.TempDir()
	c, err := NewCache(dir, time.Hour, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer c.CloseAll()

	w, err := c.Access("ABCDEF")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.WriteString("hello\n\n"); err != nil {
		t.Fatal(err)
	}
	c.FlushAll()

	path := filepath.Join(dir, "AB", "ABCDEF.txt")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("expected file at %s: %v", path, err)
	}
	if string(data) != "hello\n\n" {
		t.Errorf("contents = %q", data)
	}
}

func TestCacheAccessRejectsShortTaskID(t *testing.T) {
	dir := t.TempDir()
	c, err := NewCache(dir, time.Hour, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer c.CloseAll()

	if _, err := c.Access("ABC"); err == nil {
		t.Error("expected error for task id shorter than 6 characters")
	}
}

func TestCacheAccessReusesHandle(t *testing.T) {
	dir := t.TempDir()
	c, err := NewCache(dir, time.Hour, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer c.CloseAll()

	w1, err := c.Access("112233")
	if err != nil {
		t.Fatal(err)
	}
	w2, err := c.Access("112233")
	if err != nil {
		t.Fatal(err)
	}
	if w1 != w2 {
		t.Error("expected the same buffered writer on repeat access")
	}
}

func TestCacheEvictsOnlyStaleOldest(t *testing.T) {
	dir := t.TempDir()
	c, err := NewCache(dir, 10*time.Millisecond, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer c.CloseAll()

	if _, err := c.Access("AAAAAA"); err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond)

	// A fresh insertion should find AAAAAA stale and evict it, closing its
	// file; a subsequent Access for it must reopen rather than reuse.
	if _, err := c.Access("BBBBBB"); err != nil {
		t.Fatal(err)
	}

	c.mu.Lock()
	_, stillPresent := c.lru.Get("AAAAAA")
	c.mu.Unlock()
	if stillPresent {
		t.Error("expected stale entry to be evicted")
	}
}

func TestCacheKeepsFreshOldest(t *testing.T) {
	dir := t.TempDir()
	c, err := NewCache(dir, time.Hour, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer c.CloseAll()

	if _, err := c.Access("AAAAAA"); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Access("BBBBBB"); err != nil {
		t.Fatal(err)
	}

	c.mu.Lock()
	_, stillPresent := c.lru.Get("AAAAAA")
	c.mu.Unlock()
	if !stillPresent {
		t.Error("fresh entry should not be evicted by an unrelated insertion")
	}
}
