package cache

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func TestStorePutAndMatch(t *testing.T) {
	forEachDriver(t, func(t *testing.T, store Storage) {
		ctx := context.Background()
		c := openCache(t, store, "demo-app-cache")
		key := NewRequestKey("get", "https://app.local/main.dart.js")

		resp := &Response{
			Status: http.StatusOK,
			Header: http.Header{"Content-Type": []string{"text/javascript"}},
			Body:   []byte("payload"),
		}
		if err := c.Put(ctx, key, resp); err != nil {
			t.Fatalf("put error: %v", err)
		}

		got, err := c.Match(ctx, key)
		if err != nil {
			t.Fatalf("match error: %v", err)
		}
		if string(got.Body) != "payload" {
			t.Fatalf("cached payload mismatch: %s", string(got.Body))
		}
		if got.Status != http.StatusOK {
			t.Fatalf("status mismatch: %d", got.Status)
		}
		if ct := got.Header.Get("Content-Type"); ct != "text/javascript" {
			t.Fatalf("header mismatch: %s", ct)
		}
		if got.StoredAt.IsZero() {
			t.Fatalf("stored_at should be stamped")
		}
	})
}

func TestStoreMatchMissing(t *testing.T) {
	forEachDriver(t, func(t *testing.T, store Storage) {
		c := openCache(t, store, "demo-app-cache")
		_, err := c.Match(context.Background(), NewRequestKey("GET", "https://app.local/missing"))
		if !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestStoreOverwriteKeepsSingleEntry(t *testing.T) {
	forEachDriver(t, func(t *testing.T, store Storage) {
		ctx := context.Background()
		c := openCache(t, store, "demo-app-cache")
		first := NewRequestKey("GET", "https://app.local/a")
		second := NewRequestKey("GET", "https://app.local/b")

		mustPut(t, c, first, "v1")
		mustPut(t, c, second, "b")
		mustPut(t, c, first, "v2")

		keys, err := c.Keys(ctx)
		if err != nil {
			t.Fatalf("keys error: %v", err)
		}
		if len(keys) != 2 {
			t.Fatalf("expected 2 keys, got %v", keys)
		}
		if keys[0] != second || keys[1] != first {
			t.Fatalf("overwritten entry should move to the end, got %v", keys)
		}
		got, err := c.Match(ctx, first)
		if err != nil {
			t.Fatalf("match error: %v", err)
		}
		if string(got.Body) != "v2" {
			t.Fatalf("expected last write to win, got %s", string(got.Body))
		}
	})
}

func TestStoreKeysInsertionOrder(t *testing.T) {
	forEachDriver(t, func(t *testing.T, store Storage) {
		c := openCache(t, store, "demo-temp-cache")
		urls := []string{"https://app.local/index.html", "https://app.local/main.dart.js", "https://app.local/"}
		for _, u := range urls {
			mustPut(t, c, NewRequestKey("GET", u), u)
		}
		keys, err := c.Keys(context.Background())
		if err != nil {
			t.Fatalf("keys error: %v", err)
		}
		if len(keys) != len(urls) {
			t.Fatalf("expected %d keys, got %d", len(urls), len(keys))
		}
		for i, u := range urls {
			if keys[i].URL != u {
				t.Fatalf("key %d: expected %s, got %s", i, u, keys[i].URL)
			}
		}
	})
}

func TestStoreDeleteEntry(t *testing.T) {
	forEachDriver(t, func(t *testing.T, store Storage) {
		ctx := context.Background()
		c := openCache(t, store, "demo-app-cache")
		key := NewRequestKey("GET", "https://app.local/remove")
		mustPut(t, c, key, "data")

		removed, err := c.Delete(ctx, key)
		if err != nil || !removed {
			t.Fatalf("expected removal, got %v %v", removed, err)
		}
		if _, err := c.Match(ctx, key); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected not found after delete, got %v", err)
		}
		removed, err = c.Delete(ctx, key)
		if err != nil || removed {
			t.Fatalf("second delete should report false, got %v %v", removed, err)
		}
	})
}

func TestStorageDeleteDropsWholeCache(t *testing.T) {
	forEachDriver(t, func(t *testing.T, store Storage) {
		ctx := context.Background()
		c := openCache(t, store, "demo-app-manifest")
		mustPut(t, c, NewRequestKey("GET", "manifest"), "{}")

		if ok, err := store.Has(ctx, "demo-app-manifest"); err != nil || !ok {
			t.Fatalf("expected cache to exist, got %v %v", ok, err)
		}
		deleted, err := store.Delete(ctx, "demo-app-manifest")
		if err != nil || !deleted {
			t.Fatalf("expected delete to succeed, got %v %v", deleted, err)
		}
		if ok, _ := store.Has(ctx, "demo-app-manifest"); ok {
			t.Fatalf("cache should be absent after delete")
		}
		deleted, err = store.Delete(ctx, "demo-app-manifest")
		if err != nil || deleted {
			t.Fatalf("deleting a missing cache should report false, got %v %v", deleted, err)
		}

		reopened := openCache(t, store, "demo-app-manifest")
		keys, err := reopened.Keys(ctx)
		if err != nil {
			t.Fatalf("keys error: %v", err)
		}
		if len(keys) != 0 {
			t.Fatalf("recreated cache should be empty, got %v", keys)
		}
	})
}

func TestStorageNames(t *testing.T) {
	forEachDriver(t, func(t *testing.T, store Storage) {
		openCache(t, store, "b-cache")
		openCache(t, store, "a-cache")
		names, err := store.Names(context.Background())
		if err != nil {
			t.Fatalf("names error: %v", err)
		}
		if len(names) != 2 || names[0] != "a-cache" || names[1] != "b-cache" {
			t.Fatalf("unexpected names: %v", names)
		}
	})
}

func TestStorageRejectsInvalidNames(t *testing.T) {
	forEachDriver(t, func(t *testing.T, store Storage) {
		for _, name := range []string{"", "../escape", "a/b", " padded"} {
			if _, err := store.Open(context.Background(), name); !errors.Is(err, ErrInvalidName) {
				t.Fatalf("expected ErrInvalidName for %q, got %v", name, err)
			}
		}
	})
}

func TestStoreConcurrentPutsLastWriteWins(t *testing.T) {
	forEachDriver(t, func(t *testing.T, store Storage) {
		c := openCache(t, store, "demo-app-cache")
		key := NewRequestKey("GET", "https://app.local/race")

		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := c.Put(context.Background(), key, &Response{Status: 200, Body: []byte("same")}); err != nil {
					t.Errorf("put error: %v", err)
				}
			}()
		}
		wg.Wait()

		keys, err := c.Keys(context.Background())
		if err != nil {
			t.Fatalf("keys error: %v", err)
		}
		if len(keys) != 1 {
			t.Fatalf("expected a single entry, got %d", len(keys))
		}
	})
}

func TestFileStoreIgnoresStrayFiles(t *testing.T) {
	store := newTestStore(t)
	c := openCache(t, store, "demo-app-cache")
	mustPut(t, c, NewRequestKey("GET", "https://app.local/a"), "a")

	fs, ok := c.(*fileCache)
	if !ok {
		t.Fatalf("unexpected cache type %T", c)
	}
	if err := os.WriteFile(filepath.Join(fs.dir, "orphan.body"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write error: %v", err)
	}
	if err := os.MkdirAll(filepath.Join(fs.dir, "nested.meta"), 0o755); err != nil {
		t.Fatalf("mkdir error: %v", err)
	}

	keys, err := c.Keys(context.Background())
	if err != nil {
		t.Fatalf("keys error: %v", err)
	}
	if len(keys) != 1 {
		t.Fatalf("expected stray files to be ignored, got %v", keys)
	}
}

func TestResponseCloneIsIndependent(t *testing.T) {
	orig := &Response{Status: 200, Header: http.Header{"X": []string{"1"}}, Body: []byte("abc")}
	cloned := orig.Clone()
	cloned.Body[0] = 'z'
	cloned.Header.Set("X", "2")
	if string(orig.Body) != "abc" || orig.Header.Get("X") != "1" {
		t.Fatalf("clone must not share state with the original")
	}
	if !orig.OK() || (&Response{Status: 404}).OK() {
		t.Fatalf("OK should follow the 2xx range")
	}
}

func TestOpenSelectsDriver(t *testing.T) {
	testCases := []struct {
		driver    string
		shouldErr bool
	}{
		{"", false},
		{"fs", false},
		{"sqlite", false},
		{"memory", false},
		{"redis", true},
	}
	for _, tc := range testCases {
		t.Run(tc.driver, func(t *testing.T) {
			store, err := Open(tc.driver, t.TempDir())
			if tc.shouldErr {
				if err == nil {
					t.Fatalf("expected error for driver %q", tc.driver)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error for driver %q: %v", tc.driver, err)
			}
			store.Close()
		})
	}
}

// forEachDriver runs fn against every storage driver backed by a temp dir.
func forEachDriver(t *testing.T, fn func(t *testing.T, store Storage)) {
	t.Helper()
	drivers := map[string]func(t *testing.T) Storage{
		DriverFS:     newTestStore,
		DriverSQLite: newTestSQLiteStore,
		DriverMemory: func(*testing.T) Storage { return NewMemoryStore() },
	}
	for name, build := range drivers {
		t.Run(name, func(t *testing.T) {
			fn(t, build(t))
		})
	}
}

// newTestStore returns a Storage backed by a temporary directory.
func newTestStore(t *testing.T) Storage {
	t.Helper()
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return store
}

func newTestSQLiteStore(t *testing.T) Storage {
	t.Helper()
	store, err := NewSQLiteStore(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create sqlite store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func openCache(t *testing.T, store Storage, name string) Cache {
	t.Helper()
	c, err := store.Open(context.Background(), name)
	if err != nil {
		t.Fatalf("open %s: %v", name, err)
	}
	return c
}

func mustPut(t *testing.T, c Cache, key RequestKey, body string) {
	t.Helper()
	if err := c.Put(context.Background(), key, &Response{Status: http.StatusOK, Body: []byte(body)}); err != nil {
		t.Fatalf("put %s: %v", key, err)
	}
}
