package cache

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

type storageFactory struct {
	name string
	make func(t *testing.T) Storage
}

func storageFactories() []storageFactory {
	return []storageFactory{
		{name: "disk", make: newTestStorage},
		{name: "memory", make: func(*testing.T) Storage { return NewMemoryStorage() }},
	}
}

func TestStorePutAndMatch(t *testing.T) {
	for _, factory := range storageFactories() {
		t.Run(factory.name, func(t *testing.T) {
			storage := factory.make(t)
			store := openStore(t, storage, "formqrapp-runtime")

			key := "https://formqr.example.com/style.css"
			payload := []byte("body { color: #1F2937; }\n")
			resp := &Response{
				Status: http.StatusOK,
				Header: http.Header{"Content-Type": []string{"text/css"}},
				Body:   payload,
			}
			if err := store.Put(context.Background(), key, resp); err != nil {
				t.Fatalf("put error: %v", err)
			}

			got, err := store.Match(context.Background(), key)
			if err != nil {
				t.Fatalf("match error: %v", err)
			}
			if !bytes.Equal(got.Body, payload) {
				t.Fatalf("cached payload mismatch: %q", string(got.Body))
			}
			if got.Status != http.StatusOK {
				t.Fatalf("status mismatch: %d", got.Status)
			}
			if got.Header.Get("Content-Type") != "text/css" {
				t.Fatalf("header mismatch: %v", got.Header)
			}
			if got.URL != key {
				t.Fatalf("url mismatch: %s", got.URL)
			}
			if got.StoredAt.IsZero() {
				t.Fatalf("stored_at should be populated")
			}
		})
	}
}

func TestStoreMatchMissing(t *testing.T) {
	for _, factory := range storageFactories() {
		t.Run(factory.name, func(t *testing.T) {
			store := openStore(t, factory.make(t), "formqrapp-v1")
			if _, err := store.Match(context.Background(), "https://formqr.example.com/missing"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound, got %v", err)
			}
		})
	}
}

func TestStorePutOverwritesSameKey(t *testing.T) {
	for _, factory := range storageFactories() {
		t.Run(factory.name, func(t *testing.T) {
			store := openStore(t, factory.make(t), "formqrapp-v1")
			key := "https://formqr.example.com/index.html"
			for _, body := range []string{"v1", "v2"} {
				if err := store.Put(context.Background(), key, &Response{Status: 200, Body: []byte(body)}); err != nil {
					t.Fatalf("put error: %v", err)
				}
			}
			keys, err := store.Keys(context.Background())
			if err != nil {
				t.Fatalf("keys error: %v", err)
			}
			if len(keys) != 1 || keys[0] != key {
				t.Fatalf("expected single key, got %v", keys)
			}
			got, err := store.Match(context.Background(), key)
			if err != nil {
				t.Fatalf("match error: %v", err)
			}
			if string(got.Body) != "v2" {
				t.Fatalf("expected latest body, got %s", string(got.Body))
			}
		})
	}
}

func TestStoreDeleteEntry(t *testing.T) {
	for _, factory := range storageFactories() {
		t.Run(factory.name, func(t *testing.T) {
			store := openStore(t, factory.make(t), "formqrapp-v1")
			key := "https://formqr.example.com/form.html"
			if err := store.Put(context.Background(), key, &Response{Status: 200, Body: []byte("form")}); err != nil {
				t.Fatalf("put error: %v", err)
			}
			deleted, err := store.Delete(context.Background(), key)
			if err != nil || !deleted {
				t.Fatalf("expected delete to succeed, got %v %v", deleted, err)
			}
			if _, err := store.Match(context.Background(), key); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected not found after delete, got %v", err)
			}
			deleted, err = store.Delete(context.Background(), key)
			if err != nil || deleted {
				t.Fatalf("second delete should report false, got %v %v", deleted, err)
			}
		})
	}
}

func TestStorageKeysAndDelete(t *testing.T) {
	for _, factory := range storageFactories() {
		t.Run(factory.name, func(t *testing.T) {
			storage := factory.make(t)
			ctx := context.Background()
			for _, name := range []string{"formqrapp-v1", "formqrapp-v2", "formqrapp-runtime"} {
				openStore(t, storage, name)
			}

			names, err := storage.Keys(ctx)
			if err != nil {
				t.Fatalf("keys error: %v", err)
			}
			want := []string{"formqrapp-runtime", "formqrapp-v1", "formqrapp-v2"}
			if strings.Join(names, ",") != strings.Join(want, ",") {
				t.Fatalf("expected %v, got %v", want, names)
			}

			deleted, err := storage.Delete(ctx, "formqrapp-v1")
			if err != nil || !deleted {
				t.Fatalf("delete error: %v %v", deleted, err)
			}
			if ok, _ := storage.Has(ctx, "formqrapp-v1"); ok {
				t.Fatalf("deleted cache should be gone")
			}
			if ok, _ := storage.Has(ctx, "formqrapp-runtime"); !ok {
				t.Fatalf("other caches must survive")
			}
			if deleted, _ := storage.Delete(ctx, "formqrapp-v1"); deleted {
				t.Fatalf("deleting a missing cache should report false")
			}
		})
	}
}

func TestStorageLookupDoesNotCreate(t *testing.T) {
	for _, factory := range storageFactories() {
		t.Run(factory.name, func(t *testing.T) {
			storage := factory.make(t)
			ctx := context.Background()

			if _, err := storage.Lookup(ctx, "formqrapp-v1"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound for missing cache, got %v", err)
			}
			if ok, _ := storage.Has(ctx, "formqrapp-v1"); ok {
				t.Fatalf("lookup must not create the cache")
			}

			store := openStore(t, storage, "formqrapp-v1")
			if err := store.Put(ctx, "https://formqr.example.com/", &Response{Status: http.StatusOK, Body: []byte("home")}); err != nil {
				t.Fatalf("put error: %v", err)
			}
			found, err := storage.Lookup(ctx, "formqrapp-v1")
			if err != nil {
				t.Fatalf("lookup error: %v", err)
			}
			resp, err := found.Match(ctx, "https://formqr.example.com/")
			if err != nil || string(resp.Body) != "home" {
				t.Fatalf("lookup should see existing entries: %v", err)
			}

			if _, err := storage.Delete(ctx, "formqrapp-v1"); err != nil {
				t.Fatalf("delete error: %v", err)
			}
			if _, err := found.Match(ctx, "https://formqr.example.com/"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("deleted cache should miss, got %v", err)
			}
			if ok, _ := storage.Has(ctx, "formqrapp-v1"); ok {
				t.Fatalf("matching a deleted cache must not recreate it")
			}
		})
	}
}

func TestStorageRejectsInvalidNames(t *testing.T) {
	for _, factory := range storageFactories() {
		t.Run(factory.name, func(t *testing.T) {
			storage := factory.make(t)
			for _, name := range []string{"", ".hidden", "../escape", `a\b`} {
				if _, err := storage.Open(context.Background(), name); !errors.Is(err, ErrInvalidName) {
					t.Fatalf("expected ErrInvalidName for %q, got %v", name, err)
				}
			}
		})
	}
}

func TestDiskPutCancelledDoesNotCommit(t *testing.T) {
	storage := newTestStorage(t)
	store := openStore(t, storage, "formqrapp-runtime")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	key := "https://formqr.example.com/big.png"
	err := store.Put(ctx, key, &Response{Status: 200, Body: bytes.Repeat([]byte("x"), 128*1024)})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if _, err := store.Match(context.Background(), key); !errors.Is(err, ErrNotFound) {
		t.Fatalf("cancelled put must not be visible, got %v", err)
	}

	dir := filepath.Join(storage.(*diskStorage).basePath, "formqrapp-runtime")
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir error: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("temp files should be cleaned up, found %d", len(entries))
	}
}

func TestDiskMatchIgnoresTruncatedEntry(t *testing.T) {
	storage := newTestStorage(t)
	store := openStore(t, storage, "formqrapp-v1")
	key := "https://formqr.example.com/script.js"
	if err := store.Put(context.Background(), key, &Response{Status: 200, Body: []byte("console.log(1)")}); err != nil {
		t.Fatalf("put error: %v", err)
	}

	path := store.(*diskStore).entryPath(key)
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat error: %v", err)
	}
	if err := os.Truncate(path, info.Size()-3); err != nil {
		t.Fatalf("truncate error: %v", err)
	}
	if _, err := store.Match(context.Background(), key); !errors.Is(err, ErrNotFound) {
		t.Fatalf("truncated entry should be a miss, got %v", err)
	}
}

func TestMemoryStoreDroppedRejectsWrites(t *testing.T) {
	storage := NewMemoryStorage()
	store := openStore(t, storage, "formqrapp-v1")
	if _, err := storage.Delete(context.Background(), "formqrapp-v1"); err != nil {
		t.Fatalf("delete error: %v", err)
	}
	if err := store.Put(context.Background(), "https://formqr.example.com/", &Response{Status: 200}); err == nil {
		t.Fatalf("writes to a deleted cache should fail")
	}
}

func TestKeyForStripsFragment(t *testing.T) {
	u, _ := url.Parse("https://formqr.example.com/index.html?lang=en#top")
	if got := KeyFor(u); got != "https://formqr.example.com/index.html?lang=en" {
		t.Fatalf("unexpected key: %s", got)
	}
}

func TestResponseOK(t *testing.T) {
	for status, want := range map[int]bool{199: false, 200: true, 204: true, 299: true, 304: false, 404: false} {
		if got := (&Response{Status: status}).OK(); got != want {
			t.Fatalf("status %d: expected %v", status, want)
		}
	}
}

// newTestStorage returns a disk Storage backed by a temporary directory.
func newTestStorage(t *testing.T) Storage {
	t.Helper()
	storage, err := NewDiskStorage(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}
	return storage
}

func openStore(t *testing.T, storage Storage, name string) Store {
	t.Helper()
	store, err := storage.Open(context.Background(), name)
	if err != nil {
		t.Fatalf("open %s error: %v", name, err)
	}
	return store
}
