package lifecycle

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/formqrapp/pwa-shell/internal/cache"
	"github.com/formqrapp/pwa-shell/internal/logging"
)

func TestRegistrationClaimsAfterActivation(t *testing.T) {
	reg := NewRegistration(logging.Discard())
	if reg.Active() != nil {
		t.Fatalf("expected no active worker")
	}
	if status := reg.Status(); status.Active {
		t.Fatalf("status should report inactive: %+v", status)
	}

	w := newTestWorker(t, cache.NewMemoryStorage(), newAssetServer().fetcher(), "1.0.0")
	if err := reg.Update(context.Background(), w); err != nil {
		t.Fatalf("update: %v", err)
	}
	if reg.Active() != w {
		t.Fatalf("worker should control requests after update")
	}
	status := reg.Status()
	if !status.Active || status.Version != "1.0.0" || status.State != StateActivated {
		t.Fatalf("unexpected status: %+v", status)
	}
	if status.StaticCache != "formqrapp-v1.0.0" || status.ActivatedAt.IsZero() {
		t.Fatalf("unexpected status details: %+v", status)
	}
}

func TestRegistrationKeepsPreviousOnInstallFailure(t *testing.T) {
	ctx := context.Background()
	storage := cache.NewMemoryStorage()
	reg := NewRegistration(logging.Discard())

	first := newTestWorker(t, storage, newAssetServer().fetcher(), "1.0.0")
	if err := reg.Update(ctx, first); err != nil {
		t.Fatalf("first update: %v", err)
	}

	broken := newAssetServer()
	broken.status[testManifest[1]] = http.StatusInternalServerError
	second := newTestWorker(t, storage, broken.fetcher(), "2.0.0")
	if err := reg.Update(ctx, second); err == nil {
		t.Fatalf("expected update failure")
	}

	if reg.Active() != first {
		t.Fatalf("previous worker should stay in control")
	}
	if second.State() != StateRedundant {
		t.Fatalf("failed worker should be redundant, got %s", second.State())
	}
	if keys := storeKeys(t, storage, "formqrapp-v1.0.0"); len(keys) != len(testManifest) {
		t.Fatalf("previous static cache must be untouched, got %d entries", len(keys))
	}
	status := reg.Status()
	if status.Version != "1.0.0" || status.LastVersion != "2.0.0" || status.LastError == "" {
		t.Fatalf("status should surface the failed attempt: %+v", status)
	}
}

func TestRegistrationVersionRollover(t *testing.T) {
	ctx := context.Background()
	storage := cache.NewMemoryStorage()
	reg := NewRegistration(logging.Discard())
	assets := newAssetServer()

	if err := reg.Update(ctx, newTestWorker(t, storage, assets.fetcher(), "1.0.0")); err != nil {
		t.Fatalf("update v1: %v", err)
	}
	next := newTestWorker(t, storage, assets.fetcher(), "1.1.0")
	if err := reg.Update(ctx, next); err != nil {
		t.Fatalf("update v1.1: %v", err)
	}
	if reg.Active() != next {
		t.Fatalf("new version should be active")
	}
	has, err := storage.Has(ctx, "formqrapp-v1.0.0")
	if err != nil || has {
		t.Fatalf("old static cache should be deleted (has=%v err=%v)", has, err)
	}
	if status := reg.Status(); status.LastError != "" {
		t.Fatalf("successful update should clear last error: %+v", status)
	}
}

func TestRetiredWorkerDoesNotRecreateItsCaches(t *testing.T) {
	ctx := context.Background()
	storage := cache.NewMemoryStorage()
	reg := NewRegistration(logging.Discard())
	assets := newAssetServer()

	old := newTestWorker(t, storage, assets.fetcher(), "1.0.0")
	if err := reg.Update(ctx, old); err != nil {
		t.Fatalf("update v1: %v", err)
	}
	if err := reg.Update(ctx, newTestWorker(t, storage, assets.fetcher(), "1.1.0")); err != nil {
		t.Fatalf("update v1.1: %v", err)
	}
	// 旧版本上仍在处理的请求：静态缓存已删除，按未命中走网络且不回写。
	req := httptest.NewRequest(http.MethodGet, "https://app.example.com/late.js", nil)
	req.RequestURI = ""
	result, err := old.CacheFirst().Serve(ctx, req)
	if err != nil {
		t.Fatalf("serve on retired worker: %v", err)
	}
	if result.CacheHit() {
		t.Fatalf("deleted static cache must not produce hits")
	}
	old.Flush()

	names, err := storage.Keys(ctx)
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	if len(names) != 1 || names[0] != "formqrapp-v1.1.0" {
		t.Fatalf("retired worker must not recreate caches, got %v", names)
	}
}

func TestRegistrationFlushWhileServing(t *testing.T) {
	ctx := context.Background()
	storage := cache.NewMemoryStorage()
	reg := NewRegistration(logging.Discard())
	w := newTestWorker(t, storage, newAssetServer().fetcher(), "1.0.0")
	if err := reg.Update(ctx, w); err != nil {
		t.Fatalf("update: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			req := httptest.NewRequest(http.MethodGet, "https://app.example.com/api/item", nil)
			req.RequestURI = ""
			if _, err := w.CacheFirst().Serve(ctx, req); err != nil {
				t.Errorf("serve: %v", err)
				return
			}
		}
	}()
	for i := 0; i < 100; i++ {
		reg.Flush()
	}
	<-done
	reg.Close()

	if keys := storeKeys(t, storage, "formqrapp-runtime"); len(keys) != 1 {
		t.Fatalf("expected one runtime entry, got %v", keys)
	}
}
