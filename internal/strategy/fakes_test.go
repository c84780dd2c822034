package strategy

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/formqrapp/pwa-shell/internal/cache"
)

var errOffline = errors.New("dial tcp: network is unreachable")

// fakeFetcher 按 URL 返回预设响应，未配置的 URL 返回 errOffline，并记录调用次数。
type fakeFetcher struct {
	mu        sync.Mutex
	responses map[string]fakeResponse
	calls     []string
}

type fakeResponse struct {
	status int
	body   string
	header http.Header
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{responses: make(map[string]fakeResponse)}
}

func (f *fakeFetcher) set(url string, status int, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[url] = fakeResponse{status: status, body: body, header: http.Header{"Content-Type": []string{"text/plain"}}}
}

func (f *fakeFetcher) Do(req *http.Request) (*http.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req.URL.String())
	if err := req.Context().Err(); err != nil {
		return nil, err
	}
	resp, ok := f.responses[req.URL.String()]
	if !ok {
		return nil, errOffline
	}
	return &http.Response{
		StatusCode: resp.status,
		Header:     resp.header.Clone(),
		Body:       io.NopCloser(strings.NewReader(resp.body)),
		Request:    req,
	}, nil
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// countingStorage 包装任意 Storage，统计缓存读写调用，用于断言 “零缓存访问”。
type countingStorage struct {
	cache.Storage
	opens   atomic.Int64
	matches atomic.Int64
	puts    atomic.Int64
}

func newCountingStorage() *countingStorage {
	return &countingStorage{Storage: cache.NewMemoryStorage()}
}

func (s *countingStorage) Open(ctx context.Context, name string) (cache.Store, error) {
	s.opens.Add(1)
	store, err := s.Storage.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	return &countingStore{Store: store, parent: s}, nil
}

func (s *countingStorage) Lookup(ctx context.Context, name string) (cache.Store, error) {
	s.opens.Add(1)
	store, err := s.Storage.Lookup(ctx, name)
	if err != nil {
		return nil, err
	}
	return &countingStore{Store: store, parent: s}, nil
}

func (s *countingStorage) total() int64 {
	return s.opens.Load() + s.matches.Load() + s.puts.Load()
}

type countingStore struct {
	cache.Store
	parent *countingStorage
}

func (s *countingStore) Match(ctx context.Context, key string) (*cache.Response, error) {
	s.parent.matches.Add(1)
	return s.Store.Match(ctx, key)
}

func (s *countingStore) Put(ctx context.Context, key string, resp *cache.Response) error {
	s.parent.puts.Add(1)
	return s.Store.Put(ctx, key, resp)
}

// failingStorage 的写入总是失败，用于验证回写失败被吞掉。
type failingStorage struct {
	cache.Storage
}

func (s failingStorage) Open(ctx context.Context, name string) (cache.Store, error) {
	store, err := s.Storage.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	return failingStore{Store: store}, nil
}

type failingStore struct {
	cache.Store
}

func (failingStore) Put(context.Context, string, *cache.Response) error {
	return errors.New("disk full")
}
