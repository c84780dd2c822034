package strategy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/formqrapp/pwa-shell/internal/cache"
	"github.com/formqrapp/pwa-shell/internal/config"
	"github.com/formqrapp/pwa-shell/internal/fallback"
)

// Source 标记响应的来源，供日志与响应头输出。
type Source string

const (
	SourceStaticCache Source = "static-cache"
	SourceNetwork     Source = "network"
	SourceOfflinePage Source = "offline-page"
	SourceFallback    Source = "fallback"
)

// Result 是一次 cache-first 检索的结果。
type Result struct {
	Response *cache.Response
	Source   Source
	// Stream 非空时正文未被缓冲，Response.Body 为空；调用方负责读取并 Close。
	Stream io.ReadCloser
}

// Close 释放未读完的网络正文。
func (r Result) Close() error {
	if r.Stream == nil {
		return nil
	}
	return r.Stream.Close()
}

// CacheHit 表示响应是否来自缓存（静态缓存或离线页）。
func (r Result) CacheHit() bool {
	return r.Source == SourceStaticCache || r.Source == SourceOfflinePage
}

// CacheFirstOptions 描述 cache-first 策略所需的缓存名与协作者。
type CacheFirstOptions struct {
	AppName      string
	StaticCache  string
	RuntimeCache string
	// OfflinePage 是离线页的绝对 URL，导航失败时先在静态缓存中查找，为空则直接合成兜底页。
	OfflinePage string
	// MaxBodyBytes 是缓冲并回写的正文上限，超过时改为流式返回；<=0 时使用 config.DefaultMaxEntryBytes。
	MaxBodyBytes int64
	Storage      cache.Storage
	Fetcher      Fetcher
	Logger       *logrus.Logger
}

// CacheFirst 实现 “静态缓存 → 网络 → 兜底页” 的检索流程。
// 回写运行时缓存在独立 goroutine 中进行，不阻塞响应返回，失败只记录日志。
// Close 之后不再发起新的回写。
type CacheFirst struct {
	opts CacheFirstOptions

	// mu 保证 writes.Add 与 writes.Wait 不会并发执行。
	mu     sync.Mutex
	closed bool
	writes sync.WaitGroup
}

// NewCacheFirst 构造 cache-first 策略。
func NewCacheFirst(opts CacheFirstOptions) (*CacheFirst, error) {
	if opts.Storage == nil {
		return nil, errors.New("cache storage is required")
	}
	if opts.Fetcher == nil {
		return nil, errors.New("fetcher is required")
	}
	if opts.StaticCache == "" || opts.RuntimeCache == "" {
		return nil, errors.New("cache names are required")
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = config.DefaultMaxEntryBytes
	}
	return &CacheFirst{opts: opts}, nil
}

// Serve 按顺序执行：
//  1. 在静态缓存中查找，命中直接返回，不发起网络请求；
//  2. 发起网络请求，2xx 的 GET 响应异步克隆写入运行时缓存；
//     非 GET 或正文超过 MaxBodyBytes 的响应以 Result.Stream 流式返回，不回写；
//  3. 网络失败时，导航请求返回离线页/兜底页，其他请求把错误返回给调用方。
func (s *CacheFirst) Serve(ctx context.Context, req *http.Request) (Result, error) {
	key := cache.KeyFor(req.URL)
	cacheable := req.Method == http.MethodGet

	if cacheable {
		if resp := s.matchStatic(ctx, key); resp != nil {
			return Result{Response: resp, Source: SourceStaticCache}, nil
		}
	}

	resp, stream, err := s.fetch(req.WithContext(ctx), cacheable)
	if err == nil {
		if stream != nil {
			return Result{Response: resp, Source: SourceNetwork, Stream: stream}, nil
		}
		if cacheable && resp.OK() {
			s.writeBack(ctx, key, resp.Clone())
		}
		return Result{Response: resp, Source: SourceNetwork}, nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return Result{}, ctxErr
	}
	if !IsNavigation(req) {
		return Result{}, err
	}

	s.opts.Logger.WithError(err).WithFields(logrus.Fields{
		"action": "cache_first",
		"url":    key,
	}).Warn("navigation_offline")

	if page := s.offlinePage(ctx); page != nil {
		return Result{Response: page, Source: SourceOfflinePage}, nil
	}
	return Result{Response: fallback.Page(s.opts.AppName, req.URL.String()), Source: SourceFallback}, nil
}

// Flush 等待所有尚未完成的运行时缓存回写。等待期间新的回写会阻塞到 Flush 返回。
func (s *CacheFirst) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes.Wait()
}

// Close 停止接受新的回写并等待已发起的回写完成，用于版本退役。可重复调用。
func (s *CacheFirst) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.writes.Wait()
}

// StaticCache 返回静态缓存名。
func (s *CacheFirst) StaticCache() string {
	return s.opts.StaticCache
}

// RuntimeCache 返回运行时缓存名。
func (s *CacheFirst) RuntimeCache() string {
	return s.opts.RuntimeCache
}

// matchStatic 不会创建静态缓存：已被 Activate 删除的旧版本缓存按未命中处理。
func (s *CacheFirst) matchStatic(ctx context.Context, key string) *cache.Response {
	store, err := s.opts.Storage.Lookup(ctx, s.opts.StaticCache)
	if errors.Is(err, cache.ErrNotFound) {
		return nil
	}
	if err != nil {
		s.logLookupFailure(err, key)
		return nil
	}
	resp, err := store.Match(ctx, key)
	switch {
	case err == nil:
		return resp
	case errors.Is(err, cache.ErrNotFound):
		// miss, continue
	default:
		s.logLookupFailure(err, key)
	}
	return nil
}

func (s *CacheFirst) offlinePage(ctx context.Context) *cache.Response {
	if s.opts.OfflinePage == "" {
		return nil
	}
	return s.matchStatic(ctx, s.opts.OfflinePage)
}

// fetch 发起网络请求。buffer 为 true 时最多读取 MaxBodyBytes 字节的正文，
// 未超限则完整缓冲，超限或 buffer 为 false 时返回只含状态与头部的快照和剩余正文流。
// 缓冲阶段的读取失败同样视为网络失败。
func (s *CacheFirst) fetch(req *http.Request, buffer bool) (*cache.Response, io.ReadCloser, error) {
	resp, err := s.opts.Fetcher.Do(req)
	if err != nil {
		return nil, nil, err
	}
	snapshot := &cache.Response{
		URL:      cache.KeyFor(req.URL),
		Status:   resp.StatusCode,
		Header:   resp.Header.Clone(),
		StoredAt: time.Now().UTC(),
	}
	if !buffer {
		return snapshot, resp.Body, nil
	}

	prefix, err := io.ReadAll(io.LimitReader(resp.Body, s.opts.MaxBodyBytes+1))
	if err != nil {
		resp.Body.Close()
		return nil, nil, fmt.Errorf("read response body: %w", err)
	}
	if int64(len(prefix)) > s.opts.MaxBodyBytes {
		s.opts.Logger.WithFields(logrus.Fields{
			"action":    "write_back",
			"url":       snapshot.URL,
			"max_bytes": s.opts.MaxBodyBytes,
		}).Debug("write_back_skipped_oversize")
		return snapshot, &prefixedBody{Reader: io.MultiReader(bytes.NewReader(prefix), resp.Body), body: resp.Body}, nil
	}
	resp.Body.Close()
	snapshot.Body = prefix
	return snapshot, nil, nil
}

// prefixedBody 把已读出的前缀与剩余正文拼接，Close 关闭底层连接。
type prefixedBody struct {
	io.Reader
	body io.Closer
}

func (p *prefixedBody) Close() error {
	return p.body.Close()
}

func (s *CacheFirst) writeBack(ctx context.Context, key string, resp *cache.Response) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.opts.Logger.WithFields(logrus.Fields{
			"action":     "write_back",
			"cache_name": s.opts.RuntimeCache,
			"url":        key,
		}).Debug("write_back_skipped_closed")
		return
	}
	s.writes.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.writes.Done()
		// 请求被取消不影响已经拿到的完整响应写入。
		writeCtx := context.WithoutCancel(ctx)
		store, err := s.opts.Storage.Open(writeCtx, s.opts.RuntimeCache)
		if err == nil {
			err = store.Put(writeCtx, key, resp)
		}
		if err != nil {
			s.opts.Logger.WithError(err).WithFields(logrus.Fields{
				"action":     "write_back",
				"cache_name": s.opts.RuntimeCache,
				"url":        key,
			}).Debug("write_back_failed")
		}
	}()
}

func (s *CacheFirst) logLookupFailure(err error, key string) {
	s.opts.Logger.WithError(err).WithFields(logrus.Fields{
		"action":     "cache_match",
		"cache_name": s.opts.StaticCache,
		"url":        key,
	}).Warn("cache_match_failed")
}
