package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/formqrapp/pwa-shell/internal/cache"
	"github.com/formqrapp/pwa-shell/internal/config"
	"github.com/formqrapp/pwa-shell/internal/logging"
	"github.com/formqrapp/pwa-shell/internal/strategy"
)

// Options 描述一个 worker 版本：缓存名、预缓存清单以及共享的存储/网络协作者。
// 缓存名以显式配置传入，便于在测试中模拟任意版本。
type Options struct {
	AppName      string
	Version      string
	StaticCache  string
	RuntimeCache string
	// Manifest 是按顺序排列的绝对 URL。
	Manifest    []string
	OfflinePage string
	Concurrency int
	// MaxEntryBytes 限制请求路径上缓冲并回写的单个正文大小，<=0 使用默认值。
	MaxEntryBytes int64
	Storage       cache.Storage
	Fetcher       strategy.Fetcher
	Logger        *logrus.Logger
}

// OptionsFromConfig 基于配置构建 worker 参数。
func OptionsFromConfig(cfg *config.Config, storage cache.Storage, fetcher strategy.Fetcher, logger *logrus.Logger) (Options, error) {
	if cfg == nil {
		return Options{}, errors.New("config is nil")
	}
	manifest, err := cfg.App.ManifestURLs()
	if err != nil {
		return Options{}, err
	}
	return Options{
		AppName:       cfg.App.Name,
		Version:       cfg.App.Version,
		StaticCache:   cfg.App.StaticCacheName(),
		RuntimeCache:  cfg.App.RuntimeCacheName(),
		Manifest:      manifest,
		OfflinePage:   cfg.App.OfflinePageURL(),
		Concurrency:   cfg.Global.InstallConcurrency,
		MaxEntryBytes: cfg.Global.MaxEntryBytes,
		Storage:       storage,
		Fetcher:       fetcher,
		Logger:        logger,
	}, nil
}

// Worker 是单个版本的离线缓存管理器，按 parsed → installing → installed → activating → activated
// 单向推进；安装失败进入 redundant，之后不再参与服务。
type Worker struct {
	opts       Options
	cacheFirst *strategy.CacheFirst
	network    *strategy.NetworkOnly

	mu          sync.RWMutex
	state       State
	installedAt time.Time
	activatedAt time.Time
}

// NewWorker 校验参数并构造处于 parsed 状态的 worker。
func NewWorker(opts Options) (*Worker, error) {
	if opts.Storage == nil {
		return nil, errors.New("cache storage is required")
	}
	if opts.Fetcher == nil {
		return nil, errors.New("fetcher is required")
	}
	if opts.StaticCache == "" || opts.RuntimeCache == "" {
		return nil, errors.New("cache names are required")
	}
	if opts.StaticCache == opts.RuntimeCache {
		return nil, errors.New("static and runtime cache names must differ")
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	opts.Manifest = append([]string(nil), opts.Manifest...)

	cacheFirst, err := strategy.NewCacheFirst(strategy.CacheFirstOptions{
		AppName:      opts.AppName,
		StaticCache:  opts.StaticCache,
		RuntimeCache: opts.RuntimeCache,
		OfflinePage:  opts.OfflinePage,
		MaxBodyBytes: opts.MaxEntryBytes,
		Storage:      opts.Storage,
		Fetcher:      opts.Fetcher,
		Logger:       opts.Logger,
	})
	if err != nil {
		return nil, err
	}

	return &Worker{
		opts:       opts,
		cacheFirst: cacheFirst,
		network:    strategy.NewNetworkOnly(opts.Fetcher),
		state:      StateParsed,
	}, nil
}

// State 返回当前生命周期阶段。
func (w *Worker) State() State {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state
}

func (w *Worker) Version() string      { return w.opts.Version }
func (w *Worker) StaticCache() string  { return w.opts.StaticCache }
func (w *Worker) RuntimeCache() string { return w.opts.RuntimeCache }
func (w *Worker) Manifest() []string   { return append([]string(nil), w.opts.Manifest...) }

// CacheFirst 返回该版本绑定的 cache-first 策略。
func (w *Worker) CacheFirst() *strategy.CacheFirst {
	return w.cacheFirst
}

// NetworkOnly 返回该版本使用的 network-only 策略。
func (w *Worker) NetworkOnly() *strategy.NetworkOnly {
	return w.network
}

// Flush 等待该版本尚未完成的运行时缓存回写。
func (w *Worker) Flush() {
	w.cacheFirst.Flush()
}

// Retire 在版本被替换或进程退出时调用：停止新的回写并等待已发起的回写完成。
func (w *Worker) Retire() {
	w.cacheFirst.Close()
}

// Timestamps 返回安装与激活完成时间，未发生时为零值。
func (w *Worker) Timestamps() (installed, activated time.Time) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.installedAt, w.activatedAt
}

func (w *Worker) transition(to State) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !canTransition(w.state, to) {
		return transitionError(w.state, to)
	}
	w.state = to
	switch to {
	case StateInstalled:
		w.installedAt = time.Now().UTC()
	case StateActivated:
		w.activatedAt = time.Now().UTC()
	}
	return nil
}

// Install 打开当前版本的静态缓存并预取全部清单条目。所有条目必须先全部取回成功才会写入，
// 任一条目失败（网络错误或非 2xx）都会使整个安装失败，worker 进入 redundant。
// 重复安装同一版本会覆盖已有条目，不会产生重复键。
func (w *Worker) Install(ctx context.Context) error {
	if err := w.transition(StateInstalling); err != nil {
		return err
	}
	fields := logging.WorkerFields("install", w.opts.StaticCache, w.opts.RuntimeCache)
	fields["version"] = w.opts.Version
	fields["assets"] = len(w.opts.Manifest)
	w.opts.Logger.WithFields(fields).Info("worker_installing")

	if err := w.precache(ctx); err != nil {
		_ = w.transition(StateRedundant)
		return err
	}
	if err := w.transition(StateInstalled); err != nil {
		return err
	}
	w.opts.Logger.WithFields(fields).Info("worker_installed")
	return nil
}

// precache 先取回全部条目再写入。静态缓存只在提交阶段打开，
// 提交失败时回滚：本次新建的缓存整体删除，已存在的缓存恢复被覆盖的条目。
func (w *Worker) precache(ctx context.Context) error {
	responses := make([]*cache.Response, len(w.opts.Manifest))
	keys := make([]string, len(w.opts.Manifest))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.opts.Concurrency)
	for i, raw := range w.opts.Manifest {
		g.Go(func() error {
			key, resp, err := w.fetchAsset(gctx, raw)
			if err != nil {
				return &InstallError{URL: raw, Err: err}
			}
			keys[i] = key
			responses[i] = resp
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	existed, err := w.opts.Storage.Has(ctx, w.opts.StaticCache)
	if err != nil {
		return fmt.Errorf("check static cache: %w", err)
	}
	store, err := w.opts.Storage.Open(ctx, w.opts.StaticCache)
	if err != nil {
		return fmt.Errorf("open static cache: %w", err)
	}
	var undo []committed
	for i, resp := range responses {
		if existed {
			prev, err := store.Match(ctx, keys[i])
			if err != nil && !errors.Is(err, cache.ErrNotFound) {
				w.rollback(store, existed, undo)
				return &InstallError{URL: w.opts.Manifest[i], Err: err}
			}
			undo = append(undo, committed{key: keys[i], prev: prev})
		}
		if err := store.Put(ctx, keys[i], resp); err != nil {
			w.rollback(store, existed, undo)
			return &InstallError{URL: w.opts.Manifest[i], Err: err}
		}
	}
	return nil
}

// committed 记录提交阶段覆盖前的条目，prev 为 nil 表示该键原本不存在。
type committed struct {
	key  string
	prev *cache.Response
}

// rollback 撤销未完成的提交，失败只记录日志。
func (w *Worker) rollback(store cache.Store, existed bool, undo []committed) {
	ctx := context.Background()
	fields := logging.WorkerFields("install", w.opts.StaticCache, w.opts.RuntimeCache)
	fields["version"] = w.opts.Version
	if !existed {
		if _, err := w.opts.Storage.Delete(ctx, w.opts.StaticCache); err != nil {
			w.opts.Logger.WithError(err).WithFields(fields).Warn("install_rollback_failed")
		}
		return
	}
	for i := len(undo) - 1; i >= 0; i-- {
		var err error
		if undo[i].prev != nil {
			err = store.Put(ctx, undo[i].key, undo[i].prev)
		} else {
			_, err = store.Delete(ctx, undo[i].key)
		}
		if err != nil {
			w.opts.Logger.WithError(err).WithFields(fields).WithField("url", undo[i].key).Warn("install_rollback_failed")
		}
	}
}

func (w *Worker) fetchAsset(ctx context.Context, raw string) (string, *cache.Response, error) {
	target, err := url.Parse(raw)
	if err != nil {
		return "", nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return "", nil, err
	}
	resp, err := w.opts.Fetcher.Do(req)
	if err != nil {
		return "", nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", nil, &StatusError{Status: resp.StatusCode}
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", nil, err
	}
	key := cache.KeyFor(target)
	return key, &cache.Response{
		URL:      key,
		Status:   resp.StatusCode,
		Header:   resp.Header.Clone(),
		Body:     body,
		StoredAt: time.Now().UTC(),
	}, nil
}

// Activate 删除所有既不是当前静态缓存、也不是运行时缓存的命名缓存。
// 清理是尽力而为的：枚举或删除失败只记录日志，不阻止激活完成。
func (w *Worker) Activate(ctx context.Context) error {
	if err := w.transition(StateActivating); err != nil {
		return err
	}
	fields := logging.WorkerFields("activate", w.opts.StaticCache, w.opts.RuntimeCache)
	fields["version"] = w.opts.Version
	w.opts.Logger.WithFields(fields).Info("worker_activating")

	w.deleteStaleCaches(ctx)

	if err := w.transition(StateActivated); err != nil {
		return err
	}
	w.opts.Logger.WithFields(fields).Info("worker_activated")
	return nil
}

func (w *Worker) deleteStaleCaches(ctx context.Context) {
	names, err := w.opts.Storage.Keys(ctx)
	if err != nil {
		w.opts.Logger.WithError(err).
			WithFields(logging.WorkerFields("activate", w.opts.StaticCache, w.opts.RuntimeCache)).
			Warn("cache_keys_failed")
		return
	}

	var g errgroup.Group
	for _, name := range names {
		if name == w.opts.StaticCache || name == w.opts.RuntimeCache {
			continue
		}
		g.Go(func() error {
			fields := logging.WorkerFields("activate", w.opts.StaticCache, w.opts.RuntimeCache)
			fields["cache_name"] = name
			if _, err := w.opts.Storage.Delete(ctx, name); err != nil {
				w.opts.Logger.WithError(err).WithFields(fields).Warn("stale_cache_delete_failed")
				return nil
			}
			w.opts.Logger.WithFields(fields).Info("stale_cache_deleted")
			return nil
		})
	}
	_ = g.Wait()
}
