package lifecycle

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/formqrapp/pwa-shell/internal/logging"
)

// Registration 持有当前控制请求的 worker，并串行化新版本的安装与激活。
// 新版本安装完成后立即跳过等待进入激活，激活后立刻接管所有请求。
type Registration struct {
	logger *logrus.Logger

	updateMu sync.Mutex
	active   atomic.Pointer[Worker]

	statusMu    sync.RWMutex
	lastErr     error
	lastAttempt time.Time
	lastVersion string
}

// Status 是注册状态的只读快照，供诊断接口使用。
type Status struct {
	Active       bool      `json:"active"`
	Version      string    `json:"version,omitempty"`
	State        State     `json:"state,omitempty"`
	StaticCache  string    `json:"staticCache,omitempty"`
	RuntimeCache string    `json:"runtimeCache,omitempty"`
	InstalledAt  time.Time `json:"installedAt,omitempty"`
	ActivatedAt  time.Time `json:"activatedAt,omitempty"`
	LastAttempt  time.Time `json:"lastAttempt,omitempty"`
	LastVersion  string    `json:"lastAttemptVersion,omitempty"`
	LastError    string    `json:"lastError,omitempty"`
}

// NewRegistration 创建尚无活动 worker 的注册表。
func NewRegistration(logger *logrus.Logger) *Registration {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Registration{logger: logger}
}

// Active 返回当前控制请求的 worker；尚未有版本激活时返回 nil。
func (r *Registration) Active() *Worker {
	return r.active.Load()
}

// Update 依次安装并激活 w，成功后由 w 接管请求。
// 安装失败时 w 被丢弃，之前的活动版本保持不变。
func (r *Registration) Update(ctx context.Context, w *Worker) error {
	r.updateMu.Lock()
	defer r.updateMu.Unlock()

	r.recordAttempt(w.Version(), nil)

	fields := logging.WorkerFields("update", w.StaticCache(), w.RuntimeCache())
	fields["version"] = w.Version()

	if err := w.Install(ctx); err != nil {
		r.recordAttempt(w.Version(), err)
		r.logger.WithError(err).WithFields(fields).Error("worker_install_failed")
		return err
	}

	// 安装完成后不等待旧版本的客户端退出。
	if err := w.Activate(ctx); err != nil {
		r.recordAttempt(w.Version(), err)
		r.logger.WithError(err).WithFields(fields).Error("worker_activate_failed")
		return err
	}

	prev := r.active.Swap(w)
	if prev != nil && prev != w {
		// 仍在旧版本上处理的请求不再回写，已发起的回写在此等待完成。
		prev.Retire()
		fields["previous_version"] = prev.Version()
	}
	r.logger.WithFields(fields).Info("worker_claimed")
	return nil
}

// Flush 等待当前活动 worker 的回写完成，可与请求处理并发调用。
func (r *Registration) Flush() {
	if w := r.active.Load(); w != nil {
		w.Flush()
	}
}

// Close 退役当前活动 worker 并等待其回写完成，用于优雅退出。
// 之后到达的请求仍可由该 worker 响应，但不再回写运行时缓存。
func (r *Registration) Close() {
	if w := r.active.Load(); w != nil {
		w.Retire()
	}
}

// Status 返回当前快照。
func (r *Registration) Status() Status {
	r.statusMu.RLock()
	status := Status{
		LastAttempt: r.lastAttempt,
		LastVersion: r.lastVersion,
	}
	if r.lastErr != nil {
		status.LastError = r.lastErr.Error()
	}
	r.statusMu.RUnlock()

	if w := r.active.Load(); w != nil {
		status.Active = true
		status.Version = w.Version()
		status.State = w.State()
		status.StaticCache = w.StaticCache()
		status.RuntimeCache = w.RuntimeCache()
		status.InstalledAt, status.ActivatedAt = w.Timestamps()
	}
	return status
}

func (r *Registration) recordAttempt(version string, err error) {
	r.statusMu.Lock()
	defer r.statusMu.Unlock()
	r.lastAttempt = time.Now().UTC()
	r.lastVersion = version
	r.lastErr = err
}
