package cache

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Storage 管理一组按名称区分的缓存，语义对应浏览器的 CacheStorage。
type Storage interface {
	// Open 打开指定名称的缓存，不存在时自动创建。
	Open(ctx context.Context, name string) (Store, error)

	// Lookup 返回已存在的缓存，不存在时返回 ErrNotFound 且不会创建。读路径只应使用 Lookup。
	Lookup(ctx context.Context, name string) (Store, error)

	// Has 判断指定名称的缓存是否存在。
	Has(ctx context.Context, name string) (bool, error)

	// Delete 删除整个缓存及其全部条目，返回删除前是否存在。
	Delete(ctx context.Context, name string) (bool, error)

	// Keys 返回当前存在的全部缓存名（按名称排序）。
	Keys(ctx context.Context) ([]string, error)
}

// Store 是单个命名缓存，键为去掉 fragment 的完整请求 URL（仅 GET 语义）。
type Store interface {
	Name() string

	// Match 返回 key 对应的响应快照。若不存在则返回 ErrNotFound。
	Match(ctx context.Context, key string) (*Response, error)

	// Put 写入或覆盖 key 对应的条目。实现需保证写入原子性：失败或取消时不得留下半写条目。
	Put(ctx context.Context, key string, resp *Response) error

	// Delete 删除单个条目，返回删除前是否存在。
	Delete(ctx context.Context, key string) (bool, error)

	// Keys 返回缓存中全部条目的 key（按字典序）。
	Keys(ctx context.Context) ([]string, error)
}

// Response 是缓存中保存的响应快照。
type Response struct {
	URL      string      `json:"url"`
	Status   int         `json:"status"`
	Header   http.Header `json:"header"`
	Body     []byte      `json:"-"`
	StoredAt time.Time   `json:"stored_at"`
}

// OK 与 fetch Response.ok 一致：状态码位于 200-299。
func (r *Response) OK() bool {
	return r != nil && r.Status >= 200 && r.Status <= 299
}

// Clone 深拷贝响应，调用方可独立修改 Header/Body。
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	cloned := *r
	cloned.Header = r.Header.Clone()
	if r.Body != nil {
		cloned.Body = append([]byte(nil), r.Body...)
	}
	return &cloned
}

var (
	// ErrNotFound 表示缓存条目不存在。
	ErrNotFound = errors.New("cache entry not found")
	// ErrInvalidName 表示缓存名不合法（为空、包含路径分隔符或以 . 开头）。
	ErrInvalidName = errors.New("invalid cache name")
)

// KeyFor 计算请求 URL 对应的缓存键：去掉 fragment，其余部分原样保留。
func KeyFor(u *url.URL) string {
	if u == nil {
		return ""
	}
	cloned := *u
	cloned.Fragment = ""
	cloned.RawFragment = ""
	return cloned.String()
}

func validateName(name string) error {
	if name == "" || strings.HasPrefix(name, ".") || strings.ContainsAny(name, `/\`) {
		return ErrInvalidName
	}
	return nil
}
