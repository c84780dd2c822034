package strategy

import (
	"errors"
	"net/http"
)

// NetworkOnly 直接把请求交给网络，响应原样返回。它不持有任何缓存引用，
// 因此动态数据请求在结构上就不可能读写缓存。
type NetworkOnly struct {
	fetcher Fetcher
}

// NewNetworkOnly 构造 network-only 策略。
func NewNetworkOnly(fetcher Fetcher) *NetworkOnly {
	return &NetworkOnly{fetcher: fetcher}
}

// Serve 发起单次网络请求，失败直接返回给调用方，不做重试。
func (n *NetworkOnly) Serve(req *http.Request) (*http.Response, error) {
	if n == nil || n.fetcher == nil {
		return nil, errors.New("network fetcher unavailable")
	}
	return n.fetcher.Do(req)
}
