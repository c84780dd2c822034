package strategy

import (
	"net/http"
	"strings"
)

// Fetcher 是网络访问能力，*http.Client 天然满足该接口，测试中可替换为计数 fake。
type Fetcher interface {
	Do(req *http.Request) (*http.Response, error)
}

// FetcherFunc 将函数适配为 Fetcher。
type FetcherFunc func(*http.Request) (*http.Response, error)

// Do 使 FetcherFunc 满足 Fetcher。
func (f FetcherFunc) Do(req *http.Request) (*http.Response, error) {
	return f(req)
}

// IsNavigation 判断请求是否为顶层文档导航。优先使用 Sec-Fetch-Mode/Sec-Fetch-Dest，
// 两者都缺失时退化为 “GET 且 Accept 包含 text/html”。
func IsNavigation(req *http.Request) bool {
	if req == nil {
		return false
	}
	mode := strings.ToLower(req.Header.Get("Sec-Fetch-Mode"))
	dest := strings.ToLower(req.Header.Get("Sec-Fetch-Dest"))
	if mode != "" || dest != "" {
		return mode == "navigate" || dest == "document"
	}
	if req.Method != http.MethodGet {
		return false
	}
	return strings.Contains(strings.ToLower(req.Header.Get("Accept")), "text/html")
}
