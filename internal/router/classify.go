// Package router classifies intercepted requests. Classification is a pure
// function of the request URL and the fixed allow/deny lists in Rules; it
// performs no I/O and keeps no state.
package router

import (
	"net/url"
	"strings"

	"github.com/formqrapp/pwa-shell/internal/config"
)

// Class 是请求的分类结果，每个请求恰好属于其中一类。
type Class string

const (
	// ClassSameOrigin 同源静态资源或页面请求，走 cache-first。
	ClassSameOrigin Class = "same-origin"
	// ClassAllowedCrossOrigin 白名单中的跨域脚本库请求，与同源静态资源同等对待。
	ClassAllowedCrossOrigin Class = "allowed-cross-origin"
	// ClassExcluded 动态数据请求（表单提交端点、远程文档存储），永远只走网络。
	ClassExcluded Class = "excluded"
	// ClassIgnored 其他跨域请求，不被拦截。
	ClassIgnored Class = "ignored"
)

// Intercepted 表示该分类是否由 worker 接管。
func (c Class) Intercepted() bool {
	return c != ClassIgnored
}

// Rules 描述同源判定与白名单/排除名单，通常由 config.AppConfig 构建一次后复用。
type Rules struct {
	SameOriginHosts []string
	AllowHosts      []string
	ExcludePatterns []string
}

// RulesFromConfig 基于应用配置构建分类规则。
func RulesFromConfig(app config.AppConfig) Rules {
	return Rules{
		SameOriginHosts: app.SameOriginHosts(),
		AllowHosts:      append([]string(nil), app.AllowHosts...),
		ExcludePatterns: append([]string(nil), app.ExcludePatterns...),
	}
}

// Classify 对逻辑请求 URL 分类：
//   - 跨域且不在白名单 → ClassIgnored
//   - 跨域且命中白名单 Host → ClassAllowedCrossOrigin
//   - 同源且 URL 命中排除规则 → ClassExcluded
//   - 其余同源请求 → ClassSameOrigin
func (r Rules) Classify(u *url.URL) Class {
	if u == nil {
		return ClassIgnored
	}
	host := strings.ToLower(u.Host)
	if !r.isSameOrigin(host) {
		if r.isAllowed(host) {
			return ClassAllowedCrossOrigin
		}
		return ClassIgnored
	}
	if r.isExcluded(u.String()) {
		return ClassExcluded
	}
	return ClassSameOrigin
}

func (r Rules) isSameOrigin(host string) bool {
	for _, same := range r.SameOriginHosts {
		if host == strings.ToLower(same) {
			return true
		}
	}
	return false
}

// isAllowed 允许精确匹配或子域名匹配。
func (r Rules) isAllowed(host string) bool {
	hostname := host
	if idx := strings.LastIndex(host, ":"); idx > -1 && !strings.Contains(host[idx:], "]") {
		hostname = host[:idx]
	}
	for _, allowed := range r.AllowHosts {
		allowed = strings.ToLower(allowed)
		if host == allowed || hostname == allowed || strings.HasSuffix(hostname, "."+allowed) {
			return true
		}
	}
	return false
}

func (r Rules) isExcluded(href string) bool {
	for _, pattern := range r.ExcludePatterns {
		if pattern != "" && strings.Contains(href, pattern) {
			return true
		}
	}
	return false
}
