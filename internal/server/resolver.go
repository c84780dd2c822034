package server

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/formqrapp/pwa-shell/internal/config"
	"github.com/formqrapp/pwa-shell/internal/router"
)

// Route 是一次拦截请求的解析结果：逻辑 URL 与分类，供代理层直接复用。
type Route struct {
	// Class 是 router.Rules 对 Target 的分类。
	Class router.Class
	// Target 是请求在浏览器视角下的绝对 URL，同源请求已经展开到 Origin。
	Target *url.URL
	// Host 是原始 Host 头（已去掉端口并转小写），用于日志。
	Host string
	// ListenPort 记录当前监听端口，方便日志/转发头输出。
	ListenPort int
}

// Resolver 把 Host 头 + 请求路径映射为逻辑 URL 并完成分类。
// 同源 Host（Origin 自身或 Domain 别名）展开到 Origin；其他 Host 保留原样，
// 按 Origin 的 scheme 拼接。
type Resolver struct {
	origin     *url.URL
	aliases    map[string]struct{}
	rules      router.Rules
	listenPort int
}

// NewResolver 根据配置构建 Resolver。调用方应在每次加载配置后创建一次并复用。
func NewResolver(cfg *config.Config) (*Resolver, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	origin := cfg.App.OriginURL()
	if origin.Host == "" {
		return nil, fmt.Errorf("invalid origin %q", cfg.App.Origin)
	}

	aliases := make(map[string]struct{})
	for _, host := range cfg.App.SameOriginHosts() {
		normalized, _ := normalizeHost(host)
		if normalized == "" {
			continue
		}
		aliases[normalized] = struct{}{}
		// Origin 可能带端口，别名需要同时匹配带端口与不带端口的形式。
		aliases[strings.ToLower(host)] = struct{}{}
	}

	return &Resolver{
		origin:     origin,
		aliases:    aliases,
		rules:      router.RulesFromConfig(cfg.App),
		listenPort: cfg.Global.ListenPort,
	}, nil
}

// Rules 返回分类规则副本。
func (r *Resolver) Rules() router.Rules {
	return r.rules
}

// Resolve 根据 Host 头与 request-URI（路径 + 查询串）构造 Route。
// 无法解析的输入返回 ClassIgnored。
func (r *Resolver) Resolve(rawHost, requestURI string) Route {
	host, port := normalizeHost(rawHost)
	route := Route{Class: router.ClassIgnored, Host: host, ListenPort: r.listenPort}
	if host == "" {
		return route
	}

	ref, err := url.ParseRequestURI(requestURI)
	if err != nil {
		return route
	}
	ref.Fragment = ""

	var target *url.URL
	if r.isOriginHost(host, rawHost) {
		target = r.origin.ResolveReference(&url.URL{Path: ref.Path, RawPath: ref.RawPath, RawQuery: ref.RawQuery})
	} else {
		authority := host
		if port > 0 && port != r.listenPort && !isDefaultPort(r.origin.Scheme, port) {
			authority = net.JoinHostPort(host, strconv.Itoa(port))
		}
		target = &url.URL{
			Scheme:   r.origin.Scheme,
			Host:     authority,
			Path:     ref.Path,
			RawPath:  ref.RawPath,
			RawQuery: ref.RawQuery,
		}
	}

	route.Target = target
	route.Class = r.rules.Classify(target)
	return route
}

func (r *Resolver) isOriginHost(host, raw string) bool {
	if _, ok := r.aliases[host]; ok {
		return true
	}
	_, ok := r.aliases[strings.ToLower(strings.TrimSpace(raw))]
	return ok
}

func isDefaultPort(scheme string, port int) bool {
	return (scheme == "https" && port == 443) || (scheme == "http" && port == 80)
}

func normalizeHost(raw string) (string, int) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", 0
	}

	host := raw
	port := 0

	if strings.Contains(raw, ":") {
		if h, p, err := net.SplitHostPort(raw); err == nil {
			host = h
			if parsedPort, err := strconv.Atoi(p); err == nil {
				port = parsedPort
			}
		} else if idx := strings.LastIndex(raw, ":"); idx > -1 && strings.Count(raw[idx+1:], ":") == 0 {
			if parsedPort, err := strconv.Atoi(raw[idx+1:]); err == nil {
				host = raw[:idx]
				port = parsedPort
			}
		}
	}

	host = strings.TrimSuffix(host, ".")
	host = strings.ToLower(host)
	return host, port
}
