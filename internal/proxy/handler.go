package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/formqrapp/pwa-shell/internal/lifecycle"
	"github.com/formqrapp/pwa-shell/internal/logging"
	"github.com/formqrapp/pwa-shell/internal/router"
	"github.com/formqrapp/pwa-shell/internal/server"
	"github.com/formqrapp/pwa-shell/internal/strategy"
)

const (
	headerCacheHit    = "X-Pwa-Shell-Cache-Hit"
	headerCacheSource = "X-Pwa-Shell-Source"
	headerUpstream    = "X-Pwa-Shell-Upstream"
)

// Handler 把拦截到的请求转换为 *http.Request，交给当前活动 worker 的检索策略处理，
// 并把结果写回 Fiber 响应。尚无活动 worker 时所有请求都直接走网络。
type Handler struct {
	fetcher      strategy.Fetcher
	network      *strategy.NetworkOnly
	registration *lifecycle.Registration
	logger       *logrus.Logger
}

// NewHandler constructs a proxy handler with the shared fetcher, registration and logger.
func NewHandler(fetcher strategy.Fetcher, registration *lifecycle.Registration, logger *logrus.Logger) *Handler {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Handler{
		fetcher:      fetcher,
		network:      strategy.NewNetworkOnly(fetcher),
		registration: registration,
		logger:       logger,
	}
}

// Handlers 返回分类到处理函数的映射，供 Forwarder 使用。
func (h *Handler) Handlers() map[router.Class]server.ProxyHandler {
	cacheFirst := server.ProxyHandlerFunc(h.CacheFirst)
	return map[router.Class]server.ProxyHandler{
		router.ClassSameOrigin:         cacheFirst,
		router.ClassAllowedCrossOrigin: cacheFirst,
		router.ClassExcluded:           server.ProxyHandlerFunc(h.NetworkOnly),
	}
}

// CacheFirst 使用活动 worker 的 cache-first 策略响应请求。
func (h *Handler) CacheFirst(c fiber.Ctx, route *server.Route) error {
	worker := h.activeWorker()
	if worker == nil {
		return h.NetworkOnly(c, route)
	}

	started := time.Now()
	requestID := server.RequestID(c)
	ctx := requestContext(c)

	req, err := h.buildUpstreamRequest(c, route, ctx)
	if err != nil {
		h.logResult(route, requestID, 0, "", worker.StaticCache(), false, started, err)
		return h.writeError(c, fiber.StatusBadRequest, "invalid_request")
	}

	result, err := worker.CacheFirst().Serve(ctx, req)
	if err != nil {
		h.logResult(route, requestID, 0, strategy.SourceNetwork, worker.StaticCache(), false, started, err)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return h.writeError(c, fiber.StatusBadGateway, "upstream_failed")
	}

	defer result.Close()

	err = h.writeCached(c, route, result, requestID)
	status := result.Response.Status
	h.logResult(route, requestID, status, result.Source, worker.StaticCache(), result.CacheHit(), started, err)
	if err != nil {
		return fiber.NewError(fiber.StatusBadGateway, fmt.Sprintf("proxy stream failed: %v", err))
	}
	return nil
}

// NetworkOnly 直接回源并流式返回响应，不读写任何缓存。
func (h *Handler) NetworkOnly(c fiber.Ctx, route *server.Route) error {
	started := time.Now()
	requestID := server.RequestID(c)
	ctx := requestContext(c)

	network := h.network
	if worker := h.activeWorker(); worker != nil {
		network = worker.NetworkOnly()
	}

	req, err := h.buildUpstreamRequest(c, route, ctx)
	if err != nil {
		h.logResult(route, requestID, 0, "", "", false, started, err)
		return h.writeError(c, fiber.StatusBadRequest, "invalid_request")
	}
	resp, err := network.Serve(req)
	if err != nil {
		h.logResult(route, requestID, 0, strategy.SourceNetwork, "", false, started, err)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return h.writeError(c, fiber.StatusBadGateway, "upstream_failed")
	}
	defer resp.Body.Close()

	copyResponseHeaders(c, resp.Header)
	c.Set(headerUpstream, route.Target.String())
	c.Set(headerCacheHit, "false")
	c.Set(headerCacheSource, string(strategy.SourceNetwork))
	setRequestIDHeader(c, requestID)
	c.Status(resp.StatusCode)

	if c.Method() == http.MethodHead {
		h.logResult(route, requestID, resp.StatusCode, strategy.SourceNetwork, "", false, started, nil)
		return nil
	}

	_, err = io.Copy(c.Response().BodyWriter(), resp.Body)
	h.logResult(route, requestID, resp.StatusCode, strategy.SourceNetwork, "", false, started, err)
	if err != nil {
		return fiber.NewError(fiber.StatusBadGateway, fmt.Sprintf("proxy stream failed: %v", err))
	}
	return nil
}

func (h *Handler) activeWorker() *lifecycle.Worker {
	if h.registration == nil {
		return nil
	}
	return h.registration.Active()
}

// writeCached 输出策略结果；未缓冲的大正文或非 GET 正文从 result.Stream 流式拷贝。
func (h *Handler) writeCached(c fiber.Ctx, route *server.Route, result strategy.Result, requestID string) error {
	resp := result.Response
	copyResponseHeaders(c, resp.Header)
	if resp.Header.Get("Content-Type") == "" {
		c.Response().Header.Del("Content-Type")
	}
	c.Set(headerUpstream, route.Target.String())
	c.Set(headerCacheHit, strconv.FormatBool(result.CacheHit()))
	c.Set(headerCacheSource, string(result.Source))
	setRequestIDHeader(c, requestID)
	c.Status(resp.Status)

	if c.Method() == http.MethodHead {
		return nil
	}
	if result.Stream != nil {
		_, err := io.Copy(c.Response().BodyWriter(), result.Stream)
		return err
	}
	c.Response().SetBodyRaw(resp.Body)
	return nil
}

func (h *Handler) buildUpstreamRequest(c fiber.Ctx, route *server.Route, ctx context.Context) (*http.Request, error) {
	if route == nil || route.Target == nil {
		return nil, errors.New("route has no target")
	}
	var body io.Reader = http.NoBody
	if raw := c.Body(); len(raw) > 0 {
		body = bytes.NewReader(append([]byte(nil), raw...))
	}

	req, err := http.NewRequestWithContext(ctx, c.Method(), route.Target.String(), body)
	if err != nil {
		return nil, err
	}

	server.CopyHeaders(req.Header, fiberHeadersAsHTTP(c))
	req.Header.Del("Host")
	req.Header.Del("Accept-Encoding")
	req.Host = route.Target.Host
	req.Header.Set("X-Forwarded-Host", c.Hostname())
	if ip := c.IP(); ip != "" {
		if prior := req.Header.Get("X-Forwarded-For"); prior != "" {
			req.Header.Set("X-Forwarded-For", prior+", "+ip)
		} else {
			req.Header.Set("X-Forwarded-For", ip)
		}
	}
	req.Header.Set("X-Forwarded-Proto", c.Protocol())
	req.Header.Set("X-Forwarded-Port", strconv.Itoa(route.ListenPort))
	return req, nil
}

func (h *Handler) writeError(c fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func (h *Handler) logResult(
	route *server.Route,
	requestID string,
	status int,
	source strategy.Source,
	cacheName string,
	cacheHit bool,
	started time.Time,
	err error,
) {
	target := ""
	if route.Target != nil {
		target = route.Target.String()
	}
	fields := logging.RequestFields(string(route.Class), target, cacheName, cacheHit)
	fields["action"] = "proxy"
	fields["source"] = string(source)
	fields["upstream_status"] = status
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Error("proxy_failed")
		return
	}
	h.logger.WithFields(fields).Info("proxy_complete")
}

func requestContext(c fiber.Ctx) context.Context {
	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return ctx
}

func fiberHeadersAsHTTP(c fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	return header
}

// copyResponseHeaders 复制上游头部，跳过 hop-by-hop 与 Content-Length（由 Fiber 重新计算）。
func copyResponseHeaders(c fiber.Ctx, headers http.Header) {
	for key, values := range headers {
		if server.IsHopByHopHeader(key) || http.CanonicalHeaderKey(key) == "Content-Length" {
			continue
		}
		for i, value := range values {
			if i == 0 {
				c.Set(key, value)
				continue
			}
			c.Response().Header.Add(key, value)
		}
	}
}
