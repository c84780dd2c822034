package proxy

import (
	"fmt"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/formqrapp/pwa-shell/internal/logging"
	"github.com/formqrapp/pwa-shell/internal/router"
	"github.com/formqrapp/pwa-shell/internal/server"
)

// Forwarder 根据 Route 的分类选择对应的 ProxyHandler，并把 handler 缺失或 panic 转换为 500 响应。
type Forwarder struct {
	handlers map[router.Class]server.ProxyHandler
	logger   *logrus.Logger
}

// NewForwarder 创建 Forwarder；handlers 在构造时复制，之后不可修改。
func NewForwarder(handlers map[router.Class]server.ProxyHandler, logger *logrus.Logger) *Forwarder {
	copied := make(map[router.Class]server.ProxyHandler, len(handlers))
	for class, handler := range handlers {
		if handler != nil {
			copied[class] = handler
		}
	}
	return &Forwarder{
		handlers: copied,
		logger:   logger,
	}
}

// Handle 实现 server.ProxyHandler。
func (f *Forwarder) Handle(c fiber.Ctx, route *server.Route) error {
	requestID := server.RequestID(c)
	handler := f.lookup(route)
	if handler == nil {
		return f.respondMissingHandler(c, route, requestID)
	}
	return f.invokeHandler(c, route, handler, requestID)
}

func (f *Forwarder) respondMissingHandler(c fiber.Ctx, route *server.Route, requestID string) error {
	f.logStrategyError(route, "strategy_handler_missing", nil, requestID)
	setRequestIDHeader(c, requestID)
	return c.Status(fiber.StatusInternalServerError).
		JSON(fiber.Map{"error": "strategy_handler_missing"})
}

func (f *Forwarder) invokeHandler(c fiber.Ctx, route *server.Route, handler server.ProxyHandler, requestID string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = f.respondHandlerPanic(c, route, r, requestID)
		}
	}()
	return handler.Handle(c, route)
}

func (f *Forwarder) respondHandlerPanic(c fiber.Ctx, route *server.Route, recovered interface{}, requestID string) error {
	f.logStrategyError(route, "strategy_handler_panic", fmt.Errorf("panic: %v", recovered), requestID)
	setRequestIDHeader(c, requestID)
	return c.Status(fiber.StatusInternalServerError).
		JSON(fiber.Map{"error": "strategy_handler_panic"})
}

func setRequestIDHeader(c fiber.Ctx, requestID string) {
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
}

func (f *Forwarder) logStrategyError(route *server.Route, code string, err error, requestID string) {
	if f.logger == nil {
		return
	}
	fields := routeFields(route, requestID)
	fields["action"] = "proxy"
	fields["error"] = code
	if err != nil {
		f.logger.WithFields(fields).Error(err.Error())
		return
	}
	f.logger.WithFields(fields).Error("strategy handler unavailable")
}

func (f *Forwarder) lookup(route *server.Route) server.ProxyHandler {
	if route == nil {
		return nil
	}
	return f.handlers[route.Class]
}

func routeFields(route *server.Route, requestID string) logrus.Fields {
	if route == nil {
		return logrus.Fields{"class": "", "url": "", "cache_hit": false}
	}
	target := ""
	if route.Target != nil {
		target = route.Target.String()
	}
	fields := logging.RequestFields(string(route.Class), target, "", false)
	if requestID != "" {
		fields["request_id"] = requestID
	}
	return fields
}
