package proxy

import (
	"fmt"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/offcache/offcache/internal/logging"
	"github.com/offcache/offcache/internal/server"
)

// Forwarder 是代理 handler 外层的错误边界：handler 缺失或 panic 时统一输出 JSON 错误与日志。
type Forwarder struct {
	handler server.ProxyHandler
	logger  *logrus.Logger
}

// NewForwarder 创建 Forwarder。
func NewForwarder(handler server.ProxyHandler, logger *logrus.Logger) *Forwarder {
	return &Forwarder{
		handler: handler,
		logger:  logger,
	}
}

// Handle 实现 server.ProxyHandler。
func (f *Forwarder) Handle(c fiber.Ctx, binding *server.Binding) error {
	requestID := server.RequestID(c)
	if f.handler == nil {
		return f.respondMissingHandler(c, binding, requestID)
	}
	return f.invokeHandler(c, binding, requestID)
}

func (f *Forwarder) respondMissingHandler(c fiber.Ctx, binding *server.Binding, requestID string) error {
	f.logProxyError(binding, "proxy_handler_missing", nil, requestID)
	setRequestIDHeader(c, requestID)
	return c.Status(fiber.StatusInternalServerError).
		JSON(fiber.Map{"error": "proxy_handler_missing"})
}

func (f *Forwarder) invokeHandler(c fiber.Ctx, binding *server.Binding, requestID string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = f.respondHandlerPanic(c, binding, r, requestID)
		}
	}()
	return f.handler.Handle(c, binding)
}

func (f *Forwarder) respondHandlerPanic(c fiber.Ctx, binding *server.Binding, recovered interface{}, requestID string) error {
	f.logProxyError(binding, "proxy_handler_panic", fmt.Errorf("panic: %v", recovered), requestID)
	setRequestIDHeader(c, requestID)
	return c.Status(fiber.StatusInternalServerError).
		JSON(fiber.Map{"error": "proxy_handler_panic"})
}

func setRequestIDHeader(c fiber.Ctx, requestID string) {
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
}

func (f *Forwarder) logProxyError(binding *server.Binding, code string, err error, requestID string) {
	if f.logger == nil {
		return
	}
	fields := bindingFields(binding, requestID)
	fields["action"] = "proxy"
	fields["error"] = code
	if err != nil {
		f.logger.WithFields(fields).Error(err.Error())
		return
	}
	f.logger.WithFields(fields).Error("proxy handler unavailable")
}

func bindingFields(binding *server.Binding, requestID string) logrus.Fields {
	var fields logrus.Fields
	if binding == nil || binding.Route == nil {
		fields = logging.RequestFields("", "", "", "", "")
	} else {
		route := binding.Route
		fields = logging.RequestFields(route.Config.Name, route.Config.Domain, route.Config.Version, "", "")
		fields["auth_mode"] = route.Config.AuthMode()
	}
	if requestID != "" {
		fields["request_id"] = requestID
	}
	return fields
}
