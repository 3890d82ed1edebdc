package proxy

import (
	"fmt"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/shellcache/internal/server"
)

// Controller 报告 worker 是否已接管客户端。
type Controller interface {
	Controlling() bool
}

// Forwarder 在 worker 接管客户端之前把请求交给 passthrough，之后交给 worker handler，
// 并把 handler 的 panic 转换为 500。
type Forwarder struct {
	controlled  server.ProxyHandler
	passthrough server.ProxyHandler
	gate        Controller
	logger      *logrus.Logger
}

// NewForwarder 创建 Forwarder。gate 为 nil 时始终使用 controlled。
func NewForwarder(controlled, passthrough server.ProxyHandler, gate Controller, logger *logrus.Logger) *Forwarder {
	return &Forwarder{
		controlled:  controlled,
		passthrough: passthrough,
		gate:        gate,
		logger:      logger,
	}
}

// Handle 实现 server.ProxyHandler。
func (f *Forwarder) Handle(c fiber.Ctx) error {
	requestID := server.RequestID(c)
	handler := f.lookup()
	if handler == nil {
		return f.respondMissingHandler(c, requestID)
	}
	return f.invokeHandler(c, handler, requestID)
}

func (f *Forwarder) lookup() server.ProxyHandler {
	if f.gate != nil && !f.gate.Controlling() {
		return f.passthrough
	}
	return f.controlled
}

func (f *Forwarder) respondMissingHandler(c fiber.Ctx, requestID string) error {
	f.logError(c, "handler_missing", nil, requestID)
	setRequestIDHeader(c, requestID)
	return c.Status(fiber.StatusInternalServerError).
		JSON(fiber.Map{"error": "handler_missing"})
}

func (f *Forwarder) invokeHandler(c fiber.Ctx, handler server.ProxyHandler, requestID string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = f.respondHandlerPanic(c, r, requestID)
		}
	}()
	return handler.Handle(c)
}

func (f *Forwarder) respondHandlerPanic(c fiber.Ctx, recovered interface{}, requestID string) error {
	f.logError(c, "handler_panic", fmt.Errorf("panic: %v", recovered), requestID)
	setRequestIDHeader(c, requestID)
	return c.Status(fiber.StatusInternalServerError).
		JSON(fiber.Map{"error": "handler_panic"})
}

func setRequestIDHeader(c fiber.Ctx, requestID string) {
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
}

func (f *Forwarder) logError(c fiber.Ctx, code string, err error, requestID string) {
	if f.logger == nil {
		return
	}
	fields := logrus.Fields{
		"action": "proxy",
		"method": c.Method(),
		"path":   c.Path(),
		"error":  code,
	}
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		f.logger.WithFields(fields).Error(err.Error())
		return
	}
	f.logger.WithFields(fields).Error("proxy handler unavailable")
}
