package proxy

import (
	"bytes"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"
	"github.com/valyala/fasthttp"

	"github.com/any-hub/shellcache/internal/server"
)

const requestIDKey = "_shellcache_request_id"

type staticGate bool

func (g staticGate) Controlling() bool { return bool(g) }

func TestForwarderMissingHandler(t *testing.T) {
	app := fiber.New()
	defer app.Shutdown()

	ctx := app.AcquireCtx(new(fasthttp.RequestCtx))
	defer app.ReleaseCtx(ctx)
	ctx.Locals(requestIDKey, "missing-req")

	logger := logrus.New()
	logBuf := &bytes.Buffer{}
	logger.SetOutput(logBuf)

	forwarder := NewForwarder(nil, nil, nil, logger)

	if err := forwarder.Handle(ctx); err != nil {
		t.Fatalf("forwarder.Handle returned unexpected error: %v", err)
	}
	if status := ctx.Response().StatusCode(); status != fiber.StatusInternalServerError {
		t.Fatalf("expected 500 for missing handler, got %d", status)
	}
	if body := string(ctx.Response().Body()); !strings.Contains(body, "handler_missing") {
		t.Fatalf("expected error body to mention handler_missing, got %s", body)
	}
	if got := string(ctx.Response().Header.Peek("X-Request-ID")); got != "missing-req" {
		t.Fatalf("expected request id header missing-req, got %s", got)
	}
	if !strings.Contains(logBuf.String(), "missing-req") {
		t.Fatalf("expected log to include request id, got %s", logBuf.String())
	}
}

func TestForwarderHandlerPanic(t *testing.T) {
	app := fiber.New()
	defer app.Shutdown()
	ctx := app.AcquireCtx(new(fasthttp.RequestCtx))
	defer app.ReleaseCtx(ctx)
	ctx.Locals(requestIDKey, "panic-req")

	logger := logrus.New()
	logBuf := &bytes.Buffer{}
	logger.SetOutput(logBuf)

	panicking := server.ProxyHandlerFunc(func(fiber.Ctx) error {
		panic("boom")
	})
	forwarder := NewForwarder(panicking, nil, staticGate(true), logger)

	if err := forwarder.Handle(ctx); err != nil {
		t.Fatalf("forwarder.Handle returned unexpected error: %v", err)
	}
	if status := ctx.Response().StatusCode(); status != fiber.StatusInternalServerError {
		t.Fatalf("expected 500 for handler panic, got %d", status)
	}
	if body := string(ctx.Response().Body()); !strings.Contains(body, "handler_panic") {
		t.Fatalf("expected error body to mention handler_panic, got %s", body)
	}
	if !strings.Contains(logBuf.String(), "panic-req") {
		t.Fatalf("expected log to include panic request id, got %s", logBuf.String())
	}
}

func TestForwarderSelectsHandlerByControl(t *testing.T) {
	testCases := []struct {
		name string
		gate Controller
		want string
	}{
		{name: "not controlling", gate: staticGate(false), want: "passthrough"},
		{name: "controlling", gate: staticGate(true), want: "controlled"},
		{name: "no gate", gate: nil, want: "controlled"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			app := fiber.New()
			defer app.Shutdown()
			ctx := app.AcquireCtx(new(fasthttp.RequestCtx))
			defer app.ReleaseCtx(ctx)

			var got string
			record := func(name string) server.ProxyHandler {
				return server.ProxyHandlerFunc(func(fiber.Ctx) error {
					got = name
					return nil
				})
			}
			forwarder := NewForwarder(record("controlled"), record("passthrough"), tc.gate, nil)
			if err := forwarder.Handle(ctx); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Fatalf("expected %s handler, got %s", tc.want, got)
			}
		})
	}
}
