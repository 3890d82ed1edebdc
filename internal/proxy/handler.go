package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/shellcache/internal/logging"
	"github.com/any-hub/shellcache/internal/metrics"
	"github.com/any-hub/shellcache/internal/server"
	"github.com/any-hub/shellcache/internal/shell"
)

// HeaderShellCache 标记响应来源：hit、miss、fallback、offline 或 bypass。
const HeaderShellCache = "X-Shell-Cache"

// Fetcher 是 worker 的 fetch 处理函数。
type Fetcher interface {
	Fetch(ctx context.Context, req shell.Request) (shell.Result, error)
}

// Handler 把每个 HTTP 请求转换为 fetch 事件交给 worker；worker 不处理的请求
// 直接透传到源站并流式返回。
type Handler struct {
	client  *http.Client
	logger  *logrus.Logger
	origin  *url.URL
	worker  Fetcher
	metrics *metrics.Collectors
}

// NewHandler constructs a proxy handler with shared HTTP client/logger/worker.
func NewHandler(client *http.Client, logger *logrus.Logger, origin *url.URL, worker Fetcher, collectors *metrics.Collectors) *Handler {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Handler{
		client:  client,
		logger:  logger,
		origin:  origin,
		worker:  worker,
		metrics: collectors,
	}
}

// Handle 交给 worker 处理；未处理的请求透传到源站。
func (h *Handler) Handle(c fiber.Ctx) error {
	started := time.Now()
	requestID := server.RequestID(c)
	target := resolveTarget(h.origin, c)
	navigate := isNavigation(c)

	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	result, err := h.worker.Fetch(ctx, shell.Request{
		Method:   c.Method(),
		URL:      target.String(),
		Header:   fiberHeadersAsHTTP(c),
		Navigate: navigate,
	})
	if err != nil {
		h.logResult(c.Method(), target.String(), navigate, "error", requestID, 0, started, err)
		if errors.Is(err, shell.ErrNetworkUnavailable) {
			return h.writeError(c, fiber.StatusBadGateway, "network_failed")
		}
		return h.writeError(c, fiber.StatusInternalServerError, "fetch_failed")
	}
	if !result.Handled {
		return h.forward(c, target, requestID, started)
	}

	return h.serve(c, result, target.String(), navigate, requestID, started)
}

// Passthrough 返回只透传源站、不经过 worker 的 handler。
func (h *Handler) Passthrough() server.ProxyHandler {
	return server.ProxyHandlerFunc(func(c fiber.Ctx) error {
		return h.forward(c, resolveTarget(h.origin, c), server.RequestID(c), time.Now())
	})
}

func (h *Handler) serve(
	c fiber.Ctx,
	result shell.Result,
	target string,
	navigate bool,
	requestID string,
	started time.Time,
) error {
	resp := result.Response
	copyResponseHeaders(c, resp.Header)
	c.Response().Header.Del("Content-Length")
	c.Set(HeaderShellCache, cacheLabel(result.Source))
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
	h.logResult(http.MethodGet, target, navigate, string(result.Source), requestID, resp.Status, started, nil)
	return c.Status(resp.Status).Send(resp.Body)
}

// forward 把请求原样发往源站，并将响应流式写回。
func (h *Handler) forward(c fiber.Ctx, target *url.URL, requestID string, started time.Time) error {
	method := c.Method()
	h.metrics.RecordFetch("passthrough")

	req, err := h.buildUpstreamRequest(c, target, method, bytesReader(c.Body()))
	if err != nil {
		h.logResult(method, target.String(), false, "passthrough", requestID, 0, started, err)
		return h.writeError(c, fiber.StatusBadGateway, "upstream_failed")
	}
	resp, err := h.client.Do(req)
	if err != nil {
		h.logResult(method, target.String(), false, "passthrough", requestID, 0, started, err)
		return h.writeError(c, fiber.StatusBadGateway, "upstream_failed")
	}
	defer resp.Body.Close()

	copyResponseHeaders(c, resp.Header)
	c.Set(HeaderShellCache, "bypass")
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
	c.Status(resp.StatusCode)

	if method == http.MethodHead {
		h.logResult(method, target.String(), false, "passthrough", requestID, resp.StatusCode, started, nil)
		return nil
	}

	_, err = io.Copy(c.Response().BodyWriter(), resp.Body)
	h.logResult(method, target.String(), false, "passthrough", requestID, resp.StatusCode, started, err)
	if err != nil {
		return fiber.NewError(fiber.StatusBadGateway, fmt.Sprintf("proxy stream failed: %v", err))
	}
	return nil
}

func (h *Handler) buildUpstreamRequest(c fiber.Ctx, upstream *url.URL, method string, body io.Reader) (*http.Request, error) {
	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if body == nil {
		body = http.NoBody
	}

	req, err := http.NewRequestWithContext(ctx, method, upstream.String(), body)
	if err != nil {
		return nil, err
	}

	server.CopyHeaders(req.Header, fiberHeadersAsHTTP(c))
	req.Header.Del("Accept-Encoding")
	req.Host = upstream.Host
	req.Header.Set("Host", upstream.Host)
	req.Header.Set("X-Forwarded-Host", c.Hostname())
	if ip := c.IP(); ip != "" {
		if prior := req.Header.Get("X-Forwarded-For"); prior != "" {
			req.Header.Set("X-Forwarded-For", prior+", "+ip)
		} else {
			req.Header.Set("X-Forwarded-For", ip)
		}
	}
	req.Header.Set("X-Forwarded-Proto", c.Protocol())
	return req, nil
}

func (h *Handler) writeError(c fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func (h *Handler) logResult(
	method string,
	target string,
	navigate bool,
	source string,
	requestID string,
	status int,
	started time.Time,
	err error,
) {
	fields := logging.RequestFields(method, target, navigate, source)
	fields["status"] = status
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

// cacheLabel 将响应来源映射为 X-Shell-Cache 取值。
func cacheLabel(source shell.Source) string {
	switch source {
	case shell.SourceCache:
		return "hit"
	case shell.SourceNetwork:
		return "miss"
	default:
		return string(source)
	}
}

// isNavigation 优先依据 Sec-Fetch-Mode；缺失时 GET 且 Accept 含 text/html 视为导航。
func isNavigation(c fiber.Ctx) bool {
	if mode := strings.TrimSpace(c.Get("Sec-Fetch-Mode")); mode != "" {
		return strings.EqualFold(mode, "navigate")
	}
	if c.Method() != http.MethodGet {
		return false
	}
	return strings.Contains(strings.ToLower(c.Get(fiber.HeaderAccept)), "text/html")
}

// resolveTarget 将请求路径与查询拼接到源站地址之后。
func resolveTarget(origin *url.URL, c fiber.Ctx) *url.URL {
	uri := c.Request().URI()
	clean := normalizeRequestPath(string(uri.Path()))
	base := strings.TrimSuffix(origin.Path, "/")
	target := *origin
	target.Path = base + clean
	target.RawPath = ""
	target.RawQuery = string(uri.QueryString())
	target.Fragment = ""
	return &target
}

func normalizeRequestPath(raw string) string {
	if raw == "" {
		raw = "/"
	}
	clean := path.Clean("/" + raw)
	if strings.HasSuffix(raw, "/") && clean != "/" {
		clean += "/"
	}
	return clean
}

func bytesReader(b []byte) io.Reader {
	if len(b) == 0 {
		return http.NoBody
	}
	return bytes.NewReader(append([]byte(nil), b...))
}

func fiberHeadersAsHTTP(c fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	return header
}

func copyResponseHeaders(c fiber.Ctx, headers http.Header) {
	for key, values := range headers {
		if server.IsHopByHopHeader(key) {
			continue
		}
		for _, value := range values {
			c.Set(key, value)
		}
	}
}
