// Package network 提供 worker 使用的网络 fetch 原语：把请求交给共享的
// http.Client，读取完整正文并转换为 cache.Response。
package network

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/any-hub/shellcache/internal/cache"
	"github.com/any-hub/shellcache/internal/server"
	"github.com/any-hub/shellcache/internal/version"
)

// ErrBodyTooLarge 表示响应正文超过 MaxBodyBytes。
var ErrBodyTooLarge = errors.New("response body too large")

// Request 是一次网络请求的最小描述。
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// Client 包装共享 http.Client。只有传输层失败才返回 error，任何 HTTP 状态码都视为响应。
type Client struct {
	http *http.Client
	// MaxBodyBytes > 0 时限制读取的正文大小。
	MaxBodyBytes int64
	now          func() time.Time
}

// NewClient 基于共享 http.Client 构建 fetch 客户端。
func NewClient(client *http.Client) *Client {
	if client == nil {
		client = http.DefaultClient
	}
	return &Client{http: client, now: time.Now}
}

// Do 发出请求并读取完整响应。
func (c *Client) Do(ctx context.Context, req Request) (*cache.Response, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader = http.NoBody
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	server.CopyHeaders(httpReq.Header, req.Header)
	httpReq.Header.Del("Accept-Encoding")
	httpReq.Header.Del("Host")
	if httpReq.Header.Get("User-Agent") == "" {
		httpReq.Header.Set("User-Agent", version.UserAgent())
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	reader := io.Reader(resp.Body)
	if c.MaxBodyBytes > 0 {
		reader = io.LimitReader(resp.Body, c.MaxBodyBytes+1)
	}
	payload, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if c.MaxBodyBytes > 0 && int64(len(payload)) > c.MaxBodyBytes {
		return nil, ErrBodyTooLarge
	}

	header := http.Header{}
	server.CopyHeaders(header, resp.Header)
	header.Del("Content-Length")

	return &cache.Response{
		URL:      resp.Request.URL.String(),
		Status:   resp.StatusCode,
		Header:   header,
		Body:     payload,
		StoredAt: c.now().UTC(),
	}, nil
}
