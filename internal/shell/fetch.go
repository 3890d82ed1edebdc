package shell

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/any-hub/shellcache/internal/cache"
	"github.com/any-hub/shellcache/internal/logging"
	"github.com/any-hub/shellcache/internal/network"
)

// ErrNetworkUnavailable 表示缓存未命中且网络请求失败，且没有可用的降级响应。
var ErrNetworkUnavailable = errors.New("network unavailable")

// Source 标识 fetch 响应的来源。
type Source string

const (
	SourceCache    Source = "cache"
	SourceNetwork  Source = "network"
	SourceFallback Source = "fallback"
	SourceOffline  Source = "offline"
)

// Request 是一次被拦截的请求。URL 必须是绝对地址。
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
	// Navigate 表示整页导航（而非子资源加载）。
	Navigate bool
}

// Result 描述 fetch 处理结果。Handled 为 false 时调用方应按默认网络行为处理。
type Result struct {
	Handled  bool
	Response *cache.Response
	Source   Source
}

// Fetch 仅处理 GET：缓存优先，未命中回源并在 200 时后台写缓存；
// 网络失败时导航请求返回缓存的根文档，其余请求返回离线响应（或 ErrNetworkUnavailable）。
func (w *Worker) Fetch(ctx context.Context, req Request) (Result, error) {
	if req.Method != http.MethodGet {
		return Result{Handled: false}, nil
	}

	key := cache.NewKey(http.MethodGet, req.URL)
	cached, err := w.storage.Match(ctx, key)
	switch {
	case err == nil:
		return w.finish(req, Result{Handled: true, Response: cached, Source: SourceCache}), nil
	case errors.Is(err, cache.ErrNotFound):
		// miss, continue
	default:
		fields := logging.RequestFields(req.Method, req.URL, req.Navigate, "")
		w.logger.WithFields(fields).WithError(err).Warn("cache_match_failed")
	}

	resp, err := w.network.Do(ctx, network.Request{
		Method: http.MethodGet,
		URL:    req.URL,
		Header: req.Header,
	})
	if err != nil {
		return w.offline(ctx, req, err)
	}

	if resp.Status == http.StatusOK {
		w.writer.Put(ctx, w.cfg.CacheName(), key, resp)
	}
	return w.finish(req, Result{Handled: true, Response: resp, Source: SourceNetwork}), nil
}

func (w *Worker) offline(ctx context.Context, req Request, cause error) (Result, error) {
	fields := logging.RequestFields(req.Method, req.URL, req.Navigate, "")
	w.logger.WithFields(fields).WithError(cause).Error("请求失败，返回离线页面")

	if req.Navigate {
		fallbackURL, err := w.cfg.Resolve(w.cfg.FallbackDocument)
		if err == nil {
			doc, err := w.storage.Match(ctx, cache.NewKey(http.MethodGet, fallbackURL))
			if err == nil {
				return w.finish(req, Result{Handled: true, Response: doc, Source: SourceFallback}), nil
			}
		}
	}

	if w.cfg.OfflineStatus == 0 {
		w.metrics.RecordFetch("error")
		return Result{Handled: true}, fmt.Errorf("%w: %v", ErrNetworkUnavailable, cause)
	}
	return w.finish(req, Result{Handled: true, Response: w.offlineResponse(req), Source: SourceOffline}), nil
}

func (w *Worker) offlineResponse(req Request) *cache.Response {
	header := http.Header{}
	header.Set("Content-Type", "text/plain; charset=utf-8")
	header.Set("Cache-Control", "no-store")
	return &cache.Response{
		URL:      req.URL,
		Status:   w.cfg.OfflineStatus,
		Header:   header,
		Body:     []byte("offline"),
		StoredAt: time.Now().UTC(),
	}
}

func (w *Worker) finish(req Request, result Result) Result {
	w.metrics.RecordFetch(string(result.Source))
	fields := logging.RequestFields(req.Method, req.URL, req.Navigate, string(result.Source))
	if result.Response != nil {
		fields["status"] = result.Response.Status
	}
	w.logger.WithFields(fields).Debug("fetch_complete")
	return result
}
