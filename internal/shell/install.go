package shell

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"golang.org/x/sync/errgroup"

	"github.com/any-hub/shellcache/internal/cache"
	"github.com/any-hub/shellcache/internal/network"
)

// ErrAssetStatus 表示预缓存资源返回了非 2xx 状态码。
var ErrAssetStatus = errors.New("asset responded with non-ok status")

// Install 打开（必要时创建）当前版本缓存，预缓存全部 App Shell 资源，然后请求跳过等待。
// 任一资源失败则整批失败且不写入任何条目，由宿主决定是否重试。
func (w *Worker) Install(ctx context.Context) (err error) {
	defer func() { w.metrics.RecordInstall(err) }()

	store, err := w.storage.Open(ctx, w.cfg.CacheName())
	if err != nil {
		return fmt.Errorf("open cache %s: %w", w.cfg.CacheName(), err)
	}

	fields := w.lifecycleFields("install")
	fields["assets"] = len(w.cfg.Assets)
	w.logger.WithFields(fields).Info("缓存 App Shell")

	if err := w.addAll(ctx, store, w.cfg.Assets); err != nil {
		return err
	}
	return w.host.SkipWaiting(ctx)
}

type fetchedAsset struct {
	key  cache.Key
	resp *cache.Response
}

// addAll 并发拉取全部资源，全部成功后才依次写入。
func (w *Worker) addAll(ctx context.Context, store cache.Store, assets []string) error {
	fetched := make([]fetchedAsset, len(assets))

	g, gctx := errgroup.WithContext(ctx)
	for i, asset := range assets {
		target, err := w.cfg.Resolve(asset)
		if err != nil {
			return err
		}
		g.Go(func() error {
			resp, err := w.network.Do(gctx, network.Request{Method: http.MethodGet, URL: target})
			if err != nil {
				return fmt.Errorf("fetch %s: %w", target, err)
			}
			if !resp.OK() {
				return fmt.Errorf("fetch %s: %w (%d)", target, ErrAssetStatus, resp.Status)
			}
			fetched[i] = fetchedAsset{key: cache.NewKey(http.MethodGet, target), resp: resp}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for _, item := range fetched {
		if err := store.Put(ctx, item.key, item.resp); err != nil {
			return fmt.Errorf("put %s: %w", item.key.URL, err)
		}
	}
	return nil
}
