package shell

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Activate 删除所有带前缀但版本不符的旧缓存，然后接管全部客户端。
// 删除失败只记录日志，旧缓存保留，不会阻止激活。
func (w *Worker) Activate(ctx context.Context) error {
	names, err := w.storage.Keys(ctx)
	if err != nil {
		return fmt.Errorf("list caches: %w", err)
	}

	current := w.cfg.CacheName()
	var wg sync.WaitGroup
	for _, name := range names {
		if !strings.HasPrefix(name, w.cfg.CachePrefix) || name == current {
			continue
		}
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			w.deleteStale(ctx, name)
		}(name)
	}
	wg.Wait()

	return w.host.ClaimClients(ctx)
}

func (w *Worker) deleteStale(ctx context.Context, name string) {
	fields := w.lifecycleFields("activate")
	fields["stale_cache"] = name

	w.logger.WithFields(fields).Info("删除旧缓存")
	if _, err := w.storage.Delete(ctx, name); err != nil {
		w.logger.WithFields(fields).WithError(err).Warn("删除旧缓存失败，保留")
		return
	}
	w.metrics.RecordStoreDeleted()
}
