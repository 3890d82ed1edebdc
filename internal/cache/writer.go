package cache

import (
	"context"
	"errors"
	"sync"
)

// ErrStoreUnavailable 表示未注入缓存存储实例。
var ErrStoreUnavailable = errors.New("cache store unavailable")

// WriteResult 描述一次后台写入的结果，通过回调上报。
type WriteResult struct {
	CacheName string
	Key       Key
	Err       error
}

// BackgroundWriter 以 fire-and-forget 方式写入缓存：调用方不等待写入完成，
// 结果只通过 onDone 回调上报（通常仅记录日志与指标）。
type BackgroundWriter struct {
	storage Storage
	onDone  func(WriteResult)
	wg      sync.WaitGroup
}

// NewBackgroundWriter 构造后台写入器，onDone 可为空。
func NewBackgroundWriter(storage Storage, onDone func(WriteResult)) *BackgroundWriter {
	return &BackgroundWriter{storage: storage, onDone: onDone}
}

// Enabled 返回当前是否具备缓存写入能力。
func (w *BackgroundWriter) Enabled() bool {
	return w != nil && w.storage != nil
}

// Put 在独立 goroutine 中打开 cacheName 并写入 resp 的副本。写入使用与请求
// 解绑的 context，请求结束或被取消都不会中断写入。
func (w *BackgroundWriter) Put(ctx context.Context, cacheName string, key Key, resp *Response) {
	if !w.Enabled() {
		w.report(WriteResult{CacheName: cacheName, Key: key, Err: ErrStoreUnavailable})
		return
	}
	detached := context.WithoutCancel(ctx)
	copied := resp.Clone()

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.report(WriteResult{CacheName: cacheName, Key: key, Err: w.put(detached, cacheName, key, copied)})
	}()
}

// Wait 阻塞直到所有已发起的后台写入完成。
func (w *BackgroundWriter) Wait() {
	if w == nil {
		return
	}
	w.wg.Wait()
}

func (w *BackgroundWriter) put(ctx context.Context, cacheName string, key Key, resp *Response) error {
	store, err := w.storage.Open(ctx, cacheName)
	if err != nil {
		return err
	}
	return store.Put(ctx, key, resp)
}

func (w *BackgroundWriter) report(result WriteResult) {
	if w != nil && w.onDone != nil {
		w.onDone(result)
	}
}
