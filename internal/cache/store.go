package cache

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"
)

// Storage 管理一组具名缓存（按创建顺序），对应浏览器中的 CacheStorage。
//
//	<Storage>
//	  ├── anki-converter-cache-1.0.0   # 当前版本
//	  └── anki-converter-cache-0.9.0   # 待 activate 清理
//
// 所有实现必须可并发使用。
type Storage interface {
	// Open 返回指定名称的缓存，不存在时创建。名称非法时返回 ErrInvalidName。
	Open(ctx context.Context, name string) (Store, error)

	// Has 判断指定名称的缓存是否存在。
	Has(ctx context.Context, name string) (bool, error)

	// Keys 按创建顺序返回全部缓存名称。
	Keys(ctx context.Context) ([]string, error)

	// Delete 删除整个缓存及其全部条目，返回缓存此前是否存在。
	Delete(ctx context.Context, name string) (bool, error)

	// Match 按创建顺序在所有缓存中查找请求，首个命中即返回；未命中返回 ErrNotFound。
	// Match 不会创建任何缓存。
	Match(ctx context.Context, key Key) (*Response, error)

	// Close 释放底层资源。
	Close() error
}

// Store 是单个具名缓存，键为请求标识（Method + URL），值为完整响应。
type Store interface {
	Name() string

	// Match 返回与 key 对应的响应副本。若不存在则返回 ErrNotFound。
	Match(ctx context.Context, key Key) (*Response, error)

	// Put 写入（或覆盖）一个条目。实现需保证读者不会看到写了一半的条目。
	Put(ctx context.Context, key Key, resp *Response) error

	// Delete 删除一个条目，返回条目此前是否存在。
	Delete(ctx context.Context, key Key) (bool, error)

	// Keys 返回当前缓存内全部请求标识。
	Keys(ctx context.Context) ([]Key, error)
}

// Key 唯一定位一个缓存条目：请求方法 + 绝对 URL。
type Key struct {
	Method string
	URL    string
}

// NewKey 规范化请求方法（大写，空值视为 GET）。
func NewKey(method, url string) Key {
	method = strings.ToUpper(strings.TrimSpace(method))
	if method == "" {
		method = http.MethodGet
	}
	return Key{Method: method, URL: url}
}

// String 返回 "GET https://..." 形式，用作存储字段名与日志输出。
func (k Key) String() string {
	return k.Method + " " + k.URL
}

// parseKey 是 Key.String 的逆操作。
func parseKey(raw string) (Key, bool) {
	method, url, ok := strings.Cut(raw, " ")
	if !ok || method == "" || url == "" {
		return Key{}, false
	}
	return Key{Method: method, URL: url}, true
}

// Response 表示一条缓存响应（状态码、头部、正文），同时作为网络响应的载体。
type Response struct {
	URL      string
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt time.Time
	// CacheName 记录命中条目所在缓存，仅在 Match 返回时填充。
	CacheName string
}

// OK 与 fetch 的 response.ok 语义一致：2xx 即为成功。
func (r *Response) OK() bool {
	return r != nil && r.Status >= 200 && r.Status <= 299
}

// Clone 深拷贝响应，返回给调用方的副本与缓存内部数据互不影响。
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	cloned := *r
	cloned.Header = r.Header.Clone()
	if cloned.Header == nil {
		cloned.Header = http.Header{}
	}
	if r.Body != nil {
		cloned.Body = append([]byte(nil), r.Body...)
	}
	return &cloned
}

var (
	// ErrNotFound 表示缓存或缓存条目不存在。
	ErrNotFound = errors.New("cache entry not found")
	// ErrInvalidName 表示缓存名称为空或包含路径分隔符等非法字符。
	ErrInvalidName = errors.New("invalid cache name")
	// ErrNilResponse 表示尝试写入空响应。
	ErrNilResponse = errors.New("nil response")
)

// ValidateName 校验缓存名称能否安全地映射到目录或 Redis key。
func ValidateName(name string) error {
	switch {
	case strings.TrimSpace(name) == "":
		return ErrInvalidName
	case name == "." || name == "..":
		return ErrInvalidName
	case strings.ContainsAny(name, "/\\\x00"):
		return ErrInvalidName
	}
	return nil
}

func checkContext(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}
