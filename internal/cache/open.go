package cache

import (
	"fmt"

	goredis "github.com/redis/go-redis/v9"
)

// Options 汇总构建 Storage 所需的参数，由 CLI 根据配置填充。
type Options struct {
	Driver         string
	Path           string
	RedisAddr      string
	RedisDB        int
	RedisPassword  string
	RedisNamespace string
	// MemoryTierBytes > 0 时在驱动前加 ristretto 读缓存。
	MemoryTierBytes int64
}

// New 根据 Driver 选择 fs / memory / redis 实现，并按需叠加内存读缓存。
func New(opts Options) (Storage, error) {
	var (
		base Storage
		err  error
	)
	switch opts.Driver {
	case "", "fs":
		base, err = NewFileStorage(opts.Path)
	case "memory":
		base = NewMemoryStorage()
	case "redis":
		client := goredis.NewClient(&goredis.Options{
			Addr:     opts.RedisAddr,
			DB:       opts.RedisDB,
			Password: opts.RedisPassword,
		})
		base, err = NewRedisStorage(RedisOptions{
			Client:      client,
			Namespace:   opts.RedisNamespace,
			CloseClient: true,
		})
	default:
		return nil, fmt.Errorf("unsupported storage driver: %s", opts.Driver)
	}
	if err != nil {
		return nil, err
	}

	tiered, err := WithMemoryTier(base, opts.MemoryTierBytes)
	if err != nil {
		base.Close()
		return nil, fmt.Errorf("init memory tier: %w", err)
	}
	return tiered, nil
}
