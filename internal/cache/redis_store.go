package cache

import (
	"context"
	"errors"
	"fmt"

	goredis "github.com/redis/go-redis/v9"
)

// ErrNilClient 表示未注入 Redis 客户端。
var ErrNilClient = errors.New("redis storage: nil client")

// RedisOptions 控制 Redis 驱动的 key 命名空间与客户端所有权。
type RedisOptions struct {
	Client    goredis.UniversalClient
	Namespace string
	// CloseClient 仅在该驱动独占客户端时设为 true。
	CloseClient bool
}

// NewRedisStorage 使用 Redis 持久化缓存。key 布局：
//
//	<ns>:caches          # ZSET，member 为缓存名，score 为创建序号
//	<ns>:seq             # 创建序号计数器
//	<ns>:cache:<name>    # HASH，field 为 "GET https://..."，value 为 msgpack 条目
func NewRedisStorage(opts RedisOptions) (Storage, error) {
	if opts.Client == nil {
		return nil, ErrNilClient
	}
	ns := opts.Namespace
	if ns == "" {
		ns = "shellcache"
	}
	return &redisStorage{rdb: opts.Client, ns: ns, closeClient: opts.CloseClient}, nil
}

type redisStorage struct {
	rdb         goredis.UniversalClient
	ns          string
	closeClient bool
}

func (r *redisStorage) namesKey() string {
	return r.ns + ":caches"
}

func (r *redisStorage) seqKey() string {
	return r.ns + ":seq"
}

func (r *redisStorage) cacheKey(name string) string {
	return r.ns + ":cache:" + name
}

func (r *redisStorage) Open(ctx context.Context, name string) (Store, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	exists, err := r.Has(ctx, name)
	if err != nil {
		return nil, err
	}
	if !exists {
		seq, err := r.rdb.Incr(ctx, r.seqKey()).Result()
		if err != nil {
			return nil, fmt.Errorf("redis storage: next sequence: %w", err)
		}
		if err := r.rdb.ZAddNX(ctx, r.namesKey(), goredis.Z{Score: float64(seq), Member: name}).Err(); err != nil {
			return nil, fmt.Errorf("redis storage: register cache: %w", err)
		}
	}
	return &redisStore{storage: r, name: name}, nil
}

func (r *redisStorage) Has(ctx context.Context, name string) (bool, error) {
	err := r.rdb.ZScore(ctx, r.namesKey(), name).Err()
	if errors.Is(err, goredis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r *redisStorage) Keys(ctx context.Context) ([]string, error) {
	return r.rdb.ZRange(ctx, r.namesKey(), 0, -1).Result()
}

func (r *redisStorage) Delete(ctx context.Context, name string) (bool, error) {
	var removed *goredis.IntCmd
	_, err := r.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		removed = pipe.ZRem(ctx, r.namesKey(), name)
		pipe.Del(ctx, r.cacheKey(name))
		return nil
	})
	if err != nil {
		return false, err
	}
	return removed.Val() > 0, nil
}

func (r *redisStorage) Match(ctx context.Context, key Key) (*Response, error) {
	names, err := r.Keys(ctx)
	if err != nil {
		return nil, err
	}
	for _, name := range names {
		store := &redisStore{storage: r, name: name}
		resp, err := store.Match(ctx, key)
		if err == nil {
			return resp, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}
	return nil, ErrNotFound
}

// Close 仅在独占客户端时关闭连接，重复调用安全。
func (r *redisStorage) Close() error {
	if r.closeClient {
		if err := r.rdb.Close(); err != nil && !errors.Is(err, goredis.ErrClosed) {
			return err
		}
	}
	return nil
}

type redisStore struct {
	storage *redisStorage
	name    string
}

func (s *redisStore) Name() string {
	return s.name
}

func (s *redisStore) Match(ctx context.Context, key Key) (*Response, error) {
	data, err := s.storage.rdb.HGet(ctx, s.storage.cacheKey(s.name), key.String()).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	rec, err := decodeRecord(data)
	if err != nil {
		// 非本驱动写入的脏数据，删除后视为未命中
		s.storage.rdb.HDel(ctx, s.storage.cacheKey(s.name), key.String())
		return nil, ErrNotFound
	}
	return rec.response(s.name, rec.Body), nil
}

func (s *redisStore) Put(ctx context.Context, key Key, resp *Response) error {
	if resp == nil {
		return ErrNilResponse
	}
	data, err := encodeRecord(newRecord(key, resp, true))
	if err != nil {
		return err
	}
	return s.storage.rdb.HSet(ctx, s.storage.cacheKey(s.name), key.String(), data).Err()
}

func (s *redisStore) Delete(ctx context.Context, key Key) (bool, error) {
	n, err := s.storage.rdb.HDel(ctx, s.storage.cacheKey(s.name), key.String()).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *redisStore) Keys(ctx context.Context) ([]Key, error) {
	fields, err := s.storage.rdb.HKeys(ctx, s.storage.cacheKey(s.name)).Result()
	if err != nil {
		return nil, err
	}
	keys := make([]Key, 0, len(fields))
	for _, field := range fields {
		if key, ok := parseKey(field); ok {
			keys = append(keys, key)
		}
	}
	return keys, nil
}
