package cache

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

const (
	indexFileName = "caches.idx"
	bodySuffix    = ".body"
	metaSuffix    = ".meta"
)

// NewFileStorage 以 basePath 为根目录构建磁盘缓存，整站复用一份实例。磁盘布局：
//
//	<basePath>/caches.idx               # msgpack 编码的缓存名列表（按创建顺序）
//	<basePath>/<cache>/<sha1>.body      # 响应正文
//	<basePath>/<cache>/<sha1>.meta      # msgpack 编码的状态码/头部/请求标识/正文摘要
func NewFileStorage(basePath string) (Storage, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	storage := &fileStorage{
		basePath: abs,
		locks:    make(map[string]*entryLock),
	}
	if err := storage.loadIndex(); err != nil {
		return nil, err
	}
	return storage, nil
}

type indexEntry struct {
	Name      string    `msgpack:"name"`
	CreatedAt time.Time `msgpack:"created_at"`
}

// fileStorage 通过 entryLock 避免同一条目并发写入，index 由 mu 保护。
type fileStorage struct {
	basePath string

	mu    sync.Mutex
	index []indexEntry
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

func (s *fileStorage) Open(ctx context.Context, name string) (Store, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	if err := checkContext(ctx); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.indexOf(name) < 0 {
		if err := os.MkdirAll(s.cacheDir(name), 0o755); err != nil {
			return nil, err
		}
		next := append(append([]indexEntry(nil), s.index...), indexEntry{Name: name, CreatedAt: time.Now().UTC()})
		if err := s.writeIndex(next); err != nil {
			return nil, err
		}
		s.index = next
	}
	return &fileStore{storage: s, name: name}, nil
}

func (s *fileStorage) Has(ctx context.Context, name string) (bool, error) {
	if err := checkContext(ctx); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.indexOf(name) >= 0, nil
}

func (s *fileStorage) Keys(ctx context.Context) ([]string, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, len(s.index))
	for i, entry := range s.index {
		names[i] = entry.Name
	}
	return names, nil
}

func (s *fileStorage) Delete(ctx context.Context, name string) (bool, error) {
	if err := checkContext(ctx); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.indexOf(name)
	if idx < 0 {
		return false, nil
	}
	next := append(append([]indexEntry(nil), s.index[:idx]...), s.index[idx+1:]...)
	if err := s.writeIndex(next); err != nil {
		return false, err
	}
	s.index = next
	if err := os.RemoveAll(s.cacheDir(name)); err != nil {
		return true, fmt.Errorf("remove cache dir: %w", err)
	}
	return true, nil
}

func (s *fileStorage) Match(ctx context.Context, key Key) (*Response, error) {
	names, err := s.Keys(ctx)
	if err != nil {
		return nil, err
	}
	for _, name := range names {
		store := &fileStore{storage: s, name: name}
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

func (s *fileStorage) Close() error {
	return nil
}

func (s *fileStorage) indexOf(name string) int {
	for i, entry := range s.index {
		if entry.Name == name {
			return i
		}
	}
	return -1
}

func (s *fileStorage) loadIndex() error {
	data, err := os.ReadFile(filepath.Join(s.basePath, indexFileName))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read cache index: %w", err)
	}
	if err := msgpack.Unmarshal(data, &s.index); err != nil {
		return fmt.Errorf("decode cache index: %w", err)
	}
	return nil
}

func (s *fileStorage) writeIndex(entries []indexEntry) error {
	data, err := msgpack.Marshal(entries)
	if err != nil {
		return err
	}
	return writeFileAtomic(context.Background(), filepath.Join(s.basePath, indexFileName), bytes.NewReader(data))
}

func (s *fileStorage) cacheDir(name string) string {
	return filepath.Join(s.basePath, url.PathEscape(name))
}

func (s *fileStorage) lockEntry(key string) func() {
	s.mu.Lock()
	lock := s.locks[key]
	if lock == nil {
		lock = &entryLock{}
		s.locks[key] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, key)
		}
		s.mu.Unlock()
	}
}

type fileStore struct {
	storage *fileStorage
	name    string
}

func (f *fileStore) Name() string {
	return f.name
}

func (f *fileStore) Match(ctx context.Context, key Key) (*Response, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}

	base := f.entryPath(key)
	meta, err := os.ReadFile(base + metaSuffix)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	rec, err := decodeRecord(meta)
	if err != nil {
		return nil, fmt.Errorf("decode entry metadata: %w", err)
	}
	if rec.key() != key {
		// sha1 冲突或外部写入，视为未命中
		return nil, ErrNotFound
	}

	body, err := os.ReadFile(base + bodySuffix)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if !rec.matches(body) {
		// 正文与元数据分两次 rename，读到半新半旧的组合时视为未命中
		return nil, ErrNotFound
	}
	return rec.response(f.name, body), nil
}

func (f *fileStore) Put(ctx context.Context, key Key, resp *Response) error {
	if resp == nil {
		return ErrNilResponse
	}
	unlock := f.storage.lockEntry(f.name + "::" + key.String())
	defer unlock()

	if err := os.MkdirAll(f.storage.cacheDir(f.name), 0o755); err != nil {
		return err
	}

	meta, err := encodeRecord(newRecord(key, resp, false))
	if err != nil {
		return err
	}

	base := f.entryPath(key)
	if err := writeFileAtomic(ctx, base+bodySuffix, bytes.NewReader(resp.Body)); err != nil {
		return err
	}
	return writeFileAtomic(ctx, base+metaSuffix, bytes.NewReader(meta))
}

func (f *fileStore) Delete(ctx context.Context, key Key) (bool, error) {
	if err := checkContext(ctx); err != nil {
		return false, err
	}
	unlock := f.storage.lockEntry(f.name + "::" + key.String())
	defer unlock()

	base := f.entryPath(key)
	err := os.Remove(base + metaSuffix)
	existed := err == nil
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return false, err
	}
	if err := os.Remove(base + bodySuffix); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return existed, err
	}
	return existed, nil
}

func (f *fileStore) Keys(ctx context.Context) ([]Key, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(f.storage.cacheDir(f.name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	keys := make([]Key, 0, len(entries)/2)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), metaSuffix) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(f.storage.cacheDir(f.name), entry.Name()))
		if err != nil {
			continue
		}
		rec, err := decodeRecord(data)
		if err != nil {
			continue
		}
		keys = append(keys, rec.key())
	}
	return keys, nil
}

func (f *fileStore) entryPath(key Key) string {
	sum := sha1.Sum([]byte(key.String()))
	return filepath.Join(f.storage.cacheDir(f.name), hex.EncodeToString(sum[:]))
}

// writeFileAtomic 通过临时文件 + rename 写入，失败时清理临时文件。
func writeFileAtomic(ctx context.Context, target string, body io.Reader) error {
	tempFile, err := os.CreateTemp(filepath.Dir(target), ".cache-*")
	if err != nil {
		return err
	}
	tempName := tempFile.Name()

	_, err = copyWithContext(ctx, tempFile, body)
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return err
	}

	if err := os.Rename(tempName, target); err != nil {
		os.Remove(tempName)
		return err
	}
	return nil
}

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	var copied int64
	buf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return copied, err
		}
		n, err := src.Read(buf)
		if n > 0 {
			w, wErr := dst.Write(buf[:n])
			copied += int64(w)
			if wErr != nil {
				return copied, wErr
			}
			if w < n {
				return copied, io.ErrShortWrite
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return copied, nil
			}
			return copied, err
		}
	}
}
