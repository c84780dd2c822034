package cache

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

const entrySuffix = ".entry"

// NewDiskStorage 以 basePath 为根目录构建磁盘缓存，每个命名缓存对应一个子目录：
//
//	<StoragePath>/<CacheName>/<xxhash(url)>.entry
//
// 条目文件首行是 JSON 元数据（URL/状态码/Header），其后为原始正文。
func NewDiskStorage(basePath string) (Storage, error) {
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

	return &diskStorage{
		basePath: abs,
		locks:    make(map[string]*entryLock),
	}, nil
}

// diskStorage 通过 entryLock 避免同一条目并发写入，所有命名缓存共享一份锁表。
type diskStorage struct {
	basePath string

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

type entryMeta struct {
	URL      string              `json:"url"`
	Status   int                 `json:"status"`
	Header   map[string][]string `json:"header,omitempty"`
	Size     int                 `json:"size"`
	StoredAt time.Time           `json:"stored_at"`
}

func (s *diskStorage) Open(ctx context.Context, name string) (Store, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validateName(name); err != nil {
		return nil, err
	}
	dir := filepath.Join(s.basePath, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("open cache %s: %w", name, err)
	}
	return &diskStore{storage: s, name: name, dir: dir}, nil
}

func (s *diskStorage) Lookup(ctx context.Context, name string) (Store, error) {
	ok, err := s.Has(ctx, name)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}
	return &diskStore{storage: s, name: name, dir: filepath.Join(s.basePath, name)}, nil
}

func (s *diskStorage) Has(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := validateName(name); err != nil {
		return false, err
	}
	info, err := os.Stat(filepath.Join(s.basePath, name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return info.IsDir(), nil
}

func (s *diskStorage) Delete(ctx context.Context, name string) (bool, error) {
	exists, err := s.Has(ctx, name)
	if err != nil || !exists {
		return false, err
	}
	if err := os.RemoveAll(filepath.Join(s.basePath, name)); err != nil {
		return false, fmt.Errorf("delete cache %s: %w", name, err)
	}
	return true, nil
}

func (s *diskStorage) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.basePath)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() || validateName(entry.Name()) != nil {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	return names, nil
}

func (s *diskStorage) lockEntry(key string) func() {
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

type diskStore struct {
	storage *diskStorage
	name    string
	dir     string
}

func (c *diskStore) Name() string {
	return c.name
}

func (c *diskStore) Match(ctx context.Context, key string) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f, err := os.Open(c.entryPath(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	defer f.Close()

	meta, body, err := readEntry(f)
	if err != nil {
		return nil, err
	}
	// xxhash 冲突或残缺文件都按未命中处理。
	if meta.URL != key || len(body) != meta.Size {
		return nil, ErrNotFound
	}

	return &Response{
		URL:      meta.URL,
		Status:   meta.Status,
		Header:   meta.Header,
		Body:     body,
		StoredAt: meta.StoredAt,
	}, nil
}

func (c *diskStore) Put(ctx context.Context, key string, resp *Response) error {
	if resp == nil {
		return errors.New("nil response")
	}
	unlock := c.storage.lockEntry(c.name + "::" + key)
	defer unlock()

	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return err
	}

	storedAt := resp.StoredAt
	if storedAt.IsZero() {
		storedAt = time.Now().UTC()
	}
	header, err := json.Marshal(entryMeta{
		URL:      key,
		Status:   resp.Status,
		Header:   resp.Header,
		Size:     len(resp.Body),
		StoredAt: storedAt,
	})
	if err != nil {
		return fmt.Errorf("encode cache meta: %w", err)
	}

	tempFile, err := os.CreateTemp(c.dir, ".cache-*")
	if err != nil {
		return err
	}
	tempName := tempFile.Name()

	src := io.MultiReader(bytes.NewReader(header), strings.NewReader("\n"), bytes.NewReader(resp.Body))
	_, err = copyWithContext(ctx, tempFile, src)
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return err
	}

	if err := os.Rename(tempName, c.entryPath(key)); err != nil {
		os.Remove(tempName)
		return err
	}
	return nil
}

func (c *diskStore) Delete(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	unlock := c.storage.lockEntry(c.name + "::" + key)
	defer unlock()

	if _, err := c.Match(ctx, key); err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if err := os.Remove(c.entryPath(key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return false, err
	}
	return true, nil
}

func (c *diskStore) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	keys := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), entrySuffix) {
			continue
		}
		meta, err := readMeta(filepath.Join(c.dir, entry.Name()))
		if err != nil {
			continue
		}
		keys = append(keys, meta.URL)
	}
	sort.Strings(keys)
	return keys, nil
}

func (c *diskStore) entryPath(key string) string {
	return filepath.Join(c.dir, fmt.Sprintf("%016x%s", xxhash.Sum64String(key), entrySuffix))
}

func readMeta(path string) (entryMeta, error) {
	f, err := os.Open(path)
	if err != nil {
		return entryMeta{}, err
	}
	defer f.Close()

	line, err := bufio.NewReader(f).ReadBytes('\n')
	if err != nil {
		return entryMeta{}, err
	}
	var meta entryMeta
	if err := json.Unmarshal(line, &meta); err != nil {
		return entryMeta{}, err
	}
	return meta, nil
}

func readEntry(r io.Reader) (entryMeta, []byte, error) {
	reader := bufio.NewReader(r)
	line, err := reader.ReadBytes('\n')
	if err != nil {
		return entryMeta{}, nil, fmt.Errorf("read cache meta: %w", err)
	}
	var meta entryMeta
	if err := json.Unmarshal(line, &meta); err != nil {
		return entryMeta{}, nil, fmt.Errorf("decode cache meta: %w", err)
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		return entryMeta{}, nil, fmt.Errorf("read cache body: %w", err)
	}
	return meta, body, nil
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
