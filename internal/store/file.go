package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"go.uber.org/zap"

	"github.com/ZanzyTHEbar/hydrocompute/pkg/compute"
)

const recordExt = ".rec"

// FileStore persists each record as a CBOR file in a directory, so data
// survives the process and can be shared between runs.
type FileStore struct {
	dir   string
	cfg   config
	mutex sync.RWMutex

	stop      chan struct{}
	closeOnce sync.Once
}

// NewFileStore opens (creating if needed) a store rooted at dir.
func NewFileStore(dir string, opts ...Option) (*FileStore, error) {
	if dir == "" {
		return nil, compute.NewConfigurationError("file store needs a directory", nil)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, compute.NewStoreError("open", dir, err)
	}
	s := &FileStore{dir: dir, cfg: newConfig(opts), stop: make(chan struct{})}
	if s.cfg.ttl > 0 {
		go s.cleanupLoop(s.cfg.cleanupInterval)
	}
	return s, nil
}

// Dir returns the store directory.
func (s *FileStore) path(id string) string {
	return filepath.Join(s.dir, url.PathEscape(id)+recordExt)
}

// Get returns the payload stored under id.
func (s *FileStore) Get(ctx context.Context, id string) ([]byte, error) {
	r, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	return unpack(ctx, r)
}

// Put writes the record for id atomically.
func (s *FileStore) Put(ctx context.Context, id string, data []byte, status string) error {
	if err := checkContext(ctx); err != nil {
		return err
	}
	r, err := pack(ctx, s.cfg, id, data, status)
	if err != nil {
		return err
	}
	raw, err := cbor.Marshal(r)
	if err != nil {
		return compute.NewStoreError("put", id, err)
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()
	tmp, err := os.CreateTemp(s.dir, ".tmp-*")
	if err != nil {
		return compute.NewStoreError("put", id, err)
	}
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return compute.NewStoreError("put", id, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return compute.NewStoreError("put", id, err)
	}
	if err := os.Rename(tmp.Name(), s.path(id)); err != nil {
		os.Remove(tmp.Name())
		return compute.NewStoreError("put", id, err)
	}
	s.cfg.logger.Debug("store item written",
		zap.String("id", id),
		zap.String("status", status),
		zap.Int("bytes", len(data)))
	return nil
}

// Status returns the record status stored with id.
func (s *FileStore) Status(ctx context.Context, id string) (string, error) {
	r, err := s.load(ctx, id)
	if err != nil {
		return "", err
	}
	return r.Status, nil
}

// Delete removes id. Deleting a missing item is not an error.
func (s *FileStore) Delete(ctx context.Context, id string) error {
	if err := checkContext(ctx); err != nil {
		return err
	}
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if err := os.Remove(s.path(id)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return compute.NewStoreError("delete", id, err)
	}
	return nil
}

// Sweep removes expired records and returns how many it deleted.
func (s *FileStore) Sweep(ctx context.Context) (int, error) {
	if err := checkContext(ctx); err != nil {
		return 0, err
	}
	s.mutex.Lock()
	defer s.mutex.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, compute.NewStoreError("sweep", s.dir, err)
	}
	now := time.Now()
	removed := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), recordExt) {
			continue
		}
		r, err := s.readFile(filepath.Join(s.dir, e.Name()))
		if err != nil {
			s.cfg.logger.Warn("skipping unreadable record", zap.String("file", e.Name()), zap.Error(err))
			continue
		}
		if r.expired(now) {
			if err := os.Remove(filepath.Join(s.dir, e.Name())); err == nil {
				removed++
			}
		}
	}
	return removed, nil
}

// Close stops the cleanup loop. Records stay on disk.
func (s *FileStore) Close() error {
	s.closeOnce.Do(func() { close(s.stop) })
	return nil
}

func (s *FileStore) load(ctx context.Context, id string) (*record, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	s.mutex.RLock()
	r, err := s.readFile(s.path(id))
	s.mutex.RUnlock()
	if errors.Is(err, fs.ErrNotExist) {
		return nil, notFound(id, "store item not found")
	}
	if err != nil {
		return nil, compute.NewStoreError("get", id, err)
	}
	if r.expired(time.Now()) {
		return nil, notFound(id, "store item expired")
	}
	return r, nil
}

func (s *FileStore) readFile(path string) (*record, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var r record
	if err := cbor.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	return &r, nil
}

func (s *FileStore) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			if n, err := s.Sweep(context.Background()); err != nil {
				s.cfg.logger.Warn("store sweep failed", zap.Error(err))
			} else if n > 0 {
				s.cfg.logger.Debug("expired records removed", zap.Int("count", n))
			}
		}
	}
}
