package store

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// MemoryStore is a thread-safe in-process store.
type MemoryStore struct {
	records map[string]*record
	mutex   sync.RWMutex
	cfg     config

	stop      chan struct{}
	closeOnce sync.Once
}

// NewMemoryStore creates an in-memory store. With a TTL a background loop
// sweeps expired records until Close.
func NewMemoryStore(opts ...Option) *MemoryStore {
	s := &MemoryStore{
		records: make(map[string]*record),
		cfg:     newConfig(opts),
		stop:    make(chan struct{}),
	}
	if s.cfg.ttl > 0 {
		go s.cleanupLoop(s.cfg.cleanupInterval)
	}
	return s
}

// Get returns the payload stored under id.
func (s *MemoryStore) Get(ctx context.Context, id string) ([]byte, error) {
	r, err := s.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	return unpack(ctx, r)
}

// Put stores data under id, replacing any previous record.
func (s *MemoryStore) Put(ctx context.Context, id string, data []byte, status string) error {
	if err := checkContext(ctx); err != nil {
		return err
	}
	r, err := pack(ctx, s.cfg, id, data, status)
	if err != nil {
		return err
	}

	s.mutex.Lock()
	s.records[id] = r
	s.mutex.Unlock()
	s.cfg.logger.Debug("store item set",
		zap.String("id", id),
		zap.String("status", status),
		zap.Int("bytes", len(data)),
		zap.Int("chunks", len(r.Chunks)))
	return nil
}

// Status returns the record status stored with id.
func (s *MemoryStore) Status(ctx context.Context, id string) (string, error) {
	r, err := s.lookup(ctx, id)
	if err != nil {
		return "", err
	}
	return r.Status, nil
}

// Delete removes id. Deleting a missing item is not an error.
func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	if err := checkContext(ctx); err != nil {
		return err
	}
	s.mutex.Lock()
	delete(s.records, id)
	s.mutex.Unlock()
	return nil
}

// Len returns the number of records, expired ones included until swept.
func (s *MemoryStore) Len() int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return len(s.records)
}

// Close stops the cleanup loop.
func (s *MemoryStore) Close() error {
	s.closeOnce.Do(func() { close(s.stop) })
	return nil
}

func (s *MemoryStore) lookup(ctx context.Context, id string) (*record, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}

	s.mutex.RLock()
	defer s.mutex.RUnlock()

	r, found := s.records[id]
	if !found {
		return nil, notFound(id, "store item not found")
	}
	if r.expired(time.Now()) {
		// Lazy expiry; the cleanup loop deletes it.
		s.cfg.logger.Debug("store item expired", zap.String("id", id))
		return nil, notFound(id, "store item expired")
	}
	return r, nil
}

func (s *MemoryStore) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *MemoryStore) sweep() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	now := time.Now()
	removed := 0
	for id, r := range s.records {
		if r.expired(now) {
			delete(s.records, id)
			removed++
		}
	}
	return removed
}
