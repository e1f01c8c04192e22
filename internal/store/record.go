// Package store keeps task inputs and outputs by logical ID. Payloads are
// split into chunks and optionally gzip-compressed; callers never see either.
package store

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"runtime"
	"time"

	"github.com/ZanzyTHEbar/errbuilder-go"
	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ZanzyTHEbar/hydrocompute/pkg/compute"
)

// DefaultChunkSize is the payload chunk size used when none is configured.
const DefaultChunkSize = 1 << 20

type config struct {
	chunkSize       int
	compress        bool
	ttl             time.Duration
	cleanupInterval time.Duration
	logger          *zap.Logger
}

func newConfig(opts []Option) config {
	cfg := config{
		chunkSize:       DefaultChunkSize,
		compress:        true,
		cleanupInterval: 10 * time.Minute,
		logger:          zap.L().Named("store"),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// Option configures a store.
type Option func(*config)

// WithChunkSize sets the chunk size in bytes.
func WithChunkSize(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.chunkSize = n
		}
	}
}

// WithCompression enables or disables gzip compression of chunks.
func WithCompression(enabled bool) Option {
	return func(c *config) { c.compress = enabled }
}

// WithTTL expires records ttl after they were written. Zero keeps them forever.
func WithTTL(ttl time.Duration) Option {
	return func(c *config) { c.ttl = ttl }
}

// WithCleanupInterval sets how often expired records are swept.
func WithCleanupInterval(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.cleanupInterval = d
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(c *config) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// record is the unit of storage in both stores.
type record struct {
	ID         string   `cbor:"id"`
	Status     string   `cbor:"status"`
	Length     int      `cbor:"length"`
	Compressed bool     `cbor:"compressed"`
	Chunks     [][]byte `cbor:"chunks"`
	Expiration int64    `cbor:"expiration,omitempty"`
}

func (r *record) expired(now time.Time) bool {
	return r.Expiration > 0 && now.UnixNano() > r.Expiration
}

func checkContext(ctx context.Context) error {
	if err := errbuilder.WrapIfContextDone(ctx, nil); err != nil {
		return err
	}
	return nil
}

func notFound(id, reason string) error {
	return compute.NewNotFoundError(compute.StageStore, fmt.Sprintf("store item '%s'", id),
		errbuilder.NotFoundErr(errbuilder.GenericErr(reason, nil)))
}

// pack copies data into a record, chunked and compressed per cfg.
func pack(ctx context.Context, cfg config, id string, data []byte, status string) (*record, error) {
	r := &record{ID: id, Status: status, Length: len(data), Compressed: cfg.compress}
	if cfg.ttl > 0 {
		r.Expiration = time.Now().Add(cfg.ttl).UnixNano()
	}
	if len(data) == 0 {
		return r, nil
	}

	buf := append([]byte(nil), data...)
	var chunks [][]byte
	for off := 0; off < len(buf); off += cfg.chunkSize {
		end := off + cfg.chunkSize
		if end > len(buf) {
			end = len(buf)
		}
		chunks = append(chunks, buf[off:end])
	}
	if !cfg.compress {
		r.Chunks = chunks
		return r, nil
	}

	r.Chunks = make([][]byte, len(chunks))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i, chunk := range chunks {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			out, err := compress(chunk)
			if err != nil {
				return fmt.Errorf("compress chunk %d: %w", i, err)
			}
			r.Chunks[i] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, compute.NewStoreError("put", id, err)
	}
	return r, nil
}

// unpack reassembles the payload of r.
func unpack(ctx context.Context, r *record) ([]byte, error) {
	if r.Length == 0 {
		return []byte{}, nil
	}
	parts := r.Chunks
	if r.Compressed {
		parts = make([][]byte, len(r.Chunks))
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(runtime.GOMAXPROCS(0))
		for i, chunk := range r.Chunks {
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				out, err := decompress(chunk)
				if err != nil {
					return fmt.Errorf("decompress chunk %d: %w", i, err)
				}
				parts[i] = out
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, compute.NewStoreError("get", r.ID, err)
		}
	}

	data := make([]byte, 0, r.Length)
	for _, p := range parts {
		data = append(data, p...)
	}
	if len(data) != r.Length {
		return nil, compute.NewStoreError("get", r.ID, fmt.Errorf("corrupt record: %d bytes, want %d", len(data), r.Length))
	}
	return data, nil
}

func compress(chunk []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := gzip.NewWriterLevel(&buf, gzip.BestSpeed)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(chunk); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompress(chunk []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(chunk))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
