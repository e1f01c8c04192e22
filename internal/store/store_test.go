package store

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ZanzyTHEbar/hydrocompute/pkg/compute"
)

var (
	_ compute.Store = (*MemoryStore)(nil)
	_ compute.Store = (*FileStore)(nil)
)

func payload(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i % 251)
	}
	return b
}

func stores(t *testing.T, opts ...Option) map[string]compute.Store {
	t.Helper()
	fs, err := NewFileStore(t.TempDir(), opts...)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	mem := NewMemoryStore(opts...)
	t.Cleanup(func() {
		mem.Close()
		fs.Close()
	})
	return map[string]compute.Store{"memory": mem, "file": fs}
}

func TestStoreRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		opts []Option
		size int
	}{
		{name: "single chunk", size: 10},
		{name: "many compressed chunks", opts: []Option{WithChunkSize(7)}, size: 100},
		{name: "many raw chunks", opts: []Option{WithChunkSize(7), WithCompression(false)}, size: 100},
		{name: "empty", size: 0},
	}

	for _, tt := range tests {
		for kind, s := range stores(t, tt.opts...) {
			t.Run(tt.name+"/"+kind, func(t *testing.T) {
				ctx := context.Background()
				want := payload(tt.size)
				id := "run-1/step-0/input-0"
				if err := s.Put(ctx, id, want, compute.RecordCompleted); err != nil {
					t.Fatalf("Put: %v", err)
				}
				got, err := s.Get(ctx, id)
				if err != nil {
					t.Fatalf("Get: %v", err)
				}
				if !bytes.Equal(got, want) {
					t.Errorf("payload mismatch: got %d bytes, want %d", len(got), len(want))
				}
				status, err := s.Status(ctx, id)
				if err != nil || status != compute.RecordCompleted {
					t.Errorf("Status = %q, %v", status, err)
				}
			})
		}
	}
}

func TestStorePutCopiesInput(t *testing.T) {
	s := NewMemoryStore(WithCompression(false))
	defer s.Close()
	ctx := context.Background()
	data := []byte{1, 2, 3}
	if err := s.Put(ctx, "a", data, compute.RecordCompleted); err != nil {
		t.Fatalf("Put: %v", err)
	}
	data[0] = 9
	got, _ := s.Get(ctx, "a")
	if got[0] != 1 {
		t.Errorf("stored payload aliases the caller's slice")
	}
}

func TestStoreNotFoundAndDelete(t *testing.T) {
	for kind, s := range stores(t) {
		t.Run(kind, func(t *testing.T) {
			ctx := context.Background()
			_, err := s.Get(ctx, "missing")
			if !compute.HasCode(err, compute.ErrCodeNotFound) || !strings.Contains(err.Error(), "not found") {
				t.Fatalf("expected not found, got %v", err)
			}

			if err := s.Put(ctx, "result/x", []byte("abc"), compute.RecordError); err != nil {
				t.Fatalf("Put: %v", err)
			}
			if err := s.Delete(ctx, "result/x"); err != nil {
				t.Fatalf("Delete: %v", err)
			}
			if _, err := s.Status(ctx, "result/x"); !compute.HasCode(err, compute.ErrCodeNotFound) {
				t.Errorf("expected deleted item to be gone, got %v", err)
			}
			if err := s.Delete(ctx, "result/x"); err != nil {
				t.Errorf("deleting twice should be a no-op, got %v", err)
			}
		})
	}
}

func TestStoreExpiration(t *testing.T) {
	for kind, s := range stores(t, WithTTL(50*time.Millisecond)) {
		t.Run(kind, func(t *testing.T) {
			ctx := context.Background()
			if err := s.Put(ctx, "baz", []byte("qux"), compute.RecordCompleted); err != nil {
				t.Fatalf("Put: %v", err)
			}
			time.Sleep(60 * time.Millisecond)
			if _, err := s.Get(ctx, "baz"); err == nil {
				t.Errorf("expected error for expired item, got nil")
			}
		})
	}
}

func TestMemoryStoreSweep(t *testing.T) {
	s := NewMemoryStore(WithTTL(time.Millisecond), WithCleanupInterval(time.Hour))
	defer s.Close()
	ctx := context.Background()
	for _, id := range []string{"a", "b"} {
		if err := s.Put(ctx, id, []byte(id), compute.RecordCompleted); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}
	time.Sleep(5 * time.Millisecond)
	if n := s.sweep(); n != 2 {
		t.Errorf("sweep removed %d records, want 2", n)
	}
	if s.Len() != 0 {
		t.Errorf("expected empty store, got %d", s.Len())
	}
}

func TestFileStorePersistsAcrossInstances(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	first, err := NewFileStore(dir, WithChunkSize(3))
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	if err := first.Put(ctx, "result/a/b", []byte("hello world"), compute.RecordCompleted); err != nil {
		t.Fatalf("Put: %v", err)
	}
	first.Close()

	second, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	defer second.Close()
	got, err := second.Get(ctx, "result/a/b")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != "hello world" {
		t.Errorf("got %q", got)
	}
}

func TestFileStoreSweep(t *testing.T) {
	s, err := NewFileStore(t.TempDir(), WithTTL(time.Millisecond), WithCleanupInterval(time.Hour))
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	defer s.Close()
	ctx := context.Background()
	if err := s.Put(ctx, "old", []byte("x"), compute.RecordCompleted); err != nil {
		t.Fatalf("Put: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	n, err := s.Sweep(ctx)
	if err != nil || n != 1 {
		t.Errorf("Sweep = %d, %v; want 1, nil", n, err)
	}
}

func TestMemoryStoreConcurrency(t *testing.T) {
	s := NewMemoryStore(WithChunkSize(16))
	defer s.Close()
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 64)
	for i := 0; i < 32; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			errs <- s.Put(ctx, "shared", payload(100), compute.RecordCompleted)
		}()
		go func() {
			defer wg.Done()
			if _, err := s.Get(ctx, "shared"); err != nil && !strings.Contains(err.Error(), "not found") {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	}
}
