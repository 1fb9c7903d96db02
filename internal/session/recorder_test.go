package session

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/voximetry/voximetry/internal/store"
)

func TestRecorderPersistsChunks(t *testing.T) {
	t.Parallel()

	st := store.NewMemory()
	r := NewRecorder("sess-1", st, nil)
	for i := 1; i <= 5; i++ {
		r.Append(int64(i), "output", 320)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	url, err := r.Flush(ctx)
	if err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	if !strings.HasSuffix(url, "sess-1") {
		t.Errorf("Flush() url = %q", url)
	}

	n, err := st.DeleteRecordings(ctx, "sess-1")
	if err != nil {
		t.Fatalf("DeleteRecordings() error = %v", err)
	}
	if n != 5 {
		t.Errorf("persisted recordings = %d, want 5", n)
	}
}

func TestRecorderEmptyFlush(t *testing.T) {
	t.Parallel()

	r := NewRecorder("sess-1", store.NewMemory(), nil)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	url, err := r.Flush(ctx)
	if err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	if url != "" {
		t.Errorf("Flush() url = %q, want empty", url)
	}
}

func TestRecorderAppendAfterFlushIgnored(t *testing.T) {
	t.Parallel()

	r := NewRecorder("sess-1", store.NewMemory(), nil)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := r.Flush(ctx); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	// Must not panic on the closed queue.
	r.Append(1, "output", 10)
}

func TestRecorderNilStoreCountsOnly(t *testing.T) {
	t.Parallel()

	r := NewRecorder("sess-1", nil, nil)
	r.Append(1, "output", 10)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	url, err := r.Flush(ctx)
	if err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	if url == "" {
		t.Error("Flush() url empty despite captured chunks")
	}
}
