package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/voximetry/voximetry/internal/store"
)

// recorderQueueDepth bounds buffered chunks. The audio path drops recording
// writes rather than stall when persistence falls behind.
const recorderQueueDepth = 256

// Recorder captures the model's audio output as recording rows without ever
// blocking the relay path.
type Recorder struct {
	sessionID string
	store     store.RecordingStore
	log       *slog.Logger

	ch   chan store.Recording
	done chan struct{}

	mu      sync.Mutex
	chunks  int64
	bytes   int64
	dropped int64
	closed  bool
}

// NewRecorder starts the recorder's writer goroutine. store may be nil, in
// which case chunks are counted but not persisted.
func NewRecorder(sessionID string, st store.RecordingStore, log *slog.Logger) *Recorder {
	if log == nil {
		log = slog.Default()
	}
	r := &Recorder{
		sessionID: sessionID,
		store:     st,
		log:       log,
		ch:        make(chan store.Recording, recorderQueueDepth),
		done:      make(chan struct{}),
	}
	go r.run()
	return r
}

func (r *Recorder) run() {
	defer close(r.done)
	for rec := range r.ch {
		if r.store == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := r.store.SaveRecording(ctx, rec)
		cancel()
		if err != nil {
			r.log.Warn("recording write failed",
				"session_id", rec.SessionID,
				"seq", rec.Seq,
				"err", err,
			)
		}
	}
}

// Append buffers one audio chunk for recording. Never blocks: when the
// queue is full the chunk is dropped and counted.
func (r *Recorder) Append(seq int64, direction string, size int) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.chunks++
	r.bytes += int64(size)
	rec := store.Recording{
		SessionID: r.sessionID,
		Seq:       seq,
		Direction: direction,
		SizeBytes: int64(size),
		CreatedAt: time.Now(),
	}
	select {
	case r.ch <- rec:
		r.mu.Unlock()
	default:
		r.dropped++
		r.mu.Unlock()
	}
}

// Flush stops the recorder, waits for queued writes bounded by ctx, and
// returns the recording location. Empty when nothing was captured.
func (r *Recorder) Flush(ctx context.Context) (string, error) {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.ch)
	}
	chunks, dropped := r.chunks, r.dropped
	r.mu.Unlock()

	select {
	case <-r.done:
	case <-ctx.Done():
		return "", ctx.Err()
	}

	if dropped > 0 {
		r.log.Warn("recording chunks dropped", "session_id", r.sessionID, "dropped", dropped)
	}
	if chunks == 0 {
		return "", nil
	}
	return fmt.Sprintf("recordings/%s", r.sessionID), nil
}
