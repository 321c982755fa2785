package audiobuf

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/harunnryd/voca/pkg/frames"
)

// OverflowPolicy decides what a full buffer does with a new frame.
type OverflowPolicy int

const (
	// Block makes the producer wait for the consumer to catch up.
	Block OverflowPolicy = iota
	// DropOldest evicts the oldest queued frame and records the drop.
	DropOldest
)

func (p OverflowPolicy) String() string {
	if p == DropOldest {
		return "drop_oldest"
	}
	return "block"
}

var ErrClosed = errors.New("audio buffer closed")

// Buffer is the bounded frame queue between telephony delivery and the
// recognition bridge for one call. Exactly one consumer reads it; frames are
// delivered in write order and retained until acked so a recreated
// recognition stream can replay what the backend never confirmed.
type Buffer struct {
	mu       sync.Mutex
	queue    []frames.AudioFrame
	pending  []frames.AudioFrame
	capacity int
	policy   OverflowPolicy
	dropped  uint64
	closed   bool

	notEmpty chan struct{}
	notFull  chan struct{}

	logger *slog.Logger
}

func New(capacity int, policy OverflowPolicy, logger *slog.Logger) *Buffer {
	if capacity <= 0 {
		capacity = 256
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Buffer{
		capacity: capacity,
		policy:   policy,
		notEmpty: make(chan struct{}, 1),
		notFull:  make(chan struct{}, 1),
		logger:   logger,
	}
}

// Write enqueues a frame. Under Block policy a full buffer blocks until the
// consumer drains or ctx is done; under DropOldest the oldest frame is
// evicted and the eviction is logged, never silent.
func (b *Buffer) Write(ctx context.Context, f frames.AudioFrame) error {
	for {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return ErrClosed
		}
		if len(b.queue) < b.capacity {
			b.queue = append(b.queue, f)
			b.mu.Unlock()
			b.signal(b.notEmpty)
			return nil
		}
		if b.policy == DropOldest {
			evicted := b.queue[0]
			b.queue = append(b.queue[:0], b.queue[1:]...)
			b.queue = append(b.queue, f)
			b.dropped++
			dropped := b.dropped
			b.mu.Unlock()
			frames.ReleaseAudioFrame(evicted)
			b.logger.Warn("audio_frame_dropped",
				slog.Uint64("seq", evicted.Seq()),
				slog.Uint64("total_dropped", dropped))
			b.signal(b.notEmpty)
			return nil
		}
		b.mu.Unlock()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-b.notFull:
		}
	}
}

// Read returns the next frame in sequence order, blocking until one is
// available. The frame stays in the unacked window until Ack is called.
func (b *Buffer) Read(ctx context.Context) (frames.AudioFrame, error) {
	for {
		b.mu.Lock()
		if len(b.queue) > 0 {
			f := b.queue[0]
			b.queue = append(b.queue[:0], b.queue[1:]...)
			b.pending = append(b.pending, f)
			b.mu.Unlock()
			b.signal(b.notFull)
			return f, nil
		}
		if b.closed {
			b.mu.Unlock()
			return frames.AudioFrame{}, ErrClosed
		}
		b.mu.Unlock()
		select {
		case <-ctx.Done():
			return frames.AudioFrame{}, ctx.Err()
		case <-b.notEmpty:
		}
	}
}

// Ack confirms backend receipt of every delivered frame with Seq <= seq and
// releases them.
func (b *Buffer) Ack(seq uint64) {
	b.mu.Lock()
	kept := b.pending[:0]
	var released []frames.AudioFrame
	for _, f := range b.pending {
		if f.Seq() <= seq {
			released = append(released, f)
		} else {
			kept = append(kept, f)
		}
	}
	b.pending = kept
	b.mu.Unlock()
	for _, f := range released {
		frames.ReleaseAudioFrame(f)
	}
}

// Unacked snapshots delivered-but-unconfirmed frames, oldest first, for
// replay into a recreated recognition stream.
func (b *Buffer) Unacked() []frames.AudioFrame {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]frames.AudioFrame, len(b.pending))
	copy(out, b.pending)
	return out
}

// Flush discards queued and unacked frames. Callers only invoke this after
// confirmed playback completion or call teardown.
func (b *Buffer) Flush() {
	b.mu.Lock()
	queued := b.queue
	pending := b.pending
	b.queue = nil
	b.pending = nil
	b.mu.Unlock()
	for _, f := range queued {
		frames.ReleaseAudioFrame(f)
	}
	for _, f := range pending {
		frames.ReleaseAudioFrame(f)
	}
	b.signal(b.notFull)
}

func (b *Buffer) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()
	b.signal(b.notEmpty)
	b.signal(b.notFull)
	return nil
}

func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// Dropped returns the running count of evicted frames.
func (b *Buffer) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

func (b *Buffer) signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
