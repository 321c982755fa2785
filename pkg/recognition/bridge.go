package recognition

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/harunnryd/voca/pkg/audiobuf"
	"github.com/harunnryd/voca/pkg/errorsx"
	"github.com/harunnryd/voca/pkg/frames"
	"github.com/harunnryd/voca/pkg/logging"
)

// BridgeConfig tunes the bridge's restart behavior.
type BridgeConfig struct {
	Stream StreamConfig
	// RetryBudget bounds backend errors tolerated before the bridge gives
	// up. Stream expiry does not count against it.
	RetryBudget int
}

// Bridge pumps one call's audio frames from the buffer into a recognition
// stream and yields transcript events. When the backend expires the stream it
// is recreated in place and the buffer's unacked frames are replayed, so no
// in-flight audio is lost across the seam.
type Bridge struct {
	backend Backend
	buf     *audiobuf.Buffer
	cfg     BridgeConfig
	out     chan frames.TranscriptEvent
	logger  *slog.Logger

	mu     sync.Mutex
	paused bool
	resume chan struct{}
}

func NewBridge(backend Backend, buf *audiobuf.Buffer, cfg BridgeConfig) *Bridge {
	if cfg.RetryBudget <= 0 {
		cfg.RetryBudget = 3
	}
	return &Bridge{
		backend: backend,
		buf:     buf,
		cfg:     cfg,
		out:     make(chan frames.TranscriptEvent, 64),
		resume:  make(chan struct{}),
		logger:  logging.NewCallLogger(slog.Default(), "recognition_bridge", cfg.Stream.CallID),
	}
}

// Transcripts yields interim and final events. The channel closes when Run
// returns.
func (b *Bridge) Transcripts() <-chan frames.TranscriptEvent { return b.out }

// Pause stops consuming frames from the buffer. Audio keeps accumulating
// there; nothing is dropped.
func (b *Bridge) Pause() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.paused {
		b.paused = true
		b.resume = make(chan struct{})
	}
}

// Resume continues frame consumption after a Pause.
func (b *Bridge) Resume() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.paused {
		b.paused = false
		close(b.resume)
	}
}

func (b *Bridge) pauseGate() (bool, <-chan struct{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.paused, b.resume
}

// Run drives the bridge until ctx is cancelled, the buffer closes, or the
// backend error budget is spent.
func (b *Bridge) Run(ctx context.Context) error {
	defer close(b.out)

	backendErrs := 0
	for {
		stream, err := b.backend.OpenStream(ctx, b.cfg.Stream)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			backendErrs++
			if backendErrs > b.cfg.RetryBudget {
				return errorsx.Wrap(err, errorsx.ReasonRecognitionConnect)
			}
			b.logger.Warn("recognition_connect_retry",
				slog.Int("attempt", backendErrs),
				slog.String("error", err.Error()))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}

		// Replay whatever the previous stream never confirmed.
		for _, f := range b.buf.Unacked() {
			if err := stream.SendAudio(f); err != nil {
				break
			}
			b.buf.Ack(f.Seq())
		}

		err = b.pump(ctx, stream)
		_ = stream.Close()
		switch {
		case err == nil || errors.Is(err, context.Canceled) || errors.Is(err, audiobuf.ErrClosed):
			if errors.Is(err, audiobuf.ErrClosed) {
				return nil
			}
			return err
		case errors.Is(err, ErrStreamExpired):
			b.logger.Info("recognition_stream_recreating")
			continue
		default:
			backendErrs++
			if backendErrs > b.cfg.RetryBudget {
				return errorsx.Wrap(err, errorsx.ReasonRecognitionBackend)
			}
			b.logger.Warn("recognition_backend_retry",
				slog.Int("attempt", backendErrs),
				slog.String("error", err.Error()))
		}
	}
}

// pump moves frames and results for one stream incarnation. Returns
// ErrStreamExpired when the backend bounds the stream duration.
func (b *Bridge) pump(ctx context.Context, stream Stream) error {
	sendErr := make(chan error, 1)
	sendCtx, cancelSend := context.WithCancel(ctx)
	defer cancelSend()

	go func() {
		sendErr <- b.sendLoop(sendCtx, stream)
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-sendErr:
			return err
		case res, ok := <-stream.Results():
			if !ok {
				return ErrStreamExpired
			}
			if res.Err != nil {
				return res.Err
			}
			select {
			case b.out <- res.Event:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

func (b *Bridge) sendLoop(ctx context.Context, stream Stream) error {
	for {
		if paused, gate := b.pauseGate(); paused {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-gate:
			}
			continue
		}
		f, err := b.buf.Read(ctx)
		if err != nil {
			return err
		}
		if err := stream.SendAudio(f); err != nil {
			return err
		}
		b.buf.Ack(f.Seq())
	}
}
