package recognition

import (
	"context"
	"errors"

	"github.com/harunnryd/voca/pkg/frames"
)

// ErrStreamExpired signals the backend closed the stream because it reached
// its maximum duration. The bridge handles this transparently by recreating
// the stream.
var ErrStreamExpired = errors.New("recognition stream expired")

// StreamConfig carries per-call stream parameters.
type StreamConfig struct {
	CallID     string
	Language   string
	SampleRate int
	Interim    bool
}

// Result is one item read off a live stream: a transcript event or a stream
// failure, never both.
type Result struct {
	Event frames.TranscriptEvent
	Err   error
}

// Stream is one live backend recognition stream.
type Stream interface {
	// SendAudio forwards a frame. A nil return confirms backend receipt.
	SendAudio(f frames.AudioFrame) error
	// Results yields transcript events and terminal stream errors.
	Results() <-chan Result
	Close() error
}

// Backend opens recognition streams against one vendor.
type Backend interface {
	Name() string
	OpenStream(ctx context.Context, cfg StreamConfig) (Stream, error)
}
