package session

import (
	"context"
	"sync"
	"time"

	"github.com/harunnryd/voca/pkg/audiobuf"
	"github.com/harunnryd/voca/pkg/convlog"
	"github.com/harunnryd/voca/pkg/recognition"
	"github.com/harunnryd/voca/pkg/telephony"
	"github.com/harunnryd/voca/pkg/tts"
)

// Responder generates the agent's reply to a caller utterance. Response
// generation is an external collaborator; the session only sees this boundary.
type Responder interface {
	Respond(ctx context.Context, callID, language, transcript string) (string, error)
}

// ResponderFunc adapts a function to the Responder interface.
type ResponderFunc func(ctx context.Context, callID, language, transcript string) (string, error)

func (f ResponderFunc) Respond(ctx context.Context, callID, language, transcript string) (string, error) {
	return f(ctx, callID, language, transcript)
}

// Config carries one call's orchestration settings.
type Config struct {
	CallID          string
	Language        string
	PreferredEngine string
	SampleRate      int
	BufferCapacity  int
	Overflow        audiobuf.OverflowPolicy
	// PauseDuringSpeak pauses recognition while the agent speaks to avoid
	// echo-induced false transcripts. Caller audio is still buffered.
	PauseDuringSpeak bool
	// GraceTimeout bounds how long a hangup waits for in-flight work.
	GraceTimeout time.Duration
	// ApologyText is spoken best-effort when the call hits an
	// unrecoverable failure.
	ApologyText string
	// RecognitionRetryBudget bounds backend errors before the call errors.
	RecognitionRetryBudget int
}

func (c Config) withDefaults() Config {
	if c.Language == "" {
		c.Language = "en"
	}
	if c.SampleRate <= 0 {
		c.SampleRate = 8000
	}
	if c.BufferCapacity <= 0 {
		c.BufferCapacity = 256
	}
	if c.GraceTimeout <= 0 {
		c.GraceTimeout = 2 * time.Second
	}
	if c.ApologyText == "" {
		c.ApologyText = "I am sorry, I am having trouble right now. Please call again later."
	}
	return c
}

// Collaborators are the external systems one session drives.
type Collaborators struct {
	Channel    telephony.Channel
	Recognizer recognition.Backend
	Selector   *tts.Selector
	Log        convlog.Writer
	Responder  Responder
}

// Snapshot is a read-only view of one call for operational surfaces.
type Snapshot struct {
	CallID    string
	State     string
	Language  string
	StartedAt time.Time
	Turns     int
}

// turnLog accumulates one call's turns with monotonic IDs.
type turnLog struct {
	mu    sync.Mutex
	seq   int
	turns []convlog.Turn
}

func (l *turnLog) next() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seq++
	return l.seq
}

func (l *turnLog) add(t convlog.Turn) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.turns = append(l.turns, t)
}

func (l *turnLog) snapshot() []convlog.Turn {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]convlog.Turn(nil), l.turns...)
}

func (l *turnLog) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.turns)
}
