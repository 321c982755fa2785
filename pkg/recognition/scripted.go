package recognition

import (
	"context"
	"sync"
	"time"

	"github.com/harunnryd/voca/pkg/frames"
)

// ScriptedBackend replays a fixed list of caller utterances as final
// transcript results. It backs simulated calls, where no caller audio exists
// but the rest of the pipeline should run for real.
type ScriptedBackend struct {
	lines []string
	gap   time.Duration
}

// NewScriptedBackend builds a backend that emits one line per gap interval.
// The gap leaves the session time to finish speaking between lines; a line
// arriving mid-utterance is dropped by the session like any other transcript.
func NewScriptedBackend(lines []string, gap time.Duration) *ScriptedBackend {
	if gap <= 0 {
		gap = time.Second
	}
	return &ScriptedBackend{lines: lines, gap: gap}
}

func (b *ScriptedBackend) Name() string { return "scripted" }

func (b *ScriptedBackend) OpenStream(ctx context.Context, cfg StreamConfig) (Stream, error) {
	s := &scriptedStream{
		out:  make(chan Result),
		done: make(chan struct{}),
	}
	go s.replay(ctx, b.lines, b.gap)
	return s, nil
}

type scriptedStream struct {
	out  chan Result
	done chan struct{}
	once sync.Once
}

func (s *scriptedStream) SendAudio(frames.AudioFrame) error { return nil }

func (s *scriptedStream) Results() <-chan Result { return s.out }

func (s *scriptedStream) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

func (s *scriptedStream) replay(ctx context.Context, lines []string, gap time.Duration) {
	timer := time.NewTimer(gap)
	defer timer.Stop()
	for _, line := range lines {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-timer.C:
		}
		res := Result{Event: frames.TranscriptEvent{
			Text:       line,
			IsFinal:    true,
			Confidence: 1,
			Timestamp:  time.Now(),
		}}
		select {
		case s.out <- res:
		case <-ctx.Done():
			return
		case <-s.done:
			return
		}
		timer.Reset(gap)
	}
}
