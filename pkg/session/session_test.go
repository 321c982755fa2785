package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/harunnryd/voca/pkg/audiobuf"
	"github.com/harunnryd/voca/pkg/convlog"
	"github.com/harunnryd/voca/pkg/frames"
	"github.com/harunnryd/voca/pkg/recognition"
	"github.com/harunnryd/voca/pkg/telephony"
	"github.com/harunnryd/voca/pkg/telephony/mock"
	"github.com/harunnryd/voca/pkg/tts"
)

type scriptedStream struct {
	results chan recognition.Result

	mu   sync.Mutex
	sent []uint64
}

func newScriptedStream() *scriptedStream {
	return &scriptedStream{results: make(chan recognition.Result, 16)}
}

func (s *scriptedStream) SendAudio(f frames.AudioFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, f.Seq())
	return nil
}

func (s *scriptedStream) Results() <-chan recognition.Result { return s.results }

func (s *scriptedStream) Close() error { return nil }

func (s *scriptedStream) emitFinal(text string) {
	s.results <- recognition.Result{Event: frames.TranscriptEvent{
		Text:      text,
		IsFinal:   true,
		Timestamp: time.Now(),
	}}
}

func (s *scriptedStream) sentSeqs() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]uint64(nil), s.sent...)
}

type scriptedBackend struct {
	mu     sync.Mutex
	stream *scriptedStream
}

func (b *scriptedBackend) Name() string { return "scripted" }

func (b *scriptedBackend) OpenStream(ctx context.Context, cfg recognition.StreamConfig) (recognition.Stream, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := newScriptedStream()
	b.stream = st
	return st, nil
}

func (b *scriptedBackend) current() *scriptedStream {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stream
}

type stubSyn struct {
	id    string
	err   error
	delay time.Duration
}

func (s *stubSyn) Name() string { return s.id }

func (s *stubSyn) Synthesize(ctx context.Context, req tts.Request) (tts.Result, error) {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return tts.Result{}, ctx.Err()
		}
	}
	if s.err != nil {
		return tts.Result{}, s.err
	}
	return tts.Result{Audio: []byte("pcm:" + req.Text), Format: "wav", EngineID: s.id}, nil
}

func (s *stubSyn) HealthCheck(ctx context.Context) error { return s.err }

type harness struct {
	sess    *Session
	channel *mock.Channel
	backend *scriptedBackend
	log     *convlog.MemoryWriter
	cancel  context.CancelFunc
}

func newHarness(t *testing.T, syn *stubSyn) *harness {
	return newHarnessCfg(t, syn, nil)
}

func newHarnessCfg(t *testing.T, syn *stubSyn, mutate func(*Config)) *harness {
	t.Helper()
	channel := mock.New()
	channel.AutoPlaybackDone = true
	backend := &scriptedBackend{}
	log := convlog.NewMemoryWriter()

	sel := tts.NewSelector(tts.SelectorConfig{AttemptTimeout: time.Second}, nil)
	sel.Register(syn, map[string]int{"en": 1})

	cfg := Config{
		CallID:       "call-1",
		Language:     "en",
		GraceTimeout: 500 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	sess := New(cfg, Collaborators{
		Channel:    channel,
		Recognizer: backend,
		Selector:   sel,
		Log:        log,
		Responder: ResponderFunc(func(ctx context.Context, callID, language, transcript string) (string, error) {
			return "you said " + transcript, nil
		}),
	})

	ctx, cancel := context.WithCancel(context.Background())
	go sess.Run(ctx)
	// Route channel events back to the session the way the engine router does.
	go func() {
		for ev := range channel.Events() {
			sess.Deliver(ev)
		}
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-sess.Done():
		case <-time.After(3 * time.Second):
		}
		_ = channel.Stop()
	})
	return &harness{sess: sess, channel: channel, backend: backend, log: log, cancel: cancel}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// waitStream blocks until the bridge opened its recognition stream.
func waitStream(t *testing.T, h *harness) *scriptedStream {
	t.Helper()
	waitFor(t, "recognition stream", func() bool { return h.backend.current() != nil })
	return h.backend.current()
}

func commandNames(cmds []mock.Command) []string {
	names := make([]string, 0, len(cmds))
	for _, c := range cmds {
		names = append(names, c.Name)
	}
	return names
}

func hasCommand(cmds []mock.Command, name string) bool {
	for _, c := range cmds {
		if c.Name == name {
			return true
		}
	}
	return false
}

func TestCallLifecycle(t *testing.T) {
	h := newHarness(t, &stubSyn{id: "google"})

	h.sess.Deliver(telephony.Event{CallID: "call-1", Type: telephony.EventAnswered, From: "+15550100"})
	waitFor(t, "LISTENING after answer", func() bool { return h.sess.State() == StateListening })
	if !hasCommand(h.channel.Commands(), "answer") {
		t.Fatalf("answer command not issued, got %v", commandNames(h.channel.Commands()))
	}

	// Caller audio flows through the buffer into the recognition stream.
	h.sess.Deliver(telephony.Event{
		CallID: "call-1",
		Type:   telephony.EventAudioFrame,
		Audio:  frames.NewAudioFrame(1, []byte{0x01}, 8000, time.Now()),
	})
	waitFor(t, "frame reaching backend", func() bool {
		st := h.backend.current()
		return st != nil && len(st.sentSeqs()) == 1
	})

	h.backend.current().emitFinal("hello")
	// AutoPlaybackDone immediately completes the agent turn, so the session
	// swings through SPEAKING and lands back in LISTENING.
	waitFor(t, "agent turn completed", func() bool {
		return h.sess.State() == StateListening && len(h.sess.Turns()) == 2
	})
	if !hasCommand(h.channel.Commands(), "play") {
		t.Fatalf("play command not issued, got %v", commandNames(h.channel.Commands()))
	}

	h.sess.Deliver(telephony.Event{CallID: "call-1", Type: telephony.EventHangup})
	select {
	case <-h.sess.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("session did not end after hangup")
	}
	if h.sess.State() != StateEnded {
		t.Fatalf("expected ENDED, got %s", h.sess.State())
	}

	turns := h.sess.Turns()
	if len(turns) != 2 {
		t.Fatalf("expected 2 turns, got %d", len(turns))
	}
	if turns[0].Speaker != convlog.SpeakerCaller || turns[0].Transcript != "hello" {
		t.Fatalf("unexpected caller turn %+v", turns[0])
	}
	if turns[1].Speaker != convlog.SpeakerAgent || turns[1].TTSEngine != "google" {
		t.Fatalf("unexpected agent turn %+v", turns[1])
	}
	if turns[0].TurnID != 1 || turns[1].TurnID != 2 {
		t.Fatalf("turn ids not monotonic: %d, %d", turns[0].TurnID, turns[1].TurnID)
	}

	logged := h.log.Turns("call-1")
	if len(logged) != 2 {
		t.Fatalf("expected 2 logged turns, got %d", len(logged))
	}
	meta, ok := h.log.Call("call-1")
	if !ok {
		t.Fatal("call record not finalized")
	}
	if meta.State != "ENDED" || meta.TurnCount != 2 || meta.From != "+15550100" {
		t.Fatalf("unexpected call record %+v", meta)
	}
}

func TestHangupCancelsInflightSynthesis(t *testing.T) {
	h := newHarness(t, &stubSyn{id: "google", delay: 10 * time.Second})

	h.sess.Deliver(telephony.Event{CallID: "call-1", Type: telephony.EventAnswered})
	waitFor(t, "LISTENING after answer", func() bool { return h.sess.State() == StateListening })

	waitStream(t, h).emitFinal("hello")
	waitFor(t, "SPEAKING", func() bool { return h.sess.State() == StateSpeaking })

	h.sess.Deliver(telephony.Event{CallID: "call-1", Type: telephony.EventHangup})
	select {
	case <-h.sess.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("session did not end after hangup")
	}

	if hasCommand(h.channel.Commands(), "play") {
		t.Fatal("play issued after hangup cancelled synthesis")
	}
	turns := h.sess.Turns()
	if len(turns) != 1 || turns[0].Speaker != convlog.SpeakerCaller {
		t.Fatalf("expected only the caller turn, got %+v", turns)
	}
}

func TestDuplicateAnswerIgnored(t *testing.T) {
	h := newHarness(t, &stubSyn{id: "google"})

	h.sess.Deliver(telephony.Event{CallID: "call-1", Type: telephony.EventAnswered})
	waitFor(t, "LISTENING after answer", func() bool { return h.sess.State() == StateListening })
	h.sess.Deliver(telephony.Event{CallID: "call-1", Type: telephony.EventAnswered})

	// The duplicate is absorbed without a second answer or a state change.
	time.Sleep(50 * time.Millisecond)
	answers := 0
	for _, c := range h.channel.Commands() {
		if c.Name == "answer" {
			answers++
		}
	}
	if answers != 1 {
		t.Fatalf("expected exactly one answer command, got %d", answers)
	}
	if h.sess.State() != StateListening {
		t.Fatalf("duplicate answer changed state to %s", h.sess.State())
	}
}

func TestSynthesisExhaustionErrorsTheCall(t *testing.T) {
	h := newHarness(t, &stubSyn{id: "google", err: errors.New("backend down")})

	h.sess.Deliver(telephony.Event{CallID: "call-1", Type: telephony.EventAnswered})
	waitFor(t, "LISTENING after answer", func() bool { return h.sess.State() == StateListening })

	waitStream(t, h).emitFinal("hello")
	select {
	case <-h.sess.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("session did not end after engine exhaustion")
	}

	if hasCommand(h.channel.Commands(), "play") {
		t.Fatal("no audio should reach the caller when every engine fails")
	}
	if !hasCommand(h.channel.Commands(), "hangup") {
		t.Fatalf("errored call must hang up, got %v", commandNames(h.channel.Commands()))
	}
	meta, ok := h.log.Call("call-1")
	if !ok {
		t.Fatal("call record not finalized")
	}
	if meta.State != "ERRORED" {
		t.Fatalf("expected ERRORED call record, got %q", meta.State)
	}
}

func TestTranscriptIgnoredWhileSpeaking(t *testing.T) {
	h := newHarness(t, &stubSyn{id: "google", delay: 150 * time.Millisecond})

	h.sess.Deliver(telephony.Event{CallID: "call-1", Type: telephony.EventAnswered})
	waitFor(t, "LISTENING after answer", func() bool { return h.sess.State() == StateListening })

	st := waitStream(t, h)
	st.emitFinal("first")
	waitFor(t, "SPEAKING", func() bool { return h.sess.State() == StateSpeaking })
	st.emitFinal("echo of the agent")

	waitFor(t, "back to LISTENING", func() bool {
		return h.sess.State() == StateListening && len(h.sess.Turns()) == 2
	})
	for _, turn := range h.sess.Turns() {
		if turn.Transcript == "echo of the agent" {
			t.Fatal("transcript received while speaking must be dropped")
		}
	}
}

func TestTurnIDsMonotonicAcrossRounds(t *testing.T) {
	h := newHarness(t, &stubSyn{id: "google"})

	h.sess.Deliver(telephony.Event{CallID: "call-1", Type: telephony.EventAnswered})
	waitFor(t, "LISTENING after answer", func() bool { return h.sess.State() == StateListening })

	st := waitStream(t, h)
	for i, text := range []string{"one", "two"} {
		st.emitFinal(text)
		want := (i + 1) * 2
		waitFor(t, "round completed", func() bool {
			return h.sess.State() == StateListening && len(h.sess.Turns()) == want
		})
	}

	turns := h.sess.Turns()
	for i, turn := range turns {
		if turn.TurnID != i+1 {
			t.Fatalf("turn %d has id %d, want %d", i, turn.TurnID, i+1)
		}
	}
}

func TestHangupUnblocksFullBlockBuffer(t *testing.T) {
	h := newHarnessCfg(t, &stubSyn{id: "google", delay: 10 * time.Second}, func(cfg *Config) {
		cfg.BufferCapacity = 2
		cfg.Overflow = audiobuf.Block
		cfg.PauseDuringSpeak = true
	})

	h.sess.Deliver(telephony.Event{CallID: "call-1", Type: telephony.EventAnswered})
	waitFor(t, "LISTENING after answer", func() bool { return h.sess.State() == StateListening })

	// The paused bridge stops draining the buffer, so these frames fill it
	// past capacity while the agent is still speaking.
	waitStream(t, h).emitFinal("hello")
	waitFor(t, "SPEAKING", func() bool { return h.sess.State() == StateSpeaking })
	for seq := uint64(1); seq <= 4; seq++ {
		h.sess.Deliver(telephony.Event{
			CallID: "call-1",
			Type:   telephony.EventAudioFrame,
			Audio:  frames.NewAudioFrame(seq, []byte{0x01}, 8000, time.Now()),
		})
	}

	h.sess.Deliver(telephony.Event{CallID: "call-1", Type: telephony.EventHangup})
	select {
	case <-h.sess.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("hangup not processed while the block buffer was full")
	}
	if h.sess.State() != StateEnded {
		t.Fatalf("expected ENDED, got %s", h.sess.State())
	}
	if hasCommand(h.channel.Commands(), "play") {
		t.Fatal("play issued after hangup cancelled synthesis")
	}
}

func TestHangupDeliveredUnderFramePressure(t *testing.T) {
	h := newHarnessCfg(t, &stubSyn{id: "google"}, func(cfg *Config) {
		cfg.BufferCapacity = 4
		cfg.Overflow = audiobuf.Block
	})

	h.sess.Deliver(telephony.Event{CallID: "call-1", Type: telephony.EventAnswered})
	waitFor(t, "LISTENING after answer", func() bool { return h.sess.State() == StateListening })

	// Flood far more frames than the session can queue. Frames may be shed,
	// control events may not.
	for seq := uint64(1); seq <= 1000; seq++ {
		h.sess.Deliver(telephony.Event{
			CallID: "call-1",
			Type:   telephony.EventAudioFrame,
			Audio:  frames.NewAudioFrame(seq, []byte{0x01}, 8000, time.Now()),
		})
	}
	h.sess.Deliver(telephony.Event{CallID: "call-1", Type: telephony.EventHangup})

	select {
	case <-h.sess.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("hangup lost under audio frame pressure")
	}
	if h.sess.State() != StateEnded {
		t.Fatalf("expected ENDED, got %s", h.sess.State())
	}
}

func TestSnapshotAvailableBeforeRun(t *testing.T) {
	sess := New(Config{CallID: "call-snap", Language: "en"}, Collaborators{
		Log: convlog.NewMemoryWriter(),
	})

	snap := sess.Snapshot()
	if snap.StartedAt.IsZero() {
		t.Fatal("snapshot has zero start time before Run")
	}
	if snap.State != "RINGING" {
		t.Fatalf("expected RINGING, got %s", snap.State)
	}
}
