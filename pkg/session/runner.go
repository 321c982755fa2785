package session

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/harunnryd/voca/pkg/audiobuf"
	"github.com/harunnryd/voca/pkg/convlog"
	"github.com/harunnryd/voca/pkg/errorsx"
	"github.com/harunnryd/voca/pkg/frames"
	"github.com/harunnryd/voca/pkg/logging"
	"github.com/harunnryd/voca/pkg/recognition"
	"github.com/harunnryd/voca/pkg/redact"
	"github.com/harunnryd/voca/pkg/telephony"
	"github.com/harunnryd/voca/pkg/tts"
)

// Session orchestrates one call: it owns the call's state machine, audio
// buffer and recognition bridge, and it is the only component allowed to
// issue telephony commands for its call_id. All state mutation happens on the
// session's own goroutine; collaborators talk to it through events.
type Session struct {
	cfg Config
	col Collaborators
	fsm *stateMachine

	events  chan telephony.Event
	frameCh chan frames.AudioFrame
	buf     *audiobuf.Buffer
	bridge  *recognition.Bridge

	bridgeCancel context.CancelFunc
	bridgeErr    chan error
	transcripts  <-chan frames.TranscriptEvent

	speakCancel context.CancelFunc
	speakDone   chan speakResult
	pendingTurn *convlog.Turn

	turns     turnLog
	startedAt time.Time
	from      string

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	logger *slog.Logger
}

type speakResult struct {
	turn    convlog.Turn
	err     error
	aborted bool
}

func New(cfg Config, col Collaborators) *Session {
	cfg = cfg.withDefaults()
	return &Session{
		cfg:       cfg,
		col:       col,
		fsm:       newStateMachine(),
		events:    make(chan telephony.Event, 128),
		frameCh:   make(chan frames.AudioFrame, 256),
		bridgeErr: make(chan error, 1),
		speakDone: make(chan speakResult, 1),
		startedAt: time.Now(),
		done:      make(chan struct{}),
		logger:    logging.NewCallLogger(slog.Default(), "session", cfg.CallID),
	}
}

func (s *Session) CallID() string { return s.cfg.CallID }

func (s *Session) State() State { return s.fsm.State() }

// AddListener registers a state change listener. Must be called before Run.
func (s *Session) AddListener(l StateListener) { s.fsm.AddListener(l) }

// Done closes once the session is terminal and the log flush completed.
func (s *Session) Done() <-chan struct{} { return s.done }

// Turns snapshots recorded turns in turn_id order.
func (s *Session) Turns() []convlog.Turn { return s.turns.snapshot() }

// Snapshot returns an operational view of the call.
func (s *Session) Snapshot() Snapshot {
	return Snapshot{
		CallID:    s.cfg.CallID,
		State:     s.fsm.State().String(),
		Language:  s.cfg.Language,
		StartedAt: s.startedAt,
		Turns:     s.turns.count(),
	}
}

// Deliver enqueues a telephony event for this call. Audio frames ride their
// own channel and may be shed under pressure; control events are never
// dropped while the session is alive, so hangup always gets through.
func (s *Session) Deliver(ev telephony.Event) {
	if ev.Type == telephony.EventAudioFrame {
		select {
		case s.frameCh <- ev.Audio:
		default:
			s.logger.Warn("audio_frame_shed", slog.Uint64("seq", ev.Audio.Seq()))
			frames.ReleaseAudioFrame(ev.Audio)
		}
		return
	}
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

// Run drives the call until it reaches ENDED. It always finishes the
// wrap-up sequence, even on context cancellation.
func (s *Session) Run(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)
	defer close(s.done)
	defer s.cancel()

	for {
		select {
		case <-s.ctx.Done():
			s.wrapUp("context cancelled", false)
		case ev := <-s.events:
			s.handleEvent(ev)
		case tev, ok := <-s.transcriptCh():
			if !ok {
				s.transcripts = nil
				continue
			}
			if tev.IsFinal {
				s.onFinalTranscript(tev)
			}
		case err := <-s.bridgeErr:
			if err != nil && s.ctx.Err() == nil {
				s.onUnrecoverable("recognition failed: " + err.Error())
			}
		case res := <-s.speakDone:
			s.onSpeakDone(res)
		}
		if s.fsm.State() == StateEnded {
			return
		}
	}
}

// transcriptCh returns nil until the bridge exists so the select ignores it.
func (s *Session) transcriptCh() <-chan frames.TranscriptEvent {
	return s.transcripts
}

func (s *Session) handleEvent(ev telephony.Event) {
	switch ev.Type {
	case telephony.EventAnswered:
		s.onAnswered(ev)
	case telephony.EventDTMF:
		s.logger.Info("dtmf_received", slog.String("digit", redact.Digit(ev.Digit)))
	case telephony.EventPlaybackDone:
		s.onPlaybackDone()
	case telephony.EventHangup:
		s.wrapUp("caller hangup", false)
	}
}

func (s *Session) onAnswered(ev telephony.Event) {
	if s.fsm.State() != StateRinging {
		// Telephony delivery is at-least-once; a duplicate answer is noise.
		return
	}
	s.from = ev.From

	cmdCtx, cancel := context.WithTimeout(s.ctx, s.cfg.GraceTimeout)
	err := s.col.Channel.Answer(cmdCtx, s.cfg.CallID)
	cancel()
	if err != nil {
		s.logger.Error("answer_failed", slog.String("error", err.Error()))
		s.wrapUp("answer command failed", false)
		return
	}
	if err := s.fsm.Transition(StateActive, "channel answered"); err != nil {
		return
	}

	s.buf = audiobuf.New(s.cfg.BufferCapacity, s.cfg.Overflow, s.logger)
	s.bridge = recognition.NewBridge(s.col.Recognizer, s.buf, recognition.BridgeConfig{
		Stream: recognition.StreamConfig{
			CallID:     s.cfg.CallID,
			Language:   s.cfg.Language,
			SampleRate: s.cfg.SampleRate,
			Interim:    true,
		},
		RetryBudget: s.cfg.RecognitionRetryBudget,
	})
	s.transcripts = s.bridge.Transcripts()

	var bridgeCtx context.Context
	bridgeCtx, s.bridgeCancel = context.WithCancel(s.ctx)
	go func() {
		s.bridgeErr <- s.bridge.Run(bridgeCtx)
	}()
	go s.pumpFrames(s.buf)

	_ = s.fsm.Transition(StateListening, "recognition started")
}

// pumpFrames moves inbound audio into the buffer on its own goroutine. The
// event loop must never block in a buffer write: under the Block policy a
// full buffer waits for the bridge, and hangup handling has to keep running
// while it does.
func (s *Session) pumpFrames(buf *audiobuf.Buffer) {
	for {
		select {
		case <-s.ctx.Done():
			return
		case f := <-s.frameCh:
			if err := buf.Write(s.ctx, f); err != nil {
				frames.ReleaseAudioFrame(f)
				if !errors.Is(err, audiobuf.ErrClosed) && s.ctx.Err() == nil {
					s.logger.Warn("audio_buffer_write_failed", slog.String("error", err.Error()))
				}
				return
			}
		}
	}
}

func (s *Session) onFinalTranscript(tev frames.TranscriptEvent) {
	if s.fsm.State() != StateListening {
		return
	}
	s.logger.Info("final_transcript",
		slog.String("text", redact.Text(tev.Text)),
		slog.Float64("confidence", tev.Confidence))
	now := time.Now()
	callerTurn := convlog.Turn{
		TurnID:     s.turns.next(),
		Speaker:    convlog.SpeakerCaller,
		Transcript: tev.Text,
		StartedAt:  tev.Timestamp,
		EndedAt:    now,
	}
	s.turns.add(callerTurn)
	s.appendLog(callerTurn)

	if s.cfg.PauseDuringSpeak && s.bridge != nil {
		s.bridge.Pause()
	}
	if err := s.fsm.Transition(StateSpeaking, "final transcript"); err != nil {
		return
	}
	s.startSpeaking(tev.Text)
}

// startSpeaking generates and plays the agent's reply off the session loop so
// hangup events stay responsive; the result comes back through speakDone.
func (s *Session) startSpeaking(transcript string) {
	speakCtx, cancel := context.WithCancel(s.ctx)
	s.speakCancel = cancel

	go func() {
		started := time.Now()
		reply, err := s.col.Responder.Respond(speakCtx, s.cfg.CallID, s.cfg.Language, transcript)
		if err != nil {
			s.finishSpeak(speakResult{err: err, aborted: speakCtx.Err() != nil})
			return
		}
		res, err := s.col.Selector.Synthesize(speakCtx, reply, s.cfg.Language, s.cfg.PreferredEngine)
		if err != nil {
			s.finishSpeak(speakResult{err: err, aborted: speakCtx.Err() != nil})
			return
		}
		if speakCtx.Err() != nil {
			s.finishSpeak(speakResult{aborted: true})
			return
		}
		if err := s.col.Channel.Play(speakCtx, s.cfg.CallID, res.Audio, res.Format); err != nil {
			s.finishSpeak(speakResult{err: errorsx.Wrap(err, errorsx.ReasonTelephonyCommand)})
			return
		}
		s.finishSpeak(speakResult{turn: convlog.Turn{
			Speaker:    convlog.SpeakerAgent,
			Transcript: reply,
			TTSEngine:  res.EngineID,
			StartedAt:  started,
		}})
	}()
}

func (s *Session) finishSpeak(res speakResult) {
	select {
	case s.speakDone <- res:
	case <-time.After(s.cfg.GraceTimeout):
	}
}

func (s *Session) onSpeakDone(res speakResult) {
	s.speakCancel = nil
	switch {
	case res.aborted:
		return
	case res.err != nil:
		if errors.Is(res.err, tts.ErrNoEngineAvailable) {
			s.onUnrecoverable("no tts engine available")
			return
		}
		if errorsx.HasReason(res.err, errorsx.ReasonTelephonyCommand) {
			// The channel is gone; only this call dies.
			s.logger.Error("play_failed", slog.String("error", res.err.Error()))
			s.wrapUp("telephony command failed", false)
			return
		}
		s.logger.Error("response_failed", slog.String("error", res.err.Error()))
		s.onUnrecoverable(res.err.Error())
	default:
		// Turn completes at playback-done; hold it pending until then.
		turn := res.turn
		turn.TurnID = s.turns.next()
		s.pendingTurn = &turn
	}
}

func (s *Session) onPlaybackDone() {
	if s.fsm.State() != StateSpeaking {
		return
	}
	if s.pendingTurn != nil {
		s.pendingTurn.EndedAt = time.Now()
		s.turns.add(*s.pendingTurn)
		s.appendLog(*s.pendingTurn)
		s.pendingTurn = nil
	}
	// Frames captured while the agent spoke are echo; confirmed playback
	// completion is the only point they may be discarded.
	if s.cfg.PauseDuringSpeak && s.buf != nil {
		s.buf.Flush()
		s.bridge.Resume()
	}
	_ = s.fsm.Transition(StateListening, "playback complete")
}

// onUnrecoverable moves the call to ERRORED, speaks a best-effort apology
// through whatever engine is still reachable, and wraps up.
func (s *Session) onUnrecoverable(reason string) {
	state := s.fsm.State()
	if state == StateEnded || state == StateErrored {
		return
	}
	s.logger.Error("call_errored", slog.String("reason", reason))
	_ = s.fsm.Transition(StateErrored, reason)

	apologyCtx, cancel := context.WithTimeout(s.ctx, s.cfg.GraceTimeout)
	if res, err := s.col.Selector.Synthesize(apologyCtx, s.cfg.ApologyText, s.cfg.Language, ""); err == nil {
		_ = s.col.Channel.Play(apologyCtx, s.cfg.CallID, res.Audio, res.Format)
	}
	cancel()

	s.wrapUp(reason, true)
}

// wrapUp is the single teardown path: cancel in-flight work, flush the
// pending turn, finalize the log, release the audio pipeline, end the call.
func (s *Session) wrapUp(reason string, sendHangup bool) {
	state := s.fsm.State()
	if state == StateEnded {
		return
	}
	finalState := StateEnded
	if state == StateErrored {
		finalState = StateErrored
	}
	if state != StateWrappingUp {
		if err := s.fsm.Transition(StateWrappingUp, reason); err != nil {
			return
		}
	}

	if s.speakCancel != nil {
		s.speakCancel()
		// Bounded grace for the in-flight speak goroutine to observe
		// cancellation; no play command may be issued past this point.
		select {
		case <-s.speakDone:
		case <-time.After(s.cfg.GraceTimeout):
			s.logger.Warn("speak_cancel_grace_exceeded")
		}
		s.speakCancel = nil
	}

	if s.pendingTurn != nil {
		s.pendingTurn.EndedAt = time.Now()
		s.turns.add(*s.pendingTurn)
		s.appendLog(*s.pendingTurn)
		s.pendingTurn = nil
	}

	if sendHangup {
		cmdCtx, cancel := context.WithTimeout(context.Background(), s.cfg.GraceTimeout)
		if err := s.col.Channel.Hangup(cmdCtx, s.cfg.CallID); err != nil {
			s.logger.Warn("hangup_failed", slog.String("error", err.Error()))
		}
		cancel()
	}

	if s.bridgeCancel != nil {
		s.bridgeCancel()
	}
	if s.buf != nil {
		s.buf.Flush()
		_ = s.buf.Close()
	}
drain:
	for {
		select {
		case f := <-s.frameCh:
			frames.ReleaseAudioFrame(f)
		default:
			break drain
		}
	}

	flushCtx, cancel := context.WithTimeout(context.Background(), s.cfg.GraceTimeout)
	err := s.col.Log.Finalize(flushCtx, s.cfg.CallID, convlog.CallMeta{
		Language:  s.cfg.Language,
		State:     finalState.String(),
		From:      s.from,
		StartedAt: s.startedAt,
		EndedAt:   time.Now(),
		TurnCount: s.turns.count(),
	})
	cancel()
	if err != nil {
		s.logger.Error("log_finalize_failed", slog.String("error", err.Error()))
	}

	_ = s.fsm.Transition(StateEnded, reason)
	s.logger.Info("call_ended",
		slog.String("reason", reason),
		slog.Int("turns", s.turns.count()),
		slog.Duration("duration", time.Since(s.startedAt)))
}

// appendLog persists one turn. Log failure is an operational alert, never a
// call abort; the conversation continues best-effort.
func (s *Session) appendLog(turn convlog.Turn) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.GraceTimeout)
	defer cancel()
	if err := s.col.Log.Append(ctx, s.cfg.CallID, turn); err != nil {
		s.logger.Error("turn_log_failed",
			slog.Int("turn_id", turn.TurnID),
			slog.String("error", err.Error()))
	}
}
