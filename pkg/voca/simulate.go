package voca

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/harunnryd/voca/pkg/convlog"
	"github.com/harunnryd/voca/pkg/recognition"
	"github.com/harunnryd/voca/pkg/session"
	"github.com/harunnryd/voca/pkg/telephony"
	"github.com/harunnryd/voca/pkg/telephony/mock"
)

// SimulateRequest drives one scripted call through the live pipeline. The
// caller side is scripted; response generation, TTS selection and the
// conversation log all run for real, which makes the route a useful smoke
// check for engine health per language.
type SimulateRequest struct {
	Language string   `json:"language"`
	Engine   string   `json:"engine"`
	Script   []string `json:"script"`
}

type SimulateResult struct {
	CallID string         `json:"call_id"`
	State  string         `json:"state"`
	Turns  []convlog.Turn `json:"turns"`
}

var defaultScript = []string{"hello", "what are your timings", "thank you goodbye"}

const scriptGap = 500 * time.Millisecond

// Simulate runs the scripted call to completion and returns its transcript.
func (e *Engine) Simulate(ctx context.Context, req SimulateRequest) (SimulateResult, error) {
	language := req.Language
	if language == "" {
		language = e.cfg.Languages.Default
	}
	preferred := req.Engine
	if preferred == "auto" {
		preferred = ""
	}
	script := req.Script
	if len(script) == 0 {
		script = defaultScript
	}

	callID := "sim-" + uuid.NewString()
	e.logger.Info("simulate_start",
		slog.String("call_id", callID),
		slog.String("language", language),
		slog.Int("script_lines", len(script)))

	channel := mock.New()
	channel.AutoPlaybackDone = true
	_ = channel.Start(ctx)
	defer func() { _ = channel.Stop() }()

	sess := session.New(session.Config{
		CallID:          callID,
		Language:        language,
		PreferredEngine: preferred,
		GraceTimeout:    time.Duration(e.cfg.Session.GraceTimeoutMS) * time.Millisecond,
		ApologyText:     e.cfg.Session.ApologyText,
	}, session.Collaborators{
		Channel:    channel,
		Recognizer: recognition.NewScriptedBackend(script, scriptGap),
		Selector:   e.selector,
		Log:        e.writer,
		Responder:  e.responder,
	})

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go sess.Run(runCtx)
	go func() {
		for ev := range channel.Events() {
			sess.Deliver(ev)
		}
	}()

	channel.Push(telephony.Event{CallID: callID, Type: telephony.EventAnswered, From: "simulator"})

	// Each script line yields a caller turn and an agent turn. The deadline
	// leaves room for one full selector failover per line.
	want := 2 * len(script)
	perLine := scriptGap + time.Duration(e.cfg.Selector.AttemptTimeoutMS)*time.Millisecond*time.Duration(len(e.selector.Snapshot())+1)
	deadline := time.NewTimer(time.Duration(len(script))*perLine + 2*time.Second)
	defer deadline.Stop()
	poll := time.NewTicker(50 * time.Millisecond)
	defer poll.Stop()

wait:
	for {
		select {
		case <-ctx.Done():
			break wait
		case <-deadline.C:
			e.logger.Warn("simulate_deadline", slog.String("call_id", callID))
			break wait
		case <-poll.C:
			st := sess.State()
			if st == session.StateEnded || st == session.StateErrored {
				break wait
			}
			if st == session.StateListening && len(sess.Turns()) >= want {
				break wait
			}
		}
	}

	sess.Deliver(telephony.Event{CallID: callID, Type: telephony.EventHangup})
	select {
	case <-sess.Done():
	case <-time.After(3 * time.Second):
		cancel()
		<-sess.Done()
	}

	res := SimulateResult{CallID: callID, State: sess.State().String(), Turns: sess.Turns()}
	e.logger.Info("simulate_done",
		slog.String("call_id", callID),
		slog.String("state", res.State),
		slog.Int("turns", len(res.Turns)))
	return res, nil
}
