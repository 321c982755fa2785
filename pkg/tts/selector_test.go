package tts

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/harunnryd/voca/pkg/errorsx"
)

type fakeEngine struct {
	name      string
	audio     []byte
	synthErr  error
	synthWait time.Duration
	probeErr  error
	calls     int
}

func (f *fakeEngine) Name() string { return f.name }

func (f *fakeEngine) Synthesize(ctx context.Context, req Request) (Result, error) {
	f.calls++
	if f.synthWait > 0 {
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case <-time.After(f.synthWait):
		}
	}
	if f.synthErr != nil {
		return Result{}, f.synthErr
	}
	return Result{Audio: f.audio, Format: "pcm16", SampleRate: 8000}, nil
}

func (f *fakeEngine) HealthCheck(ctx context.Context) error { return f.probeErr }

func newSelector(t *testing.T, cfg SelectorConfig, engines ...*fakeEngine) *Selector {
	t.Helper()
	s := NewSelector(cfg, nil)
	for i, e := range engines {
		s.Register(e, map[string]int{"en": i + 1, "hi": i + 1})
	}
	return s
}

func TestUnavailableEngineNeverSelected(t *testing.T) {
	a := &fakeEngine{name: "a", audio: []byte("a")}
	b := &fakeEngine{name: "b", audio: []byte("b")}
	s := newSelector(t, SelectorConfig{}, a, b)
	if err := s.SetHealth("a", Unavailable); err != nil {
		t.Fatalf("set health: %v", err)
	}

	res, err := s.Synthesize(context.Background(), "hello", "en", "")
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if res.EngineID != "b" {
		t.Fatalf("expected engine b, got %s", res.EngineID)
	}
	if a.calls != 0 {
		t.Fatalf("unavailable engine was attempted %d times", a.calls)
	}
}

func TestFallbackOnTimeoutDegradesEngine(t *testing.T) {
	a := &fakeEngine{name: "a", synthWait: time.Second}
	b := &fakeEngine{name: "b", audio: []byte("b")}
	s := newSelector(t, SelectorConfig{AttemptTimeout: 20 * time.Millisecond}, a, b)

	res, err := s.Synthesize(context.Background(), "hello", "en", "a")
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if res.EngineID != "b" {
		t.Fatalf("expected fallback to b, got %s", res.EngineID)
	}
	for _, d := range s.Snapshot() {
		if d.EngineID == "a" && d.Health != Degraded {
			t.Fatalf("expected engine a degraded after timeout, got %s", d.Health)
		}
	}
}

func TestExhaustionReturnsNoEngineAvailable(t *testing.T) {
	a := &fakeEngine{name: "a", audio: []byte("a")}
	b := &fakeEngine{name: "b", audio: []byte("b")}
	s := newSelector(t, SelectorConfig{}, a, b)
	_ = s.SetHealth("a", Unavailable)
	_ = s.SetHealth("b", Unavailable)

	res, err := s.Synthesize(context.Background(), "hello", "en", "")
	if !errors.Is(err, ErrNoEngineAvailable) {
		t.Fatalf("expected ErrNoEngineAvailable, got %v", err)
	}
	if !errorsx.HasReason(err, errorsx.ReasonNoEngineAvailable) {
		t.Fatalf("expected reason no_engine_available, got %s", errorsx.Reason(err))
	}
	if len(res.Audio) != 0 {
		t.Fatalf("exhaustion must not produce audio")
	}
}

func TestAllAttemptsFailingAggregates(t *testing.T) {
	a := &fakeEngine{name: "a", synthErr: errors.New("backend down")}
	b := &fakeEngine{name: "b", synthErr: errors.New("backend down")}
	s := newSelector(t, SelectorConfig{}, a, b)

	_, err := s.Synthesize(context.Background(), "hello", "en", "")
	if !errors.Is(err, ErrNoEngineAvailable) {
		t.Fatalf("expected ErrNoEngineAvailable, got %v", err)
	}
	if a.calls != 1 || b.calls != 1 {
		t.Fatalf("expected both engines attempted once, got a=%d b=%d", a.calls, b.calls)
	}
}

func TestPreferredEngineTriedFirst(t *testing.T) {
	a := &fakeEngine{name: "a", audio: []byte("a")}
	b := &fakeEngine{name: "b", audio: []byte("b")}
	s := newSelector(t, SelectorConfig{}, a, b)

	res, err := s.Synthesize(context.Background(), "hello", "en", "b")
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if res.EngineID != "b" {
		t.Fatalf("expected preferred engine b, got %s", res.EngineID)
	}
	if a.calls != 0 {
		t.Fatalf("rank-1 engine should not be attempted when preference succeeds")
	}
}

func TestDegradedRecoversOnlyViaProbe(t *testing.T) {
	a := &fakeEngine{name: "a", synthErr: errors.New("flaky")}
	s := newSelector(t, SelectorConfig{Cooldown: time.Millisecond}, a)

	_, _ = s.Synthesize(context.Background(), "hello", "en", "")
	if s.Snapshot()[0].Health != Degraded {
		t.Fatalf("expected degraded after failure")
	}

	// A later successful synthesis must not restore health by itself.
	a.synthErr = nil
	a.audio = []byte("a")
	if _, err := s.Synthesize(context.Background(), "hello", "en", ""); err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if s.Snapshot()[0].Health != Degraded {
		t.Fatalf("health recovered without a probe")
	}

	time.Sleep(2 * time.Millisecond)
	s.ProbeAll(context.Background())
	if s.Snapshot()[0].Health != Available {
		t.Fatalf("expected available after passing probe, got %s", s.Snapshot()[0].Health)
	}
}

func TestFailedProbeMarksUnavailable(t *testing.T) {
	a := &fakeEngine{name: "a", probeErr: errors.New("dead")}
	s := newSelector(t, SelectorConfig{}, a)
	s.ProbeAll(context.Background())
	if s.Snapshot()[0].Health != Unavailable {
		t.Fatalf("expected unavailable after failed probe, got %s", s.Snapshot()[0].Health)
	}
}

func TestUnsupportedLanguageHasNoCandidates(t *testing.T) {
	a := &fakeEngine{name: "a", audio: []byte("a")}
	s := NewSelector(SelectorConfig{}, nil)
	s.Register(a, map[string]int{"en": 1})

	_, err := s.Synthesize(context.Background(), "hello", "te", "")
	if !errors.Is(err, ErrNoEngineAvailable) {
		t.Fatalf("expected ErrNoEngineAvailable for unsupported language, got %v", err)
	}
	if a.calls != 0 {
		t.Fatalf("engine without language support was attempted")
	}
}
