package tts

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/harunnryd/voca/pkg/errorsx"
	"github.com/harunnryd/voca/pkg/resilience"
)

// ErrNoEngineAvailable means no candidate engine exists for the language or
// every candidate attempt failed. The selector never fabricates audio; the
// caller decides fallback behavior.
var ErrNoEngineAvailable = errors.New("no tts engine available")

// ErrUnknownEngine means a registration or preference referenced an engine ID
// the selector has never seen.
var ErrUnknownEngine = errors.New("unknown tts engine")

// SelectorConfig tunes attempt timeouts and the degraded hold-down window.
type SelectorConfig struct {
	AttemptTimeout time.Duration `mapstructure:"attempt_timeout"`
	Cooldown       time.Duration `mapstructure:"cooldown"`
	ProbeInterval  time.Duration `mapstructure:"probe_interval"`
	ProbeTimeout   time.Duration `mapstructure:"probe_timeout"`
}

func (c SelectorConfig) withDefaults() SelectorConfig {
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = 10 * time.Second
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 30 * time.Second
	}
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = 15 * time.Second
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 5 * time.Second
	}
	return c
}

// Selector picks an engine per request by language support, preference and
// per-language rank, and falls through to the next candidate on failure.
type Selector struct {
	cfg     SelectorConfig
	engines map[string]*engineState
	order   []string
	logger  *slog.Logger
}

func NewSelector(cfg SelectorConfig, logger *slog.Logger) *Selector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Selector{
		cfg:     cfg.withDefaults(),
		engines: make(map[string]*engineState),
		logger:  logger.With(slog.String("component", "tts_selector")),
	}
}

// Register adds an engine with its per-language priority rank (lower wins).
func (s *Selector) Register(syn Synthesizer, rank map[string]int) {
	id := syn.Name()
	if _, ok := s.engines[id]; ok {
		return
	}
	r := make(map[string]int, len(rank))
	for lang, v := range rank {
		r[lang] = v
	}
	s.engines[id] = &engineState{syn: syn, rank: r, health: Available}
	s.order = append(s.order, id)
	sort.Strings(s.order)
}

// Snapshot returns a point-in-time view of every registered engine.
func (s *Selector) Snapshot() []EngineDescriptor {
	out := make([]EngineDescriptor, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.engines[id].snapshot())
	}
	return out
}

// Synthesize runs the selection algorithm: candidates supporting language,
// preferred engine first, then rank, filtered to health != unavailable, tried
// strictly in order. A failed or timed-out attempt degrades that engine for
// the cooldown window and falls through. Given a fixed health snapshot and
// engine set the ordering is deterministic. A preferred value that matches no
// registered engine (for example "auto") leaves pure rank ordering in effect.
func (s *Selector) Synthesize(ctx context.Context, text, language, preferred string) (Result, error) {
	snap := s.Snapshot()
	candidates := s.candidates(snap, language, preferred)
	if len(candidates) == 0 {
		return Result{}, errorsx.Wrap(ErrNoEngineAvailable, errorsx.ReasonNoEngineAvailable)
	}

	var lastErr error
	for _, id := range candidates {
		state := s.engines[id]
		attemptCtx, cancel := context.WithTimeout(ctx, s.cfg.AttemptTimeout)
		res, err := state.syn.Synthesize(attemptCtx, Request{Text: text, Language: language})
		cancel()
		if err == nil {
			res.EngineID = id
			return res, nil
		}
		if ctx.Err() != nil {
			// The call itself was cancelled; don't punish the engine.
			return Result{}, ctx.Err()
		}
		reason := errorsx.ReasonAdapterFailure
		if resilience.IsTimeout(err) {
			reason = errorsx.ReasonAdapterTimeout
		}
		lastErr = errorsx.Wrap(err, reason)
		state.markDegraded(time.Now())
		s.logger.Warn("tts_engine_failed",
			slog.String("engine", id),
			slog.String("language", language),
			slog.String("reason", string(reason)),
			slog.String("error", err.Error()))
	}
	if lastErr != nil {
		s.logger.Error("tts_engines_exhausted",
			slog.String("language", language),
			slog.Int("attempted", len(candidates)))
	}
	return Result{}, errorsx.Wrap(ErrNoEngineAvailable, errorsx.ReasonNoEngineAvailable)
}

// candidates builds the ordered attempt list from one health snapshot.
func (s *Selector) candidates(snap []EngineDescriptor, language, preferred string) []string {
	type cand struct {
		id   string
		rank int
	}
	var list []cand
	for _, d := range snap {
		if !d.Supports(language) || d.Health == Unavailable {
			continue
		}
		list = append(list, cand{id: d.EngineID, rank: d.Rank[language]})
	}
	sort.SliceStable(list, func(i, j int) bool {
		if (list[i].id == preferred) != (list[j].id == preferred) {
			return list[i].id == preferred
		}
		if list[i].rank != list[j].rank {
			return list[i].rank < list[j].rank
		}
		return list[i].id < list[j].id
	})
	out := make([]string, len(list))
	for i, c := range list {
		out[i] = c.id
	}
	return out
}

// ProbeAll runs one health probe round. Degraded engines inside their
// cooldown window are skipped so a borderline engine cannot flap back.
func (s *Selector) ProbeAll(ctx context.Context) {
	now := time.Now()
	for _, id := range s.order {
		state := s.engines[id]
		if !state.probeDue(now, s.cfg.Cooldown) {
			continue
		}
		probeCtx, cancel := context.WithTimeout(ctx, s.cfg.ProbeTimeout)
		err := state.syn.HealthCheck(probeCtx)
		cancel()
		state.applyProbe(err == nil)
		if err != nil {
			s.logger.Warn("tts_probe_failed",
				slog.String("engine", id),
				slog.String("error", err.Error()))
		}
	}
}

// StartProbes runs probe rounds at the configured cadence until ctx is done.
func (s *Selector) StartProbes(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(s.cfg.ProbeInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.ProbeAll(ctx)
			}
		}
	}()
}

// SetHealth force-sets an engine's health. Intended for tests and operational
// overrides.
func (s *Selector) SetHealth(engineID string, h Health) error {
	state, ok := s.engines[engineID]
	if !ok {
		return ErrUnknownEngine
	}
	state.mu.Lock()
	state.health = h
	if h == Degraded {
		state.degradedAt = time.Now()
	}
	state.mu.Unlock()
	return nil
}
