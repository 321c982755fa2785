package tts

import (
	"sync"
	"time"
)

// Health is an engine's availability state.
type Health int32

const (
	Available Health = iota
	Degraded
	Unavailable
)

func (h Health) String() string {
	switch h {
	case Available:
		return "available"
	case Degraded:
		return "degraded"
	case Unavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// EngineDescriptor is the read side of one engine's capability and health.
type EngineDescriptor struct {
	EngineID  string
	Languages []string
	Rank      map[string]int
	Health    Health
}

// Supports reports whether the engine can synthesize the language.
func (d EngineDescriptor) Supports(language string) bool {
	_, ok := d.Rank[language]
	return ok
}

// engineState is the mutable registration of one engine. Health moves only
// along defined transitions: failures push available -> degraded, a failed
// probe pushes to unavailable, and only a passing probe restores available.
type engineState struct {
	syn  Synthesizer
	rank map[string]int

	mu         sync.Mutex
	health     Health
	degradedAt time.Time
}

func (e *engineState) snapshot() EngineDescriptor {
	e.mu.Lock()
	defer e.mu.Unlock()
	langs := make([]string, 0, len(e.rank))
	rank := make(map[string]int, len(e.rank))
	for lang, r := range e.rank {
		langs = append(langs, lang)
		rank[lang] = r
	}
	return EngineDescriptor{
		EngineID:  e.syn.Name(),
		Languages: langs,
		Rank:      rank,
		Health:    e.health,
	}
}

// markDegraded records a synthesis failure. Unavailable engines stay
// unavailable; recovery goes through the probe path only.
func (e *engineState) markDegraded(now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.health == Unavailable {
		return
	}
	e.health = Degraded
	e.degradedAt = now
}

// applyProbe records a health probe result.
func (e *engineState) applyProbe(passed bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if passed {
		e.health = Available
		e.degradedAt = time.Time{}
		return
	}
	e.health = Unavailable
}

// probeDue reports whether the engine should be probed now. Degraded engines
// hold for the cooldown window before re-probing to avoid flapping.
func (e *engineState) probeDue(now time.Time, cooldown time.Duration) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.health == Degraded && now.Sub(e.degradedAt) < cooldown {
		return false
	}
	return true
}
