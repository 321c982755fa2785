package tts

import "context"

// Request carries one synthesis call.
type Request struct {
	Text     string
	Language string
	Voice    string
}

// Result is normalized adapter output.
type Result struct {
	Audio      []byte
	Format     string
	SampleRate int
	EngineID   string
}

// Synthesizer defines the contract for any TTS engine implementation.
type Synthesizer interface {
	// Name returns the engine ID used for selection, logging and metrics.
	Name() string
	// Synthesize converts text to audio in the requested language.
	Synthesize(ctx context.Context, req Request) (Result, error)
	// HealthCheck probes the backing engine. A passing probe is the only
	// path back to the available state.
	HealthCheck(ctx context.Context) error
}
