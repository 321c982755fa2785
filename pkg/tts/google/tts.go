package google

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/harunnryd/voca/pkg/logging"
	"github.com/harunnryd/voca/pkg/resilience"
	"github.com/harunnryd/voca/pkg/tts"
)

const EngineID = "google"

// Config contains the cloud TTS endpoint settings.
type Config struct {
	Endpoint  string `mapstructure:"endpoint"`
	Client    string `mapstructure:"client"`
	TimeoutMS int    `mapstructure:"timeout_ms"`
	Slow      bool   `mapstructure:"slow"`
	// CircuitThreshold consecutive failures open a hold-down window so a
	// dead endpoint fails fast instead of burning the request timeout.
	CircuitThreshold  int `mapstructure:"circuit_threshold"`
	CircuitCooldownMS int `mapstructure:"circuit_cooldown_ms"`
}

func (c Config) withDefaults() Config {
	if c.Endpoint == "" {
		c.Endpoint = "https://translate.google.com/translate_tts"
	}
	if c.Client == "" {
		c.Client = "tw-ob"
	}
	if c.TimeoutMS <= 0 {
		c.TimeoutMS = 10000
	}
	if c.CircuitThreshold <= 0 {
		c.CircuitThreshold = 3
	}
	if c.CircuitCooldownMS <= 0 {
		c.CircuitCooldownMS = 15000
	}
	return c
}

// ErrCircuitOpen short-circuits requests while the endpoint is held down.
var ErrCircuitOpen = errors.New("tts endpoint circuit open")

// TTS synthesizes speech through the hosted translate endpoint and returns
// MP3 audio.
type TTS struct {
	cfg     Config
	client  *http.Client
	circuit *resilience.Cooldown
	logger  *slog.Logger
}

func New(cfg Config) *TTS {
	cfg = cfg.withDefaults()
	return &TTS{
		cfg:     cfg,
		client:  &http.Client{Timeout: time.Duration(cfg.TimeoutMS) * time.Millisecond},
		circuit: resilience.NewCooldown(cfg.CircuitThreshold, time.Duration(cfg.CircuitCooldownMS)*time.Millisecond),
		logger:  logging.NewComponentLogger(slog.Default(), "google_tts"),
	}
}

func (t *TTS) Name() string { return EngineID }

func (t *TTS) Synthesize(ctx context.Context, req tts.Request) (tts.Result, error) {
	if req.Text == "" {
		return tts.Result{}, errors.New("empty text")
	}
	if t.circuit.Active() {
		return tts.Result{}, ErrCircuitOpen
	}
	q := url.Values{}
	q.Set("ie", "UTF-8")
	q.Set("q", req.Text)
	q.Set("tl", req.Language)
	q.Set("client", t.cfg.Client)
	if t.cfg.Slow {
		q.Set("ttsspeed", "0.3")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, t.cfg.Endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return tts.Result{}, err
	}

	start := time.Now()
	resp, err := t.client.Do(httpReq)
	if err != nil {
		t.circuit.OnFailure()
		return tts.Result{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.circuit.OnFailure()
		return tts.Result{}, fmt.Errorf("tts endpoint returned %s", resp.Status)
	}
	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		t.circuit.OnFailure()
		return tts.Result{}, err
	}
	if len(audio) == 0 {
		t.circuit.OnFailure()
		return tts.Result{}, errors.New("empty audio response")
	}
	t.circuit.OnSuccess()

	t.logger.Debug("synthesis_complete",
		slog.String("language", req.Language),
		slog.Int("audio_bytes", len(audio)),
		slog.Duration("elapsed", time.Since(start)))

	return tts.Result{Audio: audio, Format: "mp3", SampleRate: 24000, EngineID: EngineID}, nil
}

// HealthCheck synthesizes a one-word probe. The endpoint has no status URL,
// so a tiny real request is the only signal we have.
func (t *TTS) HealthCheck(ctx context.Context) error {
	_, err := t.Synthesize(ctx, tts.Request{Text: "ok", Language: "en"})
	return err
}
