package indic

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/harunnryd/voca/pkg/logging"
	"github.com/harunnryd/voca/pkg/tts"
)

const EngineID = "indic"

// Config points at a local neural model server.
type Config struct {
	BaseURL    string            `mapstructure:"base_url"`
	TimeoutMS  int               `mapstructure:"timeout_ms"`
	Voices     map[string]string `mapstructure:"voices"`
	SampleRate int               `mapstructure:"sample_rate"`
}

func (c Config) withDefaults() Config {
	if c.BaseURL == "" {
		c.BaseURL = "http://localhost:5500"
	}
	if c.TimeoutMS <= 0 {
		c.TimeoutMS = 15000
	}
	if c.SampleRate <= 0 {
		c.SampleRate = 22050
	}
	if c.Voices == nil {
		c.Voices = map[string]string{
			"hi": "hindi_female",
			"mr": "marathi_female",
			"te": "telugu_female",
		}
	}
	return c
}

// TTS talks to a locally hosted neural synthesis server over HTTP. Model
// inference happens out of process; this adapter only normalizes the wire
// contract.
type TTS struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger
}

func New(cfg Config) *TTS {
	cfg = cfg.withDefaults()
	return &TTS{
		cfg:    cfg,
		client: &http.Client{Timeout: time.Duration(cfg.TimeoutMS) * time.Millisecond},
		logger: logging.NewComponentLogger(slog.Default(), "indic_tts"),
	}
}

func (t *TTS) Name() string { return EngineID }

type synthesisRequest struct {
	Text     string `json:"text"`
	Language string `json:"language"`
	Voice    string `json:"voice,omitempty"`
}

func (t *TTS) Synthesize(ctx context.Context, req tts.Request) (tts.Result, error) {
	if req.Text == "" {
		return tts.Result{}, errors.New("empty text")
	}
	voice := req.Voice
	if voice == "" {
		voice = t.cfg.Voices[req.Language]
	}
	body, err := json.Marshal(synthesisRequest{Text: req.Text, Language: req.Language, Voice: voice})
	if err != nil {
		return tts.Result{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.cfg.BaseURL+"/synthesize", bytes.NewReader(body))
	if err != nil {
		return tts.Result{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := t.client.Do(httpReq)
	if err != nil {
		return tts.Result{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return tts.Result{}, fmt.Errorf("model server returned %s", resp.Status)
	}
	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return tts.Result{}, err
	}
	if len(audio) == 0 {
		return tts.Result{}, errors.New("empty audio response")
	}

	t.logger.Debug("synthesis_complete",
		slog.String("language", req.Language),
		slog.String("voice", voice),
		slog.Int("audio_bytes", len(audio)),
		slog.Duration("elapsed", time.Since(start)))

	return tts.Result{Audio: audio, Format: "wav", SampleRate: t.cfg.SampleRate, EngineID: EngineID}, nil
}

// HealthCheck hits the model server's health route.
func (t *TTS) HealthCheck(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, t.cfg.BaseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := t.client.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("model server unhealthy: %s", resp.Status)
	}
	return nil
}
