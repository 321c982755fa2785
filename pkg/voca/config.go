package voca

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Environment string `mapstructure:"environment"`
	LogLevel    string `mapstructure:"log_level"`
	LogFormat   string `mapstructure:"log_format"`

	HTTP        HTTPConfig       `mapstructure:"http"`
	Languages   LanguageConfig   `mapstructure:"languages"`
	Telephony   ProviderConfig   `mapstructure:"telephony"`
	Recognition ProviderConfig   `mapstructure:"recognition"`
	Dialer      ProviderConfig   `mapstructure:"dialer"`
	Engines     []EngineConfig   `mapstructure:"engines"`
	Selector    SelectorConfig   `mapstructure:"selector"`
	Session     SessionConfig    `mapstructure:"session"`
	Log         ConversationLogs `mapstructure:"conversation_log"`
	Responder   ResponderConfig  `mapstructure:"responder"`
	Privacy     PrivacyConfig    `mapstructure:"privacy"`
}

type PrivacyConfig struct {
	RedactPII bool `mapstructure:"redact_pii"`
}

// ResponderRule maps caller phrases to a canned reply per language.
type ResponderRule struct {
	Keywords []string          `mapstructure:"keywords"`
	Replies  map[string]string `mapstructure:"replies"`
}

type ResponderConfig struct {
	Rules     []ResponderRule   `mapstructure:"rules"`
	Fallbacks map[string]string `mapstructure:"fallbacks"`
}

type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

type LanguageConfig struct {
	Default   string   `mapstructure:"default"`
	Supported []string `mapstructure:"supported"`
}

// ProviderConfig names one pluggable backend plus its free-form settings.
type ProviderConfig struct {
	Provider string         `mapstructure:"provider"`
	Settings map[string]any `mapstructure:"settings"`
}

// EngineConfig declares one TTS engine with its per-language priority rank
// (lower wins) and engine-specific settings.
type EngineConfig struct {
	Engine   string         `mapstructure:"engine"`
	Rank     map[string]int `mapstructure:"rank"`
	Settings map[string]any `mapstructure:"settings"`
}

type SelectorConfig struct {
	AttemptTimeoutMS int `mapstructure:"attempt_timeout_ms"`
	CooldownMS       int `mapstructure:"cooldown_ms"`
	ProbeIntervalMS  int `mapstructure:"probe_interval_ms"`
	ProbeTimeoutMS   int `mapstructure:"probe_timeout_ms"`
}

type SessionConfig struct {
	SampleRate             int    `mapstructure:"sample_rate"`
	BufferCapacity         int    `mapstructure:"buffer_capacity"`
	Overflow               string `mapstructure:"overflow"`
	PauseDuringSpeak       bool   `mapstructure:"pause_during_speak"`
	GraceTimeoutMS         int    `mapstructure:"grace_timeout_ms"`
	ApologyText            string `mapstructure:"apology_text"`
	PreferredEngine        string `mapstructure:"preferred_engine"`
	RecognitionRetryBudget int    `mapstructure:"recognition_retry_budget"`
}

type ConversationLogs struct {
	Store          string `mapstructure:"store"`
	URI            string `mapstructure:"uri"`
	Database       string `mapstructure:"database"`
	TimeoutMS      int    `mapstructure:"timeout_ms"`
	Retries        int    `mapstructure:"retries"`
	RetryBackoffMS int    `mapstructure:"retry_backoff_ms"`
}

func LoadConfig(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("languages.default", "en")
	v.SetDefault("languages.supported", []string{"en", "hi", "mr", "te"})
	v.SetDefault("telephony.provider", "ami")
	v.SetDefault("recognition.provider", "deepgram")
	v.SetDefault("selector.attempt_timeout_ms", 10000)
	v.SetDefault("selector.cooldown_ms", 30000)
	v.SetDefault("selector.probe_interval_ms", 15000)
	v.SetDefault("selector.probe_timeout_ms", 5000)
	v.SetDefault("session.sample_rate", 8000)
	v.SetDefault("session.buffer_capacity", 256)
	v.SetDefault("session.overflow", "drop_oldest")
	v.SetDefault("session.pause_during_speak", true)
	v.SetDefault("session.grace_timeout_ms", 2000)
	v.SetDefault("session.recognition_retry_budget", 3)
	v.SetDefault("conversation_log.store", "memory")
	v.SetDefault("conversation_log.database", "voca")
	v.SetDefault("conversation_log.timeout_ms", 5000)
	v.SetDefault("conversation_log.retries", 3)
	v.SetDefault("conversation_log.retry_backoff_ms", 200)
	v.SetDefault("privacy.redact_pii", true)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal: %w", err)
	}

	expandEnvStrings(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Telephony.Provider) == "" {
		return fmt.Errorf("telephony.provider is required")
	}
	if strings.TrimSpace(c.Recognition.Provider) == "" {
		return fmt.Errorf("recognition.provider is required")
	}
	if len(c.Engines) == 0 {
		return fmt.Errorf("at least one engine is required")
	}
	for i, e := range c.Engines {
		if strings.TrimSpace(e.Engine) == "" {
			return fmt.Errorf("engines[%d].engine is required", i)
		}
	}
	switch c.Session.Overflow {
	case "", "block", "drop_oldest":
	default:
		return fmt.Errorf("session.overflow must be block or drop_oldest")
	}
	return nil
}

func expandEnvStrings(cfg *Config) {
	cfg.Telephony.Settings = expandSettings(cfg.Telephony.Settings)
	cfg.Recognition.Settings = expandSettings(cfg.Recognition.Settings)
	cfg.Dialer.Settings = expandSettings(cfg.Dialer.Settings)
	for i := range cfg.Engines {
		cfg.Engines[i].Settings = expandSettings(cfg.Engines[i].Settings)
	}
	cfg.Log.URI = os.ExpandEnv(cfg.Log.URI)
}

func expandSettings(settings map[string]any) map[string]any {
	if settings == nil {
		return nil
	}
	for k, v := range settings {
		settings[k] = expandAny(v)
	}
	return settings
}

func expandAny(v any) any {
	switch val := v.(type) {
	case string:
		return os.ExpandEnv(val)
	case []any:
		for i := range val {
			val[i] = expandAny(val[i])
		}
		return val
	case map[string]any:
		for k, v := range val {
			val[k] = expandAny(v)
		}
		return val
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, v := range val {
			ks, ok := k.(string)
			if !ok {
				continue
			}
			out[ks] = expandAny(v)
		}
		return out
	default:
		return v
	}
}
