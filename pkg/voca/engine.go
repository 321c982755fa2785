package voca

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"github.com/google/uuid"

	"github.com/harunnryd/voca/pkg/audiobuf"
	"github.com/harunnryd/voca/pkg/configutil"
	"github.com/harunnryd/voca/pkg/convlog"
	"github.com/harunnryd/voca/pkg/logging"
	"github.com/harunnryd/voca/pkg/recognition"
	"github.com/harunnryd/voca/pkg/recognition/deepgram"
	"github.com/harunnryd/voca/pkg/redact"
	"github.com/harunnryd/voca/pkg/registry"
	"github.com/harunnryd/voca/pkg/runner"
	"github.com/harunnryd/voca/pkg/session"
	"github.com/harunnryd/voca/pkg/telephony"
	"github.com/harunnryd/voca/pkg/telephony/ami"
	"github.com/harunnryd/voca/pkg/telephony/mock"
	"github.com/harunnryd/voca/pkg/telephony/twilio"
	"github.com/harunnryd/voca/pkg/tts"
	"github.com/harunnryd/voca/pkg/tts/google"
	"github.com/harunnryd/voca/pkg/tts/indic"
)

// Engine wires the telephony channel, recognition backend, TTS selector and
// conversation log into a session registry, and routes channel events to the
// session owning each call_id.
type Engine struct {
	cfg       Config
	registry  *registry.Registry
	channel   telephony.Channel
	dialer    telephony.OutboundDialer
	selector  *tts.Selector
	writer    convlog.Writer
	responder session.Responder
	runner    *runner.LifecycleRunner
	logger    *slog.Logger
	ctx       context.Context
	cancel    context.CancelFunc
}

func NewEngine(ctx context.Context, cfg Config) (*Engine, error) {
	logging.Init(cfg.LogLevel, cfg.LogFormat)
	redact.SetEnabled(cfg.Privacy.RedactPII)
	logger := logging.NewComponentLogger(slog.Default(), "engine")

	slog.Info("voca_init",
		slog.String("environment", cfg.Environment),
		slog.String("telephony", cfg.Telephony.Provider),
		slog.String("recognition", cfg.Recognition.Provider),
		slog.Int("engines", len(cfg.Engines)))

	writer, err := buildWriter(ctx, cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("conversation log: %w", err)
	}

	selector := tts.NewSelector(tts.SelectorConfig{
		AttemptTimeout: time.Duration(cfg.Selector.AttemptTimeoutMS) * time.Millisecond,
		Cooldown:       time.Duration(cfg.Selector.CooldownMS) * time.Millisecond,
		ProbeInterval:  time.Duration(cfg.Selector.ProbeIntervalMS) * time.Millisecond,
		ProbeTimeout:   time.Duration(cfg.Selector.ProbeTimeoutMS) * time.Millisecond,
	}, slog.Default())
	for _, ec := range cfg.Engines {
		syn, err := buildSynthesizer(ec)
		if err != nil {
			return nil, fmt.Errorf("engine %s: %w", ec.Engine, err)
		}
		selector.Register(syn, ec.Rank)
	}

	recognizer, err := buildRecognizer(cfg.Recognition)
	if err != nil {
		return nil, fmt.Errorf("recognition: %w", err)
	}
	channel, err := buildChannel(cfg.Telephony)
	if err != nil {
		return nil, fmt.Errorf("telephony: %w", err)
	}
	dialer, err := buildDialer(cfg.Dialer, channel)
	if err != nil {
		return nil, fmt.Errorf("dialer: %w", err)
	}
	responder := NewRuleResponder(cfg.Responder)

	overflow := audiobuf.Block
	if cfg.Session.Overflow != "block" {
		overflow = audiobuf.DropOldest
	}
	reg := registry.New(func(callID string) (*session.Session, error) {
		return session.New(session.Config{
			CallID:                 callID,
			Language:               cfg.Languages.Default,
			PreferredEngine:        cfg.Session.PreferredEngine,
			SampleRate:             cfg.Session.SampleRate,
			BufferCapacity:         cfg.Session.BufferCapacity,
			Overflow:               overflow,
			PauseDuringSpeak:       cfg.Session.PauseDuringSpeak,
			GraceTimeout:           time.Duration(cfg.Session.GraceTimeoutMS) * time.Millisecond,
			ApologyText:            cfg.Session.ApologyText,
			RecognitionRetryBudget: cfg.Session.RecognitionRetryBudget,
		}, session.Collaborators{
			Channel:    channel,
			Recognizer: recognizer,
			Selector:   selector,
			Log:        writer,
			Responder:  responder,
		}), nil
	})

	engineCtx, cancel := context.WithCancel(context.Background())

	hooks := runner.Hooks{
		OnStart: func() {
			slog.Info("engine_ready",
				slog.String("telephony", channel.Name()),
				slog.String("recognition", recognizer.Name()))
		},
		OnStop: func() {
			slog.Info("shutdown",
				slog.Int("goroutines", runtime.NumGoroutine()),
				slog.Int64("active_calls", reg.Count()))
		},
	}
	drainer := drainerFunc(func() error {
		_ = channel.Stop()
		reg.SetDraining(true)
		drainCtx, cancelDrain := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancelDrain()
		reg.CloseAll(drainCtx)
		_ = reg.WaitForEmpty(drainCtx, 200*time.Millisecond)
		return nil
	})

	return &Engine{
		cfg:       cfg,
		registry:  reg,
		channel:   channel,
		dialer:    dialer,
		selector:  selector,
		writer:    writer,
		responder: responder,
		runner:    runner.NewLifecycleRunner(drainer, hooks, 30*time.Second),
		logger:    logger,
		ctx:       engineCtx,
		cancel:    cancel,
	}, nil
}

type drainerFunc func() error

func (f drainerFunc) Drain() error { return f() }

// Start brings the channel up and begins routing its events. It returns
// immediately; the engine stops when Stop is called or ctx ends.
func (e *Engine) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := e.channel.Start(ctx); err != nil {
		return err
	}
	e.selector.StartProbes(e.ctx)
	go e.routeChannel(ctx)
	go func() {
		_ = e.runner.Run(ctx)
	}()
	return nil
}

func (e *Engine) Stop() error {
	e.cancel()
	return e.runner.Stop()
}

// routeChannel fans inbound telephony events out to per-call sessions. An
// answered event for an unknown call_id creates its session; anything else
// for an unknown call is late delivery and dropped.
func (e *Engine) routeChannel(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-e.channel.Events():
			if !ok {
				return
			}
			if ev.CallID == "" {
				continue
			}
			sess, found := e.registry.Get(ev.CallID)
			if !found {
				if ev.Type != telephony.EventAnswered {
					continue
				}
				var err error
				sess, err = e.registry.Create(ev.CallID)
				if err != nil {
					e.logger.Warn("session_create_failed",
						slog.String("call_id", ev.CallID),
						slog.String("error", err.Error()))
					continue
				}
			}
			sess.Deliver(ev)
		}
	}
}

// Dial originates an outbound call and returns its call_id.
func (e *Engine) Dial(ctx context.Context, to, from string) (string, error) {
	if e.dialer == nil {
		return "", errors.New("no outbound dialer configured")
	}
	traceID := uuid.NewString()
	callID, err := e.dialer.Dial(ctx, to, from)
	if err != nil {
		e.logger.Error("outbound_dial_failed",
			slog.String("trace_id", traceID),
			slog.String("to", to),
			slog.String("error", err.Error()))
		return "", err
	}
	e.logger.Info("outbound_dial",
		slog.String("trace_id", traceID),
		slog.String("call_id", callID),
		slog.String("to", to))
	return callID, nil
}

func (e *Engine) Registry() *registry.Registry { return e.registry }

func (e *Engine) Config() Config { return e.cfg }

// EngineHealth is one TTS engine's health as reported by /api/health.
type EngineHealth struct {
	EngineID  string   `json:"engine_id"`
	Languages []string `json:"languages"`
	Health    string   `json:"health"`
}

// HealthStatus is the operational snapshot served by the health endpoint.
type HealthStatus struct {
	Status      string         `json:"status"`
	Environment string         `json:"environment"`
	ActiveCalls int            `json:"active_calls"`
	Draining    bool           `json:"draining"`
	Engines     []EngineHealth `json:"engines"`
}

func (e *Engine) Health() HealthStatus {
	snap := e.selector.Snapshot()
	engines := make([]EngineHealth, 0, len(snap))
	status := "degraded"
	for _, d := range snap {
		engines = append(engines, EngineHealth{
			EngineID:  d.EngineID,
			Languages: d.Languages,
			Health:    d.Health.String(),
		})
		if d.Health == tts.Available {
			status = "ok"
		}
	}
	return HealthStatus{
		Status:      status,
		Environment: e.cfg.Environment,
		ActiveCalls: len(e.registry.ActiveCalls()),
		Draining:    e.registry.Draining(),
		Engines:     engines,
	}
}

// ActiveCalls exposes the registry's live-call snapshot.
func (e *Engine) ActiveCalls() []session.Snapshot {
	return e.registry.ActiveCalls()
}

func buildWriter(ctx context.Context, cfg ConversationLogs) (convlog.Writer, error) {
	switch cfg.Store {
	case "", "memory":
		return convlog.NewMemoryWriter(), nil
	case "mongo":
		return convlog.NewMongoWriter(ctx, convlog.MongoConfig{
			URI:            cfg.URI,
			Database:       cfg.Database,
			TimeoutMS:      cfg.TimeoutMS,
			Retries:        cfg.Retries,
			RetryBackoffMS: cfg.RetryBackoffMS,
		})
	default:
		return nil, fmt.Errorf("unknown store %q", cfg.Store)
	}
}

func buildSynthesizer(ec EngineConfig) (tts.Synthesizer, error) {
	switch ec.Engine {
	case google.EngineID:
		var cfg google.Config
		if err := configutil.DecodeSettings(ec.Settings, &cfg); err != nil {
			return nil, err
		}
		return google.New(cfg), nil
	case indic.EngineID:
		var cfg indic.Config
		if err := configutil.DecodeSettings(ec.Settings, &cfg); err != nil {
			return nil, err
		}
		return indic.New(cfg), nil
	default:
		return nil, fmt.Errorf("unknown engine %q", ec.Engine)
	}
}

func buildRecognizer(cfg ProviderConfig) (recognition.Backend, error) {
	switch cfg.Provider {
	case "deepgram":
		if err := configutil.ValidateSettings(cfg.Settings, configutil.Schema{
			Required: []string{"api_key"},
			Optional: []string{"model", "encoding", "utterance_end_ms"},
		}); err != nil {
			return nil, err
		}
		var dg deepgram.Config
		if err := configutil.DecodeSettings(cfg.Settings, &dg); err != nil {
			return nil, err
		}
		return deepgram.New(dg), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Provider)
	}
}

func buildChannel(cfg ProviderConfig) (telephony.Channel, error) {
	switch cfg.Provider {
	case "ami":
		if err := configutil.ValidateSettings(cfg.Settings, configutil.Schema{
			Required: []string{"address", "username", "secret"},
			Optional: []string{"media_addr", "media_path", "sample_rate", "action_timeout_ms", "originate_context"},
		}); err != nil {
			return nil, err
		}
		var ac ami.Config
		if err := configutil.DecodeSettings(cfg.Settings, &ac); err != nil {
			return nil, err
		}
		return ami.New(ac), nil
	case "mock":
		return mock.New(), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Provider)
	}
}

func buildDialer(cfg ProviderConfig, channel telephony.Channel) (telephony.OutboundDialer, error) {
	switch cfg.Provider {
	case "":
		// Outbound dialing is optional; the channel serves when it can.
		if d, ok := channel.(telephony.OutboundDialer); ok {
			return d, nil
		}
		return nil, nil
	case "twilio":
		var tc twilio.Config
		if err := configutil.DecodeSettings(cfg.Settings, &tc); err != nil {
			return nil, err
		}
		if err := configutil.RequireString(tc.AccountSID, "dialer.settings.account_sid"); err != nil {
			return nil, err
		}
		if err := configutil.RequireString(tc.AuthToken, "dialer.settings.auth_token"); err != nil {
			return nil, err
		}
		return twilio.NewDialer(tc), nil
	case "ami":
		if d, ok := channel.(telephony.OutboundDialer); ok {
			return d, nil
		}
		return nil, errors.New("telephony channel cannot originate calls")
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Provider)
	}
}
