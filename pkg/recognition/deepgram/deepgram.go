package deepgram

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/harunnryd/voca/pkg/frames"
	"github.com/harunnryd/voca/pkg/logging"
	"github.com/harunnryd/voca/pkg/recognition"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	client "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
)

// Config contains Deepgram connection settings.
type Config struct {
	APIKey         string `mapstructure:"api_key"`
	Model          string `mapstructure:"model"`
	Encoding       string `mapstructure:"encoding"`
	UtteranceEndMS int    `mapstructure:"utterance_end_ms"`
}

func (c Config) withDefaults() Config {
	if c.Model == "" {
		c.Model = "nova-2"
	}
	if c.Encoding == "" {
		c.Encoding = "linear16"
	}
	return c
}

// Backend opens live transcription streams against Deepgram.
type Backend struct {
	cfg    Config
	logger *slog.Logger
}

func New(cfg Config) *Backend {
	return &Backend{
		cfg:    cfg.withDefaults(),
		logger: logging.NewComponentLogger(slog.Default(), "deepgram"),
	}
}

func (b *Backend) Name() string { return "deepgram" }

func (b *Backend) OpenStream(ctx context.Context, sc recognition.StreamConfig) (recognition.Stream, error) {
	if b.cfg.APIKey == "" {
		return nil, fmt.Errorf("missing deepgram api key")
	}
	streamCtx, cancel := context.WithCancel(ctx)
	s := &stream{
		out:    make(chan recognition.Result, 64),
		cancel: cancel,
		logger: logging.NewCallLogger(slog.Default(), "deepgram_stream", sc.CallID),
	}
	s.pipeReader, s.pipeWriter = io.Pipe()

	clientOptions := &interfaces.ClientOptions{
		EnableKeepAlive: true,
	}
	transcriptOptions := &interfaces.LiveTranscriptionOptions{
		Model:          b.cfg.Model,
		Language:       sc.Language,
		Encoding:       b.cfg.Encoding,
		SampleRate:     sc.SampleRate,
		InterimResults: sc.Interim,
		SmartFormat:    true,
	}
	if b.cfg.UtteranceEndMS > 0 {
		transcriptOptions.UtteranceEndMs = fmt.Sprintf("%d", b.cfg.UtteranceEndMS)
	}

	cb := &callback{parent: s}
	dgClient, err := client.NewWSUsingCallback(streamCtx, b.cfg.APIKey, clientOptions, transcriptOptions, cb)
	if err != nil {
		cancel()
		return nil, err
	}
	s.dgClient = dgClient

	if connected := dgClient.Connect(); !connected {
		cancel()
		return nil, fmt.Errorf("deepgram connection failed")
	}
	s.logger.Info("deepgram_connected",
		slog.String("model", b.cfg.Model),
		slog.String("language", sc.Language),
		slog.Int("sample_rate", sc.SampleRate))

	go func() {
		if err := dgClient.Stream(s.pipeReader); err != nil && streamCtx.Err() == nil {
			s.logger.Error("deepgram_stream_error", slog.String("error", err.Error()))
		}
	}()

	return s, nil
}

type stream struct {
	dgClient   *client.WSCallback
	out        chan recognition.Result
	pipeReader *io.PipeReader
	pipeWriter *io.PipeWriter
	cancel     context.CancelFunc
	logger     *slog.Logger
	closeOnce  sync.Once
}

func (s *stream) SendAudio(f frames.AudioFrame) error {
	_, err := s.pipeWriter.Write(f.RawPayload())
	return err
}

func (s *stream) Results() <-chan recognition.Result { return s.out }

func (s *stream) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		_ = s.pipeWriter.Close()
		if s.dgClient != nil {
			s.dgClient.Stop()
		}
	})
	return nil
}

func (s *stream) emit(res recognition.Result) {
	select {
	case s.out <- res:
	default:
		s.logger.Warn("deepgram_out_channel_full")
	}
}

type callback struct {
	parent     *stream
	metaLogged bool
	doneOnce   sync.Once
}

func (c *callback) Open(or *msginterfaces.OpenResponse) error {
	c.parent.logger.Info("deepgram_connection_opened")
	return nil
}

func (c *callback) Message(mr *msginterfaces.MessageResponse) error {
	if len(mr.Channel.Alternatives) == 0 {
		return nil
	}
	alt := mr.Channel.Alternatives[0]
	if alt.Transcript == "" {
		return nil
	}
	isFinal := mr.IsFinal || mr.SpeechFinal
	c.parent.logger.Debug("transcript_received",
		slog.String("transcript", alt.Transcript),
		slog.Bool("is_final", isFinal))

	c.parent.emit(recognition.Result{Event: frames.TranscriptEvent{
		Text:       alt.Transcript,
		IsFinal:    isFinal,
		Confidence: alt.Confidence,
		Timestamp:  time.Now(),
	}})
	return nil
}

func (c *callback) Metadata(md *msginterfaces.MetadataResponse) error {
	if !c.metaLogged {
		c.metaLogged = true
		c.parent.logger.Info("deepgram_metadata_received",
			slog.String("request_id", md.RequestID))
	}
	return nil
}

func (c *callback) SpeechStarted(ssr *msginterfaces.SpeechStartedResponse) error {
	c.parent.logger.Debug("speech_started_event")
	return nil
}

func (c *callback) UtteranceEnd(ur *msginterfaces.UtteranceEndResponse) error {
	c.parent.logger.Debug("utterance_end_event")
	return nil
}

// Close fires when the backend ends the stream, including when it reaches
// its maximum duration. Closing the results channel tells the bridge to
// recreate the stream.
func (c *callback) Close(cr *msginterfaces.CloseResponse) error {
	c.parent.logger.Info("deepgram_connection_closed")
	c.doneOnce.Do(func() { close(c.parent.out) })
	return nil
}

func (c *callback) Error(er *msginterfaces.ErrorResponse) error {
	c.parent.logger.Error("deepgram_error",
		slog.String("error_code", er.ErrCode),
		slog.String("error_message", er.ErrMsg))
	c.parent.emit(recognition.Result{Err: fmt.Errorf("deepgram: %s: %s", er.ErrCode, er.ErrMsg)})
	return nil
}

func (c *callback) UnhandledEvent(byData []byte) error {
	c.parent.logger.Debug("deepgram_unhandled_event", slog.String("data", string(byData)))
	return nil
}

var _ recognition.Backend = (*Backend)(nil)
var _ recognition.Stream = (*stream)(nil)
