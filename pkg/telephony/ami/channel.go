package ami

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/harunnryd/voca/pkg/errorsx"
	"github.com/harunnryd/voca/pkg/frames"
	"github.com/harunnryd/voca/pkg/logging"
	"github.com/harunnryd/voca/pkg/telephony"
)

// Config contains the AMI signaling link and media gateway settings.
type Config struct {
	Address         string `mapstructure:"address"`
	Username        string `mapstructure:"username"`
	Secret          string `mapstructure:"secret"`
	MediaAddr       string `mapstructure:"media_addr"`
	MediaPath       string `mapstructure:"media_path"`
	SampleRate      int    `mapstructure:"sample_rate"`
	ActionTimeoutMS int    `mapstructure:"action_timeout_ms"`
	OriginateCtx    string `mapstructure:"originate_context"`
}

func (c Config) withDefaults() Config {
	if c.Address == "" {
		c.Address = "localhost:5038"
	}
	if c.MediaAddr == "" {
		c.MediaAddr = ":8090"
	}
	if c.MediaPath == "" {
		c.MediaPath = "/media"
	}
	if c.SampleRate <= 0 {
		c.SampleRate = 8000
	}
	if c.ActionTimeoutMS <= 0 {
		c.ActionTimeoutMS = 5000
	}
	if c.OriginateCtx == "" {
		c.OriginateCtx = "voca-outbound"
	}
	return c
}

// Channel speaks the AMI text protocol for signaling and runs a websocket
// media gateway for per-call PCM. Signaling events and media frames are
// merged into one ordered event stream per call.
type Channel struct {
	cfg      Config
	conn     net.Conn
	server   *http.Server
	upgrader websocket.Upgrader
	eventCh  chan telephony.Event
	seq      *frames.SeqGen
	logger   *slog.Logger

	mu       sync.Mutex
	media    map[string]*websocket.Conn
	pending  map[string]chan map[string]string
	actionID atomic.Uint64
	closed   atomic.Bool
}

func New(cfg Config) *Channel {
	return &Channel{
		cfg: cfg.withDefaults(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		eventCh: make(chan telephony.Event, 512),
		seq:     frames.NewSeqGen(),
		media:   make(map[string]*websocket.Conn),
		pending: make(map[string]chan map[string]string),
		logger:  logging.NewComponentLogger(slog.Default(), "ami"),
	}
}

func (c *Channel) Name() string { return "ami" }

func (c *Channel) Events() <-chan telephony.Event { return c.eventCh }

func (c *Channel) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	conn, err := net.Dial("tcp", c.cfg.Address)
	if err != nil {
		return errorsx.Wrap(err, errorsx.ReasonTelephonyConnect)
	}
	c.conn = conn
	reader := bufio.NewReader(conn)

	// Protocol banner, e.g. "Asterisk Call Manager/5.0".
	if _, err := reader.ReadString('\n'); err != nil {
		_ = conn.Close()
		return errorsx.Wrap(err, errorsx.ReasonTelephonyConnect)
	}

	go c.readLoop(ctx, reader)

	if err := c.login(ctx); err != nil {
		_ = conn.Close()
		return err
	}
	c.logger.Info("ami_connected", slog.String("address", c.cfg.Address))

	mux := http.NewServeMux()
	mux.HandleFunc(c.cfg.MediaPath, c.handleMedia)
	c.server = &http.Server{Addr: c.cfg.MediaAddr, Handler: mux}
	go func() {
		if err := c.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			c.logger.Error("media_server_error", slog.String("error", err.Error()))
		}
	}()

	go func() {
		<-ctx.Done()
		_ = c.Stop()
	}()
	return nil
}

func (c *Channel) Stop() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	if c.server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = c.server.Shutdown(shutdownCtx)
		cancel()
	}
	c.mu.Lock()
	for _, conn := range c.media {
		_ = conn.Close()
	}
	c.media = map[string]*websocket.Conn{}
	c.mu.Unlock()
	if c.conn != nil {
		_ = c.conn.Close()
	}
	close(c.eventCh)
	return nil
}

func (c *Channel) login(ctx context.Context) error {
	resp, err := c.action(ctx, map[string]string{
		"Action":   "Login",
		"Username": c.cfg.Username,
		"Secret":   c.cfg.Secret,
	})
	if err != nil {
		return errorsx.Wrap(err, errorsx.ReasonTelephonyConnect)
	}
	if resp["Response"] != "Success" {
		return errorsx.Wrap(fmt.Errorf("ami login rejected: %s", resp["Message"]), errorsx.ReasonTelephonyConnect)
	}
	return nil
}

// action sends one AMI action block and waits for its response.
func (c *Channel) action(ctx context.Context, fields map[string]string) (map[string]string, error) {
	id := strconv.FormatUint(c.actionID.Add(1), 10)
	respCh := make(chan map[string]string, 1)
	c.mu.Lock()
	c.pending[id] = respCh
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	var sb strings.Builder
	for k, v := range fields {
		sb.WriteString(k)
		sb.WriteString(": ")
		sb.WriteString(v)
		sb.WriteString("\r\n")
	}
	sb.WriteString("ActionID: " + id + "\r\n\r\n")
	if _, err := c.conn.Write([]byte(sb.String())); err != nil {
		return nil, err
	}

	timeout := time.Duration(c.cfg.ActionTimeoutMS) * time.Millisecond
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(timeout):
		return nil, errorsx.Wrap(fmt.Errorf("ami action %s timed out", fields["Action"]), errorsx.ReasonTelephonyCommand)
	case resp := <-respCh:
		return resp, nil
	}
}

func (c *Channel) readLoop(ctx context.Context, reader *bufio.Reader) {
	for {
		block, err := readBlock(reader)
		if err != nil {
			if ctx.Err() == nil && !c.closed.Load() {
				c.logger.Error("ami_read_error", slog.String("error", err.Error()))
			}
			return
		}
		if id := block["ActionID"]; id != "" && block["Response"] != "" {
			c.mu.Lock()
			respCh := c.pending[id]
			c.mu.Unlock()
			if respCh != nil {
				respCh <- block
			}
			continue
		}
		c.dispatchEvent(block)
	}
}

// readBlock reads one \r\n\r\n-terminated key/value block.
func readBlock(reader *bufio.Reader) (map[string]string, error) {
	block := make(map[string]string)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if len(block) == 0 {
				continue
			}
			return block, nil
		}
		if k, v, ok := strings.Cut(line, ": "); ok {
			block[k] = v
		}
	}
}

func (c *Channel) dispatchEvent(block map[string]string) {
	callID := block["Uniqueid"]
	if callID == "" {
		return
	}
	switch block["Event"] {
	case "Newstate":
		// ChannelState 6 is Up.
		if block["ChannelState"] == "6" {
			c.emit(telephony.Event{CallID: callID, Type: telephony.EventAnswered, From: block["CallerIDNum"]})
		}
	case "Hangup":
		c.emit(telephony.Event{CallID: callID, Type: telephony.EventHangup})
		c.dropMedia(callID)
	case "DTMFEnd":
		c.emit(telephony.Event{CallID: callID, Type: telephony.EventDTMF, Digit: block["Digit"]})
	}
}

func (c *Channel) emit(ev telephony.Event) {
	if c.closed.Load() {
		return
	}
	select {
	case c.eventCh <- ev:
	default:
		c.logger.Warn("event_channel_full",
			slog.String("call_id", ev.CallID),
			slog.String("type", string(ev.Type)))
	}
}

// handleMedia accepts one media gateway socket per call. The first text
// message identifies the call; binary messages are PCM frames; a "mark" text
// message signals playback completion.
func (c *Channel) handleMedia(w http.ResponseWriter, r *http.Request) {
	conn, err := c.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	callID := r.URL.Query().Get("call_id")
	if callID == "" {
		_ = conn.Close()
		return
	}
	c.mu.Lock()
	c.media[callID] = conn
	c.mu.Unlock()
	c.logger.Info("media_stream_started", slog.String("call_id", callID))

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		switch msgType {
		case websocket.BinaryMessage:
			f := frames.NewAudioFrameFromPool(c.seq.Next(callID), data, c.cfg.SampleRate, time.Now())
			c.emit(telephony.Event{CallID: callID, Type: telephony.EventAudioFrame, Audio: f})
		case websocket.TextMessage:
			if strings.Contains(string(data), `"mark"`) {
				c.emit(telephony.Event{CallID: callID, Type: telephony.EventPlaybackDone})
			}
		}
	}
	c.dropMedia(callID)
}

func (c *Channel) dropMedia(callID string) {
	c.mu.Lock()
	conn := c.media[callID]
	delete(c.media, callID)
	c.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

func (c *Channel) Answer(ctx context.Context, callID string) error {
	resp, err := c.action(ctx, map[string]string{
		"Action":   "Answer",
		"Uniqueid": callID,
	})
	if err != nil {
		return errorsx.Wrap(err, errorsx.ReasonTelephonyCommand)
	}
	if resp["Response"] != "Success" {
		return errorsx.Wrap(fmt.Errorf("answer rejected: %s", resp["Message"]), errorsx.ReasonTelephonyCommand)
	}
	return nil
}

// Play pushes synthesized audio down the call's media socket. The gateway
// answers with a mark message when the far end finishes playback.
func (c *Channel) Play(ctx context.Context, callID string, audio []byte, format string) error {
	c.mu.Lock()
	conn := c.media[callID]
	c.mu.Unlock()
	if conn == nil {
		return errorsx.Wrap(fmt.Errorf("no media stream for call %s", callID), errorsx.ReasonTelephonyCommand)
	}
	header := fmt.Sprintf(`{"event":"play","format":%q,"bytes":%d}`, format, len(audio))
	if err := conn.WriteMessage(websocket.TextMessage, []byte(header)); err != nil {
		return errorsx.Wrap(err, errorsx.ReasonTelephonyCommand)
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, audio); err != nil {
		return errorsx.Wrap(err, errorsx.ReasonTelephonyCommand)
	}
	return nil
}

func (c *Channel) Hangup(ctx context.Context, callID string) error {
	resp, err := c.action(ctx, map[string]string{
		"Action":   "Hangup",
		"Uniqueid": callID,
	})
	if err != nil {
		return errorsx.Wrap(err, errorsx.ReasonTelephonyCommand)
	}
	if resp["Response"] != "Success" {
		return errorsx.Wrap(fmt.Errorf("hangup rejected: %s", resp["Message"]), errorsx.ReasonTelephonyCommand)
	}
	return nil
}

// Dial originates an outbound call through the dialplan context configured
// for the agent.
func (c *Channel) Dial(ctx context.Context, to, from string) (string, error) {
	resp, err := c.action(ctx, map[string]string{
		"Action":   "Originate",
		"Channel":  "PJSIP/" + to,
		"Context":  c.cfg.OriginateCtx,
		"Exten":    to,
		"Priority": "1",
		"CallerID": from,
		"Async":    "true",
	})
	if err != nil {
		return "", errorsx.Wrap(err, errorsx.ReasonTelephonyCommand)
	}
	if resp["Response"] != "Success" {
		return "", errorsx.Wrap(fmt.Errorf("originate rejected: %s", resp["Message"]), errorsx.ReasonTelephonyCommand)
	}
	return resp["Uniqueid"], nil
}

var _ telephony.Channel = (*Channel)(nil)
var _ telephony.OutboundDialer = (*Channel)(nil)
