package mock

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/harunnryd/voca/pkg/telephony"
)

// Command records one control command issued to the channel.
type Command struct {
	CallID string
	Name   string
	Audio  []byte
	Format string
}

// Channel is an in-memory telephony channel for local testing and
// integration. It implements telephony.Channel without any network
// dependency.
type Channel struct {
	eventCh chan telephony.Event
	closed  atomic.Bool

	mu       sync.Mutex
	commands []Command

	// AutoPlaybackDone emits EventPlaybackDone right after a Play command,
	// simulating the far end finishing playback.
	AutoPlaybackDone bool
	// FailCommands makes every command return an error, simulating a dead
	// signaling link.
	FailCommands error
}

func New() *Channel {
	return &Channel{
		eventCh: make(chan telephony.Event, 256),
	}
}

func (c *Channel) Name() string { return "mock" }

func (c *Channel) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	go func() {
		<-ctx.Done()
		_ = c.Stop()
	}()
	return nil
}

func (c *Channel) Stop() error {
	if c.closed.CompareAndSwap(false, true) {
		c.mu.Lock()
		close(c.eventCh)
		c.mu.Unlock()
	}
	return nil
}

func (c *Channel) Events() <-chan telephony.Event { return c.eventCh }

func (c *Channel) Answer(ctx context.Context, callID string) error {
	return c.record(Command{CallID: callID, Name: "answer"})
}

func (c *Channel) Play(ctx context.Context, callID string, audio []byte, format string) error {
	err := c.record(Command{CallID: callID, Name: "play", Audio: audio, Format: format})
	if err == nil && c.AutoPlaybackDone {
		c.Push(telephony.Event{CallID: callID, Type: telephony.EventPlaybackDone})
	}
	return err
}

func (c *Channel) Hangup(ctx context.Context, callID string) error {
	return c.record(Command{CallID: callID, Name: "hangup"})
}

func (c *Channel) record(cmd Command) error {
	if c.FailCommands != nil {
		return c.FailCommands
	}
	c.mu.Lock()
	c.commands = append(c.commands, cmd)
	c.mu.Unlock()
	return nil
}

// Push injects an inbound event.
func (c *Channel) Push(ev telephony.Event) {
	if c.closed.Load() {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed.Load() {
		return
	}
	select {
	case c.eventCh <- ev:
	default:
	}
}

// Commands snapshots issued commands for inspection.
func (c *Channel) Commands() []Command {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Command(nil), c.commands...)
}
