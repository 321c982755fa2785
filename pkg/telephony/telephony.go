package telephony

import (
	"context"

	"github.com/harunnryd/voca/pkg/frames"
)

// EventType enumerates the signaling and media events a channel delivers.
type EventType string

const (
	EventAnswered     EventType = "answered"
	EventHangup       EventType = "hangup"
	EventDTMF         EventType = "dtmf"
	EventAudioFrame   EventType = "audio_frame"
	EventPlaybackDone EventType = "playback_done"
)

// Event is one inbound item from the telephony channel. Delivery is ordered
// per call and at-least-once; consumers must tolerate duplicates.
type Event struct {
	CallID string
	Type   EventType
	Audio  frames.AudioFrame
	Digit  string
	From   string
}

// Channel is the vendor-agnostic call-control and media boundary.
// Implementations own their network lifecycle; command acknowledgment is
// idempotent on the remote side.
type Channel interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error
	Events() <-chan Event
	// Answer accepts a ringing call.
	Answer(ctx context.Context, callID string) error
	// Play streams synthesized audio into the call. The channel emits
	// EventPlaybackDone for the call when playback finishes.
	Play(ctx context.Context, callID string, audio []byte, format string) error
	// Hangup tears the call down.
	Hangup(ctx context.Context, callID string) error
}

// OutboundDialer places calls. Not every channel supports dialing.
type OutboundDialer interface {
	Dial(ctx context.Context, to, from string) (callID string, err error)
}
