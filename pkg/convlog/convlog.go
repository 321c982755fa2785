package convlog

import (
	"context"
	"time"
)

// Speaker identifies who produced a turn.
type Speaker string

const (
	SpeakerCaller Speaker = "caller"
	SpeakerAgent  Speaker = "agent"
)

// Turn is one utterance within a call. Immutable once appended.
type Turn struct {
	TurnID     int       `bson:"turn_id" json:"turn_id"`
	Speaker    Speaker   `bson:"speaker" json:"speaker"`
	Transcript string    `bson:"transcript" json:"transcript"`
	AudioRef   string    `bson:"audio_ref,omitempty" json:"audio_ref,omitempty"`
	StartedAt  time.Time `bson:"started_at" json:"started_at"`
	EndedAt    time.Time `bson:"ended_at" json:"ended_at"`
	TTSEngine  string    `bson:"tts_engine,omitempty" json:"tts_engine,omitempty"`
}

// CallMeta is the call-level record written at finalize time.
type CallMeta struct {
	CallID    string    `bson:"call_id" json:"call_id"`
	Language  string    `bson:"language" json:"language"`
	State     string    `bson:"state" json:"state"`
	From      string    `bson:"from,omitempty" json:"from,omitempty"`
	StartedAt time.Time `bson:"started_at" json:"started_at"`
	EndedAt   time.Time `bson:"ended_at" json:"ended_at"`
	TurnCount int       `bson:"turn_count" json:"turn_count"`
}

// Writer persists turns and call metadata. Append is at-least-once durable
// before returning nil; readers observe one call's turns in turn_id order.
type Writer interface {
	Append(ctx context.Context, callID string, turn Turn) error
	Finalize(ctx context.Context, callID string, meta CallMeta) error
}
