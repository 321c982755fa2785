package frames

import (
	"sync"
	"time"
)

// AudioFrame is one fixed-format PCM chunk moving between the telephony
// channel and the recognition/synthesis side of a call. Seq is monotonic per
// call so consumers can detect gaps.
type AudioFrame struct {
	seq    uint64
	pcm    []byte
	rate   int
	ts     time.Time
	pooled bool
}

func NewAudioFrame(seq uint64, pcm []byte, rate int, ts time.Time) AudioFrame {
	return AudioFrame{seq: seq, pcm: pcm, rate: rate, ts: ts}
}

// NewAudioFrameFromPool copies pcm into a pooled buffer; release with
// ReleaseAudioFrame once the consumer is done with it.
func NewAudioFrameFromPool(seq uint64, pcm []byte, rate int, ts time.Time) AudioFrame {
	buf := AcquireAudioBuf(len(pcm))
	copy(buf, pcm)
	return AudioFrame{seq: seq, pcm: buf, rate: rate, ts: ts, pooled: true}
}

func (a AudioFrame) Seq() uint64          { return a.seq }
func (a AudioFrame) Rate() int            { return a.rate }
func (a AudioFrame) Timestamp() time.Time { return a.ts }
func (a AudioFrame) PCM() []byte          { return append([]byte(nil), a.pcm...) }
func (a AudioFrame) RawPayload() []byte   { return a.pcm }

func ReleaseAudioFrame(f AudioFrame) bool {
	if f.pooled {
		ReleaseAudioBuf(f.pcm)
		return true
	}
	return false
}

// TranscriptEvent is one recognition result. Only final events drive the call
// forward; interim events are caption material.
type TranscriptEvent struct {
	Text       string
	IsFinal    bool
	Confidence float64
	Timestamp  time.Time
}

// SeqGen hands out monotonic frame sequence numbers per stream.
type SeqGen struct {
	mu    sync.Mutex
	value map[string]uint64
}

func NewSeqGen() *SeqGen {
	return &SeqGen{value: make(map[string]uint64)}
}

func (g *SeqGen) Next(streamID string) uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.value[streamID]++
	return g.value[streamID]
}

var audioBufPool = sync.Pool{
	New: func() any {
		return make([]byte, 0, 4096)
	},
}

func AcquireAudioBuf(size int) []byte {
	b := audioBufPool.Get().([]byte)
	if cap(b) < size {
		return make([]byte, size)
	}
	return b[:size]
}

func ReleaseAudioBuf(b []byte) {
	audioBufPool.Put(b[:0])
}
