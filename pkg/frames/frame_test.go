package frames

import (
	"testing"
	"time"
)

func TestSeqGenMonotonicPerStream(t *testing.T) {
	g := NewSeqGen()
	for want := uint64(1); want <= 5; want++ {
		if got := g.Next("call-1"); got != want {
			t.Fatalf("call-1 seq = %d, want %d", got, want)
		}
	}
	if got := g.Next("call-2"); got != 1 {
		t.Fatalf("new stream must start at 1, got %d", got)
	}
}

func TestPooledFrameRoundTrip(t *testing.T) {
	pcm := []byte{0x01, 0x02, 0x03}
	f := NewAudioFrameFromPool(7, pcm, 8000, time.Now())
	if f.Seq() != 7 || f.Rate() != 8000 {
		t.Fatalf("unexpected frame %d/%d", f.Seq(), f.Rate())
	}
	got := f.PCM()
	if len(got) != len(pcm) {
		t.Fatalf("payload length %d, want %d", len(got), len(pcm))
	}
	for i := range pcm {
		if got[i] != pcm[i] {
			t.Fatalf("payload byte %d = %x, want %x", i, got[i], pcm[i])
		}
	}
	// The pooled copy must not alias the caller's slice.
	pcm[0] = 0xFF
	if f.PCM()[0] == 0xFF {
		t.Fatal("pooled frame aliases caller buffer")
	}
	ReleaseAudioFrame(f)
}
