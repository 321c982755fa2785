package convlog

import (
	"context"
	"sync"
)

// MemoryWriter is an in-process Writer for tests and local runs.
type MemoryWriter struct {
	mu    sync.Mutex
	turns map[string][]Turn
	calls map[string]CallMeta

	// FailAppends makes Append return this error, simulating a store outage.
	FailAppends error
}

func NewMemoryWriter() *MemoryWriter {
	return &MemoryWriter{
		turns: make(map[string][]Turn),
		calls: make(map[string]CallMeta),
	}
}

func (w *MemoryWriter) Append(ctx context.Context, callID string, turn Turn) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.FailAppends != nil {
		return w.FailAppends
	}
	w.turns[callID] = append(w.turns[callID], turn)
	return nil
}

func (w *MemoryWriter) Finalize(ctx context.Context, callID string, meta CallMeta) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	meta.CallID = callID
	w.calls[callID] = meta
	return nil
}

// Turns snapshots one call's appended turns in append order.
func (w *MemoryWriter) Turns(callID string) []Turn {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]Turn(nil), w.turns[callID]...)
}

// Call returns the finalized record, if any.
func (w *MemoryWriter) Call(callID string) (CallMeta, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	meta, ok := w.calls[callID]
	return meta, ok
}

var _ Writer = (*MemoryWriter)(nil)
