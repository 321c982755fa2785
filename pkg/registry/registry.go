package registry

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harunnryd/voca/pkg/errorsx"
	"github.com/harunnryd/voca/pkg/session"
)

// ErrDuplicateCallID rejects a create for a call_id that is already live.
var ErrDuplicateCallID = errors.New("duplicate call id")

// ErrDraining rejects new calls while the service shuts down.
var ErrDraining = errors.New("registry is draining")

// ErrEmptyCallID rejects a create without a call identifier.
var ErrEmptyCallID = errors.New("empty call id")

type entry struct {
	sess    *session.Session
	cancel  context.CancelFunc
	created time.Time
}

// Factory builds one session for a new call. The registry owns the session's
// lifecycle after a successful create.
type Factory func(callID string) (*session.Session, error)

// Registry tracks every live call, one session per call_id. Sessions remove
// themselves when they reach their terminal state.
type Registry struct {
	sessions sync.Map
	count    atomic.Int64
	factory  Factory
	draining atomic.Bool

	wg sync.WaitGroup
}

func New(factory Factory) *Registry {
	return &Registry{factory: factory}
}

// Create builds and starts a session for callID. A call_id that is already
// registered is an error; telephony layers retry events, not call creation.
func (r *Registry) Create(callID string) (*session.Session, error) {
	if callID == "" {
		return nil, ErrEmptyCallID
	}
	if r.draining.Load() {
		return nil, ErrDraining
	}
	if _, ok := r.sessions.Load(callID); ok {
		return nil, errorsx.WithCall(errorsx.Wrap(ErrDuplicateCallID, errorsx.ReasonDuplicateCall), callID)
	}

	sess, err := r.factory(callID)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &entry{sess: sess, cancel: cancel, created: time.Now()}
	if _, loaded := r.sessions.LoadOrStore(callID, e); loaded {
		cancel()
		return nil, errorsx.WithCall(errorsx.Wrap(ErrDuplicateCallID, errorsx.ReasonDuplicateCall), callID)
	}
	r.count.Add(1)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		sess.Run(ctx)
		r.remove(callID)
	}()
	return sess, nil
}

// Get returns the live session for callID, if any.
func (r *Registry) Get(callID string) (*session.Session, bool) {
	if v, ok := r.sessions.Load(callID); ok {
		return v.(*entry).sess, true
	}
	return nil, false
}

// remove drops a finished call. Only the session's own Run goroutine calls
// this, after the wrap-up sequence completed.
func (r *Registry) remove(callID string) {
	if v, ok := r.sessions.LoadAndDelete(callID); ok {
		v.(*entry).cancel()
		r.count.Add(-1)
	}
}

// ActiveCalls snapshots every live call for operational surfaces. The view
// is point-in-time; calls may end while the caller holds it.
func (r *Registry) ActiveCalls() []session.Snapshot {
	var out []session.Snapshot
	r.sessions.Range(func(_, value any) bool {
		out = append(out, value.(*entry).sess.Snapshot())
		return true
	})
	return out
}

func (r *Registry) Count() int64 {
	return r.count.Load()
}

// SetDraining toggles new-call admission. Existing calls keep running.
func (r *Registry) SetDraining(v bool) {
	r.draining.Store(v)
}

func (r *Registry) Draining() bool {
	return r.draining.Load()
}

// CloseAll cancels every live session and waits for their wrap-up, bounded
// by ctx.
func (r *Registry) CloseAll(ctx context.Context) {
	r.sessions.Range(func(_, value any) bool {
		value.(*entry).cancel()
		return true
	})
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// WaitForEmpty polls until no calls remain or ctx expires.
func (r *Registry) WaitForEmpty(ctx context.Context, interval time.Duration) bool {
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if r.Count() == 0 {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}
