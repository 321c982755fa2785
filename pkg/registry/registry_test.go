package registry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/harunnryd/voca/pkg/convlog"
	"github.com/harunnryd/voca/pkg/errorsx"
	"github.com/harunnryd/voca/pkg/session"
)

func testFactory() Factory {
	return func(callID string) (*session.Session, error) {
		return session.New(session.Config{
			CallID:       callID,
			GraceTimeout: 100 * time.Millisecond,
		}, session.Collaborators{
			Log: convlog.NewMemoryWriter(),
		}), nil
	}
}

func TestCreateRejectsDuplicateCallID(t *testing.T) {
	r := New(testFactory())
	defer r.CloseAll(context.Background())

	if _, err := r.Create("call-1"); err != nil {
		t.Fatalf("first create failed: %v", err)
	}
	_, err := r.Create("call-1")
	if !errors.Is(err, ErrDuplicateCallID) {
		t.Fatalf("expected ErrDuplicateCallID, got %v", err)
	}
	if !errorsx.HasReason(err, errorsx.ReasonDuplicateCall) {
		t.Fatalf("duplicate error missing reason code: %v", err)
	}
	if errorsx.CallID(err) != "call-1" {
		t.Fatalf("duplicate error missing call id: %v", err)
	}
	if r.Count() != 1 {
		t.Fatalf("duplicate create changed the count: %d", r.Count())
	}
}

func TestCreateRejectsEmptyCallID(t *testing.T) {
	r := New(testFactory())
	if _, err := r.Create(""); !errors.Is(err, ErrEmptyCallID) {
		t.Fatalf("expected ErrEmptyCallID, got %v", err)
	}
}

func TestDrainingRejectsNewCalls(t *testing.T) {
	r := New(testFactory())
	defer r.CloseAll(context.Background())

	if _, err := r.Create("call-1"); err != nil {
		t.Fatalf("create before drain failed: %v", err)
	}
	r.SetDraining(true)
	if _, err := r.Create("call-2"); !errors.Is(err, ErrDraining) {
		t.Fatalf("expected ErrDraining, got %v", err)
	}
	if _, ok := r.Get("call-1"); !ok {
		t.Fatal("existing call evicted by drain toggle")
	}
}

func TestSessionsRemoveThemselvesOnEnd(t *testing.T) {
	r := New(testFactory())

	sess, err := r.Create("call-1")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if got, ok := r.Get("call-1"); !ok || got != sess {
		t.Fatal("live session not retrievable")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	r.CloseAll(ctx)
	if !r.WaitForEmpty(ctx, 10*time.Millisecond) {
		t.Fatal("registry did not empty after CloseAll")
	}
	if _, ok := r.Get("call-1"); ok {
		t.Fatal("ended session still registered")
	}
	if r.Count() != 0 {
		t.Fatalf("count not zero after close: %d", r.Count())
	}
}

func TestActiveCallsSnapshot(t *testing.T) {
	r := New(testFactory())
	defer r.CloseAll(context.Background())

	for _, id := range []string{"call-1", "call-2"} {
		if _, err := r.Create(id); err != nil {
			t.Fatalf("create %s failed: %v", id, err)
		}
	}
	snap := r.ActiveCalls()
	if len(snap) != 2 {
		t.Fatalf("expected 2 active calls, got %d", len(snap))
	}
	seen := map[string]bool{}
	for _, s := range snap {
		seen[s.CallID] = true
		if s.State != "RINGING" {
			t.Fatalf("unexpected state %q for %s", s.State, s.CallID)
		}
	}
	if !seen["call-1"] || !seen["call-2"] {
		t.Fatalf("snapshot missing calls: %+v", snap)
	}
}
