package services

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/fieldsetapp/fieldset/modules/dynafield/domain/ports"
	"github.com/fieldsetapp/fieldset/modules/dynafield/domain/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// progressStub records saves in order. A non-nil gate blocks Save until the
// gate closes, which lets tests pile up pending snapshots deterministically.
// entered receives a token when a save reaches the stub.
type progressStub struct {
	mu      sync.Mutex
	order   []string
	snaps   map[string]types.Snapshot
	expiry  map[string]time.Time
	gate    chan struct{}
	entered chan struct{}
}

func newProgressStub() *progressStub {
	return &progressStub{snaps: make(map[string]types.Snapshot), expiry: make(map[string]time.Time)}
}

func (p *progressStub) Save(_ context.Context, sessionID string, snap types.Snapshot, expiresAt time.Time) error {
	p.mu.Lock()
	gate, entered := p.gate, p.entered
	p.mu.Unlock()
	if entered != nil {
		select {
		case entered <- struct{}{}:
		default:
		}
	}
	if gate != nil {
		<-gate
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.order = append(p.order, sessionID)
	p.snaps[sessionID] = snap
	p.expiry[sessionID] = expiresAt
	return nil
}

func (p *progressStub) Restore(_ context.Context, sessionID string) (types.Snapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	snap, ok := p.snaps[sessionID]
	if !ok {
		return types.Snapshot{}, ports.ErrSnapshotNotFound
	}
	return snap, nil
}

func (p *progressStub) Delete(_ context.Context, sessionID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.snaps, sessionID)
	delete(p.expiry, sessionID)
	return nil
}

func (p *progressStub) SweepExpired(_ context.Context, now time.Time) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var swept int64
	for sid, exp := range p.expiry {
		if !exp.After(now) {
			delete(p.snaps, sid)
			delete(p.expiry, sid)
			swept++
		}
	}
	return swept, nil
}

func (p *progressStub) saveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.order)
}

func (p *progressStub) lastSnap(sessionID string) (types.Snapshot, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	snap, ok := p.snaps[sessionID]
	return snap, ok
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newTestRegistry(t *testing.T, progress ports.ProgressStore) *Registry {
	t.Helper()
	r, err := NewRegistry(RegistryOptions{
		Lookup:          feedbackLookup(),
		Progress:        progress,
		JanitorInterval: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	t.Cleanup(r.Close)
	return r
}

func TestRegistry_CreateSession(t *testing.T) {
	ctx := context.Background()
	progress := newProgressStub()
	r := newTestRegistry(t, progress)

	sess, state, err := r.CreateSession(ctx, feedbackSpec(t), map[string]string{"source": "web"})
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if state.SessionID != sess.ID() || sess.ID() == "" {
		t.Fatalf("state=%+v", state)
	}
	if !reflect.DeepEqual(state.Choices["package"], []string{"pkgA", "pkgB"}) {
		t.Fatalf("choices=%v", state.Choices)
	}
	if got, ok := r.Get(sess.ID()); !ok || got != sess {
		t.Fatal("session not registered")
	}

	// The initial snapshot lands without any event, so restore works from
	// the first page load.
	waitFor(t, "initial save", func() bool {
		snap, ok := progress.lastSnap(sess.ID())
		return ok && snap.SurveySlug == "pkg-feedback" && snap.Values["source"] == "web"
	})
}

func TestRegistry_SaveCoalescesLatestWins(t *testing.T) {
	ctx := context.Background()
	progress := newProgressStub()
	gate := make(chan struct{})
	progress.gate = gate
	progress.entered = make(chan struct{}, 1)
	r := newTestRegistry(t, progress)

	sess, _, err := r.CreateSession(ctx, feedbackSpec(t), nil)
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	// Wait until the saver is stuck inside the initial save. The three
	// edits below then coalesce into one pending snapshot.
	<-progress.entered
	for _, step := range [][2]string{{"package", "pkgA"}, {"version", "1.0"}, {"impact", "high"}} {
		if _, err := sess.ApplyValueChanged(ctx, step[0], step[1]); err != nil {
			t.Fatalf("%s: %v", step[0], err)
		}
	}
	close(gate)

	waitFor(t, "coalesced save", func() bool {
		snap, ok := progress.lastSnap(sess.ID())
		return ok && snap.Values["impact"] == "high"
	})
	if n := progress.saveCount(); n != 2 {
		t.Fatalf("saves=%d, want initial plus one coalesced", n)
	}
	snap, _ := progress.lastSnap(sess.ID())
	want := map[string]string{"package": "pkgA", "version": "1.0", "impact": "high"}
	if !reflect.DeepEqual(snap.Values, want) {
		t.Fatalf("snap=%v", snap.Values)
	}
}

func TestRegistry_CloseFlushesPending(t *testing.T) {
	ctx := context.Background()
	progress := newProgressStub()
	r, err := NewRegistry(RegistryOptions{Lookup: feedbackLookup(), Progress: progress})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	sess, _, err := r.CreateSession(ctx, feedbackSpec(t), nil)
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if _, err := sess.ApplyValueChanged(ctx, "package", "pkgB"); err != nil {
		t.Fatalf("err=%v", err)
	}
	r.Close()

	snap, ok := progress.lastSnap(sess.ID())
	if !ok || snap.Values["package"] != "pkgB" {
		t.Fatalf("snap=%+v ok=%v", snap, ok)
	}
}

func TestRegistry_Restore(t *testing.T) {
	ctx := context.Background()
	progress := newProgressStub()
	specFor := func(t *testing.T) func(string) (SessionSpec, error) {
		return func(slug string) (SessionSpec, error) {
			if slug != "pkg-feedback" {
				return SessionSpec{}, errors.New("unknown survey")
			}
			return feedbackSpec(t), nil
		}
	}

	first := newTestRegistry(t, progress)
	sess, _, err := first.CreateSession(ctx, feedbackSpec(t), nil)
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	sid := sess.ID()
	for _, step := range [][2]string{{"package", "pkgA"}, {"version", "1.1"}} {
		if _, err := sess.ApplyValueChanged(ctx, step[0], step[1]); err != nil {
			t.Fatalf("%s: %v", step[0], err)
		}
	}
	first.Close()

	t.Run("rebuilds from the snapshot", func(t *testing.T) {
		second := newTestRegistry(t, progress)
		restored, state, err := second.Restore(ctx, sid, specFor(t))
		if err != nil {
			t.Fatalf("err=%v", err)
		}
		if state.Values["package"] != "pkgA" || state.Values["version"] != "1.1" {
			t.Fatalf("values=%v", state.Values)
		}
		if got, ok := second.Get(sid); !ok || got != restored {
			t.Fatal("restored session not registered")
		}
		// A second restore hits the live session, not the store.
		again, _, err := second.Restore(ctx, sid, specFor(t))
		if err != nil || again != restored {
			t.Fatalf("again=%p restored=%p err=%v", again, restored, err)
		}
	})

	t.Run("unknown session id", func(t *testing.T) {
		second := newTestRegistry(t, progress)
		_, _, err := second.Restore(ctx, "no-such-session", specFor(t))
		if !errors.Is(err, ports.ErrSnapshotNotFound) {
			t.Fatalf("err=%v", err)
		}
	})

	t.Run("spec resolution failure surfaces", func(t *testing.T) {
		second := newTestRegistry(t, progress)
		_, _, err := second.Restore(ctx, sid, func(string) (SessionSpec, error) {
			return SessionSpec{}, errors.New("survey closed")
		})
		if err == nil || err.Error() != "survey closed" {
			t.Fatalf("err=%v", err)
		}
	})
}

func TestRegistry_Drop(t *testing.T) {
	ctx := context.Background()
	progress := newProgressStub()
	r := newTestRegistry(t, progress)

	sess, _, err := r.CreateSession(ctx, feedbackSpec(t), nil)
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	waitFor(t, "initial save", func() bool { return progress.saveCount() >= 1 })

	if err := r.Drop(ctx, sess.ID()); err != nil {
		t.Fatalf("drop: %v", err)
	}
	if _, ok := r.Get(sess.ID()); ok {
		t.Fatal("session still live")
	}
	if _, _, err := r.Restore(ctx, sess.ID(), func(string) (SessionSpec, error) {
		return feedbackSpec(t), nil
	}); !errors.Is(err, ports.ErrSnapshotNotFound) {
		t.Fatalf("err=%v", err)
	}
}

func TestRegistry_JanitorEvictsIdleSessions(t *testing.T) {
	ctx := context.Background()
	progress := newProgressStub()
	r := newTestRegistry(t, progress)

	spec := feedbackSpec(t)
	spec.TTL = 20 * time.Millisecond
	sess, _, err := r.CreateSession(ctx, spec, nil)
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	// Get refreshes the idle clock, so poll the table directly.
	waitFor(t, "eviction", func() bool {
		r.mu.Lock()
		_, ok := r.sessions[sess.ID()]
		r.mu.Unlock()
		return !ok
	})
	// The snapshot outlives the in-memory session.
	if _, ok := progress.lastSnap(sess.ID()); !ok {
		t.Fatal("snapshot deleted on eviction")
	}
}
