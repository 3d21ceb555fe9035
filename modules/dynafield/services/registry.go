package services

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fieldsetapp/fieldset/modules/dynafield/domain/ports"
	"github.com/fieldsetapp/fieldset/modules/dynafield/domain/types"
)

const (
	defaultSessionTTL      = 7 * 24 * time.Hour
	defaultJanitorInterval = time.Minute
	saveTimeout            = 5 * time.Second
)

type pendingSave struct {
	snap      types.Snapshot
	expiresAt time.Time
}

type RegistryOptions struct {
	Lookup   ports.LookupSource
	Progress ports.ProgressStore
	Rules    *VisibilityRules
	Logger   *zap.Logger
	// DefaultTTL bounds both progress retention and in-memory idle eviction
	// for surveys that do not set their own.
	DefaultTTL      time.Duration
	JanitorInterval time.Duration
	Now             func() time.Time
}

// Registry owns every live form session plus two background workers: a
// coalescing progress saver (latest snapshot per session wins, saves never
// block event handling) and a janitor that evicts idle sessions. Close
// flushes pending saves and stops both workers.
type Registry struct {
	src      ports.LookupSource
	progress ports.ProgressStore
	rules    *VisibilityRules
	logger   *zap.Logger
	ttl      time.Duration
	interval time.Duration
	now      func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session

	saveMu  sync.Mutex
	pending map[string]pendingSave

	kickCh    chan struct{}
	stopCh    chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func NewRegistry(opts RegistryOptions) (*Registry, error) {
	if opts.Lookup == nil {
		return nil, errors.New("lookup source required")
	}
	if opts.Progress == nil {
		return nil, errors.New("progress store required")
	}
	rules := opts.Rules
	if rules == nil {
		var err error
		rules, err = NewVisibilityRules()
		if err != nil {
			return nil, err
		}
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ttl := opts.DefaultTTL
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}
	interval := opts.JanitorInterval
	if interval <= 0 {
		interval = defaultJanitorInterval
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	r := &Registry{
		src:      opts.Lookup,
		progress: opts.Progress,
		rules:    rules,
		logger:   logger,
		ttl:      ttl,
		interval: interval,
		now:      now,
		sessions: make(map[string]*Session),
		pending:  make(map[string]pendingSave),
		kickCh:   make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
	}
	r.wg.Add(2)
	go r.saveLoop()
	go r.janitorLoop()
	return r, nil
}

// Rules exposes the shared expression cache so survey loading can compile
// visibility rules before any session uses them.
func (r *Registry) Rules() *VisibilityRules { return r.rules }

// CreateSession builds a fresh session, binds URL parameters, resolves the
// initial choice lists and registers the session. The initial snapshot is
// queued so a restore works before the first event arrives.
func (r *Registry) CreateSession(ctx context.Context, spec SessionSpec, urlParams map[string]string) (*Session, InitState, error) {
	id, err := newSessionID()
	if err != nil {
		return nil, InitState{}, err
	}
	if spec.TTL <= 0 {
		spec.TTL = r.ttl
	}
	sess := r.buildSession(id, spec)
	state := sess.start(ctx, urlParams)

	r.mu.Lock()
	r.sessions[id] = sess
	r.mu.Unlock()

	r.enqueueSave(id, sess.Snapshot(), spec.TTL)
	return sess, state, nil
}

func (r *Registry) buildSession(id string, spec SessionSpec) *Session {
	ttl := spec.TTL
	return newSession(id, spec, sessionDeps{
		resolver: NewChoiceResolver(r.src),
		binder:   NewParamBinder(r.src),
		unique:   NewUniqueChecker(r.src),
		rules:    r.rules,
		logger:   r.logger,
		now:      r.now,
		onDirty:  func(snap types.Snapshot) { r.enqueueSave(id, snap, ttl) },
	})
}

// Get returns the live session for the id, refreshing its idle clock.
func (r *Registry) Get(sid string) (*Session, bool) {
	r.mu.Lock()
	sess, ok := r.sessions[sid]
	r.mu.Unlock()
	if ok {
		sess.touch()
	}
	return sess, ok
}

// Restore returns the live session when one exists, otherwise rebuilds one
// from the persisted snapshot. specFor maps the snapshot's survey slug to a
// current session spec. Unknown and expired sessions surface
// ports.ErrSnapshotNotFound.
func (r *Registry) Restore(ctx context.Context, sid string, specFor func(slug string) (SessionSpec, error)) (*Session, InitState, error) {
	if sess, ok := r.Get(sid); ok {
		return sess, sess.currentState(), nil
	}
	snap, err := r.progress.Restore(ctx, sid)
	if err != nil {
		return nil, InitState{}, err
	}
	spec, err := specFor(snap.SurveySlug)
	if err != nil {
		return nil, InitState{}, err
	}
	if spec.TTL <= 0 {
		spec.TTL = r.ttl
	}
	sess := r.buildSession(sid, spec)
	state := sess.restore(ctx, snap)

	r.mu.Lock()
	if existing, ok := r.sessions[sid]; ok {
		r.mu.Unlock()
		return existing, existing.currentState(), nil
	}
	r.sessions[sid] = sess
	r.mu.Unlock()
	return sess, state, nil
}

// Drop forgets the session and deletes its snapshot. Used after a completed
// submission and by the abandon path.
func (r *Registry) Drop(ctx context.Context, sid string) error {
	r.mu.Lock()
	delete(r.sessions, sid)
	r.mu.Unlock()
	r.saveMu.Lock()
	delete(r.pending, sid)
	r.saveMu.Unlock()
	return r.progress.Delete(ctx, sid)
}

// Close stops the saver and janitor after flushing pending snapshots.
func (r *Registry) Close() {
	r.closeOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()
}

func (r *Registry) enqueueSave(sid string, snap types.Snapshot, ttl time.Duration) {
	r.saveMu.Lock()
	r.pending[sid] = pendingSave{snap: snap, expiresAt: snap.SavedAt.Add(ttl)}
	r.saveMu.Unlock()
	select {
	case r.kickCh <- struct{}{}:
	default:
	}
}

func (r *Registry) saveLoop() {
	defer r.wg.Done()
	for {
		select {
		case <-r.stopCh:
			r.flushPending()
			return
		case <-r.kickCh:
			r.flushPending()
		}
	}
}

func (r *Registry) flushPending() {
	r.saveMu.Lock()
	batch := r.pending
	r.pending = make(map[string]pendingSave)
	r.saveMu.Unlock()

	for sid, job := range batch {
		r.mu.Lock()
		_, live := r.sessions[sid]
		r.mu.Unlock()
		if !live {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
		err := r.progress.Save(ctx, sid, job.snap, job.expiresAt)
		cancel()
		if err != nil {
			r.logger.Warn("progress save failed", zap.String("session", sid), zap.Error(err))
		}
	}
}

func (r *Registry) janitorLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.evictIdle()
		}
	}
}

// evictIdle drops sessions idle past their TTL from memory. Their snapshots
// stay in the progress store until they expire, so a returning respondent
// still restores.
func (r *Registry) evictIdle() {
	now := r.now()
	r.mu.Lock()
	for sid, sess := range r.sessions {
		if now.Sub(sess.LastActive()) > sess.ttl() {
			delete(r.sessions, sid)
		}
	}
	r.mu.Unlock()
}

func newSessionID() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
