// Package sessionfactory implements C12: the process-wide
// map<user-sid, Session>, the "disabled by policy"/"shutting down" gates,
// and session lookup by cookie for the external RPC surface (spec.md
// §4.10).
package sessionfactory

import (
	"context"
	"sync"

	"github.com/microsoft/WSL-sub002/internal/errdefs"
	"github.com/microsoft/WSL-sub002/internal/session"
)

// Builder constructs a new Session for a user SID the first time
// GetOrCreate needs one, decoupling the factory from every collaborator
// session.New requires.
type Builder interface {
	Build(ctx context.Context, userSID string) (*session.Session, error)
}

// Factory is C12.
type Factory struct {
	builder Builder

	// termMu is always acquired before mapMu (spec.md §4.10 "Lock
	// order"), guarding the disabled/shutting-down flags and serializing
	// against ClearAllAndBlock.
	termMu         sync.Mutex
	disabledPolicy bool
	shuttingDown   bool

	mapMu    sync.Mutex
	sessions map[string]*session.Session // nil once ClearAllAndBlock has run
}

// New returns a Factory backed by builder, accepting new sessions until
// SetDisabledByPolicy or ClearAllAndBlock says otherwise.
func New(builder Builder) *Factory {
	return &Factory{
		builder:  builder,
		sessions: make(map[string]*session.Session),
	}
}

// SetDisabledByPolicy toggles whether GetOrCreate accepts new sessions,
// mirroring a live policy-refresh event.
func (f *Factory) SetDisabledByPolicy(disabled bool) {
	f.termMu.Lock()
	defer f.termMu.Unlock()
	f.disabledPolicy = disabled
}

// GetOrCreate returns sid's existing Session, or builds one via Builder
// if none exists yet. Returns errdefs.ErrServerStopping if the factory is
// shutting down or disabled by policy (spec.md §4.10).
func (f *Factory) GetOrCreate(ctx context.Context, sid string) (*session.Session, error) {
	f.termMu.Lock()
	blocked := f.shuttingDown || f.disabledPolicy
	f.termMu.Unlock()
	if blocked {
		return nil, errdefs.ErrServerStopping
	}

	f.mapMu.Lock()
	if f.sessions == nil {
		f.mapMu.Unlock()
		return nil, errdefs.ErrServerStopping
	}
	if s, ok := f.sessions[sid]; ok {
		f.mapMu.Unlock()
		return s, nil
	}
	f.mapMu.Unlock()

	// Build outside the map lock: session construction starts a
	// telemetry goroutine and must not happen while holding it, mirroring
	// LxssUserSessionFactory's "construct then insert" pattern.
	s, err := f.builder.Build(ctx, sid)
	if err != nil {
		return nil, err
	}

	f.mapMu.Lock()
	defer f.mapMu.Unlock()
	if f.sessions == nil {
		s.Close()
		return nil, errdefs.ErrServerStopping
	}
	if existing, ok := f.sessions[sid]; ok {
		// Lost a race with a concurrent GetOrCreate for the same sid;
		// keep the winner, discard the loser.
		s.Close()
		return existing, nil
	}
	f.sessions[sid] = s
	return s, nil
}

// Lookup returns sid's Session without creating one.
func (f *Factory) Lookup(sid string) (*session.Session, bool) {
	f.mapMu.Lock()
	defer f.mapMu.Unlock()
	s, ok := f.sessions[sid]
	return s, ok
}

// LookupByCookie finds the session addressed by cookie (spec.md §4.9's
// `FindSessionByCookie`, SPEC_FULL.md §3's session-cookie addressing).
func (f *Factory) LookupByCookie(cookie uint32) (*session.Session, bool) {
	f.mapMu.Lock()
	defer f.mapMu.Unlock()
	for _, s := range f.sessions {
		if s.Cookie() == cookie {
			return s, true
		}
	}
	return nil, false
}

// TerminateSession removes sid's entry under the map lock and runs its
// shutdown outside the lock (spec.md §4.10).
func (f *Factory) TerminateSession(ctx context.Context, sid string) error {
	f.mapMu.Lock()
	s, ok := f.sessions[sid]
	if ok {
		delete(f.sessions, sid)
	}
	f.mapMu.Unlock()
	if !ok {
		return errdefs.ErrDistroNotFound
	}

	err := s.Shutdown(ctx, session.ShutdownWait)
	s.Close()
	return err
}

// ClearAllAndBlock shuts down every session and sets the factory to
// reject all future GetOrCreate calls (spec.md §4.10's "sessions = None").
// Termination-lock-before-map-lock ordering ensures a concurrent
// SetDisabledByPolicy can never interleave with this drain.
func (f *Factory) ClearAllAndBlock(ctx context.Context) {
	f.termMu.Lock()
	defer f.termMu.Unlock()
	f.shuttingDown = true

	f.mapMu.Lock()
	all := f.sessions
	f.sessions = nil
	f.mapMu.Unlock()

	for _, s := range all {
		if err := s.Shutdown(ctx, session.ShutdownForceAfter30Seconds); err != nil {
			// Best-effort drain: a session that refuses to shut down
			// within its own escalation ladder is still closed so its
			// telemetry goroutine does not leak.
			_ = err
		}
		s.Close()
	}
}
