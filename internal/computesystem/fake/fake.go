// Package fake provides an in-memory computesystem.Client/System used by
// every test in internal/vm, internal/instance, and internal/session,
// mirroring how the teacher's internal/hcs tests substitute vmcompute.go's
// syscalls rather than talking to a real hypervisor (SPEC_FULL.md §2.5).
package fake

import (
	"context"
	"sync"

	"github.com/microsoft/WSL-sub002/internal/computesystem"
)

// Client is an in-memory computesystem.Client.
type Client struct {
	mu       sync.Mutex
	systems  map[string]*System
	OnCreate func(id string, spec computesystem.Spec) error // test hook, return non-nil to fail CreateSystem
}

// New returns an empty Client.
func New() *Client {
	return &Client{systems: make(map[string]*System)}
}

func (c *Client) CreateSystem(ctx context.Context, id string, spec computesystem.Spec) (computesystem.System, error) {
	if c.OnCreate != nil {
		if err := c.OnCreate(id, spec); err != nil {
			return nil, err
		}
	}
	sys := &System{id: id, spec: spec, exited: make(chan computesystem.Event, 1)}
	c.mu.Lock()
	c.systems[id] = sys
	c.mu.Unlock()
	return sys, nil
}

// Lookup returns a previously created system by id, for tests that need
// to poke at it out of band (e.g. simulate a crash notification).
func (c *Client) Lookup(id string) *System {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.systems[id]
}

// System is an in-memory computesystem.System.
type System struct {
	id   string
	spec computesystem.Spec

	mu        sync.Mutex
	started   bool
	modified  []computesystem.ModifyRequest
	callbacks []func(computesystem.Event)
	exited    chan computesystem.Event
	exitOnce  sync.Once
}

func (s *System) ID() string { return s.id }

func (s *System) Start(ctx context.Context) error {
	s.mu.Lock()
	s.started = true
	s.mu.Unlock()
	return nil
}

func (s *System) Modify(ctx context.Context, req computesystem.ModifyRequest) error {
	s.mu.Lock()
	s.modified = append(s.modified, req)
	s.mu.Unlock()
	return nil
}

func (s *System) Terminate(ctx context.Context) error {
	s.raise(computesystem.Event{Reason: computesystem.ExitShutdown})
	return nil
}

func (s *System) Wait(ctx context.Context) (computesystem.Event, error) {
	select {
	case ev := <-s.exited:
		return ev, nil
	case <-ctx.Done():
		return computesystem.Event{}, ctx.Err()
	}
}

func (s *System) Notify(cb func(computesystem.Event)) {
	s.mu.Lock()
	s.callbacks = append(s.callbacks, cb)
	s.mu.Unlock()
}

// Crash simulates a guest-initiated crash notification, for tests of
// C10's crash-dump/termination-callback wiring.
func (s *System) Crash(msg string) {
	s.raise(computesystem.Event{Reason: computesystem.ExitCrashed, Message: msg})
}

func (s *System) raise(ev computesystem.Event) {
	s.mu.Lock()
	cbs := append([]func(computesystem.Event){}, s.callbacks...)
	s.mu.Unlock()
	for _, cb := range cbs {
		cb(ev)
	}
	s.exitOnce.Do(func() { s.exited <- ev })
}

// ModifiedRequests returns a snapshot of every Modify call the system has
// received, for test assertions (disk attach, share add, GPU add).
func (s *System) ModifiedRequests() []computesystem.ModifyRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]computesystem.ModifyRequest(nil), s.modified...)
}
