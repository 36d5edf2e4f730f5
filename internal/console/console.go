// Package console implements C8: the map from a caller's console
// identity to the in-distribution session-leader channel that multiplexes
// its interactive processes, tied into C3 so the leader is torn down once
// every client process referencing it has exited.
package console

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/microsoft/WSL-sub002/internal/channel"
	"github.com/microsoft/WSL-sub002/internal/lifetime"
	"github.com/microsoft/WSL-sub002/internal/log"
)

// Key identifies a caller's console for session-leader sharing purposes:
// two processes attached to the same conhost server, at the same
// elevation, share one session leader (spec.md §4.5).
type Key struct {
	ConsoleServerPid uint32
	Elevated         bool
}

// ConsoleData is the opaque console handle bundle passed through to the
// leader factory for marshaling into the guest; its contents are a Win32
// concern outside this package's scope.
type ConsoleData struct {
	ConsoleHandle uintptr
}

// LeaderFactory creates and tears down an in-distribution session leader.
// CreateSessionLeader is expected to perform, in order: marshal the
// console handles into the distribution, send CreateSession over the
// instance's init-port channel (under that channel's lock), and wait up
// to timeout for the new leader to connect -- rolling the marshal back on
// any failure after it succeeds (spec.md §4.5 "Ordering"). That sequencing
// is this interface's contract, not this package's implementation: the
// instance/init-channel plumbing it rides on belongs to C9.
type LeaderFactory interface {
	CreateSessionLeader(ctx context.Context, data ConsoleData, timeout time.Duration) (leader *channel.Channel, firstClientHandle uint64, err error)
	DisconnectConsole(ctx context.Context, leader *channel.Channel, firstClientHandle uint64) error
}

type entry struct {
	port              *channel.Channel
	firstClientHandle uint64
	lifetimeKey       string
}

// Manager is the {key -> session leader} table described in spec.md §4.5.
type Manager struct {
	mu      sync.Mutex
	entries map[Key]*entry

	factory  LeaderFactory
	lifetime *lifetime.Manager
	timeout  time.Duration
}

// New returns an empty Manager. timeout bounds how long CreateSessionLeader
// may wait for the new leader to connect.
func New(factory LeaderFactory, lm *lifetime.Manager, timeout time.Duration) *Manager {
	return &Manager{
		entries:  make(map[Key]*entry),
		factory:  factory,
		lifetime: lm,
		timeout:  timeout,
	}
}

// GetSessionLeader returns the session leader for key, creating one (and
// registering its teardown with C3 against clientProcess) if none exists
// yet. If an entry already exists, its port is returned and nothing new
// is created (spec.md §4.5 "get_session_leader").
func (m *Manager) GetSessionLeader(ctx context.Context, key Key, data ConsoleData, clientProcess lifetime.Process) (*channel.Channel, error) {
	if e := m.lookup(key); e != nil {
		return e.port, nil
	}

	leader, firstClientHandle, err := m.factory.CreateSessionLeader(ctx, data, m.timeout)
	if err != nil {
		return nil, fmt.Errorf("console: create session leader: %w", err)
	}

	lifetimeKey := fmt.Sprintf("console:%d:%v", key.ConsoleServerPid, key.Elevated)
	e := &entry{port: leader, firstClientHandle: firstClientHandle, lifetimeKey: lifetimeKey}

	m.mu.Lock()
	if existing, ok := m.entries[key]; ok {
		// Another caller raced us to create this leader first; keep
		// theirs and drop ours.
		m.mu.Unlock()
		if derr := m.factory.DisconnectConsole(ctx, leader, firstClientHandle); derr != nil {
			log.G(ctx).WithError(derr).Warn("console: failed to disconnect redundant session leader")
		}
		return existing.port, nil
	}
	m.entries[key] = e
	m.mu.Unlock()

	m.lifetime.RegisterID(lifetimeKey, clientProcess)
	teardown := func(ctx context.Context) error {
		if err := m.factory.DisconnectConsole(ctx, leader, firstClientHandle); err != nil {
			return err
		}
		m.mu.Lock()
		if m.entries[key] == e {
			delete(m.entries, key)
		}
		m.mu.Unlock()
		return nil
	}
	if clientProcess != nil {
		m.lifetime.RegisterCallback(lifetimeKey, teardown)
	} else {
		// No client process was supplied (spec.md §4.2): arm a timeout
		// instead of tearing the leader down immediately.
		m.lifetime.RegisterCallbackWithTimeout(lifetimeKey, teardown, m.timeout)
	}

	return leader, nil
}

func (m *Manager) lookup(key Key) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entries[key]
}

// Count returns the number of live session-leader entries, for tests and
// diagnostics.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
