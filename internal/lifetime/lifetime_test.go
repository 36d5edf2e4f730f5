package lifetime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// fakeProcess is a Process whose Wait() blocks until exit is closed.
type fakeProcess struct {
	exit chan struct{}
}

func newFakeProcess() *fakeProcess {
	return &fakeProcess{exit: make(chan struct{})}
}

func (p *fakeProcess) Wait() error {
	<-p.exit
	return nil
}

func (p *fakeProcess) kill() {
	close(p.exit)
}

// newNoWaitManager builds a Manager whose retry loop uses a millisecond
// constant backoff so tests don't wait on the real 60s retry interval.
func newNoWaitManager() *Manager {
	m := New()
	m.newBackOff = func() backoff.BackOff {
		return backoff.NewConstantBackOff(time.Millisecond)
	}
	return m
}

func TestCallbackFiresAfterLastProcessExits(t *testing.T) {
	m := newNoWaitManager()
	p1 := newFakeProcess()
	p2 := newFakeProcess()
	m.RegisterID("distro-1", p1)
	m.RegisterID("distro-1", p2)

	fired := make(chan struct{})
	m.RegisterCallback("distro-1", func(ctx context.Context) error {
		close(fired)
		return nil
	})

	select {
	case <-fired:
		t.Fatal("callback fired before any process exited")
	case <-time.After(20 * time.Millisecond):
	}

	p1.kill()
	select {
	case <-fired:
		t.Fatal("callback fired with one process still alive")
	case <-time.After(20 * time.Millisecond):
	}

	p2.kill()
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("callback never fired after last process exited")
	}
}

func TestCallbackFiresImmediatelyWhenNoProcesses(t *testing.T) {
	m := newNoWaitManager()
	fired := make(chan struct{})
	m.RegisterCallback("empty-id", func(ctx context.Context) error {
		close(fired)
		return nil
	})
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("callback never fired for an id with no registered processes")
	}
}

func TestCallbackRetriesUntilSuccess(t *testing.T) {
	m := newNoWaitManager()
	p := newFakeProcess()
	m.RegisterID("distro-2", p)

	var mu sync.Mutex
	attempts := 0
	succeed := make(chan struct{})
	m.RegisterCallback("distro-2", func(ctx context.Context) error {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		if n < 3 {
			return errors.New("transient failure")
		}
		close(succeed)
		return nil
	})
	p.kill()

	select {
	case <-succeed:
	case <-time.After(time.Second):
		t.Fatal("callback never succeeded after retries")
	}
	mu.Lock()
	defer mu.Unlock()
	if attempts < 3 {
		t.Fatalf("expected at least 3 attempts, got %d", attempts)
	}
}

func TestClearAllStopsRetries(t *testing.T) {
	m := newNoWaitManager()
	p := newFakeProcess()
	m.RegisterID("distro-3", p)

	var mu sync.Mutex
	attempts := 0
	m.RegisterCallback("distro-3", func(ctx context.Context) error {
		mu.Lock()
		attempts++
		mu.Unlock()
		return errors.New("always fails")
	})
	p.kill()
	time.Sleep(20 * time.Millisecond)

	m.ClearAll()
	mu.Lock()
	n := attempts
	mu.Unlock()

	time.Sleep(30 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if attempts > n+1 {
		t.Fatalf("retries continued after ClearAll: had %d, now %d", n, attempts)
	}
}

func TestIsAnyProcessRegistered(t *testing.T) {
	m := newNoWaitManager()
	if m.IsAnyProcessRegistered("distro-4") {
		t.Fatal("expected false for unknown id")
	}
	p := newFakeProcess()
	m.RegisterID("distro-4", p)
	if !m.IsAnyProcessRegistered("distro-4") {
		t.Fatal("expected true after RegisterID")
	}
	p.kill()
	time.Sleep(20 * time.Millisecond)
	if m.IsAnyProcessRegistered("distro-4") {
		t.Fatal("expected false after process exited")
	}
}

// TestRegisterIDNilProcessIsNoop guards against RegisterID(id, nil)
// ever reaching a nil Process.Wait() call: it must only ensure id's
// registration exists.
func TestRegisterIDNilProcessIsNoop(t *testing.T) {
	m := newNoWaitManager()
	m.RegisterID("distro-5", nil)
	if m.IsAnyProcessRegistered("distro-5") {
		t.Fatal("a nil process must not count as a registered member")
	}
}

// TestRegisterCallbackWithTimeoutFiresAfterTimeout covers the "no client
// process supplied" path (spec.md §4.2): the callback fires once the
// timer elapses instead of immediately.
func TestRegisterCallbackWithTimeoutFiresAfterTimeout(t *testing.T) {
	m := newNoWaitManager()
	m.RegisterID("distro-6", nil)

	fired := make(chan struct{})
	m.RegisterCallbackWithTimeout("distro-6", func(ctx context.Context) error {
		close(fired)
		return nil
	}, 20*time.Millisecond)

	select {
	case <-fired:
		t.Fatal("callback fired before the timeout elapsed")
	case <-time.After(5 * time.Millisecond):
	}

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("callback never fired after the timeout elapsed")
	}
}

// TestRegisterCallbackWithTimeoutCancelledByLateProcess covers a client
// process arriving after the timer was armed but before it fires: the
// timer is cancelled and the callback instead waits on that process.
func TestRegisterCallbackWithTimeoutCancelledByLateProcess(t *testing.T) {
	m := newNoWaitManager()
	m.RegisterID("distro-7", nil)

	fired := make(chan struct{})
	m.RegisterCallbackWithTimeout("distro-7", func(ctx context.Context) error {
		close(fired)
		return nil
	}, 30*time.Millisecond)

	p := newFakeProcess()
	m.RegisterID("distro-7", p)

	select {
	case <-fired:
		t.Fatal("callback fired from the cancelled timer instead of waiting on the late process")
	case <-time.After(40 * time.Millisecond):
	}

	p.kill()
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("callback never fired after the late process exited")
	}
}

// TestClearAllDrainsInFlightGoroutines asserts ClearAll does not return
// until every in-flight waitAndReap/deliver goroutine it owns has
// actually exited, not merely been asked to stop.
func TestClearAllDrainsInFlightGoroutines(t *testing.T) {
	m := newNoWaitManager()
	p := newFakeProcess()
	m.RegisterID("distro-8", p)

	releaseCallback := make(chan struct{})
	inCallback := make(chan struct{}, 1)
	m.RegisterCallback("distro-8", func(ctx context.Context) error {
		select {
		case inCallback <- struct{}{}:
		default:
		}
		<-releaseCallback
		return nil
	})
	p.kill()

	select {
	case <-inCallback:
	case <-time.After(time.Second):
		t.Fatal("callback never started")
	}

	clearDone := make(chan struct{})
	go func() {
		m.ClearAll()
		close(clearDone)
	}()

	select {
	case <-clearDone:
		t.Fatal("ClearAll returned before the in-flight callback goroutine exited")
	case <-time.After(20 * time.Millisecond):
	}

	close(releaseCallback)
	select {
	case <-clearDone:
	case <-time.After(time.Second):
		t.Fatal("ClearAll never returned after the in-flight goroutine finished")
	}
}
