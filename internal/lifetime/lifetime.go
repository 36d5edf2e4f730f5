// Package lifetime implements the process-reference-counted callback
// manager (C3): a distribution, a VM, or a plugin registers interest in a
// set of OS processes under a single ID, and is notified once the last of
// them exits. The notification is retried on a jittered schedule until it
// succeeds or the registration is cleared, mirroring the watcher-map
// pattern in the teacher's internal/hcs/callback.go (a callback number maps
// to a context that fans out exit notifications) but addressed by caller
// supplied ID instead of a syscall callback pointer, and backed by OS
// process-exit waits instead of HCS notifications.
package lifetime

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/microsoft/WSL-sub002/internal/log"
	"github.com/microsoft/WSL-sub002/internal/logfields"
)

// retryInterval is the nominal period between redelivery attempts of a
// callback that has not yet succeeded (spec.md §4.2: "every 60 seconds,
// plus jitter, until the callback succeeds or ClearAll is called").
const retryInterval = 60 * time.Second

// Process is the minimal surface the manager needs from a tracked OS
// process: a way to block until it exits. *os.Process satisfies this via
// a small adapter in production; tests supply fakes.
type Process interface {
	Wait() error
}

// Callback is invoked after the last process registered under an ID has
// exited. A non-nil return causes the manager to retry delivery on the
// jittered schedule.
type Callback func(ctx context.Context) error

type registration struct {
	id        string
	processes map[Process]struct{}
	callback  Callback
	cancel    context.CancelFunc
	timer     *time.Timer
	done      bool
}

// Manager tracks process membership per ID and drives the retrying
// callback delivery described above (C3).
type Manager struct {
	mu  sync.Mutex
	ids map[string]*registration
	wg  sync.WaitGroup

	// newBackOff is overridable by tests to avoid a real 60s wait.
	newBackOff func() backoff.BackOff
}

// New returns an empty Manager.
func New() *Manager {
	return &Manager{
		ids: make(map[string]*registration),
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = retryInterval
			b.MaxInterval = retryInterval
			b.Multiplier = 1
			// ±1s around retryInterval.
			b.RandomizationFactor = 1.0 / 60
			b.MaxElapsedTime = 0 // retry forever until ClearAll
			return b
		},
	}
}

// RegisterID declares id as having proc as one of its member processes. A
// nil proc is the "no client process supplied" case (spec.md §4.2): it is
// a no-op beyond ensuring id's registration exists, so a subsequent
// RegisterCallbackWithTimeout has something to attach its timer to, and it
// never reaches a nil Process.Wait() call. It is safe to call multiple
// times for the same id with different processes; the id's callback fires
// once all registered processes for it have exited.
func (m *Manager) RegisterID(id string, proc Process) {
	m.mu.Lock()
	reg, ok := m.ids[id]
	if !ok {
		reg = &registration{id: id, processes: make(map[Process]struct{})}
		m.ids[id] = reg
	}
	if proc == nil {
		m.mu.Unlock()
		return
	}
	reg.processes[proc] = struct{}{}
	// A client process arriving for an id that was waiting on a timeout
	// supersedes the timer (spec.md §4.2: "cancels any pending timer when
	// a client process is supplied").
	if reg.timer != nil {
		reg.timer.Stop()
		reg.timer = nil
	}
	m.mu.Unlock()

	m.wg.Add(1)
	go m.waitAndReap(id, proc)
}

func (m *Manager) waitAndReap(id string, proc Process) {
	defer m.wg.Done()
	_ = proc.Wait()

	m.mu.Lock()
	reg, ok := m.ids[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(reg.processes, proc)
	empty := len(reg.processes) == 0
	cb := reg.callback
	m.mu.Unlock()

	if empty && cb != nil {
		m.fire(id, reg)
	}
}

// RegisterCallback attaches cb to id, to be invoked once the last process
// registered under id exits. If no processes are currently registered
// under id, cb fires immediately (there was nothing to wait for). Use
// RegisterCallbackWithTimeout for the "no client process" case that should
// instead wait out a timeout (spec.md §4.2).
func (m *Manager) RegisterCallback(id string, cb Callback) {
	m.mu.Lock()
	reg, ok := m.ids[id]
	if !ok {
		reg = &registration{id: id, processes: make(map[Process]struct{})}
		m.ids[id] = reg
	}
	reg.callback = cb
	empty := len(reg.processes) == 0
	m.mu.Unlock()

	if empty {
		m.fire(id, reg)
	}
}

// RegisterCallbackWithTimeout attaches cb to id exactly as RegisterCallback
// does, except that when id has no client process currently registered it
// arms a timeout-ms timer instead of firing cb immediately (spec.md §4.2:
// "register_callback(key, cb, client-process?, timeout-ms) ... If no
// client process is passed, a timer is armed for timeout-ms"). If a
// process is already registered under id, the timeout is ignored and cb
// fires on the usual last-process-exits path.
func (m *Manager) RegisterCallbackWithTimeout(id string, cb Callback, timeout time.Duration) {
	m.mu.Lock()
	reg, ok := m.ids[id]
	if !ok {
		reg = &registration{id: id, processes: make(map[Process]struct{})}
		m.ids[id] = reg
	}
	reg.callback = cb
	if reg.timer != nil {
		reg.timer.Stop()
		reg.timer = nil
	}
	empty := len(reg.processes) == 0
	if empty {
		reg.timer = time.AfterFunc(timeout, func() { m.fire(id, reg) })
	}
	m.mu.Unlock()
}

// RemoveCallback detaches any callback registered for id without
// affecting process membership tracking.
func (m *Manager) RemoveCallback(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if reg, ok := m.ids[id]; ok {
		if reg.cancel != nil {
			reg.cancel()
			reg.cancel = nil
		}
		reg.callback = nil
	}
}

// IsAnyProcessRegistered reports whether id currently has at least one
// live member process.
func (m *Manager) IsAnyProcessRegistered(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	reg, ok := m.ids[id]
	if !ok {
		return false
	}
	return len(reg.processes) > 0
}

// ClearAll cancels every in-flight retry loop and timer, discards all
// registrations, and blocks until the now-cancelled delivery and
// process-wait goroutines have actually returned (spec.md §4.2: "pending
// threadpool waits/timers must drain before destruction completes"). It
// moves the map aside under the lock, as the spec's clear_all describes,
// then drains outside the lock so a draining goroutine's own mutex
// reacquisition (deliver, waitAndReap) cannot deadlock against this call.
func (m *Manager) ClearAll() {
	m.mu.Lock()
	for _, reg := range m.ids {
		if reg.cancel != nil {
			reg.cancel()
		}
		if reg.timer != nil {
			reg.timer.Stop()
		}
	}
	m.ids = make(map[string]*registration)
	m.mu.Unlock()

	m.wg.Wait()
}

// fire starts (or restarts) the retrying delivery loop for reg's callback.
func (m *Manager) fire(id string, reg *registration) {
	m.mu.Lock()
	if reg.cancel != nil {
		// A delivery loop is already in flight for this registration.
		m.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	reg.cancel = cancel
	reg.timer = nil
	m.mu.Unlock()

	m.wg.Add(1)
	go m.deliver(ctx, id, reg)
}

func (m *Manager) deliver(ctx context.Context, id string, reg *registration) {
	defer m.wg.Done()
	b := backoff.WithContext(m.newBackOff(), ctx)
	_ = backoff.Retry(func() error {
		m.mu.Lock()
		cb := reg.callback
		m.mu.Unlock()
		if cb == nil {
			return nil
		}
		err := cb(ctx)
		if err != nil {
			log.G(ctx).WithFields(logrus.Fields{
				logfields.ClientID: id,
				logrus.ErrorKey:    err,
			}).Warn("lifetime callback failed, will retry")
		}
		return err
	}, b)

	m.mu.Lock()
	if m.ids[id] == reg {
		reg.done = true
		reg.cancel = nil
	}
	m.mu.Unlock()
}
