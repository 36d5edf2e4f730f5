// Package session implements C11: the per-user singleton that owns the
// lazily created VM, the running-instance set, the locked-distribution
// set, idle-termination, and the plugin dispatch surface (spec.md §4.9).
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Microsoft/go-winio/pkg/guid"
	"github.com/sirupsen/logrus"
	"go.opencensus.io/trace"

	"github.com/microsoft/WSL-sub002/internal/errdefs"
	"github.com/microsoft/WSL-sub002/internal/instance"
	"github.com/microsoft/WSL-sub002/internal/lifetime"
	"github.com/microsoft/WSL-sub002/internal/log"
	"github.com/microsoft/WSL-sub002/internal/logfields"
	"github.com/microsoft/WSL-sub002/internal/oc"
	"github.com/microsoft/WSL-sub002/internal/plugin"
	"github.com/microsoft/WSL-sub002/internal/registrystore"
	"github.com/microsoft/WSL-sub002/internal/vm"
)

// LockReason names why a distribution is locked (SPEC_FULL.md §3,
// recovered from LxssUserSession.cpp's locked-distribution handling).
type LockReason int

const (
	LockExport LockReason = iota
	LockImport
	LockConvert
)

func (r LockReason) String() string {
	switch r {
	case LockExport:
		return "export"
	case LockImport:
		return "import"
	default:
		return "convert"
	}
}

// ShutdownMode selects one of the three forced-shutdown escalation paths
// (spec.md §4.9 "Forced shutdown modes").
type ShutdownMode int

const (
	ShutdownWait ShutdownMode = iota
	ShutdownForce
	ShutdownForceAfter30Seconds
)

// VMFactory lazily creates the per-session VM the first time a WSL2
// instance is needed (spec.md §4.9 "create-instance": "VM created if
// first WSL2 instance"). Session is deliberately ignorant of how a VM is
// built (boot spec, compute-system client, disk/share collaborators);
// that wiring belongs to the process's composition root.
type VMFactory interface {
	CreateVM(ctx context.Context) (*vm.VM, error)
}

// InstanceFactory builds a running C9 instance for a distribution once
// its hosting VM (for WSL2) is available, or directly (for WSL1).
type InstanceFactory interface {
	CreateWsl2Instance(ctx context.Context, v *vm.VM, d registrystore.Distribution) (instance.Instance, error)
	CreateWsl1Instance(ctx context.Context, d registrystore.Distribution) (instance.Instance, error)
}

// UpdateChecker is the injected collaborator behind the telemetry/update
// thread recovered from LxssUserSession.cpp (SPEC_FULL.md §3); the real
// check is network/telemetry and out of scope, so production code can
// wire a no-op.
type UpdateChecker interface {
	CheckForUpdate(ctx context.Context)
}

// lockedEntry pairs a locked distribution with the reason it is locked.
type lockedEntry struct {
	DistroID guid.GUID
	Reason   LockReason
}

type reentryKey struct{}

// withReentry marks ctx as already holding the session lock, so a nested
// call made from within a plugin callback does not deadlock re-acquiring
// it (spec.md §9 Open Question on session-lock re-entrancy; DESIGN.md
// Open Question 4 decided against a recursive mutex).
func withReentry(ctx context.Context) context.Context {
	return context.WithValue(ctx, reentryKey{}, true)
}

func isReentrant(ctx context.Context) bool {
	v, _ := ctx.Value(reentryKey{}).(bool)
	return v
}

// Session is C11.
type Session struct {
	userSID   string
	sessionID guid.GUID
	cookie    uint32

	registry  registrystore.Store
	vmFactory VMFactory
	instFact  InstanceFactory
	plugins   *plugin.Manager
	checker   UpdateChecker

	// shortcuts and profiles are optional; nil (the default) makes
	// RegisterDistribution/UnregisterDistribution's shortcut and terminal
	// profile handling a no-op, matching every other Windows-COM surface
	// this package keeps pluggable (spec.md §1).
	shortcuts registrystore.ShortcutWriter
	profiles  registrystore.TerminalProfileWriter

	idleTimeout       time.Duration
	forceAfterTimeout time.Duration

	// lockCh is a one-token binary semaphore standing in for the
	// teacher's recursive session mutex: Lock = receive the token,
	// Unlock = return it. A channel (rather than sync.Mutex) lets
	// ForceAfter30Seconds race acquisition against a timeout without
	// leaking a goroutine that holds the lock forever (spec.md §4.9).
	// Every mutation of running-instances and locked-distributions goes
	// through lockCh.
	lockCh chan struct{}

	// vmMu guards vmInst alone. Every normal access takes it while also
	// holding lockCh, but terminateComputeSystemOutOfBand deliberately
	// reaches in without lockCh (spec.md §4.9's ForceAfter30Seconds: the
	// whole point is to terminate the compute system without waiting on
	// a session lock that may be held by a wedged operation), so the VM
	// handle needs its own narrow lock rather than relying on lockCh.
	vmMu             sync.Mutex
	vmInst           *vm.VM
	runningInstances map[guid.GUID]instance.Instance
	locked           map[guid.GUID]lockedEntry
	allowNew         bool
	idleTimer        *time.Timer
	shutdownDone     bool
	lifetimeMgr      *lifetime.Manager
	timezone         string
	resolvConf       string
	updatedInit      map[guid.GUID]struct{} // distros whose init already has `timezone`

	stopTelemetry context.CancelFunc
}

// New constructs a Session for userSID. The returned Session's telemetry
// thread is started immediately and must be stopped by calling Close.
func New(userSID string, cookie uint32, registry registrystore.Store, vmFactory VMFactory, instFact InstanceFactory, plugins *plugin.Manager, checker UpdateChecker, idleTimeout, forceAfterTimeout time.Duration) *Session {
	id, _ := guid.NewV4()
	lockCh := make(chan struct{}, 1)
	lockCh <- struct{}{}

	s := &Session{
		userSID:           userSID,
		sessionID:         id,
		cookie:            cookie,
		registry:          registry,
		vmFactory:         vmFactory,
		instFact:          instFact,
		plugins:           plugins,
		checker:           checker,
		idleTimeout:       idleTimeout,
		forceAfterTimeout: forceAfterTimeout,
		lockCh:            lockCh,
		runningInstances:  make(map[guid.GUID]instance.Instance),
		locked:            make(map[guid.GUID]lockedEntry),
		allowNew:          true,
		lifetimeMgr:       lifetime.New(),
		updatedInit:       make(map[guid.GUID]struct{}),
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.stopTelemetry = cancel
	go s.runTelemetry(ctx)
	return s
}

// SetShortcutWriter installs the collaborator RegisterDistribution and
// UnregisterDistribution use to manage a distribution's Start-menu
// shortcut (SPEC_FULL.md §3). Optional; unset means no shortcut handling.
func (s *Session) SetShortcutWriter(w registrystore.ShortcutWriter) { s.shortcuts = w }

// SetTerminalProfileWriter installs the collaborator RegisterDistribution
// and UnregisterDistribution use to manage a distribution's Windows
// Terminal fragment profile (SPEC_FULL.md §3). Optional.
func (s *Session) SetTerminalProfileWriter(w registrystore.TerminalProfileWriter) {
	s.profiles = w
}

// Cookie returns the session's opaque addressing token (SPEC_FULL.md §3
// "Session cookie").
func (s *Session) Cookie() uint32 { return s.cookie }

// ID returns the session's internal identity.
func (s *Session) ID() guid.GUID { return s.sessionID }

// lock acquires the session lock unless ctx already marks it held,
// returning an unlock func that is always safe to call (a no-op in the
// re-entrant case).
func (s *Session) lock(ctx context.Context) (unlock func(), alreadyHeld bool) {
	if isReentrant(ctx) {
		return func() {}, true
	}
	<-s.lockCh
	return func() { s.lockCh <- struct{}{} }, false
}

// tryLock attempts to acquire the session lock within timeout, for
// ShutdownForceAfter30Seconds (spec.md §4.9, §5).
func (s *Session) tryLock(timeout time.Duration) (unlock func(), ok bool) {
	select {
	case <-s.lockCh:
		return func() { s.lockCh <- struct{}{} }, true
	case <-time.After(timeout):
		return nil, false
	}
}

// CreateInstance implements spec.md §4.9's create-instance row: lazily
// boots the VM for the first WSL2 instance, registers the new instance
// with C3 against clientProcess, and fires OnDistributionStarted. If an
// instance for distroID is already running, it is returned unchanged.
func (s *Session) CreateInstance(ctx context.Context, distroID guid.GUID, clientProcess lifetime.Process) (inst instance.Instance, err error) {
	ctx, span := oc.StartSpan(ctx, "session::CreateInstance")
	defer span.End()
	defer func() { oc.SetSpanStatus(span, err) }()

	unlock, _ := s.lock(ctx)
	defer unlock()

	if !s.allowNew {
		return nil, errdefs.ErrServerStopping
	}
	if entry, locked := s.locked[distroID]; locked {
		return nil, errdefs.IllegalStateChange(fmt.Sprintf("create-instance (locked for %s)", entry.Reason))
	}
	if inst, ok := s.runningInstances[distroID]; ok {
		return inst, nil
	}

	distro, loadErr := s.registry.LoadDistribution(ctx, distroID)
	if loadErr != nil {
		return nil, loadErr
	}

	isWsl2 := distro.Flags&registrystore.FlagVmMode != 0
	if isWsl2 {
		v, err := s.getOrCreateVM(ctx)
		if err != nil {
			return nil, fmt.Errorf("session: create vm: %w", err)
		}
		inst, err = s.instFact.CreateWsl2Instance(ctx, v, distro)
		if err != nil {
			return nil, fmt.Errorf("session: create wsl2 instance: %w", err)
		}
	} else {
		inst, err = s.instFact.CreateWsl1Instance(ctx, distro)
		if err != nil {
			return nil, fmt.Errorf("session: create wsl1 instance: %w", err)
		}
	}

	if s.plugins != nil {
		if err := s.plugins.OnDistributionStarted(withReentry(ctx), distroID); err != nil {
			_ = inst.Stop(ctx)
			return nil, err
		}
	}

	s.runningInstances[distroID] = inst
	if clientProcess != nil {
		s.lifetimeMgr.RegisterID(distroID.String(), clientProcess)
	}
	s.cancelIdleTimerLocked()

	if s.timezone != "" {
		if err := inst.UpdateTimezone(ctx, s.timezone); err != nil {
			log.G(ctx).WithError(err).Warn("session: failed to apply current timezone to new instance")
		} else {
			s.updatedInit[distroID] = struct{}{}
		}
	}

	log.G(ctx).WithFields(logrus.Fields{logfields.DistroID: distroID.String(), logfields.SessionID: s.sessionID.String()}).Info("session: instance created")
	return inst, nil
}

// getOrCreateVM returns the session's VM, creating it if this is the
// first WSL2 instance. Callers always hold the session lock for the
// duration of this call (CreateInstance does), which is itself the
// single-flight: a second create-instance call simply waits its turn on
// lockCh rather than racing a separate create, per SPEC_FULL.md §2's "one
// VM per session, racing create-instance calls must not double-boot"
// requirement.
//
// Per spec.md §7/SPEC_FULL.md §3, the plugin API-version gate runs before
// any OnVmStarted hook fires on a VM start, and a plugin failing
// OnVmStarted aborts the start: the freshly created VM is torn down and
// never published to s.vmInst.
func (s *Session) getOrCreateVM(ctx context.Context) (*vm.VM, error) {
	s.vmMu.Lock()
	existing := s.vmInst
	s.vmMu.Unlock()
	if existing != nil {
		return existing, nil
	}

	if s.plugins != nil {
		if err := s.plugins.CheckVersions(); err != nil {
			return nil, fmt.Errorf("session: plugin version gate: %w", err)
		}
	}

	v, err := s.vmFactory.CreateVM(ctx)
	if err != nil {
		return nil, err
	}

	if s.plugins != nil {
		if err := s.plugins.OnVmStarted(withReentry(ctx), v.GUID()); err != nil {
			if termErr := v.Terminate(ctx, 0); termErr != nil {
				log.G(ctx).WithError(termErr).Warn("session: vm terminate failed aborting plugin-rejected start")
			}
			return nil, err
		}
	}

	s.vmMu.Lock()
	s.vmInst = v
	s.vmMu.Unlock()
	return v, nil
}

// TerminateDistribution stops distroID's running instance, firing
// OnDistributionStopping before the stop and arming the idle timer if the
// VM is now idle (spec.md §4.9).
func (s *Session) TerminateDistribution(ctx context.Context, distroID guid.GUID) error {
	unlock, _ := s.lock(ctx)

	inst, ok := s.runningInstances[distroID]
	if !ok {
		unlock()
		return errdefs.ErrDistroNotFound
	}
	// Invariant 1 (spec.md §3): move the instance out of the live map
	// before its destructor runs, under the lock, but run Stop itself
	// outside the lock.
	delete(s.runningInstances, distroID)
	delete(s.updatedInit, distroID)
	s.lifetimeMgr.RemoveCallback(distroID.String())

	if s.plugins != nil {
		s.plugins.OnDistributionStopping(withReentry(ctx), distroID)
	}
	s.maybeArmIdleTimerLocked()
	unlock()

	if err := inst.Stop(ctx); err != nil {
		return fmt.Errorf("session: stop instance %s: %w", distroID, err)
	}
	return nil
}

// maybeArmIdleTimerLocked arms the idle-shutdown timer if no WSL2
// instance remains and no distribution is locked (spec.md §4.9 "Idle
// termination"). Caller holds the session lock.
func (s *Session) maybeArmIdleTimerLocked() {
	if s.idleTimeout < 0 {
		return
	}
	if len(s.locked) != 0 {
		return
	}
	for _, inst := range s.runningInstances {
		if inst.DistributionInformation().Flavor == instance.FlavorWsl2 {
			return
		}
	}
	s.vmMu.Lock()
	hasVM := s.vmInst != nil
	s.vmMu.Unlock()
	if !hasVM {
		return
	}
	s.cancelIdleTimerLocked()
	s.idleTimer = time.AfterFunc(s.idleTimeout, func() {
		_ = s.Shutdown(context.Background(), ShutdownWait)
	})
}

func (s *Session) cancelIdleTimerLocked() {
	if s.idleTimer != nil {
		s.idleTimer.Stop()
		s.idleTimer = nil
	}
}

// LockDistribution marks distroID locked for reason, terminating it first
// if it is currently running (spec.md §4.9 "Locked-distribution set": "a
// distribution is terminated on lock acquire and may not be (re-)started
// until the lock is released").
func (s *Session) LockDistribution(ctx context.Context, distroID guid.GUID, reason LockReason) error {
	if _, running := s.peekRunning(ctx, distroID); running {
		if err := s.TerminateDistribution(ctx, distroID); err != nil {
			return err
		}
	}
	unlock, _ := s.lock(ctx)
	defer unlock()
	s.locked[distroID] = lockedEntry{DistroID: distroID, Reason: reason}
	return nil
}

// UnlockDistribution releases a lock acquired by LockDistribution,
// allowing the distribution to be started again and re-evaluating the
// idle timer.
func (s *Session) UnlockDistribution(ctx context.Context, distroID guid.GUID) {
	unlock, _ := s.lock(ctx)
	defer unlock()
	delete(s.locked, distroID)
	s.maybeArmIdleTimerLocked()
}

func (s *Session) peekRunning(ctx context.Context, distroID guid.GUID) (instance.Instance, bool) {
	unlock, _ := s.lock(ctx)
	defer unlock()
	inst, ok := s.runningInstances[distroID]
	return inst, ok
}

// RegisterDistribution persists a new distribution record in the
// Installing then Installed state; on failure the caller (the import/export
// driver, out of scope here) is expected to delete any files it wrote, and
// this method removes the registry key (spec.md §4.9 "register-distribution",
// §7 "Setup operations").
func (s *Session) RegisterDistribution(ctx context.Context, d registrystore.Distribution, install func(ctx context.Context) error) (err error) {
	d.State = registrystore.StateInstalling
	if err := s.registry.SaveDistribution(ctx, d); err != nil {
		return fmt.Errorf("session: save distribution record: %w", err)
	}
	defer func() {
		if err != nil {
			_ = s.registry.DeleteDistribution(ctx, d.ID)
		}
	}()

	if err = install(ctx); err != nil {
		return fmt.Errorf("session: install distribution: %w", err)
	}

	d.State = registrystore.StateInstalled
	if err = s.registry.SaveDistribution(ctx, d); err != nil {
		return fmt.Errorf("session: finalize distribution record: %w", err)
	}

	if _, hasDefault, derr := s.registry.GetDefaultDistribution(ctx); derr == nil && !hasDefault {
		_ = s.registry.SetDefaultDistribution(ctx, d.ID)
	}

	if d.ShortcutPath != "" && s.shortcuts != nil {
		if serr := s.shortcuts.Write(ctx, d.ShortcutPath, d); serr != nil {
			log.G(ctx).WithError(serr).Warn("session: failed to write distribution shortcut")
		}
	}
	if d.TerminalProfilePath != "" && s.profiles != nil {
		if perr := s.profiles.Write(ctx, d.TerminalProfilePath, d); perr != nil {
			log.G(ctx).WithError(perr).Warn("session: failed to write distribution terminal profile")
		}
	}
	return nil
}

// UnregisterDistribution removes distroID's registration, terminating it
// first if running, and re-selects a default distribution if it was the
// default (spec.md §4.9 "unregister-distribution").
func (s *Session) UnregisterDistribution(ctx context.Context, distroID guid.GUID) error {
	if _, locked := s.locked[distroID]; locked {
		return errdefs.IllegalStateChange("unregister-distribution")
	}
	if _, running := s.peekRunning(ctx, distroID); running {
		if err := s.TerminateDistribution(ctx, distroID); err != nil {
			return err
		}
	}

	wasDefault := false
	if def, has, err := s.registry.GetDefaultDistribution(ctx); err == nil && has && def == distroID {
		wasDefault = true
	}

	d, loadErr := s.registry.LoadDistribution(ctx, distroID)

	if err := s.registry.DeleteDistribution(ctx, distroID); err != nil {
		return err
	}

	if loadErr == nil {
		if d.ShortcutPath != "" && s.shortcuts != nil {
			if serr := s.shortcuts.Remove(ctx, d.ShortcutPath); serr != nil {
				log.G(ctx).WithError(serr).Warn("session: failed to remove distribution shortcut")
			}
		}
		if d.TerminalProfilePath != "" && s.profiles != nil {
			if perr := s.profiles.Remove(ctx, d.TerminalProfilePath); perr != nil {
				log.G(ctx).WithError(perr).Warn("session: failed to remove distribution terminal profile")
			}
		}
	}

	if wasDefault {
		remaining, err := s.registry.ListDistributions(ctx)
		if err == nil && len(remaining) > 0 {
			_ = s.registry.SetDefaultDistribution(ctx, remaining[0].ID)
		}
	}
	return nil
}

// SetVersion implements spec.md §4.9's set-version(v1<->v2) conversion: it
// locks distroID for conversion (terminating it first if running, via
// LockDistribution's usual path), invokes convert to do the actual
// export-one-side/import-the-other-via-a-shared-VM work -- file/VHD
// mechanics the process's composition root supplies, out of scope here per
// spec.md §1 -- then flips the persisted VM_MODE flag. A failure at any
// point after the distribution is marked Converting restores its previous
// state instead of leaving it stuck, matching the scope-exit cleanup
// spec.md §7 requires of setup operations; the lock is always released.
func (s *Session) SetVersion(ctx context.Context, distroID guid.GUID, toVM bool, convert func(ctx context.Context, d registrystore.Distribution) error) (err error) {
	if err := s.LockDistribution(ctx, distroID, LockConvert); err != nil {
		return err
	}
	defer s.UnlockDistribution(ctx, distroID)

	d, err := s.registry.LoadDistribution(ctx, distroID)
	if err != nil {
		return err
	}
	if (d.Flags&registrystore.FlagVmMode != 0) == toVM {
		return nil
	}

	prevState := d.State
	d.State = registrystore.StateConverting
	if err = s.registry.SaveDistribution(ctx, d); err != nil {
		return fmt.Errorf("session: mark distribution converting: %w", err)
	}
	defer func() {
		if err != nil {
			d.State = prevState
			if rerr := s.registry.SaveDistribution(ctx, d); rerr != nil {
				log.G(ctx).WithError(rerr).Warn("session: failed to restore distribution state after failed conversion")
			}
		}
	}()

	if err = convert(ctx, d); err != nil {
		return fmt.Errorf("session: convert distribution: %w", err)
	}

	if toVM {
		d.Flags |= registrystore.FlagVmMode
	} else {
		d.Flags &^= registrystore.FlagVmMode
	}
	d.State = registrystore.StateInstalled
	if err = s.registry.SaveDistribution(ctx, d); err != nil {
		return fmt.Errorf("session: finalize converted distribution: %w", err)
	}
	return nil
}

// SetTimezone pushes tz to every running instance and remembers it so
// subsequently created instances pick it up immediately instead of
// waiting for the next host timezone change (spec.md §3's
// `updated-init-distros` tracking).
func (s *Session) SetTimezone(ctx context.Context, tz string) {
	unlock, _ := s.lock(ctx)
	defer unlock()

	changed := tz != s.timezone
	s.timezone = tz
	if changed {
		s.updatedInit = make(map[guid.GUID]struct{})
	}
	for distroID, inst := range s.runningInstances {
		if _, done := s.updatedInit[distroID]; done {
			continue
		}
		if err := inst.UpdateTimezone(ctx, tz); err != nil {
			log.G(ctx).WithError(err).Warn("session: failed to push timezone update to instance")
			continue
		}
		s.updatedInit[distroID] = struct{}{}
	}
}

// SetResolvConf records the host's current resolv.conf contents and pushes
// it to every running WSL2 instance, mirroring SetTimezone. C5/the network
// engine calls this on host connectivity changes; ProxyTracker.broadcast
// reads the recorded value back when a proxy-only change needs the same
// refresh pushed again.
func (s *Session) SetResolvConf(ctx context.Context, resolvConf string) {
	unlock, _ := s.lock(ctx)
	s.resolvConf = resolvConf
	targets := make([]instance.Instance, 0, len(s.runningInstances))
	for _, inst := range s.runningInstances {
		if inst.DistributionInformation().Flavor == instance.FlavorWsl2 {
			targets = append(targets, inst)
		}
	}
	unlock()

	for _, inst := range targets {
		if err := inst.UpdateNetworkInformation(ctx, resolvConf); err != nil {
			log.G(ctx).WithError(err).Warn("session: failed to push network information update to instance")
		}
	}
}

// ListDiskMounts reads the persisted disk-mount subkeys for the session's
// VM, surviving a host process restart while the VM is still running
// (SPEC_FULL.md §3 "wslconfig-style disk-mount enumeration").
func (s *Session) ListDiskMounts(ctx context.Context) ([]registrystore.DiskMount, error) {
	s.vmMu.Lock()
	v := s.vmInst
	s.vmMu.Unlock()
	if v == nil {
		return nil, nil
	}
	return s.registry.ListDiskMounts(ctx, v.GUID())
}

// Shutdown implements spec.md §4.9's three forced-shutdown modes.
func (s *Session) Shutdown(ctx context.Context, mode ShutdownMode) (err error) {
	ctx, span := oc.StartSpan(ctx, "session::Shutdown")
	defer span.End()
	defer func() { oc.SetSpanStatus(span, err) }()
	span.AddAttributes(trace.Int64Attribute("mode", int64(mode)))

	switch mode {
	case ShutdownWait:
		unlock, _ := s.lock(ctx)
		defer unlock()
		return s.shutdownLocked(ctx)

	case ShutdownForce:
		s.terminateComputeSystemOutOfBand(ctx)
		unlock, _ := s.lock(ctx)
		defer unlock()
		return s.shutdownLocked(ctx)

	case ShutdownForceAfter30Seconds:
		if unlock, ok := s.tryLock(s.forceAfterTimeout); ok {
			defer unlock()
			return s.shutdownLocked(ctx)
		}
		// Escalate: kill the compute system out-of-band before the lock
		// is acquired (spec.md §9's documented race); both this path and
		// a concurrent idle-shutdown must tolerate "already gone".
		s.terminateComputeSystemOutOfBand(ctx)
		unlock, _ := s.lock(ctx)
		defer unlock()
		return s.shutdownLocked(ctx)

	default:
		return fmt.Errorf("session: unknown shutdown mode %d", mode)
	}
}

// terminateComputeSystemOutOfBand reaches into the VM by its uuid without
// holding the session lock, per spec.md §4.9's ForceAfter30Seconds
// description. A nil VM or an already-terminated one is a no-op.
func (s *Session) terminateComputeSystemOutOfBand(ctx context.Context) {
	s.vmMu.Lock()
	v := s.vmInst
	s.vmMu.Unlock()
	if v == nil {
		return
	}
	if err := v.Terminate(ctx, 0); err != nil {
		log.G(ctx).WithError(err).Debug("session: out-of-band terminate failed, tolerating already-gone")
	}
}

// shutdownLocked stops every running instance and drops the VM. Caller
// holds the session lock.
func (s *Session) shutdownLocked(ctx context.Context) error {
	if s.shutdownDone {
		return nil
	}
	s.allowNew = false
	s.cancelIdleTimerLocked()

	instances := make([]instance.Instance, 0, len(s.runningInstances))
	for id, inst := range s.runningInstances {
		instances = append(instances, inst)
		delete(s.runningInstances, id)
	}
	s.lifetimeMgr.ClearAll()

	for _, inst := range instances {
		if err := inst.Stop(ctx); err != nil {
			log.G(ctx).WithError(err).Warn("session: instance stop failed during shutdown")
		}
	}

	s.vmMu.Lock()
	v := s.vmInst
	s.vmInst = nil
	s.vmMu.Unlock()
	if v != nil {
		if s.plugins != nil {
			s.plugins.OnVmStopping(withReentry(ctx), v.GUID())
		}
		if err := v.Terminate(ctx, 5*time.Second); err != nil {
			log.G(ctx).WithError(err).Warn("session: vm terminate failed during shutdown")
		}
	}

	s.shutdownDone = true
	return nil
}

// Reopen clears the shutdown-complete marker and re-enables new
// instances, for a session that is reconstructed after a shutdown (S6:
// "subsequent create-instance returns ServerStopping until the session is
// reconstructed").
func (s *Session) Reopen(ctx context.Context) {
	unlock, _ := s.lock(ctx)
	defer unlock()
	s.shutdownDone = false
	s.allowNew = true
}

// Close stops the session's background telemetry thread. It does not
// shut down the VM or running instances; call Shutdown first.
func (s *Session) Close() {
	s.stopTelemetry()
}

func (s *Session) runTelemetry(ctx context.Context) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.checker != nil {
				s.checker.CheckForUpdate(ctx)
			}
		}
	}
}
