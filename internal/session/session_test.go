package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Microsoft/go-winio/pkg/guid"

	"github.com/microsoft/WSL-sub002/internal/errdefs"
	"github.com/microsoft/WSL-sub002/internal/instance"
	"github.com/microsoft/WSL-sub002/internal/plugin"
	"github.com/microsoft/WSL-sub002/internal/registrystore"
	regfake "github.com/microsoft/WSL-sub002/internal/registrystore/fake"
	"github.com/microsoft/WSL-sub002/internal/vm"
)

// fakeHost is a plugin.Host recording which VM-lifecycle hooks fired,
// optionally failing OnVmStarted to exercise the abort-on-reject path.
type fakeHost struct {
	plugin.NopHost
	failStart  bool
	startedVM  []guid.GUID
	stoppingVM []guid.GUID
}

func (h *fakeHost) Name() string    { return "fake" }
func (h *fakeHost) APIVersion() int { return plugin.MinimumAPIVersion }
func (h *fakeHost) OnVmStarted(ctx context.Context, vmID guid.GUID) error {
	if h.failStart {
		return errors.New("plugin rejected vm start")
	}
	h.startedVM = append(h.startedVM, vmID)
	return nil
}
func (h *fakeHost) OnVmStopping(ctx context.Context, vmID guid.GUID) {
	h.stoppingVM = append(h.stoppingVM, vmID)
}

type fakeInstance struct {
	mu             sync.Mutex
	info           instance.DistributionInformation
	stopped        bool
	timezone       string
	resolvConf     string
	networkUpdates int
}

func (f *fakeInstance) CreateProcess(ctx context.Context, params instance.CreateProcessParams) (*instance.ProcessHandle, error) {
	g, _ := guid.NewV4()
	return &instance.ProcessHandle{Pid: g}, nil
}
func (f *fakeInstance) UpdateTimezone(ctx context.Context, tz string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.timezone = tz
	return nil
}
func (f *fakeInstance) UpdateNetworkInformation(ctx context.Context, resolvConf string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resolvConf = resolvConf
	f.networkUpdates++
	return nil
}

func (f *fakeInstance) getResolvConf() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resolvConf
}

func (f *fakeInstance) getNetworkUpdates() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.networkUpdates
}
func (f *fakeInstance) RequestStop(ctx context.Context) error {
	return f.Stop(ctx)
}
func (f *fakeInstance) Stop(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
	return nil
}
func (f *fakeInstance) GetClientID() guid.GUID       { g, _ := guid.NewV4(); return g }
func (f *fakeInstance) GetDistributionID() guid.GUID { return f.info.ID }
func (f *fakeInstance) DistributionInformation() instance.DistributionInformation { return f.info }

func (f *fakeInstance) isStopped() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopped
}

func (f *fakeInstance) getTimezone() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.timezone
}

type fakeInstanceFactory struct {
	mu          sync.Mutex
	wsl2Created int
	wsl1Created int
}

func (f *fakeInstanceFactory) CreateWsl2Instance(ctx context.Context, v *vm.VM, d registrystore.Distribution) (instance.Instance, error) {
	f.mu.Lock()
	f.wsl2Created++
	f.mu.Unlock()
	return &fakeInstance{info: instance.DistributionInformation{ID: d.ID, Name: d.Name, Flavor: instance.FlavorWsl2}}, nil
}

func (f *fakeInstanceFactory) CreateWsl1Instance(ctx context.Context, d registrystore.Distribution) (instance.Instance, error) {
	f.mu.Lock()
	f.wsl1Created++
	f.mu.Unlock()
	return &fakeInstance{info: instance.DistributionInformation{ID: d.ID, Name: d.Name, Flavor: instance.FlavorWsl1}}, nil
}

type fakeVMFactory struct {
	mu      sync.Mutex
	created int
}

func (f *fakeVMFactory) CreateVM(ctx context.Context) (*vm.VM, error) {
	f.mu.Lock()
	f.created++
	f.mu.Unlock()
	// A nil-collaborator VM is fine: these tests never call VM methods
	// that touch the compute-system client directly, only the identity
	// that getOrCreateVM caches.
	return vm.New(vm.Config{}, nil, nil, nil, nil, nil, nil, nil, nil), nil
}

func newTestSession(t *testing.T) (*Session, *regfake.Store, *fakeInstanceFactory, *fakeVMFactory) {
	t.Helper()
	reg := regfake.New()
	instFact := &fakeInstanceFactory{}
	vmFact := &fakeVMFactory{}
	s := New("S-1-5-21-test", 42, reg, vmFact, instFact, nil, nil, -1, 30*time.Second)
	t.Cleanup(s.Close)
	return s, reg, instFact, vmFact
}

func saveWsl1Distro(t *testing.T, reg *regfake.Store, id guid.GUID) {
	t.Helper()
	if err := reg.SaveDistribution(context.Background(), registrystore.Distribution{ID: id, Name: "wsl1distro"}); err != nil {
		t.Fatalf("SaveDistribution: %v", err)
	}
}

func saveWsl2Distro(t *testing.T, reg *regfake.Store, id guid.GUID) {
	t.Helper()
	d := registrystore.Distribution{ID: id, Name: "wsl2distro", Flags: registrystore.FlagVmMode}
	if err := reg.SaveDistribution(context.Background(), d); err != nil {
		t.Fatalf("SaveDistribution: %v", err)
	}
}

func TestCreateInstanceWsl1(t *testing.T) {
	s, reg, instFact, vmFact := newTestSession(t)
	id, _ := guid.NewV4()
	saveWsl1Distro(t, reg, id)

	inst, err := s.CreateInstance(context.Background(), id, nil)
	if err != nil {
		t.Fatalf("CreateInstance: %v", err)
	}
	if inst.GetDistributionID() != id {
		t.Fatalf("got distro id %s, want %s", inst.GetDistributionID(), id)
	}
	if instFact.wsl1Created != 1 || instFact.wsl2Created != 0 {
		t.Fatalf("wsl1Created=%d wsl2Created=%d", instFact.wsl1Created, instFact.wsl2Created)
	}
	if vmFact.created != 0 {
		t.Fatalf("vm created for a wsl1 distro: %d", vmFact.created)
	}
}

func TestCreateInstanceIsIdempotent(t *testing.T) {
	s, reg, instFact, _ := newTestSession(t)
	id, _ := guid.NewV4()
	saveWsl1Distro(t, reg, id)

	first, err := s.CreateInstance(context.Background(), id, nil)
	if err != nil {
		t.Fatalf("first CreateInstance: %v", err)
	}
	second, err := s.CreateInstance(context.Background(), id, nil)
	if err != nil {
		t.Fatalf("second CreateInstance: %v", err)
	}
	if first != second {
		t.Fatalf("expected the same instance to be returned")
	}
	if instFact.wsl1Created != 1 {
		t.Fatalf("wsl1Created=%d, want 1", instFact.wsl1Created)
	}
}

// Racing create-instance calls for distinct WSL2 distributions must boot
// the VM exactly once: the session lock held across CreateInstance already
// serializes the lazy VM creation (SPEC_FULL.md §2).
func TestCreateInstanceWsl2SharesOneVM(t *testing.T) {
	s, reg, _, vmFact := newTestSession(t)
	id1, _ := guid.NewV4()
	id2, _ := guid.NewV4()
	saveWsl2Distro(t, reg, id1)
	saveWsl2Distro(t, reg, id2)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Add(2)
	go func() { defer wg.Done(); _, errs[0] = s.CreateInstance(context.Background(), id1, nil) }()
	go func() { defer wg.Done(); _, errs[1] = s.CreateInstance(context.Background(), id2, nil) }()
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			t.Fatalf("CreateInstance: %v", err)
		}
	}
	if vmFact.created != 1 {
		t.Fatalf("vm created %d times, want 1", vmFact.created)
	}
}

func TestCreateInstanceWhileLockedFails(t *testing.T) {
	s, reg, _, _ := newTestSession(t)
	id, _ := guid.NewV4()
	saveWsl1Distro(t, reg, id)

	if err := s.LockDistribution(context.Background(), id, LockExport); err != nil {
		t.Fatalf("LockDistribution: %v", err)
	}
	if _, err := s.CreateInstance(context.Background(), id, nil); !errdefs.IsAny(err, errdefs.ErrIllegalStateChange) {
		t.Fatalf("CreateInstance on locked distro: %v", err)
	}
}

func TestTerminateDistribution(t *testing.T) {
	s, reg, _, _ := newTestSession(t)
	id, _ := guid.NewV4()
	saveWsl1Distro(t, reg, id)

	inst, err := s.CreateInstance(context.Background(), id, nil)
	if err != nil {
		t.Fatalf("CreateInstance: %v", err)
	}
	if err := s.TerminateDistribution(context.Background(), id); err != nil {
		t.Fatalf("TerminateDistribution: %v", err)
	}
	if !inst.(*fakeInstance).isStopped() {
		t.Fatalf("instance was not stopped")
	}
	if err := s.TerminateDistribution(context.Background(), id); err != errdefs.ErrDistroNotFound {
		t.Fatalf("second TerminateDistribution = %v, want ErrDistroNotFound", err)
	}
}

func TestShutdownWaitStopsEverythingAndBlocksNewInstances(t *testing.T) {
	s, reg, _, _ := newTestSession(t)
	id, _ := guid.NewV4()
	saveWsl1Distro(t, reg, id)

	inst, err := s.CreateInstance(context.Background(), id, nil)
	if err != nil {
		t.Fatalf("CreateInstance: %v", err)
	}
	if err := s.Shutdown(context.Background(), ShutdownWait); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if !inst.(*fakeInstance).isStopped() {
		t.Fatalf("instance was not stopped by shutdown")
	}
	if _, err := s.CreateInstance(context.Background(), id, nil); err != errdefs.ErrServerStopping {
		t.Fatalf("CreateInstance after shutdown = %v, want ErrServerStopping", err)
	}
}

// P9: ForceAfter30Seconds must make progress even if the lock is
// (simulated as) held by another in-flight operation past the timeout.
func TestShutdownForceAfter30SecondsMakesProgress(t *testing.T) {
	s, reg, _, _ := newTestSession(t)
	s.forceAfterTimeout = 30 * time.Millisecond
	id, _ := guid.NewV4()
	saveWsl1Distro(t, reg, id)
	if _, err := s.CreateInstance(context.Background(), id, nil); err != nil {
		t.Fatalf("CreateInstance: %v", err)
	}

	// Hold the lock out-of-band to force the timeout escalation path.
	<-s.lockCh
	done := make(chan error, 1)
	go func() { done <- s.Shutdown(context.Background(), ShutdownForceAfter30Seconds) }()

	time.Sleep(60 * time.Millisecond)
	s.lockCh <- struct{}{}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Shutdown: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("ForceAfter30Seconds shutdown never completed")
	}
}

func TestUnregisterDistributionReselectsDefault(t *testing.T) {
	s, reg, _, _ := newTestSession(t)
	ctx := context.Background()
	id1, _ := guid.NewV4()
	id2, _ := guid.NewV4()
	saveWsl1Distro(t, reg, id1)
	saveWsl1Distro(t, reg, id2)
	if err := reg.SetDefaultDistribution(ctx, id1); err != nil {
		t.Fatalf("SetDefaultDistribution: %v", err)
	}

	if err := s.UnregisterDistribution(ctx, id1); err != nil {
		t.Fatalf("UnregisterDistribution: %v", err)
	}
	def, has, err := reg.GetDefaultDistribution(ctx)
	if err != nil {
		t.Fatalf("GetDefaultDistribution: %v", err)
	}
	if !has || def != id2 {
		t.Fatalf("default=%s has=%v, want %s", def, has, id2)
	}
}

func TestUnregisterLockedDistributionFails(t *testing.T) {
	s, reg, _, _ := newTestSession(t)
	ctx := context.Background()
	id, _ := guid.NewV4()
	saveWsl1Distro(t, reg, id)
	if err := s.LockDistribution(ctx, id, LockConvert); err != nil {
		t.Fatalf("LockDistribution: %v", err)
	}
	if err := s.UnregisterDistribution(ctx, id); !errdefs.IsAny(err, errdefs.ErrIllegalStateChange) {
		t.Fatalf("UnregisterDistribution on a locked distro: %v", err)
	}
}

func TestSetTimezonePropagatesToRunningAndFutureInstances(t *testing.T) {
	s, reg, _, _ := newTestSession(t)
	ctx := context.Background()
	id1, _ := guid.NewV4()
	id2, _ := guid.NewV4()
	saveWsl1Distro(t, reg, id1)
	saveWsl1Distro(t, reg, id2)

	inst1, err := s.CreateInstance(ctx, id1, nil)
	if err != nil {
		t.Fatalf("CreateInstance: %v", err)
	}

	s.SetTimezone(ctx, "America/Los_Angeles")
	if got := inst1.(*fakeInstance).getTimezone(); got != "America/Los_Angeles" {
		t.Fatalf("running instance timezone = %q", got)
	}

	inst2, err := s.CreateInstance(ctx, id2, nil)
	if err != nil {
		t.Fatalf("CreateInstance: %v", err)
	}
	if got := inst2.(*fakeInstance).getTimezone(); got != "America/Los_Angeles" {
		t.Fatalf("new instance did not inherit current timezone, got %q", got)
	}
}

func TestCookie(t *testing.T) {
	s, _, _, _ := newTestSession(t)
	if s.Cookie() != 42 {
		t.Fatalf("Cookie() = %d, want 42", s.Cookie())
	}
}

// TestGetOrCreateVMFiresOnVmStarted asserts the OnVmStarted hook runs
// exactly once on the first WSL2 instance's VM creation, with a plugin
// that passes the API-version gate (SPEC_FULL.md §3).
func TestGetOrCreateVMFiresOnVmStarted(t *testing.T) {
	reg := regfake.New()
	instFact := &fakeInstanceFactory{}
	vmFact := &fakeVMFactory{}
	host := &fakeHost{}
	s := New("S-1-5-21-test", 42, reg, vmFact, instFact, plugin.New(host), nil, -1, 30*time.Second)
	t.Cleanup(s.Close)

	id, _ := guid.NewV4()
	saveWsl2Distro(t, reg, id)

	if _, err := s.CreateInstance(context.Background(), id, nil); err != nil {
		t.Fatalf("CreateInstance: %v", err)
	}
	if len(host.startedVM) != 1 {
		t.Fatalf("got %d OnVmStarted calls, want 1", len(host.startedVM))
	}
}

// TestGetOrCreateVMAbortsOnPluginRejection asserts a plugin failing
// OnVmStarted aborts VM creation: CreateInstance fails and the VM is
// never published for a later call to reuse.
func TestGetOrCreateVMAbortsOnPluginRejection(t *testing.T) {
	reg := regfake.New()
	instFact := &fakeInstanceFactory{}
	vmFact := &fakeVMFactory{}
	host := &fakeHost{failStart: true}
	s := New("S-1-5-21-test", 42, reg, vmFact, instFact, plugin.New(host), nil, -1, 30*time.Second)
	t.Cleanup(s.Close)

	id, _ := guid.NewV4()
	saveWsl2Distro(t, reg, id)

	if _, err := s.CreateInstance(context.Background(), id, nil); err == nil {
		t.Fatal("expected CreateInstance to fail when a plugin rejects OnVmStarted")
	}
	if instFact.wsl2Created != 0 {
		t.Fatalf("expected no instance to be created after a rejected VM start, got %d", instFact.wsl2Created)
	}
}

// TestShutdownFiresOnVmStopping asserts the VM-lifecycle stopping hook
// fires exactly once during shutdown.
func TestShutdownFiresOnVmStopping(t *testing.T) {
	reg := regfake.New()
	instFact := &fakeInstanceFactory{}
	vmFact := &fakeVMFactory{}
	host := &fakeHost{}
	s := New("S-1-5-21-test", 42, reg, vmFact, instFact, plugin.New(host), nil, -1, 30*time.Second)
	t.Cleanup(s.Close)

	id, _ := guid.NewV4()
	saveWsl2Distro(t, reg, id)
	if _, err := s.CreateInstance(context.Background(), id, nil); err != nil {
		t.Fatalf("CreateInstance: %v", err)
	}

	if err := s.Shutdown(context.Background(), ShutdownWait); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if len(host.stoppingVM) != 1 {
		t.Fatalf("got %d OnVmStopping calls, want 1", len(host.stoppingVM))
	}
}

// TestSetVersionTogglesVMModeFlag covers spec.md §4.9's set-version
// conversion: a successful convert flips FlagVmMode and leaves the
// distribution Installed.
func TestSetVersionTogglesVMModeFlag(t *testing.T) {
	s, reg, _, _ := newTestSession(t)
	ctx := context.Background()
	id, _ := guid.NewV4()
	saveWsl1Distro(t, reg, id)

	convertCalled := false
	err := s.SetVersion(ctx, id, true, func(ctx context.Context, d registrystore.Distribution) error {
		convertCalled = true
		return nil
	})
	if err != nil {
		t.Fatalf("SetVersion: %v", err)
	}
	if !convertCalled {
		t.Fatal("expected convert to be invoked")
	}

	d, err := reg.LoadDistribution(ctx, id)
	if err != nil {
		t.Fatalf("LoadDistribution: %v", err)
	}
	if d.Flags&registrystore.FlagVmMode == 0 {
		t.Fatal("expected FlagVmMode to be set after converting to v2")
	}
	if d.State != registrystore.StateInstalled {
		t.Fatalf("got state %v, want StateInstalled", d.State)
	}
}

// TestSetVersionRestoresStateOnConvertFailure asserts a failing convert
// restores the distribution's previous state instead of leaving it stuck
// Converting (spec.md §7 scope-exit cleanup).
func TestSetVersionRestoresStateOnConvertFailure(t *testing.T) {
	s, reg, _, _ := newTestSession(t)
	ctx := context.Background()
	id, _ := guid.NewV4()
	saveWsl1Distro(t, reg, id)

	err := s.SetVersion(ctx, id, true, func(ctx context.Context, d registrystore.Distribution) error {
		return errors.New("conversion failed")
	})
	if err == nil {
		t.Fatal("expected SetVersion to propagate the convert error")
	}

	d, err := reg.LoadDistribution(ctx, id)
	if err != nil {
		t.Fatalf("LoadDistribution: %v", err)
	}
	if d.State != registrystore.StateInstalled {
		t.Fatalf("got state %v after failed convert, want the restored StateInstalled", d.State)
	}
	if d.Flags&registrystore.FlagVmMode != 0 {
		t.Fatal("FlagVmMode must not be set when convert failed")
	}
}

// TestSetVersionNoopWhenAlreadyInTargetMode asserts SetVersion is a
// no-op (and does not invoke convert) when the distribution is already
// in the requested mode.
func TestSetVersionNoopWhenAlreadyInTargetMode(t *testing.T) {
	s, reg, _, _ := newTestSession(t)
	ctx := context.Background()
	id, _ := guid.NewV4()
	saveWsl1Distro(t, reg, id)

	convertCalled := false
	err := s.SetVersion(ctx, id, false, func(ctx context.Context, d registrystore.Distribution) error {
		convertCalled = true
		return nil
	})
	if err != nil {
		t.Fatalf("SetVersion: %v", err)
	}
	if convertCalled {
		t.Fatal("convert must not be called when the distribution is already in the requested mode")
	}
}

// TestRegisterDistributionWritesShortcutAndProfile asserts
// RegisterDistribution writes the shortcut/terminal-profile files when
// the distribution record carries their paths, and
// UnregisterDistribution removes them again.
func TestRegisterDistributionWritesShortcutAndProfile(t *testing.T) {
	s, reg, _, _ := newTestSession(t)
	ctx := context.Background()
	shortcuts := regfake.NewPathWriter()
	profiles := regfake.NewPathWriter()
	s.SetShortcutWriter(shortcuts)
	s.SetTerminalProfileWriter(profiles)

	id, _ := guid.NewV4()
	d := registrystore.Distribution{
		ID:                  id,
		Name:                "Ubuntu",
		ShortcutPath:         "C:\\shortcut.lnk",
		TerminalProfilePath: "C:\\profile.json",
	}
	if err := s.RegisterDistribution(ctx, d, func(ctx context.Context) error { return nil }); err != nil {
		t.Fatalf("RegisterDistribution: %v", err)
	}
	if !shortcuts.Has(d.ShortcutPath) {
		t.Fatal("expected the shortcut to be written on registration")
	}
	if !profiles.Has(d.TerminalProfilePath) {
		t.Fatal("expected the terminal profile to be written on registration")
	}

	if err := s.UnregisterDistribution(ctx, id); err != nil {
		t.Fatalf("UnregisterDistribution: %v", err)
	}
	if shortcuts.Has(d.ShortcutPath) {
		t.Fatal("expected the shortcut to be removed on unregistration")
	}
	if profiles.Has(d.TerminalProfilePath) {
		t.Fatal("expected the terminal profile to be removed on unregistration")
	}
}
