// Package vm implements C10: the per-user HCS virtual machine that hosts
// WSL2 running instances (C9). It owns boot, the attached-disk and
// folder-share tables, crash-dump capture, and termination, all serialized
// by a single VM-level mutex except the crash-dump thread (spec.md §4.8,
// §5 "Per VM").
package vm

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/Microsoft/go-winio/pkg/guid"
	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/microsoft/WSL-sub002/internal/computesystem"
	"github.com/microsoft/WSL-sub002/internal/log"
	"github.com/microsoft/WSL-sub002/internal/logfields"
	"github.com/microsoft/WSL-sub002/internal/netengine"
	"github.com/microsoft/WSL-sub002/internal/protocol"
)

// AttachedDisk is a single SCSI VHD attachment (spec.md §3 "Attached disk").
type AttachedDisk struct {
	Lun           uint32
	Path          string
	DeviceNode    string
	AccessGranted bool
}

// ShareImplementation distinguishes the two mutually exclusive folder
// share backends (spec.md §3 "Folder share").
type ShareImplementation int

const (
	SharePlan9 ShareImplementation = iota
	ShareVirtioFs
)

// FolderShare is one host-path share exposed to the guest (spec.md §3).
type FolderShare struct {
	ShareID            guid.GUID
	LinuxPath          string
	Implementation     ShareImplementation
	DeviceInstanceID   guid.GUID // only set for ShareVirtioFs
	Plan9Port          uint32    // only set for SharePlan9
}

// AccessGranter grants/revokes VM access to a host path, the collaborator
// behind HCS's "grant VM access" RPC (spec.md §4.8 "attach_disk": "on an
// access-denied error the first time, grant VM access to the path and
// retry").
type AccessGranter interface {
	Grant(ctx context.Context, path string) error
	Revoke(ctx context.Context, path string) error
}

// ErrAccessDenied is returned by a ComputeSystem.Modify call that fails
// because the VM lacks access to the target path; VM.AttachDisk treats
// this specifically as the one-retry-after-grant case.
var ErrAccessDenied = errors.New("vm: access denied")

// Plan9Mounter mounts a Windows path as a Plan9 share on a fixed port,
// impersonating the caller's token (spec.md §4.8 "add_share").
type Plan9Mounter interface {
	Mount(ctx context.Context, windowsPath string, readOnly bool, userToken uintptr) (port uint32, err error)
	Unmount(ctx context.Context, port uint32) error
}

// VirtiofsRegistrar registers a host path with the guest-device manager
// for a virtiofs share (spec.md §4.8 "add_share").
type VirtiofsRegistrar interface {
	Register(ctx context.Context, windowsPath string, readOnly bool) (deviceInstanceID guid.GUID, err error)
	Unregister(ctx context.Context, deviceInstanceID guid.GUID) error
}

// InitListener accepts the single guest-init callback connection on the
// VM's fixed well-known port (spec.md §4.8 step 2/4).
type InitListener interface {
	Accept(ctx context.Context) (io.ReadWriteCloser, error)
	Close() error
}

// CrashDumpListener accepts crash-dump connections one at a time on the
// VM's dedicated crash-dump port (spec.md §4.8 "Crash capture").
type CrashDumpListener interface {
	Accept(ctx context.Context) (io.ReadWriteCloser, error)
	Close() error
}

// CrashStorage persists crash artifacts to the user's per-VM crash
// directory and enforces the retention counts named in spec.md §4.8.
type CrashStorage interface {
	// SaveCrashDump writes header+body to <dir>/<name>.dmp, then prunes
	// to keep at most the given number of files bearing the "wsl-crash"
	// prefix and ".dmp" suffix in that directory.
	SaveCrashDump(ctx context.Context, dir, name string, header protocol.CrashDumpHeader, body io.Reader) error
	// SaveKernelPanic writes logText to <dir>/<name>.txt and prunes to keep.
	SaveKernelPanic(ctx context.Context, dir, name, logText string, keep int) error
	// PreserveSavedState copies the .vmrs file at srcPath into dir under
	// name and prunes to keep.
	PreserveSavedState(ctx context.Context, dir, name, srcPath string, keep int) error
}

// Config bundles the boot-time parameters spec.md §3/§4.8 attribute to a
// VM's state.
type Config struct {
	ID              guid.GUID
	UserSID         string
	UserToken       uintptr
	MemoryMB        uint64
	ProcessorCount  uint32
	CrashDumpDir    string
	SavedStateFile  string
	BootTimeout     time.Duration
	FeatureFlags    uint32
	NetworkingMode  netengine.Mode
	VirtiofsEnabled bool
	GPUMirroring    bool
}

// TerminationReason mirrors computesystem.ExitReason in the VM's own
// vocabulary (spec.md §4.8 "Termination": "a reason {Shutdown | Crashed |
// Unknown}").
type TerminationReason = computesystem.ExitReason

// VM is C10: the per-user HCS virtual machine.
type VM struct {
	cfg    Config
	client computesystem.Client
	system computesystem.System
	net    netengine.NetworkEngine

	granter  AccessGranter
	p9       Plan9Mounter
	virtiofs VirtiofsRegistrar

	initListener InitListener
	crashListen  CrashDumpListener
	crashStorage CrashStorage

	initChannel io.ReadWriteCloser // the accepted guest-init callback connection

	mu      sync.Mutex
	disks   map[uint32]*AttachedDisk
	shares  map[guid.GUID]*FolderShare
	nextLun uint32

	exitOnce    sync.Once
	exitCh      chan struct{}
	exitReason  TerminationReason
	onTerminate func(reason TerminationReason, message string)
}

// New constructs a VM. Boot does not happen until Start is called.
func New(cfg Config, client computesystem.Client, net netengine.NetworkEngine, granter AccessGranter, p9 Plan9Mounter, virtiofs VirtiofsRegistrar, initListener InitListener, crashListen CrashDumpListener, crashStorage CrashStorage) *VM {
	return &VM{
		cfg:          cfg,
		client:       client,
		net:          net,
		granter:      granter,
		p9:           p9,
		virtiofs:     virtiofs,
		initListener: initListener,
		crashListen:  crashListen,
		crashStorage: crashStorage,
		disks:        make(map[uint32]*AttachedDisk),
		shares:       make(map[guid.GUID]*FolderShare),
		exitCh:       make(chan struct{}),
	}
}

// ID returns the VM's identity, satisfying netengine.VM.
func (v *VM) ID() string { return v.cfg.ID.String() }

// GUID returns the VM's identity as a guid.GUID, for collaborators (plugin
// dispatch) that need the structured form rather than its string rendering.
func (v *VM) GUID() guid.GUID { return v.cfg.ID }

// OnTerminate registers the external sink invoked once, with the
// termination reason, when the compute system exits (spec.md §3 "VM ...
// termination-callback: optional<external sink>").
func (v *VM) OnTerminate(cb func(reason TerminationReason, message string)) {
	v.mu.Lock()
	v.onTerminate = cb
	v.mu.Unlock()
}

// buildSpec assembles the JSON-able compute-system description (spec.md
// §4.8 step 1): memory, processors, boot block, console, HvSocket
// defaults, and the two system SCSI VHDs.
func (v *VM) buildSpec() computesystem.Spec {
	return computesystem.Spec{
		"MemoryMB":       v.cfg.MemoryMB,
		"ProcessorCount": v.cfg.ProcessorCount,
		"FeatureFlags":   v.cfg.FeatureFlags,
		"GPUMirroring":   v.cfg.GPUMirroring,
	}
}

// Start runs the boot sequence (spec.md §4.8): build the spec, create the
// listen sockets, start the compute system, accept the init connection
// within BootTimeout, and, if requested, hot-add the GPU mirroring
// resource. On any failure the partially started VM is torn down.
func (v *VM) Start(ctx context.Context) error {
	sys, err := v.client.CreateSystem(ctx, v.cfg.ID.String(), v.buildSpec())
	if err != nil {
		return fmt.Errorf("vm: create compute system: %w", err)
	}
	v.system = sys
	v.system.Notify(v.handleEvent)

	g, gctx := errgroup.WithContext(ctx)
	var initConn io.ReadWriteCloser
	g.Go(func() error {
		return v.system.Start(gctx)
	})
	g.Go(func() error {
		acceptCtx, cancel := context.WithTimeout(gctx, v.cfg.BootTimeout)
		defer cancel()
		conn, err := v.initListener.Accept(acceptCtx)
		if err != nil {
			return fmt.Errorf("vm: accept guest init callback: %w", err)
		}
		initConn = conn
		return nil
	})
	if err := g.Wait(); err != nil {
		v.teardownPartialStart(ctx)
		return err
	}
	v.initChannel = initConn

	if err := v.net.Attach(ctx, v); err != nil {
		v.teardownPartialStart(ctx)
		return fmt.Errorf("vm: attach networking engine: %w", err)
	}

	if v.cfg.GPUMirroring {
		if err := v.system.Modify(ctx, computesystem.ModifyRequest{ResourcePath: "VirtualMachine/Devices/Gpu", RequestType: "Add"}); err != nil {
			v.teardownPartialStart(ctx)
			return fmt.Errorf("vm: add GPU resource: %w", err)
		}
	}

	go v.runCrashCapture(context.Background())
	log.G(ctx).WithField(logfields.VMID, v.cfg.ID.String()).Info("vm: started")
	return nil
}

func (v *VM) teardownPartialStart(ctx context.Context) {
	if v.system != nil {
		_ = v.system.Terminate(ctx)
	}
	if v.initListener != nil {
		_ = v.initListener.Close()
	}
}

// InitChannel returns the accepted guest-init callback connection, for
// C11 to wrap in internal/channel and hand to new C9 instances.
func (v *VM) InitChannel() io.ReadWriteCloser {
	return v.initChannel
}

// --- Disk attach (P1, P6) ---

// AttachDisk implements spec.md §4.8 "attach_disk": choose the smallest
// unused LUN, attempt to add the VHD, and on an access-denied error the
// first time, grant VM access and retry once (backoff.Retry with
// MaxRetries=1 via a WithMaxRetries wrapper). Any failure leaves the LUN
// pool, access-grant set, and disk table unchanged (P6).
func (v *VM) AttachDisk(ctx context.Context, path string, readOnly bool) (uint32, error) {
	v.mu.Lock()
	lun := v.smallestFreeLunLocked()
	// Reserve the LUN under the lock before releasing it across the
	// blocking Modify call below, so a concurrent AttachDisk can't pick
	// the same slot (P1: the VM mutex is the serialization point).
	v.disks[lun] = &AttachedDisk{Lun: lun, Path: path}
	v.mu.Unlock()

	granted := false
	op := func() error {
		err := v.system.Modify(ctx, computesystem.ModifyRequest{
			ResourcePath: fmt.Sprintf("VirtualMachine/Devices/Scsi/0/%d", lun),
			RequestType:  "Add",
			Settings:     map[string]any{"Path": path, "ReadOnly": readOnly},
		})
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrAccessDenied) || granted {
			return backoff.Permanent(err)
		}
		if gerr := v.granter.Grant(ctx, path); gerr != nil {
			return backoff.Permanent(fmt.Errorf("vm: grant VM access to %s: %w", path, gerr))
		}
		granted = true
		return err // retry once now that access has been granted
	}

	b := backoff.WithMaxRetries(backoff.NewConstantBackOff(0), 1)
	if err := backoff.Retry(op, b); err != nil {
		v.mu.Lock()
		delete(v.disks, lun)
		v.mu.Unlock()
		if granted {
			_ = v.granter.Revoke(ctx, path)
		}
		return 0, fmt.Errorf("vm: attach disk %s: %w", path, err)
	}

	v.mu.Lock()
	v.disks[lun] = &AttachedDisk{Lun: lun, Path: path, AccessGranted: granted}
	if lun >= v.nextLun {
		v.nextLun = lun + 1
	}
	v.mu.Unlock()

	log.G(ctx).WithFields(logrus.Fields{logfields.LUN: lun, logfields.HostPath: path}).Info("vm: disk attached")
	return lun, nil
}

// smallestFreeLunLocked returns the smallest non-negative integer not in
// v.disks (spec.md §3 "LUN values are allocated as the smallest
// non-negative unused integer per VM", P1). Caller holds v.mu.
func (v *VM) smallestFreeLunLocked() uint32 {
	used := make([]uint32, 0, len(v.disks))
	for lun := range v.disks {
		used = append(used, lun)
	}
	sort.Slice(used, func(i, j int) bool { return used[i] < used[j] })
	var want uint32
	for _, lun := range used {
		if lun != want {
			break
		}
		want++
	}
	return want
}

// DetachDisk removes the VHD at lun from the VM's SCSI table and revokes
// its VM-access grant if one was made (spec.md §3 invariant 5).
func (v *VM) DetachDisk(ctx context.Context, lun uint32) error {
	v.mu.Lock()
	disk, ok := v.disks[lun]
	v.mu.Unlock()
	if !ok {
		return fmt.Errorf("vm: no disk attached at lun %d", lun)
	}

	if err := v.system.Modify(ctx, computesystem.ModifyRequest{
		ResourcePath: fmt.Sprintf("VirtualMachine/Devices/Scsi/0/%d", lun),
		RequestType:  "Remove",
	}); err != nil {
		return fmt.Errorf("vm: detach disk at lun %d: %w", lun, err)
	}
	if disk.AccessGranted {
		if err := v.granter.Revoke(ctx, disk.Path); err != nil {
			log.G(ctx).WithError(err).Warn("vm: failed to revoke VM access on detach")
		}
	}

	v.mu.Lock()
	delete(v.disks, lun)
	v.mu.Unlock()
	return nil
}

// ListDisks returns a snapshot of the attached-disk table.
func (v *VM) ListDisks() []AttachedDisk {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]AttachedDisk, 0, len(v.disks))
	for _, d := range v.disks {
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Lun < out[j].Lun })
	return out
}

// --- Folder shares ---

// AddShare implements spec.md §4.8 "add_share": register a virtiofs
// device when enabled, else mount a Plan9 share impersonating the
// caller's token. linux-path uniqueness is enforced by the caller (C11).
func (v *VM) AddShare(ctx context.Context, windowsPath, linuxPath string, readOnly bool) (guid.GUID, error) {
	id, err := guid.NewV4()
	if err != nil {
		return guid.GUID{}, fmt.Errorf("vm: generate share id: %w", err)
	}

	share := &FolderShare{ShareID: id, LinuxPath: linuxPath}
	if v.cfg.VirtiofsEnabled {
		devID, err := v.virtiofs.Register(ctx, windowsPath, readOnly)
		if err != nil {
			return guid.GUID{}, fmt.Errorf("vm: register virtiofs share: %w", err)
		}
		share.Implementation = ShareVirtioFs
		share.DeviceInstanceID = devID
	} else {
		port, err := v.p9.Mount(ctx, windowsPath, readOnly, v.cfg.UserToken)
		if err != nil {
			return guid.GUID{}, fmt.Errorf("vm: mount plan9 share: %w", err)
		}
		share.Implementation = SharePlan9
		share.Plan9Port = port
	}

	v.mu.Lock()
	v.shares[id] = share
	v.mu.Unlock()
	return id, nil
}

// RemoveShare tears down a previously added share.
func (v *VM) RemoveShare(ctx context.Context, id guid.GUID) error {
	v.mu.Lock()
	share, ok := v.shares[id]
	v.mu.Unlock()
	if !ok {
		return fmt.Errorf("vm: no share %s", id)
	}

	var err error
	switch share.Implementation {
	case ShareVirtioFs:
		err = v.virtiofs.Unregister(ctx, share.DeviceInstanceID)
	default:
		err = v.p9.Unmount(ctx, share.Plan9Port)
	}
	if err != nil {
		return fmt.Errorf("vm: remove share %s: %w", id, err)
	}

	v.mu.Lock()
	delete(v.shares, id)
	v.mu.Unlock()
	return nil
}

// ListShares returns a snapshot of the folder-share table.
func (v *VM) ListShares() []FolderShare {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]FolderShare, 0, len(v.shares))
	for _, s := range v.shares {
		out = append(out, *s)
	}
	return out
}

// --- Termination (spec.md §4.8 "Termination") ---

func (v *VM) handleEvent(ev computesystem.Event) {
	v.exitOnce.Do(func() {
		v.mu.Lock()
		v.exitReason = ev.Reason
		cb := v.onTerminate
		v.mu.Unlock()
		close(v.exitCh)
		if cb != nil {
			cb(ev.Reason, ev.Message)
		}
	})
}

// Exited returns a channel closed once the compute system has exited.
func (v *VM) Exited() <-chan struct{} { return v.exitCh }

// ExitReason returns the terminal reason, valid only after Exited() is closed.
func (v *VM) ExitReason() TerminationReason {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.exitReason
}

// Terminate requests an orderly shutdown of the compute system, then
// waits up to ExitWaitTimeout for it to exit; if it has not, force
// terminates (spec.md §4.8 "On destruction, wait up to 5 s on the exit
// event; if still alive, force-terminate"). A VM whose Start never
// created a compute system has nothing to terminate and returns nil.
func (v *VM) Terminate(ctx context.Context, exitWait time.Duration) error {
	if v.system == nil {
		return nil
	}
	if err := v.system.Terminate(ctx); err != nil {
		log.G(ctx).WithError(err).Warn("vm: terminate request failed, will force")
	}
	select {
	case <-v.Exited():
		return nil
	case <-time.After(exitWait):
	}
	return v.system.Terminate(ctx)
}

// runCrashCapture is C10's dedicated crash thread (spec.md §4.8 "Crash
// capture"): accepts one crash-dump connection at a time, reads a
// PROCESS_CRASH message, writes the sanitized dump file, acks with a zero
// result, and relays the rest of the connection to the file.
func (v *VM) runCrashCapture(ctx context.Context) {
	for {
		conn, err := v.crashListen.Accept(ctx)
		if err != nil {
			log.G(ctx).WithError(err).Debug("vm: crash-dump listener stopped")
			return
		}
		v.handleCrashConnection(ctx, conn)
	}
}

func (v *VM) handleCrashConnection(ctx context.Context, conn io.ReadWriteCloser) {
	defer conn.Close()

	br := bufio.NewReader(conn)
	fixed := make([]byte, crashDumpFixedHeaderSize)
	if _, err := io.ReadFull(br, fixed); err != nil {
		log.G(ctx).WithError(err).Warn("vm: crash-dump header read failed")
		return
	}
	name, err := br.ReadString(0)
	if err != nil {
		log.G(ctx).WithError(err).Warn("vm: crash-dump process name read failed")
		return
	}
	name = name[:len(name)-1] // drop the NUL terminator ReadString stopped at

	header, _, err := protocol.UnmarshalCrashDumpHeader(append(append([]byte(nil), fixed...), append([]byte(name), 0)...))
	if err != nil {
		log.G(ctx).WithError(err).Warn("vm: crash-dump header decode failed")
		return
	}

	// Acknowledge with a zero result before draining the payload, per
	// spec.md §6: "the receiver writes the server's 32-bit result back on
	// the same channel before draining the payload." A guest that waits
	// for this ack before streaming the dump body would otherwise
	// deadlock against SaveCrashDump below.
	if _, err := conn.Write([]byte{0, 0, 0, 0}); err != nil {
		log.G(ctx).WithError(err).Warn("vm: crash-dump ack write failed")
		return
	}

	dumpName := fmt.Sprintf("wsl-crash-%d-%d-%s-%d", header.Timestamp, header.Pid, sanitizeProcessName(header.ProcessName), header.Signal)
	if err := v.crashStorage.SaveCrashDump(ctx, v.cfg.CrashDumpDir, dumpName, *header, br); err != nil {
		log.G(ctx).WithError(err).Error("vm: failed to save crash dump")
		return
	}
}

const crashDumpFixedHeaderSize = 16

func sanitizeProcessName(name string) string {
	out := make([]rune, 0, len(name))
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}

// HandleKernelPanic persists a kernel-panic log and the paired saved-state
// file when the compute-system callback reports a panic/crash-saved-state
// event (spec.md §4.8).
func (v *VM) HandleKernelPanic(ctx context.Context, timestamp int64, logText string) error {
	name := fmt.Sprintf("kernel-panic-%d-%s", timestamp, v.cfg.ID.String())
	if err := v.crashStorage.SaveKernelPanic(ctx, v.cfg.CrashDumpDir, name, logText, 3); err != nil {
		return fmt.Errorf("vm: save kernel panic log: %w", err)
	}
	if v.cfg.SavedStateFile != "" {
		vmrs := filepath.Base(v.cfg.SavedStateFile)
		if err := v.crashStorage.PreserveSavedState(ctx, v.cfg.CrashDumpDir, name, v.cfg.SavedStateFile, 3); err != nil {
			return fmt.Errorf("vm: preserve saved state %s: %w", vmrs, err)
		}
	}
	return nil
}
