package instance

import (
	"context"
	"fmt"
	"sync"

	"github.com/Microsoft/go-winio/pkg/guid"

	"github.com/microsoft/WSL-sub002/internal/channel"
	"github.com/microsoft/WSL-sub002/internal/console"
	"github.com/microsoft/WSL-sub002/internal/log"
	"github.com/microsoft/WSL-sub002/internal/protocol"
	"github.com/microsoft/WSL-sub002/internal/registrystore"
)

// wsl2StdioConnCount is N from spec.md §4.7: "the caller then opens N
// hvsocket connections to that port (current N = 5 ...)", in fixed order
// stdin, stdout, stderr, communication channel, interop socket.
const wsl2StdioConnCount = 5

// HvsockDialer opens hvsocket connections to the in-VM session leader's
// port, one per stdio/communication/interop/OOBE stream (spec.md §4.7).
type HvsockDialer interface {
	Dial(ctx context.Context, port uint32) (*channel.Channel, error)
}

// drvfsBucket tracks whether REMOUNT_DRVFS has already been sent for a
// given elevation bucket of this instance (spec.md §4.7: "consulted once
// per {elevation} bucket per instance").
type drvfsBucket struct {
	elevated bool
	mounted  bool
}

// Wsl2Instance is the VM-hosted running-instance variant (spec.md §4.7).
type Wsl2Instance struct {
	initChannel

	distroID   guid.GUID
	clientID   guid.GUID
	distroName string

	console  *console.Manager
	dialer   HvsockDialer
	registry registrystore.Store

	mu       sync.Mutex
	drvfs    map[bool]*drvfsBucket
	pidNS    uint32
	plan9    uint32
	interop  uint32
	runOOBE  bool
	oobeOnce sync.Once
}

// NewWsl2Instance wraps an already-connected init channel (the VM's
// fixed-port callback connection). registry is consulted only by the OOBE
// worker, to clear the run-oobe flag and persist the guest-reported
// default-uid once first-run completes (spec.md §4.7); it may be nil if
// runOOBE is false.
func NewWsl2Instance(distroID guid.GUID, distroName string, ch *channel.Channel, consoleMgr *console.Manager, dialer HvsockDialer, registry registrystore.Store, runOOBE bool) *Wsl2Instance {
	clientID, _ := guid.NewV4()
	return &Wsl2Instance{
		initChannel: initChannel{ch: ch, info: DistributionInformation{ID: distroID, Name: distroName, Flavor: FlavorWsl2}},
		distroID:    distroID,
		clientID:    clientID,
		distroName:  distroName,
		console:     consoleMgr,
		dialer:      dialer,
		registry:    registry,
		drvfs:       make(map[bool]*drvfsBucket),
		runOOBE:     runOOBE,
	}
}

// Start runs the WSL2 initialization handshake, which mirrors WSL1 but
// additionally records the Plan9 port the guest reports and the PID
// namespace id the caller passes in. No interop-server port is captured:
// the configuration response carries none, and the interop field stays
// zero.
func (w *Wsl2Instance) Start(ctx context.Context, cfg protocol.ConfigurationInformationRequest, resolvConf string, pidNS uint32) error {
	if err := w.configure(ctx, cfg); err != nil {
		return err
	}
	w.mu.Lock()
	w.pidNS = pidNS
	w.plan9 = w.snapshot().Plan9Port
	w.mu.Unlock()

	if err := w.updateNetworkInformation(ctx, resolvConf); err != nil {
		return fmt.Errorf("instance(wsl2): initial network information push failed: %w", err)
	}

	return nil
}

// waitForOOBE listens on the dedicated OOBE hvsocket connection (the
// optional sixth stdio connection CreateProcess opens when the caller's
// console extras set AllowOOBE) for the guest's OOBE_RESULT message. On
// success it clears the in-memory and persisted run-oobe flag and updates
// the distribution's default-uid to whatever the guest's first-run
// experience selected (spec.md §4.7 "OOBE"). CreateProcess starts this at
// most once per instance, guarded by oobeOnce, since only the first
// OOBE-carrying process needs it.
func (w *Wsl2Instance) waitForOOBE(ctx context.Context, ch *channel.Channel) {
	msg, err := ch.Receive(ctx)
	if err != nil {
		log.G(ctx).WithError(err).Debug("instance(wsl2): oobe channel closed before a result arrived")
		return
	}
	if msg.Type != protocol.MessageOobeResult {
		log.G(ctx).WithField("type", msg.Type.String()).Warn("instance(wsl2): unexpected message type on oobe channel")
		return
	}
	result, err := protocol.UnmarshalOobeResultMessage(msg.Body)
	if err != nil {
		log.G(ctx).WithError(err).Warn("instance(wsl2): failed to decode OobeResult")
		return
	}
	if !result.Success {
		log.G(ctx).Warn("instance(wsl2): guest reported OOBE failure")
		return
	}

	w.mu.Lock()
	w.runOOBE = false
	w.mu.Unlock()
	w.setDefaultUID(result.DefaultUID)

	if w.registry == nil {
		return
	}
	d, err := w.registry.LoadDistribution(ctx, w.distroID)
	if err != nil {
		log.G(ctx).WithError(err).Warn("instance(wsl2): failed to load distribution record after OOBE")
		return
	}
	d.RunOOBE = false
	d.DefaultUID = result.DefaultUID
	if err := w.registry.SaveDistribution(ctx, d); err != nil {
		log.G(ctx).WithError(err).Warn("instance(wsl2): failed to persist OOBE completion")
	}
}

// ensureDrvfsMounted sends REMOUNT_DRVFS for the given elevation bucket
// if it has not already been sent for this instance (spec.md §4.7 "The
// drive-mount hook is consulted once per {elevation} bucket per
// instance").
func (w *Wsl2Instance) ensureDrvfsMounted(ctx context.Context, elevated bool, req protocol.RemountDrvfsRequest) error {
	w.mu.Lock()
	bucket, ok := w.drvfs[elevated]
	if !ok {
		bucket = &drvfsBucket{elevated: elevated}
		w.drvfs[elevated] = bucket
	}
	if bucket.mounted {
		w.mu.Unlock()
		return nil
	}
	w.mu.Unlock()

	req.Admin = elevated
	if err := w.ch.Send(ctx, req.Marshal()); err != nil {
		return fmt.Errorf("instance(wsl2): remount drvfs failed: %w", err)
	}

	w.mu.Lock()
	bucket.mounted = true
	w.mu.Unlock()
	return nil
}

// CreateProcess implements the two-phase WSL2 launch protocol: consult the
// drive-mount hook for this process's elevation bucket (spec.md §4.7),
// obtain or create a session leader in C8, send CREATE_PROCESS_UTILITY_VM
// on it, then open N hvsocket connections to the returned port in the
// fixed stdin/stdout/stderr/comm/interop(/oobe) order and retain them on
// the returned handle instead of discarding them.
func (w *Wsl2Instance) CreateProcess(ctx context.Context, params CreateProcessParams) (*ProcessHandle, error) {
	console_ := params.ConsoleExtras
	elevated := console_ != nil && console_.Elevated

	if err := w.ensureDrvfsMounted(ctx, elevated, protocol.RemountDrvfsRequest{
		DrivesBitmap:      params.DrivesBitmap,
		NonReadableBitmap: params.NonReadableBitmap,
		DefaultUID:        w.snapshot().DefaultUID,
	}); err != nil {
		return nil, err
	}

	leader, err := w.console.GetSessionLeader(ctx, params.ConsoleKey, params.ConsoleData, params.ClientProcess)
	if err != nil {
		return nil, fmt.Errorf("instance(wsl2): get session leader: %w", err)
	}

	req := &protocol.CreateProcessRequest{
		DefaultUID:    w.snapshot().DefaultUID,
		Filename:      params.Filename,
		Cwd:           params.Cwd,
		CommandLine:   params.CommandLine,
		Environment:   params.Environment,
		NtEnvironment: params.NtEnvironment,
		ShellOptions:  params.ShellOptions,
		NtPath:        params.NtPath,
		Username:      params.Username,
		Flags:         params.Flags,
		Console:       console_,
	}

	msg, err := leader.Transaction(ctx, req.Marshal())
	if err != nil {
		return nil, fmt.Errorf("instance(wsl2): create process transaction failed: %w", err)
	}
	if msg.Type != protocol.MessageCreateProcessUtilityVmResponse {
		return nil, fmt.Errorf("instance(wsl2): unexpected reply type %s to CreateProcessUtilityVm", msg.Type)
	}
	resp, err := protocol.UnmarshalCreateProcessUtilityVmResponse(msg.Body)
	if err != nil {
		return nil, fmt.Errorf("instance(wsl2): decode response: %w", err)
	}

	wantOOBE := console_ != nil && console_.AllowOOBE
	n := wsl2StdioConnCount
	if wantOOBE {
		n++
	}
	conns := make([]*channel.Channel, 0, n)
	for i := 0; i < n; i++ {
		c, err := w.dialer.Dial(ctx, resp.Port)
		if err != nil {
			for _, opened := range conns {
				opened.Close()
			}
			return nil, fmt.Errorf("instance(wsl2): dial stdio connection %d of %d: %w", i+1, n, err)
		}
		conns = append(conns, c)
	}

	stdio := &Wsl2Stdio{
		Stdin:   conns[0],
		Stdout:  conns[1],
		Stderr:  conns[2],
		Comm:    conns[3],
		Interop: conns[4],
	}
	if wantOOBE {
		stdio.Oobe = conns[5]
		if w.runOOBE {
			w.oobeOnce.Do(func() {
				go w.waitForOOBE(context.Background(), stdio.Oobe)
			})
		}
	}

	g, _ := guid.NewV4()
	return &ProcessHandle{Pid: g, Stdio: stdio}, nil
}

func (w *Wsl2Instance) UpdateTimezone(ctx context.Context, tz string) error {
	return w.updateTimezone(ctx, tz)
}

func (w *Wsl2Instance) UpdateNetworkInformation(ctx context.Context, resolvConf string) error {
	return w.updateNetworkInformation(ctx, resolvConf)
}

func (w *Wsl2Instance) RequestStop(ctx context.Context) error {
	return w.terminate(ctx)
}

// Stop for WSL2 is simpler than WSL1: the instance's lifetime is tied to
// the VM and its session leaders, which C10/C8 tear down; this only needs
// to terminate the guest-side instance over the init channel.
func (w *Wsl2Instance) Stop(ctx context.Context) error {
	return w.terminate(ctx)
}

func (w *Wsl2Instance) GetClientID() guid.GUID      { return w.clientID }
func (w *Wsl2Instance) GetDistributionID() guid.GUID { return w.distroID }

func (w *Wsl2Instance) DistributionInformation() DistributionInformation {
	info := w.snapshot()
	info.ID = w.distroID
	info.Name = w.distroName
	info.Flavor = FlavorWsl2
	return info
}

var _ Instance = (*Wsl2Instance)(nil)
