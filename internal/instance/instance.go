// Package instance implements C9: the per-distribution running-instance
// control object, in its two flavors -- WSL1 (pico-process, kernel-mode
// subsystem) and WSL2 (VM-hosted) -- described in spec.md §4.6/§4.7. Both
// flavors share the init-port message channel built on C2/internal/protocol
// and the create-process/stop/timezone operations; the flavors differ in
// how a process's stdio is plumbed and how the init channel itself is
// obtained.
package instance

import (
	"context"
	"fmt"
	"sync"

	"github.com/Microsoft/go-winio/pkg/guid"

	"github.com/microsoft/WSL-sub002/internal/channel"
	"github.com/microsoft/WSL-sub002/internal/console"
	"github.com/microsoft/WSL-sub002/internal/lifetime"
	"github.com/microsoft/WSL-sub002/internal/protocol"
)

// Flavor distinguishes the WSL1 pico-process variant from the WSL2
// VM-hosted variant (spec.md §4.6/§4.7).
type Flavor int

const (
	FlavorWsl1 Flavor = iota
	FlavorWsl2
)

func (f Flavor) String() string {
	if f == FlavorWsl1 {
		return "WSL1"
	}
	return "WSL2"
}

// DistributionInformation is the read-only snapshot an instance exposes
// about the distribution it is running (spec.md §4.6: "Per-distribution
// control object: owns ... default-uid, ... ").
type DistributionInformation struct {
	ID         guid.GUID
	Name       string
	Flavor     Flavor
	DefaultUID uint32
	OSFlavor   string // distro-reported OS flavor string, e.g. "Ubuntu"
	OSVersion  string
	InitPid    uint32
	Plan9Port  uint32 // WSL2 only: the guest's P9 redirector connection target (spec.md §4.7)
}

// CreateProcessParams is the caller-supplied half of a create-process
// request; fields that are flavor-specific (WSL2 console extras) are
// filled in by the flavor implementation.
type CreateProcessParams struct {
	Filename      string
	Cwd           string
	CommandLine   []string
	Environment   []string
	NtEnvironment []string
	ShellOptions  uint32
	NtPath        string
	Username      string
	Flags         protocol.CreateProcessFlags
	UseCWD        bool

	// The following are consulted only by the WSL2 flavor, which needs a
	// session leader (C8) and a lifetime registration (C3) before it can
	// even send CreateProcess; WSL1 ignores them (spec.md §4.6 vs §4.7).
	ConsoleKey        console.Key
	ConsoleData       console.ConsoleData
	ClientProcess     lifetime.Process
	ConsoleExtras     *protocol.Wsl2ConsoleExtras
	DrivesBitmap      uint32 // drvfs: drives to (re)mount for this process's elevation bucket
	NonReadableBitmap uint32
}

// ProcessHandle is what a successful create-process call returns: enough
// to track the process's lifetime (for C3 registration) and, for WSL1,
// its NT process handle; for WSL2, the set of hvsocket connections that
// plumb its stdio.
type ProcessHandle struct {
	Pid guid.GUID // opaque per-flavor identity (NT pid or guest pid)

	// Stdio is set only by the WSL2 flavor: the fixed-order hvsocket
	// connections the caller opened to the session leader's returned port
	// (spec.md §4.7), retained here so the caller can relay them instead
	// of the connections leaking unused.
	Stdio *Wsl2Stdio
}

// Wsl2Stdio holds the fixed-order hvsocket connections opened against a
// WSL2 CreateProcessUtilityVm response: stdin, stdout, stderr, the
// communication channel, the interop socket, and (only when the caller
// requested it) the OOBE result channel (spec.md §4.7). The caller owns
// these and must Close each when the process's relay is done with it.
type Wsl2Stdio struct {
	Stdin    *channel.Channel
	Stdout   *channel.Channel
	Stderr   *channel.Channel
	Comm     *channel.Channel
	Interop  *channel.Channel
	Oobe     *channel.Channel // nil unless the console extras requested OOBE
}

// Instance is the common surface C11 (session) drives against either
// flavor.
type Instance interface {
	CreateProcess(ctx context.Context, params CreateProcessParams) (*ProcessHandle, error)
	UpdateTimezone(ctx context.Context, tz string) error
	UpdateNetworkInformation(ctx context.Context, resolvConf string) error
	RequestStop(ctx context.Context) error
	Stop(ctx context.Context) error
	GetClientID() guid.GUID
	GetDistributionID() guid.GUID
	DistributionInformation() DistributionInformation
}

// initChannel is the shared plumbing both flavors use to run the
// CONFIGURATION_INFORMATION handshake and send NETWORK_INFORMATION
// updates (spec.md §4.6 steps 1-3, §4.7 "Initialization message
// exchange").
type initChannel struct {
	ch *channel.Channel

	mu   sync.Mutex
	info DistributionInformation
}

// configure runs the CONFIGURATION_INFORMATION / _RESPONSE handshake and
// records what the guest reported back (spec.md §4.6 steps 1-2).
func (c *initChannel) configure(ctx context.Context, req protocol.ConfigurationInformationRequest) error {
	msg, err := c.ch.Transaction(ctx, req.Marshal())
	if err != nil {
		return fmt.Errorf("instance: configuration information handshake failed: %w", err)
	}
	if msg.Type != protocol.MessageConfigurationInformationResponse {
		return fmt.Errorf("instance: unexpected reply type %s to ConfigurationInformation", msg.Type)
	}
	resp, err := protocol.UnmarshalConfigurationInformationResponse(msg.Body)
	if err != nil {
		return fmt.Errorf("instance: decode ConfigurationInformationResponse: %w", err)
	}

	c.mu.Lock()
	c.info.DefaultUID = resp.DefaultUID
	c.info.InitPid = resp.InitPid
	c.info.Plan9Port = resp.Plan9Port
	c.info.OSFlavor = resp.Flavor
	c.info.OSVersion = resp.OsVersion
	c.mu.Unlock()
	return nil
}

// updateNetworkInformation sends the current resolv.conf contents to the
// guest; called once at startup and again whenever host connectivity
// changes (spec.md §4.6 step 3).
func (c *initChannel) updateNetworkInformation(ctx context.Context, resolvConf string) error {
	req := &protocol.NetworkInformationRequest{ResolvConf: resolvConf}
	return c.ch.Send(ctx, req.Marshal())
}

func (c *initChannel) updateTimezone(ctx context.Context, tz string) error {
	req := &protocol.TimezoneInformationRequest{Timezone: tz}
	return c.ch.Send(ctx, req.Marshal())
}

func (c *initChannel) terminate(ctx context.Context) error {
	req := &protocol.TerminateInstanceRequest{}
	msg, err := c.ch.Transaction(ctx, req.Marshal())
	if err != nil {
		return fmt.Errorf("instance: terminate request failed: %w", err)
	}
	resp, err := protocol.UnmarshalTerminateInstanceResponse(msg.Body)
	if err != nil {
		return fmt.Errorf("instance: decode TerminateInstanceResponse: %w", err)
	}
	if !resp.Success {
		return fmt.Errorf("instance: guest reported failure terminating instance")
	}
	return nil
}

// setDefaultUID updates the recorded default-uid outside the configure
// handshake, for the WSL2 OOBE worker to apply the guest's post-first-run
// selection (spec.md §4.7 "OOBE").
func (c *initChannel) setDefaultUID(uid uint32) {
	c.mu.Lock()
	c.info.DefaultUID = uid
	c.mu.Unlock()
}

func (c *initChannel) snapshot() DistributionInformation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.info
}
