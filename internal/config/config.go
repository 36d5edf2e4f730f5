// Package config holds the process-wide tunables named throughout
// spec.md §5 (idle/boot/retry timeouts, DNS bind address, disk-mount
// policy) as a single struct loaded once at service start, per
// SPEC_FULL.md §1.3.
package config

import (
	"net"
	"time"
)

// Defaults match the spec's stated defaults (spec.md §5 "Timeouts").
const (
	DefaultInstanceReceiveTimeout  = 30 * time.Second
	DefaultCallbackRetryInterval  = 60 * time.Second
	DefaultForceAfterTimeout       = 30 * time.Second
	DefaultExitWaitTimeout         = 5 * time.Second
	DefaultBootTimeout             = 30 * time.Second
	DefaultCrashDumpRetentionCount = 10
	DefaultKernelPanicRetention    = 3
	DefaultSavedStateRetention     = 3
)

// Config is the process-wide tunable set, loaded once at service start
// from the registry-backed config store and otherwise immutable for the
// lifetime of the process (SPEC_FULL.md §1.3).
type Config struct {
	// InstanceIdleTimeout arms the per-session idle-VM shutdown timer
	// (spec.md §4.9 "Idle termination"). Negative disables it.
	InstanceIdleTimeout time.Duration

	// BootTimeout bounds how long a VM waits for the guest init
	// callback connection before failing to start (spec.md §4.8 step 4).
	BootTimeout time.Duration

	// InstanceReceiveTimeout bounds a WSL1 instance's wait for the
	// CONFIGURATION_INFORMATION_RESPONSE during create (spec.md §5).
	InstanceReceiveTimeout time.Duration

	// CallbackRetryInterval is C3's nominal callback-redelivery period
	// (spec.md §4.2, §5: "60s ± 1s").
	CallbackRetryInterval time.Duration

	// ForceAfterTimeout is how long ForceAfter30Seconds waits to acquire
	// the session lock before escalating to Force (spec.md §4.9, §5).
	ForceAfterTimeout time.Duration

	// ExitWaitTimeout bounds how long VM destruction waits on the exit
	// event before force-terminating (spec.md §4.8 "Termination").
	ExitWaitTimeout time.Duration

	// DNSBindAddress is the IPv4 address C4 binds its UDP/TCP :53
	// listeners to inside the guest (spec.md §4.3).
	DNSBindAddress net.IP

	// DiskMountingEnabled gates the disk-attach/mount surface; when
	// false, attach_disk requests fail with errdefs.ErrDiskMountDisabled.
	DiskMountingEnabled bool

	// Wsl1Enabled/Wsl1SupportedByHost gate WSL1 instance creation per
	// spec.md §6's Wsl1Disabled/Wsl1NotSupported error codes.
	Wsl1Enabled        bool
	Wsl1SupportedByHost bool

	// DisabledByPolicy gates C12's GetOrCreate entirely (spec.md §4.10).
	DisabledByPolicy bool

	// CrashDumpRetention/KernelPanicRetention/SavedStateRetention bound
	// how many crash artifacts C10 keeps per category (spec.md §4.8).
	CrashDumpRetention   int
	KernelPanicRetention int
	SavedStateRetention  int
}

// Default returns a Config populated with the spec's stated defaults.
func Default() Config {
	return Config{
		InstanceIdleTimeout:    8 * time.Second,
		BootTimeout:            DefaultBootTimeout,
		InstanceReceiveTimeout: DefaultInstanceReceiveTimeout,
		CallbackRetryInterval:  DefaultCallbackRetryInterval,
		ForceAfterTimeout:      DefaultForceAfterTimeout,
		ExitWaitTimeout:        DefaultExitWaitTimeout,
		DNSBindAddress:         net.IPv4(127, 0, 0, 53),
		DiskMountingEnabled:    true,
		Wsl1Enabled:            true,
		Wsl1SupportedByHost:    true,
		DisabledByPolicy:       false,
		CrashDumpRetention:     DefaultCrashDumpRetentionCount,
		KernelPanicRetention:   DefaultKernelPanicRetention,
		SavedStateRetention:    DefaultSavedStateRetention,
	}
}
