// Package registrystore defines the persistence contract (spec.md §6
// "Persisted state (registry layout)") that C11/C12 drive: one subkey per
// distribution GUID under HKCU\...\Lxss, a top-level default-distribution
// pointer, and per-attached-disk mount-persistence subkeys. Per spec.md
// §1 the registry is "deliberately out of scope" as a collaborator this
// module merely talks to -- this package is the thin adapter seam, with a
// fake (registrystore/fake) backing every test.
package registrystore

import (
	"context"

	"github.com/Microsoft/go-winio/pkg/guid"
)

// DistributionState mirrors spec.md §3's registration lifecycle states.
type DistributionState int

const (
	StateInstalling DistributionState = iota
	StateInstalled
	StateUninstalling
	StateConverting
	StateExporting
	StateInvalid
)

func (s DistributionState) String() string {
	switch s {
	case StateInstalling:
		return "Installing"
	case StateInstalled:
		return "Installed"
	case StateUninstalling:
		return "Uninstalling"
	case StateConverting:
		return "Converting"
	case StateExporting:
		return "Exporting"
	default:
		return "Invalid"
	}
}

// Flags is the distribution flags bitfield (spec.md §3 "Distribution
// flags").
type Flags uint32

const (
	FlagAppendNtPath Flags = 1 << iota
	FlagEnableDriveMounting
	FlagEnableInterop
	FlagVmMode
)

// Distribution is the persisted registration record (spec.md §3
// "Distribution registration").
type Distribution struct {
	ID                  guid.GUID
	Name                string
	Version             uint32
	BasePath            string
	VhdFilename         string
	Flags               Flags
	DefaultUID          uint32
	PackageFamilyName   string
	Flavor              string
	OsVersion           string
	ShortcutPath        string
	TerminalProfilePath string
	State               DistributionState
	RunOOBE             bool
	DefaultEnvironment  []string // ordered KEY=VALUE sequence
}

// DiskMount is one persisted disk-mount record (spec.md §6 "Disk
// mounts").
type DiskMount struct {
	VMID      guid.GUID
	DiskPath  string
	DiskType  string
	Partition uint32
	MountName string
	Type      string
	Options   string
}

// ShortcutWriter creates and removes the Start-menu shortcut file gated on
// a distribution's ShortcutPath (spec.md §3 "Distribution registration":
// "shortcut-path: path?"). The real Windows implementation writes a .lnk
// via IShellLink; that COM surface is out of scope per spec.md §1, so this
// is an injected collaborator like every other filesystem/COM dependency
// this package hands off to the process's composition root. A nil Session
// writer (the default) makes shortcut management a no-op.
type ShortcutWriter interface {
	Write(ctx context.Context, path string, d Distribution) error
	Remove(ctx context.Context, path string) error
}

// TerminalProfileWriter installs and removes the Windows Terminal fragment
// profile gated on a distribution's TerminalProfilePath (spec.md §3
// "terminal-profile-path: path?").
type TerminalProfileWriter interface {
	Write(ctx context.Context, path string, d Distribution) error
	Remove(ctx context.Context, path string) error
}

// Store is the persistence surface C11/C12 drive. Every method is
// synchronous and safe for concurrent use; the real (Windows) adapter
// serializes through the registry's own per-key locking, the fake through
// an in-memory mutex.
type Store interface {
	SaveDistribution(ctx context.Context, d Distribution) error
	LoadDistribution(ctx context.Context, id guid.GUID) (Distribution, error)
	DeleteDistribution(ctx context.Context, id guid.GUID) error
	ListDistributions(ctx context.Context) ([]Distribution, error)

	GetDefaultDistribution(ctx context.Context) (guid.GUID, bool, error)
	SetDefaultDistribution(ctx context.Context, id guid.GUID) error

	SaveDiskMount(ctx context.Context, vmID guid.GUID, diskPath string, mounts []DiskMount) error
	DeleteDiskMount(ctx context.Context, vmID guid.GUID, diskPath string) error
	ListDiskMounts(ctx context.Context, vmID guid.GUID) ([]DiskMount, error)
	ClearDiskMounts(ctx context.Context, vmID guid.GUID) error
}
