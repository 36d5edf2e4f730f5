// Package netengine defines the NetworkEngine seam C10 wires to a VM:
// spec.md §1 scopes "networking engine implementations (NAT/virtio/
// mirrored)" out as opaque packet-plane collaborators the core only
// selects, starts, and stops. SPEC_FULL.md §2.3 keeps that boundary but
// still gives C10 a concrete, testable thing to hold in its "networking:
// optional<engine>" state (spec.md §3).
package netengine

import (
	"context"
	"fmt"

	"github.com/microsoft/WSL-sub002/internal/log"
)

// Mode selects which engine a VM is configured to use, mirroring the
// teacher's WslCoreNetworkingSettings mode enum.
type Mode int

const (
	ModeNone Mode = iota
	ModeNAT
	ModeMirrored
	ModeVirtioProxy
)

func (m Mode) String() string {
	switch m {
	case ModeNAT:
		return "nat"
	case ModeMirrored:
		return "mirrored"
	case ModeVirtioProxy:
		return "virtioproxy"
	default:
		return "none"
	}
}

// VM is the minimal surface an engine needs from the owning C10 instance:
// its compute-system id. internal/vm satisfies this directly.
type VM interface {
	ID() string
}

// NetworkEngine is the selection+lifecycle+channel-wiring seam spec.md §1
// describes: "the core owns the selection, lifecycle, and channel wiring,
// not the packet logic."
type NetworkEngine interface {
	Mode() Mode
	Attach(ctx context.Context, vm VM) error
	Detach(ctx context.Context) error
}

// New returns the stub engine for mode. Every stub logs its lifecycle
// transitions and does nothing else -- the actual packet-plane
// implementation is the out-of-scope external collaborator.
func New(mode Mode) NetworkEngine {
	return &stub{mode: mode}
}

type stub struct {
	mode Mode
}

func (s *stub) Mode() Mode { return s.mode }

func (s *stub) Attach(ctx context.Context, vm VM) error {
	if s.mode == ModeNone {
		return nil
	}
	log.G(ctx).WithField("vm-id", vm.ID()).Infof("netengine(%s): attach", s.mode)
	return nil
}

func (s *stub) Detach(ctx context.Context) error {
	if s.mode == ModeNone {
		return nil
	}
	log.G(ctx).Infof("netengine(%s): detach", s.mode)
	return nil
}

// ErrUnsupportedMode is returned by callers that validate a configured
// mode against the host's capabilities before calling New.
type ErrUnsupportedMode struct {
	Mode Mode
}

func (e *ErrUnsupportedMode) Error() string {
	return fmt.Sprintf("netengine: unsupported mode %s", e.Mode)
}
