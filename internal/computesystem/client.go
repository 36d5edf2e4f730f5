// Package computesystem defines the thin contract C10 (the VM) drives
// against the host compute-system API -- create/start/modify/terminate a
// hardware-partitioned virtual machine and its device set. The real
// vmcompute.dll syscall layer is, per spec.md §1, "deliberately out of
// scope": this package only names the shape the teacher's
// internal/hcs.System type and internal/hcs/callback.go's notification
// plumbing expose, so internal/vm can be written and tested without
// re-implementing HCS itself.
package computesystem

import "context"

// ExitReason classifies why a compute system stopped, mirroring spec.md
// §4.8 "Termination": "a reason {Shutdown | Crashed | Unknown} derived
// from the event type".
type ExitReason int

const (
	ExitUnknown ExitReason = iota
	ExitShutdown
	ExitCrashed
)

func (r ExitReason) String() string {
	switch r {
	case ExitShutdown:
		return "Shutdown"
	case ExitCrashed:
		return "Crashed"
	default:
		return "Unknown"
	}
}

// Event is a compute-system notification delivered asynchronously by the
// host service, mirroring internal/hcs/callback.go's hcsNotification
// fan-out.
type Event struct {
	Reason  ExitReason
	Message string
}

// Spec is the JSON-serializable compute-system description C10 builds in
// its boot sequence (spec.md §4.8 step 1): memory, processor, boot, and
// device configuration. Its fields are intentionally untyped here --
// internal/vm owns the actual document shape; this package only needs to
// pass it through to CreateSystem opaquely.
type Spec = map[string]any

// ModifyRequest describes a single device hot-plug/hot-unplug operation
// (SCSI disk attach, GPU add, folder-share registration), mirroring
// internal/hcs's ModifySettingRequest shape.
type ModifyRequest struct {
	ResourcePath string
	RequestType  string // "Add", "Remove", "Update"
	Settings     any
}

// System is a single running compute system, the interface C10 holds in
// place of a concrete *hcs.System.
type System interface {
	ID() string
	Start(ctx context.Context) error
	Modify(ctx context.Context, req ModifyRequest) error
	Terminate(ctx context.Context) error
	// Wait blocks until the system has exited, returning the terminal
	// event that caused it (spec.md §4.8 "Termination").
	Wait(ctx context.Context) (Event, error)
	// Notify registers a callback invoked on every event the compute
	// system raises for the lifetime of the system (exit, crash,
	// kernel-panic, crash-saved-state), mirroring internal/hcs/callback.go.
	Notify(cb func(Event))
}

// Client creates compute systems. Production code backs this with HCS
// RPCs (vmcompute.dll via internal/hcs in the teacher); tests use the fake
// in this package's fake subpackage equivalent -- kept inline here since
// the fake has no platform-specific code to isolate.
type Client interface {
	CreateSystem(ctx context.Context, id string, spec Spec) (System, error)
}
