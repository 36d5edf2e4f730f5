// Package errdefs implements the uniform failure envelope (C1) and the
// domain error categories exposed across the session/instance lifecycle
// manager (spec.md §6/§7).
package errdefs

import (
	"errors"
	"fmt"
	"runtime"
)

// SyscallError wraps a failed call to an external collaborator (a driver
// ioctl, a Win32 API, an HCS RPC) with enough context to diagnose it
// without re-running the call: the originating call name, a stringified
// dump of its arguments, the errno/HRESULT it returned, and the source
// location that made the call. It is never silently swallowed; callers on
// non-fatal paths log it and continue instead of discarding it outright.
type SyscallError struct {
	// Op is the originating call name, e.g. "HcsCreateComputeSystem" or
	// "bind(AF_HYPERV)".
	Op string
	// Args is a best-effort stringification of the call's arguments.
	Args string
	// Errno is the raw error the call returned (an errno, NTSTATUS, or
	// HRESULT depending on the collaborator).
	Errno error
	// Source is "file.go:line" captured via runtime.Caller at the call site.
	Source string
}

// NewSyscallError builds a SyscallError, capturing the caller's source
// location. skip is the number of additional stack frames to skip past
// NewSyscallError itself, for wrapper functions that call this on a
// caller's behalf (0 from a direct call site).
func NewSyscallError(op string, args string, errno error, skip int) *SyscallError {
	_, file, line, ok := runtime.Caller(1 + skip)
	src := "unknown"
	if ok {
		src = fmt.Sprintf("%s:%d", file, line)
	}
	return &SyscallError{Op: op, Args: args, Errno: errno, Source: src}
}

func (e *SyscallError) Error() string {
	return fmt.Sprintf("%s(%s): %v (%s)", e.Op, e.Args, e.Errno, e.Source)
}

func (e *SyscallError) Unwrap() error {
	return e.Errno
}

func (e *SyscallError) Is(target error) bool {
	return errors.Is(e.Errno, target)
}

// Wrap is a convenience constructor used at call sites that only need to
// name the call and capture its error, with no argument dump.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return NewSyscallError(op, "", err, 1)
}
