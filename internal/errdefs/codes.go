package errdefs

import "errors"

// Domain error categories (spec.md §6 "Error codes", §7). Tested with
// errors.Is; a category is never the zero value of a Go error interface,
// so a failed type/sentinel comparison is always explicit.
var (
	ErrDistroNotFound        = errors.New("distribution not found")
	ErrDistroNotStopped      = errors.New("distribution is still running")
	ErrDefaultDistroNotFound = errors.New("no default distribution is configured")
	ErrDistroNameInvalid     = errors.New("distribution name is invalid")
	ErrVmModeInvalidState    = errors.New("distribution is not in a state compatible with VM mode")
	ErrWsl1NotSupported      = errors.New("WSL1 is not supported on this host")
	ErrWsl1Disabled          = errors.New("WSL1 is disabled by policy")
	ErrWsl2Needed            = errors.New("this operation requires WSL2")
	ErrDiskMountDisabled     = errors.New("disk mounting is disabled by policy")
	ErrDiskCorrupted         = errors.New("disk image is corrupted")
	ErrImportFailed          = errors.New("distribution import failed")
	ErrExportFailed          = errors.New("distribution export failed")
	ErrLowerIntegrity        = errors.New("source has lower integrity than destination")
	ErrHigherIntegrity       = errors.New("source has higher integrity than destination")
	ErrDistroNotaLinuxDistro = errors.New("path does not contain a valid Linux distribution")
	ErrPluginRequiresUpdate  = errors.New("a registered plugin requires an update")
	ErrServerStopping        = errors.New("the server is stopping and cannot service this request")

	// ErrIllegalStateChange is returned when an operation attempts to
	// mutate a locked distribution (spec.md §7 "Locked-distribution
	// violations"). Use IllegalStateChange to attach the call site.
	ErrIllegalStateChange = errors.New("illegal state change")
)

// IllegalStateChange wraps ErrIllegalStateChange with the call site that
// attempted the mutation, e.g. "unregister-distribution".
type IllegalStateChangeError struct {
	CallSite string
}

func (e *IllegalStateChangeError) Error() string {
	return "illegal state change: " + e.CallSite + " on a locked distribution"
}

func (e *IllegalStateChangeError) Is(target error) bool {
	return target == ErrIllegalStateChange
}

func IllegalStateChange(callSite string) error {
	return &IllegalStateChangeError{CallSite: callSite}
}

// IsAny is a vectorized errors.Is, matching the teacher's
// internal/hcs.IsAny helper.
func IsAny(err error, targets ...error) bool {
	for _, t := range targets {
		if errors.Is(err, t) {
			return true
		}
	}
	return false
}
