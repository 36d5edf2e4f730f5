// Package plugin defines the opaque registry of lifecycle hook tables
// spec.md §1 scopes out ("Plugin loading and COM activation glue") while
// still giving C11 a concrete surface to dispatch against, per its error
// handling policy in spec.md §7 ("Plugin failures") and the API-version
// gate recovered from PluginManager.cpp (SPEC_FULL.md §2.6/§3).
package plugin

import (
	"context"
	"fmt"

	"github.com/Microsoft/go-winio/pkg/guid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/microsoft/WSL-sub002/internal/errdefs"
	"github.com/microsoft/WSL-sub002/internal/log"
)

// MinimumAPIVersion is the host's minimum required plugin API version; a
// plugin advertising less fails the gate in Manager.CheckVersions
// (spec.md §6 "PluginRequiresUpdate").
const MinimumAPIVersion = 2

// Host is a single registered plugin's lifecycle hook table. A plugin
// that does not care about a given hook embeds NopHost and overrides only
// what it needs.
type Host interface {
	Name() string
	APIVersion() int
	OnVmStarted(ctx context.Context, vmID guid.GUID) error
	OnVmStopping(ctx context.Context, vmID guid.GUID)
	OnDistributionStarted(ctx context.Context, distroID guid.GUID) error
	OnDistributionStopping(ctx context.Context, distroID guid.GUID)
}

// NopHost is embeddable by plugins that only implement a subset of Host.
type NopHost struct{}

func (NopHost) OnVmStarted(ctx context.Context, vmID guid.GUID) error               { return nil }
func (NopHost) OnVmStopping(ctx context.Context, vmID guid.GUID)                    {}
func (NopHost) OnDistributionStarted(ctx context.Context, distroID guid.GUID) error { return nil }
func (NopHost) OnDistributionStopping(ctx context.Context, distroID guid.GUID)      {}

// Manager fans C11's lifecycle events out to every registered Host,
// applying spec.md §7's per-hook failure policy: a starting hook's
// failure aborts the operation and surfaces the plugin's message; a
// stopping hook's failure is logged only.
type Manager struct {
	hosts []Host
}

// New returns a Manager dispatching to hosts in registration order.
func New(hosts ...Host) *Manager {
	return &Manager{hosts: hosts}
}

// CheckVersions returns errdefs.ErrPluginRequiresUpdate if any registered
// plugin advertises an API version below MinimumAPIVersion. C11 calls
// this before OnVmStarted fires for any plugin (spec.md §7, SPEC_FULL.md
// §3 "Plugin API-version gate").
func (m *Manager) CheckVersions() error {
	for _, h := range m.hosts {
		if h.APIVersion() < MinimumAPIVersion {
			return errors.Wrapf(errdefs.ErrPluginRequiresUpdate, "plugin %q advertises API version %d, minimum is %d", h.Name(), h.APIVersion(), MinimumAPIVersion)
		}
	}
	return nil
}

// OnVmStarted invokes every host's OnVmStarted in order, stopping at (and
// returning) the first failure -- spec.md §7: "a plugin returning failure
// from OnVmStarted/OnDistributionStarted aborts the starting operation
// and surfaces the plugin's last user-visible message."
func (m *Manager) OnVmStarted(ctx context.Context, vmID guid.GUID) error {
	for _, h := range m.hosts {
		if err := h.OnVmStarted(ctx, vmID); err != nil {
			return fmt.Errorf("plugin %q: OnVmStarted: %w", h.Name(), err)
		}
	}
	return nil
}

// OnVmStopping invokes every host's OnVmStopping hook in order. Stopping
// hooks have no error return, so there is nothing to propagate; unlike
// OnDistributionStopping, a hook that panics is not recovered.
func (m *Manager) OnVmStopping(ctx context.Context, vmID guid.GUID) {
	for _, h := range m.hosts {
		h.OnVmStopping(ctx, vmID)
	}
}

// OnDistributionStarted mirrors OnVmStarted for the per-distribution hook.
func (m *Manager) OnDistributionStarted(ctx context.Context, distroID guid.GUID) error {
	for _, h := range m.hosts {
		if err := h.OnDistributionStarted(ctx, distroID); err != nil {
			return fmt.Errorf("plugin %q: OnDistributionStarted: %w", h.Name(), err)
		}
	}
	return nil
}

// OnDistributionStopping invokes every host's per-distribution stopping
// hook in order, recovering and logging a hook that panics.
func (m *Manager) OnDistributionStopping(ctx context.Context, distroID guid.GUID) {
	for _, h := range m.hosts {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.G(ctx).WithFields(logrus.Fields{
						"plugin": h.Name(),
						"panic":  r,
					}).Error("plugin: OnDistributionStopping hook panicked, ignoring")
				}
			}()
			h.OnDistributionStopping(ctx, distroID)
		}()
	}
}
