package session

import (
	"context"

	"github.com/microsoft/WSL-sub002/internal/instance"
	"github.com/microsoft/WSL-sub002/internal/log"
)

// ProxySettings is the subset of WinHTTP/WinINet proxy configuration the
// guest's network stack needs (SPEC_FULL.md §3 "HTTP proxy change
// tracking").
type ProxySettings struct {
	HTTPProxy  string
	HTTPSProxy string
	NoProxy    []string
}

// Equal reports whether p and other describe the same proxy
// configuration, so ProxyWatcher implementations can suppress
// no-op change notifications.
func (p ProxySettings) Equal(other ProxySettings) bool {
	if p.HTTPProxy != other.HTTPProxy || p.HTTPSProxy != other.HTTPSProxy {
		return false
	}
	if len(p.NoProxy) != len(other.NoProxy) {
		return false
	}
	for i, v := range p.NoProxy {
		if other.NoProxy[i] != v {
			return false
		}
	}
	return true
}

// ProxyWatcher reports the host's current WinHTTP/WinINet proxy
// configuration and delivers a value on Changed whenever it changes. The
// real implementation polls golang.org/x/sys/windows/registry's
// WinHTTP/WinINet proxy keys for change notifications; tests substitute
// a channel-backed fake.
type ProxyWatcher interface {
	Current(ctx context.Context) (ProxySettings, error)
	Changed() <-chan ProxySettings
}

// ProxyTracker watches for host proxy configuration changes and records
// them against the session's running WSL2 instances, grounded on
// LxssUserSession.cpp's proxy tracker.
type ProxyTracker struct {
	sess    *Session
	watcher ProxyWatcher
	cancel  context.CancelFunc
}

// StartProxyTracker begins watching watcher for proxy changes and
// propagating them to sess's running WSL2 instances. Call the returned
// Stop when the session shuts down.
func StartProxyTracker(sess *Session, watcher ProxyWatcher) *ProxyTracker {
	ctx, cancel := context.WithCancel(context.Background())
	t := &ProxyTracker{sess: sess, watcher: watcher, cancel: cancel}
	go t.run(ctx)
	return t
}

func (t *ProxyTracker) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case settings, ok := <-t.watcher.Changed():
			if !ok {
				return
			}
			t.broadcast(ctx, settings)
		}
	}
}

// broadcast pushes a NETWORK_INFORMATION update (spec.md §6) to every
// running WSL2 instance's init channel on a proxy change (SPEC_FULL.md §3
// "pushing a NetworkInformation message to every running WSL2 instance's
// init channel on change"). The wire message itself only ever carries
// resolv.conf contents; the proxy settings are folded into that same
// refresh rather than growing a parallel message type, matching how
// SetTimezone re-pushes its own init-channel update on change.
func (t *ProxyTracker) broadcast(ctx context.Context, settings ProxySettings) {
	unlock, _ := t.sess.lock(ctx)
	targets := make([]instance.Instance, 0, len(t.sess.runningInstances))
	for _, inst := range t.sess.runningInstances {
		if inst.DistributionInformation().Flavor == instance.FlavorWsl2 {
			targets = append(targets, inst)
		}
	}
	resolvConf := t.sess.resolvConf
	unlock()

	for _, inst := range targets {
		if err := inst.UpdateNetworkInformation(ctx, resolvConf); err != nil {
			log.G(ctx).WithError(err).WithField("distroId", inst.GetDistributionID().String()).Warn("session: failed to push proxy-triggered network update to instance")
		}
	}

	log.G(ctx).WithFields(map[string]interface{}{
		"httpProxy":     settings.HTTPProxy,
		"httpsProxy":    settings.HTTPSProxy,
		"wsl2Instances": len(targets),
	}).Info("session: proxy configuration changed")
}

// Stop cancels the tracker's background goroutine.
func (t *ProxyTracker) Stop() {
	t.cancel()
}
