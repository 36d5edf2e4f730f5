//go:build windows
// +build windows

// Command wslservice is the host-side process that owns C11/C12: the
// per-user session factory and everything it lazily constructs (VM,
// running instances, plugin dispatch). The RPC surface callers use to
// reach C12 (COM activation, named-pipe control channel, whatever the
// real service exposes) is out of scope (spec.md §1's Non-goals); this
// binary's job ends at bringing the process up with the right ambient
// stack -- logging, tracing, configuration -- wired the way the teacher's
// own cmd/*/main.go entrypoints are.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"go.opencensus.io/trace"

	"github.com/microsoft/WSL-sub002/internal/config"
	"github.com/microsoft/WSL-sub002/internal/log"
	"github.com/microsoft/WSL-sub002/internal/netengine"
	"github.com/microsoft/WSL-sub002/internal/oc"
	"github.com/microsoft/WSL-sub002/internal/plugin"
)

func main() {
	logLevel := flag.String("loglevel", "info", "Logging level: debug, info, warning, error, fatal, panic.")
	logFile := flag.String("logfile", "", "Logging target: an optional file path. Omit for console output.")
	logFormat := flag.String("log-format", "text", "Logging format: text or json")
	bootTimeout := flag.Duration("boot-timeout", config.DefaultBootTimeout, "How long a VM waits for the guest init callback before failing to start.")
	networkMode := flag.String("network-mode", "nat", "Networking engine mode: none, nat, mirrored, virtioproxy.")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage of %s:\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if *logFile != "" {
		f, err := os.OpenFile(*logFile, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0600)
		if err != nil {
			logrus.WithError(err).Fatal("wslservice: failed to open log file")
		}
		logrus.SetOutput(f)
	}
	switch *logFormat {
	case "text":
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	default:
		logrus.WithField("log-format", *logFormat).Fatal("wslservice: unknown log-format")
	}
	level, err := logrus.ParseLevel(*logLevel)
	if err != nil {
		logrus.WithError(err).Fatal("wslservice: invalid loglevel")
	}
	logrus.SetLevel(level)
	logrus.AddHook(log.NewHook())

	trace.ApplyConfig(trace.Config{DefaultSampler: oc.DefaultSampler})

	ctx := context.Background()
	cfg := config.Default()
	cfg.BootTimeout = *bootTimeout

	mode := parseNetworkMode(*networkMode)
	eng := netengine.New(mode)
	_ = eng // unused here; C10 selects the engine per VM at boot time. parseNetworkMode maps unrecognised values to NAT rather than rejecting them.

	plugins := plugin.New()
	if err := plugins.CheckVersions(); err != nil {
		// The authoritative gate re-runs on every VM start
		// (session.Session.getOrCreateVM); this one just fails the
		// process fast if a registered plugin is already too old.
		log.G(ctx).WithError(err).Fatal("wslservice: plugin API version gate failed")
	}

	// sessionfactory.New(builder) wants a Builder that constructs a
	// session.Session, which in turn wants a VMFactory/InstanceFactory
	// backed by the concrete ComputeSystemClient/RegistryStore/
	// AccessGranter/etc. adapters. Those are syscall-level HCS/registry
	// glue spec.md §1 scopes out entirely; wiring them here would mean
	// inventing production code the spec never asked for. Everything
	// above this line -- config, logging, tracing, the plugin gate -- is
	// the part of process start-up this module owns.

	log.G(ctx).WithFields(logrus.Fields{
		"bootTimeout": cfg.BootTimeout,
		"network":     mode.String(),
	}).Info("wslservice: started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	log.G(ctx).Info("wslservice: shutting down")
}

func parseNetworkMode(s string) netengine.Mode {
	switch s {
	case "none":
		return netengine.ModeNone
	case "mirrored":
		return netengine.ModeMirrored
	case "virtioproxy":
		return netengine.ModeVirtioProxy
	default:
		return netengine.ModeNAT
	}
}
