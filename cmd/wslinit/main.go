//go:build linux
// +build linux

// Command wslinit is the guest-side init binary (module identity §0): it
// dials the host over vsock for its init channel (C2), then wires the
// in-guest DNS tunneling server (C4) to that channel's DNS-tunneling pair
// (C5). Broader init-protocol dispatch (CreateProcess, timezone/network
// updates) is handled by the per-flavor instance code on the host side
// that drives this channel; this binary only needs to exist and keep the
// DNS path alive for as long as the channel does.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/linuxkit/virtsock/pkg/vsock"
	"github.com/sirupsen/logrus"

	"github.com/microsoft/WSL-sub002/internal/channel"
	"github.com/microsoft/WSL-sub002/internal/dns"
	"github.com/microsoft/WSL-sub002/internal/dnstunnel"
	"github.com/microsoft/WSL-sub002/internal/log"
	"github.com/microsoft/WSL-sub002/internal/logfields"
	"github.com/microsoft/WSL-sub002/internal/protocol"
)

// initChannelPort is the vsock port the host listens on for the guest
// init channel; it must match the port the host's VM boot sequence binds
// (internal/vm), so it is not user-configurable.
const initChannelPort = 0x40000000

func main() {
	logLevel := flag.String("loglevel", "info", "Logging level: debug, info, warning, error, fatal, panic.")
	dnsBindAddr := flag.String("dns-bind-address", "127.0.0.53", "IPv4 address the in-guest DNS server binds to.")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage of %s:\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	level, err := logrus.ParseLevel(*logLevel)
	if err != nil {
		logrus.WithError(err).Fatal("wslinit: invalid loglevel")
	}
	logrus.SetLevel(level)
	logrus.AddHook(log.NewHook())

	ctx := context.Background()
	ch, err := dialInitChannel(initChannelPort)
	if err != nil {
		log.G(ctx).WithError(err).Fatal("wslinit: failed to dial host init channel")
	}
	defer ch.Close()

	var dnsServer *dns.Server
	tunnelCallback := func(ctx context.Context, msg protocol.DnsTunnelingMessage) {
		if err := dnstunnel.Send(ctx, ch, msg); err != nil {
			log.G(ctx).WithError(err).WithField(logfields.MessageID, msg.ID).Warn("wslinit: failed to tunnel dns query to host")
		}
	}

	dnsServer, err = dns.ListenAndServe(ctx, *dnsBindAddr, tunnelCallback)
	if err != nil {
		log.G(ctx).WithError(err).Fatal("wslinit: failed to start dns server")
	}
	defer dnsServer.Close()

	log.G(ctx).WithField("dnsBindAddress", *dnsBindAddr).Info("wslinit: started")

	// Every DnsTunneling message arriving on the init channel is a host
	// response destined for dnsServer.Deliver; any other message type
	// belongs to the instance-level dispatch the host side owns and is
	// logged, not handled, here.
	for {
		msg, err := ch.ReceiveOrClosed()
		if err != nil {
			log.G(ctx).WithError(err).Warn("wslinit: init channel closed")
			return
		}
		if msg.Type != protocol.MessageDnsTunneling {
			log.G(ctx).WithField(logfields.MessageTyp, msg.Type.String()).Debug("wslinit: ignoring non-dns message on init channel")
			continue
		}
		decoded, err := protocol.UnmarshalDnsTunnelingMessage(msg.Body)
		if err != nil {
			log.G(ctx).WithError(err).Warn("wslinit: failed to decode dns tunneling message")
			continue
		}
		dnsServer.Deliver(ctx, *decoded)
	}
}

// dialInitChannel dials the host's init channel listener over vsock,
// retrying past the transient ETIMEDOUT vsock returns while the host side
// is still coming up (mirrors the teacher's guest vsock transport).
func dialInitChannel(port uint32) (*channel.Channel, error) {
	var lastErr error
	for i := 0; i < 10; i++ {
		conn, err := vsock.Dial(vsock.CIDHost, port)
		if err == nil {
			return channel.New(conn), nil
		}
		lastErr = err
		time.Sleep(100 * time.Millisecond)
	}
	return nil, fmt.Errorf("wslinit: vsock dial port %#x failed after retries: %w", port, lastErr)
}
