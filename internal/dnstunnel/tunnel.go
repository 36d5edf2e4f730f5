// Package dnstunnel implements C5: the host-side pairing between the
// per-instance protocol channel (C2) and the in-guest DNS server (C4).
// Outbound, it marshals a DnsTunnelingMessage and writes it to the
// channel; inbound, its receive loop decodes DnsTunneling messages coming
// back from the guest and dispatches them by correlation id to whatever
// resolver answered the query on the host's behalf.
package dnstunnel

import (
	"context"

	"github.com/microsoft/WSL-sub002/internal/channel"
	"github.com/microsoft/WSL-sub002/internal/log"
	"github.com/microsoft/WSL-sub002/internal/logfields"
	"github.com/microsoft/WSL-sub002/internal/protocol"
)

// Resolver answers a single tunneled DNS query on the host's behalf (e.g.
// by relaying it to the host's configured resolver) and returns the raw
// response bytes to send back to the guest.
type Resolver interface {
	Resolve(ctx context.Context, proto protocol.DnsProtocol, query []byte) ([]byte, error)
}

// Tunnel pumps DnsTunneling messages between a Channel and a Resolver.
// One Tunnel is created per running instance's C9<->C4 pairing.
type Tunnel struct {
	ch       *channel.Channel
	resolver Resolver
}

// New returns a Tunnel that reads guest DNS queries off ch and answers
// them via resolver.
func New(ch *channel.Channel, resolver Resolver) *Tunnel {
	return &Tunnel{ch: ch, resolver: resolver}
}

// Run reads DnsTunneling messages from the channel until it closes or ctx
// is done, answering each one concurrently so a slow upstream lookup
// never blocks unrelated in-flight queries (spec.md §4.3 allows UDP and
// TCP requests to complete out of order).
func (t *Tunnel) Run(ctx context.Context) error {
	for {
		msg, err := t.ch.ReceiveOrClosed()
		if err != nil {
			return err
		}
		if msg.Type != protocol.MessageDnsTunneling {
			log.G(ctx).WithField(logfields.MessageTyp, msg.Type.String()).Warn("dnstunnel: unexpected message type, ignoring")
			continue
		}
		in, err := protocol.UnmarshalDnsTunnelingMessage(msg.Body)
		if err != nil {
			log.G(ctx).WithError(err).Warn("dnstunnel: failed to decode DnsTunneling message")
			continue
		}
		go t.answer(ctx, in)
	}
}

func (t *Tunnel) answer(ctx context.Context, in *protocol.DnsTunnelingMessage) {
	resp, err := t.resolver.Resolve(ctx, in.Protocol, in.Buffer)
	if err != nil {
		log.G(ctx).WithError(err).WithFields(map[string]interface{}{
			logfields.MessageID: in.ID,
			logfields.Protocol:  in.Protocol,
		}).Warn("dnstunnel: resolve failed, dropping query")
		return
	}
	out := &protocol.DnsTunnelingMessage{
		Protocol: in.Protocol,
		ID:       in.ID,
		Buffer:   resp,
	}
	if err := t.ch.Send(ctx, out.Marshal()); err != nil {
		log.G(ctx).WithError(err).WithField(logfields.MessageID, in.ID).Warn("dnstunnel: failed to send response")
	}
}

// Send tunnels a raw guest-bound query or response message over the
// channel; used by the in-guest side (cmd/wslinit) to hand the DNS server
// (C4)'s requests to the host.
func Send(ctx context.Context, ch *channel.Channel, msg protocol.DnsTunnelingMessage) error {
	return ch.Send(ctx, msg.Marshal())
}
