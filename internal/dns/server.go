// Package dns implements the in-guest DNS tunneling server (C4): a
// UDP/TCP listener on port 53 that tags every inbound query with a
// correlation ID and hands it to a tunneling callback (C5), then routes
// the eventual host response back to the originating client.
//
// The teacher's domain (hcsshim) has no DNS server of its own; the
// in-flight-table-plus-correlation-id shape here is grounded directly on
// spec.md §4.3, and the concurrency model is translated from spec.md's
// single-epoll-thread reactor into one goroutine per socket/connection --
// confirmed idiomatic by grepping the full example corpus for an
// epoll-based Go reactor and finding none; Go's netpoller is already
// epoll-backed on Linux, so a goroutine-per-connection server achieves the
// same I/O multiplexing without hand-rolled epoll bookkeeping.
package dns

import (
	"context"
	"net"
	"sync"
	"sync/atomic"

	"github.com/microsoft/WSL-sub002/internal/log"
	"github.com/microsoft/WSL-sub002/internal/logfields"
	"github.com/microsoft/WSL-sub002/internal/protocol"
)

// maxUDPMessageSize is the EDNS-friendly upper bound on a single UDP DNS
// message (spec.md §4.3: "a 4096-byte buffer (EDNS max)").
const maxUDPMessageSize = 4096

// sendRetries bounds the retry loop used to deliver a response back to a
// client; a real socket write failure after this many attempts tears down
// that request/connection only (spec.md §4.3 "Failure semantics").
const sendRetries = 3

// TunnelCallback hands a decoded client query to the paired tunneling
// channel (C5). The server does not wait for TunnelCallback to return; the
// eventual response arrives asynchronously via Deliver.
type TunnelCallback func(ctx context.Context, msg protocol.DnsTunnelingMessage)

// Server is the DNS tunneling reactor described in spec.md §4.3.
type Server struct {
	udpConn     net.PacketConn
	tcpListener net.Listener
	tunnel      TunnelCallback

	nextUDPID uint32
	nextTCPID uint32

	udpMu       sync.Mutex
	udpInFlight map[uint32]net.Addr

	tcpMu    sync.Mutex
	tcpConns map[uint32]*tcpConnection

	wg        sync.WaitGroup
	closeOnce sync.Once
	closed    chan struct{}
}

// NewServer wraps already-bound UDP and TCP listeners. Production callers
// use ListenAndServe; tests construct a Server directly over net.Pipe-style
// or loopback sockets so they can control timing precisely.
func NewServer(udpConn net.PacketConn, tcpListener net.Listener, tunnel TunnelCallback) *Server {
	return &Server{
		udpConn:     udpConn,
		tcpListener: tcpListener,
		tunnel:      tunnel,
		udpInFlight: make(map[uint32]net.Addr),
		tcpConns:    make(map[uint32]*tcpConnection),
		closed:      make(chan struct{}),
	}
}

// ListenAndServe binds UDP and TCP on addr:53 and runs until ctx is done
// or Close is called.
func ListenAndServe(ctx context.Context, addr string, tunnel TunnelCallback) (*Server, error) {
	udpConn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.ParseIP(addr), Port: 53})
	if err != nil {
		return nil, err
	}
	tcpListener, err := net.ListenTCP("tcp4", &net.TCPAddr{IP: net.ParseIP(addr), Port: 53})
	if err != nil {
		udpConn.Close()
		return nil, err
	}
	s := NewServer(udpConn, tcpListener, tunnel)
	s.Start(ctx)
	return s, nil
}

// Start launches the UDP and TCP accept loops. It returns immediately;
// shut the server down with Close or by cancelling ctx.
func (s *Server) Start(ctx context.Context) {
	s.wg.Add(2)
	go func() { defer s.wg.Done(); s.udpLoop(ctx) }()
	go func() { defer s.wg.Done(); s.tcpAcceptLoop(ctx) }()
	go func() {
		<-ctx.Done()
		s.Close()
	}()
}

// Close tears the server down: both listeners and every accepted TCP
// connection are closed, unblocking every in-flight read.
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.udpConn.Close()
		s.tcpListener.Close()
		s.tcpMu.Lock()
		for _, c := range s.tcpConns {
			c.conn.Close()
		}
		s.tcpMu.Unlock()
	})
	return nil
}

// Wait blocks until both reactor loops have exited.
func (s *Server) Wait() {
	s.wg.Wait()
}

func (s *Server) udpLoop(ctx context.Context) {
	buf := make([]byte, maxUDPMessageSize)
	for {
		n, addr, err := s.udpConn.ReadFrom(buf)
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}
			log.G(ctx).WithError(err).Warn("dns: udp read failed, continuing")
			continue
		}

		// The counter wraps to 0 after 2^32 requests; nothing checks
		// that a reused id has left udpInFlight.
		id := atomic.AddUint32(&s.nextUDPID, 1) - 1
		s.udpMu.Lock()
		s.udpInFlight[id] = addr
		s.udpMu.Unlock()

		msg := protocol.DnsTunnelingMessage{
			Protocol: protocol.DnsProtocolUDP,
			ID:       id,
			Buffer:   append([]byte(nil), buf[:n]...),
		}
		s.tunnel(ctx, msg)
	}
}

// Deliver routes a host response back to its originating client. It is
// called by the tunneling channel (C5) when a DnsTunnelingMessage arrives
// from the host.
func (s *Server) Deliver(ctx context.Context, msg protocol.DnsTunnelingMessage) {
	switch msg.Protocol {
	case protocol.DnsProtocolUDP:
		s.deliverUDP(ctx, msg)
	case protocol.DnsProtocolTCP:
		s.deliverTCP(ctx, msg)
	default:
		log.G(ctx).WithField(logfields.Protocol, msg.Protocol).Warn("dns: response with unknown protocol, dropping")
	}
}

func (s *Server) deliverUDP(ctx context.Context, msg protocol.DnsTunnelingMessage) {
	s.udpMu.Lock()
	addr, ok := s.udpInFlight[msg.ID]
	if ok {
		delete(s.udpInFlight, msg.ID)
	}
	// The blocking sendto happens under the UDP mutex: correctness over
	// throughput (spec.md §4.3 "Locking").
	var sendErr error
	if ok {
		sendErr = writeWithRetry(func() error {
			_, err := s.udpConn.WriteTo(msg.Buffer, addr)
			return err
		}, sendRetries)
	}
	s.udpMu.Unlock()

	if !ok {
		log.G(ctx).WithField(logfields.MessageID, msg.ID).Warn("dns: udp response for unknown request id, dropping")
		return
	}
	if sendErr != nil {
		log.G(ctx).WithError(sendErr).WithField(logfields.MessageID, msg.ID).Warn("dns: udp sendto failed")
	}
}

func (s *Server) deliverTCP(ctx context.Context, msg protocol.DnsTunnelingMessage) {
	s.tcpMu.Lock()
	c, ok := s.tcpConns[msg.ID]
	s.tcpMu.Unlock()
	if !ok {
		log.G(ctx).WithField(logfields.MessageID, msg.ID).Warn("dns: tcp response for unknown connection id, dropping")
		return
	}
	if err := c.writeFramed(msg.Buffer); err != nil {
		log.G(ctx).WithError(err).WithField(logfields.MessageID, msg.ID).Warn("dns: tcp write failed, tearing down connection")
		s.removeConn(msg.ID)
	}
}

func writeWithRetry(fn func() error, retries int) error {
	var err error
	for i := 0; i < retries; i++ {
		if err = fn(); err == nil {
			return nil
		}
	}
	return err
}
