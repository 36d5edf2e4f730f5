package dns

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/microsoft/WSL-sub002/internal/log"
	"github.com/microsoft/WSL-sub002/internal/logfields"
	"github.com/microsoft/WSL-sub002/internal/protocol"
)

// tcpConnection is one accepted DNS-over-TCP client connection. Its read
// state (current offset/buffer) is owned exclusively by the connection's
// own read goroutine, so -- unlike the teacher's shared-state-under-lock
// patterns -- no mutex is needed to protect it: only s.tcpConns (the
// lookup-by-id map) is shared, and that is guarded by Server.tcpMu
// (spec.md §4.3 "TCP path").
type tcpConnection struct {
	id   uint32
	conn net.Conn

	writeMu sync.Mutex
}

// lengthPrefixSize is the size of the initial DNS-over-TCP length prefix
// (spec.md §4.3: "a 2-byte length buffer").
const lengthPrefixSize = 2

func (s *Server) tcpAcceptLoop(ctx context.Context) {
	for {
		conn, err := s.tcpListener.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}
			log.G(ctx).WithError(err).Warn("dns: tcp accept failed, continuing")
			continue
		}

		// The counter wraps to 0 after 2^32 connections; nothing checks
		// that a reused id has left tcpConns.
		id := atomic.AddUint32(&s.nextTCPID, 1) - 1
		c := &tcpConnection{id: id, conn: conn}

		s.tcpMu.Lock()
		s.tcpConns[id] = c
		s.tcpMu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.tcpReadLoop(ctx, c)
		}()
	}
}

// tcpReadLoop implements the per-connection state machine from spec.md
// §4.3 step 2: read the 2-byte length prefix, resize to 2+L, accumulate
// until full, then tunnel the message body and reset.
func (s *Server) tcpReadLoop(ctx context.Context, c *tcpConnection) {
	defer s.removeConn(c.id)

	buf := make([]byte, lengthPrefixSize)
	offset := 0
	gotPrefix := false
	for {
		n, err := c.conn.Read(buf[offset:])
		if err != nil {
			if err != io.EOF {
				log.G(ctx).WithError(err).WithField(logfields.MessageID, c.id).Debug("dns: tcp read failed, dropping connection")
			}
			return
		}
		if n == 0 {
			return
		}
		offset += n

		if !gotPrefix && offset == lengthPrefixSize {
			gotPrefix = true
			length := binary.BigEndian.Uint16(buf)
			resized := make([]byte, lengthPrefixSize+int(length))
			copy(resized, buf)
			buf = resized
		}

		if gotPrefix && offset == len(buf) {
			body := append([]byte(nil), buf[lengthPrefixSize:]...)
			buf = make([]byte, lengthPrefixSize)
			offset = 0
			gotPrefix = false

			s.tunnel(ctx, protocol.DnsTunnelingMessage{
				Protocol: protocol.DnsProtocolTCP,
				ID:       c.id,
				Buffer:   body,
			})
		}
	}
}

// writeFramed writes a DNS response with its big-endian length prefix,
// retrying transient failures before giving up (spec.md §4.3 "On response:
// ... write the full buffer to the socket in a retry loop").
func (c *tcpConnection) writeFramed(body []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	framed := make([]byte, lengthPrefixSize+len(body))
	binary.BigEndian.PutUint16(framed, uint16(len(body)))
	copy(framed[lengthPrefixSize:], body)

	return writeWithRetry(func() error {
		_, err := c.conn.Write(framed)
		return err
	}, sendRetries)
}

func (s *Server) removeConn(id uint32) {
	s.tcpMu.Lock()
	c, ok := s.tcpConns[id]
	delete(s.tcpConns, id)
	s.tcpMu.Unlock()
	if ok {
		c.conn.Close()
	}
}
