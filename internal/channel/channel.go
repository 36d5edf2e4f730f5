// Package channel implements the socket transport (C2) that every running
// instance (C9) and the DNS tunneling pair (C5) send guest-init protocol
// messages over. Unlike the teacher's JSON-bodied GCS bridge
// (internal/gcs/bridge.go), the wire body is the flat binary encoding in
// internal/protocol: a single {type, size} header followed by a flat body.
// There is no per-message id field, so at most one request may be
// outstanding on a channel at a time -- callers that need to send a
// request and wait for its response must hold the channel's Lock for the
// duration (spec.md §4.1, "P10").
package channel

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/microsoft/WSL-sub002/internal/log"
	"github.com/microsoft/WSL-sub002/internal/logfields"
	"github.com/microsoft/WSL-sub002/internal/oc"
	"github.com/microsoft/WSL-sub002/internal/protocol"
)

// maxMessageSize bounds a single inbound message, guarding against a
// malformed or hostile guest from forcing an unbounded allocation.
const maxMessageSize = 16 << 20

// Message is a decoded inbound frame: its type and the raw body that
// follows the header (protocol.HeaderSize bytes already stripped).
type Message struct {
	Type protocol.MessageType
	Body []byte
}

// Channel wraps a single duplex stream (an hvsocket connection in
// production, any io.ReadWriteCloser in tests) with the guest-init framing.
// Reads and writes are safe to call from different goroutines; concurrent
// writers must coordinate with Lock/Unlock when a logical operation spans
// more than one message (spec.md §4.1).
type Channel struct {
	conn io.ReadWriteCloser
	br   *bufio.Reader

	writeMu sync.Mutex // serializes Send against the wire
	opMu    sync.Mutex // external lock for multi-message transactions

	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error
}

// New wraps conn in a Channel. The caller retains ownership of conn's
// lifetime only via Channel.Close.
func New(conn io.ReadWriteCloser) *Channel {
	return &Channel{
		conn:   conn,
		br:     bufio.NewReader(conn),
		closed: make(chan struct{}),
	}
}

// Lock acquires exclusive use of the channel for a multi-message
// transaction (e.g. send CreateProcess, then receive its response without
// another caller's request interleaving). Callers MUST pair with Unlock.
func (c *Channel) Lock() {
	c.opMu.Lock()
}

// Unlock releases a lock acquired with Lock.
func (c *Channel) Unlock() {
	c.opMu.Unlock()
}

// Send writes a fully framed message (as produced by a protocol.*Request's
// Marshal method) to the wire.
func (c *Channel) Send(ctx context.Context, framed []byte) error {
	select {
	case <-c.closed:
		return c.closeErrOrDefault()
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if len(framed) < protocol.HeaderSize {
		return fmt.Errorf("channel: refusing to send undersized message (%d bytes)", len(framed))
	}
	n, err := c.conn.Write(framed)
	if err != nil {
		c.fail(err)
		return fmt.Errorf("channel: write failed: %w", err)
	}
	if n != len(framed) {
		err := fmt.Errorf("channel: short write: wrote %d of %d bytes", n, len(framed))
		c.fail(err)
		return err
	}
	log.G(ctx).WithFields(logrus.Fields{
		logfields.MessageTyp: decodeType(framed).String(),
	}).Trace("channel send")
	return nil
}

func decodeType(framed []byte) protocol.MessageType {
	if len(framed) < 4 {
		return protocol.MessageInvalid
	}
	return protocol.MessageType(binary.LittleEndian.Uint32(framed[0:4]))
}

// Receive blocks until the next full message arrives, the channel is
// closed, or ctx is done. There is no concurrent-read fan-out: only one
// goroutine should call Receive on a given Channel at a time, matching the
// synchronous request/response shape of the guest-init protocol.
func (c *Channel) Receive(ctx context.Context) (*Message, error) {
	type result struct {
		msg *Message
		err error
	}
	done := make(chan result, 1)
	go func() {
		msg, err := c.readOne()
		done <- result{msg, err}
	}()

	select {
	case r := <-done:
		return r.msg, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.closed:
		return nil, c.closeErrOrDefault()
	}
}

// ReceiveOrClosed is a non-context convenience wrapper used by long-lived
// reader loops (e.g. the per-instance receive goroutine) that only need to
// select between a new message and channel closure.
func (c *Channel) ReceiveOrClosed() (*Message, error) {
	return c.readOne()
}

func (c *Channel) readOne() (*Message, error) {
	var hdr [protocol.HeaderSize]byte
	if _, err := io.ReadFull(c.br, hdr[:]); err != nil {
		if err == io.EOF {
			c.fail(nil)
			return nil, io.ErrClosedPipe
		}
		c.fail(err)
		return nil, fmt.Errorf("channel: header read failed: %w", err)
	}
	h, err := protocol.DecodeHeader(hdr[:])
	if err != nil {
		c.fail(err)
		return nil, err
	}
	if h.Size < protocol.HeaderSize || h.Size > maxMessageSize {
		err := fmt.Errorf("channel: invalid message size %d", h.Size)
		c.fail(err)
		return nil, err
	}
	bodyLen := h.Size - protocol.HeaderSize
	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(c.br, body); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		c.fail(err)
		return nil, fmt.Errorf("channel: body read failed: %w", err)
	}
	return &Message{Type: h.Type, Body: body}, nil
}

// Transaction sends framed and returns the single reply message, holding
// the channel's operation lock for the duration so no other caller's
// request can interleave. It is the primary primitive C9's CreateProcess
// and C11's session operations build on.
func (c *Channel) Transaction(ctx context.Context, framed []byte) (msg *Message, err error) {
	ctx, span := oc.StartSpan(ctx, "channel::Transaction")
	defer span.End()
	defer func() { oc.SetSpanStatus(span, err) }()

	c.Lock()
	defer c.Unlock()

	if err := c.Send(ctx, framed); err != nil {
		return nil, err
	}
	return c.Receive(ctx)
}

// Close tears down the underlying connection. It is safe to call multiple
// times and safe to call concurrently with Send/Receive.
func (c *Channel) Close() error {
	c.fail(nil)
	return c.conn.Close()
}

// Done returns a channel closed once the transport has failed or been
// closed, mirroring the teacher bridge's Wait/waitCh pattern.
func (c *Channel) Done() <-chan struct{} {
	return c.closed
}

// Err returns the error that caused the channel to close, if any.
func (c *Channel) Err() error {
	return c.closeErr
}

func (c *Channel) fail(err error) {
	c.closeOnce.Do(func() {
		c.closeErr = err
		close(c.closed)
	})
}

func (c *Channel) closeErrOrDefault() error {
	if c.closeErr != nil {
		return c.closeErr
	}
	return io.ErrClosedPipe
}
