package channel

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/microsoft/WSL-sub002/internal/protocol"
)

// newPipe wraps one half of a net.Pipe in a Channel: a net.Conn already
// satisfies io.ReadWriteCloser, which is all Channel requires --
// production callers plug in an hvsocket connection.
func newPipe(t *testing.T) (*Channel, net.Conn) {
	t.Helper()
	client, server := net.Pipe()
	return New(client), server
}

func TestSendReceiveRoundTrip(t *testing.T) {
	c, server := newPipe(t)
	defer c.Close()
	defer server.Close()

	req := &protocol.TerminateInstanceRequest{}
	done := make(chan error, 1)
	go func() {
		done <- c.Send(context.Background(), req.Marshal())
	}()

	buf := make([]byte, protocol.HeaderSize)
	if _, err := server.Read(buf); err != nil {
		t.Fatalf("server read: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("Send: %v", err)
	}
	hdr, err := protocol.DecodeHeader(buf)
	if err != nil {
		t.Fatalf("DecodeHeader: %v", err)
	}
	if hdr.Type != protocol.MessageTerminateInstance {
		t.Fatalf("got type %v, want MessageTerminateInstance", hdr.Type)
	}
}

func TestReceiveDecodesFullMessage(t *testing.T) {
	c, server := newPipe(t)
	defer c.Close()
	defer server.Close()

	resp := &protocol.ConfigurationInformationResponse{
		DefaultUID: 1000,
		InitPid:    7,
		Plan9Port:  5000,
		Flavor:     "Ubuntu",
		OsVersion:  "22.04",
	}
	wire := resp.Marshal()

	go func() {
		_, _ = server.Write(wire)
	}()

	msg, err := c.Receive(context.Background())
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if msg.Type != protocol.MessageConfigurationInformationResponse {
		t.Fatalf("got type %v, want MessageConfigurationInformationResponse", msg.Type)
	}
	got, err := protocol.UnmarshalConfigurationInformationResponse(msg.Body)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got.Flavor != "Ubuntu" {
		t.Fatalf("got flavor %q, want Ubuntu", got.Flavor)
	}
}

func TestReceiveContextCancellation(t *testing.T) {
	c, server := newPipe(t)
	defer c.Close()
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := c.Receive(ctx)
	if err != context.DeadlineExceeded {
		t.Fatalf("got %v, want context.DeadlineExceeded", err)
	}
}

func TestCloseUnblocksReceive(t *testing.T) {
	c, server := newPipe(t)
	defer server.Close()

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Receive(context.Background())
		errCh <- err
	}()

	time.Sleep(5 * time.Millisecond)
	c.Close()

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("expected error after Close")
		}
	case <-time.After(time.Second):
		t.Fatal("Receive did not unblock after Close")
	}
}

func TestTransactionSerializesConcurrentCallers(t *testing.T) {
	c, server := newPipe(t)
	defer c.Close()
	defer server.Close()

	// Echo server: reply to every request with a TerminateInstanceResponse.
	go func() {
		buf := make([]byte, protocol.HeaderSize)
		for {
			if _, err := server.Read(buf); err != nil {
				return
			}
			hdr, err := protocol.DecodeHeader(buf)
			if err != nil {
				return
			}
			body := make([]byte, hdr.Size-protocol.HeaderSize)
			if len(body) > 0 {
				if _, err := server.Read(body); err != nil {
					return
				}
			}
			resp := make([]byte, protocol.HeaderSize+1)
			h := protocol.EncodeHeader(protocol.Header{Type: protocol.MessageTerminateInstanceResponse, Size: uint32(len(resp))})
			copy(resp, h[:])
			resp[protocol.HeaderSize] = 1
			if _, err := server.Write(resp); err != nil {
				return
			}
		}
	}()

	const n = 5
	errCh := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			req := &protocol.TerminateInstanceRequest{}
			msg, err := c.Transaction(context.Background(), req.Marshal())
			if err != nil {
				errCh <- err
				return
			}
			if msg.Type != protocol.MessageTerminateInstanceResponse {
				errCh <- errUnexpectedType(msg.Type)
				return
			}
			errCh <- nil
		}()
	}
	for i := 0; i < n; i++ {
		if err := <-errCh; err != nil {
			t.Fatalf("Transaction: %v", err)
		}
	}
}

type errUnexpectedType protocol.MessageType

func (e errUnexpectedType) Error() string {
	return "unexpected message type: " + protocol.MessageType(e).String()
}
