package dns

import (
	"context"
	"encoding/binary"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/microsoft/WSL-sub002/internal/protocol"
)

func TestUDPRoundTrip(t *testing.T) {
	udpConn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	tcpListener, err := net.ListenTCP("tcp4", &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	if err != nil {
		t.Fatalf("ListenTCP: %v", err)
	}

	var got protocol.DnsTunnelingMessage
	tunneled := make(chan struct{}, 1)
	var s *Server
	s = NewServer(udpConn, tcpListener, func(ctx context.Context, msg protocol.DnsTunnelingMessage) {
		got = msg
		tunneled <- struct{}{}
		// Echo a synthetic 4-byte response back immediately, as the
		// tunneling channel (C5) would once the host replies.
		go s.Deliver(context.Background(), protocol.DnsTunnelingMessage{
			Protocol: protocol.DnsProtocolUDP,
			ID:       msg.ID,
			Buffer:   []byte{1, 2, 3, 4},
		})
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Close()

	client, err := net.DialUDP("udp4", nil, udpConn.LocalAddr().(*net.UDPAddr))
	if err != nil {
		t.Fatalf("DialUDP: %v", err)
	}
	defer client.Close()

	query := []byte("a 40 byte query padded out to size!!!!!!")
	if _, err := client.Write(query); err != nil {
		t.Fatalf("Write: %v", err)
	}

	select {
	case <-tunneled:
	case <-time.After(time.Second):
		t.Fatal("tunnel callback never invoked")
	}
	if got.Protocol != protocol.DnsProtocolUDP {
		t.Fatalf("got protocol %v, want UDP", got.Protocol)
	}
	if string(got.Buffer) != string(query) {
		t.Fatalf("got buffer %q, want %q", got.Buffer, query)
	}

	client.SetReadDeadline(time.Now().Add(time.Second))
	resp := make([]byte, 16)
	n, err := client.Read(resp)
	if err != nil {
		t.Fatalf("Read response: %v", err)
	}
	if string(resp[:n]) != "\x01\x02\x03\x04" {
		t.Fatalf("got response %v, want [1 2 3 4]", resp[:n])
	}
}

func TestUDPUnknownIDDropped(t *testing.T) {
	udpConn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	tcpListener, err := net.ListenTCP("tcp4", &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	if err != nil {
		t.Fatalf("ListenTCP: %v", err)
	}
	s := NewServer(udpConn, tcpListener, func(ctx context.Context, msg protocol.DnsTunnelingMessage) {})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Close()

	// Must not panic or block; an unknown id is logged and dropped.
	s.Deliver(context.Background(), protocol.DnsTunnelingMessage{
		Protocol: protocol.DnsProtocolUDP,
		ID:       999,
		Buffer:   []byte{0},
	})
}

func TestTCPFramingAcrossMultipleSegments(t *testing.T) {
	udpConn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	tcpListener, err := net.ListenTCP("tcp4", &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	if err != nil {
		t.Fatalf("ListenTCP: %v", err)
	}

	var mu sync.Mutex
	var messages []protocol.DnsTunnelingMessage
	received := make(chan struct{}, 2)
	s := NewServer(udpConn, tcpListener, func(ctx context.Context, msg protocol.DnsTunnelingMessage) {
		mu.Lock()
		messages = append(messages, msg)
		mu.Unlock()
		received <- struct{}{}
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Close()

	conn, err := net.DialTCP("tcp4", nil, tcpListener.Addr().(*net.TCPAddr))
	if err != nil {
		t.Fatalf("DialTCP: %v", err)
	}
	defer conn.Close()

	// S5: "HELLO" sent as [0x00,0x05,'H','E','L','L','O'] split 1/3/3.
	segments := [][]byte{
		{0x00},
		{0x05, 'H', 'E'},
		{'L', 'L', 'O'},
	}
	for _, seg := range segments {
		if _, err := conn.Write(seg); err != nil {
			t.Fatalf("Write segment: %v", err)
		}
		time.Sleep(5 * time.Millisecond)
	}

	// Then "HI" as a single 4-byte prefixed message.
	hi := make([]byte, 4)
	binary.BigEndian.PutUint16(hi, 2)
	hi[2], hi[3] = 'H', 'I'
	if _, err := conn.Write(hi); err != nil {
		t.Fatalf("Write HI: %v", err)
	}

	for i := 0; i < 2; i++ {
		select {
		case <-received:
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for message %d", i)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(messages) != 2 {
		t.Fatalf("got %d messages, want 2", len(messages))
	}
	if string(messages[0].Buffer) != "HELLO" {
		t.Fatalf("got first message %q, want HELLO", messages[0].Buffer)
	}
	if string(messages[1].Buffer) != "HI" {
		t.Fatalf("got second message %q, want HI", messages[1].Buffer)
	}
	if messages[0].ID != messages[1].ID {
		t.Fatalf("expected same connection id for both messages, got %d and %d", messages[0].ID, messages[1].ID)
	}
}

func TestTCPZeroLengthPayloadDelivered(t *testing.T) {
	udpConn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	tcpListener, err := net.ListenTCP("tcp4", &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	if err != nil {
		t.Fatalf("ListenTCP: %v", err)
	}
	received := make(chan protocol.DnsTunnelingMessage, 1)
	s := NewServer(udpConn, tcpListener, func(ctx context.Context, msg protocol.DnsTunnelingMessage) {
		received <- msg
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Close()

	conn, err := net.DialTCP("tcp4", nil, tcpListener.Addr().(*net.TCPAddr))
	if err != nil {
		t.Fatalf("DialTCP: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte{0x00, 0x00}); err != nil {
		t.Fatalf("Write: %v", err)
	}

	select {
	case msg := <-received:
		if len(msg.Buffer) != 0 {
			t.Fatalf("got buffer %v, want empty", msg.Buffer)
		}
	case <-time.After(time.Second):
		t.Fatal("zero-length payload never delivered")
	}
}
