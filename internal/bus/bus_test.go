package bus

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"
)

func waitMessage(t *testing.T, c Conn) Message {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if m, ok := c.TryReceive(); ok {
			return m
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no message received")
	return Message{}
}

func TestTCPFramingRoundTrip(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	accepted := make(chan Conn, 1)
	srv := NewServer(func(c Conn) { accepted <- c }, nil, nil)
	if err := srv.ListenTCP("127.0.0.1:0"); err != nil {
		t.Fatalf("listen: %v", err)
	}
	go srv.Serve(ctx)

	nc, err := net.Dial("tcp", srv.TCPAddr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer nc.Close()

	if err := WriteFrame(nc, []byte("ping")); err != nil {
		t.Fatalf("write frame: %v", err)
	}

	var conn Conn
	select {
	case conn = <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatalf("connection not accepted")
	}
	if conn.Stage() != StageVerifying {
		t.Fatalf("new connections start verifying, got %v", conn.Stage())
	}

	m := waitMessage(t, conn)
	if string(m.Data) != "ping" || m.Unreliable {
		t.Fatalf("unexpected message: %+v", m)
	}

	if err := conn.SendReliable([]byte("pong")); err != nil {
		t.Fatalf("send: %v", err)
	}
	_ = nc.SetReadDeadline(time.Now().Add(2 * time.Second))
	reply, err := ReadFrame(nc)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if string(reply) != "pong" {
		t.Fatalf("unexpected reply %q", reply)
	}

	if err := conn.SendUnreliable([]byte("x")); !errors.Is(err, ErrUnreliableUnavailable) {
		t.Fatalf("expected unreliable unavailable without udp, got %v", err)
	}
}

func TestPipeUnreliableConfirmedByInboundDatagram(t *testing.T) {
	conn, client := Pipe(nil)

	if conn.UnreliableReady() {
		t.Fatalf("unreliable path must not be ready before any datagram")
	}
	if err := conn.SendUnreliable([]byte("a")); !errors.Is(err, ErrUnreliableUnavailable) {
		t.Fatalf("expected ErrUnreliableUnavailable, got %v", err)
	}

	client.SendUnreliable([]byte("hello"))
	m, ok := conn.TryReceive()
	if !ok || !m.Unreliable || string(m.Data) != "hello" {
		t.Fatalf("unexpected datagram: %+v ok=%v", m, ok)
	}
	if !conn.UnreliableReady() {
		t.Fatalf("unreliable path should be ready after inbound datagram")
	}
	if err := conn.SendUnreliable([]byte("b")); err != nil {
		t.Fatalf("send unreliable: %v", err)
	}
	if data, ok := client.TryRecvUnreliable(); !ok || string(data) != "b" {
		t.Fatalf("datagram not delivered: %q", data)
	}
}

func TestCloseIsIdempotentAndSignalsDone(t *testing.T) {
	conn, client := Pipe(nil)
	_ = conn.Close()
	_ = conn.Close()

	select {
	case <-conn.Done():
	default:
		t.Fatalf("done channel should be closed")
	}
	if !client.Closed() {
		t.Fatalf("client should observe closure")
	}
	if conn.Stage() != StageNotConnected {
		t.Fatalf("closed connection should be not_connected, got %v", conn.Stage())
	}
	if err := conn.SendReliable([]byte("late")); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestSameHost(t *testing.T) {
	addr := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 2), Port: 9000}
	if !sameHost("10.0.0.2:5127", addr) {
		t.Fatalf("expected same host")
	}
	if sameHost("10.0.0.3:5127", addr) {
		t.Fatalf("expected different host")
	}
	if sameHost("garbage", addr) {
		t.Fatalf("unparseable remote must not match")
	}
}
