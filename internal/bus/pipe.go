package bus

import (
	"context"
	"net"
)

// PipeClient is the far end of an in-memory connection. It is used to embed
// participants in the same process and to drive the engine in tests.
type PipeClient struct {
	conn *pipeConn
}

// Pipe returns a connected in-memory pair. Unreliable sends are available
// only after the client has sent one datagram, like a real UDP path.
func Pipe(wake func()) (Conn, *PipeClient) {
	p := &pipeConn{
		queueConn: newQueueConn(TransportPipe, "pipe", wake),
		datagrams: make(chan []byte, outboundQueueSize),
	}
	return p, &PipeClient{conn: p}
}

type pipeConn struct {
	*queueConn
	datagrams chan []byte
}

func (p *pipeConn) SendUnreliable(data []byte) error {
	if !p.udpReady.Load() {
		return ErrUnreliableUnavailable
	}
	select {
	case <-p.done:
		return ErrClosed
	case p.datagrams <- data:
		return nil
	default:
		return nil
	}
}

// Send delivers a reliable message to the server side.
func (c *PipeClient) Send(data []byte) {
	c.conn.deliver(Message{Data: data})
}

// SendUnreliable delivers a datagram to the server side and confirms the
// unreliable path.
func (c *PipeClient) SendUnreliable(data []byte) {
	c.conn.confirmDatagram(&net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	c.conn.deliver(Message{Data: data, Unreliable: true})
}

// TryRecv returns the next message the server sent, if any.
func (c *PipeClient) TryRecv() ([]byte, bool) {
	select {
	case data := <-c.conn.out:
		return data, true
	default:
		return nil, false
	}
}

// TryRecvUnreliable returns the next datagram the server sent, if any.
func (c *PipeClient) TryRecvUnreliable() ([]byte, bool) {
	select {
	case data := <-c.conn.datagrams:
		return data, true
	default:
		return nil, false
	}
}

// Recv waits for the next message the server sent.
func (c *PipeClient) Recv(ctx context.Context) ([]byte, error) {
	select {
	case data := <-c.conn.out:
		return data, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Closed reports whether the server side has dropped the connection.
func (c *PipeClient) Closed() bool {
	select {
	case <-c.conn.done:
		return true
	default:
		return false
	}
}

// Close disconnects from the client side.
func (c *PipeClient) Close() { _ = c.conn.Close() }
