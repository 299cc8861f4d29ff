// Package bus moves opaque byte messages between participants and the tick
// loop. Every transport feeds a bounded inbound queue that the tick loop polls
// with TryReceive, and drains a bounded outbound queue from its own writer
// goroutine, so the tick loop never blocks on I/O.
package bus

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// Stage is the lifecycle stage of a connection.
type Stage int32

const (
	StageNotConnected Stage = iota
	StageVerifying
	StageConnected
	StageWebBrowser
)

func (s Stage) String() string {
	switch s {
	case StageNotConnected:
		return "not_connected"
	case StageVerifying:
		return "verifying"
	case StageConnected:
		return "connected"
	case StageWebBrowser:
		return "web_browser"
	default:
		return "unknown"
	}
}

// Transport names.
const (
	TransportTCP       = "tcp"
	TransportWebSocket = "ws"
	TransportPipe      = "pipe"
)

const (
	inboundQueueSize  = 4096
	outboundQueueSize = 4096
	// MaxFrameSize bounds a single reliable message.
	MaxFrameSize = 16 << 20
)

var (
	ErrClosed                = errors.New("bus: connection closed")
	ErrSendQueueFull         = errors.New("bus: send queue full")
	ErrUnreliableUnavailable = errors.New("bus: unreliable path unavailable")
)

// Message is one inbound message.
type Message struct {
	Data       []byte
	Unreliable bool
}

// Conn is the per-participant message bus contract.
type Conn interface {
	ID() uuid.UUID
	Transport() string
	Stage() Stage
	SetStage(Stage)
	// TryReceive returns the next inbound message without blocking.
	TryReceive() (Message, bool)
	// SendReliable queues data for ordered delivery. A full queue closes the
	// connection.
	SendReliable(data []byte) error
	// SendUnreliable sends a datagram to the participant's confirmed peer.
	SendUnreliable(data []byte) error
	// UnreliableReady reports whether an inbound datagram has been observed.
	UnreliableReady() bool
	// BindParticipant associates the connection with a participant id so
	// datagrams addressed to that id can be routed here.
	BindParticipant(id int32)
	RemoteAddr() string
	Close() error
	Done() <-chan struct{}
}

// queueConn implements the queueing half shared by every transport.
type queueConn struct {
	id        uuid.UUID
	transport string
	remote    string
	stage     atomic.Int32
	in        chan Message
	out       chan []byte
	done      chan struct{}
	closeOnce sync.Once
	onClose   func()
	wake      func()

	udp      *UDPEndpoint
	udpAddr  atomic.Pointer[net.UDPAddr]
	udpReady atomic.Bool
	partID   atomic.Int32
}

func newQueueConn(transport, remote string, wake func()) *queueConn {
	if wake == nil {
		wake = func() {}
	}
	c := &queueConn{
		id:        uuid.New(),
		transport: transport,
		remote:    remote,
		in:        make(chan Message, inboundQueueSize),
		out:       make(chan []byte, outboundQueueSize),
		done:      make(chan struct{}),
		wake:      wake,
	}
	c.stage.Store(int32(StageVerifying))
	return c
}

func (c *queueConn) ID() uuid.UUID         { return c.id }
func (c *queueConn) Transport() string     { return c.transport }
func (c *queueConn) Stage() Stage          { return Stage(c.stage.Load()) }
func (c *queueConn) SetStage(s Stage)      { c.stage.Store(int32(s)) }
func (c *queueConn) RemoteAddr() string    { return c.remote }
func (c *queueConn) Done() <-chan struct{} { return c.done }
func (c *queueConn) UnreliableReady() bool { return c.udpReady.Load() }

func (c *queueConn) TryReceive() (Message, bool) {
	select {
	case m := <-c.in:
		return m, true
	default:
		return Message{}, false
	}
}

// deliver hands an inbound message to the tick loop. A participant that
// outruns the tick loop by a whole queue is disconnected.
func (c *queueConn) deliver(m Message) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.in <- m:
		c.wake()
	default:
		_ = c.Close()
	}
}

func (c *queueConn) SendReliable(data []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.out <- data:
		return nil
	default:
		_ = c.Close()
		return ErrSendQueueFull
	}
}

func (c *queueConn) SendUnreliable(data []byte) error {
	addr := c.udpAddr.Load()
	if c.udp == nil || addr == nil || !c.udpReady.Load() {
		return ErrUnreliableUnavailable
	}
	return c.udp.writeTo(data, addr)
}

func (c *queueConn) BindParticipant(id int32) {
	c.partID.Store(id)
	if c.udp != nil {
		c.udp.bind(id, c)
	}
}

// confirmDatagram records the peer address of an inbound datagram.
func (c *queueConn) confirmDatagram(addr *net.UDPAddr) {
	c.udpAddr.Store(addr)
	c.udpReady.Store(true)
}

func (c *queueConn) Close() error {
	c.closeOnce.Do(func() {
		c.stage.Store(int32(StageNotConnected))
		close(c.done)
		if c.udp != nil {
			c.udp.unbind(c.partID.Load(), c)
		}
		if c.onClose != nil {
			c.onClose()
		}
		c.wake()
	})
	return nil
}
