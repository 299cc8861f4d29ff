package bus

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/rs/zerolog"
)

const writeTimeout = 30 * time.Second

// Server accepts connections on every configured transport and hands them to
// Accept. Wake is signalled whenever any connection has inbound data.
type Server struct {
	Accept func(Conn)
	Wake   func()
	log    *zerolog.Logger

	tcp net.Listener
	udp *UDPEndpoint
}

// NewServer constructs a server delivering connections to accept.
func NewServer(accept func(Conn), wake func(), logger *zerolog.Logger) *Server {
	if logger == nil {
		l := zerolog.Nop()
		logger = &l
	}
	if wake == nil {
		wake = func() {}
	}
	return &Server{Accept: accept, Wake: wake, log: logger}
}

// ListenTCP binds the reliable listener.
func (s *Server) ListenTCP(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen tcp %s: %w", addr, err)
	}
	s.tcp = ln
	return nil
}

// ListenUDP binds the unreliable socket. Without it every unreliable send is
// escalated to reliable.
func (s *Server) ListenUDP(addr string) error {
	ep, err := ListenUDP(addr, s.log)
	if err != nil {
		return err
	}
	s.udp = ep
	return nil
}

// TCPAddr returns the bound reliable address.
func (s *Server) TCPAddr() net.Addr {
	if s.tcp == nil {
		return nil
	}
	return s.tcp.Addr()
}

// UDPAddr returns the bound unreliable address.
func (s *Server) UDPAddr() net.Addr {
	if s.udp == nil {
		return nil
	}
	return s.udp.Addr()
}

// Serve runs the accept loops until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	if s.udp != nil {
		go s.udp.Serve(ctx)
	}
	if s.tcp == nil {
		<-ctx.Done()
		return nil
	}
	go func() {
		<-ctx.Done()
		_ = s.tcp.Close()
	}()
	for {
		nc, err := s.tcp.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.log.Warn().Err(err).Msg("tcp accept")
			continue
		}
		c := newTCPConn(nc, s.udp, s.Wake, s.log)
		s.log.Debug().Str("conn_id", c.ID().String()).Str("remote", c.RemoteAddr()).Msg("tcp connection accepted")
		s.Accept(c)
	}
}

// Close releases the listeners.
func (s *Server) Close() error {
	var errs []error
	if s.tcp != nil {
		errs = append(errs, s.tcp.Close())
	}
	if s.udp != nil {
		errs = append(errs, s.udp.Close())
	}
	return errors.Join(errs...)
}

type tcpConn struct {
	*queueConn
	nc  net.Conn
	log *zerolog.Logger
}

func newTCPConn(nc net.Conn, udp *UDPEndpoint, wake func(), logger *zerolog.Logger) *tcpConn {
	q := newQueueConn(TransportTCP, nc.RemoteAddr().String(), wake)
	q.udp = udp
	c := &tcpConn{queueConn: q, nc: nc, log: logger}
	q.onClose = func() { _ = nc.Close() }
	go c.readLoop()
	go c.writeLoop()
	return c
}

// Frames are [uint32 little-endian length][payload].
func (c *tcpConn) readLoop() {
	defer c.Close()
	r := bufio.NewReader(c.nc)
	header := make([]byte, 4)
	for {
		if _, err := io.ReadFull(r, header); err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				c.log.Debug().Err(err).Str("conn_id", c.ID().String()).Msg("tcp read header")
			}
			return
		}
		size := binary.LittleEndian.Uint32(header)
		if size == 0 || size > MaxFrameSize {
			c.log.Warn().Uint32("size", size).Str("conn_id", c.ID().String()).Msg("tcp frame size out of range")
			return
		}
		payload := make([]byte, size)
		if _, err := io.ReadFull(r, payload); err != nil {
			return
		}
		c.deliver(Message{Data: payload})
	}
}

func (c *tcpConn) writeLoop() {
	w := bufio.NewWriter(c.nc)
	header := make([]byte, 4)
	for {
		select {
		case <-c.done:
			return
		case data := <-c.out:
			_ = c.nc.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := writeFrame(w, header, data); err != nil {
				c.log.Debug().Err(err).Str("conn_id", c.ID().String()).Msg("tcp write")
				_ = c.Close()
				return
			}
			// Coalesce whatever is already queued into the same flush.
			for pending := len(c.out); pending > 0; pending-- {
				if err := writeFrame(w, header, <-c.out); err != nil {
					_ = c.Close()
					return
				}
			}
			if err := w.Flush(); err != nil {
				_ = c.Close()
				return
			}
		}
	}
}

func writeFrame(w *bufio.Writer, header, data []byte) error {
	binary.LittleEndian.PutUint32(header, uint32(len(data)))
	if _, err := w.Write(header); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

// WriteFrame writes one length-prefixed frame to w. Clients use it to speak
// the reliable framing.
func WriteFrame(w io.Writer, data []byte) error {
	header := make([]byte, 4)
	binary.LittleEndian.PutUint32(header, uint32(len(data)))
	if _, err := w.Write(header); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

// ReadFrame reads one length-prefixed frame from r.
func ReadFrame(r io.Reader) ([]byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}
	size := binary.LittleEndian.Uint32(header)
	if size == 0 || size > MaxFrameSize {
		return nil, fmt.Errorf("frame size %d out of range", size)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}
