package bus

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/rs/zerolog"
)

const maxDatagramSize = 64 * 1024

// UDPEndpoint is the shared unreliable socket. Inbound datagrams are
// [int32 little-endian participant id][payload]; outbound datagrams carry the
// payload only.
type UDPEndpoint struct {
	pc  *net.UDPConn
	log *zerolog.Logger

	mu    sync.RWMutex
	peers map[int32]*queueConn
}

// ListenUDP binds the unreliable socket.
func ListenUDP(addr string, logger *zerolog.Logger) (*UDPEndpoint, error) {
	ua, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve udp %s: %w", addr, err)
	}
	pc, err := net.ListenUDP("udp", ua)
	if err != nil {
		return nil, fmt.Errorf("listen udp %s: %w", addr, err)
	}
	return &UDPEndpoint{pc: pc, log: logger, peers: make(map[int32]*queueConn)}, nil
}

// Addr returns the bound address.
func (u *UDPEndpoint) Addr() net.Addr { return u.pc.LocalAddr() }

// Close closes the socket.
func (u *UDPEndpoint) Close() error { return u.pc.Close() }

func (u *UDPEndpoint) bind(id int32, c *queueConn) {
	u.mu.Lock()
	u.peers[id] = c
	u.mu.Unlock()
}

func (u *UDPEndpoint) unbind(id int32, c *queueConn) {
	u.mu.Lock()
	if u.peers[id] == c {
		delete(u.peers, id)
	}
	u.mu.Unlock()
}

func (u *UDPEndpoint) writeTo(data []byte, addr *net.UDPAddr) error {
	_, err := u.pc.WriteToUDP(data, addr)
	return err
}

// Serve reads datagrams until the socket is closed.
func (u *UDPEndpoint) Serve(ctx context.Context) {
	go func() {
		<-ctx.Done()
		_ = u.pc.Close()
	}()
	buf := make([]byte, maxDatagramSize)
	for {
		n, addr, err := u.pc.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			u.log.Debug().Err(err).Msg("udp read")
			continue
		}
		if n <= 4 {
			continue
		}
		id := int32(binary.LittleEndian.Uint32(buf[:4]))
		u.mu.RLock()
		c := u.peers[id]
		u.mu.RUnlock()
		if c == nil || !sameHost(c.remote, addr) {
			continue
		}
		c.confirmDatagram(addr)
		payload := make([]byte, n-4)
		copy(payload, buf[4:n])
		c.deliver(Message{Data: payload, Unreliable: true})
	}
}

// sameHost reports whether a datagram came from the host of the reliable
// connection, so one participant cannot inject datagrams for another.
func sameHost(remote string, addr *net.UDPAddr) bool {
	host, _, err := net.SplitHostPort(remote)
	if err != nil {
		return false
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.Equal(addr.IP)
}
