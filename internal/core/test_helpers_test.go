package core

import (
	"testing"
	"time"

	"github.com/vovakirdan/replica-server/internal/bus"
	"github.com/vovakirdan/replica-server/internal/codec"
	"github.com/vovakirdan/replica-server/internal/datanode"
	"github.com/vovakirdan/replica-server/internal/proto"
	"github.com/vovakirdan/replica-server/internal/store"
	"github.com/vovakirdan/replica-server/internal/store/sqlite"
	"github.com/vovakirdan/replica-server/internal/worker"
)

func newTestStore(t testing.TB) store.BlobStore {
	t.Helper()
	st, err := sqlite.New(":memory:")
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func newTestHub(t testing.TB, opts Options) *Hub {
	t.Helper()
	return newTestHubWithStore(t, opts, newTestStore(t))
}

func newTestHubWithStore(t testing.TB, opts Options, st store.BlobStore) *Hub {
	t.Helper()
	sched := worker.New(2, 0, nil)
	t.Cleanup(sched.Close)
	if opts.IdleTimeout == 0 {
		opts.IdleTimeout = time.Minute
	}
	return NewHub(opts, st, sched, nil)
}

type packet struct {
	op   proto.Opcode
	r    *codec.Reader
	data []byte
}

type testClient struct {
	t    testing.TB
	hub  *Hub
	pipe *bus.PipeClient
	id   int32
}

// dial connects a client without performing the handshake.
func dial(t testing.TB, h *Hub) *testClient {
	t.Helper()
	conn, pipe := bus.Pipe(nil)
	h.Accept(conn)
	return &testClient{t: t, hub: h, pipe: pipe}
}

// connect performs the handshake and returns a client with its assigned id.
func connect(t testing.TB, h *Hub, name string) *testClient {
	t.Helper()
	c := dial(t, h)

	w := proto.Begin(proto.OpRequestID)
	w.Int32(proto.ProtocolVersion)
	w.String(name)
	datanode.New("").Encode(w)
	c.send(w.Bytes())

	r := c.expect(proto.OpResponseID)
	if v := r.Int32(); v != proto.ProtocolVersion {
		t.Fatalf("unexpected protocol version %d", v)
	}
	c.id = r.Int32()
	if c.id <= 0 {
		t.Fatalf("invalid participant id %d", c.id)
	}
	return c
}

func (c *testClient) send(data []byte) { c.pipe.Send(data) }

// next ticks the hub until the client receives a message.
func (c *testClient) next() packet {
	c.t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if data, ok := c.pipe.TryRecv(); ok {
			op, r, err := proto.Split(data)
			if err != nil {
				c.t.Fatalf("split: %v", err)
			}
			return packet{op: op, r: r, data: data}
		}
		c.hub.Tick()
		if c.pipe.Closed() {
			if data, ok := c.pipe.TryRecv(); ok {
				op, r, _ := proto.Split(data)
				return packet{op: op, r: r, data: data}
			}
			c.t.Fatalf("connection closed while waiting for a message")
		}
		time.Sleep(time.Millisecond)
	}
	c.t.Fatalf("no message received")
	return packet{}
}

// until collects messages up to and including the first one with op.
func (c *testClient) until(op proto.Opcode) []packet {
	c.t.Helper()
	var out []packet
	for {
		p := c.next()
		out = append(out, p)
		if p.op == op {
			return out
		}
	}
}

// expect skips to the first message with op and returns its reader.
func (c *testClient) expect(op proto.Opcode) *codec.Reader {
	c.t.Helper()
	got := c.until(op)
	return got[len(got)-1].r
}

// drain ticks once and returns everything queued for the client.
func (c *testClient) drain() []packet {
	c.hub.Tick()
	var out []packet
	for {
		data, ok := c.pipe.TryRecv()
		if !ok {
			return out
		}
		op, r, _ := proto.Split(data)
		out = append(out, packet{op: op, r: r, data: data})
	}
}

// waitClosed ticks until the server drops the connection.
func (c *testClient) waitClosed() {
	c.t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		c.hub.Tick()
		if c.pipe.Closed() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	c.t.Fatalf("connection %d still open", c.id)
}

func (c *testClient) join(ch int32, persistent bool, limit uint16) int32 {
	c.t.Helper()
	c.send(joinMsg(ch, "", "", persistent, limit))
	r := c.expect(proto.OpResponseJoinChannel)
	id := r.Int32()
	if ok := r.Bool(); !ok {
		c.t.Fatalf("join %d failed: %s", ch, r.String())
	}
	return id
}

func (c *testClient) create(ch int32, kind byte, payload string) uint32 {
	c.t.Helper()
	w := proto.Begin(proto.OpRequestCreateObject)
	w.Int32(ch)
	w.Byte(kind)
	w.Blob([]byte(payload))
	c.send(w.Bytes())
	r := c.expect(proto.OpResponseCreateObject)
	r.Int32()
	r.Int32()
	return r.Uint32()
}

func joinMsg(ch int32, password, level string, persistent bool, limit uint16) []byte {
	w := proto.Begin(proto.OpRequestJoinChannel)
	w.Int32(ch)
	w.String(password)
	w.String(level)
	w.Bool(persistent)
	w.Uint16(limit)
	return w.Bytes()
}

func channelMsg(op proto.Opcode, ch int32) []byte {
	w := proto.Begin(op)
	w.Int32(ch)
	return w.Bytes()
}

func stringMsg(op proto.Opcode, s string) []byte {
	w := proto.Begin(op)
	w.String(s)
	return w.Bytes()
}

func opcodes(packets []packet) []proto.Opcode {
	out := make([]proto.Opcode, len(packets))
	for i, p := range packets {
		out[i] = p.op
	}
	return out
}

func countOp(packets []packet, op proto.Opcode) int {
	n := 0
	for _, p := range packets {
		if p.op == op {
			n++
		}
	}
	return n
}

// settle ticks until every worker job and completion has run.
func settle(t testing.TB, h *Hub) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		h.Tick()
		if h.sched.Pending() == 0 && h.sched.PendingCompletions() == 0 {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("worker jobs did not finish")
}
