// Package core is the replication engine: participants, channels, replicated
// objects, remote call routing and persistence. All state is owned by the
// tick loop and guarded by one coarse mutex; heavy work goes to the worker
// scheduler and comes back through its completion pump.
package core

import (
	"context"
	"math/rand/v2"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/vovakirdan/replica-server/internal/bus"
	"github.com/vovakirdan/replica-server/internal/proto"
	"github.com/vovakirdan/replica-server/internal/store"
	"github.com/vovakirdan/replica-server/internal/worker"
)

const (
	maxDatagramSize    = 1024
	maxForwardHops     = 8
	maxTimeoutOverride = time.Hour

	defaultMaxMessages  = 100
	defaultIdleTimeout  = 10 * time.Second
	defaultForwardTTL   = 10 * time.Second
	defaultTickInterval = 10 * time.Millisecond
)

// AdminVerifier checks the shared admin secret.
type AdminVerifier interface {
	VerifyAdmin(secret string) error
}

// Options tune the engine.
type Options struct {
	TickInterval       time.Duration
	MaxMessagesPerTick int
	IdleTimeout        time.Duration
	ForwardTTL         time.Duration
	AutosaveInterval   time.Duration
	SleepEnabled       bool
	MinAliases         int
	MaxAliases         int
	Admin              AdminVerifier
}

func (o *Options) normalize() {
	if o.TickInterval <= 0 {
		o.TickInterval = defaultTickInterval
	}
	if o.MaxMessagesPerTick <= 0 {
		o.MaxMessagesPerTick = defaultMaxMessages
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = defaultIdleTimeout
	}
	if o.ForwardTTL <= 0 {
		o.ForwardTTL = defaultForwardTTL
	}
}

// Hub coordinates every participant and channel.
type Hub struct {
	mu       sync.Mutex
	opts     Options
	log      *zerolog.Logger
	store    store.BlobStore
	sched    *worker.Scheduler
	handlers map[proto.Opcode]handlerFunc
	rpcs     map[rpcKey]RPCHandler

	participants *Registry
	channels     map[int32]*Channel
	sleeping     map[int32]*sleeper
	waking       map[int32][]func(*Channel, error)

	server       *ServerData
	serverDirty  bool
	worldDirty   bool
	sleepEnabled bool
	saving       map[string]struct{}

	acceptMu sync.Mutex
	incoming []bus.Conn
	wake     chan struct{}

	ctx      context.Context
	now      func() time.Time
	started  time.Time
	lastSave time.Time
	rng      *rand.Rand
}

// NewHub builds a hub over a blob store and a worker scheduler.
func NewHub(opts Options, st store.BlobStore, sched *worker.Scheduler, logger *zerolog.Logger) *Hub {
	if logger == nil {
		l := zerolog.Nop()
		logger = &l
	}
	opts.normalize()
	now := time.Now()
	h := &Hub{
		opts:         opts,
		log:          logger,
		store:        st,
		sched:        sched,
		rpcs:         make(map[rpcKey]RPCHandler),
		participants: NewRegistry(),
		channels:     make(map[int32]*Channel),
		sleeping:     make(map[int32]*sleeper),
		waking:       make(map[int32][]func(*Channel, error)),
		server:       newServerData(opts.MinAliases, opts.MaxAliases),
		sleepEnabled: opts.SleepEnabled,
		saving:       make(map[string]struct{}),
		wake:         make(chan struct{}, 1),
		ctx:          context.Background(),
		now:          time.Now,
		started:      now,
		lastSave:     now,
		rng:          rand.New(rand.NewPCG(uint64(now.UnixNano()), 0x7265706c6963)),
	}
	h.handlers = handlerTable()
	return h
}

// Accept hands a freshly connected transport to the tick loop. It is safe to
// call from any goroutine.
func (h *Hub) Accept(conn bus.Conn) {
	h.acceptMu.Lock()
	h.incoming = append(h.incoming, conn)
	h.acceptMu.Unlock()
	h.Wake()
}

// Wake schedules a tick ahead of the ticker.
func (h *Hub) Wake() {
	select {
	case h.wake <- struct{}{}:
	default:
	}
}

// Run drives the tick loop until ctx is done, then flushes persisted state.
func (h *Hub) Run(ctx context.Context) error {
	h.mu.Lock()
	h.ctx = ctx
	h.mu.Unlock()

	ticker := time.NewTicker(h.opts.TickInterval)
	defer ticker.Stop()
	h.log.Info().Dur("tick", h.opts.TickInterval).Msg("hub started")

	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return nil
		case <-ticker.C:
		case <-h.wake:
		}
		h.Tick()
	}
}

// Tick runs one iteration of the loop: accept, drain inbound queues, expire
// idle participants, pump worker completions and autosave.
func (h *Hub) Tick() {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.now()
	h.acceptPending(now)
	for _, p := range h.participants.All() {
		if p.Local() || p.gone {
			continue
		}
		select {
		case <-p.conn.Done():
			h.disconnect(p, "connection closed")
			continue
		default:
		}
		h.drain(p, now)
	}
	h.expire(now)
	h.sched.Pump()
	h.autosave(now)
}

func (h *Hub) acceptPending(now time.Time) {
	h.acceptMu.Lock()
	conns := h.incoming
	h.incoming = nil
	h.acceptMu.Unlock()

	for _, conn := range conns {
		p := h.participants.Add(conn, now)
		h.log.Debug().
			Int32("participant", p.ID).
			Str("transport", conn.Transport()).
			Str("remote", conn.RemoteAddr()).
			Msg("connection accepted")
	}
}

func (h *Hub) drain(p *Participant, now time.Time) {
	for range h.opts.MaxMessagesPerTick {
		if p.gone || p.pendingJoins > 0 {
			return
		}
		m, ok := p.conn.TryReceive()
		if !ok {
			return
		}
		p.lastRecv = now
		if err := h.dispatch(p, m); err != nil {
			h.fail(p, m, err)
		}
	}
}

// fail reports a handler error. Fatal errors end the connection; structured
// ones are answered with OpError.
func (h *Hub) fail(p *Participant, m bus.Message, err error) {
	op := opcodeOf(m.Data)
	if IsFatal(err) {
		h.log.Warn().Err(err).Int32("participant", p.ID).Str("op", op.String()).Msg("disconnecting participant")
		h.disconnect(p, err.Error())
		return
	}
	ce := toCoreError(err)
	if ce == nil {
		h.log.Error().Err(err).Int32("participant", p.ID).Str("op", op.String()).Msg("request failed")
		ce = coreError(errCodeFor(err), err.Error())
	}
	p.send(msgError(op, ce), false)
}

func (h *Hub) expire(now time.Time) {
	for _, p := range h.participants.All() {
		if p.Local() || p.gone || p.pendingJoins > 0 {
			continue
		}
		timeout := h.opts.IdleTimeout
		if p.Timeout > 0 {
			timeout = p.Timeout
		}
		if now.Sub(p.lastRecv) > timeout {
			h.log.Info().Int32("participant", p.ID).Dur("idle", now.Sub(p.lastRecv)).Msg("participant timed out")
			h.disconnect(p, "timed out")
		}
	}
	for _, c := range h.channels {
		if len(c.forwards) > 0 {
			c.forwards.sweep(now)
		}
	}
}

// disconnect removes p from every channel and the registry.
func (h *Hub) disconnect(p *Participant, reason string) {
	if p.gone {
		return
	}
	for _, id := range p.Channels() {
		if c := h.channels[id]; c != nil {
			h.leave(p, c, false)
		}
	}
	p.gone = true
	h.saveProfile(p)
	h.participants.Remove(p)
	if p.conn != nil {
		_ = p.conn.Close()
	}
	h.log.Info().Int32("participant", p.ID).Str("name", p.Name).Str("reason", reason).Msg("participant disconnected")
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sched.Pump()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := h.flushLocked(ctx); err != nil {
		h.log.Error().Err(err).Msg("final save failed")
	}
	for _, p := range h.participants.All() {
		h.disconnect(p, "server shutting down")
	}
	h.log.Info().Msg("hub stopped")
}

// peers returns p and every participant sharing a channel with it.
func (h *Hub) peers(p *Participant) []*Participant {
	seen := map[*Participant]bool{p: true}
	out := []*Participant{p}
	for _, id := range p.channels {
		c := h.channels[id]
		if c == nil {
			continue
		}
		for _, m := range c.members {
			if !seen[m] {
				seen[m] = true
				out = append(out, m)
			}
		}
	}
	return out
}

// knows reports whether p shares a joined channel other than except with q.
func (h *Hub) knows(p, q *Participant, except int32) bool {
	for _, id := range p.channels {
		if id == except {
			continue
		}
		if c := h.channels[id]; c != nil && c.Has(q) {
			return true
		}
	}
	return false
}

func broadcast(members []*Participant, data []byte, except *Participant) {
	for _, m := range members {
		if m != except {
			m.send(data, false)
		}
	}
}

func remoteHost(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
