package core

import (
	"slices"
	"time"

	"github.com/vovakirdan/replica-server/internal/bus"
	"github.com/vovakirdan/replica-server/internal/datanode"
)

// JoinState is a participant's state with respect to one channel.
type JoinState int

const (
	NotJoined JoinState = iota
	Joining
	Joined
	Leaving
)

func (s JoinState) String() string {
	switch s {
	case Joining:
		return "joining"
	case Joined:
		return "joined"
	case Leaving:
		return "leaving"
	default:
		return "not_joined"
	}
}

// Participant is a connected client or a server-local script identity.
type Participant struct {
	ID      int32
	Name    string
	Aliases []string
	Profile *datanode.Node
	Admin   bool

	// Timeout overrides the idle timeout when non-zero.
	Timeout time.Duration

	conn     bus.Conn
	lastRecv time.Time
	joined   time.Time
	channels []int32
	states   map[int32]JoinState
	// pendingJoins counts joins waiting on a channel wake. The participant's
	// inbound queue is not drained while it is non-zero.
	pendingJoins int
	profileDirty bool
	gone         bool
}

func newParticipant(id int32, conn bus.Conn, now time.Time) *Participant {
	return &Participant{
		ID:       id,
		Profile:  datanode.New(""),
		conn:     conn,
		lastRecv: now,
		joined:   now,
		states:   make(map[int32]JoinState),
	}
}

// Local reports whether the participant has no network connection.
func (p *Participant) Local() bool { return p.conn == nil }

// Conn returns the participant's bus connection, nil for local participants.
func (p *Participant) Conn() bus.Conn { return p.conn }

// State returns the join state for channel ch.
func (p *Participant) State(ch int32) JoinState { return p.states[ch] }

// Channels returns the channels the participant has joined, in join order.
func (p *Participant) Channels() []int32 { return slices.Clone(p.channels) }

// InChannel reports whether the participant is joined to ch.
func (p *Participant) InChannel(ch int32) bool { return p.states[ch] == Joined }

func (p *Participant) setState(ch int32, s JoinState) {
	if s == NotJoined {
		delete(p.states, ch)
		p.channels = slices.DeleteFunc(p.channels, func(id int32) bool { return id == ch })
		return
	}
	if s == Joined && !slices.Contains(p.channels, ch) {
		p.channels = append(p.channels, ch)
	}
	p.states[ch] = s
}

// HasAlias reports whether the participant presented alias.
func (p *Participant) HasAlias(alias string) bool { return slices.Contains(p.Aliases, alias) }

// send delivers a message to a network participant. Unreliable requests fall
// back to the reliable path when no datagram path exists or data is too
// large for one datagram.
func (p *Participant) send(data []byte, unreliable bool) {
	if p.conn == nil || p.gone {
		return
	}
	if unreliable && len(data) <= maxDatagramSize {
		if err := p.conn.SendUnreliable(data); err == nil {
			return
		}
	}
	_ = p.conn.SendReliable(data)
}

// Registry tracks live participants by id.
type Registry struct {
	byID   map[int32]*Participant
	order  []*Participant
	nextID int32
}

// NewRegistry returns an empty registry. Ids start at 1.
func NewRegistry() *Registry {
	return &Registry{byID: make(map[int32]*Participant), nextID: 1}
}

func (r *Registry) allocate() int32 {
	for {
		id := r.nextID
		r.nextID++
		if r.nextID <= 0 {
			r.nextID = 1
		}
		if _, taken := r.byID[id]; !taken {
			return id
		}
	}
}

// Add registers a new participant for conn and returns it.
func (r *Registry) Add(conn bus.Conn, now time.Time) *Participant {
	p := newParticipant(r.allocate(), conn, now)
	r.byID[p.ID] = p
	r.order = append(r.order, p)
	return p
}

// Remove drops p from the registry.
func (r *Registry) Remove(p *Participant) {
	if _, ok := r.byID[p.ID]; !ok {
		return
	}
	delete(r.byID, p.ID)
	r.order = slices.DeleteFunc(r.order, func(q *Participant) bool { return q == p })
}

// Get returns the participant with id.
func (r *Registry) Get(id int32) *Participant { return r.byID[id] }

// FindByName returns the first participant, in connection order, whose name
// matches.
func (r *Registry) FindByName(name string) *Participant {
	for _, p := range r.order {
		if p.Name == name {
			return p
		}
	}
	return nil
}

// All returns a snapshot of live participants in connection order.
func (r *Registry) All() []*Participant { return slices.Clone(r.order) }

// Len returns the number of live participants.
func (r *Registry) Len() int { return len(r.order) }
