package core

import (
	"cmp"
	"slices"
	"time"

	"github.com/vovakirdan/replica-server/internal/datanode"
	"github.com/vovakirdan/replica-server/internal/proto"
)

// Channel is a room of participants sharing replicated state.
type Channel struct {
	ID         int32
	Level      string
	Data       *datanode.Node
	Password   string
	Persistent bool
	Limit      int
	Closed     bool
	Locked     bool

	Host    *Participant
	Objects *Directory
	Calls   *CallLog

	members    []*Participant
	tombstones map[uint32]struct{}
	forwards   forwardTable
	dirty      bool
}

// NewChannel returns an empty channel with id.
func NewChannel(id int32) *Channel {
	return &Channel{
		ID:         id,
		Data:       datanode.New(""),
		Objects:    NewDirectory(),
		Calls:      NewCallLog(),
		tombstones: make(map[uint32]struct{}),
		forwards:   make(forwardTable),
	}
}

// Members returns the channel's participants in join order.
func (c *Channel) Members() []*Participant { return slices.Clone(c.members) }

// Len returns the member count.
func (c *Channel) Len() int { return len(c.members) }

// Empty reports whether the channel has no members.
func (c *Channel) Empty() bool { return len(c.members) == 0 }

// Has reports whether p is a member.
func (c *Channel) Has(p *Participant) bool { return slices.Contains(c.members, p) }

// Full reports whether the player limit is reached.
func (c *Channel) Full() bool { return c.Limit > 0 && len(c.members) >= c.Limit }

// Flags returns the descriptor bits sent in channel info.
func (c *Channel) Flags() byte {
	var f byte
	if c.Persistent {
		f |= proto.FlagPersistent
	}
	if c.Closed {
		f |= proto.FlagClosed
	}
	if c.Locked {
		f |= proto.FlagLocked
	}
	if c.Password != "" {
		f |= proto.FlagPassword
	}
	return f
}

// CanJoin validates a join attempt. Admins are not held to the lock or the
// player limit.
func (c *Channel) CanJoin(password string, admin bool) error {
	switch {
	case c.Locked && !admin:
		return ErrChannelLocked
	case c.Closed:
		return ErrChannelClosed
	case c.Password != "" && c.Password != password:
		return ErrWrongPassword
	case c.Full() && !admin:
		return ErrChannelFull
	}
	return nil
}

func (c *Channel) addMember(p *Participant) {
	if c.Has(p) {
		return
	}
	c.members = append(c.members, p)
	if c.Host == nil {
		c.Host = p
	}
}

// removeMember drops p and hands the host role to the earliest remaining
// member. It reports whether the host changed.
func (c *Channel) removeMember(p *Participant) (hostChanged bool) {
	c.members = slices.DeleteFunc(c.members, func(q *Participant) bool { return q == p })
	if c.Host != p {
		return false
	}
	c.Host = nil
	if len(c.members) > 0 {
		c.Host = c.members[0]
	}
	return true
}

// Tombstoned reports whether static object id was destroyed.
func (c *Channel) Tombstoned(id uint32) bool {
	_, ok := c.tombstones[id]
	return ok
}

// Tombstones returns destroyed static ids in ascending order.
func (c *Channel) Tombstones() []uint32 {
	out := make([]uint32, 0, len(c.tombstones))
	for id := range c.tombstones {
		out = append(out, id)
	}
	slices.SortFunc(out, cmp.Compare[uint32])
	return out
}

// CreateObject allocates a dynamic object.
func (c *Channel) CreateObject(creator int32, kind byte, payload []byte) (*Object, error) {
	if c.Closed {
		return nil, ErrChannelClosed
	}
	obj, err := c.Objects.Create(creator, kind, payload)
	if err != nil {
		return nil, err
	}
	c.markDirty(obj.Durable())
	return obj, nil
}

// DestroyObject removes a dynamic object or tombstones a static one. Saved
// calls addressed to the object are dropped either way.
func (c *Channel) DestroyObject(id uint32) error {
	if id <= proto.MaxStaticID {
		c.tombstones[id] = struct{}{}
		c.Calls.Take(id)
		c.dirty = true
		return nil
	}
	obj, ok := c.Objects.Remove(id)
	if !ok {
		return ErrObjectNotFound
	}
	c.Calls.Take(id)
	c.markDirty(obj.Durable() || c.Persistent)
	return nil
}

// Save records a call for replay. Calls addressed to tombstoned static ids or
// to unknown dynamic ids are dropped.
func (c *Channel) Save(call SavedCall) bool {
	if !c.addressable(call.Object) {
		return false
	}
	c.Calls.Upsert(call)
	c.dirty = true
	return true
}

// Mutable reports whether p may change objects or channel data. A locked
// channel only accepts changes from admins.
func (c *Channel) Mutable(admin bool) error {
	if c.Locked && !admin {
		return ErrChannelLocked
	}
	return nil
}

// addressable reports whether id names something that exists here.
func (c *Channel) addressable(id uint32) bool {
	if id == 0 {
		return false
	}
	if id <= proto.MaxStaticID {
		return !c.Tombstoned(id)
	}
	return c.Objects.Get(id) != nil
}

// Forward records that oldID moved to (channel, object) until now+ttl.
func (c *Channel) Forward(oldID uint32, channel int32, object uint32, expires time.Time) {
	c.forwards.add(oldID, Forward{Channel: channel, Object: object, Expires: expires})
}

// LookupForward returns the live forward record for oldID.
func (c *Channel) LookupForward(oldID uint32, now time.Time) (Forward, bool) {
	return c.forwards.lookup(oldID, now)
}

// Export serializes a dynamic object together with its saved calls.
func (c *Channel) Export(id uint32) ([]byte, error) {
	obj := c.Objects.Get(id)
	if obj == nil {
		return nil, ErrObjectNotFound
	}
	return encodeExport(obj, c.Calls.For(id)), nil
}

// Import recreates an exported object under a fresh id, owned by creator.
func (c *Channel) Import(creator int32, blob []byte) (*Object, []SavedCall, error) {
	kind, payload, calls, err := decodeExport(blob)
	if err != nil {
		return nil, nil, err
	}
	obj, err := c.CreateObject(creator, kind, payload)
	if err != nil {
		return nil, nil, err
	}
	for i := range calls {
		calls[i].Object = obj.ID
		c.Calls.Upsert(calls[i])
	}
	return obj, calls, nil
}

// markDirty flags persisted state as changed. Ephemeral churn in a
// non-persistent channel has nothing to save.
func (c *Channel) markDirty(changed bool) {
	if changed {
		c.dirty = true
	}
}
