package core

import (
	"cmp"
	"slices"

	"github.com/vovakirdan/replica-server/internal/proto"
)

type joinRequest struct {
	p          *Participant
	channel    int32
	password   string
	level      string
	persistent bool
	limit      int
}

func (h *Hub) handleJoinChannel(p *Participant, req *request) error {
	jr := &joinRequest{
		p:          p,
		channel:    req.r.Int32(),
		password:   req.r.String(),
		level:      req.r.String(),
		persistent: req.r.Bool(),
		limit:      int(req.r.Uint16()),
	}
	if err := req.malformed(); err != nil {
		return err
	}
	if jr.channel < proto.JoinAnyChannel {
		return protocolViolation("invalid channel id %d", jr.channel)
	}
	if len(p.Aliases) < h.server.MinAliases {
		p.send(msgJoinResult(jr.channel, ErrAliasesRequired), false)
		return nil
	}
	h.join(jr)
	return nil
}

// join resolves the channel selector and admits the participant, waking a
// sleeping channel first when needed.
func (h *Hub) join(jr *joinRequest) {
	switch jr.channel {
	case proto.JoinNewChannel:
		jr.channel = h.freeChannelID()
	case proto.JoinAnyChannel:
		if c := h.findOpenChannel(jr); c != nil {
			jr.channel = c.ID
		} else {
			jr.channel = h.freeChannelID()
		}
	}

	switch jr.p.State(jr.channel) {
	case Joined:
		jr.p.send(msgJoinResult(jr.channel, coreError(proto.ErrCodeBadRequest, "already in channel")), false)
		return
	case Joining, Leaving:
		return
	}

	if c := h.channels[jr.channel]; c != nil {
		h.admit(jr, c)
		return
	}
	if h.asleep(jr.channel) {
		h.joinAfterWake(jr)
		return
	}

	c := NewChannel(jr.channel)
	c.Persistent = jr.persistent
	c.Limit = jr.limit
	c.Password = jr.password
	c.dirty = c.Persistent
	h.channels[c.ID] = c
	if c.Persistent {
		h.worldDirty = true
	}
	h.log.Debug().Int32("channel", c.ID).Bool("persistent", c.Persistent).Msg("channel created")
	h.admit(jr, c)
}

// admit validates the join and sends the snapshot in its fixed order: roster,
// host, channel data, level, objects, tombstones, saved calls, channel info
// and finally the join acknowledgement.
func (h *Hub) admit(jr *joinRequest, c *Channel) {
	p := jr.p
	if err := c.CanJoin(jr.password, p.Admin); err != nil {
		p.setState(c.ID, NotJoined)
		p.send(msgJoinResult(c.ID, err), false)
		if c.Empty() {
			h.channelEmptied(c)
		}
		return
	}
	p.setState(c.ID, Joining)
	p.send(msgChannel(proto.OpResponseJoiningChannel, c.ID), false)

	for _, m := range c.members {
		p.send(msgPlayerJoined(c.ID, m, !h.knows(p, m, c.ID)), false)
		m.send(msgPlayerJoined(c.ID, p, !h.knows(m, p, c.ID)), false)
	}
	c.addMember(p)

	p.send(msgSetHost(c.ID, c.Host.ID), false)

	if !c.Data.Empty() {
		p.send(msgSetData(proto.OpResponseSetChannelData, c.ID, "", c.Data.Bytes()), false)
	}

	switch {
	case c.Level == "" && jr.level != "":
		c.Level = jr.level
		c.markDirty(c.Persistent)
	case c.Level != "" && jr.level != "":
		p.send(msgLoadLevel(c.ID, c.Level), false)
	}

	for _, obj := range c.Objects.All() {
		if owner := h.participants.Get(obj.Owner); owner == nil || !c.Has(owner) {
			obj.Owner = c.Host.ID
		}
		p.send(msgCreateObject(c.ID, obj), false)
	}

	if tombs := c.Tombstones(); len(tombs) > 0 {
		p.send(msgDestroyObjects(c.ID, tombs), false)
	}

	for _, call := range c.Calls.Entries() {
		p.send(msgSavedCall(c.ID, call), false)
	}

	p.send(msgChannelInfo(c), false)
	p.setState(c.ID, Joined)
	p.send(msgJoinResult(c.ID, nil), false)

	h.log.Debug().Int32("participant", p.ID).Int32("channel", c.ID).Int("members", c.Len()).Msg("joined channel")
}

// joinAfterWake parks the join until the channel is awake. The
// participant's inbound queue is not drained in the meantime.
func (h *Hub) joinAfterWake(jr *joinRequest) {
	id := jr.channel
	jr.p.pendingJoins++
	jr.p.setState(id, Joining)
	h.wakeChannel(id, func(c *Channel, err error) {
		jr.p.pendingJoins--
		if jr.p.gone {
			return
		}
		if err != nil {
			jr.p.setState(id, NotJoined)
			jr.p.send(msgJoinResult(id, coreError(proto.ErrCodeStorage, "channel could not be loaded")), false)
			return
		}
		h.admit(jr, c)
	})
}

// wakeChannel decodes a sleeping channel on a worker and calls then on the
// tick goroutine once it is installed. Concurrent callers share one wake.
func (h *Hub) wakeChannel(id int32, then func(*Channel, error)) {
	waiters, inFlight := h.waking[id]
	h.waking[id] = append(waiters, then)
	if inFlight {
		return
	}

	s := h.sleeping[id]
	var (
		woke *Channel
		err  error
	)
	ok := h.sched.SubmitWithCallback(
		func() { woke, err = s.wake(id) },
		func() { h.finishWake(id, woke, err) },
	)
	if !ok {
		h.finishWake(id, nil, errSchedulerClosed)
	}
}

func (h *Hub) finishWake(id int32, c *Channel, err error) {
	waiters := h.waking[id]
	delete(h.waking, id)

	if err != nil {
		h.log.Error().Err(err).Int32("channel", id).Msg("failed to wake channel")
	} else {
		delete(h.sleeping, id)
		h.channels[id] = c
		h.log.Debug().Int32("channel", id).Msg("channel woke")
	}

	for _, then := range waiters {
		then(c, err)
	}
	if c != nil && err == nil && c.Empty() {
		h.channelEmptied(c)
	}
	h.Wake()
}

// leave removes p from c: ephemeral objects it created are destroyed, the
// rest of what it owns passes to the host, and the host role moves on if p
// held it. Remaining members see all of it in one tick.
func (h *Hub) leave(p *Participant, c *Channel, notifySelf bool) {
	p.setState(c.ID, Leaving)
	hostChanged := c.removeMember(p)

	var destroyed []uint32
	var reassigned []*Object
	for _, obj := range c.Objects.HeldBy(p.ID) {
		switch {
		case !obj.Durable() && obj.Creator == p.ID:
			c.Objects.Remove(obj.ID)
			c.Calls.Take(obj.ID)
			destroyed = append(destroyed, obj.ID)
		case obj.Owner == p.ID && c.Host != nil:
			obj.Owner = c.Host.ID
			reassigned = append(reassigned, obj)
			c.markDirty(obj.Durable())
		}
	}

	members := c.members
	broadcast(members, msgPlayerLeft(c.ID, p.ID), nil)
	if len(destroyed) > 0 {
		broadcast(members, msgDestroyObjects(c.ID, destroyed), nil)
	}
	if len(reassigned) > 0 {
		broadcast(members, msgChangeOwner(c.ID, reassigned), nil)
	}
	if hostChanged && c.Host != nil {
		broadcast(members, msgSetHost(c.ID, c.Host.ID), nil)
	}
	if notifySelf {
		p.send(msgChannel(proto.OpResponseLeaveChannel, c.ID), false)
	}
	p.setState(c.ID, NotJoined)

	h.log.Debug().Int32("participant", p.ID).Int32("channel", c.ID).Int("destroyed", len(destroyed)).Msg("left channel")
	h.channelEmptied(c)
}

// channelEmptied puts an empty persistent channel to sleep and forgets an
// empty transient one.
func (h *Hub) channelEmptied(c *Channel) {
	if !c.Empty() || h.channels[c.ID] != c {
		return
	}
	if !c.Persistent {
		delete(h.channels, c.ID)
		h.log.Debug().Int32("channel", c.ID).Msg("channel closed")
		return
	}
	if h.sleepEnabled {
		h.sleep(c)
	}
}

func (h *Hub) freeChannelID() int32 {
	for {
		id := h.rng.Int32N(1<<30) + 1
		if h.channelExists(id) {
			continue
		}
		return id
	}
}

// asleep reports whether id is sleeping or already waking.
func (h *Hub) asleep(id int32) bool {
	if _, ok := h.sleeping[id]; ok {
		return true
	}
	_, ok := h.waking[id]
	return ok
}

func (h *Hub) channelExists(id int32) bool {
	if _, ok := h.channels[id]; ok {
		return true
	}
	return h.asleep(id)
}

// findOpenChannel picks the lowest-id awake channel that would accept jr.
func (h *Hub) findOpenChannel(jr *joinRequest) *Channel {
	var candidates []*Channel
	for _, c := range h.channels {
		if c.Empty() || c.CanJoin(jr.password, jr.p.Admin) != nil {
			continue
		}
		if jr.level != "" && c.Level != jr.level {
			continue
		}
		candidates = append(candidates, c)
	}
	if len(candidates) == 0 {
		return nil
	}
	return slices.MinFunc(candidates, func(a, b *Channel) int { return cmp.Compare(a.ID, b.ID) })
}

func (h *Hub) handleLeaveChannel(p *Participant, req *request) error {
	ch := req.r.Int32()
	if err := req.malformed(); err != nil {
		return err
	}
	c, err := h.memberChannel(p, ch)
	if err != nil {
		return err
	}
	h.leave(p, c, true)
	return nil
}

func (h *Hub) handleCloseChannel(p *Participant, req *request) error {
	ch := req.r.Int32()
	closed := req.r.Bool()
	if err := req.malformed(); err != nil {
		return err
	}
	c, err := h.memberChannel(p, ch)
	if err != nil {
		return err
	}
	if err := requireHost(p, c); err != nil {
		return err
	}
	c.Closed = closed
	broadcast(c.members, msgChannelInfo(c), nil)
	return nil
}

func (h *Hub) handleDeleteChannel(p *Participant, req *request) error {
	ch := req.r.Int32()
	if err := req.malformed(); err != nil {
		return err
	}
	if err := requireAdmin(p); err != nil {
		return err
	}
	h.deleteChannel(ch)
	return nil
}

// deleteChannel evicts every member and forgets the channel, awake or asleep.
func (h *Hub) deleteChannel(id int32) bool {
	found := false
	if c := h.channels[id]; c != nil {
		found = true
		for _, m := range c.Members() {
			m.send(msgChannel(proto.OpResponseLeaveChannel, id), false)
			m.setState(id, NotJoined)
		}
		c.members = nil
		delete(h.channels, id)
	}
	if _, ok := h.sleeping[id]; ok {
		found = true
		delete(h.sleeping, id)
	}
	if found {
		h.worldDirty = true
		h.log.Info().Int32("channel", id).Msg("channel deleted")
	}
	return found
}

func (h *Hub) handleLockChannel(p *Participant, req *request) error {
	ch := req.r.Int32()
	locked := req.r.Bool()
	if err := req.malformed(); err != nil {
		return err
	}
	if err := requireAdmin(p); err != nil {
		return err
	}
	c := h.channels[ch]
	if c == nil {
		return ErrChannelNotLoaded
	}
	c.Locked = locked
	c.dirty = true
	broadcast(c.members, msgChannelInfo(c), nil)
	return nil
}

func (h *Hub) handleSetPlayerLimit(p *Participant, req *request) error {
	ch := req.r.Int32()
	limit := int(req.r.Uint16())
	if err := req.malformed(); err != nil {
		return err
	}
	c, err := h.memberChannel(p, ch)
	if err != nil {
		return err
	}
	if err := requireHost(p, c); err != nil {
		return err
	}
	c.Limit = limit
	c.markDirty(c.Persistent)
	broadcast(c.members, msgChannelInfo(c), nil)
	return nil
}

func (h *Hub) handleLoadLevel(p *Participant, req *request) error {
	ch := req.r.Int32()
	level := req.r.String()
	if err := req.malformed(); err != nil {
		return err
	}
	c, err := h.memberChannel(p, ch)
	if err != nil {
		return err
	}
	if err := requireHost(p, c); err != nil {
		return err
	}
	c.Level = level
	c.markDirty(c.Persistent)
	broadcast(c.members, msgLoadLevel(c.ID, level), nil)
	return nil
}

func (h *Hub) handleSetHost(p *Participant, req *request) error {
	ch := req.r.Int32()
	target := req.r.Int32()
	if err := req.malformed(); err != nil {
		return err
	}
	c, err := h.memberChannel(p, ch)
	if err != nil {
		return err
	}
	if err := requireHost(p, c); err != nil {
		return err
	}
	q := h.participants.Get(target)
	if q == nil || !c.Has(q) {
		return coreError(proto.ErrCodeNotInChannel, "new host is not in the channel")
	}
	c.Host = q
	broadcast(c.members, msgSetHost(c.ID, q.ID), nil)
	return nil
}

func (h *Hub) handleSetChannelData(p *Participant, req *request) error {
	ch := req.r.Int32()
	path := req.r.String()
	value := req.r.Blob()
	if err := req.malformed(); err != nil {
		return err
	}
	c, err := h.memberChannel(p, ch)
	if err != nil {
		return err
	}
	if err := c.Mutable(p.Admin); err != nil {
		return err
	}
	root, err := applyData(c.Data, path, value)
	if err != nil {
		return protocolViolation("channel data: %v", err)
	}
	c.Data = root
	c.markDirty(c.Persistent)
	broadcast(c.members, msgSetData(proto.OpResponseSetChannelData, c.ID, path, value), nil)
	return nil
}
