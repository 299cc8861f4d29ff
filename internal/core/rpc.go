package core

import (
	"fmt"

	"github.com/vovakirdan/replica-server/internal/proto"
)

// TargetKind selects the recipients of a remote call.
type TargetKind int

const (
	TargetHost TargetKind = iota
	TargetAll
	TargetAllSaved
	TargetOthers
	TargetOthersSaved
	TargetPlayer
	TargetPlayerName
	TargetBroadcast
	TargetBroadcastAdmin
)

var forwardTargets = map[proto.Opcode]TargetKind{
	proto.OpForwardToHost:        TargetHost,
	proto.OpForwardToAll:         TargetAll,
	proto.OpForwardToAllSaved:    TargetAllSaved,
	proto.OpForwardToOthers:      TargetOthers,
	proto.OpForwardToOthersSaved: TargetOthersSaved,
	proto.OpForwardToPlayer:      TargetPlayer,
	proto.OpForwardByName:        TargetPlayerName,
	proto.OpBroadcast:            TargetBroadcast,
	proto.OpBroadcastAdmin:       TargetBroadcastAdmin,
}

// Target addresses a remote call.
type Target struct {
	Kind   TargetKind
	Player int32
	Name   string
}

func (t Target) saved() bool { return t.Kind == TargetAllSaved || t.Kind == TargetOthersSaved }

// RPCHandler runs a call delivered to a server-local participant. It runs on
// the tick goroutine with the hub lock held.
type RPCHandler func(ctx *CallContext)

// CallContext is passed to an RPCHandler.
type CallContext struct {
	hub  *Hub
	Self *Participant
	Call proto.Call
}

// Send routes a further call from the local participant.
func (c *CallContext) Send(t Target, call proto.Call) error {
	call.Source = c.Self.ID
	return c.hub.route(c.Self, t, call, false)
}

type rpcKey struct {
	selector byte
	name     string
}

// RegisterRPC binds a handler for calls addressed by selector, or by name
// when selector is zero.
func (h *Hub) RegisterRPC(selector byte, name string, fn RPCHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if selector != 0 {
		name = ""
	}
	h.rpcs[rpcKey{selector: selector, name: name}] = fn
}

func (h *Hub) handleForward(p *Participant, req *request) error {
	call, err := proto.ReadCall(req.r, req.op)
	if err != nil {
		return protocolViolation("malformed %s: %v", req.op, err)
	}
	if call.Source != p.ID {
		return protocolViolation("call source %d from participant %d", call.Source, p.ID)
	}
	t := Target{Kind: forwardTargets[req.op], Player: call.Target, Name: call.TargetName}
	return h.route(p, t, call, req.unreliable)
}

// route delivers call to the recipients selected by t. Unknown objects and
// channels the sender is not in drop the call silently.
func (h *Hub) route(from *Participant, t Target, call proto.Call, unreliable bool) error {
	if call.Object == 0 {
		return protocolViolation("call addressed to object 0")
	}

	switch t.Kind {
	case TargetPlayer:
		if to := h.participants.Get(t.Player); to != nil {
			h.deliver(to, call, encodeForward(call), unreliable)
		}
		return nil
	case TargetPlayerName:
		if to := h.participants.FindByName(t.Name); to != nil {
			h.deliver(to, call, encodeForward(call), unreliable)
		}
		return nil
	case TargetBroadcast, TargetBroadcastAdmin:
		admins := t.Kind == TargetBroadcastAdmin
		if admins && !from.Admin {
			return unauthorized("admin broadcast")
		}
		data := encodeForward(call)
		for _, to := range h.participants.All() {
			if !admins || to.Admin {
				h.deliver(to, call, data, unreliable)
			}
		}
		return nil
	}

	src := h.channels[call.Channel]
	if src == nil || !from.InChannel(src.ID) {
		h.log.Debug().Int32("participant", from.ID).Int32("channel", call.Channel).Msg("call dropped: not in channel")
		return nil
	}
	dest, obj, ok := h.resolve(src, call.Object)
	if !ok {
		h.log.Debug().Int32("channel", call.Channel).Uint32("object", call.Object).Msg("call dropped: unknown object")
		return nil
	}
	call.Channel, call.Object = dest.ID, obj

	kind := t.Kind
	if kind == TargetHost {
		// A host's own call already ran on the host. From anyone else it
		// behaves as Others.
		if dest.Host == from {
			if from.Local() {
				h.execLocal(from, call)
			}
			return nil
		}
		kind = TargetOthers
	}
	if from.Local() {
		// Without a connection there is no echo path, so "all" means the
		// others plus immediate local execution.
		switch kind {
		case TargetAll:
			h.execLocal(from, call)
			kind = TargetOthers
		case TargetAllSaved:
			h.execLocal(from, call)
			kind = TargetOthersSaved
		}
	}

	data := encodeForward(call)
	switch kind {
	case TargetAll, TargetAllSaved:
		for _, m := range dest.members {
			h.deliver(m, call, data, unreliable)
		}
	case TargetOthers, TargetOthersSaved:
		for _, m := range dest.members {
			if m != from {
				h.deliver(m, call, data, unreliable)
			}
		}
	}

	if t.saved() {
		dest.Save(SavedCall{
			Source:   from.ID,
			Object:   obj,
			Selector: call.Selector,
			Name:     call.Name,
			Payload:  call.Payload,
		})
	}
	return nil
}

// resolve follows forward records from (c, id) to the object's live address.
func (h *Hub) resolve(c *Channel, id uint32) (*Channel, uint32, bool) {
	now := h.now()
	for range maxForwardHops {
		if c.addressable(id) {
			return c, id, true
		}
		if id <= proto.MaxStaticID {
			return nil, 0, false
		}
		f, ok := c.LookupForward(id, now)
		if !ok {
			return nil, 0, false
		}
		next := h.channels[f.Channel]
		if next == nil {
			return nil, 0, false
		}
		c, id = next, f.Object
	}
	return nil, 0, false
}

func (h *Hub) deliver(to *Participant, call proto.Call, data []byte, unreliable bool) {
	if to.Local() {
		h.execLocal(to, call)
		return
	}
	to.send(data, unreliable)
}

func (h *Hub) execLocal(p *Participant, call proto.Call) {
	key := rpcKey{selector: call.Selector}
	if call.Selector == 0 {
		key.name = call.Name
	}
	fn := h.rpcs[key]
	if fn == nil {
		h.log.Debug().Int32("participant", p.ID).Str("rpc", call.Name).Uint8("selector", call.Selector).Msg("no local handler")
		return
	}
	defer func() {
		if r := recover(); r != nil {
			h.log.Error().Str("panic", fmt.Sprint(r)).Str("rpc", call.Name).Msg("local rpc handler panicked")
		}
	}()
	fn(&CallContext{hub: h, Self: p, Call: call})
}

func encodeForward(call proto.Call) []byte {
	return proto.EncodeCall(proto.OpResponseForward, call)
}

func (h *Hub) handleRemoveSaved(p *Participant, req *request) error {
	ch := req.r.Int32()
	objID, selector := proto.UnpackAddress(req.r.Uint32())
	name := req.r.String()
	if err := req.malformed(); err != nil {
		return err
	}
	if objID == 0 {
		return protocolViolation("remove saved call on object 0")
	}
	c, err := h.memberChannel(p, ch)
	if err != nil {
		return err
	}
	dest, obj, ok := h.resolve(c, objID)
	if !ok {
		return nil
	}
	if selector != 0 {
		name = ""
	}
	if dest.Calls.Delete(obj, selector, name) {
		dest.dirty = true
	}
	return nil
}

// AddLocal registers a participant without a connection. Calls addressed to
// it run the handlers bound with RegisterRPC.
func (h *Hub) AddLocal(name string) *Participant {
	h.mu.Lock()
	defer h.mu.Unlock()
	p := h.participants.Add(nil, h.now())
	p.Name = name
	return p
}

// RemoveLocal drops a local participant from every channel.
func (h *Hub) RemoveLocal(p *Participant) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.disconnect(p, "removed")
}

// JoinLocal joins a local participant to channel ch, creating it with the
// given persistence if it does not exist.
func (h *Hub) JoinLocal(p *Participant, ch int32, level string, persistent bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.join(&joinRequest{p: p, channel: ch, level: level, persistent: persistent})
}

// Call sends a remote call on behalf of a local participant.
func (h *Hub) Call(p *Participant, t Target, call proto.Call) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	call.Source = p.ID
	return h.route(p, t, call, false)
}
