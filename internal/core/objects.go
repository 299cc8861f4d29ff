package core

import (
	"errors"

	"github.com/vovakirdan/replica-server/internal/proto"
)

func (h *Hub) handleCreateObject(p *Participant, req *request) error {
	ch := req.r.Int32()
	kind := req.r.Byte()
	payload := req.r.Blob()
	if err := req.malformed(); err != nil {
		return err
	}
	if kind != proto.KindEphemeral && kind != proto.KindDurable {
		return protocolViolation("unknown object kind %d", kind)
	}
	c, err := h.memberChannel(p, ch)
	if err != nil {
		return err
	}
	if err := c.Mutable(p.Admin); err != nil {
		return err
	}
	obj, err := c.CreateObject(p.ID, kind, payload)
	if err != nil {
		return err
	}
	broadcast(c.members, msgCreateObject(c.ID, obj), nil)
	return nil
}

func (h *Hub) handleDestroyObject(p *Participant, req *request) error {
	ch := req.r.Int32()
	id := req.r.Uint32()
	if err := req.malformed(); err != nil {
		return err
	}
	if id == 0 {
		return protocolViolation("destroy object 0")
	}
	c, err := h.memberChannel(p, ch)
	if err != nil {
		return err
	}
	dest, obj, ok := h.resolve(c, id)
	if !ok {
		return nil
	}
	if err := dest.Mutable(p.Admin); err != nil {
		return err
	}
	if err := dest.DestroyObject(obj); err != nil {
		if errors.Is(err, ErrObjectNotFound) {
			return nil
		}
		return err
	}
	broadcast(dest.members, msgDestroyObjects(dest.ID, []uint32{obj}), nil)
	return nil
}

func (h *Hub) handleTransferObject(p *Participant, req *request) error {
	from := req.r.Int32()
	to := req.r.Int32()
	id := req.r.Uint32()
	if err := req.malformed(); err != nil {
		return err
	}
	if id == 0 {
		return protocolViolation("transfer object 0")
	}
	src, err := h.memberChannel(p, from)
	if err != nil {
		return err
	}
	if id <= proto.MaxStaticID {
		return coreError(proto.ErrCodeBadRequest, ErrStaticObject.Error())
	}
	if src.Objects.Get(id) == nil || src.ID == to {
		return nil
	}
	if err := src.Mutable(p.Admin); err != nil {
		return err
	}
	if dst := h.channels[to]; dst != nil {
		return h.transferInto(p, src, dst, id)
	}
	if !h.asleep(to) {
		return ErrChannelNotLoaded
	}
	h.wakeChannel(to, func(dst *Channel, err error) {
		if p.gone {
			return
		}
		if err != nil {
			p.send(msgError(proto.OpRequestTransferObject, coreError(proto.ErrCodeStorage, "channel could not be loaded")), false)
			return
		}
		// src may have emptied or the object moved while dst was waking.
		if h.channels[src.ID] != src || !p.InChannel(src.ID) {
			return
		}
		if err := h.transferInto(p, src, dst, id); err != nil {
			ce := toCoreError(err)
			if ce == nil {
				h.log.Error().Err(err).Int32("participant", p.ID).Msg("transfer failed")
				ce = coreError(proto.ErrCodeBadRequest, err.Error())
			}
			p.send(msgError(proto.OpRequestTransferObject, ce), false)
		}
	})
	return nil
}

func (h *Hub) transferInto(p *Participant, src, dst *Channel, id uint32) error {
	obj := src.Objects.Get(id)
	if obj == nil {
		return nil
	}
	if err := dst.Mutable(p.Admin); err != nil {
		return err
	}
	_, err := h.transfer(src, dst, obj)
	return err
}

// transfer moves obj and its saved calls from src to dst under a fresh id and
// leaves a forward record behind. Participants in both channels get an id
// remap, those only in src a destroy and those only in dst a create followed
// by the object's saved calls.
func (h *Hub) transfer(src, dst *Channel, obj *Object) (*Object, error) {
	owner := obj.Owner
	if q := h.participants.Get(owner); (q == nil || !dst.Has(q)) && dst.Host != nil {
		owner = dst.Host.ID
	}
	moved, err := dst.Objects.Create(owner, obj.Kind, obj.Payload)
	if err != nil {
		return nil, err
	}
	moved.Creator = obj.Creator

	calls := src.Calls.Take(obj.ID)
	src.Objects.Remove(obj.ID)
	for i := range calls {
		calls[i].Object = moved.ID
		dst.Calls.Upsert(calls[i])
	}
	src.Forward(obj.ID, dst.ID, moved.ID, h.now().Add(h.opts.ForwardTTL))
	src.markDirty(src.Persistent)
	dst.markDirty(dst.Persistent)

	remap := msgTransferObject(src.ID, dst.ID, obj.ID, moved.ID)
	destroy := msgDestroyObjects(src.ID, []uint32{obj.ID})
	for _, m := range src.members {
		if dst.Has(m) {
			m.send(remap, false)
		} else {
			m.send(destroy, false)
		}
	}
	create := msgCreateObject(dst.ID, moved)
	for _, m := range dst.members {
		if src.Has(m) {
			continue
		}
		m.send(create, false)
		for _, c := range calls {
			m.send(msgSavedCall(dst.ID, c), false)
		}
	}

	h.log.Debug().
		Int32("from", src.ID).Int32("to", dst.ID).
		Uint32("old", obj.ID).Uint32("new", moved.ID).
		Msg("object transferred")
	return moved, nil
}

func (h *Hub) handleChangeOwner(p *Participant, req *request) error {
	ch := req.r.Int32()
	id := req.r.Uint32()
	owner := req.r.Int32()
	if err := req.malformed(); err != nil {
		return err
	}
	if id == 0 {
		return protocolViolation("change owner of object 0")
	}
	c, err := h.memberChannel(p, ch)
	if err != nil {
		return err
	}
	if id <= proto.MaxStaticID {
		return coreError(proto.ErrCodeBadRequest, ErrStaticObject.Error())
	}
	obj := c.Objects.Get(id)
	if obj == nil {
		return nil
	}
	q := h.participants.Get(owner)
	if q == nil || !c.Has(q) {
		return coreError(proto.ErrCodeNotInChannel, "new owner is not in the channel")
	}
	obj.Owner = owner
	c.markDirty(c.Persistent && obj.Durable())
	broadcast(c.members, msgChangeOwner(c.ID, []*Object{obj}), nil)
	return nil
}

func (h *Hub) handleExportObject(p *Participant, req *request) error {
	ch := req.r.Int32()
	id := req.r.Uint32()
	if err := req.malformed(); err != nil {
		return err
	}
	if id == 0 {
		return protocolViolation("export object 0")
	}
	c, err := h.memberChannel(p, ch)
	if err != nil {
		return err
	}
	if id <= proto.MaxStaticID {
		return coreError(proto.ErrCodeBadRequest, ErrStaticObject.Error())
	}
	blob, err := c.Export(id)
	w := proto.Begin(proto.OpResponseExportObject)
	w.Int32(ch)
	w.Uint32(id)
	w.Bool(err == nil)
	w.Blob(blob)
	p.send(w.Bytes(), false)
	return nil
}

func (h *Hub) handleImportObject(p *Participant, req *request) error {
	ch := req.r.Int32()
	blob := req.r.Blob()
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
	obj, calls, err := c.Import(p.ID, blob)
	if err != nil {
		if ce := toCoreError(err); ce != nil {
			return ce
		}
		return coreError(proto.ErrCodeBadRequest, err.Error())
	}

	create := msgCreateObject(c.ID, obj)
	for _, m := range c.members {
		m.send(create, false)
		for _, call := range calls {
			m.send(msgSavedCall(c.ID, call), false)
		}
	}
	w := proto.Begin(proto.OpResponseImportObject)
	w.Int32(c.ID)
	w.Uint32(obj.ID)
	p.send(w.Bytes(), false)
	return nil
}
