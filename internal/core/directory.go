package core

import (
	"cmp"
	"slices"

	"github.com/vovakirdan/replica-server/internal/proto"
)

// Object is a replicated object created at runtime. Static objects (ids up to
// proto.MaxStaticID) are known to clients ahead of time and never appear here.
type Object struct {
	ID      uint32
	Owner   int32
	Creator int32
	Kind    byte
	Payload []byte

	seq uint64
}

// Durable reports whether the object survives its owner leaving.
func (o *Object) Durable() bool { return o.Kind == proto.KindDurable }

// Directory holds a channel's dynamic objects and allocates their ids.
type Directory struct {
	objects map[uint32]*Object
	next    uint32
	seq     uint64
}

// NewDirectory returns an empty directory whose counter starts at the top of
// the dynamic range.
func NewDirectory() *Directory {
	return &Directory{objects: make(map[uint32]*Object), next: proto.MaxDynamicID}
}

// Counter returns the next id the allocator will try.
func (d *Directory) Counter() uint32 { return d.next }

// SetCounter restores the allocator position, clamped to the dynamic range.
func (d *Directory) SetCounter(v uint32) {
	if v < proto.MinDynamicID || v > proto.MaxDynamicID {
		v = proto.MaxDynamicID
	}
	d.next = v
}

// allocate walks the counter downward, wrapping at the bottom of the range and
// skipping ids that are still live.
func (d *Directory) allocate() (uint32, bool) {
	span := proto.MaxDynamicID - proto.MinDynamicID + 1
	for range span {
		id := d.next
		d.next--
		if d.next < proto.MinDynamicID {
			d.next = proto.MaxDynamicID
		}
		if _, live := d.objects[id]; !live {
			return id, true
		}
	}
	return 0, false
}

// Create allocates an id and records a new object owned by its creator.
func (d *Directory) Create(creator int32, kind byte, payload []byte) (*Object, error) {
	id, ok := d.allocate()
	if !ok {
		return nil, ErrDirectoryFull
	}
	return d.insert(&Object{ID: id, Owner: creator, Creator: creator, Kind: kind, Payload: payload}), nil
}

// insert stores obj under its own id. Used when restoring persisted state.
func (d *Directory) insert(obj *Object) *Object {
	d.seq++
	obj.seq = d.seq
	d.objects[obj.ID] = obj
	return obj
}

// Get returns the live object with id.
func (d *Directory) Get(id uint32) *Object { return d.objects[id] }

// Remove deletes the object with id and returns it.
func (d *Directory) Remove(id uint32) (*Object, bool) {
	obj, ok := d.objects[id]
	if ok {
		delete(d.objects, id)
	}
	return obj, ok
}

// HeldBy returns the objects participant created or owns, in creation order.
func (d *Directory) HeldBy(participant int32) []*Object {
	var out []*Object
	for _, obj := range d.objects {
		if obj.Owner == participant || obj.Creator == participant {
			out = append(out, obj)
		}
	}
	sortObjects(out)
	return out
}

// All returns every object in creation order.
func (d *Directory) All() []*Object {
	out := make([]*Object, 0, len(d.objects))
	for _, obj := range d.objects {
		out = append(out, obj)
	}
	sortObjects(out)
	return out
}

// Len returns the number of live objects.
func (d *Directory) Len() int { return len(d.objects) }

func sortObjects(objs []*Object) {
	slices.SortFunc(objs, func(a, b *Object) int { return cmp.Compare(a.seq, b.seq) })
}
