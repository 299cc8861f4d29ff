package core

import "time"

// Forward points a transferred object's old address at its new one.
type Forward struct {
	Channel int32
	Object  uint32
	Expires time.Time
}

// forwardTable maps old object ids of one channel to their new location.
// Records expire lazily on lookup and in bulk through sweep.
type forwardTable map[uint32]Forward

func (t forwardTable) add(oldID uint32, f Forward) { t[oldID] = f }

func (t forwardTable) lookup(oldID uint32, now time.Time) (Forward, bool) {
	f, ok := t[oldID]
	if !ok {
		return Forward{}, false
	}
	if !now.Before(f.Expires) {
		delete(t, oldID)
		return Forward{}, false
	}
	return f, true
}

func (t forwardTable) sweep(now time.Time) {
	for id, f := range t {
		if !now.Before(f.Expires) {
			delete(t, id)
		}
	}
}
