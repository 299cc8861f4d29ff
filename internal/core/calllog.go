package core

import (
	"container/list"
)

// SavedCall is a remote call retained for replay to late joiners.
type SavedCall struct {
	Source   int32
	Object   uint32
	Selector byte
	Name     string
	Payload  []byte
}

type callKey struct {
	object   uint32
	selector byte
	name     string
}

func keyOf(c SavedCall) callKey {
	return callKey{object: c.Object, selector: c.Selector, name: c.Name}
}

// CallLog keeps at most one saved call per (object, selector, name). An
// upsert moves the entry to the end so replay preserves causal order.
type CallLog struct {
	entries map[callKey]*list.Element
	order   *list.List
}

// NewCallLog returns an empty log.
func NewCallLog() *CallLog {
	return &CallLog{entries: make(map[callKey]*list.Element), order: list.New()}
}

// Upsert records c, replacing and moving any previous entry with the same key.
func (l *CallLog) Upsert(c SavedCall) {
	k := keyOf(c)
	if e, ok := l.entries[k]; ok {
		l.order.Remove(e)
	}
	l.entries[k] = l.order.PushBack(c)
}

// Delete removes the entry for the key and reports whether it existed.
func (l *CallLog) Delete(object uint32, selector byte, name string) bool {
	k := callKey{object: object, selector: selector, name: name}
	e, ok := l.entries[k]
	if !ok {
		return false
	}
	l.order.Remove(e)
	delete(l.entries, k)
	return true
}

// Take removes and returns every entry for object, in log order.
func (l *CallLog) Take(object uint32) []SavedCall {
	var out []SavedCall
	for e := l.order.Front(); e != nil; {
		next := e.Next()
		c := e.Value.(SavedCall)
		if c.Object == object {
			out = append(out, c)
			l.order.Remove(e)
			delete(l.entries, keyOf(c))
		}
		e = next
	}
	return out
}

// For returns the entries for object without removing them.
func (l *CallLog) For(object uint32) []SavedCall {
	var out []SavedCall
	for e := l.order.Front(); e != nil; e = e.Next() {
		if c := e.Value.(SavedCall); c.Object == object {
			out = append(out, c)
		}
	}
	return out
}

// Entries returns every entry in replay order.
func (l *CallLog) Entries() []SavedCall {
	out := make([]SavedCall, 0, l.order.Len())
	for e := l.order.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(SavedCall))
	}
	return out
}

// Len returns the number of entries.
func (l *CallLog) Len() int { return l.order.Len() }
