package changelog

import (
	"slices"
	"sync"
)

// OffsetID pairs a record id with the journal offset of its latest update.
type OffsetID struct {
	Offset uint64
	ID     uint64
}

type indexEntry[T any] struct {
	offset uint64
	obj    T
}

// IdIndex owns the live objects of a journal, keyed by id, together with the
// offset of the record each one was last written at.
type IdIndex[T any] struct {
	mu      sync.RWMutex
	entries map[uint64]*indexEntry[T]
}

// NewIdIndex returns an empty index.
func NewIdIndex[T any]() *IdIndex[T] {
	return &IdIndex[T]{entries: make(map[uint64]*indexEntry[T])}
}

// Get returns the object and offset stored for id.
func (x *IdIndex[T]) Get(id uint64) (T, uint64, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	e, ok := x.entries[id]
	if !ok {
		var zero T
		return zero, 0, false
	}
	return e.obj, e.offset, true
}

// Put stores obj at offset, replacing any previous entry.
func (x *IdIndex[T]) Put(id, offset uint64, obj T) {
	x.mu.Lock()
	x.entries[id] = &indexEntry[T]{offset: offset, obj: obj}
	x.mu.Unlock()
}

// SetOffset moves an existing entry to a new offset.
func (x *IdIndex[T]) SetOffset(id, offset uint64) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	e, ok := x.entries[id]
	if ok {
		e.offset = offset
	}
	return ok
}

// Delete removes id and hands its object back to the caller.
func (x *IdIndex[T]) Delete(id uint64) (T, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	e, ok := x.entries[id]
	if !ok {
		var zero T
		return zero, false
	}
	delete(x.entries, id)
	return e.obj, true
}

// Len returns the number of live entries.
func (x *IdIndex[T]) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.entries)
}

// Snapshot returns every (offset, id) pair sorted by offset.
func (x *IdIndex[T]) Snapshot() []OffsetID {
	x.mu.RLock()
	out := make([]OffsetID, 0, len(x.entries))
	for id, e := range x.entries {
		out = append(out, OffsetID{Offset: e.offset, ID: id})
	}
	x.mu.RUnlock()

	slices.SortFunc(out, func(a, b OffsetID) int {
		switch {
		case a.Offset < b.Offset:
			return -1
		case a.Offset > b.Offset:
			return 1
		}
		return 0
	})
	return out
}

// Objects returns the live objects sorted by id.
func (x *IdIndex[T]) Objects() []T {
	x.mu.RLock()
	ids := make([]uint64, 0, len(x.entries))
	for id := range x.entries {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	out := make([]T, 0, len(ids))
	for _, id := range ids {
		out = append(out, x.entries[id].obj)
	}
	x.mu.RUnlock()
	return out
}

// Range calls fn for every entry in no particular order until fn returns
// false. fn must not call back into the index.
func (x *IdIndex[T]) Range(fn func(id, offset uint64, obj T) bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	for id, e := range x.entries {
		if !fn(id, e.offset, e.obj) {
			return
		}
	}
}

// MaxID returns the highest indexed id, or 0 when empty.
func (x *IdIndex[T]) MaxID() uint64 {
	x.mu.RLock()
	defer x.mu.RUnlock()
	var m uint64
	for id := range x.entries {
		m = max(m, id)
	}
	return m
}

// Reset drops every entry.
func (x *IdIndex[T]) Reset() {
	x.mu.Lock()
	x.entries = make(map[uint64]*indexEntry[T])
	x.mu.Unlock()
}
