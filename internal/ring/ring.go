// Package ring holds a fixed capacity frame ring used to model the
// peripheral's receive FIFOs.
package ring

import (
	bxcan "github.com/samsamfire/gobxcan"
)

// Entry is one stored frame together with the filter match index that
// accepted it.
type Entry struct {
	Frame bxcan.Frame
	Match uint8
}

// Ring is a circular frame buffer. One slot stays unused so that full
// and empty are distinguishable from the positions alone.
type Ring struct {
	slots    []Entry
	writePos int
	readPos  int
}

func New(capacity int) *Ring {
	return &Ring{
		slots: make([]Entry, capacity+1),
	}
}

func (r *Ring) Reset() {
	r.readPos = 0
	r.writePos = 0
}

func (r *Ring) Cap() int {
	return len(r.slots) - 1
}

func (r *Ring) Len() int {
	occupied := r.writePos - r.readPos
	if occupied < 0 {
		occupied += len(r.slots)
	}
	return occupied
}

func (r *Ring) Full() bool {
	return r.Len() == r.Cap()
}

// Push appends an entry and reports whether there was room for it
func (r *Ring) Push(e Entry) bool {
	if r.Full() {
		return false
	}
	r.slots[r.writePos] = e
	r.writePos++
	if r.writePos == len(r.slots) {
		r.writePos = 0
	}
	return true
}

// PushEvict appends an entry, dropping the oldest stored one when the
// ring is full. The dropped entry is returned with evicted set.
func (r *Ring) PushEvict(e Entry) (dropped Entry, evicted bool) {
	if r.Full() {
		dropped, _ = r.Pop()
		evicted = true
	}
	r.Push(e)
	return dropped, evicted
}

// Pop removes and returns the oldest entry
func (r *Ring) Pop() (Entry, bool) {
	if r.readPos == r.writePos {
		return Entry{}, false
	}
	e := r.slots[r.readPos]
	r.readPos++
	if r.readPos == len(r.slots) {
		r.readPos = 0
	}
	return e, true
}

// Peek returns the oldest entry without removing it
func (r *Ring) Peek() (Entry, bool) {
	if r.readPos == r.writePos {
		return Entry{}, false
	}
	return r.slots[r.readPos], true
}
