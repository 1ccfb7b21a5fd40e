// Package distinct counts the distinct values of one fixed-width field
// within a group.  A Tracker starts in the cheapest representation that can
// hold its field and escalates as the number of values grows: single-byte
// fields use a 256-bit bitmap, wider fields start as a small sorted list and
// are converted to a hash set once the list fills.
package distinct

import (
	"encoding/binary"

	"github.com/brimdata/zuniq/zue"
)

// ShortListMax is the number of values a short list holds before the
// tracker escalates to a hash set.
const ShortListMax = 32

// CountWidth is the size of the serialized count that precedes the values.
const CountWidth = 8

// representation is implemented by *bitmap, *shortList and *hashSet.
type representation interface {
	// insert adds v and reports whether it was not already present.
	insert(v []byte) bool
	// appendSorted appends every value in ascending byte order.
	appendSorted(dst []byte) []byte
	reset()
	size() int
}

type Tracker struct {
	width int
	count uint64
	rep   representation
}

// New returns a tracker for values width bytes wide.
func New(width int) *Tracker {
	t := &Tracker{width: width}
	if width == 1 {
		t.rep = newBitmap()
	} else {
		t.rep = newShortList(width)
	}
	return t
}

func (t *Tracker) Width() int {
	return t.width
}

// Insert records v, which must be Width bytes, and reports whether it was
// new to the tracker.
func (t *Tracker) Insert(v []byte) bool {
	if list, ok := t.rep.(*shortList); ok && list.full() && !list.contains(v) {
		t.rep = list.escalate()
	}
	if !t.rep.insert(v) {
		return false
	}
	t.count++
	return true
}

// Count returns the number of distinct values inserted.
func (t *Tracker) Count() uint64 {
	return t.count
}

// Reset empties the tracker so it can be reused for another group.  A
// tracker that escalated to a hash set starts over as a short list.
func (t *Tracker) Reset() {
	t.count = 0
	if _, ok := t.rep.(*hashSet); ok {
		t.rep = newShortList(t.width)
		return
	}
	t.rep.reset()
}

// AppendValues appends the tracked values in ascending byte order.
func (t *Tracker) AppendValues(dst []byte) []byte {
	return t.rep.appendSorted(dst)
}

// Serialize appends the 8-byte count followed by the sorted values.
func (t *Tracker) Serialize(dst []byte) []byte {
	dst = binary.BigEndian.AppendUint64(dst, t.count)
	return t.AppendValues(dst)
}

// Size estimates the memory held by the tracker in bytes.
func (t *Tracker) Size() int {
	return 32 + t.rep.size()
}

// Decode rebuilds a tracker from the output of Serialize.
func Decode(width int, b []byte) (*Tracker, error) {
	if len(b) < CountWidth {
		return nil, zue.E(zue.IO, "distinct values truncated: %d bytes", len(b))
	}
	n := binary.BigEndian.Uint64(b)
	b = b[CountWidth:]
	if uint64(len(b)) != n*uint64(width) {
		return nil, zue.E(zue.IO, "distinct count %d does not match %d bytes of %d-byte values", n, len(b), width)
	}
	t := New(width)
	for off := 0; off < len(b); off += width {
		t.Insert(b[off : off+width])
	}
	if t.count != n {
		return nil, zue.E(zue.IO, "distinct values contain duplicates")
	}
	return t, nil
}
