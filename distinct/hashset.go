package distinct

import (
	"bytes"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/exp/slices"
)

const (
	hashSetMinSlots = 64
	// The low bits of the last byte of a value select a bit in the slot's
	// presence mask, so one slot covers eight neighboring values.
	presenceBits = 3
	presenceMask = 1<<presenceBits - 1
)

// hashSet is an open-addressing table with linear probing.  Each slot is
// the value with its presence bits cleared followed by a one-byte mask of
// which of the eight neighbors are present.  A zero mask marks an empty
// slot.
type hashSet struct {
	width   int
	stride  int
	used    int
	slots   []byte
	scratch []byte
}

func newHashSet(width int) *hashSet {
	h := &hashSet{
		width:   width,
		stride:  width + 1,
		scratch: make([]byte, width),
	}
	h.alloc(hashSetMinSlots)
	return h
}

func (h *hashSet) alloc(n int) {
	h.slots = make([]byte, n*h.stride)
	h.used = 0
}

func (h *hashSet) nslots() int {
	return len(h.slots) / h.stride
}

func (h *hashSet) slot(k int) []byte {
	off := k * h.stride
	return h.slots[off : off+h.stride]
}

// lookup returns the slot holding key or the empty slot where it belongs.
func (h *hashSet) lookup(key []byte) []byte {
	mask := uint64(h.nslots() - 1)
	for k := xxhash.Sum64(key) & mask; ; k = (k + 1) & mask {
		s := h.slot(int(k))
		if s[h.width] == 0 || bytes.Equal(s[:h.width], key) {
			return s
		}
	}
}

func (h *hashSet) insert(v []byte) bool {
	last := h.width - 1
	copy(h.scratch, v)
	h.scratch[last] &^= presenceMask
	bit := byte(1) << (v[last] & presenceMask)
	s := h.lookup(h.scratch)
	if s[h.width] == 0 {
		if 2*(h.used+1) > h.nslots() {
			h.grow()
			s = h.lookup(h.scratch)
		}
		copy(s, h.scratch)
		h.used++
	} else if s[h.width]&bit != 0 {
		return false
	}
	s[h.width] |= bit
	return true
}

func (h *hashSet) grow() {
	old, n := h.slots, h.nslots()
	h.alloc(2 * n)
	for off := 0; off < len(old); off += h.stride {
		s := old[off : off+h.stride]
		if s[h.width] == 0 {
			continue
		}
		copy(h.lookup(s[:h.width]), s)
		h.used++
	}
}

// appendSorted sorts the occupied slots by key and expands each presence
// mask in bit order, which yields the values in ascending order.
func (h *hashSet) appendSorted(dst []byte) []byte {
	occupied := make([][]byte, 0, h.used)
	for k := 0; k < h.nslots(); k++ {
		if s := h.slot(k); s[h.width] != 0 {
			occupied = append(occupied, s)
		}
	}
	slices.SortFunc(occupied, func(a, b []byte) bool {
		return bytes.Compare(a[:h.width], b[:h.width]) < 0
	})
	for _, s := range occupied {
		for b := byte(0); b <= presenceMask; b++ {
			if s[h.width]&(1<<b) == 0 {
				continue
			}
			dst = append(dst, s[:h.width]...)
			dst[len(dst)-1] |= b
		}
	}
	return dst
}

func (h *hashSet) reset() {
	for k := range h.slots {
		h.slots[k] = 0
	}
	h.used = 0
}

func (h *hashSet) size() int {
	return len(h.slots) + len(h.scratch)
}
