package distinct

import (
	"bytes"
	"sort"
)

// shortList keeps up to ShortListMax values packed in one buffer in
// ascending order.
type shortList struct {
	width int
	n     int
	buf   []byte
}

func newShortList(width int) *shortList {
	return &shortList{width: width}
}

func (s *shortList) at(k int) []byte {
	off := k * s.width
	return s.buf[off : off+s.width]
}

func (s *shortList) search(v []byte) (int, bool) {
	k := sort.Search(s.n, func(k int) bool {
		return bytes.Compare(s.at(k), v) >= 0
	})
	return k, k < s.n && bytes.Equal(s.at(k), v)
}

func (s *shortList) full() bool {
	return s.n == ShortListMax
}

func (s *shortList) contains(v []byte) bool {
	_, ok := s.search(v)
	return ok
}

func (s *shortList) insert(v []byte) bool {
	k, ok := s.search(v)
	if ok {
		return false
	}
	if s.buf == nil {
		s.buf = make([]byte, 0, ShortListMax*s.width)
	}
	off := k * s.width
	s.buf = append(s.buf, v...)
	copy(s.buf[off+s.width:], s.buf[off:len(s.buf)-s.width])
	copy(s.buf[off:], v)
	s.n++
	return true
}

// escalate moves the values of a full list into a new hash set.
func (s *shortList) escalate() *hashSet {
	h := newHashSet(s.width)
	for k := 0; k < s.n; k++ {
		h.insert(s.at(k))
	}
	return h
}

func (s *shortList) appendSorted(dst []byte) []byte {
	return append(dst, s.buf...)
}

func (s *shortList) reset() {
	s.n = 0
	s.buf = s.buf[:0]
}

func (s *shortList) size() int {
	return cap(s.buf)
}
