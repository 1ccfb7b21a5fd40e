package merge

import (
	"bytes"

	"github.com/brimdata/zuniq"
	"github.com/brimdata/zuniq/pkg/heap"
	"github.com/brimdata/zuniq/proc/spill"
	"go.uber.org/zap"
)

// merger combines the groups of a set of open generations.  Groups are
// ordered by a heap of readers on their current key; the distinct values
// of groups that share a key are combined with a second heap, per distinct
// field, on the raw value bytes.
type merger struct {
	layout  *zuniq.Layout
	logger  *zap.Logger
	readers *heap.Heap[*spill.Reader]
	all     []*spill.Reader
	group   []*spill.Reader
	values  *heap.Heap[*cursor]
	cursors []cursor
	last    []byte
	key     []byte
	value   []byte
	counts  []uint64
	err     error
}

// cursor walks the distinct values of one field of one reader's current
// group.
type cursor struct {
	r         *spill.Reader
	remaining uint64
	val       []byte
}

func (c *cursor) advance() (bool, error) {
	if c.remaining == 0 {
		return false, nil
	}
	c.remaining--
	return true, c.r.ReadDistinct(c.val)
}

func (e *Engine) newMerger(readers []*spill.Reader) *merger {
	m := &merger{
		layout: e.layout,
		logger: e.logger,
		readers: heap.New(func(a, b *spill.Reader) int {
			return e.layout.Key.Compare(a.Key(), b.Key())
		}),
		values: heap.New(func(a, b *cursor) int {
			return bytes.Compare(a.val, b.val)
		}),
		counts: make([]uint64, e.layout.NumDistinct()),
	}
	for _, r := range readers {
		ok, err := r.Next()
		if err != nil {
			m.err = err
		}
		if ok {
			m.readers.Push(r)
		}
		m.all = append(m.all, r)
	}
	return m
}

// next merges the groups with the lowest key.  When emit is non-nil, the
// merged distinct values are passed to it field by field in ascending
// order.  next returns false when every input is exhausted.
func (m *merger) next(emit func([]byte) error) (bool, error) {
	if m.err != nil {
		return false, m.err
	}
	if m.readers.Len() == 0 {
		return false, nil
	}
	r := m.readers.Pop()
	m.key = append(m.key[:0], r.Key()...)
	m.value = append(m.value[:0], r.Value()...)
	m.group = append(m.group[:0], r)
	for m.readers.Len() > 0 && m.layout.Key.Compare(m.readers.Peek().Key(), m.key) == 0 {
		r := m.readers.Pop()
		if err := m.layout.Value.Merge(m.value, r.Value()); err != nil {
			m.logger.Warn("Aggregate overflow during merge", zap.Error(err))
		}
		m.group = append(m.group, r)
	}
	for k := range m.counts {
		count, err := m.mergeDistinct(k, emit)
		if err != nil {
			m.err = err
			return false, err
		}
		m.counts[k] = count
	}
	for _, r := range m.group {
		ok, err := r.Next()
		if err != nil {
			m.err = err
			return false, err
		}
		if ok {
			m.readers.Push(r)
		}
	}
	return true, nil
}

// mergeDistinct consumes the values of distinct field k from every reader
// in the current group and returns the size of their union.
func (m *merger) mergeDistinct(k int, emit func([]byte) error) (uint64, error) {
	width := m.layout.DistinctWidth(k)
	if cap(m.cursors) < len(m.group) {
		m.cursors = make([]cursor, len(m.group))
	}
	m.cursors = m.cursors[:len(m.group)]
	m.values.Reset()
	for j, r := range m.group {
		c := &m.cursors[j]
		c.r = r
		c.remaining = r.Counts()[k]
		if len(c.val) != width {
			c.val = make([]byte, width)
		}
		ok, err := c.advance()
		if err != nil {
			return 0, err
		}
		if ok {
			m.values.Push(c)
		}
	}
	var count uint64
	for m.values.Len() > 0 {
		c := m.values.Peek()
		if count == 0 || !bytes.Equal(c.val, m.last) {
			count++
			m.last = append(m.last[:0], c.val...)
			if emit != nil {
				if err := emit(c.val); err != nil {
					return 0, err
				}
			}
		}
		ok, err := c.advance()
		if err != nil {
			return 0, err
		}
		if ok {
			m.values.Fix()
		} else {
			m.values.Pop()
		}
	}
	return count, nil
}

// writeTo merges every group into w.  Once a single input remains, its
// tail is copied verbatim.
func (m *merger) writeTo(w *spill.Writer) error {
	for {
		if m.err != nil {
			return m.err
		}
		if m.readers.Len() == 1 {
			return m.readers.Pop().CopyTo(w)
		}
		ok, err := m.next(w.WriteDistinct)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if err := w.WriteGroup(m.key, m.value, m.counts); err != nil {
			return err
		}
	}
}

func (m *merger) close() error {
	err := closeAndRemove(m.all)
	m.all = nil
	return err
}
