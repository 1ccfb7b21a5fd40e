package groupby

import (
	"github.com/brimdata/zuniq"
	"github.com/brimdata/zuniq/proc/merge"
	"github.com/brimdata/zuniq/zue"
)

// Iterator returns the groups of an Aggregator, from its table when
// nothing was spilled and from the external merge otherwise.
type Iterator struct {
	table *tableIterator
	merge *merge.Iterator
}

var _ zuniq.Iterator = (*Iterator)(nil)

func (i *Iterator) Next() (*zuniq.Row, error) {
	if i.table != nil {
		return i.table.next(), nil
	}
	return i.merge.Next()
}

// Reset rewinds output from an in-memory table.  Output produced by a
// merge cannot be rewound.
func (i *Iterator) Reset() error {
	if i.table == nil {
		return zue.ErrInvalid("cannot reset output of a merge")
	}
	i.table.off = 0
	return nil
}

func (i *Iterator) Close() error {
	if i.merge != nil {
		return i.merge.Close()
	}
	return nil
}

type tableIterator struct {
	rows   []*row
	off    int
	out    zuniq.Row
	counts []uint64
}

func (t *tableIterator) next() *zuniq.Row {
	if t.off >= len(t.rows) {
		return nil
	}
	r := t.rows[t.off]
	t.off++
	t.counts = r.counts(t.counts[:0])
	t.out = zuniq.Row{Key: r.key, Value: r.value, Distinct: t.counts}
	return &t.out
}
