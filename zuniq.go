// Package zuniq groups flow records by a key built from a list of fields
// and aggregates value fields and distinct-value counts for each group.
// Groups that do not fit in memory are spilled to temporary files and
// merged back in key order.
//
// The packages below this one implement the engine: field describes the
// byte layout of keys and values, distinct counts distinct values,
// proc/groupby aggregates unsorted input, proc/presorted merges inputs that
// are already sorted by key, and proc/merge performs the external merge of
// spilled generations.
package zuniq

import (
	"github.com/brimdata/zuniq/distinct"
	"github.com/brimdata/zuniq/field"
	"github.com/brimdata/zuniq/zue"
)

// Row is one finished group.  Distinct holds one count per distinct field
// in the order of the distinct field list.  The slices of a Row returned
// by an Iterator are only valid until the following call to Next.
type Row struct {
	Key      []byte
	Value    []byte
	Distinct []uint64
}

// Iterator returns finished groups in key order, or in table order for an
// unsorted in-memory result.  Next returns a nil Row at the end of output.
type Iterator interface {
	Next() (*Row, error)
}

// OutputFunc receives each finished group.  A non-nil error stops the job.
type OutputFunc func(*Row) error

// Layout is the validated description of a job: the key, value and
// distinct field lists and the widths derived from them.
type Layout struct {
	Key      *field.List
	Value    *field.List
	Distinct *field.List

	distinctWidths []int
}

// NewLayout validates the three field lists.  keys must be non-empty, at
// least one of values and distinct must be non-empty, every field must be
// allowed in the list it appears in, and no distinct field may also be a
// key field.
func NewLayout(keys, values, distinct *field.List) (*Layout, error) {
	if keys.Len() == 0 {
		return nil, zue.ErrInvalid("no key fields")
	}
	if values.Len() == 0 && distinct.Len() == 0 {
		return nil, zue.ErrInvalid("no value or distinct fields")
	}
	if values == nil {
		values = field.NewList()
	}
	if distinct == nil {
		distinct = field.NewList()
	}
	for _, check := range []struct {
		list *field.List
		role field.Role
	}{
		{keys, field.Key},
		{values, field.Value},
		{distinct, field.Distinct},
	} {
		for _, e := range check.list.Entries() {
			if !e.ID().Allows(check.role) {
				return nil, zue.ErrInvalid("%s field may not be used as a %s field", e.Name(), check.role)
			}
		}
	}
	l := &Layout{
		Key:      keys,
		Value:    values,
		Distinct: distinct,
	}
	for _, e := range distinct.Entries() {
		if keys.Has(e) {
			return nil, zue.ErrInvalid("%s field is both a key and a distinct field", e.Name())
		}
		l.distinctWidths = append(l.distinctWidths, e.Width())
	}
	return l, nil
}

func (l *Layout) KeyWidth() int {
	return l.Key.Width()
}

func (l *Layout) ValueWidth() int {
	return l.Value.Width()
}

// NumDistinct returns the number of distinct fields.
func (l *Layout) NumDistinct() int {
	return len(l.distinctWidths)
}

// DistinctWidth returns the width of the k'th distinct field.
func (l *Layout) DistinctWidth(k int) int {
	return l.distinctWidths[k]
}

// NewTrackers returns one empty tracker per distinct field.
func (l *Layout) NewTrackers() []*distinct.Tracker {
	if len(l.distinctWidths) == 0 {
		return nil
	}
	trackers := make([]*distinct.Tracker, 0, len(l.distinctWidths))
	for _, w := range l.distinctWidths {
		trackers = append(trackers, distinct.New(w))
	}
	return trackers
}

// NewValue returns a value buffer set to the initial values.
func (l *Layout) NewValue() []byte {
	b := make([]byte, l.Value.Width())
	l.Value.Init(b)
	return b
}
