package groupby

import "github.com/brimdata/zuniq/distinct"

// rowOverhead approximates the map entry and slice headers of a group.
const rowOverhead = 96

// row is one group of the in-memory table.
type row struct {
	key      []byte
	value    []byte
	trackers []*distinct.Tracker
}

// cost estimates the memory held by r.  The key is counted twice since
// the table's map key is a copy.
func (r *row) cost() int64 {
	n := rowOverhead + 2*len(r.key) + len(r.value)
	for _, t := range r.trackers {
		n += t.Size()
	}
	return int64(n)
}

func (r *row) counts(dst []uint64) []uint64 {
	for _, t := range r.trackers {
		dst = append(dst, t.Count())
	}
	return dst
}
