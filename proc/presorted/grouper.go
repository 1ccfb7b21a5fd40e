package presorted

import (
	"github.com/brimdata/zuniq"
	"github.com/brimdata/zuniq/distinct"
	"github.com/brimdata/zuniq/field"
	"github.com/brimdata/zuniq/flow"
	"github.com/brimdata/zuniq/pkg/heap"
	"github.com/brimdata/zuniq/proc/spill"
	"github.com/brimdata/zuniq/zue"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// stream is one open input and its current record.
type stream struct {
	id     int
	r      flow.ReadCloser
	dir    *spill.Dir
	rec    *flow.Record
	key    []byte
	prev   []byte
	nrec   int64
	closed bool
}

// advance reads the next record and encodes its key.  rec is nil at the
// end of the input.
func (s *stream) advance(keys *field.List) error {
	rec, err := s.r.Read()
	if err != nil {
		return zue.ErrIO(err)
	}
	s.rec = rec
	if rec == nil {
		return nil
	}
	s.key, s.prev = s.prev, s.key
	if len(s.key) != keys.Width() {
		s.key = make([]byte, keys.Width())
	}
	keys.Encode(rec, s.key)
	if s.nrec > 0 && keys.Compare(s.key, s.prev) < 0 {
		return zue.ErrInvalid("input %d is not sorted: record %d has a smaller key than the one before it", s.id, s.nrec)
	}
	s.nrec++
	return nil
}

func (s *stream) close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.dir.Release(1)
	return s.r.Close()
}

// grouper aggregates the records of a set of open streams key by key.
// The value buffer and trackers are reused from one group to the next.
type grouper struct {
	layout   *zuniq.Layout
	logger   *zap.Logger
	heap     *heap.Heap[*stream]
	streams  []*stream
	key      []byte
	value    []byte
	distBuf  []byte
	trackers []*distinct.Tracker
	row      zuniq.Row
}

func (d *Driver) newGrouper(streams []*stream) *grouper {
	keys := d.layout.Key
	g := &grouper{
		layout:   d.layout,
		logger:   d.logger,
		heap:     heap.New(func(a, b *stream) int { return keys.Compare(a.key, b.key) }),
		streams:  streams,
		value:    d.layout.NewValue(),
		distBuf:  make([]byte, d.layout.Distinct.Width()),
		trackers: d.layout.NewTrackers(),
	}
	g.row.Distinct = make([]uint64, len(g.trackers))
	for _, s := range streams {
		if s.rec != nil {
			g.heap.Push(s)
		}
	}
	return g
}

// next aggregates every record with the smallest remaining key.  It
// returns false once all streams are exhausted.
func (g *grouper) next() (bool, error) {
	if g.heap.Len() == 0 {
		return false, nil
	}
	g.key = append(g.key[:0], g.heap.Peek().key...)
	g.layout.Value.Init(g.value)
	for _, t := range g.trackers {
		t.Reset()
	}
	for g.heap.Len() > 0 {
		s := g.heap.Peek()
		if g.layout.Key.Compare(s.key, g.key) != 0 {
			break
		}
		g.add(s.rec)
		if err := s.advance(g.layout.Key); err != nil {
			return false, err
		}
		if s.rec == nil {
			g.heap.Pop()
		} else {
			g.heap.Fix()
		}
	}
	return true, nil
}

func (g *grouper) add(rec *flow.Record) {
	if err := g.layout.Value.Accumulate(rec, g.value); err != nil {
		g.logger.Warn("Aggregate overflow", zap.Binary("key", g.key), zap.Error(err))
	}
	if len(g.trackers) == 0 {
		return
	}
	g.layout.Distinct.Encode(rec, g.distBuf)
	for k, e := range g.layout.Distinct.Entries() {
		g.trackers[k].Insert(g.layout.Distinct.Extract(g.distBuf, e))
	}
}

func (g *grouper) drain(out zuniq.OutputFunc) error {
	for {
		ok, err := g.next()
		if err != nil || !ok {
			return err
		}
		g.row.Key = g.key
		g.row.Value = g.value
		for k, t := range g.trackers {
			g.row.Distinct[k] = t.Count()
		}
		if err := out(&g.row); err != nil {
			return zue.E(zue.Rejected, err)
		}
	}
}

func (g *grouper) writeTo(w *spill.Writer) error {
	for {
		ok, err := g.next()
		if err != nil || !ok {
			return err
		}
		if err := w.Write(g.key, g.value, g.trackers); err != nil {
			return err
		}
	}
}

func (g *grouper) close() error {
	var err error
	for _, s := range g.streams {
		err = multierr.Append(err, s.close())
	}
	g.streams = nil
	return err
}
