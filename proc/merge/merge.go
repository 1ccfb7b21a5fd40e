// Package merge performs the external merge of spilled generations.  Each
// generation is sorted by key; a merge combines the groups of every input
// that share a key, summing their values and taking the union of their
// distinct values, and produces the groups in key order.
//
// The number of generations merged at once is bounded by the spill
// directory's handle budget and by MaxMergeFiles.  When the remaining
// generations cannot all be opened, the engine runs intermediate passes
// that merge as many as it can into a new generation, until a single final
// pass can open everything that is left.
package merge

import (
	"github.com/brimdata/zuniq"
	"github.com/brimdata/zuniq/proc/spill"
	"github.com/brimdata/zuniq/zue"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// MaxMergeFiles is the largest number of generations merged in one pass.
const MaxMergeFiles = 1024

type Engine struct {
	dir    *spill.Dir
	layout *zuniq.Layout
	logger *zap.Logger
	fanIn  int
}

func New(dir *spill.Dir, layout *zuniq.Layout, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		dir:    dir,
		layout: layout,
		logger: logger,
		fanIn:  MaxMergeFiles,
	}
}

// Merge consumes gens and returns an iterator over the merged groups.
// Generations are removed as they are consumed; the Iterator removes the
// ones read by the final pass.
func (e *Engine) Merge(gens []*spill.Generation) (*Iterator, error) {
	queue := append([]*spill.Generation(nil), gens...)
	for pass := 0; ; pass++ {
		readers, n, err := e.open(queue)
		if err != nil {
			return nil, err
		}
		if n == len(queue) {
			e.logger.Debug("Final merge pass", zap.Int("pass", pass), zap.Int("generations", n))
			return newIterator(e.newMerger(readers)), nil
		}
		w, readers, err := e.reserveOutput(readers)
		if err != nil {
			return nil, err
		}
		n = len(readers)
		e.logger.Debug("Intermediate merge pass",
			zap.Int("pass", pass),
			zap.Int("generations", n),
			zap.Int("remaining", len(queue)-n))
		g, err := e.intermediate(readers, w)
		if err != nil {
			return nil, err
		}
		queue = append(queue[n:], g)
	}
}

// open opens generations from the front of queue until all are open, the
// fan-in limit is reached, or handles run out.  It returns the readers and
// how many generations they cover.
func (e *Engine) open(queue []*spill.Generation) ([]*spill.Reader, int, error) {
	var readers []*spill.Reader
	for _, g := range queue {
		if len(readers) == e.fanIn {
			break
		}
		r, err := e.dir.NewReader(g, e.layout)
		if err != nil {
			if zue.IsExhausted(err) {
				e.logger.Debug("Out of file handles while opening generations",
					zap.Int("opened", len(readers)),
					zap.Error(err))
				break
			}
			closeAll(readers)
			return nil, 0, err
		}
		readers = append(readers, r)
	}
	return readers, len(readers), nil
}

// reserveOutput creates the output generation of an intermediate pass,
// closing opened inputs from the back until there are handles for it.  A
// pass that cannot keep at least two inputs open makes no progress, which
// is fatal.
func (e *Engine) reserveOutput(readers []*spill.Reader) (*spill.Writer, []*spill.Reader, error) {
	for len(readers) >= 2 {
		w, err := e.dir.NewWriter(e.layout)
		if err == nil {
			return w, readers, nil
		}
		if !zue.IsExhausted(err) {
			closeAll(readers)
			return nil, nil, err
		}
		last := readers[len(readers)-1]
		readers = readers[:len(readers)-1]
		if err := last.Close(); err != nil {
			closeAll(readers)
			return nil, nil, err
		}
	}
	closeAll(readers)
	return nil, nil, zue.E(zue.Exhausted, "cannot open enough temporary files to merge (limit %d)", e.dir.MaxOpen())
}

func (e *Engine) intermediate(readers []*spill.Reader, w *spill.Writer) (*spill.Generation, error) {
	m := e.newMerger(readers)
	if err := m.writeTo(w); err != nil {
		m.close()
		w.Abort()
		return nil, err
	}
	g, err := w.Close()
	if err != nil {
		m.close()
		return nil, err
	}
	if err := m.close(); err != nil {
		return nil, err
	}
	return g, nil
}

func closeAll(readers []*spill.Reader) {
	for _, r := range readers {
		r.Close()
	}
}

// Iterator returns the groups of the final merge pass in key order.
type Iterator struct {
	m   *merger
	row zuniq.Row
}

var _ zuniq.Iterator = (*Iterator)(nil)

func newIterator(m *merger) *Iterator {
	return &Iterator{m: m}
}

func (i *Iterator) Next() (*zuniq.Row, error) {
	ok, err := i.m.next(nil)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, i.m.close()
	}
	i.row.Key = i.m.key
	i.row.Value = i.m.value
	i.row.Distinct = i.m.counts
	return &i.row, nil
}

// Close closes and removes any generations not yet consumed.
func (i *Iterator) Close() error {
	return i.m.close()
}

// Drain passes every remaining group to out.  An error from out stops the
// merge and is returned as a Rejected error.
func (i *Iterator) Drain(out zuniq.OutputFunc) error {
	for {
		row, err := i.Next()
		if err != nil {
			return err
		}
		if row == nil {
			return nil
		}
		if err := out(row); err != nil {
			return zue.E(zue.Rejected, err)
		}
	}
}

func closeAndRemove(readers []*spill.Reader) error {
	var err error
	for _, r := range readers {
		err = multierr.Append(err, r.CloseAndRemove())
	}
	return err
}
