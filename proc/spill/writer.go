package spill

import (
	"bufio"
	"encoding/binary"
	"io"
	"os"

	"github.com/brimdata/zuniq"
	"github.com/brimdata/zuniq/distinct"
	"github.com/brimdata/zuniq/zue"
	"github.com/pierrec/lz4/v4"
	"go.uber.org/multierr"
)

// Generation names the files of one spill or merge pass.
type Generation struct {
	ID     int
	Groups int64
	main   string
	aux    string
}

func (g *Generation) handles() int {
	if g.aux != "" {
		return 2
	}
	return 1
}

// stream is one buffered, optionally compressed output file.
type stream struct {
	file *os.File
	buf  *bufio.Writer
	lz   *lz4.Writer
	w    io.Writer
}

func newStream(f *os.File, compress bool) *stream {
	s := &stream{file: f}
	if compress {
		s.lz = lz4.NewWriter(f)
		s.buf = bufio.NewWriter(s.lz)
	} else {
		s.buf = bufio.NewWriter(f)
	}
	s.w = s.buf
	return s
}

func (s *stream) close() error {
	err := s.buf.Flush()
	if s.lz != nil {
		err = multierr.Append(err, s.lz.Close())
	}
	return multierr.Append(err, s.file.Close())
}

// Writer appends groups to a new generation.
type Writer struct {
	dir     *Dir
	gen     *Generation
	layout  *zuniq.Layout
	main    *stream
	aux     *stream
	scratch []byte
}

// NewWriter creates the files of a new generation for groups described by
// layout.  The files count against the handle budget until the Writer is
// closed.  If the budget or the operating system is out of handles, the
// error is of kind Exhausted.
func (d *Dir) NewWriter(layout *zuniq.Layout) (*Writer, error) {
	g := d.newGeneration(layout.NumDistinct() > 0)
	if err := d.Acquire(g.handles()); err != nil {
		delete(d.live, g.ID)
		return nil, err
	}
	w := &Writer{dir: d, gen: g, layout: layout}
	f, err := d.create(g.main)
	if err != nil {
		d.Release(g.handles())
		delete(d.live, g.ID)
		return nil, err
	}
	w.main = newStream(f, d.compress)
	if g.aux != "" {
		f, err := d.create(g.aux)
		if err != nil {
			w.main.close()
			d.Release(g.handles())
			d.Remove(g)
			return nil, err
		}
		w.aux = newStream(f, d.compress)
	}
	return w, nil
}

func (w *Writer) Generation() *Generation {
	return w.gen
}

// Write appends one group whose distinct values are held in trackers.
func (w *Writer) Write(key, value []byte, trackers []*distinct.Tracker) error {
	for _, t := range trackers {
		w.scratch = t.AppendValues(w.scratch[:0])
		if _, err := w.aux.w.Write(w.scratch); err != nil {
			return zue.ErrIO(err)
		}
	}
	return w.writeMain(key, value, func(k int) uint64 { return trackers[k].Count() })
}

// WriteDistinct appends one distinct value of the group that the next call
// to WriteGroup completes.  Values must be written field by field in
// ascending order.
func (w *Writer) WriteDistinct(v []byte) error {
	if _, err := w.aux.w.Write(v); err != nil {
		return zue.ErrIO(err)
	}
	return nil
}

// WriteGroup appends the main record of a group whose distinct values were
// written with WriteDistinct.
func (w *Writer) WriteGroup(key, value []byte, counts []uint64) error {
	return w.writeMain(key, value, func(k int) uint64 { return counts[k] })
}

func (w *Writer) writeMain(key, value []byte, count func(int) uint64) error {
	out := w.main.w
	if _, err := out.Write(key); err != nil {
		return zue.ErrIO(err)
	}
	if _, err := out.Write(value); err != nil {
		return zue.ErrIO(err)
	}
	var b [distinct.CountWidth]byte
	for k := 0; k < w.layout.NumDistinct(); k++ {
		binary.BigEndian.PutUint64(b[:], count(k))
		if _, err := out.Write(b[:]); err != nil {
			return zue.ErrIO(err)
		}
	}
	w.gen.Groups++
	return nil
}

// Close flushes and closes the generation's files and returns the
// finished generation.
func (w *Writer) Close() (*Generation, error) {
	err := w.main.close()
	if w.aux != nil {
		err = multierr.Append(err, w.aux.close())
	}
	w.dir.Release(w.gen.handles())
	if err != nil {
		return nil, zue.ErrIO(err)
	}
	return w.gen, nil
}

// Abort closes and removes a partially written generation.
func (w *Writer) Abort() error {
	w.main.close()
	if w.aux != nil {
		w.aux.close()
	}
	w.dir.Release(w.gen.handles())
	return w.dir.Remove(w.gen)
}
