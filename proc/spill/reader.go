package spill

import (
	"bufio"
	"encoding/binary"
	"errors"
	"io"
	"os"

	"github.com/brimdata/zuniq"
	"github.com/brimdata/zuniq/distinct"
	"github.com/brimdata/zuniq/zue"
	"github.com/pierrec/lz4/v4"
	"go.uber.org/multierr"
)

// Reader reads back the groups of a generation in the order they were
// written.  It works like a peeker: after Next returns true, the current
// group's key, value and counts stay available until the following Next,
// and its distinct values are read from the auxiliary file with
// ReadDistinct.
type Reader struct {
	dir    *Dir
	gen    *Generation
	layout *zuniq.Layout
	files  []*os.File
	main   *bufio.Reader
	aux    *bufio.Reader
	rec    []byte
	counts []uint64
}

// NewReader opens generation g for reading.  The files count against the
// handle budget until the Reader is closed.  Running out of handles is
// reported as an Exhausted error with nothing left open.
func (d *Dir) NewReader(g *Generation, layout *zuniq.Layout) (*Reader, error) {
	if err := d.Acquire(g.handles()); err != nil {
		return nil, err
	}
	r := &Reader{
		dir:    d,
		gen:    g,
		layout: layout,
		rec:    make([]byte, layout.KeyWidth()+layout.ValueWidth()+distinct.CountWidth*layout.NumDistinct()),
		counts: make([]uint64, layout.NumDistinct()),
	}
	f, err := d.openFile(g.main)
	if err != nil {
		d.Release(g.handles())
		return nil, err
	}
	r.files = append(r.files, f)
	r.main = r.input(f)
	if g.aux != "" {
		f, err := d.openFile(g.aux)
		if err != nil {
			r.files[0].Close()
			d.Release(g.handles())
			return nil, err
		}
		r.files = append(r.files, f)
		r.aux = r.input(f)
	}
	return r, nil
}

func (r *Reader) input(f *os.File) *bufio.Reader {
	if r.dir.compress {
		return bufio.NewReader(lz4.NewReader(f))
	}
	return bufio.NewReader(f)
}

func (r *Reader) Generation() *Generation {
	return r.gen
}

// Next advances to the next group and returns false at the end of the
// generation.  A partial group is an IO error.
func (r *Reader) Next() (bool, error) {
	_, err := io.ReadFull(r.main, r.rec)
	if err == io.EOF {
		return false, nil
	}
	if err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return false, zue.E(zue.IO, "generation %d: truncated group", r.gen.ID)
		}
		return false, zue.ErrIO(err)
	}
	off := r.layout.KeyWidth() + r.layout.ValueWidth()
	for k := range r.counts {
		r.counts[k] = binary.BigEndian.Uint64(r.rec[off:])
		off += distinct.CountWidth
	}
	return true, nil
}

func (r *Reader) Key() []byte {
	return r.rec[:r.layout.KeyWidth()]
}

func (r *Reader) Value() []byte {
	kw := r.layout.KeyWidth()
	return r.rec[kw : kw+r.layout.ValueWidth()]
}

// Counts returns the distinct count of each distinct field of the current
// group.
func (r *Reader) Counts() []uint64 {
	return r.counts
}

// ReadDistinct reads the next distinct value of the current group into
// dst, whose length must be the width of the field being read.
func (r *Reader) ReadDistinct(dst []byte) error {
	if _, err := io.ReadFull(r.aux, dst); err != nil {
		if err == io.EOF || errors.Is(err, io.ErrUnexpectedEOF) {
			return zue.E(zue.IO, "generation %d: truncated distinct values", r.gen.ID)
		}
		return zue.ErrIO(err)
	}
	return nil
}

// CopyTo writes the current group and every group after it to w
// unchanged.  The Reader is at its end afterwards.
func (r *Reader) CopyTo(w *Writer) error {
	if _, err := w.main.w.Write(r.rec); err != nil {
		return zue.ErrIO(err)
	}
	n, err := io.Copy(w.main.w, r.main)
	if err != nil {
		return zue.ErrIO(err)
	}
	if n%int64(len(r.rec)) != 0 {
		return zue.E(zue.IO, "generation %d: truncated group", r.gen.ID)
	}
	w.gen.Groups += 1 + n/int64(len(r.rec))
	if r.aux != nil {
		if _, err := io.Copy(w.aux.w, r.aux); err != nil {
			return zue.ErrIO(err)
		}
	}
	return nil
}

func (r *Reader) Close() error {
	var err error
	for _, f := range r.files {
		err = multierr.Append(err, f.Close())
	}
	if r.files != nil {
		r.dir.Release(r.gen.handles())
		r.files = nil
	}
	if err != nil {
		return zue.ErrIO(err)
	}
	return nil
}

// CloseAndRemove closes the reader and removes the generation's files.
func (r *Reader) CloseAndRemove() error {
	err := r.Close()
	if rmErr := r.dir.Remove(r.gen); err == nil {
		err = rmErr
	}
	return err
}
