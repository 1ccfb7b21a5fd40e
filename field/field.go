// Package field describes how the fields of a flow record are packed into
// the flat byte buffers the aggregation engine uses for grouping keys,
// aggregate values, and distinct values.  A List is an ordered set of
// entries; each entry owns the byte range [Offset, Offset+Width) of every
// buffer built from the list.
package field

import (
	"bytes"
	"encoding/binary"

	"github.com/brimdata/zuniq/flow"
	"github.com/brimdata/zuniq/zue"
	"go.uber.org/multierr"
)

const (
	// MaxWidth is the widest buffer a List may describe.
	MaxWidth = 256
	// MaxFields is the maximum number of entries in a List.
	MaxFields = MaxWidth >> 1
)

// Numeric fields are stored big endian so that the raw bytes of a field
// sort the same way as the number they hold.
var order = binary.BigEndian

type (
	EncodeFunc     func(rec *flow.Record, dst []byte)
	AccumulateFunc func(rec *flow.Record, dst []byte)
	MergeFunc      func(dst, src []byte)
	CompareFunc    func(a, b []byte) int
)

// Caller describes a field whose semantics are supplied by the caller.
// Any nil callback falls back to a default: Encode zeroes the field,
// Accumulate and Merge do nothing, and Compare is bytes.Compare.
type Caller struct {
	// Name identifies the field.  A distinct field and a key field with
	// the same non-empty Name are the same field.
	Name       string
	Width      int
	Encode     EncodeFunc
	Accumulate AccumulateFunc
	Merge      MergeFunc
	Compare    CompareFunc
	// Initial, if non-nil, must be Width bytes and seeds the field in a
	// new value buffer.
	Initial []byte
	Context interface{}
}

type Entry struct {
	id      ID
	offset  int
	width   int
	caller  *Caller
	initial []byte
}

func (e *Entry) ID() ID      { return e.id }
func (e *Entry) Offset() int { return e.offset }
func (e *Entry) Width() int  { return e.width }

func (e *Entry) Name() string {
	if e.caller != nil && e.caller.Name != "" {
		return e.caller.Name
	}
	return e.id.String()
}

func (e *Entry) Context() interface{} {
	if e.caller == nil {
		return nil
	}
	return e.caller.Context
}

func (e *Entry) slice(buf []byte) []byte {
	return buf[e.offset : e.offset+e.width]
}

// List is an ordered sequence of field entries.  A List is built with
// AddKnown and AddCaller and must not be modified once it is handed to a
// job; after that it is only read and is safe for concurrent use.
type List struct {
	entries []Entry
	width   int
}

func NewList() *List {
	return &List{entries: make([]Entry, 0, MaxFields)}
}

func (l *List) Len() int {
	if l == nil {
		return 0
	}
	return len(l.entries)
}

// Width returns the size in bytes of a buffer described by l.
func (l *List) Width() int {
	if l == nil {
		return 0
	}
	return l.width
}

func (l *List) Entry(k int) *Entry {
	return &l.entries[k]
}

func (l *List) Entries() []*Entry {
	if l == nil {
		return nil
	}
	out := make([]*Entry, 0, len(l.entries))
	for k := range l.entries {
		out = append(out, &l.entries[k])
	}
	return out
}

func (l *List) add(id ID, width int) (*Entry, error) {
	if len(l.entries) == MaxFields {
		return nil, zue.ErrInvalid("field list is full (%d fields)", MaxFields)
	}
	if l.width+width > MaxWidth {
		return nil, zue.ErrInvalid("field list too wide: adding %d bytes to %d exceeds %d", width, l.width, MaxWidth)
	}
	l.entries = append(l.entries, Entry{
		id:     id,
		offset: l.width,
		width:  width,
	})
	l.width += width
	return &l.entries[len(l.entries)-1], nil
}

// AddKnown appends the built-in field id with its canonical width.
func (l *List) AddKnown(id ID) (*Entry, error) {
	if id == CallerDefined || id.Width() == 0 {
		return nil, zue.ErrInvalid("unknown field id %d", int(id))
	}
	e, err := l.add(id, id.Width())
	if err != nil {
		return nil, err
	}
	if id == MinStartTime {
		e.initial = bytes.Repeat([]byte{0xff}, e.width)
	}
	return e, nil
}

// AddCaller appends a caller-defined field.
func (l *List) AddCaller(c Caller) (*Entry, error) {
	if c.Width <= 0 {
		return nil, zue.ErrInvalid("caller field %q has invalid width %d", c.Name, c.Width)
	}
	if c.Initial != nil && len(c.Initial) != c.Width {
		return nil, zue.ErrInvalid("caller field %q initial value is %d bytes, want %d", c.Name, len(c.Initial), c.Width)
	}
	e, err := l.add(CallerDefined, c.Width)
	if err != nil {
		return nil, err
	}
	caller := c
	e.caller = &caller
	if c.Initial != nil {
		e.initial = append([]byte(nil), c.Initial...)
	}
	return e, nil
}

// Has reports whether l contains a field equivalent to e.
func (l *List) Has(e *Entry) bool {
	for k := range l.entries {
		f := &l.entries[k]
		if f.id != e.id {
			continue
		}
		if e.id != CallerDefined {
			return true
		}
		if e.caller.Name != "" && f.caller.Name == e.caller.Name {
			return true
		}
	}
	return false
}

// Encode writes the value of each field of rec into its range of dst.
func (l *List) Encode(rec *flow.Record, dst []byte) {
	for k := range l.entries {
		e := &l.entries[k]
		out := e.slice(dst)
		if e.caller != nil {
			if e.caller.Encode != nil {
				e.caller.Encode(rec, out)
			} else {
				zero(out)
			}
			continue
		}
		encode(e.id, rec, out)
	}
}

// Init sets each field of buf to its initial value.
func (l *List) Init(buf []byte) {
	for k := range l.entries {
		e := &l.entries[k]
		out := e.slice(buf)
		if e.initial != nil {
			copy(out, e.initial)
		} else {
			zero(out)
		}
	}
}

// Accumulate folds rec into the aggregate buffer dst.  The returned error
// is non-nil only when a counter wrapped past its width; the wrapped value
// is kept and the accumulation is otherwise complete.
func (l *List) Accumulate(rec *flow.Record, dst []byte) error {
	var err error
	for k := range l.entries {
		e := &l.entries[k]
		out := e.slice(dst)
		if e.caller != nil {
			if e.caller.Accumulate != nil {
				e.caller.Accumulate(rec, out)
			}
			continue
		}
		if !accumulate(e.id, rec, out) {
			err = multierr.Append(err, overflow(e))
		}
	}
	return err
}

// Merge combines the aggregate buffer src into dst.  As with Accumulate,
// a non-nil error reports wraparound only.
func (l *List) Merge(dst, src []byte) error {
	var err error
	for k := range l.entries {
		e := &l.entries[k]
		a, b := e.slice(dst), e.slice(src)
		if e.caller != nil {
			if e.caller.Merge != nil {
				e.caller.Merge(a, b)
			}
			continue
		}
		if !merge(e.id, a, b) {
			err = multierr.Append(err, overflow(e))
		}
	}
	return err
}

// Compare orders two buffers field by field; the first field that differs
// decides.
func (l *List) Compare(a, b []byte) int {
	for k := range l.entries {
		e := &l.entries[k]
		var c int
		if e.caller != nil && e.caller.Compare != nil {
			c = e.caller.Compare(e.slice(a), e.slice(b))
		} else {
			c = compare(e.width, e.slice(a), e.slice(b))
		}
		if c != 0 {
			return c
		}
	}
	return 0
}

// Extract returns the bytes of field e within buf.
func (l *List) Extract(buf []byte, e *Entry) []byte {
	return e.slice(buf)
}

func overflow(e *Entry) error {
	return zue.E(zue.Overflow, "%s field at offset %d wrapped past %d bytes", e.Name(), e.offset, e.width)
}

func compare(width int, a, b []byte) int {
	switch width {
	case 1:
		return cmp(uint64(a[0]), uint64(b[0]))
	case 2:
		return cmp(uint64(order.Uint16(a)), uint64(order.Uint16(b)))
	case 4:
		return cmp(uint64(order.Uint32(a)), uint64(order.Uint32(b)))
	case 8:
		return cmp(order.Uint64(a), order.Uint64(b))
	}
	return bytes.Compare(a, b)
}

func cmp(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func zero(b []byte) {
	for k := range b {
		b[k] = 0
	}
}
