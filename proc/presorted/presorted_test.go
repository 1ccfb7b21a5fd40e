package presorted

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"sort"
	"testing"

	"github.com/brimdata/zuniq"
	"github.com/brimdata/zuniq/field"
	"github.com/brimdata/zuniq/flow"
	"github.com/brimdata/zuniq/proc/spill"
	"github.com/brimdata/zuniq/zue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type group struct {
	records  uint32
	distinct uint64
}

func list(t *testing.T, ids ...field.ID) *field.List {
	l := field.NewList()
	for _, id := range ids {
		_, err := l.AddKnown(id)
		require.NoError(t, err)
	}
	return l
}

func newDriver(t *testing.T, opts spill.Options) *Driver {
	opts.TempDir = t.TempDir()
	d, err := New(zaptest.NewLogger(t), opts, list(t, field.SPort), list(t, field.Records), list(t, field.DPort))
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

func openers(streams [][]flow.Record) []Opener {
	var out []Opener
	for _, recs := range streams {
		recs := recs
		out = append(out, func() (flow.ReadCloser, error) {
			return flow.NewArray(recs), nil
		})
	}
	return out
}

func run(t *testing.T, d *Driver, streams [][]flow.Record) ([]uint16, map[uint16]group) {
	var keys []uint16
	out := map[uint16]group{}
	err := d.Run(openers(streams), func(r *zuniq.Row) error {
		k := binary.BigEndian.Uint16(r.Key)
		keys = append(keys, k)
		out[k] = group{binary.BigEndian.Uint32(r.Value), r.Distinct[0]}
		return nil
	})
	require.NoError(t, err)
	return keys, out
}

// randomStreams returns n streams sorted by source port and the groups
// expected from merging them.
func randomStreams(seed int64, n int) ([][]flow.Record, map[uint16]group) {
	r := rand.New(rand.NewSource(seed))
	ports := map[uint16]map[uint16]struct{}{}
	expected := map[uint16]group{}
	var streams [][]flow.Record
	for k := 0; k < n; k++ {
		recs := make([]flow.Record, r.Intn(200))
		for j := range recs {
			recs[j] = flow.Record{SPort: uint16(r.Intn(100)), DPort: uint16(r.Intn(20))}
			g := expected[recs[j].SPort]
			g.records++
			expected[recs[j].SPort] = g
			if ports[recs[j].SPort] == nil {
				ports[recs[j].SPort] = map[uint16]struct{}{}
			}
			ports[recs[j].SPort][recs[j].DPort] = struct{}{}
		}
		sort.Slice(recs, func(i, j int) bool { return recs[i].SPort < recs[j].SPort })
		streams = append(streams, recs)
	}
	for k, set := range ports {
		g := expected[k]
		g.distinct = uint64(len(set))
		expected[k] = g
	}
	return streams, expected
}

func isSorted(keys []uint16) bool {
	return sort.SliceIsSorted(keys, func(i, j int) bool { return keys[i] < keys[j] })
}

func TestDistinctAcrossStreams(t *testing.T) {
	streams := [][]flow.Record{
		{{SPort: 5, DPort: 9}},
		{{SPort: 5, DPort: 9}},
	}
	d := newDriver(t, spill.Options{})
	keys, out := run(t, d, streams)
	assert.Equal(t, []uint16{5}, keys)
	assert.Equal(t, group{records: 2, distinct: 1}, out[5])
	assert.False(t, d.Spilled())
}

func TestRandomStreams(t *testing.T) {
	streams, expected := randomStreams(1, 14)
	d := newDriver(t, spill.Options{})
	keys, out := run(t, d, streams)
	assert.False(t, d.Spilled())
	assert.True(t, isSorted(keys))
	assert.Len(t, keys, len(expected))
	assert.Equal(t, expected, out)
}

func TestMoreStreamsThanHandles(t *testing.T) {
	streams, expected := randomStreams(2, 14)
	for _, compress := range []bool{false, true} {
		t.Run(fmt.Sprintf("compress-%t", compress), func(t *testing.T) {
			d := newDriver(t, spill.Options{MaxOpenFiles: 6, Compress: compress})
			keys, out := run(t, d, streams)
			assert.True(t, d.Spilled())
			assert.True(t, isSorted(keys))
			assert.Equal(t, expected, out)
			assert.Equal(t, 0, d.dir.Open())
			assert.Equal(t, 0, d.dir.Live())
		})
	}
}

func TestFanIn(t *testing.T) {
	streams, expected := randomStreams(3, 7)
	d := newDriver(t, spill.Options{})
	d.fanIn = 3
	keys, out := run(t, d, streams)
	assert.True(t, d.Spilled())
	assert.True(t, isSorted(keys))
	assert.Equal(t, expected, out)
}

func TestTooFewHandles(t *testing.T) {
	streams, _ := randomStreams(4, 3)
	d := newDriver(t, spill.Options{MaxOpenFiles: 2})
	err := d.Run(openers(streams), func(*zuniq.Row) error { return nil })
	assert.True(t, zue.IsExhausted(err))
	assert.Equal(t, 0, d.dir.Open())
}

func TestUnsortedInput(t *testing.T) {
	streams := [][]flow.Record{
		{{SPort: 1}, {SPort: 3}, {SPort: 2}},
	}
	d := newDriver(t, spill.Options{})
	err := d.Run(openers(streams), func(*zuniq.Row) error { return nil })
	assert.True(t, zue.IsInvalid(err))
}

func TestRejected(t *testing.T) {
	streams, _ := randomStreams(5, 8)
	stop := errors.New("stop")
	for _, maxOpen := range []int{0, 6} {
		t.Run(fmt.Sprintf("max-open-%d", maxOpen), func(t *testing.T) {
			d := newDriver(t, spill.Options{MaxOpenFiles: maxOpen})
			err := d.Run(openers(streams), func(*zuniq.Row) error { return stop })
			assert.True(t, zue.IsKind(err, zue.Rejected))
			assert.ErrorIs(t, err, stop)
		})
	}
}

func TestOpenerError(t *testing.T) {
	boom := errors.New("boom")
	inputs := append(openers([][]flow.Record{{{SPort: 1}}}), func() (flow.ReadCloser, error) {
		return nil, boom
	})
	d := newDriver(t, spill.Options{})
	err := d.Run(inputs, func(*zuniq.Row) error { return nil })
	assert.ErrorIs(t, err, boom)
	assert.True(t, zue.IsKind(err, zue.IO))
	assert.Equal(t, 0, d.dir.Open())
}

// failingReader returns recs and then err.
type failingReader struct {
	recs []flow.Record
	err  error
}

func (f *failingReader) Read() (*flow.Record, error) {
	if len(f.recs) == 0 {
		return nil, f.err
	}
	rec := &f.recs[0]
	f.recs = f.recs[1:]
	return rec, nil
}

func (*failingReader) Close() error { return nil }

func TestReadError(t *testing.T) {
	streams, _ := randomStreams(7, 8)
	boom := errors.New("boom")
	inputs := append(openers(streams), func() (flow.ReadCloser, error) {
		return &failingReader{recs: []flow.Record{{SPort: 1}, {SPort: 2}, {SPort: 3}}, err: boom}, nil
	})
	for _, maxOpen := range []int{0, 6} {
		t.Run(fmt.Sprintf("max-open-%d", maxOpen), func(t *testing.T) {
			d := newDriver(t, spill.Options{MaxOpenFiles: maxOpen})
			err := d.Run(inputs, func(*zuniq.Row) error { return nil })
			assert.ErrorIs(t, err, boom)
			assert.True(t, zue.IsKind(err, zue.IO))
			assert.Equal(t, maxOpen != 0, d.Spilled())
			assert.Equal(t, 0, d.dir.Open())
		})
	}
}

func TestRunOnce(t *testing.T) {
	d := newDriver(t, spill.Options{})
	require.NoError(t, d.Run(nil, func(*zuniq.Row) error { return nil }))
	assert.True(t, zue.IsInvalid(d.Run(nil, func(*zuniq.Row) error { return nil })))
}

func TestCloseRemovesTempDir(t *testing.T) {
	streams, _ := randomStreams(6, 10)
	d := newDriver(t, spill.Options{MaxOpenFiles: 6})
	run(t, d, streams)
	path := d.dir.Path()
	require.NoError(t, d.Close())
	_, err := os.Stat(path)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestInvalidLayout(t *testing.T) {
	_, err := New(nil, spill.Options{}, list(t, field.SPort), nil, list(t, field.SPort))
	assert.True(t, zue.IsInvalid(err))
}
