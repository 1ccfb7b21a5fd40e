package groupby

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/brimdata/zuniq"
	"github.com/brimdata/zuniq/field"
	"github.com/brimdata/zuniq/flow"
	"github.com/brimdata/zuniq/proc/spill"
	"github.com/brimdata/zuniq/zue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/sync/errgroup"
)

func list(t *testing.T, ids ...field.ID) *field.List {
	l := field.NewList()
	for _, id := range ids {
		_, err := l.AddKnown(id)
		require.NoError(t, err)
	}
	return l
}

func newAggregator(t *testing.T, logger *zap.Logger, opts Options, keys, values, distinct *field.List) *Aggregator {
	if opts.Spill.TempDir == "" {
		opts.Spill.TempDir = t.TempDir()
	}
	a := New(logger, opts)
	require.NoError(t, a.Configure(keys, values, distinct))
	require.NoError(t, a.PrepareForInput())
	t.Cleanup(func() { a.Close() })
	return a
}

type group struct {
	records  uint32
	packets  uint64
	distinct uint64
}

// portGroups aggregates recs by source port, counting records, summing
// packets and counting distinct destination ports.
func portGroups(t *testing.T, a *Aggregator, recs []flow.Record) ([]uint16, map[uint16]group) {
	for k := range recs {
		require.NoError(t, a.Add(&recs[k]))
	}
	require.NoError(t, a.PrepareForOutput())
	var keys []uint16
	out := map[uint16]group{}
	err := a.Run(func(r *zuniq.Row) error {
		k := binary.BigEndian.Uint16(r.Key)
		keys = append(keys, k)
		out[k] = group{
			records:  binary.BigEndian.Uint32(r.Value),
			packets:  binary.BigEndian.Uint64(r.Value[4:]),
			distinct: r.Distinct[0],
		}
		return nil
	})
	require.NoError(t, err)
	return keys, out
}

func portAggregator(t *testing.T, logger *zap.Logger, opts Options) *Aggregator {
	return newAggregator(t, logger, opts,
		list(t, field.SPort),
		list(t, field.Records, field.SumPackets),
		list(t, field.DPort))
}

func randomRecords(seed int64, n int) ([]flow.Record, map[uint16]group) {
	r := rand.New(rand.NewSource(seed))
	recs := make([]flow.Record, n)
	ports := map[uint16]map[uint16]struct{}{}
	expected := map[uint16]group{}
	for k := range recs {
		rec := flow.Record{
			SPort:   uint16(r.Intn(300)),
			DPort:   uint16(r.Intn(50)),
			Packets: uint64(r.Intn(1000)),
		}
		recs[k] = rec
		g := expected[rec.SPort]
		g.records++
		g.packets += rec.Packets
		expected[rec.SPort] = g
		if ports[rec.SPort] == nil {
			ports[rec.SPort] = map[uint16]struct{}{}
		}
		ports[rec.SPort][rec.DPort] = struct{}{}
	}
	for k, set := range ports {
		g := expected[k]
		g.distinct = uint64(len(set))
		expected[k] = g
	}
	return recs, expected
}

func isSorted(keys []uint16) bool {
	return sort.SliceIsSorted(keys, func(i, j int) bool { return keys[i] < keys[j] })
}

func TestSumBytesByProtocol(t *testing.T) {
	a := newAggregator(t, nil, Options{}, list(t, field.Proto), list(t, field.SumBytes), nil)
	recs := []flow.Record{
		{Proto: flow.ProtoTCP, Bytes: 100},
		{Proto: flow.ProtoUDP, Bytes: 10},
		{Proto: flow.ProtoTCP, Bytes: 50},
	}
	for k := range recs {
		require.NoError(t, a.Add(&recs[k]))
	}
	require.NoError(t, a.PrepareForOutput())
	out := map[uint8]uint64{}
	require.NoError(t, a.Run(func(r *zuniq.Row) error {
		out[r.Key[0]] = binary.BigEndian.Uint64(r.Value)
		assert.Empty(t, r.Distinct)
		return nil
	}))
	assert.Equal(t, map[uint8]uint64{flow.ProtoTCP: 150, flow.ProtoUDP: 10}, out)
	assert.False(t, a.Spilled())
}

func TestForcedSpills(t *testing.T) {
	var recs []flow.Record
	for pass := 0; pass < 2; pass++ {
		for k := 1; k <= 1000; k++ {
			recs = append(recs, flow.Record{SPort: uint16(k), DPort: 80})
		}
	}
	a := portAggregator(t, zaptest.NewLogger(t), Options{})
	var calls int
	a.forceSpill = func() bool {
		calls++
		return len(a.table) > 0 && calls%97 == 0
	}
	keys, out := portGroups(t, a, recs)
	assert.True(t, a.Spilled())
	require.Len(t, keys, 1000)
	assert.True(t, isSorted(keys))
	for k := 1; k <= 1000; k++ {
		assert.Equal(t, group{records: 2, distinct: 1}, out[uint16(k)], "key %d", k)
	}
}

func TestRandomSpillPoints(t *testing.T) {
	for seed := int64(1); seed <= 4; seed++ {
		t.Run(fmt.Sprintf("seed-%d", seed), func(t *testing.T) {
			recs, expected := randomRecords(seed, 5000)
			a := portAggregator(t, nil, Options{})
			r := rand.New(rand.NewSource(seed))
			a.forceSpill = func() bool {
				return len(a.table) > 0 && r.Intn(40) == 0
			}
			keys, out := portGroups(t, a, recs)
			assert.True(t, isSorted(keys))
			assert.Len(t, keys, len(expected))
			assert.Equal(t, expected, out)
		})
	}
}

func TestSpillOnGroupLimit(t *testing.T) {
	recs, expected := randomRecords(7, 3000)
	a := portAggregator(t, nil, Options{Limit: 25, Spill: spill.Options{Compress: true}})
	keys, out := portGroups(t, a, recs)
	assert.True(t, a.Spilled())
	assert.True(t, isSorted(keys))
	assert.Equal(t, expected, out)
}

func TestSpillWithFewHandles(t *testing.T) {
	recs, expected := randomRecords(8, 4000)
	a := portAggregator(t, nil, Options{Limit: 10, Spill: spill.Options{MaxOpenFiles: 7}})
	_, out := portGroups(t, a, recs)
	assert.Equal(t, expected, out)
	assert.Equal(t, 0, a.dir.Open())
	assert.Equal(t, 0, a.dir.Live())
}

type layoutGroup struct {
	value    []byte
	distinct []uint64
}

func collect(t *testing.T, a *Aggregator, recs []flow.Record) map[string]layoutGroup {
	for k := range recs {
		require.NoError(t, a.Add(&recs[k]))
	}
	require.NoError(t, a.PrepareForOutput())
	out := map[string]layoutGroup{}
	err := a.Run(func(r *zuniq.Row) error {
		out[string(r.Key)] = layoutGroup{
			value:    append([]byte(nil), r.Value...),
			distinct: append([]uint64(nil), r.Distinct...),
		}
		return nil
	})
	require.NoError(t, err)
	return out
}

func TestSpilledLayouts(t *testing.T) {
	r := rand.New(rand.NewSource(15))
	protos := []uint8{flow.ProtoICMP, flow.ProtoTCP, flow.ProtoUDP, flow.ProtoICMPv6}
	recs := make([]flow.Record, 3000)
	for k := range recs {
		recs[k] = flow.Record{
			SPort:   uint16(r.Intn(300)),
			DPort:   uint16(r.Intn(50)),
			Proto:   protos[r.Intn(len(protos))],
			Packets: uint64(r.Intn(1000)),
		}
	}
	optional := func(ids ...field.ID) *field.List {
		if len(ids) == 0 {
			return nil
		}
		return list(t, ids...)
	}
	for _, c := range []struct {
		name     string
		values   []field.ID
		distinct []field.ID
	}{
		{"two-distinct", []field.ID{field.Records}, []field.ID{field.DPort, field.Proto}},
		{"no-values", nil, []field.ID{field.Proto, field.DPort}},
		{"no-distinct", []field.ID{field.Records, field.SumPackets}, nil},
	} {
		t.Run(c.name, func(t *testing.T) {
			want := collect(t, newAggregator(t, nil, Options{},
				list(t, field.SPort), optional(c.values...), optional(c.distinct...)), recs)
			require.Len(t, want, 300)
			for _, maxOpen := range []int{0, 6, 7} {
				a := newAggregator(t, nil, Options{Limit: 17, Spill: spill.Options{MaxOpenFiles: maxOpen}},
					list(t, field.SPort), optional(c.values...), optional(c.distinct...))
				got := collect(t, a, recs)
				assert.True(t, a.Spilled())
				assert.Equal(t, want, got, "max open files %d", maxOpen)
				assert.Equal(t, 0, a.dir.Open())
				assert.Equal(t, 0, a.dir.Live())
			}
		})
	}
}

func TestMemoryBudget(t *testing.T) {
	recs, expected := randomRecords(9, 2000)
	a := portAggregator(t, nil, Options{MemMaxBytes: 4096})
	_, out := portGroups(t, a, recs)
	assert.True(t, a.Spilled())
	assert.Equal(t, expected, out)
}

func TestMemoryBudgetTooSmall(t *testing.T) {
	a := newAggregator(t, nil, Options{MemMaxBytes: 50}, list(t, field.SPort), list(t, field.Records), nil)
	err := a.Add(&flow.Record{SPort: 1})
	assert.True(t, zue.IsExhausted(err))
}

func TestUnsortedAndSortedOutput(t *testing.T) {
	recs, expected := randomRecords(10, 1000)
	_, out := portGroups(t, portAggregator(t, nil, Options{}), recs)
	assert.Equal(t, expected, out)

	a := portAggregator(t, nil, Options{SortedOutput: true})
	keys, out := portGroups(t, a, recs)
	assert.False(t, a.Spilled())
	assert.True(t, isSorted(keys))
	assert.Equal(t, expected, out)
}

func TestOverflowIsNotFatal(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	a := newAggregator(t, zap.New(core), Options{}, list(t, field.Proto), list(t, field.SumPackets), nil)
	rec := flow.Record{Proto: flow.ProtoTCP, Packets: math.MaxUint64}
	require.NoError(t, a.Add(&rec))
	rec.Packets = 2
	require.NoError(t, a.Add(&rec))
	require.NoError(t, a.PrepareForOutput())
	it, err := a.NewIterator()
	require.NoError(t, err)
	r, err := it.Next()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), binary.BigEndian.Uint64(r.Value))
	assert.Equal(t, 1, logs.FilterMessage("Aggregate overflow").Len())
}

func TestStateErrors(t *testing.T) {
	a := New(nil, Options{Spill: spill.Options{TempDir: t.TempDir()}})
	defer a.Close()
	assert.True(t, zue.IsInvalid(a.Add(&flow.Record{})))
	assert.True(t, zue.IsInvalid(a.PrepareForOutput()))
	_, err := a.NewIterator()
	assert.True(t, zue.IsInvalid(err))

	require.NoError(t, a.Configure(list(t, field.SPort), list(t, field.Records), nil))
	require.NoError(t, a.PrepareForInput())
	assert.True(t, zue.IsInvalid(a.PrepareForInput()))
	require.NoError(t, a.PrepareForOutput())
	assert.True(t, zue.IsInvalid(a.Add(&flow.Record{})))
	_, err = a.NewIterator()
	require.NoError(t, err)
	_, err = a.NewIterator()
	assert.True(t, zue.IsInvalid(err))
}

func TestInvalidLayout(t *testing.T) {
	a := New(nil, Options{})
	require.NoError(t, a.Configure(list(t, field.SPort), nil, nil))
	assert.True(t, zue.IsInvalid(a.PrepareForInput()))
}

func TestResetTableOutput(t *testing.T) {
	recs, _ := randomRecords(11, 200)
	a := portAggregator(t, nil, Options{SortedOutput: true})
	for k := range recs {
		require.NoError(t, a.Add(&recs[k]))
	}
	require.NoError(t, a.PrepareForOutput())
	it, err := a.NewIterator()
	require.NoError(t, err)
	first := drainKeys(t, it)
	require.NoError(t, it.Reset())
	assert.Equal(t, first, drainKeys(t, it))
}

func TestResetMergeOutput(t *testing.T) {
	recs, _ := randomRecords(12, 500)
	a := portAggregator(t, nil, Options{Limit: 20})
	for k := range recs {
		require.NoError(t, a.Add(&recs[k]))
	}
	require.NoError(t, a.PrepareForOutput())
	it, err := a.NewIterator()
	require.NoError(t, err)
	defer it.Close()
	assert.True(t, zue.IsInvalid(it.Reset()))
}

func drainKeys(t *testing.T, it *Iterator) []uint16 {
	var keys []uint16
	for {
		r, err := it.Next()
		require.NoError(t, err)
		if r == nil {
			return keys
		}
		keys = append(keys, binary.BigEndian.Uint16(r.Key))
	}
}

func TestRunRejected(t *testing.T) {
	recs, _ := randomRecords(13, 500)
	for _, limit := range []int{0, 20} {
		t.Run(fmt.Sprintf("limit-%d", limit), func(t *testing.T) {
			a := portAggregator(t, nil, Options{Limit: limit})
			for k := range recs {
				require.NoError(t, a.Add(&recs[k]))
			}
			require.NoError(t, a.PrepareForOutput())
			stop := errors.New("stop")
			err := a.Run(func(*zuniq.Row) error { return stop })
			assert.True(t, zue.IsKind(err, zue.Rejected))
			assert.ErrorIs(t, err, stop)
			require.NoError(t, a.Close())
		})
	}
}

func TestRunCleanupError(t *testing.T) {
	recs, _ := randomRecords(14, 1000)
	a := portAggregator(t, nil, Options{Limit: 20})
	for k := range recs {
		require.NoError(t, a.Add(&recs[k]))
	}
	require.NoError(t, a.PrepareForOutput())
	require.True(t, a.Spilled())
	var blocked bool
	err := a.Run(func(*zuniq.Row) error {
		if blocked {
			return nil
		}
		blocked = true
		// A non-empty directory in place of each open generation file
		// cannot be removed when the merge closes.
		entries, err := os.ReadDir(a.dir.Path())
		if err != nil {
			return err
		}
		for _, e := range entries {
			path := filepath.Join(a.dir.Path(), e.Name())
			if err := os.Remove(path); err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Join(path, "busy"), 0o755); err != nil {
				return err
			}
		}
		return nil
	})
	assert.True(t, zue.IsKind(err, zue.IO), "%v", err)
	assert.False(t, zue.IsKind(err, zue.Rejected))
	assert.Equal(t, 0, a.dir.Open())
}

func TestConcurrentJobs(t *testing.T) {
	dir := t.TempDir()
	var g errgroup.Group
	results := make([]map[uint16]group, 4)
	expected := make([]map[uint16]group, 4)
	for k := range results {
		k := k
		recs, want := randomRecords(int64(20+k), 3000)
		expected[k] = want
		a := portAggregator(t, nil, Options{Limit: 30, Spill: spill.Options{TempDir: dir}})
		g.Go(func() error {
			out := map[uint16]group{}
			for j := range recs {
				if err := a.Add(&recs[j]); err != nil {
					return err
				}
			}
			if err := a.PrepareForOutput(); err != nil {
				return err
			}
			err := a.Run(func(r *zuniq.Row) error {
				out[binary.BigEndian.Uint16(r.Key)] = group{
					records:  binary.BigEndian.Uint32(r.Value),
					packets:  binary.BigEndian.Uint64(r.Value[4:]),
					distinct: r.Distinct[0],
				}
				return nil
			})
			results[k] = out
			return err
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, expected, results)
}
