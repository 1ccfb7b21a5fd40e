// Package groupby aggregates flow records that arrive in any order.  Groups
// are kept in an in-memory table until the table reaches its group limit or
// its memory budget, at which point the whole table is sorted by key and
// spilled to a generation on disk.  Output comes straight from the table
// when nothing was spilled, and from an external merge of the spilled
// generations otherwise.
package groupby

import (
	"github.com/brimdata/zuniq"
	"github.com/brimdata/zuniq/field"
	"github.com/brimdata/zuniq/flow"
	"github.com/brimdata/zuniq/proc/merge"
	"github.com/brimdata/zuniq/proc/spill"
	"github.com/brimdata/zuniq/zue"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"
)

// DefaultLimit is the number of groups held in memory before a spill when
// Options.Limit is zero.
var DefaultLimit = 1000000

type Options struct {
	Spill spill.Options
	// Limit is the maximum number of groups held in memory.
	Limit int
	// MemMaxBytes bounds the estimated memory of the table.  Zero means
	// only Limit applies.
	MemMaxBytes int64
	// SortedOutput requests key order from a table that was never
	// spilled.  Spilled output is always in key order.
	SortedOutput bool
}

type state int

const (
	uninitialized state = iota
	readyForInput
	readyForOutput
	done
)

func (s state) String() string {
	switch s {
	case uninitialized:
		return "uninitialized"
	case readyForInput:
		return "ready for input"
	case readyForOutput:
		return "ready for output"
	case done:
		return "done"
	}
	return "unknown"
}

// Aggregator groups records by key.  Its life cycle is Configure,
// PrepareForInput, any number of calls to Add, PrepareForOutput, and
// NewIterator or Run.  Close releases the temporary files.  An Aggregator
// is not safe for concurrent use, but independent Aggregators may run
// concurrently.
type Aggregator struct {
	logger   *zap.Logger
	opts     Options
	state    state
	keys     *field.List
	values   *field.List
	distinct *field.List
	layout   *zuniq.Layout
	table    map[string]*row
	rows     []*row
	nbytes   int64
	keyCache []byte
	distBuf  []byte
	dir      *spill.Dir
	gens     []*spill.Generation
	// forceSpill, when set, is consulted before each new group and
	// reports a simulated allocation failure.
	forceSpill func() bool
}

func New(logger *zap.Logger, opts Options) *Aggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Limit <= 0 {
		opts.Limit = DefaultLimit
	}
	return &Aggregator{
		logger: logger,
		opts:   opts,
	}
}

func (a *Aggregator) expect(s state) error {
	if a.state != s {
		return zue.ErrInvalid("aggregator is %s, not %s", a.state, s)
	}
	return nil
}

// Configure sets the key, value and distinct field lists.  Either of
// values and distinct may be nil.
func (a *Aggregator) Configure(keys, values, distinct *field.List) error {
	if err := a.expect(uninitialized); err != nil {
		return err
	}
	a.keys, a.values, a.distinct = keys, values, distinct
	return nil
}

// PrepareForInput validates the configuration and readies the table.
func (a *Aggregator) PrepareForInput() error {
	if err := a.expect(uninitialized); err != nil {
		return err
	}
	layout, err := zuniq.NewLayout(a.keys, a.values, a.distinct)
	if err != nil {
		return err
	}
	a.layout = layout
	a.table = make(map[string]*row)
	a.keyCache = make([]byte, layout.KeyWidth())
	a.distBuf = make([]byte, layout.Distinct.Width())
	a.state = readyForInput
	return nil
}

// Layout returns the validated layout once PrepareForInput succeeded.
func (a *Aggregator) Layout() *zuniq.Layout {
	return a.layout
}

// Add folds rec into its group.
func (a *Aggregator) Add(rec *flow.Record) error {
	if err := a.expect(readyForInput); err != nil {
		return err
	}
	a.layout.Key.Encode(rec, a.keyCache)
	r, ok := a.table[string(a.keyCache)]
	if !ok {
		var err error
		if r, err = a.newRow(); err != nil {
			return err
		}
	}
	if err := a.layout.Value.Accumulate(rec, r.value); err != nil {
		a.logger.Warn("Aggregate overflow", zap.Binary("key", r.key), zap.Error(err))
	}
	if len(r.trackers) == 0 {
		return nil
	}
	a.layout.Distinct.Encode(rec, a.distBuf)
	for k, e := range a.layout.Distinct.Entries() {
		t := r.trackers[k]
		before := t.Size()
		if t.Insert(a.layout.Distinct.Extract(a.distBuf, e)) {
			a.nbytes += int64(t.Size() - before)
		}
	}
	if a.opts.MemMaxBytes > 0 && a.nbytes > a.opts.MemMaxBytes && len(a.table) > 1 {
		return a.spill()
	}
	return nil
}

// newRow adds a group for the key in keyCache.  If the table cannot take
// another group, it is spilled and the insert retried once; a table that
// cannot take a group even when empty is fatal.
func (a *Aggregator) newRow() (*row, error) {
	r := &row{
		key:      append([]byte(nil), a.keyCache...),
		value:    a.layout.NewValue(),
		trackers: a.layout.NewTrackers(),
	}
	cost := r.cost()
	if a.full(cost) {
		if len(a.table) == 0 {
			return nil, zue.E(zue.Exhausted, "group of %d bytes does not fit in memory budget of %d", cost, a.opts.MemMaxBytes)
		}
		if err := a.spill(); err != nil {
			return nil, err
		}
		if a.overBudget(cost) {
			return nil, zue.E(zue.Exhausted, "group of %d bytes does not fit in memory budget of %d", cost, a.opts.MemMaxBytes)
		}
	}
	a.table[string(r.key)] = r
	a.nbytes += cost
	return r, nil
}

func (a *Aggregator) full(cost int64) bool {
	if a.forceSpill != nil && a.forceSpill() {
		return true
	}
	return len(a.table) >= a.opts.Limit || a.overBudget(cost)
}

func (a *Aggregator) overBudget(cost int64) bool {
	return a.opts.MemMaxBytes > 0 && a.nbytes+cost > a.opts.MemMaxBytes
}

func (a *Aggregator) sortedRows() []*row {
	rows := make([]*row, 0, len(a.table))
	for _, r := range a.table {
		rows = append(rows, r)
	}
	slices.SortFunc(rows, func(x, y *row) bool {
		return a.layout.Key.Compare(x.key, y.key) < 0
	})
	return rows
}

// spill writes the table in key order to a new generation and empties it.
func (a *Aggregator) spill() error {
	if len(a.table) == 0 {
		return nil
	}
	if a.dir == nil {
		dir, err := a.opts.Spill.NewDir(a.logger)
		if err != nil {
			return err
		}
		a.dir = dir
	}
	w, err := a.dir.NewWriter(a.layout)
	if err != nil {
		return err
	}
	for _, r := range a.sortedRows() {
		if err := w.Write(r.key, r.value, r.trackers); err != nil {
			w.Abort()
			return err
		}
	}
	g, err := w.Close()
	if err != nil {
		return err
	}
	a.logger.Debug("Spilled table",
		zap.Int("groups", len(a.table)),
		zap.Int64("bytes", a.nbytes),
		zap.Int("generation", g.ID))
	a.gens = append(a.gens, g)
	a.table = make(map[string]*row)
	a.nbytes = 0
	return nil
}

// Spilled reports whether any part of the table was written to disk.
func (a *Aggregator) Spilled() bool {
	return len(a.gens) > 0
}

// PrepareForOutput ends input.  If anything was spilled, the rest of the
// table is spilled too so that output comes from one merge.
func (a *Aggregator) PrepareForOutput() error {
	if err := a.expect(readyForInput); err != nil {
		return err
	}
	if a.Spilled() {
		if err := a.spill(); err != nil {
			return err
		}
	} else if a.opts.SortedOutput {
		a.rows = a.sortedRows()
	} else {
		a.rows = make([]*row, 0, len(a.table))
		for _, r := range a.table {
			a.rows = append(a.rows, r)
		}
	}
	a.table = nil
	a.state = readyForOutput
	return nil
}

// NewIterator returns the output of the aggregation.  It may be called
// once.
func (a *Aggregator) NewIterator() (*Iterator, error) {
	if err := a.expect(readyForOutput); err != nil {
		return nil, err
	}
	a.state = done
	if !a.Spilled() {
		return &Iterator{table: &tableIterator{rows: a.rows}}, nil
	}
	gens := a.gens
	a.gens = nil
	it, err := merge.New(a.dir, a.layout, a.logger).Merge(gens)
	if err != nil {
		return nil, err
	}
	return &Iterator{merge: it}, nil
}

// Run passes every group to out.  An error from out aborts the job and is
// returned as a Rejected error.
func (a *Aggregator) Run(out zuniq.OutputFunc) (err error) {
	it, err := a.NewIterator()
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := it.Close(); err == nil {
			err = closeErr
		}
	}()
	for {
		r, err := it.Next()
		if err != nil {
			return err
		}
		if r == nil {
			return nil
		}
		if err := out(r); err != nil {
			return zue.E(zue.Rejected, err)
		}
	}
}

// Close removes the job's temporary files.
func (a *Aggregator) Close() error {
	a.state = done
	a.table = nil
	a.rows = nil
	if a.dir == nil {
		return nil
	}
	err := a.dir.RemoveAll()
	a.dir = nil
	return err
}
