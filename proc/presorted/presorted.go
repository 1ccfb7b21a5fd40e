// Package presorted aggregates inputs that are each already sorted by the
// grouping key.  No hash table is built: the driver merges the inputs
// record by record on their encoded keys and emits a group as soon as its
// key has been passed in every input.
//
// When more inputs exist than can be open at once, the driver merges them
// in batches into spilled generations and finishes with the same external
// merge the unsorted aggregator uses.
package presorted

import (
	"github.com/brimdata/zuniq"
	"github.com/brimdata/zuniq/field"
	"github.com/brimdata/zuniq/flow"
	"github.com/brimdata/zuniq/proc/merge"
	"github.com/brimdata/zuniq/proc/spill"
	"github.com/brimdata/zuniq/zue"
	"go.uber.org/zap"
)

// An Opener opens one input.  The driver may close an input before
// reading it through and open it again later, so each call must return a
// reader positioned at the start of the input.
type Opener func() (flow.ReadCloser, error)

// Driver merges presorted inputs.  A Driver runs once and is not safe for
// concurrent use.
type Driver struct {
	logger  *zap.Logger
	opts    spill.Options
	layout  *zuniq.Layout
	dir     *spill.Dir
	fanIn   int
	ran     bool
	spilled bool
}

// New validates the field lists.  Either of values and distinct may be nil.
func New(logger *zap.Logger, opts spill.Options, keys, values, distinct *field.List) (*Driver, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	layout, err := zuniq.NewLayout(keys, values, distinct)
	if err != nil {
		return nil, err
	}
	return &Driver{
		logger: logger,
		opts:   opts,
		layout: layout,
		fanIn:  merge.MaxMergeFiles,
	}, nil
}

func (d *Driver) Layout() *zuniq.Layout {
	return d.layout
}

// Spilled reports whether the inputs were merged through temporary files.
func (d *Driver) Spilled() bool {
	return d.spilled
}

// Run merges the inputs and passes every group to out in key order.  An
// error from out aborts the job and is returned as a Rejected error.  An
// input whose keys decrease is an Invalid error.
func (d *Driver) Run(inputs []Opener, out zuniq.OutputFunc) error {
	if d.ran {
		return zue.ErrInvalid("presorted driver has already run")
	}
	d.ran = true
	dir, err := d.opts.NewDir(d.logger)
	if err != nil {
		return err
	}
	d.dir = dir
	streams, err := d.open(inputs, 0)
	if err != nil {
		return err
	}
	if len(streams) == len(inputs) {
		d.logger.Debug("Merging presorted inputs directly", zap.Int("inputs", len(inputs)))
		g := d.newGrouper(streams)
		err := g.drain(out)
		if closeErr := g.close(); err == nil {
			err = closeErr
		}
		return err
	}
	gens, err := d.spillAll(inputs, streams)
	if err != nil {
		return err
	}
	it, err := merge.New(d.dir, d.layout, d.logger).Merge(gens)
	if err != nil {
		return err
	}
	err = it.Drain(out)
	if closeErr := it.Close(); err == nil {
		err = closeErr
	}
	return err
}

// open opens inputs from the front of queue until all are open, the
// fan-in limit is reached, or handles run out.  base is the index of
// queue[0] among all inputs.
func (d *Driver) open(queue []Opener, base int) ([]*stream, error) {
	var streams []*stream
	for k, opener := range queue {
		if len(streams) == d.fanIn {
			break
		}
		if err := d.dir.Acquire(1); err != nil {
			d.logger.Debug("Out of file handles while opening inputs",
				zap.Int("opened", len(streams)),
				zap.Error(err))
			break
		}
		r, err := opener()
		if err != nil {
			d.dir.Release(1)
			if spill.IsExhaustion(err) {
				d.logger.Debug("Out of file handles while opening inputs",
					zap.Int("opened", len(streams)),
					zap.Error(err))
				break
			}
			closeStreams(streams)
			return nil, zue.ErrIO(err)
		}
		s := &stream{id: base + k, r: r, dir: d.dir}
		streams = append(streams, s)
		if err := s.advance(d.layout.Key); err != nil {
			closeStreams(streams)
			return nil, err
		}
	}
	return streams, nil
}

// spillAll merges the inputs in batches, each into a new generation.
// streams are the already open inputs at the front of inputs.
func (d *Driver) spillAll(inputs []Opener, streams []*stream) ([]*spill.Generation, error) {
	d.spilled = true
	var gens []*spill.Generation
	queue, base := inputs, 0
	for {
		w, kept, err := d.reserveOutput(streams)
		if err != nil {
			return nil, err
		}
		d.logger.Debug("Spilling presorted inputs",
			zap.Int("inputs", len(kept)),
			zap.Int("remaining", len(queue)-len(kept)))
		g := d.newGrouper(kept)
		if err := g.writeTo(w); err != nil {
			g.close()
			w.Abort()
			return nil, err
		}
		if err := g.close(); err != nil {
			w.Abort()
			return nil, err
		}
		gen, err := w.Close()
		if err != nil {
			return nil, err
		}
		gens = append(gens, gen)
		queue, base = queue[len(kept):], base+len(kept)
		if len(queue) == 0 {
			return gens, nil
		}
		if streams, err = d.open(queue, base); err != nil {
			return nil, err
		}
	}
}

// reserveOutput creates the generation a batch of inputs is written to,
// closing inputs from the back until there are handles for it.  Closed
// inputs are opened again by a later batch.
func (d *Driver) reserveOutput(streams []*stream) (*spill.Writer, []*stream, error) {
	for len(streams) > 0 {
		w, err := d.dir.NewWriter(d.layout)
		if err == nil {
			return w, streams, nil
		}
		if !zue.IsExhausted(err) {
			closeStreams(streams)
			return nil, nil, err
		}
		last := streams[len(streams)-1]
		streams = streams[:len(streams)-1]
		if err := last.close(); err != nil {
			closeStreams(streams)
			return nil, nil, err
		}
	}
	return nil, nil, zue.E(zue.Exhausted, "cannot open an input and a temporary file at once (limit %d)", d.dir.MaxOpen())
}

// Close removes the job's temporary files.
func (d *Driver) Close() error {
	if d.dir == nil {
		return nil
	}
	err := d.dir.RemoveAll()
	d.dir = nil
	return err
}

func closeStreams(streams []*stream) {
	for _, s := range streams {
		s.close()
	}
}
