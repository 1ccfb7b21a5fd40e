// Package spill manages the temporary files of one aggregation job.  A
// spill writes a generation: a main file holding one fixed-width record per
// group (key, value, and a count per distinct field) and, when the job has
// distinct fields, an auxiliary file holding each group's distinct values
// in sorted order.  Generations are written once, read back by a merge,
// and removed.
//
// A Dir also accounts for open file handles against a budget so that a
// merge can tell when it must stop opening inputs and fall back to an
// intermediate pass.
package spill

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"

	"github.com/brimdata/zuniq/zue"
	"github.com/segmentio/ksuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

const namespacePrefix = "zuniq-"

// Dir is the temporary-file namespace of one job.  A Dir is not safe for
// concurrent use; concurrent jobs each use their own Dir.
type Dir struct {
	path     string
	logger   *zap.Logger
	compress bool
	maxOpen  int
	open     int
	nextID   int
	live     map[int]*Generation
}

// NewDir creates a new namespace directory below parent, or below the
// system temporary directory if parent is empty.  maxOpen bounds the
// number of handles the job may hold at once; zero means no bound beyond
// what the operating system enforces.
func NewDir(parent string, maxOpen int, compress bool, logger *zap.Logger) (*Dir, error) {
	if parent == "" {
		parent = os.TempDir()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	path := filepath.Join(parent, namespacePrefix+ksuid.New().String())
	if err := os.MkdirAll(path, 0700); err != nil {
		return nil, zue.ErrIO(err)
	}
	logger.Debug("Created temporary directory", zap.String("path", path))
	return &Dir{
		path:     path,
		logger:   logger,
		compress: compress,
		maxOpen:  maxOpen,
		live:     make(map[int]*Generation),
	}, nil
}

func (d *Dir) Path() string {
	return d.path
}

// MaxOpen returns the handle budget, or zero if there is none.
func (d *Dir) MaxOpen() int {
	return d.maxOpen
}

// Open returns the number of handles currently accounted for.
func (d *Dir) Open() int {
	return d.open
}

// Acquire accounts for n more open handles.  It returns an Exhausted error
// and acquires nothing if that would exceed the budget.
func (d *Dir) Acquire(n int) error {
	if d.maxOpen > 0 && d.open+n > d.maxOpen {
		return zue.E(zue.Exhausted, "%d open files would exceed limit of %d", d.open+n, d.maxOpen)
	}
	d.open += n
	return nil
}

func (d *Dir) Release(n int) {
	d.open -= n
	if d.open < 0 {
		panic("spill: released more handles than acquired")
	}
}

// Live returns the number of generations that exist on disk.
func (d *Dir) Live() int {
	return len(d.live)
}

func (d *Dir) newGeneration(aux bool) *Generation {
	g := &Generation{ID: d.nextID}
	d.nextID++
	g.main = filepath.Join(d.path, fmt.Sprintf("gen-%06d", g.ID))
	if aux {
		g.aux = g.main + ".distinct"
	}
	d.live[g.ID] = g
	return g
}

// Remove deletes the files of generation g.
func (d *Dir) Remove(g *Generation) error {
	delete(d.live, g.ID)
	err := removeFile(g.main)
	if g.aux != "" {
		err = multierr.Append(err, removeFile(g.aux))
	}
	if err != nil {
		d.logger.Warn("Failed to remove temporary file", zap.Int("generation", g.ID), zap.Error(err))
		return zue.ErrIO(err)
	}
	d.logger.Debug("Removed generation", zap.Int("generation", g.ID))
	return nil
}

func removeFile(path string) error {
	err := os.Remove(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// RemoveAll removes the namespace directory and everything in it.
func (d *Dir) RemoveAll() error {
	d.live = make(map[int]*Generation)
	if err := os.RemoveAll(d.path); err != nil {
		d.logger.Warn("Failed to remove temporary directory", zap.String("path", d.path), zap.Error(err))
		return zue.ErrIO(err)
	}
	d.logger.Debug("Removed temporary directory", zap.String("path", d.path))
	return nil
}

func (d *Dir) create(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return nil, classify(err)
	}
	return f, nil
}

func (d *Dir) openFile(path string) (*os.File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, classify(err)
	}
	return f, nil
}

// classify distinguishes running out of file handles or memory, which a
// merge recovers from, from every other failure.
func classify(err error) error {
	if IsExhaustion(err) {
		return zue.E(zue.Exhausted, err)
	}
	return zue.ErrIO(err)
}

// IsExhaustion reports whether err is an operating system error for too
// many open files or insufficient memory.
func IsExhaustion(err error) bool {
	var errno syscall.Errno
	if !errors.As(err, &errno) {
		return false
	}
	return errno == unix.EMFILE || errno == unix.ENFILE || errno == unix.ENOMEM
}

// Options configure the temporary files of a job.
type Options struct {
	// TempDir is the parent of the job's namespace directory.  Empty
	// means the system temporary directory.
	TempDir string
	// MaxOpenFiles bounds the handles held at once.  Zero means only the
	// operating system's limit applies.
	MaxOpenFiles int
	Compress     bool
}

func (o Options) NewDir(logger *zap.Logger) (*Dir, error) {
	return NewDir(o.TempDir, o.MaxOpenFiles, o.Compress, logger)
}
