package logger

import (
	"go.uber.org/multierr"
	"go.uber.org/zap/zapcore"
)

// waterfall routes each entry to the first of its cores that is enabled at
// the entry's level.  Listing a warn-level stderr core ahead of a
// debug-level file core, for example, keeps spill and merge traces out of
// the terminal.
type waterfall struct {
	cores []zapcore.Core
}

// NewWaterfall combines cores in routing order.
func NewWaterfall(cores ...zapcore.Core) zapcore.Core {
	switch len(cores) {
	case 0:
		return zapcore.NewNopCore()
	case 1:
		return cores[0]
	}
	return &waterfall{cores: cores}
}

func (w *waterfall) route(lvl zapcore.Level) zapcore.Core {
	for _, c := range w.cores {
		if c.Enabled(lvl) {
			return c
		}
	}
	return nil
}

func (w *waterfall) Enabled(lvl zapcore.Level) bool {
	return w.route(lvl) != nil
}

func (w *waterfall) With(fields []zapcore.Field) zapcore.Core {
	cores := make([]zapcore.Core, 0, len(w.cores))
	for _, c := range w.cores {
		cores = append(cores, c.With(fields))
	}
	return &waterfall{cores: cores}
}

func (w *waterfall) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c := w.route(ent.Level); c != nil {
		return c.Check(ent, ce)
	}
	return ce
}

func (w *waterfall) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	if c := w.route(ent.Level); c != nil {
		return c.Write(ent, fields)
	}
	return nil
}

func (w *waterfall) Sync() error {
	var err error
	for _, c := range w.cores {
		err = multierr.Append(err, c.Sync())
	}
	return err
}
