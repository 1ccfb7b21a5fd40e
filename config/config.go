// Package config loads the engine settings shared by aggregation jobs from
// a YAML file.  A typical file:
//
//	temp_dir: /var/tmp
//	max_open_files: 512
//	table_limit: 500000
//	mem_max: 512MiB
//	compress: true
//	log:
//	  path: /var/log/zuniq.log
//	  mode: rotate
//	  level: info
package config

import (
	"os"

	"github.com/alecthomas/units"
	"github.com/brimdata/zuniq/pkg/rlimit"
	"github.com/brimdata/zuniq/proc/groupby"
	"github.com/brimdata/zuniq/proc/merge"
	"github.com/brimdata/zuniq/proc/spill"
	"github.com/brimdata/zuniq/service/logger"
	"github.com/brimdata/zuniq/zue"
	"github.com/pbnjay/memory"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// reservedFiles is the part of the open-files limit left to the rest of
// the process.
const reservedFiles = 32

// minOpenFiles is the smallest handle budget that lets a merge pass hold
// two inputs and an output when each generation is a main file and an
// auxiliary file of distinct values.
const minOpenFiles = 6

type Engine struct {
	TempDir      string        `yaml:"temp_dir"`
	MaxOpenFiles int           `yaml:"max_open_files"`
	TableLimit   int           `yaml:"table_limit"`
	MemMax       Bytes         `yaml:"mem_max"`
	Compress     bool          `yaml:"compress"`
	SortedOutput bool          `yaml:"sorted_output"`
	Log          logger.Config `yaml:"log"`
}

// Bytes is a byte count written with a unit suffix, such as 512MiB.
type Bytes int64

func (b *Bytes) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	n, err := units.ParseStrictBytes(s)
	if err != nil {
		return zue.ErrInvalid("mem_max: %w", err)
	}
	*b = Bytes(n)
	return nil
}

func (b Bytes) MarshalYAML() (interface{}, error) {
	return b.String(), nil
}

func (b Bytes) String() string {
	return units.Base2Bytes(b).String()
}

// Default returns the settings used for anything a file leaves out.
func Default() Engine {
	return Engine{
		TempDir:      os.TempDir(),
		MaxOpenFiles: defaultMaxOpenFiles(),
		TableLimit:   groupby.DefaultLimit,
		MemMax:       Bytes(memory.TotalMemory() / 4),
		Log: logger.Config{
			Path:  "stderr",
			Level: zap.InfoLevel,
		},
	}
}

// defaultMaxOpenFiles raises the soft limit on open files as far as the
// hard limit allows and budgets what is left after reservedFiles.
func defaultMaxOpenFiles() int {
	limit, err := rlimit.RaiseOpenFilesLimit()
	if err != nil {
		limit, err = rlimit.OpenFilesLimit()
	}
	if err != nil || limit <= reservedFiles+minOpenFiles {
		return merge.MaxMergeFiles
	}
	if n := limit - reservedFiles; n < merge.MaxMergeFiles {
		return int(n)
	}
	return merge.MaxMergeFiles
}

// Parse overlays the YAML document b on Default.
func Parse(b []byte) (Engine, error) {
	e := Default()
	if err := yaml.Unmarshal(b, &e); err != nil {
		if zue.IsInvalid(err) {
			return Engine{}, err
		}
		return Engine{}, zue.ErrInvalid("%w", err)
	}
	if err := e.Validate(); err != nil {
		return Engine{}, err
	}
	return e, nil
}

func Load(path string) (Engine, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Engine{}, zue.ErrIO(err)
	}
	e, err := Parse(b)
	if err != nil {
		return Engine{}, zue.E(zue.Invalid, "%s: %w", path, err)
	}
	return e, nil
}

func (e Engine) Validate() error {
	if e.MaxOpenFiles < 0 || (e.MaxOpenFiles > 0 && e.MaxOpenFiles < minOpenFiles) {
		return zue.ErrInvalid("max_open_files must be zero or at least %d", minOpenFiles)
	}
	if e.TableLimit < 0 {
		return zue.ErrInvalid("table_limit must not be negative")
	}
	if e.MemMax < 0 {
		return zue.ErrInvalid("mem_max must not be negative")
	}
	return nil
}

func (e Engine) SpillOptions() spill.Options {
	return spill.Options{
		TempDir:      e.TempDir,
		MaxOpenFiles: e.MaxOpenFiles,
		Compress:     e.Compress,
	}
}

func (e Engine) GroupByOptions() groupby.Options {
	return groupby.Options{
		Spill:        e.SpillOptions(),
		Limit:        e.TableLimit,
		MemMaxBytes:  int64(e.MemMax),
		SortedOutput: e.SortedOutput,
	}
}

// NewLogger builds the logger described by the log section.
func (e Engine) NewLogger() (*zap.Logger, error) {
	return logger.New(e.Log)
}
