// Package logger builds the zap loggers handed to aggregation jobs.
package logger

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Config struct {
	Path string `yaml:"path"`
	// If Path is a file, Mode determines how the file is managed.
	// FileModeAppend is the default.
	Mode  FileMode      `yaml:"mode,omitempty"`
	Level zapcore.Level `yaml:"level"`
	// DevMode makes DPanic log entries panic.
	DevMode bool `yaml:"devmode,omitempty"`
	// Children, when present, replace Path: each entry goes to the first
	// child whose level enables it.
	Children []Config `yaml:"children,omitempty"`
}

// NewCore returns the core described by conf.
func NewCore(conf Config) (zapcore.Core, error) {
	if len(conf.Children) > 0 {
		var cores []zapcore.Core
		for _, child := range conf.Children {
			core, err := NewCore(child)
			if err != nil {
				return nil, err
			}
			cores = append(cores, core)
		}
		return NewWaterfall(cores...), nil
	}
	w, err := OpenFile(conf.Path, conf.Mode)
	if err != nil {
		return nil, err
	}
	return zapcore.NewCore(jsonEncoder(), w, conf.Level), nil
}

func New(conf Config) (*zap.Logger, error) {
	core, err := NewCore(conf)
	if err != nil {
		return nil, err
	}
	var opts []zap.Option
	if conf.DevMode {
		opts = append(opts, zap.Development())
	}
	return zap.New(core, opts...), nil
}

func jsonEncoder() zapcore.Encoder {
	conf := zap.NewProductionEncoderConfig()
	conf.CallerKey = ""
	return zapcore.NewJSONEncoder(conf)
}
