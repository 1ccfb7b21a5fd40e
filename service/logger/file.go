package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/brimdata/zuniq/zue"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

type FileMode string

const (
	// FileModeAppend appends to an existing log file.  This is the default.
	FileModeAppend FileMode = "append"
	// FileModeTruncate truncates an existing log file when it is opened.
	FileModeTruncate FileMode = "truncate"
	// FileModeRotate rotates the log file as it grows.
	FileModeRotate FileMode = "rotate"
)

func (m *FileMode) Set(s string) error {
	switch FileMode(s) {
	case FileModeAppend, "":
		*m = FileModeAppend
	case FileModeTruncate:
		*m = FileModeTruncate
	case FileModeRotate:
		*m = FileModeRotate
	default:
		return zue.ErrInvalid("invalid log file mode: %q", s)
	}
	return nil
}

func (m FileMode) String() string {
	return string(m)
}

func (m *FileMode) UnmarshalText(text []byte) error {
	return m.Set(string(text))
}

// OpenFile returns the sink for path, which is stderr, stdout, /dev/null
// or a file opened according to mode.
func OpenFile(path string, mode FileMode) (zapcore.WriteSyncer, error) {
	switch path {
	case "stdout":
		return zapcore.Lock(os.Stdout), nil
	case "stderr", "":
		return zapcore.Lock(os.Stderr), nil
	case "/dev/null":
		return zapcore.AddSync(io.Discard), nil
	}
	var f *os.File
	var err error
	switch mode {
	case FileModeRotate:
		return logrotate(path)
	case FileModeTruncate:
		f, err = os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0644)
	case FileModeAppend, "":
		f, err = os.OpenFile(path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0644)
	default:
		return nil, zue.ErrInvalid("invalid log file mode: %q", mode)
	}
	if err != nil {
		return nil, zue.ErrIO(err)
	}
	return zapcore.Lock(f), nil
}

func logrotate(path string) (zapcore.WriteSyncer, error) {
	if _, err := os.Stat(filepath.Dir(path)); err != nil {
		return nil, zue.ErrIO(fmt.Errorf("log directory: %w", err))
	}
	// lumberjack.Logger is already safe for concurrent use.
	return zapcore.AddSync(&lumberjack.Logger{
		Filename:   path,
		MaxSize:    5, // megabytes
		MaxBackups: 3,
		MaxAge:     28, // days
		Compress:   true,
	}), nil
}
