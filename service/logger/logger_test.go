package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/brimdata/zuniq/zue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"gopkg.in/yaml.v3"
)

func TestFileModes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "zuniq.log")
	for _, mode := range []FileMode{FileModeAppend, FileModeAppend, FileModeTruncate} {
		l, err := New(Config{Path: path, Mode: mode, Level: zap.InfoLevel})
		require.NoError(t, err)
		l.Info("Spilled table")
	}
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(b), "Spilled table"))

	l, err := New(Config{Path: path, Mode: FileModeAppend})
	require.NoError(t, err)
	l.Info("Final merge pass")
	b, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(string(b), "\n"))
}

func TestRotate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "zuniq.log")
	l, err := New(Config{Path: path, Mode: FileModeRotate})
	require.NoError(t, err)
	l.Warn("Aggregate overflow")
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(b), "Aggregate overflow")

	_, err = New(Config{Path: filepath.Join(t.TempDir(), "missing", "zuniq.log"), Mode: FileModeRotate})
	assert.True(t, zue.IsKind(err, zue.IO))
}

func TestFileModeSet(t *testing.T) {
	var m FileMode
	require.NoError(t, m.Set(""))
	assert.Equal(t, FileModeAppend, m)
	require.NoError(t, m.Set("rotate"))
	assert.Equal(t, FileModeRotate, m)
	assert.True(t, zue.IsInvalid(m.Set("sideways")))
}

func TestWaterfall(t *testing.T) {
	warn, warnLogs := observer.New(zap.WarnLevel)
	debug, debugLogs := observer.New(zap.DebugLevel)
	l := zap.New(NewWaterfall(warn, debug))
	l.Debug("Spilled table")
	l.Warn("Aggregate overflow")
	assert.Equal(t, 1, warnLogs.Len())
	assert.Equal(t, "Aggregate overflow", warnLogs.All()[0].Message)
	assert.Equal(t, 1, debugLogs.Len())
	assert.Equal(t, "Spilled table", debugLogs.All()[0].Message)
	assert.Equal(t, zapcore.NewNopCore(), NewWaterfall())
}

func TestConfigYAML(t *testing.T) {
	dir := t.TempDir()
	doc := `
children:
- path: stderr
  level: warn
- path: ` + filepath.Join(dir, "debug.log") + `
  mode: truncate
  level: debug
`
	var conf Config
	require.NoError(t, yaml.Unmarshal([]byte(doc), &conf))
	require.Len(t, conf.Children, 2)
	assert.Equal(t, zap.WarnLevel, conf.Children[0].Level)
	assert.Equal(t, FileModeTruncate, conf.Children[1].Mode)
	l, err := New(conf)
	require.NoError(t, err)
	l.Debug("Removed generation")
	b, err := os.ReadFile(filepath.Join(dir, "debug.log"))
	require.NoError(t, err)
	assert.Contains(t, string(b), "Removed generation")
}
