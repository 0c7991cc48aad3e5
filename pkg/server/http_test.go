package server

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestWatchPaths_WarnsOnMissingPath(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	restore := zap.ReplaceGlobals(zap.New(core))
	defer restore()

	dir := t.TempDir()
	cert := filepath.Join(dir, "tls.crt")
	require.NoError(t, os.WriteFile(cert, []byte("cert"), 0o600))
	missing := filepath.Join(dir, "missing.key")

	watcher, err := fsnotify.NewWatcher()
	require.NoError(t, err)
	defer watcher.Close()

	require.Equal(t, 1, watchPaths(watcher, cert, missing))

	entries := logs.FilterMessage("TLS hot reload disabled for path").All()
	require.Len(t, entries, 1)
	require.Equal(t, zapcore.WarnLevel, entries[0].Level)
	require.Equal(t, missing, entries[0].ContextMap()["path"])
}

func TestWatchPaths_NothingWatchable(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	restore := zap.ReplaceGlobals(zap.New(core))
	defer restore()

	watcher, err := fsnotify.NewWatcher()
	require.NoError(t, err)
	defer watcher.Close()

	dir := t.TempDir()
	require.Zero(t, watchPaths(watcher, filepath.Join(dir, "a"), filepath.Join(dir, "b")))
	require.Equal(t, 2, logs.Len())
}
