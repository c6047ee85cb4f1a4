// Copyright (c) 2024 Netskope, Inc. All rights reserved.

package log

import (
	"bufio"
	"encoding/json"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func readEntries(t *testing.T, path string) []map[string]any {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var out []map[string]any
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var m map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &m))
		out = append(out, m)
	}
	require.NoError(t, sc.Err())
	return out
}

func TestNewLoggerWritesFile(t *testing.T) {
	opts := Options{Dir: t.TempDir(), Name: "batch-export"}
	logger, err := NewLogger(opts)
	require.NoError(t, err)

	logger.Debug("hidden")
	logger.Info("Run finished", zap.String("status", "Completed"))
	require.NoError(t, logger.Sync())

	entries := readEntries(t, opts.Path())
	require.Len(t, entries, 1)
	assert.Equal(t, "IN", entries[0]["lv"])
	assert.Equal(t, "Run finished", entries[0]["msg"])
	assert.Equal(t, "Completed", entries[0]["status"])
	assert.Equal(t, "batch-export", entries[0]["svc"])
	assert.NotContains(t, entries[0], "call")
}

func TestNewLoggerDebug(t *testing.T) {
	opts := Options{Dir: t.TempDir(), Name: "debug", Debug: true}
	logger, err := NewLogger(opts)
	require.NoError(t, err)

	logger.Debug("visible")
	require.NoError(t, logger.Sync())

	entries := readEntries(t, opts.Path())
	require.Len(t, entries, 1)
	assert.Equal(t, "DE", entries[0]["lv"])
	assert.Contains(t, entries[0]["call"], "log_test.go")
}

func TestNewLoggerBadDir(t *testing.T) {
	_, err := NewLogger(Options{Dir: "/nonexistent/dir", Name: "x"})
	require.Error(t, err)
}
