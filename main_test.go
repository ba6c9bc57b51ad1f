package main

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bartek5186/partsync/internal/app"
	conf "github.com/bartek5186/partsync/internal/config"
)

func TestParseID(t *testing.T) {
	id, err := parseID("42")
	require.NoError(t, err)
	assert.EqualValues(t, 42, id)

	for _, s := range []string{"", "0", "-1", "abc"} {
		_, err := parseID(s)
		assert.Error(t, err, s)
	}
}

func TestConsoleLine(t *testing.T) {
	appDir = t.TempDir()
	cfgPath = filepath.Join(appDir, "config.json")
	var err error
	cfg, _, err = conf.LoadOrCreate(cfgPath)
	require.NoError(t, err)
	log = zerolog.Nop()

	a, err := app.Open(log, cfg)
	require.NoError(t, err)
	t.Cleanup(a.Close)
	ctx := context.Background()

	run := func(line string) (string, bool) {
		var buf bytes.Buffer
		quit := consoleLine(ctx, a, &buf, line)
		return buf.String(), quit
	}

	out, quit := run("start")
	assert.False(t, quit)
	assert.Contains(t, out, "started")
	assert.True(t, a.IsRunning())

	out, _ = run("status")
	assert.Contains(t, out, "status: running")

	out, _ = run("reload")
	assert.Contains(t, out, "config reloaded")
	assert.True(t, a.IsRunning())

	out, _ = run("stuck")
	assert.Contains(t, out, "no stuck uploads")

	out, _ = run("progress 999")
	assert.Contains(t, out, "error:")

	out, _ = run("progress")
	assert.Contains(t, out, "usage: progress <upload-id>")

	out, _ = run("paths")
	assert.Contains(t, out, cfgPath)

	out, _ = run("frobnicate")
	assert.Contains(t, out, "unknown command")

	out, _ = run("stop")
	assert.Contains(t, out, "stopped")
	assert.False(t, a.IsRunning())

	_, quit = run("  QUIT ")
	assert.True(t, quit)
}
