package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, dir string, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs(append([]string{"--config", filepath.Join(dir, "partyd.toml"), "--data", dir, "--log-level", "error"}, args...))
	require.NoError(t, rootCmd.Execute())
	return strings.TrimSpace(out.String())
}

func TestFeedCommands(t *testing.T) {
	dir := t.TempDir()

	key := run(t, dir, "feed", "create")
	require.Len(t, key, 64)

	assert.Equal(t, "0", run(t, dir, "feed", "append", key, "hello", "world"))
	assert.Equal(t, "1", run(t, dir, "feed", "append", key, "again"))

	assert.Equal(t, "0\thello world\n1\tagain", run(t, dir, "feed", "cat", key))
	assert.Contains(t, run(t, dir, "feed", "list"), key)
}

func TestPartyCommands(t *testing.T) {
	dir := t.TempDir()

	out := run(t, dir, "party", "create", "--rules", "feeds")
	require.Contains(t, out, "discovery key:")
	dk := strings.TrimSpace(strings.TrimPrefix(strings.Split(out, "\n")[1], "discovery key:"))

	assert.Contains(t, run(t, dir, "party", "list"), dk)

	run(t, dir, "party", "remove", dk)
	assert.NotContains(t, run(t, dir, "party", "list"), dk)
}

func TestInitWritesConfig(t *testing.T) {
	dir := t.TempDir()
	out := run(t, dir, "init")
	assert.Contains(t, out, "partyd.toml")

	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, 9400, cfg.Node.Port)
}
