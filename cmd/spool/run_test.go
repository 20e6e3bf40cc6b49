package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/webbmaffian/go-spool/config"
)

func spool(t *testing.T, stdin string, args ...string) (stdout, stderr string, code int) {
	t.Helper()

	var out, errOut bytes.Buffer
	code = run(context.Background(), args, strings.NewReader(stdin), &out, &errOut)

	return out.String(), errOut.String(), code
}

func writeConfig(t *testing.T) string {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "spool.json")

	_, stderr, code := spool(t, "", "init-config", path)
	require.Zero(t, code, stderr)

	cfg, err := config.Load(path)
	require.NoError(t, err)

	cfg.Queue.Path = filepath.Join(dir, "queue.shm")
	cfg.Queue.OverflowPath = filepath.Join(dir, "queue.bin")
	cfg.Queue.RingSize = 32
	cfg.SequencePath = filepath.Join(dir, "sequence")
	require.NoError(t, config.Write(path, cfg))

	return path
}

func TestPushStatPop(t *testing.T) {
	cfg := writeConfig(t)

	_, stderr, code := spool(t, "alpha\nbeta\ngamma\ndelta\nepsilon\n", "-c", cfg, "push")
	require.Zero(t, code, stderr)

	stdout, stderr, code := spool(t, "", "-c", cfg, "stat")
	require.Zero(t, code, stderr)
	require.Contains(t, stdout, "Name: no_reply_cache")
	require.Contains(t, stdout, "5 records")

	stdout, stderr, code = spool(t, "", "-c", cfg, "pop", "-n", "2")
	require.Zero(t, code, stderr)
	require.Equal(t, "alpha\nbeta\n", stdout)

	stdout, stderr, code = spool(t, "", "-c", cfg, "pop")
	require.Zero(t, code, stderr)
	require.Equal(t, "gamma\ndelta\nepsilon\n", stdout)

	stdout, _, code = spool(t, "", "-c", cfg, "stat")
	require.Zero(t, code)
	require.Contains(t, stdout, "Total: 0 bytes, 0 records")
}

func TestSeq(t *testing.T) {
	cfg := writeConfig(t)

	stdout, stderr, code := spool(t, "", "--config", cfg, "seq")
	require.Zero(t, code, stderr)
	require.Equal(t, "1\n", stdout)

	stdout, _, _ = spool(t, "", "--config", cfg, "seq")
	require.Equal(t, "2\n", stdout)
}

func TestUsageErrors(t *testing.T) {
	_, stderr, code := spool(t, "")
	require.Equal(t, 1, code)
	require.Contains(t, stderr, "Usage: spool")

	_, stderr, code = spool(t, "", "frobnicate")
	require.Equal(t, 1, code)
	require.Contains(t, stderr, `unknown command "frobnicate"`)

	_, stderr, code = spool(t, "", "-c", filepath.Join(t.TempDir(), "none.json"), "stat")
	require.Equal(t, 1, code)
	require.Contains(t, stderr, "error:")

	stdout, _, code := spool(t, "", "--help")
	require.Zero(t, code)
	require.Contains(t, stdout, "init-config <path>")
}
