package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func TestParseOverDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`{
		// only what differs
		"queue": {
			"ring_size": 1024,
			"overflow_path": "/var/spool/queue",
		},
		"timer": {"tick": "10ms"},
	}`))
	require.NoError(t, err)

	want := Default()
	want.Queue.RingSize = 1024
	want.Queue.OverflowPath = "/var/spool/queue"
	want.Timer.Tick = Duration(10 * time.Millisecond)

	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Fatalf("config mismatch (-want +got):\n%s", diff)
	}

	opts := cfg.TimerOptions()
	require.Equal(t, 10*time.Millisecond, opts.Tick)
	require.Equal(t, 1000, opts.Buckets)

	q := cfg.QueueOptions(nil)
	require.Equal(t, uint32(1024), q.RingSize)
	require.Equal(t, "no_reply_cache", q.Name)
}

func TestParseRejects(t *testing.T) {
	for name, data := range map[string]string{
		"syntax":    `{"queue": `,
		"tick":      `{"timer": {"tick": 5}}`,
		"ring size": `{"queue": {"ring_size": 4}}`,
		"buckets":   `{"timer": {"buckets": 0}}`,
		"log level": `{"log_level": "chatty"}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(data))
			require.ErrorIs(t, err, ErrInvalid)
		})
	}
}

func TestWriteLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "spool.json")

	cfg := Default()
	cfg.Queue.Name = "relay"
	cfg.LogLevel = "debug"
	cfg.Timer.Tick = Duration(2500 * time.Microsecond)

	require.NoError(t, Write(path, cfg))

	got, err := Load(path)
	require.NoError(t, err)

	if diff := cmp.Diff(cfg, got); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}

	level, err := got.Level()
	require.NoError(t, err)
	require.Equal(t, "DEBUG", level.String())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), `"2.5ms"`)
}

func TestLoadMissing(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	require.ErrorIs(t, err, os.ErrNotExist)
}
