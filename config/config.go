// Package config loads the settings of a spool from a JSON file that may
// carry comments and trailing commas.
package config

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/natefinch/atomic"
	"github.com/sugawarayuuta/sonnet"
	"github.com/tailscale/hujson"
	"github.com/webbmaffian/go-spool/channel"
	"github.com/webbmaffian/go-spool/timer"
)

type Config struct {
	Queue        Queue  `json:"queue"`
	Timer        Timer  `json:"timer"`
	SequencePath string `json:"sequence_path"`
	LogLevel     string `json:"log_level"`
}

type Queue struct {
	Name            string `json:"name"`
	Path            string `json:"path"`
	RingSize        uint32 `json:"ring_size"`
	OverflowPath    string `json:"overflow_path"`
	OverflowMaxSize uint64 `json:"overflow_max_size"`
	MaxRecordSize   uint32 `json:"max_record_size,omitempty"`
}

type Timer struct {
	Tick     Duration `json:"tick"`
	Buckets  int      `json:"buckets"`
	Capacity int      `json:"capacity"`
	Rows     int      `json:"rows"`
}

func Default() Config {
	return Config{
		Queue: Queue{
			Name:            "no_reply_cache",
			Path:            "/dev/shm/spool.queue",
			RingSize:        8 << 20,
			OverflowPath:    "../binlog/queue",
			OverflowMaxSize: 10 << 30,
		},
		Timer: Timer{
			Tick:     Duration(timer.DefaultTick),
			Buckets:  timer.DefaultBuckets,
			Capacity: timer.DefaultCapacity,
			Rows:     timer.DefaultRows,
		},
		SequencePath: "../binlog/sequence",
		LogLevel:     "info",
	}
}

// Load reads the file at path over the defaults.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)

	if err != nil {
		return Config{}, fmt.Errorf("read %s: %w", path, err)
	}

	cfg, err := Parse(data)

	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}

	return cfg, nil
}

// Parse decodes data over the defaults and validates the result. Keys that
// are left out keep their default value.
func Parse(data []byte) (Config, error) {
	standardized, err := hujson.Standardize(data)

	if err != nil {
		return Config{}, fmt.Errorf("%w: %w", ErrInvalid, err)
	}

	cfg := Default()

	if err = sonnet.Unmarshal(standardized, &cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %w", ErrInvalid, err)
	}

	if err = cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func (cfg Config) Validate() error {
	if cfg.Queue.RingSize <= 4 {
		return fmt.Errorf("%w: queue.ring_size must exceed 4 bytes", ErrInvalid)
	}

	if cfg.Timer.Tick < Duration(time.Microsecond) {
		return fmt.Errorf("%w: timer.tick must be at least 1µs", ErrInvalid)
	}

	if cfg.Timer.Buckets <= 0 || cfg.Timer.Capacity <= 0 || cfg.Timer.Rows <= 0 {
		return fmt.Errorf("%w: timer.buckets, timer.capacity and timer.rows must be positive", ErrInvalid)
	}

	if _, err := cfg.Level(); err != nil {
		return err
	}

	return nil
}

// Level parses LogLevel. An empty level means info.
func (cfg Config) Level() (level slog.Level, err error) {
	if cfg.LogLevel == "" {
		return slog.LevelInfo, nil
	}

	if err = level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		return 0, fmt.Errorf("%w: log_level: %w", ErrInvalid, err)
	}

	return
}

func (cfg Config) QueueOptions(logger *slog.Logger) channel.Options {
	return channel.Options{
		Path:            cfg.Queue.Path,
		Name:            cfg.Queue.Name,
		RingSize:        cfg.Queue.RingSize,
		OverflowPath:    cfg.Queue.OverflowPath,
		OverflowMaxSize: cfg.Queue.OverflowMaxSize,
		MaxRecordSize:   cfg.Queue.MaxRecordSize,
		Logger:          logger,
	}
}

func (cfg Config) TimerOptions() timer.Options {
	return timer.Options{
		Tick:     time.Duration(cfg.Timer.Tick),
		Buckets:  cfg.Timer.Buckets,
		Capacity: cfg.Timer.Capacity,
		Rows:     cfg.Timer.Rows,
	}
}

// Write replaces the file at path with cfg. Readers never observe a partial
// file.
func Write(path string, cfg Config) error {
	data, err := sonnet.Marshal(cfg)

	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	if data, err = hujson.Format(data); err != nil {
		return fmt.Errorf("format config: %w", err)
	}

	if err = atomic.WriteFile(path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}

	return nil
}
