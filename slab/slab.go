// Package slab implements a size-class allocator for small, frequently
// recycled byte buffers.
//
// Each class holds blocks of one power-of-two size on a free-list. Freed
// blocks are pushed back and handed out again by the next allocation of the
// same class. Sizes above the largest class bypass pooling.
//
// An Allocator is not safe for concurrent use.
package slab

import (
	"fmt"
	"math/bits"
)

const (
	DefaultMinShift    = 3
	DefaultClasses     = 14
	DefaultInitialFree = 64
	DefaultMaxFree     = 1 << 16
)

type Config struct {
	// MinShift is log2 of the smallest class size.
	MinShift int

	// Classes is the number of size classes, each doubling the previous one.
	Classes int

	// InitialFree is the initial free-list capacity of every class.
	InitialFree int

	// MaxFree caps free-list growth. A block freed into a full list that
	// cannot grow any further is released to the garbage collector.
	MaxFree int
}

func (cfg *Config) setDefaults() {
	if cfg.MinShift <= 0 {
		cfg.MinShift = DefaultMinShift
	}

	if cfg.Classes <= 0 {
		cfg.Classes = DefaultClasses
	}

	if cfg.InitialFree <= 0 {
		cfg.InitialFree = DefaultInitialFree
	}

	if cfg.MaxFree <= 0 {
		cfg.MaxFree = DefaultMaxFree
	}

	if cfg.MaxFree < cfg.InitialFree {
		cfg.MaxFree = cfg.InitialFree
	}
}

type Allocator struct {
	classes  []class
	minShift int
	maxFree  int
}

type class struct {
	size     int
	free     [][]byte
	fresh    uint64
	reused   uint64
	released uint64
}

type ClassStats struct {
	Size     int
	Free     int
	Fresh    uint64
	Reused   uint64
	Released uint64
}

func New(cfg Config) *Allocator {
	cfg.setDefaults()

	a := &Allocator{
		classes:  make([]class, cfg.Classes),
		minShift: cfg.MinShift,
		maxFree:  cfg.MaxFree,
	}

	for i := range a.classes {
		a.classes[i] = class{
			size: 1 << (cfg.MinShift + i),
			free: make([][]byte, 0, cfg.InitialFree),
		}
	}

	return a
}

// MaxSize returns the largest pooled block size.
func (a *Allocator) MaxSize() int {
	return a.classes[len(a.classes)-1].size
}

// Alloc returns a zeroed buffer of length size. Its capacity is the size of
// the class it was taken from.
func (a *Allocator) Alloc(size int) ([]byte, error) {
	if a == nil || size <= 0 {
		return nil, fmt.Errorf("alloc %d bytes: %w", size, ErrInvalidArgument)
	}

	c := a.choose(size)

	if c == nil {
		return make([]byte, size), nil
	}

	if n := len(c.free); n > 0 {
		buf := c.free[n-1]
		c.free[n-1] = nil
		c.free = c.free[:n-1]
		c.reused++
		clear(buf)

		return buf[:size], nil
	}

	c.fresh++

	return make([]byte, size, c.size), nil
}

// Free hands buf back to the class of size, which must be the size passed to
// the Alloc call that returned it.
func (a *Allocator) Free(buf []byte, size int) error {
	if a == nil || buf == nil || size <= 0 {
		return fmt.Errorf("free %d bytes: %w", size, ErrInvalidArgument)
	}

	c := a.choose(size)

	if c == nil {
		return nil
	}

	if cap(buf) != c.size {
		return fmt.Errorf("block of capacity %d freed as %d bytes: %w", cap(buf), size, ErrSizeMismatch)
	}

	if len(c.free) == cap(c.free) {
		if !a.grow(c) {
			c.released++
			return nil
		}
	}

	c.free = append(c.free, buf[:c.size])

	return nil
}

// grow doubles the free-list capacity of c unless it would exceed maxFree.
func (a *Allocator) grow(c *class) bool {
	n := cap(c.free) * 2

	if n == 0 {
		n = 1
	}

	if n > a.maxFree {
		return false
	}

	free := make([][]byte, len(c.free), n)
	copy(free, c.free)
	c.free = free

	return true
}

func (a *Allocator) Stats() []ClassStats {
	stats := make([]ClassStats, len(a.classes))

	for i := range a.classes {
		c := &a.classes[i]
		stats[i] = ClassStats{
			Size:     c.size,
			Free:     len(c.free),
			Fresh:    c.fresh,
			Reused:   c.reused,
			Released: c.released,
		}
	}

	return stats
}

// choose returns the smallest class that fits size, or nil when size is above
// the largest class.
func (a *Allocator) choose(size int) *class {
	idx := 0

	if size > 1<<a.minShift {
		idx = bits.Len(uint(size-1)) - a.minShift
	}

	if idx >= len(a.classes) {
		return nil
	}

	return &a.classes[idx]
}
