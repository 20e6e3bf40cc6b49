// Package buckethash implements a fixed-capacity associative array over one
// contiguous region of fixed-size units.
//
// The region is split into rows, each sized to a distinct prime. A unit is
// probed at exactly one slot per row (hash mod row size), so any lookup costs
// at most Rows probes and the table never rehashes. The region holds no
// pointers, which makes it usable as a pre-agreed shared memory layout
// between cooperating processes.
//
// An all-zero unit marks an empty slot. The last unit of the region is kept
// zeroed as the comparison sentinel.
//
// An Index is not safe for concurrent use.
package buckethash

import (
	"errors"
	"fmt"
	"time"

	"github.com/webbmaffian/go-spool/arena"
	"github.com/webbmaffian/go-spool/internal/utils"
)

// MaxRows is the largest supported number of rows.
const MaxRows = 100

type Options struct {
	// Units is the requested capacity. The actual capacity is slightly
	// larger since every row is rounded up to a prime.
	Units int

	// UnitSize is the size in bytes of every unit.
	UnitSize int

	// Rows is the number of probes per lookup. Deeper rows use memory more
	// efficiently but make lookups slower. Values above MaxRows are clamped.
	Rows int

	// Path of a shared region. Empty means process-private memory.
	Path string

	// Name is stored in and verified against a shared region.
	Name string

	// Compare defaults to a full byte comparison.
	Compare CompareFunc

	// Hash defaults to xxhash3 of the whole unit.
	Hash HashFunc

	// Evict enables eviction when a unit has no free slot.
	Evict EvictFunc

	// Now is the clock passed to Evict. Defaults to time.Now.
	Now func() time.Time
}

type Index struct {
	arena    *arena.Arena
	head     *header
	mem      []byte
	zero     []byte
	mods     []uint64
	starts   []int
	unitSize int
	units    int
	compare  CompareFunc
	hash     HashFunc
	evict    EvictFunc
	now      func() time.Time
}

func New(opts Options) (idx *Index, err error) {
	if opts.Units <= 0 {
		return nil, fmt.Errorf("units must be positive, got %d: %w", opts.Units, ErrInvalidArgument)
	}

	if opts.UnitSize <= 0 {
		return nil, fmt.Errorf("unit size must be positive, got %d: %w", opts.UnitSize, ErrInvalidArgument)
	}

	rows := min(max(opts.Rows, 1), MaxRows)

	idx = &Index{
		mods:     rowSizes(uint64((opts.Units+rows-1)/rows), rows),
		starts:   make([]int, rows),
		unitSize: opts.UnitSize,
		compare:  opts.Compare,
		hash:     opts.Hash,
		evict:    opts.Evict,
		now:      opts.Now,
	}

	for i, mod := range idx.mods {
		idx.starts[i] = idx.units
		idx.units += int(mod)
	}

	if idx.compare == nil {
		idx.compare = defaultCompare
	}

	if idx.hash == nil {
		idx.hash = defaultHash
	}

	if idx.now == nil {
		idx.now = time.Now
	}

	if idx.arena, err = arena.Open(arena.Options{
		Path: opts.Path,
		Name: opts.Name,
		Tag:  Tag,
		Size: layoutSize(idx.units, idx.unitSize),
		Init: func(region []byte) error {
			head := utils.BytesToPointer[header](region[:headSize])
			head.unitSize = uint32(idx.unitSize)
			head.rows = uint32(rows)
			head.units = uint64(idx.units)

			return nil
		},
	}); err != nil {
		return nil, fmt.Errorf("open region: %w", err)
	}

	region := idx.arena.Bytes()
	idx.head = utils.BytesToPointer[header](region[:headSize])
	idx.mem = region[headSize:]

	if !idx.arena.Created() {
		if err = idx.validateHead(rows); err != nil {
			idx.arena.Close()
			return nil, err
		}
	}

	idx.zero = idx.slot(idx.units)
	clear(idx.zero)

	return idx, nil
}

func (idx *Index) validateHead(rows int) error {
	if int(idx.head.unitSize) != idx.unitSize {
		return fmt.Errorf("unit size %d, expected %d: %w", idx.head.unitSize, idx.unitSize, ErrIncompatible)
	}

	if int(idx.head.rows) != rows {
		return fmt.Errorf("rows %d, expected %d: %w", idx.head.rows, rows, ErrIncompatible)
	}

	if int(idx.head.units) != idx.units {
		return fmt.Errorf("units %d, expected %d: %w", idx.head.units, idx.units, ErrIncompatible)
	}

	return nil
}

// Get returns the slot holding a unit equal to unit. The returned slice
// aliases the region and may be modified in place as long as the bytes
// examined by Compare and Hash stay untouched.
func (idx *Index) Get(unit []byte) ([]byte, error) {
	if err := idx.check(unit); err != nil {
		return nil, err
	}

	// The empty marker would match every free slot.
	if idx.compare(unit, idx.zero) == 0 {
		return nil, ErrNotFound
	}

	if slot := idx.find(idx.hash(unit), unit); slot != nil {
		return slot, nil
	}

	return nil, ErrNotFound
}

// Put copies unit into a free slot. When every candidate slot is taken and
// an eviction function is configured, the candidate with the largest positive
// score is overwritten. Otherwise ErrFull is returned and nothing changes.
func (idx *Index) Put(unit []byte) ([]byte, error) {
	if err := idx.check(unit); err != nil {
		return nil, err
	}

	if idx.compare(unit, idx.zero) == 0 {
		return nil, fmt.Errorf("unit equals the empty marker: %w", ErrInvalidArgument)
	}

	key := idx.hash(unit)
	slot := idx.find(key, idx.zero)

	if slot == nil && idx.evict != nil {
		slot = idx.victim(key)
	}

	if slot == nil {
		return nil, ErrFull
	}

	copy(slot, unit)

	return slot, nil
}

// Add returns the slot of an existing unit equal to unit, or puts unit.
// exists reports which of the two happened.
func (idx *Index) Add(unit []byte) (slot []byte, exists bool, err error) {
	if slot, err = idx.Get(unit); err == nil {
		return slot, true, nil
	}

	if !errors.Is(err, ErrNotFound) {
		return
	}

	slot, err = idx.Put(unit)

	return
}

// Del zeroes the slot holding a unit equal to unit. The slot becomes
// available to Put again.
func (idx *Index) Del(unit []byte) error {
	slot, err := idx.Get(unit)

	if err != nil {
		return err
	}

	clear(slot)

	return nil
}

// Traverse calls fn for every occupied slot and returns how many calls
// returned true.
func (idx *Index) Traverse(fn func(slot []byte) bool) (count int) {
	if idx == nil || fn == nil {
		return
	}

	for i := 0; i < idx.units; i++ {
		slot := idx.slot(i)

		if idx.compare(slot, idx.zero) != 0 && fn(slot) {
			count++
		}
	}

	return
}

// Use returns the number of occupied slots.
func (idx *Index) Use() int {
	return idx.Traverse(func([]byte) bool { return true })
}

// Cap returns the total number of slots over all rows.
func (idx *Index) Cap() int {
	return idx.units
}

func (idx *Index) UnitSize() int {
	return idx.unitSize
}

// RowSizes returns the prime slot count of every row.
func (idx *Index) RowSizes() []int {
	sizes := make([]int, len(idx.mods))

	for i, mod := range idx.mods {
		sizes[i] = int(mod)
	}

	return sizes
}

func (idx *Index) Flush() error {
	return idx.arena.Flush()
}

func (idx *Index) Close() error {
	return idx.arena.Close()
}

func (idx *Index) check(unit []byte) error {
	if idx == nil || unit == nil {
		return ErrInvalidArgument
	}

	if len(unit) != idx.unitSize {
		return fmt.Errorf("unit of %d bytes, expected %d: %w", len(unit), idx.unitSize, ErrInvalidArgument)
	}

	return nil
}

func (idx *Index) find(key uint32, unit []byte) []byte {
	for row := range idx.mods {
		if slot := idx.probe(row, key); idx.compare(slot, unit) == 0 {
			return slot
		}
	}

	return nil
}

func (idx *Index) victim(key uint32) (target []byte) {
	now := idx.now()
	best := 0

	for row := range idx.mods {
		slot := idx.probe(row, key)

		if score := idx.evict(slot, now); score > best {
			target, best = slot, score
		}
	}

	return
}

func (idx *Index) probe(row int, key uint32) []byte {
	return idx.slot(idx.starts[row] + int(uint64(key)%idx.mods[row]))
}

func (idx *Index) slot(i int) []byte {
	off := i * idx.unitSize
	return idx.mem[off : off+idx.unitSize : off+idx.unitSize]
}
