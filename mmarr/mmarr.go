// Package mmarr implements a fixed-capacity array of plain values kept in an
// arena, so that it can be shared between processes through a file.
//
// The element type MUST NOT contain any pointer nor slice.
package mmarr

import (
	"fmt"
	"unsafe"

	"github.com/webbmaffian/go-spool/arena"
	"github.com/webbmaffian/go-spool/internal/utils"
)

type Options struct {
	// Path of a shared region. Empty means process-private memory.
	Path string

	// Name is stored in and verified against a shared region.
	Name string

	// Length is the initial length of a new array. It must not exceed
	// Capacity, which defaults to Length.
	Length   int
	Capacity int
}

// Array is not safe for concurrent use, but elements returned by Get may be
// accessed atomically by any number of processes.
type Array[T any] struct {
	arena    *arena.Arena
	head     *header
	data     []byte
	itemSize int
}

func Open[T any](opts Options) (arr *Array[T], err error) {
	var item T

	arr = &Array[T]{
		itemSize: int(unsafe.Sizeof(item)),
	}

	if arr.itemSize <= 0 {
		return nil, fmt.Errorf("item must be at least 1 byte: %w", ErrInvalidArgument)
	}

	if opts.Capacity == 0 {
		opts.Capacity = opts.Length
	}

	if opts.Length < 0 || opts.Capacity <= 0 || opts.Length > opts.Capacity {
		return nil, fmt.Errorf("length %d and capacity %d: %w", opts.Length, opts.Capacity, ErrInvalidArgument)
	}

	if arr.arena, err = arena.Open(arena.Options{
		Path: opts.Path,
		Name: opts.Name,
		Tag:  Tag,
		Size: layoutSize(arr.itemSize, opts.Capacity),
		Init: func(region []byte) error {
			head := utils.BytesToPointer[header](region[:headSize])
			head.itemSize = uint64(arr.itemSize)
			head.length = uint64(opts.Length)
			head.capacity = uint64(opts.Capacity)

			return nil
		},
	}); err != nil {
		return nil, fmt.Errorf("open region: %w", err)
	}

	region := arr.arena.Bytes()
	arr.head = utils.BytesToPointer[header](region[:headSize])
	arr.data = region[headSize:]

	if !arr.arena.Created() {
		if err = arr.validateHead(opts.Capacity); err != nil {
			arr.arena.Close()
			return nil, err
		}
	}

	return arr, nil
}

func (arr *Array[T]) validateHead(capacity int) error {
	if arr.head.itemSize != uint64(arr.itemSize) {
		return fmt.Errorf("item size %d, expected %d: %w", arr.head.itemSize, arr.itemSize, ErrIncompatible)
	}

	if arr.head.capacity != uint64(capacity) {
		return fmt.Errorf("capacity %d, expected %d: %w", arr.head.capacity, capacity, ErrIncompatible)
	}

	// A capacity can never be less than the length
	if arr.head.length > arr.head.capacity {
		return fmt.Errorf("length %d exceeds capacity: %w", arr.head.length, ErrIncompatible)
	}

	return nil
}

func (arr *Array[T]) Flush() error {
	return arr.arena.Flush()
}

func (arr *Array[T]) Close() error {
	return arr.arena.Close()
}

// Append adds val to the end and returns its position, or -1 when the array
// is full.
func (arr *Array[T]) Append(val *T) int {
	if arr.head.length >= arr.head.capacity {
		return -1
	}

	pos := int(arr.head.length)
	arr.head.length++
	arr.put(pos*arr.itemSize, val)

	return pos
}

// Set copies val to pos. A negative pos counts from the end.
func (arr *Array[T]) Set(pos int, val *T) error {
	off, err := arr.offset(pos)

	if err != nil {
		return err
	}

	arr.put(off, val)

	return nil
}

// Get returns a pointer into the region at pos. A negative pos counts from
// the end.
func (arr *Array[T]) Get(pos int) (*T, error) {
	off, err := arr.offset(pos)

	if err != nil {
		return nil, err
	}

	return utils.BytesToPointer[T](arr.data[off : off+arr.itemSize]), nil
}

func (arr *Array[T]) put(off int, val *T) {
	copy(arr.data[off:off+arr.itemSize], utils.PointerToBytes(val, arr.itemSize))
}

func (arr *Array[T]) Cap() int {
	return int(arr.head.capacity)
}

func (arr *Array[T]) Len() int {
	return int(arr.head.length)
}

func (arr *Array[T]) ItemSize() int {
	return arr.itemSize
}

// Items returns the elements as a slice aliasing the region.
func (arr *Array[T]) Items() []T {
	if arr.head.length == 0 {
		return nil
	}

	return unsafe.Slice(utils.BytesToPointer[T](arr.data), arr.head.length)
}

func (arr *Array[T]) offset(pos int) (int, error) {
	n := int(arr.head.length)

	if pos < 0 {
		pos += n
	}

	if pos < 0 || pos >= n {
		return 0, fmt.Errorf("position %d of %d: %w", pos, n, ErrOutOfRange)
	}

	return pos * arr.itemSize, nil
}
