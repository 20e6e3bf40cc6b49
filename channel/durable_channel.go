// Package channel implements a durable single-producer/single-consumer
// channel of variable-length records.
//
// Records are buffered in a fixed ring. Once the ring is full, and for as
// long as spilled records are pending, new records are appended to an
// overflow file, so an accepted record is never dropped and records are
// always delivered in the order they were accepted.
//
// The ring data path carries no lock. Each record is written before the
// shared used/count counters are atomically increased, and the consumer only
// reads records it has seen counted. This is sound because the head offset is
// only moved by the consumer and the tail offset only by the producer. The
// ring lives in an arena, so producer and consumer may be different processes
// mapping the same file.
package channel

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync/atomic"

	"github.com/valyala/bytebufferpool"
	"github.com/webbmaffian/go-spool/arena"
	"github.com/webbmaffian/go-spool/internal/utils"
)

// DefaultMaxRecordSize bounds the size of any record read back.
const DefaultMaxRecordSize = 64 << 20

type Options struct {
	// Path of a shared region. Empty means process-private memory.
	Path string

	// Name is stored in and verified against a shared region.
	Name string

	// RingSize is the capacity of the ring in bytes, length prefixes
	// included.
	RingSize uint32

	// OverflowPath enables spilling to a file once the ring is full.
	OverflowPath string

	// OverflowMaxSize caps the overflow file. Zero means unbounded.
	OverflowMaxSize uint64

	// MaxRecordSize bounds the length of a record. Defaults to
	// DefaultMaxRecordSize.
	MaxRecordSize uint32

	Logger *slog.Logger
}

// DurableChannel is safe for use by exactly one producer (Push) and one
// consumer (Pop, PopFunc) at a time.
type DurableChannel struct {
	arena     *arena.Arena
	head      *header
	ring      []byte
	overflow  *overflow
	maxRecord uint32
	log       *slog.Logger
}

func Open(opts Options) (ch *DurableChannel, err error) {
	if opts.RingSize <= recordHeaderSize {
		return nil, fmt.Errorf("ring size must exceed %d bytes, got %d: %w", recordHeaderSize, opts.RingSize, ErrInvalidArgument)
	}

	if len(opts.OverflowPath) >= maxPathLen {
		return nil, fmt.Errorf("overflow path longer than %d bytes: %w", maxPathLen-1, ErrInvalidArgument)
	}

	if opts.MaxRecordSize == 0 {
		opts.MaxRecordSize = DefaultMaxRecordSize
	}

	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	ch = &DurableChannel{
		maxRecord: opts.MaxRecordSize,
		log:       opts.Logger.With(slog.String("channel", opts.Name)),
	}

	if ch.arena, err = arena.Open(arena.Options{
		Path: opts.Path,
		Name: opts.Name,
		Tag:  Tag,
		Size: headSize + int(opts.RingSize),
		Init: func(region []byte) error {
			return create(utils.BytesToPointer[header](region[:headSize]), opts)
		},
	}); err != nil {
		return nil, fmt.Errorf("open region: %w", err)
	}

	region := ch.arena.Bytes()
	ch.head = utils.BytesToPointer[header](region[:headSize])
	ch.ring = region[headSize:]

	if err = ch.attach(opts); err != nil {
		ch.arena.Close()
		return nil, err
	}

	if opts.OverflowPath != "" {
		if ch.overflow, err = openOverflow(opts.OverflowPath); err != nil {
			ch.arena.Close()
			return nil, err
		}
	}

	return ch, nil
}

func create(h *header, opts Options) error {
	h.ringSize = opts.RingSize
	copy(h.file[:], opts.OverflowPath)
	h.fileMax = opts.OverflowMaxSize

	// A fresh region cannot account for anything left in the file.
	if opts.OverflowPath != "" {
		if err := os.Remove(opts.OverflowPath); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove stale overflow file: %w: %w", ErrIO, err)
		}
	}

	return nil
}

// attach validates a region that already existed and repairs offsets that
// cannot be right.
func (ch *DurableChannel) attach(opts Options) error {
	h := ch.head

	if ch.arena.Created() {
		return nil
	}

	if h.ringSize != opts.RingSize {
		return fmt.Errorf("ring size %d, expected %d: %w", h.ringSize, opts.RingSize, ErrIncompatible)
	}

	if h.overflowPath() != opts.OverflowPath {
		return fmt.Errorf("overflow path %q, expected %q: %w", h.overflowPath(), opts.OverflowPath, ErrIncompatible)
	}

	atomic.StoreUint64(&h.fileMax, opts.OverflowMaxSize)

	if h.used > h.ringSize || h.head >= h.ringSize || h.tail >= h.ringSize {
		ch.reset("inconsistent header on attach")
	}

	s := h.stat()
	ch.log.Info("attached to existing channel",
		slog.Uint64("records", s.Records()),
		slog.Uint64("bytes", s.Bytes()),
	)

	return nil
}

// Push appends a record. It fails with ErrFull when neither the ring nor the
// overflow file can take it, in which case the channel is left untouched.
func (ch *DurableChannel) Push(record []byte) error {
	if ch == nil || record == nil {
		return ErrInvalidArgument
	}

	if uint64(len(record)) > uint64(ch.maxRecord) {
		return fmt.Errorf("record of %d bytes exceeds %d: %w", len(record), ch.maxRecord, ErrInvalidArgument)
	}

	h := ch.head
	n := uint64(recordHeaderSize + len(record))

	// While spilled records are pending, the ring must not overtake them.
	if atomic.LoadUint32(&h.fileCount) == 0 && n <= uint64(h.ringSize-atomic.LoadUint32(&h.used)) {
		ch.pushRing(record)
		return nil
	}

	if ch.overflow == nil {
		return fmt.Errorf("record of %d bytes does not fit the ring: %w", len(record), ErrFull)
	}

	return ch.pushFile(record)
}

func (ch *DurableChannel) pushRing(record []byte) {
	h := ch.head

	var prefix [recordHeaderSize]byte
	binary.LittleEndian.PutUint32(prefix[:], uint32(len(record)))

	tail := atomic.LoadUint32(&h.tail)
	tail = ch.put(tail, prefix[:])
	tail = ch.put(tail, record)
	atomic.StoreUint32(&h.tail, tail)

	// used first: a counted record always has its bytes accounted.
	atomic.AddUint32(&h.used, uint32(recordHeaderSize+len(record)))
	atomic.AddUint32(&h.count, 1)
}

// Pop removes the oldest record and returns a copy of it. It returns
// ErrEmpty when there is nothing to read.
func (ch *DurableChannel) Pop() (record []byte, err error) {
	err = ch.PopFunc(func(b []byte) error {
		record = bytes.Clone(b)

		if record == nil {
			record = []byte{}
		}

		return nil
	})

	return
}

// PopFunc passes the oldest record to fn. The slice is only valid until fn
// returns. If fn returns an error the record stays in the channel and the
// error is returned.
func (ch *DurableChannel) PopFunc(fn func(record []byte) error) error {
	if ch == nil || fn == nil {
		return ErrInvalidArgument
	}

	return ch.popNext(atomic.LoadUint32(&ch.head.fileCount), fn)
}

// popNext picks the source given the pending file records loaded before the
// ring count. The producer only writes to the ring while no file records are
// pending, and only the consumer drains them, so any record counted in the
// ring after that load was accepted before every pending file record.
func (ch *DurableChannel) popNext(pending uint32, fn func([]byte) error) error {
	if atomic.LoadUint32(&ch.head.count) > 0 {
		return ch.popRing(fn)
	}

	if pending > 0 {
		return ch.popFile(fn)
	}

	return ErrEmpty
}

func (ch *DurableChannel) popRing(fn func([]byte) error) (err error) {
	h := ch.head

	if err = ch.guard(recordHeaderSize); err != nil {
		return
	}

	var prefix [recordHeaderSize]byte
	head := ch.get(atomic.LoadUint32(&h.head), prefix[:])
	size := binary.LittleEndian.Uint32(prefix[:])
	n := uint64(recordHeaderSize) + uint64(size)

	if err = ch.guard(n); err != nil {
		return
	}

	var record []byte

	if uint64(head)+uint64(size) <= uint64(h.ringSize) {
		record = ch.ring[head : head+size : head+size]
		head = (head + size) % h.ringSize
	} else {
		buf := bytebufferpool.Get()
		defer bytebufferpool.Put(buf)

		buf.B = grow(buf.B, int(size))
		head = ch.get(head, buf.B)
		record = buf.B
	}

	if err = fn(record); err != nil {
		return
	}

	atomic.StoreUint32(&h.head, head)
	atomic.AddUint32(&h.used, ^uint32(n-1))
	atomic.AddUint32(&h.count, ^uint32(0))

	return
}

// guard resets the ring when fewer bytes are accounted than a read needs,
// since reading on would only return garbage.
func (ch *DurableChannel) guard(n uint64) error {
	if used := atomic.LoadUint32(&ch.head.used); uint64(used) < n {
		ch.reset(fmt.Sprintf("%d bytes used, read of %d requested", used, n))
		return ErrCorrupt
	}

	return nil
}

func (ch *DurableChannel) reset(reason string) {
	h := ch.head
	ch.log.Warn("ring is inconsistent, resetting to empty",
		slog.String("reason", reason),
		slog.Uint64("lost_records", uint64(atomic.LoadUint32(&h.count))),
	)

	atomic.StoreUint32(&h.count, 0)
	atomic.StoreUint32(&h.used, 0)
	atomic.StoreUint32(&h.head, 0)
	atomic.StoreUint32(&h.tail, 0)
}

// put copies data into the ring at off, splitting at the physical end, and
// returns the offset following it.
func (ch *DurableChannel) put(off uint32, data []byte) uint32 {
	size := ch.head.ringSize

	if left := size - off; uint64(left) < uint64(len(data)) {
		copy(ch.ring[off:size], data[:left])
		return uint32(copy(ch.ring, data[left:]))
	}

	copy(ch.ring[off:], data)

	return (off + uint32(len(data))) % size
}

// get is the reading counterpart of put.
func (ch *DurableChannel) get(off uint32, data []byte) uint32 {
	size := ch.head.ringSize

	if left := size - off; uint64(left) < uint64(len(data)) {
		copy(data, ch.ring[off:size])
		return uint32(copy(data[left:], ch.ring))
	}

	copy(data, ch.ring[off:])

	return (off + uint32(len(data))) % size
}

// Len returns the outstanding bytes in the ring and the overflow file,
// length prefixes included.
func (ch *DurableChannel) Len() uint64 {
	return ch.head.stat().Bytes()
}

// Count returns the number of outstanding records.
func (ch *DurableChannel) Count() uint64 {
	return ch.head.stat().Records()
}

func (ch *DurableChannel) Stat() Stats {
	return ch.head.stat()
}

func (ch *DurableChannel) Flush() error {
	return ch.arena.Flush()
}

func (ch *DurableChannel) Close() (err error) {
	if ch.overflow != nil {
		if err = ch.overflow.close(); err != nil {
			return
		}
	}

	if err = ch.arena.Flush(); err != nil {
		return
	}

	return ch.arena.Close()
}

func grow(b []byte, n int) []byte {
	if cap(b) < n {
		return make([]byte, n)
	}

	return b[:n]
}
