// Package timer tracks short-lived outstanding operations and expires the
// ones that are not resolved within a fixed horizon.
//
// Every operation gets a non-zero 32-bit sequence id. The id is looked up in
// a bucketed hash index, and the operation is linked into the wheel bucket
// of the tick it was added at. A timer added at tick t expires on the first
// Check at or beyond tick t+Buckets, so the timeout is Tick*Buckets.
//
// The wheel never schedules itself. The owner drives it with Check. A Wheel
// is not safe for concurrent use.
package timer

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/webbmaffian/go-spool/buckethash"
	"github.com/webbmaffian/go-spool/slab"
)

const (
	DefaultTick     = 5 * time.Millisecond
	DefaultBuckets  = 1000
	DefaultCapacity = 200000
	DefaultRows     = 16
)

// Index units are the sequence id followed by the node index, both little
// endian. Only the sequence id is compared and hashed.
const (
	unitSize = 8
	keySize  = 4
	none     = -1
)

// ExpireFunc is called for a timer that was not deleted in time. The payload
// is released as soon as the call returns.
type ExpireFunc func(seq uint32, size int, payload []byte)

// Sequencer hands out ids. Only the low 32 bits are used.
type Sequencer interface {
	Next() uint64
}

type Options struct {
	// Tick is the granularity of the wheel.
	Tick time.Duration

	// Buckets is the number of ticks in one horizon.
	Buckets int

	// Capacity is the number of timers that can be live at once.
	Capacity int

	// Rows of the sequence index. See buckethash.Options.
	Rows int

	// Allocator for payload buffers. Defaults to a private allocator.
	Allocator *slab.Allocator

	// Sequence defaults to a counter private to the wheel.
	Sequence Sequencer

	// Now defaults to time.Now.
	Now func() time.Time
}

func (opts *Options) setDefaults() {
	if opts.Tick <= 0 {
		opts.Tick = DefaultTick
	}

	if opts.Buckets <= 0 {
		opts.Buckets = DefaultBuckets
	}

	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}

	if opts.Rows <= 0 {
		opts.Rows = DefaultRows
	}

	if opts.Allocator == nil {
		opts.Allocator = slab.New(slab.Config{})
	}

	if opts.Now == nil {
		opts.Now = time.Now
	}
}

type node struct {
	seq    uint32
	tick   int64
	size   int
	buf    []byte
	fn     ExpireFunc
	bucket int32
	prev   int32
	next   int32
}

type bucket struct {
	head int32
	tail int32
}

type Wheel struct {
	index    *buckethash.Index
	alloc    *slab.Allocator
	seqs     Sequencer
	now      func() time.Time
	nodes    []node
	free     []int32
	buckets  []bucket
	expired  []int32
	tick     int64
	pos      int64
	seq      uint32
	live     int
	checking bool
}

func New(opts Options) (w *Wheel, err error) {
	opts.setDefaults()

	if opts.Tick < time.Microsecond {
		return nil, fmt.Errorf("tick %s is below a microsecond: %w", opts.Tick, ErrInvalidArgument)
	}

	w = &Wheel{
		alloc:   opts.Allocator,
		seqs:    opts.Sequence,
		now:     opts.Now,
		buckets: make([]bucket, opts.Buckets),
		tick:    opts.Tick.Microseconds(),
	}

	if w.index, err = buckethash.New(buckethash.Options{
		Units:    opts.Capacity,
		UnitSize: unitSize,
		Rows:     opts.Rows,
		Compare:  buckethash.PrefixCompare(keySize),
		Hash:     buckethash.PrefixHash(keySize),
	}); err != nil {
		return nil, fmt.Errorf("create sequence index: %w", err)
	}

	for i := range w.buckets {
		w.buckets[i] = bucket{head: none, tail: none}
	}

	w.pos = w.tickOf(w.now())

	return w, nil
}

// Add registers a timer with a zeroed buffer of size bytes, prefilled with
// payload. The buffer may be written to until the timer is deleted or
// expires.
func (w *Wheel) Add(payload []byte, size int, fn ExpireFunc) (seq uint32, buf []byte, err error) {
	if w == nil || fn == nil || size < 0 || len(payload) > size {
		return 0, nil, ErrInvalidArgument
	}

	if seq, err = w.nextSeq(); err != nil {
		return
	}

	i, err := w.takeNode()

	if err != nil {
		return 0, nil, err
	}

	if size > 0 {
		if buf, err = w.alloc.Alloc(size); err != nil {
			w.releaseNode(i)
			return 0, nil, fmt.Errorf("allocate payload: %w", err)
		}

		copy(buf, payload)
	}

	var unit [unitSize]byte
	binary.LittleEndian.PutUint32(unit[:keySize], seq)
	binary.LittleEndian.PutUint32(unit[keySize:], uint32(i))

	if _, err = w.index.Put(unit[:]); err != nil {
		w.freeBuf(buf, size)
		w.releaseNode(i)

		if errors.Is(err, buckethash.ErrFull) {
			return 0, nil, fmt.Errorf("no index slot for sequence %d: %w", seq, ErrFull)
		}

		return 0, nil, err
	}

	tick := w.tickOf(w.now())
	w.nodes[i] = node{
		seq:  seq,
		tick: tick,
		size: size,
		buf:  buf,
		fn:   fn,
	}
	w.link(i, int32(tick%int64(len(w.buckets))))
	w.live++

	return seq, buf, nil
}

// Get returns the size and buffer of a live timer.
func (w *Wheel) Get(seq uint32) (int, []byte, error) {
	_, n, err := w.lookup(seq)

	if err != nil {
		return 0, nil, err
	}

	return n.size, n.buf, nil
}

// Del removes a live timer without calling its expiry function.
func (w *Wheel) Del(seq uint32) error {
	i, n, err := w.lookup(seq)

	if err != nil {
		return err
	}

	w.detach(i)
	w.freeBuf(n.buf, n.size)
	w.releaseNode(i)

	return nil
}

// Check advances the wheel to the tick of now and expires every timer whose
// horizon has passed. It returns the number of expired timers. Calling Check
// from an expiry function does nothing.
func (w *Wheel) Check(now time.Time) (expired int) {
	if w == nil || w.checking {
		return
	}

	w.checking = true
	defer func() { w.checking = false }()

	cur := w.tickOf(now)
	n := int64(len(w.buckets))

	// Every bucket is visited at most once per check.
	if cur-w.pos > n {
		w.pos = cur - n
	}

	for ; w.pos < cur; w.pos++ {
		k := w.pos + 1
		expired += w.drain(k, int32(k%n))
	}

	return
}

// drain detaches every node of bucket b that is due at tick k before calling
// any expiry function, which may add or delete timers.
func (w *Wheel) drain(k int64, b int32) int {
	n := int64(len(w.buckets))
	w.expired = w.expired[:0]

	for i := w.buckets[b].head; i != none; {
		next := w.nodes[i].next

		if w.nodes[i].tick+n <= k {
			w.detach(i)
			w.expired = append(w.expired, i)
		}

		i = next
	}

	for _, i := range w.expired {
		// The node table may grow while fn adds timers.
		nd := w.nodes[i]
		nd.fn(nd.seq, nd.size, nd.buf)
		w.freeBuf(nd.buf, nd.size)
		w.releaseNode(i)
	}

	return len(w.expired)
}

// Len returns the number of live timers.
func (w *Wheel) Len() int {
	if w == nil {
		return 0
	}

	return w.live
}

// Close releases every live timer without calling its expiry function.
func (w *Wheel) Close() error {
	for i := range w.nodes {
		if nd := &w.nodes[i]; nd.fn != nil {
			w.freeBuf(nd.buf, nd.size)
			*nd = node{}
		}
	}

	w.nodes, w.free, w.live = nil, nil, 0

	return w.index.Close()
}

func (w *Wheel) tickOf(t time.Time) int64 {
	return t.UnixMicro() / w.tick
}

// nextSeq skips zero and every id that is still live, which only happens
// once the 32-bit space has wrapped.
func (w *Wheel) nextSeq() (uint32, error) {
	for attempts := w.index.Cap() + 1; attempts > 0; attempts-- {
		var seq uint32

		if w.seqs != nil {
			seq = uint32(w.seqs.Next())
		} else {
			w.seq++
			seq = w.seq
		}

		if seq == 0 {
			continue
		}

		if _, _, err := w.lookup(seq); errors.Is(err, ErrNotFound) {
			return seq, nil
		}
	}

	return 0, fmt.Errorf("no free sequence id: %w", ErrFull)
}

func (w *Wheel) lookup(seq uint32) (int32, *node, error) {
	if w == nil || seq == 0 {
		return 0, nil, ErrInvalidArgument
	}

	var unit [unitSize]byte
	binary.LittleEndian.PutUint32(unit[:keySize], seq)

	slot, err := w.index.Get(unit[:])

	if err != nil {
		if errors.Is(err, buckethash.ErrNotFound) {
			return 0, nil, ErrNotFound
		}

		return 0, nil, err
	}

	i := int32(binary.LittleEndian.Uint32(slot[keySize:]))

	return i, &w.nodes[i], nil
}

func (w *Wheel) takeNode() (int32, error) {
	if n := len(w.free); n > 0 {
		i := w.free[n-1]
		w.free = w.free[:n-1]
		return i, nil
	}

	if len(w.nodes) >= w.index.Cap() {
		return 0, fmt.Errorf("%d timers live: %w", w.live, ErrFull)
	}

	w.nodes = append(w.nodes, node{})

	return int32(len(w.nodes) - 1), nil
}

func (w *Wheel) releaseNode(i int32) {
	if w.nodes[i].fn != nil {
		w.live--
	}

	w.nodes[i] = node{}
	w.free = append(w.free, i)
}

func (w *Wheel) freeBuf(buf []byte, size int) {
	if size > 0 {
		_ = w.alloc.Free(buf, size)
	}
}

func (w *Wheel) link(i int32, b int32) {
	nd := &w.nodes[i]
	bk := &w.buckets[b]
	nd.bucket, nd.prev, nd.next = b, bk.tail, none

	if bk.tail == none {
		bk.head = i
	} else {
		w.nodes[bk.tail].next = i
	}

	bk.tail = i
}

// detach removes node i from its bucket and the index.
func (w *Wheel) detach(i int32) {
	nd := &w.nodes[i]
	bk := &w.buckets[nd.bucket]

	if nd.prev == none {
		bk.head = nd.next
	} else {
		w.nodes[nd.prev].next = nd.next
	}

	if nd.next == none {
		bk.tail = nd.prev
	} else {
		w.nodes[nd.next].prev = nd.prev
	}

	nd.prev, nd.next = none, none

	var unit [unitSize]byte
	binary.LittleEndian.PutUint32(unit[:keySize], nd.seq)
	_ = w.index.Del(unit[:])
}
