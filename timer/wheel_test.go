package timer

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
	"github.com/webbmaffian/go-spool/sequence"
	"github.com/webbmaffian/go-spool/slab"
)

// t0 is aligned to a 5 ms tick.
var t0 = time.UnixMicro(1_000_000_000_000)

type clock struct {
	t time.Time
}

func (c *clock) now() time.Time {
	return c.t
}

func (c *clock) advance(d time.Duration) time.Time {
	c.t = c.t.Add(d)
	return c.t
}

func newWheel(t *testing.T, opts Options) (*Wheel, *clock) {
	t.Helper()

	c := &clock{t: t0}
	opts.Now = c.now

	w, err := New(opts)
	require.NoError(t, err)

	t.Cleanup(func() {
		w.Close()
	})

	return w, c
}

type expiry struct {
	Seq     uint32
	Payload string
}

func TestExpireAfterHorizon(t *testing.T) {
	w, c := newWheel(t, Options{Tick: 5 * time.Millisecond, Buckets: 10, Capacity: 64, Rows: 4})

	var got []expiry
	record := func(seq uint32, size int, payload []byte) {
		got = append(got, expiry{Seq: seq, Payload: string(payload[:size])})
	}

	a, _, err := w.Add([]byte("first"), 5, record)
	require.NoError(t, err)
	require.NotZero(t, a)

	c.advance(20 * time.Millisecond)
	b, _, err := w.Add([]byte("second"), 6, record)
	require.NoError(t, err)
	require.Equal(t, 2, w.Len())

	require.Zero(t, w.Check(t0.Add(49*time.Millisecond)))
	require.Equal(t, 1, w.Check(t0.Add(50*time.Millisecond)))
	require.Equal(t, 1, w.Len())

	require.Zero(t, w.Check(t0.Add(69*time.Millisecond)))
	require.Equal(t, 1, w.Check(t0.Add(70*time.Millisecond)))
	require.Zero(t, w.Len())

	want := []expiry{{Seq: a, Payload: "first"}, {Seq: b, Payload: "second"}}

	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("unexpected expiries (-want +got):\n%s", diff)
	}
}

func TestDelPreventsExpiry(t *testing.T) {
	w, _ := newWheel(t, Options{Tick: time.Millisecond, Buckets: 4, Capacity: 16, Rows: 2})

	fired := 0
	seq, _, err := w.Add(nil, 0, func(uint32, int, []byte) { fired++ })
	require.NoError(t, err)

	require.NoError(t, w.Del(seq))
	require.ErrorIs(t, w.Del(seq), ErrNotFound)

	_, _, err = w.Get(seq)
	require.ErrorIs(t, err, ErrNotFound)

	require.Zero(t, w.Check(t0.Add(time.Second)))
	require.Zero(t, fired)
	require.Zero(t, w.Len())
}

func TestGetReturnsWritableBuffer(t *testing.T) {
	w, _ := newWheel(t, Options{Tick: time.Millisecond, Buckets: 4, Capacity: 16, Rows: 2})

	var seen []byte
	seq, buf, err := w.Add([]byte{1, 2}, 4, func(_ uint32, _ int, payload []byte) {
		seen = append(seen, payload...)
	})
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 0, 0}, buf)

	buf[3] = 9

	size, payload, err := w.Get(seq)
	require.NoError(t, err)
	require.Equal(t, 4, size)
	require.Equal(t, []byte{1, 2, 0, 9}, payload)

	require.Equal(t, 1, w.Check(t0.Add(4*time.Millisecond)))
	require.Equal(t, []byte{1, 2, 0, 9}, seen)
}

func TestLongGapExpiresEverything(t *testing.T) {
	w, c := newWheel(t, Options{Tick: time.Millisecond, Buckets: 8, Capacity: 128, Rows: 4})

	noop := func(uint32, int, []byte) {}

	for i := 0; i < 20; i++ {
		_, _, err := w.Add(nil, 0, noop)
		require.NoError(t, err)
		c.advance(time.Millisecond)
	}

	require.Equal(t, 20, w.Check(t0.Add(time.Hour)))
	require.Zero(t, w.Len())
}

func TestEarlierDeadlineExpiresFirst(t *testing.T) {
	w, c := newWheel(t, Options{Tick: time.Millisecond, Buckets: 100, Capacity: 1024, Rows: 8})

	var order []uint32
	var want []uint32
	record := func(seq uint32, _ int, _ []byte) { order = append(order, seq) }

	for i := 0; i < 50; i++ {
		seq, _, err := w.Add(nil, 0, record)
		require.NoError(t, err)
		want = append(want, seq)
		c.advance(time.Millisecond)
	}

	for now := c.t; len(order) < len(want); now = now.Add(time.Millisecond) {
		w.Check(now)
	}

	if diff := cmp.Diff(want, order); diff != "" {
		t.Fatalf("expiry order (-want +got):\n%s", diff)
	}
}

func TestCallbackMayAddAndDelete(t *testing.T) {
	w, _ := newWheel(t, Options{Tick: time.Millisecond, Buckets: 4, Capacity: 16, Rows: 2})

	var (
		first, second, added uint32
		nested               int
		delErr               error
	)

	first, _, err := w.Add(nil, 0, func(uint32, int, []byte) {
		nested = w.Check(t0.Add(time.Hour))
		delErr = w.Del(second)

		var err error
		added, _, err = w.Add([]byte("x"), 1, func(uint32, int, []byte) {})
		require.NoError(t, err)
	})
	require.NoError(t, err)

	second, _, err = w.Add(nil, 0, func(uint32, int, []byte) {})
	require.NoError(t, err)

	// Both are due in the same pass and detached before any call.
	require.Equal(t, 2, w.Check(t0.Add(4*time.Millisecond)))
	require.Zero(t, nested)
	require.ErrorIs(t, delErr, ErrNotFound)

	_, _, err = w.Get(first)
	require.ErrorIs(t, err, ErrNotFound)

	size, payload, err := w.Get(added)
	require.NoError(t, err)
	require.Equal(t, 1, size)
	require.Equal(t, "x", string(payload))
	require.Equal(t, 1, w.Len())
}

func TestCapacity(t *testing.T) {
	w, _ := newWheel(t, Options{Tick: time.Millisecond, Buckets: 4, Capacity: 4, Rows: 1})

	noop := func(uint32, int, []byte) {}

	var (
		seqs []uint32
		err  error
	)

	// One row of 5 slots. Ids may collide in it before it is full.
	for i := 0; i < 10 && err == nil; i++ {
		var seq uint32

		if seq, _, err = w.Add(nil, 0, noop); err == nil {
			seqs = append(seqs, seq)
		}
	}

	require.ErrorIs(t, err, ErrFull)
	require.NotEmpty(t, seqs)
	require.LessOrEqual(t, len(seqs), 5)
	require.Equal(t, len(seqs), w.Len())

	for _, seq := range seqs {
		require.NoError(t, w.Del(seq))
	}

	require.Zero(t, w.Len())
}

type fixedSequence struct {
	ids []uint64
}

func (s *fixedSequence) Next() uint64 {
	id := s.ids[0]
	s.ids = s.ids[1:]
	return id
}

func TestSequenceSkipsZeroAndLiveIds(t *testing.T) {
	seqs := &fixedSequence{ids: []uint64{7, 1 << 32, 7, 1<<32 + 7, 8}}
	w, _ := newWheel(t, Options{Tick: time.Millisecond, Buckets: 4, Capacity: 16, Rows: 2, Sequence: seqs})

	noop := func(uint32, int, []byte) {}

	a, _, err := w.Add(nil, 0, noop)
	require.NoError(t, err)
	require.Equal(t, uint32(7), a)

	// 1<<32 truncates to zero, the next two collide with 7.
	b, _, err := w.Add(nil, 0, noop)
	require.NoError(t, err)
	require.Equal(t, uint32(8), b)
}

func TestPersistedSequence(t *testing.T) {
	seq, err := sequence.Open("")
	require.NoError(t, err)

	defer seq.Close()

	seq.Next()

	w, _ := newWheel(t, Options{Tick: time.Millisecond, Buckets: 4, Capacity: 16, Rows: 2, Sequence: seq})

	id, _, err := w.Add(nil, 0, func(uint32, int, []byte) {})
	require.NoError(t, err)
	require.Equal(t, uint32(2), id)
	require.Equal(t, uint64(2), seq.Current())
}

func TestPayloadsReturnToAllocator(t *testing.T) {
	alloc := slab.New(slab.Config{})
	w, _ := newWheel(t, Options{Tick: time.Millisecond, Buckets: 4, Capacity: 16, Rows: 2, Allocator: alloc})

	seq, _, err := w.Add([]byte("payload"), 100, func(uint32, int, []byte) {})
	require.NoError(t, err)
	require.NoError(t, w.Del(seq))

	_, _, err = w.Add(nil, 100, func(uint32, int, []byte) {})
	require.NoError(t, err)

	var reused uint64

	for _, s := range alloc.Stats() {
		reused += s.Reused
	}

	require.Equal(t, uint64(1), reused)
}

func TestInvalidArguments(t *testing.T) {
	w, _ := newWheel(t, Options{Tick: time.Millisecond, Buckets: 4, Capacity: 16, Rows: 2})

	_, _, err := w.Add(nil, 0, nil)
	require.ErrorIs(t, err, ErrInvalidArgument)

	_, _, err = w.Add([]byte("toolong"), 2, func(uint32, int, []byte) {})
	require.ErrorIs(t, err, ErrInvalidArgument)

	_, _, err = w.Get(0)
	require.ErrorIs(t, err, ErrInvalidArgument)

	_, err = New(Options{Tick: time.Nanosecond})
	require.ErrorIs(t, err, ErrInvalidArgument)

	var nilWheel *Wheel
	require.Zero(t, nilWheel.Check(t0))
	require.Zero(t, nilWheel.Len())
}

func BenchmarkAddDel(b *testing.B) {
	w, err := New(Options{})

	if err != nil {
		b.Fatal(err)
	}

	b.Cleanup(func() {
		w.Close()
	})

	noop := func(uint32, int, []byte) {}
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		seq, _, _ := w.Add(nil, 64, noop)
		_ = w.Del(seq)
	}
}
