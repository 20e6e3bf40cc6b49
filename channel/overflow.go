package channel

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"sync"
	"sync/atomic"

	"github.com/valyala/bytebufferpool"
	"golang.org/x/sys/unix"
)

// overflow serializes access to the overflow file. The mutex covers the
// owners within this process and the lock file covers other processes.
type overflow struct {
	path string
	lock *os.File
	mu   sync.Mutex
}

func openOverflow(path string) (o *overflow, err error) {
	o = &overflow{path: path}

	if o.lock, err = os.OpenFile(path+".lock", os.O_RDWR|os.O_CREATE, 0644); err != nil {
		return nil, fmt.Errorf("open overflow lock: %w: %w", ErrIO, err)
	}

	return
}

func (o *overflow) acquire() error {
	o.mu.Lock()

	if err := unix.Flock(int(o.lock.Fd()), unix.LOCK_EX); err != nil {
		o.mu.Unlock()
		return fmt.Errorf("lock overflow file: %w: %w", ErrIO, err)
	}

	return nil
}

func (o *overflow) release() {
	_ = unix.Flock(int(o.lock.Fd()), unix.LOCK_UN)
	o.mu.Unlock()
}

func (o *overflow) close() error {
	return o.lock.Close()
}

func (ch *DurableChannel) pushFile(record []byte) (err error) {
	h := ch.head
	n := uint64(recordHeaderSize + len(record))

	if err = ch.overflow.acquire(); err != nil {
		return
	}

	defer ch.overflow.release()

	end := atomic.LoadUint64(&h.fileEnd)

	if limit := atomic.LoadUint64(&h.fileMax); limit > 0 && end+n > limit {
		return fmt.Errorf("overflow file would exceed %d bytes: %w", limit, ErrFull)
	}

	if atomic.LoadUint32(&h.fileCount) == math.MaxUint32 {
		return fmt.Errorf("overflow file holds too many records: %w", ErrFull)
	}

	f, err := os.OpenFile(ch.overflow.path, os.O_WRONLY|os.O_CREATE, 0644)

	if err != nil {
		return fmt.Errorf("open overflow file: %w: %w", ErrIO, err)
	}

	defer f.Close()

	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	buf.B = binary.LittleEndian.AppendUint32(buf.B[:0], uint32(len(record)))
	buf.B = append(buf.B, record...)

	if _, err = f.WriteAt(buf.B, int64(end)); err != nil {
		return fmt.Errorf("write overflow file: %w: %w", ErrIO, err)
	}

	atomic.StoreUint64(&h.fileEnd, end+n)

	if atomic.AddUint32(&h.fileCount, 1) == 1 {
		ch.log.Info("ring is full, spilling to overflow file", slog.String("path", ch.overflow.path))
	}

	return
}

func (ch *DurableChannel) popFile(fn func([]byte) error) (err error) {
	h := ch.head

	if err = ch.overflow.acquire(); err != nil {
		return
	}

	defer ch.overflow.release()

	if atomic.LoadUint32(&h.fileCount) == 0 {
		return ErrEmpty
	}

	f, err := os.Open(ch.overflow.path)

	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			ch.log.Warn("overflow file vanished, dropping its records",
				slog.String("path", ch.overflow.path),
				slog.Uint64("lost_records", uint64(atomic.LoadUint32(&h.fileCount))),
			)
			ch.drained()
		}

		return fmt.Errorf("open overflow file: %w: %w", ErrIO, err)
	}

	defer f.Close()

	start := atomic.LoadUint64(&h.fileStart)

	var prefix [recordHeaderSize]byte

	if _, err = f.ReadAt(prefix[:], int64(start)); err != nil {
		if truncated(err) {
			return ch.corrupt(fmt.Sprintf("no record prefix at offset %d", start))
		}

		return fmt.Errorf("read overflow file: %w: %w", ErrIO, err)
	}

	size := binary.LittleEndian.Uint32(prefix[:])

	if size > ch.maxRecord || start+recordHeaderSize+uint64(size) > atomic.LoadUint64(&h.fileEnd) {
		return ch.corrupt(fmt.Sprintf("record of %d bytes at offset %d", size, start))
	}

	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	buf.B = grow(buf.B, int(size))

	if _, err = f.ReadAt(buf.B, int64(start+recordHeaderSize)); err != nil && !(errors.Is(err, io.EOF) && size == 0) {
		if truncated(err) {
			return ch.corrupt(fmt.Sprintf("record of %d bytes at offset %d is cut short", size, start))
		}

		return fmt.Errorf("read overflow file: %w: %w", ErrIO, err)
	}

	if err = fn(buf.B); err != nil {
		return
	}

	atomic.StoreUint64(&h.fileStart, start+recordHeaderSize+uint64(size))

	if atomic.AddUint32(&h.fileCount, ^uint32(0)) == 0 {
		if err = os.Remove(ch.overflow.path); err != nil && !os.IsNotExist(err) {
			ch.log.Warn("failed to remove drained overflow file", slog.String("path", ch.overflow.path), slog.Any("error", err))
		}

		ch.drained()
		ch.log.Info("overflow file drained", slog.String("path", ch.overflow.path))
	}

	return nil
}

// corrupt drops every pending file record, since nothing past a bad record
// can be framed. The ring and later pushes are unaffected. Must be called
// with the overflow lock held.
func (ch *DurableChannel) corrupt(reason string) error {
	ch.log.Warn("overflow file is corrupt, dropping its records",
		slog.String("path", ch.overflow.path),
		slog.String("reason", reason),
		slog.Uint64("lost_records", uint64(atomic.LoadUint32(&ch.head.fileCount))),
	)

	if err := os.Remove(ch.overflow.path); err != nil && !os.IsNotExist(err) {
		ch.log.Warn("failed to remove corrupt overflow file", slog.String("path", ch.overflow.path), slog.Any("error", err))
	}

	ch.drained()

	return fmt.Errorf("%s: %w", reason, ErrCorrupt)
}

func truncated(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}

// drained resets the file offsets. End goes first, see stat.
func (ch *DurableChannel) drained() {
	atomic.StoreUint32(&ch.head.fileCount, 0)
	atomic.StoreUint64(&ch.head.fileEnd, 0)
	atomic.StoreUint64(&ch.head.fileStart, 0)
}
