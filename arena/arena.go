// Package arena provides raw byte regions with a fixed binary preamble.
//
// An arena is either process-private heap memory or a memory-mapped file.
// Mapping a file on a tmpfs (e.g. /dev/shm) gives true shared memory between
// cooperating processes; any other path additionally survives a reboot.
//
// The preamble carries a validation tag, a layout version, the region size
// and a name. Attaching to an existing file whose preamble does not match the
// caller's expectations fails with [ErrIncompatible] and must stop
// initialization.
package arena

import (
	"fmt"
	"io"
	"os"

	"github.com/edsrzf/mmap-go"
	"github.com/webbmaffian/go-spool/internal/utils"
	"golang.org/x/sys/unix"
)

type Options struct {
	// Path of the backing file. Empty means process-private heap memory.
	Path string

	// Name is stored in the preamble and verified on attach when non-empty.
	Name string

	// Tag identifies the component type owning the region.
	Tag uint32

	// Size of the region behind the preamble. Mandatory when the region is
	// created; when attaching, zero accepts whatever size the file declares.
	Size int

	// Init is called with the zeroed region right after creation, before any
	// other process can attach to it.
	Init func(region []byte) error
}

// Arena is a raw byte region. It is not safe for concurrent Close.
type Arena struct {
	data    []byte
	mm      mmap.MMap
	file    *os.File
	head    *preamble
	created bool
}

// Open creates or attaches to a region. Creation and validation of a file
// backed region happen under an exclusive flock on the file, so two processes
// racing to create the same region never both initialize it.
func Open(opts Options) (a *Arena, err error) {
	if len(opts.Name) > maxNameLen {
		return nil, fmt.Errorf("name longer than %d bytes: %w", maxNameLen, ErrInvalidArgument)
	}

	if opts.Size < 0 {
		return nil, fmt.Errorf("negative size %d: %w", opts.Size, ErrInvalidArgument)
	}

	if opts.Path == "" {
		return newHeap(opts)
	}

	file, err := os.OpenFile(opts.Path, os.O_RDWR|os.O_CREATE, 0o644)

	if err != nil {
		return
	}

	defer func() {
		if err != nil {
			file.Close()
		}
	}()

	a = &Arena{file: file}
	fd := int(file.Fd())

	if err = unix.Flock(fd, unix.LOCK_EX); err != nil {
		return nil, fmt.Errorf("lock %s: %w", opts.Path, err)
	}

	defer unix.Flock(fd, unix.LOCK_UN)

	info, err := a.file.Stat()

	if err != nil {
		return
	}

	if info.Size() == 0 {
		if opts.Size == 0 {
			return nil, fmt.Errorf("size is mandatory when creating %s: %w", opts.Path, ErrInvalidArgument)
		}

		head := newPreamble(opts.Tag, opts.Name, opts.Size)

		if err = a.file.Truncate(head.fileSize()); err != nil {
			return
		}

		a.created = true
	} else if err = validateHead(a.file, info.Size(), opts); err != nil {
		return
	}

	if a.mm, err = mmap.Map(a.file, mmap.RDWR, 0); err != nil {
		return
	}

	a.data = a.mm

	if a.created {
		head := newPreamble(opts.Tag, opts.Name, opts.Size)
		copy(a.data[:PreambleSize], utils.PointerToBytes(head, PreambleSize))

		if opts.Init != nil {
			err = opts.Init(a.data[PreambleSize:])
		}

		if err == nil {
			err = a.mm.Flush()
		}

		// Leave an empty file behind so the next open creates it again.
		if err != nil {
			a.mm.Unmap()
			a.file.Truncate(0)
			return nil, err
		}
	}

	a.head = utils.BytesToPointer[preamble](a.data[:PreambleSize])

	return
}

// OpenRO maps an existing file backed region read-only.
func OpenRO(path string, tag uint32) (*Arena, error) {
	info, err := os.Stat(path)

	if err != nil {
		return nil, err
	}

	a := new(Arena)

	if a.file, err = os.OpenFile(path, os.O_RDONLY, 0); err != nil {
		return nil, err
	}

	if err = validateHead(a.file, info.Size(), Options{Tag: tag}); err != nil {
		a.file.Close()
		return nil, err
	}

	if a.mm, err = mmap.Map(a.file, mmap.RDONLY, 0); err != nil {
		a.file.Close()
		return nil, err
	}

	a.data = a.mm
	a.head = utils.BytesToPointer[preamble](a.data[:PreambleSize])

	return a, nil
}

func newHeap(opts Options) (*Arena, error) {
	if opts.Size == 0 {
		return nil, fmt.Errorf("size is mandatory: %w", ErrInvalidArgument)
	}

	head := newPreamble(opts.Tag, opts.Name, opts.Size)
	a := &Arena{
		data:    make([]byte, head.fileSize()),
		created: true,
	}

	copy(a.data[:PreambleSize], utils.PointerToBytes(head, PreambleSize))
	a.head = utils.BytesToPointer[preamble](a.data[:PreambleSize])

	if opts.Init != nil {
		if err := opts.Init(a.data[PreambleSize:]); err != nil {
			return nil, err
		}
	}

	return a, nil
}

func validateHead(file *os.File, fileSize int64, opts Options) (err error) {
	if fileSize < PreambleSize {
		return fmt.Errorf("file too small: %w", ErrIncompatible)
	}

	b := make([]byte, PreambleSize)

	if _, err = io.ReadFull(io.NewSectionReader(file, 0, PreambleSize), b); err != nil {
		return
	}

	head := utils.BytesToPointer[preamble](b)

	if head.tag != opts.Tag {
		return fmt.Errorf("tag %#x, expected %#x: %w", head.tag, opts.Tag, ErrIncompatible)
	}

	if head.layout != layoutVersion {
		return fmt.Errorf("layout version %d, expected %d: %w", head.layout, layoutVersion, ErrIncompatible)
	}

	if opts.Name != "" && head.nameString() != opts.Name {
		return fmt.Errorf("name %q, expected %q: %w", head.nameString(), opts.Name, ErrIncompatible)
	}

	if opts.Size != 0 && head.size != uint64(opts.Size) {
		return fmt.Errorf("size %d, expected %d: %w", head.size, opts.Size, ErrIncompatible)
	}

	if fileSize != head.fileSize() {
		return fmt.Errorf("file size %d, expected %d: %w", fileSize, head.fileSize(), ErrIncompatible)
	}

	return
}

// Bytes returns the region behind the preamble.
func (a *Arena) Bytes() []byte {
	return a.data[PreambleSize:]
}

func (a *Arena) Size() int {
	return int(a.head.size)
}

func (a *Arena) Name() string {
	return a.head.nameString()
}

// Created reports whether this call initialized the region, as opposed to
// attaching to one that already existed.
func (a *Arena) Created() bool {
	return a.created
}

// Shared reports whether the region is file backed.
func (a *Arena) Shared() bool {
	return a.mm != nil
}

func (a *Arena) Flush() error {
	if a.mm == nil {
		return nil
	}

	return a.mm.Flush()
}

func (a *Arena) Close() (err error) {
	if a.mm == nil {
		a.data = nil
		return
	}

	if err = a.mm.Unmap(); err != nil {
		return
	}

	a.mm, a.data = nil, nil

	return a.file.Close()
}
