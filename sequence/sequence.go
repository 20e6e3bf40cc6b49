// Package sequence provides a global id counter persisted in a file, shared by
// every process mapping the same file.
package sequence

import (
	"fmt"
	"sync/atomic"

	"github.com/webbmaffian/go-spool/mmarr"
)

const name = "sequence"

type Sequence struct {
	arr *mmarr.Array[uint64]
	val *uint64
}

// Open maps the counter at path, creating it at zero. An empty path keeps the
// counter in process memory.
func Open(path string) (*Sequence, error) {
	arr, err := mmarr.Open[uint64](mmarr.Options{Path: path, Name: name, Length: 1})

	if err != nil {
		return nil, fmt.Errorf("open sequence: %w", err)
	}

	val, err := arr.Get(0)

	if err != nil {
		arr.Close()
		return nil, fmt.Errorf("open sequence: %w", err)
	}

	return &Sequence{
		arr: arr,
		val: val,
	}, nil
}

// Next returns the next id. It never returns 0.
func (s *Sequence) Next() uint64 {
	for {
		if id := atomic.AddUint64(s.val, 1); id != 0 {
			return id
		}
	}
}

// Current returns the last id handed out.
func (s *Sequence) Current() uint64 {
	return atomic.LoadUint64(s.val)
}

func (s *Sequence) Flush() error {
	return s.arr.Flush()
}

func (s *Sequence) Close() error {
	return s.arr.Close()
}
