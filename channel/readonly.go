package channel

import (
	"fmt"

	"github.com/webbmaffian/go-spool/arena"
	"github.com/webbmaffian/go-spool/internal/utils"
)

// Monitor is a read-only view of a shared channel, meant for observing a
// channel owned by other processes.
type Monitor struct {
	arena *arena.Arena
	head  *header
}

func OpenReadonly(path string) (*Monitor, error) {
	a, err := arena.OpenRO(path, Tag)

	if err != nil {
		return nil, fmt.Errorf("open region: %w", err)
	}

	region := a.Bytes()

	if len(region) < headSize {
		a.Close()
		return nil, fmt.Errorf("region of %d bytes holds no channel header: %w", len(region), ErrIncompatible)
	}

	m := &Monitor{
		arena: a,
		head:  utils.BytesToPointer[header](region[:headSize]),
	}

	if int(m.head.ringSize) != len(region)-headSize {
		a.Close()
		return nil, fmt.Errorf("ring size %d does not match region: %w", m.head.ringSize, ErrIncompatible)
	}

	return m, nil
}

func (m *Monitor) Name() string {
	return m.arena.Name()
}

func (m *Monitor) OverflowPath() string {
	return m.head.overflowPath()
}

func (m *Monitor) Stat() Stats {
	return m.head.stat()
}

func (m *Monitor) Close() error {
	return m.arena.Close()
}
