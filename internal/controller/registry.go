package controller

import (
	"errors"
	"fmt"

	"swapdmt/internal/swap"
)

var (
	// ErrOutOfRange is returned for registry positions outside [0, Count()).
	ErrOutOfRange = errors.New("index out of range")
	// ErrNotFound is returned when no mote holds the requested address.
	ErrNotFound = errors.New("mote not found")
)

// Registry is the insertion-ordered collection of known motes.
//
// It has no lock of its own: every access happens under the Session lock.
type Registry struct {
	motes []*swap.Mote
	// stamps records when a mote was added or last changed address, so
	// ByAddress can prefer the most recent holder of an address.
	stamps map[*swap.Mote]uint64
	clock  uint64
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{stamps: make(map[*swap.Mote]uint64)}
}

func (r *Registry) Count() int {
	return len(r.motes)
}

// Get returns the mote at position index.
func (r *Registry) Get(index int) (*swap.Mote, error) {
	if index < 0 || index >= len(r.motes) {
		return nil, fmt.Errorf("mote %d of %d: %w", index, len(r.motes), ErrOutOfRange)
	}
	return r.motes[index], nil
}

// ByAddress returns the mote currently holding addr. Addresses are read live
// from the motes because the gateway changes them in place.
func (r *Registry) ByAddress(addr uint8) (*swap.Mote, error) {
	var found *swap.Mote
	var stamp uint64
	for _, m := range r.motes {
		if m.Address() != addr {
			continue
		}
		if s := r.stamps[m]; found == nil || s > stamp {
			found, stamp = m, s
		}
	}
	if found == nil {
		return nil, fmt.Errorf("address 0x%02X: %w", addr, ErrNotFound)
	}
	return found, nil
}

// Remove deletes the mote at position index; later motes shift down.
func (r *Registry) Remove(index int) (*swap.Mote, error) {
	m, err := r.Get(index)
	if err != nil {
		return nil, err
	}
	r.motes = append(r.motes[:index], r.motes[index+1:]...)
	delete(r.stamps, m)
	return m, nil
}

// Add appends m.
func (r *Registry) Add(m *swap.Mote) {
	r.motes = append(r.motes, m)
	r.touch(m)
}

// Snapshot returns the motes in registry order.
func (r *Registry) Snapshot() []*swap.Mote {
	out := make([]*swap.Mote, len(r.motes))
	copy(out, r.motes)
	return out
}

// Contains reports whether m is in the registry.
func (r *Registry) Contains(m *swap.Mote) bool {
	_, ok := r.stamps[m]
	return ok
}

// Clear removes every mote.
func (r *Registry) Clear() {
	r.motes = nil
	clear(r.stamps)
}

func (r *Registry) touch(m *swap.Mote) {
	r.clock++
	r.stamps[m] = r.clock
}
