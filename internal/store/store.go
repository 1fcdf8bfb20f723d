package store

import "errors"

// ErrNotFound is returned when a requested entity does not exist in the store.
var ErrNotFound = errors.New("not found")

// Store defines the persistence interface for gateway parameters.
type Store interface {
	// Serial link parameters
	SaveSerialParams(p *SerialParams) error
	GetSerialParams() (*SerialParams, error)

	// Wireless network parameters
	SaveWirelessParams(p *WirelessParams) error
	GetWirelessParams() (*WirelessParams, error)

	// UpdateWirelessParams atomically reads, modifies, and saves the wireless
	// parameters in a single transaction. Returns ErrNotFound if none are stored.
	UpdateWirelessParams(fn func(p *WirelessParams) error) error

	// Close the store
	Close() error
}
