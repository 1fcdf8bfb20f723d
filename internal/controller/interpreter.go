package controller

import "swapdmt/internal/swap"

// SignalKind classifies a mote state change.
type SignalKind int

const (
	SignalNone SignalKind = iota
	SignalEnteredSync
)

// Signal is the user-visible outcome of a state change.
type Signal struct {
	Kind    SignalKind
	Address uint8
}

// Interpret reports SignalEnteredSync, carrying the mote address, whenever
// the mote is in SYNC state. Repeated reports re-signal.
func Interpret(m *swap.Mote) Signal {
	if m.State() != swap.StateSync {
		return Signal{Kind: SignalNone}
	}
	return Signal{Kind: SignalEnteredSync, Address: m.Address()}
}
