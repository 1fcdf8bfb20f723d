package controller

import (
	"fmt"
	"log/slog"

	"swapdmt/internal/swap"
)

// IndicationKind identifies an asynchronous gateway indication.
type IndicationKind int

const (
	IndicationMoteDiscovered IndicationKind = iota + 1
	IndicationMoteAddressChanged
	IndicationMoteStateChanged
	IndicationEndpointDiscovered
	IndicationEndpointValueChanged
)

func (k IndicationKind) String() string {
	switch k {
	case IndicationMoteDiscovered:
		return "mote_discovered"
	case IndicationMoteAddressChanged:
		return "mote_address_changed"
	case IndicationMoteStateChanged:
		return "mote_state_changed"
	case IndicationEndpointDiscovered:
		return "endpoint_discovered"
	case IndicationEndpointValueChanged:
		return "endpoint_value_changed"
	default:
		return fmt.Sprintf("indication(%d)", int(k))
	}
}

// Indication is one gateway callback. Mote is set for mote indications,
// Endpoint for endpoint indications.
type Indication struct {
	Kind     IndicationKind
	Mote     *swap.Mote
	Endpoint *swap.Endpoint
}

// Dispatcher is the single entry point for gateway indications. Each
// indication is handled to completion under the session lock.
type Dispatcher struct {
	session *Session
	view    View
	logger  *slog.Logger
	table   map[IndicationKind]func(*Registry, Indication)
}

// NewDispatcher creates a dispatcher updating session and driving view.
func NewDispatcher(session *Session, view View, logger *slog.Logger) *Dispatcher {
	d := &Dispatcher{
		session: session,
		view:    view,
		logger:  logger.With("component", "dispatcher"),
	}
	d.table = map[IndicationKind]func(*Registry, Indication){
		IndicationMoteDiscovered:     d.moteDiscovered,
		IndicationMoteAddressChanged: d.moteAddressChanged,
		IndicationMoteStateChanged:   d.moteStateChanged,
		// Endpoint-level presentation is not driven from here.
		IndicationEndpointDiscovered:   ignore,
		IndicationEndpointValueChanged: ignore,
	}
	return d
}

func ignore(*Registry, Indication) {}

// Dispatch handles ind. Unknown kinds are logged and dropped; a panic in
// the view is recovered so the gateway's delivery loop keeps running.
func (d *Dispatcher) Dispatch(ind Indication) {
	h, ok := d.table[ind.Kind]
	if !ok {
		d.logger.Warn("unknown indication", "kind", ind.Kind.String())
		return
	}

	d.session.mu.Lock()
	defer d.session.mu.Unlock()
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("indication handler panic", "kind", ind.Kind.String(), "panic", r)
		}
	}()
	h(d.session.registry, ind)
}

func (d *Dispatcher) moteDiscovered(r *Registry, ind Indication) {
	if ind.Mote == nil {
		return
	}
	if r.Contains(ind.Mote) {
		r.touch(ind.Mote)
	} else {
		r.Add(ind.Mote)
	}
	d.logger.Info("mote discovered", "address", fmt.Sprintf("0x%02X", ind.Mote.Address()), "count", r.Count())
	refreshView(d.view, r.Snapshot())
}

// moteAddressChanged refreshes the view; the gateway already updated the
// mote in place. The touch makes the mote win address lookups.
func (d *Dispatcher) moteAddressChanged(r *Registry, ind Indication) {
	if ind.Mote == nil {
		return
	}
	if r.Contains(ind.Mote) {
		r.touch(ind.Mote)
	}
	d.logger.Info("mote address changed", "address", fmt.Sprintf("0x%02X", ind.Mote.Address()))
	refreshView(d.view, r.Snapshot())
}

// moteStateChanged does not refresh the view: state is not part of list
// membership or order.
func (d *Dispatcher) moteStateChanged(_ *Registry, ind Indication) {
	if ind.Mote == nil {
		return
	}
	sig := Interpret(ind.Mote)
	d.logger.Debug("mote state changed", "address", fmt.Sprintf("0x%02X", ind.Mote.Address()), "state", ind.Mote.State().String())
	if sig.Kind == SignalEnteredSync {
		d.view.SyncReceived(sig.Address)
	}
}
