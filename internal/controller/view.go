package controller

import "swapdmt/internal/swap"

// View is the presentation collaborator driven by the controller.
type View interface {
	ClearMoteList()
	AddMoteToList(m *swap.Mote)
	SyncReceived(addr uint8)
}

// refreshView rebuilds the presentation list from a full snapshot.
func refreshView(v View, motes []*swap.Mote) {
	v.ClearMoteList()
	for _, m := range motes {
		v.AddMoteToList(m)
	}
}

// EventView implements View by emitting events on the bus, where the web,
// MQTT, automation and telemetry layers pick them up.
type EventView struct {
	events *EventBus
}

func NewEventView(events *EventBus) *EventView {
	return &EventView{events: events}
}

func (v *EventView) ClearMoteList() {
	v.events.Emit(Event{Type: EventMoteListCleared})
}

func (v *EventView) AddMoteToList(m *swap.Mote) {
	v.events.Emit(Event{Type: EventMoteAdded, Data: m.Info()})
}

func (v *EventView) SyncReceived(addr uint8) {
	v.events.Emit(Event{Type: EventSyncReceived, Data: SyncData{Address: addr}})
}
