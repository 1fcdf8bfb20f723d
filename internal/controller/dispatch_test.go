package controller

import (
	"context"
	"errors"
	"testing"

	"swapdmt/internal/swap"
)

func newTestController(t *testing.T) (*Controller, *stubGateway, *recordingView) {
	t.Helper()
	gw := newStubGateway()
	view := &recordingView{}
	c := New(gw, view, nil, NewEventBus(newTestLogger()), newTestLogger())
	return c, gw, view
}

func TestDiscoverSyncAddressChangeScenario(t *testing.T) {
	c, gw, view := newTestController(t)

	a := swap.NewMote(10)
	gw.onDiscovered(a)
	if c.MoteCount() != 1 {
		t.Fatalf("count = %d, want 1", c.MoteCount())
	}
	if view.refreshes() != 1 {
		t.Errorf("refreshes = %d, want 1", view.refreshes())
	}

	a.SetState(swap.StateSync)
	gw.onStateChanged(a)
	if len(view.syncs) != 1 || view.syncs[0] != 10 {
		t.Errorf("syncs = %v, want [10]", view.syncs)
	}
	if view.refreshes() != 1 {
		t.Errorf("state change refreshed the view")
	}

	a.SetAddress(11)
	gw.onAddrChanged(a)
	if _, err := c.MoteByAddress(10); !errors.Is(err, ErrNotFound) {
		t.Errorf("MoteByAddress(10) err = %v, want ErrNotFound", err)
	}
	if m, _ := c.MoteByAddress(11); m != a {
		t.Error("MoteByAddress(11) is not mote A")
	}
	if view.refreshes() != 2 {
		t.Errorf("refreshes = %d, want 2", view.refreshes())
	}
	if len(view.added) != 1 || view.added[0] != 11 {
		t.Errorf("view list = %v, want [11]", view.added)
	}
}

func TestRepeatedSyncReSignals(t *testing.T) {
	_, gw, view := newTestController(t)
	m := swap.NewMote(7)
	gw.onDiscovered(m)

	m.SetState(swap.StateSync)
	gw.onStateChanged(m)
	gw.onStateChanged(m)
	m.SetState(swap.StateRxOn)
	gw.onStateChanged(m)

	if len(view.syncs) != 2 {
		t.Errorf("syncs = %v, want two signals", view.syncs)
	}
}

func TestEndpointIndicationsIgnored(t *testing.T) {
	c, gw, view := newTestController(t)
	m := swap.NewMote(7)
	gw.onDiscovered(m)
	ep := m.AddEndpoint(11, []byte{1})

	gw.onEpDiscovered(ep)
	gw.onEpChanged(ep)
	gw.onEpChanged(nil)

	if view.refreshes() != 1 || len(view.syncs) != 0 {
		t.Errorf("endpoint indications touched the view: %d refreshes, %v syncs", view.refreshes(), view.syncs)
	}
	if c.MoteCount() != 1 {
		t.Errorf("count = %d, want 1", c.MoteCount())
	}
}

func TestDispatchUnknownKind(t *testing.T) {
	c, _, view := newTestController(t)
	c.dispatcher.Dispatch(Indication{Kind: IndicationKind(99), Mote: swap.NewMote(1)})
	if c.MoteCount() != 0 || view.refreshes() != 0 {
		t.Error("unknown indication changed state")
	}
}

func TestDispatchRecoversViewPanic(t *testing.T) {
	c, gw, view := newTestController(t)
	view.panicOn = true

	gw.onDiscovered(swap.NewMote(1))

	// The session lock was released despite the panic.
	if c.MoteCount() != 1 {
		t.Errorf("count = %d, want 1", c.MoteCount())
	}
}

func TestRediscoveryDoesNotDuplicate(t *testing.T) {
	c, gw, _ := newTestController(t)
	m := swap.NewMote(3)
	gw.onDiscovered(m)
	gw.onDiscovered(m)
	if c.MoteCount() != 1 {
		t.Errorf("count = %d, want 1", c.MoteCount())
	}
}

func TestRemoveMote(t *testing.T) {
	c, gw, view := newTestController(t)
	for _, a := range []uint8{1, 2, 3} {
		gw.onDiscovered(swap.NewMote(a))
	}

	if err := c.RemoveMote(5); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("RemoveMote(5) err = %v, want ErrOutOfRange", err)
	}
	if c.MoteCount() != 3 {
		t.Fatalf("count = %d after failed remove", c.MoteCount())
	}

	if err := c.RemoveMote(1); err != nil {
		t.Fatal(err)
	}
	if c.MoteCount() != 2 {
		t.Errorf("count = %d, want 2", c.MoteCount())
	}
	if len(gw.forgotten) != 1 || gw.forgotten[0] != 2 {
		t.Errorf("forgotten = %v, want [2]", gw.forgotten)
	}
	if len(view.added) != 2 || view.added[0] != 1 || view.added[1] != 3 {
		t.Errorf("view list = %v, want [1 3]", view.added)
	}
}

func TestConnectFailureLeavesDisconnected(t *testing.T) {
	c, gw, _ := newTestController(t)
	gw.connectErr = errors.New("open /dev/ttyUSB0: no such file")

	var states []bool
	c.Events().On(EventConnectionState, func(e Event) {
		states = append(states, e.Data.(ConnectionData).Connected)
	})

	if c.Connect(context.Background()) {
		t.Fatal("Connect = true with failing gateway")
	}
	if c.IsConnected() {
		t.Error("connected after failure")
	}
	if len(states) != 1 || states[0] {
		t.Errorf("connection events = %v, want [false]", states)
	}
}

func TestConnectStartsFreshRegistry(t *testing.T) {
	c, gw, view := newTestController(t)
	gw.onDiscovered(swap.NewMote(1))

	if !c.Connect(context.Background()) {
		t.Fatal("Connect = false")
	}
	if !c.IsConnected() {
		t.Error("not connected")
	}
	if c.MoteCount() != 0 {
		t.Errorf("count = %d after connect, want 0", c.MoteCount())
	}
	if len(view.added) != 0 {
		t.Errorf("view list = %v after connect, want empty", view.added)
	}
}

func TestConnectWhenConnectedIsNoop(t *testing.T) {
	c, gw, _ := newTestController(t)
	if !c.Connect(context.Background()) {
		t.Fatal("Connect = false")
	}
	gw.onDiscovered(swap.NewMote(4))

	if !c.Connect(context.Background()) {
		t.Error("second Connect = false")
	}
	if c.MoteCount() != 1 {
		t.Errorf("count = %d, want registry kept", c.MoteCount())
	}
	n := 0
	for _, call := range gw.Calls() {
		if call == "connect" {
			n++
		}
	}
	if n != 1 {
		t.Errorf("gateway connected %d times, want 1", n)
	}
}

func TestDisconnectAlwaysClearsFlag(t *testing.T) {
	c, gw, _ := newTestController(t)
	c.Connect(context.Background())

	gw.disconnectErr = errors.New("close: bad file descriptor")
	if c.Disconnect() {
		t.Error("Disconnect = true despite error")
	}
	if c.IsConnected() {
		t.Error("still connected after failed disconnect")
	}

	gw.disconnectErr = nil
	if !c.Disconnect() || c.IsConnected() {
		t.Error("second disconnect")
	}
}

func TestMoteNames(t *testing.T) {
	c, gw, _ := newTestController(t)
	c.deviceDB.Add(ManufacturerGroup{ID: 1, Name: "panStamp", Products: []ProductDefinition{
		{ID: 2, Name: "Temperature sensor"},
	}})

	m := swap.NewMote(10)
	m.SetProductCode(1, 2)
	gw.onDiscovered(m)

	if got, _ := c.MoteManufacturer(10); got != "panStamp" {
		t.Errorf("manufacturer = %q", got)
	}
	if got, _ := c.MoteProduct(10); got != "Temperature sensor" {
		t.Errorf("product = %q", got)
	}

	m.SetProductCode(9, 9)
	if got, _ := c.MoteManufacturer(10); got != "0x00000009" {
		t.Errorf("unknown manufacturer = %q", got)
	}
	if _, err := c.MoteProduct(99); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown mote err = %v", err)
	}
}
