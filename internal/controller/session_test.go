package controller

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"swapdmt/internal/gateway"
	"swapdmt/internal/swap"
)

func TestOverlappingConnectKeepsDiscoveredMotes(t *testing.T) {
	c, gw, _ := newTestController(t)

	second := make(chan bool, 1)
	var once sync.Once
	gw.connectHook = func() {
		once.Do(func() {
			// A mote answers as soon as the link is up, while another caller
			// asks to connect.
			gw.onDiscovered(swap.NewMote(5))
			go func() { second <- c.Connect(context.Background()) }()
			time.Sleep(20 * time.Millisecond)
		})
	}

	if !c.Connect(context.Background()) {
		t.Fatal("Connect = false")
	}
	select {
	case ok := <-second:
		if !ok {
			t.Error("second Connect = false")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("second Connect did not return")
	}

	if c.MoteCount() != 1 {
		t.Errorf("count = %d, want discovered mote kept", c.MoteCount())
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

func TestConcurrentDiscoveryAndRemove(t *testing.T) {
	c, gw, _ := newTestController(t)

	const motes = 60
	var removed atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < motes; i++ {
		wg.Add(1)
		go func(addr uint8) {
			defer wg.Done()
			gw.onDiscovered(swap.NewMote(addr))
		}(uint8(i + 1))
	}
	for i := 0; i < motes/2; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			if c.RemoveMote(0) == nil {
				removed.Add(1)
			}
		}()
		go func() {
			defer wg.Done()
			if m, err := c.Mote(0); err == nil && m == nil {
				t.Error("nil mote at position 0")
			}
		}()
	}
	wg.Wait()

	if got, want := c.MoteCount(), motes-int(removed.Load()); got != want {
		t.Errorf("count = %d, want %d (%d removed)", got, want, removed.Load())
	}

	snap := c.Motes()
	seen := make(map[*swap.Mote]bool)
	addrs := make(map[uint8]bool)
	for i, m := range snap {
		if m == nil {
			t.Fatalf("nil entry at %d", i)
		}
		if seen[m] || addrs[m.Address()] {
			t.Errorf("duplicate entry 0x%02X at %d", m.Address(), i)
		}
		seen[m] = true
		addrs[m.Address()] = true

		if got, err := c.Mote(i); err != nil || got != m {
			t.Errorf("Mote(%d) = %v, %v; want snapshot entry", i, got, err)
		}
	}
}

func TestLinkLostClearsFlag(t *testing.T) {
	c, gw, _ := newTestController(t)

	var states []bool
	var errs []string
	c.Events().OnAll(func(e Event) {
		switch d := e.Data.(type) {
		case ConnectionData:
			states = append(states, d.Connected)
		case ErrorData:
			errs = append(errs, d.Op)
		}
	})

	if !c.Connect(context.Background()) {
		t.Fatal("Connect = false")
	}
	lost := fmt.Errorf("%w: link lost: EOF", gateway.ErrCommunication)
	gw.onLinkLost(lost)

	if c.IsConnected() {
		t.Error("still connected after link loss")
	}
	if len(states) != 2 || states[1] {
		t.Errorf("states = %v, want [true false]", states)
	}
	if len(errs) != 1 || errs[0] != "link" {
		t.Errorf("errors = %v, want one link error", errs)
	}

	// A second report for the same session is ignored.
	gw.onLinkLost(lost)
	if len(states) != 2 || len(errs) != 1 {
		t.Errorf("repeated loss emitted events: states=%v errors=%v", states, errs)
	}

	// The operator can connect again.
	if !c.Connect(context.Background()) || !c.IsConnected() {
		t.Error("reconnect after link loss failed")
	}
}

func TestNewWithoutEventBus(t *testing.T) {
	c := New(newStubGateway(), nil, nil, nil, newTestLogger())
	if c.Events() == nil {
		t.Fatal("Events() = nil")
	}

	var got []string
	c.Events().OnAll(func(e Event) { got = append(got, e.Type) })

	if !c.SetNetworkParams(context.Background(), 1, 0x1234, 0) {
		t.Error("SetNetworkParams = false")
	}
	if !c.Connect(context.Background()) {
		t.Error("Connect = false")
	}
	if len(got) == 0 {
		t.Error("no events on the default bus")
	}
}
