package controller

import (
	"context"
	"log/slog"
	"os"
	"sync"

	"swapdmt/internal/gateway"
	"swapdmt/internal/swap"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// stubGateway records calls and returns scripted results.
type stubGateway struct {
	mu    sync.Mutex
	calls []string

	connectErr    error
	disconnectErr error
	// connectHook runs inside Connect before it returns.
	connectHook func()
	serialErr   error

	// results per setter name; missing entries mean (true, nil).
	results map[string]struct {
		ok  bool
		err error
	}

	channel  uint8
	netID    uint16
	security uint8
	address  uint8
	port     string
	speed    int

	forgotten []uint8
	written   []writeCall
	queried   []uint8
	writeErr  error

	onLinkLost     func(error)
	onDiscovered   func(*swap.Mote)
	onAddrChanged  func(*swap.Mote)
	onStateChanged func(*swap.Mote)
	onEpDiscovered func(*swap.Endpoint)
	onEpChanged    func(*swap.Endpoint)
}

type writeCall struct {
	addr, reg uint8
	value     []byte
}

func newStubGateway() *stubGateway {
	return &stubGateway{
		address: 1,
		netID:   0xB547,
		port:    "/dev/ttyUSB0",
		speed:   38400,
		results: make(map[string]struct {
			ok  bool
			err error
		}),
	}
}

func (g *stubGateway) script(name string, ok bool, err error) {
	g.results[name] = struct {
		ok  bool
		err error
	}{ok, err}
}

func (g *stubGateway) record(name string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, name)
	r, found := g.results[name]
	if !found {
		return true, nil
	}
	return r.ok, r.err
}

func (g *stubGateway) Calls() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.calls...)
}

func (g *stubGateway) Connect(context.Context) error {
	g.record("connect")
	if g.connectHook != nil {
		g.connectHook()
	}
	return g.connectErr
}

func (g *stubGateway) Disconnect() error {
	g.record("disconnect")
	return g.disconnectErr
}

func (g *stubGateway) ForgetMote(addr uint8) {
	g.mu.Lock()
	g.forgotten = append(g.forgotten, addr)
	g.mu.Unlock()
}

func (g *stubGateway) SetDeviceAddress(_ context.Context, addr uint8) (bool, error) {
	ok, err := g.record("address")
	if ok && err == nil {
		g.address = addr
	}
	return ok, err
}

func (g *stubGateway) SetFrequencyChannel(_ context.Context, ch uint8) (bool, error) {
	ok, err := g.record("channel")
	if ok && err == nil {
		g.channel = ch
	}
	return ok, err
}

func (g *stubGateway) SetNetworkID(_ context.Context, id uint16) (bool, error) {
	ok, err := g.record("network_id")
	if ok && err == nil {
		g.netID = id
	}
	return ok, err
}

func (g *stubGateway) SetSecurity(_ context.Context, s uint8) (bool, error) {
	ok, err := g.record("security")
	if ok && err == nil {
		g.security = s
	}
	return ok, err
}

func (g *stubGateway) DeviceAddress() uint8    { return g.address }
func (g *stubGateway) NetworkID() uint16       { return g.netID }
func (g *stubGateway) FrequencyChannel() uint8 { return g.channel }
func (g *stubGateway) Security() uint8         { return g.security }
func (g *stubGateway) SerialPort() string      { return g.port }
func (g *stubGateway) SerialSpeed() int        { return g.speed }

func (g *stubGateway) SetSerialParams(port string, speed int) error {
	g.record("serial")
	if g.serialErr != nil {
		return g.serialErr
	}
	g.port, g.speed = port, speed
	return nil
}

func (g *stubGateway) WriteRegister(_ context.Context, addr, reg uint8, value []byte) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.writeErr != nil {
		return g.writeErr
	}
	g.written = append(g.written, writeCall{addr, reg, append([]byte(nil), value...)})
	return nil
}

func (g *stubGateway) QueryRegister(_ context.Context, addr, reg uint8) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.queried = append(g.queried, reg)
	return nil
}

func (g *stubGateway) OnLinkLost(h func(error))                    { g.onLinkLost = h }
func (g *stubGateway) OnMoteDiscovered(h func(*swap.Mote))         { g.onDiscovered = h }
func (g *stubGateway) OnMoteAddressChanged(h func(*swap.Mote))     { g.onAddrChanged = h }
func (g *stubGateway) OnMoteStateChanged(h func(*swap.Mote))       { g.onStateChanged = h }
func (g *stubGateway) OnEndpointDiscovered(h func(*swap.Endpoint)) { g.onEpDiscovered = h }
func (g *stubGateway) OnEndpointValueChanged(h func(*swap.Endpoint)) {
	g.onEpChanged = h
}
func (g *stubGateway) Close() error { return nil }

var _ gateway.Gateway = (*stubGateway)(nil)

// recordingView counts presentation calls.
type recordingView struct {
	mu      sync.Mutex
	clears  int
	added   []uint8
	syncs   []uint8
	panicOn bool
}

func (v *recordingView) ClearMoteList() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.panicOn {
		panic("view exploded")
	}
	v.clears++
	v.added = nil
}

func (v *recordingView) AddMoteToList(m *swap.Mote) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.added = append(v.added, m.Address())
}

func (v *recordingView) SyncReceived(addr uint8) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.syncs = append(v.syncs, addr)
}

func (v *recordingView) refreshes() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.clears
}
