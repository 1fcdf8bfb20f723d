package gateway

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.bug.st/serial"

	"swapdmt/internal/store"
	"swapdmt/internal/swap"
)

const (
	atReplyTimeout = 2 * time.Second
	eventQueueSize = 64

	// maxReadErrors consecutive read failures drop the link.
	maxReadErrors = 5
)

// SerialGateway implements Gateway over a panStamp serial modem.
//
// The modem forwards SWAP packets as hex lines in data mode and accepts
// Hayes-style AT commands after "+++". Incoming packets are decoded on the
// read loop; callbacks run one at a time on a separate delivery goroutine.
type SerialGateway struct {
	store  store.Store
	logger *slog.Logger

	// openPort is replaced in tests.
	openPort func(name string, speed int) (io.ReadWriteCloser, error)

	paramsMu sync.RWMutex
	serial   store.SerialParams
	wireless store.WirelessParams

	// connMu serializes Connect and Disconnect.
	connMu sync.Mutex

	// lifecycleMu protects port, done and connected.
	lifecycleMu sync.Mutex
	port        io.ReadWriteCloser
	done        chan struct{}
	connected   bool
	wg          sync.WaitGroup

	// cmdMu serializes AT command sequences and outgoing packets.
	cmdMu   sync.Mutex
	writeMu sync.Mutex
	replyCh chan string

	nonce atomic.Uint32

	motesMu sync.Mutex
	motes   map[uint8]*swap.Mote

	handlerMu      sync.RWMutex
	onLinkLost     func(error)
	onDiscovered   func(*swap.Mote)
	onAddrChanged  func(*swap.Mote)
	onStateChanged func(*swap.Mote)
	onEpDiscovered func(*swap.Endpoint)
	onEpChanged    func(*swap.Endpoint)

	// gen changes whenever a link session starts or ends. Events queued
	// under an older generation are discarded on delivery.
	gen       atomic.Uint64
	events    chan queuedEvent
	quit      chan struct{}
	closeOnce sync.Once
	eventsWG  sync.WaitGroup
}

// NewSerialGateway creates a gateway whose parameters are loaded from st.
// Missing parameters are initialised with defaults and saved.
func NewSerialGateway(st store.Store, logger *slog.Logger) (*SerialGateway, error) {
	g := &SerialGateway{
		store:    st,
		logger:   logger.With("component", "gateway"),
		openPort: openSerialPort,
		replyCh:  make(chan string, 1),
		motes:    make(map[uint8]*swap.Mote),
		events:   make(chan queuedEvent, eventQueueSize),
		quit:     make(chan struct{}),
	}

	sp, err := st.GetSerialParams()
	if errors.Is(err, store.ErrNotFound) {
		sp = &store.SerialParams{Port: DefaultSerialPort, Speed: DefaultSerialSpeed}
		err = st.SaveSerialParams(sp)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: serial params: %v", ErrConfig, err)
	}
	g.serial = *sp

	wp, err := st.GetWirelessParams()
	if errors.Is(err, store.ErrNotFound) {
		wp = &store.WirelessParams{
			Channel:       DefaultChannel,
			NetworkID:     DefaultNetworkID,
			DeviceAddress: DefaultAddress,
		}
		err = st.SaveWirelessParams(wp)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: wireless params: %v", ErrConfig, err)
	}
	g.wireless = *wp

	g.eventsWG.Add(1)
	go g.deliverEvents()
	return g, nil
}

func openSerialPort(name string, speed int) (io.ReadWriteCloser, error) {
	mode := &serial.Mode{
		BaudRate: speed,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(name, mode)
	if err != nil {
		return nil, err
	}
	return port, nil
}

// --- Link lifecycle ---

// Connect opens the serial port and pushes the persisted wireless parameters
// to the modem. On any failure the port is closed again.
func (g *SerialGateway) Connect(ctx context.Context) error {
	g.connMu.Lock()
	defer g.connMu.Unlock()

	g.lifecycleMu.Lock()
	if g.connected {
		g.lifecycleMu.Unlock()
		return nil
	}
	g.lifecycleMu.Unlock()

	g.paramsMu.RLock()
	sp := g.serial
	wp := g.wireless
	g.paramsMu.RUnlock()

	port, err := g.openPort(sp.Port, sp.Speed)
	if err != nil {
		return fmt.Errorf("%w: open %s: %v", ErrCommunication, sp.Port, err)
	}

	// Every link session rediscovers the network from scratch.
	g.motesMu.Lock()
	clear(g.motes)
	g.motesMu.Unlock()
	gen := g.gen.Add(1)

	g.lifecycleMu.Lock()
	g.port = port
	g.done = make(chan struct{})
	g.lifecycleMu.Unlock()

	g.wg.Add(1)
	go g.readLoop(port, g.done, gen)

	if err := g.configureModem(ctx, wp); err != nil {
		g.closePort()
		return err
	}

	g.lifecycleMu.Lock()
	g.connected = true
	g.lifecycleMu.Unlock()

	g.logger.Info("gateway connected", "port", sp.Port, "speed", sp.Speed,
		"channel", wp.Channel, "network_id", fmt.Sprintf("0x%04X", wp.NetworkID),
		"address", fmt.Sprintf("0x%02X", wp.DeviceAddress))
	return nil
}

// configureModem applies channel, network id and address in one command-mode session.
func (g *SerialGateway) configureModem(ctx context.Context, wp store.WirelessParams) error {
	cmds := []string{
		fmt.Sprintf("ATCH=%02X", wp.Channel),
		fmt.Sprintf("ATSW=%04X", wp.NetworkID),
		fmt.Sprintf("ATDA=%02X", wp.DeviceAddress),
	}
	for _, cmd := range cmds {
		ok, err := g.atCommand(ctx, cmd)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: modem rejected %s", ErrCommunication, cmd)
		}
	}
	return nil
}

// Disconnect closes the serial port.
func (g *SerialGateway) Disconnect() error {
	g.connMu.Lock()
	defer g.connMu.Unlock()
	return g.closePort()
}

func (g *SerialGateway) closePort() error {
	g.gen.Add(1)

	g.lifecycleMu.Lock()
	port := g.port
	done := g.done
	g.port = nil
	g.done = nil
	g.connected = false
	g.lifecycleMu.Unlock()

	if port == nil {
		return nil
	}
	close(done)
	err := port.Close()
	g.wg.Wait()
	if err != nil {
		return fmt.Errorf("%w: close port: %v", ErrCommunication, err)
	}
	g.logger.Info("gateway disconnected")
	return nil
}

func (g *SerialGateway) isConnected() bool {
	g.lifecycleMu.Lock()
	defer g.lifecycleMu.Unlock()
	return g.connected
}

// Close disconnects and stops event delivery.
func (g *SerialGateway) Close() error {
	err := g.Disconnect()
	g.closeOnce.Do(func() { close(g.quit) })
	g.eventsWG.Wait()
	return err
}

// --- Transport ---

func (g *SerialGateway) write(s string) error {
	g.lifecycleMu.Lock()
	port := g.port
	g.lifecycleMu.Unlock()
	if port == nil {
		return ErrNotConnected
	}

	g.writeMu.Lock()
	_, err := io.WriteString(port, s)
	g.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("%w: serial write: %v", ErrCommunication, err)
	}
	g.logger.Debug("modem TX", "data", strings.TrimRight(s, "\r"))
	return nil
}

// atCommand runs a single AT command inside command mode. It reports false
// when the modem answers ERROR.
func (g *SerialGateway) atCommand(ctx context.Context, cmd string) (bool, error) {
	g.cmdMu.Lock()
	defer g.cmdMu.Unlock()

	if _, err := g.exchange(ctx, "+++"); err != nil {
		return false, fmt.Errorf("enter command mode: %w", err)
	}
	reply, err := g.exchange(ctx, cmd+"\r")
	if err != nil {
		return false, fmt.Errorf("%s: %w", cmd, err)
	}
	if _, err := g.exchange(ctx, "ATO\r"); err != nil {
		return false, fmt.Errorf("leave command mode: %w", err)
	}
	return reply == "OK", nil
}

// exchange writes s and waits for the next modem reply. Caller holds cmdMu.
func (g *SerialGateway) exchange(ctx context.Context, s string) (string, error) {
	select {
	case <-g.replyCh:
	default:
	}

	if err := g.write(s); err != nil {
		return "", err
	}

	timer := time.NewTimer(atReplyTimeout)
	defer timer.Stop()
	select {
	case reply := <-g.replyCh:
		switch {
		case strings.HasPrefix(reply, "OK"):
			return "OK", nil
		case strings.HasPrefix(reply, "ERROR"):
			return "ERROR", nil
		default:
			return "", fmt.Errorf("%w: unexpected modem reply %q", ErrCommunication, reply)
		}
	case <-timer.C:
		return "", fmt.Errorf("%w: modem reply timeout", ErrCommunication)
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// sendPacket transmits a SWAP packet in data mode.
func (g *SerialGateway) sendPacket(p *swap.Packet) error {
	if !g.isConnected() {
		return ErrNotConnected
	}
	g.cmdMu.Lock()
	defer g.cmdMu.Unlock()
	return g.write(p.Encode() + "\r")
}

func (g *SerialGateway) nextNonce() uint8 {
	return uint8(g.nonce.Add(1))
}

// --- Read loop ---

// readLoop splits modem output into lines. A line ends at '\r' or where a
// new packet starts with '('; '\n' is dropped. After maxReadErrors failed
// reads in a row the link is dropped.
func (g *SerialGateway) readLoop(port io.Reader, done chan struct{}, gen uint64) {
	defer g.wg.Done()

	reader := bufio.NewReader(port)
	var line []byte

	backoff := 10 * time.Millisecond
	const maxBackoff = 5 * time.Second
	failures := 0

	for {
		ch, err := reader.ReadByte()
		if err != nil {
			select {
			case <-done:
				return
			default:
			}
			if err != io.EOF && !strings.Contains(err.Error(), "closed") {
				g.logger.Error("serial read error", "err", err)
			}
			if failures++; failures >= maxReadErrors {
				// dropLink waits for this loop, so it cannot run here.
				go g.dropLink(done, err)
				return
			}
			select {
			case <-time.After(backoff):
			case <-done:
				return
			}
			if backoff < maxBackoff {
				backoff = min(backoff*2, maxBackoff)
			}
			continue
		}
		backoff = 10 * time.Millisecond
		failures = 0

		switch {
		case ch == '\r' || (ch == '(' && len(line) > 0):
			if len(line) > 0 {
				g.handleLine(string(line), gen)
			}
			line = line[:0]
			if ch == '(' {
				line = append(line, ch)
			}
		case ch != '\n':
			line = append(line, ch)
		}
	}
}

// dropLink closes the link session identified by done after the modem stopped
// answering, then reports the loss.
func (g *SerialGateway) dropLink(done chan struct{}, cause error) {
	g.connMu.Lock()
	g.lifecycleMu.Lock()
	current := g.done == done
	g.lifecycleMu.Unlock()
	if !current {
		g.connMu.Unlock()
		return
	}
	g.closePort()
	g.connMu.Unlock()

	g.logger.Error("serial link lost", "err", cause)
	g.handlerMu.RLock()
	h := g.onLinkLost
	g.handlerMu.RUnlock()
	if h != nil {
		err := fmt.Errorf("%w: link lost: %v", ErrCommunication, cause)
		g.enqueue(g.gen.Load(), func() { h(err) })
	}
}

func (g *SerialGateway) handleLine(line string, gen uint64) {
	if !strings.HasPrefix(line, "(") {
		select {
		case g.replyCh <- line:
		default:
			g.logger.Debug("unsolicited modem reply", "line", line)
		}
		return
	}

	p, err := swap.ParsePacket(line)
	if err != nil {
		g.logger.Warn("bad packet from modem", "line", line, "err", err)
		return
	}
	g.logger.Debug("modem RX", "packet", p.String())
	g.handlePacket(p, gen)
}

// handlePacket updates the mote owning the packet's register and queues the
// resulting events under the link session gen.
func (g *SerialGateway) handlePacket(p *swap.Packet, gen uint64) {
	owner := p.Src
	if p.Function == swap.FuncStatus {
		owner = p.RegAddr
	}
	if owner == g.DeviceAddress() || owner == swap.BroadcastAddr {
		return
	}

	g.motesMu.Lock()
	m, known := g.motes[owner]
	if !known {
		m = swap.NewMote(owner)
		g.motes[owner] = m
	}
	g.motesMu.Unlock()

	m.Seen(p.RSSI, p.LQI, p.Nonce, time.Now())

	if !known {
		g.logger.Info("mote discovered", "address", fmt.Sprintf("0x%02X", owner))
		g.emitMote(gen, g.moteHandler(&g.onDiscovered), m)
		// Query from a goroutine: sendPacket takes cmdMu, which an AT
		// exchange may hold while waiting for this loop.
		g.wg.Add(1)
		go func() {
			defer g.wg.Done()
			if err := g.QueryRegister(context.Background(), owner, swap.RegProductCode); err != nil {
				g.logger.Warn("product code query failed", "address", fmt.Sprintf("0x%02X", owner), "err", err)
			}
		}()
	}

	if p.Function != swap.FuncStatus || p.Value == nil {
		return
	}
	m.SetRegister(p.RegID, p.Value)

	switch {
	case p.RegID == swap.RegProductCode:
		if len(p.Value) >= 8 {
			m.SetProductCode(binary.BigEndian.Uint32(p.Value[0:4]), binary.BigEndian.Uint32(p.Value[4:8]))
		}

	case p.RegID == swap.RegSystemState:
		m.SetState(swap.SystemState(p.Value[0]))
		g.emitMote(gen, g.moteHandler(&g.onStateChanged), m)

	case p.RegID == swap.RegDeviceAddr:
		newAddr := p.Value[0]
		if newAddr == owner || newAddr == swap.BroadcastAddr {
			return
		}
		g.motesMu.Lock()
		delete(g.motes, owner)
		g.motes[newAddr] = m
		g.motesMu.Unlock()
		m.SetAddress(newAddr)
		g.logger.Info("mote address changed", "old", fmt.Sprintf("0x%02X", owner), "new", fmt.Sprintf("0x%02X", newAddr))
		g.emitMote(gen, g.moteHandler(&g.onAddrChanged), m)

	case p.RegID >= swap.FirstEndpointReg:
		if ep := m.Endpoint(p.RegID); ep == nil {
			ep = m.AddEndpoint(p.RegID, p.Value)
			g.emitEndpoint(gen, g.endpointHandler(&g.onEpDiscovered), ep)
		} else if ep.SetValue(p.Value) {
			g.emitEndpoint(gen, g.endpointHandler(&g.onEpChanged), ep)
		}
	}
}

// --- Event delivery ---

func (g *SerialGateway) moteHandler(h *func(*swap.Mote)) func(*swap.Mote) {
	g.handlerMu.RLock()
	defer g.handlerMu.RUnlock()
	return *h
}

func (g *SerialGateway) endpointHandler(h *func(*swap.Endpoint)) func(*swap.Endpoint) {
	g.handlerMu.RLock()
	defer g.handlerMu.RUnlock()
	return *h
}

func (g *SerialGateway) emitMote(gen uint64, h func(*swap.Mote), m *swap.Mote) {
	if h != nil {
		g.enqueue(gen, func() { h(m) })
	}
}

func (g *SerialGateway) emitEndpoint(gen uint64, h func(*swap.Endpoint), ep *swap.Endpoint) {
	if h != nil {
		g.enqueue(gen, func() { h(ep) })
	}
}

type queuedEvent struct {
	gen uint64
	fn  func()
}

func (g *SerialGateway) enqueue(gen uint64, fn func()) {
	select {
	case g.events <- queuedEvent{gen: gen, fn: fn}:
	case <-g.quit:
	}
}

func (g *SerialGateway) deliverEvents() {
	defer g.eventsWG.Done()
	for {
		select {
		case ev := <-g.events:
			if ev.gen != g.gen.Load() {
				continue
			}
			g.safeCall(ev.fn)
		case <-g.quit:
			return
		}
	}
}

func (g *SerialGateway) safeCall(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("gateway event handler panic", "panic", r)
		}
	}()
	fn()
}

func (g *SerialGateway) OnLinkLost(handler func(error)) {
	g.handlerMu.Lock()
	defer g.handlerMu.Unlock()
	g.onLinkLost = handler
}

func (g *SerialGateway) OnMoteDiscovered(handler func(*swap.Mote)) {
	g.handlerMu.Lock()
	defer g.handlerMu.Unlock()
	g.onDiscovered = handler
}

func (g *SerialGateway) OnMoteAddressChanged(handler func(*swap.Mote)) {
	g.handlerMu.Lock()
	defer g.handlerMu.Unlock()
	g.onAddrChanged = handler
}

func (g *SerialGateway) OnMoteStateChanged(handler func(*swap.Mote)) {
	g.handlerMu.Lock()
	defer g.handlerMu.Unlock()
	g.onStateChanged = handler
}

func (g *SerialGateway) OnEndpointDiscovered(handler func(*swap.Endpoint)) {
	g.handlerMu.Lock()
	defer g.handlerMu.Unlock()
	g.onEpDiscovered = handler
}

func (g *SerialGateway) OnEndpointValueChanged(handler func(*swap.Endpoint)) {
	g.handlerMu.Lock()
	defer g.handlerMu.Unlock()
	g.onEpChanged = handler
}

// ForgetMote drops the mote at addr so its next packet rediscovers it.
func (g *SerialGateway) ForgetMote(addr uint8) {
	g.motesMu.Lock()
	delete(g.motes, addr)
	g.motesMu.Unlock()
}

// --- Remote registers ---

// WriteRegister sends a COMMAND packet setting register reg of mote addr.
func (g *SerialGateway) WriteRegister(ctx context.Context, addr, reg uint8, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return g.sendPacket(&swap.Packet{
		Dest:     addr,
		Src:      g.DeviceAddress(),
		Nonce:    g.nextNonce(),
		Function: swap.FuncCommand,
		RegAddr:  addr,
		RegID:    reg,
		Value:    value,
	})
}

// QueryRegister sends a QUERY packet; the answer arrives as a status packet.
func (g *SerialGateway) QueryRegister(ctx context.Context, addr, reg uint8) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return g.sendPacket(&swap.Packet{
		Dest:     addr,
		Src:      g.DeviceAddress(),
		Nonce:    g.nextNonce(),
		Function: swap.FuncQuery,
		RegAddr:  addr,
		RegID:    reg,
	})
}

// --- Wireless parameters ---

// applyWireless sends cmd to the modem when connected and, if accepted,
// persists the change through update.
func (g *SerialGateway) applyWireless(ctx context.Context, cmd string, update func(p *store.WirelessParams)) (bool, error) {
	if cmd != "" && g.isConnected() {
		ok, err := g.atCommand(ctx, cmd)
		if err != nil || !ok {
			return false, err
		}
	}

	err := g.store.UpdateWirelessParams(func(p *store.WirelessParams) error {
		update(p)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("%w: save wireless params: %v", ErrConfig, err)
	}

	g.paramsMu.Lock()
	update(&g.wireless)
	g.paramsMu.Unlock()
	return true, nil
}

// SetDeviceAddress changes the gateway address. The broadcast address is rejected.
func (g *SerialGateway) SetDeviceAddress(ctx context.Context, addr uint8) (bool, error) {
	if addr == swap.BroadcastAddr {
		return false, nil
	}
	return g.applyWireless(ctx, fmt.Sprintf("ATDA=%02X", addr), func(p *store.WirelessParams) {
		p.DeviceAddress = addr
	})
}

func (g *SerialGateway) SetFrequencyChannel(ctx context.Context, channel uint8) (bool, error) {
	return g.applyWireless(ctx, fmt.Sprintf("ATCH=%02X", channel), func(p *store.WirelessParams) {
		p.Channel = channel
	})
}

func (g *SerialGateway) SetNetworkID(ctx context.Context, id uint16) (bool, error) {
	return g.applyWireless(ctx, fmt.Sprintf("ATSW=%04X", id), func(p *store.WirelessParams) {
		p.NetworkID = id
	})
}

// SetSecurity stores the security option. The modem has no command for it;
// only the lower nibble is meaningful on air.
func (g *SerialGateway) SetSecurity(ctx context.Context, security uint8) (bool, error) {
	if security > 0x0F {
		return false, nil
	}
	return g.applyWireless(ctx, "", func(p *store.WirelessParams) {
		p.Security = security
	})
}

func (g *SerialGateway) DeviceAddress() uint8 {
	g.paramsMu.RLock()
	defer g.paramsMu.RUnlock()
	return g.wireless.DeviceAddress
}

func (g *SerialGateway) NetworkID() uint16 {
	g.paramsMu.RLock()
	defer g.paramsMu.RUnlock()
	return g.wireless.NetworkID
}

func (g *SerialGateway) FrequencyChannel() uint8 {
	g.paramsMu.RLock()
	defer g.paramsMu.RUnlock()
	return g.wireless.Channel
}

func (g *SerialGateway) Security() uint8 {
	g.paramsMu.RLock()
	defer g.paramsMu.RUnlock()
	return g.wireless.Security
}

// --- Serial parameters ---

func (g *SerialGateway) SerialPort() string {
	g.paramsMu.RLock()
	defer g.paramsMu.RUnlock()
	return g.serial.Port
}

func (g *SerialGateway) SerialSpeed() int {
	g.paramsMu.RLock()
	defer g.paramsMu.RUnlock()
	return g.serial.Speed
}

// SetSerialParams validates and persists the serial settings. They take
// effect on the next Connect.
func (g *SerialGateway) SetSerialParams(port string, speed int) error {
	if strings.TrimSpace(port) == "" {
		return fmt.Errorf("%w: empty serial port", ErrConfig)
	}
	if !ValidSerialSpeed(speed) {
		return fmt.Errorf("%w: unsupported serial speed %d", ErrConfig, speed)
	}
	sp := store.SerialParams{Port: port, Speed: speed}
	if err := g.store.SaveSerialParams(&sp); err != nil {
		return fmt.Errorf("%w: save serial params: %v", ErrConfig, err)
	}

	g.paramsMu.Lock()
	g.serial = sp
	g.paramsMu.Unlock()
	g.logger.Info("serial params saved", "port", port, "speed", speed)
	return nil
}

var _ Gateway = (*SerialGateway)(nil)
