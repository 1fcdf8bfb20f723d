// Package controller is the core of the device management tool: it keeps the
// registry of discovered motes, reacts to gateway indications and applies
// gateway configuration on behalf of the operator.
package controller

import (
	"context"
	"fmt"
	"log/slog"

	"swapdmt/internal/gateway"
	"swapdmt/internal/swap"
)

// Controller owns the session and wires the gateway to the dispatcher and
// managers.
type Controller struct {
	gw         gateway.Gateway
	session    *Session
	view       View
	network    *NetworkManager
	conn       *ConnectionManager
	dispatcher *Dispatcher
	deviceDB   *DeviceDB
	events     *EventBus
	logger     *slog.Logger
}

// New creates a controller. If events is nil a private bus is created; if
// view is nil an EventView on events is used.
func New(gw gateway.Gateway, view View, deviceDB *DeviceDB, events *EventBus, logger *slog.Logger) *Controller {
	if events == nil {
		events = NewEventBus(logger)
	}
	if view == nil {
		view = NewEventView(events)
	}
	if deviceDB == nil {
		deviceDB = NewDeviceDB()
	}
	session := NewSession()
	c := &Controller{
		gw:         gw,
		session:    session,
		view:       view,
		network:    NewNetworkManager(gw, events, logger),
		conn:       NewConnectionManager(gw, session, view, events, logger),
		dispatcher: NewDispatcher(session, view, logger),
		deviceDB:   deviceDB,
		events:     events,
		logger:     logger.With("component", "controller"),
	}
	c.registerIndicationHandlers()
	return c
}

func (c *Controller) registerIndicationHandlers() {
	c.gw.OnLinkLost(c.conn.linkLost)
	c.gw.OnMoteDiscovered(func(m *swap.Mote) {
		c.dispatcher.Dispatch(Indication{Kind: IndicationMoteDiscovered, Mote: m})
	})
	c.gw.OnMoteAddressChanged(func(m *swap.Mote) {
		c.dispatcher.Dispatch(Indication{Kind: IndicationMoteAddressChanged, Mote: m})
	})
	c.gw.OnMoteStateChanged(func(m *swap.Mote) {
		c.dispatcher.Dispatch(Indication{Kind: IndicationMoteStateChanged, Mote: m})
	})
	c.gw.OnEndpointDiscovered(func(ep *swap.Endpoint) {
		c.dispatcher.Dispatch(Indication{Kind: IndicationEndpointDiscovered, Endpoint: ep})
	})
	c.gw.OnEndpointValueChanged(func(ep *swap.Endpoint) {
		c.dispatcher.Dispatch(Indication{Kind: IndicationEndpointValueChanged, Endpoint: ep})
	})
}

// --- Connection ---

func (c *Controller) Connect(ctx context.Context) bool { return c.conn.Connect(ctx) }
func (c *Controller) Disconnect() bool                 { return c.conn.Disconnect() }
func (c *Controller) IsConnected() bool                { return c.conn.IsConnected() }

// --- Registry ---

func (c *Controller) MoteCount() int {
	var n int
	c.session.withLock(func(r *Registry) { n = r.Count() })
	return n
}

// Mote returns the mote at registry position index.
func (c *Controller) Mote(index int) (*swap.Mote, error) {
	var m *swap.Mote
	var err error
	c.session.withLock(func(r *Registry) { m, err = r.Get(index) })
	return m, err
}

// MoteByAddress returns the mote currently holding addr.
func (c *Controller) MoteByAddress(addr uint8) (*swap.Mote, error) {
	var m *swap.Mote
	var err error
	c.session.withLock(func(r *Registry) { m, err = r.ByAddress(addr) })
	return m, err
}

// Motes returns a snapshot of the registry in order.
func (c *Controller) Motes() []*swap.Mote {
	var motes []*swap.Mote
	c.session.withLock(func(r *Registry) { motes = r.Snapshot() })
	return motes
}

// RemoveMote removes the mote at position index, tells the gateway to forget
// it and refreshes the view.
func (c *Controller) RemoveMote(index int) error {
	var err error
	c.session.withLock(func(r *Registry) {
		var m *swap.Mote
		m, err = r.Remove(index)
		if err != nil {
			return
		}
		c.gw.ForgetMote(m.Address())
		c.logger.Info("mote removed", "address", fmt.Sprintf("0x%02X", m.Address()), "index", index)
		refreshView(c.view, r.Snapshot())
	})
	return err
}

// MoteManufacturer returns the manufacturer name of the mote at addr, or its
// hex id when no definition is loaded.
func (c *Controller) MoteManufacturer(addr uint8) (string, error) {
	m, err := c.MoteByAddress(addr)
	if err != nil {
		return "", err
	}
	mf, _ := m.ProductCode()
	if name := c.deviceDB.ManufacturerName(mf); name != "" {
		return name, nil
	}
	return fmt.Sprintf("0x%08X", mf), nil
}

// MoteProduct returns the product name of the mote at addr, or its hex id.
func (c *Controller) MoteProduct(addr uint8) (string, error) {
	m, err := c.MoteByAddress(addr)
	if err != nil {
		return "", err
	}
	mf, prod := m.ProductCode()
	if def := c.deviceDB.Lookup(mf, prod); def != nil && def.Name != "" {
		return def.Name, nil
	}
	return fmt.Sprintf("0x%08X", prod), nil
}

// --- Gateway configuration ---

func (c *Controller) SetNetworkParams(ctx context.Context, channel uint8, netID uint16, security uint8) bool {
	return c.network.SetNetworkParams(ctx, channel, netID, security)
}

func (c *Controller) SetDeviceAddress(ctx context.Context, addr uint8) bool {
	return c.network.SetDeviceAddress(ctx, addr)
}

func (c *Controller) SetSerialParams(port string, speed int) bool {
	return c.network.SetSerialParams(port, speed)
}

func (c *Controller) DeviceAddress() uint8    { return c.network.DeviceAddress() }
func (c *Controller) NetworkID() uint16       { return c.network.NetworkID() }
func (c *Controller) FrequencyChannel() uint8 { return c.network.FrequencyChannel() }
func (c *Controller) Security() uint8         { return c.network.Security() }
func (c *Controller) SerialPort() string      { return c.network.SerialPort() }
func (c *Controller) SerialSpeed() int        { return c.network.SerialSpeed() }

// GatewayInfo is a snapshot of the gateway configuration and link state.
type GatewayInfo struct {
	Connected   bool   `json:"connected"`
	Address     uint8  `json:"address"`
	NetworkID   uint16 `json:"network_id"`
	Channel     uint8  `json:"channel"`
	Security    uint8  `json:"security"`
	SerialPort  string `json:"serial_port"`
	SerialSpeed int    `json:"serial_speed"`
	Motes       int    `json:"motes"`
}

func (c *Controller) GatewayInfo() GatewayInfo {
	return GatewayInfo{
		Connected:   c.IsConnected(),
		Address:     c.DeviceAddress(),
		NetworkID:   c.NetworkID(),
		Channel:     c.FrequencyChannel(),
		Security:    c.Security(),
		SerialPort:  c.SerialPort(),
		SerialSpeed: c.SerialSpeed(),
		Motes:       c.MoteCount(),
	}
}

// Events returns the event bus.
func (c *Controller) Events() *EventBus {
	return c.events
}

// DeviceDB returns the device definitions database.
func (c *Controller) DeviceDB() *DeviceDB {
	return c.deviceDB
}
