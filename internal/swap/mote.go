package swap

import (
	"bytes"
	"fmt"
	"sync"
	"time"
)

// Mote is a remote SWAP device. The gateway mutates motes in place from its
// own goroutine, so every field is reached through the accessors below.
type Mote struct {
	mu             sync.RWMutex
	address        uint8
	state          SystemState
	manufacturerID uint32
	productID      uint32
	endpoints      []*Endpoint
	registers      map[uint8][]byte
	nonce          uint8
	lastSeen       time.Time
	rssi           int
	lqi            uint8
}

// NewMote creates a mote with the given device address.
func NewMote(address uint8) *Mote {
	return &Mote{
		address:   address,
		state:     StateRxOn,
		registers: make(map[uint8][]byte),
	}
}

func (m *Mote) Address() uint8 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.address
}

func (m *Mote) SetAddress(addr uint8) {
	m.mu.Lock()
	m.address = addr
	m.mu.Unlock()
}

func (m *Mote) State() SystemState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

func (m *Mote) SetState(s SystemState) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// ProductCode returns the manufacturer and product identifiers.
func (m *Mote) ProductCode() (manufacturerID, productID uint32) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.manufacturerID, m.productID
}

func (m *Mote) SetProductCode(manufacturerID, productID uint32) {
	m.mu.Lock()
	m.manufacturerID = manufacturerID
	m.productID = productID
	m.mu.Unlock()
}

func (m *Mote) Nonce() uint8 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.nonce
}

// Seen records link quality and nonce from a packet received from this mote.
func (m *Mote) Seen(rssiRaw, lqi, nonce uint8, at time.Time) {
	m.mu.Lock()
	m.rssi = RSSIToDBm(rssiRaw)
	m.lqi = lqi
	m.nonce = nonce
	m.lastSeen = at
	m.mu.Unlock()
}

// Register returns a copy of the last reported value of register id.
func (m *Mote) Register(id uint8) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.registers[id]
	if !ok {
		return nil, false
	}
	return bytes.Clone(v), true
}

func (m *Mote) SetRegister(id uint8, value []byte) {
	m.mu.Lock()
	m.registers[id] = bytes.Clone(value)
	m.mu.Unlock()
}

// Endpoints returns the mote's endpoints in discovery order.
func (m *Mote) Endpoints() []*Endpoint {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Endpoint, len(m.endpoints))
	copy(out, m.endpoints)
	return out
}

// Endpoint returns the endpoint bound to register index, or nil.
func (m *Mote) Endpoint(index uint8) *Endpoint {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, ep := range m.endpoints {
		if ep.index == index {
			return ep
		}
	}
	return nil
}

// AddEndpoint creates an endpoint owned by this mote and appends it.
func (m *Mote) AddEndpoint(index uint8, value []byte) *Endpoint {
	ep := &Endpoint{mote: m, index: index, value: bytes.Clone(value)}
	m.mu.Lock()
	m.endpoints = append(m.endpoints, ep)
	m.mu.Unlock()
	return ep
}

// MoteInfo is an immutable snapshot of a mote for presentation layers.
type MoteInfo struct {
	Address        uint8          `json:"address"`
	State          string         `json:"state"`
	ManufacturerID uint32         `json:"manufacturer_id"`
	ProductID      uint32         `json:"product_id"`
	Endpoints      []EndpointInfo `json:"endpoints,omitempty"`
	LastSeen       time.Time      `json:"last_seen"`
	RSSI           int            `json:"rssi"`
	LQI            uint8          `json:"lqi"`
}

// Info takes a consistent snapshot of the mote.
func (m *Mote) Info() MoteInfo {
	m.mu.RLock()
	info := MoteInfo{
		Address:        m.address,
		State:          m.state.String(),
		ManufacturerID: m.manufacturerID,
		ProductID:      m.productID,
		LastSeen:       m.lastSeen,
		RSSI:           m.rssi,
		LQI:            m.lqi,
	}
	eps := make([]*Endpoint, len(m.endpoints))
	copy(eps, m.endpoints)
	m.mu.RUnlock()

	for _, ep := range eps {
		info.Endpoints = append(info.Endpoints, ep.Info())
	}
	return info
}

func (m *Mote) String() string {
	return fmt.Sprintf("mote(0x%02X)", m.Address())
}

// Endpoint is a data point hosted by a mote, bound to one register.
type Endpoint struct {
	mote  *Mote
	index uint8

	mu    sync.RWMutex
	value []byte
}

// Mote returns the owning mote.
func (e *Endpoint) Mote() *Mote { return e.mote }

// Index returns the register index the endpoint is bound to.
func (e *Endpoint) Index() uint8 { return e.index }

func (e *Endpoint) Value() []byte {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return bytes.Clone(e.value)
}

// SetValue stores v and reports whether it differs from the previous value.
func (e *Endpoint) SetValue(v []byte) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if bytes.Equal(e.value, v) {
		return false
	}
	e.value = bytes.Clone(v)
	return true
}

// EndpointInfo is a snapshot of an endpoint.
type EndpointInfo struct {
	Index uint8  `json:"index"`
	Value string `json:"value"`
}

func (e *Endpoint) Info() EndpointInfo {
	return EndpointInfo{Index: e.index, Value: fmt.Sprintf("%X", e.Value())}
}
