//go:build !no_mqtt

// Package mqtt mirrors controller state to an MQTT broker and accepts
// commands from it, with Home Assistant autodiscovery for motes.
package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"swapdmt/internal/controller"
	"swapdmt/internal/swap"
)

const (
	publishTimeout = 5 * time.Second
	commandTimeout = 30 * time.Second
)

// Config holds MQTT bridge configuration.
type Config struct {
	Broker      string
	Username    string
	Password    string
	TopicPrefix string
	ClientID    string
}

// Controller is the part of the controller the bridge mirrors and drives.
type Controller interface {
	Events() *controller.EventBus
	DeviceDB() *controller.DeviceDB
	GatewayInfo() controller.GatewayInfo
	Motes() []*swap.Mote
	Connect(ctx context.Context) bool
	Disconnect() bool
	SetNetworkParams(ctx context.Context, channel uint8, netID uint16, security uint8) bool
	SetDeviceAddress(ctx context.Context, addr uint8) bool
	SetMoteParam(ctx context.Context, addr uint8, name string, value uint64) error
	QueryMote(ctx context.Context, addr, reg uint8) error
}

// client is the subset of pahomqtt.Client the bridge uses.
type client interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token
	Subscribe(topic string, qos byte, callback pahomqtt.MessageHandler) pahomqtt.Token
	Disconnect(quiesce uint)
}

// Bridge connects the controller to MQTT.
//
// Event handlers run on the emitting goroutine, possibly under the
// controller's session lock, so they only flag a refresh. A single
// goroutine then reads the controller and publishes.
type Bridge struct {
	client client
	ctrl   Controller
	prefix string
	logger *slog.Logger
	unsub  func()
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	refresh chan struct{}

	mu         sync.Mutex
	discovered map[uint8][2]uint32 // address -> manufacturer, product
}

// NewBridge creates and connects an MQTT bridge.
func NewBridge(ctrl Controller, cfg Config, logger *slog.Logger) (*Bridge, error) {
	b := newBridge(ctrl, cfg.TopicPrefix, logger)

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "swapdmt"
	}
	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5*time.Second).
		SetOrderMatters(false).
		SetWill(b.prefix+"/bridge/state", "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			b.logger.Info("MQTT connected")
			b.onConnect()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.logger.Warn("MQTT connection lost", "err", err)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	c := pahomqtt.NewClient(opts)
	b.client = c
	token := c.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		b.cancel()
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		b.cancel()
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return b, nil
}

func newBridge(ctrl Controller, prefix string, logger *slog.Logger) *Bridge {
	ctx, cancel := context.WithCancel(context.Background())
	if prefix == "" {
		prefix = "swapdmt"
	}
	return &Bridge{
		ctrl:       ctrl,
		prefix:     prefix,
		logger:     logger.With("component", "mqtt"),
		ctx:        ctx,
		cancel:     cancel,
		refresh:    make(chan struct{}, 1),
		discovered: make(map[uint8][2]uint32),
	}
}

// Start subscribes to controller events and begins MQTT publishing.
func (b *Bridge) Start() {
	b.unsub = b.ctrl.Events().OnAll(b.handleEvent)
	b.wg.Add(1)
	go b.refreshLoop()
	b.requestRefresh()
	b.logger.Info("MQTT bridge started", "prefix", b.prefix)
}

// Stop publishes offline state, unsubscribes, and disconnects.
func (b *Bridge) Stop() {
	b.cancel()
	if b.unsub != nil {
		b.unsub()
	}
	b.wg.Wait()
	b.publishBridgeState("offline")
	b.client.Disconnect(1000)
	b.logger.Info("MQTT bridge stopped")
}

// onConnect runs on every (re)connection to the broker.
func (b *Bridge) onConnect() {
	b.publishBridgeState("online")

	// The broker may have lost retained discovery; send it again.
	b.mu.Lock()
	clear(b.discovered)
	b.mu.Unlock()

	b.subscribe(b.prefix+"/gateway/set", func(_ string, payload []byte) {
		b.handleGatewayCommand(payload)
	})
	b.subscribe(b.prefix+"/motes/+/set", func(topic string, payload []byte) {
		addr, ok := parseMoteCommandTopic(b.prefix, topic)
		if !ok {
			b.logger.Warn("invalid mote command topic", "topic", topic)
			return
		}
		b.handleMoteCommand(addr, payload)
	})
	b.requestRefresh()
}

func (b *Bridge) subscribe(topic string, handle func(topic string, payload []byte)) {
	token := b.client.Subscribe(topic, 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		handle(msg.Topic(), msg.Payload())
	})
	go func() {
		if !token.WaitTimeout(publishTimeout) {
			b.logger.Warn("MQTT subscribe timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT subscribe error", "topic", topic, "err", err)
		}
	}()
}

func (b *Bridge) handleEvent(event controller.Event) {
	switch event.Type {
	case controller.EventMoteAdded, controller.EventConnectionState, controller.EventNetworkParams:
		b.requestRefresh()
	case controller.EventSyncReceived:
		data, ok := event.Data.(controller.SyncData)
		if !ok {
			return
		}
		b.publish(moteTopic(b.prefix, data.Address)+"/sync", mustJSON(map[string]any{
			"address": data.Address,
			"time":    time.Now().UTC().Format(time.RFC3339),
		}), false)
		b.requestRefresh()
	case controller.EventError:
		b.publish(b.prefix+"/bridge/log", mustJSON(event.Data), false)
	}
}

// requestRefresh schedules a full state publish. Requests coalesce.
func (b *Bridge) requestRefresh() {
	select {
	case b.refresh <- struct{}{}:
	default:
	}
}

func (b *Bridge) refreshLoop() {
	defer b.wg.Done()
	for {
		select {
		case <-b.ctx.Done():
			return
		case <-b.refresh:
			b.publishState()
		}
	}
}

// publishState publishes the gateway state, then every mote's state and any
// discovery not yet sent.
func (b *Bridge) publishState() {
	b.publish(b.prefix+"/gateway", mustJSON(b.ctrl.GatewayInfo()), true)

	db := b.ctrl.DeviceDB()
	for _, m := range b.ctrl.Motes() {
		st := newMoteState(m.Info(), db)
		b.publish(moteTopic(b.prefix, st.Address), mustJSON(st), true)
		b.publishDiscovery(st, db)
	}
}

func (b *Bridge) publishDiscovery(st moteState, db *controller.DeviceDB) {
	key := [2]uint32{st.ManufacturerID, st.ProductID}
	b.mu.Lock()
	prev, seen := b.discovered[st.Address]
	if seen && prev == key {
		b.mu.Unlock()
		return
	}
	b.discovered[st.Address] = key
	b.mu.Unlock()

	var def *controller.ProductDefinition
	if db != nil {
		def = db.Lookup(st.ManufacturerID, st.ProductID)
	}
	for _, msg := range buildDiscovery(st, def, b.prefix) {
		b.publish(msg.Topic, msg.Payload, true)
	}
	b.logger.Info("published HA discovery", "address", st.Address, "name", moteDisplayName(st))
}

func (b *Bridge) publishBridgeState(state string) {
	b.publish(b.prefix+"/bridge/state", []byte(state), true)
}

// gatewayCommand is the payload of <prefix>/gateway/set. Present fields are
// applied in order: action, network, address.
type gatewayCommand struct {
	Action  string          `json:"action,omitempty"` // "connect" or "disconnect"
	Network *networkCommand `json:"network,omitempty"`
	Address *uint8          `json:"address,omitempty"`
}

type networkCommand struct {
	Channel   uint8  `json:"channel"`
	NetworkID uint16 `json:"network_id"`
	Security  uint8  `json:"security"`
}

// moteCommand is the payload of <prefix>/motes/<XX>/set.
type moteCommand struct {
	Param string  `json:"param,omitempty"`
	Value *uint64 `json:"value,omitempty"`
	Query *uint8  `json:"query,omitempty"`
}

var errEmptyCommand = errors.New("empty command")

func parseGatewayCommand(payload []byte) (gatewayCommand, error) {
	var cmd gatewayCommand
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return cmd, err
	}
	switch cmd.Action {
	case "", "connect", "disconnect":
	default:
		return cmd, fmt.Errorf("unknown action %q", cmd.Action)
	}
	if cmd.Action == "" && cmd.Network == nil && cmd.Address == nil {
		return cmd, errEmptyCommand
	}
	return cmd, nil
}

func parseMoteCommand(payload []byte) (moteCommand, error) {
	var cmd moteCommand
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return cmd, err
	}
	if cmd.Param != "" && cmd.Value == nil {
		return cmd, fmt.Errorf("param %q without value", cmd.Param)
	}
	if cmd.Param == "" && cmd.Query == nil {
		return cmd, errEmptyCommand
	}
	return cmd, nil
}

func (b *Bridge) handleGatewayCommand(payload []byte) {
	cmd, err := parseGatewayCommand(payload)
	if err != nil {
		b.logger.Warn("invalid gateway command", "err", err)
		return
	}

	ctx, cancel := context.WithTimeout(b.ctx, commandTimeout)
	defer cancel()

	switch cmd.Action {
	case "connect":
		if !b.ctrl.Connect(ctx) {
			b.logger.Warn("connect command failed")
			return
		}
	case "disconnect":
		if !b.ctrl.Disconnect() {
			b.logger.Warn("disconnect command failed")
		}
	}
	if n := cmd.Network; n != nil {
		if !b.ctrl.SetNetworkParams(ctx, n.Channel, n.NetworkID, n.Security) {
			b.logger.Warn("network command failed", "channel", n.Channel, "network_id", n.NetworkID)
		}
	}
	if cmd.Address != nil {
		if !b.ctrl.SetDeviceAddress(ctx, *cmd.Address) {
			b.logger.Warn("address command failed", "address", *cmd.Address)
		}
	}
}

func (b *Bridge) handleMoteCommand(addr uint8, payload []byte) {
	cmd, err := parseMoteCommand(payload)
	if err != nil {
		b.logger.Warn("invalid mote command", "address", addr, "err", err)
		return
	}

	ctx, cancel := context.WithTimeout(b.ctx, commandTimeout)
	defer cancel()

	if cmd.Param != "" {
		if err := b.ctrl.SetMoteParam(ctx, addr, cmd.Param, *cmd.Value); err != nil {
			b.logger.Warn("set param command failed", "address", addr, "param", cmd.Param, "err", err)
		}
	}
	if cmd.Query != nil {
		if err := b.ctrl.QueryMote(ctx, addr, *cmd.Query); err != nil {
			b.logger.Warn("query command failed", "address", addr, "register", *cmd.Query, "err", err)
		}
	}
}

func (b *Bridge) publish(topic string, payload []byte, retained bool) {
	token := b.client.Publish(topic, 1, retained, payload)
	go func() {
		if !token.WaitTimeout(publishTimeout) {
			b.logger.Warn("MQTT publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT publish error", "topic", topic, "err", err)
		}
	}()
}

func mustJSON(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
