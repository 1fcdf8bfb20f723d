package controller

import (
	"context"
	"fmt"
	"log/slog"

	"swapdmt/internal/gateway"
)

// NetworkManager applies gateway identity changes. Reads go straight to the
// gateway; nothing is cached here.
type NetworkManager struct {
	gw     gateway.Gateway
	events *EventBus
	logger *slog.Logger
}

// NewNetworkManager creates a network manager for gw.
func NewNetworkManager(gw gateway.Gateway, events *EventBus, logger *slog.Logger) *NetworkManager {
	return &NetworkManager{
		gw:     gw,
		events: events,
		logger: logger.With("component", "network"),
	}
}

// SetNetworkParams sets channel, network id and security, in that order.
// A rejected value does not stop the remaining calls; the result is true only
// if all three were accepted. A gateway fault aborts the sequence and yields false.
func (n *NetworkManager) SetNetworkParams(ctx context.Context, channel uint8, netID uint16, security uint8) bool {
	steps := []struct {
		name string
		set  func() (bool, error)
	}{
		{"channel", func() (bool, error) { return n.gw.SetFrequencyChannel(ctx, channel) }},
		{"network_id", func() (bool, error) { return n.gw.SetNetworkID(ctx, netID) }},
		{"security", func() (bool, error) { return n.gw.SetSecurity(ctx, security) }},
	}

	result := true
	for _, s := range steps {
		ok, err := s.set()
		if err != nil {
			reportError(n.events, n.logger, "set network params", fmt.Errorf("%s: %w", s.name, err))
			result = false
			break
		}
		if !ok {
			n.logger.Warn("gateway rejected value", "param", s.name)
			result = false
		}
	}

	n.logger.Info("network params applied", "channel", channel,
		"network_id", fmt.Sprintf("0x%04X", netID), "security", security, "ok", result)
	n.emitParams(result)
	return result
}

// SetDeviceAddress changes the gateway's own address.
func (n *NetworkManager) SetDeviceAddress(ctx context.Context, addr uint8) bool {
	ok, err := n.gw.SetDeviceAddress(ctx, addr)
	if err != nil {
		reportError(n.events, n.logger, "set device address", err)
		ok = false
	} else if !ok {
		n.logger.Warn("gateway rejected value", "param", "address", "value", addr)
	}
	n.emitParams(ok)
	return ok
}

// SetSerialParams saves the serial port settings used by the next connect.
func (n *NetworkManager) SetSerialParams(port string, speed int) bool {
	if err := n.gw.SetSerialParams(port, speed); err != nil {
		reportError(n.events, n.logger, "set serial params", err)
		return false
	}
	return true
}

func (n *NetworkManager) emitParams(ok bool) {
	n.events.Emit(Event{Type: EventNetworkParams, Data: NetworkParamsData{
		Channel:   n.gw.FrequencyChannel(),
		NetworkID: n.gw.NetworkID(),
		Security:  n.gw.Security(),
		Address:   n.gw.DeviceAddress(),
		OK:        ok,
	}})
}

func (n *NetworkManager) DeviceAddress() uint8    { return n.gw.DeviceAddress() }
func (n *NetworkManager) NetworkID() uint16       { return n.gw.NetworkID() }
func (n *NetworkManager) FrequencyChannel() uint8 { return n.gw.FrequencyChannel() }
func (n *NetworkManager) Security() uint8         { return n.gw.Security() }
func (n *NetworkManager) SerialPort() string      { return n.gw.SerialPort() }
func (n *NetworkManager) SerialSpeed() int        { return n.gw.SerialSpeed() }
