// Package gateway defines the interface to the SWAP radio gateway and its
// serial modem backend.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"swapdmt/internal/swap"
)

var (
	// ErrCommunication is returned when the modem link fails.
	ErrCommunication = errors.New("gateway communication error")
	// ErrConfig is returned when gateway configuration is invalid or cannot be saved.
	ErrConfig = errors.New("gateway configuration error")
	// ErrNotConnected is returned for radio operations while the link is down.
	ErrNotConnected = fmt.Errorf("%w: not connected", ErrCommunication)
)

// Gateway is the abstract interface for a SWAP gateway.
//
// Setters report (false, nil) when the gateway rejects a value and a non-nil
// error only on communication or configuration faults.
type Gateway interface {
	// Link lifecycle
	Connect(ctx context.Context) error
	Disconnect() error

	// ForgetMote drops the gateway's reference to the mote at addr.
	ForgetMote(addr uint8)

	// Wireless parameters
	SetDeviceAddress(ctx context.Context, addr uint8) (bool, error)
	SetFrequencyChannel(ctx context.Context, channel uint8) (bool, error)
	SetNetworkID(ctx context.Context, id uint16) (bool, error)
	SetSecurity(ctx context.Context, security uint8) (bool, error)
	DeviceAddress() uint8
	NetworkID() uint16
	FrequencyChannel() uint8
	Security() uint8

	// Serial parameters
	SerialPort() string
	SerialSpeed() int
	SetSerialParams(port string, speed int) error

	// Register access on remote motes
	WriteRegister(ctx context.Context, addr, reg uint8, value []byte) error
	QueryRegister(ctx context.Context, addr, reg uint8) error

	// Event callbacks. Callbacks queued during a link session are dropped
	// once that session ends.
	OnLinkLost(handler func(error))
	OnMoteDiscovered(handler func(*swap.Mote))
	OnMoteAddressChanged(handler func(*swap.Mote))
	OnMoteStateChanged(handler func(*swap.Mote))
	OnEndpointDiscovered(handler func(*swap.Endpoint))
	OnEndpointValueChanged(handler func(*swap.Endpoint))

	// Lifecycle
	Close() error
}

// Defaults used when nothing has been persisted yet.
const (
	DefaultSerialPort  = "/dev/ttyUSB0"
	DefaultSerialSpeed = 38400
	DefaultNetworkID   = 0xB547
	DefaultChannel     = 0
	DefaultAddress     = 1
)

// SerialSpeeds lists the baud rates supported by the serial modem.
var SerialSpeeds = []int{9600, 19200, 38400, 57600, 115200}

// ValidSerialSpeed reports whether speed is one of SerialSpeeds.
func ValidSerialSpeed(speed int) bool {
	return slices.Contains(SerialSpeeds, speed)
}
