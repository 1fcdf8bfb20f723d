// Package swap defines the SWAP wireless protocol domain types shared by the
// gateway backend and the controller: motes, endpoints, system states,
// standard registers and the serial modem packet format.
package swap

import "fmt"

// SystemState is the value of a mote's SYSTEM_STATE register.
type SystemState uint8

// System states reported by motes.
const (
	StateRestart SystemState = 0
	StateRxOn    SystemState = 1
	StateRxOff   SystemState = 2
	StateSync    SystemState = 3
	StateLowBat  SystemState = 4
)

func (s SystemState) String() string {
	switch s {
	case StateRestart:
		return "restart"
	case StateRxOn:
		return "rxon"
	case StateRxOff:
		return "rxoff"
	case StateSync:
		return "sync"
	case StateLowBat:
		return "lowbat"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// Standard register IDs present on every mote.
const (
	RegProductCode   uint8 = 0
	RegHWVersion     uint8 = 1
	RegFWVersion     uint8 = 2
	RegSystemState   uint8 = 3
	RegFreqChannel   uint8 = 4
	RegSecurity      uint8 = 5
	RegPassword      uint8 = 6
	RegNonce         uint8 = 7
	RegNetworkID     uint8 = 8
	RegDeviceAddr    uint8 = 9
	RegTxInterval    uint8 = 10
	FirstEndpointReg uint8 = 11
)

// Function is the SWAP packet function code.
type Function uint8

// Packet functions.
const (
	FuncStatus  Function = 0x00
	FuncQuery   Function = 0x01
	FuncCommand Function = 0x02
)

func (f Function) String() string {
	switch f {
	case FuncStatus:
		return "status"
	case FuncQuery:
		return "query"
	case FuncCommand:
		return "command"
	default:
		return fmt.Sprintf("func(0x%02X)", uint8(f))
	}
}

// BroadcastAddr addresses every mote in the network.
const BroadcastAddr uint8 = 0x00

// RSSIToDBm converts the raw CC1101 RSSI byte reported by the modem to dBm.
func RSSIToDBm(raw uint8) int {
	v := int(raw)
	if v >= 128 {
		v -= 256
	}
	return v/2 - 74
}
