package swap

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// ErrMalformedPacket is returned for modem lines that are not SWAP packets.
var ErrMalformedPacket = errors.New("malformed swap packet")

// packetHeaderLen is dest, src, hop|secu, nonce, function, reg addr, reg id.
const packetHeaderLen = 7

// Packet is a SWAP packet as exchanged with the serial modem.
//
// Received lines look like "(RRLL)DDSSHNFFAAIIVV..." where RR is the raw
// RSSI, LL the LQI and the rest the hex-encoded packet.
type Packet struct {
	RSSI     uint8
	LQI      uint8
	Dest     uint8
	Src      uint8
	Hop      uint8 // upper nibble of the hop/security byte
	Security uint8 // lower nibble of the hop/security byte
	Nonce    uint8
	Function Function
	RegAddr  uint8
	RegID    uint8
	Value    []byte
}

// ParsePacket decodes a line received from the modem.
func ParsePacket(line string) (*Packet, error) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "(") {
		return nil, fmt.Errorf("%w: missing link quality prefix", ErrMalformedPacket)
	}
	end := strings.IndexByte(line, ')')
	if end != 5 {
		return nil, fmt.Errorf("%w: bad link quality prefix %q", ErrMalformedPacket, line)
	}
	lq, err := hex.DecodeString(line[1:5])
	if err != nil {
		return nil, fmt.Errorf("%w: link quality: %v", ErrMalformedPacket, err)
	}
	body, err := hex.DecodeString(line[6:])
	if err != nil {
		return nil, fmt.Errorf("%w: body: %v", ErrMalformedPacket, err)
	}
	if len(body) < packetHeaderLen {
		return nil, fmt.Errorf("%w: %d bytes, need at least %d", ErrMalformedPacket, len(body), packetHeaderLen)
	}

	p := &Packet{
		RSSI:     lq[0],
		LQI:      lq[1],
		Dest:     body[0],
		Src:      body[1],
		Hop:      body[2] >> 4,
		Security: body[2] & 0x0F,
		Nonce:    body[3],
		Function: Function(body[4]),
		RegAddr:  body[5],
		RegID:    body[6],
	}
	if len(body) > packetHeaderLen {
		p.Value = body[packetHeaderLen:]
	}
	return p, nil
}

// Encode returns the hex form sent to the modem (no link quality prefix,
// no line terminator).
func (p *Packet) Encode() string {
	buf := make([]byte, 0, packetHeaderLen+len(p.Value))
	buf = append(buf,
		p.Dest,
		p.Src,
		p.Hop<<4|p.Security&0x0F,
		p.Nonce,
		uint8(p.Function),
		p.RegAddr,
		p.RegID,
	)
	buf = append(buf, p.Value...)
	return strings.ToUpper(hex.EncodeToString(buf))
}

func (p *Packet) String() string {
	return fmt.Sprintf("%s src=0x%02X dst=0x%02X reg=%d.%d value=%X",
		p.Function, p.Src, p.Dest, p.RegAddr, p.RegID, p.Value)
}
