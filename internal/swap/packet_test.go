package swap

import (
	"bytes"
	"errors"
	"testing"
)

func TestParsePacketStatus(t *testing.T) {
	// RSSI 0x3C, LQI 0x30; dest 0x00, src 0x0A, hop 1 secu 0, nonce 5,
	// status of register 3 on mote 0x0A with value 0x03 (SYNC).
	p, err := ParsePacket("(3C30)000A10050000A0303")
	if err == nil {
		t.Fatalf("odd-length body should fail, got %+v", p)
	}

	p, err = ParsePacket("(3C30)000A1005000A0303\r")
	if err != nil {
		t.Fatal(err)
	}
	if p.RSSI != 0x3C || p.LQI != 0x30 {
		t.Errorf("link quality = %02X/%02X, want 3C/30", p.RSSI, p.LQI)
	}
	if p.Dest != 0x00 || p.Src != 0x0A {
		t.Errorf("dest/src = %02X/%02X", p.Dest, p.Src)
	}
	if p.Hop != 1 || p.Security != 0 {
		t.Errorf("hop/secu = %d/%d, want 1/0", p.Hop, p.Security)
	}
	if p.Nonce != 5 {
		t.Errorf("nonce = %d, want 5", p.Nonce)
	}
	if p.Function != FuncStatus {
		t.Errorf("function = %v, want status", p.Function)
	}
	if p.RegAddr != 0x0A || p.RegID != RegSystemState {
		t.Errorf("reg = %d.%d", p.RegAddr, p.RegID)
	}
	if !bytes.Equal(p.Value, []byte{0x03}) {
		t.Errorf("value = %X, want 03", p.Value)
	}
}

func TestParsePacketNoValue(t *testing.T) {
	p, err := ParsePacket("(0000)0A01000001 0A0B")
	if err == nil {
		t.Fatalf("embedded space should fail, got %+v", p)
	}

	p, err = ParsePacket("(0000)0A010000010A0B")
	if err != nil {
		t.Fatal(err)
	}
	if p.Function != FuncQuery {
		t.Errorf("function = %v, want query", p.Function)
	}
	if p.Value != nil {
		t.Errorf("value = %X, want nil", p.Value)
	}
}

func TestParsePacketMalformed(t *testing.T) {
	tests := []struct {
		name string
		line string
	}{
		{"no prefix", "000A1005000A0303"},
		{"short prefix", "(3C)000A1005000A0303"},
		{"bad prefix hex", "(ZZ30)000A1005000A0303"},
		{"short body", "(3C30)000A10"},
		{"bad body hex", "(3C30)000A1005000A03GG"},
		{"modem reply", "OK"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParsePacket(tt.line)
			if !errors.Is(err, ErrMalformedPacket) {
				t.Errorf("ParsePacket(%q) err = %v, want ErrMalformedPacket", tt.line, err)
			}
		})
	}
}

func TestPacketEncode(t *testing.T) {
	p := &Packet{
		Dest:     0x0A,
		Src:      0x01,
		Hop:      0,
		Security: 0,
		Nonce:    0x07,
		Function: FuncCommand,
		RegAddr:  0x0A,
		RegID:    RegTxInterval,
		Value:    []byte{0x00, 0x3C},
	}
	got := p.Encode()
	want := "0A010007020A0A003C"
	if got != want {
		t.Errorf("Encode() = %q, want %q", got, want)
	}

	back, err := ParsePacket("(0000)" + got)
	if err != nil {
		t.Fatal(err)
	}
	if back.RegID != RegTxInterval || !bytes.Equal(back.Value, p.Value) {
		t.Errorf("decoded %+v, want reg 10 value 003C", back)
	}
}

func TestRSSIToDBm(t *testing.T) {
	tests := []struct {
		raw  uint8
		want int
	}{
		{0x00, -74},
		{0x3C, -44},
		{0x80, -138},
		{0xFF, -74},
	}
	for _, tt := range tests {
		if got := RSSIToDBm(tt.raw); got != tt.want {
			t.Errorf("RSSIToDBm(0x%02X) = %d, want %d", tt.raw, got, tt.want)
		}
	}
}
