package controller

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"swapdmt/internal/gateway"
	"swapdmt/internal/swap"
)

func newParamController(t *testing.T) (*Controller, *stubGateway, *swap.Mote) {
	t.Helper()
	c, gw, _ := newTestController(t)
	c.deviceDB.Add(ManufacturerGroup{ID: 1, Name: "panStamp", Products: []ProductDefinition{{
		ID:   2,
		Name: "Temperature sensor",
		Params: []ParamDef{
			{Name: "tx_interval", Register: 10, Position: 0, Size: 2},
			{Name: "mode", Register: 12, Position: 1, Size: 1},
		},
	}}})
	if !c.Connect(context.Background()) {
		t.Fatal("connect")
	}
	m := swap.NewMote(10)
	m.SetProductCode(1, 2)
	gw.onDiscovered(m)
	return c, gw, m
}

func TestSetMoteParamZeroedRegister(t *testing.T) {
	c, gw, _ := newParamController(t)

	if err := c.SetMoteParam(context.Background(), 10, "tx_interval", 60); err != nil {
		t.Fatal(err)
	}
	if len(gw.written) != 1 {
		t.Fatalf("writes = %d, want 1", len(gw.written))
	}
	w := gw.written[0]
	if w.addr != 10 || w.reg != 10 || !bytes.Equal(w.value, []byte{0x00, 0x3C}) {
		t.Errorf("write = %+v, want 0x0A reg 10 003C", w)
	}
}

func TestSetMoteParamPatchesCachedValue(t *testing.T) {
	c, gw, m := newParamController(t)
	m.SetRegister(12, []byte{0xAA, 0x00, 0xBB})

	if err := c.SetMoteParam(context.Background(), 10, "mode", 7); err != nil {
		t.Fatal(err)
	}
	if got := gw.written[0].value; !bytes.Equal(got, []byte{0xAA, 0x07, 0xBB}) {
		t.Errorf("register = %X, want AA07BB", got)
	}
}

func TestSetMoteParamErrors(t *testing.T) {
	c, gw, _ := newParamController(t)
	ctx := context.Background()

	if err := c.SetMoteParam(ctx, 99, "tx_interval", 1); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown mote err = %v", err)
	}
	if err := c.SetMoteParam(ctx, 10, "nope", 1); !errors.Is(err, ErrUnknownParam) {
		t.Errorf("unknown param err = %v", err)
	}
	if err := c.SetMoteParam(ctx, 10, "mode", 256); !errors.Is(err, ErrParamRange) {
		t.Errorf("range err = %v", err)
	}

	gw.writeErr = gateway.ErrNotConnected
	if err := c.SetMoteParam(ctx, 10, "mode", 1); !errors.Is(err, gateway.ErrCommunication) {
		t.Errorf("gateway err = %v, want wrapped ErrCommunication", err)
	}

	c.Disconnect()
	if err := c.SetMoteParam(ctx, 10, "mode", 1); !errors.Is(err, gateway.ErrNotConnected) {
		t.Errorf("disconnected err = %v, want ErrNotConnected", err)
	}
}

func TestQueryMote(t *testing.T) {
	c, gw, _ := newParamController(t)

	if err := c.QueryMote(context.Background(), 10, swap.RegTxInterval); err != nil {
		t.Fatal(err)
	}
	if len(gw.queried) != 1 || gw.queried[0] != swap.RegTxInterval {
		t.Errorf("queried = %v", gw.queried)
	}
	if err := c.QueryMote(context.Background(), 42, 0); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown mote err = %v", err)
	}
}

func TestPatchParamBitField(t *testing.T) {
	reg := func(v []byte) func(uint8) ([]byte, bool) {
		return func(uint8) ([]byte, bool) { return append([]byte(nil), v...), v != nil }
	}
	tests := []struct {
		name    string
		param   ParamDef
		current []byte
		value   uint64
		want    []byte
	}{
		{"three bits inside a byte", ParamDef{Position: 1, BitPosition: 2, BitSize: 3}, []byte{0xFF, 0xFF}, 0b010, []byte{0xFF, 0xD7}},
		{"single bit on empty register", ParamDef{BitPosition: 7, BitSize: 1}, nil, 1, []byte{0x01}},
		{"spans a byte boundary", ParamDef{BitPosition: 4, Size: 1}, []byte{0x00, 0x00}, 0xAB, []byte{0x0A, 0xB0}},
		{"whole bytes", ParamDef{Position: 1, Size: 2}, []byte{0x11, 0x22, 0x33}, 0xBEEF, []byte{0x11, 0xBE, 0xEF}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := patchParam(reg(tt.current), &tt.param, tt.value)
			if err != nil {
				t.Fatal(err)
			}
			if !bytes.Equal(got, tt.want) {
				t.Errorf("register = %X, want %X", got, tt.want)
			}
		})
	}

	if _, err := patchParam(reg(nil), &ParamDef{BitSize: 3}, 8); !errors.Is(err, ErrParamRange) {
		t.Errorf("8 in 3 bits err = %v, want ErrParamRange", err)
	}
}
