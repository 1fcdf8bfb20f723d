package controller

import (
	"context"
	"errors"
	"fmt"

	"swapdmt/internal/gateway"
)

var (
	// ErrUnknownParam is returned when a mote has no parameter of that name.
	ErrUnknownParam = errors.New("unknown parameter")
	// ErrParamRange is returned when a value does not fit the parameter size.
	ErrParamRange = errors.New("value out of range")
)

// SetMoteParam writes the named configuration parameter of the mote at addr.
// The parameter bytes are patched into the last known register value (or a
// zeroed register) and the whole register is sent.
func (c *Controller) SetMoteParam(ctx context.Context, addr uint8, name string, value uint64) error {
	if !c.IsConnected() {
		return gateway.ErrNotConnected
	}
	m, err := c.MoteByAddress(addr)
	if err != nil {
		return err
	}

	mf, prod := m.ProductCode()
	def := c.deviceDB.Lookup(mf, prod)
	if def == nil {
		return fmt.Errorf("%w: %q (no definition for product 0x%08X/0x%08X)", ErrUnknownParam, name, mf, prod)
	}
	p := def.Param(name)
	if p == nil {
		return fmt.Errorf("%w: %q for %s", ErrUnknownParam, name, def.Name)
	}

	reg, err := patchParam(m.Register, p, value)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	if err := c.gw.WriteRegister(ctx, addr, p.Register, reg); err != nil {
		err = fmt.Errorf("set %s on 0x%02X: %w", name, addr, err)
		reportError(c.events, c.logger, "set mote param", err)
		return err
	}
	c.logger.Info("mote param set", "address", fmt.Sprintf("0x%02X", addr), "param", name, "value", value)
	return nil
}

// patchParam returns the register bytes with value written big-endian at
// the parameter's position. Bits outside the parameter are kept.
func patchParam(current func(uint8) ([]byte, bool), p *ParamDef, value uint64) ([]byte, error) {
	width, offset := p.bitWidth(), p.bitOffset()
	if width < 1 || width > 64 {
		return nil, fmt.Errorf("%w: parameter width %d bits", ErrParamRange, width)
	}
	if width < 64 && value >= 1<<uint(width) {
		return nil, fmt.Errorf("%w: %d does not fit %d bits", ErrParamRange, value, width)
	}
	reg, _ := current(p.Register)
	if need := (offset + width + 7) / 8; len(reg) < need {
		reg = append(reg, make([]byte, need-len(reg))...)
	}
	for i := 0; i < width; i++ {
		pos := offset + i
		mask := byte(0x80) >> uint(pos%8)
		if value>>uint(width-1-i)&1 == 1 {
			reg[pos/8] |= mask
		} else {
			reg[pos/8] &^= mask
		}
	}
	return reg, nil
}

// QueryMote asks the mote at addr to report register reg.
func (c *Controller) QueryMote(ctx context.Context, addr, reg uint8) error {
	if !c.IsConnected() {
		return gateway.ErrNotConnected
	}
	if _, err := c.MoteByAddress(addr); err != nil {
		return err
	}
	if err := c.gw.QueryRegister(ctx, addr, reg); err != nil {
		err = fmt.Errorf("query 0x%02X reg %d: %w", addr, reg, err)
		reportError(c.events, c.logger, "query mote", err)
		return err
	}
	return nil
}
