package emulator

import (
	"sync"

	"github.com/simonvetter/modbus"

	"hilsched/internal/points"
)

// registerBank is the emulator's holding-register space. It serves
// Modbus requests from the TCP server and direct point access from
// the physics loop under one mutex.
type registerBank struct {
	mu   sync.Mutex
	regs []uint16
}

func newRegisterBank(size int) *registerBank {
	return &registerBank{regs: make([]uint16, size)}
}

// HandleCoils rejects coil access; the plant model is registers only.
func (b *registerBank) HandleCoils(req *modbus.CoilsRequest) ([]bool, error) {
	return nil, modbus.ErrIllegalFunction
}

// HandleDiscreteInputs rejects discrete input access.
func (b *registerBank) HandleDiscreteInputs(req *modbus.DiscreteInputsRequest) ([]bool, error) {
	return nil, modbus.ErrIllegalFunction
}

// HandleInputRegisters rejects input register access.
func (b *registerBank) HandleInputRegisters(req *modbus.InputRegistersRequest) ([]uint16, error) {
	return nil, modbus.ErrIllegalFunction
}

// HandleHoldingRegisters serves reads and writes with bounds checks.
func (b *registerBank) HandleHoldingRegisters(req *modbus.HoldingRegistersRequest) ([]uint16, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	from := int(req.Addr)
	to := from + int(req.Quantity)
	if to > len(b.regs) {
		return nil, modbus.ErrIllegalDataAddress
	}
	if req.IsWrite {
		copy(b.regs[from:to], req.Args)
		return nil, nil
	}
	out := make([]uint16, req.Quantity)
	copy(out, b.regs[from:to])
	return out, nil
}

// get decodes one point directly from the bank.
func (b *registerBank) get(c points.Codec, spec points.Spec) (float64, error) {
	b.mu.Lock()
	words := make([]uint16, spec.Format.WordCount())
	copy(words, b.regs[spec.Address:int(spec.Address)+len(words)])
	b.mu.Unlock()
	return c.Decode(spec, words)
}

// set encodes one point directly into the bank.
func (b *registerBank) set(c points.Codec, spec points.Spec, v float64) error {
	words, err := c.Encode(spec, v)
	if err != nil {
		return err
	}
	b.mu.Lock()
	copy(b.regs[spec.Address:int(spec.Address)+len(words)], words)
	b.mu.Unlock()
	return nil
}
