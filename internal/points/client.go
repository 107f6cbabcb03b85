package points

import (
	"fmt"
	"time"

	"github.com/simonvetter/modbus"
)

// OpenClient dials the endpoint and returns a connected modbus client.
// The caller owns the connection and must Close it.
func OpenClient(e Endpoint, timeout time.Duration) (*modbus.ModbusClient, error) {
	client, err := modbus.NewClient(&modbus.ClientConfiguration{
		URL:     e.URL(),
		Timeout: timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("configure modbus client for %s: %w", e.URL(), err)
	}
	if err := client.Open(); err != nil {
		return nil, fmt.Errorf("connect to %s: %w", e.URL(), err)
	}
	return client, nil
}

// ReadPoint reads one named point from holding registers and decodes it
// to an engineering value.
func ReadPoint(client *modbus.ModbusClient, e Endpoint, name string) (float64, error) {
	spec, err := e.Point(name)
	if err != nil {
		return 0, err
	}
	if !spec.Access.CanRead() {
		return 0, fmt.Errorf("point %q is not readable", name)
	}
	regs, err := client.ReadRegisters(spec.Address, uint16(spec.Format.WordCount()), modbus.HOLDING_REGISTER)
	if err != nil {
		return 0, fmt.Errorf("read %q at %d: %w", name, spec.Address, err)
	}
	v, err := e.Codec().Decode(spec, regs)
	if err != nil {
		return 0, fmt.Errorf("decode %q: %w", name, err)
	}
	return v, nil
}

// WritePoint encodes an engineering value and writes it to the point's
// holding registers.
func WritePoint(client *modbus.ModbusClient, e Endpoint, name string, value float64) error {
	spec, err := e.Point(name)
	if err != nil {
		return err
	}
	if !spec.Access.CanWrite() {
		return fmt.Errorf("point %q is not writable", name)
	}
	regs, err := e.Codec().Encode(spec, value)
	if err != nil {
		return fmt.Errorf("encode %q: %w", name, err)
	}
	if len(regs) == 1 {
		if err := client.WriteRegister(spec.Address, regs[0]); err != nil {
			return fmt.Errorf("write %q at %d: %w", name, spec.Address, err)
		}
		return nil
	}
	if err := client.WriteRegisters(spec.Address, regs); err != nil {
		return fmt.Errorf("write %q at %d: %w", name, spec.Address, err)
	}
	return nil
}
