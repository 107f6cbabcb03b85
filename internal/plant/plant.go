// Package plant defines the fixed plant fleet of the site and the
// per-plant electrical model shared by the emulator and the engines.
package plant

import "fmt"

// ID identifies one of the two battery plants on the site.
type ID string

const (
	// LIB is the lithium-ion plant.
	LIB ID = "lib"
	// VRFB is the vanadium redox flow plant.
	VRFB ID = "vrfb"
)

// IDs returns the fleet in deterministic iteration order.
func IDs() []ID {
	return []ID{LIB, VRFB}
}

// Parse maps a string onto a known plant ID.
func Parse(s string) (ID, error) {
	switch ID(s) {
	case LIB:
		return LIB, nil
	case VRFB:
		return VRFB, nil
	}
	return "", fmt.Errorf("unknown plant id %q", s)
}

func (id ID) String() string { return string(id) }

// TransportMode selects which Modbus endpoint set a plant is reached on.
type TransportMode string

const (
	// TransportLocal targets the in-process emulator on a loopback port.
	TransportLocal TransportMode = "local"
	// TransportRemote targets the physical plant controller.
	TransportRemote TransportMode = "remote"
)

// ParseTransport maps a string onto a transport mode.
func ParseTransport(s string) (TransportMode, error) {
	switch TransportMode(s) {
	case TransportLocal:
		return TransportLocal, nil
	case TransportRemote:
		return TransportRemote, nil
	}
	return "", fmt.Errorf("unknown transport mode %q", s)
}

func (m TransportMode) String() string { return string(m) }

// Model carries the electrical ratings of a plant.
type Model struct {
	CapacityKwh  float64 `json:"capacity_kwh" yaml:"capacity_kwh"`
	PMaxKw       float64 `json:"p_max_kw" yaml:"p_max_kw"`
	PMinKw       float64 `json:"p_min_kw" yaml:"p_min_kw"`
	QMaxKvar     float64 `json:"q_max_kvar" yaml:"q_max_kvar"`
	QMinKvar     float64 `json:"q_min_kvar" yaml:"q_min_kvar"`
	PoiVoltageKV float64 `json:"poi_voltage_kv" yaml:"poi_voltage_kv"`
}

// Validate checks the rating invariants.
func (m Model) Validate() error {
	if m.CapacityKwh < 0 {
		return fmt.Errorf("capacity_kwh must be >= 0, got %v", m.CapacityKwh)
	}
	if m.PoiVoltageKV <= 0 {
		return fmt.Errorf("poi_voltage_kv must be > 0, got %v", m.PoiVoltageKV)
	}
	if m.PMaxKw < m.PMinKw {
		return fmt.Errorf("p_max_kw %v is below p_min_kw %v", m.PMaxKw, m.PMinKw)
	}
	if m.QMaxKvar < m.QMinKvar {
		return fmt.Errorf("q_max_kvar %v is below q_min_kvar %v", m.QMaxKvar, m.QMinKvar)
	}
	return nil
}
