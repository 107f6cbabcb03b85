// Package points models the per-plant Modbus point map: point
// specifications, register value encoding, and endpoint resolution.
// One codec serves both the emulator's register bank and the clients
// opened by the scheduler, the sampler and the control engine.
package points

import (
	"fmt"
	"math"
	"sort"
)

// The nine point names every endpoint must declare.
const (
	PSetpoint = "p_setpoint"
	PBattery  = "p_battery"
	QSetpoint = "q_setpoint"
	QBattery  = "q_battery"
	Enable    = "enable"
	Soc       = "soc"
	PPoi      = "p_poi"
	QPoi      = "q_poi"
	VPoi      = "v_poi"
)

// RequiredNames returns the mandatory point names in deterministic order.
func RequiredNames() []string {
	return []string{PSetpoint, PBattery, QSetpoint, QBattery, Enable, Soc, PPoi, QPoi, VPoi}
}

// Format is the wire representation of a point value.
type Format string

const (
	FormatInt16   Format = "int16"
	FormatUint16  Format = "uint16"
	FormatInt32   Format = "int32"
	FormatUint32  Format = "uint32"
	FormatFloat32 Format = "float32"
)

// WordCount returns how many 16-bit registers the format occupies.
func (f Format) WordCount() int {
	switch f {
	case FormatInt16, FormatUint16:
		return 1
	case FormatInt32, FormatUint32, FormatFloat32:
		return 2
	}
	return 0
}

// ByteCount is derived from the word count.
func (f Format) ByteCount() int { return f.WordCount() * 2 }

func (f Format) valid() bool { return f.WordCount() > 0 }

// Access declares which directions a point supports.
type Access string

const (
	AccessRead      Access = "r"
	AccessWrite     Access = "w"
	AccessReadWrite Access = "rw"
)

func (a Access) valid() bool {
	return a == AccessRead || a == AccessWrite || a == AccessReadWrite
}

// CanRead reports whether the point may be read.
func (a Access) CanRead() bool { return a == AccessRead || a == AccessReadWrite }

// CanWrite reports whether the point may be written.
func (a Access) CanWrite() bool { return a == AccessWrite || a == AccessReadWrite }

// ByteOrder selects the byte layout within each 16-bit register.
type ByteOrder string

const (
	BigEndian    ByteOrder = "big"
	LittleEndian ByteOrder = "little"
)

// WordOrder selects the register sequence of multi-word formats.
type WordOrder string

const (
	MSWFirst WordOrder = "msw_first"
	LSWFirst WordOrder = "lsw_first"
)

// Spec describes one point of an endpoint's register map.
type Spec struct {
	Address     uint16  `json:"address" yaml:"address"`
	Format      Format  `json:"format" yaml:"format"`
	Access      Access  `json:"access" yaml:"access"`
	Unit        string  `json:"unit" yaml:"unit"`
	EngPerCount float64 `json:"eng_per_count" yaml:"eng_per_count"`
}

// Validate checks a single point spec.
func (s Spec) Validate() error {
	if !s.Format.valid() {
		return fmt.Errorf("invalid format %q", s.Format)
	}
	if !s.Access.valid() {
		return fmt.Errorf("invalid access %q", s.Access)
	}
	if s.EngPerCount <= 0 {
		return fmt.Errorf("eng_per_count must be > 0, got %v", s.EngPerCount)
	}
	if int(s.Address)+s.Format.WordCount() > 0x10000 {
		return fmt.Errorf("point at %d/%s overruns the register space", s.Address, s.Format)
	}
	return nil
}

// Codec converts between engineering values and raw register words for
// one endpoint's declared byte and word order.
type Codec struct {
	ByteOrder ByteOrder
	WordOrder WordOrder
}

func (c Codec) swap(w uint16) uint16 {
	if c.ByteOrder == LittleEndian {
		return w>>8 | w<<8
	}
	return w
}

func (c Codec) splitWords(raw uint32) []uint16 {
	msw := c.swap(uint16(raw >> 16))
	lsw := c.swap(uint16(raw))
	if c.WordOrder == LSWFirst {
		return []uint16{lsw, msw}
	}
	return []uint16{msw, lsw}
}

func (c Codec) joinWords(regs []uint16) uint32 {
	a, b := c.swap(regs[0]), c.swap(regs[1])
	if c.WordOrder == LSWFirst {
		a, b = b, a
	}
	return uint32(a)<<16 | uint32(b)
}

// Encode scales an engineering value by the point's eng_per_count and
// renders the register words. Integer formats saturate at their bounds
// rather than wrapping.
func (c Codec) Encode(spec Spec, value float64) ([]uint16, error) {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return nil, fmt.Errorf("cannot encode non-finite value for point at %d", spec.Address)
	}
	counts := value / spec.EngPerCount
	switch spec.Format {
	case FormatInt16:
		return []uint16{c.swap(uint16(int16(clampRound(counts, math.MinInt16, math.MaxInt16))))}, nil
	case FormatUint16:
		return []uint16{c.swap(uint16(clampRound(counts, 0, math.MaxUint16)))}, nil
	case FormatInt32:
		return c.splitWords(uint32(int32(clampRound(counts, math.MinInt32, math.MaxInt32)))), nil
	case FormatUint32:
		return c.splitWords(uint32(clampRound(counts, 0, math.MaxUint32))), nil
	case FormatFloat32:
		return c.splitWords(math.Float32bits(float32(counts))), nil
	}
	return nil, fmt.Errorf("invalid format %q", spec.Format)
}

// Decode reverses Encode: raw register words back to an engineering value.
func (c Codec) Decode(spec Spec, regs []uint16) (float64, error) {
	if len(regs) != spec.Format.WordCount() {
		return 0, fmt.Errorf("point at %d wants %d registers, got %d", spec.Address, spec.Format.WordCount(), len(regs))
	}
	var counts float64
	switch spec.Format {
	case FormatInt16:
		counts = float64(int16(c.swap(regs[0])))
	case FormatUint16:
		counts = float64(c.swap(regs[0]))
	case FormatInt32:
		counts = float64(int32(c.joinWords(regs)))
	case FormatUint32:
		counts = float64(c.joinWords(regs))
	case FormatFloat32:
		counts = float64(math.Float32frombits(c.joinWords(regs)))
	default:
		return 0, fmt.Errorf("invalid format %q", spec.Format)
	}
	return counts * spec.EngPerCount, nil
}

func clampRound(v, lo, hi float64) int64 {
	r := math.Round(v)
	if r < lo {
		r = lo
	}
	if r > hi {
		r = hi
	}
	return int64(r)
}

// Endpoint is one plant's Modbus/TCP address and point map on one
// transport.
type Endpoint struct {
	Host      string          `json:"host" yaml:"host"`
	Port      int             `json:"port" yaml:"port"`
	ByteOrder ByteOrder       `json:"byte_order" yaml:"byte_order"`
	WordOrder WordOrder       `json:"word_order" yaml:"word_order"`
	Points    map[string]Spec `json:"points" yaml:"points"`
}

// URL renders the endpoint in the form the modbus transport expects.
func (e Endpoint) URL() string {
	return fmt.Sprintf("tcp://%s:%d", e.Host, e.Port)
}

// Codec returns the codec bound to this endpoint's declared orders.
func (e Endpoint) Codec() Codec {
	return Codec{ByteOrder: e.ByteOrder, WordOrder: e.WordOrder}
}

// Point looks up a named point spec.
func (e Endpoint) Point(name string) (Spec, error) {
	s, ok := e.Points[name]
	if !ok {
		return Spec{}, fmt.Errorf("endpoint has no point %q", name)
	}
	return s, nil
}

// Validate checks the endpoint: address, orders, and that the nine
// required points are declared with non-overlapping registers.
func (e Endpoint) Validate() error {
	if e.Host == "" {
		return fmt.Errorf("host is empty")
	}
	if e.Port <= 0 || e.Port > 65535 {
		return fmt.Errorf("port %d out of range", e.Port)
	}
	switch e.ByteOrder {
	case BigEndian, LittleEndian:
	default:
		return fmt.Errorf("invalid byte order %q", e.ByteOrder)
	}
	switch e.WordOrder {
	case MSWFirst, LSWFirst:
	default:
		return fmt.Errorf("invalid word order %q", e.WordOrder)
	}
	for _, name := range RequiredNames() {
		spec, ok := e.Points[name]
		if !ok {
			return fmt.Errorf("required point %q is missing", name)
		}
		if err := spec.Validate(); err != nil {
			return fmt.Errorf("point %q: %w", name, err)
		}
	}
	type span struct {
		name     string
		from, to int
	}
	spans := make([]span, 0, len(e.Points))
	for name, spec := range e.Points {
		spans = append(spans, span{name, int(spec.Address), int(spec.Address) + spec.Format.WordCount()})
	}
	sort.Slice(spans, func(i, j int) bool { return spans[i].from < spans[j].from })
	for i := 1; i < len(spans); i++ {
		if spans[i].from < spans[i-1].to {
			return fmt.Errorf("points %q and %q overlap", spans[i-1].name, spans[i].name)
		}
	}
	return nil
}

// RegisterSpan returns the number of registers needed to cover every
// declared point, for sizing the emulator's register bank.
func (e Endpoint) RegisterSpan() int {
	max := 0
	for _, spec := range e.Points {
		if end := int(spec.Address) + spec.Format.WordCount(); end > max {
			max = end
		}
	}
	return max
}
