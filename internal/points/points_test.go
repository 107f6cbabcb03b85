package points

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPointMap() map[string]Spec {
	return map[string]Spec{
		Enable:    {Address: 0, Format: FormatUint16, Access: AccessReadWrite, Unit: "bool", EngPerCount: 1},
		PSetpoint: {Address: 1, Format: FormatInt16, Access: AccessReadWrite, Unit: "kW", EngPerCount: 0.1},
		QSetpoint: {Address: 2, Format: FormatInt16, Access: AccessReadWrite, Unit: "kvar", EngPerCount: 0.1},
		PBattery:  {Address: 3, Format: FormatInt16, Access: AccessRead, Unit: "kW", EngPerCount: 0.1},
		QBattery:  {Address: 4, Format: FormatInt16, Access: AccessRead, Unit: "kvar", EngPerCount: 0.1},
		Soc:       {Address: 5, Format: FormatUint16, Access: AccessRead, Unit: "pu", EngPerCount: 0.0001},
		PPoi:      {Address: 6, Format: FormatInt32, Access: AccessRead, Unit: "kW", EngPerCount: 0.01},
		QPoi:      {Address: 8, Format: FormatInt32, Access: AccessRead, Unit: "kvar", EngPerCount: 0.01},
		VPoi:      {Address: 10, Format: FormatFloat32, Access: AccessRead, Unit: "kV", EngPerCount: 1},
	}
}

func testEndpoint() Endpoint {
	return Endpoint{
		Host:      "127.0.0.1",
		Port:      1502,
		ByteOrder: BigEndian,
		WordOrder: MSWFirst,
		Points:    testPointMap(),
	}
}

func TestCodecRoundTrip(t *testing.T) {
	cases := []struct {
		name  string
		spec  Spec
		value float64
	}{
		{"int16 scaled", Spec{Address: 1, Format: FormatInt16, Access: AccessReadWrite, EngPerCount: 0.1}, 123.4},
		{"int16 negative", Spec{Address: 1, Format: FormatInt16, Access: AccessReadWrite, EngPerCount: 0.1}, -250},
		{"uint16 flag", Spec{Address: 0, Format: FormatUint16, Access: AccessReadWrite, EngPerCount: 1}, 1},
		{"uint16 soc", Spec{Address: 5, Format: FormatUint16, Access: AccessRead, EngPerCount: 0.0001}, 0.5},
		{"int32 scaled", Spec{Address: 6, Format: FormatInt32, Access: AccessRead, EngPerCount: 0.01}, -987.65},
		{"uint32 coarse", Spec{Address: 6, Format: FormatUint32, Access: AccessRead, EngPerCount: 2}, 123456},
		{"float32", Spec{Address: 10, Format: FormatFloat32, Access: AccessRead, EngPerCount: 1}, 19.87},
	}
	orders := []Codec{
		{ByteOrder: BigEndian, WordOrder: MSWFirst},
		{ByteOrder: BigEndian, WordOrder: LSWFirst},
		{ByteOrder: LittleEndian, WordOrder: MSWFirst},
		{ByteOrder: LittleEndian, WordOrder: LSWFirst},
	}
	for _, tc := range cases {
		for _, codec := range orders {
			regs, err := codec.Encode(tc.spec, tc.value)
			require.NoError(t, err, tc.name)
			require.Len(t, regs, tc.spec.Format.WordCount(), tc.name)

			got, err := codec.Decode(tc.spec, regs)
			require.NoError(t, err, tc.name)
			// One count of quantization at most, plus float32 noise.
			assert.InDelta(t, tc.value, got, tc.spec.EngPerCount/2+1e-3, "%s via %+v", tc.name, codec)
		}
	}
}

func TestCodecIntegerSaturation(t *testing.T) {
	codec := Codec{ByteOrder: BigEndian, WordOrder: MSWFirst}
	spec := Spec{Format: FormatInt16, Access: AccessReadWrite, EngPerCount: 0.1}

	regs, err := codec.Encode(spec, 1e9)
	require.NoError(t, err)
	got, err := codec.Decode(spec, regs)
	require.NoError(t, err)
	assert.InDelta(t, float64(math.MaxInt16)*0.1, got, 1e-9)

	regs, err = codec.Encode(spec, -1e9)
	require.NoError(t, err)
	got, err = codec.Decode(spec, regs)
	require.NoError(t, err)
	assert.InDelta(t, float64(math.MinInt16)*0.1, got, 1e-9)

	uspec := Spec{Format: FormatUint16, Access: AccessRead, EngPerCount: 1}
	regs, err = codec.Encode(uspec, -5)
	require.NoError(t, err)
	got, err = codec.Decode(uspec, regs)
	require.NoError(t, err)
	assert.Zero(t, got)
}

func TestCodecRejectsNonFinite(t *testing.T) {
	codec := Codec{ByteOrder: BigEndian, WordOrder: MSWFirst}
	spec := Spec{Format: FormatFloat32, Access: AccessRead, EngPerCount: 1}

	_, err := codec.Encode(spec, math.NaN())
	assert.Error(t, err)
	_, err = codec.Encode(spec, math.Inf(1))
	assert.Error(t, err)
}

func TestCodecDecodeWordCountMismatch(t *testing.T) {
	codec := Codec{ByteOrder: BigEndian, WordOrder: MSWFirst}
	_, err := codec.Decode(Spec{Format: FormatInt32, EngPerCount: 1}, []uint16{1})
	assert.Error(t, err)
}

func TestEndpointValidate(t *testing.T) {
	require.NoError(t, testEndpoint().Validate())

	missing := testEndpoint()
	delete(missing.Points, Soc)
	assert.Error(t, missing.Validate())

	overlap := testEndpoint()
	// q_poi is int32 at 8,9; placing v_poi at 9 collides.
	spec := overlap.Points[VPoi]
	spec.Address = 9
	overlap.Points[VPoi] = spec
	assert.Error(t, overlap.Validate())

	badPort := testEndpoint()
	badPort.Port = 0
	assert.Error(t, badPort.Validate())

	badOrder := testEndpoint()
	badOrder.ByteOrder = "middle"
	assert.Error(t, badOrder.Validate())
}

func TestEndpointURLAndSpan(t *testing.T) {
	e := testEndpoint()
	assert.Equal(t, "tcp://127.0.0.1:1502", e.URL())
	// v_poi is a float32 at 10, so the bank needs registers 0..11.
	assert.Equal(t, 12, e.RegisterSpan())
}

func TestSpecValidate(t *testing.T) {
	assert.Error(t, Spec{Format: "int64", Access: AccessRead, EngPerCount: 1}.Validate())
	assert.Error(t, Spec{Format: FormatInt16, Access: "x", EngPerCount: 1}.Validate())
	assert.Error(t, Spec{Format: FormatInt16, Access: AccessRead, EngPerCount: 0}.Validate())
	assert.Error(t, Spec{Address: 0xFFFF, Format: FormatInt32, Access: AccessRead, EngPerCount: 1}.Validate())
	assert.NoError(t, Spec{Address: 0xFFFE, Format: FormatInt32, Access: AccessRead, EngPerCount: 1}.Validate())
}
