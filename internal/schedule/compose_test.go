package schedule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Mirrors the dispatch path: one base row two minutes old, a manual P
// override enabled one minute ago. P follows the override, Q the base.
func TestComposeManualPOverBase(t *testing.T) {
	now := at(0)
	base := Frame{{T: now.Add(-2 * time.Minute), PKw: 200, QKvar: 12}}
	manualP := Override{
		Series:  ManualSeries{{T: now.Add(-time.Minute), Setpoint: 123.4}, {T: now.Add(5 * time.Minute), Setpoint: 123.4}},
		Enabled: true,
	}

	eff := Compose(base, manualP, Override{}, now)
	res := eff.Resolve(now)
	assert.InDelta(t, 123.4, res.PKw, 1e-9)
	assert.InDelta(t, 12.0, res.QKvar, 1e-9)
	assert.Equal(t, SourceManualP, res.Source)
	assert.False(t, eff.APIStale())
}

// The terminal duplicate row ends the override and control returns to
// the API base at the end instant, not after it.
func TestComposeEndMarkerReturnsToBase(t *testing.T) {
	base := Frame{{T: at(0), PKw: 100, QKvar: 10}, {T: at(60), PKw: 100, QKvar: 10}}
	manualP := Override{
		Series:  ManualSeries{{T: at(0), Setpoint: 200}, {T: at(30), Setpoint: 200}},
		Enabled: true,
	}

	eff := Compose(base, manualP, Override{}, at(15))

	res := eff.Resolve(at(15))
	assert.Equal(t, 200.0, res.PKw)
	assert.Equal(t, 10.0, res.QKvar)
	assert.Equal(t, SourceManualP, res.Source)

	res = eff.Resolve(at(30))
	assert.Equal(t, 100.0, res.PKw)
	assert.Equal(t, 10.0, res.QKvar)
	assert.Equal(t, SourceAPI, res.Source)

	res = eff.Resolve(at(45))
	assert.Equal(t, 100.0, res.PKw)
	assert.Equal(t, 10.0, res.QKvar)
	assert.Equal(t, SourceAPI, res.Source)
}

func TestComposeStaleBaseZeroes(t *testing.T) {
	now := at(0)
	base := Frame{{T: now.Add(-20 * time.Minute), PKw: 300, QKvar: 30}}

	eff := Compose(base, Override{}, Override{}, now)
	require.True(t, eff.APIStale())
	res := eff.Resolve(now)
	assert.Zero(t, res.PKw)
	assert.Zero(t, res.QKvar)
	assert.Equal(t, SourceAPIStale, res.Source)
}

// An enabled override suppresses staleness zeroing entirely, even for
// the other signal's column and even outside the override's window.
func TestComposeOverrideSuppressesStaleness(t *testing.T) {
	now := at(0)
	base := Frame{{T: now.Add(-20 * time.Minute), PKw: 300, QKvar: 30}}
	manualP := Override{
		Series:  ManualSeries{{T: now.Add(-10 * time.Minute), Setpoint: 50}, {T: now.Add(-5 * time.Minute), Setpoint: 50}},
		Enabled: true,
	}

	eff := Compose(base, manualP, Override{}, now)
	assert.False(t, eff.APIStale())

	// Inside the override window.
	res := eff.Resolve(now.Add(-7 * time.Minute))
	assert.Equal(t, 50.0, res.PKw)
	assert.Equal(t, 30.0, res.QKvar)
	assert.Equal(t, SourceManualP, res.Source)

	// Past the end instant the base applies unzeroed.
	res = eff.Resolve(now)
	assert.Equal(t, 300.0, res.PKw)
	assert.Equal(t, 30.0, res.QKvar)
	assert.Equal(t, SourceAPI, res.Source)
}

func TestComposeSourcePrecedence(t *testing.T) {
	now := at(0)
	base := Frame{{T: now.Add(-time.Minute), PKw: 100, QKvar: 10}}
	series := ManualSeries{{T: now.Add(-time.Minute), Setpoint: 7}, {T: now.Add(10 * time.Minute), Setpoint: 7}}

	both := Compose(base, Override{Series: series, Enabled: true}, Override{Series: series, Enabled: true}, now)
	assert.Equal(t, SourceManualPQ, both.Resolve(now).Source)

	qOnly := Compose(base, Override{}, Override{Series: series, Enabled: true}, now)
	res := qOnly.Resolve(now)
	assert.Equal(t, SourceManualQ, res.Source)
	assert.Equal(t, 100.0, res.PKw)
	assert.Equal(t, 7.0, res.QKvar)
}

func TestComposeEmpty(t *testing.T) {
	eff := Compose(nil, Override{}, Override{}, at(0))
	res := eff.Resolve(at(0))
	assert.Zero(t, res.PKw)
	assert.Zero(t, res.QKvar)
	assert.Equal(t, SourceNone, res.Source)
	assert.Empty(t, eff.Rows())
}

func TestComposeRowTimesUnion(t *testing.T) {
	now := at(0)
	base := Frame{{T: at(0), PKw: 1}, {T: at(15), PKw: 2}}
	manualP := Override{
		Series:  ManualSeries{{T: at(0), Setpoint: 9}, {T: at(10), Setpoint: 9}},
		Enabled: true,
	}

	rows := Compose(base, manualP, Override{}, now).Rows()
	require.Len(t, rows, 3)
	assert.Equal(t, at(0), rows[0].T)
	assert.Equal(t, at(10), rows[1].T)
	assert.Equal(t, at(15), rows[2].T)
	// At the override end instant the base column resumes.
	assert.Equal(t, 9.0, rows[0].PKw)
	assert.Equal(t, 1.0, rows[1].PKw)
	assert.Equal(t, 2.0, rows[2].PKw)
}
