package schedule

import (
	"sort"
	"time"
)

// StaleAfter is the validity window of an API base frame. With no
// enabled override, a base whose last row is older than this resolves
// to zero setpoints.
const StaleAfter = 15 * time.Minute

// Source tags where a resolved setpoint came from.
const (
	SourceNone     = "none"
	SourceAPI      = "api"
	SourceAPIStale = "api_stale"
	SourceManualP  = "manual_p"
	SourceManualQ  = "manual_q"
	SourceManualPQ = "manual_pq"
)

// Effective is the composed schedule for one plant at one snapshot
// instant. Construction is pure; the zero value resolves to (0,0).
type Effective struct {
	rows     Frame
	apiStale bool
	baseSet  bool
	manualP  Override
	manualQ  Override
}

// Resolution is the dispatchable setpoint at one instant.
type Resolution struct {
	PKw    float64
	QKvar  float64
	Source string
}

// Compose builds the effective schedule from the API base and the two
// per-signal overrides. Timestamps are unioned across sources, each
// column left-fills from its own source, an enabled override replaces
// its column inside [first row, end instant), and anything still
// undefined is zero. Staleness only zeroes the base when neither
// override is enabled.
func Compose(base Frame, manualP, manualQ Override, now time.Time) Effective {
	eff := Effective{manualP: manualP, manualQ: manualQ, baseSet: len(base) > 0}
	if last, ok := base.LastTime(); ok && !manualP.Enabled && !manualQ.Enabled {
		if now.Sub(last) > StaleAfter {
			eff.apiStale = true
		}
	}

	times := make([]time.Time, 0, len(base)+len(manualP.Series)+len(manualQ.Series))
	for _, row := range base {
		times = append(times, row.T)
	}
	times = appendOverrideTimes(times, manualP)
	times = appendOverrideTimes(times, manualQ)
	times = sortUnique(times)

	eff.rows = make(Frame, 0, len(times))
	for _, t := range times {
		eff.rows = append(eff.rows, Point{T: t, PKw: eff.pAt(base, t), QKvar: eff.qAt(base, t)})
	}
	return eff
}

func (e Effective) pAt(base Frame, t time.Time) float64 {
	if e.manualP.ActiveAt(t) {
		if v, ok := e.manualP.valueAt(t); ok {
			return v
		}
	}
	if e.apiStale {
		return 0
	}
	if row, ok := base.AsOf(t); ok {
		return row.PKw
	}
	return 0
}

func (e Effective) qAt(base Frame, t time.Time) float64 {
	if e.manualQ.ActiveAt(t) {
		if v, ok := e.manualQ.valueAt(t); ok {
			return v
		}
	}
	if e.apiStale {
		return 0
	}
	if row, ok := base.AsOf(t); ok {
		return row.QKvar
	}
	return 0
}

// Rows exposes the composed frame for preview surfaces.
func (e Effective) Rows() Frame { return e.rows.Clone() }

// APIStale reports whether the base was zeroed for staleness.
func (e Effective) APIStale() bool { return e.apiStale }

// Resolve returns the setpoint holding at instant t with its source
// tag. An instant before the first row resolves to (0,0).
func (e Effective) Resolve(t time.Time) Resolution {
	res := Resolution{Source: SourceNone}
	row, ok := e.rows.AsOf(t)
	if ok {
		res.PKw, res.QKvar = row.PKw, row.QKvar
	}

	pManual := e.manualP.ActiveAt(t)
	qManual := e.manualQ.ActiveAt(t)
	switch {
	case pManual && qManual:
		res.Source = SourceManualPQ
	case pManual:
		res.Source = SourceManualP
	case qManual:
		res.Source = SourceManualQ
	case e.apiStale:
		res.Source = SourceAPIStale
	case ok && e.baseSet:
		res.Source = SourceAPI
	}
	return res
}

func appendOverrideTimes(times []time.Time, o Override) []time.Time {
	if !o.Enabled {
		return times
	}
	body, end := SplitTerminal(o.Series)
	for _, row := range body {
		times = append(times, row.T)
	}
	if end != nil {
		times = append(times, *end)
	}
	return times
}

func sortUnique(times []time.Time) []time.Time {
	sort.Slice(times, func(i, j int) bool { return times[i].Before(times[j]) })
	out := times[:0]
	for i, t := range times {
		if i > 0 && t.Equal(out[len(out)-1]) {
			continue
		}
		out = append(out, t)
	}
	return out
}
