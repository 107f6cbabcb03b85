// Package schedule holds the time-indexed setpoint model: API base
// frames, manual override series with terminal end markers, and the
// pure composition that yields the effective schedule per plant.
//
// All frames are piecewise-constant step-hold series: the value at
// instant t is the value of the greatest row at or before t.
package schedule

import (
	"fmt"
	"math"
	"sort"
	"time"
)

// Point is one row of a schedule frame.
type Point struct {
	T     time.Time `json:"t"`
	PKw   float64   `json:"p_kw"`
	QKvar float64   `json:"q_kvar"`
}

// Frame is an ordered step-hold series of setpoints.
type Frame []Point

// Validate checks that the index is strictly increasing and every
// value is finite.
func (f Frame) Validate() error {
	for i, row := range f {
		if math.IsNaN(row.PKw) || math.IsInf(row.PKw, 0) || math.IsNaN(row.QKvar) || math.IsInf(row.QKvar, 0) {
			return fmt.Errorf("row %d has a non-finite setpoint", i)
		}
		if i > 0 && !f[i-1].T.Before(row.T) {
			return fmt.Errorf("row %d timestamp %s does not increase", i, row.T)
		}
	}
	return nil
}

// LastTime returns the final row's timestamp.
func (f Frame) LastTime() (time.Time, bool) {
	if len(f) == 0 {
		return time.Time{}, false
	}
	return f[len(f)-1].T, true
}

// AsOf returns the row holding at instant t: the greatest row with
// timestamp at or before t.
func (f Frame) AsOf(t time.Time) (Point, bool) {
	i := sort.Search(len(f), func(i int) bool { return f[i].T.After(t) })
	if i == 0 {
		return Point{}, false
	}
	return f[i-1], true
}

// Clone returns an independent copy.
func (f Frame) Clone() Frame {
	if f == nil {
		return nil
	}
	out := make(Frame, len(f))
	copy(out, f)
	return out
}

// Window returns the rows with timestamps in [from, to).
func (f Frame) Window(from, to time.Time) Frame {
	out := make(Frame, 0, len(f))
	for _, row := range f {
		if !row.T.Before(from) && row.T.Before(to) {
			out = append(out, row)
		}
	}
	return out
}

// Sample renders the step-held frame on a regular grid of count
// points starting at from, for preview surfaces.
func (f Frame) Sample(from time.Time, step time.Duration, count int) Frame {
	out := make(Frame, 0, count)
	for i := 0; i < count; i++ {
		t := from.Add(time.Duration(i) * step)
		p, q := 0.0, 0.0
		if row, ok := f.AsOf(t); ok {
			p, q = row.PKw, row.QKvar
		}
		out = append(out, Point{T: t, PKw: p, QKvar: q})
	}
	return out
}

// Merge replaces the rows of f that fall inside [from, to) with rows
// and returns the result sorted. Rows outside the window are kept.
func (f Frame) Merge(from, to time.Time, rows Frame) Frame {
	out := make(Frame, 0, len(f)+len(rows))
	for _, row := range f {
		if row.T.Before(from) || !row.T.Before(to) {
			out = append(out, row)
		}
	}
	out = append(out, rows...)
	sort.Slice(out, func(i, j int) bool { return out[i].T.Before(out[j].T) })
	return out
}
