package schedule

import (
	"fmt"
	"math"
	"time"
)

// MinRowGap is the minimum spacing between manual series rows. The
// synthesized terminal row uses exactly this gap.
const MinRowGap = 60 * time.Second

// ManualPoint is one row of an operator-authored override series.
type ManualPoint struct {
	T        time.Time `json:"t"`
	Setpoint float64   `json:"setpoint"`
}

// ManualSeries is a sorted override series for a single signal. The
// stored form always carries the terminal duplicate-row end marker:
// the last two rows share a setpoint value and the later timestamp is
// the instant the override stops applying.
type ManualSeries []ManualPoint

// Validate checks ordering, spacing, and finiteness.
func (s ManualSeries) Validate() error {
	if len(s) == 0 {
		return fmt.Errorf("series is empty")
	}
	for i, row := range s {
		if math.IsNaN(row.Setpoint) || math.IsInf(row.Setpoint, 0) {
			return fmt.Errorf("row %d has a non-finite setpoint", i)
		}
		if i == 0 {
			continue
		}
		gap := row.T.Sub(s[i-1].T)
		if gap <= 0 {
			return fmt.Errorf("row %d timestamp %s does not increase", i, row.T)
		}
		if gap < MinRowGap {
			return fmt.Errorf("row %d is %s after the previous row, minimum gap is %s", i, gap, MinRowGap)
		}
	}
	return nil
}

// Clone returns an independent copy.
func (s ManualSeries) Clone() ManualSeries {
	if s == nil {
		return nil
	}
	out := make(ManualSeries, len(s))
	copy(out, s)
	return out
}

// AsOf returns the row holding at instant t.
func (s ManualSeries) AsOf(t time.Time) (ManualPoint, bool) {
	var found ManualPoint
	ok := false
	for _, row := range s {
		if row.T.After(t) {
			break
		}
		found, ok = row, true
	}
	return found, ok
}

// SplitTerminal is the canonical splitter for the end-marker
// encoding. When the last two rows carry the same setpoint value the
// series body excludes the final row and the final row's timestamp is
// returned as the end instant. A series without the marker returns
// the full body and no end.
func SplitTerminal(s ManualSeries) (ManualSeries, *time.Time) {
	n := len(s)
	if n < 2 {
		return s, nil
	}
	if s[n-1].Setpoint == s[n-2].Setpoint {
		end := s[n-1].T
		return s[:n-1], &end
	}
	return s, nil
}

// Normalize validates an incoming series against the live window and
// returns the stored form: rows pruned to [dayStart, dayStart+window)
// and a terminal end marker guaranteed present. The input must
// already be sorted; out-of-order rows are rejected, not repaired.
func Normalize(rows ManualSeries, dayStart time.Time, window time.Duration) (ManualSeries, error) {
	if err := rows.Validate(); err != nil {
		return nil, err
	}
	windowEnd := dayStart.Add(window)
	pruned := make(ManualSeries, 0, len(rows))
	for _, row := range rows {
		if row.T.Before(dayStart) || !row.T.Before(windowEnd) {
			continue
		}
		pruned = append(pruned, row)
	}
	if len(pruned) == 0 {
		return nil, fmt.Errorf("no rows inside the live window [%s, %s)", dayStart, windowEnd)
	}
	if _, end := SplitTerminal(pruned); end == nil {
		last := pruned[len(pruned)-1]
		pruned = append(pruned, ManualPoint{T: last.T.Add(MinRowGap), Setpoint: last.Setpoint})
	}
	return pruned, nil
}

// Override binds a stored series to its merge flag.
type Override struct {
	Series  ManualSeries
	Enabled bool
}

// ActiveAt reports whether the override replaces its signal at
// instant t: merge enabled and t inside [first row, end instant).
func (o Override) ActiveAt(t time.Time) bool {
	if !o.Enabled || len(o.Series) == 0 {
		return false
	}
	body, end := SplitTerminal(o.Series)
	if len(body) == 0 || t.Before(body[0].T) {
		return false
	}
	if end != nil && !t.Before(*end) {
		return false
	}
	return true
}

// valueAt returns the override's step-held setpoint at t. Only valid
// while ActiveAt(t) holds.
func (o Override) valueAt(t time.Time) (float64, bool) {
	body, _ := SplitTerminal(o.Series)
	row, ok := body.AsOf(t)
	if !ok {
		return 0, false
	}
	return row.Setpoint, true
}
