// Package recorder appends measurement rows to per-day CSV files.
// Files are named YYYYMMDD_{stem}.csv where the stem is the sanitized
// plant name. A terminal sentinel row with empty value columns marks
// the instant recording stopped or the file rolled over, preserving
// the piecewise-constant contract across file boundaries.
package recorder

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Header is the fixed CSV column order.
var Header = []string{
	"timestamp",
	"p_setpoint_kw",
	"battery_active_power_kw",
	"q_setpoint_kvar",
	"battery_reactive_power_kvar",
	"soc_pu",
	"p_poi_kw",
	"q_poi_kvar",
	"v_poi_kV",
}

// Row is one measurement sample in recorded column order.
type Row struct {
	Timestamp                time.Time
	PSetpointKw              float64
	BatteryActivePowerKw     float64
	QSetpointKvar            float64
	BatteryReactivePowerKvar float64
	SocPu                    float64
	PPoiKw                   float64
	QPoiKvar                 float64
	VPoiKV                   float64
}

// Values returns the eight value columns in recorded order.
func (r Row) Values() [8]float64 {
	return [8]float64{
		r.PSetpointKw,
		r.BatteryActivePowerKw,
		r.QSetpointKvar,
		r.BatteryReactivePowerKvar,
		r.SocPu,
		r.PPoiKw,
		r.QPoiKvar,
		r.VPoiKV,
	}
}

// SanitizeName lowers a plant name and collapses every non
// alphanumeric run into a single underscore.
func SanitizeName(name string) string {
	var b strings.Builder
	lastUnderscore := false
	for _, r := range strings.ToLower(name) {
		alnum := (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')
		if alnum {
			b.WriteRune(r)
			lastUnderscore = false
			continue
		}
		if !lastUnderscore {
			b.WriteByte('_')
			lastUnderscore = true
		}
	}
	return strings.Trim(b.String(), "_")
}

// Filename renders the daily file name for a day key and stem.
func Filename(dayKey, stem string) string {
	return fmt.Sprintf("%s_%s.csv", dayKey, stem)
}

// Writer owns one plant's CSV output. It is single-owner and not
// safe for concurrent use; the sampler is its only caller.
type Writer struct {
	dir string
	log *zap.Logger

	stem string
	day  string
	f    *os.File
	buf  *bufio.Writer
	csv  *csv.Writer
}

// NewWriter creates a closed writer rooted at dir.
func NewWriter(dir string, log *zap.Logger) *Writer {
	return &Writer{dir: dir, log: log}
}

// Target returns the file name Append would write to for a stem at
// an instant. The day key comes from the row timestamp's location.
func (w *Writer) Target(stem string, at time.Time) string {
	return Filename(at.Format("20060102"), stem)
}

// Open reports whether a file is currently open.
func (w *Writer) Open() bool { return w.f != nil }

// CurrentTarget returns the open file's name, empty when closed.
func (w *Writer) CurrentTarget() string {
	if w.f == nil {
		return ""
	}
	return Filename(w.day, w.stem)
}

// Append writes one row to the file for the row's day, opening or
// rotating as needed. On rotation the old file receives a sentinel at
// the row's timestamp. Returns whether the target changed.
func (w *Writer) Append(stem string, row Row) (bool, error) {
	day := row.Timestamp.Format("20060102")
	rotated := false
	if w.f != nil && (w.stem != stem || w.day != day) {
		if err := w.CloseWithSentinel(row.Timestamp); err != nil {
			return false, err
		}
		rotated = true
	}
	if w.f == nil {
		if err := w.open(stem, day); err != nil {
			return rotated, err
		}
		rotated = true
	}
	if err := w.csv.Write(w.render(row)); err != nil {
		return rotated, fmt.Errorf("append to %s: %w", w.CurrentTarget(), err)
	}
	return rotated, nil
}

// Flush pushes buffered rows to disk.
func (w *Writer) Flush() error {
	if w.f == nil {
		return nil
	}
	w.csv.Flush()
	if err := w.csv.Error(); err != nil {
		return fmt.Errorf("flush %s: %w", w.CurrentTarget(), err)
	}
	if err := w.buf.Flush(); err != nil {
		return fmt.Errorf("flush %s: %w", w.CurrentTarget(), err)
	}
	return nil
}

// CloseWithSentinel writes the terminal sentinel row at the given
// instant, flushes and closes. Used on record stop and rollover.
func (w *Writer) CloseWithSentinel(at time.Time) error {
	if w.f == nil {
		return nil
	}
	record := make([]string, len(Header))
	record[0] = at.Format(time.RFC3339)
	if err := w.csv.Write(record); err != nil {
		return fmt.Errorf("sentinel in %s: %w", w.CurrentTarget(), err)
	}
	return w.Close()
}

// Close flushes and closes without a sentinel, for process shutdown
// where recording logically continues across restarts.
func (w *Writer) Close() error {
	if w.f == nil {
		return nil
	}
	name := w.CurrentTarget()
	flushErr := w.Flush()
	closeErr := w.f.Close()
	w.f, w.buf, w.csv = nil, nil, nil
	w.stem, w.day = "", ""
	if flushErr != nil {
		return flushErr
	}
	if closeErr != nil {
		return fmt.Errorf("close %s: %w", name, closeErr)
	}
	return nil
}

func (w *Writer) open(stem, day string) error {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	path := filepath.Join(w.dir, Filename(day, stem))
	info, statErr := os.Stat(path)
	fresh := statErr != nil || info.Size() == 0

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	w.f = f
	w.buf = bufio.NewWriter(f)
	w.csv = csv.NewWriter(w.buf)
	w.stem = stem
	w.day = day
	if fresh {
		if err := w.csv.Write(Header); err != nil {
			return fmt.Errorf("header in %s: %w", path, err)
		}
	}
	w.log.Info("recording file opened", zap.String("file", Filename(day, stem)), zap.Bool("fresh", fresh))
	return nil
}

func (w *Writer) render(row Row) []string {
	record := make([]string, 0, len(Header))
	record = append(record, row.Timestamp.Format(time.RFC3339))
	for _, v := range row.Values() {
		record = append(record, formatValue(v))
	}
	return record
}

// formatValue renders a float compactly; NaN becomes an empty cell.
func formatValue(v float64) string {
	if math.IsNaN(v) {
		return ""
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}
