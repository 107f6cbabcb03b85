// Package logging builds the process logger: console output plus a
// per-day site log file.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"hilsched/internal/timeutil"
)

// fileSuffix is appended to the civil date in log filenames, giving
// names like 2026-08-24_hil_scheduler.log.
const fileSuffix = "_hil_scheduler.log"

// dailySyncer appends to the current civil day's file, reopening on
// rollover. Size-based rotators cannot produce date-keyed filenames,
// hence the hand-rolled syncer.
type dailySyncer struct {
	mu   sync.Mutex
	dir  string
	tz   *timeutil.Service
	date string
	f    *os.File
}

func (w *dailySyncer) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	date := w.tz.CivilDate(w.tz.Now())
	if w.f == nil || date != w.date {
		if w.f != nil {
			w.f.Close()
		}
		if err := os.MkdirAll(w.dir, 0o755); err != nil {
			return 0, fmt.Errorf("create log dir: %w", err)
		}
		f, err := os.OpenFile(filepath.Join(w.dir, date+fileSuffix), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return 0, fmt.Errorf("open log file: %w", err)
		}
		w.f = f
		w.date = date
	}
	return w.f.Write(p)
}

func (w *dailySyncer) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return nil
	}
	return w.f.Sync()
}

// New builds the process logger: human-readable console output plus
// JSON lines in the daily file.
func New(level, dir string, tz *timeutil.Service) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log level %q: %w", level, err)
	}

	consoleCfg := zap.NewDevelopmentEncoderConfig()
	consoleCfg.EncodeLevel = zapcore.CapitalLevelEncoder
	consoleCore := zapcore.NewCore(
		zapcore.NewConsoleEncoder(consoleCfg),
		zapcore.Lock(os.Stderr),
		lvl,
	)

	fileCfg := zap.NewProductionEncoderConfig()
	fileCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	fileCore := zapcore.NewCore(
		zapcore.NewJSONEncoder(fileCfg),
		zapcore.AddSync(&dailySyncer{dir: dir, tz: tz}),
		lvl,
	)

	return zap.New(zapcore.NewTee(consoleCore, fileCore), zap.AddCaller()), nil
}
