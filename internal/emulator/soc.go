package emulator

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"hilsched/internal/plant"
)

// socRecord is the persisted state of charge, written on shutdown and
// read back when seeding a start.
type socRecord struct {
	SocPu   float64   `json:"soc_pu"`
	SavedAt time.Time `json:"saved_at"`
}

// SocPath returns the persistence file for a plant.
func SocPath(dir string, pid plant.ID) string {
	return filepath.Join(dir, fmt.Sprintf("soc_%s.json", pid))
}

// SaveSoc persists the state of charge for the next process run.
func SaveSoc(dir string, pid plant.ID, socPu float64) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	raw, err := json.MarshalIndent(socRecord{SocPu: socPu, SavedAt: time.Now()}, "", "  ")
	if err != nil {
		return err
	}
	path := SocPath(dir, pid)
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// LoadSoc reads the persisted state of charge. A missing file is an
// error; callers fall back to the configured startup value.
func LoadSoc(dir string, pid plant.ID) (float64, error) {
	path := SocPath(dir, pid)
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	var rec socRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return 0, fmt.Errorf("parse %s: %w", path, err)
	}
	if rec.SocPu < 0 || rec.SocPu > 1 {
		return 0, fmt.Errorf("%s holds soc %v outside [0,1]", path, rec.SocPu)
	}
	return rec.SocPu, nil
}
