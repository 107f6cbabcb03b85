// Package timeutil is the single timezone authority for the process.
// All ingress timestamps are normalized here so that shared state never
// holds a naive instant.
package timeutil

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// NaivePolicy decides how a timestamp without offset information is
// interpreted at ingress.
type NaivePolicy string

const (
	NaiveAssumeConfigTZ NaivePolicy = "assume_config_tz"
	NaiveAssumeUTC      NaivePolicy = "assume_utc"
)

// Service resolves, parses and formats instants in the configured zone.
type Service struct {
	loc    *time.Location
	policy NaivePolicy
}

// NewService loads the named IANA zone. An empty name falls back to
// Europe/Madrid, the site default.
func NewService(name string, policy NaivePolicy) (*Service, error) {
	if name == "" {
		name = "Europe/Madrid"
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", name, err)
	}
	if policy == "" {
		policy = NaiveAssumeConfigTZ
	}
	switch policy {
	case NaiveAssumeConfigTZ, NaiveAssumeUTC:
	default:
		return nil, fmt.Errorf("unknown naive policy %q", policy)
	}
	return &Service{loc: loc, policy: policy}, nil
}

// Location returns the configured zone.
func (s *Service) Location() *time.Location { return s.loc }

// Now returns the current instant in the configured zone.
func (s *Service) Now() time.Time { return time.Now().In(s.loc) }

// Normalize moves an aware instant into the configured zone.
func (s *Service) Normalize(t time.Time) time.Time { return t.In(s.loc) }

// ParseISO accepts ISO-8601 timestamps with or without an offset. Naive
// values are resolved using the configured policy.
func (s *Service) ParseISO(v string) (time.Time, error) {
	v = strings.TrimSpace(v)
	aware := []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05Z0700"}
	for _, layout := range aware {
		if t, err := time.Parse(layout, v); err == nil {
			return t.In(s.loc), nil
		}
	}
	naiveLoc := s.loc
	if s.policy == NaiveAssumeUTC {
		naiveLoc = time.UTC
	}
	naive := []string{"2006-01-02T15:04:05.999999999", "2006-01-02T15:04:05", "2006-01-02 15:04:05", "2006-01-02"}
	for _, layout := range naive {
		if t, err := time.ParseInLocation(layout, v, naiveLoc); err == nil {
			return t.In(s.loc), nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable timestamp %q", v)
}

// UTCISO formats an instant for the upstream API (RFC3339, UTC).
func (s *Service) UTCISO(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// StartOfDay returns local midnight of the day containing t.
func (s *Service) StartOfDay(t time.Time) time.Time {
	t = t.In(s.loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, s.loc)
}

// DayKey returns the compact date key used in recorded file names (YYYYMMDD).
func (s *Service) DayKey(t time.Time) string {
	return t.In(s.loc).Format("20060102")
}

// CivilDate returns the dashed local date (YYYY-MM-DD) used by the fetch
// status machine and the daily log file name.
func (s *Service) CivilDate(t time.Time) string {
	return t.In(s.loc).Format("2006-01-02")
}

// ClockTime is a wall-clock gate within a day, e.g. the earliest local
// time at which tomorrow's schedule may be polled.
type ClockTime struct {
	Hour   int
	Minute int
}

// ParseClock parses "HH:MM" (24 h).
func ParseClock(v string) (ClockTime, error) {
	parts := strings.Split(strings.TrimSpace(v), ":")
	if len(parts) != 2 {
		return ClockTime{}, fmt.Errorf("clock time %q is not HH:MM", v)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return ClockTime{}, fmt.Errorf("clock time %q has invalid hour", v)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return ClockTime{}, fmt.Errorf("clock time %q has invalid minute", v)
	}
	return ClockTime{Hour: h, Minute: m}, nil
}

// On anchors the clock time to the day containing t, in the service zone.
func (c ClockTime) On(t time.Time, s *Service) time.Time {
	t = t.In(s.loc)
	return time.Date(t.Year(), t.Month(), t.Day(), c.Hour, c.Minute, 0, 0, s.loc)
}

func (c ClockTime) String() string {
	return fmt.Sprintf("%02d:%02d", c.Hour, c.Minute)
}
