// Package config loads, defaults and validates the process
// configuration from a YAML file. The zero config is not usable;
// start from Default and overlay the file on top so partial configs
// inherit sensible values.
package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"hilsched/internal/plant"
	"hilsched/internal/points"
	"hilsched/internal/timeutil"
)

// Config is the full recognized key set.
type Config struct {
	// Timezone is the IANA zone all schedule and file timestamps use.
	Timezone string `yaml:"timezone"`
	// NaiveTimePolicy selects how timestamps without an offset are
	// interpreted: assume_config_tz or assume_utc.
	NaiveTimePolicy string `yaml:"naive_time_policy"`
	// TransportMode is the startup transport, local or remote.
	TransportMode string `yaml:"transport_mode"`
	// InitialSocPu seeds plants that have no persisted state, in [0,1].
	InitialSocPu float64 `yaml:"initial_soc_pu"`

	DataDir    string `yaml:"data_dir"`
	LogDir     string `yaml:"log_dir"`
	LogLevel   string `yaml:"log_level"`
	HTTPListen string `yaml:"http_listen"`

	Timing    TimingConfig           `yaml:"timing"`
	Schedule  ScheduleConfig         `yaml:"schedule"`
	API       APIConfig              `yaml:"api"`
	Recording RecordingConfig        `yaml:"recording"`
	Plants    map[string]PlantConfig `yaml:"plants"`
}

// TimingConfig holds every loop cadence, in seconds.
type TimingConfig struct {
	SchedulerPeriodS         float64 `yaml:"scheduler_period_s"`
	PlantPeriodS             float64 `yaml:"plant_period_s"`
	MeasurementPeriodS       float64 `yaml:"measurement_period_s"`
	MeasurementsWritePeriodS float64 `yaml:"measurements_write_period_s"`
	DataFetcherPeriodS       float64 `yaml:"data_fetcher_period_s"`
	ControlEnginePeriodS     float64 `yaml:"control_engine_loop_period_s"`
	SettingsEnginePeriodS    float64 `yaml:"settings_engine_loop_period_s"`
	ObservedStaleAfterS      float64 `yaml:"observed_stale_after_s"`
	ModbusTimeoutS           float64 `yaml:"modbus_timeout_s"`
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

func (t TimingConfig) SchedulerPeriod() time.Duration         { return seconds(t.SchedulerPeriodS) }
func (t TimingConfig) PlantPeriod() time.Duration             { return seconds(t.PlantPeriodS) }
func (t TimingConfig) MeasurementPeriod() time.Duration       { return seconds(t.MeasurementPeriodS) }
func (t TimingConfig) MeasurementsWritePeriod() time.Duration { return seconds(t.MeasurementsWritePeriodS) }
func (t TimingConfig) DataFetcherPeriod() time.Duration       { return seconds(t.DataFetcherPeriodS) }
func (t TimingConfig) ControlEnginePeriod() time.Duration     { return seconds(t.ControlEnginePeriodS) }
func (t TimingConfig) SettingsEnginePeriod() time.Duration    { return seconds(t.SettingsEnginePeriodS) }
func (t TimingConfig) ObservedStaleAfter() time.Duration      { return seconds(t.ObservedStaleAfterS) }
func (t TimingConfig) ModbusTimeout() time.Duration           { return seconds(t.ModbusTimeoutS) }

// ScheduleConfig bounds the live schedule window.
type ScheduleConfig struct {
	// DurationH is the live window length in hours from today's
	// local midnight. Manual rows outside it are pruned.
	DurationH int `yaml:"duration_h"`
	// DefaultResolutionMin is the step used when sampling a composed
	// schedule for preview surfaces.
	DefaultResolutionMin int `yaml:"default_resolution_min"`
}

// APIConfig describes the day-ahead upstream. The password is not a
// config key; operators provide it through the api.connect command.
type APIConfig struct {
	BaseURL               string                `yaml:"base_url"`
	Email                 string                `yaml:"email"`
	TomorrowPollStartTime string                `yaml:"tomorrow_poll_start_time"`
	SchedulePeriodMinutes int                   `yaml:"schedule_period_minutes"`
	PostMeasurements      bool                  `yaml:"post_measurements_in_api_mode"`
	RequestTimeoutS       float64               `yaml:"request_timeout_s"`
	MeasurementPost       MeasurementPostConfig `yaml:"measurement_post"`
}

func (a APIConfig) RequestTimeout() time.Duration { return seconds(a.RequestTimeoutS) }

// MeasurementPostConfig tunes the per-plant post worker.
type MeasurementPostConfig struct {
	PeriodS       float64 `yaml:"period_s"`
	QueueMaxlen   int     `yaml:"queue_maxlen"`
	RetryInitialS float64 `yaml:"retry_initial_s"`
	RetryMaxS     float64 `yaml:"retry_max_s"`
}

func (m MeasurementPostConfig) Period() time.Duration       { return seconds(m.PeriodS) }
func (m MeasurementPostConfig) RetryInitial() time.Duration { return seconds(m.RetryInitialS) }
func (m MeasurementPostConfig) RetryMax() time.Duration     { return seconds(m.RetryMaxS) }

// RecordingConfig controls the CSV recorder.
type RecordingConfig struct {
	Compression CompressionConfig `yaml:"compression"`
}

// CompressionConfig tunes piecewise-constant row compression.
type CompressionConfig struct {
	Enabled     bool       `yaml:"enabled"`
	MaxKeptGapS float64    `yaml:"max_kept_gap_s"`
	Tolerances  Tolerances `yaml:"tolerances"`
}

func (c CompressionConfig) MaxKeptGap() time.Duration { return seconds(c.MaxKeptGapS) }

// Tolerances holds the per-column keep thresholds. Zero means any
// change is recorded.
type Tolerances struct {
	PSetpointKw              float64 `yaml:"p_setpoint_kw"`
	BatteryActivePowerKw     float64 `yaml:"battery_active_power_kw"`
	QSetpointKvar            float64 `yaml:"q_setpoint_kvar"`
	BatteryReactivePowerKvar float64 `yaml:"battery_reactive_power_kvar"`
	SocPu                    float64 `yaml:"soc_pu"`
	PPoiKw                   float64 `yaml:"p_poi_kw"`
	QPoiKvar                 float64 `yaml:"q_poi_kvar"`
	VPoiKV                   float64 `yaml:"v_poi_kV"`
}

// Columns returns the tolerances in recorded column order, matching
// the CSV value columns.
func (t Tolerances) Columns() [8]float64 {
	return [8]float64{
		t.PSetpointKw,
		t.BatteryActivePowerKw,
		t.QSetpointKvar,
		t.BatteryReactivePowerKvar,
		t.SocPu,
		t.PPoiKw,
		t.QPoiKvar,
		t.VPoiKV,
	}
}

// PlantConfig describes one plant: display name, physical model,
// endpoints per transport, and upstream measurement series ids.
type PlantConfig struct {
	Name              string       `yaml:"name"`
	Model             plant.Model  `yaml:"model"`
	Modbus            ModbusConfig `yaml:"modbus"`
	MeasurementSeries SeriesIDs    `yaml:"measurement_series"`
}

// ModbusConfig holds the endpoint per transport.
type ModbusConfig struct {
	Local  points.Endpoint `yaml:"local"`
	Remote points.Endpoint `yaml:"remote"`
}

// SeriesIDs maps each posted metric to its upstream series id.
type SeriesIDs struct {
	Soc int `yaml:"soc"`
	P   int `yaml:"p"`
	Q   int `yaml:"q"`
	V   int `yaml:"v"`
}

func defaultPointMap() map[string]points.Spec {
	return map[string]points.Spec{
		points.Enable:    {Address: 0, Format: points.FormatUint16, Access: points.AccessReadWrite, Unit: "", EngPerCount: 1},
		points.PSetpoint: {Address: 1, Format: points.FormatInt16, Access: points.AccessReadWrite, Unit: "kW", EngPerCount: 0.1},
		points.QSetpoint: {Address: 2, Format: points.FormatInt16, Access: points.AccessReadWrite, Unit: "kvar", EngPerCount: 0.1},
		points.PBattery:  {Address: 3, Format: points.FormatInt16, Access: points.AccessRead, Unit: "kW", EngPerCount: 0.1},
		points.QBattery:  {Address: 4, Format: points.FormatInt16, Access: points.AccessRead, Unit: "kvar", EngPerCount: 0.1},
		points.Soc:       {Address: 5, Format: points.FormatUint16, Access: points.AccessRead, Unit: "pu", EngPerCount: 0.0001},
		points.PPoi:      {Address: 6, Format: points.FormatInt32, Access: points.AccessRead, Unit: "kW", EngPerCount: 0.01},
		points.QPoi:      {Address: 8, Format: points.FormatInt32, Access: points.AccessRead, Unit: "kvar", EngPerCount: 0.01},
		points.VPoi:      {Address: 10, Format: points.FormatFloat32, Access: points.AccessRead, Unit: "kV", EngPerCount: 1},
	}
}

func defaultEndpoint(host string, port int) points.Endpoint {
	return points.Endpoint{
		Host:      host,
		Port:      port,
		ByteOrder: points.BigEndian,
		WordOrder: points.MSWFirst,
		Points:    defaultPointMap(),
	}
}

// Default returns the full production default config.
func Default() *Config {
	return &Config{
		Timezone:        "Europe/Madrid",
		NaiveTimePolicy: string(timeutil.NaiveAssumeConfigTZ),
		TransportMode:   string(plant.TransportLocal),
		InitialSocPu:    0.5,
		DataDir:         "data",
		LogDir:          "logs",
		LogLevel:        "info",
		HTTPListen:      ":8700",
		Timing: TimingConfig{
			SchedulerPeriodS:         1.0,
			PlantPeriodS:             1.0,
			MeasurementPeriodS:       5.0,
			MeasurementsWritePeriodS: 30.0,
			DataFetcherPeriodS:       120.0,
			ControlEnginePeriodS:     1.0,
			SettingsEnginePeriodS:    0.2,
			ObservedStaleAfterS:      3.0,
			ModbusTimeoutS:           2.0,
		},
		Schedule: ScheduleConfig{
			DurationH:            48,
			DefaultResolutionMin: 60,
		},
		API: APIConfig{
			BaseURL:               "",
			Email:                 "",
			TomorrowPollStartTime: "14:30",
			SchedulePeriodMinutes: 15,
			PostMeasurements:      true,
			RequestTimeoutS:       10.0,
			MeasurementPost: MeasurementPostConfig{
				PeriodS:       60.0,
				QueueMaxlen:   2000,
				RetryInitialS: 2.0,
				RetryMaxS:     60.0,
			},
		},
		Recording: RecordingConfig{
			Compression: CompressionConfig{
				Enabled:     true,
				MaxKeptGapS: 3600.0,
				Tolerances: Tolerances{
					PSetpointKw:              0,
					BatteryActivePowerKw:     0.1,
					QSetpointKvar:            0,
					BatteryReactivePowerKvar: 0.1,
					SocPu:                    0.0001,
					PPoiKw:                   0.1,
					QPoiKvar:                 0.1,
					VPoiKV:                   0.001,
				},
			},
		},
		Plants: map[string]PlantConfig{
			string(plant.LIB): {
				Name: "LIB Plant",
				Model: plant.Model{
					CapacityKwh:  2000,
					PMaxKw:       1000,
					PMinKw:       -1000,
					QMaxKvar:     500,
					QMinKvar:     -500,
					PoiVoltageKV: 20,
				},
				Modbus: ModbusConfig{
					Local:  defaultEndpoint("127.0.0.1", 1502),
					Remote: defaultEndpoint("192.168.1.21", 502),
				},
				MeasurementSeries: SeriesIDs{Soc: 101, P: 102, Q: 103, V: 104},
			},
			string(plant.VRFB): {
				Name: "VRFB Plant",
				Model: plant.Model{
					CapacityKwh:  1100,
					PMaxKw:       250,
					PMinKw:       -250,
					QMaxKvar:     150,
					QMinKvar:     -150,
					PoiVoltageKV: 20,
				},
				Modbus: ModbusConfig{
					Local:  defaultEndpoint("127.0.0.1", 1503),
					Remote: defaultEndpoint("192.168.1.22", 502),
				},
				MeasurementSeries: SeriesIDs{Soc: 201, P: 202, Q: 203, V: 204},
			},
		},
	}
}

// Load reads the YAML file at path over the defaults and validates
// the result. An unknown key is a hard error.
func Load(path string) (*Config, error) {
	cfg := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks every recognized key. The process refuses to start
// on any violation.
func (c *Config) Validate() error {
	if _, err := timeutil.NewService(c.Timezone, timeutil.NaivePolicy(c.NaiveTimePolicy)); err != nil {
		return err
	}
	if _, err := plant.ParseTransport(c.TransportMode); err != nil {
		return err
	}
	if c.InitialSocPu < 0 || c.InitialSocPu > 1 {
		return fmt.Errorf("initial_soc_pu %v outside [0,1]", c.InitialSocPu)
	}
	if c.DataDir == "" || c.LogDir == "" {
		return fmt.Errorf("data_dir and log_dir must be set")
	}
	for key, v := range map[string]float64{
		"scheduler_period_s":            c.Timing.SchedulerPeriodS,
		"plant_period_s":                c.Timing.PlantPeriodS,
		"measurement_period_s":          c.Timing.MeasurementPeriodS,
		"measurements_write_period_s":   c.Timing.MeasurementsWritePeriodS,
		"data_fetcher_period_s":         c.Timing.DataFetcherPeriodS,
		"control_engine_loop_period_s":  c.Timing.ControlEnginePeriodS,
		"settings_engine_loop_period_s": c.Timing.SettingsEnginePeriodS,
		"observed_stale_after_s":        c.Timing.ObservedStaleAfterS,
		"modbus_timeout_s":              c.Timing.ModbusTimeoutS,
		"api.request_timeout_s":         c.API.RequestTimeoutS,
	} {
		if v <= 0 {
			return fmt.Errorf("%s must be > 0, got %v", key, v)
		}
	}
	if c.Schedule.DurationH <= 0 {
		return fmt.Errorf("schedule.duration_h must be > 0")
	}
	if c.Schedule.DefaultResolutionMin <= 0 {
		return fmt.Errorf("schedule.default_resolution_min must be > 0")
	}
	if _, err := timeutil.ParseClock(c.API.TomorrowPollStartTime); err != nil {
		return fmt.Errorf("api.tomorrow_poll_start_time: %w", err)
	}
	if c.API.SchedulePeriodMinutes <= 0 {
		return fmt.Errorf("api.schedule_period_minutes must be > 0")
	}
	mp := c.API.MeasurementPost
	if mp.PeriodS <= 0 || mp.RetryInitialS <= 0 || mp.RetryMaxS <= 0 {
		return fmt.Errorf("api.measurement_post periods must be > 0")
	}
	if mp.RetryMaxS < mp.RetryInitialS {
		return fmt.Errorf("api.measurement_post.retry_max_s below retry_initial_s")
	}
	if mp.QueueMaxlen <= 0 {
		return fmt.Errorf("api.measurement_post.queue_maxlen must be > 0")
	}
	if c.Recording.Compression.MaxKeptGapS <= 0 {
		return fmt.Errorf("recording.compression.max_kept_gap_s must be > 0")
	}
	for _, tol := range c.Recording.Compression.Tolerances.Columns() {
		if tol < 0 {
			return fmt.Errorf("recording.compression tolerances must be >= 0")
		}
	}
	if len(c.Plants) != len(plant.IDs()) {
		return fmt.Errorf("plants must define exactly %d entries, got %d", len(plant.IDs()), len(c.Plants))
	}
	for _, pid := range plant.IDs() {
		pc, ok := c.Plants[string(pid)]
		if !ok {
			return fmt.Errorf("plants.%s is missing", pid)
		}
		if pc.Name == "" {
			return fmt.Errorf("plants.%s.name must be set", pid)
		}
		if err := pc.Model.Validate(); err != nil {
			return fmt.Errorf("plants.%s.model: %w", pid, err)
		}
		if err := pc.Modbus.Local.Validate(); err != nil {
			return fmt.Errorf("plants.%s.modbus.local: %w", pid, err)
		}
		if err := pc.Modbus.Remote.Validate(); err != nil {
			return fmt.Errorf("plants.%s.modbus.remote: %w", pid, err)
		}
		s := pc.MeasurementSeries
		if s.Soc <= 0 || s.P <= 0 || s.Q <= 0 || s.V <= 0 {
			return fmt.Errorf("plants.%s.measurement_series ids must be > 0", pid)
		}
	}
	return nil
}

// Plant returns one plant's config block.
func (c *Config) Plant(pid plant.ID) (PlantConfig, error) {
	pc, ok := c.Plants[string(pid)]
	if !ok {
		return PlantConfig{}, fmt.Errorf("unknown plant %q", pid)
	}
	return pc, nil
}

// Endpoint resolves the Modbus endpoint for a plant on a transport.
func (c *Config) Endpoint(pid plant.ID, mode plant.TransportMode) (points.Endpoint, error) {
	pc, err := c.Plant(pid)
	if err != nil {
		return points.Endpoint{}, err
	}
	switch mode {
	case plant.TransportLocal:
		return pc.Modbus.Local, nil
	case plant.TransportRemote:
		return pc.Modbus.Remote, nil
	}
	return points.Endpoint{}, fmt.Errorf("unknown transport %q", mode)
}
