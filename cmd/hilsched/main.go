package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"hilsched/internal/config"
	"hilsched/internal/dispatch"
	"hilsched/internal/emulator"
	"hilsched/internal/engine"
	"hilsched/internal/fetcher"
	"hilsched/internal/httpapi"
	"hilsched/internal/logging"
	"hilsched/internal/plant"
	"hilsched/internal/poster"
	"hilsched/internal/recorder"
	"hilsched/internal/sampler"
	"hilsched/internal/state"
	"hilsched/internal/timeutil"
	"hilsched/internal/upstream"
)

func main() {
	configPath := flag.String("config", "", "path to the site YAML config (built-in defaults when empty)")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "load config: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	} else if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "default config: %v\n", err)
		os.Exit(1)
	}

	tz, err := timeutil.NewService(cfg.Timezone, timeutil.NaivePolicy(cfg.NaiveTimePolicy))
	if err != nil {
		fmt.Fprintf(os.Stderr, "timezone: %v\n", err)
		os.Exit(1)
	}
	log, err := logging.New(cfg.LogLevel, cfg.LogDir, tz)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	mode, err := plant.ParseTransport(cfg.TransportMode)
	if err != nil {
		log.Fatal("transport mode", zap.Error(err))
	}

	plantCfgs := make(map[plant.ID]config.PlantConfig, 2)
	plantNames := make(map[plant.ID]string, 2)
	for _, pid := range plant.IDs() {
		pc, err := cfg.Plant(pid)
		if err != nil {
			log.Fatal("plant config", zap.Error(err))
		}
		plantCfgs[pid] = pc
		plantNames[pid] = pc.Name
	}

	st := state.NewStore(mode)
	resolve := state.EndpointResolver(cfg.Endpoint)
	apiClient := upstream.NewClient(cfg.API.BaseURL, cfg.API.Email, cfg.API.RequestTimeout(), tz, log.Named("upstream"))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Shutdown tiers: engines first, then the measurement/dispatch
	// pipeline, emulators last so in-flight Modbus traffic still has
	// live servers to talk to.
	var engines, pipeline, emulators []*agent

	// Emulators always serve the local endpoints, whichever transport
	// is selected, so a switch back to local finds live servers.
	for _, pid := range plant.IDs() {
		localEndpoint, err := cfg.Endpoint(pid, plant.TransportLocal)
		if err != nil {
			log.Fatal("local endpoint", zap.Error(err))
		}
		emu, err := emulator.New(emulator.Config{
			Plant:        pid,
			Name:         plantCfgs[pid].Name,
			Model:        plantCfgs[pid].Model,
			Endpoint:     localEndpoint,
			Period:       cfg.Timing.PlantPeriod(),
			InitialSocPu: cfg.InitialSocPu,
			DataDir:      cfg.DataDir,
		}, st, log.Named("emulator."+string(pid)))
		if err != nil {
			log.Fatal("emulator", zap.String("plant", string(pid)), zap.Error(err))
		}
		emulators = append(emulators, launch("emulator."+string(pid), func(ctx context.Context) {
			if err := emu.Run(ctx); err != nil {
				log.Error("emulator", zap.String("plant", string(pid)), zap.Error(err))
				stop()
			}
		}))
	}

	// Per-plant measurement pipeline: sampler feeding the CSV
	// recorder and the post queue, worker draining the queue.
	for _, pid := range plant.IDs() {
		queue := poster.NewQueue(cfg.API.MeasurementPost.QueueMaxlen)
		worker := poster.NewWorker(pid, queue, apiClient, st, poster.WorkerConfig{
			Period:       cfg.API.MeasurementPost.Period(),
			RetryInitial: cfg.API.MeasurementPost.RetryInitial(),
			RetryMax:     cfg.API.MeasurementPost.RetryMax(),
		}, log.Named("poster."+string(pid)))
		pipeline = append(pipeline, launch("poster."+string(pid), worker.Run))

		writer := recorder.NewWriter(cfg.DataDir, log.Named("recorder."+string(pid)))
		smp := sampler.New(pid, sampler.Config{
			Period:        cfg.Timing.MeasurementPeriod(),
			WritePeriod:   cfg.Timing.MeasurementsWritePeriod(),
			ModbusTimeout: cfg.Timing.ModbusTimeout(),
			Compression:   cfg.Recording.Compression,
			CapacityKwh:   plantCfgs[pid].Model.CapacityKwh,
			Series:        plantCfgs[pid].MeasurementSeries,
			PostInAPIMode: cfg.API.PostMeasurements,
		}, resolve, st, writer, queue, tz, log.Named("sampler."+string(pid)))
		pipeline = append(pipeline, launch("sampler."+string(pid), smp.Run))
	}

	disp := dispatch.New(dispatch.Config{
		Period:        cfg.Timing.SchedulerPeriod(),
		ModbusTimeout: cfg.Timing.ModbusTimeout(),
	}, resolve, st, tz, log.Named("dispatch"))
	pipeline = append(pipeline, launch("dispatch", disp.Run))

	gate, err := timeutil.ParseClock(cfg.API.TomorrowPollStartTime)
	if err != nil {
		log.Fatal("tomorrow_poll_start_time", zap.Error(err))
	}
	ftch := fetcher.New(fetcher.Config{
		Period:       cfg.Timing.DataFetcherPeriod(),
		TomorrowGate: gate,
	}, apiClient, st, tz, log.Named("fetcher"))
	pipeline = append(pipeline, launch("fetcher", ftch.Run))

	ctrl := engine.NewControl(engine.ControlConfig{
		Period:             cfg.Timing.ControlEnginePeriod(),
		ObservedStaleAfter: cfg.Timing.ObservedStaleAfter(),
		ModbusTimeout:      cfg.Timing.ModbusTimeout(),
		InitialSocPu:       cfg.InitialSocPu,
		DataDir:            cfg.DataDir,
		PlantNames:         plantNames,
		Resolve:            resolve,
	}, st, tz, log.Named("control_engine"))
	engines = append(engines, launch("control_engine", ctrl.Run))

	window := time.Duration(cfg.Schedule.DurationH) * time.Hour
	settings := engine.NewSettings(engine.SettingsConfig{
		Period:         cfg.Timing.SettingsEnginePeriod(),
		ScheduleWindow: window,
	}, apiClient, st, tz, log.Named("settings_engine"))
	engines = append(engines, launch("settings_engine", settings.Run))

	hub := httpapi.NewHub(st, log.Named("ws"))
	pipeline = append(pipeline, launch("ws_hub", hub.Run))

	api := httpapi.New(httpapi.Config{
		ScheduleWindow:   window,
		SampleResolution: time.Duration(cfg.Schedule.DefaultResolutionMin) * time.Minute,
	}, st, tz, hub, log.Named("http"))

	server := &http.Server{Addr: cfg.HTTPListen, Handler: api.Routes()}
	httpDone := make(chan struct{})
	go func() {
		defer close(httpDone)
		log.Info("http listening", zap.String("addr", cfg.HTTPListen))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("http server", zap.Error(err))
			stop()
		}
	}()

	log.Info("hil scheduler started",
		zap.String("timezone", cfg.Timezone),
		zap.String("transport", string(mode)),
		zap.String("data_dir", cfg.DataDir),
		zap.String("log_dir", cfg.LogDir))

	<-ctx.Done()
	log.Info("shutting down")

	// Outermost surface first: refuse new commands, then stop the
	// engines, then the pipeline, and only then the emulators.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}
	<-httpDone
	log.Info("agent stopped", zap.String("agent", "http"))

	stopTiers(log, engines, pipeline, emulators)
	log.Info("stopped")
}
