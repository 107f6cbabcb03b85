// Package emulator simulates one storage plant behind a Modbus/TCP
// server: it accepts setpoint writes through the point map, enforces
// power and state-of-charge bounds, integrates SoC, and exposes the
// observed values back through the same registers.
package emulator

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/simonvetter/modbus"
	"go.uber.org/zap"

	"hilsched/internal/observability"
	"hilsched/internal/plant"
	"hilsched/internal/points"
	"hilsched/internal/state"
)

// POI model constants. These are emulator-internal and deliberately
// not part of the config schema.
const (
	poiPowerFactor         = 0.98
	poiSeriesResistanceOhm = 0.05
	poiSeriesReactanceOhm  = 0.10
)

// limitLogTolerance suppresses repeated limit logs while the clamped
// value stays put.
const limitLogTolerance = 1e-3

// Config wires one emulated plant.
type Config struct {
	Plant plant.ID
	Name  string
	Model plant.Model
	// Endpoint is the local-transport endpoint the server binds.
	Endpoint     points.Endpoint
	Period       time.Duration
	InitialSocPu float64
	DataDir      string
}

type pointSpecs struct {
	pSetpoint points.Spec
	qSetpoint points.Spec
	pBattery  points.Spec
	qBattery  points.Spec
	enable    points.Spec
	soc       points.Spec
	pPoi      points.Spec
	qPoi      points.Spec
	vPoi      points.Spec
}

// Plant is one running emulator instance.
type Plant struct {
	cfg   Config
	codec points.Codec
	specs pointSpecs
	bank  *registerBank
	store *state.Store
	log   *zap.Logger

	socKwh            float64
	limitingCharge    bool
	limitingDischarge bool
	lastLimitedKw     float64
}

// New builds a plant emulator. The initial state of charge comes from
// the persisted record when one exists, otherwise from the config.
func New(cfg Config, st *state.Store, log *zap.Logger) (*Plant, error) {
	if cfg.Model.CapacityKwh <= 0 {
		return nil, fmt.Errorf("plant %s: emulated capacity must be > 0", cfg.Plant)
	}
	if err := cfg.Endpoint.Validate(); err != nil {
		return nil, fmt.Errorf("plant %s endpoint: %w", cfg.Plant, err)
	}
	specs, err := resolveSpecs(cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("plant %s: %w", cfg.Plant, err)
	}

	socPu := cfg.InitialSocPu
	if persisted, err := LoadSoc(cfg.DataDir, cfg.Plant); err == nil {
		socPu = persisted
		log.Info("restored persisted soc", zap.String("plant", string(cfg.Plant)), zap.Float64("soc_pu", socPu))
	}

	p := &Plant{
		cfg:    cfg,
		codec:  cfg.Endpoint.Codec(),
		specs:  specs,
		bank:   newRegisterBank(cfg.Endpoint.RegisterSpan()),
		store:  st,
		log:    log,
		socKwh: socPu * cfg.Model.CapacityKwh,
	}
	if err := p.bank.set(p.codec, p.specs.soc, socPu); err != nil {
		return nil, err
	}
	return p, nil
}

func resolveSpecs(e points.Endpoint) (pointSpecs, error) {
	var s pointSpecs
	var err error
	for _, bind := range []struct {
		name string
		dst  *points.Spec
	}{
		{points.PSetpoint, &s.pSetpoint},
		{points.QSetpoint, &s.qSetpoint},
		{points.PBattery, &s.pBattery},
		{points.QBattery, &s.qBattery},
		{points.Enable, &s.enable},
		{points.Soc, &s.soc},
		{points.PPoi, &s.pPoi},
		{points.QPoi, &s.qPoi},
		{points.VPoi, &s.vPoi},
	} {
		if *bind.dst, err = e.Point(bind.name); err != nil {
			return s, err
		}
	}
	return s, nil
}

// Run serves Modbus and steps the physics until the context ends.
// The final state of charge is persisted on the way out.
func (p *Plant) Run(ctx context.Context) error {
	server, err := modbus.NewServer(&modbus.ServerConfiguration{
		URL:        p.cfg.Endpoint.URL(),
		Timeout:    60 * time.Second,
		MaxClients: 16,
	}, p.bank)
	if err != nil {
		return fmt.Errorf("plant %s: configure server: %w", p.cfg.Plant, err)
	}
	if err := server.Start(); err != nil {
		return fmt.Errorf("plant %s: listen on %s: %w", p.cfg.Plant, p.cfg.Endpoint.URL(), err)
	}
	p.log.Info("plant emulator listening",
		zap.String("plant", string(p.cfg.Plant)),
		zap.String("url", p.cfg.Endpoint.URL()),
		zap.Float64("soc_pu", p.socPu()))

	ticker := time.NewTicker(p.cfg.Period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if err := server.Stop(); err != nil {
				p.log.Warn("server stop", zap.String("plant", string(p.cfg.Plant)), zap.Error(err))
			}
			if err := SaveSoc(p.cfg.DataDir, p.cfg.Plant, p.socPu()); err != nil {
				p.log.Warn("persist soc", zap.String("plant", string(p.cfg.Plant)), zap.Error(err))
			}
			return nil
		case <-ticker.C:
			p.step(time.Now(), p.cfg.Period)
		}
	}
}

func (p *Plant) socPu() float64 {
	return p.socKwh / p.cfg.Model.CapacityKwh
}

// step advances the simulation by dt: read the commanded setpoints,
// apply enable and bound enforcement, integrate SoC, compute the POI
// model and write the observed points back.
func (p *Plant) step(now time.Time, dt time.Duration) {
	dtH := dt.Hours()

	pSet, err := p.bank.get(p.codec, p.specs.pSetpoint)
	if err != nil {
		p.log.Warn("read p_setpoint", zap.String("plant", string(p.cfg.Plant)), zap.Error(err))
		return
	}
	qSet, err := p.bank.get(p.codec, p.specs.qSetpoint)
	if err != nil {
		p.log.Warn("read q_setpoint", zap.String("plant", string(p.cfg.Plant)), zap.Error(err))
		return
	}
	enableRaw, err := p.bank.get(p.codec, p.specs.enable)
	if err != nil {
		p.log.Warn("read enable", zap.String("plant", string(p.cfg.Plant)), zap.Error(err))
		return
	}
	enabled := int(math.Round(enableRaw)) != 0

	pReq, qReq := pSet, qSet
	if !enabled {
		pReq, qReq = 0, 0
	}
	pReq = clamp(pReq, p.cfg.Model.PMinKw, p.cfg.Model.PMaxKw)

	pAct := p.limitActivePower(pReq, dtH)
	qAct := clamp(qReq, p.cfg.Model.QMinKvar, p.cfg.Model.QMaxKvar)

	p.socKwh = clamp(p.socKwh-pAct*dtH, 0, p.cfg.Model.CapacityKwh)
	socPu := p.socPu()

	pPoi, qPoi, vPoiKV := p.poiModel(pAct, qAct)

	p.writeBack(p.specs.pBattery, pAct)
	p.writeBack(p.specs.qBattery, qAct)
	p.writeBack(p.specs.soc, socPu)
	p.writeBack(p.specs.pPoi, pPoi)
	p.writeBack(p.specs.qPoi, qPoi)
	p.writeBack(p.specs.vPoi, vPoiKV)

	observability.EmulatorSoc.WithLabelValues(string(p.cfg.Plant)).Set(socPu)

	p.processSeed(now, enabled)
}

// limitActivePower clamps the requested power so the predicted SoC
// stays inside [0, capacity]. Positive power discharges.
func (p *Plant) limitActivePower(pReq, dtH float64) float64 {
	pAct := pReq
	chargeLimited, dischargeLimited := false, false

	futureKwh := p.socKwh - pReq*dtH
	if futureKwh > p.cfg.Model.CapacityKwh {
		lim := (p.socKwh - p.cfg.Model.CapacityKwh) / dtH
		if pAct < lim {
			pAct = lim
			chargeLimited = true
		}
	}
	if futureKwh < 0 {
		lim := p.socKwh / dtH
		if pAct > lim {
			pAct = lim
			dischargeLimited = true
		}
	}

	if chargeLimited && (!p.limitingCharge || math.Abs(pAct-p.lastLimitedKw) >= limitLogTolerance) {
		p.log.Warn("charge limited by soc",
			zap.String("plant", string(p.cfg.Plant)),
			zap.Float64("requested_kw", pReq),
			zap.Float64("limited_kw", pAct),
			zap.Float64("soc_kwh", p.socKwh))
		observability.EmulatorLimitEvents.WithLabelValues(string(p.cfg.Plant), "charge").Inc()
	}
	if dischargeLimited && (!p.limitingDischarge || math.Abs(pAct-p.lastLimitedKw) >= limitLogTolerance) {
		p.log.Warn("discharge limited by soc",
			zap.String("plant", string(p.cfg.Plant)),
			zap.Float64("requested_kw", pReq),
			zap.Float64("limited_kw", pAct),
			zap.Float64("soc_kwh", p.socKwh))
		observability.EmulatorLimitEvents.WithLabelValues(string(p.cfg.Plant), "discharge").Inc()
	}
	if p.limitingCharge && !chargeLimited {
		p.log.Info("charge limit released", zap.String("plant", string(p.cfg.Plant)))
	}
	if p.limitingDischarge && !dischargeLimited {
		p.log.Info("discharge limit released", zap.String("plant", string(p.cfg.Plant)))
	}
	p.limitingCharge = chargeLimited
	p.limitingDischarge = dischargeLimited
	if chargeLimited || dischargeLimited {
		p.lastLimitedKw = pAct
	}
	return pAct
}

// poiModel applies a series R+jX impedance between the battery and
// the point of interconnection and returns POI powers and the
// line-to-line voltage in kV.
func (p *Plant) poiModel(pKw, qKvar float64) (pPoiKw, qPoiKvar, vPoiKV float64) {
	sKva := math.Abs(pKw) / poiPowerFactor
	vPhaseV := p.cfg.Model.PoiVoltageKV * 1000 / math.Sqrt(3)
	iA := 0.0
	if vPhaseV > 0 {
		iA = sKva * 1000 / (3 * vPhaseV)
	}
	sinPhi := math.Sqrt(1 - poiPowerFactor*poiPowerFactor)
	dropV := iA * (poiSeriesResistanceOhm*poiPowerFactor + poiSeriesReactanceOhm*sinPhi)

	pPoiKw = pKw - 3*iA*iA*poiSeriesResistanceOhm/1000
	qPoiKvar = qKvar - 3*iA*iA*poiSeriesReactanceOhm/1000
	vPoiKV = (vPhaseV - dropV) * math.Sqrt(3) / 1000
	return pPoiKw, qPoiKvar, vPoiKV
}

func (p *Plant) writeBack(spec points.Spec, v float64) {
	if err := p.bank.set(p.codec, spec, v); err != nil {
		p.log.Warn("write back point", zap.String("plant", string(p.cfg.Plant)), zap.Uint16("address", spec.Address), zap.Error(err))
	}
}

// processSeed applies a pending SoC seed request. Seeds only land
// while the plant is disabled; an enabled plant reports skipped.
func (p *Plant) processSeed(now time.Time, enabled bool) {
	req, ok := p.store.TakeSeedRequest(p.cfg.Plant)
	if !ok {
		return
	}
	res := state.SeedResult{RequestID: req.ID, SocPu: p.socPu()}
	switch {
	case math.IsNaN(req.SocPu) || math.IsInf(req.SocPu, 0):
		res.Status = state.SeedError
		res.Message = "requested soc is not finite"
	case enabled:
		res.Status = state.SeedSkipped
		res.Message = "plant is enabled"
	default:
		socPu := clamp(req.SocPu, 0, 1)
		p.socKwh = socPu * p.cfg.Model.CapacityKwh
		p.writeBack(p.specs.soc, socPu)
		res.Status = state.SeedApplied
		res.SocPu = socPu
	}
	p.store.PublishSeedResult(p.cfg.Plant, res)
	p.log.Info("soc seed processed",
		zap.String("plant", string(p.cfg.Plant)),
		zap.String("request_id", req.ID),
		zap.String("status", res.Status),
		zap.Float64("soc_pu", res.SocPu))
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
