// Package engine runs the two command engines: the control engine
// owns plant lifecycle, recording and transport; the settings engine
// owns manual series, the API session and posting policy. Each
// drains its own queue one command per cycle.
package engine

import (
	"errors"
	"fmt"
	"time"

	"github.com/simonvetter/modbus"

	"hilsched/internal/plant"
	"hilsched/internal/points"
	"hilsched/internal/state"
)

// errConnect marks a failure opening the plant socket, as opposed to
// a protocol error on an open one.
var errConnect = errors.New("connect failed")

// plantIO is the Modbus surface the control engine drives. Tests
// substitute a fake.
type plantIO interface {
	ReadObserved(pid plant.ID) (enable int, pKw, qKvar float64, err error)
	WriteEnable(pid plant.ID, on bool) error
	WriteSetpoints(pid plant.ID, pKw, qKvar float64) error
	Reset(pid plant.ID)
}

type plantConn struct {
	client *modbus.ModbusClient
	url    string
	spec   points.Endpoint
}

// modbusIO keeps one persistent client per plant, reopening when the
// transport endpoint changes or a request fails.
type modbusIO struct {
	resolve state.EndpointResolver
	store   *state.Store
	timeout time.Duration
	conns   map[plant.ID]*plantConn
}

func newModbusIO(resolve state.EndpointResolver, st *state.Store, timeout time.Duration) *modbusIO {
	return &modbusIO{
		resolve: resolve,
		store:   st,
		timeout: timeout,
		conns:   make(map[plant.ID]*plantConn),
	}
}

func (m *modbusIO) ensure(pid plant.ID) (*plantConn, error) {
	endpoint, err := m.resolve(pid, m.store.TransportMode())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errConnect, err)
	}
	if c, ok := m.conns[pid]; ok && c.url == endpoint.URL() {
		c.spec = endpoint
		return c, nil
	}
	m.Reset(pid)
	client, err := points.OpenClient(endpoint, m.timeout)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errConnect, err)
	}
	c := &plantConn{client: client, url: endpoint.URL(), spec: endpoint}
	m.conns[pid] = c
	return c, nil
}

// Reset drops the cached connection so the next call reopens.
func (m *modbusIO) Reset(pid plant.ID) {
	if c, ok := m.conns[pid]; ok {
		_ = c.client.Close()
		delete(m.conns, pid)
	}
}

func (m *modbusIO) ReadObserved(pid plant.ID) (int, float64, float64, error) {
	c, err := m.ensure(pid)
	if err != nil {
		return 0, 0, 0, err
	}
	enable, err := points.ReadPoint(c.client, c.spec, points.Enable)
	if err != nil {
		m.Reset(pid)
		return 0, 0, 0, fmt.Errorf("read enable: %w", err)
	}
	pKw, err := points.ReadPoint(c.client, c.spec, points.PBattery)
	if err != nil {
		m.Reset(pid)
		return 0, 0, 0, fmt.Errorf("read p_battery: %w", err)
	}
	qKvar, err := points.ReadPoint(c.client, c.spec, points.QBattery)
	if err != nil {
		m.Reset(pid)
		return 0, 0, 0, fmt.Errorf("read q_battery: %w", err)
	}
	return int(enable), pKw, qKvar, nil
}

func (m *modbusIO) WriteEnable(pid plant.ID, on bool) error {
	c, err := m.ensure(pid)
	if err != nil {
		return err
	}
	value := 0.0
	if on {
		value = 1
	}
	if err := points.WritePoint(c.client, c.spec, points.Enable, value); err != nil {
		m.Reset(pid)
		return fmt.Errorf("write enable: %w", err)
	}
	return nil
}

func (m *modbusIO) WriteSetpoints(pid plant.ID, pKw, qKvar float64) error {
	c, err := m.ensure(pid)
	if err != nil {
		return err
	}
	if err := points.WritePoint(c.client, c.spec, points.PSetpoint, pKw); err != nil {
		m.Reset(pid)
		return fmt.Errorf("write p_setpoint: %w", err)
	}
	if err := points.WritePoint(c.client, c.spec, points.QSetpoint, qKvar); err != nil {
		m.Reset(pid)
		return fmt.Errorf("write q_setpoint: %w", err)
	}
	return nil
}
