package sim

import (
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"chargectl/internal/charger"
)

// PlantConfig describes a buck stage feeding one cell through an output
// switch. The feedback point sits between the buck's source resistance and
// the switch, so with the switch open it reads the open-circuit output.
type PlantConfig struct {
	SupplyVoltage float64
	MaxDuty       float64
	// SourceResistance is the buck output, inductor and sense resistance.
	SourceResistance float64

	// Cell model: open-circuit voltage is linear in state of charge.
	EmptyVoltage       float64
	FullVoltage        float64
	InternalResistance float64
	CapacityAh         float64
	InitialCharge      float64

	AmbientC float64
	// HeatPerWatt is the steady temperature rise per watt dissipated in the
	// source resistance.
	HeatPerWatt float64

	// TimeStep is the simulated time that elapses per current sample.
	TimeStep time.Duration

	// NoiseAmplitude adds uniform noise in [-a, a] to every reading.
	NoiseAmplitude float64
	Seed           int64
}

// DefaultPlantConfig is a 12 V supply charging a half-full small cell.
func DefaultPlantConfig() PlantConfig {
	return PlantConfig{
		SupplyVoltage:      12,
		MaxDuty:            255,
		SourceResistance:   0.5,
		EmptyVoltage:       3.0,
		FullVoltage:        4.3,
		InternalResistance: 0.1,
		CapacityAh:         0.05,
		InitialCharge:      0.5,
		AmbientC:           25,
		HeatPerWatt:        5,
		TimeStep:           10 * time.Millisecond,
	}
}

func (c PlantConfig) validate() error {
	switch {
	case c.SupplyVoltage <= 0:
		return fmt.Errorf("sim: supply_voltage must be > 0")
	case c.MaxDuty <= 0:
		return fmt.Errorf("sim: max_duty must be > 0")
	case c.SourceResistance <= 0 || c.InternalResistance <= 0:
		return fmt.Errorf("sim: resistances must be > 0")
	case c.FullVoltage <= c.EmptyVoltage:
		return fmt.Errorf("sim: full_voltage must be > empty_voltage")
	case c.CapacityAh <= 0:
		return fmt.Errorf("sim: capacity_ah must be > 0")
	case c.InitialCharge < 0 || c.InitialCharge > 1:
		return fmt.Errorf("sim: initial_charge must be within [0, 1]")
	case c.TimeStep <= 0:
		return fmt.Errorf("sim: time_step must be > 0")
	case c.NoiseAmplitude < 0:
		return fmt.Errorf("sim: noise_amplitude must be >= 0")
	}
	return nil
}

// PlantState is a point-in-time view of the simulated hardware.
type PlantState struct {
	Elapsed     time.Duration
	Duty        float64
	Output      bool
	Charge      float64
	CellVoltage float64
	Voltage     float64
	Current     float64
	Temperature float64
}

// Plant implements charger.Hardware against the model above. It is
// deterministic for a given config, seed and call sequence.
type Plant struct {
	cfg    PlantConfig
	script *Script
	rng    *rand.Rand

	mu      sync.Mutex
	duty    float64
	output  bool
	charge  float64
	tempC   float64
	elapsed time.Duration
	supply  float64
	ambient float64
}

var _ charger.Hardware = (*Plant)(nil)

// NewPlant returns a plant with the switch open and zero duty. A nil script
// keeps supply and ambient at their configured values.
func NewPlant(cfg PlantConfig, script *Script) (*Plant, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Plant{
		cfg:     cfg,
		script:  script,
		rng:     rand.New(rand.NewSource(cfg.Seed)),
		charge:  cfg.InitialCharge,
		tempC:   cfg.AmbientC,
		supply:  cfg.SupplyVoltage,
		ambient: cfg.AmbientC,
	}, nil
}

func (p *Plant) SetDuty(duty float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.duty = math.Max(0, math.Min(p.cfg.MaxDuty, duty))
	return nil
}

func (p *Plant) SetOutput(enabled bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.output = enabled
	return nil
}

func (p *Plant) SampleVoltage() (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, _ := p.solve()
	return v + p.noise(), nil
}

// SampleCurrent also advances simulated time by one TimeStep.
func (p *Plant) SampleCurrent() (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, i := p.solve()
	p.advance(i)
	return i + p.noise(), nil
}

func (p *Plant) InternalTemperature() (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tempC, nil
}

func (p *Plant) State() PlantState {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, i := p.solve()
	return PlantState{
		Elapsed:     p.elapsed,
		Duty:        p.duty,
		Output:      p.output,
		Charge:      p.charge,
		CellVoltage: p.cellVoltage(),
		Voltage:     v,
		Current:     i,
		Temperature: p.tempC,
	}
}

func (p *Plant) cellVoltage() float64 {
	return p.cfg.EmptyVoltage + (p.cfg.FullVoltage-p.cfg.EmptyVoltage)*p.charge
}

// solve returns the feedback voltage and charge current. The stage cannot
// sink current, so a buck output below the cell voltage carries none.
func (p *Plant) solve() (v, i float64) {
	buck := p.supply * p.duty / p.cfg.MaxDuty
	if !p.output {
		return buck, 0
	}
	cell := p.cellVoltage()
	if buck <= cell {
		return cell, 0
	}
	i = (buck - cell) / (p.cfg.SourceResistance + p.cfg.InternalResistance)
	return cell + i*p.cfg.InternalResistance, i
}

func (p *Plant) advance(i float64) {
	dt := p.cfg.TimeStep.Seconds()
	p.elapsed += p.cfg.TimeStep
	p.charge = math.Min(1, p.charge+i*dt/(p.cfg.CapacityAh*3600))

	// First-order thermal response with a 10 s time constant.
	target := p.ambient + p.cfg.HeatPerWatt*i*i*p.cfg.SourceResistance
	p.tempC += (target - p.tempC) * math.Min(1, dt/10)

	if p.script != nil {
		if ev, ok := p.script.At(p.elapsed); ok {
			if ev.SupplyVoltage != nil {
				p.supply = *ev.SupplyVoltage
			}
			if ev.AmbientC != nil {
				p.ambient = *ev.AmbientC
			}
			if ev.TemperatureC != nil {
				p.tempC = *ev.TemperatureC
			}
		}
	}
}

func (p *Plant) noise() float64 {
	a := p.cfg.NoiseAmplitude
	if a == 0 {
		return 0
	}
	return (p.rng.Float64()*2 - 1) * a
}
