// Package ina219 reads charger feedback (output voltage and charge current)
// from a TI INA219 high-side monitor.
package ina219

import (
	"fmt"
	"strings"

	"tinygo.org/x/drivers"
	tgina "tinygo.org/x/drivers/ina219"
)

// DefaultAddress is the 7-bit address with A0/A1 strapped to ground.
const DefaultAddress = tgina.Address

// Profiles map a config name to the register setup and current LSB for a
// 0.1 ohm shunt.
var profiles = map[string]tgina.Config{
	"32v2a": {
		BusVoltageRange: tgina.Range32V,
		PGA:             tgina.PGA8,
		BusADC:          tgina.ADC12,
		ShuntADC:        tgina.SADC12,
		Mode:            tgina.ModeContShuntBus,
		Calibration:     tgina.Calibration32V2A,
		CurrentDivider:  10,
		PowerMultiplier: 2,
	},
	"32v1a":    tgina.Config32V1A,
	"16v400ma": tgina.Config16V400mA,
}

// Sensor converts INA219 readings to volts and amps.
type Sensor struct {
	dev tgina.Device
}

// New configures the device at addr on bus with the named profile ("32v2a",
// "32v1a" or "16v400ma"; empty means "32v2a").
func New(bus drivers.I2C, addr uint16, profile string) (*Sensor, error) {
	if bus == nil {
		return nil, fmt.Errorf("ina219: bus is nil")
	}
	if profile == "" {
		profile = "32v2a"
	}
	cfg, ok := profiles[strings.ToLower(profile)]
	if !ok {
		return nil, fmt.Errorf("ina219: unknown profile %q", profile)
	}
	if addr == 0 {
		addr = DefaultAddress
	}

	dev := tgina.New(bus)
	dev.Address = addr
	dev.SetConfig(cfg)
	if err := dev.Configure(); err != nil {
		return nil, fmt.Errorf("ina219: configure 0x%02X: %w", addr, err)
	}
	return &Sensor{dev: dev}, nil
}

// Voltage returns the bus voltage in volts.
func (s *Sensor) Voltage() (float64, error) {
	mv, err := s.dev.BusVoltage()
	if err != nil {
		return 0, fmt.Errorf("ina219: bus voltage: %w", err)
	}
	return float64(mv) / 1000, nil
}

// Current returns the shunt current in amps.
func (s *Sensor) Current() (float64, error) {
	ma, err := s.dev.Current()
	if err != nil {
		return 0, fmt.Errorf("ina219: current: %w", err)
	}
	return float64(ma) / 1000, nil
}
