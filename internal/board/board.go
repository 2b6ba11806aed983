// Package board binds the charge controller to real hardware: an INA219 on
// I2C for feedback, a sysfs PWM channel for the buck stage, a GPIO line for
// the output disconnect, and a Linux thermal zone for temperature.
package board

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"chargectl/internal/charger"
	"chargectl/internal/i2c"
	"chargectl/internal/sensors/ina219"
)

var (
	openPWMFn    = openPWM
	openSwitchFn = openSwitch
	openBusFn    = func(path string) (i2cBus, error) { return i2c.Open(path) }
	readTempFn   = ReadThermalZone
)

// DefaultINA219Address is the INA219 address with A0/A1 strapped to ground.
const DefaultINA219Address = ina219.DefaultAddress

type i2cBus interface {
	Tx(addr uint16, w, r []byte) error
	Close() error
}

type feedback interface {
	Voltage() (float64, error)
	Current() (float64, error)
}

type Config struct {
	// I2CBus is the device node of the INA219 bus (e.g., /dev/i2c-1).
	I2CBus        string
	INA219Address uint16
	INA219Profile string

	// PWMChip selects /sys/class/pwm/pwmchipN; negative means auto-detect.
	PWMChip        int
	PWMChannel     int
	PWMFrequencyHz int
	// DutyResolution is the controller duty count that maps to 100%.
	DutyResolution float64

	// OutputPin is the BCM GPIO driving the output disconnect.
	OutputPin       int
	OutputActiveLow bool

	ThermalZone string

	// VoltageGain and CurrentGain undo any divider or amplifier between the
	// battery terminals and the INA219.
	VoltageGain float64
	CurrentGain float64
}

// Board implements charger.Hardware.
type Board struct {
	cfg Config

	mu  sync.Mutex
	bus i2cBus
	fb  feedback
	pwm pwmDriver
	out outputSwitch
}

var _ charger.Hardware = (*Board)(nil)

// Open brings up every peripheral. On any failure the ones already opened
// are released and the switching stage is left off.
func Open(cfg Config) (*Board, error) {
	if cfg.DutyResolution <= 0 {
		return nil, fmt.Errorf("board: duty resolution must be > 0")
	}
	if cfg.PWMFrequencyHz <= 0 {
		return nil, fmt.Errorf("board: pwm frequency must be > 0")
	}
	if cfg.VoltageGain == 0 {
		cfg.VoltageGain = 1
	}
	if cfg.CurrentGain == 0 {
		cfg.CurrentGain = 1
	}

	b := &Board{cfg: cfg}

	bus, err := openBusFn(cfg.I2CBus)
	if err != nil {
		return nil, fmt.Errorf("board: %w", err)
	}
	b.bus = bus

	fb, err := ina219.New(bus, cfg.INA219Address, cfg.INA219Profile)
	if err != nil {
		_ = b.Close()
		return nil, fmt.Errorf("board: feedback on %s: %w", cfg.I2CBus, err)
	}
	b.fb = fb

	pwm, err := openPWMFn(cfg.PWMChip, cfg.PWMChannel)
	if err != nil {
		_ = b.Close()
		return nil, err
	}
	b.pwm = pwm
	if err := pwm.SetFrequencyHz(cfg.PWMFrequencyHz); err != nil {
		_ = b.Close()
		return nil, fmt.Errorf("board: pwm frequency: %w", err)
	}
	if err := pwm.SetDutyFraction(0); err != nil {
		_ = b.Close()
		return nil, fmt.Errorf("board: pwm duty: %w", err)
	}

	out, err := openSwitchFn(cfg.OutputPin, cfg.OutputActiveLow)
	if err != nil {
		_ = b.Close()
		return nil, err
	}
	b.out = out

	return b, nil
}

func (b *Board) SampleVoltage() (float64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fb == nil {
		return 0, errClosed
	}
	v, err := b.fb.Voltage()
	if err != nil {
		return 0, err
	}
	return v * b.cfg.VoltageGain, nil
}

func (b *Board) SampleCurrent() (float64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fb == nil {
		return 0, errClosed
	}
	i, err := b.fb.Current()
	if err != nil {
		return 0, err
	}
	return i * b.cfg.CurrentGain, nil
}

func (b *Board) InternalTemperature() (float64, error) {
	return readTempFn(b.cfg.ThermalZone)
}

// SetDuty maps a duty count in [0, DutyResolution] onto the PWM period.
func (b *Board) SetDuty(duty float64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pwm == nil {
		return errClosed
	}
	if math.IsNaN(duty) {
		duty = 0
	}
	return b.pwm.SetDutyFraction(duty / b.cfg.DutyResolution)
}

func (b *Board) SetOutput(enabled bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.out == nil {
		return errClosed
	}
	return b.out.Set(enabled)
}

// Close disconnects the output, drives the duty to zero and releases every
// peripheral. It is safe to call more than once.
func (b *Board) Close() error {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	var errs []error
	if b.out != nil {
		if err := b.out.Set(false); err != nil {
			errs = append(errs, fmt.Errorf("board: output off: %w", err))
		}
		if err := b.out.Close(); err != nil {
			errs = append(errs, err)
		}
		b.out = nil
	}
	if b.pwm != nil {
		if err := b.pwm.SetDutyFraction(0); err != nil {
			errs = append(errs, fmt.Errorf("board: duty off: %w", err))
		}
		if err := b.pwm.Close(); err != nil {
			errs = append(errs, err)
		}
		b.pwm = nil
	}
	b.fb = nil
	if b.bus != nil {
		if err := b.bus.Close(); err != nil {
			errs = append(errs, err)
		}
		b.bus = nil
	}
	return errors.Join(errs...)
}

var errClosed = errors.New("board: closed")
