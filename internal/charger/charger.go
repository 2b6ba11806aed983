// Package charger implements the charge state machine: open-circuit
// calibration, battery screening, constant-current/constant-voltage charging
// and termination, with the per-tick safety checks that gate the regulator.
package charger

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrFaulted is returned by Run when the controller latched a fatal fault.
var ErrFaulted = errors.New("charger: faulted")

type Phase int

const (
	PhaseInit Phase = iota
	PhaseOpenVoltageCalibration
	PhaseBatteryCheck
	PhaseFastCharge
	PhaseConstantVoltage
	PhaseCharged
	PhaseFaulted
)

var phaseNames = [...]string{
	PhaseInit:                   "init",
	PhaseOpenVoltageCalibration: "open_voltage_calibration",
	PhaseBatteryCheck:           "battery_check",
	PhaseFastCharge:             "fast_charge",
	PhaseConstantVoltage:        "constant_voltage",
	PhaseCharged:                "charged",
	PhaseFaulted:                "faulted",
}

func (p Phase) String() string {
	if p < 0 || int(p) >= len(phaseNames) {
		return fmt.Sprintf("phase(%d)", int(p))
	}
	return phaseNames[p]
}

func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// Terminal reports whether p is absorbing. Leaving it requires a power cycle.
func (p Phase) Terminal() bool {
	return p == PhaseCharged || p == PhaseFaulted
}

// Charging reports whether p is one of the regulated charge phases.
func (p Phase) Charging() bool {
	return p == PhaseFastCharge || p == PhaseConstantVoltage
}

// Fault names the condition behind the last retry or the terminal fault.
type Fault string

const (
	FaultNone            Fault = ""
	FaultNoInput         Fault = "no_input"
	FaultShortCircuit    Fault = "short_circuit"
	FaultOverTemperature Fault = "over_temperature"
	FaultOverCurrent     Fault = "over_current"
	FaultVoltageWindow   Fault = "voltage_window"
	FaultOverVoltage     Fault = "over_voltage"
	FaultOverPower       Fault = "over_power"
	FaultMosfet          Fault = "mosfet"
	FaultHardware        Fault = "hardware"
)

// Sensors is the analog side of the board. Readings are in feedback units.
type Sensors interface {
	SampleVoltage() (float64, error)
	SampleCurrent() (float64, error)
	InternalTemperature() (float64, error)
}

// Actuator drives the switching stage and the output path.
type Actuator interface {
	SetDuty(duty float64) error
	SetOutput(enabled bool) error
}

type Hardware interface {
	Sensors
	Actuator
}

// Logger is satisfied by *log.Logger.
type Logger interface {
	Printf(format string, v ...any)
}

type discardLogger struct{}

func (discardLogger) Printf(string, ...any) {}

// Config holds the fixed charge profile. Voltages, currents and power are in
// feedback units; VoltageScale and CurrentScale convert them to battery-side
// values for logs and snapshots only.
type Config struct {
	Setpoint            float64
	InputVoltage        float64
	UnderVoltage        float64
	OverVoltage         float64
	OverCurrent         float64
	ShortCircuitCurrent float64
	MaxPower            float64
	TempMax             float64
	ChargedCurrent      float64
	ChargedTolerance    float64
	TaperThreshold      float64

	MinDuty  float64
	MaxDuty  float64
	OpenDuty float64

	Kp, Ki, Kd float64

	VoltageScale float64
	CurrentScale float64

	// StableCycles is how many consecutive open-circuit samples above
	// 1.2*InputVoltage calibration needs before screening the battery.
	StableCycles int
	// TempSampleEvery is the charge-loop tick period of temperature reads.
	TempSampleEvery int
	// MaxTempRetries bounds consecutive over-temperature retries while
	// charging; one more latches FaultOverTemperature.
	MaxTempRetries int
	// MaxIOErrors bounds consecutive collaborator errors in Run.
	MaxIOErrors int
	// StatusEvery is the charge-loop tick period of the status log line.
	StatusEvery int
	// OfflineTicks is how many consecutive charge ticks with the output at or
	// below InputVoltage and no charge current restart calibration. Zero
	// disables the check.
	OfflineTicks int

	Cooldown     time.Duration
	TempCooldown time.Duration
	SettleTime   time.Duration
	TickInterval time.Duration
}

// DefaultConfig is a single Li-ion cell on an 8-bit PWM stage.
func DefaultConfig() Config {
	return Config{
		Setpoint:            4.20,
		InputVoltage:        2.0,
		UnderVoltage:        2.6,
		OverVoltage:         4.35,
		OverCurrent:         3.0,
		ShortCircuitCurrent: 0.1,
		MaxPower:            10,
		TempMax:             60,
		ChargedCurrent:      0.1,
		ChargedTolerance:    0.1,
		TaperThreshold:      0.01,

		MinDuty:  0,
		MaxDuty:  255,
		OpenDuty: 64,

		Kp: 0.1,
		Ki: 0.6,
		Kd: 0,

		VoltageScale: 1,
		CurrentScale: 1,

		StableCycles:    100,
		TempSampleEvery: 400,
		MaxTempRetries:  3,
		MaxIOErrors:     10,
		StatusEvery:     400,
		OfflineTicks:    300,

		Cooldown:     time.Second,
		TempCooldown: 5 * time.Second,
		SettleTime:   20 * time.Millisecond,
		TickInterval: 2 * time.Millisecond,
	}
}

// Validate checks the profile for values that would make the state machine
// unsafe or unreachable.
func (c Config) Validate() error {
	for name, v := range map[string]float64{
		"setpoint": c.Setpoint, "input_voltage": c.InputVoltage, "under_voltage": c.UnderVoltage,
		"over_voltage": c.OverVoltage, "over_current": c.OverCurrent, "short_circuit_current": c.ShortCircuitCurrent,
		"max_power": c.MaxPower, "temp_max": c.TempMax, "charged_current": c.ChargedCurrent,
		"charged_tolerance": c.ChargedTolerance, "taper_threshold": c.TaperThreshold,
		"min_duty": c.MinDuty, "max_duty": c.MaxDuty, "open_duty": c.OpenDuty,
		"kp": c.Kp, "ki": c.Ki, "kd": c.Kd, "voltage_scale": c.VoltageScale, "current_scale": c.CurrentScale,
	} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return invalid(name, name+" must be finite")
		}
	}
	switch {
	case c.MinDuty < 0:
		return invalid("min_duty", "min_duty must be >= 0")
	case c.MaxDuty <= c.MinDuty:
		return invalid("max_duty", "max_duty must be > min_duty")
	case c.OpenDuty < c.MinDuty || c.OpenDuty > c.MaxDuty:
		return invalid("open_duty", "open_duty must be within [min_duty, max_duty]")
	case c.InputVoltage <= 0:
		return invalid("input_voltage", "input_voltage must be > 0")
	case c.UnderVoltage <= 0:
		return invalid("under_voltage", "under_voltage must be > 0")
	case c.Setpoint <= c.UnderVoltage:
		return invalid("setpoint", "setpoint must be > under_voltage")
	case c.OverVoltage <= c.Setpoint:
		return invalid("over_voltage", "over_voltage must be > setpoint")
	case c.OverCurrent <= 0 || c.ShortCircuitCurrent <= 0:
		return invalid("over_current", "over_current and short_circuit_current must be > 0")
	case c.MaxPower <= 0:
		return invalid("max_power", "max_power must be > 0")
	case c.ChargedCurrent <= 0.01:
		return invalid("charged_current", "charged_current must be > 0.01")
	case c.ChargedTolerance <= 0:
		return invalid("charged_tolerance", "charged_tolerance must be > 0")
	case c.VoltageScale <= 0 || c.CurrentScale <= 0:
		return invalid("voltage_scale", "voltage_scale and current_scale must be > 0")
	case c.StableCycles <= 0:
		return invalid("stable_cycles", "stable_cycles must be > 0")
	case c.TempSampleEvery <= 0:
		return invalid("temp_sample_every", "temp_sample_every must be > 0")
	case c.MaxTempRetries < 0:
		return invalid("max_temp_retries", "max_temp_retries must be >= 0")
	case c.OfflineTicks < 0:
		return invalid("offline_ticks", "offline_ticks must be >= 0")
	case c.TickInterval <= 0:
		return invalid("tick_interval", "tick_interval must be > 0")
	case c.Cooldown < 0 || c.TempCooldown < 0 || c.SettleTime < 0:
		return invalid("cooldown", "cooldown, temp_cooldown and settle_time must be >= 0")
	}
	return nil
}

// ConfigError reports an invalid profile value. Key is the profile key
// ("max_duty", "kp", ...) and Msg the full description.
type ConfigError struct {
	Key string
	Msg string
}

func (e *ConfigError) Error() string { return "charger: " + e.Msg }

func invalid(key, msg string) error {
	return &ConfigError{Key: key, Msg: msg}
}

type Option func(*Controller)

// WithLogger routes diagnostic events to l. A nil l discards them.
func WithLogger(l Logger) Option {
	return func(c *Controller) {
		if l == nil {
			l = discardLogger{}
		}
		c.log = l
	}
}

// WithSleep replaces time.Sleep for cooldown and settle waits.
func WithSleep(fn func(time.Duration)) Option {
	return func(c *Controller) {
		if fn != nil {
			c.sleep = fn
		}
	}
}

// WithClock replaces time.Now for snapshot timestamps.
func WithClock(fn func() time.Time) Option {
	return func(c *Controller) {
		if fn != nil {
			c.now = fn
		}
	}
}
