package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"chargectl/internal/board"
	"chargectl/internal/charger"
	"chargectl/internal/sim"
)

type Config struct {
	Charger  ChargerConfig  `yaml:"charger"`
	PID      PIDConfig      `yaml:"pid"`
	Hardware HardwareConfig `yaml:"hardware"`
	Sim      SimConfig      `yaml:"sim"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	Web      WebConfig      `yaml:"web"`
}

// ChargerConfig is the charge profile. Electrical values are in feedback
// units (after the board gains are applied).
type ChargerConfig struct {
	Setpoint            float64 `yaml:"setpoint"`
	InputVoltage        float64 `yaml:"input_voltage"`
	UnderVoltage        float64 `yaml:"under_voltage"`
	OverVoltage         float64 `yaml:"over_voltage"`
	OverCurrent         float64 `yaml:"over_current"`
	ShortCircuitCurrent float64 `yaml:"short_circuit_current"`
	MaxPower            float64 `yaml:"max_power"`
	TempMaxC            float64 `yaml:"temp_max_c"`
	ChargedCurrent      float64 `yaml:"charged_current"`
	ChargedTolerance    float64 `yaml:"charged_tolerance"`
	TaperThreshold      float64 `yaml:"taper_threshold"`

	MinDuty  float64 `yaml:"min_duty"`
	MaxDuty  float64 `yaml:"max_duty"`
	OpenDuty float64 `yaml:"open_duty"`

	VoltageScale float64 `yaml:"voltage_scale"`
	CurrentScale float64 `yaml:"current_scale"`

	StableCycles    int `yaml:"stable_cycles"`
	TempSampleEvery int `yaml:"temp_sample_every"`
	MaxTempRetries  int `yaml:"max_temp_retries"`
	MaxIOErrors     int `yaml:"max_io_errors"`
	StatusEvery     int `yaml:"status_every"`
	OfflineTicks    int `yaml:"offline_ticks"`

	Cooldown     time.Duration `yaml:"cooldown"`
	TempCooldown time.Duration `yaml:"temp_cooldown"`
	SettleTime   time.Duration `yaml:"settle_time"`
	TickInterval time.Duration `yaml:"tick_interval"`
}

type PIDConfig struct {
	Kp float64 `yaml:"kp"`
	Ki float64 `yaml:"ki"`
	Kd float64 `yaml:"kd"`
}

type HardwareConfig struct {
	I2CBus        string `yaml:"i2c_bus"`
	INA219Address int    `yaml:"ina219_address"`
	INA219Profile string `yaml:"ina219_profile"`

	// PWMChip < 0 auto-detects the sysfs pwmchip.
	PWMChip        int `yaml:"pwm_chip"`
	PWMChannel     int `yaml:"pwm_channel"`
	PWMFrequencyHz int `yaml:"pwm_frequency_hz"`

	OutputPin       int  `yaml:"output_pin"`
	OutputActiveLow bool `yaml:"output_active_low"`

	ThermalZone string `yaml:"thermal_zone"`

	VoltageGain float64 `yaml:"voltage_gain"`
	CurrentGain float64 `yaml:"current_gain"`
}

type SimConfig struct {
	Enable bool `yaml:"enable"`

	SupplyVoltage      float64       `yaml:"supply_voltage"`
	SourceResistance   float64       `yaml:"source_resistance"`
	EmptyVoltage       float64       `yaml:"empty_voltage"`
	FullVoltage        float64       `yaml:"full_voltage"`
	InternalResistance float64       `yaml:"internal_resistance"`
	CapacityAh         float64       `yaml:"capacity_ah"`
	InitialCharge      float64       `yaml:"initial_charge"`
	AmbientC           float64       `yaml:"ambient_c"`
	HeatPerWatt        float64       `yaml:"heat_per_watt"`
	TimeStep           time.Duration `yaml:"time_step"`
	NoiseAmplitude     float64       `yaml:"noise_amplitude"`
	Seed               int64         `yaml:"seed"`

	// Script is an optional path to a disturbance script (see sim.ScriptFile).
	Script string `yaml:"script"`
}

type MQTTConfig struct {
	Enable      bool          `yaml:"enable"`
	Broker      string        `yaml:"broker"`
	ClientID    string        `yaml:"client_id"`
	Username    string        `yaml:"username"`
	Password    string        `yaml:"password"`
	TopicPrefix string        `yaml:"topic_prefix"`
	Interval    time.Duration `yaml:"interval"`
}

type WebConfig struct {
	Enable   bool   `yaml:"enable"`
	Listen   string `yaml:"listen"`
	LogLines int    `yaml:"log_lines"`
}

// Default returns the configuration used for keys absent from the file.
func Default() Config {
	cc := charger.DefaultConfig()
	pc := sim.DefaultPlantConfig()
	return Config{
		Charger: ChargerConfig{
			Setpoint:            cc.Setpoint,
			InputVoltage:        cc.InputVoltage,
			UnderVoltage:        cc.UnderVoltage,
			OverVoltage:         cc.OverVoltage,
			OverCurrent:         cc.OverCurrent,
			ShortCircuitCurrent: cc.ShortCircuitCurrent,
			MaxPower:            cc.MaxPower,
			TempMaxC:            cc.TempMax,
			ChargedCurrent:      cc.ChargedCurrent,
			ChargedTolerance:    cc.ChargedTolerance,
			TaperThreshold:      cc.TaperThreshold,
			MinDuty:             cc.MinDuty,
			MaxDuty:             cc.MaxDuty,
			OpenDuty:            cc.OpenDuty,
			VoltageScale:        cc.VoltageScale,
			CurrentScale:        cc.CurrentScale,
			StableCycles:        cc.StableCycles,
			TempSampleEvery:     cc.TempSampleEvery,
			MaxTempRetries:      cc.MaxTempRetries,
			MaxIOErrors:         cc.MaxIOErrors,
			StatusEvery:         cc.StatusEvery,
			OfflineTicks:        cc.OfflineTicks,
			Cooldown:            cc.Cooldown,
			TempCooldown:        cc.TempCooldown,
			SettleTime:          cc.SettleTime,
			TickInterval:        cc.TickInterval,
		},
		PID: PIDConfig{Kp: cc.Kp, Ki: cc.Ki, Kd: cc.Kd},
		Hardware: HardwareConfig{
			I2CBus:         "/dev/i2c-1",
			INA219Address:  int(board.DefaultINA219Address),
			INA219Profile:  "32v2a",
			PWMChip:        -1,
			PWMChannel:     0,
			PWMFrequencyHz: 50000,
			OutputPin:      23,
			ThermalZone:    board.DefaultThermalZone,
			VoltageGain:    1,
			CurrentGain:    1,
		},
		Sim: SimConfig{
			SupplyVoltage:      pc.SupplyVoltage,
			SourceResistance:   pc.SourceResistance,
			EmptyVoltage:       pc.EmptyVoltage,
			FullVoltage:        pc.FullVoltage,
			InternalResistance: pc.InternalResistance,
			CapacityAh:         pc.CapacityAh,
			InitialCharge:      pc.InitialCharge,
			AmbientC:           pc.AmbientC,
			HeatPerWatt:        pc.HeatPerWatt,
			TimeStep:           pc.TimeStep,
		},
		MQTT: MQTTConfig{
			ClientID:    "chargectl",
			TopicPrefix: "chargectl",
			Interval:    5 * time.Second,
		},
		Web: WebConfig{
			Enable:   true,
			Listen:   ":8080",
			LogLines: 500,
		},
	}
}

// Load reads path over Default(). Keys missing from the file keep their
// defaults; the result is validated before it is returned.
func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return Parse(b)
}

func Parse(b []byte) (Config, error) {
	cfg, err := Decode(b)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Decode unmarshals b over Default() without validating, so callers can apply
// command-line overrides first.
func Decode(b []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// KeyError is a validation failure for one YAML key.
type KeyError struct {
	Key string // e.g. "pid.kp"
	Msg string
	Err error
}

func (e *KeyError) Error() string { return e.Msg }
func (e *KeyError) Unwrap() error { return e.Err }

// Profile keys whose YAML name differs from the charger key.
var profileKeys = map[string]string{
	"kp":       "pid.kp",
	"ki":       "pid.ki",
	"kd":       "pid.kd",
	"temp_max": "charger.temp_max_c",
}

func profileError(err error) error {
	var ce *charger.ConfigError
	if !errors.As(err, &ce) {
		return err
	}
	key, ok := profileKeys[ce.Key]
	if !ok {
		key = "charger." + ce.Key
	}
	return &KeyError{Key: key, Msg: key + strings.TrimPrefix(ce.Msg, ce.Key), Err: err}
}

func (c Config) Validate() error {
	if err := c.ChargeProfile().Validate(); err != nil {
		return profileError(err)
	}

	if !c.Sim.Enable {
		h := c.Hardware
		if h.I2CBus == "" {
			return fmt.Errorf("hardware.i2c_bus is required")
		}
		if h.INA219Address <= 0 || h.INA219Address > 0x7F {
			return fmt.Errorf("hardware.ina219_address must be a 7-bit address")
		}
		if h.PWMChannel < 0 {
			return fmt.Errorf("hardware.pwm_channel must be >= 0")
		}
		if h.PWMFrequencyHz <= 0 {
			return fmt.Errorf("hardware.pwm_frequency_hz must be > 0")
		}
		if h.OutputPin <= 0 {
			return fmt.Errorf("hardware.output_pin is required")
		}
		if h.VoltageGain <= 0 || h.CurrentGain <= 0 {
			return fmt.Errorf("hardware.voltage_gain and hardware.current_gain must be > 0")
		}
	}

	if c.MQTT.Enable {
		if c.MQTT.Broker == "" {
			return fmt.Errorf("mqtt.broker is required when mqtt.enable is true")
		}
		if c.MQTT.TopicPrefix == "" {
			return fmt.Errorf("mqtt.topic_prefix is required when mqtt.enable is true")
		}
		if c.MQTT.Interval <= 0 {
			return fmt.Errorf("mqtt.interval must be > 0")
		}
	}

	if c.Web.Enable {
		if c.Web.Listen == "" {
			return fmt.Errorf("web.listen is required when web.enable is true")
		}
		if c.Web.LogLines <= 0 {
			return fmt.Errorf("web.log_lines must be > 0")
		}
	}
	return nil
}

// ChargeProfile maps the charger and pid sections onto charger.Config.
func (c Config) ChargeProfile() charger.Config {
	ch := c.Charger
	return charger.Config{
		Setpoint:            ch.Setpoint,
		InputVoltage:        ch.InputVoltage,
		UnderVoltage:        ch.UnderVoltage,
		OverVoltage:         ch.OverVoltage,
		OverCurrent:         ch.OverCurrent,
		ShortCircuitCurrent: ch.ShortCircuitCurrent,
		MaxPower:            ch.MaxPower,
		TempMax:             ch.TempMaxC,
		ChargedCurrent:      ch.ChargedCurrent,
		ChargedTolerance:    ch.ChargedTolerance,
		TaperThreshold:      ch.TaperThreshold,
		MinDuty:             ch.MinDuty,
		MaxDuty:             ch.MaxDuty,
		OpenDuty:            ch.OpenDuty,
		Kp:                  c.PID.Kp,
		Ki:                  c.PID.Ki,
		Kd:                  c.PID.Kd,
		VoltageScale:        ch.VoltageScale,
		CurrentScale:        ch.CurrentScale,
		StableCycles:        ch.StableCycles,
		TempSampleEvery:     ch.TempSampleEvery,
		MaxTempRetries:      ch.MaxTempRetries,
		MaxIOErrors:         ch.MaxIOErrors,
		StatusEvery:         ch.StatusEvery,
		OfflineTicks:        ch.OfflineTicks,
		Cooldown:            ch.Cooldown,
		TempCooldown:        ch.TempCooldown,
		SettleTime:          ch.SettleTime,
		TickInterval:        ch.TickInterval,
	}
}

// BoardConfig maps the hardware section onto board.Config. Duty counts are
// resolved against charger.max_duty.
func (c Config) BoardConfig() board.Config {
	h := c.Hardware
	return board.Config{
		I2CBus:          h.I2CBus,
		INA219Address:   uint16(h.INA219Address),
		INA219Profile:   h.INA219Profile,
		PWMChip:         h.PWMChip,
		PWMChannel:      h.PWMChannel,
		PWMFrequencyHz:  h.PWMFrequencyHz,
		DutyResolution:  c.Charger.MaxDuty,
		OutputPin:       h.OutputPin,
		OutputActiveLow: h.OutputActiveLow,
		ThermalZone:     h.ThermalZone,
		VoltageGain:     h.VoltageGain,
		CurrentGain:     h.CurrentGain,
	}
}

func (c Config) PlantConfig() sim.PlantConfig {
	s := c.Sim
	return sim.PlantConfig{
		SupplyVoltage:      s.SupplyVoltage,
		MaxDuty:            c.Charger.MaxDuty,
		SourceResistance:   s.SourceResistance,
		EmptyVoltage:       s.EmptyVoltage,
		FullVoltage:        s.FullVoltage,
		InternalResistance: s.InternalResistance,
		CapacityAh:         s.CapacityAh,
		InitialCharge:      s.InitialCharge,
		AmbientC:           s.AmbientC,
		HeatPerWatt:        s.HeatPerWatt,
		TimeStep:           s.TimeStep,
		NoiseAmplitude:     s.NoiseAmplitude,
		Seed:               s.Seed,
	}
}
