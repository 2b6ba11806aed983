package charger

import (
	"fmt"
	"math"
	"sync"
	"time"

	"chargectl/internal/pid"
)

const (
	// Open-circuit output must exceed this multiple of the input reference.
	openCircuitRatio = 1.2
	// Over-power trips at this multiple of MaxPower.
	overPowerRatio = 1.1
	// Below this the voltage feedback is treated as absent.
	mosfetVoltageFloor = 0.05
	// Completion needs a measurable taper current, not an open output.
	chargedCurrentFloor = 0.01

	fastFilterWeight  = 0.5
	trendFilterWeight = 0.9

	// Over-voltage and over-power retries wait this many cooldowns.
	chargeRetryCooldowns = 3
)

// State is the controller's mutable view of the charger. It is owned by the
// control loop; outside readers use Snapshot.
type State struct {
	Phase Phase

	VoltageRaw float64
	CurrentRaw float64
	// Voltage and Current blend two consecutive reads (0.5/0.5).
	Voltage float64
	Current float64
	// VoltageTrend is the slow 0.9/0.1 filter behind the CC->CV decision.
	VoltageTrend float64

	Duty            float64
	OpenCircuitDuty float64
	Output          bool
	Temperature     float64
	Setpoint        float64
}

// Controller runs the charge state machine. Step must only be called from a
// single goroutine; Snapshot may be called from any goroutine.
type Controller struct {
	cfg   Config
	hw    Hardware
	reg   *pid.Regulator
	log   Logger
	sleep func(time.Duration)
	now   func() time.Time

	st State

	stable      int
	chargeTicks uint64
	ticks       uint64
	tempRetries int
	cvLatched   bool
	offline     int
	retries     uint64
	lastFault   Fault
	faultDetail string
	ioErrors    int

	mu   sync.RWMutex
	snap Snapshot
}

func New(cfg Config, hw Hardware, opts ...Option) (*Controller, error) {
	if hw == nil {
		return nil, fmt.Errorf("charger: hardware is nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	reg, err := pid.New(cfg.MinDuty, cfg.MaxDuty, cfg.Kp, cfg.Ki, cfg.Kd)
	if err != nil {
		return nil, fmt.Errorf("charger: regulator: %w", err)
	}
	c := &Controller{
		cfg:   cfg,
		hw:    hw,
		reg:   reg,
		log:   discardLogger{},
		sleep: time.Sleep,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.st = State{
		Phase:           PhaseInit,
		Duty:            cfg.MinDuty,
		OpenCircuitDuty: cfg.MinDuty,
		Setpoint:        cfg.Setpoint,
	}
	c.publish()
	return c, nil
}

// Phase returns the current phase. Only meaningful on the control goroutine;
// other goroutines should read Snapshot().Phase.
func (c *Controller) Phase() Phase {
	return c.st.Phase
}

func (c *Controller) Terminal() bool {
	return c.st.Phase.Terminal()
}

// Step runs one control tick. Terminal phases perform no I/O at all.
//
// Retryable faults are handled internally. A non-nil error means a
// collaborator failed; the actuator has already been forced to MinDuty.
func (c *Controller) Step() error {
	if c.st.Phase.Terminal() {
		return nil
	}
	c.ticks++
	defer c.publish()

	var err error
	switch c.st.Phase {
	case PhaseInit:
		err = c.enterCalibration()
	case PhaseOpenVoltageCalibration:
		err = c.stepCalibration()
	case PhaseBatteryCheck:
		err = c.stepBatteryCheck()
	case PhaseFastCharge, PhaseConstantVoltage:
		err = c.stepCharge()
	}
	if err != nil {
		c.failSafe()
		return err
	}
	return nil
}

func (c *Controller) enterCalibration() error {
	c.log.Printf("charger: start calibration")
	if err := c.setOutput(false); err != nil {
		return err
	}
	c.reg.Reset()
	c.stable = 0
	if err := c.writeDuty(c.cfg.OpenDuty); err != nil {
		return err
	}
	c.setPhase(PhaseOpenVoltageCalibration)
	return nil
}

func (c *Controller) stepCalibration() error {
	temp, err := c.hw.InternalTemperature()
	if err != nil {
		return fmt.Errorf("charger: read temperature: %w", err)
	}
	c.st.Temperature = temp
	if temp > c.cfg.TempMax {
		c.fatal(FaultOverTemperature, fmt.Sprintf("temp=%.1f during calibration", temp))
		return nil
	}

	if err := c.writeDuty(c.cfg.OpenDuty); err != nil {
		return err
	}
	v, err := c.sampleVoltage()
	if err != nil {
		return err
	}
	i, err := c.sampleCurrent()
	if err != nil {
		return err
	}

	if v <= c.cfg.InputVoltage {
		c.stable = 0
		return c.retry(FaultNoInput, fmt.Sprintf("open v=%.2f i=%.2f", c.battV(v), c.battI(i)),
			PhaseOpenVoltageCalibration, c.cfg.Cooldown)
	}
	if i > c.cfg.ShortCircuitCurrent {
		c.fatal(FaultShortCircuit, fmt.Sprintf("i=%.2f v=%.2f with output off", c.battI(i), c.battV(v)))
		return nil
	}

	if v > openCircuitRatio*c.cfg.InputVoltage {
		c.stable++
	} else {
		c.stable = 0
	}
	if c.stable > c.cfg.StableCycles {
		c.stable = 0
		c.st.OpenCircuitDuty = c.cfg.OpenDuty
		c.log.Printf("charger: calibrated open duty=%.0f v=%.2f", c.st.OpenCircuitDuty, c.battV(v))
		c.setPhase(PhaseBatteryCheck)
	}
	return nil
}

func (c *Controller) stepBatteryCheck() error {
	if err := c.writeDuty(c.st.OpenCircuitDuty); err != nil {
		return err
	}
	if err := c.setOutput(true); err != nil {
		return err
	}

	i, err := c.sampleCurrent()
	if err != nil {
		return err
	}
	if i > c.cfg.OverCurrent {
		return c.retry(FaultOverCurrent, fmt.Sprintf("i=%.2f", c.battI(i)), PhaseBatteryCheck, c.cfg.Cooldown)
	}

	v, err := c.sampleVoltage()
	if err != nil {
		return err
	}
	if v > c.cfg.Setpoint || v < c.cfg.UnderVoltage {
		return c.retry(FaultVoltageWindow, fmt.Sprintf("v=%.2f", c.battV(v)), PhaseBatteryCheck, c.cfg.Cooldown)
	}

	c.st.VoltageTrend = v
	c.chargeTicks = 0
	c.offline = 0
	c.reg.Reset()
	next := PhaseFastCharge
	if c.cvLatched {
		next = PhaseConstantVoltage
	}
	c.log.Printf("charger: battery ok v=%.2f i=%.2f", c.battV(v), c.battI(i))
	c.setPhase(next)
	return nil
}

func (c *Controller) stepCharge() error {
	if err := c.setOutput(true); err != nil {
		return err
	}
	c.chargeTicks++

	v, err := c.sampleVoltage()
	if err != nil {
		return err
	}
	c.st.VoltageTrend = c.st.VoltageTrend*trendFilterWeight + v*(1-trendFilterWeight)
	i, err := c.sampleCurrent()
	if err != nil {
		return err
	}
	if (c.chargeTicks-1)%uint64(c.cfg.TempSampleEvery) == 0 {
		temp, err := c.hw.InternalTemperature()
		if err != nil {
			return fmt.Errorf("charger: read temperature: %w", err)
		}
		c.st.Temperature = temp
		if temp <= c.cfg.TempMax {
			c.tempRetries = 0
		}
	}
	if c.cfg.StatusEvery > 0 && c.chargeTicks%uint64(c.cfg.StatusEvery) == 0 {
		c.logStatus()
	}

	if v > mosfetVoltageFloor && v <= c.cfg.InputVoltage && c.st.Duty > c.st.OpenCircuitDuty {
		c.fatal(FaultMosfet, fmt.Sprintf("v=%.2f i=%.2f duty=%.0f, unplug the power line",
			c.battV(v), c.battI(i), c.st.Duty))
		return nil
	}

	if c.st.Temperature > c.cfg.TempMax {
		c.tempRetries++
		if c.tempRetries > c.cfg.MaxTempRetries {
			c.fatal(FaultOverTemperature, fmt.Sprintf("temp=%.1f after %d retries", c.st.Temperature, c.cfg.MaxTempRetries))
			return nil
		}
		return c.retry(FaultOverTemperature, fmt.Sprintf("temp=%.1f", c.st.Temperature), PhaseBatteryCheck, c.cfg.TempCooldown)
	}

	if v > c.cfg.OverVoltage {
		return c.retry(FaultOverVoltage, fmt.Sprintf("v=%.2f duty=%.0f i=%.2f", c.battV(v), c.st.Duty, c.battI(i)),
			c.st.Phase, chargeRetryCooldowns*c.cfg.Cooldown)
	}

	power := v * i
	if power > overPowerRatio*c.cfg.MaxPower {
		return c.retry(FaultOverPower, fmt.Sprintf("p=%.2f duty=%.0f v=%.2f", c.battV(v)*c.battI(i), c.st.Duty, c.battV(v)),
			c.st.Phase, chargeRetryCooldowns*c.cfg.Cooldown)
	}

	// Input gone (battery unplugged or supply dropped): start over.
	if c.cfg.OfflineTicks > 0 && v <= c.cfg.InputVoltage && i < c.cfg.ChargedCurrent {
		c.offline++
		if c.offline > c.cfg.OfflineTicks {
			c.offline = 0
			c.cvLatched = false
			return c.retry(FaultNoInput, fmt.Sprintf("offline v=%.2f duty=%.0f", c.battV(v), c.st.Duty),
				PhaseInit, c.cfg.Cooldown)
		}
	} else {
		c.offline = 0
	}

	if math.Abs(v-c.cfg.Setpoint) <= c.cfg.ChargedTolerance && i > chargedCurrentFloor && i <= c.cfg.ChargedCurrent {
		return c.complete(v, i)
	}

	if c.st.Phase == PhaseFastCharge && c.cfg.Setpoint-c.st.VoltageTrend <= c.cfg.TaperThreshold {
		c.cvLatched = true
		c.setPhase(PhaseConstantVoltage)
	}

	var duty float64
	if c.st.Phase == PhaseConstantVoltage {
		duty = c.reg.Update(c.cfg.Setpoint, v)
	} else {
		duty = c.reg.Update(c.cfg.MaxPower, power)
	}
	return c.writeDuty(duty)
}

func (c *Controller) complete(v, i float64) error {
	c.log.Printf("charger: charged v=%.2f i=%.2f", c.battV(v), c.battI(i))
	if err := c.resetActuator(); err != nil {
		return err
	}
	c.setPhase(PhaseCharged)
	return nil
}

// retry is the shared fault -> reset -> cooldown -> phase transition.
func (c *Controller) retry(f Fault, detail string, next Phase, cooldown time.Duration) error {
	c.retries++
	c.lastFault = f
	c.faultDetail = detail
	c.log.Printf("charger: %s in %s: %s (retry in %s after %s)", f, c.st.Phase, detail, next, cooldown)
	if err := c.resetActuator(); err != nil {
		return err
	}
	c.sleep(cooldown)
	c.setPhase(next)
	return nil
}

// fatal latches Faulted. Actuation stops until the device is power cycled.
func (c *Controller) fatal(f Fault, detail string) {
	c.lastFault = f
	c.faultDetail = detail
	c.log.Printf("charger: FAULT %s in %s: %s", f, c.st.Phase, detail)
	if err := c.resetActuator(); err != nil {
		c.log.Printf("charger: FAULT reset actuator failed: %v", err)
	}
	c.setPhase(PhaseFaulted)
}

func (c *Controller) resetActuator() error {
	err := c.writeDuty(c.cfg.MinDuty)
	c.sleep(c.cfg.SettleTime)
	if oerr := c.setOutput(false); err == nil {
		err = oerr
	}
	c.reg.Reset()
	return err
}

// failSafe is best effort: it runs after a collaborator already failed.
func (c *Controller) failSafe() {
	_ = c.writeDuty(c.cfg.MinDuty)
	_ = c.setOutput(false)
	c.reg.Reset()
}

func (c *Controller) writeDuty(d float64) error {
	if math.IsNaN(d) {
		d = c.cfg.MinDuty
	}
	d = math.Max(c.cfg.MinDuty, math.Min(c.cfg.MaxDuty, d))
	if err := c.hw.SetDuty(d); err != nil {
		return fmt.Errorf("charger: set duty: %w", err)
	}
	c.st.Duty = d
	return nil
}

func (c *Controller) setOutput(on bool) error {
	if err := c.hw.SetOutput(on); err != nil {
		return fmt.Errorf("charger: set output: %w", err)
	}
	c.st.Output = on
	return nil
}

func (c *Controller) sampleVoltage() (float64, error) {
	a, err := c.hw.SampleVoltage()
	if err != nil {
		return 0, fmt.Errorf("charger: sample voltage: %w", err)
	}
	b, err := c.hw.SampleVoltage()
	if err != nil {
		return 0, fmt.Errorf("charger: sample voltage: %w", err)
	}
	c.st.VoltageRaw = b
	c.st.Voltage = a*fastFilterWeight + b*(1-fastFilterWeight)
	return c.st.Voltage, nil
}

func (c *Controller) sampleCurrent() (float64, error) {
	a, err := c.hw.SampleCurrent()
	if err != nil {
		return 0, fmt.Errorf("charger: sample current: %w", err)
	}
	b, err := c.hw.SampleCurrent()
	if err != nil {
		return 0, fmt.Errorf("charger: sample current: %w", err)
	}
	c.st.CurrentRaw = b
	c.st.Current = a*fastFilterWeight + b*(1-fastFilterWeight)
	return c.st.Current, nil
}

func (c *Controller) setPhase(p Phase) {
	if p == c.st.Phase {
		return
	}
	c.log.Printf("charger: phase %s -> %s", c.st.Phase, p)
	c.st.Phase = p
}

func (c *Controller) logStatus() {
	mode := "CC"
	if c.st.Phase == PhaseConstantVoltage {
		mode = "CV"
	}
	t := c.reg.Terms()
	c.log.Printf("charger: %s v=%.2f i=%.2f p=%.2f duty=%.0f temp=%.1f err=%.3f",
		mode, c.battV(c.st.Voltage), c.battI(c.st.Current), c.battV(c.st.Voltage)*c.battI(c.st.Current),
		c.st.Duty, c.st.Temperature, t.Error)
}

func (c *Controller) battV(v float64) float64 { return v * c.cfg.VoltageScale }
func (c *Controller) battI(i float64) float64 { return i * c.cfg.CurrentScale }
