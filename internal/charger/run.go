package charger

import (
	"context"
	"fmt"
	"time"
)

// Snapshot is the externally observable charger status.
type Snapshot struct {
	Phase           Phase   `json:"phase"`
	ConstantVoltage bool    `json:"constant_voltage"`
	Output          bool    `json:"output"`
	Duty            float64 `json:"duty"`
	OpenCircuitDuty float64 `json:"open_circuit_duty"`

	Voltage      float64 `json:"voltage"`
	Current      float64 `json:"current"`
	VoltageTrend float64 `json:"voltage_trend"`
	Temperature  float64 `json:"temperature_c"`
	Setpoint     float64 `json:"setpoint"`

	BatteryVoltage float64 `json:"battery_voltage"`
	BatteryCurrent float64 `json:"battery_current"`
	BatteryPower   float64 `json:"battery_power"`

	LastFault   Fault  `json:"last_fault,omitempty"`
	FaultDetail string `json:"fault_detail,omitempty"`
	Retries     uint64 `json:"retries"`
	Ticks       uint64 `json:"ticks"`
	LastError   string `json:"last_error,omitempty"`

	// Done is set once the phase is terminal; Failed distinguishes Faulted
	// from Charged.
	Done   bool `json:"done"`
	Failed bool `json:"failed"`

	UpdatedAt time.Time `json:"updated_utc"`
}

func (c *Controller) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snap
}

// State returns a copy of the control state. Control goroutine only.
func (c *Controller) State() State {
	return c.st
}

func (c *Controller) publish() {
	bv := c.battV(c.st.Voltage)
	bi := c.battI(c.st.Current)
	s := Snapshot{
		Phase:           c.st.Phase,
		ConstantVoltage: c.st.Phase == PhaseConstantVoltage,
		Output:          c.st.Output,
		Duty:            c.st.Duty,
		OpenCircuitDuty: c.st.OpenCircuitDuty,
		Voltage:         c.st.Voltage,
		Current:         c.st.Current,
		VoltageTrend:    c.st.VoltageTrend,
		Temperature:     c.st.Temperature,
		Setpoint:        c.st.Setpoint,
		BatteryVoltage:  bv,
		BatteryCurrent:  bi,
		BatteryPower:    bv * bi,
		LastFault:       c.lastFault,
		FaultDetail:     c.faultDetail,
		Retries:         c.retries,
		Ticks:           c.ticks,
		Done:            c.st.Phase.Terminal(),
		Failed:          c.st.Phase == PhaseFaulted,
		UpdatedAt:       c.now().UTC(),
	}
	c.mu.Lock()
	s.LastError = c.snap.LastError
	c.snap = s
	c.mu.Unlock()
}

func (c *Controller) setLastError(msg string) {
	c.mu.Lock()
	c.snap.LastError = msg
	c.mu.Unlock()
}

// Run steps the controller every TickInterval until it reaches a terminal
// phase or ctx is canceled. It returns nil once Charged, an error wrapping
// ErrFaulted once Faulted, and ctx.Err() on cancellation, in which case the
// output is switched off first.
func (c *Controller) Run(ctx context.Context) error {
	if c == nil {
		return fmt.Errorf("charger: controller is nil")
	}
	t := time.NewTicker(c.cfg.TickInterval)
	defer t.Stop()

	for {
		if done, err := c.result(); done {
			return err
		}
		select {
		case <-ctx.Done():
			c.failSafe()
			c.publish()
			c.log.Printf("charger: stopped in %s: %v", c.st.Phase, ctx.Err())
			return ctx.Err()
		case <-t.C:
		}

		if err := c.Step(); err != nil {
			c.ioErrors++
			c.log.Printf("charger: %v", err)
			c.setLastError(err.Error())
			if c.cfg.MaxIOErrors > 0 && c.ioErrors >= c.cfg.MaxIOErrors {
				c.fatal(FaultHardware, fmt.Sprintf("%d consecutive errors, last: %v", c.ioErrors, err))
				c.publish()
			}
			continue
		}
		if c.ioErrors > 0 {
			c.ioErrors = 0
			c.setLastError("")
		}
	}
}

func (c *Controller) result() (bool, error) {
	switch c.st.Phase {
	case PhaseCharged:
		return true, nil
	case PhaseFaulted:
		return true, fmt.Errorf("%w: %s (%s)", ErrFaulted, c.lastFault, c.faultDetail)
	}
	return false, nil
}
