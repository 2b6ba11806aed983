package pid

import (
	"errors"
	"fmt"
	"math"
)

// ErrInvalidBounds is returned by New when outMin >= outMax.
var ErrInvalidBounds = errors.New("pid: output min must be below output max")

// Regulator is a discrete PID regulator with integral anti-windup.
//
// It maps error = setpoint - measurement to a command in [OutMin, OutMax].
// The integral accumulator is clamped to the same bounds before the output is
// computed, and the output is clamped afterwards. Update is called once per
// control tick; there is no time scaling, gains are per-tick.
//
// Not safe for concurrent use.
type Regulator struct {
	kp, ki, kd float64
	outMin     float64
	outMax     float64

	integral  float64
	lastError float64
	last      Terms
}

// Terms is the breakdown of the most recent Update, for diagnostics.
type Terms struct {
	Error       float64
	P, I, D     float64
	Integral    float64
	Output      float64
	Initialized bool
}

func New(outMin, outMax, kp, ki, kd float64) (*Regulator, error) {
	for _, v := range []float64{outMin, outMax, kp, ki, kd} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("pid: non-finite parameter %v", v)
		}
	}
	if outMin >= outMax {
		return nil, fmt.Errorf("%w (min=%v max=%v)", ErrInvalidBounds, outMin, outMax)
	}
	return &Regulator{kp: kp, ki: ki, kd: kd, outMin: outMin, outMax: outMax}, nil
}

// Reset drops the integral history and last error. Gains and bounds are kept.
func (r *Regulator) Reset() {
	r.integral = 0
	r.lastError = 0
	r.last = Terms{}
}

func (r *Regulator) Update(setpoint, measurement float64) float64 {
	err := setpoint - measurement

	// Anti-windup: clamp the accumulator first, then the output.
	r.integral = clamp(r.integral+err, r.outMin, r.outMax)

	p := r.kp * err
	i := r.ki * r.integral
	d := r.kd * (err - r.lastError)
	out := clamp(p+i+d, r.outMin, r.outMax)

	r.lastError = err
	r.last = Terms{Error: err, P: p, I: i, D: d, Integral: r.integral, Output: out, Initialized: true}
	return out
}

// Terms returns the contributions computed by the last Update.
func (r *Regulator) Terms() Terms {
	return r.last
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
