// Package pid implements the per-axis position controller used by the chassis
// control loop.
//
// A Controller is not safe for concurrent use; the chassis loop is its only
// caller once the loop has started.
package pid

import (
	"math"
	"time"
)

const DefaultSampleTime = 10 * time.Millisecond

// Gains for one axis.  KI and KD are per second; they are scaled by the sample
// time when they are applied.
type Gains struct {
	KP    float64 `yaml:"kp"`
	KI    float64 `yaml:"ki"`
	KD    float64 `yaml:"kd"`
	KBias float64 `yaml:"kbias"`
}

// SettleBounds is the "close enough for long enough" rule: the error and its
// per-step change must both stay inside the bounds for DwellCycles steps in a
// row.
type SettleBounds struct {
	Error       float64 `yaml:"error"`
	Derivative  float64 `yaml:"derivative"`
	DwellCycles int     `yaml:"dwell_cycles"`
}

type Params struct {
	Gains         Gains         `yaml:",inline"`
	OutputMin     float64       `yaml:"output_min"`
	OutputMax     float64       `yaml:"output_max"`
	IntegralLimit float64       `yaml:"integral_limit"`
	SampleTime    time.Duration `yaml:"-"`
	Settle        SettleBounds  `yaml:"settle"`
}

func DefaultParams() Params {
	return Params{
		OutputMin:     -1,
		OutputMax:     1,
		IntegralLimit: 1,
		SampleTime:    DefaultSampleTime,
		Settle: SettleBounds{
			Error:       50,
			Derivative:  5,
			DwellCycles: 25,
		},
	}
}

type Controller struct {
	params Params

	// Sample-time normalised integral and derivative gains.
	kI, kD float64

	target      float64
	lastReading float64
	lastError   float64
	haveReading bool
	integral    float64
	output      float64

	settledCount int
}

func New(params Params) *Controller {
	if params.SampleTime <= 0 {
		params.SampleTime = DefaultSampleTime
	}
	if params.OutputMin == 0 && params.OutputMax == 0 {
		params.OutputMin, params.OutputMax = -1, 1
	}
	c := &Controller{params: params}
	c.SetGains(params.Gains)
	return c
}

func (c *Controller) SetTarget(target float64) {
	c.target = target
}

func (c *Controller) Target() float64 {
	return c.target
}

// Step feeds a new reading into the controller and returns the new output.
func (c *Controller) Step(reading float64) float64 {
	err := c.target - reading

	// Drop the accumulated integral when we cross the target so that it
	// doesn't carry us past it again.
	if c.haveReading && math.Signbit(err) != math.Signbit(c.lastError) {
		c.integral = 0
	}
	c.integral += c.kI * err
	if limit := c.params.IntegralLimit; limit > 0 {
		c.integral = clamp(c.integral, -limit, limit)
	}

	var derivative, dErr float64
	if c.haveReading {
		// Derivative on measurement avoids a kick when the target changes.
		derivative = reading - c.lastReading
		dErr = err - c.lastError
	}

	out := c.params.Gains.KP*err + c.integral - c.kD*derivative + c.params.Gains.KBias
	c.output = clamp(out, c.params.OutputMin, c.params.OutputMax)

	if math.Abs(err) < c.params.Settle.Error && math.Abs(dErr) < c.params.Settle.Derivative {
		c.settledCount++
	} else {
		c.settledCount = 0
	}

	c.lastReading = reading
	c.lastError = err
	c.haveReading = true
	return c.output
}

func (c *Controller) IsSettled() bool {
	dwell := c.params.Settle.DwellCycles
	if dwell < 1 {
		dwell = 1
	}
	return c.settledCount >= dwell
}

// Reset clears the integral, the derivative history and the settle count.
// The target and gains are kept.
func (c *Controller) Reset() {
	c.integral = 0
	c.output = 0
	c.lastReading = 0
	c.lastError = 0
	c.haveReading = false
	c.settledCount = 0
}

func (c *Controller) SetGains(g Gains) {
	c.params.Gains = g
	dt := c.params.SampleTime.Seconds()
	c.kI = g.KI * dt
	c.kD = g.KD / dt
}

func (c *Controller) Gains() Gains {
	return c.params.Gains
}

func (c *Controller) Output() float64 {
	return c.output
}

func (c *Controller) Error() float64 {
	return c.lastError
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
