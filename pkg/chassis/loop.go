package chassis

import (
	"math"
	"time"

	"go.uber.org/zap"
)

// Failures on the actuator are logged at most this often per kind.
const failureLogInterval = time.Second

// loopState is owned by the loop goroutine.
type loopState struct {
	active   *movement
	encStart SensorValues
	sensors  SensorValues
	cycles   int

	// haveSensors is set once any read has succeeded.  Until then there is
	// no estimate to fall back on.
	haveSensors bool
	// baselined is cleared by beginMovement and set once encStart has been
	// taken for the active movement.
	baselined bool

	appliedGains       *Gains
	appliedMaxVelocity float64

	lastReadFailureLog  time.Time
	lastWriteFailureLog time.Time
}

func (c *PIDController) loop() {
	defer close(c.task.done)
	defer c.log.Info("Chassis control loop exited")

	c.log.Info("Chassis control loop started", zap.Duration("period", c.period))

	st := &loopState{appliedMaxVelocity: math.NaN()}
	r := rate{period: c.period}
	for !c.dtorCalled.Load() {
		c.cycle(st)
		r.delayUntil(c.clock)
	}
}

// cycle runs one iteration of the control loop.  A panic from a collaborator
// abandons the current movement rather than killing the loop.
func (c *PIDController) cycle(st *loopState) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("Recovered panic in control loop; abandoning movement",
				zap.Any("panic", r), zap.Stack("stack"))
			c.finishMovement(st.active)
			st.active = nil
			c.safeHalt()
		}
	}()

	if c.dtorCalled.Load() {
		return
	}
	c.serviceStopRequests()
	c.applySettings(st)

	c.flagLock.Lock()
	m := c.current.Load()
	fresh := m != nil && c.newMovement.Swap(false)
	c.flagLock.Unlock()

	if m == nil {
		st.active = nil
		return
	}
	if c.dtorCalled.Load() {
		return
	}

	start := c.clock.Now()
	if fresh || m != st.active {
		c.beginMovement(st, m)
	}
	c.readSensors(st)
	if !st.baselined {
		if !st.haveSensors {
			// Nothing to measure against yet; try again next cycle.
			return
		}
		st.encStart = st.sensors
		st.baselined = true
	}
	d := st.sensors.Sub(st.encStart)
	distance := (d.Left + d.Right) / 2
	angle := (d.Left - d.Right) / 2

	var settled bool
	switch m.mode {
	case ModeDistance:
		forward := c.distancePID.Step(distance)
		yaw := c.anglePID.Step(angle)
		c.drive(st, forward, yaw)
		settled = c.distancePID.IsSettled() && c.anglePID.IsSettled()
	case ModeAngle:
		turn := c.turnPID.Step(angle)
		c.drive(st, 0, turn)
		settled = c.turnPID.IsSettled()
	}
	st.cycles++
	c.metrics.cycle(c.clock.Now().Sub(start).Seconds())

	if settled && c.finishMovement(m) {
		c.drive(st, 0, 0)
		c.metrics.settled(m.mode)
		c.log.Info("Movement settled",
			zap.Stringer("mode", m.mode),
			zap.Float64("target", m.target),
			zap.Float64("distance", distance),
			zap.Float64("angle", angle),
			zap.Int("cycles", st.cycles))
		st.active = nil
	}
}

// beginMovement resets the axes for a new target.  The encoder reference is
// taken from the cycle's own sensor read.
func (c *PIDController) beginMovement(st *loopState, m *movement) {
	st.baselined = false
	st.active = m
	st.cycles = 0

	switch m.mode {
	case ModeDistance:
		c.distancePID.Reset()
		c.anglePID.Reset()
		c.distancePID.SetTarget(m.target)
		c.anglePID.SetTarget(0)
	case ModeAngle:
		c.turnPID.Reset()
		c.turnPID.SetTarget(m.target)
	}
	c.metrics.movement(m.mode)
	c.log.Info("Starting movement", zap.Stringer("mode", m.mode), zap.Float64("target", m.target))
}

// finishMovement moves m to the idle state if it is still the current
// movement.  It returns false if m has already been replaced or stopped.
func (c *PIDController) finishMovement(m *movement) bool {
	if m == nil {
		return false
	}
	c.flagLock.Lock()
	defer c.flagLock.Unlock()

	if !c.current.CompareAndSwap(m, nil) {
		return false
	}
	c.doneLooping.Store(true)
	return true
}

func (c *PIDController) serviceStopRequests() {
	for {
		select {
		case ack := <-c.stopRequests:
			c.halt()
			close(ack)
		default:
			return
		}
	}
}

// applySettings pushes gain and max velocity changes made by the public API
// down to the axes and the actuator.  The gains are swapped as one bundle so a
// cycle never sees a mix of old and new values.
func (c *PIDController) applySettings(st *loopState) {
	if g := c.gains.Load(); g != st.appliedGains {
		c.distancePID.SetGains(g.Distance)
		c.turnPID.SetGains(g.Turn)
		c.anglePID.SetGains(g.Angle)
		st.appliedGains = g
	}
	if v := c.MaxVelocity(); v != st.appliedMaxVelocity {
		if err := c.actuator.SetMaxVelocity(v); err != nil {
			c.log.Warn("Failed to set max velocity", zap.Float64("rpm", v), zap.Error(err))
			return
		}
		st.appliedMaxVelocity = v
	}
}

// readSensors updates st.sensors.  On failure the previous values are kept.
func (c *PIDController) readSensors(st *loopState) {
	vals, err := c.actuator.Sensors()
	if err != nil {
		c.metrics.readFailed()
		if now := c.clock.Now(); now.Sub(st.lastReadFailureLog) >= failureLogInterval {
			c.log.Warn("Failed to read sensors; using previous values", zap.Error(err))
			st.lastReadFailureLog = now
		}
		return
	}
	st.sensors = vals
	st.haveSensors = true
}

// drive mixes forward and yaw into per-side outputs and sends them.
func (c *PIDController) drive(st *loopState, forward, yaw float64) {
	if c.dtorCalled.Load() {
		return
	}
	left, right := forward+yaw, forward-yaw
	if m := math.Max(math.Abs(left), math.Abs(right)); m > 1 {
		left /= m
		right /= m
	}

	var err error
	if c.velocityMode.Load() {
		maxV := c.MaxVelocity()
		gear := float64(c.gearset.Gearset)
		err = c.actuator.SetVelocity(clamp(left*gear, maxV), clamp(right*gear, maxV))
	} else {
		err = c.actuator.SetVoltage(left*MaxVoltage, right*MaxVoltage)
	}
	if err != nil {
		c.metrics.writeFailed()
		if now := c.clock.Now(); now.Sub(st.lastWriteFailureLog) >= failureLogInterval {
			c.log.Warn("Failed to set motor outputs", zap.Error(err))
			st.lastWriteFailureLog = now
		}
	}
}

// halt commands zero output and clears the axes.
func (c *PIDController) halt() {
	var err error
	if c.velocityMode.Load() {
		err = c.actuator.SetVelocity(0, 0)
	} else {
		err = c.actuator.SetVoltage(0, 0)
	}
	if err != nil {
		c.metrics.writeFailed()
		c.log.Warn("Failed to stop motors", zap.Error(err))
	}
	c.distancePID.Reset()
	c.turnPID.Reset()
	c.anglePID.Reset()
}

func (c *PIDController) safeHalt() {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("Recovered panic while stopping motors", zap.Any("panic", r))
		}
	}()
	if !c.dtorCalled.Load() {
		c.halt()
	}
}

func clamp(v, limit float64) float64 {
	return math.Max(-limit, math.Min(limit, v))
}
