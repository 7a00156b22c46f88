package hardware

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tigerbot-team/tigerbot/go-chassis/pkg/chassis"
	"github.com/tigerbot-team/tigerbot/go-chassis/pkg/config"
)

// Dummy is hardware for running without a robot: the chassis controller drives
// a simulated drivetrain.
type Dummy struct {
	log     *zap.Logger
	metrics *chassis.Metrics
	opts    SimOptions

	controlLock sync.Mutex
	current     *chassis.PIDController
	sim         *SimDrivetrain
}

type SimOptions struct {
	// Simulated time that passes per sensor read.  Zero means the loop
	// period of the config passed to StartChassisControl.
	Step time.Duration
	// Time constant of the wheels' response to a speed command.
	TimeConstant time.Duration
}

const DefaultSimTimeConstant = 50 * time.Millisecond

func NewDummy(log *zap.Logger, metrics *chassis.Metrics, opts SimOptions) *Dummy {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.TimeConstant <= 0 {
		opts.TimeConstant = DefaultSimTimeConstant
	}
	return &Dummy{
		log:     log.Named("dhw"),
		metrics: metrics,
		opts:    opts,
	}
}

var _ Interface = (*Dummy)(nil)

func (d *Dummy) Start(ctx context.Context) error {
	d.log.Info("Start")
	return nil
}

// StartChassisControl starts a controller on the simulated drivetrain.  The
// drivetrain keeps its position across controllers, like a real robot.
func (d *Dummy) StartChassisControl(cfg *config.Config) (*chassis.PIDController, error) {
	d.StopMotorControl()

	d.controlLock.Lock()
	defer d.controlLock.Unlock()

	step := d.opts.Step
	if step <= 0 {
		step = cfg.LoopPeriod
	}
	if d.sim == nil {
		d.sim = NewSimDrivetrain(step, d.opts.TimeConstant, cfg.Gearset.Gearset)
	} else {
		d.sim.reconfigure(step, cfg.Gearset.Gearset)
	}

	ctrl, err := cfg.NewController(d.sim, d.log, d.metrics)
	if err != nil {
		return nil, err
	}
	ctrl.Start()
	d.current = ctrl
	d.log.Info("StartChassisControl", zap.Duration("step", step))
	return ctrl, nil
}

func (d *Dummy) StopMotorControl() {
	d.controlLock.Lock()
	defer d.controlLock.Unlock()

	if d.current != nil {
		_ = d.current.Close()
		d.current = nil
	}
	if d.sim != nil {
		_ = d.sim.SetVelocity(0, 0)
	}
	d.log.Info("StopMotorControl")
}

// Sim returns the simulated drivetrain, or nil before the first
// StartChassisControl.
func (d *Dummy) Sim() *SimDrivetrain {
	d.controlLock.Lock()
	defer d.controlLock.Unlock()
	return d.sim
}

func (d *Dummy) Shutdown() {
	d.StopMotorControl()
	d.log.Info("Shutdown")
}

// SimCommand is one command received by the simulated drivetrain.
type SimCommand struct {
	Voltage     bool
	Left, Right float64
}

// SimSample is the drivetrain state after one sensor read.
type SimSample struct {
	Time        time.Duration
	Left, Right float64
}

var ErrSimReadFailure = errors.New("simulated sensor read failure")

// SimDrivetrain is a two-sided drivetrain whose wheel speeds follow the
// commanded speed with a first-order lag.  Time only advances when the
// sensors are read, by a fixed step per read.  Positions are in motor
// degrees.
type SimDrivetrain struct {
	lock sync.Mutex

	step    time.Duration
	tau     time.Duration
	freeRPM float64
	maxRPM  float64

	targetL, targetR float64
	speedL, speedR   float64
	pos              chassis.SensorValues
	now              time.Duration

	failReads int
	commands  []SimCommand
	trace     []SimSample
}

var _ chassis.Actuator = (*SimDrivetrain)(nil)

func NewSimDrivetrain(step, timeConstant time.Duration, gearset chassis.Gearset) *SimDrivetrain {
	return &SimDrivetrain{
		step:    step,
		tau:     timeConstant,
		freeRPM: float64(gearset),
		maxRPM:  float64(gearset),
	}
}

func (s *SimDrivetrain) reconfigure(step time.Duration, gearset chassis.Gearset) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.step = step
	s.freeRPM = float64(gearset)
	s.maxRPM = float64(gearset)
}

func (s *SimDrivetrain) SetVelocity(left, right float64) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.commands = append(s.commands, SimCommand{Left: left, Right: right})
	s.targetL = clampAbs(left, s.maxRPM)
	s.targetR = clampAbs(right, s.maxRPM)
	return nil
}

func (s *SimDrivetrain) SetVoltage(left, right float64) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.commands = append(s.commands, SimCommand{Voltage: true, Left: left, Right: right})
	scale := s.freeRPM / chassis.MaxVoltage
	s.targetL = clampAbs(left*scale, s.freeRPM)
	s.targetR = clampAbs(right*scale, s.freeRPM)
	return nil
}

func (s *SimDrivetrain) Sensors() (chassis.SensorValues, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	dt := s.step.Seconds()
	alpha := dt / (s.tau.Seconds() + dt)
	s.speedL += (s.targetL - s.speedL) * alpha
	s.speedR += (s.targetR - s.speedR) * alpha
	// RPM to degrees per step.
	s.pos.Left += s.speedL * 6 * dt
	s.pos.Right += s.speedR * 6 * dt
	s.now += s.step
	s.trace = append(s.trace, SimSample{Time: s.now, Left: s.pos.Left, Right: s.pos.Right})

	if s.failReads > 0 {
		s.failReads--
		return chassis.SensorValues{}, ErrSimReadFailure
	}
	return s.pos, nil
}

func (s *SimDrivetrain) SetMaxVelocity(rpm float64) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.maxRPM = math.Abs(rpm)
	return nil
}

// FailReads makes the next n sensor reads fail.  Simulated time still
// advances.
func (s *SimDrivetrain) FailReads(n int) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.failReads = n
}

func (s *SimDrivetrain) Position() chassis.SensorValues {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.pos
}

func (s *SimDrivetrain) Now() time.Duration {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.now
}

func (s *SimDrivetrain) Commands() []SimCommand {
	s.lock.Lock()
	defer s.lock.Unlock()
	return append([]SimCommand(nil), s.commands...)
}

// Trace returns the samples recorded since the last call and clears them.
func (s *SimDrivetrain) Trace() []SimSample {
	s.lock.Lock()
	defer s.lock.Unlock()
	t := s.trace
	s.trace = nil
	return t
}

func clampAbs(v, limit float64) float64 {
	return math.Max(-limit, math.Min(limit, v))
}
