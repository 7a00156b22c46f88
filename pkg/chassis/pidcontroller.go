package chassis

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/facebookgo/clock"
	"go.uber.org/zap"

	"github.com/tigerbot-team/tigerbot/go-chassis/pkg/pid"
)

const (
	DefaultPeriod = 10 * time.Millisecond

	// MaxVoltage is full scale for voltage mode, in millivolts.
	MaxVoltage = 12000
)

type Mode int

const (
	ModeNone Mode = iota
	ModeDistance
	ModeAngle
)

func (m Mode) String() string {
	switch m {
	case ModeDistance:
		return "distance"
	case ModeAngle:
		return "angle"
	default:
		return "none"
	}
}

// movement is one commanded target.  Each call to an async move allocates a
// new one so that the loop can tell a fresh movement from the one it is
// already driving by identity.
type movement struct {
	mode   Mode
	target float64
}

// Gains is the bundle of gains for all three axes.  It is always replaced
// as a whole.
type Gains struct {
	Distance pid.Gains
	Turn     pid.Gains
	Angle    pid.Gains
}

type Options struct {
	Gearset    GearsetRatioPair
	Scales     Scales
	Period     time.Duration
	TimeSource TimeSource
	Logger     *zap.Logger
	Metrics    *Metrics
}

func DefaultOptions() Options {
	return Options{
		Gearset: GearsetRatioPair{Gearset: GearsetGreen, Ratio: 1},
		Scales:  DefaultScales,
		Period:  DefaultPeriod,
	}
}

// Status is a point-in-time view of the controller's shared state.
type Status struct {
	Mode            Mode
	Target          float64
	DoneLooping     bool
	DoneLoopingSeen bool
	NewMovement     bool
	Closed          bool
}

// PIDController drives the chassis to distance and angle targets using three
// PID axes: distance, turn and angle (heading correction while driving
// straight).  The axes and the actuator belong to the background loop once it
// has been started; the public methods only exchange targets, flags and
// requests with it.
type PIDController struct {
	log     *zap.Logger
	clock   TimeSource
	metrics *Metrics
	period  time.Duration

	distancePID AxisController
	turnPID     AxisController
	anglePID    AxisController
	actuator    Actuator

	scales  Scales
	gearset GearsetRatioPair

	// flagLock serialises changes to the current movement and the flags so
	// that they always move together.  Readers may load them without it.
	flagLock        sync.Mutex
	current         atomic.Pointer[movement]
	doneLooping     atomic.Bool
	doneLoopingSeen atomic.Bool
	newMovement     atomic.Bool
	dtorCalled      atomic.Bool

	velocityMode    atomic.Bool
	maxVelocityBits atomic.Uint64
	gains           atomic.Pointer[Gains]

	stopRequests chan chan struct{}

	taskLock sync.Mutex
	task     *Task
}

var _ Controller = (*PIDController)(nil)

// NewPIDController takes ownership of the three axis controllers.  The loop is
// not started until Start is called.
func NewPIDController(distance, turn, angle AxisController, actuator Actuator, opts Options) (*PIDController, error) {
	if distance == nil || turn == nil || angle == nil {
		return nil, fmt.Errorf("%w: all three axis controllers are required", ErrInvalidConfiguration)
	}
	if actuator == nil {
		return nil, fmt.Errorf("%w: actuator is required", ErrInvalidConfiguration)
	}
	if !opts.Gearset.valid() {
		return nil, fmt.Errorf("%w: gearset %v with ratio %v", ErrInvalidConfiguration,
			opts.Gearset.Gearset, opts.Gearset.Ratio)
	}
	if opts.Scales == (Scales{}) {
		opts.Scales = DefaultScales
	}
	if !opts.Scales.valid() {
		return nil, fmt.Errorf("%w: scales %+v", ErrInvalidConfiguration, opts.Scales)
	}
	if opts.Period < 0 {
		return nil, fmt.Errorf("%w: loop period %v", ErrInvalidConfiguration, opts.Period)
	}
	if opts.Period == 0 {
		opts.Period = DefaultPeriod
	}
	if opts.TimeSource == nil {
		opts.TimeSource = NewTimeSource(clock.New())
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	c := &PIDController{
		log:          opts.Logger.Named("chassis"),
		clock:        opts.TimeSource,
		metrics:      opts.Metrics,
		period:       opts.Period,
		distancePID:  distance,
		turnPID:      turn,
		anglePID:     angle,
		actuator:     actuator,
		scales:       opts.Scales,
		gearset:      opts.Gearset,
		stopRequests: make(chan chan struct{}),
		task:         newTask(),
	}
	c.doneLooping.Store(true)
	c.doneLoopingSeen.Store(true)
	c.velocityMode.Store(true)
	c.setMaxVelocity(float64(opts.Gearset.Gearset))
	c.gains.Store(&Gains{
		Distance: distance.Gains(),
		Turn:     turn.Gains(),
		Angle:    angle.Gains(),
	})
	return c, nil
}

// Start launches the control loop.  Calling it again, or after Close, does
// nothing.
func (c *PIDController) Start() {
	c.taskLock.Lock()
	defer c.taskLock.Unlock()

	if c.dtorCalled.Load() || c.task.started.Load() {
		return
	}
	c.task.started.Store(true)
	go c.loop()
}

// Task returns the handle of the background loop.
func (c *PIDController) Task() *Task {
	return c.task
}

// Close asks the loop to exit and waits for it.  The loop does not touch the
// actuator again once it has seen the request, so the caller is responsible
// for zeroing the motors afterwards.
func (c *PIDController) Close() error {
	c.taskLock.Lock()
	alreadyClosed := c.dtorCalled.Swap(true)
	started := c.task.started.Load()
	c.taskLock.Unlock()

	if started {
		<-c.task.done
	}
	if !alreadyClosed {
		c.log.Info("Chassis controller closed")
	}
	return nil
}

func (c *PIDController) MoveDistance(ctx context.Context, metres float64) error {
	c.MoveDistanceAsync(metres)
	return c.waitThenStop(ctx)
}

func (c *PIDController) MoveDistanceAsync(metres float64) {
	c.setMovement(ModeDistance, metres*c.scales.Straight()*c.gearset.Ratio)
}

// MoveDistanceRaw is MoveDistance with the distance given in motor degrees.
func (c *PIDController) MoveDistanceRaw(ctx context.Context, degrees float64) error {
	c.MoveDistanceRawAsync(degrees)
	return c.waitThenStop(ctx)
}

func (c *PIDController) MoveDistanceRawAsync(degrees float64) {
	c.setMovement(ModeDistance, degrees*c.gearset.Ratio)
}

func (c *PIDController) TurnAngle(ctx context.Context, degrees float64) error {
	c.TurnAngleAsync(degrees)
	return c.waitThenStop(ctx)
}

func (c *PIDController) TurnAngleAsync(degrees float64) {
	c.setMovement(ModeAngle, degrees*c.scales.Turn()*c.gearset.Ratio)
}

// TurnAngleRaw is TurnAngle with the angle given in motor degrees.
func (c *PIDController) TurnAngleRaw(ctx context.Context, degrees float64) error {
	c.TurnAngleRawAsync(degrees)
	return c.waitThenStop(ctx)
}

func (c *PIDController) TurnAngleRawAsync(degrees float64) {
	c.setMovement(ModeAngle, degrees*c.gearset.Ratio)
}

func (c *PIDController) waitThenStop(ctx context.Context) error {
	err := c.WaitUntilSettled(ctx)
	c.Stop()
	return err
}

// setMovement replaces whatever movement is in flight.  The old one is
// dropped without completing.
func (c *PIDController) setMovement(mode Mode, target float64) {
	m := &movement{mode: mode, target: target}

	c.flagLock.Lock()
	c.current.Store(m)
	c.newMovement.Store(true)
	c.doneLooping.Store(false)
	c.doneLoopingSeen.Store(false)
	c.flagLock.Unlock()

	c.log.Debug("New movement", zap.Stringer("mode", mode), zap.Float64("target", target))
}

// WaitUntilSettled blocks until the current movement has settled or been
// stopped.  It returns immediately if nothing is in flight.  Only one
// goroutine should wait at a time.
//
// The flags are polled once per loop period of wall time, not on the
// TimeSource, so a waiter keeps honouring ctx even when a mock clock has
// stalled the loop.
func (c *PIDController) WaitUntilSettled(ctx context.Context) error {
	ticker := time.NewTicker(c.period)
	defer ticker.Stop()

	for {
		c.flagLock.Lock()
		done := c.doneLooping.Load()
		if done {
			c.doneLoopingSeen.Store(true)
		}
		c.flagLock.Unlock()
		if done {
			return nil
		}
		if c.dtorCalled.Load() {
			return ErrClosed
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.task.done:
			return ErrClosed
		case <-ticker.C:
		}
	}
}

// Stop abandons the current movement, commands zero output and resets the
// axis controllers.  If the loop is running the work is handed to it and
// Stop returns once it has been done.
func (c *PIDController) Stop() {
	c.flagLock.Lock()
	c.current.Store(nil)
	c.newMovement.Store(false)
	c.doneLooping.Store(true)
	c.flagLock.Unlock()

	c.taskLock.Lock()
	if !c.task.started.Load() {
		if !c.dtorCalled.Load() {
			c.halt()
		}
		c.taskLock.Unlock()
		return
	}
	c.taskLock.Unlock()

	ack := make(chan struct{})
	select {
	case c.stopRequests <- ack:
	case <-c.task.done:
		return
	}
	select {
	case <-ack:
	case <-c.task.done:
	}
}

// SetVelocityMode selects velocity (true) or voltage (false) output.  Voltage
// output ignores the maximum velocity.
func (c *PIDController) SetVelocityMode(velocityMode bool) {
	c.velocityMode.Store(velocityMode)
}

func (c *PIDController) VelocityMode() bool {
	return c.velocityMode.Load()
}

// SetMaxVelocity caps the commanded wheel speed in velocity mode.
func (c *PIDController) SetMaxVelocity(rpm float64) {
	c.setMaxVelocity(math.Abs(rpm))
}

func (c *PIDController) setMaxVelocity(rpm float64) {
	c.maxVelocityBits.Store(math.Float64bits(rpm))
}

func (c *PIDController) MaxVelocity() float64 {
	return math.Float64frombits(c.maxVelocityBits.Load())
}

// SetGains replaces the gains of all three axes at once.  The loop applies
// the new set between cycles.
func (c *PIDController) SetGains(distance, turn, angle pid.Gains) {
	c.gains.Store(&Gains{Distance: distance, Turn: turn, Angle: angle})
}

func (c *PIDController) Gains() Gains {
	return *c.gains.Load()
}

func (c *PIDController) ChassisScales() Scales {
	return c.scales
}

func (c *PIDController) GearsetRatioPair() GearsetRatioPair {
	return c.gearset
}

func (c *PIDController) Mode() Mode {
	if m := c.current.Load(); m != nil {
		return m.mode
	}
	return ModeNone
}

func (c *PIDController) Status() Status {
	c.flagLock.Lock()
	defer c.flagLock.Unlock()

	s := Status{
		Mode:            ModeNone,
		DoneLooping:     c.doneLooping.Load(),
		DoneLoopingSeen: c.doneLoopingSeen.Load(),
		NewMovement:     c.newMovement.Load(),
		Closed:          c.dtorCalled.Load(),
	}
	if m := c.current.Load(); m != nil {
		s.Mode = m.mode
		s.Target = m.target
	}
	return s
}
