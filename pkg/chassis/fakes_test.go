package chassis

import (
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/tigerbot-team/tigerbot/go-chassis/pkg/pid"
)

type command struct {
	voltage     bool
	left, right float64
}

// fakeActuator integrates the commanded wheel speeds once per sensor read, so
// each control cycle moves the wheels by speed*gain encoder units.
type fakeActuator struct {
	lock sync.Mutex

	gain        float64
	speedL      float64
	speedR      float64
	pos         SensorValues
	commands    []command
	failReads   int
	reads       int
	maxVelocity float64
}

func newFakeActuator(gain float64) *fakeActuator {
	return &fakeActuator{gain: gain}
}

func (f *fakeActuator) SetVelocity(left, right float64) error {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.commands = append(f.commands, command{left: left, right: right})
	f.speedL, f.speedR = left, right
	return nil
}

func (f *fakeActuator) SetVoltage(left, right float64) error {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.commands = append(f.commands, command{voltage: true, left: left, right: right})
	f.speedL = left / MaxVoltage * float64(GearsetGreen)
	f.speedR = right / MaxVoltage * float64(GearsetGreen)
	return nil
}

var errBusTimeout = errors.New("i2c: bus timeout")

func (f *fakeActuator) Sensors() (SensorValues, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.reads++
	if f.failReads > 0 {
		f.failReads--
		return SensorValues{}, errBusTimeout
	}
	f.pos.Left += f.speedL * f.gain
	f.pos.Right += f.speedR * f.gain
	return f.pos, nil
}

func (f *fakeActuator) SetMaxVelocity(rpm float64) error {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.maxVelocity = rpm
	return nil
}

func (f *fakeActuator) numCommands() int {
	f.lock.Lock()
	defer f.lock.Unlock()
	return len(f.commands)
}

func (f *fakeActuator) lastCommand() (command, bool) {
	f.lock.Lock()
	defer f.lock.Unlock()
	if len(f.commands) == 0 {
		return command{}, false
	}
	return f.commands[len(f.commands)-1], true
}

func (f *fakeActuator) history() []command {
	f.lock.Lock()
	defer f.lock.Unlock()
	return append([]command(nil), f.commands...)
}

func (f *fakeActuator) position() SensorValues {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.pos
}

func (f *fakeActuator) numReads() int {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.reads
}

func (f *fakeActuator) maxVel() float64 {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.maxVelocity
}

// fakeAxis returns a fixed output and settles only when the test says so.
type fakeAxis struct {
	output float64
	onStep func()

	settle     atomic.Bool
	panicNext  atomic.Bool
	steps      atomic.Int64
	resets     atomic.Int64
	targetBits atomic.Uint64
	targets    atomic.Int64

	gains pid.Gains
}

func (a *fakeAxis) SetTarget(target float64) {
	a.targetBits.Store(math.Float64bits(target))
	a.targets.Add(1)
}

func (a *fakeAxis) target() float64 {
	return math.Float64frombits(a.targetBits.Load())
}

func (a *fakeAxis) Step(float64) float64 {
	if a.panicNext.CompareAndSwap(true, false) {
		panic("axis exploded")
	}
	a.steps.Add(1)
	if a.onStep != nil {
		a.onStep()
	}
	return a.output
}

func (a *fakeAxis) IsSettled() bool { return a.settle.Load() }

func (a *fakeAxis) Reset() { a.resets.Add(1) }

func (a *fakeAxis) SetGains(g pid.Gains) { a.gains = g }

func (a *fakeAxis) Gains() pid.Gains { return a.gains }

func testOptions() Options {
	opts := DefaultOptions()
	opts.Period = time.Millisecond
	return opts
}

func newTestController(t *testing.T, distance, turn, angle AxisController, act Actuator, opts Options) *PIDController {
	t.Helper()
	c, err := NewPIDController(distance, turn, angle, act, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func observedLogger() (*zap.Logger, *observer.ObservedLogs) {
	core, logs := observer.New(zap.DebugLevel)
	return zap.New(core), logs
}

// pidAxes are real controllers tuned for fakeActuator with gain 0.05.
func pidAxes() (distance, turn, angle *pid.Controller) {
	params := pid.DefaultParams()
	params.SampleTime = time.Millisecond
	params.Gains = pid.Gains{KP: 0.004}
	params.Settle = pid.SettleBounds{Error: 5, Derivative: 5, DwellCycles: 5}
	distance = pid.New(params)

	params.Gains = pid.Gains{KP: 0.01}
	turn = pid.New(params)
	angle = pid.New(params)
	return
}
