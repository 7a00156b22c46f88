package chassis

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tigerbot-team/tigerbot/go-chassis/pkg/pid"
)

const (
	eventually = 2 * time.Second
	tick       = time.Millisecond
)

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestStartIsIdempotent(t *testing.T) {
	d, tu, a := fakeAxes()
	c := newTestController(t, d, tu, a, newFakeActuator(0), testOptions())

	c.Start()
	c.Start()
	task := c.Task()
	assert.True(t, task.Alive())

	require.NoError(t, c.Close())
	assert.False(t, task.Alive())
	select {
	case <-task.Done():
	default:
		t.Fatal("task should be done after Close")
	}
	require.NoError(t, task.Wait(context.Background()))
}

func TestMoveDistanceSettles(t *testing.T) {
	d, tu, a := pidAxes()
	act := newFakeActuator(0.05)
	opts := testOptions()
	opts.Metrics = NewMetrics(prometheus.NewRegistry())
	c := newTestController(t, d, tu, a, act, opts)
	c.Start()

	c.MoveDistanceRawAsync(1000)
	require.NoError(t, c.WaitUntilSettled(testContext(t)))

	s := c.Status()
	assert.Equal(t, ModeNone, s.Mode)
	assert.True(t, s.DoneLooping)
	assert.True(t, s.DoneLoopingSeen)

	pos := act.position()
	assert.InDelta(t, 1000, (pos.Left+pos.Right)/2, 5)

	// The cycle that settles follows its last correction with a zero command.
	require.Eventually(t, func() bool {
		last, ok := act.lastCommand()
		return ok && last == command{}
	}, eventually, tick)
	hist := act.history()
	require.Greater(t, len(hist), 2)
	assert.NotZero(t, hist[len(hist)-2].left)

	// Nothing more is sent while idle.
	n := act.numCommands()
	time.Sleep(10 * opts.Period)
	assert.Equal(t, n, act.numCommands())

	assert.Equal(t, 1.0, testutil.ToFloat64(opts.Metrics.Movements.WithLabelValues("distance")))
	assert.Equal(t, 1.0, testutil.ToFloat64(opts.Metrics.Settles.WithLabelValues("distance")))
	assert.Greater(t, testutil.ToFloat64(opts.Metrics.Cycles), 0.0)
}

func TestMoveDistanceStopsAfterSettling(t *testing.T) {
	d, tu, a := pidAxes()
	act := newFakeActuator(0.05)
	c := newTestController(t, d, tu, a, act, testOptions())
	c.Start()

	require.NoError(t, c.MoveDistanceRaw(testContext(t), -400))
	pos := act.position()
	assert.InDelta(t, -400, (pos.Left+pos.Right)/2, 5)
	last, _ := act.lastCommand()
	assert.Equal(t, command{}, last)
	assert.Equal(t, ModeNone, c.Mode())
}

func TestTurnAngleSettles(t *testing.T) {
	d, tu, a := pidAxes()
	act := newFakeActuator(0.05)
	c := newTestController(t, d, tu, a, act, testOptions())
	c.Start()

	require.NoError(t, c.TurnAngleRaw(testContext(t), 300))
	pos := act.position()
	assert.InDelta(t, 300, (pos.Left-pos.Right)/2, 5)
	assert.InDelta(t, 0, (pos.Left+pos.Right)/2, 1e-6)
}

func TestTurnCommandsOppositeSides(t *testing.T) {
	d, tu, a := fakeAxes()
	tu.output = 0.25
	act := newFakeActuator(0)
	opts := testOptions()
	opts.Gearset.Ratio = 2
	c := newTestController(t, d, tu, a, act, opts)
	c.Start()

	c.TurnAngleRawAsync(90)
	require.Eventually(t, func() bool {
		last, ok := act.lastCommand()
		return ok && last == command{left: 50, right: -50}
	}, eventually, tick)
	require.NoError(t, c.Close())
	assert.Equal(t, 180.0, tu.target())
	assert.Zero(t, d.steps.Load())
}

func TestDriveNormalisesMixedOutputs(t *testing.T) {
	d, tu, a := fakeAxes()
	d.output = 1
	a.output = 0.5
	act := newFakeActuator(0)
	c := newTestController(t, d, tu, a, act, testOptions())
	c.Start()

	c.MoveDistanceRawAsync(1e6)
	require.Eventually(t, func() bool { return act.numCommands() > 0 }, eventually, tick)
	require.NoError(t, c.Close())

	last, _ := act.lastCommand()
	assert.InDelta(t, 200, last.left, 1e-9)
	assert.InDelta(t, 200.0/3, last.right, 1e-9)
}

func TestVelocityModeClampsAndVoltageModeDoesNot(t *testing.T) {
	d, tu, a := fakeAxes()
	d.output = 1
	act := newFakeActuator(0)
	c := newTestController(t, d, tu, a, act, testOptions())
	c.SetMaxVelocity(50)
	c.Start()

	c.MoveDistanceRawAsync(1e6)
	require.Eventually(t, func() bool {
		last, ok := act.lastCommand()
		return ok && last == command{left: 50, right: 50}
	}, eventually, tick)
	assert.Equal(t, 50.0, act.maxVel())

	c.SetVelocityMode(false)
	require.Eventually(t, func() bool {
		last, ok := act.lastCommand()
		return ok && last == command{voltage: true, left: MaxVoltage, right: MaxVoltage}
	}, eventually, tick)
}

func TestSupersededMovementDoesNotSettle(t *testing.T) {
	d, tu, a := fakeAxes()
	a.settle.Store(true)
	c := newTestController(t, d, tu, a, newFakeActuator(0), testOptions())
	c.Start()

	c.MoveDistanceRawAsync(100)
	require.Eventually(t, func() bool { return d.target() == 100 }, eventually, tick)
	c.MoveDistanceRawAsync(200)
	require.Eventually(t, func() bool { return d.target() == 200 }, eventually, tick)
	assert.Equal(t, int64(2), d.targets.Load())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, c.WaitUntilSettled(ctx), context.DeadlineExceeded)

	d.settle.Store(true)
	require.NoError(t, c.WaitUntilSettled(testContext(t)))
	assert.Equal(t, ModeNone, c.Mode())
}

func TestStopWhileRunning(t *testing.T) {
	d, tu, a := fakeAxes()
	d.output = 0.5
	act := newFakeActuator(0)
	c := newTestController(t, d, tu, a, act, testOptions())
	c.Start()

	c.MoveDistanceRawAsync(1e6)
	require.Eventually(t, func() bool { return act.numCommands() > 5 }, eventually, tick)

	c.Stop()
	last, _ := act.lastCommand()
	assert.Equal(t, command{}, last)
	resets := d.resets.Load()
	assert.Positive(t, resets)

	c.Stop()
	s := c.Status()
	assert.Equal(t, ModeNone, s.Mode)
	assert.True(t, s.DoneLooping)
	assert.False(t, s.NewMovement)
	assert.Equal(t, resets+1, d.resets.Load())

	n := act.numCommands()
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, n, act.numCommands())
	require.NoError(t, c.WaitUntilSettled(testContext(t)))
}

func TestCloseMidMovement(t *testing.T) {
	d, tu, a := fakeAxes()
	d.output = 0.5
	act := newFakeActuator(0)
	c := newTestController(t, d, tu, a, act, testOptions())
	c.Start()

	c.MoveDistanceRawAsync(1e6)
	require.Eventually(t, func() bool { return act.numCommands() > 0 }, eventually, tick)

	start := time.Now()
	require.NoError(t, c.Close())
	assert.Less(t, time.Since(start), 100*time.Millisecond)
	assert.False(t, c.Task().Alive())
	assert.True(t, c.Status().Closed)

	n := act.numCommands()
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, n, act.numCommands())

	assert.ErrorIs(t, c.WaitUntilSettled(testContext(t)), ErrClosed)
	c.Stop()
	assert.Equal(t, n, act.numCommands())
}

func TestGainsAppliedAsOneBundle(t *testing.T) {
	d, tu, a := fakeAxes()
	var mixed, lastKP atomic.Int64
	check := func() {
		if d.gains != tu.gains || tu.gains != a.gains {
			mixed.Add(1)
		}
		lastKP.Store(int64(d.gains.KP))
	}
	d.onStep = check
	a.onStep = check
	c := newTestController(t, d, tu, a, newFakeActuator(0), testOptions())
	c.Start()
	c.MoveDistanceRawAsync(1e6)

	for i := 1; i <= 200; i++ {
		g := pid.Gains{KP: float64(i), KI: float64(i), KD: float64(i)}
		c.SetGains(g, g, g)
		if i%20 == 0 {
			time.Sleep(time.Millisecond)
		}
	}
	require.Eventually(t, func() bool { return lastKP.Load() == 200 }, eventually, tick)
	require.NoError(t, c.Close())

	assert.Zero(t, mixed.Load())
	assert.Equal(t, pid.Gains{KP: 200, KI: 200, KD: 200}, c.Gains().Turn)
}

func TestSensorReadFailuresReusePreviousValues(t *testing.T) {
	d, tu, a := pidAxes()
	act := newFakeActuator(0.05)
	act.failReads = 3
	log, logs := observedLogger()
	opts := testOptions()
	opts.Logger = log
	opts.Metrics = NewMetrics(nil)
	c := newTestController(t, d, tu, a, act, opts)
	c.Start()

	require.NoError(t, c.MoveDistanceRaw(testContext(t), 500))

	assert.Equal(t, 1, logs.FilterMessage("Failed to read sensors; using previous values").Len())
	assert.Equal(t, 3.0, testutil.ToFloat64(opts.Metrics.ReadFailures))
	pos := act.position()
	assert.InDelta(t, 500, (pos.Left+pos.Right)/2, 5)
}

func TestPanicAbandonsMovement(t *testing.T) {
	d, tu, a := fakeAxes()
	d.output = 0.5
	d.panicNext.Store(true)
	act := newFakeActuator(0)
	log, logs := observedLogger()
	opts := testOptions()
	opts.Logger = log
	c := newTestController(t, d, tu, a, act, opts)
	c.Start()

	c.MoveDistanceRawAsync(100)
	require.NoError(t, c.WaitUntilSettled(testContext(t)))
	assert.Equal(t, ModeNone, c.Mode())
	require.Eventually(t, func() bool {
		return logs.FilterMessage("Recovered panic in control loop; abandoning movement").Len() == 1
	}, eventually, tick)
	last, _ := act.lastCommand()
	assert.Equal(t, command{}, last)
	assert.True(t, c.Task().Alive())

	d.settle.Store(true)
	a.settle.Store(true)
	require.NoError(t, c.MoveDistanceRaw(testContext(t), 100))
	assert.Positive(t, d.steps.Load())
}

func TestFirstReadFailureDoesNotMoveBaseline(t *testing.T) {
	d, tu, a := pidAxes()
	act := newFakeActuator(0.05)
	act.pos = SensorValues{Left: 5000, Right: 5000}
	act.failReads = 1
	c := newTestController(t, d, tu, a, act, testOptions())
	c.Start()

	require.NoError(t, c.MoveDistanceRaw(testContext(t), 100))

	pos := act.position()
	assert.InDelta(t, 5100, (pos.Left+pos.Right)/2, 5)
	for _, cmd := range act.history() {
		assert.GreaterOrEqual(t, cmd.left, 0.0, "drove backwards: %+v", cmd)
	}
}

func TestMovementBaselineUsesCycleRead(t *testing.T) {
	d, tu, a := fakeAxes()
	d.settle.Store(true)
	a.settle.Store(true)
	act := newFakeActuator(0)
	c := newTestController(t, d, tu, a, act, testOptions())
	c.Start()

	require.NoError(t, c.MoveDistanceRaw(testContext(t), 100))
	assert.Equal(t, 1, act.numReads())
	assert.Equal(t, int64(1), d.steps.Load())

	tu.settle.Store(true)
	require.NoError(t, c.TurnAngleRaw(testContext(t), 100))
	assert.Equal(t, 2, act.numReads())
}
