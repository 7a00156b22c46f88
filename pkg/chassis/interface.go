package chassis

import (
	"context"
	"time"

	"github.com/tigerbot-team/tigerbot/go-chassis/pkg/pid"
)

// Controller is the move/turn/settle contract that callers drive the robot
// through.  Distances are in metres, angles in degrees (positive is clockwise).
type Controller interface {
	MoveDistance(ctx context.Context, metres float64) error
	MoveDistanceAsync(metres float64)
	TurnAngle(ctx context.Context, degrees float64) error
	TurnAngleAsync(degrees float64)

	// WaitUntilSettled blocks until the current movement completes.
	WaitUntilSettled(ctx context.Context) error
	Stop()

	SetMaxVelocity(rpm float64)
	ChassisScales() Scales
	GearsetRatioPair() GearsetRatioPair
}

// AxisController is one independently controlled axis: straight distance,
// in-place turn or heading correction.  *pid.Controller implements it.
type AxisController interface {
	SetTarget(target float64)
	Step(measurement float64) float64
	IsSettled() bool
	Reset()
	SetGains(pid.Gains)
	Gains() pid.Gains
}

var _ AxisController = (*pid.Controller)(nil)

// SensorValues are the cumulative encoder positions of each side, in encoder
// units.
type SensorValues struct {
	Left, Right float64
}

func (s SensorValues) Sub(o SensorValues) SensorValues {
	return SensorValues{Left: s.Left - o.Left, Right: s.Right - o.Right}
}

// Actuator drives the two sides of the drivetrain.  Velocities are in RPM,
// voltages in millivolts.
type Actuator interface {
	SetVelocity(left, right float64) error
	SetVoltage(left, right float64) error
	Sensors() (SensorValues, error)
	SetMaxVelocity(rpm float64) error
}

// TimeSource paces the control loop.
type TimeSource interface {
	Now() time.Time
	SleepUntil(t time.Time)
}
