package picobldc

import (
	"math"

	"github.com/tigerbot-team/tigerbot/go-chassis/pkg/chassis"
)

// Drivetrain drives the four motors as a skid-steer chassis: the front and
// back motor on each side get the same command.  The right-hand motors are
// mounted mirrored, so their commands and travel are negated.
//
// Velocities are wheel-motor RPM; voltages are millivolts, mapped linearly
// onto the gearset's free speed since the board only takes speed commands.
// Sensor values are motor degrees.
type Drivetrain struct {
	motors  Interface
	tracker *DistanceTracker
	freeRPM float64
	maxRPM  float64
}

var _ chassis.Actuator = (*Drivetrain)(nil)

func NewDrivetrain(motors Interface, gearset chassis.Gearset) *Drivetrain {
	return &Drivetrain{
		motors:  motors,
		tracker: NewDistanceTracker(motors),
		freeRPM: float64(gearset),
		maxRPM:  float64(gearset),
	}
}

func (d *Drivetrain) SetVelocity(left, right float64) error {
	return d.setRPM(clamp(left, d.maxRPM), clamp(right, d.maxRPM))
}

func (d *Drivetrain) SetVoltage(left, right float64) error {
	scale := d.freeRPM / chassis.MaxVoltage
	return d.setRPM(left*scale, right*scale)
}

func (d *Drivetrain) setRPM(left, right float64) error {
	l := RPSToMotorSpeed(left / 60)
	r := RPSToMotorSpeed(-right / 60)
	return d.motors.SetMotorSpeeds(l, r, l, r)
}

func (d *Drivetrain) Sensors() (chassis.SensorValues, error) {
	rot, err := d.tracker.Poll()
	if err != nil {
		return chassis.SensorValues{}, err
	}
	left := (rot[MotorFrontLeft] + rot[MotorBackLeft]) / 2
	right := -(rot[MotorFrontRight] + rot[MotorBackRight]) / 2
	return chassis.SensorValues{
		Left:  left * chassis.DegreesTPR,
		Right: right * chassis.DegreesTPR,
	}, nil
}

func (d *Drivetrain) SetMaxVelocity(rpm float64) error {
	d.maxRPM = math.Abs(rpm)
	return nil
}

// Zero stops all four motors.
func (d *Drivetrain) Zero() error {
	return d.motors.SetMotorSpeeds(0, 0, 0, 0)
}

func clamp(v, limit float64) float64 {
	return math.Max(-limit, math.Min(limit, v))
}
