package hardware

import (
	"context"

	"github.com/tigerbot-team/tigerbot/go-chassis/pkg/chassis"
	"github.com/tigerbot-team/tigerbot/go-chassis/pkg/config"
)

type Interface interface {
	Start(ctx context.Context) error

	// Start closed-loop chassis control (the previous controller, if any,
	// is stopped first).
	StartChassisControl(cfg *config.Config) (*chassis.PIDController, error)
	// Stop the active controller, wait for its loop to exit and zero the
	// motors.
	StopMotorControl()

	Shutdown()
}
