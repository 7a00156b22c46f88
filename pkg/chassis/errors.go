package chassis

import "errors"

var (
	// ErrInvalidConfiguration is returned by NewPIDController for a zero gear
	// ratio or other unusable construction arguments.
	ErrInvalidConfiguration = errors.New("chassis: invalid configuration")

	// ErrClosed is returned when waiting on a controller that has been closed.
	ErrClosed = errors.New("chassis: controller closed")
)
