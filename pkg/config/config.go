// Package config holds the chassis controller's tunables.  A YAML file is
// overlaid on the defaults, and the effective configuration can be written
// back out so that a run can be reproduced.
package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"time"

	"go.uber.org/zap"
	yaml "gopkg.in/yaml.v2"

	"github.com/tigerbot-team/tigerbot/go-chassis/pkg/chassis"
	"github.com/tigerbot-team/tigerbot/go-chassis/pkg/pid"
)

var ErrInvalidConfig = errors.New("config: invalid configuration")

type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type Config struct {
	LoopPeriod   time.Duration            `yaml:"loop_period"`
	VelocityMode bool                     `yaml:"velocity_mode"`
	MaxVelocity  float64                  `yaml:"max_velocity"`
	Gearset      chassis.GearsetRatioPair `yaml:"gearset"`
	Scales       chassis.Scales           `yaml:"scales"`

	Distance pid.Params `yaml:"distance"`
	Turn     pid.Params `yaml:"turn"`
	Angle    pid.Params `yaml:"angle"`

	Logging     Logging `yaml:"logging"`
	MetricsAddr string  `yaml:"metrics_addr"`
	I2CBus      string  `yaml:"i2c_bus"`
}

// Default returns a configuration tuned for a green-cartridge drivetrain on
// 4" wheels, with positions in motor degrees.
func Default() *Config {
	distance := pid.DefaultParams()
	distance.Gains = pid.Gains{KP: 0.004, KD: 0.00002}
	distance.Settle = pid.SettleBounds{Error: 10, Derivative: 2, DwellCycles: 10}

	turn := pid.DefaultParams()
	turn.Gains = pid.Gains{KP: 0.01, KD: 0.00005}
	turn.Settle = pid.SettleBounds{Error: 5, Derivative: 2, DwellCycles: 10}

	angle := pid.DefaultParams()
	angle.Gains = pid.Gains{KP: 0.005}
	angle.OutputMin, angle.OutputMax = -0.5, 0.5
	// Heading hold only needs to be close; the distance axis decides when
	// a straight move has finished.
	angle.Settle = pid.SettleBounds{Error: 20, Derivative: 5, DwellCycles: 1}

	return &Config{
		LoopPeriod:   chassis.DefaultPeriod,
		VelocityMode: true,
		MaxVelocity:  float64(chassis.GearsetGreen),
		Gearset:      chassis.GearsetRatioPair{Gearset: chassis.GearsetGreen, Ratio: 1},
		Scales:       chassis.DefaultScales,
		Distance:     distance,
		Turn:         turn,
		Angle:        angle,
		Logging:      Logging{Level: "info", Format: "console"},
		MetricsAddr:  ":9100",
		I2CBus:       "/dev/i2c-1",
	}
}

// Load overlays the YAML file at path on the defaults.  An empty path gives
// the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

// WriteInUse writes out the config that we are using.
func WriteInUse(path string, c *Config) error {
	data, err := c.Marshal()
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0666)
}

func (c *Config) Validate() error {
	if c.LoopPeriod <= 0 {
		return fmt.Errorf("%w: loop_period must be positive, not %v", ErrInvalidConfig, c.LoopPeriod)
	}
	if c.Gearset.Gearset <= 0 {
		return fmt.Errorf("%w: gearset rpm must be positive", ErrInvalidConfig)
	}
	if r := c.Gearset.Ratio; r == 0 || math.IsNaN(r) || math.IsInf(r, 0) {
		return fmt.Errorf("%w: gearset ratio %v", ErrInvalidConfig, r)
	}
	if s := c.Scales; s.WheelDiameterM <= 0 || s.WheelTrackM <= 0 || s.TPR <= 0 {
		return fmt.Errorf("%w: scales must be positive: %+v", ErrInvalidConfig, s)
	}
	if c.MaxVelocity < 0 {
		return fmt.Errorf("%w: max_velocity %v", ErrInvalidConfig, c.MaxVelocity)
	}
	for name, p := range map[string]pid.Params{"distance": c.Distance, "turn": c.Turn, "angle": c.Angle} {
		if p.OutputMin >= p.OutputMax {
			return fmt.Errorf("%w: %s output range [%v, %v] is empty", ErrInvalidConfig, name, p.OutputMin, p.OutputMax)
		}
		if p.Settle.Error <= 0 || p.Settle.Derivative <= 0 {
			return fmt.Errorf("%w: %s settle bounds must be positive", ErrInvalidConfig, name)
		}
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("%w: logging format %q", ErrInvalidConfig, c.Logging.Format)
	}
	return nil
}

// Controllers builds the distance, turn and angle axes.  Their sample time is
// the loop period.
func (c *Config) Controllers() (distance, turn, angle *pid.Controller) {
	mk := func(p pid.Params) *pid.Controller {
		p.SampleTime = c.LoopPeriod
		return pid.New(p)
	}
	return mk(c.Distance), mk(c.Turn), mk(c.Angle)
}

func (c *Config) ChassisOptions(log *zap.Logger, metrics *chassis.Metrics) chassis.Options {
	return chassis.Options{
		Gearset: c.Gearset,
		Scales:  c.Scales,
		Period:  c.LoopPeriod,
		Logger:  log,
		Metrics: metrics,
	}
}

// NewController builds a chassis controller from the configuration.  The
// caller starts it.
func (c *Config) NewController(actuator chassis.Actuator, log *zap.Logger, metrics *chassis.Metrics) (*chassis.PIDController, error) {
	distance, turn, angle := c.Controllers()
	ctrl, err := chassis.NewPIDController(distance, turn, angle, actuator, c.ChassisOptions(log, metrics))
	if err != nil {
		return nil, err
	}
	ctrl.SetVelocityMode(c.VelocityMode)
	if c.MaxVelocity > 0 {
		ctrl.SetMaxVelocity(c.MaxVelocity)
	}
	return ctrl, nil
}
