package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tigerbot-team/tigerbot/go-chassis/pkg/chassis"
	"github.com/tigerbot-team/tigerbot/go-chassis/pkg/pid"
)

func writeFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chassis.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0644))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoadEmptyPathGivesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadOverlaysDefaults(t *testing.T) {
	path := writeFile(t, `
loop_period: 20ms
velocity_mode: false
gearset:
  rpm: 600
  ratio: 0.6
distance:
  kp: 0.01
  settle:
    dwell_cycles: 3
logging:
  format: json
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	def := Default()
	assert.Equal(t, 20*time.Millisecond, cfg.LoopPeriod)
	assert.False(t, cfg.VelocityMode)
	assert.Equal(t, chassis.GearsetRatioPair{Gearset: chassis.GearsetBlue, Ratio: 0.6}, cfg.Gearset)
	assert.Equal(t, 0.01, cfg.Distance.Gains.KP)
	assert.Equal(t, def.Distance.Gains.KD, cfg.Distance.Gains.KD)
	assert.Equal(t, 3, cfg.Distance.Settle.DwellCycles)
	assert.Equal(t, def.Distance.Settle.Error, cfg.Distance.Settle.Error)
	assert.Equal(t, def.Turn, cfg.Turn)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, def.Logging.Level, cfg.Logging.Level)
	assert.Equal(t, def.Scales, cfg.Scales)
}

func TestLoadRejectsInvalid(t *testing.T) {
	for _, contents := range []string{
		"gearset: {ratio: 0}",
		"loop_period: -5ms",
		"scales: {wheel_diameter_m: 0}",
		"turn: {output_min: 1, output_max: -1}",
		"angle: {settle: {error: 0}}",
		"logging: {format: xml}",
		"max_velocity: -1",
		"distance: [not, a, map]",
	} {
		_, err := Load(writeFile(t, contents))
		assert.ErrorIs(t, err, ErrInvalidConfig, contents)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestWriteInUseCanBeReloaded(t *testing.T) {
	cfg := Default()
	cfg.LoopPeriod = 5 * time.Millisecond
	cfg.Angle.Gains.KI = 0.5

	path := filepath.Join(t.TempDir(), "chassis-in-use.yaml")
	require.NoError(t, WriteInUse(path, cfg))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "loop_period: 5ms")

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestNewController(t *testing.T) {
	cfg := Default()
	cfg.VelocityMode = false
	cfg.MaxVelocity = 120
	cfg.Distance.Gains = pid.Gains{KP: 1, KI: 2, KD: 3}

	c, err := cfg.NewController(nopActuator{}, nil, nil)
	require.NoError(t, err)
	defer c.Close()

	assert.False(t, c.VelocityMode())
	assert.Equal(t, 120.0, c.MaxVelocity())
	assert.Equal(t, cfg.Distance.Gains, c.Gains().Distance)
	assert.Equal(t, cfg.Gearset, c.GearsetRatioPair())
	assert.Equal(t, cfg.Scales, c.ChassisScales())
}

func TestNewControllerRejectsZeroRatio(t *testing.T) {
	cfg := Default()
	cfg.Gearset.Ratio = 0

	_, err := cfg.NewController(nopActuator{}, nil, nil)
	assert.ErrorIs(t, err, chassis.ErrInvalidConfiguration)
}

type nopActuator struct{}

func (nopActuator) SetVelocity(left, right float64) error { return nil }
func (nopActuator) SetVoltage(left, right float64) error { return nil }
func (nopActuator) Sensors() (chassis.SensorValues, error) { return chassis.SensorValues{}, nil }
func (nopActuator) SetMaxVelocity(rpm float64) error { return nil }
