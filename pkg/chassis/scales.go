package chassis

import "math"

// Gearset is the free speed of a motor cartridge in RPM.
type Gearset float64

const (
	GearsetRed   Gearset = 100
	GearsetGreen Gearset = 200
	GearsetBlue  Gearset = 600
)

// GearsetRatioPair is the motor cartridge plus the external gear ratio between
// the motor and the wheel (wheel turns per motor turn is 1/Ratio).
type GearsetRatioPair struct {
	Gearset Gearset `yaml:"rpm"`
	Ratio   float64 `yaml:"ratio"`
}

func (g GearsetRatioPair) valid() bool {
	return g.Gearset > 0 && g.Ratio != 0 && !math.IsNaN(g.Ratio) && !math.IsInf(g.Ratio, 0)
}

// Encoder degrees per wheel revolution.
const DegreesTPR = 360

// Scales converts between physical units and encoder units.
type Scales struct {
	WheelDiameterM float64 `yaml:"wheel_diameter_m"`
	WheelTrackM    float64 `yaml:"wheel_track_m"`
	TPR            float64 `yaml:"tpr"`
}

// DefaultScales is a 4" wheel on a 11.5" track, in encoder degrees.
var DefaultScales = Scales{
	WheelDiameterM: 0.1016,
	WheelTrackM:    0.2921,
	TPR:            DegreesTPR,
}

// Straight returns encoder units per metre travelled.
func (s Scales) Straight() float64 {
	return s.TPR / (s.WheelDiameterM * math.Pi)
}

// Turn returns wheel encoder units per degree of in-place robot rotation.
func (s Scales) Turn() float64 {
	return s.WheelTrackM / s.WheelDiameterM * s.TPR / DegreesTPR
}

func (s Scales) valid() bool {
	return s.WheelDiameterM > 0 && s.WheelTrackM > 0 && s.TPR > 0
}
