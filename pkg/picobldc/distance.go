package picobldc

type distanceProvider interface {
	RawDistancesTraveled() (PerMotorVal[int16], error)
}

// DistanceTracker turns the board's wrapping 16-bit travel counters into
// unbounded per-motor rotation counts.  It must be polled often enough that
// no counter moves by more than half its range between polls.
type DistanceTracker struct {
	pico distanceProvider

	doneFirstPoll bool
	lastRawValues PerMotorVal[int16]

	accumulator PerMotorVal[int64]
}

func NewDistanceTracker(pico distanceProvider) *DistanceTracker {
	return &DistanceTracker{
		pico: pico,
	}
}

// Poll reads the counters and returns the rotations accumulated since the
// first successful poll (or the last Zero).
func (d *DistanceTracker) Poll() (PerMotorVal[float64], error) {
	raw, err := d.pico.RawDistancesTraveled()
	if err != nil {
		return d.AccumulatedRotations(), err
	}

	if d.doneFirstPoll {
		for m, newD := range raw {
			// int16 subtraction wraps, which is what we want.
			delta := newD - d.lastRawValues[m]
			d.accumulator[m] += int64(delta)
		}
	}

	d.lastRawValues = raw
	d.doneFirstPoll = true
	return d.AccumulatedRotations(), nil
}

func (d *DistanceTracker) AccumulatedRotations() (rotations PerMotorVal[float64]) {
	for m, v := range d.accumulator {
		rotations[m] = float64(v) * TravelLSB
	}
	return
}

func (d *DistanceTracker) Zero() {
	d.accumulator = PerMotorVal[int64]{}
}
