package chassis

import (
	"time"

	"github.com/facebookgo/clock"
)

type clockSource struct {
	clock clock.Clock
}

// NewTimeSource adapts a clock.Clock; pass clock.New() for wall time or a
// *clock.Mock in tests.
func NewTimeSource(c clock.Clock) TimeSource {
	return clockSource{clock: c}
}

func (c clockSource) Now() time.Time {
	return c.clock.Now()
}

func (c clockSource) SleepUntil(t time.Time) {
	if d := t.Sub(c.clock.Now()); d > 0 {
		c.clock.Sleep(d)
	}
}

// rate produces fixed-period deadlines.  If we fall more than a whole period
// behind we re-base on the current time rather than trying to catch up.
type rate struct {
	period time.Duration
	next   time.Time
}

func (r *rate) delayUntil(ts TimeSource) {
	now := ts.Now()
	if r.next.IsZero() || now.Sub(r.next) > r.period {
		r.next = now
	}
	r.next = r.next.Add(r.period)
	ts.SleepUntil(r.next)
}
