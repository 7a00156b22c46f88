package hardware

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tigerbot-team/tigerbot/go-chassis/pkg/picobldc"
)

// lockedPico shares the board between the control loop and the power
// monitor.
type lockedPico struct {
	lock sync.Mutex
	pico *picobldc.PicoBLDC
}

var _ picobldc.Interface = (*lockedPico)(nil)

func (p *lockedPico) SetMotorSpeeds(frontLeft, frontRight, backLeft, backRight int16) error {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.pico.SetMotorSpeeds(frontLeft, frontRight, backLeft, backRight)
}

func (p *lockedPico) RawDistancesTraveled() (picobldc.PerMotorVal[int16], error) {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.pico.RawDistancesTraveled()
}

func (p *lockedPico) Close() error {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.pico.Close()
}

type powerReading struct {
	battV, amps, watts, tempC float32
	status                    picobldc.StatusFlag
}

func (p *lockedPico) readPower() (r powerReading, err error) {
	p.lock.Lock()
	defer p.lock.Unlock()

	if r.battV, err = p.pico.BattVolts(); err != nil {
		return
	}
	if r.amps, err = p.pico.CurrentAmps(); err != nil {
		return
	}
	if r.watts, err = p.pico.PowerWatts(); err != nil {
		return
	}
	if r.tempC, err = p.pico.TemperatureC(); err != nil {
		return
	}
	r.status, err = p.pico.Status()
	return
}

func (p *lockedPico) monitorPower(ctx context.Context, wg *sync.WaitGroup, log *zap.Logger, interval time.Duration) {
	defer wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		r, err := p.readPower()
		if err != nil {
			log.Warn("Failed to read power sensors", zap.Error(err))
		} else {
			fields := []zap.Field{
				zap.Float32("volts", r.battV),
				zap.Float32("amps", r.amps),
				zap.Float32("watts", r.watts),
				zap.Float32("tempC", r.tempC),
			}
			if r.status&(picobldc.RegStatusFault|picobldc.RegStatusWatchdogExpired) != 0 {
				log.Warn("Motor board reports a fault", append(fields, zap.Uint16("status", uint16(r.status)))...)
			} else {
				log.Info("Power", fields...)
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
