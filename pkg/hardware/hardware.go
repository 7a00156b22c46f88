package hardware

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tigerbot-team/tigerbot/go-chassis/pkg/chassis"
	"github.com/tigerbot-team/tigerbot/go-chassis/pkg/config"
	"github.com/tigerbot-team/tigerbot/go-chassis/pkg/picobldc"
)

const (
	watchdogTimeout    = 500 * time.Millisecond
	powerCheckInterval = 10 * time.Second
)

// Hardware is the real robot: a Pico-BLDC board driving four motors.
type Hardware struct {
	log     *zap.Logger
	metrics *chassis.Metrics
	bus     string

	pico  *lockedPico
	drive *picobldc.Drivetrain

	controlLock sync.Mutex
	current     *chassis.PIDController

	cancelMonitor context.CancelFunc
	monitorDone   sync.WaitGroup
}

func New(bus string, log *zap.Logger, metrics *chassis.Metrics) *Hardware {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hardware{
		log:     log.Named("hw"),
		metrics: metrics,
		bus:     bus,
	}
}

var _ Interface = (*Hardware)(nil)

// Start opens the motor board and starts the power monitor, which runs until
// ctx is done or Shutdown is called.
func (h *Hardware) Start(ctx context.Context) error {
	pico, err := picobldc.New(h.bus, h.log)
	if err != nil {
		return err
	}
	if err := pico.SetWatchdog(watchdogTimeout); err != nil {
		_ = pico.Close()
		return fmt.Errorf("failed to enable motor watchdog: %w", err)
	}
	h.pico = &lockedPico{pico: pico}

	ctx, h.cancelMonitor = context.WithCancel(ctx)
	h.monitorDone.Add(1)
	go h.pico.monitorPower(ctx, &h.monitorDone, h.log, powerCheckInterval)
	return nil
}

func (h *Hardware) StartChassisControl(cfg *config.Config) (*chassis.PIDController, error) {
	if h.pico == nil {
		return nil, fmt.Errorf("%w: hardware not started", picobldc.ErrNotReady)
	}
	h.StopMotorControl()

	drive := picobldc.NewDrivetrain(h.pico, cfg.Gearset.Gearset)
	ctrl, err := cfg.NewController(drive, h.log, h.metrics)
	if err != nil {
		return nil, err
	}
	ctrl.Start()

	h.controlLock.Lock()
	h.current, h.drive = ctrl, drive
	h.controlLock.Unlock()
	return ctrl, nil
}

func (h *Hardware) StopMotorControl() {
	h.controlLock.Lock()
	defer h.controlLock.Unlock()

	if h.current != nil {
		h.log.Info("Stopping motor control")
		_ = h.current.Close()
		h.current = nil
		h.log.Info("Stopped motor control")
	}
	if h.drive != nil {
		if err := h.drive.Zero(); err != nil {
			h.log.Error("Failed to zero motors", zap.Error(err))
		}
		time.Sleep(30 * time.Millisecond)
	}
}

func (h *Hardware) Shutdown() {
	h.StopMotorControl()
	if h.cancelMonitor != nil {
		h.cancelMonitor()
		h.monitorDone.Wait()
	}
	if h.pico != nil {
		if err := h.pico.Close(); err != nil {
			h.log.Warn("Failed to close motor board", zap.Error(err))
		}
	}
}
