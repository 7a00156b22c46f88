package picobldc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"
	"golang.org/x/exp/io/i2c"
)

const (
	PicoAddr   = 0x42
	DefaultBus = "/dev/i2c-1"
)

type Register byte

const (
	RegCtrl Register = iota
	RegStatus
	RegWatchdogTimeout
	RegFaultCount

	RegMot0V
	RegMot1V
	RegMot2V
	RegMot3V

	RegMot0Calib
	RegMot1Calib
	RegMot2Calib
	RegMot3Calib

	RegBattV // LSB=4mV
	RegCurrent
	RegPower

	RegTemperature // LSB = 0.01C

	// Free-running travel counters, LSB = 1/256 rotation.
	RegMot0Travel
	RegMot1Travel
	RegMot2Travel
	RegMot3Travel
)

const (
	BattVLSB       = 0.004
	CurrentLSB     = 0.0001831054688
	PowerLSB       = CurrentLSB * 20
	TemperatureLSB = 0.01

	// MotorSpeedLSB is the speed register resolution in rotations per second.
	MotorSpeedLSB = 1.0 / 4096
	TravelLSB     = 1.0 / 256
)

const (
	RegCtrlEnableI2CControl uint16 = 1 << iota
	RegCtrlRun
	RegCtrlDoCalib
	RegCtrlReset
	RegCtrlWatchdogEnable
)

type StatusFlag uint16

const (
	RegStatusFault StatusFlag = 1 << iota
	RegStatusCalibDone
	RegStatusWatchdogExpired
)

// Motor indexes, in register order.
const (
	MotorBackRight = iota
	MotorFrontRight
	MotorFrontLeft
	MotorBackLeft
	NumMotors
)

// PerMotorVal holds one value per motor, indexed by the Motor* constants.
type PerMotorVal[T any] [NumMotors]T

// RPSToMotorSpeed converts rotations per second to the speed register value,
// saturating at the register's range.
func RPSToMotorSpeed(rps float64) int16 {
	v := math.Round(rps / MotorSpeedLSB)
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}

type Interface interface {
	SetMotorSpeeds(frontLeft, frontRight, backLeft, backRight int16) error
	RawDistancesTraveled() (PerMotorVal[int16], error)
	Close() error
}

var ErrNotReady = errors.New("picobldc: not ready")

const (
	writeRetries     = 20
	calibrateTimeout = 10 * time.Second
)

// device is the part of *i2c.Device that we use.
type device interface {
	Write(buf []byte) error
	ReadReg(reg byte, buf []byte) error
	Close() error
}

type PicoBLDC struct {
	dev  device
	open func() (device, error)
	log  *zap.Logger

	lastConfigWord  uint16
	lastConfigTime  time.Time
	watchdogEnabled bool
}

var _ Interface = (*PicoBLDC)(nil)

// New opens the board on the given I2C bus device (DefaultBus if empty).
func New(bus string, log *zap.Logger) (*PicoBLDC, error) {
	if bus == "" {
		bus = DefaultBus
	}
	open := func() (device, error) {
		return i2c.Open(&i2c.Devfs{Dev: bus}, PicoAddr)
	}
	return newPico(open, log)
}

func newPico(open func() (device, error), log *zap.Logger) (*PicoBLDC, error) {
	if log == nil {
		log = zap.NewNop()
	}
	dev, err := open()
	if err != nil {
		return nil, fmt.Errorf("failed to open Pico-BLDC: %w", err)
	}
	return &PicoBLDC{
		dev:  dev,
		open: open,
		log:  log.Named("picobldc"),
	}, nil
}

// Reset stops the motors.
func (p *PicoBLDC) Reset() error {
	return p.maybeConfigure(true, false)
}

func (p *PicoBLDC) SetWatchdog(timeout time.Duration) error {
	if timeout == 0 {
		// Disable.
		p.watchdogEnabled = false
		return p.maybeConfigure(false, false)
	}

	ms := timeout.Milliseconds()
	if ms > math.MaxUint16 {
		ms = math.MaxUint16
	}
	err := p.writeReg(RegWatchdogTimeout, uint16(ms))
	if err != nil {
		return err
	}

	p.watchdogEnabled = true
	return p.maybeConfigure(false, false)
}

func (p *PicoBLDC) SetMotorSpeeds(frontLeft, frontRight, backLeft, backRight int16) error {
	if err := p.maybeConfigure(false, true); err != nil {
		return err
	}
	if err := p.writeReg(RegMot0V, uint16(backRight)); err != nil {
		return err
	}
	if err := p.writeReg(RegMot1V, uint16(frontRight)); err != nil {
		return err
	}
	if err := p.writeReg(RegMot2V, uint16(frontLeft)); err != nil {
		return err
	}
	if err := p.writeReg(RegMot3V, uint16(backLeft)); err != nil {
		return err
	}
	return nil
}

// RawDistancesTraveled reads the wrapping travel counters of all four motors.
func (p *PicoBLDC) RawDistancesTraveled() (PerMotorVal[int16], error) {
	var d PerMotorVal[int16]
	for m := range d {
		raw, err := p.readReg(RegMot0Travel + Register(m))
		if err != nil {
			return d, err
		}
		d[m] = int16(raw)
	}
	return d, nil
}

func (p *PicoBLDC) Close() error {
	_ = p.Reset()
	return p.dev.Close()
}

func (p *PicoBLDC) writeWithRetries(data []byte) error {
	var err error
	for tries := 0; tries < writeRetries; tries++ {
		err = p.dev.Write(data)
		if err == nil {
			if tries > 0 {
				p.log.Info("Successfully programmed Pico-BLDC after retries", zap.Int("tries", tries+1))
			}
			return nil
		}
		p.log.Warn("Failed to write to Pico-BLDC", zap.Error(err))
		time.Sleep(1 * time.Millisecond)
		_ = p.dev.Close()
		dev, openErr := p.open()
		if openErr != nil {
			continue
		}
		p.dev = dev
	}
	return fmt.Errorf("failed to write to Pico-BLDC after %d tries: %w", writeRetries, err)
}

func (p *PicoBLDC) maybeConfigure(resetMotorSpeeds bool, enableMotors bool) error {
	// Figure out if the config word has changed.
	var configWord uint16 = RegCtrlEnableI2CControl
	if resetMotorSpeeds {
		configWord |= RegCtrlReset
	}
	if enableMotors {
		configWord |= RegCtrlRun
	}
	if p.watchdogEnabled {
		configWord |= RegCtrlWatchdogEnable
	}

	if configWord == p.lastConfigWord && time.Since(p.lastConfigTime) < 100*time.Millisecond {
		// Skip writing config if we've done it recently.
		return nil
	}

	if p.lastConfigWord == 0 {
		// First time.  Figure out calibration...
		calib, err := p.readReg(RegMot3Calib)
		if err != nil {
			return err
		}
		if calib == 0 {
			// Calibration register empty, do a calibration.  The wheels
			// need to be off the ground for this.
			p.log.Warn("Pico-BLDC not calibrated, running calibration...")
			configWord |= RegCtrlDoCalib
		}
	}

	if err := p.writeReg(RegCtrl, configWord); err != nil {
		return err
	}

	if configWord&RegCtrlDoCalib != 0 {
		if err := p.waitForCalibration(); err != nil {
			return err
		}
	}

	if err := p.writeReg(RegStatus, uint16(RegStatusCalibDone)); err != nil {
		return err
	}

	p.lastConfigTime = time.Now()
	p.lastConfigWord = configWord & (^RegCtrlReset) /* Reset flag is not persistent */
	return nil
}

func (p *PicoBLDC) waitForCalibration() error {
	start := time.Now()
	var lastLog time.Time
	for {
		status, err := p.Status()
		if err != nil {
			p.log.Warn("Failed to read status register", zap.Error(err))
		} else if status&RegStatusCalibDone != 0 {
			break
		}
		if time.Since(start) > calibrateTimeout {
			return fmt.Errorf("%w: calibration did not finish", ErrNotReady)
		}
		if time.Since(lastLog) > time.Second {
			p.log.Info("Waiting for calibration to finish...", zap.Uint16("status", uint16(status)))
			lastLog = time.Now()
		}
		time.Sleep(time.Millisecond)
	}

	var words [NumMotors]uint16
	for r := RegMot0Calib; r <= RegMot3Calib; r++ {
		v, err := p.readReg(r)
		if err != nil {
			return err
		}
		words[r-RegMot0Calib] = v
	}
	p.log.Info("Calibration words", zap.Uint16s("words", words[:]))
	return nil
}

func (p *PicoBLDC) BattVolts() (float32, error) {
	raw, err := p.readReg(RegBattV)
	if err != nil {
		return 0, err
	}
	v := float32(raw) * BattVLSB
	return v, nil
}

func (p *PicoBLDC) CurrentAmps() (float32, error) {
	raw, err := p.readReg(RegCurrent)
	if err != nil {
		return 0, err
	}
	v := float32(raw) * CurrentLSB
	return v, nil
}

func (p *PicoBLDC) PowerWatts() (float32, error) {
	raw, err := p.readReg(RegPower)
	if err != nil {
		return 0, err
	}
	v := float32(raw) * PowerLSB
	return v, nil
}

func (p *PicoBLDC) TemperatureC() (float32, error) {
	raw, err := p.readReg(RegTemperature)
	if err != nil {
		return 0, err
	}
	v := float32(raw) * TemperatureLSB
	return v, nil
}

func (p *PicoBLDC) Status() (StatusFlag, error) {
	raw, err := p.readReg(RegStatus)
	if err != nil {
		return 0, err
	}
	return StatusFlag(raw), nil
}

func (p *PicoBLDC) writeReg(reg Register, value uint16) error {
	return p.writeWithRetries([]byte{byte(reg), byte(value >> 8), byte(value)})
}

func (p *PicoBLDC) readReg(reg Register) (uint16, error) {
	var buf [2]byte
	err := p.dev.ReadReg(byte(reg), buf[:])
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(buf[:]), nil
}
