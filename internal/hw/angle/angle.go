package angle

import (
	"fmt"
	"math"
	"time"

	"github.com/cjeanneret/FeedGo/internal/debug"
	"github.com/cjeanneret/FeedGo/internal/hw/bus"
)

// AS5048B register map.
const (
	regAngleMSB = 0xFE
	regAngleLSB = 0xFF
	regZeroMSB  = 0x16
	regZeroLSB  = 0x17
	regGain     = 0xFA
	regDiag     = 0xFB
	regMagnMSB  = 0xFC
)

// DefaultResolution is the AS5048B resolution (14 bits).
const DefaultResolution = 16384

// DefaultFilterWindow is the default moving average window N.
const DefaultFilterWindow = 10

// Unit selects the representation of a filtered angle value.
type Unit int

const (
	Degrees Unit = iota
	Radians
	Ticks
)

// Reading is a single raw angle sample.
type Reading struct {
	RawTicks int       // absolute position in [0, Resolution)
	At       time.Time // monotonic sample instant
}

// Config holds the sensor configuration.
type Config struct {
	Resolution   int  // sensor tick count per revolution (0 = DefaultResolution)
	Clockwise    bool // invert raw readings: raw = (resolution-1) - raw
	FilterWindow int  // circular average window N (0 = DefaultFilterWindow)
}

// Sensor reads absolute angular position from an AS5048B magnetic rotary
// encoder over a register bus. It keeps the last raw reading and a
// noise-filtered circular average of recent samples.
//
// A linear average of raw angles is wrong across the 0/resolution wrap
// (the mean of 359° and 1° is not 180°), so the filter averages the
// sine/cosine components and recovers the angle from those.
type Sensor struct {
	bus bus.Bus
	cfg Config
	now func() time.Time

	lastRaw      int
	angleOffset  float64 // software calibration offset, radians
	filterAlpha  float64
	filterCount  int
	filterSin    float64
	filterCos    float64
	filteredRaw  float64
}

// NewSensor creates a sensor on the given bus. Zero-value config fields
// fall back to the AS5048B defaults.
func NewSensor(b bus.Bus, cfg Config) *Sensor {
	if cfg.Resolution <= 0 {
		cfg.Resolution = DefaultResolution
	}
	if cfg.FilterWindow <= 0 {
		cfg.FilterWindow = DefaultFilterWindow
	}
	s := &Sensor{
		bus: b,
		cfg: cfg,
		now: time.Now,
	}
	s.ResetFilter()
	return s
}

// Resolution returns the configured tick count per revolution.
func (s *Sensor) Resolution() int {
	return s.cfg.Resolution
}

// ReadRaw reads the current absolute position from the sensor.
// Bus failures are propagated, not retried; the caller decides whether
// to abort its current mode.
func (s *Sensor) ReadRaw() (Reading, error) {
	raw, err := s.readReg16(regAngleMSB)
	if err != nil {
		return Reading{}, fmt.Errorf("read angle: %w", err)
	}
	if s.cfg.Clockwise {
		raw = (s.cfg.Resolution - 1) - raw
	}
	s.lastRaw = raw
	return Reading{RawTicks: raw, At: s.now()}, nil
}

// LastRaw returns the most recently observed raw position.
func (s *Sensor) LastRaw() int {
	return s.lastRaw
}

// Angle returns the current angle in radians with the software
// calibration offset applied. Reads the sensor.
func (s *Sensor) Angle() (float64, error) {
	r, err := s.ReadRaw()
	if err != nil {
		return 0, err
	}
	return float64(r.RawTicks)/float64(s.cfg.Resolution)*2*math.Pi + s.angleOffset, nil
}

// SetOffset sets the software calibration offset (radians). It affects
// only Angle, not raw or filtered readings, and leaves the hardware zero
// register untouched.
func (s *Sensor) SetOffset(offset float64) {
	s.angleOffset = offset
}

// Offset returns the software calibration offset (radians).
func (s *Sensor) Offset() float64 {
	return s.angleOffset
}

// ResetFilter clears the circular average state.
func (s *Sensor) ResetFilter() {
	s.filterAlpha = 2.0 / (float64(s.cfg.FilterWindow) + 1.0)
	s.filterCount = 0
	s.filterSin = 0
	s.filterCos = 0
	s.filteredRaw = 0
}

// UpdateFilter takes a fresh raw sample and folds it into the circular
// average. For the first N samples the filter is a plain arithmetic mean
// of the sin/cos components (bootstrap); after that it is an exponential
// moving average with alpha = 2/(N+1).
func (s *Sensor) UpdateFilter() error {
	r, err := s.ReadRaw()
	if err != nil {
		return err
	}
	rad := float64(r.RawTicks) / float64(s.cfg.Resolution) * 2 * math.Pi

	n := s.cfg.FilterWindow
	if s.filterCount < n {
		s.filterSin += math.Sin(rad)
		s.filterCos += math.Cos(rad)
		if s.filterCount == n-1 {
			s.filterSin /= float64(n)
			s.filterCos /= float64(n)
		}
		s.filterCount++
	} else {
		s.filterSin += s.filterAlpha * (math.Sin(rad) - s.filterSin)
		s.filterCos += s.filterAlpha * (math.Cos(rad) - s.filterCos)
	}

	s.filteredRaw = s.recoverTicks()
	debug.Trace("Filter update: raw=%d filtered=%.1f", r.RawTicks, s.filteredRaw)
	return nil
}

// recoverTicks maps the accumulated sin/cos back to a tick value in
// [0, resolution). acos alone cannot distinguish angles symmetric about
// 0/2π; the sign of the sine accumulator resolves the ambiguity.
func (s *Sensor) recoverTicks() float64 {
	c := s.filterCos
	if c > 1 {
		c = 1
	} else if c < -1 {
		c = -1
	}
	var a float64
	if s.filterSin < 0 {
		a = 2*math.Pi - math.Acos(c)
	} else {
		a = math.Acos(c)
	}
	return a / (2 * math.Pi) * float64(s.cfg.Resolution)
}

// Filtered returns the circular-average angle in the requested unit.
func (s *Sensor) Filtered(unit Unit) float64 {
	switch unit {
	case Degrees:
		return s.filteredRaw / float64(s.cfg.Resolution) * 360.0
	case Radians:
		return s.filteredRaw / float64(s.cfg.Resolution) * 2 * math.Pi
	default:
		return s.filteredRaw
	}
}

// SetZero writes the current raw position into the sensor's hardware
// zero-offset registers so that subsequent reads are offset-corrected
// by the chip itself.
func (s *Sensor) SetZero() error {
	r, err := s.ReadRaw()
	if err != nil {
		return fmt.Errorf("set zero: %w", err)
	}
	msb := byte((r.RawTicks >> 6) & 0xFF)
	lsb := byte(r.RawTicks & 0x3F)
	if err := s.bus.WriteReg(regZeroMSB, []byte{msb}); err != nil {
		return fmt.Errorf("set zero MSB: %w", err)
	}
	if err := s.bus.WriteReg(regZeroLSB, []byte{lsb}); err != nil {
		return fmt.Errorf("set zero LSB: %w", err)
	}
	debug.Info("Sensor zero set at raw=%d", r.RawTicks)
	return nil
}

// Diagnostics reads the chip diagnostic and automatic gain registers.
func (s *Sensor) Diagnostics() (diag, gain byte, err error) {
	d, err := s.bus.ReadReg(regDiag, 1)
	if err != nil {
		return 0, 0, fmt.Errorf("read diag: %w", err)
	}
	g, err := s.bus.ReadReg(regGain, 1)
	if err != nil {
		return 0, 0, fmt.Errorf("read gain: %w", err)
	}
	return d[0], g[0], nil
}

// Magnitude reads the magnet field magnitude register.
func (s *Sensor) Magnitude() (int, error) {
	return s.readReg16(regMagnMSB)
}

// Status is a point-in-time snapshot of the sensor for status reporting.
type Status struct {
	RawTicks    int
	AngleDeg    float64
	FilteredDeg float64
	Diag        byte
	Gain        byte
	Offset      float64
}

// ReadStatus gathers a status snapshot. Sensor read errors are
// propagated; the snapshot is only valid when err is nil.
func (s *Sensor) ReadStatus() (Status, error) {
	r, err := s.ReadRaw()
	if err != nil {
		return Status{}, err
	}
	diag, gain, err := s.Diagnostics()
	if err != nil {
		return Status{}, err
	}
	return Status{
		RawTicks:    r.RawTicks,
		AngleDeg:    float64(r.RawTicks) / float64(s.cfg.Resolution) * 360.0,
		FilteredDeg: s.Filtered(Degrees),
		Diag:        diag,
		Gain:        gain,
		Offset:      s.angleOffset,
	}, nil
}

// readReg16 reads a 14-bit value split across two registers: the MSB
// register holds bits 13..6, the LSB register bits 5..0.
func (s *Sensor) readReg16(msbReg byte) (int, error) {
	data, err := s.bus.ReadReg(msbReg, 2)
	if err != nil {
		return 0, err
	}
	return int(data[0])<<6 | int(data[1]&0x3F), nil
}
