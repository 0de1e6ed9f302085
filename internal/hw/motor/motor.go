package motor

import (
	"github.com/cjeanneret/FeedGo/internal/debug"
	"github.com/cjeanneret/FeedGo/internal/hw/gpio"
)

// Direction of tape travel.
type Direction int

const (
	Forward Direction = iota
	Reverse
)

func (d Direction) String() string {
	if d == Reverse {
		return "reverse"
	}
	return "forward"
}

// Config holds the motor driver wiring (DRV8876: one PWM input, one
// direction input).
type Config struct {
	PWMPin int
	DirPin int
}

// Motor is the single shared motor-output resource: one duty/direction
// pair. Exactly one logical owner (velocity controller or sequencer)
// writes it at a time; that exclusivity is enforced by the feeder mode
// flag, not here.
//
// Every stop path in the system, whether fault, limit, timeout, normal
// completion or explicit stop, funnels through Stop so a de-energized
// motor is never skipped.
type Motor struct {
	gpio gpio.Driver
	cfg  Config
	duty float64
	dir  Direction
}

// New creates a motor output and drives it to a safe initial state:
// duty 0, direction forward.
func New(g gpio.Driver, cfg Config) *Motor {
	_ = g.SetupPin(cfg.PWMPin, gpio.PWM)
	_ = g.SetupPin(cfg.DirPin, gpio.Output)

	m := &Motor{gpio: g, cfg: cfg}
	_ = m.SetDuty(0)
	_ = m.SetDirection(Forward)
	return m
}

// SetDuty commands the motor drive duty cycle, clamped to [0, 1].
func (m *Motor) SetDuty(duty float64) error {
	if duty < 0 {
		duty = 0
	} else if duty > 1 {
		duty = 1
	}
	if err := m.gpio.WriteDuty(m.cfg.PWMPin, duty); err != nil {
		return err
	}
	m.duty = duty
	debug.Duty(duty)
	return nil
}

// SetDirection sets the direction output.
func (m *Motor) SetDirection(dir Direction) error {
	level := gpio.Low
	if dir == Reverse {
		level = gpio.High
	}
	if err := m.gpio.WritePin(m.cfg.DirPin, level); err != nil {
		return err
	}
	m.dir = dir
	return nil
}

// Stop forces duty to zero. Safe to call repeatedly; the error from the
// underlying driver is returned but the recorded duty is zeroed
// regardless, so status never reports a running motor that was told to
// stop.
func (m *Motor) Stop() error {
	err := m.gpio.WriteDuty(m.cfg.PWMPin, 0)
	m.duty = 0
	debug.Duty(0)
	return err
}

// Duty returns the last commanded duty.
func (m *Motor) Duty() float64 {
	return m.duty
}

// CurrentDirection returns the last commanded direction.
func (m *Motor) CurrentDirection() Direction {
	return m.dir
}
