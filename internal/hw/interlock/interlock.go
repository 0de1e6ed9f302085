package interlock

import (
	"github.com/cjeanneret/FeedGo/internal/debug"
	"github.com/cjeanneret/FeedGo/internal/hw/gpio"
)

// Config holds the interlock input wiring.
type Config struct {
	LimitPin int // limit switch (endstop) digital input
	FaultPin int // motor driver fault line. 0 = not wired.
	// ActiveLow inverts both inputs: with pull-up wiring the line reads
	// HIGH at rest and LOW when triggered.
	ActiveLow bool
}

// Interlock samples the limit-switch and fault-line digital inputs on
// demand. It is stateless: every call is a fresh poll, never a cached
// value, so it is safe to call from any control tick.
//
// Read failures are deliberately fail-open: a pin that cannot be read is
// reported as "not triggered", with a warning logged. This trades a
// missed trip on a broken input against spurious emergency stops from a
// flaky one.
type Interlock struct {
	gpio gpio.Driver
	cfg  Config
}

// New creates an interlock poller and configures its pins as inputs.
func New(g gpio.Driver, cfg Config) *Interlock {
	_ = g.SetupPin(cfg.LimitPin, gpio.Input)
	if cfg.FaultPin > 0 {
		_ = g.SetupPin(cfg.FaultPin, gpio.Input)
	}
	return &Interlock{gpio: g, cfg: cfg}
}

// LimitTriggered polls the limit switch input.
func (il *Interlock) LimitTriggered() bool {
	return il.poll(il.cfg.LimitPin, "limit")
}

// FaultTriggered polls the motor driver fault line.
// Always false when no fault pin is wired.
func (il *Interlock) FaultTriggered() bool {
	if il.cfg.FaultPin <= 0 {
		return false
	}
	return il.poll(il.cfg.FaultPin, "fault")
}

// HasFaultPin reports whether a fault line is wired.
func (il *Interlock) HasFaultPin() bool {
	return il.cfg.FaultPin > 0
}

func (il *Interlock) poll(pin int, name string) bool {
	level, err := il.gpio.ReadPin(pin)
	if err != nil {
		debug.Warning("Error reading %s pin %d: %v (treated as not triggered)", name, pin, err)
		return false
	}
	triggered := level == gpio.High
	if il.cfg.ActiveLow {
		triggered = !triggered
	}
	return triggered
}
