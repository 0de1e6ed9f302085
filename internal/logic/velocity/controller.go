package velocity

import (
	"fmt"
	"time"

	"github.com/cjeanneret/FeedGo/internal/debug"
	"github.com/cjeanneret/FeedGo/internal/events"
	"github.com/cjeanneret/FeedGo/internal/hw/angle"
	"github.com/cjeanneret/FeedGo/internal/hw/interlock"
	"github.com/cjeanneret/FeedGo/internal/hw/motor"
	"github.com/cjeanneret/FeedGo/internal/logic/units"
)

// Gains are the PID gains, operator-tunable at runtime.
type Gains struct {
	Kp float64
	Ki float64
	Kd float64
}

// Config holds the control loop timing.
type Config struct {
	Gains        Gains
	ActivePeriod time.Duration // tick cadence while holding (default 10ms)
	IdlePeriod   time.Duration // poll cadence while disabled (default 500ms)
	MinDt        time.Duration // minimum elapsed time between PID updates (default ActivePeriod)
}

// Controller is the closed-loop velocity hold: it reads the angle
// sensor, polls the interlocks and drives the motor duty through a PID
// loop to hold a target tape velocity in mm/s.
//
// Two states: disabled (initial) and holding. All state is owned by the
// control goroutine; Tick, SetTarget and Stop must be called from it.
type Controller struct {
	sensor *angle.Sensor
	locks  *interlock.Interlock
	motor  *motor.Motor
	conv   *units.Converter
	bus    *events.Broadcaster
	cfg    Config

	gains     Gains
	target    float64 // mm/s
	enabled   bool
	integral  float64
	lastError float64
	lastTicks int
	lastTime  time.Time
	lastVel   float64
}

// New creates a velocity controller. Zero timing fields fall back to
// 10ms active / 500ms idle.
func New(s *angle.Sensor, il *interlock.Interlock, m *motor.Motor, conv *units.Converter, b *events.Broadcaster, cfg Config) *Controller {
	if cfg.ActivePeriod <= 0 {
		cfg.ActivePeriod = 10 * time.Millisecond
	}
	if cfg.IdlePeriod <= 0 {
		cfg.IdlePeriod = 500 * time.Millisecond
	}
	if cfg.MinDt <= 0 {
		cfg.MinDt = cfg.ActivePeriod
	}
	return &Controller{
		sensor: s,
		locks:  il,
		motor:  m,
		conv:   conv,
		bus:    b,
		cfg:    cfg,
		gains:  cfg.Gains,
	}
}

// SetTarget sets the target velocity and enables the loop. PID state is
// reset and the current position/time become the velocity baseline, so a
// stale error never leaks into a fresh hold. Fails without enabling if
// the baseline sensor read fails.
func (c *Controller) SetTarget(now time.Time, mmPerSec float64) error {
	r, err := c.sensor.ReadRaw()
	if err != nil {
		return fmt.Errorf("velocity baseline: %w", err)
	}
	c.target = mmPerSec
	c.integral = 0
	c.lastError = 0
	c.lastTicks = r.RawTicks
	c.lastTime = now
	c.lastVel = 0
	c.enabled = true
	debug.Live("Velocity hold enabled: target=%.2f mm/s", mmPerSec)
	return nil
}

// Stop disables the loop and stops the motor. Idempotent.
func (c *Controller) Stop() error {
	wasEnabled := c.enabled
	c.enabled = false
	err := c.motor.Stop()
	if wasEnabled {
		c.bus.Publish(events.VelocityStopped, "velocity hold disabled")
		debug.Live("Velocity hold disabled")
	}
	return err
}

// Enabled reports whether the loop is holding.
func (c *Controller) Enabled() bool {
	return c.enabled
}

// Target returns the target velocity in mm/s.
func (c *Controller) Target() float64 {
	return c.target
}

// LastVelocity returns the velocity estimate from the most recent tick.
func (c *Controller) LastVelocity() float64 {
	return c.lastVel
}

// SetGains replaces the PID gains.
func (c *Controller) SetGains(g Gains) {
	c.gains = g
	debug.Info("PID gains updated: Kp=%g Ki=%g Kd=%g", g.Kp, g.Ki, g.Kd)
}

// Gains returns the current PID gains.
func (c *Controller) Gains() Gains {
	return c.gains
}

// Tick runs one control iteration and returns the desired next tick
// time. A sensor transport error stops the motor and is returned to the
// caller, which decides whether to abandon the hold.
func (c *Controller) Tick(now time.Time) (time.Time, error) {
	if !c.enabled {
		_ = c.motor.Stop()
		return now.Add(c.cfg.IdlePeriod), nil
	}

	if c.locks.FaultTriggered() {
		c.enabled = false
		_ = c.motor.Stop()
		c.bus.Publish(events.Fault, "driver fault during velocity hold")
		debug.Warning("Driver fault detected, motor stopped")
		return now.Add(c.cfg.IdlePeriod), nil
	}
	if c.locks.LimitTriggered() {
		c.enabled = false
		_ = c.motor.Stop()
		c.bus.Publish(events.Limit, "limit switch during velocity hold")
		debug.Info("Limit switch triggered, motor stopped")
		return now.Add(c.cfg.IdlePeriod), nil
	}

	dt := now.Sub(c.lastTime)
	if dt < c.cfg.MinDt {
		// Scheduler woke us early; integrating over a near-zero dt
		// blows up the derivative term. No state mutation.
		return c.lastTime.Add(c.cfg.MinDt), nil
	}

	r, err := c.sensor.ReadRaw()
	if err != nil {
		_ = c.motor.Stop()
		return now.Add(c.cfg.ActivePeriod), err
	}

	delta := wrapDelta(r.RawTicks-c.lastTicks, c.sensor.Resolution())
	dtSec := dt.Seconds()
	vel := c.conv.VelocityMMPerSec(float64(delta), dtSec)

	pe := c.target - vel
	c.integral += pe * dtSec
	derivative := (pe - c.lastError) / dtSec

	output := c.gains.Kp*pe + c.gains.Ki*c.integral + c.gains.Kd*derivative
	if output < 0 {
		output = 0
	} else if output > 1 {
		output = 1
	}
	if err := c.motor.SetDuty(output); err != nil {
		return now.Add(c.cfg.ActivePeriod), err
	}
	debug.Tick(vel, c.target, output)

	c.lastError = pe
	c.lastTicks = r.RawTicks
	c.lastTime = now
	c.lastVel = vel
	return now.Add(c.cfg.ActivePeriod), nil
}

// wrapDelta applies the shortest-path wraparound correction to a tick
// delta: a shaft crossing the 0/resolution boundary between samples must
// yield a small signed delta, not one of magnitude near the resolution.
func wrapDelta(delta, resolution int) int {
	if delta > resolution/2 {
		delta -= resolution
	} else if delta < -resolution/2 {
		delta += resolution
	}
	return delta
}
