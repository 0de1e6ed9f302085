package feeder

import (
	"errors"
	"time"

	"github.com/cjeanneret/FeedGo/internal/debug"
	"github.com/cjeanneret/FeedGo/internal/events"
	"github.com/cjeanneret/FeedGo/internal/hw/angle"
	"github.com/cjeanneret/FeedGo/internal/hw/interlock"
	"github.com/cjeanneret/FeedGo/internal/hw/motor"
	"github.com/cjeanneret/FeedGo/internal/logic/sequence"
	"github.com/cjeanneret/FeedGo/internal/logic/velocity"
)

// ErrBusy is returned when a request conflicts with the active mode:
// the velocity controller and the sequencer share the motor output and
// must never drive it concurrently.
var ErrBusy = errors.New("feeder busy: conflicting mode active")

// Mode names the current owner of the motor output.
type Mode int

const (
	ModeIdle Mode = iota
	ModeVelocity
	ModeMove
)

func (m Mode) String() string {
	switch m {
	case ModeVelocity:
		return "velocity"
	case ModeMove:
		return "move"
	default:
		return "idle"
	}
}

// command is an operator request marshaled onto the control goroutine.
type command struct {
	fn    func(now time.Time) error
	reply chan error
}

// Feeder is the top-level axis controller. It owns the sensor, the
// interlocks, the motor and both motion modes, and enforces that only
// one mode drives the motor at a time via the mode flag.
//
// All shared state (PID gains, filter accumulators, last raw ticks) is
// owned by the control goroutine that calls Tick. Operator-facing
// methods enqueue a closure and block for its result, preserving the
// single-writer invariant without locks around control state.
type Feeder struct {
	sensor *angle.Sensor
	locks  *interlock.Interlock
	motor  *motor.Motor
	vel    *velocity.Controller
	seq    *sequence.Sequencer
	bus    *events.Broadcaster

	mode       Mode
	cmds       chan command
	wake       func()
	idlePeriod time.Duration
}

// Config holds feeder-level timing.
type Config struct {
	IdlePeriod time.Duration // poll cadence while idle (default 500ms)
}

// New assembles a feeder from its already-constructed parts.
func New(s *angle.Sensor, il *interlock.Interlock, m *motor.Motor, v *velocity.Controller, q *sequence.Sequencer, b *events.Broadcaster, cfg Config) *Feeder {
	if cfg.IdlePeriod <= 0 {
		cfg.IdlePeriod = 500 * time.Millisecond
	}
	return &Feeder{
		sensor:     s,
		locks:      il,
		motor:      m,
		vel:        v,
		seq:        q,
		bus:        b,
		mode:       ModeIdle,
		cmds:       make(chan command, 16),
		idlePeriod: cfg.IdlePeriod,
	}
}

// BindWake registers a function that pulls the next control tick
// earlier, so enqueued commands do not wait out an idle poll interval.
func (f *Feeder) BindWake(wake func()) {
	f.wake = wake
}

// Mode returns the current motor owner. Only meaningful from the
// control goroutine (tests) or as a point-in-time hint.
func (f *Feeder) Mode() Mode {
	return f.mode
}

// Tick is the single control-thread entry point, registered with the
// scheduler. It drains pending operator commands, refreshes the sensor
// filter, then advances whichever mode owns the motor. Returns the
// desired next tick time.
func (f *Feeder) Tick(now time.Time) time.Time {
	f.drainCommands(now)

	if err := f.sensor.UpdateFilter(); err != nil {
		// The active mode does its own read and will see the same
		// failure; a stale filter alone is not fatal.
		debug.Warning("Sensor filter update failed: %v", err)
	}

	switch f.mode {
	case ModeVelocity:
		next, err := f.vel.Tick(now)
		if err != nil {
			// Sensor went silent mid-hold. The motor is already
			// stopped; drop the mode rather than drive blind.
			debug.Error(err)
			_ = f.vel.Stop()
		}
		if !f.vel.Enabled() {
			f.mode = ModeIdle
			debug.Info("Mode: velocity -> idle")
			return now.Add(f.idlePeriod)
		}
		return next
	case ModeMove:
		next := f.seq.Tick(now)
		if !f.seq.Busy() {
			f.mode = ModeIdle
			debug.Info("Mode: move -> idle")
			return now.Add(f.idlePeriod)
		}
		return next
	default:
		return now.Add(f.idlePeriod)
	}
}

func (f *Feeder) drainCommands(now time.Time) {
	for {
		select {
		case c := <-f.cmds:
			c.reply <- c.fn(now)
		default:
			return
		}
	}
}

// do marshals fn onto the control goroutine and waits for its result.
func (f *Feeder) do(fn func(now time.Time) error) error {
	c := command{fn: fn, reply: make(chan error, 1)}
	f.cmds <- c
	if f.wake != nil {
		f.wake()
	}
	return <-c.reply
}

// --- operator-facing requests (callable from any goroutine) ---

// SetVelocity enables the closed-loop velocity hold at the given target.
// Rejected while a positioning move is in flight.
func (f *Feeder) SetVelocity(mmPerSec float64) error {
	return f.do(func(now time.Time) error {
		if f.seq.Busy() {
			return ErrBusy
		}
		if err := f.vel.SetTarget(now, mmPerSec); err != nil {
			return err
		}
		f.mode = ModeVelocity
		return nil
	})
}

// StopVelocity disables the velocity hold and stops the motor.
// Idempotent; also safe when already idle.
func (f *Feeder) StopVelocity() error {
	return f.do(func(now time.Time) error {
		err := f.vel.Stop()
		if f.mode == ModeVelocity {
			f.mode = ModeIdle
		}
		return err
	})
}

// SetGains replaces the PID gains at runtime.
func (f *Feeder) SetGains(g velocity.Gains) error {
	return f.do(func(now time.Time) error {
		f.vel.SetGains(g)
		return nil
	})
}

// Home starts the home-to-limit move.
func (f *Feeder) Home() error {
	return f.startMove(func(now time.Time) error { return f.seq.StartHome(now) })
}

// AdvanceLength starts a forward move of mm of tape.
func (f *Feeder) AdvanceLength(mm float64) error {
	return f.startMove(func(now time.Time) error { return f.seq.StartAdvanceLength(now, mm) })
}

// AdvancePockets starts a forward move of count pockets.
func (f *Feeder) AdvancePockets(count int) error {
	return f.startMove(func(now time.Time) error { return f.seq.StartAdvancePockets(now, count) })
}

// Unload starts a reverse move of mm of tape.
func (f *Feeder) Unload(mm float64) error {
	return f.startMove(func(now time.Time) error { return f.seq.StartUnload(now, mm) })
}

func (f *Feeder) startMove(start func(now time.Time) error) error {
	return f.do(func(now time.Time) error {
		if f.vel.Enabled() {
			return ErrBusy
		}
		if err := start(now); err != nil {
			return err
		}
		f.mode = ModeMove
		return nil
	})
}

// Abort interrupts whatever is driving the motor: an active move is
// aborted, a velocity hold is stopped. Safe when idle.
func (f *Feeder) Abort() error {
	return f.do(func(now time.Time) error {
		f.seq.Abort()
		err := f.vel.Stop()
		f.mode = ModeIdle
		return err
	})
}

// Zero writes the current position into the sensor's hardware zero
// registers. Rejected while the motor is owned by either mode.
func (f *Feeder) Zero() error {
	return f.do(func(now time.Time) error {
		if f.mode != ModeIdle {
			return ErrBusy
		}
		return f.sensor.SetZero()
	})
}

// SetOffset sets the software calibration offset (radians).
func (f *Feeder) SetOffset(rad float64) error {
	return f.do(func(now time.Time) error {
		f.sensor.SetOffset(rad)
		return nil
	})
}

// ManualMotor drives the motor directly (duty and direction), for bench
// setup only. Rejected unless idle.
func (f *Feeder) ManualMotor(duty float64, dir motor.Direction) error {
	return f.do(func(now time.Time) error {
		if f.mode != ModeIdle {
			return ErrBusy
		}
		if err := f.motor.SetDirection(dir); err != nil {
			return err
		}
		return f.motor.SetDuty(duty)
	})
}

// Status is an operator-facing snapshot of the whole axis.
type Status struct {
	Mode         Mode
	Sensor       angle.Status
	Duty         float64
	Direction    motor.Direction
	Velocity     float64
	Target       float64
	Gains        velocity.Gains
	PidEnabled   bool
	Limit        bool
	Fault        bool
	HasFaultPin  bool
	LastMove     sequence.Result
	HasLastMove  bool
	ZeroRef      int
	HasZeroRef   bool
}

// ReadStatus gathers a status snapshot on the control goroutine.
func (f *Feeder) ReadStatus() (Status, error) {
	var st Status
	err := f.do(func(now time.Time) error {
		sst, err := f.sensor.ReadStatus()
		if err != nil {
			return err
		}
		st = Status{
			Mode:        f.mode,
			Sensor:      sst,
			Duty:        f.motor.Duty(),
			Direction:   f.motor.CurrentDirection(),
			Velocity:    f.vel.LastVelocity(),
			Target:      f.vel.Target(),
			Gains:       f.vel.Gains(),
			PidEnabled:  f.vel.Enabled(),
			Limit:       f.locks.LimitTriggered(),
			Fault:       f.locks.FaultTriggered(),
			HasFaultPin: f.locks.HasFaultPin(),
		}
		st.LastMove, st.HasLastMove = f.seq.LastResult()
		st.ZeroRef, st.HasZeroRef = f.seq.ZeroReference()
		return nil
	})
	return st, err
}

// LimitTriggered polls the limit switch from the control goroutine.
func (f *Feeder) LimitTriggered() (bool, error) {
	var v bool
	err := f.do(func(now time.Time) error {
		v = f.locks.LimitTriggered()
		return nil
	})
	return v, err
}

// FaultTriggered polls the fault line from the control goroutine.
func (f *Feeder) FaultTriggered() (bool, error) {
	var v bool
	err := f.do(func(now time.Time) error {
		v = f.locks.FaultTriggered()
		return nil
	})
	return v, err
}
