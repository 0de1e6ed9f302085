package sequence

import (
	"errors"
	"fmt"
	"time"

	"github.com/cjeanneret/FeedGo/internal/debug"
	"github.com/cjeanneret/FeedGo/internal/events"
	"github.com/cjeanneret/FeedGo/internal/hw/angle"
	"github.com/cjeanneret/FeedGo/internal/hw/interlock"
	"github.com/cjeanneret/FeedGo/internal/hw/motor"
	"github.com/cjeanneret/FeedGo/internal/logic/units"
)

// ErrBusy is returned when a move is requested while one is in flight.
// Moves are never interleaved: the motor has one owner at a time.
var ErrBusy = errors.New("a move is already in progress")

// ErrInvalidRequest is returned for a request rejected before any
// hardware side effect (non-positive length or pocket count).
var ErrInvalidRequest = errors.New("invalid move request")

// State of the sequencer.
type State int

const (
	Idle State = iota
	Homing
	Advancing
	Unloading
)

func (s State) String() string {
	switch s {
	case Homing:
		return "homing"
	case Advancing:
		return "advancing"
	case Unloading:
		return "unloading"
	default:
		return "idle"
	}
}

// Outcome of a completed move.
type Outcome int

const (
	Done Outcome = iota
	LimitHit
	FaultTrip
	TimedOut
	Aborted
)

func (o Outcome) String() string {
	switch o {
	case Done:
		return "done"
	case LimitHit:
		return "limit"
	case FaultTrip:
		return "fault"
	case TimedOut:
		return "timeout"
	case Aborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Result describes how the last move ended.
type Result struct {
	Kind    State   // which move produced this result
	Outcome Outcome
	MovedMM float64 // tape travel actually observed
	Err     error   // set for transport-error aborts
}

// Config holds move duties and timeouts. The original firmware variants
// disagreed on these numbers, so they are configuration, not constants.
type Config struct {
	HomingDuty     float64
	AdvanceDuty    float64
	UnloadDuty     float64
	HomeTimeout    time.Duration // default 6s
	AdvanceTimeout time.Duration // default 5s, also bounds unload
	ActivePeriod   time.Duration // tick cadence during a move (default 10ms)
	IdlePeriod     time.Duration // poll cadence while idle (default 500ms)
}

// Sequencer runs bounded positioning moves (home-to-limit, advance by
// tick target, unload) as a resumable state machine driven by scheduler
// ticks. Each tick re-checks interlocks, progress and timeout, so an
// active move is cancellable at tick granularity; there is no blocking
// wait anywhere.
//
// Every exit path, success or not, goes through finish, which stops the
// motor. Like the velocity controller, all state is owned by the control
// goroutine.
type Sequencer struct {
	sensor *angle.Sensor
	locks  *interlock.Interlock
	motor  *motor.Motor
	conv   *units.Converter
	bus    *events.Broadcaster
	cfg    Config

	state       State
	startTicks  int
	targetTicks int
	progress    int // ticks travelled so far
	deadline    time.Time
	last        Result
	hasResult   bool

	zeroRef int
	hasZero bool
}

// New creates a sequencer. Zero config fields get the documented
// defaults.
func New(s *angle.Sensor, il *interlock.Interlock, m *motor.Motor, conv *units.Converter, b *events.Broadcaster, cfg Config) *Sequencer {
	if cfg.HomingDuty <= 0 {
		cfg.HomingDuty = 0.5
	}
	if cfg.AdvanceDuty <= 0 {
		cfg.AdvanceDuty = 0.7
	}
	if cfg.UnloadDuty <= 0 {
		cfg.UnloadDuty = cfg.HomingDuty
	}
	if cfg.HomeTimeout <= 0 {
		cfg.HomeTimeout = 6 * time.Second
	}
	if cfg.AdvanceTimeout <= 0 {
		cfg.AdvanceTimeout = 5 * time.Second
	}
	if cfg.ActivePeriod <= 0 {
		cfg.ActivePeriod = 10 * time.Millisecond
	}
	if cfg.IdlePeriod <= 0 {
		cfg.IdlePeriod = 500 * time.Millisecond
	}
	return &Sequencer{
		sensor: s,
		locks:  il,
		motor:  m,
		conv:   conv,
		bus:    b,
		cfg:    cfg,
	}
}

// CurrentState returns the current sequencer state.
func (q *Sequencer) CurrentState() State {
	return q.state
}

// Busy reports whether a move is in flight.
func (q *Sequencer) Busy() bool {
	return q.state != Idle
}

// LastResult returns the result of the most recent move, if any.
func (q *Sequencer) LastResult() (Result, bool) {
	return q.last, q.hasResult
}

// ZeroReference returns the tick position captured by the last
// successful homing move.
func (q *Sequencer) ZeroReference() (int, bool) {
	return q.zeroRef, q.hasZero
}

// StartHome begins a home-to-limit move: reverse direction at homing
// duty until the limit switch triggers or the homing timeout elapses.
func (q *Sequencer) StartHome(now time.Time) error {
	if q.state != Idle {
		return ErrBusy
	}
	if err := q.motor.SetDirection(motor.Reverse); err != nil {
		return err
	}
	if err := q.motor.SetDuty(q.cfg.HomingDuty); err != nil {
		_ = q.motor.Stop()
		return err
	}
	q.state = Homing
	q.deadline = now.Add(q.cfg.HomeTimeout)
	q.progress = 0
	debug.Move("home", 0, q.cfg.HomingDuty)
	return nil
}

// StartAdvanceLength begins a forward move of the given tape length.
func (q *Sequencer) StartAdvanceLength(now time.Time, mm float64) error {
	if mm <= 0 {
		return fmt.Errorf("%w: length %.3f mm", ErrInvalidRequest, mm)
	}
	return q.startBounded(now, Advancing, q.conv.LengthToTicks(mm))
}

// StartAdvancePockets begins a forward move of the given pocket count.
// The target is identical to advancing count * pocket_length mm.
func (q *Sequencer) StartAdvancePockets(now time.Time, count int) error {
	if count <= 0 {
		return fmt.Errorf("%w: pocket count %d", ErrInvalidRequest, count)
	}
	return q.startBounded(now, Advancing, q.conv.PocketsToTicks(count))
}

// StartUnload begins a reverse move of the given tape length.
func (q *Sequencer) StartUnload(now time.Time, mm float64) error {
	if mm <= 0 {
		return fmt.Errorf("%w: length %.3f mm", ErrInvalidRequest, mm)
	}
	return q.startBounded(now, Unloading, q.conv.LengthToTicks(mm))
}

func (q *Sequencer) startBounded(now time.Time, kind State, targetTicks int) error {
	if q.state != Idle {
		return ErrBusy
	}
	// Read the start position before energizing anything: a dead sensor
	// must not start a move it cannot measure.
	r, err := q.sensor.ReadRaw()
	if err != nil {
		return fmt.Errorf("move start position: %w", err)
	}

	dir := motor.Forward
	duty := q.cfg.AdvanceDuty
	if kind == Unloading {
		dir = motor.Reverse
		duty = q.cfg.UnloadDuty
	}
	if err := q.motor.SetDirection(dir); err != nil {
		return err
	}
	if err := q.motor.SetDuty(duty); err != nil {
		_ = q.motor.Stop()
		return err
	}

	q.state = kind
	q.startTicks = r.RawTicks
	q.targetTicks = targetTicks
	q.progress = 0
	q.deadline = now.Add(q.cfg.AdvanceTimeout)
	debug.Move(kind.String(), targetTicks, duty)
	return nil
}

// Abort interrupts the active move immediately. No-op when idle.
func (q *Sequencer) Abort() {
	if q.state == Idle {
		return
	}
	q.finish(Aborted, nil)
}

// Tick advances the active move and returns the desired next tick time.
func (q *Sequencer) Tick(now time.Time) time.Time {
	switch q.state {
	case Homing:
		q.tickHome(now)
	case Advancing, Unloading:
		q.tickBounded(now)
	}
	if q.state == Idle {
		return now.Add(q.cfg.IdlePeriod)
	}
	return now.Add(q.cfg.ActivePeriod)
}

func (q *Sequencer) tickHome(now time.Time) {
	if q.locks.FaultTriggered() {
		q.finish(FaultTrip, nil)
		return
	}
	if q.locks.LimitTriggered() {
		// Reaching the limit is the homing success condition; the
		// position here becomes the zero reference.
		if r, err := q.sensor.ReadRaw(); err == nil {
			q.zeroRef = r.RawTicks
			q.hasZero = true
		} else {
			debug.Warning("Homed but could not read zero reference: %v", err)
		}
		q.finish(Done, nil)
		return
	}
	if now.After(q.deadline) {
		q.finish(TimedOut, nil)
		return
	}
}

func (q *Sequencer) tickBounded(now time.Time) {
	if q.locks.FaultTriggered() {
		q.finish(FaultTrip, nil)
		return
	}
	if q.locks.LimitTriggered() {
		q.finish(LimitHit, nil)
		return
	}

	r, err := q.sensor.ReadRaw()
	if err != nil {
		q.finish(Aborted, err)
		return
	}

	// Unsigned progress in [0, resolution): travelled distance since the
	// start, measured along the commanded direction.
	res := q.sensor.Resolution()
	delta := r.RawTicks - q.startTicks
	if q.state == Unloading {
		delta = -delta
	}
	delta %= res
	if delta < 0 {
		delta += res
	}
	q.progress = delta
	debug.Verbose("Move progress: %d/%d ticks", q.progress, q.targetTicks)

	if q.progress >= q.targetTicks {
		q.finish(Done, nil)
		return
	}
	if now.After(q.deadline) {
		q.finish(TimedOut, nil)
		return
	}
}

// finish is the single exit path for every move: it always stops the
// motor, then records and publishes the result.
func (q *Sequencer) finish(outcome Outcome, cause error) {
	_ = q.motor.Stop()

	q.last = Result{
		Kind:    q.state,
		Outcome: outcome,
		MovedMM: q.conv.TicksToLength(q.progress),
		Err:     cause,
	}
	q.hasResult = true

	msg := fmt.Sprintf("%s %s after %.2f mm", q.state, outcome, q.last.MovedMM)
	if cause != nil {
		msg = fmt.Sprintf("%s (%v)", msg, cause)
	}
	switch outcome {
	case Done:
		q.bus.Publish(events.MoveDone, msg)
		debug.Live("Move complete: %s", msg)
	case FaultTrip:
		q.bus.Publish(events.Fault, msg)
		debug.Warning("Move aborted on fault: %s", msg)
	case LimitHit:
		q.bus.Publish(events.Limit, msg)
		debug.Info("Move stopped on limit: %s", msg)
	case TimedOut:
		q.bus.Publish(events.Timeout, msg)
		debug.Warning("Move timed out: %s", msg)
	default:
		q.bus.Publish(events.MoveAborted, msg)
		debug.Info("Move aborted: %s", msg)
	}

	q.state = Idle
}
