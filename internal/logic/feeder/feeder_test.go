package feeder

import (
	"errors"
	"testing"
	"time"

	"github.com/cjeanneret/FeedGo/internal/events"
	"github.com/cjeanneret/FeedGo/internal/hw/angle"
	"github.com/cjeanneret/FeedGo/internal/hw/gpio"
	"github.com/cjeanneret/FeedGo/internal/hw/interlock"
	"github.com/cjeanneret/FeedGo/internal/hw/motor"
	"github.com/cjeanneret/FeedGo/internal/logic/sequence"
	"github.com/cjeanneret/FeedGo/internal/logic/units"
	"github.com/cjeanneret/FeedGo/internal/logic/velocity"
)

const (
	limitPin = 24
	faultPin = 25
	pwmPin   = 18
	dirPin   = 23
)

type rigDriver struct {
	levels map[int]gpio.Level
	duties []float64
}

func (d *rigDriver) SetupPin(pin int, mode gpio.PinMode) error { return nil }
func (d *rigDriver) WritePin(pin int, level gpio.Level) error  { return nil }
func (d *rigDriver) Close() error                              { return nil }

func (d *rigDriver) ReadPin(pin int) (gpio.Level, error) {
	return d.levels[pin], nil
}

func (d *rigDriver) WriteDuty(pin int, duty float64) error {
	d.duties = append(d.duties, duty)
	return nil
}

type posBus struct {
	raw int
	err error
}

func (b *posBus) ReadReg(reg byte, count int) ([]byte, error) {
	if b.err != nil {
		return nil, b.err
	}
	return []byte{byte(b.raw >> 6), byte(b.raw & 0x3F)}, nil
}

func (b *posBus) WriteReg(reg byte, data []byte) error { return b.err }
func (b *posBus) Close() error                         { return nil }

type rig struct {
	drv *rigDriver
	bus *posBus
	mot *motor.Motor
	f   *Feeder
	now time.Time
}

func newRig(t *testing.T) *rig {
	t.Helper()
	drv := &rigDriver{levels: map[int]gpio.Level{}}
	b := &posBus{}
	sensor := angle.NewSensor(b, angle.Config{})
	locks := interlock.New(drv, interlock.Config{LimitPin: limitPin, FaultPin: faultPin})
	mot := motor.New(drv, motor.Config{PWMPin: pwmPin, DirPin: dirPin})
	broadcaster := events.NewBroadcaster()
	conv := units.NewConverter(16384, 40.0, 4.0)
	vel := velocity.New(sensor, locks, mot, conv, broadcaster, velocity.Config{
		Gains: velocity.Gains{Kp: 0.1},
	})
	seq := sequence.New(sensor, locks, mot, conv, broadcaster, sequence.Config{})
	f := New(sensor, locks, mot, vel, seq, broadcaster, Config{})
	return &rig{drv: drv, bus: b, mot: mot, f: f, now: time.Unix(100, 0)}
}

// exec runs an operator call while pumping the control tick, the way the
// reactor would.
func (r *rig) exec(t *testing.T, call func() error) error {
	t.Helper()
	errc := make(chan error, 1)
	go func() { errc <- call() }()
	deadline := time.Now().Add(time.Second)
	for {
		select {
		case err := <-errc:
			return err
		default:
		}
		if time.Now().After(deadline) {
			t.Fatal("operator command was never processed")
		}
		r.f.Tick(r.now)
		time.Sleep(100 * time.Microsecond)
	}
}

func (r *rig) tick(d time.Duration) {
	r.now = r.now.Add(d)
	r.f.Tick(r.now)
}

func TestFeeder_VelocityMode(t *testing.T) {
	r := newRig(t)

	if err := r.exec(t, func() error { return r.f.SetVelocity(5) }); err != nil {
		t.Fatalf("SetVelocity: %v", err)
	}
	if r.f.Mode() != ModeVelocity {
		t.Errorf("mode = %v, want velocity", r.f.Mode())
	}

	r.tick(10 * time.Millisecond)
	if r.mot.Duty() == 0 {
		t.Error("velocity hold against a stationary shaft should drive the motor")
	}

	if err := r.exec(t, func() error { return r.f.StopVelocity() }); err != nil {
		t.Fatalf("StopVelocity: %v", err)
	}
	if r.f.Mode() != ModeIdle {
		t.Errorf("mode = %v, want idle after stop", r.f.Mode())
	}
	if r.mot.Duty() != 0 {
		t.Errorf("duty after stop = %v, want 0", r.mot.Duty())
	}
}

func TestFeeder_ModesAreMutuallyExclusive(t *testing.T) {
	r := newRig(t)

	if err := r.exec(t, func() error { return r.f.SetVelocity(5) }); err != nil {
		t.Fatalf("SetVelocity: %v", err)
	}
	if err := r.exec(t, func() error { return r.f.AdvanceLength(4) }); !errors.Is(err, ErrBusy) {
		t.Errorf("AdvanceLength during velocity hold = %v, want ErrBusy", err)
	}
	if err := r.exec(t, func() error { return r.f.Home() }); !errors.Is(err, ErrBusy) {
		t.Errorf("Home during velocity hold = %v, want ErrBusy", err)
	}

	if err := r.exec(t, func() error { return r.f.StopVelocity() }); err != nil {
		t.Fatalf("StopVelocity: %v", err)
	}
	if err := r.exec(t, func() error { return r.f.AdvanceLength(4) }); err != nil {
		t.Fatalf("AdvanceLength after stop: %v", err)
	}
	if r.f.Mode() != ModeMove {
		t.Errorf("mode = %v, want move", r.f.Mode())
	}
	if err := r.exec(t, func() error { return r.f.SetVelocity(5) }); !errors.Is(err, ErrBusy) {
		t.Errorf("SetVelocity during move = %v, want ErrBusy", err)
	}
}

func TestFeeder_MoveCompletionReturnsToIdle(t *testing.T) {
	r := newRig(t)

	if err := r.exec(t, func() error { return r.f.AdvanceLength(4) }); err != nil {
		t.Fatalf("AdvanceLength: %v", err)
	}
	r.bus.raw = 1638
	r.tick(10 * time.Millisecond)

	if r.f.Mode() != ModeIdle {
		t.Errorf("mode = %v, want idle after completion", r.f.Mode())
	}
	if r.mot.Duty() != 0 {
		t.Errorf("duty = %v, want 0", r.mot.Duty())
	}
}

func TestFeeder_InterlockTripDropsVelocityMode(t *testing.T) {
	r := newRig(t)

	if err := r.exec(t, func() error { return r.f.SetVelocity(5) }); err != nil {
		t.Fatalf("SetVelocity: %v", err)
	}
	r.drv.levels[faultPin] = gpio.High
	r.tick(10 * time.Millisecond)

	if r.f.Mode() != ModeIdle {
		t.Errorf("mode = %v, want idle after fault", r.f.Mode())
	}
	if r.mot.Duty() != 0 {
		t.Errorf("duty after fault = %v, want 0", r.mot.Duty())
	}
}

func TestFeeder_AbortStopsEverything(t *testing.T) {
	r := newRig(t)

	if err := r.exec(t, func() error { return r.f.AdvanceLength(4) }); err != nil {
		t.Fatalf("AdvanceLength: %v", err)
	}
	if err := r.exec(t, func() error { return r.f.Abort() }); err != nil {
		t.Fatalf("Abort: %v", err)
	}
	if r.f.Mode() != ModeIdle {
		t.Errorf("mode = %v, want idle after abort", r.f.Mode())
	}
	if r.mot.Duty() != 0 {
		t.Errorf("duty after abort = %v, want 0", r.mot.Duty())
	}
	// Abort again: still fine.
	if err := r.exec(t, func() error { return r.f.Abort() }); err != nil {
		t.Fatalf("second Abort: %v", err)
	}
}

func TestFeeder_TransportErrorDuringHoldStopsSafely(t *testing.T) {
	r := newRig(t)

	if err := r.exec(t, func() error { return r.f.SetVelocity(5) }); err != nil {
		t.Fatalf("SetVelocity: %v", err)
	}
	r.bus.err = errors.New("bus down")
	r.tick(10 * time.Millisecond)

	// A silent sensor must never leave the motor energized.
	if r.mot.Duty() != 0 {
		t.Errorf("duty = %v, want 0 after sensor loss", r.mot.Duty())
	}
	if r.f.Mode() != ModeIdle {
		t.Errorf("mode = %v, want idle after sensor loss", r.f.Mode())
	}
}

func TestFeeder_ZeroRejectedWhileActive(t *testing.T) {
	r := newRig(t)

	if err := r.exec(t, func() error { return r.f.SetVelocity(5) }); err != nil {
		t.Fatalf("SetVelocity: %v", err)
	}
	if err := r.exec(t, func() error { return r.f.Zero() }); !errors.Is(err, ErrBusy) {
		t.Errorf("Zero during velocity hold = %v, want ErrBusy", err)
	}

	if err := r.exec(t, func() error { return r.f.StopVelocity() }); err != nil {
		t.Fatalf("StopVelocity: %v", err)
	}
	if err := r.exec(t, func() error { return r.f.Zero() }); err != nil {
		t.Errorf("Zero while idle: %v", err)
	}
}

func TestFeeder_ManualMotorOnlyWhenIdle(t *testing.T) {
	r := newRig(t)

	if err := r.exec(t, func() error { return r.f.ManualMotor(0.3, motor.Forward) }); err != nil {
		t.Fatalf("ManualMotor: %v", err)
	}
	if r.mot.Duty() != 0.3 {
		t.Errorf("duty = %v, want 0.3", r.mot.Duty())
	}
	if err := r.exec(t, func() error { return r.f.StopVelocity() }); err != nil {
		t.Fatalf("StopVelocity: %v", err)
	}

	if err := r.exec(t, func() error { return r.f.AdvanceLength(4) }); err != nil {
		t.Fatalf("AdvanceLength: %v", err)
	}
	if err := r.exec(t, func() error { return r.f.ManualMotor(0.3, motor.Forward) }); !errors.Is(err, ErrBusy) {
		t.Errorf("ManualMotor during move = %v, want ErrBusy", err)
	}
}

func TestFeeder_StatusReflectsState(t *testing.T) {
	r := newRig(t)
	r.bus.raw = 4096

	var st Status
	if err := r.exec(t, func() error {
		var err error
		st, err = r.f.ReadStatus()
		return err
	}); err != nil {
		t.Fatalf("ReadStatus: %v", err)
	}
	if st.Mode != ModeIdle {
		t.Errorf("status mode = %v, want idle", st.Mode)
	}
	if st.Sensor.RawTicks != 4096 {
		t.Errorf("status raw = %d, want 4096", st.Sensor.RawTicks)
	}
	if st.PidEnabled {
		t.Error("PID should be disabled initially")
	}
	if st.Gains.Kp != 0.1 {
		t.Errorf("gains Kp = %v, want 0.1", st.Gains.Kp)
	}
}

func TestFeeder_SetGains(t *testing.T) {
	r := newRig(t)

	if err := r.exec(t, func() error {
		return r.f.SetGains(velocity.Gains{Kp: 1, Ki: 2, Kd: 3})
	}); err != nil {
		t.Fatalf("SetGains: %v", err)
	}

	var st Status
	if err := r.exec(t, func() error {
		var err error
		st, err = r.f.ReadStatus()
		return err
	}); err != nil {
		t.Fatalf("ReadStatus: %v", err)
	}
	if st.Gains != (velocity.Gains{Kp: 1, Ki: 2, Kd: 3}) {
		t.Errorf("gains = %+v", st.Gains)
	}
}
