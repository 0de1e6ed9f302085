package interlock

import (
	"errors"
	"testing"

	"github.com/cjeanneret/FeedGo/internal/hw/gpio"
)

// levelDriver serves fixed input levels per pin.
type levelDriver struct {
	levels map[int]gpio.Level
	errs   map[int]error
	reads  int
}

func (d *levelDriver) SetupPin(pin int, mode gpio.PinMode) error { return nil }
func (d *levelDriver) WritePin(pin int, level gpio.Level) error  { return nil }
func (d *levelDriver) WriteDuty(pin int, duty float64) error     { return nil }
func (d *levelDriver) Close() error                              { return nil }

func (d *levelDriver) ReadPin(pin int) (gpio.Level, error) {
	d.reads++
	if err, ok := d.errs[pin]; ok {
		return gpio.Low, err
	}
	return d.levels[pin], nil
}

func TestInterlock_LimitTriggered(t *testing.T) {
	drv := &levelDriver{levels: map[int]gpio.Level{24: gpio.High}}
	il := New(drv, Config{LimitPin: 24, FaultPin: 25})

	if !il.LimitTriggered() {
		t.Error("limit HIGH should be triggered")
	}
	if il.FaultTriggered() {
		t.Error("fault LOW should not be triggered")
	}
}

func TestInterlock_ActiveLow(t *testing.T) {
	drv := &levelDriver{levels: map[int]gpio.Level{24: gpio.High, 25: gpio.Low}}
	il := New(drv, Config{LimitPin: 24, FaultPin: 25, ActiveLow: true})

	if il.LimitTriggered() {
		t.Error("limit HIGH with active-low wiring should not be triggered")
	}
	if !il.FaultTriggered() {
		t.Error("fault LOW with active-low wiring should be triggered")
	}
}

func TestInterlock_NoFaultPin(t *testing.T) {
	drv := &levelDriver{levels: map[int]gpio.Level{}}
	il := New(drv, Config{LimitPin: 24})

	if il.HasFaultPin() {
		t.Error("HasFaultPin should be false for FaultPin=0")
	}
	if il.FaultTriggered() {
		t.Error("unwired fault pin must read as not triggered")
	}
	if drv.reads != 0 {
		t.Errorf("unwired fault pin must not be read, got %d reads", drv.reads)
	}
}

func TestInterlock_ReadErrorFailsOpen(t *testing.T) {
	drv := &levelDriver{
		levels: map[int]gpio.Level{},
		errs:   map[int]error{24: errors.New("gpio gone")},
	}
	il := New(drv, Config{LimitPin: 24})

	if il.LimitTriggered() {
		t.Error("read error must be treated as not triggered (fail-open)")
	}
}

func TestInterlock_EveryCallPolls(t *testing.T) {
	drv := &levelDriver{levels: map[int]gpio.Level{24: gpio.Low}}
	il := New(drv, Config{LimitPin: 24})

	il.LimitTriggered()
	drv.levels[24] = gpio.High
	if !il.LimitTriggered() {
		t.Error("state change must be visible immediately, no caching")
	}
	if drv.reads != 2 {
		t.Errorf("expected 2 pin reads, got %d", drv.reads)
	}
}
