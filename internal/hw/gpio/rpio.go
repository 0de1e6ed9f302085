package gpio

import (
	"fmt"

	"github.com/cjeanneret/FeedGo/internal/debug"
	"github.com/stianeikeland/go-rpio/v4"
)

// pwmCycleLen is the PWM cycle length in clock ticks. Duty resolution
// is therefore 1/1024.
const pwmCycleLen = 1024

// RPiDriver is the real implementation for Raspberry Pi using go-rpio.
type RPiDriver struct {
	pins      map[int]rpio.Pin
	pwmFreqHz int
}

// NewRPiRealDriver creates a real GPIO driver for Raspberry Pi.
// pwmFreqHz is the effective PWM output frequency used for PWM-mode pins.
// Requires running on a Raspberry Pi with access to /dev/gpiomem or as root.
func NewRPiRealDriver(pwmFreqHz int) (*RPiDriver, error) {
	debug.Info("Initializing real GPIO driver (go-rpio)")

	if err := rpio.Open(); err != nil {
		return nil, fmt.Errorf("failed to open GPIO: %w (are you running on a Raspberry Pi?)", err)
	}

	debug.Verbose("GPIO memory mapped successfully")

	if pwmFreqHz <= 0 {
		pwmFreqHz = 2000
	}

	return &RPiDriver{
		pins:      make(map[int]rpio.Pin),
		pwmFreqHz: pwmFreqHz,
	}, nil
}

func (r *RPiDriver) SetupPin(pin int, mode PinMode) error {
	debug.GPIO("SetupPin", pin, mode)

	p := rpio.Pin(pin)
	r.pins[pin] = p

	switch mode {
	case Input:
		p.Input()
		p.PullUp()
	case Output:
		p.Output()
	case PWM:
		p.Pwm()
		// rpio.Freq wants the PWM clock frequency; the output
		// frequency is clock/cycle.
		p.Freq(r.pwmFreqHz * pwmCycleLen)
		p.DutyCycle(0, pwmCycleLen)
	default:
		return fmt.Errorf("unknown pin mode: %d", mode)
	}

	return nil
}

func (r *RPiDriver) WritePin(pin int, level Level) error {
	debug.GPIO("WritePin", pin, level)

	p, ok := r.pins[pin]
	if !ok {
		// Pin not setup yet, setup as output
		if err := r.SetupPin(pin, Output); err != nil {
			return err
		}
		p = r.pins[pin]
	}

	if level == High {
		p.High()
	} else {
		p.Low()
	}

	return nil
}

func (r *RPiDriver) ReadPin(pin int) (Level, error) {
	debug.GPIO("ReadPin", pin, nil)

	p, ok := r.pins[pin]
	if !ok {
		// Pin not setup yet, setup as input
		if err := r.SetupPin(pin, Input); err != nil {
			return Low, err
		}
		p = r.pins[pin]
	}

	state := p.Read()
	if state == rpio.High {
		return High, nil
	}
	return Low, nil
}

func (r *RPiDriver) WriteDuty(pin int, duty float64) error {
	debug.GPIO("WriteDuty", pin, duty)

	p, ok := r.pins[pin]
	if !ok {
		if err := r.SetupPin(pin, PWM); err != nil {
			return err
		}
		p = r.pins[pin]
	}

	if duty < 0 {
		duty = 0
	} else if duty > 1 {
		duty = 1
	}
	p.DutyCycle(uint32(duty*pwmCycleLen+0.5), pwmCycleLen)
	return nil
}

func (r *RPiDriver) Close() error {
	debug.Trace("GPIO Close (real driver)")

	// Reset all pins to input (safe state)
	for pin, p := range r.pins {
		debug.Verbose("Resetting pin %d to input", pin)
		p.Input()
	}

	return rpio.Close()
}
