package console

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/cjeanneret/FeedGo/internal/hw/motor"
	"github.com/cjeanneret/FeedGo/internal/logic/feeder"
	"github.com/cjeanneret/FeedGo/internal/logic/velocity"
)

// Controller is the feeder surface the console drives. It matches
// *feeder.Feeder; an interface so tests can use a stub.
type Controller interface {
	SetVelocity(mmPerSec float64) error
	StopVelocity() error
	SetGains(g velocity.Gains) error
	Home() error
	AdvanceLength(mm float64) error
	AdvancePockets(count int) error
	Unload(mm float64) error
	Abort() error
	Zero() error
	SetOffset(rad float64) error
	ManualMotor(duty float64, dir motor.Direction) error
	ReadStatus() (feeder.Status, error)
	LimitTriggered() (bool, error)
	FaultTriggered() (bool, error)
}

// Processor parses line-oriented operator commands and drives the
// feeder. Commands are a name followed by KEY=value parameters, e.g.
//
//	ADVANCE LEN=4.0
//	PID KP=0.1 KI=0.01
type Processor struct {
	feeder Controller
	out    io.Writer
}

// New creates a command processor writing replies to out.
func New(f Controller, out io.Writer) *Processor {
	return &Processor{feeder: f, out: out}
}

// Run reads commands from in until EOF, QUIT, or context cancellation.
func (p *Processor) Run(ctx context.Context, in io.Reader) error {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.EqualFold(line, "QUIT") {
			p.reply("bye")
			return nil
		}
		p.reply(p.Handle(line))
	}
	return scanner.Err()
}

func (p *Processor) reply(msg string) {
	fmt.Fprintln(p.out, msg)
}

// Handle executes a single command line and returns the reply text.
func (p *Processor) Handle(line string) string {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return ""
	}
	cmd := strings.ToUpper(fields[0])
	params, err := parseParams(fields[1:])
	if err != nil {
		return fmt.Sprintf("error: %v", err)
	}

	switch cmd {
	case "STATUS":
		return p.status()
	case "SETVEL":
		vel, err := params.float("VEL", 0)
		if err != nil {
			return fmt.Sprintf("error: %v", err)
		}
		if err := p.feeder.SetVelocity(vel); err != nil {
			return fmt.Sprintf("error: %v", err)
		}
		return fmt.Sprintf("target velocity set to %.2f mm/s, PID enabled", vel)
	case "STOP":
		if err := p.feeder.StopVelocity(); err != nil {
			return fmt.Sprintf("error: %v", err)
		}
		return "feeder stopped (duty=0, PID disabled)"
	case "PID":
		return p.pid(params)
	case "ADVANCE":
		return p.advance(params)
	case "HOME":
		if err := p.feeder.Home(); err != nil {
			return fmt.Sprintf("error: %v", err)
		}
		return "homing started"
	case "UNLOAD":
		mm, err := params.float("LEN", 0)
		if err != nil {
			return fmt.Sprintf("error: %v", err)
		}
		if err := p.feeder.Unload(mm); err != nil {
			return fmt.Sprintf("error: %v", err)
		}
		return fmt.Sprintf("unloading %.2f mm", mm)
	case "ABORT":
		if err := p.feeder.Abort(); err != nil {
			return fmt.Sprintf("error: %v", err)
		}
		return "aborted"
	case "ZERO":
		if err := p.feeder.Zero(); err != nil {
			return fmt.Sprintf("error: %v", err)
		}
		return "sensor zero position set"
	case "OFFSET":
		rad, err := params.float("RAD", 0)
		if err != nil {
			return fmt.Sprintf("error: %v", err)
		}
		if err := p.feeder.SetOffset(rad); err != nil {
			return fmt.Sprintf("error: %v", err)
		}
		return fmt.Sprintf("calibration offset set to %.4f rad", rad)
	case "MOTOR":
		return p.motor(params)
	case "LIMIT":
		v, err := p.feeder.LimitTriggered()
		if err != nil {
			return fmt.Sprintf("error: %v", err)
		}
		return fmt.Sprintf("limit triggered: %v", v)
	case "FAULT":
		v, err := p.feeder.FaultTriggered()
		if err != nil {
			return fmt.Sprintf("error: %v", err)
		}
		return fmt.Sprintf("fault triggered: %v", v)
	case "HELP":
		return helpText
	default:
		return fmt.Sprintf("error: unknown command %q (try HELP)", cmd)
	}
}

func (p *Processor) status() string {
	st, err := p.feeder.ReadStatus()
	if err != nil {
		return fmt.Sprintf("error: %v", err)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "mode=%s raw=%d angle=%.2fdeg filtered=%.2fdeg diag=0x%02X gain=%d offset=%.3f\n",
		st.Mode, st.Sensor.RawTicks, st.Sensor.AngleDeg, st.Sensor.FilteredDeg,
		st.Sensor.Diag, st.Sensor.Gain, st.Sensor.Offset)
	fmt.Fprintf(&b, "duty=%.3f dir=%s velocity=%.3f target=%.3f pid_enabled=%v kp=%g ki=%g kd=%g\n",
		st.Duty, st.Direction, st.Velocity, st.Target, st.PidEnabled,
		st.Gains.Kp, st.Gains.Ki, st.Gains.Kd)
	fmt.Fprintf(&b, "limit=%v", st.Limit)
	if st.HasFaultPin {
		fmt.Fprintf(&b, " fault=%v", st.Fault)
	} else {
		fmt.Fprintf(&b, " fault=n/a")
	}
	if st.HasLastMove {
		fmt.Fprintf(&b, " last_move=%s/%s (%.2f mm)",
			st.LastMove.Kind, st.LastMove.Outcome, st.LastMove.MovedMM)
	}
	if st.HasZeroRef {
		fmt.Fprintf(&b, " zero_ref=%d", st.ZeroRef)
	}
	return b.String()
}

func (p *Processor) pid(params params) string {
	st, err := p.feeder.ReadStatus()
	if err != nil {
		return fmt.Sprintf("error: %v", err)
	}
	g := st.Gains
	if g.Kp, err = params.float("KP", g.Kp); err != nil {
		return fmt.Sprintf("error: %v", err)
	}
	if g.Ki, err = params.float("KI", g.Ki); err != nil {
		return fmt.Sprintf("error: %v", err)
	}
	if g.Kd, err = params.float("KD", g.Kd); err != nil {
		return fmt.Sprintf("error: %v", err)
	}
	if err := p.feeder.SetGains(g); err != nil {
		return fmt.Sprintf("error: %v", err)
	}
	return fmt.Sprintf("PID gains updated: Kp=%g Ki=%g Kd=%g", g.Kp, g.Ki, g.Kd)
}

func (p *Processor) advance(params params) string {
	if params.has("POCKETS") {
		n, err := params.integer("POCKETS", 0)
		if err != nil {
			return fmt.Sprintf("error: %v", err)
		}
		if err := p.feeder.AdvancePockets(n); err != nil {
			return fmt.Sprintf("error: %v", err)
		}
		return fmt.Sprintf("advancing %d pockets", n)
	}
	mm, err := params.float("LEN", 0)
	if err != nil {
		return fmt.Sprintf("error: %v", err)
	}
	if err := p.feeder.AdvanceLength(mm); err != nil {
		return fmt.Sprintf("error: %v", err)
	}
	return fmt.Sprintf("advancing %.2f mm", mm)
}

func (p *Processor) motor(params params) string {
	duty, err := params.float("PWM", 0)
	if err != nil {
		return fmt.Sprintf("error: %v", err)
	}
	dirVal, err := params.integer("DIR", 0)
	if err != nil {
		return fmt.Sprintf("error: %v", err)
	}
	dir := motor.Forward
	if dirVal != 0 {
		dir = motor.Reverse
	}
	if err := p.feeder.ManualMotor(duty, dir); err != nil {
		return fmt.Sprintf("error: %v", err)
	}
	return fmt.Sprintf("motor duty=%.2f dir=%s", duty, dir)
}

// params maps KEY to its raw value text.
type params map[string]string

func parseParams(fields []string) (params, error) {
	p := make(params, len(fields))
	for _, f := range fields {
		key, val, ok := strings.Cut(f, "=")
		if !ok {
			return nil, fmt.Errorf("malformed parameter %q (want KEY=value)", f)
		}
		p[strings.ToUpper(key)] = val
	}
	return p, nil
}

func (p params) has(key string) bool {
	_, ok := p[key]
	return ok
}

func (p params) float(key string, def float64) (float64, error) {
	raw, ok := p[key]
	if !ok {
		return def, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("parameter %s: %q is not a number", key, raw)
	}
	return v, nil
}

func (p params) integer(key string, def int) (int, error) {
	raw, ok := p[key]
	if !ok {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("parameter %s: %q is not an integer", key, raw)
	}
	return v, nil
}

const helpText = `commands:
  STATUS                     report sensor, motor and loop state
  SETVEL VEL=<mm/s>          enable closed-loop velocity hold
  STOP                       stop motor, disable velocity hold
  PID KP=<v> KI=<v> KD=<v>   update PID gains (partial OK)
  ADVANCE LEN=<mm>           advance tape by length
  ADVANCE POCKETS=<n>        advance tape by pocket count
  UNLOAD LEN=<mm>            reverse tape by length
  HOME                       home to the limit switch
  ABORT                      interrupt the active move or hold
  ZERO                       write hardware zero at current position
  OFFSET RAD=<radians>       set software calibration offset
  MOTOR PWM=<0..1> DIR=<0|1> drive the motor directly (idle only)
  LIMIT / FAULT              report interlock pin state
  QUIT                       exit`
