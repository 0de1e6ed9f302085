package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/cjeanneret/FeedGo/internal/config"
	"github.com/cjeanneret/FeedGo/internal/console"
	"github.com/cjeanneret/FeedGo/internal/debug"
	"github.com/cjeanneret/FeedGo/internal/events"
	"github.com/cjeanneret/FeedGo/internal/hw/angle"
	"github.com/cjeanneret/FeedGo/internal/hw/bus"
	"github.com/cjeanneret/FeedGo/internal/hw/gpio"
	"github.com/cjeanneret/FeedGo/internal/hw/interlock"
	"github.com/cjeanneret/FeedGo/internal/hw/motor"
	"github.com/cjeanneret/FeedGo/internal/logic/feeder"
	"github.com/cjeanneret/FeedGo/internal/logic/sequence"
	"github.com/cjeanneret/FeedGo/internal/logic/units"
	"github.com/cjeanneret/FeedGo/internal/logic/velocity"
	"github.com/cjeanneret/FeedGo/internal/sched"
)

func main() {
	// CLI flags
	cfgPath := flag.String("config", filepath.Join("configs", "feeder.yaml"), "path to config file")
	debugLevel := flag.Int("debug", -1, "override debug level (0-4); -1 means use config value")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Load configuration
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}
	if *debugLevel >= 0 {
		if *debugLevel > 4 {
			log.Fatalf("invalid debug level %d (want 0-4)", *debugLevel)
		}
		cfg.Defaults.DebugLevel = *debugLevel
	}

	// Initialize debug system
	debug.Init(cfg.Defaults.DebugLevel)
	debug.Section("Initialization")
	debug.Value("Config path", *cfgPath)
	debug.Value("Debug level", cfg.Defaults.DebugLevel)

	// Initialize GPIO driver
	debug.Value("Mock GPIO", cfg.Defaults.MockGPIO)
	debug.Step(1, "Initializing GPIO driver")
	gpioDriver, err := gpio.NewDriver(cfg.Defaults.MockGPIO, cfg.Motor.PWMFreqHz)
	if err != nil {
		log.Fatalf("init GPIO failed: %v", err)
	}
	defer func() {
		if err := gpioDriver.Close(); err != nil {
			log.Printf("closing GPIO driver failed: %v", err)
		}
	}()

	// Initialize the sensor bus
	debug.Step(2, "Opening sensor bus")
	debug.Value("Mock bus", cfg.Defaults.MockBus)
	debug.Value("I2C device", cfg.Sensor.I2CDevice)
	debug.Value("I2C address", debug.Fmt("0x%02X", cfg.Sensor.I2CAddr))
	sensorBus, err := bus.NewBus(cfg.Defaults.MockBus, cfg.Sensor.I2CDevice, byte(cfg.Sensor.I2CAddr))
	if err != nil {
		log.Fatalf("open sensor bus failed: %v", err)
	}
	defer func() {
		if err := sensorBus.Close(); err != nil {
			log.Printf("closing sensor bus failed: %v", err)
		}
	}()

	// Build the hardware layer
	debug.Step(3, "Initializing hardware")
	sensor := angle.NewSensor(sensorBus, angle.Config{
		Resolution:   cfg.Sensor.Resolution,
		Clockwise:    cfg.Sensor.Clockwise,
		FilterWindow: cfg.Sensor.FilterWindow,
	})
	debug.PrintStruct("Sensor config", cfg.Sensor)
	locks := interlock.New(gpioDriver, interlock.Config{
		LimitPin:  cfg.Interlock.LimitPin,
		FaultPin:  cfg.Interlock.FaultPin,
		ActiveLow: cfg.Interlock.ActiveLow,
	})
	debug.PrintStruct("Interlock config", cfg.Interlock)
	drive := motor.New(gpioDriver, motor.Config{
		PWMPin: cfg.Motor.PWMPin,
		DirPin: cfg.Motor.DirPin,
	})
	debug.PrintStruct("Motor config", cfg.Motor)

	// Build the control layer
	debug.Step(4, "Creating control loops")
	conv := units.NewConverter(cfg.Feed.TicksPerRev, cfg.Feed.MMPerRev, cfg.Feed.PocketLength)
	broadcaster := events.NewBroadcaster()
	vel := velocity.New(sensor, locks, drive, conv, broadcaster, velocity.Config{
		Gains:        velocity.Gains{Kp: cfg.PID.Kp, Ki: cfg.PID.Ki, Kd: cfg.PID.Kd},
		ActivePeriod: cfg.ActivePeriod(),
		IdlePeriod:   cfg.IdlePeriod(),
	})
	seq := sequence.New(sensor, locks, drive, conv, broadcaster, sequence.Config{
		HomingDuty:     cfg.Motion.HomingDuty,
		AdvanceDuty:    cfg.Motion.AdvanceDuty,
		UnloadDuty:     cfg.Motion.UnloadDuty,
		HomeTimeout:    cfg.HomeTimeout(),
		AdvanceTimeout: cfg.AdvanceTimeout(),
		ActivePeriod:   cfg.ActivePeriod(),
		IdlePeriod:     cfg.IdlePeriod(),
	})
	feed := feeder.New(sensor, locks, drive, vel, seq, broadcaster, feeder.Config{
		IdlePeriod: cfg.IdlePeriod(),
	})

	// Register the control tick with the reactor
	debug.Step(5, "Starting reactor")
	reactor := sched.New()
	handle := reactor.Register(feed.Tick, time.Now())
	feed.BindWake(handle.WakeNow)

	// Surface safety and completion events on the console
	notices, unsubscribe := broadcaster.Subscribe()
	defer unsubscribe()
	go func() {
		for ev := range notices {
			debug.Info("event: %s %s", ev.Kind, ev.Msg)
		}
	}()

	// Operator console on stdin; closing it shuts the rig down
	proc := console.New(feed, os.Stdout)
	go func() {
		defer cancel()
		if err := proc.Run(ctx, os.Stdin); err != nil && ctx.Err() == nil {
			debug.Error(fmt.Errorf("console: %w", err))
		}
	}()

	debug.Section("Feeder Ready")
	if err := reactor.Run(ctx); err != nil && err != context.Canceled {
		log.Fatalf("reactor: %v", err)
	}

	// Leave the motor de-energized on the way out.
	if err := drive.Stop(); err != nil {
		log.Printf("stopping motor failed: %v", err)
	}
	debug.Section("Shutdown Complete")
}
