package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// SensorConfig holds the AS5048B wiring and behaviour.
type SensorConfig struct {
	I2CDevice    string `yaml:"i2c_device"`    // e.g. /dev/i2c-1
	I2CAddr      int    `yaml:"i2c_addr"`      // 7-bit address, default 0x40
	Resolution   int    `yaml:"resolution"`    // ticks per revolution (14-bit = 16384)
	Clockwise    bool   `yaml:"clockwise"`     // invert raw readings
	FilterWindow int    `yaml:"filter_window"` // circular average window N
}

// MotorConfig holds the DRV8876 wiring (BCM pin numbers).
type MotorConfig struct {
	PWMPin    int `yaml:"pwm_pin"`
	DirPin    int `yaml:"dir_pin"`
	PWMFreqHz int `yaml:"pwm_freq_hz"`
}

// InterlockConfig holds the safety input wiring (BCM pin numbers).
type InterlockConfig struct {
	LimitPin  int  `yaml:"limit_pin"`
	FaultPin  int  `yaml:"fault_pin"` // 0 = not wired
	ActiveLow bool `yaml:"active_low"`
}

// FeedConfig describes the tape geometry.
type FeedConfig struct {
	MMPerRev     float64 `yaml:"mm_per_rev"`    // tape travel per encoder revolution
	TicksPerRev  int     `yaml:"ticks_per_rev"` // encoder resolution
	PocketLength float64 `yaml:"pocket_length"` // mm between pockets
}

// MotionConfig holds bounded-move duties and timeouts. The numbers vary
// per mechanism, so none of them are hard-coded.
type MotionConfig struct {
	AdvanceDuty     float64 `yaml:"advance_duty"`
	HomingDuty      float64 `yaml:"homing_duty"`
	UnloadDuty      float64 `yaml:"unload_duty"`
	AdvanceTimeoutS float64 `yaml:"advance_timeout_s"`
	HomeTimeoutS    float64 `yaml:"home_timeout_s"`
}

// PIDConfig holds the velocity loop gains.
type PIDConfig struct {
	Kp float64 `yaml:"kp"`
	Ki float64 `yaml:"ki"`
	Kd float64 `yaml:"kd"`
}

// ControlConfig holds loop timing.
type ControlConfig struct {
	ActivePeriodMs int `yaml:"active_period_ms"` // tick cadence while driving
	IdlePeriodMs   int `yaml:"idle_period_ms"`   // poll cadence while idle
}

// DefaultsConfig contains generic parameters.
type DefaultsConfig struct {
	DebugLevel int  `yaml:"debug_level"` // 0-4 (0=off, 1=info, 2=live, 3=verbose, 4=trace)
	MockGPIO   bool `yaml:"mock_gpio"`   // use mock GPIO (true=dev/test, false=real Raspberry Pi)
	MockBus    bool `yaml:"mock_bus"`    // use mock sensor bus
}

// Config aggregates all application configuration.
type Config struct {
	Sensor    SensorConfig    `yaml:"sensor"`
	Motor     MotorConfig     `yaml:"motor"`
	Interlock InterlockConfig `yaml:"interlock"`
	Feed      FeedConfig      `yaml:"feed"`
	Motion    MotionConfig    `yaml:"motion"`
	PID       PIDConfig       `yaml:"pid"`
	Control   ControlConfig   `yaml:"control"`
	Defaults  DefaultsConfig  `yaml:"defaults"`
}

// Load reads a YAML file and returns the configuration.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal yaml: %w", err)
	}

	// Sensor defaults (AS5048B)
	if cfg.Sensor.I2CDevice == "" {
		cfg.Sensor.I2CDevice = "/dev/i2c-1"
	}
	if cfg.Sensor.I2CAddr == 0 {
		cfg.Sensor.I2CAddr = 0x40
	}
	if cfg.Sensor.I2CAddr < 0 || cfg.Sensor.I2CAddr > 0x7F {
		return nil, fmt.Errorf("sensor.i2c_addr must be a 7-bit address, got 0x%X", cfg.Sensor.I2CAddr)
	}
	if cfg.Sensor.Resolution == 0 {
		cfg.Sensor.Resolution = 16384
	}
	if cfg.Sensor.Resolution < 0 {
		return nil, fmt.Errorf("sensor.resolution must be > 0, got %d", cfg.Sensor.Resolution)
	}
	if cfg.Sensor.FilterWindow == 0 {
		cfg.Sensor.FilterWindow = 10
	}
	if cfg.Sensor.FilterWindow < 0 {
		return nil, fmt.Errorf("sensor.filter_window must be > 0, got %d", cfg.Sensor.FilterWindow)
	}

	// Motor wiring is required.
	if cfg.Motor.PWMPin <= 0 {
		return nil, fmt.Errorf("motor.pwm_pin is required")
	}
	if cfg.Motor.DirPin <= 0 {
		return nil, fmt.Errorf("motor.dir_pin is required")
	}
	if cfg.Motor.PWMFreqHz <= 0 {
		cfg.Motor.PWMFreqHz = 2000
	}

	if cfg.Interlock.LimitPin <= 0 {
		return nil, fmt.Errorf("interlock.limit_pin is required")
	}

	// Feed geometry
	if cfg.Feed.MMPerRev == 0 {
		cfg.Feed.MMPerRev = 40.0
	}
	if cfg.Feed.MMPerRev < 0 {
		return nil, fmt.Errorf("feed.mm_per_rev must be > 0, got %g", cfg.Feed.MMPerRev)
	}
	if cfg.Feed.TicksPerRev == 0 {
		cfg.Feed.TicksPerRev = cfg.Sensor.Resolution
	}
	if cfg.Feed.TicksPerRev < 0 {
		return nil, fmt.Errorf("feed.ticks_per_rev must be > 0, got %d", cfg.Feed.TicksPerRev)
	}
	if cfg.Feed.PocketLength == 0 {
		cfg.Feed.PocketLength = 4.0
	}
	if cfg.Feed.PocketLength < 0 {
		return nil, fmt.Errorf("feed.pocket_length must be > 0, got %g", cfg.Feed.PocketLength)
	}

	// Move duties and timeouts
	if cfg.Motion.AdvanceDuty == 0 {
		cfg.Motion.AdvanceDuty = 0.7
	}
	if cfg.Motion.HomingDuty == 0 {
		cfg.Motion.HomingDuty = 0.5
	}
	if cfg.Motion.UnloadDuty == 0 {
		cfg.Motion.UnloadDuty = cfg.Motion.HomingDuty
	}
	for name, duty := range map[string]float64{
		"advance_duty": cfg.Motion.AdvanceDuty,
		"homing_duty":  cfg.Motion.HomingDuty,
		"unload_duty":  cfg.Motion.UnloadDuty,
	} {
		if duty < 0 || duty > 1 {
			return nil, fmt.Errorf("motion.%s must be in [0,1], got %g", name, duty)
		}
	}
	if cfg.Motion.AdvanceTimeoutS == 0 {
		cfg.Motion.AdvanceTimeoutS = 5.0
	}
	if cfg.Motion.HomeTimeoutS == 0 {
		cfg.Motion.HomeTimeoutS = 6.0
	}
	if cfg.Motion.AdvanceTimeoutS < 0 || cfg.Motion.HomeTimeoutS < 0 {
		return nil, fmt.Errorf("motion timeouts must be > 0")
	}

	// PID defaults
	if cfg.PID.Kp == 0 && cfg.PID.Ki == 0 && cfg.PID.Kd == 0 {
		cfg.PID = PIDConfig{Kp: 0.1, Ki: 0.01, Kd: 0.001}
	}

	// Loop timing
	if cfg.Control.ActivePeriodMs <= 0 {
		cfg.Control.ActivePeriodMs = 10
	}
	if cfg.Control.IdlePeriodMs <= 0 {
		cfg.Control.IdlePeriodMs = 500
	}

	if cfg.Defaults.DebugLevel < 0 || cfg.Defaults.DebugLevel > 4 {
		return nil, fmt.Errorf("debug_level must be 0-4, got %d", cfg.Defaults.DebugLevel)
	}

	return &cfg, nil
}

// ActivePeriod returns the control tick period while driving the motor.
func (c *Config) ActivePeriod() time.Duration {
	return time.Duration(c.Control.ActivePeriodMs) * time.Millisecond
}

// IdlePeriod returns the poll period while the axis is idle.
func (c *Config) IdlePeriod() time.Duration {
	return time.Duration(c.Control.IdlePeriodMs) * time.Millisecond
}

// AdvanceTimeout returns the bounded-move timeout.
func (c *Config) AdvanceTimeout() time.Duration {
	return time.Duration(c.Motion.AdvanceTimeoutS * float64(time.Second))
}

// HomeTimeout returns the homing timeout.
func (c *Config) HomeTimeout() time.Duration {
	return time.Duration(c.Motion.HomeTimeoutS * float64(time.Second))
}
