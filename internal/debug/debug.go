package debug

import (
	"fmt"
	"io"
	"log"
	"os"
)

// Debug levels
const (
	LevelOff     = 0 // No output
	LevelInfo    = 1 // Important info (mode changes, move results)
	LevelLive    = 2 // Live info (moves started, duty changes)
	LevelVerbose = 3 // Verbose (PID terms, progress, conversions)
	LevelTrace   = 4 // Trace (GPIO, bus, very low level)
)

var (
	level  int
	logger *log.Logger
)

// Init initializes the debug system with a level (0-4).
// 0 = no output
// 1 = important info (mode changes, move results, faults)
// 2 = live info (moves, target velocity, duty)
// 3 = verbose (PID terms, filter values, tick details)
// 4 = trace (GPIO and bus traffic, very low level)
func Init(debugLevel int) {
	level = debugLevel
	if level > LevelOff {
		logger = log.New(os.Stdout, "[FeedGo] ", log.LstdFlags|log.Lmicroseconds)
	}
}

// SetOutput redirects debug output (e.g. to a MultiWriter).
func SetOutput(w io.Writer) {
	if logger != nil {
		logger.SetOutput(w)
	}
}

// Level returns the current debug level.
func Level() int {
	return level
}

// IsEnabled returns true if debug level is >= the requested level.
func IsEnabled(minLevel int) bool {
	return level >= minLevel
}

// --- Level 1 functions (Info): important info ---

// Info prints a level 1 message (important info).
func Info(format string, args ...interface{}) {
	if level >= LevelInfo && logger != nil {
		logger.Printf("[INFO] "+format, args...)
	}
}

// Warning prints a level 1 warning message.
func Warning(format string, args ...interface{}) {
	if level >= LevelInfo && logger != nil {
		logger.Printf("[WARN] "+format, args...)
	}
}

// Summary prints an important summary (level 1).
func Summary(title string) {
	if level >= LevelOff && logger != nil {
		logger.Printf("═══════════════════════════════════════")
		logger.Printf("  %s", title)
		logger.Printf("═══════════════════════════════════════")
	}
}

// Value prints a named value in formatted form (level 1).
func Value(name string, value interface{}) {
	if level >= LevelInfo && logger != nil {
		logger.Printf("[INFO]   %s = %v", name, value)
	}
}

// --- Level 2 functions (Live): real-time info ---

// Live prints a level 2 message (live info).
func Live(format string, args ...interface{}) {
	if level >= LevelLive && logger != nil {
		logger.Printf("[LIVE] "+format, args...)
	}
}

// Move prints the start of a bounded move (level 2).
func Move(kind string, targetTicks int, duty float64) {
	if level >= LevelLive && logger != nil {
		logger.Printf("[LIVE] Move %s: target=%d ticks, duty=%.2f", kind, targetTicks, duty)
	}
}

// Duty prints a motor duty change (level 2).
func Duty(duty float64) {
	if level >= LevelLive && logger != nil {
		logger.Printf("[LIVE] Motor duty=%.3f", duty)
	}
}

// --- Level 3 functions (Verbose): everything ---

// Verbose prints a level 3 message (verbose).
func Verbose(format string, args ...interface{}) {
	if level >= LevelVerbose && logger != nil {
		logger.Printf("[VERBOSE] "+format, args...)
	}
}

// Print prints a level 3 message (alias for Verbose).
func Print(format string, args ...interface{}) {
	Verbose(format, args...)
}

// Printf is an alias for Print for compatibility.
func Printf(format string, args ...interface{}) {
	Verbose(format, args...)
}

// Tick prints per-tick control loop values (level 3).
func Tick(velocity, target, output float64) {
	if level >= LevelVerbose && logger != nil {
		logger.Printf("[VERBOSE] Tick: vel=%.3f mm/s target=%.3f mm/s out=%.3f", velocity, target, output)
	}
}

// Section prints a section separator (level 3).
func Section(name string) {
	if level >= LevelVerbose && logger != nil {
		logger.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
		logger.Printf("  %s", name)
		logger.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	}
}

// Step prints a numbered step (level 3).
func Step(num int, description string) {
	if level >= LevelVerbose && logger != nil {
		logger.Printf("[VERBOSE] Step %d: %s", num, description)
	}
}

// PrintStruct prints a struct in formatted form (level 3).
func PrintStruct(name string, v interface{}) {
	if level >= LevelVerbose && logger != nil {
		logger.Printf("[VERBOSE] %s: %+v", name, v)
	}
}

// --- Level 4 functions (Trace): very low level ---

// Trace prints a level 4 message (trace, GPIO, bus).
func Trace(format string, args ...interface{}) {
	if level >= LevelTrace && logger != nil {
		logger.Printf("[TRACE] "+format, args...)
	}
}

// GPIO prints a GPIO operation (level 4).
func GPIO(operation string, pin int, value interface{}) {
	if level >= LevelTrace && logger != nil {
		logger.Printf("[GPIO] %s pin=%d value=%v", operation, pin, value)
	}
}

// Bus prints a register bus operation (level 4).
func Bus(operation string, reg byte, data []byte) {
	if level >= LevelTrace && logger != nil {
		logger.Printf("[BUS] %s reg=0x%02X data=% X", operation, reg, data)
	}
}

// --- General functions ---

// Error prints a debug error (level 1+).
func Error(err error) {
	if level >= LevelInfo && logger != nil {
		logger.Printf("[ERROR] %v", err)
	}
}

// Fmt is a helper function that returns a formatted string
// only if debug is enabled (to avoid unnecessary allocations).
func Fmt(format string, args ...interface{}) string {
	if level > 0 {
		return fmt.Sprintf(format, args...)
	}
	return ""
}
