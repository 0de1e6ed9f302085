package units

import "math"

// Converter translates between tape lengths, pocket counts and encoder
// ticks for one feed axis.
type Converter struct {
	ticksPerRev  int
	mmPerRev     float64
	pocketLength float64
	ticksPerMM   float64
}

// NewConverter creates a converter from the feed geometry.
// ticksPerRev is the encoder resolution, mmPerRev the tape travel per
// encoder revolution, pocketLength the tape pitch in mm.
func NewConverter(ticksPerRev int, mmPerRev, pocketLength float64) *Converter {
	return &Converter{
		ticksPerRev:  ticksPerRev,
		mmPerRev:     mmPerRev,
		pocketLength: pocketLength,
		ticksPerMM:   float64(ticksPerRev) / mmPerRev,
	}
}

// TicksPerMM returns the encoder ticks per mm of tape travel.
func (c *Converter) TicksPerMM() float64 {
	return c.ticksPerMM
}

// PocketLength returns the tape pitch in mm.
func (c *Converter) PocketLength() float64 {
	return c.pocketLength
}

// LengthToTicks converts a tape length in mm to encoder ticks,
// rounded to nearest.
func (c *Converter) LengthToTicks(mm float64) int {
	return int(math.Round(mm * c.ticksPerMM))
}

// PocketsToTicks converts a pocket count to encoder ticks. Equivalent to
// LengthToTicks(n * pocket length).
func (c *Converter) PocketsToTicks(n int) int {
	return c.LengthToTicks(float64(n) * c.pocketLength)
}

// TicksToLength converts encoder ticks to a tape length in mm.
func (c *Converter) TicksToLength(ticks int) float64 {
	return float64(ticks) / c.ticksPerMM
}

// VelocityMMPerSec converts a tick delta over dt seconds to mm/s.
func (c *Converter) VelocityMMPerSec(deltaTicks float64, dtSec float64) float64 {
	return deltaTicks / c.ticksPerMM / dtSec
}
