package cycle

import (
	"fmt"
	"math"
	"time"

	"codeberg.org/mutker/loadctl/internal/errors"
)

// Config is fixed for the lifetime of a run
type Config struct {
	Current      float64       // constant-current setpoint, A
	LoadTime     time.Duration // LOAD_ON phase length
	RestTime     time.Duration // REST phase length
	SamplePeriod time.Duration // target interval between samples

	// OCVCutoff ends the run once a cycle's rest voltage falls to or below it
	OCVCutoff float64
	// MinVoltage ends a LOAD_ON phase early once the loaded voltage falls to or below it
	MinVoltage float64

	MaxCycles int
}

// Disabled is the threshold value that never triggers
func Disabled() float64 {
	return math.NaN()
}

// IsDisabled reports whether a threshold is switched off
func IsDisabled(threshold float64) bool {
	return math.IsNaN(threshold)
}

// Single is the configuration of the single discharge/rebound log: exactly
// one cycle and no abort or stop thresholds
func Single(current float64, loadTime, restTime, samplePeriod time.Duration) Config {
	return Config{
		Current:      current,
		LoadTime:     loadTime,
		RestTime:     restTime,
		SamplePeriod: samplePeriod,
		OCVCutoff:    Disabled(),
		MinVoltage:   Disabled(),
		MaxCycles:    1,
	}
}

// Validate checks the input constraints of a run
func (c Config) Validate() error {
	errFactory := errors.New()

	switch {
	case math.IsNaN(c.Current) || math.IsInf(c.Current, 0) || c.Current <= 0:
		return errFactory.WithData(errors.ErrInvalidConfig, fmt.Sprintf("current must be > 0, got %v", c.Current))
	case c.LoadTime <= 0:
		return errFactory.WithData(errors.ErrInvalidConfig, fmt.Sprintf("load_time must be > 0, got %v", c.LoadTime))
	case c.RestTime <= 0:
		return errFactory.WithData(errors.ErrInvalidConfig, fmt.Sprintf("rest_time must be > 0, got %v", c.RestTime))
	case c.SamplePeriod <= 0:
		return errFactory.WithData(errors.ErrInvalidConfig, fmt.Sprintf("sample_period must be > 0, got %v", c.SamplePeriod))
	case c.MaxCycles < 1:
		return errFactory.WithData(errors.ErrInvalidConfig, fmt.Sprintf("max_cycles must be >= 1, got %d", c.MaxCycles))
	case math.IsInf(c.OCVCutoff, 0):
		return errFactory.WithData(errors.ErrInvalidConfig, "ocv_cutoff must be finite or off")
	case math.IsInf(c.MinVoltage, 0):
		return errFactory.WithData(errors.ErrInvalidConfig, "min_voltage must be finite or off")
	}

	return nil
}
