package load

import (
	"context"

	"codeberg.org/mutker/loadctl/internal/sample"
)

// Controller is the command vocabulary of a programmable DC load
type Controller interface {
	// Core operations
	Identify(ctx context.Context) (string, error)
	Reset(ctx context.Context) error
	Remote(ctx context.Context) error
	Close() error

	// Mode and setpoint
	ConstantCurrent(ctx context.Context) error
	SetCurrent(ctx context.Context, amps float64) error

	// Input switching
	SetInput(ctx context.Context, on bool) error
	InputEnabled() bool

	// Measurements
	Voltage(ctx context.Context) (float64, error)
	Current(ctx context.Context) (float64, error)
	Capacity(ctx context.Context) (float64, error)
	Energy(ctx context.Context) (float64, error)
	Measure(ctx context.Context) (sample.Measurement, error)
}
