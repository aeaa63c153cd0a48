/*Package instrument provides the channel to a programmable instrument.

A Channel carries newline terminated SCPI text over one of several transports:
a raw TCP socket, a serial port, a USBTMC bulk pipe, or the built-in simulated
battery. Every round trip is bounded by the channel timeout; a channel is owned
by a single caller and is not safe for concurrent use.
*/
package instrument

import (
	"context"
	"time"

	"codeberg.org/mutker/loadctl/internal/errors"
	"codeberg.org/mutker/loadctl/internal/logger"
)

const (
	// DefaultTimeout bounds every command and query round trip
	DefaultTimeout = 5 * time.Second

	// DefaultBaudRate is used for ASRL resources
	DefaultBaudRate = 9600

	terminator = '\n'
)

// Channel is a single logical connection to an instrument
type Channel interface {
	// Send writes a directive that has no response
	Send(ctx context.Context, cmd string) error

	// Query writes a directive and returns its response without the terminator
	Query(ctx context.Context, cmd string) (string, error)

	// Close releases the connection. Closing twice is not an error.
	Close() error
}

// Options tune how a channel is opened
type Options struct {
	Timeout  time.Duration
	BaudRate int

	// Sim configures the simulated battery behind SIM::INSTR
	Sim SimConfig
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.BaudRate <= 0 {
		o.BaudRate = DefaultBaudRate
	}
	return o
}

// Connect opens the instrument at address. An empty address opens the first
// discoverable instrument and fails with ErrNoInstrumentFound when there is none.
func Connect(ctx context.Context, address string, opts Options) (Channel, error) {
	errFactory := errors.New()
	opts = opts.withDefaults()

	if address == "" {
		found, err := Discover(ctx)
		if err != nil {
			return nil, err
		}
		if len(found) == 0 {
			return nil, errFactory.New(ErrNoInstrumentFound)
		}
		address = found[0]
		logger.Debug().Str("address", address).Msg("Using first discovered instrument")
	}

	addr, err := ParseAddress(address)
	if err != nil {
		return nil, err
	}

	switch addr.Kind {
	case KindTCP:
		return dialTCP(ctx, addr, opts.Timeout)
	case KindSerial:
		return openSerial(addr, opts.BaudRate, opts.Timeout)
	case KindUSB:
		return openUSBTMC(addr, opts.Timeout)
	case KindSim:
		return NewSimulator(opts.Sim), nil
	default:
		return nil, errFactory.WithData(ErrInvalidAddress, address)
	}
}
