// Package load drives a Rigol DL3000 class electronic load over an instrument channel.
package load

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"

	"codeberg.org/mutker/loadctl/internal/errors"
	"codeberg.org/mutker/loadctl/internal/instrument"
	"codeberg.org/mutker/loadctl/internal/logger"
	"codeberg.org/mutker/loadctl/internal/sample"
)

const (
	cmdIdentify        = "*IDN?"
	cmdReset           = "*RST"
	cmdRemote          = ":SYST:REM"
	cmdConstantCurrent = ":FUNC CURR"
	cmdSetCurrent      = ":CURR %s"
	cmdInputOn         = ":INP ON"
	cmdInputOff        = ":INP OFF"

	queryVoltage  = ":MEAS:VOLT?"
	queryCurrent  = ":MEAS:CURR?"
	queryCapacity = ":MEAS:CAP?"
	queryEnergy   = ":MEAS:ENER?"
)

// Load implements Controller on top of an instrument.Channel
type Load struct {
	ch    instrument.Channel
	input bool
}

var _ Controller = (*Load)(nil)

func New(ch instrument.Channel) *Load {
	return &Load{ch: ch}
}

func (l *Load) Identify(ctx context.Context) (string, error) {
	return l.ch.Query(ctx, cmdIdentify)
}

// Reset restores the instrument defaults, which leaves the input off
func (l *Load) Reset(ctx context.Context) error {
	if err := l.ch.Send(ctx, cmdReset); err != nil {
		return err
	}
	l.input = false

	return nil
}

func (l *Load) Remote(ctx context.Context) error {
	return l.ch.Send(ctx, cmdRemote)
}

func (l *Load) ConstantCurrent(ctx context.Context) error {
	return l.ch.Send(ctx, cmdConstantCurrent)
}

func (l *Load) SetCurrent(ctx context.Context, amps float64) error {
	if math.IsNaN(amps) || math.IsInf(amps, 0) || amps <= 0 {
		return errors.New().WithData(ErrInvalidSetpoint, amps)
	}

	cmd := fmt.Sprintf(cmdSetCurrent, strconv.FormatFloat(amps, 'f', -1, 64))
	if err := l.ch.Send(ctx, cmd); err != nil {
		return err
	}
	logger.Debug().Float64("current", amps).Msg("Set constant current")

	return nil
}

// SetInput switches the load input. The tracked state only changes once the
// instrument accepted the command.
func (l *Load) SetInput(ctx context.Context, on bool) error {
	cmd := cmdInputOff
	if on {
		cmd = cmdInputOn
	}

	if err := l.ch.Send(ctx, cmd); err != nil {
		return err
	}
	l.input = on
	logger.Debug().Bool("enabled", on).Msg("Load input switched")

	return nil
}

func (l *Load) InputEnabled() bool {
	return l.input
}

func (l *Load) Voltage(ctx context.Context) (float64, error) {
	return l.queryFloat(ctx, queryVoltage)
}

func (l *Load) Current(ctx context.Context) (float64, error) {
	return l.queryFloat(ctx, queryCurrent)
}

// Capacity returns the charge drawn since the input was last reset, in mAh
func (l *Load) Capacity(ctx context.Context) (float64, error) {
	return l.queryFloat(ctx, queryCapacity)
}

// Energy returns the energy drawn since the input was last reset, in Wh
func (l *Load) Energy(ctx context.Context) (float64, error) {
	return l.queryFloat(ctx, queryEnergy)
}

// Measure performs the voltage, current, capacity and energy queries in that order
func (l *Load) Measure(ctx context.Context) (sample.Measurement, error) {
	var m sample.Measurement
	var err error

	if m.Voltage, err = l.Voltage(ctx); err != nil {
		return sample.Measurement{}, err
	}
	if m.Current, err = l.Current(ctx); err != nil {
		return sample.Measurement{}, err
	}
	if m.Capacity, err = l.Capacity(ctx); err != nil {
		return sample.Measurement{}, err
	}
	if m.Energy, err = l.Energy(ctx); err != nil {
		return sample.Measurement{}, err
	}

	return m, nil
}

func (l *Load) Close() error {
	return l.ch.Close()
}

func (l *Load) queryFloat(ctx context.Context, query string) (float64, error) {
	resp, err := l.ch.Query(ctx, query)
	if err != nil {
		return 0, err
	}

	v, err := strconv.ParseFloat(strings.TrimSpace(resp), 64)
	if err != nil {
		errFactory := errors.New()
		invalid := errFactory.Wrap(ErrInvalidResponse, err).WithData(resp)
		return 0, errFactory.Wrap(ErrCommandFailed, invalid).WithData(query)
	}

	return v, nil
}
