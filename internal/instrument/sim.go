package instrument

import (
	"context"
	"math"
	"strconv"
	"strings"
	"time"

	"codeberg.org/mutker/loadctl/internal/errors"
)

// SimIdentity is the *IDN? response of the simulated load
const SimIdentity = "RIGOL TECHNOLOGIES,DL3021,SIM000001,00.01.00.00.00"

// SimConfig describes the battery behind the simulated load
type SimConfig struct {
	CapacityAh         float64       // usable capacity
	OCVFull            float64       // open-circuit voltage at 100 % state of charge
	OCVEmpty           float64       // open-circuit voltage at 0 % state of charge
	InternalResistance float64       // ohmic drop under load
	Polarization       float64       // additional slow drop, ohms
	RelaxTime          time.Duration // time constant of the polarization

	// Now is the simulator's time source, time.Now when nil
	Now func() time.Time
}

// DefaultSimConfig is a small single cell lithium-ion battery
func DefaultSimConfig() SimConfig {
	return SimConfig{
		CapacityAh:         0.5,
		OCVFull:            4.15,
		OCVEmpty:           3.0,
		InternalResistance: 0.08,
		Polarization:       0.05,
		RelaxTime:          15 * time.Second,
	}
}

// Simulator is an in-process Channel emulating a DC load discharging a battery
type Simulator struct {
	cfg SimConfig

	input    bool
	setpoint float64
	drawnAh  float64
	energyWh float64
	pol      float64
	last     time.Time
	closed   bool
}

// NewSimulator returns a simulator for cfg; zero fields take DefaultSimConfig values
func NewSimulator(cfg SimConfig) *Simulator {
	def := DefaultSimConfig()
	if cfg.CapacityAh <= 0 {
		cfg.CapacityAh = def.CapacityAh
	}
	if cfg.OCVFull <= 0 {
		cfg.OCVFull = def.OCVFull
	}
	if cfg.OCVEmpty <= 0 {
		cfg.OCVEmpty = def.OCVEmpty
	}
	if cfg.InternalResistance <= 0 {
		cfg.InternalResistance = def.InternalResistance
	}
	if cfg.Polarization <= 0 {
		cfg.Polarization = def.Polarization
	}
	if cfg.RelaxTime <= 0 {
		cfg.RelaxTime = def.RelaxTime
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Simulator{cfg: cfg, last: cfg.Now()}
}

// InputEnabled reports whether the simulated load input is on
func (s *Simulator) InputEnabled() bool {
	return s.input
}

func (s *Simulator) Send(ctx context.Context, cmd string) error {
	errFactory := errors.New()

	if s.closed {
		return errFactory.New(ErrNotConnected)
	}
	if err := ctx.Err(); err != nil {
		return errFactory.Wrap(ErrCommandFailed, err)
	}

	s.advance()

	fields := strings.Fields(strings.ToUpper(strings.TrimSpace(cmd)))
	if len(fields) == 0 {
		return errFactory.WithData(ErrCommandFailed, cmd)
	}

	switch fields[0] {
	case "*RST":
		s.input = false
		s.setpoint = 0
		s.drawnAh = 0
		s.energyWh = 0
		return nil
	case ":SYST:REM", ":SYSTEM:REMOTE", "*CLS":
		return nil
	case ":FUNC", ":FUNCTION":
		if len(fields) == 2 && strings.HasPrefix(fields[1], "CURR") {
			return nil
		}
	case ":CURR", ":CURRENT":
		if len(fields) == 2 {
			v, err := strconv.ParseFloat(fields[1], 64)
			if err == nil && v >= 0 {
				s.setpoint = v
				return nil
			}
		}
	case ":INP", ":INPUT":
		if len(fields) == 2 {
			switch fields[1] {
			case "ON", "1":
				s.input = true
				return nil
			case "OFF", "0":
				s.input = false
				return nil
			}
		}
	}

	return errFactory.WithData(ErrCommandFailed, cmd)
}

func (s *Simulator) Query(ctx context.Context, cmd string) (string, error) {
	errFactory := errors.New()

	if s.closed {
		return "", errFactory.New(ErrNotConnected)
	}
	if err := ctx.Err(); err != nil {
		return "", errFactory.Wrap(ErrCommandFailed, err)
	}

	s.advance()

	switch strings.ToUpper(strings.TrimSpace(cmd)) {
	case "*IDN?":
		return SimIdentity, nil
	case ":MEAS:VOLT?", ":MEASURE:VOLTAGE?":
		return formatReading(s.voltage()), nil
	case ":MEAS:CURR?", ":MEASURE:CURRENT?":
		return formatReading(s.current()), nil
	case ":MEAS:CAP?", ":MEASURE:CAPACITY?":
		return formatReading(s.drawnAh * 1000), nil
	case ":MEAS:ENER?", ":MEASURE:ENERGY?":
		return formatReading(s.energyWh), nil
	case ":INP?", ":INPUT?":
		if s.input {
			return "1", nil
		}
		return "0", nil
	}

	return "", errFactory.WithData(ErrCommandFailed, cmd)
}

// Close is idempotent
func (s *Simulator) Close() error {
	s.closed = true
	return nil
}

// advance integrates charge, energy and polarization up to now
func (s *Simulator) advance() {
	now := s.cfg.Now()
	dt := now.Sub(s.last)
	s.last = now
	if dt <= 0 {
		return
	}

	hours := dt.Hours()
	i := s.current()
	if i > 0 {
		v := s.voltage()
		s.drawnAh = math.Min(s.cfg.CapacityAh, s.drawnAh+i*hours)
		s.energyWh += v * i * hours
	}

	target := i * s.cfg.Polarization
	decay := math.Exp(-dt.Seconds() / s.cfg.RelaxTime.Seconds())
	s.pol = target + (s.pol-target)*decay
}

func (s *Simulator) current() float64 {
	if !s.input || s.drawnAh >= s.cfg.CapacityAh {
		return 0
	}
	return s.setpoint
}

func (s *Simulator) ocv() float64 {
	soc := 1 - s.drawnAh/s.cfg.CapacityAh
	return s.cfg.OCVEmpty + (s.cfg.OCVFull-s.cfg.OCVEmpty)*soc
}

func (s *Simulator) voltage() float64 {
	return s.ocv() - s.current()*s.cfg.InternalResistance - s.pol
}

func formatReading(v float64) string {
	return strconv.FormatFloat(v, 'f', 6, 64)
}
