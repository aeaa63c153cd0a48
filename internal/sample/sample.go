// Package sample holds the measurement records produced during a discharge run
// and the column layouts used to persist them.
package sample

import (
	"context"
	"fmt"
	"strconv"
	"time"
)

// TimestampFormat is ISO-8601 with microseconds and zone offset
const TimestampFormat = "2006-01-02T15:04:05.000000Z07:00"

// Phase is the active state of a cycle
type Phase string

const (
	PhaseLoadOn Phase = "LOAD_ON"
	PhaseRest   Phase = "REST"
)

// Outcome is how a cycle ended
type Outcome int

const (
	OutcomeCompleted Outcome = iota
	OutcomeUnderVoltage
	OutcomeOCVStop
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCompleted:
		return "completed"
	case OutcomeUnderVoltage:
		return "under_voltage_abort"
	case OutcomeOCVStop:
		return "ocv_stop"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Measurement is one set of readings taken from the load
type Measurement struct {
	Voltage  float64 // V
	Current  float64 // A
	Capacity float64 // mAh
	Energy   float64 // Wh
}

// Sample is one measurement observation. Elapsed is measured from the start
// of the phase, RunElapsed from the start of the first phase of the run.
type Sample struct {
	Timestamp  time.Time
	Cycle      int
	Phase      Phase
	Elapsed    time.Duration
	RunElapsed time.Duration
	Measurement
}

// Recorder persists samples in production order
type Recorder interface {
	Record(ctx context.Context, s *Sample) error
	Close() error
}

// Layout selects the column set of a tabular log
type Layout int

const (
	// LayoutSingle is the single discharge/rebound log
	LayoutSingle Layout = iota
	// LayoutCycle is the multi-cycle pulse log
	LayoutCycle
)

var (
	singleHeader = []string{
		"timestamp", "elapsed_seconds", "voltage_V", "current_A", "capacity_mAh", "energy_Wh",
	}
	cycleHeader = []string{
		"timestamp", "cycle", "phase", "elapsed_seconds", "voltage_V", "current_A", "capacity_mAh", "energy_Wh",
	}
)

// Header returns the field names in their fixed column order
func (l Layout) Header() []string {
	if l == LayoutCycle {
		return append([]string(nil), cycleHeader...)
	}

	return append([]string(nil), singleHeader...)
}

// Row renders a sample in the column order of Header. The single layout uses
// the run elapsed time so the rebound continues the load timeline.
func (l Layout) Row(s *Sample) []string {
	ts := s.Timestamp.Format(TimestampFormat)
	if l == LayoutCycle {
		return []string{
			ts,
			strconv.Itoa(s.Cycle),
			string(s.Phase),
			formatSeconds(s.Elapsed),
			formatFloat(s.Voltage),
			formatFloat(s.Current),
			formatFloat(s.Capacity),
			formatFloat(s.Energy),
		}
	}

	return []string{
		ts,
		formatSeconds(s.RunElapsed),
		formatFloat(s.Voltage),
		formatFloat(s.Current),
		formatFloat(s.Capacity),
		formatFloat(s.Energy),
	}
}

func formatSeconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', 1, 64)
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
