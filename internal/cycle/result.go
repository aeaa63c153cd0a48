package cycle

import (
	"math"

	"codeberg.org/mutker/loadctl/internal/sample"
)

// CycleResult describes one finished cycle
type CycleResult struct {
	Index int

	// Aborted is set when the loaded voltage reached MinVoltage
	Aborted bool
	// OCV is the voltage of the first rest sample at or past RestTime
	OCV float64
	// Stopped is set when OCV reached OCVCutoff and the run ended
	Stopped bool
}

// Outcome classifies the cycle; an OCV stop takes precedence over an abort
func (r CycleResult) Outcome() sample.Outcome {
	switch {
	case r.Stopped:
		return sample.OutcomeOCVStop
	case r.Aborted:
		return sample.OutcomeUnderVoltage
	default:
		return sample.OutcomeCompleted
	}
}

// Result summarizes a run. Cycles only lists cycles whose REST phase finished.
type Result struct {
	Cycles  []CycleResult
	Samples int
}

// OCV is the rest voltage of the last finished cycle, NaN when there is none
func (r Result) OCV() float64 {
	if len(r.Cycles) == 0 {
		return math.NaN()
	}

	return r.Cycles[len(r.Cycles)-1].OCV
}

// Stopped reports whether the run ended on the OCV stop condition
func (r Result) Stopped() bool {
	return len(r.Cycles) > 0 && r.Cycles[len(r.Cycles)-1].Stopped
}
