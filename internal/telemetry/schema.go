package telemetry

import (
	"encoding/json"
	"math"
	"time"

	"codeberg.org/mutker/loadctl/internal/sample"
)

// SamplePayload is the JSON body published for each sample
type SamplePayload struct {
	RunID      string  `json:"run_id"`
	Timestamp  string  `json:"timestamp"`
	Cycle      int     `json:"cycle"`
	Phase      string  `json:"phase"`
	Elapsed    float64 `json:"elapsed_seconds"`
	RunElapsed float64 `json:"run_elapsed_seconds"`
	Voltage    float64 `json:"voltage_V"`
	Current    float64 `json:"current_A"`
	Capacity   float64 `json:"capacity_mAh"`
	Energy     float64 `json:"energy_Wh"`
}

// StatusPayload is the JSON body published for lifecycle events
type StatusPayload struct {
	RunID     string   `json:"run_id"`
	Timestamp string   `json:"timestamp"`
	Event     string   `json:"event"`
	Mode      string   `json:"mode,omitempty"`
	Address   string   `json:"address,omitempty"`
	Identity  string   `json:"identity,omitempty"`
	Cycles    int      `json:"cycles"`
	Samples   int      `json:"samples"`
	OCV       *float64 `json:"ocv,omitempty"`
	Stopped   bool     `json:"ocv_stop"`
	Error     string   `json:"error,omitempty"`
}

// FormatSample creates the JSON payload for a sample
func FormatSample(runID string, s *sample.Sample) ([]byte, error) {
	return json.Marshal(SamplePayload{
		RunID:      runID,
		Timestamp:  s.Timestamp.Format(sample.TimestampFormat),
		Cycle:      s.Cycle,
		Phase:      string(s.Phase),
		Elapsed:    s.Elapsed.Seconds(),
		RunElapsed: s.RunElapsed.Seconds(),
		Voltage:    s.Voltage,
		Current:    s.Current,
		Capacity:   s.Capacity,
		Energy:     s.Energy,
	})
}

// FormatStatus creates the JSON payload for a lifecycle event
func FormatStatus(runID string, ev StatusEvent) ([]byte, error) {
	p := StatusPayload{
		RunID:     runID,
		Timestamp: ev.Timestamp.UTC().Format(time.RFC3339),
		Event:     string(ev.Event),
		Mode:      ev.Mode,
		Address:   ev.Address,
		Identity:  ev.Identity,
		Cycles:    ev.Cycles,
		Samples:   ev.Samples,
		Stopped:   ev.Stopped,
		Error:     ev.Error,
	}
	if !math.IsNaN(ev.OCV) && !math.IsInf(ev.OCV, 0) {
		ocv := ev.OCV
		p.OCV = &ocv
	}

	return json.Marshal(p)
}
