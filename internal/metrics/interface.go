package metrics

import (
	"context"
	"time"

	"codeberg.org/mutker/loadctl/internal/sample"
)

// Archive stores runs and their samples
type Archive interface {
	// StartRun registers a run and returns the recorder for its samples
	StartRun(ctx context.Context, run *Run) (RunRecorder, error)
	// FinishRun stores how a run ended
	FinishRun(ctx context.Context, id string, summary Summary) error
	Runs(ctx context.Context, limit int) ([]Run, error)
	Samples(ctx context.Context, runID string) ([]sample.Sample, error)
	Close() error
	IsEnabled() bool
}

// RunRecorder buffers one run's samples; Close flushes what is left
type RunRecorder interface {
	sample.Recorder
	RunID() string
}

// Run is one archived invocation of discharge or pulse
type Run struct {
	ID         string
	Mode       string
	Address    string
	Identity   string
	Config     string // JSON encoded run configuration
	StartedAt  time.Time
	FinishedAt time.Time
	Summary
}

// Summary is filled in once the run has ended
type Summary struct {
	Status  Status
	Cycles  int
	Samples int
	OCV     float64 // NaN when no cycle finished
	Error   string
}

// Status is the lifecycle state of a run
type Status string

const (
	StatusRunning  Status = "RUNNING"
	StatusFinished Status = "FINISHED"
	StatusStopped  Status = "OCV_STOP"
	StatusFault    Status = "FAULT"
)
