// Package telemetry publishes live samples and run status over MQTT.
package telemetry

import (
	"context"
	"time"

	"codeberg.org/mutker/loadctl/internal/errors"
	"codeberg.org/mutker/loadctl/internal/logger"
	"codeberg.org/mutker/loadctl/internal/sample"
)

const (
	qosSample = 0
	qosStatus = 1
)

// Service publishes one run's samples to <prefix>/<run id>/samples and its
// lifecycle events, retained, to <prefix>/<run id>/status
type Service struct {
	pub     Publisher
	prefix  string
	runID   string
	log     logger.Logger
	dropped int
}

func NewService(pub Publisher, prefix, runID string, log logger.Logger) *Service {
	return &Service{pub: pub, prefix: prefix, runID: runID, log: log}
}

func (s *Service) SamplesTopic() string {
	return s.prefix + "/" + s.runID + "/samples"
}

func (s *Service) StatusTopic() string {
	return s.prefix + "/" + s.runID + "/status"
}

// Recorder returns a sample.Recorder for the run. Samples are best effort:
// a failed publish is logged and counted, and does not fail the run.
func (s *Service) Recorder() sample.Recorder {
	return &recorder{s}
}

// Dropped is the number of samples that could not be published
func (s *Service) Dropped() int {
	return s.dropped
}

func (s *Service) PublishStatus(ev StatusEvent) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	payload, err := FormatStatus(s.runID, ev)
	if err != nil {
		return errors.New().Wrap(ErrEncodeFailed, err)
	}

	return s.pub.Publish(s.StatusTopic(), qosStatus, true, payload)
}

// Close disconnects the publisher
func (s *Service) Close() error {
	if s.dropped > 0 {
		s.log.Warn().Int("dropped", s.dropped).Str("run_id", s.runID).Msg("Some samples were not published")
	}
	return s.pub.Close()
}

type recorder struct {
	s *Service
}

func (r *recorder) Record(_ context.Context, smp *sample.Sample) error {
	payload, err := FormatSample(r.s.runID, smp)
	if err != nil {
		return errors.New().Wrap(ErrEncodeFailed, err)
	}

	if err := r.s.pub.Publish(r.s.SamplesTopic(), qosSample, false, payload); err != nil {
		if r.s.dropped == 0 {
			r.s.log.Warn().Err(err).Msg("Failed to publish sample")
		}
		r.s.dropped++
	}

	return nil
}

// Close leaves the publisher open for the final status event
func (*recorder) Close() error {
	return nil
}
