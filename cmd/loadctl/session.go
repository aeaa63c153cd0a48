package main

import (
	"context"
	"fmt"
	"time"

	"codeberg.org/mutker/loadctl/internal/config"
	"codeberg.org/mutker/loadctl/internal/cycle"
	"codeberg.org/mutker/loadctl/internal/errors"
	"codeberg.org/mutker/loadctl/internal/instrument"
	"codeberg.org/mutker/loadctl/internal/load"
	"codeberg.org/mutker/loadctl/internal/logger"
	"codeberg.org/mutker/loadctl/internal/metrics"
	"codeberg.org/mutker/loadctl/internal/pid"
	"codeberg.org/mutker/loadctl/internal/sample"
	"codeberg.org/mutker/loadctl/internal/sink"
	"codeberg.org/mutker/loadctl/internal/telemetry"
	"github.com/rs/xid"
)

// finishTimeout bounds the archive and status updates after a run
const finishTimeout = 5 * time.Second

// mode is one of the run commands
type mode struct {
	name   string
	short  string
	output string
	layout sample.Layout
	cycle  func(*config.Config) cycle.Config
}

var (
	dischargeMode = mode{
		name:   "discharge",
		short:  "Log one load-on phase and the voltage rebound that follows",
		output: config.DefaultDischargeOutput,
		layout: sample.LayoutSingle,
		cycle:  (*config.Config).Discharge,
	}
	pulseMode = mode{
		name:   "pulse",
		short:  "Pulse-discharge the battery until its rest voltage reaches the cutoff",
		output: config.DefaultPulseOutput,
		layout: sample.LayoutCycle,
		cycle:  (*config.Config).Pulse,
	}
)

// session wires one run: instrument, sinks, archive and telemetry
type session struct {
	cfg          *config.Config
	mode         mode
	log          logger.Logger
	instOptions  instrument.Options
	newPublisher func(telemetry.Config) (telemetry.Publisher, error)
	cycleOptions []cycle.Option
}

func newSession(cfg *config.Config, m mode, log logger.Logger) *session {
	return &session{
		cfg:          cfg,
		mode:         m,
		log:          log,
		instOptions:  cfg.Instrument(),
		newPublisher: telemetry.NewPublisher,
	}
}

func (s *session) run(ctx context.Context) (res cycle.Result, err error) {
	errFactory := errors.New()

	if err := pid.Write(s.cfg.Address); err != nil {
		return res, err
	}
	defer func() {
		if rmErr := pid.Remove(s.cfg.Address); rmErr != nil {
			s.log.Warn().Err(rmErr).Msg("Failed to remove PID file")
		}
	}()

	ch, err := instrument.Connect(ctx, s.cfg.Address, s.instOptions)
	if err != nil {
		return res, err
	}
	ld := load.New(ch)

	identity, err := ld.Identify(ctx)
	if err != nil {
		ld.Close()
		return res, err
	}
	s.log.Info().Str("identity", identity).Str("address", s.cfg.Address).Msg("Connected")

	runID := xid.New().String()
	path := s.cfg.OutputPath(s.mode.output)

	archive, err := metrics.NewService(s.cfg.MetricsConfig(), s.log)
	if err != nil {
		ld.Close()
		return res, err
	}
	defer func() {
		if cerr := archive.Close(); cerr != nil {
			s.log.Warn().Err(cerr).Msg("Failed to close run archive")
		}
	}()

	tel, err := s.telemetry(runID)
	if err != nil {
		ld.Close()
		return res, err
	}
	defer func() {
		if cerr := tel.Close(); cerr != nil {
			s.log.Warn().Err(cerr).Msg("Failed to disconnect telemetry")
		}
	}()

	cc := s.mode.cycle(s.cfg)
	run := &metrics.Run{
		ID:        runID,
		Mode:      s.mode.name,
		Address:   s.cfg.Address,
		Identity:  identity,
		Config:    config.Params(cc),
		StartedAt: time.Now(),
	}
	rec, err := s.recorder(ctx, archive, tel, run, path)
	if err != nil {
		ld.Close()
		return res, err
	}

	ctrl, err := cycle.New(cc, ld, rec, append([]cycle.Option{cycle.WithLogger(s.log)}, s.cycleOptions...)...)
	if err != nil {
		ld.Close()
		rec.Close()
		return res, errFactory.Wrap(errors.ErrInitFailed, err)
	}

	s.status(tel, telemetry.StatusEvent{Event: telemetry.EventStarted, Identity: identity})
	s.log.Info().
		Str("run_id", runID).
		Str("mode", s.mode.name).
		Str("output", path).
		Msg("Run started")

	res, err = ctrl.Run(ctx)
	s.finish(ctx, archive, tel, runID, res, err)

	return res, err
}

func (s *session) telemetry(runID string) (*telemetry.Service, error) {
	tc := s.cfg.TelemetryConfig()
	if err := tc.Validate(); err != nil {
		return nil, err
	}

	pub := telemetry.Nop()
	if tc.Enabled() {
		var err error
		if pub, err = s.newPublisher(tc); err != nil {
			return nil, err
		}
	}

	return telemetry.NewService(pub, tc.TopicPrefix, runID, s.log), nil
}

// recorder fans each sample out to the CSV file, the console, the run
// archive and the telemetry publisher, in that order
func (s *session) recorder(
	ctx context.Context,
	archive metrics.Archive,
	tel *telemetry.Service,
	run *metrics.Run,
	path string,
) (sample.Recorder, error) {
	csv, err := sink.CreateCSV(path)
	if err != nil {
		return nil, err
	}
	table, err := sink.NewTable(csv, s.mode.layout)
	if err != nil {
		return nil, err
	}

	archived, err := archive.StartRun(ctx, run)
	if err != nil {
		table.Close()
		return nil, err
	}

	return sink.NewMulti(
		table,
		sink.NewConsole(s.log, s.mode.layout),
		archived,
		tel.Recorder(),
	), nil
}

func (s *session) status(tel *telemetry.Service, ev telemetry.StatusEvent) {
	ev.Mode = s.mode.name
	ev.Address = s.cfg.Address
	if err := tel.PublishStatus(ev); err != nil {
		s.log.Warn().Err(err).Str("event", string(ev.Event)).Msg("Failed to publish run status")
	}
}

// finish records how the run ended; it runs after the load is off so a
// cancelled context still reaches the archive
func (s *session) finish(
	ctx context.Context,
	archive metrics.Archive,
	tel *telemetry.Service,
	runID string,
	res cycle.Result,
	runErr error,
) {
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finishTimeout)
	defer cancel()

	summary := metrics.Summary{
		Status:  metrics.StatusFinished,
		Cycles:  len(res.Cycles),
		Samples: res.Samples,
		OCV:     res.OCV(),
	}
	ev := telemetry.StatusEvent{
		Event:   telemetry.EventFinished,
		Cycles:  summary.Cycles,
		Samples: summary.Samples,
		OCV:     summary.OCV,
		Stopped: res.Stopped(),
	}

	switch {
	case runErr != nil:
		summary.Status = metrics.StatusFault
		summary.Error = runErr.Error()
		ev.Event = telemetry.EventFault
		ev.Error = summary.Error
	case res.Stopped():
		summary.Status = metrics.StatusStopped
	}

	if err := archive.FinishRun(fctx, runID, summary); err != nil {
		s.log.Warn().Err(err).Str("run_id", runID).Msg("Failed to archive run summary")
	}
	s.status(tel, ev)

	for _, c := range res.Cycles {
		s.log.Debug().
			Int("cycle", c.Index).
			Str("outcome", c.Outcome().String()).
			Float64("ocv", c.OCV).
			Msg("Cycle summary")
	}

	if runErr == nil {
		s.log.Info().
			Str("run_id", runID).
			Str("status", string(summary.Status)).
			Int("cycles", summary.Cycles).
			Int("samples", summary.Samples).
			Str("ocv", formatVoltage(summary.OCV)).
			Msg("Run finished")
	}
}

func formatVoltage(v float64) string {
	if cycle.IsDisabled(v) {
		return "n/a"
	}
	return fmt.Sprintf("%.4f V", v)
}
