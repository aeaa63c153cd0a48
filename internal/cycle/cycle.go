/*Package cycle runs pulse discharge cycles against an electronic load.

Each cycle switches the load input on for LoadTime, then off for RestTime,
sampling the instrument every SamplePeriod. A LOAD_ON phase ends early when the
loaded voltage falls to MinVoltage; the run ends after a cycle whose rest
voltage falls to OCVCutoff, or after MaxCycles. Whatever the exit, the load
input is switched off before the instrument and the recorder are released.
*/
package cycle

import (
	"context"
	"fmt"
	"time"

	"codeberg.org/mutker/loadctl/internal/errors"
	"codeberg.org/mutker/loadctl/internal/logger"
	"codeberg.org/mutker/loadctl/internal/sample"
)

// DefaultShutdownTimeout bounds the load-off and release sequence
const DefaultShutdownTimeout = 10 * time.Second

// Instrument is the part of the load vocabulary a run needs
type Instrument interface {
	Reset(ctx context.Context) error
	Remote(ctx context.Context) error
	ConstantCurrent(ctx context.Context) error
	SetCurrent(ctx context.Context, amps float64) error
	SetInput(ctx context.Context, on bool) error
	Measure(ctx context.Context) (sample.Measurement, error)
	Close() error
}

// Controller owns the instrument and the recorder for the duration of one run
type Controller struct {
	cfg             Config
	inst            Instrument
	rec             sample.Recorder
	clock           Clock
	log             logger.Logger
	shutdownTimeout time.Duration

	runStart time.Time
	samples  int
	ran      bool
}

type Option func(*Controller)

func WithClock(clock Clock) Option {
	return func(c *Controller) {
		c.clock = clock
	}
}

func WithLogger(log logger.Logger) Option {
	return func(c *Controller) {
		c.log = log
	}
}

func WithShutdownTimeout(d time.Duration) Option {
	return func(c *Controller) {
		c.shutdownTimeout = d
	}
}

// New validates cfg and returns a controller that takes ownership of inst and rec
func New(cfg Config, inst Instrument, rec sample.Recorder, opts ...Option) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if inst == nil || rec == nil {
		return nil, errors.New().WithData(errors.ErrInvalidArgument, "instrument and recorder are required")
	}

	c := &Controller{
		cfg:             cfg,
		inst:            inst,
		rec:             rec,
		clock:           SystemClock(),
		log:             logger.Default(),
		shutdownTimeout: DefaultShutdownTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}

	if cfg.SamplePeriod >= min(cfg.LoadTime, cfg.RestTime) {
		c.log.Warn().
			Dur("sample_period", cfg.SamplePeriod).
			Msg("Sample period is not shorter than the phase durations")
	}

	return c, nil
}

// Run drives the cycles. Under-voltage aborts and the OCV stop are outcomes
// reported in Result; any instrument, recorder or context error ends the run
// and is returned after the shutdown sequence. A controller runs once.
func (c *Controller) Run(ctx context.Context) (res Result, err error) {
	if c.ran {
		return res, errors.New().WithData(errors.ErrInvalidArgument, "controller already ran")
	}
	c.ran = true

	defer func() {
		res.Samples = c.samples
		if shutErr := c.shutdown(ctx); shutErr != nil {
			err = errors.Join(err, shutErr)
		}
		if err != nil {
			c.logFault(err)
		}
	}()

	if err := c.initialize(ctx); err != nil {
		return res, errors.New().Wrap(errors.ErrRunFailed, err).WithData("initialize")
	}

	c.runStart = c.clock.Now()

	for n := 1; n <= c.cfg.MaxCycles; n++ {
		cr, err := c.runCycle(ctx, n)
		if err != nil {
			return res, err
		}
		res.Cycles = append(res.Cycles, cr)

		if cr.Stopped {
			c.log.Info().
				Int("cycle", n).
				Float64("ocv", cr.OCV).
				Float64("cutoff", c.cfg.OCVCutoff).
				Msg("OCV cutoff reached, stopping")
			return res, nil
		}
	}

	c.log.Info().Int("cycles", len(res.Cycles)).Msg("Run complete")

	return res, nil
}

func (c *Controller) initialize(ctx context.Context) error {
	if err := c.inst.Reset(ctx); err != nil {
		return err
	}
	if err := c.inst.Remote(ctx); err != nil {
		return err
	}
	if err := c.inst.ConstantCurrent(ctx); err != nil {
		return err
	}
	if err := c.inst.SetCurrent(ctx, c.cfg.Current); err != nil {
		return err
	}
	if err := c.inst.SetInput(ctx, false); err != nil {
		return err
	}

	c.log.Debug().
		Float64("current", c.cfg.Current).
		Dur("load_time", c.cfg.LoadTime).
		Dur("rest_time", c.cfg.RestTime).
		Dur("sample_period", c.cfg.SamplePeriod).
		Int("max_cycles", c.cfg.MaxCycles).
		Msg("Instrument initialized")

	return nil
}

func (c *Controller) runCycle(ctx context.Context, n int) (CycleResult, error) {
	cr := CycleResult{Index: n, OCV: Disabled()}
	errFactory := errors.New()

	if err := c.inst.SetInput(ctx, true); err != nil {
		return cr, errFactory.Wrap(errors.ErrRunFailed, err).WithData(phaseLabel(n, sample.PhaseLoadOn))
	}
	c.log.Info().Int("cycle", n).Msg("Load on")

	last, aborted, err := c.phase(ctx, n, sample.PhaseLoadOn, c.cfg.LoadTime, c.underVoltage)
	if err != nil {
		return cr, errFactory.Wrap(errors.ErrRunFailed, err).WithData(phaseLabel(n, sample.PhaseLoadOn))
	}
	if aborted {
		cr.Aborted = true
		c.log.Warn().
			Int("cycle", n).
			Float64("voltage", last.Voltage).
			Float64("min_voltage", c.cfg.MinVoltage).
			Str("elapsed", fmt.Sprintf("%.1fs", last.Elapsed.Seconds())).
			Msg("Under-voltage abort, ending pulse")
	}

	if err := c.inst.SetInput(ctx, false); err != nil {
		return cr, errFactory.Wrap(errors.ErrRunFailed, err).WithData(phaseLabel(n, sample.PhaseRest))
	}
	c.log.Info().Int("cycle", n).Msg("Load off, resting")

	last, _, err = c.phase(ctx, n, sample.PhaseRest, c.cfg.RestTime, nil)
	if err != nil {
		return cr, errFactory.Wrap(errors.ErrRunFailed, err).WithData(phaseLabel(n, sample.PhaseRest))
	}

	cr.OCV = last.Voltage
	cr.Stopped = !IsDisabled(c.cfg.OCVCutoff) && cr.OCV <= c.cfg.OCVCutoff
	c.log.Info().Int("cycle", n).Float64("ocv", cr.OCV).Msg("Cycle finished")

	return cr, nil
}

// phase samples until duration has elapsed or stop reports true, and returns
// the last sample. Elapsed time is taken from the clock on every iteration so
// a slow query delays the next sample without accumulating drift.
func (c *Controller) phase(
	ctx context.Context,
	n int,
	phase sample.Phase,
	duration time.Duration,
	stop func(*sample.Sample) bool,
) (*sample.Sample, bool, error) {
	start := c.clock.Now()

	for {
		iterStart := c.clock.Now()
		elapsed := iterStart.Sub(start)

		m, err := c.inst.Measure(ctx)
		if err != nil {
			return nil, false, err
		}

		s := &sample.Sample{
			Timestamp:   c.clock.Now(),
			Cycle:       n,
			Phase:       phase,
			Elapsed:     elapsed,
			RunElapsed:  iterStart.Sub(c.runStart),
			Measurement: m,
		}
		if err := c.rec.Record(ctx, s); err != nil {
			return nil, false, errors.New().Wrap(errors.ErrSinkWrite, err)
		}
		c.samples++

		if stop != nil && stop(s) {
			return s, true, nil
		}
		if elapsed >= duration {
			return s, false, nil
		}

		spent := c.clock.Now().Sub(iterStart)
		if err := c.clock.Sleep(ctx, max(0, c.cfg.SamplePeriod-spent)); err != nil {
			return nil, false, err
		}
	}
}

func (c *Controller) underVoltage(s *sample.Sample) bool {
	return !IsDisabled(c.cfg.MinVoltage) && s.Voltage <= c.cfg.MinVoltage
}

// shutdown switches the load input off and releases the instrument and the
// recorder. It runs on a context detached from ctx so that a cancelled run
// still reaches the instrument.
func (c *Controller) shutdown(ctx context.Context) error {
	errFactory := errors.New()

	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.shutdownTimeout)
	defer cancel()

	var errs []error
	loadOff := c.inst.SetInput(sctx, false)
	if loadOff != nil {
		errs = append(errs, errFactory.Wrap(errors.ErrLoadOffFailed, loadOff))
	}
	if err := c.inst.Close(); err != nil {
		errs = append(errs, errFactory.Wrap(errors.ErrShutdownFailed, err))
	}
	if err := c.rec.Close(); err != nil {
		errs = append(errs, errFactory.Wrap(errors.ErrSinkClose, err))
	}

	if loadOff == nil {
		c.log.Info().Msg("Load input disabled")
	} else {
		c.log.Error().Err(loadOff).Msg("Failed to disable load input, check the instrument")
	}

	return errors.Join(errs...)
}

func (c *Controller) logFault(err error) {
	ev := c.log.Error().Err(err)
	if code, ok := errors.CodeOf(err); ok {
		ev = ev.Str("error_code", string(code))
	}
	ev.Bool("load_off", !errors.HasCode(err, errors.ErrLoadOffFailed)).
		Int("samples", c.samples).
		Msg("Run failed")
}

func phaseLabel(n int, phase sample.Phase) string {
	return fmt.Sprintf("cycle %d %s", n, phase)
}
