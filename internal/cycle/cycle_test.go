package cycle_test

import (
	"context"
	stderrors "errors"
	"math"
	"testing"
	"time"

	"codeberg.org/mutker/loadctl/internal/cycle"
	"codeberg.org/mutker/loadctl/internal/errors"
	"codeberg.org/mutker/loadctl/internal/logger"
	"codeberg.org/mutker/loadctl/internal/sample"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock advances only when slept on or when the instrument takes time
type fakeClock struct {
	now    time.Time
	sleeps []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 14, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	return nil
}

// voltageFunc returns the terminal voltage for the given input state,
// cycle and time since the input last switched
type voltageFunc func(on bool, cycle int, since time.Duration) float64

// fakeInstrument models the load input and answers measurements from a
// voltage profile. Like a real channel it rejects cancelled contexts.
type fakeInstrument struct {
	clock   *fakeClock
	voltage voltageFunc
	latency time.Duration

	calls    []string
	input    bool
	cycle    int
	switched time.Time
	measures int
	closed   int

	failMeasureAt int // 1-based measurement index that fails, 0 never
	failLoadOff   bool
	onMeasure     func(n int)
}

func newFakeInstrument(clock *fakeClock, v voltageFunc) *fakeInstrument {
	return &fakeInstrument{clock: clock, voltage: v}
}

func (f *fakeInstrument) call(ctx context.Context, name string) error {
	f.calls = append(f.calls, name)
	if err := ctx.Err(); err != nil {
		return errors.New().Wrap(errors.ErrCommandFailed, err)
	}
	return nil
}

func (f *fakeInstrument) Reset(ctx context.Context) error  { return f.call(ctx, "reset") }
func (f *fakeInstrument) Remote(ctx context.Context) error { return f.call(ctx, "remote") }

func (f *fakeInstrument) ConstantCurrent(ctx context.Context) error {
	return f.call(ctx, "cc")
}

func (f *fakeInstrument) SetCurrent(ctx context.Context, _ float64) error {
	return f.call(ctx, "current")
}

func (f *fakeInstrument) SetInput(ctx context.Context, on bool) error {
	name := "off"
	if on {
		name = "on"
	}
	if err := f.call(ctx, name); err != nil {
		return err
	}
	if !on && f.failLoadOff && f.cycle > 0 {
		return errors.New().New(errors.ErrCommandFailed)
	}

	if on && !f.input {
		f.cycle++
	}
	if on != f.input {
		f.switched = f.clock.Now()
	}
	f.input = on

	return nil
}

func (f *fakeInstrument) Measure(ctx context.Context) (sample.Measurement, error) {
	if err := ctx.Err(); err != nil {
		return sample.Measurement{}, errors.New().Wrap(errors.ErrCommandFailed, err)
	}

	f.measures++
	if f.onMeasure != nil {
		f.onMeasure(f.measures)
	}
	if f.measures == f.failMeasureAt {
		return sample.Measurement{}, errors.New().New(errors.ErrQueryTimeout)
	}

	v := f.voltage(f.input, f.cycle, f.clock.Now().Sub(f.switched))
	f.clock.now = f.clock.now.Add(f.latency)

	m := sample.Measurement{Voltage: v}
	if f.input {
		m.Current = 1.0
	}
	return m, nil
}

func (f *fakeInstrument) Close() error {
	f.closed++
	return nil
}

func (f *fakeInstrument) lastCall() string {
	if len(f.calls) == 0 {
		return ""
	}
	return f.calls[len(f.calls)-1]
}

// recordingSink keeps every sample it was given
type recordingSink struct {
	samples []sample.Sample
	closed  int
	failAt  int
}

func (r *recordingSink) Record(_ context.Context, s *sample.Sample) error {
	if len(r.samples)+1 == r.failAt {
		return stderrors.New("disk full")
	}
	r.samples = append(r.samples, *s)
	return nil
}

func (r *recordingSink) Close() error {
	r.closed++
	return nil
}

func (r *recordingSink) phase(cycle int, phase sample.Phase) []sample.Sample {
	var out []sample.Sample
	for _, s := range r.samples {
		if s.Cycle == cycle && s.Phase == phase {
			out = append(out, s)
		}
	}
	return out
}

func pulseConfig() cycle.Config {
	return cycle.Config{
		Current:      1.0,
		LoadTime:     30 * time.Second,
		RestTime:     60 * time.Second,
		SamplePeriod: 500 * time.Millisecond,
		OCVCutoff:    3.00,
		MinVoltage:   2.80,
		MaxCycles:    999,
	}
}

func newController(t *testing.T, cfg cycle.Config, inst *fakeInstrument, rec *recordingSink) *cycle.Controller {
	t.Helper()

	c, err := cycle.New(cfg, inst, rec, cycle.WithClock(inst.clock), cycle.WithLogger(logger.Nop()))
	require.NoError(t, err)

	return c
}

func requireSafeShutdown(t *testing.T, inst *fakeInstrument, rec *recordingSink) {
	t.Helper()

	assert.False(t, inst.input, "load input left on")
	assert.Equal(t, "off", inst.lastCall())
	assert.Equal(t, 1, inst.closed)
	assert.Equal(t, 1, rec.closed)
}

// restDecay holds 3.5 V under load and decays linearly to 2.9 V over a 60 s rest
func restDecay(on bool, _ int, since time.Duration) float64 {
	if on {
		return 3.5
	}
	frac := math.Min(since.Seconds()/60, 1)
	return 3.5 - 0.6*frac
}

func TestRunStopsOnOCVCutoff(t *testing.T) {
	clock := newFakeClock()
	inst := newFakeInstrument(clock, restDecay)
	rec := &recordingSink{}

	res, err := newController(t, pulseConfig(), inst, rec).Run(context.Background())
	require.NoError(t, err)

	require.Len(t, res.Cycles, 1)
	assert.Equal(t, sample.OutcomeOCVStop, res.Cycles[0].Outcome())
	assert.True(t, res.Stopped())
	assert.InDelta(t, 2.9, res.OCV(), 1e-9)

	// samples at 0.0, 0.5, ... inclusive of the phase end
	assert.Len(t, rec.phase(1, sample.PhaseLoadOn), 61)
	assert.Len(t, rec.phase(1, sample.PhaseRest), 121)
	assert.Empty(t, rec.phase(2, sample.PhaseLoadOn))
	assert.Equal(t, len(rec.samples), res.Samples)

	rest := rec.phase(1, sample.PhaseRest)
	assert.Equal(t, 60*time.Second, rest[len(rest)-1].Elapsed)

	requireSafeShutdown(t, inst, rec)
}

func TestRunAbortsPulseOnUnderVoltage(t *testing.T) {
	clock := newFakeClock()
	inst := newFakeInstrument(clock, func(on bool, _ int, since time.Duration) float64 {
		switch {
		case on && since >= 10*time.Second:
			return 2.75
		case on:
			return 3.5
		default:
			return 3.4
		}
	})
	rec := &recordingSink{}

	cfg := pulseConfig()
	cfg.MaxCycles = 1

	res, err := newController(t, cfg, inst, rec).Run(context.Background())
	require.NoError(t, err)

	require.Len(t, res.Cycles, 1)
	assert.True(t, res.Cycles[0].Aborted)
	assert.Equal(t, sample.OutcomeUnderVoltage, res.Cycles[0].Outcome())

	loadOn := rec.phase(1, sample.PhaseLoadOn)
	require.Len(t, loadOn, 21)
	assert.Equal(t, 10*time.Second, loadOn[len(loadOn)-1].Elapsed)
	assert.InDelta(t, 2.75, loadOn[len(loadOn)-1].Voltage, 1e-9)
	for _, s := range loadOn[:len(loadOn)-1] {
		assert.Greater(t, s.Voltage, cfg.MinVoltage)
	}

	// the rest phase still runs its full length
	rest := rec.phase(1, sample.PhaseRest)
	assert.Len(t, rest, 121)
	assert.Equal(t, 60*time.Second, rest[len(rest)-1].Elapsed)

	requireSafeShutdown(t, inst, rec)
}

func TestRunContinuesAfterAbortUntilCutoff(t *testing.T) {
	clock := newFakeClock()
	// every pulse aborts at once; the rest voltage drops 0.2 V per cycle
	inst := newFakeInstrument(clock, func(on bool, n int, _ time.Duration) float64 {
		if on {
			return 2.5
		}
		return 3.7 - 0.2*float64(n)
	})
	rec := &recordingSink{}

	res, err := newController(t, pulseConfig(), inst, rec).Run(context.Background())
	require.NoError(t, err)

	// 3.5, 3.3, 3.1, 2.9
	require.Len(t, res.Cycles, 4)
	for _, cr := range res.Cycles[:3] {
		assert.Equal(t, sample.OutcomeUnderVoltage, cr.Outcome())
	}
	assert.Equal(t, sample.OutcomeOCVStop, res.Cycles[3].Outcome())

	for n := 1; n <= 4; n++ {
		assert.Len(t, rec.phase(n, sample.PhaseLoadOn), 1, "cycle %d", n)
	}
	assert.Empty(t, rec.phase(5, sample.PhaseLoadOn))
}

func TestRunHonoursMaxCycles(t *testing.T) {
	clock := newFakeClock()
	inst := newFakeInstrument(clock, func(bool, int, time.Duration) float64 { return 3.7 })
	rec := &recordingSink{}

	cfg := pulseConfig()
	cfg.LoadTime = 2 * time.Second
	cfg.RestTime = 3 * time.Second
	cfg.MaxCycles = 3

	res, err := newController(t, cfg, inst, rec).Run(context.Background())
	require.NoError(t, err)

	require.Len(t, res.Cycles, 3)
	for i, cr := range res.Cycles {
		assert.Equal(t, i+1, cr.Index)
		assert.Equal(t, sample.OutcomeCompleted, cr.Outcome())
	}
	assert.False(t, res.Stopped())
	assert.Equal(t, 3, inst.cycle)

	for _, s := range rec.samples {
		assert.LessOrEqual(t, s.Cycle, 3)
	}

	requireSafeShutdown(t, inst, rec)
}

func TestRunOrderingAndCommandSequence(t *testing.T) {
	clock := newFakeClock()
	inst := newFakeInstrument(clock, func(bool, int, time.Duration) float64 { return 3.7 })
	rec := &recordingSink{}

	cfg := pulseConfig()
	cfg.LoadTime = time.Second
	cfg.RestTime = time.Second
	cfg.MaxCycles = 2

	_, err := newController(t, cfg, inst, rec).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"reset", "remote", "cc", "current", "off", "on", "off", "on", "off", "off"}, inst.calls)

	// production order: timestamps never go back and every REST sample of a
	// cycle follows all of its LOAD_ON samples
	for i := 1; i < len(rec.samples); i++ {
		assert.False(t, rec.samples[i].Timestamp.Before(rec.samples[i-1].Timestamp))
	}
	for n := 1; n <= 2; n++ {
		loadOn := rec.phase(n, sample.PhaseLoadOn)
		rest := rec.phase(n, sample.PhaseRest)
		require.NotEmpty(t, loadOn)
		require.NotEmpty(t, rest)
		assert.True(t, rest[0].Timestamp.After(loadOn[len(loadOn)-1].Timestamp) ||
			rest[0].Timestamp.Equal(loadOn[len(loadOn)-1].Timestamp))
		assert.Equal(t, time.Duration(0), rest[0].Elapsed)
	}

	// run elapsed keeps growing across phases
	last := rec.samples[len(rec.samples)-1]
	assert.Equal(t, 4*time.Second, last.RunElapsed)
}

func TestRunFaultMidPhaseSwitchesLoadOff(t *testing.T) {
	clock := newFakeClock()
	inst := newFakeInstrument(clock, restDecay)
	inst.failMeasureAt = 5
	rec := &recordingSink{}

	res, err := newController(t, pulseConfig(), inst, rec).Run(context.Background())
	require.Error(t, err)

	assert.True(t, errors.HasCode(err, errors.ErrRunFailed))
	assert.True(t, errors.HasCode(err, errors.ErrQueryTimeout))
	assert.False(t, errors.HasCode(err, errors.ErrLoadOffFailed))
	assert.Empty(t, res.Cycles)
	assert.Equal(t, 4, res.Samples)
	assert.Len(t, rec.samples, 4)

	requireSafeShutdown(t, inst, rec)
}

func TestRunFaultDuringRest(t *testing.T) {
	clock := newFakeClock()
	inst := newFakeInstrument(clock, restDecay)
	inst.failMeasureAt = 61 + 10
	rec := &recordingSink{}

	_, err := newController(t, pulseConfig(), inst, rec).Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrQueryTimeout))
	assert.Len(t, rec.phase(1, sample.PhaseRest), 9)

	requireSafeShutdown(t, inst, rec)
}

func TestRunSinkFailureIsFault(t *testing.T) {
	clock := newFakeClock()
	inst := newFakeInstrument(clock, restDecay)
	rec := &recordingSink{failAt: 3}

	_, err := newController(t, pulseConfig(), inst, rec).Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrSinkWrite))
	assert.Len(t, rec.samples, 2)

	requireSafeShutdown(t, inst, rec)
}

func TestRunCancellationRoutesThroughShutdown(t *testing.T) {
	clock := newFakeClock()
	inst := newFakeInstrument(clock, restDecay)
	rec := &recordingSink{}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	inst.onMeasure = func(n int) {
		if n == 7 {
			cancel()
		}
	}

	_, err := newController(t, pulseConfig(), inst, rec).Run(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, rec.samples, 7)

	requireSafeShutdown(t, inst, rec)
}

func TestRunLoadOffFailureIsJoined(t *testing.T) {
	clock := newFakeClock()
	inst := newFakeInstrument(clock, restDecay)
	inst.failMeasureAt = 3
	inst.failLoadOff = true
	rec := &recordingSink{}

	_, err := newController(t, pulseConfig(), inst, rec).Run(context.Background())
	require.Error(t, err)

	assert.True(t, errors.HasCode(err, errors.ErrQueryTimeout))
	assert.True(t, errors.HasCode(err, errors.ErrLoadOffFailed))
	assert.Equal(t, 1, inst.closed)
	assert.Equal(t, 1, rec.closed)
}

func TestRunInitializeFailure(t *testing.T) {
	clock := newFakeClock()
	inst := newFakeInstrument(clock, restDecay)
	rec := &recordingSink{}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newController(t, pulseConfig(), inst, rec).Run(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, rec.samples)

	// the load-off still reaches the instrument on a detached context
	assert.Equal(t, []string{"reset", "off"}, inst.calls)
	assert.Equal(t, 1, inst.closed)
	assert.Equal(t, 1, rec.closed)
}

func TestRunSingleDisablesThresholds(t *testing.T) {
	clock := newFakeClock()
	inst := newFakeInstrument(clock, func(bool, int, time.Duration) float64 { return 0 })
	rec := &recordingSink{}

	cfg := cycle.Single(1.0, 5*time.Second, 5*time.Second, time.Second)

	res, err := newController(t, cfg, inst, rec).Run(context.Background())
	require.NoError(t, err)

	require.Len(t, res.Cycles, 1)
	assert.Equal(t, sample.OutcomeCompleted, res.Cycles[0].Outcome())
	assert.Len(t, rec.phase(1, sample.PhaseLoadOn), 6)
	assert.Len(t, rec.phase(1, sample.PhaseRest), 6)

	rest := rec.phase(1, sample.PhaseRest)
	assert.Equal(t, 5*time.Second, rest[0].RunElapsed)
	assert.Equal(t, 10*time.Second, rest[len(rest)-1].RunElapsed)
}

func TestRunSleepAccountsForQueryTime(t *testing.T) {
	clock := newFakeClock()
	inst := newFakeInstrument(clock, func(bool, int, time.Duration) float64 { return 3.7 })
	inst.latency = 200 * time.Millisecond
	rec := &recordingSink{}

	cfg := pulseConfig()
	cfg.LoadTime = 2 * time.Second
	cfg.RestTime = 2 * time.Second
	cfg.MaxCycles = 1

	_, err := newController(t, cfg, inst, rec).Run(context.Background())
	require.NoError(t, err)

	for _, d := range clock.sleeps {
		assert.Equal(t, 300*time.Millisecond, d)
	}
	loadOn := rec.phase(1, sample.PhaseLoadOn)
	for i := 1; i < len(loadOn); i++ {
		assert.Equal(t, 500*time.Millisecond, loadOn[i].Elapsed-loadOn[i-1].Elapsed)
	}
}

func TestRunSlowQueryDelaysWithoutDropping(t *testing.T) {
	clock := newFakeClock()
	inst := newFakeInstrument(clock, func(bool, int, time.Duration) float64 { return 3.7 })
	inst.latency = 700 * time.Millisecond
	rec := &recordingSink{}

	cfg := pulseConfig()
	cfg.LoadTime = 2 * time.Second
	cfg.RestTime = 2 * time.Second
	cfg.MaxCycles = 1

	_, err := newController(t, cfg, inst, rec).Run(context.Background())
	require.NoError(t, err)

	for _, d := range clock.sleeps {
		assert.Equal(t, time.Duration(0), d)
	}
	// 0.0, 0.7, 1.4, 2.1
	loadOn := rec.phase(1, sample.PhaseLoadOn)
	require.Len(t, loadOn, 4)
	assert.Equal(t, 2100*time.Millisecond, loadOn[3].Elapsed)
	// timestamps are taken after the measurement
	assert.Equal(t, newFakeClock().now.Add(700*time.Millisecond), loadOn[0].Timestamp)
}

func TestRunOnlyOnce(t *testing.T) {
	clock := newFakeClock()
	inst := newFakeInstrument(clock, restDecay)
	rec := &recordingSink{}
	c := newController(t, pulseConfig(), inst, rec)

	_, err := c.Run(context.Background())
	require.NoError(t, err)

	_, err = c.Run(context.Background())
	assert.True(t, errors.HasCode(err, errors.ErrInvalidArgument))
	assert.Equal(t, 1, inst.closed)
}

func TestNewValidatesConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*cycle.Config)
	}{
		{"zero current", func(c *cycle.Config) { c.Current = 0 }},
		{"negative current", func(c *cycle.Config) { c.Current = -1 }},
		{"nan current", func(c *cycle.Config) { c.Current = math.NaN() }},
		{"zero load time", func(c *cycle.Config) { c.LoadTime = 0 }},
		{"zero rest time", func(c *cycle.Config) { c.RestTime = 0 }},
		{"zero sample period", func(c *cycle.Config) { c.SamplePeriod = 0 }},
		{"zero max cycles", func(c *cycle.Config) { c.MaxCycles = 0 }},
		{"infinite cutoff", func(c *cycle.Config) { c.OCVCutoff = math.Inf(-1) }},
		{"infinite min voltage", func(c *cycle.Config) { c.MinVoltage = math.Inf(1) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := pulseConfig()
			tt.mutate(&cfg)

			_, err := cycle.New(cfg, &fakeInstrument{}, &recordingSink{})
			require.Error(t, err)
			assert.True(t, errors.HasCode(err, errors.ErrInvalidConfig))
		})
	}

	_, err := cycle.New(pulseConfig(), nil, &recordingSink{})
	assert.True(t, errors.HasCode(err, errors.ErrInvalidArgument))
}

func TestSystemClockSleepCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	err := cycle.SystemClock().Sleep(ctx, time.Hour)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second)

	assert.NoError(t, cycle.SystemClock().Sleep(context.Background(), time.Millisecond))
}
