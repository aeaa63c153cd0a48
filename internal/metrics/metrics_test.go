package metrics_test

import (
	"context"
	"database/sql"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"codeberg.org/mutker/loadctl/internal/errors"
	"codeberg.org/mutker/loadctl/internal/logger"
	"codeberg.org/mutker/loadctl/internal/metrics"
	"codeberg.org/mutker/loadctl/internal/sample"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openArchive(t *testing.T, dir string, batch int) metrics.Archive {
	t.Helper()

	archive, err := metrics.NewService(metrics.Config{
		DBPath:    filepath.Join(dir, "loadctl.db"),
		BatchSize: batch,
		Enabled:   true,
	}, logger.Nop())
	require.NoError(t, err)

	return archive
}

func testSamples() []*sample.Sample {
	start := time.Date(2025, 3, 1, 14, 0, 0, 0, time.UTC)
	out := make([]*sample.Sample, 0, 3)
	for i, phase := range []sample.Phase{sample.PhaseLoadOn, sample.PhaseLoadOn, sample.PhaseRest} {
		d := time.Duration(i) * 500 * time.Millisecond
		out = append(out, &sample.Sample{
			Timestamp:   start.Add(d),
			Cycle:       1,
			Phase:       phase,
			Elapsed:     d,
			RunElapsed:  d,
			Measurement: sample.Measurement{Voltage: 3.9 - float64(i)*0.1, Current: 1, Capacity: float64(i), Energy: 0.01},
		})
	}
	return out
}

func TestArchiveRoundTrip(t *testing.T) {
	ctx := context.Background()
	archive := openArchive(t, t.TempDir(), 2)
	defer archive.Close()

	assert.True(t, archive.IsEnabled())

	run := &metrics.Run{ID: "cv1run", Mode: "pulse", Address: "SIM::INSTR", Identity: "SIM", Config: `{"current":1}`}
	rec, err := archive.StartRun(ctx, run)
	require.NoError(t, err)
	assert.Equal(t, "cv1run", rec.RunID())

	in := testSamples()
	for _, s := range in {
		require.NoError(t, rec.Record(ctx, s))
	}

	// a full batch is already visible
	got, err := archive.Samples(ctx, run.ID)
	require.NoError(t, err)
	assert.Len(t, got, 2)

	require.NoError(t, rec.Close())
	require.NoError(t, rec.Close())

	got, err = archive.Samples(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, got, 3)
	for i, s := range got {
		assert.True(t, in[i].Timestamp.Equal(s.Timestamp))
		assert.Equal(t, in[i].Phase, s.Phase)
		assert.Equal(t, in[i].Elapsed, s.Elapsed)
		assert.Equal(t, in[i].Measurement, s.Measurement)
	}

	err = rec.Record(ctx, in[0])
	assert.True(t, errors.HasCode(err, metrics.ErrRecorderClose))
}

func TestArchiveFinishRun(t *testing.T) {
	ctx := context.Background()
	archive := openArchive(t, t.TempDir(), 10)
	defer archive.Close()

	first := &metrics.Run{Mode: "discharge", Address: "SIM::INSTR", StartedAt: time.Now().Add(-time.Hour)}
	_, err := archive.StartRun(ctx, first)
	require.NoError(t, err)
	assert.NotEmpty(t, first.ID)

	second := &metrics.Run{Mode: "pulse", Address: "SIM::INSTR"}
	_, err = archive.StartRun(ctx, second)
	require.NoError(t, err)

	require.NoError(t, archive.FinishRun(ctx, first.ID, metrics.Summary{
		Status: metrics.StatusFinished, Cycles: 1, Samples: 182, OCV: math.NaN(),
	}))
	require.NoError(t, archive.FinishRun(ctx, second.ID, metrics.Summary{
		Status: metrics.StatusFault, Cycles: 2, Samples: 40, OCV: 3.41, Error: "query timed out",
	}))

	runs, err := archive.Runs(ctx, 0)
	require.NoError(t, err)
	require.Len(t, runs, 2)

	// newest first
	assert.Equal(t, second.ID, runs[0].ID)
	assert.Equal(t, metrics.StatusFault, runs[0].Status)
	assert.Equal(t, 2, runs[0].Cycles)
	assert.InDelta(t, 3.41, runs[0].OCV, 1e-9)
	assert.Equal(t, "query timed out", runs[0].Error)
	assert.False(t, runs[0].FinishedAt.IsZero())

	assert.Equal(t, first.ID, runs[1].ID)
	assert.True(t, math.IsNaN(runs[1].OCV))
	assert.Equal(t, 182, runs[1].Samples)

	runs, err = archive.Runs(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, runs, 1)

	err = archive.FinishRun(ctx, "missing", metrics.Summary{Status: metrics.StatusFinished})
	assert.True(t, errors.HasCode(err, metrics.ErrRunNotFound))
}

func TestArchiveReopenKeepsRuns(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	archive := openArchive(t, dir, 1)
	_, err := archive.StartRun(ctx, &metrics.Run{ID: "keep", Mode: "pulse"})
	require.NoError(t, err)
	require.NoError(t, archive.Close())

	archive = openArchive(t, dir, 1)
	defer archive.Close()

	runs, err := archive.Runs(ctx, 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, metrics.StatusRunning, runs[0].Status)
}

func TestSchemaMismatchBacksUpAndRecreates(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	archive := openArchive(t, dir, 1)
	_, err := archive.StartRun(ctx, &metrics.Run{ID: "old", Mode: "pulse"})
	require.NoError(t, err)
	require.NoError(t, archive.Close())

	db, err := sql.Open("sqlite3", filepath.Join(dir, "loadctl.db"))
	require.NoError(t, err)
	_, err = db.Exec(`UPDATE schema_versions SET version = 99`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	archive = openArchive(t, dir, 1)
	defer archive.Close()

	runs, err := archive.Runs(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, runs)

	backups, err := os.ReadDir(filepath.Join(dir, "backups"))
	require.NoError(t, err)
	require.Len(t, backups, 1)
	assert.Regexp(t, `^loadctl_v99_\d{8}T\d{6}Z\.db$`, backups[0].Name())
}

func TestDisabledArchiveIsNoop(t *testing.T) {
	ctx := context.Background()

	archive, err := metrics.NewService(metrics.DefaultConfig(), logger.Nop())
	require.NoError(t, err)
	assert.False(t, archive.IsEnabled())

	rec, err := archive.StartRun(ctx, &metrics.Run{ID: "x"})
	require.NoError(t, err)
	assert.Equal(t, "x", rec.RunID())
	assert.NoError(t, rec.Record(ctx, testSamples()[0]))
	assert.NoError(t, rec.Close())
	assert.NoError(t, archive.FinishRun(ctx, "x", metrics.Summary{}))
	assert.NoError(t, archive.Close())
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, metrics.DefaultConfig().Validate())

	err := metrics.Config{Enabled: true}.Validate()
	assert.True(t, errors.HasCode(err, metrics.ErrInvalidDBPath))

	err = metrics.Config{DBPath: "x.db", BatchSize: -1}.Validate()
	assert.True(t, errors.HasCode(err, metrics.ErrInvalidConfig))

	_, err = metrics.NewService(metrics.Config{Enabled: true}, logger.Nop())
	assert.True(t, errors.HasCode(err, metrics.ErrInvalidDBPath))
}
