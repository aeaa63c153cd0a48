package metrics

import (
	"context"
	"database/sql"
	"math"
	"os"
	"path/filepath"
	"time"

	"codeberg.org/mutker/loadctl/internal/errors"
	"codeberg.org/mutker/loadctl/internal/logger"
	"codeberg.org/mutker/loadctl/internal/sample"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/xid"
)

const timeFormat = time.RFC3339Nano

type repository struct {
	db     *sql.DB
	logger logger.Logger
	cfg    Config
}

type runRecorder struct {
	repo   *repository
	id     string
	seq    int
	buffer []*sample.Sample
	closed bool
}

// NewRepository opens or creates the SQLite archive at cfg.DBPath
func NewRepository(cfg Config, log logger.Logger) (Archive, error) {
	errFactory := errors.New()

	if cfg.DBPath == "" {
		return nil, errFactory.New(ErrInvalidDBPath)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), defaultDirPerm); err != nil {
		return nil, errFactory.Wrap(ErrStorageInit, err).WithData(cfg.DBPath)
	}

	// WAL keeps readers unblocked while a run is being written
	dsn := "file:" + cfg.DBPath + "?_journal=WAL&_foreign_keys=1&_busy_timeout=5000"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errFactory.Wrap(ErrStorageInit, err).WithData("open_database")
	}
	db.SetMaxOpenConns(1)

	backupDir := cfg.BackupDir
	if backupDir == "" {
		backupDir = filepath.Join(filepath.Dir(cfg.DBPath), "backups")
	}

	if err := ValidateAndUpdateSchema(db, backupDir, log); err != nil {
		db.Close()
		return nil, errFactory.Wrap(ErrStorageInit, err).WithData("schema_version")
	}

	log.Debug().
		Str("path", cfg.DBPath).
		Int("schema_version", SchemaVersion).
		Int("batch_size", cfg.BatchSize).
		Msg("Metrics repository initialized")

	return &repository{db: db, logger: log, cfg: cfg}, nil
}

func (*repository) IsEnabled() bool {
	return true
}

func (r *repository) StartRun(ctx context.Context, run *Run) (RunRecorder, error) {
	errFactory := errors.New()

	if run.ID == "" {
		run.ID = xid.New().String()
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now()
	}
	run.Status = StatusRunning

	_, err := r.db.ExecContext(ctx, insertRunSQL,
		run.ID, run.Mode, run.Address, run.Identity, run.Config,
		run.StartedAt.UTC().Format(timeFormat), string(run.Status))
	if err != nil {
		return nil, errFactory.Wrap(ErrStorageAccess, err).WithData(run.ID)
	}

	r.logger.Debug().Str("run_id", run.ID).Str("mode", run.Mode).Msg("Run registered")

	return &runRecorder{
		repo:   r,
		id:     run.ID,
		buffer: make([]*sample.Sample, 0, max(r.cfg.BatchSize, 1)),
	}, nil
}

func (r *repository) FinishRun(ctx context.Context, id string, summary Summary) error {
	var ocv any
	if !math.IsNaN(summary.OCV) && !math.IsInf(summary.OCV, 0) {
		ocv = summary.OCV
	}

	res, err := r.db.ExecContext(ctx, finishRunSQL,
		time.Now().UTC().Format(timeFormat), string(summary.Status),
		summary.Cycles, summary.Samples, ocv, summary.Error, id)
	if err != nil {
		return errors.New().Wrap(ErrStorageAccess, err).WithData(id)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return errors.New().WithData(ErrRunNotFound, id)
	}

	r.logger.Debug().Str("run_id", id).Str("status", string(summary.Status)).Msg("Run finished")

	return nil
}

func (r *repository) Runs(ctx context.Context, limit int) ([]Run, error) {
	errFactory := errors.New()

	if limit <= 0 {
		limit = -1 // no limit in SQLite
	}

	rows, err := r.db.QueryContext(ctx, selectRunsSQL, limit)
	if err != nil {
		return nil, errFactory.Wrap(ErrStorageAccess, err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var (
			run             Run
			started, finish string
			status          string
			ocv             sql.NullFloat64
		)
		if err := rows.Scan(&run.ID, &run.Mode, &run.Address, &run.Identity, &run.Config,
			&started, &finish, &status, &run.Cycles, &run.Samples, &ocv, &run.Error); err != nil {
			return nil, errFactory.Wrap(ErrStorageAccess, err)
		}

		run.Status = Status(status)
		run.StartedAt, _ = time.Parse(timeFormat, started)
		if finish != "" {
			run.FinishedAt, _ = time.Parse(timeFormat, finish)
		}
		run.OCV = math.NaN()
		if ocv.Valid {
			run.OCV = ocv.Float64
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, errFactory.Wrap(ErrStorageAccess, err)
	}

	return runs, nil
}

func (r *repository) Samples(ctx context.Context, runID string) ([]sample.Sample, error) {
	errFactory := errors.New()

	rows, err := r.db.QueryContext(ctx, selectSamplesSQL, runID)
	if err != nil {
		return nil, errFactory.Wrap(ErrStorageAccess, err)
	}
	defer rows.Close()

	var out []sample.Sample
	for rows.Next() {
		var (
			s                   sample.Sample
			ts, phase           string
			elapsed, runElapsed int64
		)
		if err := rows.Scan(&ts, &s.Cycle, &phase, &elapsed, &runElapsed,
			&s.Voltage, &s.Current, &s.Capacity, &s.Energy); err != nil {
			return nil, errFactory.Wrap(ErrStorageAccess, err)
		}

		s.Timestamp, err = time.Parse(timeFormat, ts)
		if err != nil {
			return nil, errFactory.Wrap(ErrStorageAccess, err).WithData(ts)
		}
		s.Phase = sample.Phase(phase)
		s.Elapsed = time.Duration(elapsed)
		s.RunElapsed = time.Duration(runElapsed)
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, errFactory.Wrap(ErrStorageAccess, err)
	}

	return out, nil
}

func (r *repository) Close() error {
	// Checkpoint WAL and cleanup on close
	if _, err := r.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		r.logger.Debug().Err(err).Msg("Failed to checkpoint WAL")
	}

	if err := r.db.Close(); err != nil {
		return errors.New().Wrap(ErrStorageClose, err).WithData("close_database")
	}

	r.logger.Debug().Msg("Metrics repository closed")

	return nil
}

func (rr *runRecorder) RunID() string {
	return rr.id
}

// Record buffers the sample and writes the batch once it is full. The
// sample is copied so the caller may reuse it.
func (rr *runRecorder) Record(ctx context.Context, s *sample.Sample) error {
	errFactory := errors.New()

	if rr.closed {
		return errFactory.WithData(ErrRecorderClose, rr.id)
	}
	if s == nil {
		return errFactory.New(ErrInvalidSample)
	}

	cp := *s
	rr.buffer = append(rr.buffer, &cp)

	if len(rr.buffer) >= rr.repo.cfg.BatchSize {
		return rr.flush(ctx)
	}

	return nil
}

// Close flushes the remaining samples; the archive itself stays open
func (rr *runRecorder) Close() error {
	if rr.closed {
		return nil
	}
	rr.closed = true

	return rr.flush(context.Background())
}

func (rr *runRecorder) flush(ctx context.Context) error {
	if len(rr.buffer) == 0 {
		return nil
	}

	errFactory := errors.New()
	log := rr.repo.logger

	tx, err := rr.repo.db.BeginTx(ctx, nil)
	if err != nil {
		return errFactory.Wrap(ErrTransactionFailed, err)
	}

	stmt, err := tx.PrepareContext(ctx, insertSampleSQL)
	if err != nil {
		if err := tx.Rollback(); err != nil {
			log.Error().Err(err).Msg("Failed to roll back transaction")
		}
		return errFactory.Wrap(ErrTransactionFailed, err)
	}
	defer stmt.Close()

	for i, s := range rr.buffer {
		values := []any{
			rr.id,
			rr.seq + i + 1,
			s.Timestamp.UTC().Format(timeFormat),
			s.Cycle,
			string(s.Phase),
			int64(s.Elapsed),
			int64(s.RunElapsed),
			s.Voltage,
			s.Current,
			s.Capacity,
			s.Energy,
		}

		if _, err := stmt.ExecContext(ctx, values...); err != nil {
			if err := tx.Rollback(); err != nil {
				log.Error().Err(err).Msg("Failed to roll back transaction")
			}
			return errFactory.Wrap(ErrTransactionFailed, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return errFactory.Wrap(ErrTransactionFailed, err)
	}

	rr.seq += len(rr.buffer)
	log.Debug().Str("run_id", rr.id).Int("records", len(rr.buffer)).Msg("Flushed samples to database")
	rr.buffer = rr.buffer[:0]

	return nil
}
