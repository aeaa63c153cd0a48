// Package metrics archives runs and their samples in SQLite.
package metrics

import (
	"context"

	"codeberg.org/mutker/loadctl/internal/errors"
	"codeberg.org/mutker/loadctl/internal/logger"
	"codeberg.org/mutker/loadctl/internal/sample"
)

// No-op implementation
type noopArchive struct{}

type noopRecorder struct {
	id string
}

// NewService returns the SQLite archive, or a no-op archive when disabled
func NewService(cfg Config, log logger.Logger) (Archive, error) {
	errFactory := errors.New()

	if err := cfg.Validate(); err != nil {
		return nil, errFactory.Wrap(ErrInvalidConfig, err)
	}

	// If the archive is disabled, return a no-op implementation
	if !cfg.Enabled {
		log.Debug().Msg("Run archive disabled, using no-op archive")
		return &noopArchive{}, nil
	}

	repo, err := NewRepository(cfg, log)
	if err != nil {
		log.Debug().Err(err).Msg("Failed to create metrics repository")
		return nil, err
	}

	log.Debug().
		Str("db_path", cfg.DBPath).
		Bool("enabled", cfg.Enabled).
		Msg("Metrics service initialized successfully")

	return repo, nil
}

func (*noopArchive) IsEnabled() bool {
	return false
}

func (*noopArchive) StartRun(_ context.Context, run *Run) (RunRecorder, error) {
	return &noopRecorder{id: run.ID}, nil
}

func (*noopArchive) FinishRun(context.Context, string, Summary) error {
	return nil
}

func (*noopArchive) Runs(context.Context, int) ([]Run, error) {
	return nil, nil
}

func (*noopArchive) Samples(context.Context, string) ([]sample.Sample, error) {
	return nil, nil
}

func (*noopArchive) Close() error {
	return nil
}

func (r *noopRecorder) RunID() string {
	return r.id
}

func (*noopRecorder) Record(context.Context, *sample.Sample) error {
	return nil
}

func (*noopRecorder) Close() error {
	return nil
}
