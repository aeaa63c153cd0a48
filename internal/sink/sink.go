// Package sink persists samples as tabular rows and progress lines.
package sink

import (
	"context"

	"codeberg.org/mutker/loadctl/internal/errors"
	"codeberg.org/mutker/loadctl/internal/sample"
)

// Writer is a tabular log with a fixed column order
type Writer interface {
	WriteHeader(fields []string) error
	WriteRow(values []string) error
	Close() error
}

// Table records samples as rows of a Writer in the given layout
type Table struct {
	w      Writer
	layout sample.Layout
}

var _ sample.Recorder = (*Table)(nil)

// NewTable writes the layout header and returns the recorder. The writer is
// closed if the header cannot be written.
func NewTable(w Writer, layout sample.Layout) (*Table, error) {
	if err := w.WriteHeader(layout.Header()); err != nil {
		_ = w.Close()
		return nil, errors.New().Wrap(errors.ErrSinkWrite, err).WithData("header")
	}

	return &Table{w: w, layout: layout}, nil
}

func (t *Table) Record(_ context.Context, s *sample.Sample) error {
	if err := t.w.WriteRow(t.layout.Row(s)); err != nil {
		return errors.New().Wrap(errors.ErrSinkWrite, err)
	}

	return nil
}

func (t *Table) Close() error {
	return t.w.Close()
}

// Multi fans each sample out to several recorders in order
type Multi struct {
	recs []sample.Recorder
}

var _ sample.Recorder = (*Multi)(nil)

func NewMulti(recs ...sample.Recorder) *Multi {
	return &Multi{recs: recs}
}

// Record stops at the first failing recorder
func (m *Multi) Record(ctx context.Context, s *sample.Sample) error {
	for _, r := range m.recs {
		if err := r.Record(ctx, s); err != nil {
			return err
		}
	}

	return nil
}

// Close closes every recorder and joins their errors
func (m *Multi) Close() error {
	var errs []error
	for _, r := range m.recs {
		if err := r.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	if err := errors.Join(errs...); err != nil {
		return errors.New().Wrap(errors.ErrSinkClose, err)
	}

	return nil
}
