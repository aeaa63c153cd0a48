package sink

import (
	"encoding/csv"
	"io"
	"os"

	"codeberg.org/mutker/loadctl/internal/errors"
	"codeberg.org/mutker/loadctl/internal/logger"
)

// CSV is a Writer that flushes every row so a crash loses at most the row
// being written
type CSV struct {
	name   string
	out    io.WriteCloser
	w      *csv.Writer
	closed bool
}

var _ Writer = (*CSV)(nil)

func NewCSV(name string, out io.WriteCloser) *CSV {
	return &CSV{name: name, out: out, w: csv.NewWriter(out)}
}

// CreateCSV truncates or creates the file at path
func CreateCSV(path string) (*CSV, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, errors.New().Wrap(errors.ErrSinkWrite, err).WithData(path)
	}

	logger.Debug().Str("path", path).Msg("Opened CSV log")

	return NewCSV(path, f), nil
}

func (c *CSV) WriteHeader(fields []string) error {
	return c.write(fields)
}

func (c *CSV) WriteRow(values []string) error {
	return c.write(values)
}

func (c *CSV) write(record []string) error {
	if c.closed {
		return errors.New().WithData(errors.ErrSinkWrite, "csv log closed")
	}
	if err := c.w.Write(record); err != nil {
		return err
	}
	c.w.Flush()

	return c.w.Error()
}

// Close flushes and closes the underlying file; closing twice is not an error
func (c *CSV) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true

	c.w.Flush()
	if err := errors.Join(c.w.Error(), c.out.Close()); err != nil {
		return errors.New().Wrap(errors.ErrSinkClose, err).WithData(c.name)
	}

	logger.Debug().Str("path", c.name).Msg("Closed CSV log")

	return nil
}
