package instrument

import (
	"bytes"
	"context"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"codeberg.org/mutker/loadctl/internal/errors"
	"codeberg.org/mutker/loadctl/internal/logger"
)

const readChunk = 256

// deadliner is implemented by connections that support per-operation deadlines
type deadliner interface {
	SetDeadline(t time.Time) error
}

// streamChannel speaks terminated SCPI text over a byte stream
type streamChannel struct {
	addr    string
	conn    io.ReadWriteCloser
	timeout time.Duration
	pending []byte
	closed  bool
}

func newStreamChannel(addr string, conn io.ReadWriteCloser, timeout time.Duration) *streamChannel {
	return &streamChannel{
		addr:    addr,
		conn:    conn,
		timeout: timeout,
	}
}

// dialTCP opens a raw SCPI socket and bounds the connect by timeout
func dialTCP(ctx context.Context, addr Address, timeout time.Duration) (Channel, error) {
	dialer := net.Dialer{Timeout: timeout}
	hostPort := net.JoinHostPort(addr.Host, strconv.Itoa(addr.Port))

	conn, err := dialer.DialContext(ctx, "tcp", hostPort)
	if err != nil {
		return nil, errors.New().Wrap(ErrOpenFailed, err).WithData(hostPort)
	}

	logger.Debug().Str("address", addr.String()).Msg("Opened SCPI socket")

	return newStreamChannel(addr.String(), conn, timeout), nil
}

func (c *streamChannel) Send(ctx context.Context, cmd string) error {
	errFactory := errors.New()

	if c.closed {
		return errFactory.New(ErrNotConnected)
	}
	if err := ctx.Err(); err != nil {
		return errFactory.Wrap(ErrCommandFailed, err)
	}

	deadline := c.deadline(ctx)
	if err := c.write(cmd, deadline); err != nil {
		return errFactory.Wrap(ErrCommandFailed, err).WithData(cmd)
	}

	return nil
}

func (c *streamChannel) Query(ctx context.Context, cmd string) (string, error) {
	errFactory := errors.New()

	if c.closed {
		return "", errFactory.New(ErrNotConnected)
	}
	if err := ctx.Err(); err != nil {
		return "", errFactory.Wrap(ErrCommandFailed, err)
	}

	deadline := c.deadline(ctx)
	if err := c.write(cmd, deadline); err != nil {
		if isTimeout(err) {
			return "", errFactory.Wrap(ErrQueryTimeout, err).WithData(cmd)
		}
		return "", errFactory.Wrap(ErrCommandFailed, err).WithData(cmd)
	}

	line, err := c.readLine(deadline)
	if err != nil {
		if isTimeout(err) {
			return "", errFactory.Wrap(ErrQueryTimeout, err).WithData(cmd)
		}
		return "", errFactory.Wrap(ErrCommandFailed, err).WithData(cmd)
	}

	return line, nil
}

func (c *streamChannel) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true

	if err := c.conn.Close(); err != nil {
		return errors.New().Wrap(errors.ErrShutdownFailed, err)
	}
	logger.Debug().Str("address", c.addr).Msg("Closed instrument channel")

	return nil
}

// deadline is the channel timeout from now, or the context deadline if sooner
func (c *streamChannel) deadline(ctx context.Context) time.Time {
	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	return deadline
}

func (c *streamChannel) write(cmd string, deadline time.Time) error {
	if d, ok := c.conn.(deadliner); ok {
		if err := d.SetDeadline(deadline); err != nil {
			return err
		}
	}

	_, err := c.conn.Write(append([]byte(cmd), terminator))
	return err
}

// readLine reads until the terminator, keeping any bytes past it for the next
// response. Transports without deadlines return (0, nil) or io.EOF on their
// own read timeout; the loop turns that into os.ErrDeadlineExceeded.
func (c *streamChannel) readLine(deadline time.Time) (string, error) {
	buf := make([]byte, readChunk)
	for {
		if idx := bytes.IndexByte(c.pending, terminator); idx >= 0 {
			line := string(c.pending[:idx])
			c.pending = c.pending[idx+1:]
			return strings.TrimRight(line, "\r"), nil
		}

		if time.Now().After(deadline) {
			return "", os.ErrDeadlineExceeded
		}

		n, err := c.conn.Read(buf)
		c.pending = append(c.pending, buf[:n]...)
		switch {
		case err == nil:
		case err == io.EOF:
			if _, ok := c.conn.(deadliner); ok && bytes.IndexByte(c.pending, terminator) < 0 {
				return "", io.ErrUnexpectedEOF
			}
		default:
			return "", err
		}
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
