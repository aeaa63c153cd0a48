package instrument

import (
	"time"

	"codeberg.org/mutker/loadctl/internal/errors"
	"codeberg.org/mutker/loadctl/internal/logger"
	"github.com/tarm/serial"
)

// makeSerConf makes a new serial.Config with 8N1 framing at the given baud
func makeSerConf(device string, baud int, timeout time.Duration) *serial.Config {
	return &serial.Config{
		Name:        device,
		Baud:        baud,
		Size:        8,
		Parity:      serial.ParityNone,
		StopBits:    serial.Stop1,
		ReadTimeout: timeout,
	}
}

func openSerial(addr Address, baud int, timeout time.Duration) (Channel, error) {
	port, err := serial.OpenPort(makeSerConf(addr.Device, baud, timeout))
	if err != nil {
		return nil, errors.New().Wrap(ErrOpenFailed, err).WithData(addr.Device)
	}

	if err := port.Flush(); err != nil {
		port.Close()
		return nil, errors.New().Wrap(ErrOpenFailed, err).WithData(addr.Device)
	}

	logger.Debug().
		Str("address", addr.String()).
		Int("baud", baud).
		Msg("Opened serial port")

	return newStreamChannel(addr.String(), port, timeout), nil
}
