package instrument

import "codeberg.org/mutker/loadctl/internal/errors"

const (
	ErrNoInstrumentFound = errors.ErrNoInstrumentFound
	ErrInvalidAddress    = errors.ErrInvalidAddress
	ErrNotConnected      = errors.ErrNotConnected
	ErrCommandFailed     = errors.ErrCommandFailed
	ErrQueryTimeout      = errors.ErrQueryTimeout

	ErrOpenFailed     = errors.ErrorCode("instrument_open_failed")
	ErrDiscoverFailed = errors.ErrorCode("instrument_discover_failed")
	ErrUSBTransfer    = errors.ErrorCode("instrument_usb_transfer_failed")
)
