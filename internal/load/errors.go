package load

import "codeberg.org/mutker/loadctl/internal/errors"

const (
	ErrCommandFailed   = errors.ErrCommandFailed
	ErrInvalidResponse = errors.ErrInvalidResponse
	ErrInvalidSetpoint = errors.ErrorCode("load_invalid_setpoint")
)
