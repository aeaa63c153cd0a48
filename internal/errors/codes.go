package errors

// Common error codes
const (
	// System errors
	ErrInternal        ErrorCode = "internal_error"
	ErrInvalidArgument ErrorCode = "invalid_argument"
	ErrNotImplemented  ErrorCode = "not_implemented"

	// Configuration errors
	ErrInvalidConfig   ErrorCode = "invalid_configuration"
	ErrBindFlags       ErrorCode = "bind_flags_failed"
	ErrReadConfig      ErrorCode = "read_config_failed"
	ErrInvalidLogLevel ErrorCode = "invalid_log_level"

	// Initialization errors
	ErrInitFailed     ErrorCode = "initialization_failed"
	ErrShutdownFailed ErrorCode = "shutdown_failed"
	ErrAlreadyRunning ErrorCode = "already_running"

	// Instrument errors
	ErrNoInstrumentFound ErrorCode = "no_instrument_found"
	ErrInvalidAddress    ErrorCode = "invalid_address"
	ErrNotConnected      ErrorCode = "not_connected"
	ErrCommandFailed     ErrorCode = "command_failed"
	ErrQueryTimeout      ErrorCode = "query_timeout"
	ErrInvalidResponse   ErrorCode = "invalid_response"

	// Run errors
	ErrRunFailed     ErrorCode = "run_failed"
	ErrLoadOffFailed ErrorCode = "load_off_failed"
	ErrSinkWrite     ErrorCode = "sink_write_failed"
	ErrSinkClose     ErrorCode = "sink_close_failed"

	// Operation errors
	ErrTimeout ErrorCode = "operation_timeout"
)

// Common error messages
var errorMessages = map[ErrorCode]string{
	ErrInternal:          "Internal error occurred",
	ErrInvalidArgument:   "Invalid argument provided",
	ErrNotImplemented:    "Operation not implemented",
	ErrInvalidConfig:     "Invalid configuration",
	ErrBindFlags:         "Failed to bind flags",
	ErrReadConfig:        "Failed to read config file",
	ErrInvalidLogLevel:   "Invalid log level",
	ErrInitFailed:        "Initialization failed",
	ErrShutdownFailed:    "Shutdown failed",
	ErrAlreadyRunning:    "Another loadctl process owns this instrument",
	ErrNoInstrumentFound: "No instruments found, check USB/LAN connection",
	ErrInvalidAddress:    "Invalid instrument address",
	ErrNotConnected:      "Instrument channel is closed",
	ErrCommandFailed:     "Instrument command failed",
	ErrQueryTimeout:      "Instrument query timed out",
	ErrInvalidResponse:   "Invalid instrument response",
	ErrRunFailed:         "Discharge run failed",
	ErrLoadOffFailed:     "Failed to disable load input",
	ErrSinkWrite:         "Failed to write sample",
	ErrSinkClose:         "Failed to close sample sink",
	ErrTimeout:           "Operation timed out",
}

// GetErrorMessage returns the message for a given error code
func GetErrorMessage(code ErrorCode) string {
	if msg, ok := errorMessages[code]; ok {
		return msg
	}

	return string(code)
}
