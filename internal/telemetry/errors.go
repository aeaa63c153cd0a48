package telemetry

import "codeberg.org/mutker/loadctl/internal/errors"

const (
	// Configuration Errors
	ErrInvalidConfig = errors.ErrorCode("telemetry_invalid_config")
	ErrInvalidTopic  = errors.ErrorCode("telemetry_invalid_topic")

	// Broker Errors
	ErrConnectFailed = errors.ErrorCode("telemetry_connect_failed")
	ErrPublishFailed = errors.ErrorCode("telemetry_publish_failed")
	ErrEncodeFailed  = errors.ErrorCode("telemetry_encode_failed")

	// Operation Errors
	ErrOperationTimeout = errors.ErrorCode("telemetry_operation_timeout")
)
