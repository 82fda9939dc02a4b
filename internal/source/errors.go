package source

import "codeberg.org/mutker/cpumonitor/internal/errors"

const (
	// Configuration Errors
	ErrInvalidConfig = errors.ErrorCode("source_invalid_config")
	ErrUnsupported   = errors.ErrorCode("source_unsupported")

	// Acquisition Errors
	ErrReadFailed    = errors.ErrorCode("source_read_failed")
	ErrConnectFailed = errors.ErrorCode("source_connect_failed")
	ErrTimeout       = errors.ErrorCode("source_timeout")
	ErrClosed        = errors.ErrorCode("source_closed")
)
