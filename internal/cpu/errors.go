package cpu

import "codeberg.org/mutker/cpumonitor/internal/errors"

const (
	ErrSourceMismatch = errors.ErrorCode("cpu_source_mismatch")
	ErrOutOfOrder     = errors.ErrorCode("cpu_out_of_order")
	ErrNoSource       = errors.ErrorCode("cpu_no_source")
)
