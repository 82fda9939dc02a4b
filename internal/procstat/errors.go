package procstat

import (
	"fmt"

	"codeberg.org/mutker/cpumonitor/internal/errors"
)

const (
	// Parse Errors
	ErrInvalidData = errors.ErrorCode("procstat_invalid_data")

	// Arithmetic Errors
	ErrCoreCountMismatch = errors.ErrorCode("procstat_core_count_mismatch")
	ErrCounterDecreased  = errors.ErrorCode("procstat_counter_decreased")
	ErrGaugeOverflow     = errors.ErrorCode("procstat_gauge_overflow")
	ErrTotalOverflow     = errors.ErrorCode("procstat_total_overflow")
)

// lineIssue locates a parse failure. Line is 1-based; 0 means the table as a whole.
type lineIssue struct {
	Line   int
	Reason string
}

func (l lineIssue) String() string {
	if l.Line == 0 {
		return l.Reason
	}
	return fmt.Sprintf("line %d: %s", l.Line, l.Reason)
}

func invalidData(line int, format string, args ...any) errors.Error {
	return errors.New().WithData(ErrInvalidData, lineIssue{
		Line:   line,
		Reason: fmt.Sprintf(format, args...),
	})
}

// counterIssue describes a cumulative counter that went backwards.
type counterIssue struct {
	Scope string
	Field string
	Older uint64
	Newer uint64
}

func (c counterIssue) String() string {
	return fmt.Sprintf("%s %s went from %d to %d", c.Scope, c.Field, c.Older, c.Newer)
}
