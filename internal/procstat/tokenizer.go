package procstat

import (
	"fmt"
	"math/bits"
	"strings"

	"codeberg.org/mutker/cpumonitor/internal/errors"
)

// ParseUint reads a run of ASCII decimal digits from the start of s and
// returns the value together with the unconsumed remainder. At least one
// digit is required. A value that does not fit in a uint64 is invalid.
func ParseUint(s string) (uint64, string, error) {
	var n uint64
	i := 0
	for ; i < len(s); i++ {
		c := s[i]
		if c < '0' || c > '9' {
			break
		}
		hi, lo := bits.Mul64(n, 10)
		lo, carry := bits.Add64(lo, uint64(c-'0'), 0)
		if hi != 0 || carry != 0 {
			return 0, s, invalidData(0, "number %q overflows uint64", s)
		}
		n = lo
	}

	if i == 0 {
		return 0, s, invalidData(0, "expected a digit, got %q", s)
	}

	return n, s[i:], nil
}

// ParseKey decodes a "key value" line where value is a single unsigned
// integer, e.g. ParseKey("processes", "processes 2453") returns 2453.
func ParseKey(key, line string) (uint64, error) {
	rest, ok := strings.CutPrefix(line, key)
	if !ok {
		return 0, invalidData(0, "expected key %q in %q", key, line)
	}

	value := strings.TrimLeft(rest, " \t")
	if len(value) == len(rest) {
		return 0, invalidData(0, "expected whitespace after key %q in %q", key, line)
	}

	n, remainder, err := ParseUint(value)
	if err != nil {
		return 0, err
	}
	if strings.TrimSpace(remainder) != "" {
		return 0, invalidData(0, "trailing data after %s value: %q", key, remainder)
	}

	return n, nil
}

// parseField parses a whole whitespace-delimited token as a number. On
// failure it returns the reason instead of a located error.
func parseField(token string) (uint64, string) {
	n, rest, err := ParseUint(token)
	switch {
	case err != nil:
		return 0, reasonOf(err)
	case rest != "":
		return 0, fmt.Sprintf("trailing data %q in %q", rest, token)
	}
	return n, ""
}

func reasonOf(err error) string {
	if appErr, ok := err.(errors.Error); ok {
		if issue, ok := appErr.GetData().(lineIssue); ok {
			return issue.Reason
		}
	}
	return err.Error()
}
