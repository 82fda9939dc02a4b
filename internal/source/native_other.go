//go:build !windows

package source

import "codeberg.org/mutker/cpumonitor/internal/errors"

func newNative() (Source, error) {
	return nil, errors.New().WithData(ErrUnsupported, "native counter source is only available on windows")
}
