// Package source acquires the raw CPU counter table. Each variant returns
// the complete table as text in the kernel layout, or an error.
package source

import (
	"context"

	"codeberg.org/mutker/cpumonitor/internal/errors"
	"codeberg.org/mutker/cpumonitor/internal/logger"
	"github.com/spf13/afero"
)

// DefaultStatPath is where Linux exposes the counter table.
const DefaultStatPath = "/proc/stat"

// Source produces the raw counter table. Read blocks until the table has
// been acquired or the context is done; it never retries.
type Source interface {
	// Name identifies where the counters come from. Two reads with the same
	// name are assumed to describe the same machine.
	Name() string
	Read(ctx context.Context) (string, error)
}

// Kind selects a Source variant.
type Kind string

const (
	KindAuto   Kind = "auto"
	KindFile   Kind = "file"
	KindRemote Kind = "remote"
	KindNative Kind = "native"
)

// Config selects and parameterizes a Source.
type Config struct {
	Kind     Kind
	StatPath string
	Remote   RemoteConfig
}

// New builds the Source described by cfg. KindAuto resolves to the
// platform default: the counter file on Linux, the native API on Windows.
func New(cfg Config, log logger.Logger) (Source, error) {
	errFactory := errors.New()

	kind := cfg.Kind
	if kind == "" || kind == KindAuto {
		kind = defaultKind
	}

	switch kind {
	case KindFile:
		path := cfg.StatPath
		if path == "" {
			path = DefaultStatPath
		}
		log.Debug().Str("path", path).Msg("Using counter file source")
		return NewFile(afero.NewOsFs(), path), nil
	case KindRemote:
		log.Debug().Str("host", cfg.Remote.Host).Msg("Using remote counter source")
		remote, err := NewRemote(cfg.Remote, log)
		if err != nil {
			return nil, err
		}
		return remote, nil
	case KindNative:
		log.Debug().Msg("Using native counter source")
		return newNative()
	case "":
		return nil, errFactory.WithData(ErrUnsupported, "no default counter source for this platform")
	default:
		return nil, errFactory.WithData(ErrInvalidConfig, struct {
			Kind string
		}{
			Kind: string(kind),
		})
	}
}
