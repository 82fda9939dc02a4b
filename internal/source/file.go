package source

import (
	"context"

	"codeberg.org/mutker/cpumonitor/internal/errors"
	"github.com/spf13/afero"
)

// File reads the counter table from a file, normally /proc/stat.
type File struct {
	fs   afero.Fs
	path string
}

// NewFile returns a Source reading path from fs.
func NewFile(fs afero.Fs, path string) *File {
	return &File{fs: fs, path: path}
}

func (f *File) Name() string {
	return "file:" + f.path
}

func (f *File) Read(ctx context.Context) (string, error) {
	errFactory := errors.New()

	if err := ctx.Err(); err != nil {
		return "", errFactory.Wrap(ErrReadFailed, err)
	}

	data, err := afero.ReadFile(f.fs, f.path)
	if err != nil {
		return "", errFactory.Wrap(ErrReadFailed, err).WithData(f.path)
	}

	return string(data), nil
}
