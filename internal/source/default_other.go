//go:build !linux && !windows

package source

const defaultKind Kind = ""
