//go:build linux

package source

const defaultKind = KindFile
