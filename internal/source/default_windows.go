//go:build windows

package source

const defaultKind = KindNative
