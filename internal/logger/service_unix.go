//go:build !windows

package logger

import "syscall"

// isGroupLeader reports whether the process leads its own process group,
// as daemons started by a supervisor do.
func isGroupLeader() bool {
	return syscall.Getpgrp() == syscall.Getpid()
}
