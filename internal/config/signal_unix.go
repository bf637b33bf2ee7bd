//go:build !windows

package config

import "syscall"

// syscallSig0 returns the null signal used to probe whether a PID is alive
// without actually delivering a signal to it.
func syscallSig0() syscall.Signal {
	return syscall.Signal(0)
}
