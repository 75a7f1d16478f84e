//go:build !windows

package cli

import "syscall"

// daemonSysProcAttr detaches the daemon child from the parent's controlling
// terminal and session, so it keeps running after the parent (and its shell)
// exits.
func daemonSysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setsid: true}
}
