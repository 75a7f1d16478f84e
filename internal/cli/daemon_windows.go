//go:build windows

package cli

import "syscall"

// detachedProcess mirrors original_source's Windows-specific spawn_daemon:
// DETACHED_PROCESS = 0x8 gives the child no console and lets it outlive the
// parent.
const detachedProcess = 0x00000008

func daemonSysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{CreationFlags: detachedProcess}
}
