// Command ssh-channels-hub supervises configured SSH port-forwarding tunnels,
// reconnecting them automatically and exposing status over a local control
// socket (spec §1, §6).
package main

import (
	"fmt"
	"os"

	"github.com/maoXyzt/ssh-channels-hub/internal/apperr"
	"github.com/maoXyzt/ssh-channels-hub/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCodeFor(err))
	}
}

// exitCodeFor maps an apperr.Kind to the process exit code §6 mandates: 1
// configuration/validation error, 2 port preflight failure, 3 runtime start
// failure, 4 IPC unreachable (test against no running daemon). stop and
// status handle a missing daemon themselves and exit 0.
func exitCodeFor(err error) int {
	switch apperr.KindOf(err) {
	case apperr.Config:
		return 1
	case apperr.PortInUse:
		return 2
	case apperr.IPCUnreachable:
		return 4
	default:
		return 3
	}
}
