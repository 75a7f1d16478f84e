package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/maoXyzt/ssh-channels-hub/internal/apperr"
	"github.com/maoXyzt/ssh-channels-hub/internal/ipc"
	"github.com/maoXyzt/ssh-channels-hub/internal/sidecar"
)

// newTestCmd probes every running channel's connectivity through the
// daemon's `test` IPC command (§4.6), so the probe reflects what the running
// service actually has bound rather than re-reading the config file.
func newTestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "test",
		Short: "Test connectivity of every running channel via the daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := resolveConfigPath()
			paths := sidecar.For(path)
			if !sidecar.Running(paths) {
				return apperr.New(apperr.IPCUnreachable, "no running service for config %s", path)
			}
			port, err := sidecar.ReadPort(paths)
			if err != nil {
				return apperr.Wrap(apperr.IPCUnreachable, err, "read sidecar port file")
			}

			results, err := ipc.TestTunnels(sidecar.Addr(port))
			if err != nil {
				return err
			}
			if len(results) == 0 {
				fmt.Println("No channels configured")
				return nil
			}

			fmt.Printf("Testing %d channel(s)...\n\n", len(results))
			allPassed := true
			for _, r := range results {
				switch {
				case r.Skipped:
					fmt.Printf("Channel '%s' (remote forward)... skipped (verify by connecting to the remote bound port)\n", r.Name)
				case r.Passed:
					fmt.Printf("Channel '%s'... connected\n", r.Name)
				default:
					fmt.Printf("Channel '%s'... failed: %s\n", r.Name, r.Detail)
					allPassed = false
				}
			}
			fmt.Println()
			if allPassed {
				fmt.Println("All channels are working correctly!")
				return nil
			}
			fmt.Println("Some channels failed the connection test")
			return fmt.Errorf("some channels failed the connection test")
		},
	}
}
