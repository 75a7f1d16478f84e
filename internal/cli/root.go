// Package cli wires the cobra command surface onto the rest of the hub
// (spec §6): start/stop/restart/status/validate/generate/test, each talking
// to internal/servicemgr, internal/config, internal/ipc, and
// internal/sidecar. This is the Go counterpart of original_source's main.rs
// dispatch, restructured the way the teacher's treykane-style examples split
// command wiring into its own package rather than one large main function.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/maoXyzt/ssh-channels-hub/internal/config"
	"github.com/maoXyzt/ssh-channels-hub/internal/ipc"
	"github.com/maoXyzt/ssh-channels-hub/internal/logging"
	"github.com/maoXyzt/ssh-channels-hub/internal/servicemgr"
	"github.com/maoXyzt/ssh-channels-hub/internal/sidecar"
	"github.com/maoXyzt/ssh-channels-hub/internal/sshconfig"
)

var (
	flagConfig string
	flagDebug  bool
)

// NewRootCommand builds the top-level "ssh-channels-hub" command.
func NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "ssh-channels-hub",
		Short: "Supervise SSH port-forwarding tunnels with automatic reconnection",
	}
	root.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "path to config file (default: search configs.toml, then platform config dir)")
	root.PersistentFlags().BoolVar(&flagDebug, "debug", false, "enable debug logging")

	root.AddCommand(newStartCmd())
	root.AddCommand(newStopCmd())
	root.AddCommand(newRestartCmd())
	root.AddCommand(newStatusCmd())
	root.AddCommand(newValidateCmd())
	root.AddCommand(newGenerateCmd())
	root.AddCommand(newTestCmd())
	return root
}

func resolveConfigPath() string {
	if flagConfig != "" {
		return flagConfig
	}
	return config.DefaultPath()
}

func newStartCmd() *cobra.Command {
	var daemon bool
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the hub, supervising every configured tunnel",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := resolveConfigPath()
			if daemon {
				return spawnDaemon(path, flagDebug)
			}
			return runForeground(path)
		},
	}
	cmd.Flags().BoolVarP(&daemon, "daemon", "D", false, "run detached in the background")
	return cmd
}

func runForeground(configPath string) error {
	log := logging.Setup(flagDebug)
	log.WithField("config", configPath).Info("loading configuration")

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	log.Info("configuration loaded")

	mgr := servicemgr.New(log)
	ctx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	if err := mgr.Start(ctx, cfg.Hosts, cfg.Tunnels, cfg.Policy); err != nil {
		return err
	}

	ipcCtx, cancelIPC := context.WithCancel(ctx)
	defer cancelIPC()

	srv, err := ipc.Listen(log, mgr.Status, mgr.TestTunnels, cancelIPC)
	if err != nil {
		return err
	}
	defer srv.Close()
	go srv.Serve(ipcCtx)

	paths := sidecar.For(configPath)
	if err := sidecar.WritePort(paths, srv.Port()); err != nil {
		return err
	}
	if err := sidecar.WritePID(paths, os.Getpid()); err != nil {
		return err
	}
	defer sidecar.Remove(paths)

	log.WithField("port", srv.Port()).Info("IPC listener ready")
	log.Info("service running in foreground, press Ctrl+C to stop")

	<-ipcCtx.Done()
	log.Info("shutdown signal received, stopping service")
	return mgr.Stop()
}

func spawnDaemon(configPath string, debug bool) error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("get current executable: %w", err)
	}

	args := []string{"start", "--config", configPath}
	if debug {
		args = append(args, "--debug")
	}
	devNull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("open %s: %w", os.DevNull, err)
	}
	defer devNull.Close()
	proc, err := os.StartProcess(exe, append([]string{exe}, args...), &os.ProcAttr{
		Files: []*os.File{devNull, devNull, devNull},
		Sys:   daemonSysProcAttr(),
	})
	if err != nil {
		return fmt.Errorf("spawn daemon process: %w", err)
	}
	_ = proc.Release()

	paths := sidecar.For(configPath)
	deadline := time.Now().Add(5 * time.Second)
	for !sidecar.Running(paths) && time.Now().Before(deadline) {
		time.Sleep(100 * time.Millisecond)
	}
	fmt.Println("Service started in daemon mode. Use 'ssh-channels-hub status' to check.")
	return nil
}

func newStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop a running hub",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := resolveConfigPath()
			paths := sidecar.For(path)

			if sidecar.Running(paths) {
				if err := sendStop(paths); err != nil {
					fmt.Printf("warning: could not reach service via IPC: %v\n", err)
				} else {
					fmt.Println("Sent stop signal to service.")
					time.Sleep(600 * time.Millisecond)
				}
			}
			sidecar.Remove(paths)
			fmt.Println("Service stopped (run files removed).")
			return nil
		},
	}
}

func sendStop(paths sidecar.Paths) error {
	port, err := sidecar.ReadPort(paths)
	if err != nil {
		return err
	}
	return ipc.SendStop(sidecar.Addr(port))
}

func newRestartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restart",
		Short: "Restart the hub as a daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := resolveConfigPath()
			paths := sidecar.For(path)

			if sidecar.Running(paths) {
				if err := sendStop(paths); err == nil {
					fmt.Println("Sent stop signal to running service.")
					time.Sleep(700 * time.Millisecond)
				}
				sidecar.Remove(paths)
			}

			fmt.Println("Starting service (daemon mode)...")
			if err := spawnDaemon(path, flagDebug); err != nil {
				return err
			}
			fmt.Println("Service restarted.")
			return nil
		},
	}
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the hub's current state and per-tunnel status",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := resolveConfigPath()
			paths := sidecar.For(path)

			if sidecar.Running(paths) {
				if port, err := sidecar.ReadPort(paths); err == nil {
					if status, err := ipc.QueryStatus(sidecar.Addr(port)); err == nil {
						printStatus(status, path, paths)
						return nil
					}
				}
			}

			if _, err := os.Stat(path); err != nil {
				fmt.Println("Service not configured (config file not found)")
				return nil
			}

			cfg, err := config.Load(path)
			if err != nil {
				fmt.Printf("Failed to load configuration: %v\n", err)
				return err
			}
			fmt.Println("Service Status:")
			fmt.Println("  State: Stopped")
			fmt.Printf("  Active Channels: 0/%d\n", len(cfg.Tunnels))
			fmt.Printf("  Config: %s\n", path)
			fmt.Println("  Note: Service is not running. Start with: ssh-channels-hub start")
			printTunnels(cfg)
			return nil
		},
	}
}

func printStatus(status ipc.StatusWire, configPath string, paths sidecar.Paths) {
	fmt.Println("Service Status:")
	fmt.Printf("  State: %s\n", status.State)
	fmt.Printf("  Active Channels: %d/%d\n", status.ActiveChannels, status.TotalChannels)
	fmt.Printf("  Config: %s\n", configPath)
	if pid, err := sidecar.ReadPID(paths); err == nil {
		fmt.Printf("  PID: %d\n", pid)
	}
	if len(status.Channels) > 0 {
		fmt.Println("  Channels:")
		for _, c := range status.Channels {
			fmt.Printf("    - %s\t%s (active conns: %d)\n", c.Name, c.State, c.ActiveConns)
		}
	}
}

func printTunnels(cfg *config.Config) {
	if len(cfg.Tunnels) == 0 {
		return
	}
	fmt.Println("  Channels:")
	for _, t := range cfg.Tunnels {
		fmt.Printf("    - %s\t%s -> %s (host: %s)\n", t.Name, t.Kind, t.DestHost, t.HostRef)
	}
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate a configuration file without starting the service",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := resolveConfigPath()
			cfg, err := config.Load(path)
			if err != nil {
				fmt.Printf("Configuration is invalid: %v\n", err)
				return err
			}
			fmt.Println("Configuration is valid")
			fmt.Printf("  Hosts configured: %d\n", len(cfg.Hosts))
			for _, h := range cfg.Hosts {
				fmt.Printf("    - %s (%s)\n", h.Name, h.Address)
			}
			fmt.Printf("  Channels configured: %d\n", len(cfg.Tunnels))
			for _, t := range cfg.Tunnels {
				fmt.Printf("    - %s -> %s:%d\n", t.Name, t.DestHost, t.RemotePort)
			}
			return nil
		},
	}
}

func newGenerateCmd() *cobra.Command {
	var sshConfigPath, outputPath string
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate a config file's [[hosts]] from ~/.ssh/config",
		RunE: func(cmd *cobra.Command, args []string) error {
			if sshConfigPath == "" {
				sshConfigPath = sshconfig.DefaultPath()
			}
			fmt.Printf("Reading SSH config from: %s\n", sshConfigPath)

			entries, err := sshconfig.Parse(sshConfigPath)
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Println("No valid SSH config entries found")
				return nil
			}

			cfg := fromSSHConfigEntries(entries)

			if outputPath == "" {
				cwd, _ := os.Getwd()
				outputPath = fmt.Sprintf("%s/configs.toml", cwd)
			}
			fmt.Printf("Generating configuration to: %s\n", outputPath)
			if err := config.Save(cfg, outputPath); err != nil {
				return err
			}

			fmt.Println("Configuration generated successfully")
			fmt.Printf("  Output file: %s\n", outputPath)
			fmt.Printf("  Hosts generated: %d\n", len(cfg.Hosts))
			passwordHosts := 0
			for _, h := range cfg.Hosts {
				fmt.Printf("    - %s (%s)\n", h.Name, h.Address)
				if h.Auth.Password == "CHANGE_ME" {
					passwordHosts++
				}
			}
			if passwordHosts > 0 {
				fmt.Printf("\nWarning: %d host(s) use password authentication with placeholder 'CHANGE_ME'\n", passwordHosts)
				fmt.Println("  Please update the password in the generated config file.")
			}
			fmt.Println("\nNote: you need to manually add [[channels]] sections to define port forwarding.")
			return nil
		},
	}
	cmd.Flags().StringVar(&sshConfigPath, "ssh-config", "", "path to ssh_config file (default ~/.ssh/config)")
	cmd.Flags().StringVar(&outputPath, "output", "", "output config path (default ./configs.toml)")
	return cmd
}

