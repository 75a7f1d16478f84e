// Package sidecar manages the .port and .pid files the daemon publishes next
// to its config file (spec §6), so the CLI's stop/restart/status/test
// subcommands can find a running instance without a separate registry. File
// names share the config file's stem: /path/to/name.toml yields
// /path/to/name.port and /path/to/name.pid.
package sidecar

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/maoXyzt/ssh-channels-hub/internal/apperr"
)

// Paths holds the two sidecar file paths derived from a config path.
type Paths struct {
	PID  string
	Port string
}

// For derives the sidecar file paths for the given config file path.
func For(configPath string) Paths {
	dir := filepath.Dir(configPath)
	base := filepath.Base(configPath)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	return Paths{
		PID:  filepath.Join(dir, stem+".pid"),
		Port: filepath.Join(dir, stem+".port"),
	}
}

// WritePID writes the current process's PID, truncating any stale file.
func WritePID(p Paths, pid int) error {
	if err := os.WriteFile(p.PID, []byte(strconv.Itoa(pid)+"\n"), 0o644); err != nil {
		return apperr.Wrap(apperr.Io, err, "write PID file %s", p.PID)
	}
	return nil
}

// WritePort writes the IPC listener's bound port.
func WritePort(p Paths, port int) error {
	if err := os.WriteFile(p.Port, []byte(strconv.Itoa(port)+"\n"), 0o644); err != nil {
		return apperr.Wrap(apperr.Io, err, "write port file %s", p.Port)
	}
	return nil
}

// ReadPID reads the published PID, or an error if no instance is running.
func ReadPID(p Paths) (int, error) {
	data, err := os.ReadFile(p.PID)
	if err != nil {
		return 0, apperr.Wrap(apperr.Io, err, "read PID file %s", p.PID)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, apperr.Wrap(apperr.Io, err, "parse PID file %s", p.PID)
	}
	return pid, nil
}

// ReadPort reads the published IPC port, or an error if no instance is
// running.
func ReadPort(p Paths) (int, error) {
	data, err := os.ReadFile(p.Port)
	if err != nil {
		return 0, apperr.Wrap(apperr.Io, err, "read port file %s", p.Port)
	}
	port, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, apperr.Wrap(apperr.Io, err, "parse port file %s", p.Port)
	}
	return port, nil
}

// Remove deletes both sidecar files, ignoring a missing file but not other
// errors.
func Remove(p Paths) error {
	var errs []string
	for _, path := range []string{p.PID, p.Port} {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			errs = append(errs, err.Error())
		}
	}
	if len(errs) > 0 {
		return apperr.New(apperr.Io, "remove run files: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Running reports whether a port file exists, the cheap signal the CLI uses
// before attempting an IPC round trip.
func Running(p Paths) bool {
	_, err := os.Stat(p.Port)
	return err == nil
}

// Addr formats the loopback address the IPC client should dial from a read
// port number.
func Addr(port int) string {
	return fmt.Sprintf("127.0.0.1:%d", port)
}
