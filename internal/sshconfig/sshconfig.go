// Package sshconfig parses ~/.ssh/config entries for the "generate" CLI
// subcommand, the Go counterpart of original_source's ssh_config module: a
// small directive-by-directive reader rather than a full OpenSSH config
// grammar, since only HostName/Port/User/IdentityFile feed host generation.
package sshconfig

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/maoXyzt/ssh-channels-hub/internal/apperr"
)

// Entry is one parsed "Host" block.
type Entry struct {
	Host         string
	HostName     string
	Port         int // 0 if unset
	User         string
	IdentityFile string
}

type defaults struct {
	port         int
	user         string
	identityFile string
}

// DefaultPath returns ~/.ssh/config.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "~/.ssh/config"
	}
	return filepath.Join(home, ".ssh", "config")
}

// Parse reads and parses the SSH client config file at path.
func Parse(path string) ([]Entry, error) {
	expanded := expandTilde(path)
	data, err := os.ReadFile(expanded)
	if err != nil {
		return nil, apperr.Wrap(apperr.Config, err, "read SSH config file %s", expanded)
	}
	return parseContent(string(data)), nil
}

func parseContent(content string) []Entry {
	var entries []Entry
	var currentHost string
	var isDefaultHost bool
	currentConfig := map[string]string{}
	var def defaults

	flush := func() {
		if currentHost == "" {
			return
		}
		if isDefaultHost {
			def = extractDefaults(currentConfig)
			return
		}
		if entry, ok := buildEntry(currentHost, currentConfig, def); ok {
			entries = append(entries, entry)
		}
	}

	for _, rawLine := range strings.Split(content, "\n") {
		line := strings.TrimSpace(rawLine)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		if rest, ok := strings.CutPrefix(line, "Host "); ok {
			flush()
			currentConfig = map[string]string{}

			fields := strings.Fields(strings.TrimSpace(rest))
			host := ""
			if len(fields) > 0 {
				host = fields[0]
			}
			isDefaultHost = host == "*"
			currentHost = host
			continue
		}

		if currentHost == "" {
			continue
		}
		if key, value, ok := parseDirective(line); ok {
			currentConfig[strings.ToLower(key)] = value
		}
	}
	flush()

	return entries
}

func parseDirective(line string) (key, value string, ok bool) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return "", "", false
	}
	return fields[0], strings.Join(fields[1:], " "), true
}

func extractDefaults(cfg map[string]string) defaults {
	var d defaults
	if p, ok := cfg["port"]; ok {
		if n, err := strconv.Atoi(p); err == nil {
			d.port = n
		}
	}
	d.user = cfg["user"]
	if f, ok := cfg["identityfile"]; ok {
		d.identityFile = expandTilde(f)
	}
	return d
}

func buildEntry(host string, cfg map[string]string, def defaults) (Entry, bool) {
	hostname, ok := cfg["hostname"]
	if !ok {
		return Entry{}, false
	}

	port := def.port
	if p, ok := cfg["port"]; ok {
		if n, err := strconv.Atoi(p); err == nil {
			port = n
		}
	}

	user := def.user
	if u, ok := cfg["user"]; ok {
		user = u
	}

	identityFile := def.identityFile
	if f, ok := cfg["identityfile"]; ok {
		identityFile = expandTilde(f)
	}

	return Entry{
		Host:         host,
		HostName:     hostname,
		Port:         port,
		User:         user,
		IdentityFile: identityFile,
	}, true
}

func expandTilde(path string) string {
	if path == "~" {
		if home, err := os.UserHomeDir(); err == nil {
			return home
		}
		return path
	}
	if rest, ok := strings.CutPrefix(path, "~/"); ok {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, rest)
		}
	}
	return path
}
