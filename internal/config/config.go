// Package config loads, validates, and saves the hub's TOML configuration
// (spec §6), using pelletier/go-toml/v2 for marshal/unmarshal the same way
// original_source used the toml crate. Field defaults that serde applied
// declaratively are applied here as a post-unmarshal pass, since go-toml/v2
// has no equivalent default-value tag.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/maoXyzt/ssh-channels-hub/internal/apperr"
	"github.com/maoXyzt/ssh-channels-hub/internal/model"
)

const (
	defaultSSHPort          = 22
	defaultMaxRetries       = 0
	defaultInitialDelaySecs = 1
	defaultMaxDelaySecs     = 30
	defaultUseExponential   = true
	defaultListenHost       = "127.0.0.1"
	defaultDestinationHost  = "127.0.0.1"
	defaultChannelType      = "direct-tcpip"
)

// fileAuth is the TOML shape of [hosts.auth], a tagged union on "type".
type fileAuth struct {
	Type       string `toml:"type"`
	Password   string `toml:"password,omitempty"`
	KeyPath    string `toml:"key_path,omitempty"`
	Passphrase string `toml:"passphrase,omitempty"`
}

type fileHost struct {
	Name     string   `toml:"name"`
	Host     string   `toml:"host"`
	Port     int      `toml:"port,omitempty"`
	Username string   `toml:"username"`
	Auth     fileAuth `toml:"auth"`
}

type fileChannel struct {
	Name        string `toml:"name"`
	Hostname    string `toml:"hostname"`
	ChannelType string `toml:"channel_type,omitempty"`
	Ports       string `toml:"ports"`
	DestHost    string `toml:"dest_host,omitempty"`
	ListenHost  string `toml:"listen_host,omitempty"`
}

type fileReconnection struct {
	MaxRetries            int   `toml:"max_retries"`
	InitialDelaySecs      int   `toml:"initial_delay_secs"`
	MaxDelaySecs          int   `toml:"max_delay_secs"`
	UseExponentialBackoff *bool `toml:"use_exponential_backoff"`
}

type fileConfig struct {
	Hosts        []fileHost       `toml:"hosts"`
	Channels     []fileChannel    `toml:"channels"`
	Reconnection fileReconnection `toml:"reconnection"`
}

// Config is the fully validated, application-ready configuration: hosts keyed
// by name, tunnels cross-checked against them, and one reconnection policy
// shared by every tunnel (spec §6 does not support per-tunnel policies).
type Config struct {
	Hosts   map[string]model.Host
	Tunnels []model.TunnelSpec
	Policy  model.ReconnectPolicy
}

// Load reads, parses, defaults, and validates a config file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, apperr.Wrap(apperr.Config, err, "read config file %s", path)
	}

	var fc fileConfig
	if err := toml.Unmarshal(data, &fc); err != nil {
		return nil, apperr.Wrap(apperr.Config, err, "parse config file %s", path)
	}
	applyDefaults(&fc)

	cfg, err := build(fc)
	if err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(fc *fileConfig) {
	for i := range fc.Hosts {
		if fc.Hosts[i].Port == 0 {
			fc.Hosts[i].Port = defaultSSHPort
		}
	}
	for i := range fc.Channels {
		if fc.Channels[i].ChannelType == "" {
			fc.Channels[i].ChannelType = defaultChannelType
		}
		if fc.Channels[i].DestHost == "" {
			fc.Channels[i].DestHost = defaultDestinationHost
		}
		if fc.Channels[i].ListenHost == "" {
			fc.Channels[i].ListenHost = defaultListenHost
		}
	}
	if fc.Reconnection.MaxDelaySecs == 0 {
		fc.Reconnection.MaxDelaySecs = defaultMaxDelaySecs
	}
	if fc.Reconnection.InitialDelaySecs == 0 {
		fc.Reconnection.InitialDelaySecs = defaultInitialDelaySecs
	}
	if fc.Reconnection.UseExponentialBackoff == nil {
		v := defaultUseExponential
		fc.Reconnection.UseExponentialBackoff = &v
	}
	// MaxRetries's zero value already equals defaultMaxRetries (unlimited).
}

// build converts the parsed TOML shape into application types, resolving auth
// kinds and parsing the ports string per channel_type (spec §6: "L:R" where L
// is always the local-side port and R the remote-side port, regardless of
// forwarding direction).
func build(fc fileConfig) (*Config, error) {
	hosts := make(map[string]model.Host, len(fc.Hosts))
	for _, h := range fc.Hosts {
		auth, err := buildAuth(h.Name, h.Auth)
		if err != nil {
			return nil, err
		}
		hosts[h.Name] = model.Host{
			Name:     h.Name,
			Address:  h.Host,
			Port:     h.Port,
			Username: h.Username,
			Auth:     auth,
		}
	}

	tunnels := make([]model.TunnelSpec, 0, len(fc.Channels))
	for _, c := range fc.Channels {
		local, remote, err := parsePorts(c.Name, c.Ports)
		if err != nil {
			return nil, err
		}

		var kind model.TunnelKind
		switch c.ChannelType {
		case "direct-tcpip":
			kind = model.LocalForward
		case "forwarded-tcpip":
			kind = model.RemoteForward
		default:
			return nil, apperr.New(apperr.Config, "channel %q: unknown channel_type %q", c.Name, c.ChannelType)
		}

		tunnels = append(tunnels, model.TunnelSpec{
			Name:       c.Name,
			HostRef:    c.Hostname,
			Kind:       kind,
			LocalPort:  local,
			RemotePort: remote,
			DestHost:   c.DestHost,
			ListenHost: c.ListenHost,
		})
	}

	policy := model.ReconnectPolicy{
		InitialDelay: secondsToDuration(fc.Reconnection.InitialDelaySecs),
		MaxDelay:     secondsToDuration(fc.Reconnection.MaxDelaySecs),
		MaxAttempts:  fc.Reconnection.MaxRetries,
		Exponential:  *fc.Reconnection.UseExponentialBackoff,
	}

	return &Config{Hosts: hosts, Tunnels: tunnels, Policy: policy}, nil
}

func buildAuth(hostName string, a fileAuth) (model.Auth, error) {
	switch a.Type {
	case "password":
		return model.Auth{Kind: model.AuthPassword, Password: a.Password}, nil
	case "key":
		return model.Auth{Kind: model.AuthKey, KeyPath: expandHome(a.KeyPath), Passphrase: a.Passphrase}, nil
	default:
		return model.Auth{}, apperr.New(apperr.Config, "host %q: unknown auth type %q", hostName, a.Type)
	}
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}

// parsePorts parses a "L:R" string into its two decimal port numbers.
func parsePorts(channelName, s string) (local, remote int, err error) {
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, 0, apperr.New(apperr.Config, "channel %q: invalid ports %q, expected \"L:R\"", channelName, s)
	}
	if parts[0] == "" || parts[1] == "" {
		return 0, 0, apperr.New(apperr.Config, "channel %q: invalid ports %q, both sides of \"L:R\" are required", channelName, s)
	}
	local, err = strconv.Atoi(parts[0])
	if err != nil || local < 1 || local > 65535 {
		return 0, 0, apperr.New(apperr.Config, "channel %q: invalid local port %q", channelName, parts[0])
	}
	remote, err = strconv.Atoi(parts[1])
	if err != nil || remote < 1 || remote > 65535 {
		return 0, 0, apperr.New(apperr.Config, "channel %q: invalid remote port %q", channelName, parts[1])
	}
	return local, remote, nil
}

func secondsToDuration(s int) time.Duration {
	return time.Duration(s) * time.Second
}

// Validate checks the cross-tunnel invariants of spec §4.5/§8: unique tunnel
// names, all host_refs resolve, and disjoint LocalForward (listen_host,
// local_port) endpoints.
func Validate(cfg *Config) error {
	names := make(map[string]bool, len(cfg.Tunnels))
	endpoints := make(map[string]string, len(cfg.Tunnels))

	for _, t := range cfg.Tunnels {
		if names[t.Name] {
			return apperr.New(apperr.Config, "duplicate tunnel name %q", t.Name)
		}
		names[t.Name] = true

		if _, ok := cfg.Hosts[t.HostRef]; !ok {
			return apperr.New(apperr.Config, "tunnel %q references unknown host %q", t.Name, t.HostRef)
		}

		if t.Kind == model.LocalForward {
			ep := fmt.Sprintf("%s:%d", t.ListenHost, t.LocalPort)
			if owner, exists := endpoints[ep]; exists {
				return apperr.New(apperr.Config, "tunnels %q and %q both bind %s", owner, t.Name, ep)
			}
			endpoints[ep] = t.Name
		}
	}
	return nil
}

// DefaultPathCandidates returns the search order the CLI uses when no
// --config flag is given: the current directory's configs.toml first, then
// the platform config directory's ssh-channels-hub/config.toml.
func DefaultPathCandidates() []string {
	cwd, err := os.Getwd()
	if err != nil {
		cwd = "."
	}
	candidates := []string{filepath.Join(cwd, "configs.toml")}
	if dir, err := os.UserConfigDir(); err == nil {
		candidates = append(candidates, filepath.Join(dir, "ssh-channels-hub", "config.toml"))
	}
	return candidates
}

// DefaultPath returns the first existing candidate, or the first candidate if
// none exist.
func DefaultPath() string {
	candidates := DefaultPathCandidates()
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c
		}
	}
	if len(candidates) > 0 {
		return candidates[0]
	}
	return "configs.toml"
}

// Save serializes cfg back to TOML at path, with a "# Host: name (address)"
// comment injected before each [[hosts]] table, mirroring
// original_source::AppConfig::add_host_comments.
func Save(cfg *Config, path string) error {
	fc := toFileConfig(cfg)
	body, err := toml.Marshal(fc)
	if err != nil {
		return apperr.Wrap(apperr.Config, err, "serialize config")
	}
	commented := addHostComments(string(body), fc.Hosts)
	if err := os.WriteFile(path, []byte(commented), 0o644); err != nil {
		return apperr.Wrap(apperr.Io, err, "write config file %s", path)
	}
	return nil
}

func toFileConfig(cfg *Config) fileConfig {
	names := make([]string, 0, len(cfg.Hosts))
	for name := range cfg.Hosts {
		names = append(names, name)
	}
	sort.Strings(names)

	hosts := make([]fileHost, 0, len(names))
	for _, name := range names {
		h := cfg.Hosts[name]
		var auth fileAuth
		switch h.Auth.Kind {
		case model.AuthPassword:
			auth = fileAuth{Type: "password", Password: h.Auth.Password}
		case model.AuthKey:
			auth = fileAuth{Type: "key", KeyPath: h.Auth.KeyPath, Passphrase: h.Auth.Passphrase}
		}
		hosts = append(hosts, fileHost{Name: h.Name, Host: h.Address, Port: h.Port, Username: h.Username, Auth: auth})
	}

	channels := make([]fileChannel, 0, len(cfg.Tunnels))
	for _, t := range cfg.Tunnels {
		channelType := "direct-tcpip"
		if t.Kind == model.RemoteForward {
			channelType = "forwarded-tcpip"
		}
		channels = append(channels, fileChannel{
			Name:        t.Name,
			Hostname:    t.HostRef,
			ChannelType: channelType,
			Ports:       fmt.Sprintf("%d:%d", t.LocalPort, t.RemotePort),
			DestHost:    t.DestHost,
			ListenHost:  t.ListenHost,
		})
	}

	exp := cfg.Policy.Exponential
	return fileConfig{
		Hosts:    hosts,
		Channels: channels,
		Reconnection: fileReconnection{
			MaxRetries:            cfg.Policy.MaxAttempts,
			InitialDelaySecs:      int(cfg.Policy.InitialDelay.Seconds()),
			MaxDelaySecs:          int(cfg.Policy.MaxDelay.Seconds()),
			UseExponentialBackoff: &exp,
		},
	}
}

func addHostComments(content string, hosts []fileHost) string {
	var out strings.Builder
	lines := strings.Split(content, "\n")
	hostIdx := 0
	for i, line := range lines {
		if strings.TrimSpace(line) == "[[hosts]]" && hostIdx < len(hosts) {
			if i > 0 && strings.TrimSpace(lines[i-1]) != "" && out.Len() > 0 {
				out.WriteString("\n")
			}
			out.WriteString(fmt.Sprintf("# Host: %s (%s)\n", hosts[hostIdx].Name, hosts[hostIdx].Host))
			hostIdx++
		}
		out.WriteString(line)
		if i < len(lines)-1 {
			out.WriteString("\n")
		}
	}
	return out.String()
}
