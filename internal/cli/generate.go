package cli

import (
	"time"

	"github.com/maoXyzt/ssh-channels-hub/internal/config"
	"github.com/maoXyzt/ssh-channels-hub/internal/model"
	"github.com/maoXyzt/ssh-channels-hub/internal/sshconfig"
)

// fromSSHConfigEntries converts parsed ~/.ssh/config entries into a fresh
// Config with hosts only, mirroring original_source's
// AppConfig::from_ssh_config_entries: entries missing HostName or User are
// skipped, and hosts with no IdentityFile get a "CHANGE_ME" password
// placeholder the operator must fill in by hand.
func fromSSHConfigEntries(entries []sshconfig.Entry) *config.Config {
	hosts := make(map[string]model.Host)
	for _, e := range entries {
		if e.HostName == "" || e.User == "" {
			continue
		}
		port := e.Port
		if port == 0 {
			port = 22
		}

		var auth model.Auth
		if e.IdentityFile != "" {
			auth = model.Auth{Kind: model.AuthKey, KeyPath: e.IdentityFile}
		} else {
			auth = model.Auth{Kind: model.AuthPassword, Password: "CHANGE_ME"}
		}

		hosts[e.Host] = model.Host{
			Name:     e.Host,
			Address:  e.HostName,
			Port:     port,
			Username: e.User,
			Auth:     auth,
		}
	}
	return &config.Config{
		Hosts:   hosts,
		Tunnels: nil,
		Policy:  model.ReconnectPolicy{InitialDelay: time.Second, MaxDelay: 30 * time.Second, Exponential: true},
	}
}
