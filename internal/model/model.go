// Package model holds the data types shared across the hub: hosts, tunnel specs,
// the reconnection policy, and the runtime state enums the supervisor and service
// manager report through status.
package model

import "time"

// AuthKind distinguishes the two supported SSH authentication methods.
type AuthKind int

const (
	AuthPassword AuthKind = iota
	AuthKey
)

// Auth carries credentials for one of the two AuthKind variants. Exactly one of
// the fields relevant to Kind is populated; this mirrors the tagged-union shape of
// the TOML [hosts.auth] table (§6) and original_source's AuthConfig enum.
type Auth struct {
	Kind AuthKind
	// Password holds the plaintext secret when Kind == AuthPassword.
	Password string
	// KeyPath holds the private key file path when Kind == AuthKey. "~" has
	// already been expanded by the config loader.
	KeyPath string
	// Passphrase optionally unlocks an encrypted private key.
	Passphrase string
}

// Host is an immutable SSH connection target, identified by a unique name.
type Host struct {
	Name     string
	Address  string
	Port     int
	Username string
	Auth     Auth
}

// TunnelKind distinguishes local and remote port forwarding.
type TunnelKind int

const (
	LocalForward TunnelKind = iota
	RemoteForward
)

func (k TunnelKind) String() string {
	if k == RemoteForward {
		return "forwarded-tcpip"
	}
	return "direct-tcpip"
}

// TunnelSpec is one configured forwarding rule, referencing a Host by name.
type TunnelSpec struct {
	Name       string
	HostRef    string
	Kind       TunnelKind
	LocalPort  int
	RemotePort int
	DestHost   string
	ListenHost string
}

// ReconnectPolicy controls the retry schedule applied independently to each tunnel.
type ReconnectPolicy struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	MaxAttempts  int // 0 = unbounded
	Exponential  bool
}

// TunnelState enumerates the supervisor's state machine (§4.4). Zero value is Idle.
type TunnelState int

const (
	Idle TunnelState = iota
	Connecting
	Authenticating
	Serving
	Backoff
	Stopping
	Stopped
	Fatal
)

func (s TunnelState) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Connecting:
		return "Connecting"
	case Authenticating:
		return "Authenticating"
	case Serving:
		return "Serving"
	case Backoff:
		return "Backoff"
	case Stopping:
		return "Stopping"
	case Stopped:
		return "Stopped"
	case Fatal:
		return "Fatal"
	default:
		return "Unknown"
	}
}

// TunnelSnapshot is a copied, observer-safe view of one supervisor's runtime state,
// per §9's "State snapshots" design note: no observer ever holds the supervisor's
// internal lock.
type TunnelSnapshot struct {
	Name         string
	State        TunnelState
	Attempt      int           // meaningful in Connecting/Backoff
	NextDelay    time.Duration // meaningful in Backoff
	Since        time.Time     // meaningful in Serving
	ActiveConns  int
	FatalReason  string // meaningful in Fatal
	LastErrorMsg string
}

// ServiceState is the coarse aggregate state of the Service Manager (§3).
type ServiceState int

const (
	ServiceStopped ServiceState = iota
	ServiceStarting
	ServiceRunning
	ServiceStopping
	ServiceError
)

func (s ServiceState) String() string {
	switch s {
	case ServiceStopped:
		return "Stopped"
	case ServiceStarting:
		return "Starting"
	case ServiceRunning:
		return "Running"
	case ServiceStopping:
		return "Stopping"
	case ServiceError:
		return "Error"
	default:
		return "Unknown"
	}
}

// ServiceStatus is the synchronous snapshot returned by Service Manager status().
type ServiceStatus struct {
	State          ServiceState
	Summary        string
	ActiveChannels int
	TotalChannels  int
	Channels       []TunnelSnapshot
}

// TunnelTestResult is one tunnel's outcome from a Service Manager-driven
// connectivity probe (the `test` IPC command, §4.6). RemoteForward tunnels
// are always Skipped: their local endpoint lives on the SSH server, not on
// this machine.
type TunnelTestResult struct {
	Name      string
	Kind      TunnelKind
	LocalPort int
	Passed    bool
	Skipped   bool
	Detail    string
}
