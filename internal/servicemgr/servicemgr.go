// Package servicemgr implements the Service Manager (spec §4.5): it owns the
// top-level context all supervisors descend from, fans configured tunnels out
// to one supervisor each, and aggregates their snapshots into a ServiceStatus.
// Preflight port checks are run concurrently via golang.org/x/sync/errgroup,
// the same fan-out primitive the rest of the example pack reaches for over a
// hand-rolled sync.WaitGroup + channel.
package servicemgr

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/maoXyzt/ssh-channels-hub/internal/apperr"
	"github.com/maoXyzt/ssh-channels-hub/internal/model"
	"github.com/maoXyzt/ssh-channels-hub/internal/supervisor"
)

// testDialTimeout bounds a single tunnel's connectivity probe, matching
// original_source's port_check::test_port_connection.
const testDialTimeout = 2 * time.Second

// Manager owns the lifecycle of every configured tunnel. It mirrors
// original_source's ServiceManager: a coarse ServiceState guarding
// start/stop/restart, plus a managed collection of per-tunnel workers.
type Manager struct {
	log *logrus.Entry

	mu          sync.RWMutex
	state       model.ServiceState
	errorReason string
	hosts       map[string]model.Host
	supervisors map[string]*supervisor.Supervisor

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a stopped Manager.
func New(log *logrus.Entry) *Manager {
	return &Manager{
		log:         log,
		state:       model.ServiceStopped,
		supervisors: make(map[string]*supervisor.Supervisor),
	}
}

// Start validates each tunnel's local port is free, then launches one
// supervisor per tunnel under a context derived from ctx. If any local port
// is busy, no supervisor is started and the service reaches Error. Otherwise
// it reaches Running as long as at least one tunnel started, and Error if no
// tunnel could be started (every host reference unknown).
func (m *Manager) Start(ctx context.Context, hosts map[string]model.Host, tunnels []model.TunnelSpec, policy model.ReconnectPolicy) error {
	m.mu.Lock()
	if m.state != model.ServiceStopped {
		current := m.state
		m.mu.Unlock()
		return apperr.New(apperr.Config, "service is not stopped (current state: %s)", current)
	}
	m.state = model.ServiceStarting
	m.hosts = hosts
	m.mu.Unlock()

	m.log.Info("starting SSH channels hub")

	runCtx, cancel := context.WithCancel(ctx)

	localSpecs := make([]model.TunnelSpec, 0, len(tunnels))
	for _, t := range tunnels {
		if t.Kind == model.LocalForward {
			localSpecs = append(localSpecs, t)
		}
	}
	if err := preflightPorts(localSpecs); err != nil {
		cancel()
		m.mu.Lock()
		m.state = model.ServiceError
		m.errorReason = err.Error()
		m.mu.Unlock()
		return err
	}

	started := make(map[string]*supervisor.Supervisor, len(tunnels))
	var failures []string

	for _, spec := range tunnels {
		host, ok := hosts[spec.HostRef]
		if !ok {
			failures = append(failures, fmt.Sprintf("%s: unknown host %q", spec.Name, spec.HostRef))
			continue
		}
		sup := supervisor.New(runCtx, spec, host, policy, m.log)
		started[spec.Name] = sup
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			sup.Run()
		}()
		m.log.WithField("tunnel", spec.Name).Info("started supervisor")
	}

	m.mu.Lock()
	m.supervisors = started
	m.cancel = cancel
	if len(started) == 0 {
		m.state = model.ServiceError
		m.errorReason = fmt.Sprintf("failed to start any channels: %s", joinComma(failures))
		m.mu.Unlock()
		return apperr.New(apperr.Config, "failed to start any channels: %s", joinComma(failures))
	}
	m.state = model.ServiceRunning
	if len(failures) > 0 {
		m.errorReason = joinComma(failures)
		m.log.WithField("failures", joinComma(failures)).Warn("service started with some channel failures")
	} else {
		m.errorReason = ""
	}
	m.mu.Unlock()

	return nil
}

// preflightPorts checks that every local-forward tunnel's listen port is free
// before any supervisor is launched, concurrently across tunnels.
func preflightPorts(specs []model.TunnelSpec) error {
	g := new(errgroup.Group)
	for _, spec := range specs {
		spec := spec
		g.Go(func() error {
			addr := fmt.Sprintf("%s:%d", spec.ListenHost, spec.LocalPort)
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return apperr.Wrap(apperr.PortInUse, err, "port preflight failed for tunnel %q (%s)", spec.Name, addr)
			}
			return ln.Close()
		})
	}
	return g.Wait()
}

// Stop cancels every supervisor and waits for them to unwind.
func (m *Manager) Stop() error {
	m.mu.Lock()
	if m.state != model.ServiceRunning {
		state := m.state
		m.mu.Unlock()
		if state == model.ServiceStopped {
			return nil
		}
		return apperr.New(apperr.Config, "service is not running (current state: %s)", state)
	}
	m.state = model.ServiceStopping
	cancel := m.cancel
	sups := make([]*supervisor.Supervisor, 0, len(m.supervisors))
	for _, sup := range m.supervisors {
		sups = append(sups, sup)
	}
	m.mu.Unlock()

	m.log.Info("stopping SSH channels hub")
	// Fan out cancellation to each supervisor's own child token (spec §5)
	// rather than relying solely on the shared root; canceling the root below
	// is what makes that fan-out redundant-but-safe on every other exit path
	// (preflight failure, process signal) that only has the root to cancel.
	for _, sup := range sups {
		sup.Cancel()
	}
	if cancel != nil {
		cancel()
	}
	m.wg.Wait()

	m.mu.Lock()
	m.state = model.ServiceStopped
	m.supervisors = make(map[string]*supervisor.Supervisor)
	m.mu.Unlock()
	return nil
}

// Restart stops then starts the service again with the same configuration.
func (m *Manager) Restart(ctx context.Context, hosts map[string]model.Host, tunnels []model.TunnelSpec, policy model.ReconnectPolicy) error {
	if err := m.Stop(); err != nil {
		return err
	}
	return m.Start(ctx, hosts, tunnels, policy)
}

// Status aggregates every supervisor's snapshot into one ServiceStatus.
func (m *Manager) Status() model.ServiceStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snaps := make([]model.TunnelSnapshot, 0, len(m.supervisors))
	active := 0
	for _, sup := range m.supervisors {
		snap := sup.Snapshot()
		snaps = append(snaps, snap)
		if snap.State == model.Serving {
			active++
		}
	}

	summary := m.errorReason
	if summary == "" {
		summary = m.state.String()
	}

	return model.ServiceStatus{
		State:          m.state,
		Summary:        summary,
		ActiveChannels: active,
		TotalChannels:  len(m.supervisors),
		Channels:       snaps,
	}
}

// TestTunnels probes every running tunnel's local endpoint and reports
// pass/fail per tunnel, the Service Manager side of the `test` IPC command
// (§4.6). Remote-forward tunnels are reported skipped: their local endpoint
// lives on the SSH server, not on this machine.
func (m *Manager) TestTunnels() []model.TunnelTestResult {
	m.mu.RLock()
	sups := make([]*supervisor.Supervisor, 0, len(m.supervisors))
	for _, sup := range m.supervisors {
		sups = append(sups, sup)
	}
	m.mu.RUnlock()

	results := make([]model.TunnelTestResult, 0, len(sups))
	for _, sup := range sups {
		spec := sup.Spec()
		if spec.Kind == model.RemoteForward {
			results = append(results, model.TunnelTestResult{
				Name:    spec.Name,
				Kind:    spec.Kind,
				Skipped: true,
				Detail:  "remote forward: verify by connecting to the remote bound port",
			})
			continue
		}

		addr := fmt.Sprintf("%s:%d", spec.ListenHost, spec.LocalPort)
		result := model.TunnelTestResult{Name: spec.Name, Kind: spec.Kind, LocalPort: spec.LocalPort}
		conn, err := net.DialTimeout("tcp", addr, testDialTimeout)
		if err != nil {
			result.Detail = err.Error()
		} else {
			conn.Close()
			result.Passed = true
		}
		results = append(results, result)
	}
	return results
}

func joinComma(items []string) string {
	out := ""
	for i, s := range items {
		if i > 0 {
			out += ", "
		}
		out += s
	}
	return out
}
