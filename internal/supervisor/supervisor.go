// Package supervisor drives one TunnelSpec through the explicit state machine
// of spec §4.4: Idle -> Connecting -> Serving -> Backoff -> ... ->
// Stopped/Fatal. Connecting covers both the SSH handshake and authentication
// (sshsession.Connect does both in one call), so the Authenticating state is
// never entered; a canceled supervisor goes straight to Stopped without
// passing through Stopping. It owns a child context.Context descending from the
// Service Manager's (spec §9 "hierarchical task lifetimes"), and it never
// hands out its internal lock: Snapshot returns a copied, observer-safe value
// (spec §9 "state snapshots"), the same discipline the teacher's SSHSession
// uses for its own stateMutex-guarded SessionState.
package supervisor

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/maoXyzt/ssh-channels-hub/internal/apperr"
	"github.com/maoXyzt/ssh-channels-hub/internal/forwarder"
	"github.com/maoXyzt/ssh-channels-hub/internal/model"
	"github.com/maoXyzt/ssh-channels-hub/internal/retry"
	"github.com/maoXyzt/ssh-channels-hub/internal/sshsession"
)

// KeepAliveInterval is how often a Serving supervisor probes transport
// liveness, adapted from the teacher's keepAliveLoop (30s OpenSSH keepalive
// requests) in internal/ssh/session.go.
const KeepAliveInterval = 30 * time.Second

// shutdownGraceBuffer pads forwarder.GraceWindow when serve() waits for the
// forwarder's own shutdown, covering scheduling slack rather than racing it.
const shutdownGraceBuffer = 2 * time.Second

// connector abstracts sshsession.Connect so tests can substitute a fake
// transport without dialing real SSH.
type connector func(ctx context.Context, host model.Host, log *logrus.Entry) (session, error)

// session is the subset of *sshsession.Session the supervisor depends on.
type session interface {
	OpenDirectTCPIP(remoteHost string, remotePort int, originHost string, originPort int) (net.Conn, error)
	RequestRemoteBind(bindHost string, bindPort int) (*sshsession.RemoteBind, error)
	KeepAlive() error
	Close() error
}

// Supervisor runs one TunnelSpec against one Host until stopped or it gives up
// for good (Fatal). It holds its own child cancellation token, derived from
// the Service Manager's root context at construction, so one tunnel can be
// stopped independently of its siblings (spec §5, §9 "hierarchical task
// lifetimes": a single token rooted at the Service Manager, one child per
// supervisor).
type Supervisor struct {
	spec   model.TunnelSpec
	host   model.Host
	policy model.ReconnectPolicy
	log    *logrus.Entry
	dial   connector

	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.RWMutex
	snap model.TunnelSnapshot
	attr int32 // active connection count, atomic
	done chan struct{}
}

// New builds a Supervisor for spec against host under policy. parent is the
// Service Manager's root context; New derives this supervisor's own child
// token from it immediately, before Run is ever called, so Cancel is safe to
// invoke at any point in the supervisor's lifetime.
func New(parent context.Context, spec model.TunnelSpec, host model.Host, policy model.ReconnectPolicy, log *logrus.Entry) *Supervisor {
	ctx, cancel := context.WithCancel(parent)
	return &Supervisor{
		spec:   spec,
		host:   host,
		policy: policy,
		log:    log.WithField("tunnel", spec.Name),
		dial:   connectAdapter,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		snap:   model.TunnelSnapshot{Name: spec.Name, State: model.Idle},
	}
}

func connectAdapter(ctx context.Context, host model.Host, log *logrus.Entry) (session, error) {
	return sshsession.Connect(ctx, host, log)
}

// Run blocks until this supervisor's own child context is canceled — either
// because the Service Manager's root context was (every tunnel stops) or
// because Cancel was called on this supervisor alone — or the tunnel reaches
// a Fatal state. The Service Manager starts one of these per tunnel as a
// goroutine.
func (s *Supervisor) Run() {
	ctx := s.ctx
	defer s.cancel()
	defer close(s.done)
	defer func() {
		// Fatal is terminal and stays visible through Snapshot; every other
		// exit path ends in Stopped.
		if s.Snapshot().State != model.Fatal {
			s.setState(model.Stopped, func(t *model.TunnelSnapshot) {})
		}
	}()

	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}

		attempt++
		s.setState(model.Connecting, func(t *model.TunnelSnapshot) { t.Attempt = attempt })

		sess, err := s.dial(ctx, s.host, s.log)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if terminal(err) {
				s.setState(model.Fatal, func(t *model.TunnelSnapshot) {
					t.FatalReason = err.Error()
					t.LastErrorMsg = err.Error()
				})
				return
			}
			if !retry.ShouldRetry(s.policy, attempt) {
				s.setState(model.Fatal, func(t *model.TunnelSnapshot) {
					t.FatalReason = "max reconnection attempts exhausted"
					t.LastErrorMsg = err.Error()
				})
				return
			}
			if !s.backoff(ctx, attempt, err) {
				return
			}
			continue
		}

		s.log.Info("SSH session established, entering Serving state")
		atomic.StoreInt32(&s.attr, 0)
		s.setState(model.Serving, func(t *model.TunnelSnapshot) {
			t.Since = now()
			t.ActiveConns = 0
			t.LastErrorMsg = ""
		})

		runErr := s.serve(ctx, sess)
		sess.Close()

		if ctx.Err() != nil {
			return
		}
		if runErr == nil {
			// should not normally happen: serve only returns nil on ctx cancellation
			return
		}
		if terminal(runErr) {
			s.setState(model.Fatal, func(t *model.TunnelSnapshot) {
				t.FatalReason = runErr.Error()
				t.LastErrorMsg = runErr.Error()
			})
			return
		}

		attempt = 0
		attempt++
		if !retry.ShouldRetry(s.policy, attempt) {
			s.setState(model.Fatal, func(t *model.TunnelSnapshot) {
				t.FatalReason = "max reconnection attempts exhausted"
				t.LastErrorMsg = runErr.Error()
			})
			return
		}
		if !s.backoff(ctx, attempt, runErr) {
			return
		}
	}
}

// serve runs the tunnel's data plane (accept loop + keepalive) until the
// transport drops or ctx is canceled.
func (s *Supervisor) serve(ctx context.Context, sess session) error {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)

	switch s.spec.Kind {
	case model.LocalForward:
		addr := fmt.Sprintf("%s:%d", s.spec.ListenHost, s.spec.LocalPort)
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return apperr.Wrap(apperr.PortInUse, err, "bind local listener %s", addr)
		}
		go func() {
			dial := func() (net.Conn, error) {
				return sess.OpenDirectTCPIP(s.spec.DestHost, s.spec.RemotePort, s.spec.ListenHost, s.spec.LocalPort)
			}
			errCh <- forwarder.LocalForward(connCtx, s.log, ln, dial, &s.attr)
		}()
	case model.RemoteForward:
		bind, err := sess.RequestRemoteBind(s.spec.DestHost, s.spec.RemotePort)
		if err != nil {
			return err
		}
		go func() {
			dial := func() (net.Conn, error) {
				return net.Dial("tcp", fmt.Sprintf("%s:%d", s.spec.DestHost, s.spec.LocalPort))
			}
			errCh <- forwarder.RemoteForward(connCtx, s.log, bind, dial, &s.attr)
		}()
	default:
		return apperr.New(apperr.Config, "unknown tunnel kind for %q", s.spec.Name)
	}

	go s.keepAliveLoop(connCtx, sess, errCh)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		// Don't tear the transport down the instant ctx is canceled: the
		// forwarder's own accept loop waits out each active connection's
		// grace window (forwarder.GraceWindow) before its goroutines exit
		// and it writes to errCh. Wait for that here too, bounded so a stuck
		// forwarder can't hang shutdown forever.
		select {
		case err := <-errCh:
			return err
		case <-time.After(forwarder.GraceWindow + shutdownGraceBuffer):
			return nil
		}
	}
}

func (s *Supervisor) keepAliveLoop(ctx context.Context, sess session, errCh chan<- error) {
	ticker := time.NewTicker(KeepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := sess.KeepAlive(); err != nil {
				select {
				case errCh <- err:
				default:
				}
				return
			}
		}
	}
}

func (s *Supervisor) backoff(ctx context.Context, attempt int, cause error) bool {
	delay := retry.NextDelay(s.policy, attempt)
	s.setState(model.Backoff, func(t *model.TunnelSnapshot) {
		t.Attempt = attempt
		t.NextDelay = delay
		t.LastErrorMsg = cause.Error()
	})
	s.log.WithError(cause).WithField("delay", delay).Warn("connection lost, backing off before retry")
	select {
	case <-time.After(delay):
		return true
	case <-ctx.Done():
		return false
	}
}

// terminal reports whether err should end the tunnel permanently rather than
// trigger a retry, per §7's propagation policy. apperr.Kind.Retriable()
// already encodes that policy (true only for Transport/Channel); terminal is
// its complement, so Auth, Config, PortInUse, and RemoteForwardRejected all
// go straight to Fatal instead of looping through backoff.
func terminal(err error) bool {
	return !apperr.KindOf(err).Retriable()
}

// Done is closed once Run has returned.
func (s *Supervisor) Done() <-chan struct{} { return s.done }

// Cancel stops this supervisor alone, independently of its siblings, by
// canceling its own child token. Safe to call before Run starts, concurrently
// with Run, or more than once.
func (s *Supervisor) Cancel() { s.cancel() }

// Spec returns the tunnel specification this supervisor runs. spec is set at
// construction and never mutated, so this is safe to call concurrently with
// Run.
func (s *Supervisor) Spec() model.TunnelSpec { return s.spec }

// Snapshot returns a copy of the supervisor's current state. Safe to call
// concurrently with Run.
func (s *Supervisor) Snapshot() model.TunnelSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := s.snap
	snap.ActiveConns = int(atomic.LoadInt32(&s.attr))
	return snap
}

func (s *Supervisor) setState(state model.TunnelState, mutate func(*model.TunnelSnapshot)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap.State = state
	mutate(&s.snap)
	if state == model.Fatal {
		s.log.WithField("reason", s.snap.FatalReason).Error("tunnel entered Fatal state")
	} else {
		s.log.WithField("state", state).Info("tunnel state changed")
	}
}

// now is a seam so tests could stub the clock; production code just calls
// time.Now.
var now = time.Now
