// Package sshsession owns one authenticated SSH transport to one Host (spec §4.2).
// It wraps golang.org/x/crypto/ssh the way the teacher's internal/ssh package wrapped
// it: ssh.Dial plus an explicit ssh.ClientConfig, an accept-any HostKeyCallback
// (§9 Open Question, preserved intentionally), and password/key ssh.AuthMethod
// selection driven by the Host's Auth field.
package sshsession

import (
	"context"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"

	"github.com/maoXyzt/ssh-channels-hub/internal/apperr"
	"github.com/maoXyzt/ssh-channels-hub/internal/model"
)

// DefaultConnectTimeout is set as ssh.ClientConfig.Timeout, which bounds the TCP
// connect of an SSH dial (spec §5's recommended 15s). The handshake and
// authentication that follow are bounded only by the ctx passed to Connect.
const DefaultConnectTimeout = 15 * time.Second

// Session is a live, authenticated SSH transport to one Host. All channel
// operations are non-blocking with respect to each other: golang.org/x/crypto/ssh's
// *ssh.Client already multiplexes channel requests over one connection
// internally, so Session simply forwards to it without taking its own lock
// around I/O.
type Session struct {
	client *ssh.Client
	log    *logrus.Entry

	closeCh chan struct{}
	closed  bool
}

// Connect resolves the host address, performs the SSH handshake, and
// authenticates using the Host's configured Auth. It fails with an
// apperr.Transport or apperr.Auth kind, matching §4.2 and §7.
func Connect(ctx context.Context, host model.Host, log *logrus.Entry) (*Session, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	log = log.WithField("host", host.Name)

	authMethod, err := authMethodFor(host)
	if err != nil {
		return nil, apperr.Wrap(apperr.Auth, err, "build auth method for host %q", host.Name)
	}

	cfg := &ssh.ClientConfig{
		User: host.Username,
		Auth: []ssh.AuthMethod{authMethod},
		// Accept-any host key verification: an intentional, documented security
		// caveat (spec §9 Open Question), not an oversight.
		HostKeyCallback: func(hostname string, remote net.Addr, key ssh.PublicKey) error {
			log.WithField("fingerprint", ssh.FingerprintSHA256(key)).
				Warn("accepting SSH host key without verification")
			return nil
		},
		Timeout: DefaultConnectTimeout,
	}

	addr := fmt.Sprintf("%s:%d", host.Address, host.Port)

	type result struct {
		client *ssh.Client
		err    error
	}
	resultCh := make(chan result, 1)
	go func() {
		client, err := ssh.Dial("tcp", addr, cfg)
		resultCh <- result{client, err}
	}()

	select {
	case r := <-resultCh:
		if r.err != nil {
			return nil, classifyDialErr(r.err, host.Name)
		}
		log.Info("SSH session established")
		return &Session{client: r.client, log: log, closeCh: make(chan struct{})}, nil
	case <-ctx.Done():
		return nil, apperr.Wrap(apperr.Transport, ctx.Err(), "connect to host %q timed out", host.Name)
	}
}

func classifyDialErr(err error, hostName string) error {
	// golang.org/x/crypto/ssh reports auth rejection as a handshake failure
	// mentioning "unable to authenticate"; anything else during Dial is a
	// transport-level failure (TCP connect or protocol handshake).
	if isAuthError(err) {
		return apperr.Wrap(apperr.Auth, err, "authentication rejected by host %q", hostName)
	}
	return apperr.Wrap(apperr.Transport, err, "failed to connect to host %q", hostName)
}

func isAuthError(err error) bool {
	if err == nil {
		return false
	}
	// ssh.Dial wraps the handshake error from (*ssh.connection).clientAuthenticate,
	// whose message always contains this substring across library versions.
	return strings.Contains(strings.ToLower(err.Error()), "unable to authenticate")
}

func authMethodFor(host model.Host) (ssh.AuthMethod, error) {
	switch host.Auth.Kind {
	case model.AuthPassword:
		return ssh.Password(host.Auth.Password), nil
	case model.AuthKey:
		keyData, err := os.ReadFile(host.Auth.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("read key file %q: %w", host.Auth.KeyPath, err)
		}
		var signer ssh.Signer
		if host.Auth.Passphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(keyData, []byte(host.Auth.Passphrase))
		} else {
			signer, err = ssh.ParsePrivateKey(keyData)
		}
		if err != nil {
			return nil, fmt.Errorf("parse key file %q: %w", host.Auth.KeyPath, err)
		}
		return ssh.PublicKeys(signer), nil
	default:
		return nil, fmt.Errorf("unknown auth kind %v", host.Auth.Kind)
	}
}

// OpenDirectTCPIP opens an outbound channel that the server proxies to
// (remoteHost, remotePort). originHost/originPort are informational only
// (golang.org/x/crypto/ssh's public Dial always reports 0.0.0.0:0 as the
// originator address); they are logged for diagnostics.
func (s *Session) OpenDirectTCPIP(remoteHost string, remotePort int, originHost string, originPort int) (net.Conn, error) {
	if s.isClosed() {
		return nil, apperr.New(apperr.Channel, "session already closed")
	}
	addr := fmt.Sprintf("%s:%d", remoteHost, remotePort)
	conn, err := s.client.Dial("tcp", addr)
	if err != nil {
		return nil, apperr.Wrap(apperr.Channel, err, "open direct-tcpip channel to %s (origin %s:%d)", addr, originHost, originPort)
	}
	return conn, nil
}

// RequestRemoteBind asks the peer to listen on (bindHost, bindPort) and
// returns a RemoteListener whose NextForwarded delivers peer-initiated
// connections to internal/forwarder. Fails with apperr.RemoteForwardRejected
// if the peer refuses the bind.
func (s *Session) RequestRemoteBind(bindHost string, bindPort int) (*RemoteBind, error) {
	if s.isClosed() {
		return nil, apperr.New(apperr.RemoteForwardRejected, "session already closed")
	}
	addr := fmt.Sprintf("%s:%d", bindHost, bindPort)
	ln, err := s.client.Listen("tcp", addr)
	if err != nil {
		return nil, apperr.Wrap(apperr.RemoteForwardRejected, err, "remote bind %s rejected by peer", addr)
	}
	return &RemoteBind{ln: ln}, nil
}

// RemoteBind wraps the net.Listener returned by a successful remote bind
// request, offering a context-aware Accept so internal/forwarder's remote
// forward loop can be canceled promptly rather than blocking forever in
// Accept().
type RemoteBind struct {
	ln net.Listener
}

// NextForwarded blocks until a peer-initiated connection arrives, ctx is
// canceled, or the listener is closed.
func (r *RemoteBind) NextForwarded(ctx context.Context) (net.Conn, error) {
	type result struct {
		conn net.Conn
		err  error
	}
	resultCh := make(chan result, 1)
	go func() {
		conn, err := r.ln.Accept()
		resultCh <- result{conn, err}
	}()

	select {
	case r := <-resultCh:
		if r.err != nil {
			return nil, apperr.Wrap(apperr.Channel, r.err, "remote forward accept failed")
		}
		return r.conn, nil
	case <-ctx.Done():
		r.ln.Close()
		return nil, ctx.Err()
	}
}

// Close stops accepting new peer-initiated connections.
func (r *RemoteBind) Close() error {
	return r.ln.Close()
}

// KeepAlive sends an OpenSSH keepalive global request and reports whether the
// transport is still responsive. A failure here means the session has dropped
// and the supervisor should tear it down and retry.
func (s *Session) KeepAlive() error {
	if s.isClosed() {
		return apperr.New(apperr.Transport, "session already closed")
	}
	_, _, err := s.client.SendRequest("keepalive@openssh.com", true, nil)
	if err != nil {
		return apperr.Wrap(apperr.Transport, err, "keepalive failed")
	}
	return nil
}

func (s *Session) isClosed() bool {
	select {
	case <-s.closeCh:
		return true
	default:
		return false
	}
}

// Close initiates orderly shutdown. Idempotent.
func (s *Session) Close() error {
	if s.isClosed() {
		return nil
	}
	close(s.closeCh)
	s.closed = true
	return s.client.Close()
}
