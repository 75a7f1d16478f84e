// Package forwarder implements the per-connection data plane (spec §4.3): one
// accept loop per tunnel, and one bidirectional copy per accepted connection.
// Neither a local-forward accept loop nor a connection copy retains any state
// beyond the connection it serves, matching §9's "arena-free per-connection
// tasks" design note.
package forwarder

import (
	"context"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/maoXyzt/ssh-channels-hub/internal/apperr"
)

// CloseWriter is satisfied by net.TCPConn and the SSH channel type returned by
// golang.org/x/crypto/ssh, both of which support half-close.
type CloseWriter interface {
	CloseWrite() error
}

// GraceWindow bounds how long a connection's still-open half is given to drain
// after its peer half has finished, before the whole connection is torn down
// (spec §4.3, half-close propagation with a bounded grace window).
const GraceWindow = 5 * time.Second

// Dialer opens the far side of a local-forward connection. *sshsession.Session
// satisfies it via OpenDirectTCPIP bound to one (remoteHost, remotePort).
type Dialer func() (net.Conn, error)

// RemoteListener is the subset of *sshsession.Session's remote-forward surface
// the forwarder depends on, so it can be faked in tests without a live SSH
// session.
type RemoteListener interface {
	NextForwarded(ctx context.Context) (net.Conn, error)
}

// LocalForward accepts connections on ln and, for each, dials the SSH peer via
// dial and runs a bidirectional copy. It returns when ctx is canceled or ln is
// closed out from under it; active connections are given ctx's cancellation to
// unwind via their own copy loops.
func LocalForward(ctx context.Context, log *logrus.Entry, ln net.Listener, dial Dialer, activeConns *int32) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			return apperr.Wrap(apperr.Channel, err, "local listener accept failed")
		}

		wg.Add(1)
		atomic.AddInt32(activeConns, 1)
		go func() {
			defer wg.Done()
			defer atomic.AddInt32(activeConns, -1)
			serveConn(ctx, log, conn, dial)
		}()
	}
}

// RemoteForward pulls peer-initiated connections from rl and, for each, dials
// the local destination via dial and runs a bidirectional copy.
func RemoteForward(ctx context.Context, log *logrus.Entry, rl RemoteListener, dial Dialer, activeConns *int32) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		remote, err := rl.NextForwarded(ctx)
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			return apperr.Wrap(apperr.Channel, err, "remote forward accept failed")
		}

		wg.Add(1)
		atomic.AddInt32(activeConns, 1)
		go func() {
			defer wg.Done()
			defer atomic.AddInt32(activeConns, -1)
			serveConn(ctx, log, remote, dial)
		}()
	}
}

// serveConn dials the far side and copies bytes in both directions until
// either side is done, propagating half-close and applying GraceWindow before
// forcing the whole connection shut. Cancellation is treated the same as a
// natural half-close: whichever happens first, the other direction still gets
// up to GraceWindow to drain in-flight bytes before near/far are torn down by
// the deferred Close calls.
func serveConn(ctx context.Context, log *logrus.Entry, near net.Conn, dial Dialer) {
	defer near.Close()

	far, err := dial()
	if err != nil {
		log.WithError(err).WithField("kind", apperr.KindOf(err)).Warn("connection dial failed")
		return
	}
	defer far.Close()

	done := make(chan struct{}, 2)
	go func() { copyHalf(log, near, far); done <- struct{}{} }()
	go func() { copyHalf(log, far, near); done <- struct{}{} }()

	select {
	case <-done:
	case <-ctx.Done():
	}

	select {
	case <-done:
	case <-time.After(GraceWindow):
	}
}

// copyHalf copies src into dst until EOF or error, then half-closes dst's
// write side if it supports it, letting the peer observe EOF without forcing
// the whole connection closed immediately. A copy error is logged at Warn and
// goes no further.
func copyHalf(log *logrus.Entry, dst, src net.Conn) {
	if _, err := io.Copy(dst, src); err != nil {
		log.WithError(err).WithField("kind", apperr.PerConnection).Warn("connection copy failed")
	}
	if cw, ok := dst.(CloseWriter); ok {
		_ = cw.CloseWrite()
	} else {
		_ = dst.Close()
	}
}
