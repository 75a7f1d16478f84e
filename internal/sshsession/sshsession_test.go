package sshsession

import (
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/maoXyzt/ssh-channels-hub/internal/apperr"
	"github.com/maoXyzt/ssh-channels-hub/internal/model"
)

func TestAuthMethodForPassword(t *testing.T) {
	host := model.Host{
		Name: "box",
		Auth: model.Auth{Kind: model.AuthPassword, Password: "hunter2"},
	}
	method, err := authMethodFor(host)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if method == nil {
		t.Fatal("expected non-nil auth method")
	}
}

func TestAuthMethodForKeyMissingFile(t *testing.T) {
	host := model.Host{
		Name: "box",
		Auth: model.Auth{Kind: model.AuthKey, KeyPath: "/nonexistent/path/to/key"},
	}
	if _, err := authMethodFor(host); err == nil {
		t.Fatal("expected error reading missing key file")
	}
}

func TestAuthMethodForUnknownKind(t *testing.T) {
	host := model.Host{Name: "box", Auth: model.Auth{Kind: model.AuthKind(99)}}
	if _, err := authMethodFor(host); err == nil {
		t.Fatal("expected error for unknown auth kind")
	}
}

func TestClassifyDialErrAuth(t *testing.T) {
	err := classifyDialErr(errors.New("ssh: handshake failed: unable to authenticate"), "box")
	if !apperr.Is(err, apperr.Auth) {
		t.Fatalf("expected Auth kind, got %v", err)
	}
}

func TestClassifyDialErrTransport(t *testing.T) {
	err := classifyDialErr(errors.New("dial tcp: connection refused"), "box")
	if !apperr.Is(err, apperr.Transport) {
		t.Fatalf("expected Transport kind, got %v", err)
	}
}

func TestIsAuthErrorCaseInsensitive(t *testing.T) {
	if !isAuthError(errors.New("ssh: handshake failed: Unable To Authenticate")) {
		t.Error("expected case-insensitive match")
	}
	if isAuthError(errors.New("connection refused")) {
		t.Error("expected no match for unrelated error")
	}
	if isAuthError(nil) {
		t.Error("expected no match for nil error")
	}
}

func TestSessionCloseIdempotent(t *testing.T) {
	s := &Session{closeCh: make(chan struct{})}
	close(s.closeCh)
	s.closed = true
	if err := s.Close(); err != nil {
		t.Fatalf("Close on already-closed session: %v", err)
	}
}

// fixtureHost builds a model.Host pointed at a fixtureServer's loopback
// address, authenticating with the ed25519 key written at keyPath.
func fixtureHost(t *testing.T, addr, keyPath string) model.Host {
	t.Helper()
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("split host port: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parse port: %v", err)
	}
	return model.Host{
		Name:     "fixture",
		Address:  "127.0.0.1",
		Port:     port,
		Username: "tester",
		Auth:     model.Auth{Kind: model.AuthKey, KeyPath: keyPath},
	}
}

func TestConnectAndOpenDirectTCPIPEchoesData(t *testing.T) {
	clientSigner, keyPath := generateClientSigner(t)
	srv := newFixtureServer(t, clientSigner, func(ch ssh.Channel) {
		defer ch.Close()
		buf := make([]byte, 1024)
		n, _ := ch.Read(buf)
		ch.Write(buf[:n])
	})

	sess, err := Connect(context.Background(), fixtureHost(t, srv.addr, keyPath), nil)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	conn, err := sess.OpenDirectTCPIP("127.0.0.1", 8080, "127.0.0.1", 0)
	if err != nil {
		t.Fatalf("OpenDirectTCPIP: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("ping")); err != nil {
		t.Fatalf("write: %v", err)
	}
	buf := make([]byte, 4)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if string(buf) != "ping" {
		t.Fatalf("got %q, want %q", buf, "ping")
	}
}

func TestConnectFailsAuthWithWrongKey(t *testing.T) {
	acceptedSigner, _ := generateClientSigner(t)
	_, wrongKeyPath := generateClientSigner(t)
	srv := newFixtureServer(t, acceptedSigner, nil)

	_, err := Connect(context.Background(), fixtureHost(t, srv.addr, wrongKeyPath), nil)
	if err == nil {
		t.Fatal("expected auth failure with mismatched key")
	}
	if !apperr.Is(err, apperr.Auth) {
		t.Fatalf("expected Auth kind, got %v", err)
	}
}

func TestRequestRemoteBindDeliversForwardedConnections(t *testing.T) {
	clientSigner, keyPath := generateClientSigner(t)
	srv := newFixtureServer(t, clientSigner, nil)

	sess, err := Connect(context.Background(), fixtureHost(t, srv.addr, keyPath), nil)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	bind, err := sess.RequestRemoteBind("127.0.0.1", 0)
	if err != nil {
		t.Fatalf("RequestRemoteBind: %v", err)
	}
	defer bind.Close()

	remoteAddr := bind.ln.Addr().String()

	forwardedCh := make(chan net.Conn, 1)
	errCh := make(chan error, 1)
	go func() {
		conn, err := bind.NextForwarded(context.Background())
		if err != nil {
			errCh <- err
			return
		}
		forwardedCh <- conn
	}()

	conn, err := net.DialTimeout("tcp", remoteAddr, 2*time.Second)
	if err != nil {
		t.Fatalf("dial remote bound port: %v", err)
	}
	defer conn.Close()
	if _, err := conn.Write([]byte("hi")); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case forwarded := <-forwardedCh:
		defer forwarded.Close()
		buf := make([]byte, 2)
		forwarded.SetReadDeadline(time.Now().Add(2 * time.Second))
		if _, err := io.ReadFull(forwarded, buf); err != nil {
			t.Fatalf("read forwarded data: %v", err)
		}
		if string(buf) != "hi" {
			t.Fatalf("got %q, want %q", buf, "hi")
		}
	case err := <-errCh:
		t.Fatalf("NextForwarded: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for forwarded connection")
	}
}
