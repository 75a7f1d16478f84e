package sshsession

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/crypto/ssh"
)

// fixtureServer is a throwaway in-memory SSH server, bound to a loopback
// port, used to give Connect/OpenDirectTCPIP/RequestRemoteBind/NextForwarded
// real golang.org/x/crypto/ssh protocol coverage instead of only exercising
// their surrounding classification helpers. Host and client keys are
// generated fresh per test with crypto/ed25519; nothing is persisted.
type fixtureServer struct {
	ln   net.Listener
	addr string
}

// tcpipForwardRequest mirrors RFC 4254 §7.1's "tcpip-forward" global request
// payload: address to bind, port to bind.
type tcpipForwardRequest struct {
	BindAddr string
	BindPort uint32
}

// forwardedTCPPayload mirrors RFC 4254 §7.2's "forwarded-tcpip" channel-open
// payload: the bound address/port, plus the originator's address/port.
type forwardedTCPPayload struct {
	Addr       string
	Port       uint32
	OriginAddr string
	OriginPort uint32
}

// newFixtureServer starts a loopback SSH server accepting only clientSigner's
// public key. onDirect handles each accepted direct-tcpip channel; nil closes
// it immediately. The server also answers tcpip-forward requests, binding a
// real loopback listener and relaying accepted connections back over
// forwarded-tcpip channels, so RequestRemoteBind/NextForwarded exercise the
// full round trip.
func newFixtureServer(t *testing.T, clientSigner ssh.Signer, onDirect func(ssh.Channel)) *fixtureServer {
	t.Helper()

	_, hostPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate host key: %v", err)
	}
	hostSigner, err := ssh.NewSignerFromKey(hostPriv)
	if err != nil {
		t.Fatalf("host signer: %v", err)
	}

	cfg := &ssh.ServerConfig{
		PublicKeyCallback: func(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if bytes.Equal(key.Marshal(), clientSigner.PublicKey().Marshal()) {
				return nil, nil
			}
			return nil, fmt.Errorf("unknown public key for %q", conn.User())
		},
	}
	cfg.AddHostKey(hostSigner)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	srv := &fixtureServer{ln: ln, addr: ln.Addr().String()}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go srv.handleConn(conn, cfg, onDirect)
		}
	}()

	return srv
}

func (s *fixtureServer) handleConn(conn net.Conn, cfg *ssh.ServerConfig, onDirect func(ssh.Channel)) {
	sconn, chans, reqs, err := ssh.NewServerConn(conn, cfg)
	if err != nil {
		conn.Close()
		return
	}
	defer sconn.Close()

	go s.handleGlobalRequests(sconn, reqs)

	for newCh := range chans {
		if newCh.ChannelType() != "direct-tcpip" {
			newCh.Reject(ssh.UnknownChannelType, "unsupported channel type")
			continue
		}
		ch, requests, err := newCh.Accept()
		if err != nil {
			continue
		}
		go ssh.DiscardRequests(requests)
		if onDirect != nil {
			onDirect(ch)
		} else {
			ch.Close()
		}
	}
}

func (s *fixtureServer) handleGlobalRequests(sconn *ssh.ServerConn, reqs <-chan *ssh.Request) {
	for req := range reqs {
		if req.Type != "tcpip-forward" {
			if req.WantReply {
				req.Reply(false, nil)
			}
			continue
		}
		var payload tcpipForwardRequest
		if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
			req.Reply(false, nil)
			continue
		}
		fwdLn, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			req.Reply(false, nil)
			continue
		}
		boundPort := fwdLn.Addr().(*net.TCPAddr).Port
		req.Reply(true, ssh.Marshal(&struct{ Port uint32 }{Port: uint32(boundPort)}))
		go s.acceptForwarded(sconn, fwdLn)
	}
}

func (s *fixtureServer) acceptForwarded(sconn *ssh.ServerConn, fwdLn net.Listener) {
	defer fwdLn.Close()
	boundPort := uint32(fwdLn.Addr().(*net.TCPAddr).Port)
	for {
		conn, err := fwdLn.Accept()
		if err != nil {
			return
		}
		go func() {
			payload := forwardedTCPPayload{Addr: "127.0.0.1", Port: boundPort, OriginAddr: "127.0.0.1", OriginPort: 1}
			ch, chReqs, err := sconn.OpenChannel("forwarded-tcpip", ssh.Marshal(&payload))
			if err != nil {
				conn.Close()
				return
			}
			go ssh.DiscardRequests(chReqs)
			go func() { io.Copy(ch, conn); ch.CloseWrite() }()
			go func() { io.Copy(conn, ch); conn.Close() }()
		}()
	}
}

// generateClientSigner mints a throwaway ed25519 keypair and writes the
// private half to an OpenSSH-formatted PEM file under t.TempDir, the same
// shape authMethodFor reads for model.AuthKey hosts.
func generateClientSigner(t *testing.T) (ssh.Signer, string) {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate client key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("client signer: %v", err)
	}

	block, err := ssh.MarshalPrivateKey(priv, "fixture")
	if err != nil {
		t.Fatalf("marshal private key: %v", err)
	}
	path := filepath.Join(t.TempDir(), "id_ed25519")
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		t.Fatalf("write key file: %v", err)
	}
	return signer, path
}
