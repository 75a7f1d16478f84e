// Package ipc implements the control-plane listener and client of spec §4.6: a
// line-oriented protocol over a loopback TCP socket bound to an OS-chosen
// ephemeral port, so the CLI can query status or request shutdown from a
// running daemon without a shared directory of named pipes. The status body
// is TOML, encoded with pelletier/go-toml/v2 (the same library the config
// loader uses), not the original_source's hand-formatted string.
package ipc

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/sirupsen/logrus"

	"github.com/maoXyzt/ssh-channels-hub/internal/apperr"
	"github.com/maoXyzt/ssh-channels-hub/internal/model"
)

const readTimeout = 5 * time.Second

// ChannelWire is the TOML-serializable view of one TunnelSnapshot.
type ChannelWire struct {
	Name             string `toml:"name"`
	State            string `toml:"state"`
	Attempt          int    `toml:"attempt,omitempty"`
	NextDelaySeconds int    `toml:"next_delay_seconds,omitempty"`
	ActiveConns      int    `toml:"active_conns"`
	FatalReason      string `toml:"fatal_reason,omitempty"`
	LastError        string `toml:"last_error,omitempty"`
}

// StatusWire is the TOML-serializable view of a ServiceStatus.
type StatusWire struct {
	State          string        `toml:"state"`
	Summary        string        `toml:"summary"`
	ActiveChannels int           `toml:"active_channels"`
	TotalChannels  int           `toml:"total_channels"`
	Channels       []ChannelWire `toml:"channels"`
}

func toWire(s model.ServiceStatus) StatusWire {
	channels := make([]ChannelWire, 0, len(s.Channels))
	for _, c := range s.Channels {
		channels = append(channels, ChannelWire{
			Name:             c.Name,
			State:            c.State.String(),
			Attempt:          c.Attempt,
			NextDelaySeconds: int(c.NextDelay.Seconds()),
			ActiveConns:      c.ActiveConns,
			FatalReason:      c.FatalReason,
			LastError:        c.LastErrorMsg,
		})
	}
	return StatusWire{
		State:          s.State.String(),
		Summary:        s.Summary,
		ActiveChannels: s.ActiveChannels,
		TotalChannels:  s.TotalChannels,
		Channels:       channels,
	}
}

// runTests formats testFn's per-tunnel results into the single-line "ok"/
// "error: <msg>" reply §4.6 mandates for the test command: entries of
// "name|pass", "name|skip", or "name|fail|<reason>", semicolon-separated.
func runTests(results []model.TunnelTestResult) (verdict, summary string) {
	entries := make([]string, 0, len(results))
	verdict = "ok"
	for _, r := range results {
		switch {
		case r.Skipped:
			entries = append(entries, r.Name+"|skip")
		case r.Passed:
			entries = append(entries, r.Name+"|pass")
		default:
			verdict = "error:"
			entries = append(entries, r.Name+"|fail|"+strings.ReplaceAll(r.Detail, "\n", " "))
		}
	}
	return verdict, strings.Join(entries, "; ")
}

// TestResult is one tunnel's outcome as reported by a `test` IPC round trip.
type TestResult struct {
	Name    string
	Passed  bool
	Skipped bool
	Detail  string
}

func parseTestEntry(entry string) TestResult {
	fields := strings.SplitN(entry, "|", 3)
	if len(fields) < 2 {
		return TestResult{Name: entry}
	}
	res := TestResult{Name: fields[0]}
	switch fields[1] {
	case "pass":
		res.Passed = true
	case "skip":
		res.Skipped = true
	case "fail":
		if len(fields) == 3 {
			res.Detail = fields[2]
		}
	}
	return res
}

// Server is the daemon side of the control plane.
type Server struct {
	ln       net.Listener
	log      *logrus.Entry
	statusFn func() model.ServiceStatus
	testFn   func() []model.TunnelTestResult
	stopFn   func()
}

// Listen binds a loopback TCP listener on an OS-chosen port.
func Listen(log *logrus.Entry, statusFn func() model.ServiceStatus, testFn func() []model.TunnelTestResult, stopFn func()) (*Server, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, apperr.Wrap(apperr.Transport, err, "bind IPC listener")
	}
	return &Server{ln: ln, log: log, statusFn: statusFn, testFn: testFn, stopFn: stopFn}, nil
}

// Port returns the bound listener's port, for the sidecar .port file.
func (s *Server) Port() int {
	return s.ln.Addr().(*net.TCPAddr).Port
}

// Serve accepts connections until ctx is canceled or the listener is closed.
func (s *Server) Serve(ctx context.Context) {
	go func() {
		<-ctx.Done()
		s.ln.Close()
	}()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			s.log.WithError(err).Warn("IPC accept failed")
			return
		}
		go s.handle(conn)
	}
}

func (s *Server) handle(conn net.Conn) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(readTimeout))

	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return
	}
	cmd := strings.TrimSpace(line)

	switch cmd {
	case "stop":
		s.stopFn()
		fmt.Fprint(conn, "ok\n")
	case "status":
		body, err := toml.Marshal(toWire(s.statusFn()))
		if err != nil {
			fmt.Fprintf(conn, "error: %v\n", err)
			return
		}
		conn.Write(body)
	case "test":
		verdict, summary := runTests(s.testFn())
		fmt.Fprintf(conn, "%s %s\n", verdict, summary)
	default:
		fmt.Fprintf(conn, "error: unknown command %q\n", cmd)
	}
}

// Close stops accepting new connections.
func (s *Server) Close() error {
	return s.ln.Close()
}

// QueryStatus dials addr, requests "status", and decodes the TOML response.
func QueryStatus(addr string) (StatusWire, error) {
	var out StatusWire
	conn, err := net.DialTimeout("tcp", addr, readTimeout)
	if err != nil {
		return out, apperr.Wrap(apperr.IPCUnreachable, err, "dial IPC listener at %s", addr)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(readTimeout))

	if _, err := fmt.Fprint(conn, "status\n"); err != nil {
		return out, apperr.Wrap(apperr.Io, err, "write IPC request")
	}

	var body strings.Builder
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		body.Write(buf[:n])
		if err != nil {
			break
		}
	}
	if err := toml.Unmarshal([]byte(body.String()), &out); err != nil {
		return out, apperr.Wrap(apperr.Io, err, "decode IPC status response")
	}
	return out, nil
}

// SendStop dials addr and requests shutdown, returning once the daemon
// acknowledges.
func SendStop(addr string) error {
	conn, err := net.DialTimeout("tcp", addr, readTimeout)
	if err != nil {
		return apperr.Wrap(apperr.IPCUnreachable, err, "dial IPC listener at %s", addr)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(readTimeout))

	if _, err := fmt.Fprint(conn, "stop\n"); err != nil {
		return apperr.Wrap(apperr.Io, err, "write IPC request")
	}
	reply, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return apperr.Wrap(apperr.Io, err, "read IPC stop reply")
	}
	if strings.TrimSpace(reply) != "ok" {
		return apperr.New(apperr.Io, "unexpected IPC stop reply: %q", reply)
	}
	return nil
}

// TestTunnels dials addr, requests "test", and parses the per-tunnel
// pass/fail/skip summary out of the single-line reply.
func TestTunnels(addr string) ([]TestResult, error) {
	conn, err := net.DialTimeout("tcp", addr, readTimeout)
	if err != nil {
		return nil, apperr.Wrap(apperr.IPCUnreachable, err, "dial IPC listener at %s", addr)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(readTimeout))

	if _, err := fmt.Fprint(conn, "test\n"); err != nil {
		return nil, apperr.Wrap(apperr.Io, err, "write IPC request")
	}
	reply, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return nil, apperr.Wrap(apperr.Io, err, "read IPC test reply")
	}
	reply = strings.TrimSpace(reply)

	verdict, summary, _ := strings.Cut(reply, " ")
	if verdict != "ok" && verdict != "error:" {
		return nil, apperr.New(apperr.Io, "unexpected IPC test reply: %q", reply)
	}
	if summary == "" {
		return nil, nil
	}

	entries := strings.Split(summary, "; ")
	results := make([]TestResult, 0, len(entries))
	for _, entry := range entries {
		results = append(results, parseTestEntry(entry))
	}
	return results, nil
}
