package supervisor

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/maoXyzt/ssh-channels-hub/internal/apperr"
	"github.com/maoXyzt/ssh-channels-hub/internal/model"
	"github.com/maoXyzt/ssh-channels-hub/internal/sshsession"
)

func discardLogger() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return logrus.NewEntry(log)
}

func basePolicy() model.ReconnectPolicy {
	return model.ReconnectPolicy{
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     20 * time.Millisecond,
		MaxAttempts:  0,
		Exponential:  true,
	}
}

// fakeSession never actually dials; it reports failure or success per test.
type fakeSession struct {
	keepAliveErr error
	openErr      error
}

func (f *fakeSession) OpenDirectTCPIP(string, int, string, int) (net.Conn, error) {
	if f.openErr != nil {
		return nil, f.openErr
	}
	_, c := net.Pipe()
	return c, nil
}

func (f *fakeSession) RequestRemoteBind(string, int) (*sshsession.RemoteBind, error) {
	return nil, apperr.New(apperr.RemoteForwardRejected, "not supported in fake")
}

func (f *fakeSession) KeepAlive() error { return f.keepAliveErr }
func (f *fakeSession) Close() error     { return nil }

func TestSupervisorFatalOnAuthError(t *testing.T) {
	spec := model.TunnelSpec{Name: "t1", Kind: model.LocalForward, ListenHost: "127.0.0.1", LocalPort: 0, DestHost: "dest", RemotePort: 80}
	host := model.Host{Name: "h1"}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	sup := New(ctx, spec, host, basePolicy(), discardLogger())
	sup.dial = func(ctx context.Context, host model.Host, log *logrus.Entry) (session, error) {
		return nil, apperr.New(apperr.Auth, "bad password")
	}

	sup.Run()

	snap := sup.Snapshot()
	if snap.State != model.Fatal {
		t.Fatalf("expected Fatal state, got %v", snap.State)
	}
}

func TestSupervisorRetriesOnTransportError(t *testing.T) {
	spec := model.TunnelSpec{Name: "t1", Kind: model.LocalForward, ListenHost: "127.0.0.1", LocalPort: 0, DestHost: "dest", RemotePort: 80}
	host := model.Host{Name: "h1"}
	policy := basePolicy()
	policy.MaxAttempts = 3
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	sup := New(ctx, spec, host, policy, discardLogger())

	calls := 0
	sup.dial = func(ctx context.Context, host model.Host, log *logrus.Entry) (session, error) {
		calls++
		return nil, apperr.New(apperr.Transport, "connection refused")
	}

	sup.Run()

	snap := sup.Snapshot()
	if snap.State != model.Fatal {
		t.Fatalf("expected Fatal after exhausting attempts, got %v", snap.State)
	}
	// MaxAttempts 3 allows a retry after each of attempts 1-3; attempt 4
	// fails ShouldRetry and ends in Fatal.
	if calls != 4 {
		t.Fatalf("expected 4 dial attempts, got %d", calls)
	}
}

func TestSupervisorServesUntilCanceled(t *testing.T) {
	spec := model.TunnelSpec{Name: "t1", Kind: model.LocalForward, ListenHost: "127.0.0.1", LocalPort: 0, DestHost: "dest", RemotePort: 80}
	host := model.Host{Name: "h1"}
	ctx, cancel := context.WithCancel(context.Background())
	sup := New(ctx, spec, host, basePolicy(), discardLogger())
	sup.dial = func(ctx context.Context, host model.Host, log *logrus.Entry) (session, error) {
		return &fakeSession{}, nil
	}

	go sup.Run()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if sup.Snapshot().State == model.Serving {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if sup.Snapshot().State != model.Serving {
		t.Fatalf("expected Serving state, got %v", sup.Snapshot().State)
	}

	cancel()
	select {
	case <-sup.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor did not stop after cancel")
	}
	if sup.Snapshot().State != model.Stopped {
		t.Fatalf("expected Stopped state, got %v", sup.Snapshot().State)
	}
}

func TestSupervisorCancelStopsOnlyItself(t *testing.T) {
	parent, cancelParent := context.WithCancel(context.Background())
	defer cancelParent()

	newFakeSup := func(name string) *Supervisor {
		spec := model.TunnelSpec{Name: name, Kind: model.LocalForward, ListenHost: "127.0.0.1", LocalPort: 0, DestHost: "dest", RemotePort: 80}
		sup := New(parent, spec, model.Host{Name: "h1"}, basePolicy(), discardLogger())
		sup.dial = func(ctx context.Context, host model.Host, log *logrus.Entry) (session, error) {
			return &fakeSession{}, nil
		}
		return sup
	}

	a := newFakeSup("a")
	b := newFakeSup("b")
	go a.Run()
	go b.Run()

	waitForState := func(sup *Supervisor, state model.TunnelState) {
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			if sup.Snapshot().State == state {
				return
			}
			time.Sleep(10 * time.Millisecond)
		}
		t.Fatalf("tunnel %s never reached %v, got %v", sup.Spec().Name, state, sup.Snapshot().State)
	}
	waitForState(a, model.Serving)
	waitForState(b, model.Serving)

	a.Cancel()
	select {
	case <-a.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("a did not stop after its own Cancel")
	}
	if a.Snapshot().State != model.Stopped {
		t.Fatalf("expected a Stopped, got %v", a.Snapshot().State)
	}

	select {
	case <-b.Done():
		t.Fatal("b stopped even though only a's token was canceled")
	case <-time.After(100 * time.Millisecond):
	}
	if b.Snapshot().State != model.Serving {
		t.Fatalf("expected b still Serving, got %v", b.Snapshot().State)
	}

	b.Cancel()
	select {
	case <-b.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("b did not stop after its own Cancel")
	}
}

func TestTerminalClassification(t *testing.T) {
	if !terminal(apperr.New(apperr.Auth, "x")) {
		t.Error("Auth should be terminal")
	}
	if !terminal(apperr.New(apperr.Config, "x")) {
		t.Error("Config should be terminal")
	}
	if !terminal(apperr.New(apperr.PortInUse, "x")) {
		t.Error("PortInUse should be terminal")
	}
	if !terminal(apperr.New(apperr.RemoteForwardRejected, "x")) {
		t.Error("RemoteForwardRejected should be terminal")
	}
	if terminal(apperr.New(apperr.Transport, "x")) {
		t.Error("Transport should not be terminal")
	}
	if terminal(apperr.New(apperr.Channel, "x")) {
		t.Error("Channel should not be terminal")
	}
	if !terminal(errors.New("plain error")) {
		t.Error("an unclassified error defaults to apperr.Config via KindOf, so it should be terminal")
	}
}
