package transport

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
)

func TestEndpointCarriesIdentityParams(t *testing.T) {
	t.Parallel()

	got, err := Endpoint("ws://agent.local:8080", "doc-42", "en", "tok123")
	if err != nil {
		t.Fatalf("Endpoint failed: %v", err)
	}
	if !strings.HasPrefix(got, "ws://agent.local:8080/ws/copilot/doc-42?") {
		t.Errorf("unexpected endpoint path: %s", got)
	}
	if !strings.Contains(got, "language=en") {
		t.Errorf("missing language param: %s", got)
	}
	if !strings.Contains(got, "token=tok123") {
		t.Errorf("missing token param: %s", got)
	}
}

func TestEndpointAnonymousOmitsToken(t *testing.T) {
	t.Parallel()

	got, err := Endpoint("ws://agent.local", "doc-1", "de", "")
	if err != nil {
		t.Fatalf("Endpoint failed: %v", err)
	}
	if strings.Contains(got, "token=") {
		t.Errorf("anonymous session must not carry a token param: %s", got)
	}
}

func TestSendWhileClosedIsDropped(t *testing.T) {
	t.Parallel()

	l := NewLink("ws://127.0.0.1:1", DefaultReconnectDelay, nil, nil)
	if l.State() != StateClosed {
		t.Fatalf("expected closed link, got %v", l.State())
	}
	if l.Send([]byte(`{"type":"chat_message"}`)) {
		t.Error("expected send on closed link to be dropped")
	}
}

// wsProbe accepts WebSocket connections, optionally dropping the next one
// immediately, and records connection counts and received frames.
type wsProbe struct {
	conns    atomic.Int64
	dropNext atomic.Bool

	mu       sync.Mutex
	received []string
}

func (p *wsProbe) handler(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	p.conns.Add(1)
	if p.dropNext.Swap(false) {
		_ = ws.Close(websocket.StatusGoingAway, "restarting")
		return
	}
	for {
		_, data, err := ws.Read(r.Context())
		if err != nil {
			return
		}
		p.mu.Lock()
		p.received = append(p.received, string(data))
		p.mu.Unlock()
	}
}

func TestLinkOpensAndSends(t *testing.T) {
	t.Parallel()

	probe := &wsProbe{}
	srv := httptest.NewServer(http.HandlerFunc(probe.handler))
	defer srv.Close()

	l := NewLink(srv.URL, 50*time.Millisecond, nil, nil)
	l.Open()
	defer l.Close()

	waitFor(t, func() bool { return l.State() == StateOpen })

	if !l.Send([]byte("hello")) {
		t.Fatal("expected send on open link to succeed")
	}
	waitFor(t, func() bool {
		probe.mu.Lock()
		defer probe.mu.Unlock()
		return len(probe.received) == 1 && probe.received[0] == "hello"
	})
}

func TestLinkReconnectsAfterRemoteClose(t *testing.T) {
	t.Parallel()

	probe := &wsProbe{}
	probe.dropNext.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(probe.handler))
	defer srv.Close()

	var closedSeen atomic.Bool
	l := NewLink(srv.URL, 30*time.Millisecond, nil, func(s State) {
		if s == StateClosed {
			closedSeen.Store(true)
		}
	})
	l.Open()
	defer l.Close()

	// First connection is dropped by the server; the link must observe the
	// close and dial again after the fixed delay.
	waitFor(t, func() bool { return probe.conns.Load() >= 2 })
	waitFor(t, func() bool { return l.State() == StateOpen })
	if !closedSeen.Load() {
		t.Error("expected a raw Closed transition during the reconnect cycle")
	}
}

func TestCloseSuppressesReconnect(t *testing.T) {
	t.Parallel()

	probe := &wsProbe{}
	srv := httptest.NewServer(http.HandlerFunc(probe.handler))
	defer srv.Close()

	l := NewLink(srv.URL, 20*time.Millisecond, nil, nil)
	l.Open()
	waitFor(t, func() bool { return l.State() == StateOpen })

	l.Close()
	if l.State() != StateClosed {
		t.Fatalf("expected closed state, got %v", l.State())
	}

	// No new dial should happen after an explicit close.
	count := probe.conns.Load()
	time.Sleep(100 * time.Millisecond)
	if got := probe.conns.Load(); got != count {
		t.Errorf("expected no reconnect after Close, connections went %d -> %d", count, got)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timed out waiting for condition")
}
