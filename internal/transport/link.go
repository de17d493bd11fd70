// Package transport owns the WebSocket connection to the backend agent: its
// lifecycle, reconnect scheduling, and nothing else. It has no knowledge of
// the message protocol.
package transport

import (
	"context"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
)

const (
	// DefaultReconnectDelay is the fixed delay before a reconnect attempt.
	// Unconditional, no backoff growth and no retry cap: availability over
	// thundering-herd protection, which is acceptable for a single-user
	// editing session.
	DefaultReconnectDelay = 3 * time.Second

	dialTimeout  = 8 * time.Second
	writeTimeout = 5 * time.Second
)

// State is the raw connection state. Owned exclusively by the Link;
// read-only elsewhere.
type State int

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	default:
		return "closed"
	}
}

// Endpoint builds the identity-bearing URL for a copilot session: the
// document id goes on the path, language and the optional session token as
// query parameters. Anonymous sessions (empty token) are valid.
func Endpoint(base, documentID, language, token string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws/copilot/" + url.PathEscape(documentID)
	q := u.Query()
	q.Set("language", language)
	if token != "" {
		q.Set("token", token)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Link owns exactly one WebSocket connection at a time and decides when to
// (re)create it. Callbacks are invoked without holding the Link's lock, so
// they may call back into the Link.
type Link struct {
	endpoint       string
	reconnectDelay time.Duration
	onMessage      func([]byte)
	onStateChange  func(State)

	mu             sync.Mutex
	state          State
	conn           *websocket.Conn
	gen            uint64 // connection generation, to ignore stale read loops
	reconnectTimer *time.Timer
	detached       bool
}

// NewLink creates a link to endpoint. onMessage receives every inbound frame;
// onStateChange observes raw state transitions. Either callback may be nil.
func NewLink(endpoint string, reconnectDelay time.Duration, onMessage func([]byte), onStateChange func(State)) *Link {
	if reconnectDelay <= 0 {
		reconnectDelay = DefaultReconnectDelay
	}
	return &Link{
		endpoint:       endpoint,
		reconnectDelay: reconnectDelay,
		onMessage:      onMessage,
		onStateChange:  onStateChange,
		state:          StateClosed,
	}
}

// Open starts connecting asynchronously. Dial failures are not surfaced to
// the caller; they fall into the reconnect cycle.
func (l *Link) Open() {
	go l.dial()
}

// State returns the current raw connection state.
func (l *Link) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Send transmits one frame if the link is Open. If not, the frame is dropped:
// no queueing, no buffering, no error to the caller. Returns whether the
// frame was handed to the connection.
func (l *Link) Send(data []byte) bool {
	l.mu.Lock()
	conn := l.conn
	open := l.state == StateOpen
	l.mu.Unlock()

	if !open || conn == nil {
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		slog.Warn("Copilot link write failed", "error", err)
		return false
	}
	return true
}

// Close tears the link down: cancels any pending reconnect, closes the
// connection, and suppresses all further auto-reconnect.
func (l *Link) Close() {
	l.mu.Lock()
	if l.detached {
		l.mu.Unlock()
		return
	}
	l.detached = true
	if l.reconnectTimer != nil {
		l.reconnectTimer.Stop()
		l.reconnectTimer = nil
	}
	conn := l.conn
	l.conn = nil
	l.state = StateClosing
	l.mu.Unlock()

	l.notify(StateClosing)
	if conn != nil {
		if err := conn.Close(websocket.StatusNormalClosure, "session detached"); err != nil {
			slog.Debug("Failed to close copilot link", "error", err)
		}
	}

	l.mu.Lock()
	l.state = StateClosed
	l.mu.Unlock()
	l.notify(StateClosed)
}

func (l *Link) dial() {
	l.mu.Lock()
	if l.detached || l.state == StateConnecting || l.state == StateOpen {
		l.mu.Unlock()
		return
	}
	l.state = StateConnecting
	l.gen++
	gen := l.gen
	l.mu.Unlock()
	l.notify(StateConnecting)

	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	conn, _, err := websocket.Dial(ctx, l.endpoint, nil)
	cancel()

	l.mu.Lock()
	if l.detached {
		l.mu.Unlock()
		if err == nil {
			_ = conn.Close(websocket.StatusNormalClosure, "session detached")
		}
		return
	}
	if err != nil {
		l.state = StateClosed
		l.scheduleReconnectLocked()
		l.mu.Unlock()
		slog.Warn("Copilot link dial failed", "endpoint", l.endpoint, "error", err)
		l.notify(StateClosed)
		return
	}
	l.conn = conn
	l.state = StateOpen
	l.mu.Unlock()

	slog.Info("Copilot link open", "endpoint", l.endpoint)
	l.notify(StateOpen)
	go l.readLoop(conn, gen)
}

func (l *Link) readLoop(conn *websocket.Conn, gen uint64) {
	for {
		_, data, err := conn.Read(context.Background())
		if err != nil {
			l.handleDisconnect(conn, gen, err)
			return
		}
		if l.onMessage != nil {
			l.onMessage(data)
		}
	}
}

func (l *Link) handleDisconnect(conn *websocket.Conn, gen uint64, err error) {
	l.mu.Lock()
	if l.detached || l.gen != gen || l.conn != conn {
		// Stale loop from a connection that was already replaced or torn down.
		l.mu.Unlock()
		return
	}
	l.conn = nil
	l.state = StateClosed
	l.scheduleReconnectLocked()
	l.mu.Unlock()

	if websocket.CloseStatus(err) != -1 {
		slog.Debug("Copilot link closed by peer", "status", websocket.CloseStatus(err))
	} else {
		slog.Warn("Copilot link read error", "error", err)
	}
	l.notify(StateClosed)
}

// scheduleReconnectLocked arms the reconnect timer. At most one outstanding
// timer per link; callers hold l.mu.
func (l *Link) scheduleReconnectLocked() {
	if l.detached || l.reconnectTimer != nil {
		return
	}
	l.reconnectTimer = time.AfterFunc(l.reconnectDelay, func() {
		l.mu.Lock()
		l.reconnectTimer = nil
		l.mu.Unlock()
		l.dial()
	})
}

func (l *Link) notify(s State) {
	if l.onStateChange != nil {
		l.onStateChange(s)
	}
}
