// Package agentd implements the reference copilot agent server: a scripted
// peer speaking the copilot wire protocol, used for local development and
// integration tests.
package agentd

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/clipdocs/copilot/internal/protocol"
)

// Server serves the copilot WebSocket endpoint with scripted agent behavior.
type Server struct {
	allowedOrigin string
	isDev         bool
	chunkDelay    time.Duration
}

// NewServer creates a reference agent server. chunkDelay paces streamed
// chunks; tests pass zero.
func NewServer(allowedOrigin string, isDev bool, chunkDelay time.Duration) *Server {
	return &Server{
		allowedOrigin: allowedOrigin,
		isDev:         isDev,
		chunkDelay:    chunkDelay,
	}
}

// Routes returns the agentd router.
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/health", s.handleHealth)
	r.Get("/ws/copilot/{documentID}", s.handleWS)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if _, err := w.Write([]byte(`{"status":"ok"}`)); err != nil {
		slog.Debug("Failed to write health response", "error", err)
	}
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if s.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || s.allowedOrigin == "*" || origin == s.allowedOrigin {
		return true
	}
	slog.Warn("Copilot origin rejected", "origin", origin, "allowed", s.allowedOrigin)
	return false
}

// conn wraps a WebSocket connection with a write lock, since the script
// goroutine and the command loop both write.
type conn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (c *conn) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.Write(ctx, websocket.MessageText, data)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	documentID := chi.URLParam(r, "documentID")
	language := r.URL.Query().Get("language")
	token := r.URL.Query().Get("token")
	slog.Info("Copilot session connected",
		"document_id", documentID,
		"language", language,
		"anonymous", token == "",
		"ip", r.RemoteAddr,
	)

	if !s.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "document_id", documentID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr, "document_id", documentID)
		}
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	c := &conn{ws: ws}
	s.commandLoop(ctx, c, documentID)
	slog.Info("Copilot session ended", "document_id", documentID)
}

// clientCommand is the server-side view of outgoing client frames.
type clientCommand struct {
	Type            string         `json:"type"`
	Content         string         `json:"content"`
	DocumentContent string         `json:"document_content"`
	Selection       map[string]any `json:"selection"`
	ChangeID        string         `json:"change_id"`
}

func (s *Server) commandLoop(ctx context.Context, c *conn, documentID string) {
	// One generation script runs at a time; a new message or a cancel
	// command stops the previous one.
	var scriptCancel context.CancelFunc
	stopScript := func() {
		if scriptCancel != nil {
			scriptCancel()
			scriptCancel = nil
		}
	}
	defer stopScript()

	for {
		_, data, err := c.ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				slog.Debug("Client closed copilot session", "document_id", documentID)
			} else if ctx.Err() == nil {
				slog.Warn("Copilot read error", "error", err, "document_id", documentID)
			}
			return
		}

		var cmd clientCommand
		if err := json.Unmarshal(data, &cmd); err != nil {
			slog.Warn("Dropping malformed client frame", "error", err, "document_id", documentID)
			continue
		}

		switch cmd.Type {
		case protocol.TypeChatMessage:
			stopScript()
			scriptCtx, cancel := context.WithCancel(ctx)
			scriptCancel = cancel
			go s.runScript(scriptCtx, c, cmd)
		case protocol.TypeCancelGeneration:
			stopScript()
		case protocol.TypeAcceptChange:
			s.confirm(ctx, c, protocol.TypeChangeAccepted, cmd.ChangeID)
		case protocol.TypeRejectChange:
			s.confirm(ctx, c, protocol.TypeChangeRejected, cmd.ChangeID)
		default:
			// Unknown command types are ignored, mirroring the client.
		}
	}
}

func (s *Server) confirm(ctx context.Context, c *conn, confirmType, changeID string) {
	if changeID == "" {
		return
	}
	if err := c.writeJSON(ctx, map[string]any{"type": confirmType, "change_id": changeID}); err != nil {
		slog.Debug("Failed to send confirmation", "error", err)
	}
}

// runScript streams a scripted generation for one chat message.
func (s *Server) runScript(ctx context.Context, c *conn, cmd clientCommand) {
	lower := strings.ToLower(cmd.Content)

	if strings.Contains(lower, "fail") {
		s.emit(ctx, c, map[string]any{"type": protocol.TypeError, "message": "agent backend unavailable"})
		return
	}

	thinking := []string{"Reading the current draft… ", "comparing it against the video transcript…"}
	for _, chunk := range thinking {
		if !s.emit(ctx, c, map[string]any{"type": protocol.TypeAgentThinking, "content": chunk}) {
			return
		}
	}

	wantsEdit := strings.Contains(lower, "edit") ||
		strings.Contains(lower, "rewrite") ||
		strings.Contains(lower, "fix") ||
		strings.Contains(lower, "change") ||
		cmd.Selection != nil

	if wantsEdit {
		if !s.emit(ctx, c, map[string]any{
			"type": protocol.TypeToolCall,
			"tool": "analyze_section",
			"args": map[string]any{"focus": cmd.Content},
		}) {
			return
		}
		if !s.emit(ctx, c, map[string]any{
			"type": protocol.TypePendingChange,
			"change": map[string]any{
				"change_id":        uuid.NewString(),
				"type":             "replace",
				"start_line":       1,
				"end_line":         3,
				"original_content": firstLines(cmd.DocumentContent, 3),
				"new_content":      "Revised section based on: " + cmd.Content,
				"rationale":        "Requested edit applied to the opening section.",
			},
		}) {
			return
		}
	}

	reply := "I reviewed the document"
	if cmd.Selection != nil {
		reply += " and the selected passage"
	}
	reply += ". " + scriptedAnswer(lower)

	var sent strings.Builder
	for _, word := range strings.SplitAfter(reply, " ") {
		sent.WriteString(word)
		if !s.emit(ctx, c, map[string]any{"type": protocol.TypeChatResponse, "content": word, "done": false}) {
			return
		}
	}
	s.emit(ctx, c, map[string]any{"type": protocol.TypeChatResponse, "content": sent.String(), "done": true})
}

// emit writes one envelope, pacing by the configured chunk delay. Returns
// false once the script context is cancelled.
func (s *Server) emit(ctx context.Context, c *conn, v any) bool {
	if ctx.Err() != nil {
		return false
	}
	if s.chunkDelay > 0 {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(s.chunkDelay):
		}
	}
	if err := c.writeJSON(ctx, v); err != nil {
		if ctx.Err() == nil {
			slog.Debug("Failed to emit envelope", "error", err)
		}
		return false
	}
	return true
}

func scriptedAnswer(lower string) string {
	switch {
	case strings.Contains(lower, "summar"):
		return "Here is a short summary of what the recording covers."
	case strings.Contains(lower, "title"):
		return "A clearer title would state the feature and the outcome."
	default:
		return "Let me know which section you want to work on next."
	}
}

func firstLines(text string, n int) string {
	lines := strings.SplitN(text, "\n", n+1)
	if len(lines) > n {
		lines = lines[:n]
	}
	return strings.Join(lines, "\n")
}
