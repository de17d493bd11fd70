package agentd

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"
)

func startServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(NewServer("*", true, 0).Routes())
	t.Cleanup(srv.Close)
	return srv
}

func dialCopilot(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ws, _, err := websocket.Dial(ctx, srv.URL+"/ws/copilot/doc-1?language=en", nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { _ = ws.Close(websocket.StatusNormalClosure, "test done") })
	return ws
}

func send(t *testing.T, ws *websocket.Conn, v map[string]any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ws.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write failed: %v", err)
	}
}

// readUntil reads envelopes until pred returns true, failing on timeout.
func readUntil(t *testing.T, ws *websocket.Conn, pred func(map[string]any) bool) []map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var seen []map[string]any
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			t.Fatalf("read failed after %d envelopes: %v", len(seen), err)
		}
		var env map[string]any
		if err := json.Unmarshal(data, &env); err != nil {
			t.Fatalf("unmarshal failed: %v", err)
		}
		seen = append(seen, env)
		if pred(env) {
			return seen
		}
	}
}

func TestHealthEndpoint(t *testing.T) {
	t.Parallel()

	srv := startServer(t)
	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("health request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
}

func TestChatMessageStreamsToDone(t *testing.T) {
	t.Parallel()

	srv := startServer(t)
	ws := dialCopilot(t, srv)

	send(t, ws, map[string]any{
		"type":             "chat_message",
		"content":          "summarize this video",
		"document_content": "# Draft\nline two\n",
	})

	seen := readUntil(t, ws, func(env map[string]any) bool {
		return env["type"] == "chat_response" && env["done"] == true
	})

	var thinking, partials int
	for _, env := range seen {
		switch env["type"] {
		case "agent_thinking":
			thinking++
		case "chat_response":
			if env["done"] != true {
				partials++
			}
		}
	}
	if thinking == 0 {
		t.Error("expected agent_thinking envelopes before the answer")
	}
	if partials == 0 {
		t.Error("expected streamed partial responses")
	}
	final := seen[len(seen)-1]
	if final["content"] == "" {
		t.Error("expected complete text on the final frame")
	}
}

func TestEditRequestEmitsPendingChange(t *testing.T) {
	t.Parallel()

	srv := startServer(t)
	ws := dialCopilot(t, srv)

	send(t, ws, map[string]any{
		"type":             "chat_message",
		"content":          "please fix the introduction",
		"document_content": "Intro line\nSecond line\nThird line\nFourth line\n",
	})

	seen := readUntil(t, ws, func(env map[string]any) bool {
		return env["type"] == "pending_change"
	})

	pc := seen[len(seen)-1]
	change, ok := pc["change"].(map[string]any)
	if !ok {
		t.Fatalf("expected change payload, got %v", pc)
	}
	if change["change_id"] == "" || change["change_id"] == nil {
		t.Error("expected a change_id")
	}
	// The reference agent speaks snake_case, like the production backend.
	if _, ok := change["new_content"]; !ok {
		t.Error("expected snake_case new_content on the wire")
	}
	if _, ok := change["start_line"]; !ok {
		t.Error("expected snake_case start_line on the wire")
	}

	foundToolCall := false
	for _, env := range seen {
		if env["type"] == "tool_call" {
			foundToolCall = true
		}
	}
	if !foundToolCall {
		t.Error("expected a tool_call before the pending change")
	}
}

func TestAcceptChangeConfirmed(t *testing.T) {
	t.Parallel()

	srv := startServer(t)
	ws := dialCopilot(t, srv)

	send(t, ws, map[string]any{"type": "accept_change", "change_id": "c77"})
	seen := readUntil(t, ws, func(env map[string]any) bool {
		return env["type"] == "change_accepted"
	})
	if seen[len(seen)-1]["change_id"] != "c77" {
		t.Errorf("expected confirmation for c77, got %v", seen[len(seen)-1])
	}
}

func TestRejectChangeConfirmed(t *testing.T) {
	t.Parallel()

	srv := startServer(t)
	ws := dialCopilot(t, srv)

	send(t, ws, map[string]any{"type": "reject_change", "change_id": "c78"})
	seen := readUntil(t, ws, func(env map[string]any) bool {
		return env["type"] == "change_rejected"
	})
	if seen[len(seen)-1]["change_id"] != "c78" {
		t.Errorf("expected rejection confirmation for c78, got %v", seen[len(seen)-1])
	}
}

func TestFailKeywordEmitsError(t *testing.T) {
	t.Parallel()

	srv := startServer(t)
	ws := dialCopilot(t, srv)

	send(t, ws, map[string]any{"type": "chat_message", "content": "fail on purpose"})
	seen := readUntil(t, ws, func(env map[string]any) bool {
		return env["type"] == "error"
	})
	if seen[len(seen)-1]["message"] == "" {
		t.Error("expected an error message")
	}
}

func TestUnknownCommandIgnored(t *testing.T) {
	t.Parallel()

	srv := startServer(t)
	ws := dialCopilot(t, srv)

	send(t, ws, map[string]any{"type": "future_command"})
	// The connection stays healthy: a follow-up command still round-trips.
	send(t, ws, map[string]any{"type": "accept_change", "change_id": "c1"})
	readUntil(t, ws, func(env map[string]any) bool {
		return env["type"] == "change_accepted"
	})
}
