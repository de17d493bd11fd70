// Package protocol defines the wire protocol between the editor copilot
// session and the backend agent. Messages are JSON envelopes discriminated by
// a "type" field, sent over a persistent WebSocket.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Outgoing command types (client -> agent).
const (
	TypeChatMessage      = "chat_message"
	TypeAcceptChange     = "accept_change"
	TypeRejectChange     = "reject_change"
	TypeCancelGeneration = "cancel_generation"
)

// Incoming envelope types (agent -> client).
const (
	TypeAgentThinking  = "agent_thinking"
	TypeChatResponse   = "chat_response"
	TypeToolCall       = "tool_call"
	TypePendingChange  = "pending_change"
	TypeChangeAccepted = "change_accepted"
	TypeChangeRejected = "change_rejected"
	TypeError          = "error"
)

// Selection is the canonical selection context attached to a chat message.
// Whatever the capture helper hands over, only these four fields go on the
// wire; highlight geometry and other UI-only state is presentation state,
// not protocol state.
type Selection struct {
	Text        string `json:"text"`
	StartOffset int    `json:"startOffset"`
	EndOffset   int    `json:"endOffset"`
	Context     string `json:"context"`
}

// SelectionFromMap reduces a raw selection-context payload to the canonical
// Selection shape, dropping every other key. Returns nil for a nil input.
func SelectionFromMap(raw map[string]any) *Selection {
	if raw == nil {
		return nil
	}
	sel := &Selection{}
	if v, ok := raw["text"].(string); ok {
		sel.Text = v
	}
	if v, ok := raw["context"].(string); ok {
		sel.Context = v
	}
	sel.StartOffset = intField(raw, "startOffset")
	sel.EndOffset = intField(raw, "endOffset")
	return sel
}

func intField(m map[string]any, key string) int {
	switch v := m[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return 0
}

type chatMessageWire struct {
	Type            string     `json:"type"`
	Content         string     `json:"content"`
	DocumentContent string     `json:"document_content"`
	Selection       *Selection `json:"selection,omitempty"`
	Image           string     `json:"image,omitempty"`
}

type changeRefWire struct {
	Type     string `json:"type"`
	ChangeID string `json:"change_id"`
}

type bareWire struct {
	Type string `json:"type"`
}

// EncodeChatMessage serializes a chat message. selection may be nil; image is
// an optional data URL and omitted when empty.
func EncodeChatMessage(content, documentContent string, selection map[string]any, image string) ([]byte, error) {
	return json.Marshal(chatMessageWire{
		Type:            TypeChatMessage,
		Content:         content,
		DocumentContent: documentContent,
		Selection:       SelectionFromMap(selection),
		Image:           image,
	})
}

// EncodeAcceptChange serializes an accept command for a proposal.
func EncodeAcceptChange(changeID string) ([]byte, error) {
	return json.Marshal(changeRefWire{Type: TypeAcceptChange, ChangeID: changeID})
}

// EncodeRejectChange serializes a reject command for a proposal.
func EncodeRejectChange(changeID string) ([]byte, error) {
	return json.Marshal(changeRefWire{Type: TypeRejectChange, ChangeID: changeID})
}

// EncodeCancelGeneration serializes a cancel command.
func EncodeCancelGeneration() ([]byte, error) {
	return json.Marshal(bareWire{Type: TypeCancelGeneration})
}

// AgentThinking carries a streamed reasoning fragment.
type AgentThinking struct {
	Content string
}

// ChatResponse carries a streamed answer fragment, or the complete final text
// when Done is set.
type ChatResponse struct {
	Content string
	Done    bool
}

// ToolCall reports that the agent invoked a tool.
type ToolCall struct {
	Tool string
	Args map[string]any
}

// PendingChange carries a normalized edit proposal.
type PendingChange struct {
	Change Change
}

// ChangeAccepted confirms a proposal was accepted, by whichever client or
// channel requested it.
type ChangeAccepted struct {
	ChangeID string
}

// ChangeRejected confirms a proposal was rejected.
type ChangeRejected struct {
	ChangeID string
}

// AgentError carries a protocol-level agent error. Non-fatal.
type AgentError struct {
	Message string
}

// Decode parses an incoming frame into one of the typed envelopes above.
// Unknown envelope types return (nil, nil) so the protocol stays
// forward-compatible; malformed frames return an error.
func Decode(data []byte) (any, error) {
	var frame struct {
		Type     string          `json:"type"`
		Content  string          `json:"content"`
		Done     bool            `json:"done"`
		Tool     string          `json:"tool"`
		Args     map[string]any  `json:"args"`
		Change   json.RawMessage `json:"change"`
		ChangeID string          `json:"change_id"`
		Message  string          `json:"message"`
	}
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}

	switch frame.Type {
	case TypeAgentThinking:
		return AgentThinking{Content: frame.Content}, nil
	case TypeChatResponse:
		return ChatResponse{Content: frame.Content, Done: frame.Done}, nil
	case TypeToolCall:
		return ToolCall{Tool: frame.Tool, Args: frame.Args}, nil
	case TypePendingChange:
		var raw map[string]any
		if err := json.Unmarshal(frame.Change, &raw); err != nil {
			return nil, fmt.Errorf("decode pending change payload: %w", err)
		}
		return PendingChange{Change: NormalizeChange(raw)}, nil
	case TypeChangeAccepted:
		return ChangeAccepted{ChangeID: frame.ChangeID}, nil
	case TypeChangeRejected:
		return ChangeRejected{ChangeID: frame.ChangeID}, nil
	case TypeError:
		return AgentError{Message: frame.Message}, nil
	default:
		return nil, nil
	}
}
