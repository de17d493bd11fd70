// Package conversation accumulates agent envelopes into an ordered list of
// chat turns, merging streamed partial content into the in-progress turn.
package conversation

import (
	"github.com/google/uuid"
)

// Role identifies who produced a turn.
type Role string

const (
	RoleUser       Role = "user"
	RoleAssistant  Role = "assistant"
	RoleTool       Role = "tool"
	RoleToolResult Role = "tool_result"
	RoleSystem     Role = "system"
)

// Turn is one unit of conversation: a user input, an assistant reply, a tool
// invocation, a tool result, or a system notice.
type Turn struct {
	ID         string
	Role       Role
	Content    string
	Streaming  bool
	ToolName   string
	ToolArgs   map[string]any
	ProposalID string
	Err        string
}

// Log folds envelopes into turns. At most one turn is streaming at any time;
// partial content always appends to that turn when present.
type Log struct {
	turns     []Turn
	streaming int // index of the streaming turn, -1 when none
}

// NewLog creates an empty conversation log.
func NewLog() *Log {
	return &Log{streaming: -1}
}

// AppendUser adds a user turn. User turns are local-only and never
// re-confirmed by the server.
func (l *Log) AppendUser(content string) Turn {
	turn := Turn{
		ID:      uuid.NewString(),
		Role:    RoleUser,
		Content: content,
	}
	l.turns = append(l.turns, turn)
	return turn
}

// ApplyPartial handles a streamed fragment (agent_thinking or a chat_response
// with done=false). It opens a new assistant turn if none is streaming,
// otherwise appends to the open one. No deduplication: the agent must not
// resend already-sent partials.
func (l *Log) ApplyPartial(content string) {
	if l.streaming >= 0 {
		l.turns[l.streaming].Content += content
		return
	}
	l.turns = append(l.turns, Turn{
		ID:        uuid.NewString(),
		Role:      RoleAssistant,
		Content:   content,
		Streaming: true,
	})
	l.streaming = len(l.turns) - 1
}

// ApplyFinal handles a chat_response with done=true. The final frame carries
// the complete text, so content is replaced, not appended. Finalizes the
// streaming turn, or creates an already-final assistant turn when no stream
// was open.
func (l *Log) ApplyFinal(content string) Turn {
	if l.streaming >= 0 {
		l.turns[l.streaming].Content = content
		l.turns[l.streaming].Streaming = false
		turn := l.turns[l.streaming]
		l.streaming = -1
		return turn
	}
	turn := Turn{
		ID:      uuid.NewString(),
		Role:    RoleAssistant,
		Content: content,
	}
	l.turns = append(l.turns, turn)
	return turn
}

// ApplyToolCall records a tool invocation as its own turn, never merged into
// a streaming turn. An open stream is defensively closed first.
func (l *Log) ApplyToolCall(tool string, args map[string]any) Turn {
	l.FinalizeStreaming()
	turn := Turn{
		ID:       uuid.NewString(),
		Role:     RoleTool,
		ToolName: tool,
		ToolArgs: args,
	}
	l.turns = append(l.turns, turn)
	return turn
}

// ApplyProposalNotice records that the agent proposed an edit, so the
// timeline shows when the proposal was made.
func (l *Log) ApplyProposalNotice(proposalID string) Turn {
	l.FinalizeStreaming()
	turn := Turn{
		ID:         uuid.NewString(),
		Role:       RoleToolResult,
		ProposalID: proposalID,
	}
	l.turns = append(l.turns, turn)
	return turn
}

// ApplyError records a protocol-level agent error as a system turn. The
// conversation remains usable.
func (l *Log) ApplyError(message string) Turn {
	l.FinalizeStreaming()
	turn := Turn{
		ID:      uuid.NewString(),
		Role:    RoleSystem,
		Content: message,
		Err:     message,
	}
	l.turns = append(l.turns, turn)
	return turn
}

// FinalizeStreaming force-closes the open stream, if any, without altering
// its accumulated content. Further partials will start a new stream.
func (l *Log) FinalizeStreaming() {
	if l.streaming >= 0 {
		l.turns[l.streaming].Streaming = false
		l.streaming = -1
	}
}

// StreamingTurn returns the currently streaming turn, if any.
func (l *Log) StreamingTurn() (Turn, bool) {
	if l.streaming < 0 {
		return Turn{}, false
	}
	return l.turns[l.streaming], true
}

// Clear empties the log. Irreversible.
func (l *Log) Clear() {
	l.turns = nil
	l.streaming = -1
}

// Turns returns a copy of the accumulated turns in arrival order.
func (l *Log) Turns() []Turn {
	out := make([]Turn, len(l.turns))
	copy(out, l.turns)
	return out
}

// Len returns the number of turns.
func (l *Log) Len() int {
	return len(l.turns)
}
