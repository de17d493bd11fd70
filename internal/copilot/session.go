// Package copilot implements the editing-copilot session: one persistent
// agent connection per (document, language), streamed turn accumulation, and
// the accept/reject workflow for agent-proposed edits. This is the only
// surface external UI code touches.
package copilot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/clipdocs/copilot/internal/changes"
	"github.com/clipdocs/copilot/internal/conversation"
	"github.com/clipdocs/copilot/internal/protocol"
	"github.com/clipdocs/copilot/internal/transport"
)

// DefaultDisconnectGrace is how long a raw disconnect may last before the
// session reports itself disconnected. Reconnect cycles shorter than this
// never flash "disconnected" in the UI.
const DefaultDisconnectGrace = 1500 * time.Millisecond

const recordTimeout = 5 * time.Second

// TranscriptRecorder persists finalized turns and proposal decisions.
// Recording failures are logged and never surfaced to the session.
type TranscriptRecorder interface {
	RecordTurn(ctx context.Context, documentID, language string, turn conversation.Turn) error
	RecordProposal(ctx context.Context, documentID, language string, p changes.Proposal) error
}

type noopRecorder struct{}

func (noopRecorder) RecordTurn(context.Context, string, string, conversation.Turn) error {
	return nil
}

func (noopRecorder) RecordProposal(context.Context, string, string, changes.Proposal) error {
	return nil
}

// Config describes one copilot session.
type Config struct {
	// AgentURL is the base URL of the backend agent (ws:// or http://).
	AgentURL string
	// DocumentID identifies the document being edited.
	DocumentID string
	// Language is the document language tag.
	Language string
	// Token is an optional session credential. Empty means anonymous.
	Token string

	// DocumentContent supplies a read-only snapshot of the current document,
	// attached as context to every outgoing chat message. The live document
	// stays entirely with the caller.
	DocumentContent func() string

	// ReconnectDelay overrides the link's fixed reconnect delay.
	ReconnectDelay time.Duration
	// DisconnectGrace overrides the disconnect-report grace window.
	DisconnectGrace time.Duration

	// Notification callbacks, each invoked at most once per local or
	// confirmed transition. Any of them may be nil.
	OnPendingChange  func(changes.Proposal)
	OnChangeAccepted func(id string)
	OnChangeRejected func(id string)

	// Recorder persists the transcript. Nil disables persistence.
	Recorder TranscriptRecorder
}

// wireLink is the transport surface the session needs.
type wireLink interface {
	Open()
	Close()
	Send(data []byte) bool
	State() transport.State
}

// Session orchestrates one copilot conversation. Intended for exclusive use
// by a single UI surface; all state transitions are serialized behind one
// mutex, entered only from the transport read loop, timer callbacks, and
// direct caller invocations.
type Session struct {
	cfg      Config
	link     wireLink
	recorder TranscriptRecorder

	mu         sync.Mutex
	log        *conversation.Log
	ledger     *changes.Ledger
	busy       bool
	connected  bool
	graceTimer *time.Timer
	attached   bool
	detached   bool
}

// New creates a session for the given document. The link is not opened until
// Attach.
func New(cfg Config) (*Session, error) {
	if cfg.AgentURL == "" {
		return nil, errors.New("agent URL is required")
	}
	if cfg.DocumentID == "" {
		return nil, errors.New("document id is required")
	}
	if cfg.Language == "" {
		cfg.Language = "en"
	}
	endpoint, err := transport.Endpoint(cfg.AgentURL, cfg.DocumentID, cfg.Language, cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("build agent endpoint: %w", err)
	}
	s := newSession(cfg, nil)
	s.link = transport.NewLink(endpoint, cfg.ReconnectDelay, s.handleFrame, s.handleLinkState)
	return s, nil
}

// newSession wires everything but the link, which tests may substitute.
func newSession(cfg Config, link wireLink) *Session {
	if cfg.DisconnectGrace <= 0 {
		cfg.DisconnectGrace = DefaultDisconnectGrace
	}
	recorder := cfg.Recorder
	if recorder == nil {
		recorder = noopRecorder{}
	}
	return &Session{
		cfg:      cfg,
		link:     link,
		recorder: recorder,
		log:      conversation.NewLog(),
		ledger:   changes.NewLedger(),
		// Optimistically connected: the link opens asynchronously within one
		// round trip, and a flash of "disconnected" on first paint is worse
		// than a moment of optimism.
		connected: true,
	}
}

// Attach opens the agent link. Idempotent.
func (s *Session) Attach() {
	s.mu.Lock()
	if s.attached || s.detached {
		s.mu.Unlock()
		return
	}
	s.attached = true
	s.mu.Unlock()
	s.link.Open()
}

// Detach closes the link and cancels all pending timers. After Detach no
// further state mutation occurs.
func (s *Session) Detach() {
	s.mu.Lock()
	if s.detached {
		s.mu.Unlock()
		return
	}
	s.detached = true
	if s.graceTimer != nil {
		s.graceTimer.Stop()
		s.graceTimer = nil
	}
	s.mu.Unlock()
	s.link.Close()
}

// SendMessage appends a user turn and sends a chat-message command carrying
// the current document snapshot. A message that is empty after trimming, or
// sent while the link is not open, is a total no-op: no turn, no frame.
func (s *Session) SendMessage(text string, selection map[string]any, image string) {
	if strings.TrimSpace(text) == "" {
		return
	}
	if s.link.State() != transport.StateOpen {
		return
	}

	documentContent := ""
	if s.cfg.DocumentContent != nil {
		documentContent = s.cfg.DocumentContent()
	}
	data, err := protocol.EncodeChatMessage(text, documentContent, selection, image)
	if err != nil {
		slog.Error("Failed to encode chat message", "document_id", s.cfg.DocumentID, "error", err)
		return
	}

	s.mu.Lock()
	if s.detached {
		s.mu.Unlock()
		return
	}
	turn := s.log.AppendUser(text)
	s.busy = true
	s.mu.Unlock()

	s.link.Send(data)
	s.recordTurn(turn)
}

// AcceptChange optimistically accepts a pending proposal, notifies the
// caller, and sends the accept command. Non-pending proposals are silent
// no-ops.
func (s *Session) AcceptChange(id string) {
	s.resolveChange(id, true)
}

// RejectChange optimistically rejects a pending proposal.
func (s *Session) RejectChange(id string) {
	s.resolveChange(id, false)
}

func (s *Session) resolveChange(id string, accept bool) {
	s.mu.Lock()
	if s.detached {
		s.mu.Unlock()
		return
	}
	var transitioned bool
	if accept {
		transitioned = s.ledger.RequestAccept(id)
	} else {
		transitioned = s.ledger.RequestReject(id)
	}
	var proposal changes.Proposal
	if transitioned {
		proposal, _ = s.ledger.Get(id)
	}
	s.mu.Unlock()

	if !transitioned {
		return
	}

	var (
		data []byte
		err  error
		cb   func(string)
	)
	if accept {
		data, err = protocol.EncodeAcceptChange(id)
		cb = s.cfg.OnChangeAccepted
	} else {
		data, err = protocol.EncodeRejectChange(id)
		cb = s.cfg.OnChangeRejected
	}
	if cb != nil {
		cb(id)
	}
	if err != nil {
		slog.Error("Failed to encode change command", "change_id", id, "error", err)
	} else {
		s.link.Send(data)
	}
	s.recordProposal(proposal)
}

// StopGeneration sends a cancel command, finalizes any streaming turn, and
// clears the busy flag. This is a client-side abort: the server may keep
// producing tokens, and later partials simply start a new stream.
func (s *Session) StopGeneration() {
	if data, err := protocol.EncodeCancelGeneration(); err == nil {
		s.link.Send(data)
	}
	s.mu.Lock()
	if s.detached {
		s.mu.Unlock()
		return
	}
	s.log.FinalizeStreaming()
	s.busy = false
	s.mu.Unlock()
}

// ClearConversation empties all turns and all proposals. Irreversible.
func (s *Session) ClearConversation() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.detached {
		return
	}
	s.log.Clear()
	s.ledger.Clear()
}

// Turns returns the conversation in arrival order.
func (s *Session) Turns() []conversation.Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.log.Turns()
}

// Proposals returns all edit proposals in arrival order.
func (s *Session) Proposals() []changes.Proposal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ledger.Proposals()
}

// Busy reports whether a generation round trip is in flight.
func (s *Session) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.busy
}

// Connected is the debounced, display-oriented connection flag. Raw link
// state is available from LinkState.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// LinkState returns the raw transport state.
func (s *Session) LinkState() transport.State {
	return s.link.State()
}

// handleFrame processes one inbound agent frame.
func (s *Session) handleFrame(data []byte) {
	env, err := protocol.Decode(data)
	if err != nil {
		slog.Warn("Dropping malformed agent frame", "document_id", s.cfg.DocumentID, "error", err)
		return
	}
	if env == nil {
		// Unknown envelope type, ignored for forward compatibility.
		return
	}

	var (
		finalTurns []conversation.Turn
		pending    *changes.Proposal
		confirmed  *changes.Proposal
	)

	s.mu.Lock()
	if s.detached {
		s.mu.Unlock()
		return
	}
	switch e := env.(type) {
	case protocol.AgentThinking:
		s.log.ApplyPartial(e.Content)
	case protocol.ChatResponse:
		if e.Done {
			finalTurns = append(finalTurns, s.log.ApplyFinal(e.Content))
			s.busy = false
		} else {
			s.log.ApplyPartial(e.Content)
		}
	case protocol.ToolCall:
		finalTurns = append(finalTurns, s.log.ApplyToolCall(e.Tool, e.Args))
	case protocol.PendingChange:
		ch := e.Change
		if ch.ID == "" {
			ch.ID = uuid.NewString()
		}
		if p, created := s.ledger.Record(ch); created {
			finalTurns = append(finalTurns, s.log.ApplyProposalNotice(p.ID))
			pending = &p
		}
	case protocol.ChangeAccepted:
		if s.ledger.ConfirmAccept(e.ChangeID) {
			p, _ := s.ledger.Get(e.ChangeID)
			confirmed = &p
		}
	case protocol.ChangeRejected:
		if s.ledger.ConfirmReject(e.ChangeID) {
			p, _ := s.ledger.Get(e.ChangeID)
			confirmed = &p
		}
	case protocol.AgentError:
		finalTurns = append(finalTurns, s.log.ApplyError(e.Message))
		s.busy = false
	}
	s.mu.Unlock()

	if pending != nil {
		if cb := s.cfg.OnPendingChange; cb != nil {
			cb(*pending)
		}
		s.recordProposal(*pending)
	}
	if confirmed != nil {
		switch confirmed.Status {
		case changes.StatusAccepted:
			if cb := s.cfg.OnChangeAccepted; cb != nil {
				cb(confirmed.ID)
			}
		case changes.StatusRejected:
			if cb := s.cfg.OnChangeRejected; cb != nil {
				cb(confirmed.ID)
			}
		}
		s.recordProposal(*confirmed)
	}
	for _, turn := range finalTurns {
		s.recordTurn(turn)
	}
}

// handleLinkState derives the debounced connected flag from raw transitions.
// A raw close only flips the flag after the grace window passes without a
// reopen; an Open within the window cancels the pending report.
func (s *Session) handleLinkState(st transport.State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.detached {
		return
	}
	switch st {
	case transport.StateOpen:
		if s.graceTimer != nil {
			s.graceTimer.Stop()
			s.graceTimer = nil
		}
		s.connected = true
	case transport.StateClosed:
		if s.graceTimer == nil {
			s.graceTimer = time.AfterFunc(s.cfg.DisconnectGrace, s.reportDisconnected)
		}
	}
}

func (s *Session) reportDisconnected() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.graceTimer = nil
	if s.detached {
		return
	}
	s.connected = false
}

func (s *Session) recordTurn(turn conversation.Turn) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
		defer cancel()
		if err := s.recorder.RecordTurn(ctx, s.cfg.DocumentID, s.cfg.Language, turn); err != nil {
			slog.Warn("Failed to record transcript turn", "document_id", s.cfg.DocumentID, "turn_id", turn.ID, "error", err)
		}
	}()
}

func (s *Session) recordProposal(p changes.Proposal) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
		defer cancel()
		if err := s.recorder.RecordProposal(ctx, s.cfg.DocumentID, s.cfg.Language, p); err != nil {
			slog.Warn("Failed to record proposal", "document_id", s.cfg.DocumentID, "change_id", p.ID, "error", err)
		}
	}()
}
