package copilot

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/clipdocs/copilot/internal/agentd"
	"github.com/clipdocs/copilot/internal/changes"
	"github.com/clipdocs/copilot/internal/conversation"
	"github.com/clipdocs/copilot/internal/store"
	"github.com/clipdocs/copilot/internal/transport"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("timed out waiting for condition")
}

func TestSessionAgainstReferenceAgent(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(agentd.NewServer("*", true, 0).Routes())
	defer srv.Close()

	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "copilot.db"))
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	defer repo.Close()

	var (
		pendingMu  sync.Mutex
		pendingIDs []string
	)
	s, err := New(Config{
		AgentURL:        srv.URL,
		DocumentID:      "doc-9",
		Language:        "en",
		DocumentContent: func() string { return "Intro line\nBody line\nClosing line\n" },
		ReconnectDelay:  50 * time.Millisecond,
		DisconnectGrace: 100 * time.Millisecond,
		OnPendingChange: func(p changes.Proposal) {
			pendingMu.Lock()
			pendingIDs = append(pendingIDs, p.ID)
			pendingMu.Unlock()
		},
		Recorder: repo,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	s.Attach()
	defer s.Detach()
	waitFor(t, func() bool { return s.LinkState() == transport.StateOpen })

	s.SendMessage("please fix the introduction", nil, "")

	// The scripted agent answers with a tool call, a pending change, and a
	// streamed response that finalizes.
	waitFor(t, func() bool { return len(s.Proposals()) == 1 })
	waitFor(t, func() bool {
		turns := s.Turns()
		if len(turns) == 0 {
			return false
		}
		last := turns[len(turns)-1]
		return last.Role == conversation.RoleAssistant && !last.Streaming
	})
	if s.Busy() {
		t.Error("expected busy cleared after final response")
	}
	if !s.Connected() {
		t.Error("expected connected session")
	}

	proposal := s.Proposals()[0]
	if proposal.Status != changes.StatusPending {
		t.Fatalf("expected pending proposal, got %q", proposal.Status)
	}
	if proposal.Fields["newContent"] == nil {
		t.Errorf("expected normalized newContent field, got %v", proposal.Fields)
	}
	pendingMu.Lock()
	if len(pendingIDs) != 1 || pendingIDs[0] != proposal.ID {
		t.Errorf("expected one pending-change callback for %s, got %v", proposal.ID, pendingIDs)
	}
	pendingMu.Unlock()

	// Accept optimistically; the server confirmation must not regress it.
	s.AcceptChange(proposal.ID)
	if got := s.Proposals()[0].Status; got != changes.StatusAccepted {
		t.Fatalf("expected optimistic accepted, got %q", got)
	}
	time.Sleep(100 * time.Millisecond) // let the confirmation arrive
	if got := s.Proposals()[0].Status; got != changes.StatusAccepted {
		t.Errorf("confirmation regressed status to %q", got)
	}

	// The transcript lands in the store asynchronously.
	waitFor(t, func() bool {
		turns, err := repo.ListTurns(context.Background(), "doc-9", "en")
		return err == nil && len(turns) >= 3
	})
	waitFor(t, func() bool {
		stored, err := repo.GetProposal(context.Background(), proposal.ID)
		return err == nil && stored != nil && stored.Status == changes.StatusAccepted
	})
}

func TestSessionSurvivesAgentRestart(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(agentd.NewServer("*", true, 0).Routes())
	defer srv.Close()

	s, err := New(Config{
		AgentURL:        srv.URL,
		DocumentID:      "doc-10",
		ReconnectDelay:  40 * time.Millisecond,
		DisconnectGrace: 60 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	s.Attach()
	defer s.Detach()
	waitFor(t, func() bool { return s.LinkState() == transport.StateOpen })

	// Drop every open connection; the link must dial back in on its own.
	// Keep sending until a full round trip succeeds on the new connection,
	// since a send that races the disconnect is intentionally dropped.
	srv.CloseClientConnections()
	answered := func() bool {
		for _, turn := range s.Turns() {
			if turn.Role == conversation.RoleAssistant && !turn.Streaming {
				return true
			}
		}
		return false
	}
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && !answered() {
		if s.LinkState() == transport.StateOpen {
			s.SendMessage("summarize the video", nil, "")
		}
		time.Sleep(100 * time.Millisecond)
	}
	if !answered() {
		t.Fatal("session never recovered after the agent restart")
	}
}
