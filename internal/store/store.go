// Package store persists copilot transcripts and proposal decisions.
package store

import (
	"context"
	"time"

	"github.com/clipdocs/copilot/internal/changes"
	"github.com/clipdocs/copilot/internal/conversation"
)

// StoredTurn is a persisted conversation turn.
type StoredTurn struct {
	ID         string
	DocumentID string
	Language   string
	Role       conversation.Role
	Content    string
	ToolName   string
	ToolArgs   map[string]any
	ProposalID string
	Err        string
	CreatedAt  time.Time
}

// StoredProposal is a persisted edit proposal with its latest status.
type StoredProposal struct {
	ID         string
	DocumentID string
	Language   string
	Kind       string
	Rationale  string
	Fields     map[string]any
	Status     changes.Status
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Repository defines the interface for persisting copilot session history.
type Repository interface {
	// RecordTurn persists one finalized turn.
	RecordTurn(ctx context.Context, documentID, language string, turn conversation.Turn) error

	// RecordProposal persists a proposal, updating status on re-record.
	RecordProposal(ctx context.Context, documentID, language string, p changes.Proposal) error

	// ListTurns returns the transcript for a document/language in insertion order.
	ListTurns(ctx context.Context, documentID, language string) ([]StoredTurn, error)

	// ListProposals returns all proposals for a document/language in insertion order.
	ListProposals(ctx context.Context, documentID, language string) ([]StoredProposal, error)

	// GetProposal retrieves one proposal by its change id, or nil if unknown.
	GetProposal(ctx context.Context, changeID string) (*StoredProposal, error)

	// PruneTranscripts removes turns and proposals older than ttl, returning
	// how many rows were deleted.
	PruneTranscripts(ctx context.Context, ttl time.Duration) (int64, error)

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
