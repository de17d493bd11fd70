package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/clipdocs/copilot/internal/changes"
	"github.com/clipdocs/copilot/internal/conversation"
	"github.com/clipdocs/copilot/internal/shared"
)

const writeRetries = 3

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed transcript repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS transcript_turns (
		id TEXT PRIMARY KEY,
		document_id TEXT NOT NULL,
		language TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL DEFAULT '',
		tool_name TEXT NOT NULL DEFAULT '',
		tool_args_json TEXT,
		proposal_id TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		seq INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_turns_document ON transcript_turns(document_id, language, seq);

	CREATE TABLE IF NOT EXISTS change_proposals (
		id TEXT PRIMARY KEY,
		document_id TEXT NOT NULL,
		language TEXT NOT NULL,
		kind TEXT NOT NULL,
		rationale TEXT NOT NULL DEFAULT '',
		fields_json TEXT NOT NULL DEFAULT '{}',
		status TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		seq INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_proposals_document ON change_proposals(document_id, language, seq);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// withRetry re-runs fn on SQLite concurrency errors.
func withRetry(fn func() error) error {
	var err error
	for attempt := 0; attempt < writeRetries; attempt++ {
		err = fn()
		if err == nil || !shared.IsSQLiteConflictError(err) {
			return err
		}
		time.Sleep(time.Duration(attempt+1) * 50 * time.Millisecond)
	}
	return err
}

// RecordTurn persists one finalized turn. Duplicate ids are ignored so that
// re-recording after a session replay cannot duplicate history.
func (s *SQLiteStore) RecordTurn(ctx context.Context, documentID, language string, turn conversation.Turn) error {
	var argsJSON any
	if turn.ToolArgs != nil {
		data, err := json.Marshal(turn.ToolArgs)
		if err != nil {
			return fmt.Errorf("marshal tool args: %w", err)
		}
		argsJSON = string(data)
	}

	query := `
	INSERT INTO transcript_turns
		(id, document_id, language, role, content, tool_name, tool_args_json, proposal_id, error, created_at, seq)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?,
		(SELECT COALESCE(MAX(seq), 0) + 1 FROM transcript_turns WHERE document_id = ? AND language = ?))
	ON CONFLICT(id) DO NOTHING`

	return withRetry(func() error {
		_, err := s.db.ExecContext(ctx, query,
			turn.ID, documentID, language, string(turn.Role), turn.Content,
			turn.ToolName, argsJSON, turn.ProposalID, turn.Err, time.Now().Unix(),
			documentID, language,
		)
		if err != nil {
			return fmt.Errorf("insert turn: %w", err)
		}
		return nil
	})
}

// RecordProposal persists a proposal. Re-recording the same id updates only
// the status and updated_at, matching the ledger's monotonic transitions.
func (s *SQLiteStore) RecordProposal(ctx context.Context, documentID, language string, p changes.Proposal) error {
	fieldsJSON, err := json.Marshal(p.Fields)
	if err != nil {
		return fmt.Errorf("marshal proposal fields: %w", err)
	}

	now := time.Now().Unix()
	query := `
	INSERT INTO change_proposals
		(id, document_id, language, kind, rationale, fields_json, status, created_at, updated_at, seq)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?,
		(SELECT COALESCE(MAX(seq), 0) + 1 FROM change_proposals WHERE document_id = ? AND language = ?))
	ON CONFLICT(id) DO UPDATE SET
		status = excluded.status,
		updated_at = excluded.updated_at`

	return withRetry(func() error {
		_, err := s.db.ExecContext(ctx, query,
			p.ID, documentID, language, p.Kind, p.Rationale, string(fieldsJSON),
			string(p.Status), now, now, documentID, language,
		)
		if err != nil {
			return fmt.Errorf("upsert proposal: %w", err)
		}
		return nil
	})
}

// ListTurns returns the transcript for a document/language in insertion order.
func (s *SQLiteStore) ListTurns(ctx context.Context, documentID, language string) ([]StoredTurn, error) {
	query := `
		SELECT id, role, content, tool_name, tool_args_json, proposal_id, error, created_at
		FROM transcript_turns
		WHERE document_id = ? AND language = ?
		ORDER BY seq`

	rows, err := s.db.QueryContext(ctx, query, documentID, language)
	if err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}
	defer rows.Close()

	var turns []StoredTurn
	for rows.Next() {
		turn := StoredTurn{DocumentID: documentID, Language: language}
		var role string
		var argsJSON sql.NullString
		var createdAt int64
		if err := rows.Scan(&turn.ID, &role, &turn.Content, &turn.ToolName, &argsJSON, &turn.ProposalID, &turn.Err, &createdAt); err != nil {
			return nil, fmt.Errorf("scan turn row: %w", err)
		}
		turn.Role = conversation.Role(role)
		turn.CreatedAt = time.Unix(createdAt, 0)
		if argsJSON.Valid && argsJSON.String != "" {
			if err := json.Unmarshal([]byte(argsJSON.String), &turn.ToolArgs); err != nil {
				return nil, fmt.Errorf("unmarshal tool args: %w", err)
			}
		}
		turns = append(turns, turn)
	}
	return turns, rows.Err()
}

// ListProposals returns all proposals for a document/language in insertion order.
func (s *SQLiteStore) ListProposals(ctx context.Context, documentID, language string) ([]StoredProposal, error) {
	query := `
		SELECT id, kind, rationale, fields_json, status, created_at, updated_at
		FROM change_proposals
		WHERE document_id = ? AND language = ?
		ORDER BY seq`

	rows, err := s.db.QueryContext(ctx, query, documentID, language)
	if err != nil {
		return nil, fmt.Errorf("query proposals: %w", err)
	}
	defer rows.Close()

	var proposals []StoredProposal
	for rows.Next() {
		p, err := scanProposal(rows.Scan)
		if err != nil {
			return nil, err
		}
		p.DocumentID = documentID
		p.Language = language
		proposals = append(proposals, p)
	}
	return proposals, rows.Err()
}

// GetProposal retrieves one proposal by its change id.
func (s *SQLiteStore) GetProposal(ctx context.Context, changeID string) (*StoredProposal, error) {
	query := `
		SELECT id, kind, rationale, fields_json, status, created_at, updated_at, document_id, language
		FROM change_proposals WHERE id = ?`

	row := s.db.QueryRowContext(ctx, query, changeID)

	var p StoredProposal
	var fieldsJSON, status string
	var createdAt, updatedAt int64
	err := row.Scan(&p.ID, &p.Kind, &p.Rationale, &fieldsJSON, &status, &createdAt, &updatedAt, &p.DocumentID, &p.Language)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan proposal row: %w", err)
	}
	p.Status = changes.Status(status)
	p.CreatedAt = time.Unix(createdAt, 0)
	p.UpdatedAt = time.Unix(updatedAt, 0)
	if err := json.Unmarshal([]byte(fieldsJSON), &p.Fields); err != nil {
		return nil, fmt.Errorf("unmarshal proposal fields: %w", err)
	}
	return &p, nil
}

// PruneTranscripts removes turns and proposals older than ttl.
func (s *SQLiteStore) PruneTranscripts(ctx context.Context, ttl time.Duration) (int64, error) {
	cutoff := time.Now().Add(-ttl).Unix()
	var total int64
	err := withRetry(func() error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM transcript_turns WHERE created_at < ?`, cutoff)
		if err != nil {
			return fmt.Errorf("prune turns: %w", err)
		}
		turns, _ := res.RowsAffected()
		res, err = s.db.ExecContext(ctx, `DELETE FROM change_proposals WHERE updated_at < ?`, cutoff)
		if err != nil {
			return fmt.Errorf("prune proposals: %w", err)
		}
		proposals, _ := res.RowsAffected()
		total = turns + proposals
		return nil
	})
	return total, err
}

func scanProposal(scan func(dest ...any) error) (StoredProposal, error) {
	var p StoredProposal
	var fieldsJSON, status string
	var createdAt, updatedAt int64
	if err := scan(&p.ID, &p.Kind, &p.Rationale, &fieldsJSON, &status, &createdAt, &updatedAt); err != nil {
		return p, fmt.Errorf("scan proposal row: %w", err)
	}
	p.Status = changes.Status(status)
	p.CreatedAt = time.Unix(createdAt, 0)
	p.UpdatedAt = time.Unix(updatedAt, 0)
	if err := json.Unmarshal([]byte(fieldsJSON), &p.Fields); err != nil {
		return p, fmt.Errorf("unmarshal proposal fields: %w", err)
	}
	return p, nil
}
