// Package changes tracks agent-proposed document edits and reconciles
// optimistic local accept/reject transitions against server confirmations.
package changes

import (
	"github.com/clipdocs/copilot/internal/protocol"
)

// Status is the lifecycle state of a proposal. Transitions are monotonic:
// once Accepted or Rejected, a proposal never changes again.
type Status string

const (
	StatusPending  Status = "pending"
	StatusAccepted Status = "accepted"
	StatusRejected Status = "rejected"
)

// Proposal is a single candidate edit suggested by the agent. Kind-specific
// structure lives in Fields, already normalized to camelCase keys.
type Proposal struct {
	ID        string
	Kind      string
	Rationale string
	Fields    map[string]any
	Status    Status
}

// Ledger holds proposals in arrival order. Proposals are never removed
// individually; Clear drops the whole ledger.
type Ledger struct {
	order []string
	byID  map[string]*Proposal
}

// NewLedger creates an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{byID: make(map[string]*Proposal)}
}

// Record inserts a proposal from a normalized change payload with status
// Pending. Re-delivery of an already-known identifier is ignored so an
// already-actioned proposal cannot be reset; the bool reports whether the
// proposal was new.
func (l *Ledger) Record(ch protocol.Change) (Proposal, bool) {
	if existing, ok := l.byID[ch.ID]; ok {
		return *existing, false
	}
	p := &Proposal{
		ID:        ch.ID,
		Kind:      ch.Kind,
		Rationale: ch.Rationale,
		Fields:    ch.Fields,
		Status:    StatusPending,
	}
	l.byID[ch.ID] = p
	l.order = append(l.order, ch.ID)
	return *p, true
}

// RequestAccept optimistically accepts a Pending proposal, returning true if
// the transition happened. Non-Pending or unknown ids are silent no-ops.
func (l *Ledger) RequestAccept(id string) bool {
	return l.request(id, StatusAccepted)
}

// RequestReject optimistically rejects a Pending proposal, returning true if
// the transition happened.
func (l *Ledger) RequestReject(id string) bool {
	return l.request(id, StatusRejected)
}

func (l *Ledger) request(id string, to Status) bool {
	p, ok := l.byID[id]
	if !ok || p.Status != StatusPending {
		return false
	}
	p.Status = to
	return true
}

// ConfirmAccept applies the server-confirmed accepted status. The server is
// the authority of record, so the status is set unconditionally; confirming
// an already-Accepted proposal is a no-op transition and an unknown id is
// ignored. The bool reports whether the status actually changed.
func (l *Ledger) ConfirmAccept(id string) bool {
	return l.confirm(id, StatusAccepted)
}

// ConfirmReject applies the server-confirmed rejected status.
func (l *Ledger) ConfirmReject(id string) bool {
	return l.confirm(id, StatusRejected)
}

func (l *Ledger) confirm(id string, to Status) bool {
	p, ok := l.byID[id]
	if !ok || p.Status == to {
		return false
	}
	p.Status = to
	return true
}

// Get returns a proposal by id.
func (l *Ledger) Get(id string) (Proposal, bool) {
	p, ok := l.byID[id]
	if !ok {
		return Proposal{}, false
	}
	return *p, true
}

// Proposals returns a copy of all proposals in arrival order.
func (l *Ledger) Proposals() []Proposal {
	out := make([]Proposal, 0, len(l.order))
	for _, id := range l.order {
		out = append(out, *l.byID[id])
	}
	return out
}

// Clear drops every proposal. Irreversible.
func (l *Ledger) Clear() {
	l.order = nil
	l.byID = make(map[string]*Proposal)
}
