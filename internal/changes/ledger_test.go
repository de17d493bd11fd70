package changes

import (
	"testing"

	"github.com/clipdocs/copilot/internal/protocol"
)

func insertChange(t *testing.T, l *Ledger, id string) {
	t.Helper()
	_, created := l.Record(protocol.Change{
		ID:   id,
		Kind: "replace",
		Fields: map[string]any{
			"startLine":  float64(1),
			"endLine":    float64(2),
			"newContent": "updated",
		},
	})
	if !created {
		t.Fatalf("expected proposal %q to be new", id)
	}
}

func TestRecordDuplicateIsIgnored(t *testing.T) {
	t.Parallel()

	l := NewLedger()
	insertChange(t, l, "c1")
	if !l.RequestAccept("c1") {
		t.Fatal("expected accept to transition")
	}

	// Idempotent re-delivery must not reset an already-actioned proposal.
	_, created := l.Record(protocol.Change{ID: "c1", Kind: "replace"})
	if created {
		t.Error("expected duplicate to be ignored")
	}
	p, _ := l.Get("c1")
	if p.Status != StatusAccepted {
		t.Errorf("duplicate delivery reset status to %q", p.Status)
	}
}

func TestRequestAcceptIsMonotonic(t *testing.T) {
	t.Parallel()

	l := NewLedger()
	insertChange(t, l, "c1")

	if !l.RequestAccept("c1") {
		t.Fatal("expected first accept to transition")
	}
	if l.RequestAccept("c1") {
		t.Error("expected second accept to be a no-op")
	}
	if l.RequestReject("c1") {
		t.Error("expected reject after accept to be a no-op")
	}
	p, _ := l.Get("c1")
	if p.Status != StatusAccepted {
		t.Errorf("expected accepted, got %q", p.Status)
	}
}

func TestRequestOnUnknownIDIsNoop(t *testing.T) {
	t.Parallel()

	l := NewLedger()
	if l.RequestAccept("ghost") {
		t.Error("expected accept on unknown id to be a no-op")
	}
	if l.RequestReject("ghost") {
		t.Error("expected reject on unknown id to be a no-op")
	}
}

func TestConfirmIsIdempotentAndAuthoritative(t *testing.T) {
	t.Parallel()

	l := NewLedger()
	insertChange(t, l, "c1")

	if !l.ConfirmAccept("c1") {
		t.Fatal("expected confirmation to transition")
	}
	if l.ConfirmAccept("c1") {
		t.Error("expected repeated confirmation to be a no-op")
	}
	p, _ := l.Get("c1")
	if p.Status != StatusAccepted {
		t.Errorf("expected accepted, got %q", p.Status)
	}
}

func TestConfirmUnknownIDIsNoop(t *testing.T) {
	t.Parallel()

	l := NewLedger()
	if l.ConfirmAccept("ghost") {
		t.Error("expected confirm on unknown id to be a no-op")
	}
	if len(l.Proposals()) != 0 {
		t.Error("confirm on unknown id must not create an entry")
	}
}

func TestConfirmCoversOtherChannelDecisions(t *testing.T) {
	t.Parallel()

	// A proposal rejected by a different client arrives as a confirmation
	// without a prior local request.
	l := NewLedger()
	insertChange(t, l, "c1")
	if !l.ConfirmReject("c1") {
		t.Fatal("expected confirmation to transition pending proposal")
	}
	p, _ := l.Get("c1")
	if p.Status != StatusRejected {
		t.Errorf("expected rejected, got %q", p.Status)
	}
}

func TestProposalsPreserveArrivalOrder(t *testing.T) {
	t.Parallel()

	l := NewLedger()
	insertChange(t, l, "c1")
	insertChange(t, l, "c2")
	insertChange(t, l, "c3")

	got := l.Proposals()
	if len(got) != 3 {
		t.Fatalf("expected 3 proposals, got %d", len(got))
	}
	for i, want := range []string{"c1", "c2", "c3"} {
		if got[i].ID != want {
			t.Errorf("position %d: expected %q, got %q", i, want, got[i].ID)
		}
	}
}

func TestClearDropsEverything(t *testing.T) {
	t.Parallel()

	l := NewLedger()
	insertChange(t, l, "c1")
	l.Clear()
	if len(l.Proposals()) != 0 {
		t.Error("expected empty ledger after clear")
	}
	if _, ok := l.Get("c1"); ok {
		t.Error("expected proposal to be gone after clear")
	}
}
