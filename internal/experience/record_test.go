package experience

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestFilterTransitions_PairsWithFirstSuccess(t *testing.T) {
	records := []Record{
		{OldArtifact: "", OldVerdict: VerdictUnknown, NewArtifact: "t1", NewOutcome: "crash", NewVerdict: VerdictFailure},
		{OldArtifact: "t1", OldOutcome: "crash", OldVerdict: VerdictConfirmedFailure, NewArtifact: "t2", NewOutcome: "repro", NewVerdict: VerdictSuccess},
	}

	// Each start keeps its own old side and pairs with the first later
	// success for the new side.
	want := []Record{
		{OldArtifact: "", OldVerdict: VerdictUnknown, NewArtifact: "t2", NewOutcome: "repro", NewVerdict: VerdictSuccess},
		{OldArtifact: "t1", OldOutcome: "crash", OldVerdict: VerdictConfirmedFailure, NewArtifact: "t2", NewOutcome: "repro", NewVerdict: VerdictSuccess},
	}

	if diff := cmp.Diff(want, FilterTransitions(records)); diff != "" {
		t.Errorf("FilterTransitions() mismatch (-want +got):\n%s", diff)
	}
}

func TestFilterTransitions_EarliestFixWins(t *testing.T) {
	records := []Record{
		{OldArtifact: "", OldVerdict: VerdictUnknown, NewArtifact: "a", NewVerdict: VerdictSuccess},
		{OldArtifact: "a", OldVerdict: VerdictConfirmedFailure, NewArtifact: "b", NewVerdict: VerdictSuccess},
	}

	out := FilterTransitions(records)
	if len(out) != 2 {
		t.Fatalf("FilterTransitions() = %d records, want 2", len(out))
	}
	if out[0].NewArtifact != "a" {
		t.Fatalf("out[0].NewArtifact = %q, want first success, not a later one", out[0].NewArtifact)
	}
}

func TestFilterTransitions_SkipsSettledStart(t *testing.T) {
	records := []Record{
		{OldArtifact: "accepted", OldVerdict: VerdictSuccess, NewArtifact: "v2", NewVerdict: VerdictSuccess},
		{OldArtifact: "x", OldVerdict: VerdictConfirmedFailure, NewArtifact: "y", NewVerdict: VerdictSuccess},
	}

	out := FilterTransitions(records)
	if len(out) != 1 {
		t.Fatalf("FilterTransitions() = %d records, want 1 (settled start skipped)", len(out))
	}
	if out[0].OldArtifact != "x" {
		t.Fatalf("out[0].OldArtifact = %q, want x", out[0].OldArtifact)
	}
}

func TestFilterTransitions_NoSuccess(t *testing.T) {
	records := []Record{
		{OldArtifact: "", OldVerdict: VerdictUnknown, NewArtifact: "a", NewVerdict: VerdictFailure},
		{OldArtifact: "a", OldVerdict: VerdictConfirmedFailure, NewArtifact: "b", NewVerdict: VerdictFailure},
	}

	if out := FilterTransitions(records); len(out) != 0 {
		t.Fatalf("FilterTransitions() = %d records, want 0", len(out))
	}
}

func TestViews(t *testing.T) {
	initial := Record{OldArtifact: "", NewVerdict: VerdictSuccess}
	repaired := Record{OldArtifact: "old", NewVerdict: VerdictSuccess}
	failed := Record{OldArtifact: "old", NewVerdict: VerdictFailure}

	if !ViewInitial(initial) || ViewInitial(repaired) || ViewInitial(failed) {
		t.Fatalf("ViewInitial misclassified records")
	}
	if ViewFeedback(initial) || !ViewFeedback(repaired) || ViewFeedback(failed) {
		t.Fatalf("ViewFeedback misclassified records")
	}
}
