// Package experience records how repair attempts evolve and turns those
// histories into knowledge bases for retrieval. A task appends transition
// records to its own log as it works; before a retrieval the store rescans
// every sibling task's log, filters for transitions that ended in success,
// and rebuilds the shared knowledge base file from scratch.
package experience

// Verdict classifies one side of a transition. The old side can only be
// unknown (no prior attempt was judged) or confirmed-failure; the new side
// is always a definite success or failure.
type Verdict string

const (
	VerdictUnknown          Verdict = "unknown"
	VerdictConfirmedFailure Verdict = "confirmed-failure"
	VerdictSuccess          Verdict = "success"
	VerdictFailure          Verdict = "failure"
)

// Record is one transition: an artifact attempt (old side, possibly absent)
// and the attempt that followed it (new side), each with the diagnostic
// output it produced and the verdict it earned.
type Record struct {
	IssueDescription string  `json:"issue_description"`
	OldArtifact      string  `json:"old_artifact"`
	OldOutcome       string  `json:"old_outcome"`
	OldVerdict       Verdict `json:"old_verdict"`
	NewArtifact      string  `json:"new_artifact"`
	NewOutcome       string  `json:"new_outcome"`
	NewVerdict       Verdict `json:"new_verdict"`
}

// Kind selects which artifact family a log belongs to.
type Kind string

const (
	KindTest  Kind = "test"
	KindPatch Kind = "patch"
)

// View is a knowledge base filter applied after the transition scan.
type View func(Record) bool

// ViewInitial keeps transitions that started from nothing. They show how a
// working artifact was written on the first try.
func ViewInitial(r Record) bool {
	return r.OldArtifact == "" && r.NewVerdict == VerdictSuccess
}

// ViewFeedback keeps transitions that repaired an existing failing
// artifact. They show how feedback turned a rejection into a success.
func ViewFeedback(r Record) bool {
	return r.OldArtifact != "" && r.NewVerdict == VerdictSuccess
}

// FilterTransitions emits one record per fixable starting point: each entry
// whose prior state is failing or absent is paired with the first later
// entry whose new side succeeded. Earliest fix wins; later improvements of
// the same starting point are ignored.
func FilterTransitions(records []Record) []Record {
	var out []Record
	for i := range records {
		if records[i].OldVerdict == VerdictSuccess && records[i].OldArtifact != "" {
			continue
		}
		for j := i; j < len(records); j++ {
			if records[j].NewVerdict != VerdictSuccess {
				continue
			}
			out = append(out, Record{
				IssueDescription: records[i].IssueDescription,
				OldArtifact:      records[i].OldArtifact,
				OldOutcome:       records[i].OldOutcome,
				OldVerdict:       records[i].OldVerdict,
				NewArtifact:      records[j].NewArtifact,
				NewOutcome:       records[j].NewOutcome,
				NewVerdict:       records[j].NewVerdict,
			})
			break
		}
	}
	return out
}
