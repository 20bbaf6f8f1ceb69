// Package retrieval selects the experience records most relevant to the
// current attempt. Each retrieval profile blends BM25 scores from several
// fields of the knowledge base, normalizes them onto a shared scale, and
// walks the ranked list keeping only examples with distinct issues so the
// prompt is not padded with near-duplicates.
package retrieval

import (
	"fmt"
	"sort"
	"strings"

	"mendloop/internal/experience"
	"mendloop/internal/logging"
	"mendloop/internal/textindex"
)

// Options bound a retrieval pass.
type Options struct {
	// TopK candidates survive ranking before the diversity walk.
	TopK int
	// MaxExamples records are finally offered to the prompt.
	MaxExamples int
	// K1 and B are handed to the scoring index.
	K1 float64
	B  float64
}

// DefaultOptions returns the constants the repair loop was tuned with.
func DefaultOptions() *Options {
	return &Options{TopK: 10, MaxExamples: 3, K1: 1.5, B: 0.75}
}

// Retriever scores experience records for one run.
type Retriever struct {
	opts Options
}

// New creates a retriever. A nil opts uses DefaultOptions.
func New(opts *Options) *Retriever {
	if opts == nil {
		opts = DefaultOptions()
	}
	return &Retriever{opts: *opts}
}

// =============================================================================
// PROFILES
// =============================================================================

// Field names a knowledge base column a profile can score against.
type Field string

const (
	FieldIssue       Field = "issue_description"
	FieldNewArtifact Field = "new_artifact"
	FieldOldOutcome  Field = "old_outcome"
	FieldOldArtifact Field = "old_artifact"
)

// Profile binds fields to blend weights and carries the live query text for
// each field. Use the preset constructors; the weights are part of the
// retrieval contract, not knobs.
type Profile struct {
	Name    string
	weights map[Field]float64
	queries map[Field]string
}

// TestInitial retrieves first-try test writes for a fresh issue. Both the
// issue corpus and the accepted-test corpus are probed with the issue text
// itself: a past issue wording similar to ours is the best predictor, and
// issue vocabulary leaking into test bodies catches the rest.
func TestInitial(issue string) Profile {
	return Profile{
		Name:    "test_initial",
		weights: map[Field]float64{FieldIssue: 0.6, FieldNewArtifact: 0.4},
		queries: map[Field]string{FieldIssue: issue, FieldNewArtifact: issue},
	}
}

// TestFeedback retrieves repairs of failing tests that died the same way.
// The diagnostic corpus dominates; the failing test body breaks ties.
func TestFeedback(outcome, testContent string) Profile {
	return Profile{
		Name:    "test_feedback",
		weights: map[Field]float64{FieldOldOutcome: 0.9, FieldOldArtifact: 0.1},
		queries: map[Field]string{FieldOldOutcome: outcome, FieldOldArtifact: testContent},
	}
}

// PatchRefine retrieves how similar issues' rejected patches were turned
// into accepted ones.
func PatchRefine(issue, patchContent string) Profile {
	return Profile{
		Name:    "patch_refine",
		weights: map[Field]float64{FieldIssue: 0.7, FieldOldArtifact: 0.3},
		queries: map[Field]string{FieldIssue: issue, FieldOldArtifact: patchContent},
	}
}

func fieldValue(r experience.Record, f Field) string {
	switch f {
	case FieldIssue:
		return r.IssueDescription
	case FieldNewArtifact:
		return r.NewArtifact
	case FieldOldOutcome:
		return r.OldOutcome
	case FieldOldArtifact:
		return r.OldArtifact
	}
	return ""
}

// prepField applies field-specific preprocessing to both corpus and query
// text. Diagnostics are stripped to their failure tail so boilerplate lines
// shared by every transcript do not dominate the match.
func prepField(f Field, s string) string {
	if f == FieldOldOutcome {
		return PrepareDiagnostic(s)
	}
	return s
}

// =============================================================================
// RETRIEVAL
// =============================================================================

// Scored pairs a knowledge base record with its blended score.
type Scored struct {
	Record experience.Record
	Score  float64
}

// Retrieve ranks kb against profile and returns the TopK best records. An
// empty knowledge base short-circuits to an empty result without building
// an index.
func (r *Retriever) Retrieve(kb []experience.Record, profile Profile) ([]Scored, error) {
	if len(kb) == 0 {
		return nil, nil
	}
	timer := logging.StartTimer(logging.CategoryRetrieval, "retrieve_"+profile.Name)

	params := textindex.DefaultParams()
	params.K1 = r.opts.K1
	params.B = r.opts.B

	combined := make([]float64, len(kb))
	for field, weight := range profile.weights {
		query, ok := profile.queries[field]
		if !ok {
			continue
		}
		corpus := make([][]string, len(kb))
		for i, rec := range kb {
			corpus[i] = textindex.Tokenize(prepField(field, fieldValue(rec, field)))
		}
		ix, err := textindex.Build(corpus, &params)
		if err != nil {
			return nil, fmt.Errorf("retrieval: index field %s: %w", field, err)
		}
		scores := ix.Scores(textindex.Tokenize(prepField(field, query)))
		normalize(scores)
		for i, s := range scores {
			combined[i] += weight * s
		}
	}

	order := make([]int, len(kb))
	for i := range order {
		order[i] = i
	}
	// Stable keeps corpus order among tied scores.
	sort.SliceStable(order, func(i, j int) bool {
		return combined[order[i]] > combined[order[j]]
	})

	k := r.opts.TopK
	if k > len(order) {
		k = len(order)
	}
	out := make([]Scored, 0, k)
	for _, idx := range order[:k] {
		out = append(out, Scored{Record: kb[idx], Score: combined[idx]})
	}

	elapsed := timer.Stop()
	logging.Retrieval("%s: ranked %d records, kept %d", profile.Name, len(kb), len(out))
	logging.Audit().RetrievalQuery(profile.Name, len(kb), len(out), elapsed.Milliseconds())
	return out, nil
}

// RetrieveExamples runs Retrieve and the diversity walk in one step,
// returning at most MaxExamples records ready for prompt assembly.
func (r *Retriever) RetrieveExamples(kb []experience.Record, profile Profile) ([]Scored, error) {
	ranked, err := r.Retrieve(kb, profile)
	if err != nil {
		return nil, err
	}
	return Diversify(ranked, r.opts.MaxExamples), nil
}

// Diversify walks ranked results keeping at most max records with pairwise
// distinct issue texts. The top result always survives; a later record
// restating an already kept issue is dropped rather than re-ranked.
func Diversify(ranked []Scored, max int) []Scored {
	if len(ranked) == 0 || max <= 0 {
		return nil
	}
	kept := []Scored{ranked[0]}
	for _, cand := range ranked[1:] {
		if len(kept) == max {
			break
		}
		dup := false
		for _, k := range kept {
			if strings.TrimSpace(k.Record.IssueDescription) == strings.TrimSpace(cand.Record.IssueDescription) {
				dup = true
				break
			}
		}
		if !dup {
			kept = append(kept, cand)
		}
	}
	return kept
}

// normalize maps scores onto [0,1) against their own spread. The 1e-8 keeps
// a flat score vector at zero instead of dividing by zero.
func normalize(scores []float64) {
	min, max := scores[0], scores[0]
	for _, s := range scores[1:] {
		if s < min {
			min = s
		}
		if s > max {
			max = s
		}
	}
	for i, s := range scores {
		scores[i] = (s - min) / (max - min + 1e-8)
	}
}
