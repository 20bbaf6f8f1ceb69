package textindex

import (
	"errors"
	"reflect"
	"testing"
)

func TestTokenize(t *testing.T) {
	cases := []struct {
		in   string
		want []string
	}{
		{"Fix: IndexError in df.groupby()!", []string{"fix", "indexerror", "in", "df", "groupby"}},
		{"snake_case v2\n\ttabs", []string{"snake_case", "v2", "tabs"}},
		{"...", nil},
		{"", nil},
	}
	for _, tc := range cases {
		got := Tokenize(tc.in)
		if len(got) == 0 && len(tc.want) == 0 {
			continue
		}
		if !reflect.DeepEqual(got, tc.want) {
			t.Errorf("Tokenize(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestBuild_EmptyCorpus(t *testing.T) {
	_, err := Build(nil, nil)
	if !errors.Is(err, ErrEmptyCorpus) {
		t.Fatalf("Build(nil) error = %v, want ErrEmptyCorpus", err)
	}
}

func TestScores_RareTermWins(t *testing.T) {
	corpus := [][]string{
		{"the", "cat", "sat"},
		{"the", "dog", "sat"},
		{"groupby", "crash", "trace"},
		{"the", "bird", "flew"},
	}
	ix, err := Build(corpus, nil)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	scores := ix.Scores(Tokenize("Groupby! crash"))
	if len(scores) != len(corpus) {
		t.Fatalf("Scores() length = %d, want %d", len(scores), len(corpus))
	}
	if scores[2] <= 0 {
		t.Fatalf("scores[2] = %f, want > 0 for matching document", scores[2])
	}
	if scores[0] != 0 {
		t.Fatalf("scores[0] = %f, want 0 for document without query terms", scores[0])
	}
	for i, s := range scores {
		if i != 2 && s >= scores[2] {
			t.Fatalf("scores[%d] = %f outranks matching document %f", i, s, scores[2])
		}
	}
}

func TestScores_ShorterDocumentRanksHigher(t *testing.T) {
	corpus := [][]string{
		{"alpha"},
		{"alpha", "beta", "gamma", "delta"},
		{"x"},
		{"y"},
		{"z"},
	}
	ix, err := Build(corpus, nil)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	scores := ix.Scores([]string{"alpha"})
	if scores[0] <= 0 || scores[1] <= 0 {
		t.Fatalf("scores = %v, want both alpha documents positive", scores[:2])
	}
	if scores[0] <= scores[1] {
		t.Fatalf("scores[0] = %f <= scores[1] = %f, want length normalization to favor the shorter document", scores[0], scores[1])
	}
}

func TestScores_NegativeIDFFloor(t *testing.T) {
	// "the" appears in three of four documents, so its raw IDF is negative
	// and gets floored to a small positive epsilon here.
	corpus := [][]string{
		{"the", "alpha"},
		{"the", "beta"},
		{"the", "gamma"},
		{"rare"},
	}
	ix, err := Build(corpus, nil)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	common := ix.Scores([]string{"the"})
	if common[0] <= 0 {
		t.Fatalf("common-term score = %f, want positive after epsilon floor", common[0])
	}
	if common[3] != 0 {
		t.Fatalf("common[3] = %f, want 0", common[3])
	}

	distinctive := ix.Scores([]string{"alpha"})
	if distinctive[0] <= common[0] {
		t.Fatalf("distinctive = %f, common = %f, want the floored common term to weigh less", distinctive[0], common[0])
	}
}

func TestScores_EmptyQuery(t *testing.T) {
	ix, err := Build([][]string{{"a"}, {"b"}}, nil)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	scores := ix.Scores(nil)
	if len(scores) != 2 {
		t.Fatalf("Scores(nil) length = %d, want 2", len(scores))
	}
	for i, s := range scores {
		if s != 0 {
			t.Fatalf("scores[%d] = %f, want 0", i, s)
		}
	}
	if ix.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", ix.Len())
	}
}
