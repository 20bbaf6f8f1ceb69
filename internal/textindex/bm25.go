// Package textindex scores free text against a small in-memory corpus.
// Index is an Okapi BM25 scorer over pre-tokenized documents. It backs the
// experience retriever, which blends scores from several fields of the same
// record set, so Scores stays order-aligned with the corpus it was built
// from.
package textindex

import (
	"errors"
	"math"
	"strings"
	"unicode"
)

// ErrEmptyCorpus is returned by Build when there is nothing to index.
// Callers treat it as "no knowledge base yet", not as a failure.
var ErrEmptyCorpus = errors.New("textindex: empty corpus")

// Params are the Okapi BM25 constants. Epsilon floors negative IDF values:
// a term present in most documents would otherwise score below zero and
// push matching documents down the ranking.
type Params struct {
	K1      float64
	B       float64
	Epsilon float64
}

// DefaultParams returns the constants the repair loop was tuned with.
func DefaultParams() Params {
	return Params{K1: 1.5, B: 0.75, Epsilon: 0.25}
}

// =============================================================================
// INDEX
// =============================================================================

// Index is an immutable BM25 index over one tokenized corpus.
type Index struct {
	params Params

	corpusSize int
	avgdl      float64
	docLens    []int
	docFreqs   []map[string]int
	idf        map[string]float64
}

// Build indexes the given corpus. Documents must already be tokenized with
// Tokenize so index-side and query-side terms agree. A nil params uses
// DefaultParams.
func Build(corpus [][]string, params *Params) (*Index, error) {
	if len(corpus) == 0 {
		return nil, ErrEmptyCorpus
	}

	p := DefaultParams()
	if params != nil {
		p = *params
	}

	ix := &Index{
		params:     p,
		corpusSize: len(corpus),
		docLens:    make([]int, 0, len(corpus)),
		docFreqs:   make([]map[string]int, 0, len(corpus)),
		idf:        make(map[string]float64),
	}

	// df counts documents containing each term, not occurrences.
	df := make(map[string]int)
	totalLen := 0
	for _, doc := range corpus {
		ix.docLens = append(ix.docLens, len(doc))
		totalLen += len(doc)

		freqs := make(map[string]int, len(doc))
		for _, term := range doc {
			freqs[term]++
		}
		ix.docFreqs = append(ix.docFreqs, freqs)

		for term := range freqs {
			df[term]++
		}
	}
	ix.avgdl = float64(totalLen) / float64(ix.corpusSize)

	ix.calcIDF(df)
	return ix, nil
}

// calcIDF computes per-term IDF and applies the epsilon floor: terms with a
// negative IDF get Epsilon times the average IDF across all terms, negatives
// included.
func (ix *Index) calcIDF(df map[string]int) {
	if len(df) == 0 {
		return
	}

	idfSum := 0.0
	var negative []string
	n := float64(ix.corpusSize)
	for term, freq := range df {
		idf := math.Log(n-float64(freq)+0.5) - math.Log(float64(freq)+0.5)
		ix.idf[term] = idf
		idfSum += idf
		if idf < 0 {
			negative = append(negative, term)
		}
	}

	eps := ix.params.Epsilon * idfSum / float64(len(ix.idf))
	for _, term := range negative {
		ix.idf[term] = eps
	}
}

// Len returns the number of indexed documents.
func (ix *Index) Len() int {
	return ix.corpusSize
}

// Scores returns one BM25 score per indexed document, in corpus order.
// Query terms missing from the index contribute nothing; an empty query
// scores every document zero.
func (ix *Index) Scores(query []string) []float64 {
	scores := make([]float64, ix.corpusSize)
	for _, term := range query {
		idf, ok := ix.idf[term]
		if !ok {
			continue
		}
		for i, freqs := range ix.docFreqs {
			f := float64(freqs[term])
			if f == 0 {
				continue
			}
			rel := 0.0
			if ix.avgdl > 0 {
				rel = float64(ix.docLens[i]) / ix.avgdl
			}
			denom := f + ix.params.K1*(1-ix.params.B+ix.params.B*rel)
			scores[i] += idf * f * (ix.params.K1 + 1) / denom
		}
	}
	return scores
}

// =============================================================================
// TOKENIZER
// =============================================================================

// Tokenize lowercases text, maps every rune that is neither a word
// character nor whitespace to a space, and splits on whitespace. Every
// corpus and query in the repo goes through this one function; mixing
// tokenizers silently zeroes all scores.
func Tokenize(text string) []string {
	mapped := strings.Map(func(r rune) rune {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r), r == '_':
			return unicode.ToLower(r)
		case unicode.IsSpace(r):
			return r
		default:
			return ' '
		}
	}, text)
	return strings.Fields(mapped)
}
