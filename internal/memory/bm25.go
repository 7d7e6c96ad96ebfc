package memory

import (
	"math"
	"strings"
	"unicode"
)

// BM25 parameters: k1 controls term-frequency saturation, b controls
// document-length normalization.
const (
	bm25K1        = 1.2
	bm25B         = 0.75
	minTermLength = 2
)

// tokenize splits text into lower-cased alphanumeric terms.
func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func termFrequencies(terms []string) map[string]int {
	tf := make(map[string]int, len(terms))
	for _, t := range terms {
		if len(t) >= minTermLength {
			tf[t]++
		}
	}
	return tf
}

// bm25Scorer scores documents against a query using the BM25 ranking
// function. Build one per query over the candidate set.
type bm25Scorer struct {
	queryTerms []string
	docTFs     []map[string]int
	docLens    []int
	avgDocLen  float64
	idf        map[string]float64
}

// newBM25Scorer indexes the documents and precomputes per-term IDF.
func newBM25Scorer(query string, docs []string) *bm25Scorer {
	s := &bm25Scorer{
		docTFs:  make([]map[string]int, len(docs)),
		docLens: make([]int, len(docs)),
		idf:     map[string]float64{},
	}
	for _, t := range tokenize(query) {
		if len(t) >= minTermLength {
			s.queryTerms = append(s.queryTerms, t)
		}
	}

	totalLen := 0
	for i, doc := range docs {
		terms := tokenize(doc)
		s.docTFs[i] = termFrequencies(terms)
		s.docLens[i] = len(terms)
		totalLen += len(terms)
	}
	if len(docs) > 0 {
		s.avgDocLen = float64(totalLen) / float64(len(docs))
	}

	n := float64(len(docs))
	for _, term := range s.queryTerms {
		df := 0.0
		for _, tf := range s.docTFs {
			if _, ok := tf[term]; ok {
				df++
			}
		}
		if df > 0 {
			s.idf[term] = math.Log((n-df+0.5)/(df+0.5) + 1.0)
		}
	}
	return s
}

// score returns the BM25 score of document i against the query.
func (s *bm25Scorer) score(i int) float64 {
	if s.avgDocLen == 0 {
		return 0
	}
	var score float64
	for _, term := range s.queryTerms {
		tf := float64(s.docTFs[i][term])
		if tf == 0 {
			continue
		}
		idf := s.idf[term]
		num := tf * (bm25K1 + 1)
		den := tf + bm25K1*(1-bm25B+bm25B*float64(s.docLens[i])/s.avgDocLen)
		score += idf * num / den
	}
	return score
}

// cosineSimilarity computes the cosine of the angle between two vectors.
// Mismatched lengths or zero vectors score 0.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
