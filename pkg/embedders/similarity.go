package embedders

import (
	"math"
	"regexp"
	"strings"

	"github.com/duskpoint/reverie/pkg/errs"
)

// Cosine similarity over equal-length vectors. Zero vectors score 0.
func Cosine(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, errs.InvalidRequest("cosine requires equal-length vectors")
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0, nil
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB)), nil
}

// SearchTerms is the keyword decomposition of a query.
type SearchTerms struct {
	Keywords      []string
	ExactPhrases  []string
	UsedEmbedding bool
}

var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {}, "be": {},
	"but": {}, "by": {}, "for": {}, "from": {}, "had": {}, "has": {},
	"have": {}, "he": {}, "her": {}, "his": {}, "i": {}, "in": {}, "is": {},
	"it": {}, "its": {}, "my": {}, "of": {}, "on": {}, "or": {}, "she": {},
	"that": {}, "the": {}, "their": {}, "them": {}, "they": {}, "this": {},
	"to": {}, "was": {}, "we": {}, "were": {}, "what": {}, "when": {},
	"where": {}, "which": {}, "who": {}, "will": {}, "with": {}, "you": {},
	"your": {},
}

var (
	phraseRe = regexp.MustCompile(`"([^"]+)"`)
	wordRe   = regexp.MustCompile(`[a-z0-9']+`)
)

// ExtractSearchTerms splits a query into stopword-free keywords plus any
// double-quoted exact phrases.
func ExtractSearchTerms(query string) SearchTerms {
	terms := SearchTerms{}
	lower := strings.ToLower(query)

	for _, m := range phraseRe.FindAllStringSubmatch(lower, -1) {
		phrase := strings.TrimSpace(m[1])
		if phrase != "" {
			terms.ExactPhrases = append(terms.ExactPhrases, phrase)
		}
	}
	rest := phraseRe.ReplaceAllString(lower, " ")

	seen := make(map[string]struct{})
	for _, w := range wordRe.FindAllString(rest, -1) {
		if _, stop := stopwords[w]; stop {
			continue
		}
		if _, dup := seen[w]; dup {
			continue
		}
		seen[w] = struct{}{}
		terms.Keywords = append(terms.Keywords, w)
	}
	return terms
}

const phraseMatchWeight = 0.25

// TextSimilarity scores text against a query without embeddings: Jaccard
// overlap of keyword sets plus a fixed bonus per exact-phrase hit, clamped
// to [0, 1].
func TextSimilarity(query, text string) float64 {
	terms := ExtractSearchTerms(query)
	textWords := make(map[string]struct{})
	for _, w := range wordRe.FindAllString(strings.ToLower(text), -1) {
		if _, stop := stopwords[w]; !stop {
			textWords[w] = struct{}{}
		}
	}

	var score float64
	if len(terms.Keywords) > 0 && len(textWords) > 0 {
		matched := 0
		for _, k := range terms.Keywords {
			if _, ok := textWords[k]; ok {
				matched++
			}
		}
		union := len(textWords) + len(terms.Keywords) - matched
		if union > 0 {
			score = float64(matched) / float64(union)
		}
	}

	lowerText := strings.ToLower(text)
	for _, phrase := range terms.ExactPhrases {
		if strings.Contains(lowerText, phrase) {
			score += phraseMatchWeight
		}
	}

	if score > 1 {
		return 1
	}
	return score
}
