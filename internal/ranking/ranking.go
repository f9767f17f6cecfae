// Package ranking scores ICD-10 search results against the query that
// produced them.
package ranking

import (
	"sort"
	"strings"

	"github.com/chop-dbhi/icd-lookup/internal/icd10"
)

// Score weights. Each tier outranks every tier below it regardless of the
// length adjustments applied inside the tier.
const (
	scoreExactCode  = 1000
	scoreCodePrefix = 800
	scoreExactName  = 700
	scoreNamePrefix = 600
	scorePhrase     = 500
	scoreAllWords   = 300
	scorePartial    = 200
)

// Scored is a code with its relevance score.
type Scored struct {
	icd10.Code
	Score int `json:"score"`
}

// Score rates how well a code and its name match query. Higher is better; zero
// means nothing in the query matched.
func Score(query, code, name string) int {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return 0
	}
	n := strings.ToLower(name)

	bareQuery := icd10.StripDot(q)
	bareCode := icd10.StripDot(code)
	switch {
	case bareQuery == bareCode:
		return scoreExactCode
	case len(bareQuery) >= 2 && strings.HasPrefix(bareCode, bareQuery):
		return scoreCodePrefix - (len(bareCode) - len(bareQuery))
	}

	var score int
	switch {
	case n == q:
		score = scoreExactName
	case strings.HasPrefix(n, q):
		score = scoreNamePrefix
	case strings.Contains(n, q):
		score = scorePhrase
	default:
		words := strings.Fields(q)
		nameWords := map[string]bool{}
		for _, w := range strings.Fields(strings.NewReplacer(",", " ", "(", " ", ")", " ").Replace(n)) {
			nameWords[w] = true
		}
		matched := 0
		for _, w := range words {
			if nameWords[w] || strings.Contains(n, w) {
				matched++
			}
		}
		switch {
		case matched == 0:
			return 0
		case matched == len(words):
			// the word bonus must not lift the tier into scorePhrase
			score = scoreAllWords + min(10*matched, scorePhrase-scoreAllWords-1)
		default:
			score = scorePartial * matched / len(words)
		}
	}

	// Shorter names are more general and usually what a browsing user wants.
	score -= len(n) / 10
	if score < 1 {
		score = 1
	}
	return score
}

// Rank scores codes against query and returns them best first. Ties are
// broken by code so the order is stable across identical searches.
func Rank(query string, codes []icd10.Code) []Scored {
	return RankBest([]string{query}, codes)
}

// RankBest scores codes against every query and keeps the best score per code.
// It is used when a search fans out over the original and rewritten query.
func RankBest(queries []string, codes []icd10.Code) []Scored {
	best := make([]Scored, 0, len(codes))
	for _, c := range codes {
		s := Scored{Code: c}
		for _, q := range queries {
			if v := Score(q, c.Code, c.Name); v > s.Score {
				s.Score = v
			}
		}
		best = append(best, s)
	}
	sort.SliceStable(best, func(i, j int) bool {
		if best[i].Score == best[j].Score {
			return best[i].Code.Code < best[j].Code.Code
		}
		return best[i].Score > best[j].Score
	})
	return best
}

// Deduplicate keeps the first item for each key, preserving order.
func Deduplicate[T any](items []T, keyFunc func(T) string) []T {
	seen := make(map[string]bool, len(items))
	result := make([]T, 0, len(items))

	for _, item := range items {
		key := keyFunc(item)
		if seen[key] {
			continue
		}
		seen[key] = true
		result = append(result, item)
	}

	return result
}

// DeduplicateCodes removes repeated codes, treating "E119" and "E11.9" as the
// same code.
func DeduplicateCodes(codes []icd10.Code) []icd10.Code {
	return Deduplicate(codes, func(c icd10.Code) string {
		return icd10.StripDot(c.Code)
	})
}
