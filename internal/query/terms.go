package query

import (
	"regexp"
	"strings"
)

var (
	bracketRegex = regexp.MustCompile(`\([^)]*\)|\[[^\]]*\]`)

	// Qualifiers that narrow a code title but only add noise when the title
	// is used as a search term elsewhere.
	qualifiers = []string{
		"without complications",
		"with complications",
		"not elsewhere classified",
		"initial encounter",
		"subsequent encounter",
		"other specified",
		"uncomplicated",
		"unspecified",
	}

	stopwords = map[string]bool{
		"and": true, "the": true, "with": true, "without": true, "due": true,
		"for": true, "other": true, "unspecified": true, "specified": true,
		"not": true, "elsewhere": true, "classified": true, "type": true,
		"disease": true, "disorder": true, "from": true, "into": true,
		"site": true, "part": true, "any": true, "its": true,
	}
)

// ConditionTerm simplifies an ICD-10-CM title into a condition name suited to
// drug label, trial and coverage searches. "Type 2 diabetes mellitus without
// complications" becomes "type 2 diabetes mellitus".
func ConditionTerm(name string) string {
	name = bracketRegex.ReplaceAllString(name, " ")
	term := name
	if i := strings.Index(term, ","); i >= 0 {
		term = term[:i]
	}
	term = defaultNormalizer.clean(term)
	for _, q := range qualifiers {
		term = strings.ReplaceAll(term, q, " ")
	}
	term = strings.TrimPrefix(strings.TrimSpace(term), "other ")
	term = strings.Join(strings.Fields(term), " ")
	if term == "" {
		return defaultNormalizer.clean(name)
	}
	return term
}

// Keywords returns the significant lowercase words of s, in order and
// without repeats.
func Keywords(s string) []string {
	var out []string
	seen := map[string]bool{}
	for _, word := range strings.Fields(defaultNormalizer.clean(s)) {
		word = strings.Trim(word, ".'-")
		if len(word) < 3 || stopwords[word] || seen[word] {
			continue
		}
		seen[word] = true
		out = append(out, word)
	}
	return out
}
