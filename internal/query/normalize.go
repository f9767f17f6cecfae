// Package query rewrites free text searches into ICD-10-CM vocabulary and
// simplifies code titles into terms usable against other data sources.
package query

import (
	_ "embed"
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"
	"gopkg.in/yaml.v3"

	"github.com/chop-dbhi/icd-lookup/internal/icd10"
)

//go:embed terms.yaml
var defaultTerms []byte

// Rules reported by Rewrite.
const (
	RuleNone         = ""
	RuleCode         = "code"
	RuleSynonym      = "synonym"
	RuleOrgan        = "organ"
	RuleAbbreviation = "abbreviation"
)

var (
	cancerRegex       = regexp.MustCompile(`^(?:(.+?)\s+)?(?:cancer|carcinoma|malignancy)(?:\s+of\s+(?:the\s+)?(.+))?$`)
	inflamedRegex     = regexp.MustCompile(`^(?:inflamed|inflammation\s+of(?:\s+the)?)\s+(.+)$`)
	inflammationRegex = regexp.MustCompile(`^(.+?)\s+inflammation$`)
	disallowedRegex   = regexp.MustCompile(`[^a-z0-9 .'\-]+`)
	spaceRegex        = regexp.MustCompile(`\s+`)
)

// Dictionary holds the term mappings used by a Normalizer.
type Dictionary struct {
	Synonyms      map[string]string `yaml:"synonyms"`
	Abbreviations map[string]string `yaml:"abbreviations"`
	Organs        []Organ           `yaml:"organs"`
}

// Organ maps an anatomical site and its adjective forms to the term used in
// ICD-10-CM titles.
type Organ struct {
	Name         string   `yaml:"name"`
	Adjectives   []string `yaml:"adjectives"`
	Inflammation string   `yaml:"inflammation"`
}

// ParseDictionary decodes a YAML term dictionary.
func ParseDictionary(data []byte) (*Dictionary, error) {
	var d Dictionary
	if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("error parsing term dictionary: %w", err)
	}
	return &d, nil
}

// Rewrite describes how a query was normalized.
type Rewrite struct {
	Original string `json:"original"`
	Query    string `json:"query"`
	Rule     string `json:"rule,omitempty"`
}

// Changed reports whether normalization produced a different search.
func (r Rewrite) Changed() bool {
	return r.Rule != RuleNone && r.Rule != RuleCode
}

// Normalizer rewrites queries using a Dictionary.
type Normalizer struct {
	synonyms      map[string]string
	abbreviations map[string]string
	organs        map[string]Organ
}

// NewNormalizer builds a Normalizer from d.
func NewNormalizer(d *Dictionary) *Normalizer {
	n := &Normalizer{
		synonyms:      map[string]string{},
		abbreviations: map[string]string{},
		organs:        map[string]Organ{},
	}
	for k, v := range d.Synonyms {
		n.synonyms[n.clean(k)] = v
	}
	for k, v := range d.Abbreviations {
		n.abbreviations[n.clean(k)] = v
	}
	for _, organ := range d.Organs {
		n.organs[n.clean(organ.Name)] = organ
		for _, adj := range organ.Adjectives {
			n.organs[n.clean(adj)] = organ
		}
	}
	return n
}

var defaultNormalizer *Normalizer

func init() {
	d, err := ParseDictionary(defaultTerms)
	if err != nil {
		panic(err)
	}
	defaultNormalizer = NewNormalizer(d)
}

// Default returns the Normalizer built from the embedded dictionary.
func Default() *Normalizer {
	return defaultNormalizer
}

// Normalize rewrites q with the default dictionary.
func Normalize(q string) string {
	return defaultNormalizer.Rewrite(q).Query
}

// Normalize returns only the rewritten query.
func (n *Normalizer) Normalize(q string) string {
	return n.Rewrite(q).Query
}

// Rewrite applies the first matching rule to q: code formatting, whole
// phrase synonyms, organ patterns, then word level abbreviations.
func (n *Normalizer) Rewrite(q string) Rewrite {
	cleaned := n.clean(q)
	r := Rewrite{Original: q, Query: cleaned}
	if cleaned == "" {
		return r
	}

	// Some abbreviations ("t2dm") are shaped like code prefixes.
	if expanded, ok := n.abbreviations[cleaned]; ok {
		r.Query = expanded
		r.Rule = RuleAbbreviation
		return r
	}

	if icd10.LooksLikeCode(cleaned) {
		r.Query = icd10.FormatCode(cleaned)
		r.Rule = RuleCode
		return r
	}

	if synonym, ok := n.synonyms[cleaned]; ok {
		r.Query = synonym
		r.Rule = RuleSynonym
		return r
	}

	if rewritten, ok := n.organPattern(cleaned); ok {
		r.Query = rewritten
		r.Rule = RuleOrgan
		return r
	}

	words := strings.Fields(cleaned)
	changed := false
	for i, word := range words {
		if expanded, ok := n.abbreviations[word]; ok {
			words[i] = expanded
			changed = true
		}
	}
	if changed {
		r.Query = strings.Join(words, " ")
		r.Rule = RuleAbbreviation
	}
	return r
}

func (n *Normalizer) organPattern(q string) (string, bool) {
	if m := cancerRegex.FindStringSubmatch(q); m != nil {
		site := m[1]
		if site == "" {
			site = m[2]
		} else if m[2] != "" {
			return "", false
		}
		if site == "" {
			return "", false
		}
		if organ, ok := n.organs[site]; ok {
			site = organ.Name
		}
		return "malignant neoplasm of " + site, true
	}

	site := ""
	if m := inflamedRegex.FindStringSubmatch(q); m != nil {
		site = m[1]
	} else if m := inflammationRegex.FindStringSubmatch(q); m != nil {
		site = m[1]
	}
	if site != "" {
		if organ, ok := n.organs[site]; ok && organ.Inflammation != "" {
			return organ.Inflammation, true
		}
	}
	return "", false
}

// clean applies unicode compatibility normalization, lowercases, drops
// punctuation other than dots, hyphens and apostrophes and collapses
// whitespace. Casers are not safe for concurrent use, so one is built per
// call.
func (n *Normalizer) clean(s string) string {
	s = norm.NFKC.String(s)
	s = cases.Lower(language.English).String(s)
	s = disallowedRegex.ReplaceAllString(s, " ")
	s = spaceRegex.ReplaceAllString(s, " ")
	return strings.Trim(s, " .-'")
}
