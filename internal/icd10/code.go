// Package icd10 searches ICD-10-CM diagnosis codes through the NLM
// ClinicalTables API and classifies codes into chapters and categories.
package icd10

import (
	"regexp"
	"strings"
)

var (
	codeRegex     = regexp.MustCompile(`^[A-Z][0-9][0-9A-Z](\.[0-9A-Z]{1,4})?$`)
	codeLikeRegex = regexp.MustCompile(`^[A-Za-z][0-9][0-9A-Za-z]?\.?[0-9A-Za-z]{0,4}$`)
)

// Code is a single ICD-10-CM code as returned to callers.
type Code struct {
	Code     string `json:"code"`
	Name     string `json:"name"`
	Category string `json:"category"`
	Chapter  int    `json:"chapter,omitempty"`
}

// NewCode builds a Code, filling in the derived category and chapter.
func NewCode(code, name string) Code {
	code = FormatCode(code)
	c := Code{
		Code:     code,
		Name:     strings.TrimSpace(name),
		Category: CategoryOf(code),
	}
	if ch, ok := ChapterFor(code); ok {
		c.Chapter = ch.Number
	}
	return c
}

// FormatCode uppercases a code and inserts the dot after the category when
// it was omitted ("e119" becomes "E11.9").
func FormatCode(s string) string {
	s = strings.ToUpper(strings.TrimSpace(s))
	s = strings.ReplaceAll(s, " ", "")
	if len(s) > 3 && !strings.Contains(s, ".") {
		s = s[:3] + "." + s[3:]
	}
	return s
}

// ValidCode reports whether s is a well formed ICD-10-CM code once formatted.
func ValidCode(s string) bool {
	return codeRegex.MatchString(FormatCode(s))
}

// LooksLikeCode reports whether a free text query is most likely a code or a
// code prefix rather than a description.
func LooksLikeCode(s string) bool {
	s = strings.TrimSpace(s)
	if len(s) < 2 {
		return false
	}
	return codeLikeRegex.MatchString(s)
}

// CategoryOf returns the three character category of a code.
func CategoryOf(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	if len(code) < 3 {
		return code
	}
	return code[:3]
}

// StripDot removes the dot so codes can be compared regardless of format.
func StripDot(code string) string {
	return strings.ReplaceAll(strings.ToUpper(code), ".", "")
}
