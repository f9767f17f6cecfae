package icd10

import "strconv"

// Chapter is one of the top level ICD-10-CM groupings.
type Chapter struct {
	Number int    `json:"number"`
	Start  string `json:"start"`
	End    string `json:"end"`
	Title  string `json:"title"`
}

// Range returns the chapter's code range, e.g. "A00-B99".
func (c Chapter) Range() string {
	return c.Start + "-" + c.End
}

// Contains reports whether the category of code falls in the chapter.
func (c Chapter) Contains(code string) bool {
	cat := CategoryOf(code)
	if len(cat) != 3 {
		return false
	}
	return cat >= c.Start && cat <= c.End
}

var chapters = []Chapter{
	{1, "A00", "B99", "Certain infectious and parasitic diseases"},
	{2, "C00", "D49", "Neoplasms"},
	{3, "D50", "D89", "Diseases of the blood and blood-forming organs and certain disorders involving the immune mechanism"},
	{4, "E00", "E89", "Endocrine, nutritional and metabolic diseases"},
	{5, "F01", "F99", "Mental, behavioral and neurodevelopmental disorders"},
	{6, "G00", "G99", "Diseases of the nervous system"},
	{7, "H00", "H59", "Diseases of the eye and adnexa"},
	{8, "H60", "H95", "Diseases of the ear and mastoid process"},
	{9, "I00", "I99", "Diseases of the circulatory system"},
	{10, "J00", "J99", "Diseases of the respiratory system"},
	{11, "K00", "K95", "Diseases of the digestive system"},
	{12, "L00", "L99", "Diseases of the skin and subcutaneous tissue"},
	{13, "M00", "M99", "Diseases of the musculoskeletal system and connective tissue"},
	{14, "N00", "N99", "Diseases of the genitourinary system"},
	{15, "O00", "O9A", "Pregnancy, childbirth and the puerperium"},
	{16, "P00", "P96", "Certain conditions originating in the perinatal period"},
	{17, "Q00", "Q99", "Congenital malformations, deformations and chromosomal abnormalities"},
	{18, "R00", "R99", "Symptoms, signs and abnormal clinical and laboratory findings, not elsewhere classified"},
	{19, "S00", "T88", "Injury, poisoning and certain other consequences of external causes"},
	{20, "V00", "Y99", "External causes of morbidity"},
	{21, "Z00", "Z99", "Factors influencing health status and contact with health services"},
	{22, "U00", "U85", "Codes for special purposes"},
}

// Chapters returns all chapters in chapter number order.
func Chapters() []Chapter {
	out := make([]Chapter, len(chapters))
	copy(out, chapters)
	return out
}

// ChapterFor returns the chapter containing code.
func ChapterFor(code string) (Chapter, bool) {
	for _, ch := range chapters {
		if ch.Contains(code) {
			return ch, true
		}
	}
	return Chapter{}, false
}

// ParseChapter resolves a chapter filter given either as a chapter number
// ("9") or as a code range ("I00-I99").
func ParseChapter(s string) (Chapter, bool) {
	if n, err := strconv.Atoi(s); err == nil {
		for _, ch := range chapters {
			if ch.Number == n {
				return ch, true
			}
		}
		return Chapter{}, false
	}
	for _, ch := range chapters {
		if ch.Range() == s {
			return ch, true
		}
	}
	return Chapter{}, false
}
