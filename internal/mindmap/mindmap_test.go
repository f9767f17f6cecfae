package mindmap

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/chop-dbhi/icd-lookup/internal/coverage"
	"github.com/chop-dbhi/icd-lookup/internal/drugs"
	"github.com/chop-dbhi/icd-lookup/internal/icd10"
	"github.com/chop-dbhi/icd-lookup/internal/trials"
	"github.com/chop-dbhi/icd-lookup/internal/umls"
)

func testInput() Input {
	related := []icd10.Code{icd10.NewCode("E11.9", "Type 2 diabetes mellitus without complications")}
	for i := 0; i < 12; i++ {
		related = append(related, icd10.NewCode(fmt.Sprintf("E11.%d", i+20), "Type 2 diabetes mellitus with complication"))
	}
	related = append(related, related[3])

	return Input{
		Code:    icd10.NewCode("E11.9", "Type 2 diabetes mellitus without complications"),
		Related: related,
		Drugs: []drugs.Drug{
			{BrandName: "Glucophage", GenericName: "METFORMIN HYDROCHLORIDE"},
			{GenericName: "sitagliptin"},
		},
		Trials: []trials.Trial{{NCTID: "NCT01234567", Title: "Metformin (early) [phase 3]", URL: "https://clinicaltrials.gov/study/NCT01234567"}},
		Coverage: []coverage.Document{
			{Type: coverage.LCD, ID: 35000, DisplayID: "L35000", Title: "Diabetes Mellitus Screening"},
		},
		Procedures: []umls.Procedure{},
	}
}

func TestBuild(t *testing.T) {
	t.Parallel()

	g := Build(testInput(), 0)

	if g.Root != "code:E11.9" {
		t.Fatalf("unexpected root %s", g.Root)
	}

	seen := map[string]bool{}
	for _, n := range g.Nodes {
		if seen[n.ID] {
			t.Errorf("duplicate node id %s", n.ID)
		}
		seen[n.ID] = true
	}
	for _, e := range g.Edges {
		if !seen[e.From] || !seen[e.To] {
			t.Errorf("edge %v references a missing node", e)
		}
	}

	if got := len(g.Children("branch:related")); got != DefaultBranchSize {
		t.Errorf("expected related branch capped at %d, got %d", DefaultBranchSize, got)
	}
	if _, ok := g.Node("branch:procedures"); ok {
		t.Error("expected empty branch to be left out")
	}
	if got := len(g.Children("branch:classification")); got != 2 {
		t.Errorf("expected chapter and category, got %d", got)
	}

	drug, ok := g.Node("drug:glucophage metformin hydrochloride")
	if !ok || drug.Kind != KindDrug {
		t.Errorf("expected combined drug label, got %+v", drug)
	}
	if _, ok := g.Node("drug:sitagliptin"); !ok {
		t.Error("expected generic only drug node")
	}
}

func TestMermaid(t *testing.T) {
	t.Parallel()

	text := Build(testInput(), 2).Mermaid()
	lines := strings.Split(strings.TrimSpace(text), "\n")

	if lines[0] != "mindmap" {
		t.Fatalf("expected mindmap header, got %q", lines[0])
	}
	if lines[1] != "  root((E11.9 Type 2 diabetes mellitus without complications))" {
		t.Errorf("unexpected root line %q", lines[1])
	}
	if !strings.Contains(text, "    [Clinical trials]\n      NCT01234567 Metformin early phase 3\n") {
		t.Errorf("expected sanitized trial leaf, got\n%s", text)
	}
}

func TestDecodedGraph(t *testing.T) {
	t.Parallel()

	data, err := json.Marshal(Build(testInput(), 3))
	if err != nil {
		t.Fatal(err)
	}
	var g Graph
	if err := json.Unmarshal(data, &g); err != nil {
		t.Fatal(err)
	}
	if _, ok := g.Node("branch:drugs"); !ok {
		t.Error("expected decoded graph to find nodes")
	}
	if !strings.HasPrefix(g.Mermaid(), "mindmap\n  root((") {
		t.Error("expected decoded graph to render")
	}
}

func TestMermaidTextTruncates(t *testing.T) {
	t.Parallel()

	got := mermaidText(strings.Repeat("é", 80))
	if n := len([]rune(got)); n != 60 {
		t.Errorf("expected 60 runes, got %d", n)
	}
}
