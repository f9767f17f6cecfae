// Package mindmap builds the relationship graph shown around a diagnosis
// code and renders it as Mermaid mindmap text.
package mindmap

import (
	"fmt"
	"strings"

	"github.com/chop-dbhi/icd-lookup/internal/coverage"
	"github.com/chop-dbhi/icd-lookup/internal/drugs"
	"github.com/chop-dbhi/icd-lookup/internal/icd10"
	"github.com/chop-dbhi/icd-lookup/internal/trials"
	"github.com/chop-dbhi/icd-lookup/internal/umls"
)

// DefaultBranchSize caps the leaves under each branch.
const DefaultBranchSize = 8

// Node kinds.
const (
	KindCode      = "code"
	KindBranch    = "branch"
	KindChapter   = "chapter"
	KindCategory  = "category"
	KindRelated   = "related"
	KindDrug      = "drug"
	KindTrial     = "trial"
	KindCoverage  = "coverage"
	KindProcedure = "procedure"
)

// Node is a vertex of the graph.
type Node struct {
	ID    string `json:"id"`
	Label string `json:"label"`
	Kind  string `json:"kind"`
	URL   string `json:"url,omitempty"`
}

// Edge connects two nodes by ID.
type Edge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Graph is a tree rooted at the diagnosis code.
type Graph struct {
	Root  string `json:"root"`
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`

	index map[string]int
}

// Input carries everything known about a code.
type Input struct {
	Code       icd10.Code
	Related    []icd10.Code
	Drugs      []drugs.Drug
	Trials     []trials.Trial
	Coverage   []coverage.Document
	Procedures []umls.Procedure
}

// Build creates the graph for in. Each branch holds at most branchSize
// leaves and branches without leaves are left out.
func Build(in Input, branchSize int) *Graph {
	if branchSize <= 0 {
		branchSize = DefaultBranchSize
	}

	g := &Graph{index: map[string]int{}}
	g.Root = g.add(Node{ID: "code:" + in.Code.Code, Label: label(in.Code.Code, in.Code.Name), Kind: KindCode})

	classification := []Node{}
	if ch, ok := icd10.ChapterFor(in.Code.Code); ok {
		classification = append(classification, Node{
			ID:    fmt.Sprintf("chapter:%d", ch.Number),
			Label: fmt.Sprintf("Chapter %d %s", ch.Number, ch.Title),
			Kind:  KindChapter,
		})
	}
	if cat := icd10.CategoryOf(in.Code.Code); cat != "" && cat != in.Code.Code {
		classification = append(classification, Node{ID: "category:" + cat, Label: "Category " + cat, Kind: KindCategory})
	}
	g.branch("classification", "Classification", classification, branchSize)

	related := []Node{}
	for _, c := range in.Related {
		if c.Code == in.Code.Code {
			continue
		}
		related = append(related, Node{ID: "code:" + c.Code, Label: label(c.Code, c.Name), Kind: KindRelated})
	}
	g.branch("related", "Related codes", related, branchSize)

	drugNodes := []Node{}
	for _, d := range in.Drugs {
		name := d.BrandName
		if d.GenericName != "" && !strings.EqualFold(d.GenericName, d.BrandName) {
			name = strings.TrimSpace(d.BrandName + " " + strings.ToLower(d.GenericName))
		}
		drugNodes = append(drugNodes, Node{ID: "drug:" + strings.ToLower(name), Label: name, Kind: KindDrug})
	}
	g.branch("drugs", "Drugs", drugNodes, branchSize)

	trialNodes := []Node{}
	for _, t := range in.Trials {
		trialNodes = append(trialNodes, Node{ID: "trial:" + t.NCTID, Label: label(t.NCTID, t.Title), Kind: KindTrial, URL: t.URL})
	}
	g.branch("trials", "Clinical trials", trialNodes, branchSize)

	coverageNodes := []Node{}
	for _, d := range in.Coverage {
		coverageNodes = append(coverageNodes, Node{
			ID:    fmt.Sprintf("coverage:%s:%d", d.Type, d.ID),
			Label: label(d.Type+" "+d.DisplayID, d.Title),
			Kind:  KindCoverage,
			URL:   d.URL,
		})
	}
	g.branch("coverage", "Coverage", coverageNodes, branchSize)

	procedureNodes := []Node{}
	for _, p := range in.Procedures {
		procedureNodes = append(procedureNodes, Node{ID: "snomed:" + p.Code, Label: p.Name, Kind: KindProcedure})
	}
	g.branch("procedures", "Procedures", procedureNodes, branchSize)

	return g
}

// add inserts n unless a node with the same ID exists and returns its ID.
func (g *Graph) add(n Node) string {
	if _, ok := g.index[n.ID]; ok {
		return n.ID
	}
	g.index[n.ID] = len(g.Nodes)
	g.Nodes = append(g.Nodes, n)
	return n.ID
}

func (g *Graph) branch(id, title string, leaves []Node, size int) {
	added := 0
	branchID := "branch:" + id
	for _, leaf := range leaves {
		if added == size {
			break
		}
		if _, ok := g.index[leaf.ID]; ok {
			continue
		}
		if added == 0 {
			g.add(Node{ID: branchID, Label: title, Kind: KindBranch})
			g.Edges = append(g.Edges, Edge{From: g.Root, To: branchID})
		}
		g.add(leaf)
		g.Edges = append(g.Edges, Edge{From: branchID, To: leaf.ID})
		added++
	}
}

// Node returns the node with id.
func (g *Graph) Node(id string) (Node, bool) {
	if g.index == nil {
		// decoded graphs carry no index
		g.index = make(map[string]int, len(g.Nodes))
		for i, n := range g.Nodes {
			g.index[n.ID] = i
		}
	}
	if i, ok := g.index[id]; ok {
		return g.Nodes[i], true
	}
	return Node{}, false
}

// Children returns the IDs of the nodes below id in insertion order.
func (g *Graph) Children(id string) []string {
	var children []string
	for _, e := range g.Edges {
		if e.From == id {
			children = append(children, e.To)
		}
	}
	return children
}

// Mermaid renders the graph as a Mermaid mindmap.
func (g *Graph) Mermaid() string {
	var b strings.Builder
	b.WriteString("mindmap\n")
	g.writeMermaid(&b, g.Root, 1)
	return b.String()
}

func (g *Graph) writeMermaid(b *strings.Builder, id string, depth int) {
	n, ok := g.Node(id)
	if !ok {
		return
	}
	indent := strings.Repeat("  ", depth)
	text := mermaidText(n.Label)
	switch n.Kind {
	case KindCode:
		fmt.Fprintf(b, "%sroot((%s))\n", indent, text)
	case KindBranch:
		fmt.Fprintf(b, "%s[%s]\n", indent, text)
	default:
		fmt.Fprintf(b, "%s%s\n", indent, text)
	}
	for _, child := range g.Children(id) {
		g.writeMermaid(b, child, depth+1)
	}
}

// mermaidText removes characters Mermaid reads as node shapes.
func mermaidText(s string) string {
	s = strings.Map(func(r rune) rune {
		switch r {
		case '(', ')', '[', ']', '{', '}', '"', '`':
			return -1
		case '\n', '\r', '\t':
			return ' '
		}
		return r
	}, s)
	s = strings.Join(strings.Fields(s), " ")
	if r := []rune(s); len(r) > 60 {
		s = strings.TrimSpace(string(r[:57])) + "..."
	}
	return s
}

func label(code, name string) string {
	if name == "" {
		return code
	}
	return code + " " + name
}
