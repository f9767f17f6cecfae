// Package report renders lookup results as Markdown for sharing and for the
// CLI.
package report

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/nao1215/markdown"

	"github.com/chop-dbhi/icd-lookup/internal/lookup"
	"github.com/chop-dbhi/icd-lookup/internal/mindmap"
)

// MarkdownWriter writes search results and code details in Markdown.
type MarkdownWriter struct {
	output io.Writer
}

// NewMarkdownWriter creates a MarkdownWriter that outputs to w.
func NewMarkdownWriter(w io.Writer) *MarkdownWriter {
	return &MarkdownWriter{output: w}
}

// WriteSearch writes a ranked result page.
func (w *MarkdownWriter) WriteSearch(resp *lookup.SearchResponse) error {
	md := markdown.NewMarkdown(w.output)

	md.H1(fmt.Sprintf("ICD-10 search: %s", resp.Query))
	md.PlainText("")
	if resp.Normalized != "" && !strings.EqualFold(resp.Normalized, resp.Query) {
		md.Note(fmt.Sprintf("Also searched for %q (%s rule).", resp.Normalized, resp.Rule))
		md.PlainText("")
	}
	writeWarnings(md, resp.Warnings)

	if len(resp.Results) == 0 {
		md.PlainText("No matching codes.")
		return md.Build()
	}

	rows := make([][]string, len(resp.Results))
	for i, r := range resp.Results {
		rows[i] = []string{"`" + r.Code.Code + "`", cell(r.Name, 80), strconv.Itoa(r.Chapter), strconv.Itoa(r.Score)}
	}
	md.Table(markdown.TableSet{
		Header: []string{"Code", "Description", "Chapter", "Score"},
		Rows:   rows,
	})
	md.PlainText("")
	md.PlainTextf("Showing %d of %d results.", len(resp.Results), resp.Total)
	md.PlainText("")

	if len(resp.Chapters) > 0 {
		md.H2("Chapters")
		md.PlainText("")
		items := make([]string, len(resp.Chapters))
		for i, f := range resp.Chapters {
			items[i] = fmt.Sprintf("%s %s (%d)", f.Range, f.Title, f.Count)
		}
		md.BulletList(items...)
	}
	return md.Build()
}

// WriteDetail writes everything known about a code. The graph is optional.
func (w *MarkdownWriter) WriteDetail(d *lookup.Detail, graph *mindmap.Graph) error {
	md := markdown.NewMarkdown(w.output)

	md.H1(fmt.Sprintf("%s %s", d.Code.Code, d.Code.Name))
	md.PlainText("")

	info := [][]string{
		{"Category", "`" + d.Code.Category + "`"},
		{"Condition", d.Condition},
	}
	if d.Chapter != nil {
		info = append(info, []string{"Chapter", fmt.Sprintf("%d %s (%s)", d.Chapter.Number, d.Chapter.Title, d.Chapter.Range())})
	}
	md.Table(markdown.TableSet{Header: []string{"Property", "Value"}, Rows: info})
	md.PlainText("")
	writeWarnings(md, d.Warnings)

	md.H2("Related codes")
	md.PlainText("")
	if len(d.Related) == 0 {
		md.PlainText("None found.")
	} else {
		items := make([]string, len(d.Related))
		for i, c := range d.Related {
			items[i] = fmt.Sprintf("`%s` %s", c.Code, c.Name)
		}
		md.BulletList(items...)
	}
	md.PlainText("")

	md.H2("Drugs")
	md.PlainText("")
	if len(d.Drugs) == 0 {
		md.PlainText("None found.")
	} else {
		rows := make([][]string, len(d.Drugs))
		for i, drug := range d.Drugs {
			rows[i] = []string{cell(drug.BrandName, 40), cell(drug.GenericName, 40), cell(drug.Route, 30), dash(drug.RxCUI)}
		}
		md.Table(markdown.TableSet{Header: []string{"Brand", "Generic", "Route", "RxCUI"}, Rows: rows})
	}
	md.PlainText("")

	md.H2("Clinical trials")
	md.PlainText("")
	if len(d.Trials) == 0 {
		md.PlainText("None found.")
	} else {
		rows := make([][]string, len(d.Trials))
		for i, t := range d.Trials {
			rows[i] = []string{link(t.NCTID, t.URL), cell(t.Title, 80), dash(t.Status), dash(strings.Join(t.Phases, ", "))}
		}
		md.Table(markdown.TableSet{Header: []string{"Study", "Title", "Status", "Phase"}, Rows: rows})
	}
	md.PlainText("")

	md.H2("Medicare coverage")
	md.PlainText("")
	if len(d.Coverage) == 0 {
		md.PlainText("None found.")
	} else {
		rows := make([][]string, len(d.Coverage))
		for i, doc := range d.Coverage {
			rows[i] = []string{doc.Type, link(doc.DisplayID, doc.URL), cell(doc.Title, 80), cell(doc.Contractor, 40)}
		}
		md.Table(markdown.TableSet{Header: []string{"Type", "ID", "Title", "Contractor"}, Rows: rows})
	}
	md.PlainText("")

	if len(d.Procedures) > 0 {
		md.H2("SNOMED CT procedures")
		md.PlainText("")
		items := make([]string, len(d.Procedures))
		for i, p := range d.Procedures {
			items[i] = fmt.Sprintf("`%s` %s (%s)", p.Code, p.Name, p.Origin)
		}
		md.BulletList(items...)
		md.PlainText("")
	}

	if graph != nil {
		md.H2("Mind map")
		md.PlainText("")
		md.CodeBlocks(markdown.SyntaxHighlightMermaid, strings.TrimSuffix(graph.Mermaid(), "\n"))
		md.PlainText("")
	}

	md.HorizontalRule()
	md.PlainText("")
	md.PlainText("*Data from NLM ClinicalTables, OpenFDA, ClinicalTrials.gov, CMS Coverage and UMLS.*")
	return md.Build()
}

func writeWarnings(md *markdown.Markdown, warnings []lookup.Warning) {
	if len(warnings) == 0 {
		return
	}
	sources := make([]string, len(warnings))
	for i, w := range warnings {
		sources[i] = w.Source
	}
	md.Warningf("Some sources could not be reached: %s.", strings.Join(sources, ", "))
	md.PlainText("")
}

// cell makes s safe for a table cell and truncates it to n characters.
func cell(s string, n int) string {
	s = strings.Join(strings.Fields(strings.ReplaceAll(s, "|", "/")), " ")
	if r := []rune(s); len(r) > n {
		s = string(r[:n-3]) + "..."
	}
	return dash(s)
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func link(text, url string) string {
	if url == "" {
		return dash(text)
	}
	return fmt.Sprintf("[%s](%s)", text, url)
}
