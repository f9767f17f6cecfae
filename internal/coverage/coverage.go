// Package coverage finds Medicare national and local coverage determinations
// relevant to a condition using the CMS Coverage API.
package coverage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.elastic.co/apm"
	"golang.org/x/sync/errgroup"

	"github.com/chop-dbhi/icd-lookup/internal/cache"
	"github.com/chop-dbhi/icd-lookup/internal/query"
	"github.com/chop-dbhi/icd-lookup/internal/upstream"
)

// DefaultBaseURL is the CMS Coverage API reports root.
const DefaultBaseURL = "https://api.coverage.cms.gov/v1/reports"

const (
	ncdPath = "/national-coverage-ncd/"
	lcdPath = "/local-coverage-final-lcds/"

	ncdViewURL = "https://www.cms.gov/medicare-coverage-database/view/ncd.aspx?ncdid=%d&ncdver=%d"
	lcdViewURL = "https://www.cms.gov/medicare-coverage-database/view/lcd.aspx?lcdid=%d&ver=%d"
)

// Document types.
const (
	NCD = "NCD"
	LCD = "LCD"
)

// Document is a coverage determination matched to a condition.
type Document struct {
	Type       string `json:"type"`
	ID         int    `json:"id"`
	DisplayID  string `json:"displayId"`
	Version    int    `json:"version"`
	Title      string `json:"title"`
	Contractor string `json:"contractor,omitempty"`
	UpdatedOn  string `json:"updatedOn,omitempty"`
	URL        string `json:"url"`
	Score      int    `json:"score"`
}

type report struct {
	Data []struct {
		DocumentID        int    `json:"document_id"`
		DocumentDisplayID string `json:"document_display_id"`
		DocumentVersion   int    `json:"document_version"`
		Title             string `json:"title"`
		ContractorName    string `json:"contractor_name_type"`
		UpdatedOn         string `json:"updated_on"`
		LastUpdated       string `json:"last_updated"`
	} `json:"data"`
}

// related words count as matches for each other when comparing titles.
var related = map[string][]string{
	"neoplasm":  {"cancer", "tumor", "oncology", "malignant"},
	"malignant": {"cancer", "neoplasm", "tumor"},
	"cancer":    {"neoplasm", "malignant", "tumor", "oncology"},
	"diabetes":  {"diabetic", "glucose"},
	"diabetic":  {"diabetes"},
	"renal":     {"kidney", "dialysis"},
	"kidney":    {"renal"},
	"cardiac":   {"heart", "cardiovascular"},
	"heart":     {"cardiac", "cardiovascular"},
	"pulmonary": {"lung", "respiratory"},
	"lung":      {"pulmonary", "respiratory"},
	"sleep":     {"apnea"},
	"apnea":     {"sleep"},
}

// Client queries and scores coverage documents. The report lists change
// rarely and are cached as a whole.
type Client struct {
	http    *upstream.Client
	baseURL string
	cache   cache.Store
	ttl     time.Duration
}

// NewClient creates a coverage client. A nil store disables list caching.
func NewClient(http *upstream.Client, baseURL string, store cache.Store, ttl time.Duration) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		http:    http,
		baseURL: strings.TrimRight(baseURL, "/"),
		cache:   store,
		ttl:     ttl,
	}
}

// Documents returns all NCDs and final LCDs.
func (c *Client) Documents(ctx context.Context) ([]Document, error) {
	span, ctx := apm.StartSpan(ctx, "Get Coverage Documents", "Combined")
	defer span.End()

	var ncds, lcds []Document
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		ncds, err = c.list(ctx, NCD, ncdPath)
		return err
	})
	g.Go(func() error {
		var err error
		lcds, err = c.list(ctx, LCD, lcdPath)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return append(ncds, lcds...), nil
}

func (c *Client) list(ctx context.Context, kind, path string) ([]Document, error) {
	return cache.Load(ctx, c.cache, "coverage:"+kind, c.ttl, func(ctx context.Context) ([]Document, error) {
		var resp report
		if err := c.http.GetJSON(ctx, "CMS Coverage "+kind, c.baseURL+path, nil, &resp); err != nil {
			return nil, fmt.Errorf("error retrieving %s list: %w", kind, err)
		}

		docs := make([]Document, 0, len(resp.Data))
		for _, d := range resp.Data {
			if d.Title == "" {
				continue
			}
			doc := Document{
				Type:       kind,
				ID:         d.DocumentID,
				DisplayID:  d.DocumentDisplayID,
				Version:    d.DocumentVersion,
				Title:      strings.TrimSpace(d.Title),
				Contractor: d.ContractorName,
				UpdatedOn:  d.UpdatedOn,
			}
			if doc.UpdatedOn == "" {
				doc.UpdatedOn = d.LastUpdated
			}
			if kind == NCD {
				doc.URL = fmt.Sprintf(ncdViewURL, d.DocumentID, d.DocumentVersion)
			} else {
				doc.URL = fmt.Sprintf(lcdViewURL, d.DocumentID, d.DocumentVersion)
			}
			docs = append(docs, doc)
		}
		return docs, nil
	})
}

// ForCondition returns up to limit documents whose titles share keywords
// with term, best first.
func (c *Client) ForCondition(ctx context.Context, term string, limit int) ([]Document, error) {
	keywords := query.Keywords(term)
	if len(keywords) == 0 {
		return []Document{}, nil
	}
	if limit <= 0 {
		limit = 10
	}

	docs, err := c.Documents(ctx)
	if err != nil {
		return nil, err
	}
	return Match(docs, keywords, limit), nil
}

// Match scores docs against keywords and returns the best limit matches.
func Match(docs []Document, keywords []string, limit int) []Document {
	matches := []Document{}
	for _, d := range docs {
		if score := Score(keywords, d.Title); score > 0 {
			d.Score = score
			matches = append(matches, d)
		}
	}
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Score == matches[j].Score {
			if matches[i].Type == matches[j].Type {
				return matches[i].Title < matches[j].Title
			}
			// NCDs apply nationwide.
			return matches[i].Type == NCD
		}
		return matches[i].Score > matches[j].Score
	})
	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches
}

// Score counts keyword hits in title: 10 per direct hit and 5 per hit through
// a related word. Titles matching fewer than half of the keywords score 0.
func Score(keywords []string, title string) int {
	words := map[string]bool{}
	for _, w := range query.Keywords(title) {
		words[w] = true
	}

	score, hits := 0, 0
	for _, k := range keywords {
		if words[k] {
			score += 10
			hits++
			continue
		}
		for _, r := range related[k] {
			if words[r] {
				score += 5
				hits++
				break
			}
		}
	}
	if hits*2 < len(keywords) {
		return 0
	}
	return score
}
