// Package umls wraps the UMLS Terminology Services REST API. It is the only
// package that holds the UMLS key, so browsers never see it.
package umls

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"go.elastic.co/apm"
	"golang.org/x/sync/errgroup"

	"github.com/chop-dbhi/icd-lookup/internal/icd10"
	"github.com/chop-dbhi/icd-lookup/internal/query"
	"github.com/chop-dbhi/icd-lookup/internal/ranking"
	"github.com/chop-dbhi/icd-lookup/internal/upstream"
)

// DefaultBaseURL is the UTS REST root.
const DefaultBaseURL = "https://uts-ws.nlm.nih.gov/rest"

// Vocabularies used by the helpers.
const (
	SNOMED = "SNOMEDCT_US"
	RxNorm = "RXNORM"
	ICD10  = "ICD10CM"
)

// Search types accepted by the search endpoint.
const (
	SearchExact       = "exact"
	SearchWords       = "words"
	SearchApproximate = "approximate"
)

const validateConcurrency = 5

// Looks for the words SNOMED CT uses in procedure concept names.
var procedureRegex = regexp.MustCompile(`(?i)\b(procedure|surgery|surgical|operation|excision|resection|removal|repair|replacement|transplant\w*|biopsy|therapy|injection|implant\w*|insertion|incision|drainage|reconstruction|\w+ectomy|\w+otomy|\w+ostomy|\w+plasty|\w+scopy|\w+graphy|administration|management|screening|education|monitoring|examination|assessment)\b`)

// Concept is a UMLS search or crosswalk hit.
type Concept struct {
	UI     string `json:"ui"`
	Name   string `json:"name"`
	Source string `json:"rootSource"`
}

// Procedure is a SNOMED CT procedure suggested for a diagnosis.
type Procedure struct {
	Code   string `json:"code"`
	Name   string `json:"name"`
	Origin string `json:"origin"`
}

// Procedure origins.
const (
	OriginSearch    = "search"
	OriginCrosswalk = "crosswalk"
)

// DrugValidation reports whether a drug name is a known RxNorm concept.
type DrugValidation struct {
	Name       string `json:"name"`
	Valid      bool   `json:"valid"`
	RxCUI      string `json:"rxcui,omitempty"`
	Matched    string `json:"matched,omitempty"`
	Suggestion string `json:"suggestion,omitempty"`
}

// Client calls UTS with the server side key.
type Client struct {
	http    *upstream.Client
	baseURL string
	apiKey  string
}

// NewClient creates a UTS client. Calls fail with upstream.ErrMissingAPIKey
// when apiKey is empty.
func NewClient(http *upstream.Client, baseURL, apiKey string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{http: http, baseURL: strings.TrimRight(baseURL, "/"), apiKey: apiKey}
}

// Configured reports whether a key is available.
func (c *Client) Configured() bool {
	return c.apiKey != ""
}

func (c *Client) get(ctx context.Context, name, path string, params url.Values, out any) error {
	if c.apiKey == "" {
		return upstream.ErrMissingAPIKey
	}
	if params == nil {
		params = url.Values{}
	}
	params.Set("apiKey", c.apiKey)
	return c.http.GetJSON(ctx, name, c.baseURL+path, params, out)
}

// Crosswalk maps an ICD-10-CM code to concepts of the target vocabulary. A
// code without mappings yields no concepts.
func (c *Client) Crosswalk(ctx context.Context, code, target string) ([]Concept, error) {
	params := url.Values{}
	params.Add("targetSource", target)

	var resp struct {
		Result []Concept `json:"result"`
	}
	path := fmt.Sprintf("/crosswalk/current/source/%s/%s", ICD10, url.PathEscape(icd10.FormatCode(code)))
	if err := c.get(ctx, "UMLS Crosswalk", path, params, &resp); err != nil {
		if upstream.IsStatus(err, http.StatusNotFound) {
			return []Concept{}, nil
		}
		return nil, err
	}
	if resp.Result == nil {
		return []Concept{}, nil
	}
	return resp.Result, nil
}

// Search looks term up in one source vocabulary and returns source codes.
func (c *Client) Search(ctx context.Context, term, source, searchType string) ([]Concept, error) {
	params := url.Values{}
	params.Add("string", term)
	params.Add("sabs", source)
	params.Add("searchType", searchType)
	params.Add("returnIdType", "code")
	params.Add("pageSize", "50")

	var resp struct {
		Result struct {
			Results []Concept `json:"results"`
		} `json:"result"`
	}
	if err := c.get(ctx, "UMLS Search", "/search/current", params, &resp); err != nil {
		return nil, err
	}

	concepts := make([]Concept, 0, len(resp.Result.Results))
	for _, r := range resp.Result.Results {
		// UTS answers an empty search with a single "NONE" placeholder.
		if r.UI == "" || r.UI == "NONE" {
			continue
		}
		concepts = append(concepts, r)
	}
	return concepts, nil
}

// LooksLikeProcedure reports whether a SNOMED CT name reads as a procedure
// rather than a finding.
func LooksLikeProcedure(name string) bool {
	return procedureRegex.MatchString(name)
}

// Procedures suggests SNOMED CT procedures for a diagnosis from a word search
// of its description and the concepts the code crosswalks to.
func (c *Client) Procedures(ctx context.Context, code, description string) ([]Procedure, error) {
	if c.apiKey == "" {
		return nil, upstream.ErrMissingAPIKey
	}

	span, ctx := apm.StartSpan(ctx, "Get SNOMED Procedures", "Combined")
	defer span.End()

	term := query.ConditionTerm(description)
	var found, mapped []Concept

	g, gctx := errgroup.WithContext(ctx)
	if term != "" {
		g.Go(func() error {
			var err error
			found, err = c.Search(gctx, term, SNOMED, SearchWords)
			return err
		})
	}
	if code != "" {
		g.Go(func() error {
			var err error
			mapped, err = c.Crosswalk(gctx, code, SNOMED)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	procedures := []Procedure{}
	for _, concept := range found {
		if LooksLikeProcedure(concept.Name) {
			procedures = append(procedures, Procedure{Code: concept.UI, Name: concept.Name, Origin: OriginSearch})
		}
	}
	for _, concept := range mapped {
		procedures = append(procedures, Procedure{Code: concept.UI, Name: concept.Name, Origin: OriginCrosswalk})
	}
	return ranking.Deduplicate(procedures, func(p Procedure) string { return p.Code }), nil
}

// ValidateDrugs checks every name against RxNorm. Names without an exact
// match get the best approximate match as a suggestion. Results keep the
// order of names.
func (c *Client) ValidateDrugs(ctx context.Context, names []string) ([]DrugValidation, error) {
	if c.apiKey == "" {
		return nil, upstream.ErrMissingAPIKey
	}

	span, ctx := apm.StartSpan(ctx, "Validate Drugs", "Combined")
	defer span.End()

	results := make([]DrugValidation, len(names))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(validateConcurrency)

	for i, name := range names {
		g.Go(func() error {
			v, err := c.validateDrug(ctx, name)
			if err != nil {
				return fmt.Errorf("error validating %q: %w", name, err)
			}
			results[i] = v
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (c *Client) validateDrug(ctx context.Context, name string) (DrugValidation, error) {
	v := DrugValidation{Name: name}
	term := strings.TrimSpace(name)
	if term == "" {
		return v, nil
	}

	exact, err := c.Search(ctx, term, RxNorm, SearchExact)
	if err != nil {
		return v, err
	}
	if len(exact) > 0 {
		v.Valid = true
		v.RxCUI = exact[0].UI
		v.Matched = exact[0].Name
		return v, nil
	}

	approx, err := c.Search(ctx, term, RxNorm, SearchApproximate)
	if err != nil {
		return v, err
	}
	if len(approx) > 0 {
		v.Suggestion = approx[0].Name
	}
	return v, nil
}
