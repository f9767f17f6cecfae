// Package drugs looks up drugs related to a condition through OpenFDA drug
// labels, and drug classes and ingredients through NLM RxNav.
package drugs

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/chop-dbhi/icd-lookup/internal/ranking"
	"github.com/chop-dbhi/icd-lookup/internal/upstream"
)

// DefaultOpenFDAURL is the OpenFDA drug label endpoint.
const DefaultOpenFDAURL = "https://api.fda.gov/drug/label.json"

const maxIndicationLength = 300

// Drug is a marketed product whose label mentions a condition.
type Drug struct {
	BrandName    string `json:"brandName"`
	GenericName  string `json:"genericName"`
	Manufacturer string `json:"manufacturer,omitempty"`
	RxCUI        string `json:"rxcui,omitempty"`
	ProductType  string `json:"productType,omitempty"`
	Route        string `json:"route,omitempty"`
	Indication   string `json:"indication,omitempty"`
}

type labelResponse struct {
	Results []struct {
		ID      string `json:"id"`
		OpenFDA struct {
			BrandName        []string `json:"brand_name"`
			GenericName      []string `json:"generic_name"`
			ManufacturerName []string `json:"manufacturer_name"`
			RxCUI            []string `json:"rxcui"`
			ProductType      []string `json:"product_type"`
			Route            []string `json:"route"`
		} `json:"openfda"`
		IndicationsAndUsage []string `json:"indications_and_usage"`
	} `json:"results"`
}

// OpenFDA queries drug labels. The API key is optional and only raises the
// upstream rate limit.
type OpenFDA struct {
	http    *upstream.Client
	baseURL string
	apiKey  string
}

// NewOpenFDA creates an OpenFDA client.
func NewOpenFDA(http *upstream.Client, baseURL, apiKey string) *OpenFDA {
	if baseURL == "" {
		baseURL = DefaultOpenFDAURL
	}
	return &OpenFDA{http: http, baseURL: baseURL, apiKey: apiKey}
}

// ForCondition returns drugs whose indications mention term. OpenFDA answers
// a search without matches with 404, which is reported as no drugs.
func (o *OpenFDA) ForCondition(ctx context.Context, term string, limit int) ([]Drug, error) {
	term = strings.TrimSpace(strings.ReplaceAll(term, `"`, ""))
	if term == "" {
		return []Drug{}, nil
	}
	if limit <= 0 {
		limit = 20
	}

	params := url.Values{}
	params.Add("search", fmt.Sprintf(`indications_and_usage:"%s"`, term))
	// Labels repeat per package size; over-fetch so deduplication still fills the page.
	params.Add("limit", strconv.Itoa(min(limit*3, 100)))
	if o.apiKey != "" {
		params.Add("api_key", o.apiKey)
	}

	var resp labelResponse
	if err := o.http.GetJSON(ctx, "OpenFDA Drug Labels", o.baseURL, params, &resp); err != nil {
		if upstream.IsStatus(err, http.StatusNotFound) {
			return []Drug{}, nil
		}
		return nil, err
	}

	drugs := make([]Drug, 0, len(resp.Results))
	for _, r := range resp.Results {
		d := Drug{
			BrandName:    first(r.OpenFDA.BrandName),
			GenericName:  first(r.OpenFDA.GenericName),
			Manufacturer: first(r.OpenFDA.ManufacturerName),
			RxCUI:        first(r.OpenFDA.RxCUI),
			ProductType:  first(r.OpenFDA.ProductType),
			Route:        strings.Join(r.OpenFDA.Route, ", "),
			Indication:   summarize(first(r.IndicationsAndUsage), maxIndicationLength),
		}
		// Labels without openfda annotations carry no usable names.
		if d.BrandName == "" && d.GenericName == "" {
			continue
		}
		drugs = append(drugs, d)
	}

	drugs = ranking.Deduplicate(drugs, func(d Drug) string {
		return strings.ToLower(d.GenericName) + "|" + strings.ToLower(d.BrandName)
	})
	if len(drugs) > limit {
		drugs = drugs[:limit]
	}
	return drugs, nil
}

func first(values []string) string {
	if len(values) == 0 {
		return ""
	}
	return strings.TrimSpace(values[0])
}

// summarize collapses whitespace and cuts s at a word boundary near n
// characters.
func summarize(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= n {
		return s
	}
	cut := s[:n]
	if i := strings.LastIndex(cut, " "); i > n/2 {
		cut = cut[:i]
	}
	return cut + "..."
}
