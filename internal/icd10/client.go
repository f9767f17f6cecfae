package icd10

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/chop-dbhi/icd-lookup/internal/upstream"
)

// DefaultBaseURL is the ClinicalTables ICD-10-CM search endpoint.
const DefaultBaseURL = "https://clinicaltables.nlm.nih.gov/api/icd10cm/v3/search"

// MaxList is the largest page ClinicalTables will return.
const MaxList = 500

// ErrNotFound is returned when a code does not exist.
var ErrNotFound = errors.New("icd-10 code not found")

// Client searches ICD-10-CM codes.
type Client struct {
	http    *upstream.Client
	baseURL string
}

// NewClient creates a ClinicalTables client. An empty baseURL uses
// DefaultBaseURL.
func NewClient(http *upstream.Client, baseURL string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{http: http, baseURL: baseURL}
}

// SearchResult is one page of ClinicalTables results.
type SearchResult struct {
	Total int    `json:"total"`
	Codes []Code `json:"codes"`
}

// Search finds codes whose code or name matches terms.
func (c *Client) Search(ctx context.Context, terms string, max int) (*SearchResult, error) {
	return c.search(ctx, terms, "code,name", max)
}

// Lookup returns the code matching code exactly.
func (c *Client) Lookup(ctx context.Context, code string) (*Code, error) {
	code = FormatCode(code)
	if !ValidCode(code) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, code)
	}

	result, err := c.search(ctx, code, "code", 50)
	if err != nil {
		return nil, err
	}
	for _, found := range result.Codes {
		if StripDot(found.Code) == StripDot(code) {
			return &found, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, code)
}

func (c *Client) search(ctx context.Context, terms, fields string, max int) (*SearchResult, error) {
	if max <= 0 {
		max = 50
	}
	if max > MaxList {
		max = MaxList
	}

	params := url.Values{}
	params.Add("sf", fields)
	params.Add("df", "code,name")
	params.Add("terms", terms)
	params.Add("maxList", strconv.Itoa(max))

	body, err := c.http.Get(ctx, "ClinicalTables ICD-10", c.baseURL, params)
	if err != nil {
		return nil, err
	}
	return parseSearch(body)
}

// parseSearch decodes the positional array format used by ClinicalTables:
// [total, [codes], extra, [[code, name], ...]].
func parseSearch(body []byte) (*SearchResult, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("error decoding ClinicalTables response: %w", err)
	}
	if len(raw) < 4 {
		return nil, fmt.Errorf("unexpected ClinicalTables response with %d elements", len(raw))
	}

	result := &SearchResult{Codes: []Code{}}
	if err := json.Unmarshal(raw[0], &result.Total); err != nil {
		return nil, fmt.Errorf("error decoding ClinicalTables total: %w", err)
	}

	var display [][]string
	if string(raw[3]) != "null" {
		if err := json.Unmarshal(raw[3], &display); err != nil {
			return nil, fmt.Errorf("error decoding ClinicalTables display: %w", err)
		}
	}

	for _, row := range display {
		if len(row) < 2 || strings.TrimSpace(row[0]) == "" {
			continue
		}
		result.Codes = append(result.Codes, NewCode(row[0], row[1]))
	}
	return result, nil
}
