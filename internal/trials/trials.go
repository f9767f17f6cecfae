// Package trials searches ClinicalTrials.gov for studies of a condition.
package trials

import (
	"context"
	"net/url"
	"strconv"
	"strings"

	"github.com/chop-dbhi/icd-lookup/internal/upstream"
)

// DefaultBaseURL is the ClinicalTrials.gov v2 studies endpoint.
const DefaultBaseURL = "https://clinicaltrials.gov/api/v2/studies"

const studyURL = "https://clinicaltrials.gov/study/"

// Trial is a summarized study.
type Trial struct {
	NCTID      string   `json:"nctId"`
	Title      string   `json:"title"`
	Status     string   `json:"status"`
	Phases     []string `json:"phases"`
	Sponsor    string   `json:"sponsor,omitempty"`
	Conditions []string `json:"conditions"`
	StartDate  string   `json:"startDate,omitempty"`
	Locations  int      `json:"locations"`
	URL        string   `json:"url"`
}

// Statuses accepted as a filter, matching ClinicalTrials.gov overall status.
var Statuses = map[string]bool{
	"RECRUITING":              true,
	"NOT_YET_RECRUITING":      true,
	"ACTIVE_NOT_RECRUITING":   true,
	"ENROLLING_BY_INVITATION": true,
	"COMPLETED":               true,
	"TERMINATED":              true,
	"SUSPENDED":               true,
	"WITHDRAWN":               true,
}

type studiesResponse struct {
	Studies []struct {
		ProtocolSection struct {
			IdentificationModule struct {
				NCTID      string `json:"nctId"`
				BriefTitle string `json:"briefTitle"`
			} `json:"identificationModule"`
			StatusModule struct {
				OverallStatus   string `json:"overallStatus"`
				StartDateStruct struct {
					Date string `json:"date"`
				} `json:"startDateStruct"`
			} `json:"statusModule"`
			DesignModule struct {
				Phases []string `json:"phases"`
			} `json:"designModule"`
			SponsorCollaboratorsModule struct {
				LeadSponsor struct {
					Name string `json:"name"`
				} `json:"leadSponsor"`
			} `json:"sponsorCollaboratorsModule"`
			ConditionsModule struct {
				Conditions []string `json:"conditions"`
			} `json:"conditionsModule"`
			ContactsLocationsModule struct {
				Locations []struct {
					City    string `json:"city"`
					Country string `json:"country"`
				} `json:"locations"`
			} `json:"contactsLocationsModule"`
		} `json:"protocolSection"`
	} `json:"studies"`
}

// Client searches studies.
type Client struct {
	http    *upstream.Client
	baseURL string
}

// NewClient creates a ClinicalTrials.gov client.
func NewClient(http *upstream.Client, baseURL string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{http: http, baseURL: baseURL}
}

// Search returns studies of condition, optionally limited to one overall
// status. Unknown statuses are ignored.
func (c *Client) Search(ctx context.Context, condition, status string, limit int) ([]Trial, error) {
	condition = strings.TrimSpace(condition)
	if condition == "" {
		return []Trial{}, nil
	}
	if limit <= 0 {
		limit = 10
	}
	if limit > 100 {
		limit = 100
	}

	params := url.Values{}
	params.Add("query.cond", condition)
	params.Add("pageSize", strconv.Itoa(limit))
	params.Add("format", "json")
	if status = strings.ToUpper(strings.TrimSpace(status)); Statuses[status] {
		params.Add("filter.overallStatus", status)
	}

	var resp studiesResponse
	if err := c.http.GetJSON(ctx, "ClinicalTrials.gov Studies", c.baseURL, params, &resp); err != nil {
		return nil, err
	}

	trials := make([]Trial, 0, len(resp.Studies))
	for _, s := range resp.Studies {
		p := s.ProtocolSection
		id := p.IdentificationModule.NCTID
		if id == "" {
			continue
		}
		t := Trial{
			NCTID:      id,
			Title:      p.IdentificationModule.BriefTitle,
			Status:     p.StatusModule.OverallStatus,
			Phases:     p.DesignModule.Phases,
			Sponsor:    p.SponsorCollaboratorsModule.LeadSponsor.Name,
			Conditions: p.ConditionsModule.Conditions,
			StartDate:  p.StatusModule.StartDateStruct.Date,
			Locations:  len(p.ContactsLocationsModule.Locations),
			URL:        studyURL + id,
		}
		if t.Phases == nil {
			t.Phases = []string{}
		}
		if t.Conditions == nil {
			t.Conditions = []string{}
		}
		trials = append(trials, t)
	}
	return trials, nil
}
