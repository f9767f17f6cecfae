package drugs

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"go.elastic.co/apm"
	"golang.org/x/sync/errgroup"

	"github.com/chop-dbhi/icd-lookup/internal/ranking"
	"github.com/chop-dbhi/icd-lookup/internal/upstream"
)

// DefaultRxNavURL is the RxNav REST root.
const DefaultRxNavURL = "https://rxnav.nlm.nih.gov/REST"

// DrugClass is an RxClass class a drug belongs to.
type DrugClass struct {
	ID       string `json:"classId"`
	Name     string `json:"className"`
	Type     string `json:"classType"`
	Source   string `json:"relaSource"`
	Relation string `json:"rela,omitempty"`
}

// Concept is a minimal RxNorm concept.
type Concept struct {
	RxCUI string `json:"rxcui"`
	Name  string `json:"name"`
	TTY   string `json:"tty,omitempty"`
}

// Detail groups the RxNav data shown for a single drug.
type Detail struct {
	RxCUI       string      `json:"rxcui"`
	Classes     []DrugClass `json:"classes"`
	Ingredients []Concept   `json:"ingredients"`
	Related     []Concept   `json:"related"`
}

// RxNav queries RxNorm and RxClass.
type RxNav struct {
	http    *upstream.Client
	baseURL string
}

// NewRxNav creates an RxNav client.
func NewRxNav(http *upstream.Client, baseURL string) *RxNav {
	if baseURL == "" {
		baseURL = DefaultRxNavURL
	}
	return &RxNav{http: http, baseURL: strings.TrimRight(baseURL, "/")}
}

// FindRxCUI resolves a drug name to an RxCUI, trying an exact match before the
// approximate term search. It returns an empty string when nothing matches.
func (r *RxNav) FindRxCUI(ctx context.Context, name string) (string, error) {
	params := url.Values{}
	params.Add("name", name)
	params.Add("search", "2")

	var exact struct {
		IDGroup struct {
			RxNormID []string `json:"rxnormId"`
		} `json:"idGroup"`
	}
	if err := r.http.GetJSON(ctx, "RxNorm rxcui", r.baseURL+"/rxcui.json", params, &exact); err != nil {
		return "", err
	}
	if len(exact.IDGroup.RxNormID) > 0 {
		return exact.IDGroup.RxNormID[0], nil
	}

	params = url.Values{}
	params.Add("term", name)
	params.Add("maxEntries", "1")

	var approx struct {
		ApproximateGroup struct {
			Candidate []struct {
				RxCUI string `json:"rxcui"`
				Score string `json:"score"`
			} `json:"candidate"`
		} `json:"approximateGroup"`
	}
	if err := r.http.GetJSON(ctx, "RxNorm approximateTerm", r.baseURL+"/approximateTerm.json", params, &approx); err != nil {
		return "", err
	}
	if len(approx.ApproximateGroup.Candidate) > 0 {
		return approx.ApproximateGroup.Candidate[0].RxCUI, nil
	}
	return "", nil
}

type classInfoResponse struct {
	RxclassDrugInfoList struct {
		RxclassDrugInfo []struct {
			MinConcept            Concept `json:"minConcept"`
			RxclassMinConceptItem struct {
				ClassID   string `json:"classId"`
				ClassName string `json:"className"`
				ClassType string `json:"classType"`
			} `json:"rxclassMinConceptItem"`
			Rela       string `json:"rela"`
			RelaSource string `json:"relaSource"`
		} `json:"rxclassDrugInfo"`
	} `json:"rxclassDrugInfoList"`
}

// Classes returns the distinct classes of rxcui, sorted by source then name.
func (r *RxNav) Classes(ctx context.Context, rxcui string) ([]DrugClass, error) {
	params := url.Values{}
	params.Add("rxcui", rxcui)

	var resp classInfoResponse
	if err := r.http.GetJSON(ctx, "RxClass byRxcui", r.baseURL+"/rxclass/class/byRxcui.json", params, &resp); err != nil {
		return nil, err
	}

	classes := make([]DrugClass, 0, len(resp.RxclassDrugInfoList.RxclassDrugInfo))
	for _, info := range resp.RxclassDrugInfoList.RxclassDrugInfo {
		item := info.RxclassMinConceptItem
		classes = append(classes, DrugClass{
			ID:       item.ClassID,
			Name:     item.ClassName,
			Type:     item.ClassType,
			Source:   info.RelaSource,
			Relation: info.Rela,
		})
	}
	classes = ranking.Deduplicate(classes, func(c DrugClass) string { return c.ID })
	sort.SliceStable(classes, func(i, j int) bool {
		if classes[i].Source == classes[j].Source {
			return classes[i].Name < classes[j].Name
		}
		return classes[i].Source < classes[j].Source
	})
	return classes, nil
}

type relatedResponse struct {
	RelatedGroup struct {
		ConceptGroup []struct {
			TTY               string    `json:"tty"`
			ConceptProperties []Concept `json:"conceptProperties"`
		} `json:"conceptGroup"`
	} `json:"relatedGroup"`
}

func (r *RxNav) related(ctx context.Context, rxcui string, ttys ...string) ([]Concept, error) {
	params := url.Values{}
	params.Add("tty", strings.Join(ttys, " "))

	var resp relatedResponse
	endpoint := fmt.Sprintf("%s/rxcui/%s/related.json", r.baseURL, url.PathEscape(rxcui))
	if err := r.http.GetJSON(ctx, "RxNorm related", endpoint, params, &resp); err != nil {
		return nil, err
	}

	concepts := []Concept{}
	for _, group := range resp.RelatedGroup.ConceptGroup {
		for _, c := range group.ConceptProperties {
			if c.TTY == "" {
				c.TTY = group.TTY
			}
			concepts = append(concepts, c)
		}
	}
	return ranking.Deduplicate(concepts, func(c Concept) string { return c.RxCUI }), nil
}

// Ingredients returns the ingredient concepts of rxcui.
func (r *RxNav) Ingredients(ctx context.Context, rxcui string) ([]Concept, error) {
	return r.related(ctx, rxcui, "IN", "MIN")
}

// RelatedProducts returns branded and clinical drug products related to rxcui.
func (r *RxNav) RelatedProducts(ctx context.Context, rxcui string) ([]Concept, error) {
	return r.related(ctx, rxcui, "SBD", "SCD", "BN")
}

// ClassMembers returns drugs belonging to classID according to relaSource.
// ClassMembers lists the drugs RxClass places in classID under relaSource.
func (r *RxNav) ClassMembers(ctx context.Context, classID, relaSource string) ([]Concept, error) {
	params := url.Values{}
	params.Add("classId", classID)
	params.Add("relaSource", relaSource)

	var resp struct {
		DrugMemberGroup struct {
			DrugMember []struct {
				MinConcept Concept `json:"minConcept"`
			} `json:"drugMember"`
		} `json:"drugMemberGroup"`
	}
	if err := r.http.GetJSON(ctx, "RxClass classMembers", r.baseURL+"/rxclass/classMembers.json", params, &resp); err != nil {
		return nil, err
	}

	members := make([]Concept, 0, len(resp.DrugMemberGroup.DrugMember))
	for _, m := range resp.DrugMemberGroup.DrugMember {
		members = append(members, m.MinConcept)
	}
	return ranking.Deduplicate(members, func(c Concept) string { return c.RxCUI }), nil
}

// Detail fetches classes, ingredients and related products for rxcui in
// parallel. Any failure fails the whole detail.
func (r *RxNav) Detail(ctx context.Context, rxcui string) (*Detail, error) {
	span, ctx := apm.StartSpan(ctx, "Get Drug Detail", "Combined")
	defer span.End()

	detail := &Detail{RxCUI: rxcui}
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		classes, err := r.Classes(ctx, rxcui)
		detail.Classes = classes
		return err
	})
	g.Go(func() error {
		ingredients, err := r.Ingredients(ctx, rxcui)
		detail.Ingredients = ingredients
		return err
	})
	g.Go(func() error {
		related, err := r.RelatedProducts(ctx, rxcui)
		detail.Related = related
		return err
	})

	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("error retrieving drug detail for %s: %w", rxcui, err)
	}
	return detail, nil
}
